package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"authpipe/storage"
	"authpipe/token"
)

const (
	// DefaultRefreshPath is the identity provider's refresh endpoint.
	DefaultRefreshPath = "/auth/refresh"

	// DefaultRefreshTimeout bounds the refresh RPC so single-flight waiters
	// can never hang on an unresponsive endpoint.
	DefaultRefreshTimeout = 10 * time.Second
)

// TokenPair is the credential pair returned by the refresh endpoint.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// Options configures a Manager.
type Options struct {
	// BaseURL of the identity provider.
	BaseURL string
	// RefreshPath overrides DefaultRefreshPath.
	RefreshPath string
	// Timeout overrides DefaultRefreshTimeout.
	Timeout time.Duration
}

// Manager owns the session lifecycle. It is the only writer to the token
// store, runs the refresh protocol with at most one refresh in flight, and
// tears the session down on unrecoverable failure.
type Manager struct {
	store       storage.TokenStore
	httpClient  *resty.Client
	refreshPath string

	group singleflight.Group

	// gen is bumped on every teardown; a refresh that completes against a
	// stale generation must not resurrect the session.
	mu  sync.Mutex
	gen uint64
}

func NewManager(store storage.TokenStore, opts Options) *Manager {
	refreshPath := opts.RefreshPath
	if refreshPath == "" {
		refreshPath = DefaultRefreshPath
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultRefreshTimeout
	}

	httpClient := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	return &Manager{
		store:       store,
		httpClient:  httpClient,
		refreshPath: refreshPath,
	}
}

// Establish creates a session from a freshly issued token pair. The user
// record is taken from the access token's payload.
func (m *Manager) Establish(access, refresh string) error {
	p, err := token.Decode(access)
	if err != nil {
		return fmt.Errorf("cannot establish session: %w", err)
	}
	if err := m.store.SetSession(access, refresh, p.User()); err != nil {
		return err
	}
	log.Info().Str("subjectId", p.SubjectID).Msg("session established")
	return nil
}

// Logout clears the session. A refresh already in flight will discard its
// result instead of resurrecting the session.
func (m *Manager) Logout() error {
	return m.teardown(ReasonLoggedOut)
}

// IsAuthenticated reports whether a complete session exists, i.e. both
// tokens are present.
func (m *Manager) IsAuthenticated() bool {
	access, err := m.store.AccessToken()
	if err != nil || access == "" {
		return false
	}
	refresh, err := m.store.RefreshToken()
	return err == nil && refresh != ""
}

// CurrentUser returns the stored user record, or nil without a session.
func (m *Manager) CurrentUser() (*token.User, error) {
	return m.store.User()
}

// AccessToken returns the current access token, or "" without a session.
func (m *Manager) AccessToken() (string, error) {
	return m.store.AccessToken()
}

// Refresh obtains a fresh token pair from the refresh endpoint and persists
// it. Concurrent callers share a single in-flight refresh and receive the
// same outcome; refresh tokens are commonly rotated on use, so a second
// concurrent call with an already-consumed token would spuriously kill the
// session. Every failure is terminal: the store is cleared and the returned
// error matches ErrSessionExpired.
func (m *Manager) Refresh(ctx context.Context) (TokenPair, error) {
	v, err, shared := m.group.Do("refresh", func() (any, error) {
		return m.doRefresh(ctx)
	})
	if shared {
		log.Debug().Msg("joined in-flight token refresh")
	}
	if err != nil {
		return TokenPair{}, err
	}
	return v.(TokenPair), nil
}

func (m *Manager) doRefresh(ctx context.Context) (TokenPair, error) {
	gen := m.generation()

	refresh, err := m.store.RefreshToken()
	if err != nil {
		return TokenPair{}, err
	}
	if refresh == "" || token.IsExpired(refresh, 0) {
		m.teardown(ReasonRefreshTokenExpired)
		return TokenPair{}, &SessionExpiredError{Reason: ReasonRefreshTokenExpired}
	}

	var pair TokenPair
	res, err := m.httpClient.R().
		SetContext(ctx).
		SetBody(refreshRequest{RefreshToken: refresh}).
		SetResult(&pair).
		Post(m.refreshPath)
	if err != nil {
		m.teardown(ReasonRefreshRequestFailed)
		return TokenPair{}, &SessionExpiredError{Reason: ReasonRefreshRequestFailed, Err: err}
	}
	if !res.IsSuccess() {
		m.teardown(ReasonRefreshRequestFailed)
		return TokenPair{}, &SessionExpiredError{
			Reason: ReasonRefreshRequestFailed,
			Err:    fmt.Errorf("refresh endpoint returned status %d", res.StatusCode()),
		}
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		m.teardown(ReasonRefreshRequestFailed)
		return TokenPair{}, &SessionExpiredError{
			Reason: ReasonRefreshRequestFailed,
			Err:    fmt.Errorf("refresh endpoint returned an incomplete token pair"),
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		// Session was torn down while the refresh was in flight.
		return TokenPair{}, &SessionExpiredError{Reason: ReasonLoggedOut}
	}
	if err := m.store.SetTokens(pair.AccessToken, pair.RefreshToken); err != nil {
		return TokenPair{}, err
	}
	log.Info().Msg("token pair refreshed")
	return pair, nil
}

// RefreshIfExpiring refreshes the pair when the access token is within the
// given duration of expiry. Returns true when a refresh was performed.
func (m *Manager) RefreshIfExpiring(ctx context.Context, within time.Duration) (bool, error) {
	access, err := m.store.AccessToken()
	if err != nil {
		return false, err
	}
	if access == "" || !token.IsExpired(access, within) {
		return false, nil
	}
	if _, err := m.Refresh(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Teardown clears the session after a terminal failure observed outside the
// refresh path, such as retries exhausted on a persistent 401. All token
// store writes stay inside the Manager.
func (m *Manager) Teardown(reason Reason) error {
	return m.teardown(reason)
}

func (m *Manager) generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen
}

func (m *Manager) teardown(reason Reason) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	if err := m.store.Clear(); err != nil {
		return fmt.Errorf("failed to clear token store: %w", err)
	}
	log.Info().Str("reason", string(reason)).Msg("session cleared")
	return nil
}
