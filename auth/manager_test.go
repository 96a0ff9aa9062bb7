package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authpipe/storage"
	"authpipe/token"
)

func mustGenerate(t *testing.T, subjectID string, ttl time.Duration) string {
	t.Helper()
	raw, err := token.Generate(subjectID, "dev", "user", ttl)
	require.NoError(t, err)
	return raw
}

// refreshHandler responds to /auth/refresh with a freshly generated pair
// and counts calls.
func refreshHandler(t *testing.T, calls *atomic.Int64) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)

		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.NotEmpty(t, body.RefreshToken)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(TokenPair{
			AccessToken:  mustGenerate(t, "123", 15*time.Minute),
			RefreshToken: mustGenerate(t, "123", 24*time.Hour),
		})
	}
}

func newTestManager(t *testing.T, handler http.Handler) (*Manager, *storage.MemoryStore) {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	store := storage.NewMemoryStore()
	m := NewManager(store, Options{BaseURL: ts.URL})
	return m, store
}

func TestEstablishAndAccessors(t *testing.T) {
	store := storage.NewMemoryStore()
	m := NewManager(store, Options{})

	assert.False(t, m.IsAuthenticated())

	access := mustGenerate(t, "123", 15*time.Minute)
	refresh := mustGenerate(t, "123", 24*time.Hour)
	require.NoError(t, m.Establish(access, refresh))

	assert.True(t, m.IsAuthenticated())

	user, err := m.CurrentUser()
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "123", user.ID)

	got, err := m.AccessToken()
	require.NoError(t, err)
	assert.Equal(t, access, got)

	require.NoError(t, m.Logout())
	assert.False(t, m.IsAuthenticated())
}

func TestEstablishMalformedAccessToken(t *testing.T) {
	m := NewManager(storage.NewMemoryStore(), Options{})
	err := m.Establish("garbage", mustGenerate(t, "123", time.Hour))
	assert.Error(t, err)
	assert.False(t, m.IsAuthenticated())
}

func TestRefreshRotatesTokens(t *testing.T) {
	var calls atomic.Int64
	m, store := newTestManager(t, refreshHandler(t, &calls))

	oldAccess := mustGenerate(t, "123", -time.Minute)
	oldRefresh := mustGenerate(t, "123", 24*time.Hour)
	require.NoError(t, store.SetSession(oldAccess, oldRefresh, token.User{ID: "123"}))

	pair, err := m.Refresh(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEqual(t, oldAccess, pair.AccessToken)
	assert.Equal(t, int64(1), calls.Load())

	// New pair is persisted, user record untouched.
	access, err := store.AccessToken()
	require.NoError(t, err)
	assert.Equal(t, pair.AccessToken, access)

	refresh, err := store.RefreshToken()
	require.NoError(t, err)
	assert.Equal(t, pair.RefreshToken, refresh)

	user, err := store.User()
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "123", user.ID)
}

func TestRefreshWithExpiredRefreshToken(t *testing.T) {
	var calls atomic.Int64
	m, store := newTestManager(t, refreshHandler(t, &calls))

	access := mustGenerate(t, "123", -time.Minute)
	expiredRefresh := mustGenerate(t, "123", -10*time.Second)
	require.NoError(t, store.SetSession(access, expiredRefresh, token.User{ID: "123"}))

	_, err := m.Refresh(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionExpired)

	var see *SessionExpiredError
	require.ErrorAs(t, err, &see)
	assert.Equal(t, ReasonRefreshTokenExpired, see.Reason)

	// No network call was made and the session is gone, atomically.
	assert.Equal(t, int64(0), calls.Load())
	assert.False(t, m.IsAuthenticated())

	user, err := store.User()
	require.NoError(t, err)
	assert.Nil(t, user)
}

func TestRefreshWithoutSession(t *testing.T) {
	var calls atomic.Int64
	m, _ := newTestManager(t, refreshHandler(t, &calls))

	_, err := m.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, int64(0), calls.Load())
}

func TestRefreshEndpointRejection(t *testing.T) {
	m, store := newTestManager(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))

	require.NoError(t, store.SetSession(
		mustGenerate(t, "123", -time.Minute),
		mustGenerate(t, "123", 24*time.Hour),
		token.User{ID: "123"},
	))

	_, err := m.Refresh(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionExpired)

	var see *SessionExpiredError
	require.ErrorAs(t, err, &see)
	assert.Equal(t, ReasonRefreshRequestFailed, see.Reason)
	assert.False(t, m.IsAuthenticated())
}

func TestRefreshTransportError(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	ts.Close() // connection refused from here on

	store := storage.NewMemoryStore()
	m := NewManager(store, Options{BaseURL: ts.URL, Timeout: time.Second})

	require.NoError(t, store.SetSession(
		mustGenerate(t, "123", -time.Minute),
		mustGenerate(t, "123", 24*time.Hour),
		token.User{ID: "123"},
	))

	_, err := m.Refresh(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.False(t, m.IsAuthenticated())
}

func TestRefreshIncompleteResponse(t *testing.T) {
	m, store := newTestManager(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"accessToken":"only-half"}`))
	}))

	require.NoError(t, store.SetSession(
		mustGenerate(t, "123", -time.Minute),
		mustGenerate(t, "123", 24*time.Hour),
		token.User{ID: "123"},
	))

	_, err := m.Refresh(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.False(t, m.IsAuthenticated())
}

func TestRefreshSingleFlight(t *testing.T) {
	var calls atomic.Int64
	slowRefresh := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(250 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(TokenPair{
			AccessToken:  mustGenerate(t, "123", 15*time.Minute),
			RefreshToken: mustGenerate(t, "123", 24*time.Hour),
		})
	})
	m, store := newTestManager(t, slowRefresh)

	require.NoError(t, store.SetSession(
		mustGenerate(t, "123", -time.Minute),
		mustGenerate(t, "123", 24*time.Hour),
		token.User{ID: "123"},
	))

	const n = 10
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		mu    sync.Mutex
		pairs []TokenPair
		errs  []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			pair, err := m.Refresh(context.Background())
			mu.Lock()
			pairs = append(pairs, pair)
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load(), "expected exactly one refresh endpoint call")
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, pairs[0], pairs[i], "all callers must receive the same outcome")
	}
}

func TestLogoutDuringRefreshDiscardsResult(t *testing.T) {
	arrived := make(chan struct{})
	release := make(chan struct{})
	m, store := newTestManager(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(arrived)
		<-release
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(TokenPair{
			AccessToken:  mustGenerate(t, "123", 15*time.Minute),
			RefreshToken: mustGenerate(t, "123", 24*time.Hour),
		})
	}))

	require.NoError(t, store.SetSession(
		mustGenerate(t, "123", -time.Minute),
		mustGenerate(t, "123", 24*time.Hour),
		token.User{ID: "123"},
	))

	result := make(chan error, 1)
	go func() {
		_, err := m.Refresh(context.Background())
		result <- err
	}()

	<-arrived
	require.NoError(t, m.Logout())
	close(release)

	err := <-result
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionExpired)

	var see *SessionExpiredError
	require.ErrorAs(t, err, &see)
	assert.Equal(t, ReasonLoggedOut, see.Reason)

	// The late refresh must not have resurrected the session.
	assert.False(t, m.IsAuthenticated())
}

func TestRefreshIfExpiring(t *testing.T) {
	var calls atomic.Int64
	m, store := newTestManager(t, refreshHandler(t, &calls))

	// Plenty of time left, nothing to do.
	require.NoError(t, store.SetSession(
		mustGenerate(t, "123", 2*time.Hour),
		mustGenerate(t, "123", 24*time.Hour),
		token.User{ID: "123"},
	))
	refreshed, err := m.RefreshIfExpiring(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.False(t, refreshed)
	assert.Equal(t, int64(0), calls.Load())

	// Within the window, refresh happens.
	require.NoError(t, store.SetTokens(
		mustGenerate(t, "123", 30*time.Second),
		mustGenerate(t, "123", 24*time.Hour),
	))
	refreshed, err = m.RefreshIfExpiring(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.True(t, refreshed)
	assert.Equal(t, int64(1), calls.Load())
}

func TestKeepSessionAliveStopsOnSessionExpiry(t *testing.T) {
	var calls atomic.Int64
	m, store := newTestManager(t, refreshHandler(t, &calls))

	// Expired refresh token: the immediate tick fails terminally.
	require.NoError(t, store.SetSession(
		mustGenerate(t, "123", -time.Minute),
		mustGenerate(t, "123", -time.Minute),
		token.User{ID: "123"},
	))

	err := KeepSessionAlive(context.Background(), m, 10*time.Millisecond, time.Minute)
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.False(t, m.IsAuthenticated())
}

func TestKeepSessionAliveStopsOnContextCancel(t *testing.T) {
	var calls atomic.Int64
	m, store := newTestManager(t, refreshHandler(t, &calls))

	require.NoError(t, store.SetSession(
		mustGenerate(t, "123", 30*time.Second),
		mustGenerate(t, "123", 24*time.Hour),
		token.User{ID: "123"},
	))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- KeepSessionAlive(ctx, m, 10*time.Millisecond, time.Minute)
	}()

	// The immediate tick refreshes the expiring token.
	assert.Eventually(t, func() bool { return calls.Load() >= 1 }, time.Second, 10*time.Millisecond)

	cancel()
	err := <-done
	assert.True(t, errors.Is(err, context.Canceled))
}
