package client

import (
	"context"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"authpipe/auth"
	"authpipe/token"
)

// DefaultMaxRetries bounds how many refresh-then-retry cycles a single call
// may perform after an unauthorized response.
const DefaultMaxRetries = 2

// Session is the slice of the auth manager the executor needs.
// This interface allows for easy mocking in tests.
type Session interface {
	AccessToken() (string, error)
	Refresh(ctx context.Context) (auth.TokenPair, error)
	Teardown(reason auth.Reason) error
}

// Ensure Manager implements Session
var _ Session = (*auth.Manager)(nil)

// Request is the transport-agnostic shape of an outbound call. URL may be
// relative to the client's base URL.
type Request struct {
	Method string
	URL    string
	Header map[string]string
	Query  map[string]string
	Body   any
	// Result, when non-nil, receives the decoded response body on success.
	Result any
}

// Opts configures a Client.
type Opts struct {
	BaseURL string
	Session Session
	// MaxRetries overrides DefaultMaxRetries when > 0.
	MaxRetries int
	// ExpiryBuffer overrides token.DefaultExpiryBuffer when > 0.
	ExpiryBuffer time.Duration
}

// Client executes outbound calls with the authorization concern handled:
// pre-flight expiry check, bearer header injection, and a bounded
// refresh-and-retry on 401. Everything else about a response is the
// caller's business.
type Client struct {
	httpClient   *resty.Client
	session      Session
	maxRetries   int
	expiryBuffer time.Duration
}

func New(opts Opts) *Client {
	c := &Client{
		session:      opts.Session,
		maxRetries:   DefaultMaxRetries,
		expiryBuffer: token.DefaultExpiryBuffer,
	}
	if opts.MaxRetries > 0 {
		c.maxRetries = opts.MaxRetries
	}
	if opts.ExpiryBuffer > 0 {
		c.expiryBuffer = opts.ExpiryBuffer
	}
	c.httpClient = resty.New().
		SetBaseURL(opts.BaseURL).
		SetHeader("Accept", "application/json")

	return c
}

// Do sends the request. When the stored access token is already within the
// expiry buffer, it is refreshed before the request goes out; a 401 from
// the remote triggers a refresh and a retry of the original request until
// the retry budget runs out. Terminal failures tear the session down and
// the returned error matches auth.ErrSessionExpired. Any other response or
// transport error is returned unchanged.
func (c *Client) Do(ctx context.Context, req Request) (*resty.Response, error) {
	access, err := c.session.AccessToken()
	if err != nil {
		return nil, err
	}
	if access != "" && token.IsExpired(access, c.expiryBuffer) {
		log.Debug().Str("url", req.URL).Msg("access token expiring, refreshing before request")
		pair, err := c.session.Refresh(ctx)
		if err != nil {
			return nil, err
		}
		access = pair.AccessToken
	}

	for attempt := 0; ; attempt++ {
		res, err := c.send(ctx, req, access)
		if err != nil {
			// Transport errors are not owned by this layer.
			return res, err
		}
		if res.StatusCode() != http.StatusUnauthorized {
			return res, nil
		}
		if attempt >= c.maxRetries {
			log.Warn().Str("url", req.URL).Int("attempts", attempt+1).
				Msg("still unauthorized after retries, clearing session")
			if err := c.session.Teardown(auth.ReasonRetriesExhausted); err != nil {
				return res, err
			}
			return res, &auth.SessionExpiredError{Reason: auth.ReasonRetriesExhausted}
		}
		log.Debug().Str("url", req.URL).Int("attempt", attempt+1).
			Msg("unauthorized response, refreshing token")
		pair, err := c.session.Refresh(ctx)
		if err != nil {
			return res, err
		}
		access = pair.AccessToken
	}
}

func (c *Client) send(ctx context.Context, req Request, access string) (*resty.Response, error) {
	r := c.httpClient.NewRequest().SetContext(ctx)

	for k, v := range req.Header {
		r.SetHeader(k, v)
	}
	if len(req.Query) > 0 {
		r.SetQueryParams(req.Query)
	}
	if req.Body != nil {
		r.SetBody(req.Body)
	}
	if req.Result != nil {
		r.SetResult(req.Result)
	}
	if access != "" {
		r.SetHeader("Authorization", "Bearer "+access)
	}

	return r.Execute(req.Method, req.URL)
}
