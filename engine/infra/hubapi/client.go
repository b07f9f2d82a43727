package hubapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/techops-services/keeperhub-sub010/pkg/config"
	"github.com/techops-services/keeperhub-sub010/pkg/logger"
)

// serviceHeader identifies internal service traffic to the platform API.
const serviceHeader = "X-KeeperHub-Service"

// ErrAuthorizationFailed is returned when the token endpoint rejects the
// service credentials. Calls never proceed without a token.
var ErrAuthorizationFailed = errors.New("hub authorization failed")

// RemoteCallError is a non-2xx response from the hub API. The caller owns
// the retry decision; Transient reports whether retrying can help.
type RemoteCallError struct {
	Status int
	Body   string
}

func (e *RemoteCallError) Error() string {
	return fmt.Sprintf("hub API call failed with status %d: %s", e.Status, e.Body)
}

// Transient reports whether the status is worth retrying: server-side
// failures, throttling, and request timeouts.
func (e *RemoteCallError) Transient() bool {
	switch {
	case e.Status >= http.StatusInternalServerError:
		return true
	case e.Status == http.StatusTooManyRequests:
		return true
	case e.Status == http.StatusRequestTimeout:
		return true
	default:
		return false
	}
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expiresIn"`
}

// Client is the authenticated KeeperHub API client. One instance is shared
// by every step of every execution in the process; the cached bearer token
// is read-mostly and refreshed under a single-writer section so concurrent
// 401s trigger exactly one re-authorization.
type Client struct {
	http *resty.Client
	cfg  *config.HubConfig

	token token
}

// NewClient builds a client from the hub configuration. No token is
// acquired yet; the first call (or an explicit Authorize) fetches it.
func NewClient(cfg *config.HubConfig) *Client {
	http := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetHeader(serviceHeader, cfg.ServiceID)
	return &Client{http: http, cfg: cfg}
}

// Authorize exchanges the service credentials for a bearer token and caches
// it. Safe to call concurrently; only one exchange runs at a time and
// waiters reuse its result.
func (c *Client) Authorize(ctx context.Context) error {
	_, err := c.token.refresh(c.token.generation(), func() (string, time.Time, error) {
		return c.exchangeToken(ctx)
	})
	return err
}

// Get performs an authenticated GET and decodes the JSON response into out.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.call(ctx, http.MethodGet, path, nil, out)
}

// Post performs an authenticated POST with a JSON body and decodes the
// response into out.
func (c *Client) Post(ctx context.Context, path string, body any, out any) error {
	return c.call(ctx, http.MethodPost, path, body, out)
}

// call attaches the cached token and runs the request. A 401 triggers
// exactly one re-authorization and replay; a second 401 surfaces to the
// caller. Every other non-2xx becomes a RemoteCallError.
func (c *Client) call(ctx context.Context, method, path string, body any, out any) error {
	tok, gen, err := c.ensureToken(ctx)
	if err != nil {
		return err
	}
	resp, err := c.execute(ctx, method, path, body, tok)
	if err != nil {
		return err
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		logger.FromContext(ctx).Debug("Hub token rejected, re-authorizing", "path", path)
		tok, err = c.token.refresh(gen, func() (string, time.Time, error) {
			return c.exchangeToken(ctx)
		})
		if err != nil {
			return err
		}
		resp, err = c.execute(ctx, method, path, body, tok)
		if err != nil {
			return err
		}
	}
	if resp.IsError() {
		return &RemoteCallError{Status: resp.StatusCode(), Body: string(resp.Body())}
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return fmt.Errorf("decoding hub response from %s %s: %w", method, path, err)
		}
	}
	return nil
}

func (c *Client) execute(ctx context.Context, method, path string, body any, tok string) (*resty.Response, error) {
	req := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+tok)
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, fmt.Errorf("calling hub API %s %s: %w", method, path, err)
	}
	return resp, nil
}

// ensureToken returns the cached token, acquiring one first if the cache is
// empty or expired. The returned generation lets a caller who then sees a
// 401 request a refresh without racing a refresh that already happened.
func (c *Client) ensureToken(ctx context.Context) (string, uint64, error) {
	if tok, gen, ok := c.token.current(); ok {
		return tok, gen, nil
	}
	gen := c.token.generation()
	tok, err := c.token.refresh(gen, func() (string, time.Time, error) {
		return c.exchangeToken(ctx)
	})
	if err != nil {
		return "", 0, err
	}
	return tok, c.token.generation(), nil
}

// exchangeToken POSTs the service credentials to the token endpoint.
func (c *Client) exchangeToken(ctx context.Context) (string, time.Time, error) {
	var decoded tokenResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"serviceId":     c.cfg.ServiceID,
			"serviceSecret": c.cfg.ServiceSecret.Value(),
		}).
		SetResult(&decoded).
		Post(c.cfg.TokenPath)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %v", ErrAuthorizationFailed, err)
	}
	if resp.IsError() {
		return "", time.Time{}, fmt.Errorf("%w: token endpoint returned status %d", ErrAuthorizationFailed, resp.StatusCode())
	}
	if decoded.Token == "" {
		return "", time.Time{}, fmt.Errorf("%w: token endpoint returned an empty token", ErrAuthorizationFailed)
	}
	expiry := time.Time{}
	if decoded.ExpiresIn > 0 {
		// Refresh slightly early so in-flight calls never carry a token
		// that expires mid-request.
		expiry = time.Now().Add(time.Duration(decoded.ExpiresIn)*time.Second - 30*time.Second)
	}
	return decoded.Token, expiry, nil
}
