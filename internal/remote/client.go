package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultTimeout        = 10 * time.Second
	defaultConnectTimeout = 5 * time.Second
	defaultTLSTimeout     = 5 * time.Second

	// maxResponseSize limits how much of a response body is read
	maxResponseSize = 1 << 20
	maxErrorBody    = 1024
)

// DemoSummary is one entry of a profile's demo listing.
type DemoSummary struct {
	ID          string `json:"demoId"`
	Name        string `json:"name"`
	Description string `json:"desc"`
	Published   bool   `json:"published"`
}

// Store is the demo store as seen by an editor session.
type Store interface {
	// SaveDemo stores the serialized demo state and returns the demo id
	// the store assigned to it.
	SaveDemo(ctx context.Context, state []byte, token string) (string, error)

	// GetDemos lists the demos owned by profileID.
	GetDemos(ctx context.Context, profileID, token string) ([]DemoSummary, error)
}

// Options configures a Client.
type Options struct {
	Timeout time.Duration // per attempt
	Retry   Backoff
	Breaker BreakerConfig
}

// DefaultOptions returns the client defaults.
func DefaultOptions() Options {
	return Options{
		Timeout: defaultTimeout,
		Retry:   DefaultBackoff(),
		Breaker: DefaultBreakerConfig(),
	}
}

// Client is an HTTP Store.
type Client struct {
	baseURL string
	http    *http.Client
	backoff Backoff
	breaker *breaker
}

// NewClient creates a client for the demo store at baseURL.
// Environment variables in baseURL are expanded.
func NewClient(baseURL string, opts Options) (*Client, error) {
	baseURL = strings.TrimRight(os.ExpandEnv(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("remote: url is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("remote: invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("remote: unsupported url scheme %q", u.Scheme)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		baseURL: baseURL,
		http:    newHTTPClient(timeout),
		backoff: opts.Retry,
		breaker: newBreaker(opts.Breaker),
	}, nil
}

func newHTTPClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultTLSTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

// BreakerState reports whether the client is currently sending requests
// to the store.
func (c *Client) BreakerState() BreakerState {
	return c.breaker.State()
}

// saveOp tells a create from an update the way the store does. A state
// the client cannot read is treated as a create.
func saveOp(state []byte) Op {
	var h struct {
		DemoID string `json:"demoId"`
		Owner  string `json:"owner"`
	}
	if err := json.Unmarshal(state, &h); err != nil || h.DemoID == "" || h.Owner == "" {
		return OpCreate
	}
	return OpUpdate
}

// call runs attempt through the breaker, retrying as op allows.
func call[T any](ctx context.Context, c *Client, op Op, attempt func(context.Context) (T, error)) (T, error) {
	return withBackoff(ctx, c.backoff, op, func(ctx context.Context) (T, error) {
		var zero T
		if !c.breaker.admit() {
			return zero, &Error{Op: op, Kind: KindCircuitOpen}
		}
		v, err := attempt(ctx)
		c.breaker.record(err)
		return v, err
	})
}

type saveResponse struct {
	DemoID string `json:"demoId"`
}

// SaveDemo posts the demo state to the store. Creates are not retried once
// the request may have reached the store.
func (c *Client) SaveDemo(ctx context.Context, state []byte, token string) (string, error) {
	op := saveOp(state)
	return call(ctx, c, op, func(ctx context.Context) (string, error) {
		body, err := c.do(ctx, op, http.MethodPost, "/api/demos", state, token)
		if err != nil {
			return "", err
		}

		var resp saveResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", &Error{Op: op, Kind: KindResponse, Err: err}
		}
		if resp.DemoID == "" {
			return "", &Error{Op: op, Kind: KindResponse, Err: errors.New("demoId missing from response")}
		}
		return resp.DemoID, nil
	})
}

// GetDemos lists the demos owned by profileID.
func (c *Client) GetDemos(ctx context.Context, profileID, token string) ([]DemoSummary, error) {
	if profileID == "" {
		return nil, &Error{Op: OpList, Kind: KindRequest, Err: errors.New("profile id is required")}
	}

	path := "/api/profiles/" + url.PathEscape(profileID) + "/demos"
	return call(ctx, c, OpList, func(ctx context.Context) ([]DemoSummary, error) {
		body, err := c.do(ctx, OpList, http.MethodGet, path, nil, token)
		if err != nil {
			return nil, err
		}

		demos := []DemoSummary{}
		if err := json.Unmarshal(body, &demos); err != nil {
			return nil, &Error{Op: OpList, Kind: KindResponse, Err: err}
		}
		return demos, nil
	})
}

// do performs a single request and returns the response body.
func (c *Client) do(ctx context.Context, op Op, method, path string, payload []byte, token string) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, &Error{Op: op, Kind: KindRequest, Err: err}
	}

	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &Error{
			Op:         op,
			Kind:       statusKind(resp.StatusCode),
			Status:     resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
			RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		// The store handled the request; only the answer was lost.
		return nil, &Error{Op: op, Kind: KindBroken, Err: err}
	}
	return body, nil
}

// transportError classifies a failure to get any response. A failed dial
// means nothing was sent.
func transportError(op Op, err error) *Error {
	kind := KindBroken
	var opErr *net.OpError
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		kind = KindCanceled
	case errors.As(err, &opErr) && opErr.Op == "dial":
		kind = KindUnreachable
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = KindTimeout
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// retryAfter parses a Retry-After header given in seconds.
func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
