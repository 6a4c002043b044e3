// Package client is the HTTP wrapper around the export/import backend. It is
// the only package that talks to the REST API; it never retries on its own.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-querystring/query"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/jobtrack/jobtrack/internal/job"
	"github.com/jobtrack/jobtrack/internal/metrics"
)

const (
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 64 << 10
	userAgent      = "jobtrack/1"
)

// Client issues requests against the export/import REST API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	timeout time.Duration
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	log     *slog.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithToken sets the session credential sent as a bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithTimeout bounds every call, including reading a download body.
// Zero disables the client-side bound.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithRateLimit caps outgoing requests to rps per second, with a burst of rps.
// rps <= 0 disables the limiter.
func WithRateLimit(rps int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	}
}

// WithBreaker makes the client fail fast after repeated transport failures.
// The breaker only observes network errors and 5xx responses.
func WithBreaker() Option {
	return func(c *Client) {
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "jobtrack-api",
			MaxRequests: 1,
			Interval:    30 * time.Second,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 5 && failureRatio >= 0.6
			},
		})
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New returns a Client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		timeout: defaultTimeout,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// call describes one request. resource and id name the target for
// NotFoundError; query is encoded with go-querystring. When notReady is set,
// 409 and 425 responses mean the job has not finished yet.
type call struct {
	op       string
	method   string
	path     string
	query    any
	body     []byte
	ctype    string
	resource string
	id       string
	notReady bool
}

// send performs cl and returns the response for a 2xx status. The caller must
// close the body. Non-2xx responses are turned into typed errors.
func (c *Client) send(ctx context.Context, cl call) (*http.Response, error) {
	resp, err := c.roundTrip(ctx, cl)
	c.observe(cl.op, err)
	return resp, err
}

func (c *Client) roundTrip(ctx context.Context, cl call) (*http.Response, error) {
	cancel := context.CancelFunc(func() {})
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			cancel()
			return nil, &job.TransportError{Op: cl.op, Err: err}
		}
	}

	req, err := c.newRequest(ctx, cl)
	if err != nil {
		cancel()
		return nil, &job.TransportError{Op: cl.op, Err: err}
	}

	resp, err := c.execute(req, cl)
	if err != nil {
		cancel()
		var te *job.TransportError
		if errors.As(err, &te) {
			return nil, err
		}
		return nil, &job.TransportError{Op: cl.op, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer cancel()
		defer resp.Body.Close()
		return nil, c.statusError(cl, resp)
	}

	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// execute runs req, through the breaker when one is configured. 5xx responses
// count as breaker failures and are consumed here.
func (c *Client) execute(req *http.Request, cl call) (*http.Response, error) {
	if c.breaker == nil {
		return c.http.Do(req)
	}
	out, err := c.breaker.Execute(func() (any, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			defer resp.Body.Close()
			return nil, c.statusError(cl, resp)
		}
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.log.Warn("client: circuit open, request rejected", "op", cl.op)
		}
		return nil, err
	}
	return out.(*http.Response), nil
}

func (c *Client) newRequest(ctx context.Context, cl call) (*http.Request, error) {
	u := c.baseURL + cl.path
	if cl.query != nil {
		v, err := query.Values(cl.query)
		if err != nil {
			return nil, fmt.Errorf("encode query: %w", err)
		}
		if enc := v.Encode(); enc != "" {
			u += "?" + enc
		}
	}

	var body io.Reader
	if cl.body != nil {
		body = bytes.NewReader(cl.body)
	}
	req, err := http.NewRequestWithContext(ctx, cl.method, u, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if cl.ctype != "" {
		req.Header.Set("Content-Type", cl.ctype)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Request-ID", uuid.New().String())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// statusError maps a non-2xx response onto the error taxonomy.
func (c *Client) statusError(cl call, resp *http.Response) error {
	msg := serverMessage(resp.Body)
	switch {
	case resp.StatusCode == http.StatusNotFound && cl.resource != "":
		return &job.NotFoundError{Resource: cl.resource, ID: cl.id}
	case cl.notReady && (resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusTooEarly):
		return &job.NotReadyError{JobID: cl.id}
	}
	c.log.Debug("client: request failed", "op", cl.op, "status", resp.StatusCode, "message", msg)
	return &job.TransportError{Op: cl.op, StatusCode: resp.StatusCode, Message: msg}
}

// serverMessage extracts {"error": ...} or {"message": ...} from an error body,
// falling back to the trimmed raw text.
func serverMessage(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return strings.TrimSpace(string(raw))
}

// doJSON sends in as JSON (when non-nil) and decodes the response into out
// (when non-nil).
func (c *Client) doJSON(ctx context.Context, cl call, in, out any) error {
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return &job.TransportError{Op: cl.op, Err: fmt.Errorf("encode body: %w", err)}
		}
		cl.body = b
		cl.ctype = "application/json"
	}
	resp, err := c.send(ctx, cl)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &job.TransportError{Op: cl.op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *Client) observe(op string, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, job.ErrValidation):
		outcome = "validation"
	case errors.Is(err, job.ErrNotFound):
		outcome = "not_found"
	case errors.Is(err, job.ErrNotReady):
		outcome = "not_ready"
	default:
		outcome = "transport"
	}
	metrics.ClientRequestsTotal.WithLabelValues(op, outcome).Inc()
}

// rejected records a request refused by client-side validation.
func (c *Client) rejected(op string, err error) error {
	c.observe(op, err)
	return err
}

// cancelBody releases the per-call timeout once the caller closes the body.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func escape(id string) string {
	return url.PathEscape(id)
}

func requireID(field, id string) error {
	if strings.TrimSpace(id) == "" {
		return job.NewValidationError(field, "is required")
	}
	return nil
}
