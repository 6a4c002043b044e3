// Package notify posts a completion callback when a tracked job reaches a
// terminal state.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/jobtrack/jobtrack/internal/job"
	"github.com/jobtrack/jobtrack/internal/registry"
)

const (
	retryAttempts = 8
	retryBase     = time.Second
	retryCap      = 5 * time.Minute
)

// Payload is the JSON body posted to the callback URL.
type Payload struct {
	JobID        string     `json:"jobId"`
	Kind         job.Kind   `json:"kind"`
	Status       job.Status `json:"status"`
	DownloadURL  string     `json:"downloadUrl,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
}

// Notifier delivers payloads asynchronously with full-jitter retries.
type Notifier struct {
	url          string
	http         *http.Client
	attempts     int
	base         time.Duration
	cap          time.Duration
	allowPrivate bool
	log          *slog.Logger
	wg           sync.WaitGroup
}

type Option func(*Notifier)

func WithHTTPClient(hc *http.Client) Option {
	return func(n *Notifier) { n.http = hc }
}

// WithRetry overrides the attempt count and the backoff window.
func WithRetry(attempts int, base, limit time.Duration) Option {
	return func(n *Notifier) {
		n.attempts = max(attempts, 1)
		n.base = base
		n.cap = limit
	}
}

// AllowPrivate disables the private address guard. Use it for local
// receivers only.
func AllowPrivate() Option {
	return func(n *Notifier) { n.allowPrivate = true }
}

func WithLogger(l *slog.Logger) Option {
	return func(n *Notifier) { n.log = l }
}

// New returns a Notifier posting to callbackURL. The URL is checked once
// here; non-HTTP schemes and private or internal addresses are rejected.
func New(callbackURL string, opts ...Option) (*Notifier, error) {
	n := &Notifier{
		url:      callbackURL,
		http:     &http.Client{Timeout: 30 * time.Second},
		attempts: retryAttempts,
		base:     retryBase,
		cap:      retryCap,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(n)
	}
	if err := validateURL(callbackURL, n.allowPrivate); err != nil {
		return nil, fmt.Errorf("notify url: %w", err)
	}
	return n, nil
}

// Notify sends u in the background if it describes a terminal job. Updates
// for jobs still in flight are ignored.
func (n *Notifier) Notify(ctx context.Context, u registry.Update) {
	p, ok := payloadFor(u)
	if !ok {
		return
	}
	body, err := json.Marshal(p)
	if err != nil {
		n.log.Error("notify: encode payload", "job_id", p.JobID, "error", err)
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.send(ctx, p.JobID, body)
	}()
}

// Track drains a watch channel and notifies on its terminal update. It
// returns when the channel is closed.
func (n *Notifier) Track(ctx context.Context, ch <-chan registry.Update) {
	for u := range ch {
		n.Notify(ctx, u)
	}
}

// Wait blocks until every pending delivery has finished or given up.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func payloadFor(u registry.Update) (Payload, bool) {
	j := u.Job()
	if !j.Status.IsTerminal() {
		return Payload{}, false
	}
	p := Payload{
		JobID:        j.ID,
		Kind:         j.Kind,
		Status:       j.Status,
		ErrorMessage: j.ErrorMessage,
	}
	switch {
	case u.Export != nil:
		p.Kind = job.KindExport
		p.DownloadURL = u.Export.DownloadURL
	case u.Import != nil:
		p.Kind = job.KindImport
	}
	return p, true
}

// validateURL blocks non-HTTP schemes and, unless allowPrivate is set,
// private or internal IP ranges.
func validateURL(rawURL string, allowPrivate bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	if allowPrivate {
		return nil
	}

	host := u.Hostname()
	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("DNS lookup failed: %w", err)
	}

	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("private/internal IP blocked: %s", ipStr)
		}
	}

	return nil
}

func (n *Notifier) send(ctx context.Context, jobID string, payload []byte) {
	for attempt := 1; attempt <= n.attempts; attempt++ {
		if ctx.Err() != nil {
			return
		}
		err := n.post(ctx, payload)
		if err == nil {
			n.log.Debug("notify: delivered", "job_id", jobID, "attempt", attempt)
			return
		}
		n.log.Warn("notify: attempt failed", "job_id", jobID, "attempt", attempt, "error", err)
		if attempt < n.attempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(n.jitter(attempt)):
			}
		}
	}
	n.log.Error("notify: all retries exhausted", "job_id", jobID, "url", n.url)
}

// jitter returns a random duration between 0 and min(cap, base * 2^attempt).
func (n *Notifier) jitter(attempt int) time.Duration {
	exp := n.base * (1 << attempt)
	if exp > n.cap || exp <= 0 {
		exp = n.cap
	}
	if exp <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(exp)))
}

func (n *Notifier) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx status: %d", resp.StatusCode)
	}
	return nil
}
