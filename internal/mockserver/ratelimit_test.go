package mockserver

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestLimitCreates_Disabled(t *testing.T) {
	t.Parallel()
	s := New()
	t.Cleanup(s.Close)

	handler := s.limitCreates(okHandler())
	for range 5 {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/export", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rr.Code)
		}
	}
}

func TestLimitCreates_BlocksOverLimit(t *testing.T) {
	t.Parallel()
	// One token per second per client: the second create is rejected.
	s := New(WithRateLimit(1))
	t.Cleanup(s.Close)
	handler := s.limitCreates(okHandler())

	send := func(path, ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.RemoteAddr = ip + ":1234"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	if rr := send("/export", "5.6.7.8"); rr.Code != http.StatusOK {
		t.Errorf("first request: status = %d, want 200", rr.Code)
	}
	rr := send("/bulk-import", "5.6.7.8")
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("second request: status = %d, want 429", rr.Code)
	}
	if got := rr.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, want 1", got)
	}
	if rr := send("/import", "9.9.9.9"); rr.Code != http.StatusOK {
		t.Errorf("other IP: status = %d, want 200", rr.Code)
	}
}

func TestLimitCreates_OnlyAppliesToCreates(t *testing.T) {
	t.Parallel()
	s := New(WithRateLimit(1))
	t.Cleanup(s.Close)
	handler := s.limitCreates(okHandler())

	for i := range 5 {
		for _, req := range []*http.Request{
			httptest.NewRequest(http.MethodGet, "/exports", nil),
			httptest.NewRequest(http.MethodPost, "/templates/export", nil),
		} {
			req.RemoteAddr = "9.9.9.9:9999"
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			if rr.Code != http.StatusOK {
				t.Errorf("%s %s #%d: status = %d, want 200", req.Method, req.URL.Path, i+1, rr.Code)
			}
		}
	}
}

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stepClock) add(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestCreationLimiter_RefillAndSweep(t *testing.T) {
	t.Parallel()
	clk := &stepClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := newCreationLimiter(2, clk.now)

	for i := range 2 {
		if _, ok := l.take("a"); !ok {
			t.Fatalf("take #%d rejected within burst", i+1)
		}
	}
	wait, ok := l.take("a")
	if ok || wait <= 0 || wait > 500*time.Millisecond {
		t.Fatalf("take over burst = (%v, %v), want rejection with wait <= 500ms", wait, ok)
	}

	clk.add(500 * time.Millisecond)
	if _, ok := l.take("a"); !ok {
		t.Error("token not refilled after 500ms")
	}
	if _, ok := l.take("b"); !ok {
		t.Error("second client shares the first client's bucket")
	}

	clk.add(limiterIdle + time.Second)
	if n := l.sweep(); n != 0 {
		t.Errorf("sweep left %d clients, want 0", n)
	}
}

func TestClientIP(t *testing.T) {
	t.Parallel()
	tests := []struct {
		remote, fwd, want string
	}{
		{remote: "1.2.3.4:5678", want: "1.2.3.4"},
		{remote: "1.2.3.4:5678", fwd: "10.0.0.1, 10.0.0.2", want: "10.0.0.1"},
		{remote: "1.2.3.4:5678", fwd: " 10.0.0.9 ", want: "10.0.0.9"},
		{remote: "[::1]:80", want: "::1"},
		{remote: "pipe", want: "pipe"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.remote
		if tt.fwd != "" {
			req.Header.Set("X-Forwarded-For", tt.fwd)
		}
		if got := clientIP(req); got != tt.want {
			t.Errorf("clientIP(%q, %q) = %q, want %q", tt.remote, tt.fwd, got, tt.want)
		}
	}
}
