package mockserver

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdle  = 5 * time.Minute
	limiterSweep = time.Minute
)

// createRoutes are the POST paths that start jobs.
var createRoutes = map[string]bool{
	"/export":      true,
	"/bulk-export": true,
	"/import":      true,
	"/bulk-import": true,
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// creationLimiter throttles job creation per client address. Each client
// gets perSecond tokens per second with an equal burst.
type creationLimiter struct {
	mu      sync.Mutex
	clients map[string]*bucket
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

func newCreationLimiter(perSecond int, now func() time.Time) *creationLimiter {
	return &creationLimiter{
		clients: make(map[string]*bucket),
		limit:   rate.Limit(perSecond),
		burst:   perSecond,
		now:     now,
	}
}

// take spends one token for client. When none is left it returns false and
// the wait until the next one.
func (l *creationLimiter) take(client string) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t := l.now()
	b, ok := l.clients[client]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.clients[client] = b
	}
	b.seen = t
	r := b.lim.ReserveN(t, 1)
	if wait := r.DelayFrom(t); wait > 0 {
		r.CancelAt(t)
		return wait, false
	}
	return 0, true
}

// sweep forgets clients not seen within limiterIdle and reports how many
// remain.
func (l *creationLimiter) sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-limiterIdle)
	for c, b := range l.clients {
		if b.seen.Before(cutoff) {
			delete(l.clients, c)
		}
	}
	return len(l.clients)
}

func (l *creationLimiter) run(stop <-chan struct{}) {
	ticker := time.NewTicker(limiterSweep)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

// limitCreates answers 429 with Retry-After when a client starts jobs too
// fast. Other routes pass through untouched.
func (s *Server) limitCreates(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && createRoutes[r.URL.Path] {
			if wait, ok := s.limiter.take(clientIP(r)); !ok {
				secs := int(math.Ceil(wait.Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
				writeError(w, http.StatusTooManyRequests, "too many jobs started, retry later")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP is the first X-Forwarded-For hop, or the peer host.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
