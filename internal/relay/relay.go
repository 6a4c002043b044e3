// Package relay keeps the single WebSocket connection over which the backend
// pushes export/import progress, and fans incoming events out to listeners.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jobtrack/jobtrack/internal/job"
	"github.com/jobtrack/jobtrack/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024

	retryBase = time.Second
	retryCap  = 30 * time.Second
)

// Event is one frame received from the backend: {"event": ..., "data": {...}}.
type Event struct {
	Type job.EventType   `json:"event"`
	Data json.RawMessage `json:"data"`
}

// Handler receives events of the type it was registered for. Handlers run on
// the relay's read goroutine, one at a time, in arrival order.
type Handler func(Event)

type listener struct {
	id uint64
	fn Handler
}

type hook struct {
	id uint64
	fn func(context.Context)
}

// Relay owns at most one connection at a time.
type Relay struct {
	url       string
	token     string
	dialer    *websocket.Dialer
	reconnect bool
	retryBase time.Duration
	retryCap  time.Duration
	log       *slog.Logger

	mu        sync.Mutex
	running   bool
	conn      *websocket.Conn
	cancel    context.CancelFunc
	done      chan struct{}
	nextID    uint64
	listeners map[job.EventType][]listener
	hooks     []hook
}

type Option func(*Relay)

// WithToken sets the session credential sent on the handshake.
func WithToken(token string) Option {
	return func(r *Relay) { r.token = token }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(r *Relay) { r.dialer = d }
}

// WithReconnect controls whether a dropped connection is redialed.
// It is on by default.
func WithReconnect(on bool) Option {
	return func(r *Relay) { r.reconnect = on }
}

// WithBackoff overrides the reconnect backoff bounds.
func WithBackoff(base, limit time.Duration) Option {
	return func(r *Relay) {
		r.retryBase = base
		r.retryCap = limit
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) { r.log = l }
}

// New returns a disconnected Relay for the WebSocket endpoint at url.
func New(url string, opts ...Option) *Relay {
	r := &Relay{
		url:       url,
		dialer:    websocket.DefaultDialer,
		reconnect: true,
		retryBase: retryBase,
		retryCap:  retryCap,
		log:       slog.Default(),
		listeners: make(map[job.EventType][]listener),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Connect dials the backend and starts reading events. Calling it while a
// dial, a connection or a reconnect loop is active does nothing. The relay
// stops when ctx ends or Disconnect is called. The dial runs without holding
// the relay lock, so registrations never wait on the network.
func (r *Relay) Connect(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)
	halt := func() {
		stop()
		cancel()
	}
	done := make(chan struct{})
	r.running = true
	r.cancel = halt
	r.done = done
	r.mu.Unlock()

	conn, err := r.dial(loopCtx)
	if err == nil {
		// Disconnect cancels under the lock, so this check cannot race it.
		r.mu.Lock()
		if loopCtx.Err() == nil {
			r.conn = conn
			r.mu.Unlock()
			go r.run(loopCtx, conn, done)
			return nil
		}
		r.mu.Unlock()
		conn.Close()
		err = &job.TransportError{Op: "relay connect", Err: loopCtx.Err()}
	}
	halt()
	r.stopped()
	close(done)
	return err
}

// Disconnect closes the connection and stops any reconnect attempts. It is
// safe to call when the relay was never connected.
func (r *Relay) Disconnect() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.cancel()
	if r.conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = r.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		r.conn.Close()
	}
	done := r.done
	r.mu.Unlock()

	<-done
}

// Connected reports whether a connection is currently open.
func (r *Relay) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}

// On registers fn for events of type t. Several handlers may be registered for
// the same type; closing the returned Subscription removes only this one.
func (r *Relay) On(t job.EventType, fn Handler) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.listeners[t] = append(r.listeners[t], listener{id: r.nextID, fn: fn})
	return &Subscription{relay: r, typ: t, id: r.nextID}
}

// OnConnect registers fn to run after every successful dial, including
// reconnects. Events missed while disconnected are not replayed, so hooks
// are where callers resynchronise state. Disconnect waits for running hooks,
// so a hook must not call it.
func (r *Relay) OnConnect(fn func(context.Context)) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.hooks = append(r.hooks, hook{id: r.nextID, fn: fn})
	return &Subscription{relay: r, id: r.nextID, hook: true}
}

// Subscription is the handle returned by On and OnConnect.
type Subscription struct {
	relay *Relay
	typ   job.EventType
	id    uint64
	hook  bool
	once  sync.Once
}

// Close removes the registration. Calling it more than once is harmless.
func (s *Subscription) Close() {
	s.once.Do(func() {
		r := s.relay
		r.mu.Lock()
		defer r.mu.Unlock()
		if s.hook {
			for i, h := range r.hooks {
				if h.id == s.id {
					r.hooks = append(r.hooks[:i], r.hooks[i+1:]...)
					break
				}
			}
			return
		}
		ls := r.listeners[s.typ]
		for i, l := range ls {
			if l.id == s.id {
				r.listeners[s.typ] = append(ls[:i:i], ls[i+1:]...)
				break
			}
		}
		if len(r.listeners[s.typ]) == 0 {
			delete(r.listeners, s.typ)
		}
	})
}

func (r *Relay) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if r.token != "" {
		header.Set("Authorization", "Bearer "+r.token)
	}
	header.Set("X-Request-ID", uuid.New().String())

	conn, resp, err := r.dialer.DialContext(ctx, r.url, header)
	if err != nil {
		metrics.RelayConnectionsTotal.WithLabelValues("error").Inc()
		te := &job.TransportError{Op: "relay connect", Err: err}
		if resp != nil {
			te.StatusCode = resp.StatusCode
			resp.Body.Close()
		}
		return nil, te
	}
	metrics.RelayConnectionsTotal.WithLabelValues("ok").Inc()
	r.log.Info("relay: connected", "url", r.url)
	return conn, nil
}

// run reads from conn until it fails, then redials with backoff when
// reconnect is enabled. done is closed only after every hook it started has
// returned.
func (r *Relay) run(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	var hooks sync.WaitGroup
	defer func() {
		hooks.Wait()
		close(done)
	}()
	for {
		r.runHooks(ctx, &hooks)
		err := r.readPump(ctx, conn)
		conn.Close()

		r.mu.Lock()
		r.conn = nil
		r.mu.Unlock()

		if ctx.Err() != nil {
			r.stopped()
			r.log.Info("relay: disconnected")
			return
		}
		r.log.Warn("relay: connection lost", "error", err)
		if !r.reconnect {
			r.stopped()
			return
		}

		conn = r.redial(ctx)
		if conn == nil {
			r.stopped()
			return
		}
	}
}

func (r *Relay) stopped() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
}

// redial retries until a dial succeeds or ctx ends.
func (r *Relay) redial(ctx context.Context) *websocket.Conn {
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.jitter(attempt)):
		}

		conn, err := r.dial(ctx)
		if err == nil {
			r.mu.Lock()
			if ctx.Err() != nil {
				r.mu.Unlock()
				conn.Close()
				return nil
			}
			r.conn = conn
			r.mu.Unlock()
			return conn
		}
		r.log.Warn("relay: reconnect failed", "attempt", attempt, "error", err)
	}
}

// jitter returns a random duration between 0 and min(cap, base * 2^attempt).
func (r *Relay) jitter(attempt int) time.Duration {
	exp := r.retryCap
	if attempt < 32 {
		if d := r.retryBase * (1 << attempt); d > 0 && d < exp {
			exp = d
		}
	}
	if exp <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(exp)))
}

// runHooks starts every OnConnect hook in its own goroutine so a slow
// resynchronisation never delays reading events.
func (r *Relay) runHooks(ctx context.Context, wg *sync.WaitGroup) {
	r.mu.Lock()
	hooks := make([]hook, len(r.hooks))
	copy(hooks, r.hooks)
	r.mu.Unlock()

	for _, h := range hooks {
		wg.Go(func() { h.fn(ctx) })
	}
}

// readPump dispatches frames until the connection fails. A ping goroutine
// keeps the peer's read deadline alive.
func (r *Relay) readPump(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go pingLoop(pingCtx, conn)

	// ReadMessage does not observe ctx, so closing the connection unblocks it.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		ev, ok := parseFrame(data)
		if !ok {
			r.log.Warn("relay: malformed frame", "bytes", len(data))
			continue
		}
		r.dispatch(ev)
	}
}

func pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// parseFrame decodes one text frame. Frames without an event name or with a
// non-object payload are rejected.
func parseFrame(data []byte) (Event, bool) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, false
	}
	if ev.Type == "" || len(ev.Data) == 0 || ev.Data[0] != '{' {
		return Event{}, false
	}
	return ev, true
}

func (r *Relay) dispatch(ev Event) {
	r.mu.Lock()
	ls := make([]listener, len(r.listeners[ev.Type]))
	copy(ls, r.listeners[ev.Type])
	r.mu.Unlock()

	if ev.Type.Kind() != "" {
		metrics.RelayEventsTotal.WithLabelValues(string(ev.Type)).Inc()
	} else {
		r.log.Debug("relay: ignoring unknown event", "event", ev.Type)
	}
	for _, l := range ls {
		l.fn(ev)
	}
}
