// Package mockserver is an in-memory export/import backend speaking the same
// REST and WebSocket contract as the real one. It drives jobs only when told
// to, through Progress, Complete and Fail, or through Simulate.
package mockserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jobtrack/jobtrack/internal/job"
)

const defaultExportRecords = 100

var (
	ErrUnknownJob = errors.New("unknown job")
	ErrFinished   = errors.New("job already finished")
)

// Server holds the backend state and the push hub.
type Server struct {
	mu         sync.Mutex
	exports    map[string]*job.ExportJob
	imports    map[string]*job.ImportJob
	exportTpls map[string]*job.ExportTemplate
	importTpls map[string]*job.ImportTemplate

	hub           *Hub
	limiter       *creationLimiter
	stop          chan struct{}
	closeOnce     sync.Once
	tokens        []string
	rps           int
	exportRecords int
	now           func() time.Time
	log           *slog.Logger
}

type Option func(*Server)

// WithTokens sets the accepted bearer tokens. No tokens means no auth.
func WithTokens(tokens ...string) Option {
	return func(s *Server) { s.tokens = tokens }
}

// WithRateLimit caps job creation per client IP. 0 disables it.
func WithRateLimit(rps int) Option {
	return func(s *Server) { s.rps = rps }
}

// WithExportRecords sets the record count every new export reports.
func WithExportRecords(n int) Option {
	return func(s *Server) { s.exportRecords = n }
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New returns a running Server. Call Close to release the hub and the
// limiter sweeper.
func New(opts ...Option) *Server {
	s := &Server{
		exports:       make(map[string]*job.ExportJob),
		imports:       make(map[string]*job.ImportJob),
		exportTpls:    make(map[string]*job.ExportTemplate),
		importTpls:    make(map[string]*job.ImportTemplate),
		exportRecords: defaultExportRecords,
		now:           func() time.Time { return time.Now().UTC() },
		log:           slog.Default(),
		stop:          make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.hub = newHub(s.log)
	go s.hub.run()
	if s.rps > 0 {
		s.limiter = newCreationLimiter(s.rps, time.Now)
		go s.limiter.run(s.stop)
	}
	return s
}

// Handler returns the full HTTP surface wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return Chain(mux,
		RequestID,
		Logging(s.log),
		Auth(s.tokens),
		s.limitCreates,
	)
}

// Hub exposes the push side, mainly for tests.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Close disconnects every peer and stops the background goroutines.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.hub.close()
	})
}

func newID(prefix string) string {
	return prefix + "_" + uuid.New().String()
}

// Progress moves a job to processing with processed records done. For
// imports, rows recorded with RejectRow count against the success total.
func (s *Server) Progress(kind job.Kind, id string, processed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch kind {
	case job.KindExport:
		e, err := s.activeExport(id)
		if err != nil {
			return err
		}
		e.Status = job.StatusProcessing
		e.ProcessedRecords = min(max(processed, e.ProcessedRecords), e.TotalRecords)
		e.Progress = percent(e.ProcessedRecords, e.TotalRecords)
		s.hub.Publish(job.EventExportProgress, job.ExportProgressEvent{
			JobID:            e.ID,
			Progress:         e.Progress,
			ProcessedRecords: e.ProcessedRecords,
			TotalRecords:     e.TotalRecords,
		})
	case job.KindImport:
		i, err := s.activeImport(id)
		if err != nil {
			return err
		}
		i.Status = job.StatusProcessing
		i.ProcessedRecords = min(max(processed, i.ProcessedRecords), i.TotalRecords)
		i.Progress = percent(i.ProcessedRecords, i.TotalRecords)
		i.SuccessCount = max(i.ProcessedRecords-i.ErrorCount, 0)
		s.hub.Publish(job.EventImportProgress, job.ImportProgressEvent{
			JobID:            i.ID,
			Progress:         i.Progress,
			ProcessedRecords: i.ProcessedRecords,
			TotalRecords:     i.TotalRecords,
			SuccessCount:     i.SuccessCount,
			ErrorCount:       i.ErrorCount,
		})
	default:
		return fmt.Errorf("kind %q: %w", kind, ErrUnknownJob)
	}
	return nil
}

// RejectRow records a row-level problem on an active import. Only
// error-severity rows count as failed.
func (s *Server) RejectRow(id string, e job.ImportError) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, err := s.activeImport(id)
	if err != nil {
		return err
	}
	if e.Severity == "" {
		e.Severity = job.SeverityError
	}
	i.Errors = append(i.Errors, e)
	if e.Severity == job.SeverityError {
		i.ErrorCount++
	}
	return nil
}

// Complete finishes a job successfully and publishes the completion event.
func (s *Server) Complete(kind job.Kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	switch kind {
	case job.KindExport:
		e, err := s.activeExport(id)
		if err != nil {
			return err
		}
		e.Status = job.StatusCompleted
		e.Progress = 100
		e.ProcessedRecords = e.TotalRecords
		e.CompletedAt = &now
		e.DownloadURL = "/export/" + e.ID + "/download"
		s.hub.Publish(job.EventExportCompleted, job.ExportCompletedEvent{
			JobID:        e.ID,
			DownloadURL:  e.DownloadURL,
			TotalRecords: e.TotalRecords,
			CompletedAt:  &now,
		})
	case job.KindImport:
		i, err := s.activeImport(id)
		if err != nil {
			return err
		}
		i.Status = job.StatusCompleted
		i.Progress = 100
		i.ProcessedRecords = i.TotalRecords
		i.SuccessCount = max(i.TotalRecords-i.ErrorCount, 0)
		i.CompletedAt = &now
		s.hub.Publish(job.EventImportCompleted, job.ImportCompletedEvent{
			JobID:            i.ID,
			TotalRecords:     i.TotalRecords,
			ProcessedRecords: i.ProcessedRecords,
			SuccessCount:     i.SuccessCount,
			ErrorCount:       i.ErrorCount,
			Errors:           i.Errors,
			CompletedAt:      &now,
		})
	default:
		return fmt.Errorf("kind %q: %w", kind, ErrUnknownJob)
	}
	return nil
}

// Fail finishes a job with msg and publishes the failure event.
func (s *Server) Fail(kind job.Kind, id, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var event job.EventType
	switch kind {
	case job.KindExport:
		e, err := s.activeExport(id)
		if err != nil {
			return err
		}
		e.Status, e.ErrorMessage, e.CompletedAt = job.StatusFailed, msg, &now
		event = job.EventExportFailed
	case job.KindImport:
		i, err := s.activeImport(id)
		if err != nil {
			return err
		}
		i.Status, i.ErrorMessage, i.CompletedAt = job.StatusFailed, msg, &now
		event = job.EventImportFailed
	default:
		return fmt.Errorf("kind %q: %w", kind, ErrUnknownJob)
	}
	s.hub.Publish(event, job.FailedEvent{JobID: id, ErrorMessage: msg, CompletedAt: &now})
	return nil
}

// Simulate advances every active job by step records per tick until ctx is
// done. Jobs that reach their total are completed.
func (s *Server) Simulate(ctx context.Context, tick time.Duration, step int) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.step(step)
		}
	}
}

func (s *Server) step(n int) {
	type target struct {
		kind job.Kind
		id   string
		next int
		done bool
	}
	var targets []target
	s.mu.Lock()
	for _, e := range s.exports {
		if !e.Status.IsTerminal() {
			next := e.ProcessedRecords + n
			targets = append(targets, target{job.KindExport, e.ID, next, next >= e.TotalRecords})
		}
	}
	for _, i := range s.imports {
		if !i.Status.IsTerminal() {
			next := i.ProcessedRecords + n
			targets = append(targets, target{job.KindImport, i.ID, next, next >= i.TotalRecords})
		}
	}
	s.mu.Unlock()

	for _, t := range targets {
		var err error
		if t.done {
			err = s.Complete(t.kind, t.id)
		} else {
			err = s.Progress(t.kind, t.id, t.next)
		}
		if err != nil && !errors.Is(err, ErrFinished) && !errors.Is(err, ErrUnknownJob) {
			s.log.Warn("mockserver: simulate step", "job_id", t.id, "error", err)
		}
	}
}

func (s *Server) activeExport(id string) (*job.ExportJob, error) {
	e, ok := s.exports[id]
	if !ok {
		return nil, fmt.Errorf("export %s: %w", id, ErrUnknownJob)
	}
	if e.Status.IsTerminal() {
		return nil, fmt.Errorf("export %s: %w", id, ErrFinished)
	}
	return e, nil
}

func (s *Server) activeImport(id string) (*job.ImportJob, error) {
	i, ok := s.imports[id]
	if !ok {
		return nil, fmt.Errorf("import %s: %w", id, ErrUnknownJob)
	}
	if i.Status.IsTerminal() {
		return nil, fmt.Errorf("import %s: %w", id, ErrFinished)
	}
	return i, nil
}

func percent(done, total int) int {
	if total <= 0 {
		return 0
	}
	return min(done*100/total, 100)
}
