// Package registry is the in-process source of truth for export and import
// jobs. It merges REST snapshots with relay pushes and is the only writer of
// the active set and the history pages.
package registry

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jobtrack/jobtrack/internal/job"
	"github.com/jobtrack/jobtrack/internal/metrics"
	"github.com/jobtrack/jobtrack/internal/relay"
)

// Backend is the subset of the job client the registry drives.
type Backend interface {
	CreateExport(ctx context.Context, p job.ExportParams) (string, error)
	CreateImport(ctx context.Context, p job.ImportParams) (string, error)
	BulkExport(ctx context.Context, p job.BulkExportParams) (string, error)
	BulkImport(ctx context.Context, items []job.ImportParams) ([]string, error)
	ExportStatus(ctx context.Context, id string) (*job.ExportJob, error)
	ImportStatus(ctx context.Context, id string) (*job.ImportJob, error)
	ListExports(ctx context.Context, q job.ListQuery) (*job.Page[job.ExportJob], error)
	ListImports(ctx context.Context, q job.ListQuery) (*job.Page[job.ImportJob], error)
	DeleteExport(ctx context.Context, id string) error
}

// Source delivers relay events. *relay.Relay implements it.
type Source interface {
	On(t job.EventType, fn relay.Handler) *relay.Subscription
	OnConnect(fn func(context.Context)) *relay.Subscription
}

type key struct {
	kind job.Kind
	id   string
}

// Registry tracks jobs by id. The zero value is not usable; call New.
type Registry struct {
	backend Backend
	store   job.Store
	log     *slog.Logger
	now     func() time.Time

	mu            sync.Mutex
	exports       map[string]*job.ExportJob
	imports       map[string]*job.ImportJob
	exportHistory *job.Page[job.ExportJob]
	importHistory *job.Page[job.ImportJob]
	watchers      map[key][]chan Update
}

type Option func(*Registry)

// WithStore writes every accepted change through to s.
func WithStore(s job.Store) Option {
	return func(r *Registry) { r.store = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithClock replaces time.Now for completion timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New returns an empty Registry backed by b.
func New(b Backend, opts ...Option) *Registry {
	r := &Registry{
		backend:  b,
		log:      slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		exports:  make(map[string]*job.ExportJob),
		imports:  make(map[string]*job.ImportJob),
		watchers: make(map[key][]chan Update),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// CreateExport starts an export on the backend and tracks it as pending.
// Nothing is tracked when the backend call fails.
func (r *Registry) CreateExport(ctx context.Context, p job.ExportParams) (string, error) {
	id, err := r.backend.CreateExport(ctx, p)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trackExport(id, p.EntityType)
	return id, nil
}

// CreateBulkExport starts one export covering several entity types.
func (r *Registry) CreateBulkExport(ctx context.Context, p job.BulkExportParams) (string, error) {
	id, err := r.backend.BulkExport(ctx, p)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trackExport(id, "")
	return id, nil
}

// CreateImport uploads a file and tracks the resulting job as pending.
// Nothing is tracked when the backend call fails.
func (r *Registry) CreateImport(ctx context.Context, p job.ImportParams) (string, error) {
	id, err := r.backend.CreateImport(ctx, p)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trackImport(id, p.EntityType)
	return id, nil
}

// CreateBulkImport uploads several files and tracks one job per returned id.
func (r *Registry) CreateBulkImport(ctx context.Context, items []job.ImportParams) ([]string, error) {
	ids, err := r.backend.BulkImport(ctx, items)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, id := range ids {
		r.trackImport(id, items[i].EntityType)
	}
	return ids, nil
}

// trackExport inserts a pending placeholder. An id that is already tracked
// keeps its current state. Callers must hold r.mu.
func (r *Registry) trackExport(id string, entity job.EntityType) {
	if _, ok := r.exports[id]; ok {
		r.log.Warn("registry: export id already tracked", "job_id", id)
		return
	}
	j := &job.ExportJob{Job: placeholder(id, job.KindExport, entity, r.now())}
	r.exports[id] = j
	r.exportChanged(j)
}

func (r *Registry) trackImport(id string, entity job.EntityType) {
	if _, ok := r.imports[id]; ok {
		r.log.Warn("registry: import id already tracked", "job_id", id)
		return
	}
	j := &job.ImportJob{Job: placeholder(id, job.KindImport, entity, r.now())}
	r.imports[id] = j
	r.importChanged(j)
}

func placeholder(id string, kind job.Kind, entity job.EntityType, now time.Time) job.Job {
	return job.Job{
		ID:         id,
		Kind:       kind,
		EntityType: entity,
		Status:     job.StatusPending,
		CreatedAt:  now,
	}
}

// Ingest applies one relay event to the matching active job. Events for
// unknown ids, for jobs already in a terminal state, and events that would
// move a job backwards are ignored. It reports whether the job changed.
func (r *Registry) Ingest(t job.EventType, data []byte) bool {
	if t.Status() == "" {
		return r.drop(t, "", "unknown_event")
	}
	now := r.now()
	switch t {
	case job.EventExportProgress:
		p, ok := decode[job.ExportProgressEvent](data)
		if !ok || p.JobID == "" {
			return r.drop(t, p.JobID, "malformed")
		}
		return r.updateExport(t, p.JobID, func(j *job.ExportJob) bool {
			return applyProgress(&j.Job, p.Progress, p.ProcessedRecords, p.TotalRecords)
		})
	case job.EventExportCompleted:
		p, ok := decode[job.ExportCompletedEvent](data)
		if !ok || p.JobID == "" {
			return r.drop(t, p.JobID, "malformed")
		}
		return r.updateExport(t, p.JobID, func(j *job.ExportJob) bool {
			applyExportCompleted(j, p, now)
			return true
		})
	case job.EventImportProgress:
		p, ok := decode[job.ImportProgressEvent](data)
		if !ok || p.JobID == "" {
			return r.drop(t, p.JobID, "malformed")
		}
		return r.updateImport(t, p.JobID, func(j *job.ImportJob) bool {
			return applyImportProgress(j, p)
		})
	case job.EventImportCompleted:
		p, ok := decode[job.ImportCompletedEvent](data)
		if !ok || p.JobID == "" {
			return r.drop(t, p.JobID, "malformed")
		}
		return r.updateImport(t, p.JobID, func(j *job.ImportJob) bool {
			applyImportCompleted(j, p, now)
			return true
		})
	case job.EventExportFailed, job.EventImportFailed:
		p, ok := decode[job.FailedEvent](data)
		if !ok || p.JobID == "" {
			return r.drop(t, p.JobID, "malformed")
		}
		apply := func(j *job.Job) bool {
			fail(j, p.ErrorMessage, p.CompletedAt, now)
			return true
		}
		if t.Kind() == job.KindExport {
			return r.updateExport(t, p.JobID, func(j *job.ExportJob) bool { return apply(&j.Job) })
		}
		return r.updateImport(t, p.JobID, func(j *job.ImportJob) bool { return apply(&j.Job) })
	}
	return r.drop(t, "", "malformed")
}

func decode[T any](data []byte) (T, bool) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, false
	}
	return v, true
}

func (r *Registry) updateExport(t job.EventType, id string, apply func(*job.ExportJob) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.exports[id]
	switch {
	case !ok:
		return r.drop(t, id, "unknown_job")
	case j.Status.IsTerminal():
		return r.drop(t, id, "terminal")
	case !apply(j):
		return r.drop(t, id, "stale")
	}
	r.exportChanged(j)
	return true
}

func (r *Registry) updateImport(t job.EventType, id string, apply func(*job.ImportJob) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.imports[id]
	switch {
	case !ok:
		return r.drop(t, id, "unknown_job")
	case j.Status.IsTerminal():
		return r.drop(t, id, "terminal")
	case !apply(j):
		return r.drop(t, id, "stale")
	}
	r.importChanged(j)
	return true
}

func (r *Registry) drop(t job.EventType, id, reason string) bool {
	metrics.RegistryEventsDroppedTotal.WithLabelValues(reason).Inc()
	r.log.Debug("registry: event ignored", "event", t, "job_id", id, "reason", reason)
	return false
}

// Dismiss stops tracking a job. It does not cancel work on the backend and
// leaves the history pages alone. It reports whether the job was tracked.
func (r *Registry) Dismiss(kind job.Kind, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evict(kind, id)
}

// evict removes one active job. Callers must hold r.mu.
func (r *Registry) evict(kind job.Kind, id string) bool {
	switch kind {
	case job.KindExport:
		if _, ok := r.exports[id]; !ok {
			return false
		}
		delete(r.exports, id)
	case job.KindImport:
		if _, ok := r.imports[id]; !ok {
			return false
		}
		delete(r.imports, id)
	default:
		return false
	}
	r.closeWatchers(key{kind, id})
	r.setGauge()
	if r.store != nil {
		if err := r.store.Delete(context.Background(), id); err != nil {
			r.log.Error("registry: delete tracked job", "job_id", id, "error", err)
		}
	}
	return true
}

// DeleteExport deletes an export on the backend, then drops it from the
// active set and the export history page.
func (r *Registry) DeleteExport(ctx context.Context, id string) error {
	if err := r.backend.DeleteExport(ctx, id); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evict(job.KindExport, id)
	if h := r.exportHistory; h != nil {
		n := len(h.Data)
		h.Data = slices.DeleteFunc(h.Data, func(e job.ExportJob) bool { return e.ID == id })
		h.Total -= n - len(h.Data)
	}
	return nil
}

// FetchExportHistory replaces the export history page with a fresh server
// listing. The active set is not touched. On error the previous page is kept.
func (r *Registry) FetchExportHistory(ctx context.Context, q job.ListQuery) (*job.Page[job.ExportJob], error) {
	page, err := r.backend.ListExports(ctx, q)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exportHistory = page
	return cloneExportPage(page), nil
}

// FetchImportHistory replaces the import history page with a fresh server
// listing. The active set is not touched. On error the previous page is kept.
func (r *Registry) FetchImportHistory(ctx context.Context, q job.ListQuery) (*job.Page[job.ImportJob], error) {
	page, err := r.backend.ListImports(ctx, q)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.importHistory = page
	return cloneImportPage(page), nil
}

// ExportHistory returns a copy of the last fetched export page, or nil.
func (r *Registry) ExportHistory() *job.Page[job.ExportJob] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneExportPage(r.exportHistory)
}

// ImportHistory returns a copy of the last fetched import page, or nil.
func (r *Registry) ImportHistory() *job.Page[job.ImportJob] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneImportPage(r.importHistory)
}

func cloneExportPage(p *job.Page[job.ExportJob]) *job.Page[job.ExportJob] {
	if p == nil {
		return nil
	}
	c := *p
	c.Data = make([]job.ExportJob, len(p.Data))
	for i := range p.Data {
		c.Data[i] = *p.Data[i].Clone()
	}
	return &c
}

func cloneImportPage(p *job.Page[job.ImportJob]) *job.Page[job.ImportJob] {
	if p == nil {
		return nil
	}
	c := *p
	c.Data = make([]job.ImportJob, len(p.Data))
	for i := range p.Data {
		c.Data[i] = *p.Data[i].Clone()
	}
	return &c
}

// Export returns a copy of an active export job.
func (r *Registry) Export(id string) (*job.ExportJob, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.exports[id]
	if !ok {
		return nil, false
	}
	return j.Clone(), true
}

// Import returns a copy of an active import job.
func (r *Registry) Import(id string) (*job.ImportJob, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.imports[id]
	if !ok {
		return nil, false
	}
	return j.Clone(), true
}

// ActiveExports returns copies of every tracked export, oldest first.
func (r *Registry) ActiveExports() []*job.ExportJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*job.ExportJob, 0, len(r.exports))
	for _, j := range r.exports {
		out = append(out, j.Clone())
	}
	slices.SortFunc(out, func(a, b *job.ExportJob) int { return byCreated(&a.Job, &b.Job) })
	return out
}

// ActiveImports returns copies of every tracked import, oldest first.
func (r *Registry) ActiveImports() []*job.ImportJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*job.ImportJob, 0, len(r.imports))
	for _, j := range r.imports {
		out = append(out, j.Clone())
	}
	slices.SortFunc(out, func(a, b *job.ImportJob) int { return byCreated(&a.Job, &b.Job) })
	return out
}

func byCreated(a, b *job.Job) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// Reconcile fetches a snapshot for every non-terminal active job and merges
// it with the same monotonic rules as relay events. Jobs the backend no
// longer knows are left as they are. Other failures are joined and returned
// after every job has been tried.
func (r *Registry) Reconcile(ctx context.Context) error {
	r.mu.Lock()
	var exports, imports []string
	for id, j := range r.exports {
		if !j.Status.IsTerminal() {
			exports = append(exports, id)
		}
	}
	for id, j := range r.imports {
		if !j.Status.IsTerminal() {
			imports = append(imports, id)
		}
	}
	r.mu.Unlock()

	var errs []error
	for _, id := range exports {
		if err := r.RefreshExport(ctx, id); err != nil && !errors.Is(err, job.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	for _, id := range imports {
		if err := r.RefreshImport(ctx, id); err != nil && !errors.Is(err, job.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		r.log.Warn("registry: reconcile incomplete", "failed", len(errs))
	}
	return errors.Join(errs...)
}

// RefreshExport fetches one export snapshot and merges it into the active
// job. Snapshots for ids that are not tracked are not inserted.
func (r *Registry) RefreshExport(ctx context.Context, id string) error {
	snap, err := r.backend.ExportStatus(ctx, id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.exports[id]; ok && mergeExport(j, snap, r.now()) {
		r.exportChanged(j)
	}
	return nil
}

// RefreshImport fetches one import snapshot and merges it into the active
// job. Snapshots for ids that are not tracked are not inserted.
func (r *Registry) RefreshImport(ctx context.Context, id string) error {
	snap, err := r.backend.ImportStatus(ctx, id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.imports[id]; ok && mergeImport(j, snap, r.now()) {
		r.importChanged(j)
	}
	return nil
}

// Attach subscribes the registry to every job event on src and runs
// Reconcile after each (re)connect. The returned func detaches it.
func (r *Registry) Attach(src Source) (detach func()) {
	subs := make([]*relay.Subscription, 0, len(job.EventTypes)+1)
	for _, t := range job.EventTypes {
		subs = append(subs, src.On(t, func(ev relay.Event) {
			r.Ingest(ev.Type, ev.Data)
		}))
	}
	subs = append(subs, src.OnConnect(func(ctx context.Context) {
		if err := r.Reconcile(ctx); err != nil {
			r.log.Warn("registry: reconcile after connect", "error", err)
		}
	}))
	return func() {
		for _, s := range subs {
			s.Close()
		}
	}
}

// Restore loads the jobs saved by a previous process into the active set.
// Jobs already tracked are kept. Callers usually follow it with Reconcile.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	recs, err := r.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tracked jobs: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range recs {
		switch rec.Kind {
		case job.KindExport:
			if _, ok := r.exports[rec.ID]; ok {
				continue
			}
			j, err := rec.Export()
			if err != nil {
				r.log.Warn("registry: skipping unreadable record", "job_id", rec.ID, "error", err)
				continue
			}
			r.exports[rec.ID] = j
		case job.KindImport:
			if _, ok := r.imports[rec.ID]; ok {
				continue
			}
			j, err := rec.Import()
			if err != nil {
				r.log.Warn("registry: skipping unreadable record", "job_id", rec.ID, "error", err)
				continue
			}
			r.imports[rec.ID] = j
		default:
			continue
		}
		n++
	}
	r.setGauge()
	return n, nil
}

// Prune forgets terminal jobs that completed before the cutoff, both in the
// active set and in the store. It returns the number of store rows removed.
func (r *Registry) Prune(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	for id, j := range r.exports {
		if expired(&j.Job, before) {
			delete(r.exports, id)
			r.closeWatchers(key{job.KindExport, id})
		}
	}
	for id, j := range r.imports {
		if expired(&j.Job, before) {
			delete(r.imports, id)
			r.closeWatchers(key{job.KindImport, id})
		}
	}
	r.setGauge()
	r.mu.Unlock()

	if r.store == nil {
		return 0, nil
	}
	n, err := r.store.DeleteTerminalBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("prune tracked jobs: %w", err)
	}
	return n, nil
}

func expired(j *job.Job, before time.Time) bool {
	return j.Status.IsTerminal() && j.CompletedAt != nil && j.CompletedAt.Before(before)
}

// exportChanged persists j and notifies its watchers. Callers must hold r.mu.
func (r *Registry) exportChanged(j *job.ExportJob) {
	r.setGauge()
	if r.store != nil {
		if rec, err := job.NewExportRecord(j); err != nil {
			r.log.Error("registry: encode export", "job_id", j.ID, "error", err)
		} else if err := r.store.Save(context.Background(), rec); err != nil {
			r.log.Error("registry: save export", "job_id", j.ID, "error", err)
		}
	}
	r.notify(key{job.KindExport, j.ID}, Update{Export: j.Clone()}, j.Status.IsTerminal())
}

func (r *Registry) importChanged(j *job.ImportJob) {
	r.setGauge()
	if r.store != nil {
		if rec, err := job.NewImportRecord(j); err != nil {
			r.log.Error("registry: encode import", "job_id", j.ID, "error", err)
		} else if err := r.store.Save(context.Background(), rec); err != nil {
			r.log.Error("registry: save import", "job_id", j.ID, "error", err)
		}
	}
	r.notify(key{job.KindImport, j.ID}, Update{Import: j.Clone()}, j.Status.IsTerminal())
}

func (r *Registry) setGauge() {
	metrics.ActiveJobs.WithLabelValues(string(job.KindExport)).Set(float64(len(r.exports)))
	metrics.ActiveJobs.WithLabelValues(string(job.KindImport)).Set(float64(len(r.imports)))
}
