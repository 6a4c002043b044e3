package registry

import (
	"github.com/jobtrack/jobtrack/internal/job"
)

const watchBuffer = 64

// Update is a copy of a job taken right after an accepted change. Exactly one
// of Export and Import is set.
type Update struct {
	Export *job.ExportJob
	Import *job.ImportJob
}

// Job returns the fields shared by both kinds.
func (u Update) Job() job.Job {
	if u.Export != nil {
		return u.Export.Job
	}
	if u.Import != nil {
		return u.Import.Job
	}
	return job.Job{}
}

// Watch returns a buffered channel that first receives the job's current
// state and then every accepted change. The channel is closed after the
// terminal update, on Dismiss, or on Unwatch. Slow readers miss intermediate
// updates rather than block the registry, but the terminal one always
// arrives last.
func (r *Registry) Watch(kind job.Kind, id string) (<-chan Update, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var cur Update
	switch kind {
	case job.KindExport:
		j, ok := r.exports[id]
		if !ok {
			return nil, &job.NotFoundError{Resource: "export job", ID: id}
		}
		cur = Update{Export: j.Clone()}
	case job.KindImport:
		j, ok := r.imports[id]
		if !ok {
			return nil, &job.NotFoundError{Resource: "import job", ID: id}
		}
		cur = Update{Import: j.Clone()}
	default:
		return nil, job.NewValidationError("kind", "must be export or import")
	}

	ch := make(chan Update, watchBuffer)
	ch <- cur
	if cur.Job().Status.IsTerminal() {
		close(ch)
		return ch, nil
	}
	k := key{kind, id}
	r.watchers[k] = append(r.watchers[k], ch)
	return ch, nil
}

// Unwatch removes and closes one channel returned by Watch.
func (r *Registry) Unwatch(kind job.Kind, id string, ch <-chan Update) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{kind, id}
	chans := r.watchers[k]
	for i, c := range chans {
		if c == ch {
			r.watchers[k] = append(chans[:i], chans[i+1:]...)
			close(c)
			break
		}
	}
	if len(r.watchers[k]) == 0 {
		delete(r.watchers, k)
	}
}

// notify sends u to every watcher without blocking. Intermediate updates are
// skipped for full channels. A final update always lands, displacing the
// oldest buffered one if needed, and then closes the channels. Callers must
// hold r.mu.
func (r *Registry) notify(k key, u Update, final bool) {
	chans := r.watchers[k]
	for _, ch := range chans {
		if final {
			deliverLast(ch, u)
			continue
		}
		select {
		case ch <- u:
		default:
		}
	}
	if final {
		r.closeWatchers(k)
	}
}

// deliverLast puts u into ch, dropping buffered updates until it fits. Only
// the registry sends on ch, so one free slot is enough.
func deliverLast(ch chan Update, u Update) {
	for {
		select {
		case ch <- u:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func (r *Registry) closeWatchers(k key) {
	for _, ch := range r.watchers[k] {
		close(ch)
	}
	delete(r.watchers, k)
}
