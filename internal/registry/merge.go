package registry

import (
	"maps"
	"slices"
	"time"

	"github.com/jobtrack/jobtrack/internal/job"
)

const defaultFailure = "job failed"

// raise sets *dst to v when v is larger. It reports whether *dst changed.
func raise(dst *int, v int) bool {
	if v > *dst {
		*dst = v
		return true
	}
	return false
}

func clampProgress(p int) int {
	return min(max(p, 0), 100)
}

// advance moves j to status to when the state machine allows it.
func advance(j *job.Job, to job.Status) bool {
	if j.Status == to || !job.CanTransition(j.Status, to) {
		return false
	}
	j.Status = to
	return true
}

// applyProgress merges a non-terminal observation. Counters only grow, so a
// stale or reordered observation leaves j untouched.
func applyProgress(j *job.Job, progress, processed, total int) bool {
	changed := advance(j, job.StatusProcessing)
	changed = raise(&j.Progress, clampProgress(progress)) || changed
	changed = raise(&j.ProcessedRecords, processed) || changed
	changed = raise(&j.TotalRecords, total) || changed
	return changed
}

// finish moves a non-terminal job into a terminal status. at is the backend's
// completion time, if it sent one.
func finish(j *job.Job, to job.Status, at *time.Time, now time.Time) {
	j.Status = to
	ts := now
	if at != nil && !at.IsZero() {
		ts = *at
	}
	j.CompletedAt = &ts
	if to == job.StatusCompleted {
		j.Progress = 100
		if j.TotalRecords > 0 {
			raise(&j.ProcessedRecords, j.TotalRecords)
		}
		j.ErrorMessage = ""
	}
}

func fail(j *job.Job, msg string, at *time.Time, now time.Time) {
	if msg == "" {
		msg = defaultFailure
	}
	j.ErrorMessage = msg
	finish(j, job.StatusFailed, at, now)
}

func applyExportCompleted(j *job.ExportJob, p job.ExportCompletedEvent, now time.Time) {
	raise(&j.TotalRecords, p.TotalRecords)
	j.DownloadURL = p.DownloadURL
	finish(&j.Job, job.StatusCompleted, p.CompletedAt, now)
}

func applyImportProgress(j *job.ImportJob, p job.ImportProgressEvent) bool {
	changed := applyProgress(&j.Job, p.Progress, p.ProcessedRecords, p.TotalRecords)
	changed = raise(&j.SuccessCount, p.SuccessCount) || changed
	changed = raise(&j.ErrorCount, p.ErrorCount) || changed
	return changed
}

func applyImportCompleted(j *job.ImportJob, p job.ImportCompletedEvent, now time.Time) {
	raise(&j.TotalRecords, p.TotalRecords)
	raise(&j.ProcessedRecords, p.ProcessedRecords)
	raise(&j.SuccessCount, p.SuccessCount)
	raise(&j.ErrorCount, p.ErrorCount)
	if p.Errors != nil {
		j.Errors = slices.Clone(p.Errors)
	}
	finish(&j.Job, job.StatusCompleted, p.CompletedAt, now)
}

// mergeExport folds a status snapshot into dst. Terminal jobs only pick up
// descriptive fields they were missing.
func mergeExport(dst, src *job.ExportJob, now time.Time) bool {
	changed := fillExport(dst, src)
	if dst.Status.IsTerminal() {
		return changed
	}
	switch src.Status {
	case job.StatusCompleted:
		raise(&dst.TotalRecords, src.TotalRecords)
		raise(&dst.ProcessedRecords, src.ProcessedRecords)
		if src.DownloadURL != "" {
			dst.DownloadURL = src.DownloadURL
		}
		finish(&dst.Job, job.StatusCompleted, src.CompletedAt, now)
		return true
	case job.StatusFailed:
		fail(&dst.Job, src.ErrorMessage, src.CompletedAt, now)
		return true
	case job.StatusProcessing:
		return applyProgress(&dst.Job, src.Progress, src.ProcessedRecords, src.TotalRecords) || changed
	case job.StatusPending:
		changed = raise(&dst.TotalRecords, src.TotalRecords) || changed
	}
	return changed
}

func mergeImport(dst, src *job.ImportJob, now time.Time) bool {
	changed := fillImport(dst, src)
	if dst.Status.IsTerminal() {
		return changed
	}
	counts := raise(&dst.SuccessCount, src.SuccessCount)
	counts = raise(&dst.ErrorCount, src.ErrorCount) || counts
	if len(src.Errors) > len(dst.Errors) {
		dst.Errors = slices.Clone(src.Errors)
		counts = true
	}
	switch src.Status {
	case job.StatusCompleted:
		raise(&dst.TotalRecords, src.TotalRecords)
		raise(&dst.ProcessedRecords, src.ProcessedRecords)
		finish(&dst.Job, job.StatusCompleted, src.CompletedAt, now)
		return true
	case job.StatusFailed:
		fail(&dst.Job, src.ErrorMessage, src.CompletedAt, now)
		return true
	case job.StatusProcessing:
		return applyProgress(&dst.Job, src.Progress, src.ProcessedRecords, src.TotalRecords) || counts || changed
	case job.StatusPending:
		changed = raise(&dst.TotalRecords, src.TotalRecords) || changed
	}
	return counts || changed
}

// fillExport copies descriptive fields the local copy lacks. Placeholders
// start with only id, entity type and status, so snapshots add to them and
// never overwrite.
func fillExport(dst, src *job.ExportJob) bool {
	changed := fillBase(&dst.Job, &src.Job)
	if dst.Format == "" && src.Format != "" {
		dst.Format = src.Format
		changed = true
	}
	if len(dst.Fields) == 0 && len(src.Fields) > 0 {
		dst.Fields = slices.Clone(src.Fields)
		changed = true
	}
	if len(dst.Filters) == 0 && len(src.Filters) > 0 {
		dst.Filters = maps.Clone(src.Filters)
		changed = true
	}
	if len(dst.EntityTypes) == 0 && len(src.EntityTypes) > 0 {
		dst.EntityTypes = slices.Clone(src.EntityTypes)
		changed = true
	}
	if dst.CustomName == "" && src.CustomName != "" {
		dst.CustomName = src.CustomName
		changed = true
	}
	if !dst.EmailDelivery && src.EmailDelivery {
		dst.EmailDelivery = true
		changed = true
	}
	if dst.TemplateID == "" && src.TemplateID != "" {
		dst.TemplateID = src.TemplateID
		changed = true
	}
	return changed
}

func fillImport(dst, src *job.ImportJob) bool {
	changed := fillBase(&dst.Job, &src.Job)
	if dst.FileName == "" && src.FileName != "" {
		dst.FileName = src.FileName
		changed = true
	}
	if dst.TemplateID == "" && src.TemplateID != "" {
		dst.TemplateID = src.TemplateID
		changed = true
	}
	if !dst.ValidateOnly && src.ValidateOnly {
		dst.ValidateOnly = true
		changed = true
	}
	return changed
}

func fillBase(dst, src *job.Job) bool {
	changed := false
	if dst.EntityType == "" && src.EntityType != "" {
		dst.EntityType = src.EntityType
		changed = true
	}
	if dst.CreatedAt.IsZero() && !src.CreatedAt.IsZero() {
		dst.CreatedAt = src.CreatedAt
		changed = true
	}
	return changed
}
