package job

import (
	"context"
	"encoding/json"
	"time"
)

// Record is the persisted form of one tracked job. Data holds the JSON
// encoding of the ExportJob or ImportJob.
type Record struct {
	ID          string
	Kind        Kind
	Status      Status
	Data        json.RawMessage
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// Store persists the tracked job set so it survives restarts.
type Store interface {
	Save(ctx context.Context, r *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	Delete(ctx context.Context, id string) error
	// List returns every record ordered by updated_at ASC.
	List(ctx context.Context) ([]*Record, error)
	// DeleteTerminalBefore removes completed/failed records whose completion
	// time is older than before.
	DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error)
}

// NewExportRecord encodes j for a Store.
func NewExportRecord(j *ExportJob) (*Record, error) {
	return newRecord(&j.Job, KindExport, j)
}

// NewImportRecord encodes j for a Store.
func NewImportRecord(j *ImportJob) (*Record, error) {
	return newRecord(&j.Job, KindImport, j)
}

func newRecord(base *Job, kind Kind, v any) (*Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &Record{
		ID:          base.ID,
		Kind:        kind,
		Status:      base.Status,
		Data:        data,
		UpdatedAt:   time.Now().UTC(),
		CompletedAt: cloneTime(base.CompletedAt),
	}, nil
}

// Export decodes an export record.
func (r *Record) Export() (*ExportJob, error) {
	var j ExportJob
	if err := json.Unmarshal(r.Data, &j); err != nil {
		return nil, err
	}
	j.Kind = KindExport
	return &j, nil
}

// Import decodes an import record.
func (r *Record) Import() (*ImportJob, error) {
	var j ImportJob
	if err := json.Unmarshal(r.Data, &j); err != nil {
		return nil, err
	}
	j.Kind = KindImport
	return &j, nil
}
