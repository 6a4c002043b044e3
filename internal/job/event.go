package job

import "time"

// EventType names a relay push event.
type EventType string

const (
	EventExportProgress  EventType = "export:progress"
	EventExportCompleted EventType = "export:completed"
	EventExportFailed    EventType = "export:failed"
	EventImportProgress  EventType = "import:progress"
	EventImportCompleted EventType = "import:completed"
	EventImportFailed    EventType = "import:failed"
)

// EventTypes lists every event the relay forwards.
var EventTypes = []EventType{
	EventExportProgress,
	EventExportCompleted,
	EventExportFailed,
	EventImportProgress,
	EventImportCompleted,
	EventImportFailed,
}

// Kind returns the namespace the event belongs to, or "" if unknown.
func (t EventType) Kind() Kind {
	switch t {
	case EventExportProgress, EventExportCompleted, EventExportFailed:
		return KindExport
	case EventImportProgress, EventImportCompleted, EventImportFailed:
		return KindImport
	}
	return ""
}

// Status returns the job status an event of this type moves a job into.
func (t EventType) Status() Status {
	switch t {
	case EventExportProgress, EventImportProgress:
		return StatusProcessing
	case EventExportCompleted, EventImportCompleted:
		return StatusCompleted
	case EventExportFailed, EventImportFailed:
		return StatusFailed
	}
	return ""
}

// ExportProgressEvent is the payload of export:progress.
type ExportProgressEvent struct {
	JobID            string `json:"jobId"`
	Progress         int    `json:"progress"`
	ProcessedRecords int    `json:"processedRecords"`
	TotalRecords     int    `json:"totalRecords,omitempty"`
}

// ExportCompletedEvent is the payload of export:completed.
type ExportCompletedEvent struct {
	JobID        string     `json:"jobId"`
	DownloadURL  string     `json:"downloadUrl,omitempty"`
	TotalRecords int        `json:"totalRecords,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// ImportProgressEvent is the payload of import:progress.
type ImportProgressEvent struct {
	JobID            string `json:"jobId"`
	Progress         int    `json:"progress"`
	ProcessedRecords int    `json:"processedRecords"`
	TotalRecords     int    `json:"totalRecords,omitempty"`
	SuccessCount     int    `json:"successCount"`
	ErrorCount       int    `json:"errorCount"`
}

// ImportCompletedEvent is the payload of import:completed.
type ImportCompletedEvent struct {
	JobID            string        `json:"jobId"`
	TotalRecords     int           `json:"totalRecords,omitempty"`
	ProcessedRecords int           `json:"processedRecords,omitempty"`
	SuccessCount     int           `json:"successCount"`
	ErrorCount       int           `json:"errorCount"`
	Errors           []ImportError `json:"errors,omitempty"`
	CompletedAt      *time.Time    `json:"completedAt,omitempty"`
}

// FailedEvent is the payload of export:failed and import:failed.
type FailedEvent struct {
	JobID        string     `json:"jobId"`
	ErrorMessage string     `json:"errorMessage"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}
