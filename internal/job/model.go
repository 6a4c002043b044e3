package job

import (
	"maps"
	"slices"
	"sync"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal returns true for statuses that represent a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var allowedTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusPending:    true,
		StatusProcessing: true,
		StatusCompleted:  true,
		StatusFailed:     true,
	},
	StatusProcessing: {
		StatusProcessing: true,
		StatusCompleted:  true,
		StatusFailed:     true,
	},
	StatusCompleted: {},
	StatusFailed:    {},
}

// CanTransition reports whether a job in status from may move to status to.
// Terminal states accept nothing, including themselves.
func CanTransition(from, to Status) bool {
	return allowedTransitions[from][to]
}

// Kind tells the export and import namespaces apart.
type Kind string

const (
	KindExport Kind = "export"
	KindImport Kind = "import"
)

type EntityType string

const (
	EntityUsers     EntityType = "users"
	EntityCustomers EntityType = "customers"
	EntityMerchants EntityType = "merchants"
	EntityServices  EntityType = "services"
	EntityBookings  EntityType = "bookings"
	EntityProducts  EntityType = "products"
	EntityReviews   EntityType = "reviews"
	EntityOrders    EntityType = "orders"
	EntityPayments  EntityType = "payments"
)

var (
	entityMu    sync.RWMutex
	entityTypes = map[EntityType]bool{
		EntityUsers:     true,
		EntityCustomers: true,
		EntityMerchants: true,
		EntityServices:  true,
		EntityBookings:  true,
		EntityProducts:  true,
		EntityReviews:   true,
		EntityOrders:    true,
		EntityPayments:  true,
	}
)

// RegisterEntityType adds e to the supported set. Call it at startup, before
// any params are validated.
func RegisterEntityType(e EntityType) {
	entityMu.Lock()
	entityTypes[e] = true
	entityMu.Unlock()
}

// IsSupportedEntity reports whether e is in the supported set.
func IsSupportedEntity(e EntityType) bool {
	entityMu.RLock()
	defer entityMu.RUnlock()
	return entityTypes[e]
}

// EntityTypes returns the supported set in sorted order.
func EntityTypes() []EntityType {
	entityMu.RLock()
	defer entityMu.RUnlock()
	return slices.Sorted(maps.Keys(entityTypes))
}

type Format string

const (
	FormatCSV   Format = "csv"
	FormatExcel Format = "excel"
	FormatJSON  Format = "json"
	FormatPDF   Format = "pdf"
)

// Job holds the fields shared by export and import jobs.
type Job struct {
	ID               string     `json:"id"`
	Kind             Kind       `json:"kind,omitempty"`
	EntityType       EntityType `json:"entityType,omitempty"`
	Status           Status     `json:"status"`
	Progress         int        `json:"progress"`
	TotalRecords     int        `json:"totalRecords"`
	ProcessedRecords int        `json:"processedRecords"`
	CreatedAt        time.Time  `json:"createdAt"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	ErrorMessage     string     `json:"errorMessage,omitempty"`
}

type ExportJob struct {
	Job
	Format        Format         `json:"format,omitempty"`
	DownloadURL   string         `json:"downloadUrl,omitempty"`
	Fields        []string       `json:"fields,omitempty"`
	Filters       map[string]any `json:"filters,omitempty"`
	EntityTypes   []EntityType   `json:"entityTypes,omitempty"`
	CustomName    string         `json:"customName,omitempty"`
	EmailDelivery bool           `json:"emailDelivery,omitempty"`
	TemplateID    string         `json:"templateId,omitempty"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (e *ExportJob) Clone() *ExportJob {
	c := *e
	c.CompletedAt = cloneTime(e.CompletedAt)
	c.Fields = slices.Clone(e.Fields)
	c.Filters = maps.Clone(e.Filters)
	c.EntityTypes = slices.Clone(e.EntityTypes)
	return &c
}

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// ImportError describes one rejected or suspicious cell of an import file.
type ImportError struct {
	Row      int      `json:"row"`
	Field    string   `json:"field"`
	Value    any      `json:"value,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

type ImportJob struct {
	Job
	FileName     string        `json:"fileName,omitempty"`
	SuccessCount int           `json:"successCount"`
	ErrorCount   int           `json:"errorCount"`
	Errors       []ImportError `json:"errors,omitempty"`
	TemplateID   string        `json:"templateId,omitempty"`
	ValidateOnly bool          `json:"validateOnly,omitempty"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (i *ImportJob) Clone() *ImportJob {
	c := *i
	c.CompletedAt = cloneTime(i.CompletedAt)
	c.Errors = slices.Clone(i.Errors)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ExportTemplate is a saved field selection reusable at export creation.
type ExportTemplate struct {
	ID             string         `json:"id,omitempty"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	EntityType     EntityType     `json:"entityType"`
	Format         Format         `json:"format,omitempty"`
	Fields         []string       `json:"fields"`
	DefaultFilters map[string]any `json:"defaultFilters,omitempty"`
	IsPublic       bool           `json:"isPublic"`
	CreatedBy      string         `json:"createdBy,omitempty"`
	CreatedAt      time.Time      `json:"createdAt,omitzero"`
	UpdatedAt      time.Time      `json:"updatedAt,omitzero"`
}

// ValidationRule is a per-field constraint applied by the backend on import.
type ValidationRule struct {
	Field    string `json:"field"`
	Rule     string `json:"rule"`
	Value    any    `json:"value,omitempty"`
	Message  string `json:"message,omitempty"`
	Required bool   `json:"required,omitempty"`
}

// ImportTemplate maps source file columns to entity fields.
type ImportTemplate struct {
	ID              string            `json:"id,omitempty"`
	Name            string            `json:"name"`
	Description     string            `json:"description,omitempty"`
	EntityType      EntityType        `json:"entityType"`
	FieldMapping    map[string]string `json:"fieldMapping"`
	ValidationRules []ValidationRule  `json:"validationRules,omitempty"`
	DefaultValues   map[string]any    `json:"defaultValues,omitempty"`
	IsPublic        bool              `json:"isPublic"`
	CreatedBy       string            `json:"createdBy,omitempty"`
	CreatedAt       time.Time         `json:"createdAt,omitzero"`
	UpdatedAt       time.Time         `json:"updatedAt,omitzero"`
}

// Page is one page of a server-side listing.
type Page[T any] struct {
	Data       []T `json:"data"`
	Total      int `json:"total"`
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	TotalPages int `json:"totalPages"`
}

// ListQuery filters a history listing.
type ListQuery struct {
	Page       int        `url:"page,omitempty"`
	Limit      int        `url:"limit,omitempty"`
	Status     Status     `url:"status,omitempty"`
	EntityType EntityType `url:"entityType,omitempty"`
}

// Normalize clamps Page to >= 1 and Limit to 1..100, defaulting to 20.
func (q ListQuery) Normalize() ListQuery {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit <= 0 {
		q.Limit = 20
	}
	if q.Limit > 100 {
		q.Limit = 100
	}
	return q
}

// ExportStats is the admin summary returned by /admin/export-stats.
type ExportStats struct {
	TotalExports   int                `json:"totalExports"`
	TotalImports   int                `json:"totalImports"`
	ByStatus       map[Status]int     `json:"byStatus,omitempty"`
	ByEntityType   map[EntityType]int `json:"byEntityType,omitempty"`
	ByFormat       map[Format]int     `json:"byFormat,omitempty"`
	RecordsCounted int                `json:"recordsProcessed"`
}
