package mockserver

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/jobtrack/jobtrack/internal/job"
)

// maxRenderedRows bounds the size of a generated export file.
const maxRenderedRows = 1000

var entityFields = map[job.EntityType][]string{
	job.EntityUsers:     {"id", "email", "firstName", "lastName", "role", "createdAt"},
	job.EntityCustomers: {"id", "name", "email", "phone", "city", "createdAt"},
	job.EntityMerchants: {"id", "businessName", "email", "category", "status"},
	job.EntityServices:  {"id", "name", "merchantId", "price", "duration"},
	job.EntityBookings:  {"id", "customerId", "serviceId", "startsAt", "status"},
	job.EntityProducts:  {"id", "sku", "name", "price", "stock"},
	job.EntityReviews:   {"id", "customerId", "rating", "comment", "createdAt"},
	job.EntityOrders:    {"id", "customerId", "total", "currency", "status"},
	job.EntityPayments:  {"id", "orderId", "amount", "method", "status"},
}

func fieldsFor(e job.EntityType) []string {
	if f, ok := entityFields[e]; ok {
		return f
	}
	return []string{"id", "name", "createdAt"}
}

// importParams reads the n-th file of field plus its entity type and template.
func importParams(r *http.Request, field string, n int, entity, templateID string) (job.ImportParams, error) {
	p := job.ImportParams{EntityType: job.EntityType(entity), TemplateID: templateID}
	headers := r.MultipartForm.File[field]
	if n >= len(headers) {
		return p, nil
	}
	f, err := headers[n].Open()
	if err != nil {
		return p, fmt.Errorf("open %s: %w", field, err)
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return p, fmt.Errorf("read %s: %w", field, err)
	}
	p.File = &job.Upload{Name: filepath.Base(headers[n].Filename), Content: content}
	return p, nil
}

// countRecords returns the number of data rows in an upload. Spreadsheets are
// not parsed and count as defaultExportRecords.
func countRecords(u *job.Upload) (int, error) {
	switch strings.ToLower(filepath.Ext(u.Name)) {
	case ".csv":
		rows, err := csv.NewReader(bytes.NewReader(u.Content)).ReadAll()
		if err != nil {
			return 0, fmt.Errorf("file is not valid CSV: %w", err)
		}
		if len(rows) == 0 {
			return 0, errors.New("file has no header row")
		}
		return len(rows) - 1, nil
	case ".json":
		var rows []json.RawMessage
		if err := json.Unmarshal(u.Content, &rows); err != nil {
			return 0, errors.New("file must hold a JSON array of records")
		}
		return len(rows), nil
	}
	return defaultExportRecords, nil
}

// render produces the result file of a completed export. Excel and PDF
// results carry CSV bytes under their own media types.
func render(e *job.ExportJob) (body []byte, ctype, ext string, err error) {
	fields := e.Fields
	if len(fields) == 0 {
		fields = []string{"entityType", "id"}
	}
	rows := min(e.TotalRecords, maxRenderedRows)
	cell := func(row int, field string) string {
		entity := string(e.EntityType)
		if entity == "" && len(e.EntityTypes) > 0 {
			entity = string(e.EntityTypes[row%len(e.EntityTypes)])
		}
		if field == "entityType" {
			return entity
		}
		return fmt.Sprintf("%s-%d-%s", entity, row+1, field)
	}

	if e.Format == job.FormatJSON {
		out := make([]map[string]string, rows)
		for r := range rows {
			out[r] = make(map[string]string, len(fields))
			for _, f := range fields {
				out[r][f] = cell(r, f)
			}
		}
		body, err = json.Marshal(out)
		return body, "application/json", "json", err
	}

	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	cw.Write(fields) //nolint:errcheck
	for r := range rows {
		rec := make([]string, len(fields))
		for i, f := range fields {
			rec[i] = cell(r, f)
		}
		cw.Write(rec) //nolint:errcheck
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, "", "", err
	}

	switch e.Format {
	case job.FormatExcel:
		return buf.Bytes(), "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", "xlsx", nil
	case job.FormatPDF:
		return buf.Bytes(), "application/pdf", "pdf", nil
	}
	return buf.Bytes(), "text/csv; charset=utf-8", "csv", nil
}

func exportFileName(e *job.ExportJob, ext string) string {
	base := e.CustomName
	if base == "" {
		base = string(e.EntityType)
	}
	if base == "" {
		base = "bulk-export"
	}
	base = strings.Map(func(r rune) rune {
		if r == '"' || r == '/' || r == '\\' {
			return '_'
		}
		return r
	}, base)
	return fmt.Sprintf("%s-%s.%s", base, e.ID, ext)
}
