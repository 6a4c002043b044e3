package mockserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/jobtrack/jobtrack/internal/job"
)

const maxUpload = 32 << 20

// RegisterRoutes registers every endpoint on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.Health)
	mux.HandleFunc("GET /ws", s.hub.ServeWS)

	mux.HandleFunc("POST /export", s.CreateExport)
	mux.HandleFunc("POST /bulk-export", s.BulkExport)
	mux.HandleFunc("GET /export/{id}/status", s.ExportStatus)
	mux.HandleFunc("GET /export/{id}/download", s.DownloadExport)
	mux.HandleFunc("DELETE /export/{id}", s.DeleteExport)
	mux.HandleFunc("GET /exports", s.ListExports)

	mux.HandleFunc("POST /import", s.CreateImport)
	mux.HandleFunc("POST /bulk-import", s.BulkImport)
	mux.HandleFunc("GET /import/{id}/status", s.ImportStatus)
	mux.HandleFunc("GET /imports", s.ListImports)

	mux.HandleFunc("GET /templates/export", s.ListExportTemplates)
	mux.HandleFunc("POST /templates/export", s.CreateExportTemplate)
	mux.HandleFunc("PUT /templates/export/{id}", s.UpdateExportTemplate)
	mux.HandleFunc("DELETE /templates/export/{id}", s.DeleteExportTemplate)
	mux.HandleFunc("GET /templates/import", s.ListImportTemplates)
	mux.HandleFunc("POST /templates/import", s.CreateImportTemplate)
	mux.HandleFunc("PUT /templates/import/{id}", s.UpdateImportTemplate)
	mux.HandleFunc("DELETE /templates/import/{id}", s.DeleteImportTemplate)
	mux.HandleFunc("GET /templates/import/{entity}/generate", s.GenerateImportTemplate)

	mux.HandleFunc("GET /admin/export-stats", s.ExportStats)
	mux.HandleFunc("DELETE /admin/cleanup", s.Cleanup)
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "peers": s.hub.Peers()})
}

// CreateExport handles POST /export and responds 201 with the new job id.
func (s *Server) CreateExport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var p job.ExportParams
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := p.Validate(); err != nil {
		writeValidation(w, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p.TemplateID != "" {
		if _, ok := s.exportTpls[p.TemplateID]; !ok {
			writeError(w, http.StatusBadRequest, "unknown export template")
			return
		}
	}
	e := &job.ExportJob{
		Job:           s.newJob(job.KindExport, p.EntityType, s.exportRecords),
		Format:        p.Format,
		Fields:        p.Fields,
		Filters:       p.Filters,
		CustomName:    p.CustomName,
		EmailDelivery: p.EmailDelivery,
		TemplateID:    p.TemplateID,
	}
	s.exports[e.ID] = e
	writeJSON(w, http.StatusCreated, map[string]string{"exportJobId": e.ID})
}

// BulkExport handles POST /bulk-export: one job spanning several entities.
func (s *Server) BulkExport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var p job.BulkExportParams
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := p.Validate(); err != nil {
		writeValidation(w, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e := &job.ExportJob{
		Job:         s.newJob(job.KindExport, "", s.exportRecords*len(p.EntityTypes)),
		Format:      p.Format,
		EntityTypes: p.EntityTypes,
	}
	s.exports[e.ID] = e
	writeJSON(w, http.StatusCreated, map[string]string{"exportJobId": e.ID})
}

func (s *Server) ExportStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.exports[r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, "export job not found")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// DownloadExport streams the rendered result of a completed export. Jobs
// still running get 409.
func (s *Server) DownloadExport(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	e, ok := s.exports[r.PathValue("id")]
	if ok {
		e = e.Clone()
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "export job not found")
		return
	}
	if e.Status != job.StatusCompleted {
		writeError(w, http.StatusConflict, "export is not ready for download")
		return
	}

	body, ctype, ext, err := render(e)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to render export")
		return
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Content-Disposition", `attachment; filename="`+exportFileName(e, ext)+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Write(body) //nolint:errcheck
}

func (s *Server) DeleteExport(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := r.PathValue("id")
	if _, ok := s.exports[id]; !ok {
		writeError(w, http.StatusNotFound, "export job not found")
		return
	}
	delete(s.exports, id)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) ListExports(w http.ResponseWriter, r *http.Request) {
	q := parseListQuery(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]job.ExportJob, 0, len(s.exports))
	for _, e := range s.exports {
		if matches(e.Job, q) {
			rows = append(rows, *e.Clone())
		}
	}
	slices.SortFunc(rows, func(a, b job.ExportJob) int { return newestFirst(a.Job, b.Job) })
	writeJSON(w, http.StatusOK, paginate(rows, q))
}

// CreateImport handles the multipart POST /import.
func (s *Server) CreateImport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUpload)
	if err := r.ParseMultipartForm(maxUpload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	p, err := importParams(r, "file", 0, r.FormValue("entityType"), r.FormValue("templateId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p.ValidateOnly, _ = strconv.ParseBool(r.FormValue("validateOnly"))
	if err := p.Validate(); err != nil {
		writeValidation(w, err)
		return
	}
	total, err := countRecords(p.File)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.newImport(p, total)
	writeJSON(w, http.StatusCreated, map[string]string{"importJobId": i.ID})
}

// BulkImport handles POST /bulk-import. The n-th files part pairs with the
// n-th entityTypes and templateIds values. All files are checked before any
// job is created.
func (s *Server) BulkImport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUpload)
	if err := r.ParseMultipartForm(maxUpload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	files := r.MultipartForm.File["files"]
	entities := r.MultipartForm.Value["entityTypes"]
	templates := r.MultipartForm.Value["templateIds"]
	if len(files) == 0 || len(entities) != len(files) {
		writeError(w, http.StatusBadRequest, "files and entityTypes must be non-empty and of equal length")
		return
	}

	items := make([]job.ImportParams, len(files))
	totals := make([]int, len(files))
	for n := range files {
		tpl := ""
		if n < len(templates) {
			tpl = templates[n]
		}
		p, err := importParams(r, "files", n, entities[n], tpl)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		items[n] = p
	}
	if err := job.ValidateBulkImport(items); err != nil {
		writeValidation(w, err)
		return
	}
	for n, p := range items {
		total, err := countRecords(p.File)
		if err != nil {
			writeError(w, http.StatusBadRequest, p.File.Name+": "+err.Error())
			return
		}
		totals[n] = total
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(items))
	for n, p := range items {
		ids[n] = s.newImport(p, totals[n]).ID
	}
	writeJSON(w, http.StatusCreated, map[string][]string{"importJobIds": ids})
}

func (s *Server) ImportStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.imports[r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, "import job not found")
		return
	}
	writeJSON(w, http.StatusOK, i)
}

func (s *Server) ListImports(w http.ResponseWriter, r *http.Request) {
	q := parseListQuery(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]job.ImportJob, 0, len(s.imports))
	for _, i := range s.imports {
		if matches(i.Job, q) {
			rows = append(rows, *i.Clone())
		}
	}
	slices.SortFunc(rows, func(a, b job.ImportJob) int { return newestFirst(a.Job, b.Job) })
	writeJSON(w, http.StatusOK, paginate(rows, q))
}

// ExportStats handles GET /admin/export-stats.
func (s *Server) ExportStats(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := job.ExportStats{
		TotalExports: len(s.exports),
		TotalImports: len(s.imports),
		ByStatus:     map[job.Status]int{},
		ByEntityType: map[job.EntityType]int{},
		ByFormat:     map[job.Format]int{},
	}
	count := func(j job.Job) {
		st.ByStatus[j.Status]++
		if j.EntityType != "" {
			st.ByEntityType[j.EntityType]++
		}
		st.RecordsCounted += j.ProcessedRecords
	}
	for _, e := range s.exports {
		count(e.Job)
		st.ByFormat[e.Format]++
	}
	for _, i := range s.imports {
		count(i.Job)
	}
	writeJSON(w, http.StatusOK, st)
}

// Cleanup handles DELETE /admin/cleanup?days=N, removing finished jobs that
// completed more than N days ago.
func (s *Server) Cleanup(w http.ResponseWriter, r *http.Request) {
	days, err := strconv.Atoi(r.URL.Query().Get("days"))
	if err != nil || days < 1 {
		writeError(w, http.StatusBadRequest, "days must be a positive integer")
		return
	}
	cutoff := s.now().Add(-time.Duration(days) * 24 * time.Hour)

	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, e := range s.exports {
		if expired(e.Job, cutoff) {
			delete(s.exports, id)
			deleted++
		}
	}
	for id, i := range s.imports {
		if expired(i.Job, cutoff) {
			delete(s.imports, id)
			deleted++
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"deletedCount": deleted})
}

// newJob builds a pending job. Callers must hold s.mu.
func (s *Server) newJob(kind job.Kind, entity job.EntityType, total int) job.Job {
	prefix := "exp"
	if kind == job.KindImport {
		prefix = "imp"
	}
	return job.Job{
		ID:           newID(prefix),
		Kind:         kind,
		EntityType:   entity,
		Status:       job.StatusPending,
		TotalRecords: total,
		CreatedAt:    s.now(),
	}
}

// newImport stores a pending import. Callers must hold s.mu.
func (s *Server) newImport(p job.ImportParams, total int) *job.ImportJob {
	i := &job.ImportJob{
		Job:          s.newJob(job.KindImport, p.EntityType, total),
		FileName:     p.File.Name,
		TemplateID:   p.TemplateID,
		ValidateOnly: p.ValidateOnly,
	}
	s.imports[i.ID] = i
	return i
}

func parseListQuery(r *http.Request) job.ListQuery {
	v := r.URL.Query()
	return job.ListQuery{
		Page:       parseIntParam(v.Get("page"), 1),
		Limit:      parseIntParam(v.Get("limit"), 20),
		Status:     job.Status(v.Get("status")),
		EntityType: job.EntityType(v.Get("entityType")),
	}.Normalize()
}

// parseIntParam parses a query string integer, returning the fallback on empty or invalid input.
func parseIntParam(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}

func matches(j job.Job, q job.ListQuery) bool {
	if q.Status != "" && j.Status != q.Status {
		return false
	}
	if q.EntityType != "" && j.EntityType != q.EntityType {
		return false
	}
	return true
}

func newestFirst(a, b job.Job) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

func paginate[T any](rows []T, q job.ListQuery) job.Page[T] {
	total := len(rows)
	start := min((q.Page-1)*q.Limit, total)
	end := min(start+q.Limit, total)
	return job.Page[T]{
		Data:       rows[start:end],
		Total:      total,
		Page:       q.Page,
		Limit:      q.Limit,
		TotalPages: (total + q.Limit - 1) / q.Limit,
	}
}

func expired(j job.Job, cutoff time.Time) bool {
	return j.Status.IsTerminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeValidation reports a rejected payload as 400 with the offending fields.
func writeValidation(w http.ResponseWriter, err error) {
	var verr *job.ValidationError
	if !errors.As(err, &verr) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error":  verr.Error(),
		"fields": verr.Fields,
	})
}
