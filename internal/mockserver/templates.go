package mockserver

import (
	"encoding/csv"
	"encoding/json"
	"net/http"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/jobtrack/jobtrack/internal/job"
)

func (s *Server) ListExportTemplates(w http.ResponseWriter, r *http.Request) {
	entity := job.EntityType(r.URL.Query().Get("entityType"))
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]job.ExportTemplate, 0, len(s.exportTpls))
	for _, t := range s.exportTpls {
		if entity == "" || t.EntityType == entity {
			out = append(out, *t)
		}
	}
	slices.SortFunc(out, func(a, b job.ExportTemplate) int { return strings.Compare(a.Name, b.Name) })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) CreateExportTemplate(w http.ResponseWriter, r *http.Request) {
	var t job.ExportTemplate
	if !decodeTemplate(w, r, &t) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	t.ID, t.CreatedBy, t.CreatedAt, t.UpdatedAt = uuid.New().String(), "mock", now, now
	s.exportTpls[t.ID] = &t
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) UpdateExportTemplate(w http.ResponseWriter, r *http.Request) {
	var t job.ExportTemplate
	if !decodeTemplate(w, r, &t) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.exportTpls[r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, "export template not found")
		return
	}
	t.ID, t.CreatedBy, t.CreatedAt, t.UpdatedAt = old.ID, old.CreatedBy, old.CreatedAt, s.now()
	s.exportTpls[t.ID] = &t
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) DeleteExportTemplate(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := r.PathValue("id")
	if _, ok := s.exportTpls[id]; !ok {
		writeError(w, http.StatusNotFound, "export template not found")
		return
	}
	delete(s.exportTpls, id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) ListImportTemplates(w http.ResponseWriter, r *http.Request) {
	entity := job.EntityType(r.URL.Query().Get("entityType"))
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]job.ImportTemplate, 0, len(s.importTpls))
	for _, t := range s.importTpls {
		if entity == "" || t.EntityType == entity {
			out = append(out, *t)
		}
	}
	slices.SortFunc(out, func(a, b job.ImportTemplate) int { return strings.Compare(a.Name, b.Name) })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) CreateImportTemplate(w http.ResponseWriter, r *http.Request) {
	var t job.ImportTemplate
	if !decodeTemplate(w, r, &t) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	t.ID, t.CreatedBy, t.CreatedAt, t.UpdatedAt = uuid.New().String(), "mock", now, now
	s.importTpls[t.ID] = &t
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) UpdateImportTemplate(w http.ResponseWriter, r *http.Request) {
	var t job.ImportTemplate
	if !decodeTemplate(w, r, &t) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.importTpls[r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, "import template not found")
		return
	}
	t.ID, t.CreatedBy, t.CreatedAt, t.UpdatedAt = old.ID, old.CreatedBy, old.CreatedAt, s.now()
	s.importTpls[t.ID] = &t
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) DeleteImportTemplate(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := r.PathValue("id")
	if _, ok := s.importTpls[id]; !ok {
		writeError(w, http.StatusNotFound, "import template not found")
		return
	}
	delete(s.importTpls, id)
	w.WriteHeader(http.StatusNoContent)
}

// GenerateImportTemplate serves a header-only CSV listing the entity's columns.
func (s *Server) GenerateImportTemplate(w http.ResponseWriter, r *http.Request) {
	entity := job.EntityType(r.PathValue("entity"))
	if !job.IsSupportedEntity(entity) {
		writeError(w, http.StatusBadRequest, "unsupported entity type")
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+string(entity)+`-import-template.csv"`)
	cw := csv.NewWriter(w)
	cw.Write(fieldsFor(entity)) //nolint:errcheck
	cw.Flush()
}

type validatable interface {
	Validate() error
}

// decodeTemplate reads a JSON template into t and validates it. On failure it
// writes the 400 response and returns false.
func decodeTemplate(w http.ResponseWriter, r *http.Request, t validatable) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(t); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := t.Validate(); err != nil {
		writeValidation(w, err)
		return false
	}
	return true
}
