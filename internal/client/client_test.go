package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jobtrack/jobtrack/internal/job"
)

const testToken = "test-token"

// newTestClient starts an httptest server running h and returns a client for
// it plus a counter of requests that reached the server.
func newTestClient(t *testing.T, h http.HandlerFunc, opts ...Option) (*Client, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	opts = append([]Option{WithToken(testToken)}, opts...)
	return New(srv.URL+"/", opts...), &hits
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func validExport() job.ExportParams {
	return job.ExportParams{
		EntityType: job.EntityCustomers,
		Format:     job.FormatCSV,
		Fields:     []string{"id", "email"},
	}
}

func validImport() job.ImportParams {
	return job.ImportParams{
		EntityType: job.EntityUsers,
		File:       &job.Upload{Name: "users.csv", Content: []byte("id,email\n1,a@b.c\n")},
	}
}

func TestCreateExport_ReturnsJobID(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/export" {
			t.Errorf("got %s %s, want POST /export", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-Request-ID") == "" {
			t.Error("missing X-Request-ID header")
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
			return
		}
		if body["entityType"] != "customers" || body["format"] != "csv" {
			t.Errorf("unexpected body: %v", body)
		}
		writeJSON(w, http.StatusCreated, map[string]string{"exportJobId": "exp_1"})
	})

	id, err := c.CreateExport(context.Background(), validExport())
	if err != nil {
		t.Fatalf("CreateExport: %v", err)
	}
	if id != "exp_1" {
		t.Errorf("id = %q, want exp_1", id)
	}
}

func TestCreateExport_ValidationBeforeNetwork(t *testing.T) {
	t.Parallel()
	c, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("server should not be called")
	})

	tests := []struct {
		name   string
		params job.ExportParams
		field  string
	}{
		{"empty fields", job.ExportParams{EntityType: job.EntityUsers, Format: job.FormatCSV}, "fields"},
		{"unknown entity", job.ExportParams{EntityType: "planets", Format: job.FormatCSV, Fields: []string{"id"}}, "entityType"},
		{"bad format", job.ExportParams{EntityType: job.EntityUsers, Format: "xml", Fields: []string{"id"}}, "format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.CreateExport(context.Background(), tt.params)
			var verr *job.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if _, ok := verr.Fields[tt.field]; !ok {
				t.Errorf("fields = %v, want key %q", verr.Fields, tt.field)
			}
		})
	}
	if n := hits.Load(); n != 0 {
		t.Errorf("server hits = %d, want 0", n)
	}
}

func TestCreateExport_MissingIDIsTransportError(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{})
	})
	_, err := c.CreateExport(context.Background(), validExport())
	if !errors.Is(err, job.ErrTransport) {
		t.Errorf("err = %v, want TransportError", err)
	}
}

func TestCreateImport_Multipart(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/import" {
			t.Errorf("path = %s, want /import", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
			return
		}
		if got := r.FormValue("entityType"); got != "users" {
			t.Errorf("entityType = %q, want users", got)
		}
		if got := r.FormValue("validateOnly"); got != "true" {
			t.Errorf("validateOnly = %q, want true", got)
		}
		if got := r.FormValue("templateId"); got != "tpl_1" {
			t.Errorf("templateId = %q, want tpl_1", got)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile: %v", err)
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		if hdr.Filename != "users.csv" || !bytes.HasPrefix(data, []byte("id,email")) {
			t.Errorf("unexpected upload %q: %q", hdr.Filename, data)
		}
		writeJSON(w, http.StatusCreated, map[string]string{"importJobId": "imp_1"})
	})

	p := validImport()
	p.ValidateOnly = true
	p.TemplateID = "tpl_1"
	id, err := c.CreateImport(context.Background(), p)
	if err != nil {
		t.Fatalf("CreateImport: %v", err)
	}
	if id != "imp_1" {
		t.Errorf("id = %q, want imp_1", id)
	}
}

func TestCreateImport_EmptyFileRejected(t *testing.T) {
	t.Parallel()
	c, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})

	tests := []struct {
		name string
		file *job.Upload
	}{
		{"no file", nil},
		{"empty content", &job.Upload{Name: "users.csv"}},
		{"unsupported extension", &job.Upload{Name: "users.txt", Content: []byte("x")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.CreateImport(context.Background(), job.ImportParams{EntityType: job.EntityUsers, File: tt.file})
			if !errors.Is(err, job.ErrValidation) {
				t.Errorf("err = %v, want ValidationError", err)
			}
		})
	}
	if n := hits.Load(); n != 0 {
		t.Errorf("server hits = %d, want 0", n)
	}
}

func TestBulkImport(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
			return
		}
		files := r.MultipartForm.File["files"]
		types := r.MultipartForm.Value["entityTypes"]
		if len(files) != 2 || len(types) != 2 {
			t.Errorf("got %d files and %d entity types, want 2 each", len(files), len(types))
		}
		writeJSON(w, http.StatusCreated, map[string][]string{"importJobIds": {"imp_1", "imp_2"}})
	})

	second := validImport()
	second.EntityType = job.EntityProducts
	second.File = &job.Upload{Name: "products.json", Content: []byte("[]")}
	ids, err := c.BulkImport(context.Background(), []job.ImportParams{validImport(), second})
	if err != nil {
		t.Fatalf("BulkImport: %v", err)
	}
	if len(ids) != 2 || ids[0] != "imp_1" || ids[1] != "imp_2" {
		t.Errorf("ids = %v", ids)
	}
}

func TestBulkImport_IDCountMismatch(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string][]string{"importJobIds": {"imp_1"}})
	})
	second := validImport()
	_, err := c.BulkImport(context.Background(), []job.ImportParams{validImport(), second})
	if !errors.Is(err, job.ErrTransport) {
		t.Errorf("err = %v, want TransportError", err)
	}
}

func TestExportStatus_ErrorMapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		status int
		body   string
		want   error
		msg    string
	}{
		{"not found", http.StatusNotFound, `{"error":"job not found"}`, job.ErrNotFound, ""},
		{"server error json", http.StatusInternalServerError, `{"message":"database down"}`, job.ErrTransport, "database down"},
		{"server error text", http.StatusBadGateway, "upstream gone\n", job.ErrTransport, "upstream gone"},
		{"bad request", http.StatusBadRequest, `{"error":"bad id"}`, job.ErrTransport, "bad id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body) //nolint:errcheck
			})
			_, err := c.ExportStatus(context.Background(), "exp_1")
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if tt.msg == "" {
				return
			}
			var te *job.TransportError
			if !errors.As(err, &te) {
				t.Fatalf("err = %T, want *TransportError", err)
			}
			if te.StatusCode != tt.status || te.Message != tt.msg {
				t.Errorf("got status %d message %q, want %d %q", te.StatusCode, te.Message, tt.status, tt.msg)
			}
		})
	}
}

func TestExportStatus_Snapshot(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.EscapedPath(); got != "/export/exp%201/status" {
			t.Errorf("path = %s", got)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":           "processing",
			"progress":         40,
			"processedRecords": 400,
			"totalRecords":     1000,
		})
	})
	snap, err := c.ExportStatus(context.Background(), "exp 1")
	if err != nil {
		t.Fatalf("ExportStatus: %v", err)
	}
	if snap.ID != "exp 1" || snap.Kind != job.KindExport {
		t.Errorf("id/kind = %q/%q", snap.ID, snap.Kind)
	}
	if snap.Status != job.StatusProcessing || snap.Progress != 40 {
		t.Errorf("status/progress = %s/%d", snap.Status, snap.Progress)
	}
}

func TestTimeoutIsTransportError(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}, WithTimeout(30*time.Millisecond))

	_, err := c.CreateExport(context.Background(), validExport())
	if !errors.Is(err, job.ErrTransport) {
		t.Fatalf("err = %v, want TransportError", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want cause DeadlineExceeded", err)
	}
}

func TestDownloadExport_NotReady(t *testing.T) {
	t.Parallel()
	for _, status := range []job.Status{job.StatusPending, job.StatusProcessing, job.StatusFailed} {
		t.Run(string(status), func(t *testing.T) {
			t.Parallel()
			var downloads atomic.Int32
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/export/exp_1/download" {
					downloads.Add(1)
				}
				writeJSON(w, http.StatusOK, map[string]any{"id": "exp_1", "status": status})
			})
			_, err := c.DownloadExport(context.Background(), "exp_1", io.Discard)
			var nr *job.NotReadyError
			if !errors.As(err, &nr) {
				t.Fatalf("err = %v, want NotReadyError", err)
			}
			if nr.Status != status {
				t.Errorf("NotReadyError.Status = %s, want %s", nr.Status, status)
			}
			if downloads.Load() != 0 {
				t.Error("download endpoint should not be called")
			}
		})
	}
}

func TestDownloadExport_Completed(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/export/exp_1/status":
			writeJSON(w, http.StatusOK, map[string]any{"id": "exp_1", "status": "completed", "progress": 100})
		case "/export/exp_1/download":
			w.Header().Set("Content-Disposition", `attachment; filename="../../customers-2026.csv"`)
			io.WriteString(w, "id,email\n1,a@b.c\n") //nolint:errcheck
		default:
			http.NotFound(w, r)
		}
	})

	var buf bytes.Buffer
	name, err := c.DownloadExport(context.Background(), "exp_1", &buf)
	if err != nil {
		t.Fatalf("DownloadExport: %v", err)
	}
	if name != "customers-2026.csv" {
		t.Errorf("name = %q, want customers-2026.csv", name)
	}
	if buf.String() != "id,email\n1,a@b.c\n" {
		t.Errorf("body = %q", buf.String())
	}
}

func TestDownloadExport_ExpiredIsTransportError(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/export/exp_1/status" {
			writeJSON(w, http.StatusOK, map[string]any{"id": "exp_1", "status": "completed"})
			return
		}
		writeJSON(w, http.StatusGone, map[string]string{"error": "download link expired"})
	})
	_, err := c.DownloadExport(context.Background(), "exp_1", io.Discard)
	var te *job.TransportError
	if !errors.As(err, &te) || te.StatusCode != http.StatusGone {
		t.Errorf("err = %v, want TransportError with status 410", err)
	}
}

func TestAttachmentName(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"", "fallback"},
		{`attachment; filename="report.xlsx"`, "report.xlsx"},
		{`attachment; filename="/etc/passwd"`, "passwd"},
		{`attachment`, "fallback"},
		{`attachment; filename=".."`, "fallback"},
		{`not a header;;`, "fallback"},
	}
	for _, tt := range tests {
		if got := attachmentName(tt.header, "fallback"); got != tt.want {
			t.Errorf("attachmentName(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestListExports_QueryEncoding(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("page") != "2" || q.Get("limit") != "100" || q.Get("status") != "completed" || q.Get("entityType") != "orders" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"data":       []map[string]any{{"id": "exp_1", "status": "completed"}},
			"total":      1,
			"page":       2,
			"limit":      100,
			"totalPages": 1,
		})
	})
	page, err := c.ListExports(context.Background(), job.ListQuery{
		Page:       2,
		Limit:      500,
		Status:     job.StatusCompleted,
		EntityType: job.EntityOrders,
	})
	if err != nil {
		t.Fatalf("ListExports: %v", err)
	}
	if len(page.Data) != 1 || page.Data[0].Kind != job.KindExport {
		t.Errorf("page = %+v", page)
	}
}

func TestCleanup(t *testing.T) {
	t.Parallel()
	c, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Query().Get("days") != "30" {
			t.Errorf("got %s %s", r.Method, r.URL)
		}
		writeJSON(w, http.StatusOK, map[string]int{"deletedCount": 7})
	})

	if _, err := c.Cleanup(context.Background(), 0); !errors.Is(err, job.ErrValidation) {
		t.Errorf("Cleanup(0) err = %v, want ValidationError", err)
	}
	if hits.Load() != 0 {
		t.Fatal("Cleanup(0) reached the server")
	}
	n, err := c.Cleanup(context.Background(), 30)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n != 7 {
		t.Errorf("deleted = %d, want 7", n)
	}
}

func TestTemplates_CRUD(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/templates/export":
			if r.URL.Query().Get("entityType") != "users" {
				t.Errorf("query = %s", r.URL.RawQuery)
			}
			writeJSON(w, http.StatusOK, []map[string]any{{"id": "tpl_1", "name": "basic", "entityType": "users", "fields": []string{"id"}}})
		case r.Method == http.MethodPost && r.URL.Path == "/templates/export":
			var in job.ExportTemplate
			json.NewDecoder(r.Body).Decode(&in) //nolint:errcheck
			in.ID = "tpl_2"
			writeJSON(w, http.StatusCreated, in)
		case r.Method == http.MethodDelete && r.URL.Path == "/templates/export/missing":
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "template not found"})
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
	})
	ctx := context.Background()

	list, err := c.ListExportTemplates(ctx, job.EntityUsers)
	if err != nil || len(list) != 1 || list[0].ID != "tpl_1" {
		t.Fatalf("ListExportTemplates = %v, %v", list, err)
	}

	created, err := c.CreateExportTemplate(ctx, job.ExportTemplate{Name: "mine", EntityType: job.EntityUsers, Fields: []string{"id"}})
	if err != nil || created.ID != "tpl_2" || created.Name != "mine" {
		t.Fatalf("CreateExportTemplate = %+v, %v", created, err)
	}

	if _, err := c.CreateExportTemplate(ctx, job.ExportTemplate{EntityType: job.EntityUsers}); !errors.Is(err, job.ErrValidation) {
		t.Errorf("invalid template err = %v, want ValidationError", err)
	}

	err = c.DeleteExportTemplate(ctx, "missing")
	var nf *job.NotFoundError
	if !errors.As(err, &nf) || nf.ID != "missing" {
		t.Errorf("DeleteExportTemplate err = %v, want NotFoundError", err)
	}
}

func TestGenerateImportTemplate(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/templates/import/customers/generate" {
			t.Errorf("path = %s", r.URL.Path)
		}
		io.WriteString(w, "id,email,name\n") //nolint:errcheck
	})
	var buf bytes.Buffer
	name, err := c.GenerateImportTemplate(context.Background(), job.EntityCustomers, &buf)
	if err != nil {
		t.Fatalf("GenerateImportTemplate: %v", err)
	}
	if name != "customers-import-template.csv" || buf.String() != "id,email,name\n" {
		t.Errorf("got %q %q", name, buf.String())
	}
	if _, err := c.GenerateImportTemplate(context.Background(), "planets", io.Discard); !errors.Is(err, job.ErrValidation) {
		t.Errorf("unknown entity err = %v, want ValidationError", err)
	}
}

func TestBreaker_FailsFastAfterRepeated5xx(t *testing.T) {
	t.Parallel()
	c, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}, WithBreaker())

	for range 5 {
		if _, err := c.ExportStatus(context.Background(), "exp_1"); !errors.Is(err, job.ErrTransport) {
			t.Fatalf("err = %v, want TransportError", err)
		}
	}
	before := hits.Load()
	_, err := c.ExportStatus(context.Background(), "exp_1")
	if !errors.Is(err, job.ErrTransport) {
		t.Fatalf("err = %v, want TransportError", err)
	}
	if hits.Load() != before {
		t.Error("open breaker should reject without reaching the server")
	}
}

func TestUnauthorizedIsTransportError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
	}))
	t.Cleanup(srv.Close)

	_, err := New(srv.URL).ListImports(context.Background(), job.ListQuery{})
	var te *job.TransportError
	if !errors.As(err, &te) || te.StatusCode != http.StatusUnauthorized || te.Message != "invalid token" {
		t.Errorf("err = %v, want 401 TransportError", err)
	}
}
