package mockserver

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jobtrack/jobtrack/internal/job"
)

// seedExport stores a pending export directly and returns its id.
func seedExport(s *Server, total int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := &job.ExportJob{Job: s.newJob(job.KindExport, job.EntityOrders, total), Format: job.FormatCSV}
	s.exports[e.ID] = e
	return e.ID
}

func seedImport(s *Server, total int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.newImport(job.ImportParams{
		EntityType: job.EntityUsers,
		File:       &job.Upload{Name: "u.csv", Content: []byte("x")},
	}, total).ID
}

func TestHooks_Errors(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)
	id := seedExport(s, 10)

	if err := s.Progress(job.KindExport, "nope", 1); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("Progress unknown = %v", err)
	}
	if err := s.Complete("report", id); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("Complete bad kind = %v", err)
	}
	if err := s.Fail(job.KindExport, id, "boom"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	for _, err := range []error{
		s.Progress(job.KindExport, id, 5),
		s.Complete(job.KindExport, id),
		s.Fail(job.KindExport, id, "again"),
	} {
		if !errors.Is(err, ErrFinished) {
			t.Errorf("hook on failed job = %v, want ErrFinished", err)
		}
	}
	if err := s.RejectRow(id, job.ImportError{}); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("RejectRow on an export id = %v, want ErrUnknownJob", err)
	}
}

func TestProgress_NeverMovesBackward(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)
	id := seedImport(s, 8)

	for _, n := range []int{6, 2, 50} {
		if err := s.Progress(job.KindImport, id, n); err != nil {
			t.Fatalf("Progress(%d): %v", n, err)
		}
	}

	s.mu.Lock()
	i := s.imports[id].Clone()
	s.mu.Unlock()
	if i.ProcessedRecords != 8 || i.Progress != 100 || i.Status != job.StatusProcessing {
		t.Errorf("import = %+v", i.Job)
	}
}

func TestRejectRow_WarningsDoNotCount(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)
	id := seedImport(s, 4)
	_ = s.RejectRow(id, job.ImportError{Row: 1, Field: "email", Message: "bad"})
	_ = s.RejectRow(id, job.ImportError{Row: 2, Field: "phone", Message: "odd", Severity: job.SeverityWarning})
	_ = s.Complete(job.KindImport, id)

	s.mu.Lock()
	i := s.imports[id].Clone()
	s.mu.Unlock()
	if i.ErrorCount != 1 || i.SuccessCount != 3 || len(i.Errors) != 2 {
		t.Errorf("import = %+v", i)
	}
}

func TestSimulate_DrivesJobsToCompletion(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)
	exp := seedExport(s, 10)
	imp := seedImport(s, 3)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Simulate(ctx, time.Millisecond, 4)
	}()

	deadline := time.After(2 * time.Second)
	for {
		s.mu.Lock()
		finished := s.exports[exp].Status == job.StatusCompleted && s.imports[imp].Status == job.StatusCompleted
		s.mu.Unlock()
		if finished {
			break
		}
		select {
		case <-deadline:
			t.Fatal("jobs did not complete")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestCountRecords(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		content string
		want    int
		wantErr bool
	}{
		{"a.csv", "h1,h2\n1,2\n3,4\n", 2, false},
		{"a.CSV", "h1\n", 0, false},
		{"a.csv", "", 0, true},
		{"a.csv", "h1,h2\n\"unterminated\n", 0, true},
		{"a.json", `[{"a":1},{"a":2},{"a":3}]`, 3, false},
		{"a.json", `{"a":1}`, 0, true},
		{"a.xlsx", "PK\x03\x04", defaultExportRecords, false},
	}
	for _, tt := range tests {
		got, err := countRecords(&job.Upload{Name: tt.name, Content: []byte(tt.content)})
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("countRecords(%q, %q) = %d, %v; want %d, err %v", tt.name, tt.content, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestRender_JSON(t *testing.T) {
	t.Parallel()
	e := &job.ExportJob{
		Job:    job.Job{ID: "exp_1", EntityType: job.EntityProducts, TotalRecords: 2},
		Format: job.FormatJSON,
		Fields: []string{"sku"},
	}
	body, ctype, ext, err := render(e)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if ctype != "application/json" || ext != "json" {
		t.Errorf("ctype = %q ext = %q", ctype, ext)
	}
	var rows []map[string]string
	if err := json.Unmarshal(body, &rows); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(rows) != 2 || rows[1]["sku"] != "products-2-sku" {
		t.Errorf("rows = %v", rows)
	}
}

func TestExportFileName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		e    job.ExportJob
		want string
	}{
		{job.ExportJob{Job: job.Job{ID: "e1", EntityType: job.EntityUsers}}, "users-e1.csv"},
		{job.ExportJob{Job: job.Job{ID: "e1", EntityType: job.EntityUsers}, CustomName: `q1/"final"`}, "q1__final_-e1.csv"},
		{job.ExportJob{Job: job.Job{ID: "e1"}}, "bulk-export-e1.csv"},
	}
	for _, tt := range tests {
		if got := exportFileName(&tt.e, "csv"); got != tt.want {
			t.Errorf("exportFileName = %q, want %q", got, tt.want)
		}
	}
}
