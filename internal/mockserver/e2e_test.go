package mockserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jobtrack/jobtrack/internal/client"
	"github.com/jobtrack/jobtrack/internal/job"
	"github.com/jobtrack/jobtrack/internal/mockserver"
	"github.com/jobtrack/jobtrack/internal/notify"
	"github.com/jobtrack/jobtrack/internal/registry"
	"github.com/jobtrack/jobtrack/internal/relay"
)

const token = "e2e-token"

type stack struct {
	srv   *mockserver.Server
	api   *client.Client
	relay *relay.Relay
	reg   *registry.Registry
}

func newStack(t *testing.T) *stack {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := mockserver.New(mockserver.WithTokens(token), mockserver.WithExportRecords(4), mockserver.WithLogger(log))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})

	api := client.New(ts.URL, client.WithToken(token), client.WithTimeout(5*time.Second), client.WithLogger(log))
	rl := relay.New("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws",
		relay.WithToken(token),
		relay.WithBackoff(5*time.Millisecond, 20*time.Millisecond),
		relay.WithLogger(log),
	)
	t.Cleanup(rl.Disconnect)
	reg := registry.New(api, registry.WithLogger(log))
	t.Cleanup(reg.Attach(rl))

	if err := rl.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, func() bool { return srv.Hub().Peers() == 1 })
	return &stack{srv: srv, api: api, relay: rl, reg: reg}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func collect(t *testing.T, ch <-chan registry.Update) []registry.Update {
	t.Helper()
	var out []registry.Update
	timeout := time.After(3 * time.Second)
	for {
		select {
		case u, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, u)
		case <-timeout:
			t.Fatal("watch channel was not closed")
			return out
		}
	}
}

func TestExportFlow_PushToDownload(t *testing.T) {
	t.Parallel()
	st := newStack(t)
	ctx := context.Background()

	id, err := st.reg.CreateExport(ctx, job.ExportParams{
		EntityType: job.EntityCustomers,
		Format:     job.FormatCSV,
		Fields:     []string{"id", "email"},
		CustomName: "q1",
	})
	if err != nil {
		t.Fatalf("CreateExport: %v", err)
	}
	ch, err := st.reg.Watch(job.KindExport, id)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	var buf bytes.Buffer
	if _, err := st.api.DownloadExport(ctx, id, &buf); !errors.Is(err, job.ErrNotReady) {
		t.Fatalf("early download err = %v, want NotReady", err)
	}

	st.srv.Progress(job.KindExport, id, 2) //nolint:errcheck
	st.srv.Complete(job.KindExport, id)    //nolint:errcheck

	updates := collect(t, ch)
	last := updates[len(updates)-1].Export
	if last.Status != job.StatusCompleted || last.Progress != 100 || last.ProcessedRecords != 4 || last.DownloadURL == "" {
		t.Fatalf("final update = %+v", last)
	}
	var sawHalf bool
	for _, u := range updates {
		if u.Export.Progress == 50 {
			sawHalf = true
		}
	}
	if !sawHalf {
		t.Error("progress update was not delivered")
	}

	name, err := st.api.DownloadExport(ctx, id, &buf)
	if err != nil {
		t.Fatalf("DownloadExport: %v", err)
	}
	if name != "q1-"+id+".csv" || !strings.HasPrefix(buf.String(), "id,email\n") {
		t.Errorf("download = %q, %q", name, buf.String())
	}
}

func TestImportFlow_FailurePush(t *testing.T) {
	t.Parallel()
	st := newStack(t)
	ctx := context.Background()

	id, err := st.reg.CreateImport(ctx, job.ImportParams{
		EntityType: job.EntityUsers,
		File:       &job.Upload{Name: "users.csv", Content: []byte("email\na@x.io\nb@x.io\n")},
	})
	if err != nil {
		t.Fatalf("CreateImport: %v", err)
	}
	st.srv.Fail(job.KindImport, id, "bad header") //nolint:errcheck

	waitFor(t, func() bool {
		i, ok := st.reg.Import(id)
		return ok && i.Status == job.StatusFailed
	})
	i, _ := st.reg.Import(id)
	if i.ErrorMessage != "bad header" || i.CompletedAt == nil {
		t.Errorf("import = %+v", i)
	}
	if _, ok := st.reg.Export(id); ok {
		t.Error("import id leaked into the export namespace")
	}
}

func TestReconnect_ReconcilesMissedCompletion(t *testing.T) {
	t.Parallel()
	st := newStack(t)
	ctx := context.Background()

	id, err := st.reg.CreateExport(ctx, job.ExportParams{
		EntityType: job.EntityOrders,
		Format:     job.FormatJSON,
		Fields:     []string{"id"},
	})
	if err != nil {
		t.Fatalf("CreateExport: %v", err)
	}

	// Drop the push channel and finish the job before the relay is back, so
	// the completion event is never delivered.
	st.srv.Hub().DropAll()
	st.srv.Complete(job.KindExport, id) //nolint:errcheck

	waitFor(t, func() bool {
		e, ok := st.reg.Export(id)
		return ok && e.Status == job.StatusCompleted
	})
	if e, _ := st.reg.Export(id); e.DownloadURL == "" || e.Progress != 100 {
		t.Errorf("reconciled export = %+v", e)
	}
}

func TestBulkImport_TracksEveryFile(t *testing.T) {
	t.Parallel()
	st := newStack(t)
	ids, err := st.reg.CreateBulkImport(context.Background(), []job.ImportParams{
		{EntityType: job.EntityProducts, File: &job.Upload{Name: "p.json", Content: []byte(`[{"sku":"a"}]`)}},
		{EntityType: job.EntityReviews, File: &job.Upload{Name: "r.csv", Content: []byte("rating\n5\n")}},
	})
	if err != nil {
		t.Fatalf("CreateBulkImport: %v", err)
	}
	if len(ids) != 2 || len(st.reg.ActiveImports()) != 2 {
		t.Fatalf("ids = %v, active = %d", ids, len(st.reg.ActiveImports()))
	}
	for _, id := range ids {
		st.srv.Complete(job.KindImport, id) //nolint:errcheck
	}
	waitFor(t, func() bool {
		for _, i := range st.reg.ActiveImports() {
			if i.Status != job.StatusCompleted || i.SuccessCount != 1 {
				return false
			}
		}
		return true
	})
}

func TestHistoryAndDelete(t *testing.T) {
	t.Parallel()
	st := newStack(t)
	ctx := context.Background()
	p := job.ExportParams{EntityType: job.EntityUsers, Format: job.FormatCSV, Fields: []string{"id"}}
	keep, _ := st.reg.CreateExport(ctx, p)
	gone, _ := st.reg.CreateExport(ctx, p)

	page, err := st.reg.FetchExportHistory(ctx, job.ListQuery{})
	if err != nil {
		t.Fatalf("FetchExportHistory: %v", err)
	}
	if page.Total != 2 || page.Limit != 20 {
		t.Errorf("page = %+v", page)
	}

	if err := st.reg.DeleteExport(ctx, gone); err != nil {
		t.Fatalf("DeleteExport: %v", err)
	}
	if _, ok := st.reg.Export(gone); ok {
		t.Error("deleted export still active")
	}
	if h := st.reg.ExportHistory(); h.Total != 1 || h.Data[0].ID != keep {
		t.Errorf("history after delete = %+v", h)
	}
	if err := st.reg.DeleteExport(ctx, gone); !errors.Is(err, job.ErrNotFound) {
		t.Errorf("second delete err = %v, want NotFound", err)
	}
}

func TestNotifier_PostsOnCompletion(t *testing.T) {
	t.Parallel()
	st := newStack(t)
	ctx := context.Background()

	var (
		mu  sync.Mutex
		got []notify.Payload
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p notify.Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err == nil {
			mu.Lock()
			got = append(got, p)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(hook.Close)
	n, err := notify.New(hook.URL, notify.AllowPrivate())
	if err != nil {
		t.Fatalf("notify.New: %v", err)
	}

	id, err := st.reg.CreateExport(ctx, job.ExportParams{EntityType: job.EntityUsers, Format: job.FormatCSV, Fields: []string{"id"}})
	if err != nil {
		t.Fatalf("CreateExport: %v", err)
	}
	ch, _ := st.reg.Watch(job.KindExport, id)
	done := make(chan struct{})
	go func() {
		defer close(done)
		n.Track(ctx, ch)
	}()

	st.srv.Complete(job.KindExport, id) //nolint:errcheck
	<-done
	n.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].JobID != id || got[0].Kind != job.KindExport || got[0].Status != job.StatusCompleted {
		t.Errorf("payloads = %+v", got)
	}
}
