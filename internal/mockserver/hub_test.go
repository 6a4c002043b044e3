package mockserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jobtrack/jobtrack/internal/job"
)

func dialHub(t *testing.T, s *Server, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	header := http.Header{"Authorization": {"Bearer " + testToken}}
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", header)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	waitPeers(t, s, 1)
	return conn
}

func waitPeers(t *testing.T, s *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.Hub().Peers() != n {
		if time.Now().After(deadline) {
			t.Fatalf("peers = %d, want %d", s.Hub().Peers(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) (job.EventType, map[string]any) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var f struct {
		Event job.EventType  `json:"event"`
		Data  map[string]any `json:"data"`
	}
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("Unmarshal %s: %v", data, err)
	}
	return f.Event, f.Data
}

func TestHub_PublishesHookEventsInOrder(t *testing.T) {
	t.Parallel()
	s, ts := newTestServer(t)
	conn := dialHub(t, s, ts)
	id := seedExport(s, 4)

	s.Progress(job.KindExport, id, 1) //nolint:errcheck
	s.Progress(job.KindExport, id, 3) //nolint:errcheck
	s.Complete(job.KindExport, id)    //nolint:errcheck

	want := []struct {
		event    job.EventType
		progress float64
	}{
		{job.EventExportProgress, 25},
		{job.EventExportProgress, 75},
		{job.EventExportCompleted, 0},
	}
	for _, w := range want {
		ev, data := readFrame(t, conn)
		if ev != w.event || data["jobId"] != id {
			t.Fatalf("frame = %s %v, want %s", ev, data, w.event)
		}
		if w.progress > 0 && data["progress"] != w.progress {
			t.Errorf("progress = %v, want %v", data["progress"], w.progress)
		}
	}
}

func TestHub_FailEvent(t *testing.T) {
	t.Parallel()
	s, ts := newTestServer(t)
	conn := dialHub(t, s, ts)
	id := seedImport(s, 4)

	s.Fail(job.KindImport, id, "bad header") //nolint:errcheck
	ev, data := readFrame(t, conn)
	if ev != job.EventImportFailed || data["errorMessage"] != "bad header" {
		t.Errorf("frame = %s %v", ev, data)
	}
}

func TestHub_RejectsUnauthenticatedUpgrade(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t)
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err == nil {
		t.Fatal("Dial succeeded without a token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("resp = %v, want 401", resp)
	}
}

func TestHub_DropAllAndClose(t *testing.T) {
	t.Parallel()
	s, ts := newTestServer(t)
	conn := dialHub(t, s, ts)

	s.Hub().DropAll()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("read succeeded on a dropped connection")
	}
	waitPeers(t, s, 0)

	second := dialHub(t, s, ts)
	s.Close()
	second.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	if _, _, err := second.ReadMessage(); err == nil {
		t.Error("read succeeded after Close")
	}
	// Publishing after Close must not block.
	s.Hub().Publish(job.EventExportFailed, job.FailedEvent{JobID: "x"})
}
