package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"medi/internal/batch"
	"medi/internal/db"
)

type fixedSource batch.Snapshot

func (f fixedSource) Snapshot() batch.Snapshot { return batch.Snapshot(f) }

func testSnapshot() fixedSource {
	return fixedSource{
		Generation: 3,
		Stage:      batch.StageGeneration,
		Jobs: []batch.Job{
			{ID: "a", Status: batch.StatusQueued},
			{ID: "b", Status: batch.StatusRetrying},
			{ID: "c", Status: batch.StatusRunning, LaneID: 1},
			{ID: "d", Status: batch.StatusCompleted},
		},
		Lanes: []batch.Lane{{ID: 1, Status: batch.LaneBusy, CurrentJobID: "c"}},
	}
}

func TestHealth_OK(t *testing.T) {
	t.Parallel()

	srv := New(testSnapshot(), nil, nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		t.Fatalf("unexpected content type %q", rec.Header().Get("Content-Type"))
	}

	var got struct {
		Status        string `json:"status"`
		UptimeSeconds int    `json:"uptime_seconds"`
		Stage         string `json:"stage"`
		QueueDepth    int    `json:"queue_depth"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Status != "running" || got.Stage != "generation" {
		t.Fatalf("unexpected health %+v", got)
	}
	if got.QueueDepth != 2 {
		t.Fatalf("expected queue depth 2 (queued + retrying), got %d", got.QueueDepth)
	}
	if got.UptimeSeconds < 0 {
		t.Fatalf("expected non-negative uptime, got %d", got.UptimeSeconds)
	}
}

func TestBatchReturnsSnapshot(t *testing.T) {
	t.Parallel()

	srv := New(testSnapshot(), nil, nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/batch", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}

	var got batch.Snapshot
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if got.Generation != 3 || len(got.Jobs) != 4 || got.Lanes[0].CurrentJobID != "c" {
		t.Fatalf("unexpected snapshot %+v", got)
	}
}

func TestOptionalRoutesDisabled(t *testing.T) {
	t.Parallel()

	srv := New(testSnapshot(), nil, nil)
	for _, path := range []string{"/metrics", "/batches"} {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404 without backing service, got %d", path, rec.Code)
		}
	}
}

func TestMetricsRoute(t *testing.T) {
	t.Parallel()

	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "medi_jobs_total 1\n")
	})
	srv := New(testSnapshot(), nil, metrics)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "medi_jobs_total") {
		t.Fatalf("unexpected metrics response %d %q", rec.Code, rec.Body.String())
	}
}

func TestBatchesFromStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store, err := db.Open(filepath.Join(t.TempDir(), "medi.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer store.Close()
	for _, id := range []string{"b-1", "b-2"} {
		if err := store.CreateBatch(ctx, id, "notes.md", ""); err != nil {
			t.Fatalf("create batch: %v", err)
		}
	}

	srv := New(testSnapshot(), store, nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/batches?limit=1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var got []batchSummary
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].Status != db.BatchGenerating {
		t.Fatalf("unexpected batches %+v", got)
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/batches?limit=zero", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestRateLimitPerIP(t *testing.T) {
	t.Parallel()

	srv := New(testSnapshot(), nil, nil)
	limited := false
	for i := 0; i < requestsPerSecond+5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/batch", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Fatal("expected rate limiting after burst")
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(testSnapshot(), nil, nil).Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
