package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/polos-dev/polos-sub001/internal/logging"
)

type recordingRunner struct {
	mu      sync.Mutex
	started []string
	release chan struct{}
	calls   int32
}

func (r *recordingRunner) Run(ctx context.Context, req WorkRequest) {
	atomic.AddInt32(&r.calls, 1)
	r.mu.Lock()
	r.started = append(r.started, req.ExecutionID)
	r.mu.Unlock()
	if r.release != nil {
		<-r.release
	}
}

func (r *recordingRunner) Cancel(executionID string) bool { return true }

func postWork(t *testing.T, srv *httptest.Server, req WorkRequest) *http.Response {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(srv.URL+"/work", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestServerDedupsDuplicateDelivery(t *testing.T) {
	runner := &recordingRunner{release: make(chan struct{})}
	defer close(runner.release)

	s := NewServer(runner, NewInProcessDedup(), 10, logging.NewNop())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	req := WorkRequest{ExecutionID: "exec-1", WorkflowID: "wf-1"}

	resp1 := postWork(t, srv, req)
	if resp1.StatusCode != http.StatusAccepted {
		t.Fatalf("first delivery: expected 202, got %d", resp1.StatusCode)
	}

	// second delivery before the first completes must be rejected as a dup.
	var resp2 *http.Response
	for i := 0; i < 20; i++ {
		resp2 = postWork(t, srv, req)
		if resp2.StatusCode == http.StatusOK {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	var body map[string]any
	_ = json.NewDecoder(resp2.Body).Decode(&body)
	if body["accepted"] != false {
		t.Fatalf("expected duplicate delivery to be rejected, got %v", body)
	}

	if got := atomic.LoadInt32(&runner.calls); got != 1 {
		t.Fatalf("expected exactly 1 run, got %d", got)
	}
}

func TestServerRejectsAtCapacity(t *testing.T) {
	runner := &recordingRunner{release: make(chan struct{})}
	s := NewServer(runner, NewInProcessDedup(), 1, logging.NewNop())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp1 := postWork(t, srv, WorkRequest{ExecutionID: "exec-a", WorkflowID: "wf-1"})
	if resp1.StatusCode != http.StatusAccepted {
		t.Fatalf("expected first request accepted, got %d", resp1.StatusCode)
	}

	resp2 := postWork(t, srv, WorkRequest{ExecutionID: "exec-b", WorkflowID: "wf-1"})
	if resp2.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 at capacity, got %d", resp2.StatusCode)
	}

	close(runner.release)
}

func TestServerCancel(t *testing.T) {
	runner := &recordingRunner{release: make(chan struct{})}
	defer close(runner.release)
	s := NewServer(runner, NewInProcessDedup(), 10, logging.NewNop())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	postWork(t, srv, WorkRequest{ExecutionID: "exec-1", WorkflowID: "wf-1"})

	body, _ := json.Marshal(CancelRequest{ExecutionID: "exec-1"})
	resp, err := http.Post(srv.URL+"/cancel", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	if out["accepted"] != true {
		t.Fatalf("expected cancel accepted, got %v", out)
	}
}

func TestInProcessDedupExpires(t *testing.T) {
	d := NewInProcessDedup()
	ctx := context.Background()

	claimed, err := d.TryClaim(ctx, "x", 10*time.Millisecond)
	if err != nil || !claimed {
		t.Fatalf("expected first claim to succeed, got %v %v", claimed, err)
	}
	claimed, err = d.TryClaim(ctx, "x", 10*time.Millisecond)
	if err != nil || claimed {
		t.Fatalf("expected second claim to fail while ttl live, got %v %v", claimed, err)
	}

	time.Sleep(20 * time.Millisecond)
	claimed, err = d.TryClaim(ctx, "x", 10*time.Millisecond)
	if err != nil || !claimed {
		t.Fatalf("expected claim to succeed after ttl expiry, got %v %v", claimed, err)
	}
}

func TestInProcessDedupRelease(t *testing.T) {
	d := NewInProcessDedup()
	ctx := context.Background()

	if _, err := d.TryClaim(ctx, "y", time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := d.Release(ctx, "y"); err != nil {
		t.Fatal(err)
	}
	claimed, err := d.TryClaim(ctx, "y", time.Minute)
	if err != nil || !claimed {
		t.Fatalf("expected claim to succeed after release, got %v %v", claimed, err)
	}
}
