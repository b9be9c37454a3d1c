package worker

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

	"github.com/polos-dev/polos-sub001/internal/definition"
	"github.com/polos-dev/polos-sub001/internal/logging"
	"github.com/polos-dev/polos-sub001/internal/orchestrator"
	"github.com/polos-dev/polos-sub001/internal/registry"
)

// fakeOrchestrator is a minimal stand-in for the orchestrator's REST API,
// just enough surface for the worker's registration, heartbeat, and
// completion calls to round-trip.
type fakeOrchestrator struct {
	mu        sync.Mutex
	completed []string
	heartbeats int32
}

func (f *fakeOrchestrator) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/workers/register":
			_ = json.NewEncoder(w).Encode(map[string]string{"worker_id": "w-1"})
		case r.URL.Path == "/deployments":
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == "/agents", r.URL.Path == "/tools":
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == "/queues":
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == "/workers/w-1/online":
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == "/workers/w-1/heartbeat":
			atomic.AddInt32(&f.heartbeats, 1)
			_ = json.NewEncoder(w).Encode(map[string]bool{"re_register": false})
		case r.URL.Path == "/executions/exec-1/steps":
			w.WriteHeader(http.StatusNotFound)
		case r.URL.Path == "/executions/exec-1/complete":
			f.mu.Lock()
			f.completed = append(f.completed, "exec-1")
			f.mu.Unlock()
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}
}

func TestWorkerRunsEndToEndDispatch(t *testing.T) {
	fo := &fakeOrchestrator{}
	srv := httptest.NewServer(fo.handler())
	defer srv.Close()

	client := orchestrator.New(srv.URL, "test-key")

	reg := registry.New()
	done := make(chan struct{})
	_ = reg.Register(&definition.Workflow{
		ID:   "wf-echo",
		Kind: definition.KindWorkflow,
		Handler: func(ctx context.Context, s definition.StepAPI, payload any) (any, error) {
			close(done)
			return "ok", nil
		},
	}, false)

	w := New(Config{DeploymentID: "dep-1", Port: 18532, MaxConcurrentWorkflows: 5}, client, reg, logging.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	startErr := make(chan error, 1)
	go func() { startErr <- w.Start(ctx) }()

	deadline := time.After(2 * time.Second)
	for w.State() != StateRunning {
		select {
		case <-deadline:
			t.Fatal("worker never reached running state")
		case <-time.After(10 * time.Millisecond):
		}
	}

	body, _ := json.Marshal(map[string]any{"executionId": "exec-1", "workflowId": "wf-echo"})
	resp, err := http.Post("http://127.0.0.1:18532/work", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}

	deadline = time.After(2 * time.Second)
	for {
		fo.mu.Lock()
		n := len(fo.completed)
		fo.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("execution was never reported complete")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-startErr:
		if err != nil {
			t.Fatalf("Start returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not shut down in time")
	}
	if w.State() != StateStopped {
		t.Fatalf("expected stopped state after shutdown, got %v", w.State())
	}
}

func TestIllegalTransition(t *testing.T) {
	w := New(Config{DeploymentID: "dep-1", Port: 0}, orchestrator.New("http://example.invalid", ""), registry.New(), logging.NewNop(), nil)
	if err := w.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown on a stopped worker should be a no-op, got %v", err)
	}
}
