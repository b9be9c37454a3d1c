package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/polos-dev/polos-sub001/internal/definition"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, "test-key", WithRateLimit(1000, 1000))
}

func TestRegisterWorkerParsesWorkerID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/workers/register" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got == "" {
			t.Fatal("expected Authorization header to be set")
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"worker_id": "w-123"})
	})

	id, err := c.RegisterWorker(context.Background(), RegisterWorkerRequest{DeploymentID: "dep-1", Mode: "push"})
	if err != nil {
		t.Fatal(err)
	}
	if id != "w-123" {
		t.Fatalf("expected worker id w-123, got %q", id)
	}
}

func TestDiscarded409(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte("reassigned"))
	})

	err := c.CompleteExecution(context.Background(), "exec-1", "w-1", "ok", nil)
	if err == nil {
		t.Fatal("expected an error from a 409 response")
	}
	if !Discarded409(err) {
		t.Fatalf("expected Discarded409 to recognize the 409, got %v", err)
	}
}

func TestNon409ErrorIsNotDiscarded(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	err := c.CompleteExecution(context.Background(), "exec-1", "w-1", "ok", nil)
	if err == nil {
		t.Fatal("expected an error from a 500 response")
	}
	if Discarded409(err) {
		t.Fatal("did not expect a 500 to be classified as a discarded 409")
	}
}

func TestLoadSessionMemoryMissingReturnsEmpty(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mem, err := c.LoadSessionMemory(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("expected 404 to be treated as empty memory, got error: %v", err)
	}
	if len(mem.Messages) != 0 {
		t.Fatalf("expected empty memory, got %+v", mem)
	}
}

func TestLoadStepResultsMissingReturnsNil(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	steps, err := c.LoadStepResults(context.Background(), "exec-1")
	if err != nil {
		t.Fatalf("expected 404 to be treated as nil steps, got error: %v", err)
	}
	if steps != nil {
		t.Fatalf("expected nil steps, got %+v", steps)
	}
}

func TestLoadStepResultsRoundTrip(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"steps": []definition.StepResult{{Key: "x", Value: float64(42)}},
		})
	})
	steps, err := c.LoadStepResults(context.Background(), "exec-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 1 || steps[0].Key != "x" {
		t.Fatalf("unexpected steps: %+v", steps)
	}
}

func TestHeartbeatReportsReRegister(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]bool{"re_register": true})
	})
	reReg, err := c.Heartbeat(context.Background(), "w-1")
	if err != nil {
		t.Fatal(err)
	}
	if !reReg {
		t.Fatal("expected re_register=true to be surfaced")
	}
}
