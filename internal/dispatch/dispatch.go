// Package dispatch implements the worker's inbound push server (C14): the
// orchestrator POSTs work and cancel requests here rather than the worker
// polling, so this package owns dedup, bounded concurrency, and handing each
// accepted execution to a Runner (spec §4.6 "Dispatch").
package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/polos-dev/polos-sub001/internal/definition"
	"github.com/polos-dev/polos-sub001/internal/logging"
)

// claimTTL bounds how long a dedup claim survives if the owning delivery
// never calls Release (e.g. the process crashes mid-execution).
const claimTTL = 10 * time.Minute

// WorkRequest is the orchestrator's inbound dispatch payload (spec §6).
type WorkRequest struct {
	ExecutionID       string          `json:"executionId"`
	WorkflowID        string          `json:"workflowId"`
	DeploymentID      string          `json:"deploymentId"`
	RootExecutionID   string          `json:"rootExecutionId"`
	RootWorkflowID    string          `json:"rootWorkflowId"`
	ParentExecutionID string          `json:"parentExecutionId"`
	RetryCount        int             `json:"retryCount"`
	SessionID         string          `json:"sessionId"`
	UserID            string          `json:"userId"`
	Payload           json.RawMessage `json:"payload"`
	InitialState      json.RawMessage `json:"initialState"`
	RunTimeoutSeconds int             `json:"runTimeoutSeconds"`
}

// CancelRequest is the orchestrator's inbound cancel payload.
type CancelRequest struct {
	ExecutionID string `json:"executionId"`
}

// ExecutionContext converts req into the ambient ExecutionContext a Runner
// threads through the executor.
func (req WorkRequest) ExecutionContext() definition.ExecutionContext {
	var initialState any
	if len(req.InitialState) > 0 {
		_ = json.Unmarshal(req.InitialState, &initialState)
	}
	return definition.ExecutionContext{
		ExecutionID:       req.ExecutionID,
		RootExecutionID:   req.RootExecutionID,
		ParentExecutionID: req.ParentExecutionID,
		WorkflowID:        req.WorkflowID,
		RootWorkflowID:    req.RootWorkflowID,
		DeploymentID:      req.DeploymentID,
		RetryCount:        req.RetryCount,
		SessionID:         req.SessionID,
		UserID:            req.UserID,
		InitialState:      initialState,
		RunTimeoutSeconds: req.RunTimeoutSeconds,
		CreatedAt:         time.Now(),
	}
}

// Runner executes one dispatched work request to completion (including
// reporting its outcome back to the orchestrator) and handles cancellation
// of an in-flight execution. The worker package (C15) supplies the concrete
// implementation; this package only owns the HTTP surface, dedup, and
// concurrency bound around it.
type Runner interface {
	// Run resolves the workflow, runs it to an OK/WAIT/CANCELLED/FAIL
	// outcome, and reports that outcome to the orchestrator. ctx is
	// cancelled when Cancel(executionID) is called.
	Run(ctx context.Context, req WorkRequest)
	// Cancel requests that an in-flight execution stop. It reports
	// whether an execution with that id was found running locally.
	Cancel(executionID string) (found bool)
}

// Server is the worker's inbound HTTP surface. It bounds concurrency with a
// semaphore sized to maxConcurrentWorkflows and dedups deliveries so an
// orchestrator retry never runs the same execution twice concurrently.
type Server struct {
	runner Runner
	dedup  Dedup
	logger logging.Logger
	sem    chan struct{}

	mu       sync.Mutex
	cancels  map[string]context.CancelFunc
	inflight map[string]struct{}
}

// NewServer constructs a Server. maxConcurrent bounds how many executions
// this worker runs at once (spec §4.6 default 100); requests beyond the
// bound are rejected with 503 so the orchestrator redispatches elsewhere.
func NewServer(runner Runner, dedup Dedup, maxConcurrent int, logger logging.Logger) *Server {
	if maxConcurrent <= 0 {
		maxConcurrent = 100
	}
	return &Server{
		runner:   runner,
		dedup:    dedup,
		logger:   logger,
		sem:      make(chan struct{}, maxConcurrent),
		cancels:  make(map[string]context.CancelFunc),
		inflight: make(map[string]struct{}),
	}
}

// Handler returns an http.Handler exposing POST /work and POST /cancel.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/work", s.handleWork)
	mux.HandleFunc("/cancel", s.handleCancel)
	return mux
}

func (s *Server) handleWork(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req WorkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if req.ExecutionID == "" || req.WorkflowID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	claimed, err := s.dedup.TryClaim(r.Context(), req.ExecutionID, claimTTL)
	if err != nil {
		s.logger.Error(r.Context(), "dispatch: dedup claim failed", err, "executionId", req.ExecutionID)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !claimed {
		writeJSON(w, http.StatusOK, map[string]any{"accepted": false, "reason": "duplicate"})
		return
	}

	select {
	case s.sem <- struct{}{}:
	default:
		_ = s.dedup.Release(r.Context(), req.ExecutionID)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"accepted": false, "reason": "at_capacity"})
		return
	}

	runCtx, cancel := context.WithCancel(context.Background())
	if req.RunTimeoutSeconds > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, time.Duration(req.RunTimeoutSeconds)*time.Second)
	}
	s.mu.Lock()
	s.cancels[req.ExecutionID] = cancel
	s.inflight[req.ExecutionID] = struct{}{}
	s.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			<-s.sem
			s.mu.Lock()
			delete(s.cancels, req.ExecutionID)
			delete(s.inflight, req.ExecutionID)
			s.mu.Unlock()
			_ = s.dedup.Release(context.Background(), req.ExecutionID)
		}()
		s.runner.Run(runCtx, req)
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	cancel, ok := s.cancels[req.ExecutionID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	found := s.runner.Cancel(req.ExecutionID)
	writeJSON(w, http.StatusOK, map[string]any{"accepted": ok || found})
}

// ActiveCount reports how many executions this server is currently running,
// used by the worker's graceful shutdown to know when draining is complete.
func (s *Server) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// CancelAll requests cancellation of every in-flight execution, used during
// worker shutdown (spec §4.6 "abort every active execution").
func (s *Server) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.cancels {
		cancel()
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
