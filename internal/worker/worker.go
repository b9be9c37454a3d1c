// Package worker implements the end-to-end worker lifecycle (C15, spec
// §4.6): registration, heartbeating, push-mode dispatch, re-registration,
// and graceful shutdown. It is the glue between the inbound HTTP surface
// (C14, internal/dispatch) and the per-execution executor (C12).
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/polos-dev/polos-sub001/internal/definition"
	"github.com/polos-dev/polos-sub001/internal/dispatch"
	"github.com/polos-dev/polos-sub001/internal/execctx"
	"github.com/polos-dev/polos-sub001/internal/executor"
	"github.com/polos-dev/polos-sub001/internal/logging"
	"github.com/polos-dev/polos-sub001/internal/orchestrator"
	"github.com/polos-dev/polos-sub001/internal/registry"
	"github.com/polos-dev/polos-sub001/internal/stepstore"
)

// State is the worker's lifecycle state machine (spec §4.6 "stopped →
// starting → running → stopping → stopped").
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// ErrIllegalTransition is returned by Start/Shutdown when called from a
// state that does not permit them.
var ErrIllegalTransition = errors.New("worker: illegal state transition")

const (
	heartbeatPeriod      = 30 * time.Second
	defaultMaxConcurrent = 100
	shutdownDrainTimeout = 30 * time.Second
)

// Config configures a Worker.
type Config struct {
	DeploymentID           string
	Port                   int
	LocalMode              bool
	MaxConcurrentWorkflows int // 0 uses defaultMaxConcurrent
}

// Worker drives one worker process's lifecycle against an orchestrator
// Client, dispatching inbound work to workflows resolved from a Registry.
type Worker struct {
	cfg      Config
	client   *orchestrator.Client
	registry *registry.Registry
	logger   logging.Logger
	dedup    dispatch.Dedup

	mu       sync.Mutex
	state    State
	workerID string

	heartbeatCancel context.CancelFunc
	heartbeatWg     sync.WaitGroup

	httpServer *http.Server
	dispatchSv *dispatch.Server

	execMu sync.Mutex
	execs  map[string]*execctx.Context
}

// New constructs a Worker. dedup may be nil, in which case an in-process
// fallback store is used (spec §4.7: "falls back to an in-process store
// when no Redis is configured").
func New(cfg Config, client *orchestrator.Client, reg *registry.Registry, logger logging.Logger, dedup dispatch.Dedup) *Worker {
	if cfg.MaxConcurrentWorkflows <= 0 {
		cfg.MaxConcurrentWorkflows = defaultMaxConcurrent
	}
	if dedup == nil {
		dedup = dispatch.NewInProcessDedup()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Worker{
		cfg:      cfg,
		client:   client,
		registry: reg,
		logger:   logger,
		dedup:    dedup,
		state:    StateStopped,
		execs:    make(map[string]*execctx.Context),
	}
}

// State reports the worker's current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) transition(from, to State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != from {
		return fmt.Errorf("%w: cannot move to %s from %s (expected %s)", ErrIllegalTransition, to, w.state, from)
	}
	w.state = to
	return nil
}

// Start runs the registration sequence (spec §4.6 steps 1-7), binds the
// inbound dispatch server, and starts the heartbeat timer. It blocks until
// ctx is cancelled or Shutdown is called, at which point it drains active
// executions and returns.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.transition(StateStopped, StateStarting); err != nil {
		return err
	}

	if err := w.registerAll(ctx); err != nil {
		_ = w.transition(StateStarting, StateStopped)
		return fmt.Errorf("worker: registration: %w", err)
	}

	runner := &executionRunner{w: w}
	w.dispatchSv = dispatch.NewServer(runner, w.dedup, w.cfg.MaxConcurrentWorkflows, w.logger)

	addr := fmt.Sprintf(":%d", w.cfg.Port)
	if w.cfg.LocalMode {
		addr = fmt.Sprintf("127.0.0.1:%d", w.cfg.Port)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		_ = w.transition(StateStarting, StateStopped)
		return fmt.Errorf("worker: listen %s: %w", addr, err)
	}
	w.httpServer = &http.Server{Handler: w.dispatchSv.Handler()}
	go func() {
		if err := w.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.Error(context.Background(), "worker: inbound server exited", err)
		}
	}()

	if err := w.client.MarkOnline(ctx, w.workerID); err != nil {
		w.logger.Warn(ctx, "worker: mark online failed, continuing", "error", err.Error())
	}

	w.startHeartbeat()

	if err := w.transition(StateStarting, StateRunning); err != nil {
		return err
	}
	w.logger.Info(ctx, "worker: running", "workerId", w.workerID, "deploymentId", w.cfg.DeploymentID, "port", w.cfg.Port)

	<-ctx.Done()
	return w.Shutdown(context.Background())
}

// registerAll runs the registration sequence (spec §4.6 steps 2-6): worker,
// deployment, agents/tools/workflows, queues.
func (w *Worker) registerAll(ctx context.Context) error {
	defs := w.registry.List()
	var agentIDs, toolIDs, workflowIDs []string
	for _, def := range defs {
		switch def.Kind {
		case definition.KindAgent:
			agentIDs = append(agentIDs, def.ID)
		case definition.KindTool:
			toolIDs = append(toolIDs, def.ID)
		default:
			workflowIDs = append(workflowIDs, def.ID)
		}
	}

	mode := "pull"
	pushURL := ""
	if w.cfg.Port > 0 {
		mode = "push"
		pushURL = fmt.Sprintf("http://127.0.0.1:%d/work", w.cfg.Port)
	}
	workerID, err := w.client.RegisterWorker(ctx, orchestrator.RegisterWorkerRequest{
		DeploymentID:            w.cfg.DeploymentID,
		Mode:                    mode,
		AgentIDs:                agentIDs,
		ToolIDs:                 toolIDs,
		WorkflowIDs:             workflowIDs,
		MaxConcurrentExecutions: w.cfg.MaxConcurrentWorkflows,
		PushEndpointURL:         pushURL,
	})
	if err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	w.mu.Lock()
	w.workerID = workerID
	w.mu.Unlock()

	if err := w.client.RegisterDeployment(ctx, w.cfg.DeploymentID); err != nil {
		return fmt.Errorf("register deployment: %w", err)
	}

	queueLimits := make(map[string]int)
	for _, def := range defs {
		if err := w.registerOne(ctx, def); err != nil {
			return err
		}
		scheduled := def.Trigger != nil && def.Trigger.Kind == definition.TriggerCron
		if def.Queue.Name == "" || scheduled {
			continue
		}
		if cur, ok := queueLimits[def.Queue.Name]; !ok || cur == 0 || (def.Queue.ConcurrencyLimit > 0 && def.Queue.ConcurrencyLimit < cur) {
			queueLimits[def.Queue.Name] = def.Queue.ConcurrencyLimit
		}
	}

	if len(queueLimits) > 0 {
		queues := make([]orchestrator.QueueSpec, 0, len(queueLimits))
		for name, limit := range queueLimits {
			queues = append(queues, orchestrator.QueueSpec{Name: name, ConcurrencyLimit: limit})
		}
		if err := w.client.RegisterQueues(ctx, w.cfg.DeploymentID, queues); err != nil {
			w.logger.Warn(ctx, "worker: register queues failed, continuing", "error", err.Error())
		}
	}
	return nil
}

func (w *Worker) registerOne(ctx context.Context, def *definition.Workflow) error {
	switch def.Kind {
	case definition.KindAgent:
		var systemPrompt, model string
		var tools []string
		if def.Agent != nil {
			systemPrompt, model, tools = def.Agent.SystemPrompt, def.Agent.LLMModel, def.Agent.Tools
		}
		return w.client.RegisterAgent(ctx, orchestrator.AgentRegistration{
			ID: def.ID, DeploymentID: w.cfg.DeploymentID, Model: model, SystemPrompt: systemPrompt, Tools: tools,
		})
	case definition.KindTool:
		desc, params := "", map[string]any(nil)
		if def.Tool != nil {
			desc, params = def.Tool.Description, def.Tool.Parameters
		}
		return w.client.RegisterTool(ctx, orchestrator.ToolRegistration{
			ID: def.ID, DeploymentID: w.cfg.DeploymentID, ToolType: "function", Description: desc, Parameters: params,
		})
	default:
		req := orchestrator.WorkflowRegistration{WorkflowID: def.ID, WorkflowType: string(def.Kind)}
		if def.Trigger != nil {
			switch def.Trigger.Kind {
			case definition.TriggerEvent:
				req.TriggerOnEvent = def.Trigger.Topic
			case definition.TriggerCron:
				req.Scheduled = def.Trigger.Cron
			}
		}
		return w.client.RegisterWorkflow(ctx, w.cfg.DeploymentID, req)
	}
}

func (w *Worker) startHeartbeat() {
	ctx, cancel := context.WithCancel(context.Background())
	w.heartbeatCancel = cancel
	w.heartbeatWg.Add(1)
	go func() {
		defer w.heartbeatWg.Done()
		ticker := time.NewTicker(heartbeatPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.sendHeartbeat(ctx)
			}
		}
	}()
}

func (w *Worker) sendHeartbeat(ctx context.Context) {
	reReg, err := w.client.Heartbeat(ctx, w.workerID)
	if err != nil {
		w.logger.Warn(ctx, "worker: heartbeat failed", "error", err.Error())
		return
	}
	if reReg {
		w.logger.Info(ctx, "worker: heartbeat requested re-registration", "workerId", w.workerID)
		if err := w.registerAll(ctx); err != nil {
			w.logger.Error(ctx, "worker: re-registration failed", err)
		}
	}
}

// Shutdown stops the heartbeat, aborts every active execution, waits up to
// 30s for them to drain, and stops the inbound server (spec §4.6 shutdown
// sequence).
func (w *Worker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	cur := w.state
	w.mu.Unlock()
	if cur != StateRunning && cur != StateStarting {
		return nil
	}
	if err := w.transition(cur, StateStopping); err != nil {
		return err
	}

	if w.heartbeatCancel != nil {
		w.heartbeatCancel()
		w.heartbeatWg.Wait()
	}

	if w.dispatchSv != nil {
		w.dispatchSv.CancelAll()
		deadline := time.Now().Add(shutdownDrainTimeout)
		for time.Now().Before(deadline) && w.dispatchSv.ActiveCount() > 0 {
			time.Sleep(100 * time.Millisecond)
		}
	}

	if w.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = w.httpServer.Shutdown(shutdownCtx)
	}

	return w.transition(StateStopping, StateStopped)
}

// executionRunner adapts Worker into dispatch.Runner.
type executionRunner struct {
	w *Worker
}

func (r *executionRunner) Run(ctx context.Context, req dispatch.WorkRequest) {
	r.w.runExecution(ctx, req)
}

func (r *executionRunner) Cancel(executionID string) bool {
	r.w.execMu.Lock()
	cc, ok := r.w.execs[executionID]
	r.w.execMu.Unlock()
	if !ok {
		return false
	}
	cc.Cancel()
	return true
}

func (w *Worker) runExecution(ctx context.Context, req dispatch.WorkRequest) {
	def, ok := w.registry.Get(req.WorkflowID)
	if !ok {
		def, ok = registry.Global().Get(req.WorkflowID)
	}
	if !ok {
		_ = w.client.FailExecution(ctx, req.ExecutionID, w.workerID, fmt.Sprintf("unknown workflow %q", req.WorkflowID), "", false, nil)
		return
	}

	var payload any
	if len(req.Payload) > 0 {
		_ = json.Unmarshal(req.Payload, &payload)
	}

	hydrate, err := w.client.LoadStepResults(ctx, req.ExecutionID)
	if err != nil {
		w.logger.Warn(ctx, "worker: loading step cache failed, starting fresh", "executionId", req.ExecutionID, "error", err.Error())
		hydrate = nil
	}
	store := stepstore.New(hydrate...)

	runCtx, cc := execctx.New(ctx, req.ExecutionContext())
	w.execMu.Lock()
	w.execs[req.ExecutionID] = cc
	w.execMu.Unlock()
	defer func() {
		w.execMu.Lock()
		delete(w.execs, req.ExecutionID)
		w.execMu.Unlock()
	}()

	outcome := executor.Run(runCtx, cc, def, store, w.client, payload, w.logger)

	switch outcome.Kind {
	case executor.OutcomeOK:
		if err := w.client.CompleteExecution(ctx, req.ExecutionID, w.workerID, outcome.Result, outcome.FinalState); err != nil && !orchestrator.Discarded409(err) {
			w.logger.Error(ctx, "worker: report success failed", err, "executionId", req.ExecutionID)
		}
	case executor.OutcomeWait:
		// no report: the orchestrator already knows this execution is
		// parked on a sub-workflow/timer/event and will re-dispatch it.
	case executor.OutcomeCancelled:
		if err := w.client.ConfirmCancel(ctx, req.ExecutionID, w.workerID); err != nil && !orchestrator.Discarded409(err) {
			w.logger.Error(ctx, "worker: confirm cancel failed", err, "executionId", req.ExecutionID)
		}
	case executor.OutcomeFail:
		msg := ""
		if outcome.Err != nil {
			msg = outcome.Err.Error()
		}
		if err := w.client.FailExecution(ctx, req.ExecutionID, w.workerID, msg, "", outcome.Retryable, outcome.FinalState); err != nil && !orchestrator.Discarded409(err) {
			w.logger.Error(ctx, "worker: report failure failed", err, "executionId", req.ExecutionID)
		}
	}
}
