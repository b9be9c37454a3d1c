// Package orchestrator implements the typed HTTP client for the
// orchestrator REST API (C13, spec §6): worker/deployment/agent/tool/
// workflow/queue registration, heartbeat, event publishing, execution
// completion/failure/cancel, and session memory. Client satisfies
// step.Reporter so the step helper can report through it directly.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/polos-dev/polos-sub001/internal/definition"
	"github.com/polos-dev/polos-sub001/internal/step"
)

var _ step.Reporter = (*Client)(nil)

// Client is a rate-limited HTTP client for the orchestrator's REST API.
// Safe for concurrent use by multiple executions (spec §5 "shared
// resources").
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying *http.Client (e.g. for tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimit overrides the outbound request rate (requests/sec, burst).
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// New constructs a Client against baseURL (POLOS_API_URL), authenticated
// with apiKey (POLOS_API_KEY).
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(50), 100),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OrchestratorAPIError wraps a non-2xx response (spec §7 OrchestratorApiError).
type OrchestratorAPIError struct {
	StatusCode int
	Body       string
}

func (e *OrchestratorAPIError) Error() string {
	return fmt.Sprintf("orchestrator: http %d: %s", e.StatusCode, e.Body)
}

// Discarded409 reports whether err represents a 409 that callers must treat
// as "execution reassigned, discard silently" (spec §6, §7).
func Discarded409(err error) bool {
	var apiErr *OrchestratorAPIError
	if errAs(err, &apiErr) {
		return apiErr.StatusCode == http.StatusConflict
	}
	return false
}

func errAs(err error, target **OrchestratorAPIError) bool {
	for err != nil {
		if apiErr, ok := err.(*OrchestratorAPIError); ok {
			*target = apiErr
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("orchestrator: rate limiter: %w", err)
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("orchestrator: encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("orchestrator: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("orchestrator: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("orchestrator: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return &OrchestratorAPIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("orchestrator: decode response: %w", err)
		}
	}
	return nil
}

// RegisterWorkerRequest is the body for POST /workers/register (spec §6).
type RegisterWorkerRequest struct {
	DeploymentID            string   `json:"deploymentId"`
	ProjectID                string   `json:"projectId"`
	Mode                     string   `json:"mode"`
	AgentIDs                 []string `json:"agentIds"`
	ToolIDs                  []string `json:"toolIds"`
	WorkflowIDs              []string `json:"workflowIds"`
	MaxConcurrentExecutions  int      `json:"maxConcurrentExecutions"`
	PushEndpointURL          string   `json:"pushEndpointUrl"`
}

// RegisterWorker registers the worker and returns its assigned worker id.
func (c *Client) RegisterWorker(ctx context.Context, req RegisterWorkerRequest) (workerID string, err error) {
	body := map[string]any{
		"deploymentId": req.DeploymentID,
		"projectId":    req.ProjectID,
		"mode":         req.Mode,
		"capabilities": map[string]any{
			"runtime":     "go",
			"agentIds":    req.AgentIDs,
			"toolIds":     req.ToolIDs,
			"workflowIds": req.WorkflowIDs,
		},
		"maxConcurrentExecutions": req.MaxConcurrentExecutions,
		"pushEndpointUrl":         req.PushEndpointURL,
	}
	var out struct {
		WorkerID string `json:"worker_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/workers/register", body, &out); err != nil {
		return "", err
	}
	return out.WorkerID, nil
}

// RegisterDeployment registers the deployment id.
func (c *Client) RegisterDeployment(ctx context.Context, deploymentID string) error {
	return c.do(ctx, http.MethodPost, "/deployments", map[string]string{"deploymentId": deploymentID}, nil)
}

// AgentRegistration is the body for POST /agents.
type AgentRegistration struct {
	ID              string         `json:"id"`
	DeploymentID    string         `json:"deploymentId"`
	Provider        string         `json:"provider"`
	Model           string         `json:"model"`
	SystemPrompt    string         `json:"systemPrompt"`
	Tools           []string       `json:"tools,omitempty"`
	Temperature     float32        `json:"temperature,omitempty"`
	MaxOutputTokens int            `json:"maxOutputTokens,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// RegisterAgent registers one agent definition.
func (c *Client) RegisterAgent(ctx context.Context, req AgentRegistration) error {
	return c.do(ctx, http.MethodPost, "/agents", req, nil)
}

// ToolRegistration is the body for POST /tools.
type ToolRegistration struct {
	ID           string         `json:"id"`
	DeploymentID string         `json:"deploymentId"`
	ToolType     string         `json:"toolType"`
	Description  string         `json:"description"`
	Parameters   map[string]any `json:"parameters"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// RegisterTool registers one tool definition.
func (c *Client) RegisterTool(ctx context.Context, req ToolRegistration) error {
	return c.do(ctx, http.MethodPost, "/tools", req, nil)
}

// WorkflowRegistration is the body for POST /deployments/{id}/workflows.
type WorkflowRegistration struct {
	WorkflowID      string `json:"workflowId"`
	WorkflowType    string `json:"workflowType"`
	TriggerOnEvent  string `json:"triggerOnEvent,omitempty"`
	Scheduled       string `json:"scheduled,omitempty"`
}

// RegisterWorkflow registers one workflow entry under deploymentID.
func (c *Client) RegisterWorkflow(ctx context.Context, deploymentID string, req WorkflowRegistration) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/deployments/%s/workflows", deploymentID), req, nil)
}

// QueueSpec names one queue binding for POST /queues.
type QueueSpec struct {
	Name             string `json:"name"`
	ConcurrencyLimit int    `json:"concurrencyLimit,omitempty"`
}

// RegisterQueues registers the aggregated queue bindings collected across
// all definitions (spec §4.6 step 5).
func (c *Client) RegisterQueues(ctx context.Context, deploymentID string, queues []QueueSpec) error {
	return c.do(ctx, http.MethodPost, "/queues", map[string]any{"deploymentId": deploymentID, "queues": queues}, nil)
}

// Heartbeat pings the orchestrator; a true return means the worker must
// re-register (spec §4.6 step 8).
func (c *Client) Heartbeat(ctx context.Context, workerID string) (reRegister bool, err error) {
	var out struct {
		ReRegister bool `json:"re_register"`
	}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/workers/%s/heartbeat", workerID), nil, &out); err != nil {
		return false, err
	}
	return out.ReRegister, nil
}

// MarkOnline marks the worker as accepting dispatch.
func (c *Client) MarkOnline(ctx context.Context, workerID string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/workers/%s/online", workerID), nil, nil)
}

// PublishEvent publishes a single event on topic (spec §6 POST /events/publish).
func (c *Client) PublishEvent(ctx context.Context, topic, eventType string, data any, executionID, rootExecutionID string) error {
	body := map[string]any{
		"topic":           topic,
		"events":          []map[string]any{{"eventType": eventType, "data": data}},
		"executionId":     executionID,
		"rootExecutionId": rootExecutionID,
	}
	return c.do(ctx, http.MethodPost, "/events/publish", body, nil)
}

// PublishResume publishes a resume event against a suspended execution
// (spec §4.2 resume()).
func (c *Client) PublishResume(ctx context.Context, target definition.ResumeTarget, data any) error {
	topic := fmt.Sprintf("workflow/%s/%s", target.SuspendWorkflowID, target.SuspendExecutionID)
	return c.PublishEvent(ctx, topic, "resume_"+target.SuspendStepKey, data, target.SuspendExecutionID, target.SuspendExecutionID)
}

// CompleteExecution reports a successful terminal result (spec §6 POST /executions/{id}/complete).
func (c *Client) CompleteExecution(ctx context.Context, executionID, workerID string, result, finalState any) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/executions/%s/complete", executionID), map[string]any{
		"result": result, "workerId": workerID, "finalState": finalState,
	}, nil)
}

// FailExecution reports a terminal failure (spec §6 POST /executions/{id}/fail).
func (c *Client) FailExecution(ctx context.Context, executionID, workerID, errMsg, stack string, retryable bool, finalState any) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/executions/%s/fail", executionID), map[string]any{
		"error": errMsg, "workerId": workerID, "stack": stack, "retryable": retryable, "finalState": finalState,
	}, nil)
}

// ConfirmCancel acknowledges a cancellation (spec §6 POST /executions/{id}/cancel/confirm).
func (c *Client) ConfirmCancel(ctx context.Context, executionID, workerID string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/executions/%s/cancel/confirm", executionID), map[string]string{"workerId": workerID}, nil)
}

// LoadSessionMemory implements agentloop.SessionStore (spec §6 GET /sessions/{id}/memory).
func (c *Client) LoadSessionMemory(ctx context.Context, sessionID string) (definition.SessionMemory, error) {
	var mem definition.SessionMemory
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/sessions/%s/memory", sessionID), nil, &mem); err != nil {
		if apiErr, ok := err.(*OrchestratorAPIError); ok && apiErr.StatusCode == http.StatusNotFound {
			return definition.SessionMemory{}, nil
		}
		return definition.SessionMemory{}, err
	}
	return mem, nil
}

// StoreSessionMemory implements agentloop.SessionStore (spec §6 PUT /sessions/{id}/memory).
func (c *Client) StoreSessionMemory(ctx context.Context, sessionID string, mem definition.SessionMemory) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/sessions/%s/memory", sessionID), mem, nil)
}

// LoadStepResults fetches the committed step cache for an execution so a
// redispatch can hydrate a fresh stepstore.Store before replaying the
// handler (spec §8 S1/S2: "second dispatch of the same executionId with
// cached store returns without re-running the handler function").
func (c *Client) LoadStepResults(ctx context.Context, executionID string) ([]definition.StepResult, error) {
	var out struct {
		Steps []definition.StepResult `json:"steps"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/executions/%s/steps", executionID), nil, &out); err != nil {
		if apiErr, ok := err.(*OrchestratorAPIError); ok && apiErr.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return out.Steps, nil
}

// --- step.Reporter ---

// ReportStepResult reports a successful step outcome (spec §4.2 run()).
func (c *Client) ReportStepResult(ctx context.Context, executionID, key string, value any) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/executions/%s/steps/%s/result", executionID, key), map[string]any{"value": value}, nil)
}

// ReportStepFailure reports a terminal step failure (spec §4.2 run()).
func (c *Client) ReportStepFailure(ctx context.Context, executionID, key string, errMsg string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/executions/%s/steps/%s/error", executionID, key), map[string]string{"error": errMsg}, nil)
}

// StartChildWorkflow starts a sub-workflow invocation (spec §4.2 invoke()).
func (c *Client) StartChildWorkflow(ctx context.Context, executionID, key, workflowID string, payload any, opts definition.InvokeOptions) (childExecutionID string, err error) {
	var out struct {
		ExecutionID string `json:"executionId"`
	}
	body := map[string]any{
		"parentExecutionId": executionID,
		"stepKey":           key,
		"workflowId":        workflowID,
		"payload":           payload,
		"sessionId":         opts.SessionID,
		"userId":            opts.UserID,
	}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/executions/%s/children", executionID), body, &out); err != nil {
		return "", err
	}
	return out.ExecutionID, nil
}

// ChildWorkflowStatus returns the status of a previously started child.
func (c *Client) ChildWorkflowStatus(ctx context.Context, childExecutionID string) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/executions/%s", childExecutionID), nil, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

// CancelChildWorkflow requests cancellation of a child execution.
func (c *Client) CancelChildWorkflow(ctx context.Context, childExecutionID string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/executions/%s/cancel", childExecutionID), nil, nil)
}

// RegisterTimer registers a durable timer (spec §4.2 waitFor/waitUntil).
func (c *Client) RegisterTimer(ctx context.Context, executionID, key string, fireAt time.Time) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/executions/%s/timers", executionID), map[string]any{
		"key": key, "fireAt": fireAt.Format(time.RFC3339),
	}, nil)
}

// RegisterEventWait registers a durable event subscription (spec §4.2 waitForEvent).
func (c *Client) RegisterEventWait(ctx context.Context, executionID, key, topic string, timeout time.Duration) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/executions/%s/event-waits", executionID), map[string]any{
		"key": key, "topic": topic, "timeoutSeconds": int(timeout.Seconds()),
	}, nil)
}

// RegisterSuspend registers a durable suspend-and-await-resume point (spec §4.2 suspend()).
func (c *Client) RegisterSuspend(ctx context.Context, executionID, key string, data any, timeout time.Duration) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/executions/%s/suspend", executionID), map[string]any{
		"key": key, "data": data, "timeoutSeconds": int(timeout.Seconds()),
	}, nil)
}
