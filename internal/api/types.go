package api

import (
	"time"

	"comfydeploy/internal/execution"
	"comfydeploy/internal/host"
)

// ExecutionIDHeader lets the caller pick the execution id so it can cancel
// a request that is still polling
const ExecutionIDHeader = "X-Execution-ID"

// ExecuteRequest execute node request
type ExecuteRequest struct {
	NodeID   string         `json:"node_id" binding:"required"`
	ClientID string         `json:"client_id"`
	Inputs   map[string]any `json:"inputs"`
}

// ExecuteResponse execute node response
type ExecuteResponse struct {
	ExecutionID string       `json:"execution_id"`
	Status      string       `json:"status"`
	Outputs     host.Outputs `json:"outputs,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// ChangedResponse change detection response
type ChangedResponse struct {
	Node string `json:"node"`
	Key  string `json:"key"`
}

// ExecutionResponse execution response
type ExecutionResponse struct {
	ID          string         `json:"id"`
	Node        string         `json:"node"`
	NodeID      string         `json:"node_id"`
	ClientID    string         `json:"client_id,omitempty"`
	Status      string         `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
}

func executionResponse(e *execution.Execution) ExecutionResponse {
	return ExecutionResponse{
		ID:          e.ID,
		Node:        e.Node,
		NodeID:      e.NodeID,
		ClientID:    e.ClientID,
		Status:      string(e.Status),
		CreatedAt:   e.CreatedAt,
		StartedAt:   e.StartedAt,
		CompletedAt: e.CompletedAt,
		Result:      e.Result,
		Error:       e.Error,
	}
}

// ErrorResponse error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
