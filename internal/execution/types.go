// Package execution tracks node executions submitted through the HTTP host
// so they can be inspected and cancelled while they poll.
package execution

import (
	"time"

	"github.com/google/uuid"

	"comfydeploy/internal/frames"
	"comfydeploy/internal/host"
)

// Status execution status
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Execution is one node invocation
type Execution struct {
	ID          string         `json:"id"`
	Node        string         `json:"node"`
	NodeID      string         `json:"node_id"`
	ClientID    string         `json:"client_id,omitempty"`
	Status      Status         `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// NewExecution creates a pending execution; a blank id gets a fresh uuid
func NewExecution(id, node, nodeID, clientID string) *Execution {
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now()
	return &Execution{
		ID:        id,
		Node:      node,
		NodeID:    nodeID,
		ClientID:  clientID,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// MarkStarted marks the execution as running
func (e *Execution) MarkStarted() {
	e.Status = StatusRunning
	now := time.Now()
	e.StartedAt = &now
	e.UpdatedAt = now
}

// MarkCompleted marks the execution as completed
func (e *Execution) MarkCompleted(result map[string]any) {
	e.Status = StatusCompleted
	e.Result = result
	e.finish()
}

// MarkFailed marks the execution as failed
func (e *Execution) MarkFailed(errorMsg string) {
	e.Status = StatusFailed
	e.Error = errorMsg
	e.finish()
}

// MarkCancelled marks the execution as cancelled
func (e *Execution) MarkCancelled() {
	e.Status = StatusCancelled
	e.finish()
}

func (e *Execution) finish() {
	now := time.Now()
	e.CompletedAt = &now
	e.UpdatedAt = now
}

// clone copies the execution so callers never share the manager's record
func (e *Execution) clone() *Execution {
	c := *e
	if e.Result != nil {
		c.Result = make(map[string]any, len(e.Result))
		for k, v := range e.Result {
			c.Result[k] = v
		}
	}
	return &c
}

// Callback execution status callback
type Callback func(*Execution)

// Metrics execution counters
type Metrics struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// BatchSummary stands in for an image batch in stored results
type BatchSummary struct {
	Shape [4]int `json:"shape"`
}

// Summarize converts node outputs into a JSON friendly result. Image
// batches are reduced to their shape.
func Summarize(outputs host.Outputs) map[string]any {
	if outputs == nil {
		return nil
	}
	out := make(map[string]any, len(outputs))
	for k, v := range outputs {
		switch b := v.(type) {
		case frames.Batch:
			out[k] = BatchSummary{Shape: b.Shape()}
		case *frames.Batch:
			if b != nil {
				out[k] = BatchSummary{Shape: b.Shape()}
			}
		default:
			out[k] = v
		}
	}
	return out
}
