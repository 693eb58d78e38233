package interfaces

import (
	"context"
	"errors"
	"io"

	"comfydeploy/internal/artifact"
)

// ErrMalformedResponse is returned when a 2xx response body cannot be decoded
var ErrMalformedResponse = errors.New("malformed response")

// DeployClient ComfyDeploy API client interface
type DeployClient interface {
	// QueueRun submits a deployment run and returns the run id
	QueueRun(ctx context.Context, deploymentID string, inputs map[string]string) (string, error)

	// GetRun gets run status and outputs
	GetRun(ctx context.Context, runID string) (*RunStatus, error)

	// Upload stores a file in the content store and returns its URL
	Upload(ctx context.Context, filename string, r io.Reader) (string, error)
}

// QueueRequest queue request body
type QueueRequest struct {
	DeploymentID string            `json:"deployment_id"`
	Inputs       map[string]string `json:"inputs"`
}

// QueueResponse queue response
type QueueResponse struct {
	RunID string `json:"run_id"`
}

// RunStatus run status response
type RunStatus struct {
	RunID      string  `json:"run_id,omitempty"`
	Status     string  `json:"status"`
	Progress   float64 `json:"progress,omitempty"`
	LiveStatus string  `json:"live_status,omitempty"`
	artifact.Payload
}
