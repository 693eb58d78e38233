package api

import (
	"context"
	"errors"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"comfydeploy/internal/artifact"
	"comfydeploy/internal/config"
	"comfydeploy/internal/execution"
	"comfydeploy/internal/host"
	"comfydeploy/internal/params"
	"comfydeploy/internal/poller"
	"comfydeploy/internal/runcache"
	"comfydeploy/internal/status"
)

// Handler API handler
type Handler struct {
	registry   *host.Registry
	executions *execution.Manager
	status     *status.BestEffort
	sessions   *host.SessionStore
	redis      redis.UniversalClient
	logger     *logrus.Logger
}

// NewHandler creates API handler. rdb may be nil when Redis is disabled.
func NewHandler(registry *host.Registry, executions *execution.Manager, hub *status.BestEffort, rdb redis.UniversalClient, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = config.NewLogger()
	}
	if hub == nil {
		hub = status.NewBestEffort(logger)
	}
	return &Handler{
		registry:   registry,
		executions: executions,
		status:     hub,
		sessions:   host.NewSessionStore(),
		redis:      rdb,
		logger:     logger,
	}
}

// RegisterRoutes registers routes
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	nodeGroup := r.Group("/api/v1/nodes")
	{
		nodeGroup.GET("", h.listNodes)
		nodeGroup.GET("/:name", h.getNode)
		nodeGroup.POST("/:name/execute", h.executeNode)
		nodeGroup.POST("/:name/changed", h.nodeChanged)
	}

	execGroup := r.Group("/api/v1/executions")
	{
		execGroup.GET("", h.listExecutions)
		execGroup.GET("/metrics", h.getExecutionMetrics)
		execGroup.GET("/:id", h.getExecution)
		execGroup.DELETE("/:id", h.cancelExecution)
	}

	// Health checks
	r.GET("/health", h.healthCheck)
	r.GET("/ready", h.readinessCheck)
}

// listNodes lists node definitions
func (h *Handler) listNodes(c *gin.Context) {
	defs := h.registry.Definitions()
	c.JSON(http.StatusOK, gin.H{
		"nodes": defs,
		"count": len(defs),
	})
}

// getNode gets a node definition
func (h *Handler) getNode(c *gin.Context) {
	node, ok := h.registry.Get(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Node not found"})
		return
	}
	c.JSON(http.StatusOK, node.Definition())
}

// executeNode runs a node to completion within the request
func (h *Handler) executeNode(c *gin.Context) {
	name := c.Param("name")
	node, ok := h.registry.Get(name)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Node not found"})
		return
	}

	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	ctx := c.Request.Context()
	exec, flag, err := h.executions.Start(ctx, c.GetHeader(ExecutionIDHeader), name, req.NodeID, req.ClientID)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, execution.ErrAlreadyRunning) {
			code = http.StatusConflict
		}
		c.JSON(code, ErrorResponse{Error: err.Error()})
		return
	}

	ec := h.execContext(name, req, flag)
	ec.Logger = ec.Logger.WithField("execution_id", exec.ID)

	outputs, runErr := node.Execute(ctx, ec, host.Inputs(req.Inputs))

	// record the outcome even if the caller went away
	done, err := h.executions.Finish(context.WithoutCancel(ctx), exec.ID, outputs, runErr)
	if err != nil {
		h.logger.WithError(err).WithField("execution_id", exec.ID).Error("Failed to record execution result")
		done = exec
	}

	if runErr != nil {
		c.JSON(statusCodeFor(runErr), ExecuteResponse{
			ExecutionID: exec.ID,
			Status:      string(done.Status),
			Error:       runErr.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, ExecuteResponse{
		ExecutionID: exec.ID,
		Status:      string(done.Status),
		Outputs:     outputs,
	})
}

// nodeChanged returns the node's change detection key
func (h *Handler) nodeChanged(c *gin.Context) {
	name := c.Param("name")
	node, ok := h.registry.Get(name)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Node not found"})
		return
	}

	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	resp := ChangedResponse{Node: name}
	if detector, ok := node.(host.ChangeDetector); ok {
		resp.Key = detector.IsChanged(h.execContext(name, req, nil), host.Inputs(req.Inputs))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) execContext(name string, req ExecuteRequest, interrupt host.Interrupter) *host.ExecContext {
	return &host.ExecContext{
		NodeID:    req.NodeID,
		ClientID:  req.ClientID,
		Status:    h.status.For(req.NodeID),
		Interrupt: interrupt,
		Session:   h.sessions,
		Logger: logrus.NewEntry(h.logger).WithFields(logrus.Fields{
			"node":    name,
			"node_id": req.NodeID,
		}),
	}
}

// listExecutions lists executions, newest first
func (h *Handler) listExecutions(c *gin.Context) {
	list, err := h.executions.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	want := c.Query("status")
	response := make([]ExecutionResponse, 0, len(list))
	for _, e := range list {
		if want != "" && string(e.Status) != want {
			continue
		}
		response = append(response, executionResponse(e))
	}
	sort.Slice(response, func(i, j int) bool {
		return response[i].CreatedAt.After(response[j].CreatedAt)
	})

	c.JSON(http.StatusOK, gin.H{
		"executions": response,
		"count":      len(response),
	})
}

// getExecution gets execution details
func (h *Handler) getExecution(c *gin.Context) {
	exec, err := h.executions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, execution.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "Execution not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, executionResponse(exec))
}

// cancelExecution interrupts a running execution
func (h *Handler) cancelExecution(c *gin.Context) {
	err := h.executions.Cancel(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"message": "Execution cancel requested"})
	case errors.Is(err, execution.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Execution not found"})
	case errors.Is(err, execution.ErrNotRunning):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Execution cannot be cancelled"})
	default:
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
}

// getExecutionMetrics gets execution metrics
func (h *Handler) getExecutionMetrics(c *gin.Context) {
	metrics, err := h.executions.Metrics(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, metrics)
}

// healthCheck performs health check
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
	})
}

// readinessCheck performs readiness check
func (h *Handler) readinessCheck(c *gin.Context) {
	if h.redis != nil {
		if err := h.redis.Ping(c.Request.Context()).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"nodes":  len(h.registry.Definitions()),
	})
}

func statusCodeFor(err error) int {
	switch {
	case errors.Is(err, host.ErrInterrupted):
		return http.StatusConflict
	case errors.Is(err, poller.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, runcache.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, host.ErrMissingInput),
		errors.Is(err, runcache.ErrInvalidName),
		errors.Is(err, artifact.ErrInvalidPattern),
		errors.Is(err, params.ErrTooManySlots):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}
