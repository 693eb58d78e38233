package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"comfydeploy/internal/config"
	"comfydeploy/internal/host"
)

var (
	// ErrAlreadyRunning is returned when an execution id is reused while active
	ErrAlreadyRunning = errors.New("execution already running")
	// ErrNotRunning is returned when cancelling an execution that has finished
	ErrNotRunning = errors.New("execution not running")
)

// Manager records node executions and owns their interrupt flags
type Manager struct {
	store     Store
	flags     sync.Map // execution id -> *host.InterruptFlag
	callbacks []Callback
	mu        sync.RWMutex
	logger    *logrus.Logger
}

// NewManager creates a manager over store; nil store keeps records in memory
func NewManager(store Store, logger *logrus.Logger) *Manager {
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = config.NewLogger()
	}
	return &Manager{store: store, logger: logger}
}

// Start records a running execution and returns the flag that cancels it
func (m *Manager) Start(ctx context.Context, id, node, nodeID, clientID string) (*Execution, *host.InterruptFlag, error) {
	if id != "" {
		if _, active := m.flags.Load(id); active {
			return nil, nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
		}
	}

	exec := NewExecution(id, node, nodeID, clientID)
	exec.MarkStarted()

	flag := &host.InterruptFlag{}
	if _, loaded := m.flags.LoadOrStore(exec.ID, flag); loaded {
		return nil, nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, exec.ID)
	}
	if err := m.store.Save(ctx, exec); err != nil {
		m.flags.Delete(exec.ID)
		return nil, nil, err
	}

	m.logger.WithFields(logrus.Fields{
		"execution_id": exec.ID,
		"node":         node,
		"node_id":      nodeID,
	}).Info("Execution started")

	m.notify(exec)
	return exec, flag, nil
}

// Finish records the outcome of an execution. An interrupt error marks it
// cancelled, any other error failed.
func (m *Manager) Finish(ctx context.Context, id string, outputs host.Outputs, runErr error) (*Execution, error) {
	defer m.flags.Delete(id)

	exec, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch {
	case runErr == nil:
		exec.MarkCompleted(Summarize(outputs))
	case errors.Is(runErr, host.ErrInterrupted), errors.Is(runErr, context.Canceled):
		exec.MarkCancelled()
		exec.Error = runErr.Error()
	default:
		exec.MarkFailed(runErr.Error())
	}

	if err := m.store.Save(ctx, exec); err != nil {
		return nil, err
	}

	entry := m.logger.WithFields(logrus.Fields{
		"execution_id": exec.ID,
		"node":         exec.Node,
		"status":       exec.Status,
	})
	if exec.StartedAt != nil {
		entry = entry.WithField("duration", exec.UpdatedAt.Sub(*exec.StartedAt).String())
	}
	if runErr != nil {
		entry.WithError(runErr).Warn("Execution finished with error")
	} else {
		entry.Info("Execution completed")
	}

	m.notify(exec)
	return exec, nil
}

// Cancel raises the interrupt flag of a running execution
func (m *Manager) Cancel(ctx context.Context, id string) error {
	if v, ok := m.flags.Load(id); ok {
		v.(*host.InterruptFlag).Interrupt()
		m.logger.WithField("execution_id", id).Info("Execution cancel requested")
		return nil
	}
	if _, err := m.store.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrNotRunning, id)
}

// Get returns an execution by id
func (m *Manager) Get(ctx context.Context, id string) (*Execution, error) {
	return m.store.Get(ctx, id)
}

// List returns all executions ordered by creation time
func (m *Manager) List(ctx context.Context) ([]*Execution, error) {
	return m.store.List(ctx)
}

// Metrics counts executions by status
func (m *Manager) Metrics(ctx context.Context) (*Metrics, error) {
	list, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	metrics := &Metrics{}
	for _, e := range list {
		metrics.Total++
		switch e.Status {
		case StatusPending:
			metrics.Pending++
		case StatusRunning:
			metrics.Running++
		case StatusCompleted:
			metrics.Completed++
		case StatusFailed:
			metrics.Failed++
		case StatusCancelled:
			metrics.Cancelled++
		}
	}
	return metrics, nil
}

// AddCallback adds an execution status change callback
func (m *Manager) AddCallback(cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

func (m *Manager) notify(exec *Execution) {
	m.mu.RLock()
	callbacks := make([]Callback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.RUnlock()

	for _, cb := range callbacks {
		go cb(exec.clone())
	}
}

// Prune removes finished executions last updated before cutoff and returns
// how many were removed
func (m *Manager) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	list, err := m.store.List(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range list {
		if !e.Status.Terminal() || !e.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := m.store.Delete(ctx, e.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Run prunes finished executions older than retention until ctx is done
func (m *Manager) Run(ctx context.Context, interval, retention time.Duration) error {
	if interval <= 0 || retention <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Execution manager stopped")
			return nil
		case <-ticker.C:
			n, err := m.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				m.logger.WithError(err).Error("Failed to prune executions")
				continue
			}
			if n > 0 {
				m.logger.WithField("removed", n).Debug("Pruned finished executions")
			}
		}
	}
}
