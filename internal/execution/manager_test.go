package execution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comfydeploy/internal/frames"
	"comfydeploy/internal/host"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestManager_Lifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil, quietLogger())

	seen := make(chan Status, 4)
	m.AddCallback(func(e *Execution) { seen <- e.Status })

	exec, flag, err := m.Start(ctx, "", "ComfyDeploy API Queue", "3", "alice")
	require.NoError(t, err)
	require.NotNil(t, flag)
	assert.NotEmpty(t, exec.ID)
	assert.Equal(t, StatusRunning, exec.Status)
	assert.NotNil(t, exec.StartedAt)

	batch, err := frames.Stack(nil)
	require.NoError(t, err)
	done, err := m.Finish(ctx, exec.ID, host.Outputs{"images": batch, "run_id": "run-1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, "run-1", done.Result["run_id"])
	assert.Equal(t, BatchSummary{Shape: batch.Shape()}, done.Result["images"])
	assert.NotNil(t, done.CompletedAt)

	got, err := m.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)

	var statuses []Status
	for range 2 {
		select {
		case s := <-seen:
			statuses = append(statuses, s)
		case <-time.After(time.Second):
			t.Fatal("callback not invoked")
		}
	}
	assert.ElementsMatch(t, []Status{StatusRunning, StatusCompleted}, statuses)

	assert.ErrorIs(t, m.Cancel(ctx, exec.ID), ErrNotRunning)
}

func TestManager_CancelRaisesFlag(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore(), quietLogger())

	exec, flag, err := m.Start(ctx, "exec-1", "ComfyDeploy API Run", "9", "")
	require.NoError(t, err)
	assert.Equal(t, "exec-1", exec.ID)

	_, _, err = m.Start(ctx, "exec-1", "ComfyDeploy API Run", "9", "")
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, m.Cancel(ctx, "exec-1"))
	assert.True(t, flag.Interrupted())

	done, err := m.Finish(ctx, "exec-1", nil, fmt.Errorf("poll: %w", host.ErrInterrupted))
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, done.Status)

	// id can be reused once finished
	_, _, err = m.Start(ctx, "exec-1", "ComfyDeploy API Run", "9", "")
	assert.NoError(t, err)
}

func TestManager_FailedAndMetrics(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil, quietLogger())

	a, _, err := m.Start(ctx, "", "n", "1", "")
	require.NoError(t, err)
	b, _, err := m.Start(ctx, "", "n", "2", "")
	require.NoError(t, err)
	_, _, err = m.Start(ctx, "", "n", "3", "")
	require.NoError(t, err)

	failed, err := m.Finish(ctx, a.ID, nil, errors.New("deployment_id is required"))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "deployment_id is required", failed.Error)

	_, err = m.Finish(ctx, b.ID, host.Outputs{"count": 1}, nil)
	require.NoError(t, err)

	metrics, err := m.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, Metrics{Total: 3, Running: 1, Completed: 1, Failed: 1}, *metrics)

	list, err := m.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

func TestManager_UnknownIDs(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil, quietLogger())

	_, err := m.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, m.Cancel(ctx, "missing"), ErrNotFound)
	_, err = m.Finish(ctx, "missing", nil, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_Prune(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil, quietLogger())

	done, _, err := m.Start(ctx, "", "n", "1", "")
	require.NoError(t, err)
	_, err = m.Finish(ctx, done.ID, nil, nil)
	require.NoError(t, err)
	_, _, err = m.Start(ctx, "", "n", "2", "")
	require.NoError(t, err)

	removed, err := m.Prune(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	list, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, StatusRunning, list[0].Status)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	e := NewExecution("x", "n", "1", "")
	require.NoError(t, s.Save(ctx, e))

	e.Status = StatusFailed
	got, err := s.Get(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestSummarize(t *testing.T) {
	assert.Nil(t, Summarize(nil))
	out := Summarize(host.Outputs{"paths": "a\nb", "count": 2})
	assert.Equal(t, map[string]any{"paths": "a\nb", "count": 2}, out)
}

// Runs against a real server when CD_TEST_REDIS_ADDR is set
func TestRedisStore(t *testing.T) {
	addr := os.Getenv("CD_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CD_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	s := NewRedisStore(rdb)
	s.key = "comfydeploy:test:executions:" + time.Now().Format("150405.000000")
	defer rdb.Del(ctx, s.key)

	e := NewExecution("", "n", "1", "alice")
	e.MarkCompleted(map[string]any{"run_id": "r"})
	require.NoError(t, s.Save(ctx, e))

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "r", got.Result["run_id"])

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.Delete(ctx, e.ID))
	_, err = s.Get(ctx, e.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
