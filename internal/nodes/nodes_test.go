package nodes

import (
	"context"
	"encoding/base64"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comfydeploy/internal/config"
	"comfydeploy/internal/frames"
	"comfydeploy/internal/host"
	"comfydeploy/internal/interfaces"
	"comfydeploy/internal/params"
	"comfydeploy/internal/runcache"
)

type fakeClient struct {
	mu       sync.Mutex
	inputs   map[string]string
	uploads  []string
	status   string
	queued   int
	polledID []string
}

func (f *fakeClient) QueueRun(_ context.Context, _ string, inputs map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued++
	f.inputs = inputs
	return "run-7", nil
}

func (f *fakeClient) GetRun(_ context.Context, runID string) (*interfaces.RunStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polledID = append(f.polledID, runID)
	return &interfaces.RunStatus{RunID: runID, Status: f.status}, nil
}

func (f *fakeClient) Upload(_ context.Context, filename string, r io.Reader) (string, error) {
	data, _ := io.ReadAll(r)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, filename+":"+string(data))
	return "https://store/" + filename, nil
}

func testDeps(t *testing.T, client *fakeClient) Deps {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	cfg := &config.Config{
		Deploy: config.DeployConfig{APIURL: "https://api.test/queue", SubmitAttempts: 3},
		Poll:   config.PollConfig{Interval: time.Millisecond, WaitMax: time.Minute},
		Cache:  config.CacheConfig{UserDir: t.TempDir()},
	}
	return Deps{
		Config:  cfg,
		Cache:   runcache.New(cfg.Cache.UserDir, logger),
		Clients: func(string) interfaces.DeployClient { return client },
		Logger:  logger,
	}
}

func execContext(nodeID string) *host.ExecContext {
	return &host.ExecContext{NodeID: nodeID, ClientID: "alice", Session: host.NewSessionStore()}
}

func TestRegister(t *testing.T) {
	r := host.NewRegistry()
	require.NoError(t, Register(r, testDeps(t, &fakeClient{})))

	defs := r.Definitions()
	assert.Len(t, defs, 7)
	for _, d := range defs {
		assert.Equal(t, Category, d.Category)
		assert.Contains(t, d.DisplayName, "(Soze)")
	}

	n, ok := r.Get("ComfyDeploy API Queue")
	require.True(t, ok)
	assert.Len(t, n.Definition().Inputs, 5+2*params.MaxSlots)
}

func TestQueueNode_EncodesAndPolls(t *testing.T) {
	client := &fakeClient{status: "completed"}
	node := NewQueueNode(testDeps(t, client))

	out, err := node.Execute(context.Background(), execContext("3"), host.Inputs{
		inDeployment:    "dep-1",
		inParameters:    "seed=42; ;",
		"param_name_1":  "steps",
		"param_value_1": float64(20),
		"param_name_2":  "hires",
		"param_value_2": true,
		"param_name_3":  "",
		"param_value_3": "ignored",
		"param_name_4":  "cfg",
		"param_value_4": 7.5,
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"seed": "42", "steps": "20", "hires": "true", "cfg": "7.5"}, client.inputs)
	assert.Equal(t, 1, client.queued)
	assert.Equal(t, "run-7", out[outRunID])
	assert.Equal(t, "", out[outPaths])
	batch := out[outImages].(frames.Batch)
	assert.Equal(t, [4]int{1, 64, 64, 3}, batch.Shape())
}

func TestQueueNode_UploadsImageSlots(t *testing.T) {
	client := &fakeClient{status: "success"}
	node := NewQueueNode(testDeps(t, client))

	_, err := node.Execute(context.Background(), execContext("3"), host.Inputs{
		inDeployment:    "dep-1",
		"param_name_1":  "ref",
		"param_value_1": map[string]any{"data": base64.StdEncoding.EncodeToString([]byte("PNG")), "name": "ref.png"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ref.png:PNG"}, client.uploads)
	assert.Equal(t, "https://store/ref.png", client.inputs["ref"])
}

func TestQueueNode_RequiresDeployment(t *testing.T) {
	node := NewQueueNode(testDeps(t, &fakeClient{}))
	_, err := node.Execute(context.Background(), execContext("3"), host.Inputs{})
	assert.ErrorIs(t, err, host.ErrMissingInput)
}

func TestRunNode_CachesWithoutWaiting(t *testing.T) {
	client := &fakeClient{status: "running"}
	deps := testDeps(t, client)
	node := NewRunNode(deps)
	ec := execContext("9")

	out, err := node.Execute(context.Background(), ec, host.Inputs{
		inDeployment:      "dep-1",
		"wait_for_result": false,
		inScope:           "batch",
	})
	require.NoError(t, err)
	assert.Equal(t, "run-7", out[outRunID])
	assert.Empty(t, client.polledID)

	ids, err := deps.Cache.RunIDs("batch", "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"run-7"}, ids)
}

func TestCacheNodes_Flow(t *testing.T) {
	deps := testDeps(t, &fakeClient{})
	ctx := context.Background()
	ec := execContext("1")

	save := NewCacheSaveNode(deps)
	for _, id := range []string{"abc", "abc", "def"} {
		_, err := save.Execute(ctx, ec, host.Inputs{outRunID: id, inScopeName: "s"})
		require.NoError(t, err)
	}

	info := NewCacheInfoNode(deps)
	out, err := info.Execute(ctx, ec, host.Inputs{inScopeName: "s"})
	require.NoError(t, err)
	assert.Equal(t, 2, out[outCount])

	retrieve := NewCacheRetrieveNode(deps)
	out, err = retrieve.Execute(ctx, ec, host.Inputs{inScopeName: "s", "remove": true})
	require.NoError(t, err)
	first := out[outRunID].(string)
	assert.Contains(t, []string{"abc", "def"}, first)

	out, err = info.Execute(ctx, ec, host.Inputs{inScopeName: "s"})
	require.NoError(t, err)
	assert.Equal(t, 1, out[outCount])
	assert.NotContains(t, out[outRunIDs], first)

	clearNode := NewCacheClearNode(deps)
	out, err = clearNode.Execute(ctx, ec, host.Inputs{inScopeName: "s"})
	require.NoError(t, err)
	assert.Equal(t, 1, out[outCount])

	_, err = retrieve.Execute(ctx, ec, host.Inputs{inScopeName: "s"})
	assert.ErrorIs(t, err, runcache.ErrNotFound)
}

func TestCacheRetrieve_AlwaysChanged(t *testing.T) {
	n := NewCacheRetrieveNode(testDeps(t, &fakeClient{})).(host.ChangeDetector)
	ec := execContext("1")
	assert.NotEqual(t, n.IsChanged(ec, nil), n.IsChanged(ec, nil))
}

func TestDownloadFiles_SkipsFetchedRuns(t *testing.T) {
	client := &fakeClient{status: "completed"}
	node := NewDownloadFilesNode(testDeps(t, client))
	ec := execContext("5")
	in := host.Inputs{outRunIDs: "a\nb", "skip_fetched": true}

	_, err := node.Execute(context.Background(), ec, in)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, client.polledID)

	in[outRunIDs] = "b, c"
	_, err = node.Execute(context.Background(), ec, in)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, client.polledID)

	key := node.(host.ChangeDetector).IsChanged(ec, host.Inputs{outRunIDs: " x ,y"})
	assert.Equal(t, "x\ny", key)
}

func TestValueFrom(t *testing.T) {
	v, err := valueFrom("hello")
	require.NoError(t, err)
	assert.Equal(t, params.String("hello"), v)

	v, err = valueFrom(map[string]any{"path": "/tmp/a.png"})
	require.NoError(t, err)
	assert.Equal(t, params.Image{Path: "/tmp/a.png"}, v)

	pix := make([]any, 12)
	for i := range pix {
		pix[i] = 0.5
	}
	v, err = valueFrom(map[string]any{"frames": []any{map[string]any{
		"width": 2, "height": 2, "pix": pix,
	}}})
	require.NoError(t, err)
	img, ok := v.(params.Image)
	require.True(t, ok)
	assert.Equal(t, "image.png", img.Name)
	assert.NotEmpty(t, img.Data)

	_, err = valueFrom(map[string]any{"unknown": 1})
	assert.Error(t, err)
}

type recordingUploader struct{ names []string }

func (r *recordingUploader) Upload(_ context.Context, filename string, _ io.Reader) (string, error) {
	r.names = append(r.names, filename)
	return "https://bucket/" + filename, nil
}

func TestQueueNode_PrefersConfiguredUploader(t *testing.T) {
	client := &fakeClient{status: "completed"}
	deps := testDeps(t, client)
	store := &recordingUploader{}
	deps.Uploader = store

	_, err := NewQueueNode(deps).Execute(context.Background(), execContext("3"), host.Inputs{
		inDeployment:    "dep-1",
		"param_name_1":  "ref",
		"param_value_1": map[string]any{"data": base64.StdEncoding.EncodeToString([]byte("PNG")), "name": "ref.png"},
	})
	require.NoError(t, err)
	assert.Empty(t, client.uploads)
	assert.Equal(t, []string{"ref.png"}, store.names)
	assert.Equal(t, "https://bucket/ref.png", client.inputs["ref"])
}

func TestNewDeps_Defaults(t *testing.T) {
	cfg := &config.Config{
		Deploy: config.DeployConfig{APIURL: "https://api.test/queue"},
		Cache:  config.CacheConfig{UserDir: t.TempDir()},
	}
	d, err := NewDeps(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.Nil(t, d.Uploader)
	assert.NotNil(t, d.Fetcher)
	assert.Same(t, d.Clients(""), d.Clients("https://api.test/queue"))
}
