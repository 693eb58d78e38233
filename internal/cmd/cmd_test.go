package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"comfydeploy/internal/host"
	"comfydeploy/internal/params"
)

const sampleJob = `
deployment_id: dep-1
parameters: "seed=42"
inputs:
  - name: steps
    value: 20
  - name: prompt
    value: a lighthouse
  - name: ref
    image: ref.png
wait_max: 90s
output_folder: out
cache_scope: nightly
wait_for_result: false
`

func writeJob(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "job.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ref.png"), []byte("PNG"), 0o644))
	return path
}

func TestLoadJob(t *testing.T) {
	path := writeJob(t, sampleJob)
	job, err := LoadJob(path)
	require.NoError(t, err)

	assert.Equal(t, "ComfyDeploy API Run", job.NodeName())
	assert.Equal(t, filepath.Join(filepath.Dir(path), "ref.png"), job.Inputs[2].Image)

	slots := job.Slots()
	require.Len(t, slots, 3)
	assert.Equal(t, params.Int(20), slots[0].Value)
	assert.Equal(t, params.String("a lighthouse"), slots[1].Value)
	assert.Equal(t, params.Image{Path: job.Inputs[2].Image}, slots[2].Value)

	in := job.HostInputs()
	assert.Equal(t, "dep-1", in["deployment_id"])
	assert.Equal(t, 90, in["wait_max_seconds"])
	assert.Equal(t, false, in["wait_for_result"])
	assert.Equal(t, "steps", in["param_name_1"])
	assert.Equal(t, map[string]any{"path": job.Inputs[2].Image}, in["param_value_3"])
}

func TestLoadJob_Invalid(t *testing.T) {
	_, err := LoadJob(writeJob(t, "parameters: a=1\n"))
	assert.ErrorIs(t, err, host.ErrMissingInput)

	_, err = LoadJob(writeJob(t, "deployment_id: [\n"))
	assert.Error(t, err)

	job, err := LoadJob(writeJob(t, "deployment_id: d\nnode: Queue\n"))
	require.NoError(t, err)
	assert.Equal(t, "ComfyDeploy API Queue", job.NodeName())
}

func TestPrintDryRun(t *testing.T) {
	job, err := LoadJob(writeJob(t, sampleJob))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, printDryRun(context.Background(), &buf, job))

	var doc struct {
		Parameters string         `yaml:"parameters"`
		Decoded    map[string]any `yaml:"decoded"`
	}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, "seed=42;steps=20;prompt=a lighthouse;ref=upload://ref.png", doc.Parameters)
	assert.Equal(t, 42, doc.Decoded["seed"])
	assert.Equal(t, "a lighthouse", doc.Decoded["prompt"])
}

func TestCacheCommands(t *testing.T) {
	dir := t.TempDir()
	run := func(args ...string) string {
		t.Helper()
		var out bytes.Buffer
		rootCmd.SetOut(&out)
		rootCmd.SetErr(&out)
		rootCmd.SetArgs(append(args, "--user-dir", dir, "--client", "bob"))
		require.NoError(t, rootCmd.Execute(), out.String())
		return out.String()
	}

	assert.Contains(t, run("cache", "save", "--scope", "s", "run-a"), "saved 1")
	run("cache", "save", "--scope", "s", "run-b")

	listing := run("cache", "list", "--scope", "s")
	assert.Len(t, strings.Split(strings.TrimSpace(listing), "\n"), 2)

	claimed := strings.TrimSpace(run("cache", "claim", "--scope", "s", "--remove=true"))
	assert.Contains(t, []string{"run-a", "run-b"}, claimed)

	assert.Contains(t, run("cache", "clear", "--scope", "s"), "cleared 1")
	assert.DirExists(t, filepath.Join(dir, "bob"))
}
