package cmd

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"comfydeploy/internal/host"
	"comfydeploy/internal/nodes"
	"comfydeploy/internal/params"
	"comfydeploy/internal/status"
)

var (
	jobFile string
	dryRun  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Submit a deployment run described in a YAML job file",
	Long: `Run submits one deployment run, waits for it and downloads its outputs.

Example job file:

  deployment_id: 7c9e6679-7425-40de-944b-e07fc1f90ae7
  parameters: "seed=42;steps=20"
  inputs:
    - name: prompt
      value: a lighthouse at dusk
    - name: reference
      image: ./ref.png
  wait_max: 10m
  output_folder: out

With --dry-run the encoded parameters are printed, as the remote side would
decode them, without uploading or submitting anything.`,
	RunE: runJob,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&jobFile, "job", "j", "", "Job file (YAML)")
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the encoded parameters and exit")
	_ = runCmd.MarkFlagRequired("job")
}

func runJob(cmd *cobra.Command, args []string) error {
	job, err := LoadJob(jobFile)
	if err != nil {
		return err
	}
	if dryRun {
		return printDryRun(cmd.Context(), cmd.OutOrStdout(), job)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := nodes.NewDeps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	registry := host.NewRegistry()
	if err := nodes.Register(registry, deps); err != nil {
		return err
	}
	node, ok := registry.Get(job.NodeName())
	if !ok {
		return fmt.Errorf("node not registered: %s", job.NodeName())
	}

	ec := &host.ExecContext{
		NodeID:   "cli",
		ClientID: clientFlag,
		Status:   status.NewBestEffort(logger, status.NewLogSink(logger)).For("cli"),
		Session:  host.NewSessionStore(),
		Logger:   logger.WithField("job", filepath.Base(jobFile)),
	}
	out, err := node.Execute(ctx, ec, job.HostInputs())
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "run_id: %v\n", out["run_id"])
	if paths, _ := out["paths"].(string); paths != "" {
		fmt.Fprintln(w, paths)
	}
	return nil
}

// dryRunUploader stands in for the content store so nothing leaves the machine
type dryRunUploader struct{}

func (dryRunUploader) Upload(_ context.Context, filename string, r io.Reader) (string, error) {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return "", err
	}
	return "upload://" + filename, nil
}

func printDryRun(ctx context.Context, w io.Writer, job *Job) error {
	encoded, err := params.NewEncoder(dryRunUploader{}).Encode(ctx, job.Parameters, job.Slots())
	if err != nil {
		return fmt.Errorf("failed to encode parameters: %w", err)
	}
	doc := map[string]any{
		"deployment_id": job.DeploymentID,
		"node":          job.NodeName(),
		"parameters":    encoded,
		"decoded":       params.Decode(encoded),
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to print dry run: %w", err)
	}
	return enc.Close()
}
