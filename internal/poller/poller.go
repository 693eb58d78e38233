package poller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"comfydeploy/internal/artifact"
	"comfydeploy/internal/config"
	"comfydeploy/internal/frames"
	"comfydeploy/internal/host"
	"comfydeploy/internal/interfaces"
	"comfydeploy/internal/params"
	"comfydeploy/internal/status"
)

// Fetcher downloads one artifact into a folder
type Fetcher interface {
	Download(ctx context.Context, rawURL, destFolder, preferredName string) (string, error)
}

// ImageLoader decodes an image from a local path or URL
type ImageLoader interface {
	Load(ctx context.Context, src string) (frames.Frame, error)
}

// Config poller configuration
type Config struct {
	PollInterval   time.Duration // status check interval
	WaitMax        time.Duration // default wait budget, 0 waits forever
	SubmitAttempts int           // default submit attempts
	SubmitBackoff  time.Duration // fixed delay between submit attempts
}

// ConfigFrom builds poller configuration from the application config
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		PollInterval:   cfg.Poll.Interval,
		WaitMax:        cfg.Poll.WaitMax,
		SubmitAttempts: cfg.Deploy.SubmitAttempts,
		SubmitBackoff:  cfg.Deploy.SubmitBackoff,
	}
}

// Job is one deployment run request
type Job struct {
	DeploymentID string
	Parameters   string // encoded name=value;... string
}

// Options per-call options
type Options struct {
	WaitMax        time.Duration // overrides Config.WaitMax when > 0
	OutputFolder   string        // download artifacts here; empty passes remote URLs through
	Filter         *artifact.Filter
	SubmitAttempts int           // overrides Config.SubmitAttempts when > 0
	Status         status.Emitter
	Interrupt      host.Interrupter
}

// Poller submits runs and polls them to completion
type Poller struct {
	api     interfaces.DeployClient
	fetcher Fetcher
	loader  ImageLoader
	logger  *logrus.Logger
	config  Config

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPoller creates a poller
func NewPoller(api interfaces.DeployClient, fetcher Fetcher, loader ImageLoader, cfg Config) *Poller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.SubmitAttempts < 1 {
		cfg.SubmitAttempts = 1
	}
	if loader == nil {
		loader = frames.NewLoader(nil)
	}
	return &Poller{
		api:     api,
		fetcher: fetcher,
		loader:  loader,
		logger:  config.NewLogger(),
		config:  cfg,
		now:     time.Now,
		sleep:   sleepContext,
	}
}

// SetLogger replaces the poller logger
func (p *Poller) SetLogger(logger *logrus.Logger) {
	if logger != nil {
		p.logger = logger
	}
}

// Run submits job and waits for its artifacts
func (p *Poller) Run(ctx context.Context, job Job, opts Options) (*Result, error) {
	runID, err := p.Submit(ctx, job, opts)
	if err != nil {
		return nil, err
	}
	return p.Await(ctx, runID, opts)
}

// Submit queues job, retrying transport failures with a fixed backoff.
// Configuration errors are returned on the first attempt.
func (p *Poller) Submit(ctx context.Context, job Job, opts Options) (string, error) {
	if strings.TrimSpace(job.DeploymentID) == "" {
		return "", fmt.Errorf("deployment id is required")
	}
	attempts := opts.SubmitAttempts
	if attempts < 1 {
		attempts = p.config.SubmitAttempts
	}
	emitter := emitterOf(opts)
	inputs := params.Inputs(job.Parameters)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := host.CheckInterrupt(ctx, opts.Interrupt); err != nil {
			return "", err
		}
		emitter.Emit(ctx, fmt.Sprintf("Submitting run (attempt %d/%d)", attempt, attempts))

		runID, err := p.api.QueueRun(ctx, job.DeploymentID, inputs)
		if err == nil {
			emitter.Emit(ctx, fmt.Sprintf("Run %s queued", runID))
			return runID, nil
		}
		lastErr = err
		if errors.Is(err, config.ErrAPIKeyRequired) {
			return "", err
		}

		p.logger.WithError(err).WithFields(logrus.Fields{
			"deployment_id": job.DeploymentID,
			"attempt":       attempt,
			"max_attempts":  attempts,
		}).Warn("Failed to submit run")

		if attempt < attempts {
			if err := p.sleep(ctx, p.config.SubmitBackoff); err != nil {
				return "", host.ErrInterrupted
			}
		}
	}

	emitter.Emit(ctx, "Submit failed")
	return "", fmt.Errorf("failed to submit run after %d attempts: %w", attempts, lastErr)
}

// Await polls runID until it reaches a terminal state or the wait budget
// runs out. Failed and cancelled runs yield an empty result, not an error.
func (p *Poller) Await(ctx context.Context, runID string, opts Options) (*Result, error) {
	waitMax := opts.WaitMax
	if waitMax <= 0 {
		waitMax = p.config.WaitMax
	}
	emitter := emitterOf(opts)
	logger := p.logger.WithField("run_id", runID)

	ps := &PollState{RunID: runID, State: StateSubmitted, StartTime: p.now()}

	for {
		ps.Iterations++
		ps.State = StatePolling

		run, err := p.api.GetRun(ctx, runID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, host.ErrInterrupted
			}
			if permanentPollError(err) {
				ps.State = StateFailed
				emitter.Emit(ctx, fmt.Sprintf("Status check failed: %v", err))
				return nil, fmt.Errorf("failed to get run %s: %w", runID, err)
			}
			logger.WithError(err).WithField("iteration", ps.Iterations).Warn("Failed to get run status")
			emitter.Emit(ctx, fmt.Sprintf("Status check failed: %v", err))
		} else {
			ps.LastStatus = run.Status
			switch stateFor(run.Status) {
			case StateCompleted:
				ps.State = StateCompleted
				emitter.Emit(ctx, "Run completed, fetching outputs")
				return p.collect(ctx, run, opts, ps)
			case StateFailed:
				ps.State = StateFailed
				emitter.Emit(ctx, "Run failed")
				logger.Warn("Run failed remotely")
				return emptyResult(runID, StateFailed, run.Status), nil
			case StateCancelled:
				ps.State = StateCancelled
				emitter.Emit(ctx, "Run cancelled")
				logger.Warn("Run cancelled remotely")
				return emptyResult(runID, StateCancelled, run.Status), nil
			}
		}

		ps.Elapsed = p.now().Sub(ps.StartTime)
		if waitMax > 0 && ps.Elapsed > waitMax {
			ps.State = StateTimedOut
			emitter.Emit(ctx, fmt.Sprintf("Timed out after %s", ps.Elapsed.Round(time.Second)))
			return nil, &TimeoutError{RunID: runID, WaitMax: waitMax, LastStatus: ps.LastStatus}
		}

		emitter.Emit(ctx, progressText(ps, run))
		logger.WithFields(logrus.Fields{
			"status":    ps.LastStatus,
			"iteration": ps.Iterations,
			"elapsed":   ps.Elapsed,
		}).Debug("Run still in progress")

		if err := host.CheckInterrupt(ctx, opts.Interrupt); err != nil {
			ps.State = StateInterrupted
			return nil, err
		}
		if err := p.sleep(ctx, p.config.PollInterval); err != nil {
			ps.State = StateInterrupted
			return nil, host.ErrInterrupted
		}
	}
}

// DownloadOnly awaits already submitted runs and concatenates their results
func (p *Poller) DownloadOnly(ctx context.Context, runIDs []string, opts Options) (*Result, error) {
	combined := &Result{State: StateCompleted}
	var images []frames.Frame

	for _, runID := range runIDs {
		runID = strings.TrimSpace(runID)
		if runID == "" {
			continue
		}
		res, err := p.Await(ctx, runID, opts)
		if err != nil {
			return nil, err
		}
		if combined.RunID == "" {
			combined.RunID = runID
		}
		combined.Status = res.Status
		if res.State != StateCompleted {
			continue
		}
		combined.Paths = append(combined.Paths, res.Paths...)
		combined.Videos = append(combined.Videos, res.Videos...)
		combined.Artifacts.Images = append(combined.Artifacts.Images, res.Artifacts.Images...)
		combined.Artifacts.Videos = append(combined.Artifacts.Videos, res.Artifacts.Videos...)
		combined.Artifacts.Others = append(combined.Artifacts.Others, res.Artifacts.Others...)
		images = append(images, res.decoded...)
	}

	batch, err := frames.Stack(images)
	if err != nil {
		return nil, err
	}
	combined.Images = batch
	return combined, nil
}

// collect extracts, downloads and materializes the artifacts of a finished run
func (p *Poller) collect(ctx context.Context, run *interfaces.RunStatus, opts Options, ps *PollState) (*Result, error) {
	set := opts.Filter.Apply(artifact.Extract(run.Payload))
	res := &Result{
		RunID:     ps.RunID,
		State:     StateCompleted,
		Status:    run.Status,
		Artifacts: set,
	}

	locate := func(a artifact.Artifact) (string, error) { return a.SourceURL, nil }
	if folder := strings.TrimSpace(opts.OutputFolder); folder != "" {
		if p.fetcher == nil {
			return nil, fmt.Errorf("output folder given but no downloader configured")
		}
		emitter := emitterOf(opts)
		total := set.Len()
		done := 0
		locate = func(a artifact.Artifact) (string, error) {
			done++
			emitter.Emit(ctx, fmt.Sprintf("Downloading %d/%d", done, total))
			return p.fetcher.Download(ctx, a.SourceURL, folder, a.SuggestedFilename)
		}
	}

	var imageSources []string
	for _, a := range set.All() {
		loc, err := locate(a)
		if err != nil {
			if ctx.Err() != nil {
				return nil, host.ErrInterrupted
			}
			return nil, fmt.Errorf("failed to download artifact: %w", err)
		}
		res.Paths = append(res.Paths, loc)
		switch a.Kind {
		case artifact.KindImage:
			imageSources = append(imageSources, loc)
		case artifact.KindVideo:
			res.Videos = append(res.Videos, loc)
		}
	}

	res.decoded = p.decodeAll(ctx, imageSources)
	batch, err := frames.Stack(res.decoded)
	if err != nil {
		return nil, err
	}
	res.Images = batch

	p.logger.WithFields(logrus.Fields{
		"run_id":     ps.RunID,
		"images":     len(set.Images),
		"videos":     len(set.Videos),
		"others":     len(set.Others),
		"iterations": ps.Iterations,
		"duration":   p.now().Sub(ps.StartTime),
	}).Info("Run completed")

	emitterOf(opts).Emit(ctx, fmt.Sprintf("Done: %d files", len(res.Paths)))
	return res, nil
}

// permanentPollError reports errors that polling again cannot fix: a
// missing credential or a response body that does not parse
func permanentPollError(err error) bool {
	return errors.Is(err, config.ErrAPIKeyRequired) || errors.Is(err, interfaces.ErrMalformedResponse)
}

// decodeAll decodes image sources, skipping the ones that fail
func (p *Poller) decodeAll(ctx context.Context, srcs []string) []frames.Frame {
	decoded := make([]frames.Frame, 0, len(srcs))
	for _, src := range srcs {
		frame, err := p.loader.Load(ctx, src)
		if err != nil {
			p.logger.WithError(err).WithField("source", src).Warn("Skipping undecodable image")
			continue
		}
		decoded = append(decoded, frame)
	}
	return decoded
}

func progressText(ps *PollState, run *interfaces.RunStatus) string {
	text := fmt.Sprintf("Status: %s (%ds)", orDash(ps.LastStatus), int(ps.Elapsed.Seconds()))
	if run != nil {
		if run.LiveStatus != "" {
			text += " " + run.LiveStatus
		}
		if run.Progress > 0 {
			text += fmt.Sprintf(" %.0f%%", run.Progress*100)
		}
	}
	return text
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func emitterOf(opts Options) status.Emitter {
	if opts.Status == nil {
		return status.Nop()
	}
	return opts.Status
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
