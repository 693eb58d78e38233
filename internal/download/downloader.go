package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"comfydeploy/internal/config"
)

// download errors
var (
	ErrDestinationRequired = errors.New("destination folder is required")
	ErrNoFreeName          = errors.New("no free filename")
)

// StatusError is returned when the remote host answers with a non-2xx status
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("download %s: unexpected status code: %d", e.URL, e.StatusCode)
}

// Options downloader options
type Options struct {
	HTTPClient *http.Client
	Attempts   int           // total attempts per URL
	Backoff    time.Duration // fixed delay between attempts
	ChunkSize  int           // copy buffer size
	RateLimit  float64       // requests per second across all downloads, 0 disables
	Logger     *logrus.Logger
}

// OptionsFromConfig builds downloader options from the application config
func OptionsFromConfig(cfg config.DownloadConfig) Options {
	return Options{
		Attempts:  cfg.Attempts,
		Backoff:   cfg.Backoff,
		ChunkSize: cfg.ChunkSize,
		RateLimit: cfg.RateLimit,
	}
}

// Downloader fetches remote artifacts into a local folder without ever
// overwriting an existing file
type Downloader struct {
	client    *http.Client
	attempts  int
	backoff   time.Duration
	chunkSize int
	limiter   *rate.Limiter
	logger    *logrus.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultTimeout bounds a single download when no client is supplied
const DefaultTimeout = 10 * time.Minute

// NewDownloader creates a downloader
func NewDownloader(opts Options) *Downloader {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	if opts.Attempts < 1 {
		opts.Attempts = 3
	}
	if opts.Backoff < 0 {
		opts.Backoff = 0
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 64 * 1024
	}
	logger := opts.Logger
	if logger == nil {
		logger = config.NewLogger()
	}

	d := &Downloader{
		client:    client,
		attempts:  opts.Attempts,
		backoff:   opts.Backoff,
		chunkSize: opts.ChunkSize,
		logger:    logger,
		sleep:     sleepContext,
	}
	if opts.RateLimit > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}
	return d
}

// Download fetches rawURL into destFolder and returns the local path.
// Transient failures are retried with a fixed backoff; after the last
// attempt the error is returned to the caller.
func (d *Downloader) Download(ctx context.Context, rawURL, destFolder, preferredName string) (string, error) {
	destFolder = strings.TrimSpace(destFolder)
	if destFolder == "" {
		return "", ErrDestinationRequired
	}
	if err := os.MkdirAll(destFolder, 0o755); err != nil {
		return "", fmt.Errorf("failed to create destination folder: %w", err)
	}

	name := FilenameFor(rawURL, preferredName)

	var lastErr error
	for attempt := 1; attempt <= d.attempts; attempt++ {
		if attempt > 1 {
			if err := d.sleep(ctx, d.backoff); err != nil {
				return "", err
			}
		}

		localPath, err := d.fetchOnce(ctx, rawURL, destFolder, name)
		if err == nil {
			d.logger.WithFields(logrus.Fields{
				"url":     rawURL,
				"path":    localPath,
				"attempt": attempt,
			}).Debug("Artifact downloaded")
			return localPath, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
		d.logger.WithError(err).WithFields(logrus.Fields{
			"url":      rawURL,
			"attempt":  attempt,
			"attempts": d.attempts,
		}).Warn("Download attempt failed")
	}

	return "", fmt.Errorf("failed to download %s after %d attempts: %w", rawURL, d.attempts, lastErr)
}

// fetchOnce streams the body into a temp file inside destFolder, then moves
// it onto a freshly reserved name
func (d *Downloader) fetchOnce(ctx context.Context, rawURL, destFolder, name string) (string, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", &StatusError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	tmp, err := os.CreateTemp(destFolder, ".download-*.part")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	buf := make([]byte, d.chunkSize)
	if _, err := io.CopyBuffer(tmp, resp.Body, buf); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("failed to write body: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}

	target, err := reserveFile(destFolder, name)
	if err != nil {
		return "", err
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(target)
		return "", fmt.Errorf("failed to move download into place: %w", err)
	}
	committed = true

	if abs, err := filepath.Abs(target); err == nil {
		target = abs
	}
	return target, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
