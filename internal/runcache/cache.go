// Package runcache persists remote run ids as marker files so separate node
// invocations can hand run ids to each other.
//
// Layout: <baseDir>/<user>/RunIDCache/<scope>/<runId>. Removed entries are
// renamed to _removed_<runId> and kept for auditing.
package runcache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"comfydeploy/internal/config"
)

const (
	// DirName is the cache directory created under each user root
	DirName = "RunIDCache"
	// RemovedPrefix marks soft-deleted entries
	RemovedPrefix = "_removed_"
	// DefaultUser is used when no client identifier is available
	DefaultUser = "default"

	claimPrefix = ".claim-"
)

// cache errors
var (
	ErrNotFound    = errors.New("no cached run id found")
	ErrInvalidName = errors.New("invalid cache name")
)

// Entry is one live cache entry
type Entry struct {
	RunID   string    `json:"run_id"`
	ModTime time.Time `json:"mod_time"`
}

// Cache file-backed run id cache
type Cache struct {
	baseDir string
	logger  *logrus.Logger
}

// New creates a cache rooted at baseDir (the host's user directory)
func New(baseDir string, logger *logrus.Logger) *Cache {
	if logger == nil {
		logger = config.NewLogger()
	}
	return &Cache{baseDir: baseDir, logger: logger}
}

// UserRoot resolves the per-user directory for a client identifier.
// Without an identifier the single-tenant default user is used.
func (c *Cache) UserRoot(clientID string) (string, error) {
	user := strings.TrimSpace(clientID)
	if user == "" {
		user = DefaultUser
	}
	if err := validateName("user", user); err != nil {
		return "", err
	}
	return filepath.Join(c.baseDir, user), nil
}

// ScopeDir returns the directory holding a scope's entries
func (c *Cache) ScopeDir(scope, userID string) (string, error) {
	if err := validateName("scope", scope); err != nil {
		return "", err
	}
	root, err := c.UserRoot(userID)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, DirName, scope), nil
}

// Save writes an empty marker for runID. Saving the same id twice leaves a
// single entry.
func (c *Cache) Save(scope, runID, userID string) error {
	runID = strings.TrimSpace(runID)
	if err := validateName("run id", runID); err != nil {
		return err
	}
	dir, err := c.ScopeDir(scope, userID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create scope directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, runID), nil, 0o644); err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"scope":  scope,
		"run_id": runID,
		"user":   userID,
	}).Debug("Run id cached")
	return nil
}

// ListLive returns live entries ordered by modification time, oldest first
func (c *Cache) ListLive(scope, userID string) ([]Entry, error) {
	dir, err := c.ScopeDir(scope, userID)
	if err != nil {
		return nil, err
	}
	return listLive(dir)
}

// RunIDs is ListLive reduced to the identifiers
func (c *Cache) RunIDs(scope, userID string) ([]string, error) {
	entries, err := c.ListLive(scope, userID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.RunID
	}
	return ids, nil
}

// ClaimOldest returns the oldest live run id. With remove set the entry is
// claimed atomically: the marker is renamed away first, so two concurrent
// claimers never receive the same id.
func (c *Cache) ClaimOldest(scope, userID string, remove bool) (string, error) {
	dir, err := c.ScopeDir(scope, userID)
	if err != nil {
		return "", err
	}
	entries, err := listLive(dir)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("%w in scope %q", ErrNotFound, scope)
	}
	if !remove {
		return entries[0].RunID, nil
	}

	for _, e := range entries {
		claimed := filepath.Join(dir, claimPrefix+uuid.New().String())
		if err := os.Rename(filepath.Join(dir, e.RunID), claimed); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// another claimer won this one
				continue
			}
			c.logger.WithError(err).WithFields(logrus.Fields{
				"scope":  scope,
				"run_id": e.RunID,
			}).Warn("Failed to mark cached run id as removed")
			return e.RunID, nil
		}

		if err := os.Rename(claimed, filepath.Join(dir, RemovedPrefix+e.RunID)); err != nil {
			c.logger.WithError(err).WithFields(logrus.Fields{
				"scope":  scope,
				"run_id": e.RunID,
			}).Warn("Failed to rename claimed run id")
		}

		c.logger.WithFields(logrus.Fields{
			"scope":  scope,
			"run_id": e.RunID,
		}).Debug("Run id claimed")
		return e.RunID, nil
	}

	return "", fmt.Errorf("%w in scope %q", ErrNotFound, scope)
}

// Clear soft-deletes every live entry in scope and returns how many were removed
func (c *Cache) Clear(scope, userID string) (int, error) {
	dir, err := c.ScopeDir(scope, userID)
	if err != nil {
		return 0, err
	}
	entries, err := listLive(dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		err := os.Rename(filepath.Join(dir, e.RunID), filepath.Join(dir, RemovedPrefix+e.RunID))
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				c.logger.WithError(err).WithField("run_id", e.RunID).Warn("Failed to clear cached run id")
			}
			continue
		}
		removed++
	}
	return removed, nil
}

func listLive(dir string) ([]Entry, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cache directory: %w", err)
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || strings.HasPrefix(name, RemovedPrefix) || strings.HasPrefix(name, claimPrefix) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		entries = append(entries, Entry{RunID: name, ModTime: info.ModTime()})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].ModTime.Equal(entries[j].ModTime) {
			return entries[i].RunID < entries[j].RunID
		}
		return entries[i].ModTime.Before(entries[j].ModTime)
	})
	return entries, nil
}

func validateName(kind, name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: empty or relative %s", ErrInvalidName, kind)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%w: %s %q contains a path separator", ErrInvalidName, kind, name)
	case strings.HasPrefix(name, RemovedPrefix), strings.HasPrefix(name, claimPrefix):
		return fmt.Errorf("%w: %s %q uses a reserved prefix", ErrInvalidName, kind, name)
	}
	return nil
}
