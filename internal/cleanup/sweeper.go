// Package cleanup reclaims expired blobs. Retention is enforced purely by
// file age against the per-container policies; execution records are kept
// forever and never touched here.
package cleanup

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mtaverner/toolgate/internal/blobpath"
	"github.com/mtaverner/toolgate/internal/log"
)

// Sweeper periodically deletes blobs that outlived their container's
// retention policy.
type Sweeper struct {
	root     string
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// New creates a sweeper over the blob root directory.
func New(root string, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		root:     root,
		interval: interval,
		now:      time.Now,
		logger:   log.WithComponent("cleanup"),
	}
}

// Start runs the sweep loop until ctx is cancelled. One sweep runs
// immediately so a long-stopped service catches up on restart.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("cleanup sweeper started", "root", s.root, "interval", s.interval)

	s.sweep(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("cleanup sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	removed, err := s.SweepOnce(ctx)
	if err != nil {
		s.logger.Error("sweep failed", "error", err)
		return
	}
	if removed > 0 {
		s.logger.Info("sweep reclaimed expired blobs", "removed", removed)
	}
}

// SweepOnce walks every container once and removes expired objects. It
// returns the number of objects removed. Errors on individual objects are
// logged and skipped; only a failure to read a container aborts it.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	total := 0
	for _, policy := range blobpath.Policies() {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := s.sweepContainer(policy)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (s *Sweeper) sweepContainer(policy blobpath.RetentionPolicy) (int, error) {
	dir := filepath.Join(s.root, string(policy.Container))
	cutoff := s.now().Add(-policy.MaxAge)

	// Working files live in one directory per execution and are reclaimed as
	// a unit, keyed on the directory's own age.
	if policy.Container == blobpath.ContainerTemp {
		return s.sweepDirs(dir, cutoff)
	}
	return s.sweepFiles(dir, cutoff)
}

func (s *Sweeper) sweepFiles(dir string, cutoff time.Time) (int, error) {
	removed := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			s.logger.Warn("stat failed during sweep", "path", path, "error", err)
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil {
				s.logger.Warn("remove failed during sweep", "path", path, "error", err)
				return nil
			}
			removed++
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return removed, nil
	}
	return removed, err
}

func (s *Sweeper) sweepDirs(dir string, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			s.logger.Warn("stat failed during sweep", "path", path, "error", err)
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			s.logger.Warn("remove failed during sweep", "path", path, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
