package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/SergueiMoscow/surveillance/internal/logger"
	"github.com/SergueiMoscow/surveillance/internal/metrics"
	"github.com/SergueiMoscow/surveillance/internal/service"
)

// ErrLimitUnsatisfiable is returned when the archive is over its limit but
// no further file can be deleted
var ErrLimitUnsatisfiable = errors.New("archive size limit cannot be satisfied")

// EvictionRecorder is notified of every file the archive manager deletes
type EvictionRecorder interface {
	MarkEvicted(ctx context.Context, path string, sizeBytes int64, evictedAt time.Time) error
}

// OpenSegments reports paths that are still being written
type OpenSegments interface {
	Contains(path string) bool
}

// ArchiveConfig contains archive manager configuration
type ArchiveConfig struct {
	Root               string
	MaxBytes           int64
	Interval           time.Duration
	BatchSize          int
	AllowTodayEviction bool
}

// SweepResult summarizes one sweep
type SweepResult struct {
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	LimitBytes   int64     `json:"limit_bytes"`
	InitialBytes int64     `json:"initial_bytes"`
	FinalBytes   int64     `json:"final_bytes"`
	Batches      int       `json:"batches"`
	EvictedFiles int       `json:"evicted_files"`
	EvictedBytes int64     `json:"evicted_bytes"`
	RemovedDirs  int       `json:"removed_dirs"`
	SkippedFiles int       `json:"skipped_files"`
	FailedFiles  int       `json:"failed_files"`
	Protected    int       `json:"protected_files"`
	Error        string    `json:"error,omitempty"`
}

type archiveFile struct {
	path    string
	size    int64
	modTime time.Time
}

// ArchiveManager keeps the recording tree under a size limit by deleting
// the oldest files first. It only touches the filesystem; writers are
// never blocked.
type ArchiveManager struct {
	*service.ServiceBase
	cfg      ArchiveConfig
	open     OpenSegments
	recorder EvictionRecorder
	now      func() time.Time
	remove   func(path string) error

	sweepMu sync.Mutex

	mu     sync.RWMutex
	last   *SweepResult
	cancel context.CancelFunc
	done   chan struct{}
}

// NewArchiveManager creates an archive manager. open and recorder may be nil.
func NewArchiveManager(cfg ArchiveConfig, open OpenSegments, recorder EvictionRecorder, log *logger.Logger) *ArchiveManager {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	return &ArchiveManager{
		ServiceBase: service.NewServiceBase("archive-manager", log),
		cfg:         cfg,
		open:        open,
		recorder:    recorder,
		now:         time.Now,
		remove:      os.Remove,
	}
}

// Name returns the service name
func (a *ArchiveManager) Name() string {
	return "archive-manager"
}

// Start creates the root directory and starts the sweep loop
func (a *ArchiveManager) Start(ctx context.Context) error {
	a.GetStatus().SetStatus(service.StatusStarting)

	if err := os.MkdirAll(a.cfg.Root, 0755); err != nil {
		err = fmt.Errorf("failed to create archive root: %w", err)
		a.GetStatus().SetError(err)
		return err
	}
	metrics.ArchiveLimitBytes.Set(float64(a.cfg.MaxBytes))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	a.mu.Lock()
	a.cancel = cancel
	a.done = done
	a.mu.Unlock()

	go func() {
		defer close(done)
		a.Run(runCtx)
	}()

	a.LogInfo("Archive manager started",
		"root", a.cfg.Root,
		"max_bytes", a.cfg.MaxBytes,
		"interval", a.cfg.Interval,
		"batch_size", a.cfg.BatchSize,
	)
	a.GetStatus().SetStatus(service.StatusRunning)
	return nil
}

// Stop stops the sweep loop and waits for a running sweep to finish
func (a *ArchiveManager) Stop(ctx context.Context) error {
	a.GetStatus().SetStatus(service.StatusStopping)

	a.mu.RLock()
	cancel, done := a.cancel, a.done
	a.mu.RUnlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	a.GetStatus().SetStatus(service.StatusStopped)
	return nil
}

// Run sweeps immediately and then every interval until ctx is done
func (a *ArchiveManager) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := a.Sweep(ctx); err != nil && ctx.Err() == nil {
			a.LogError("Archive sweep failed", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// LastResult returns the result of the most recent sweep
func (a *ArchiveManager) LastResult() (SweepResult, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.last == nil {
		return SweepResult{}, false
	}
	return *a.last, true
}

// Sweep deletes the oldest files in batches until the archive fits the
// limit. The total is recomputed after every batch.
func (a *ArchiveManager) Sweep(ctx context.Context) (SweepResult, error) {
	a.sweepMu.Lock()
	defer a.sweepMu.Unlock()

	res := SweepResult{StartedAt: a.now(), LimitBytes: a.cfg.MaxBytes}
	start := time.Now()
	err := a.sweep(ctx, &res)
	res.FinishedAt = a.now()
	if err != nil {
		res.Error = err.Error()
		reason := "io"
		if errors.Is(err, ErrLimitUnsatisfiable) {
			reason = "unsatisfiable"
		} else if ctx.Err() != nil {
			reason = "cancelled"
		}
		metrics.SweepErrors.WithLabelValues(reason).Inc()
	}
	metrics.SweepDuration.Observe(time.Since(start).Seconds())
	metrics.ArchiveBytes.Set(float64(res.FinalBytes))

	a.mu.Lock()
	a.last = &res
	a.mu.Unlock()

	if res.EvictedFiles > 0 || err != nil {
		a.PublishEvent(service.EventTypeArchiveSwept, map[string]interface{}{
			"initial_bytes": res.InitialBytes,
			"final_bytes":   res.FinalBytes,
			"evicted_files": res.EvictedFiles,
			"evicted_bytes": res.EvictedBytes,
			"error":         res.Error,
		})
	}
	return res, err
}

func (a *ArchiveManager) sweep(ctx context.Context, res *SweepResult) error {
	files, total, skipped := a.scan()
	res.InitialBytes = total
	res.FinalBytes = total
	res.SkippedFiles = skipped

	if total <= a.cfg.MaxBytes {
		a.LogDebug("Archive within limit", "bytes", total, "limit", a.cfg.MaxBytes)
		return nil
	}

	a.LogWarn("Archive exceeds size limit, evicting oldest files",
		"bytes", total,
		"limit", a.cfg.MaxBytes,
	)
	a.PublishEvent(service.EventTypeStorageFull, map[string]interface{}{
		"bytes":       total,
		"limit_bytes": a.cfg.MaxBytes,
	})

	// files that failed to delete are not retried within this sweep
	failed := make(map[string]bool)
	for total > a.cfg.MaxBytes {
		if err := ctx.Err(); err != nil {
			return err
		}

		candidates, protected := a.candidates(files, failed)
		res.Protected = protected
		if len(candidates) == 0 {
			a.LogError("Archive is over its limit but nothing can be deleted", ErrLimitUnsatisfiable,
				"bytes", total,
				"limit", a.cfg.MaxBytes,
				"protected_files", protected,
				"failed_files", len(failed),
			)
			return ErrLimitUnsatisfiable
		}
		if len(candidates) > a.cfg.BatchSize {
			candidates = candidates[:a.cfg.BatchSize]
		}

		batch := a.evict(ctx, candidates)
		res.Batches++
		res.EvictedFiles += batch.deleted
		res.EvictedBytes += batch.bytes
		res.RemovedDirs += batch.dirs
		for _, path := range batch.failed {
			failed[path] = true
		}
		res.FailedFiles = len(failed)

		if batch.deleted > 0 {
			a.PublishEvent(service.EventTypeArchiveEvicted, map[string]interface{}{
				"files": batch.deleted,
				"bytes": batch.bytes,
			})
		}

		files, total, skipped = a.scan()
		res.FinalBytes = total
		res.SkippedFiles = skipped
		a.LogInfo("Archive batch evicted",
			"files", batch.deleted,
			"bytes", batch.bytes,
			"vanished", batch.vanished,
			"failed", len(batch.failed),
			"archive_bytes", total,
		)
	}
	return nil
}

// scan walks the root and returns every regular file. Files that cannot be
// stat'ed are skipped and counted.
func (a *ArchiveManager) scan() ([]archiveFile, int64, int) {
	var (
		files   []archiveFile
		total   int64
		skipped int
	)

	err := filepath.WalkDir(a.cfg.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == a.cfg.Root {
				return err
			}
			a.LogWarn("Failed to read archive entry", "path", path, "error", err)
			skipped++
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			a.LogWarn("Failed to stat archive file", "path", path, "error", err)
			skipped++
			return nil
		}
		files = append(files, archiveFile{path: path, size: info.Size(), modTime: info.ModTime()})
		total += info.Size()
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		a.LogWarn("Failed to walk archive root", "root", a.cfg.Root, "error", err)
	}
	return files, total, skipped
}

// candidates returns deletable files, oldest first with ties broken by
// path, and the number of protected files. Paths in skip are left out.
func (a *ArchiveManager) candidates(files []archiveFile, skip map[string]bool) ([]archiveFile, int) {
	out := make([]archiveFile, 0, len(files))
	protected := 0
	for _, f := range files {
		if skip[f.path] {
			continue
		}
		if a.isProtected(f.path) {
			protected++
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].modTime.Equal(out[j].modTime) {
			return out[i].modTime.Before(out[j].modTime)
		}
		return out[i].path < out[j].path
	})
	return out, protected
}

// isProtected reports whether a file is an open segment or, unless today
// eviction is allowed, lives in a camera's directory for the current day
func (a *ArchiveManager) isProtected(path string) bool {
	if a.open != nil && a.open.Contains(path) {
		return true
	}
	if a.cfg.AllowTodayEviction {
		return false
	}

	rel, err := filepath.Rel(a.cfg.Root, path)
	if err != nil {
		return false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 5 {
		return false
	}
	today := a.now()
	return parts[1] == today.Format("2006") && parts[2] == today.Format("01") && parts[3] == today.Format("02")
}

type evictResult struct {
	deleted  int
	bytes    int64
	dirs     int
	vanished int
	failed   []string
}

// evict deletes a batch and prunes emptied directories after each file.
// Files already gone are not counted as evictions.
func (a *ArchiveManager) evict(ctx context.Context, batch []archiveFile) evictResult {
	var res evictResult
	for _, f := range batch {
		if err := a.remove(f.path); err != nil {
			if os.IsNotExist(err) {
				a.LogDebug("Archive file already removed", "path", f.path)
				res.vanished++
				res.dirs += a.pruneEmptyDirs(filepath.Dir(f.path))
				continue
			}
			a.LogWarn("Failed to delete archive file", "path", f.path, "error", err)
			res.failed = append(res.failed, f.path)
			continue
		}
		res.deleted++
		res.bytes += f.size
		res.dirs += a.pruneEmptyDirs(filepath.Dir(f.path))

		metrics.EvictedFiles.Inc()
		metrics.EvictedBytes.Add(float64(f.size))
		a.LogDebug("Evicted archive file", "path", f.path, "bytes", f.size)

		if a.recorder != nil {
			if err := a.recorder.MarkEvicted(ctx, f.path, f.size, a.now()); err != nil {
				a.LogWarn("Failed to record eviction", "path", f.path, "error", err)
			}
		}
	}
	return res
}

// pruneEmptyDirs removes dir and its parents while they are empty,
// stopping at the archive root
func (a *ArchiveManager) pruneEmptyDirs(dir string) int {
	root := filepath.Clean(a.cfg.Root)
	removed := 0
	for {
		dir = filepath.Clean(dir)
		rel, err := filepath.Rel(root, dir)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return removed
		}

		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return removed
		}
		if err := os.Remove(dir); err != nil {
			a.LogDebug("Failed to remove empty directory", "path", dir, "error", err)
			return removed
		}
		removed++
		dir = filepath.Dir(dir)
	}
}
