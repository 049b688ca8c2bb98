// Package janitor periodically removes workdirs and delta locks left behind
// by requests that never reached their own cleanup.
package janitor

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/gridctl/fleetbuild/pkg/delta"
	"github.com/gridctl/fleetbuild/pkg/logging"
)

// Options configures a Janitor.
type Options struct {
	WorkdirRoot   string
	WorkdirMaxAge time.Duration
	LockDir       string
	LockCeiling   time.Duration
	Interval      time.Duration
}

// Result counts what one sweep removed.
type Result struct {
	Workdirs int
	Locks    int
}

// Janitor runs Sweep on a schedule.
type Janitor struct {
	opts      Options
	scheduler gocron.Scheduler
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Janitor. It does nothing until Start is called.
func New(opts Options) (*Janitor, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	return &Janitor{
		opts:      opts,
		scheduler: s,
		logger:    logging.NewDiscardLogger(),
		now:       time.Now,
	}, nil
}

// SetLogger sets the logger for sweep operations.
func (j *Janitor) SetLogger(logger *slog.Logger) {
	if logger != nil {
		j.logger = logger
	}
}

// Start schedules the sweep every Interval, beginning immediately.
func (j *Janitor) Start() error {
	_, err := j.scheduler.NewJob(
		gocron.DurationJob(j.opts.Interval),
		gocron.NewTask(func() { j.Sweep() }),
		gocron.WithName("sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("failed to create sweep job: %w", err)
	}
	j.logger.Info("starting janitor", "interval", j.opts.Interval)
	j.scheduler.Start()
	return nil
}

// Stop waits for a running sweep and stops the scheduler.
func (j *Janitor) Stop() error {
	j.logger.Info("stopping janitor")
	return j.scheduler.Shutdown()
}

// Sweep removes workdirs older than WorkdirMaxAge and locks whose lease
// expired more than one ceiling ago. Locks without a readable lease are
// removed once they are older than two ceilings.
func (j *Janitor) Sweep() Result {
	var res Result
	now := j.now()

	for _, entry := range j.entries(j.opts.WorkdirRoot) {
		path := filepath.Join(j.opts.WorkdirRoot, entry.Name())
		if age, ok := ageOf(entry, now); ok && age > j.opts.WorkdirMaxAge {
			if j.remove(path, "workdir") {
				res.Workdirs++
			}
		}
	}

	for _, entry := range j.entries(j.opts.LockDir) {
		path := filepath.Join(j.opts.LockDir, entry.Name())
		if j.staleLock(path, entry, now) && j.remove(path, "lock") {
			res.Locks++
		}
	}

	if res.Workdirs > 0 || res.Locks > 0 {
		j.logger.Info("sweep complete", "workdirs", res.Workdirs, "locks", res.Locks)
	}
	return res
}

func (j *Janitor) staleLock(path string, entry fs.DirEntry, now time.Time) bool {
	lease, err := delta.ReadLease(path)
	if err == nil {
		return now.Sub(lease.ExpiresAt) > j.opts.LockCeiling
	}
	age, ok := ageOf(entry, now)
	return ok && age > 2*j.opts.LockCeiling
}

func (j *Janitor) entries(dir string) []fs.DirEntry {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			j.logger.Warn("cannot list directory", "path", dir, "error", err)
		}
		return nil
	}
	dirs := entries[:0]
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e)
		}
	}
	return dirs
}

func (j *Janitor) remove(path, kind string) bool {
	if err := os.RemoveAll(path); err != nil {
		j.logger.Warn("failed to remove "+kind, "path", path, "error", err)
		return false
	}
	j.logger.Info("removed abandoned "+kind, "path", path)
	return true
}

func ageOf(entry fs.DirEntry, now time.Time) (time.Duration, bool) {
	info, err := entry.Info()
	if err != nil {
		return 0, false
	}
	return now.Sub(info.ModTime()), true
}
