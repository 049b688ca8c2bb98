package delta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/gridctl/fleetbuild/pkg/logging"
)

// LeaseFile is the name of the lease inside a lock directory.
const LeaseFile = "lease.json"

// ErrLockHeld is returned by Acquire when another builder created the lock
// first and takeover was not requested.
var ErrLockHeld = errors.New("delta lock held by another builder")

// Lease records who holds a delta lock and until when it is trusted.
type Lease struct {
	Owner      string    `json:"owner"`
	Reference  string    `json:"reference"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// ReadLease reads the lease of the lock directory at path.
func ReadLease(path string) (*Lease, error) {
	data, err := os.ReadFile(filepath.Join(path, LeaseFile))
	if err != nil {
		return nil, err
	}
	var l Lease
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("parsing lease: %w", err)
	}
	return &l, nil
}

// Locker coordinates delta builds through lock directories under one root.
// Exclusion is advisory: a waiter that reaches the ceiling takes the lock
// over, so a build that outlives the ceiling can overlap with another.
type Locker struct {
	root    string
	ceiling time.Duration
	poll    time.Duration
	logger  *slog.Logger
}

// NewLocker creates a Locker rooted at root.
func NewLocker(root string, ceiling, poll time.Duration) *Locker {
	if poll <= 0 {
		poll = time.Second
	}
	return &Locker{
		root:    root,
		ceiling: ceiling,
		poll:    poll,
		logger:  logging.NewDiscardLogger(),
	}
}

// SetLogger sets the logger.
func (l *Locker) SetLogger(logger *slog.Logger) {
	if logger != nil {
		l.logger = logger
	}
}

// Root returns the directory holding lock directories.
func (l *Locker) Root() string { return l.root }

// Ceiling returns how long Wait waits before overriding a lock.
func (l *Locker) Ceiling() time.Duration { return l.ceiling }

// Path returns the lock directory for name.
func (l *Locker) Path(name string) string {
	return filepath.Join(l.root, name)
}

// Wait blocks while the lock for name exists, re-checking every poll
// interval and whenever the lock root changes. After the ceiling it gives up
// waiting and reports overridden; the caller proceeds anyway.
func (l *Locker) Wait(ctx context.Context, name string) (waited time.Duration, overridden bool, err error) {
	path := l.Path(name)
	if !exists(path) {
		return 0, false, nil
	}

	start := time.Now()
	logger := l.logger.With("lock", path)
	logger.Info("waiting for delta lock", "ceiling", l.ceiling)

	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	if w, werr := fsnotify.NewWatcher(); werr == nil {
		defer w.Close()
		if werr := w.Add(l.root); werr == nil {
			events, watchErrs = w.Events, w.Errors
		} else {
			logger.Debug("watching lock root failed, polling only", "error", werr)
		}
	}

	deadline := time.NewTimer(l.ceiling)
	defer deadline.Stop()
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return time.Since(start), false, ctx.Err()
		case <-deadline.C:
			if !exists(path) {
				return time.Since(start), false, nil
			}
			logger.Warn("delta lock ceiling reached, proceeding without it", "waited", time.Since(start))
			return time.Since(start), true, nil
		case <-ticker.C:
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Name != path || !ev.Has(fsnotify.Remove) {
				continue
			}
		case werr, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			logger.Debug("lock watcher error", "error", werr)
			continue
		}
		if !exists(path) {
			return time.Since(start), false, nil
		}
	}
}

// Lock is a held delta lock.
type Lock struct {
	path   string
	owner  string
	logger *slog.Logger
}

// Acquire creates the lock directory for name and writes a lease naming a
// fresh owner. If the directory already exists it is taken over only when
// takeover is set, which callers do once Wait has passed the ceiling;
// otherwise ErrLockHeld is returned and the caller waits again.
func (l *Locker) Acquire(name, reference string, takeover bool) (*Lock, error) {
	if err := os.MkdirAll(l.root, 0o755); err != nil {
		return nil, fmt.Errorf("creating lock root: %w", err)
	}

	path := l.Path(name)
	if err := os.Mkdir(path, 0o755); err != nil {
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("creating lock: %w", err)
		}
		if !takeover {
			return nil, ErrLockHeld
		}
		l.logger.Warn("taking over existing delta lock", "lock", path)
	}

	now := time.Now().UTC()
	lease := Lease{
		Owner:      uuid.NewString(),
		Reference:  reference,
		AcquiredAt: now,
		ExpiresAt:  now.Add(l.ceiling),
	}
	data, err := json.Marshal(lease)
	if err != nil {
		return nil, fmt.Errorf("marshaling lease: %w", err)
	}
	tmp := filepath.Join(path, LeaseFile+".tmp-"+lease.Owner)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.RemoveAll(path)
		return nil, fmt.Errorf("writing lease: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(path, LeaseFile)); err != nil {
		_ = os.RemoveAll(path)
		return nil, fmt.Errorf("writing lease: %w", err)
	}

	return &Lock{path: path, owner: lease.Owner, logger: l.logger}, nil
}

// Path returns the lock directory.
func (lk *Lock) Path() string { return lk.path }

// Owner returns the owner id written to the lease.
func (lk *Lock) Owner() string { return lk.owner }

// Release removes the lock directory if the lease still names this owner.
// A lock taken over by another builder is left alone.
func (lk *Lock) Release() error {
	lease, err := ReadLease(lk.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading lease: %w", err)
	}
	if lease.Owner != lk.owner {
		lk.logger.Warn("delta lock owned by another builder, leaving it", "lock", lk.path, "owner", lease.Owner)
		return nil
	}
	if err := os.RemoveAll(lk.path); err != nil {
		return fmt.Errorf("removing lock: %w", err)
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
