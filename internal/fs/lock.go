package fs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/ajaxzhan/simfs/internal/metrics"
	"github.com/ajaxzhan/simfs/pkg/types"
)

// LockHandle is a granted advisory lock on a canonical path.
type LockHandle struct {
	ID         string         `json:"id"`
	Path       string         `json:"path"`
	Kind       types.LockKind `json:"kind"`
	Owner      uint32         `json:"owner"`
	AcquiredAt time.Time      `json:"acquired_at"`
}

// BackoffOptions controls how Acquire polls a contended path.
type BackoffOptions struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultBackoffOptions returns the polling schedule used when none is set.
func DefaultBackoffOptions() BackoffOptions {
	return BackoffOptions{
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     time.Second,
		Multiplier:     2,
	}
}

func (o BackoffOptions) next(d time.Duration) time.Duration {
	if d <= 0 {
		return o.InitialBackoff
	}
	d = time.Duration(float64(d) * o.Multiplier)
	if d > o.MaxBackoff {
		d = o.MaxBackoff
	}
	return d
}

// LockManager grants advisory shared/exclusive locks keyed by path.
// Locks are cooperative: ordinary reads and writes do not consult them.
type LockManager struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	backoff BackoffOptions
	metrics *metrics.Metrics
	byPath  map[string][]*LockHandle
	byID    map[string]*LockHandle
}

// NewLockManager creates a lock manager. clock and m may be nil.
func NewLockManager(clock clockwork.Clock, backoff BackoffOptions, m *metrics.Metrics) *LockManager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	def := DefaultBackoffOptions()
	if backoff.InitialBackoff <= 0 {
		backoff.InitialBackoff = def.InitialBackoff
	}
	if backoff.MaxBackoff < backoff.InitialBackoff {
		backoff.MaxBackoff = backoff.InitialBackoff
	}
	if backoff.Multiplier < 1 {
		backoff.Multiplier = def.Multiplier
	}
	return &LockManager{
		clock:   clock,
		backoff: backoff,
		metrics: m,
		byPath:  make(map[string][]*LockHandle),
		byID:    make(map[string]*LockHandle),
	}
}

// TryAcquire grants a lock or fails immediately with ErrLockConflict.
func (lm *LockManager) TryAcquire(path string, kind types.LockKind, owner uint32) (*LockHandle, error) {
	if kind != types.LockShared && kind != types.LockExclusive {
		return nil, fmt.Errorf("unknown lock kind %q", kind)
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	for _, h := range lm.byPath[path] {
		if kind == types.LockExclusive || h.Kind == types.LockExclusive {
			return nil, types.NewPathError("lock", path, types.ErrLockConflict)
		}
	}

	h := &LockHandle{
		ID:         uuid.New().String(),
		Path:       path,
		Kind:       kind,
		Owner:      owner,
		AcquiredAt: lm.clock.Now(),
	}
	lm.byPath[path] = append(lm.byPath[path], h)
	lm.byID[h.ID] = h
	lm.metrics.SetLocksHeld(len(lm.byID))

	cp := *h
	return &cp, nil
}

// Acquire waits for a lock, polling with exponential backoff until it is
// granted or ctx is done.
func (lm *LockManager) Acquire(ctx context.Context, path string, kind types.LockKind, owner uint32) (*LockHandle, error) {
	start := lm.clock.Now()
	var delay time.Duration
	for {
		h, err := lm.TryAcquire(path, kind, owner)
		if err == nil {
			lm.metrics.ObserveLockWait(kind, lm.clock.Since(start))
			return h, nil
		}
		if !errors.Is(err, types.ErrLockConflict) {
			return nil, err
		}

		delay = lm.backoff.next(delay)
		select {
		case <-lm.clock.After(delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %s lock on %s: %w", kind, path, ctx.Err())
		}
	}
}

// Release drops a handle.
func (lm *LockManager) Release(id string) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	h, ok := lm.byID[id]
	if !ok {
		return fmt.Errorf("lock %s: %w", id, types.ErrNotFound)
	}
	delete(lm.byID, id)

	held := lm.byPath[h.Path]
	for i, other := range held {
		if other.ID == id {
			held = append(held[:i], held[i+1:]...)
			break
		}
	}
	if len(held) == 0 {
		delete(lm.byPath, h.Path)
	} else {
		lm.byPath[h.Path] = held
	}
	lm.metrics.SetLocksHeld(len(lm.byID))
	return nil
}

// Handle returns a copy of the handle with the given id.
func (lm *LockManager) Handle(id string) (*LockHandle, bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	h, ok := lm.byID[id]
	if !ok {
		return nil, false
	}
	cp := *h
	return &cp, true
}

// Handles returns the handles held on path, oldest first.
func (lm *LockManager) Handles(path string) []LockHandle {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	out := make([]LockHandle, 0, len(lm.byPath[path]))
	for _, h := range lm.byPath[path] {
		out = append(out, *h)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].AcquiredAt.Before(out[j].AcquiredAt) })
	return out
}
