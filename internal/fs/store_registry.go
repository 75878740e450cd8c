package fs

import (
	"context"
	"fmt"
	"time"

	"github.com/ajaxzhan/simfs/internal/logging"
	"github.com/ajaxzhan/simfs/internal/storage"
	"github.com/ajaxzhan/simfs/pkg/types"
)

// RegisterFixedAlias binds name to target, resolved now against the
// actor's cwd and home.
func (s *Store) RegisterFixedAlias(ctx context.Context, actor *types.Actor, name, target string) (alias types.Alias, err error) {
	defer func(start time.Time) { s.observe("alias", actor, start, err) }(s.clock.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	alias, err = s.resolver.fixedAlias(name, target, actor.WorkingDir(), actor.HomeDir())
	if err != nil {
		return types.Alias{}, err
	}
	if err := s.saveAlias(ctx, alias); err != nil {
		return types.Alias{}, err
	}
	s.log.Info("alias registered", logging.String("name", name), logging.Path(alias.Target), logging.Actor(actor))
	return alias, nil
}

// RegisterSymlink binds name to a target that is dereferenced on every
// resolution. The target may not exist yet.
func (s *Store) RegisterSymlink(ctx context.Context, actor *types.Actor, name, target string) (alias types.Alias, err error) {
	defer func(start time.Time) { s.observe("symlink", actor, start, err) }(s.clock.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	alias, err = symlinkAlias(name, target)
	if err != nil {
		return types.Alias{}, err
	}
	if err := s.saveAlias(ctx, alias); err != nil {
		return types.Alias{}, err
	}
	s.log.Info("symlink registered", logging.String("name", name), logging.String("target", target), logging.Actor(actor))
	return alias, nil
}

func (s *Store) saveAlias(ctx context.Context, alias types.Alias) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	batch := &storage.Batch{}
	batch.PutAlias(alias)
	if err := s.commit(ctx, batch); err != nil {
		return err
	}
	s.resolver.put(alias)
	return nil
}

// UnregisterAlias removes an alias. "~" cannot be removed.
func (s *Store) UnregisterAlias(ctx context.Context, actor *types.Actor, name string) (err error) {
	defer func(start time.Time) { s.observe("unalias", actor, start, err) }(s.clock.Now())
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.resolver.removable(name); err != nil {
		return err
	}
	batch := &storage.Batch{}
	batch.DeleteAlias(name)
	if err := s.commit(ctx, batch); err != nil {
		return err
	}
	s.resolver.remove(name)
	return nil
}

// Aliases lists the alias table. The "~" entry shows the actor's home.
func (s *Store) Aliases(actor *types.Actor) []types.Alias {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.resolver.Aliases()
	for i := range out {
		if out[i].Kind == types.AliasHome {
			out[i].Target = actor.HomeDir()
		}
	}
	return out
}

// QuotaStatus is the configuration and usage of one group.
type QuotaStatus struct {
	Config     types.QuotaConfiguration `json:"config"`
	Configured bool                     `json:"configured"`
	Usage      types.UsageStatistics    `json:"usage"`
}

// SetQuota installs or replaces a group quota. Only root may do this.
// Existing usage is kept even when it is already above the new limit;
// only growth is refused from then on.
func (s *Store) SetQuota(ctx context.Context, actor *types.Actor, cfg types.QuotaConfiguration) (err error) {
	defer func(start time.Time) { s.observe("setquota", actor, start, err) }(s.clock.Now())
	if err := ctx.Err(); err != nil {
		return err
	}
	if !actor.IsRoot() {
		return &types.PermissionError{
			Path:   fmt.Sprintf("quota:%d", cfg.GroupID),
			Op:     types.OpWrite,
			UID:    actor.UID,
			Reason: "only root may configure quotas",
		}
	}
	if cfg.QuotaBytes < 0 {
		return fmt.Errorf("quota for group %d: %w: negative limit %d", cfg.GroupID, types.ErrInvalidArgument, cfg.QuotaBytes)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch := &storage.Batch{}
	batch.PutQuota(storage.QuotaRecord{GroupID: cfg.GroupID, Configured: true, Config: cfg, Stats: s.quotas.Stats(cfg.GroupID)})
	if err := s.commit(ctx, batch); err != nil {
		return err
	}
	s.quotas.SetQuota(cfg)
	s.log.Info("quota configured",
		logging.Uint32("gid", cfg.GroupID),
		logging.Int64("bytes", cfg.QuotaBytes),
		logging.Any("enabled", cfg.Enabled))
	return nil
}

// QuotaStats returns the quota and usage of gid.
func (s *Store) QuotaStats(gid uint32) QuotaStatus {
	cfg, ok := s.quotas.Quota(gid)
	if !ok {
		cfg.GroupID = gid
	}
	return QuotaStatus{Config: cfg, Configured: ok, Usage: s.quotas.Stats(gid)}
}

// Quotas returns the status of every configured group.
func (s *Store) Quotas() []QuotaStatus {
	cfgs := s.quotas.Quotas()
	out := make([]QuotaStatus, 0, len(cfgs))
	for _, cfg := range cfgs {
		out = append(out, QuotaStatus{Config: cfg, Configured: true, Usage: s.quotas.Stats(cfg.GroupID)})
	}
	return out
}

// CurrentUsage returns the bytes charged to gid.
func (s *Store) CurrentUsage(gid uint32) int64 {
	return s.quotas.CurrentUsage(gid)
}

// lockTarget resolves rawPath and checks the actor may hold kind on it:
// shared needs read, exclusive needs write.
func (s *Store) lockTarget(actor *types.Actor, rawPath string, kind types.LockKind) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, err := s.resolvePath(actor, rawPath)
	if err != nil {
		return "", err
	}
	n, err := s.walk(actor, "lock", p)
	if err != nil {
		return "", err
	}
	op := types.OpRead
	if kind == types.LockExclusive {
		op = types.OpWrite
	}
	if err := s.access.CheckAccess(actor, p, &n.attr, op); err != nil {
		return "", err
	}
	return p, nil
}

// Lock blocks until the lock is granted or ctx is done.
func (s *Store) Lock(ctx context.Context, actor *types.Actor, rawPath string, kind types.LockKind) (h *LockHandle, err error) {
	defer func(start time.Time) { s.observe("lock", actor, start, err) }(s.clock.Now())

	p, err := s.lockTarget(actor, rawPath, kind)
	if err != nil {
		return nil, err
	}
	// The store lock is not held while waiting.
	return s.locks.Acquire(ctx, p, kind, actor.UID)
}

// TryLock grants the lock now or fails with ErrLockConflict.
func (s *Store) TryLock(ctx context.Context, actor *types.Actor, rawPath string, kind types.LockKind) (h *LockHandle, err error) {
	defer func(start time.Time) { s.observe("trylock", actor, start, err) }(s.clock.Now())

	p, err := s.lockTarget(actor, rawPath, kind)
	if err != nil {
		return nil, err
	}
	return s.locks.TryAcquire(p, kind, actor.UID)
}

// Unlock releases a handle held by actor. Root may release any handle.
func (s *Store) Unlock(ctx context.Context, actor *types.Actor, id string) (err error) {
	defer func(start time.Time) { s.observe("unlock", actor, start, err) }(s.clock.Now())

	h, ok := s.locks.Handle(id)
	if !ok {
		return fmt.Errorf("lock %s: %w", id, types.ErrNotFound)
	}
	if h.Owner != actor.UID && !actor.IsRoot() {
		return &types.PermissionError{Path: h.Path, Op: types.OpWrite, UID: actor.UID, Reason: "lock is held by another user"}
	}
	return s.locks.Release(id)
}

// Locks lists the handles held on rawPath.
func (s *Store) Locks(ctx context.Context, actor *types.Actor, rawPath string) ([]LockHandle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, err := s.resolvePath(actor, rawPath)
	if err != nil {
		return nil, err
	}
	if _, err := s.walk(actor, "locks", p); err != nil {
		return nil, err
	}
	return s.locks.Handles(p), nil
}
