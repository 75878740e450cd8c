package fs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/ajaxzhan/simfs/internal/logging"
	"github.com/ajaxzhan/simfs/internal/storage"
	"github.com/ajaxzhan/simfs/pkg/types"
)

// WriteOptions are the parsed flags of a write.
type WriteOptions struct {
	// Append keeps the current content and adds data after it.
	Append bool
	// Mode is the requested mode when the file is created. The actor's
	// umask still applies. Nil means 0666.
	Mode *uint32
}

// MkdirOptions are the parsed flags of a directory creation.
type MkdirOptions struct {
	// Parents creates missing ancestors and accepts an existing directory.
	Parents bool
	// Mode is the requested mode of the final directory. Nil means 0777.
	Mode *uint32
}

// RemoveOptions are the parsed flags of a removal.
type RemoveOptions struct {
	// Recursive allows removing a non-empty directory with its contents.
	Recursive bool
}

func requestedMode(mode *uint32, base uint32) (Mode, error) {
	if mode == nil {
		return MustMode(base), nil
	}
	return FromOctal(*mode)
}

// reservation holds quota changes of one mutation. Growth is reserved up
// front; shrinkage is released only after the mutation commits.
type reservation struct {
	quotas   *QuotaTracker
	gids     []uint32
	reserved map[uint32]int64
	released map[uint32]int64
}

func (s *Store) reserve(deltas map[uint32]int64) (*reservation, error) {
	r := &reservation{
		quotas:   s.quotas,
		reserved: make(map[uint32]int64),
		released: make(map[uint32]int64),
	}

	for gid := range deltas {
		r.gids = append(r.gids, gid)
	}
	sort.Slice(r.gids, func(i, j int) bool { return r.gids[i] < r.gids[j] })

	for _, gid := range r.gids {
		d := deltas[gid]
		switch {
		case d > 0:
			if err := s.quotas.CheckAndReserve(gid, d); err != nil {
				r.undo()
				s.metrics.ObserveQuotaRejection(gid)
				return nil, err
			}
			r.reserved[gid] = d
		case d < 0:
			r.released[gid] = -d
		}
	}
	return r, nil
}

func (r *reservation) undo() {
	for gid, d := range r.reserved {
		r.quotas.Release(gid, d)
	}
}

func (r *reservation) settle() {
	for gid, d := range r.released {
		r.quotas.Release(gid, d)
	}
}

// quotaRecord snapshots a group for persistence.
func (s *Store) quotaRecord(gid uint32) storage.QuotaRecord {
	cfg, ok := s.quotas.Quota(gid)
	return storage.QuotaRecord{GroupID: gid, Configured: ok, Config: cfg, Stats: s.quotas.Stats(gid)}
}

// reserveQuota reserves deltas. A rejection is persisted so the exceeded
// history survives a restart.
func (s *Store) reserveQuota(ctx context.Context, deltas map[uint32]int64) (*reservation, error) {
	res, err := s.reserve(deltas)
	if err != nil {
		s.persistQuotaHistory(ctx, err)
		return nil, err
	}
	return res, nil
}

// apply reserves quota, persists the batch (with the touched quota records)
// and, only when both succeed, runs install to swap the prepared nodes in.
func (s *Store) apply(ctx context.Context, batch *storage.Batch, deltas map[uint32]int64, install func()) error {
	res, err := s.reserveQuota(ctx, deltas)
	if err != nil {
		return err
	}
	return s.commitReserved(ctx, batch, res, install)
}

// commitReserved persists batch under an existing reservation. The quota
// records written with it already reflect the pending releases.
func (s *Store) commitReserved(ctx context.Context, batch *storage.Batch, res *reservation, install func()) error {
	for _, gid := range res.gids {
		rec := s.quotaRecord(gid)
		rec.Stats.CurrentUsageBytes -= res.released[gid]
		batch.PutQuota(rec)
	}
	if err := s.commit(ctx, batch); err != nil {
		res.undo()
		return err
	}
	res.settle()
	install()

	for _, gid := range res.gids {
		s.metrics.SetQuotaUsage(gid, s.quotas.CurrentUsage(gid))
	}
	return nil
}

// persistQuotaHistory saves the exceeded counters bumped by a rejection.
// The operation has already failed; a persistence error is only logged.
func (s *Store) persistQuotaHistory(ctx context.Context, err error) {
	var qe *types.QuotaError
	if !errors.As(err, &qe) {
		return
	}
	batch := &storage.Batch{}
	batch.PutQuota(s.quotaRecord(qe.GroupID))
	if perr := s.backend.Apply(ctx, batch); perr != nil {
		s.log.Error("failed to persist quota history", logging.Uint32("gid", qe.GroupID), logging.Err(perr))
	}
}

// checkFileSize rejects contents larger than the configured maximum.
func (s *Store) checkFileSize(op, p string, size int64) error {
	if size > s.maxFileSize {
		return types.NewPathError(op, p, fmt.Errorf("%w: size %d exceeds the %d byte file limit", types.ErrInvalidArgument, size, s.maxFileSize))
	}
	return nil
}

// touch returns the record of dir with a new modification time, for
// inclusion in a batch. The live node is updated by the install step.
func touch(batch *storage.Batch, dirPath string, dir *node, now time.Time) {
	cp := *dir
	cp.modified = now
	batch.PutNode(cp.record(dirPath))
}

// WriteFile creates or replaces (or, with Append, extends) a regular file.
func (s *Store) WriteFile(ctx context.Context, actor *types.Actor, rawPath string, data []byte, opts WriteOptions) (fi *FileInfo, err error) {
	defer func(start time.Time) { s.observe("write", actor, start, err) }(s.clock.Now())
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.resolvePath(actor, rawPath)
	if err != nil {
		return nil, err
	}
	if p == "/" {
		return nil, types.NewPathError("write", p, types.ErrIsADirectory)
	}
	parent, name, existing, err := s.walkParent(actor, "write", p)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return s.createFileLocked(ctx, actor, p, parent, name, data, opts.Mode)
	}

	if opts.Append {
		return s.updateFileLocked(ctx, actor, "write", p, parent, name, existing, existing.size()+int64(len(data)), func(old []byte) []byte {
			content := make([]byte, 0, len(old)+len(data))
			content = append(content, old...)
			return append(content, data...)
		})
	}
	return s.updateFileLocked(ctx, actor, "write", p, parent, name, existing, int64(len(data)), func([]byte) []byte {
		return append([]byte(nil), data...)
	})
}

// WriteAt writes data at off, growing the file (zero filled) as needed.
// The file must exist.
func (s *Store) WriteAt(ctx context.Context, actor *types.Actor, rawPath string, data []byte, off int64) (fi *FileInfo, err error) {
	defer func(start time.Time) { s.observe("write", actor, start, err) }(s.clock.Now())
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if off < 0 || off > math.MaxInt64-int64(len(data)) {
		return nil, types.NewPathError("write", rawPath, types.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, parent, name, existing, err := s.existingFile(actor, "write", rawPath)
	if err != nil {
		return nil, err
	}
	size := existing.size()
	if end := off + int64(len(data)); end > size {
		size = end
	}
	return s.updateFileLocked(ctx, actor, "write", p, parent, name, existing, size, func(old []byte) []byte {
		content := make([]byte, size)
		copy(content, old)
		copy(content[off:], data)
		return content
	})
}

// Truncate sets the file size, cutting or zero filling the content.
func (s *Store) Truncate(ctx context.Context, actor *types.Actor, rawPath string, size int64) (fi *FileInfo, err error) {
	defer func(start time.Time) { s.observe("truncate", actor, start, err) }(s.clock.Now())
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if size < 0 {
		return nil, types.NewPathError("truncate", rawPath, types.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, parent, name, existing, err := s.existingFile(actor, "truncate", rawPath)
	if err != nil {
		return nil, err
	}
	return s.updateFileLocked(ctx, actor, "truncate", p, parent, name, existing, size, func(old []byte) []byte {
		content := make([]byte, size)
		copy(content, old)
		return content
	})
}

// existingFile resolves rawPath to a regular file that must exist.
func (s *Store) existingFile(actor *types.Actor, op, rawPath string) (string, *node, string, *node, error) {
	p, err := s.resolvePath(actor, rawPath)
	if err != nil {
		return "", nil, "", nil, err
	}
	if p == "/" {
		return "", nil, "", nil, types.NewPathError(op, p, types.ErrIsADirectory)
	}
	parent, name, existing, err := s.walkParent(actor, op, p)
	if err != nil {
		return "", nil, "", nil, err
	}
	if existing == nil {
		return "", nil, "", nil, types.NewPathError(op, p, types.ErrNotFound)
	}
	return p, parent, name, existing, nil
}

// updateFileLocked replaces the content of an existing file with
// edit(old), which must return newSize bytes. Quota and the size limit are
// checked before edit runs. Non-root writers clear setuid and setgid.
func (s *Store) updateFileLocked(ctx context.Context, actor *types.Actor, op, p string, parent *node, name string, existing *node, newSize int64, edit func(old []byte) []byte) (*FileInfo, error) {
	if existing.attr.IsDir {
		return nil, types.NewPathError(op, p, types.ErrIsADirectory)
	}
	if err := s.access.CheckAccess(actor, p, &existing.attr, types.OpWrite); err != nil {
		return nil, err
	}

	gid, delta := existing.attr.GID, newSize-existing.size()
	if err := s.checkFileSize(op, p, newSize); err != nil {
		// A quota rejection still takes precedence and is recorded.
		if qerr := s.quotas.Check(gid, delta); qerr != nil {
			s.metrics.ObserveQuotaRejection(gid)
			s.persistQuotaHistory(ctx, qerr)
			return nil, qerr
		}
		return nil, err
	}
	res, err := s.reserveQuota(ctx, map[uint32]int64{gid: delta})
	if err != nil {
		return nil, err
	}

	next := existing.clone()
	next.content = edit(existing.content)
	next.modified = s.clock.Now()
	if !actor.IsRoot() {
		next.attr.Mode.Setuid = false
		next.attr.Mode.Setgid = false
	}

	batch := &storage.Batch{}
	batch.PutNode(next.record(p))

	err = s.commitReserved(ctx, batch, res, func() {
		parent.children[name] = next
	})
	if err != nil {
		return nil, err
	}
	return next.info(p), nil
}

// CreateFile creates an empty regular file; it fails if p exists.
func (s *Store) CreateFile(ctx context.Context, actor *types.Actor, rawPath string, mode *uint32) (fi *FileInfo, err error) {
	defer func(start time.Time) { s.observe("create", actor, start, err) }(s.clock.Now())
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.resolvePath(actor, rawPath)
	if err != nil {
		return nil, err
	}
	if p == "/" {
		return nil, types.NewPathError("create", p, types.ErrAlreadyExists)
	}
	parent, name, existing, err := s.walkParent(actor, "create", p)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, types.NewPathError("create", p, types.ErrAlreadyExists)
	}
	return s.createFileLocked(ctx, actor, p, parent, name, nil, mode)
}

func (s *Store) createFileLocked(ctx context.Context, actor *types.Actor, p string, parent *node, name string, data []byte, mode *uint32) (*FileInfo, error) {
	dir, _ := parentOf(p)
	if err := s.access.CheckAccess(actor, dir, &parent.attr, types.OpWrite); err != nil {
		return nil, err
	}
	if err := s.checkFileSize("write", p, int64(len(data))); err != nil {
		return nil, err
	}
	requested, err := requestedMode(mode, BaseFileMode)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	attr := s.access.NewAttr(actor, &parent.attr, false, requested)
	n := newFile(name, attr, append([]byte(nil), data...), now)

	batch := &storage.Batch{}
	batch.PutNode(n.record(p))
	touch(batch, dir, parent, now)
	deltas := map[uint32]int64{attr.GID: n.size()}

	err = s.apply(ctx, batch, deltas, func() {
		parent.children[name] = n
		parent.modified = now
	})
	if err != nil {
		return nil, err
	}
	return n.info(p), nil
}

// pendingDir is a directory prepared by CreateDirectory but not yet linked.
type pendingDir struct {
	parent *node
	name   string
	node   *node
}

// CreateDirectory creates a directory. With Parents, missing ancestors are
// created too (each with owner write and search so the walk can continue)
// and an existing directory is not an error.
func (s *Store) CreateDirectory(ctx context.Context, actor *types.Actor, rawPath string, opts MkdirOptions) (fi *FileInfo, err error) {
	defer func(start time.Time) { s.observe("mkdir", actor, start, err) }(s.clock.Now())
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.resolvePath(actor, rawPath)
	if err != nil {
		return nil, err
	}
	requested, err := requestedMode(opts.Mode, BaseDirMode)
	if err != nil {
		return nil, err
	}

	if !opts.Parents {
		if p == "/" {
			return nil, types.NewPathError("mkdir", p, types.ErrAlreadyExists)
		}
		parent, name, existing, err := s.walkParent(actor, "mkdir", p)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, types.NewPathError("mkdir", p, types.ErrAlreadyExists)
		}
		dir, _ := parentOf(p)
		if err := s.access.CheckAccess(actor, dir, &parent.attr, types.OpWrite); err != nil {
			return nil, err
		}

		now := s.clock.Now()
		n := newDir(name, s.access.NewAttr(actor, &parent.attr, true, requested), now)
		batch := &storage.Batch{}
		batch.PutNode(n.record(p))
		touch(batch, dir, parent, now)

		err = s.apply(ctx, batch, nil, func() {
			parent.children[name] = n
			parent.modified = now
		})
		if err != nil {
			return nil, err
		}
		return n.info(p), nil
	}

	now := s.clock.Now()
	comps := splitPath(p)
	batch := &storage.Batch{}
	var pending []pendingDir
	cur, curPath := s.root, "/"

	for i, comp := range comps {
		if !cur.attr.IsDir {
			return nil, types.NewPathError("mkdir", curPath, types.ErrNotADirectory)
		}
		if err := s.access.CheckAccess(actor, curPath, &cur.attr, types.OpTraverse); err != nil {
			return nil, err
		}
		childPath := joinPath(curPath, comp)

		if child, ok := cur.children[comp]; ok {
			cur, curPath = child, childPath
			continue
		}
		if err := s.access.CheckAccess(actor, curPath, &cur.attr, types.OpWrite); err != nil {
			return nil, err
		}

		mode := MustMode(BaseDirMode)
		if i == len(comps)-1 {
			mode = requested
		}
		attr := s.access.NewAttr(actor, &cur.attr, true, mode)
		if i < len(comps)-1 {
			attr.Mode.Owner.Write = true
			attr.Mode.Owner.Exec = true
		}
		n := newDir(comp, attr, now)
		if len(pending) == 0 {
			touch(batch, curPath, cur, now)
		}
		batch.PutNode(n.record(childPath))
		pending = append(pending, pendingDir{parent: cur, name: comp, node: n})
		cur, curPath = n, childPath
	}

	if len(pending) == 0 {
		if !cur.attr.IsDir {
			return nil, types.NewPathError("mkdir", p, types.ErrAlreadyExists)
		}
		return cur.info(p), nil
	}

	err = s.apply(ctx, batch, nil, func() {
		for _, pd := range pending {
			pd.parent.children[pd.name] = pd.node
		}
		pending[0].parent.modified = now
	})
	if err != nil {
		return nil, err
	}
	return cur.info(p), nil
}

// Remove deletes a file or directory. A non-empty directory needs
// Recursive; then every entry of the subtree is checked before anything
// is removed.
func (s *Store) Remove(ctx context.Context, actor *types.Actor, rawPath string, opts RemoveOptions) (err error) {
	defer func(start time.Time) { s.observe("remove", actor, start, err) }(s.clock.Now())
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.resolvePath(actor, rawPath)
	if err != nil {
		return err
	}
	if p == "/" {
		return types.NewPathError("remove", p, fmt.Errorf("%w: refusing to remove the root directory", types.ErrInvalidPath))
	}
	parent, name, target, err := s.walkParent(actor, "remove", p)
	if err != nil {
		return err
	}
	if target == nil {
		return types.NewPathError("remove", p, types.ErrNotFound)
	}
	dir, _ := parentOf(p)
	if err := s.access.CheckDelete(actor, dir, &parent.attr, p, &target.attr); err != nil {
		return err
	}
	if target.attr.IsDir && len(target.children) > 0 {
		if !opts.Recursive {
			return types.NewPathError("remove", p, types.ErrNotEmpty)
		}
		if err := s.checkSubtreeDelete(actor, p, target); err != nil {
			return err
		}
	}

	now := s.clock.Now()
	batch := &storage.Batch{}
	deltas := make(map[uint32]int64)
	_ = target.walk(p, func(np string, n *node) error {
		batch.DeleteNode(np)
		if !n.attr.IsDir {
			deltas[n.attr.GID] -= n.size()
		}
		return nil
	})
	touch(batch, dir, parent, now)

	return s.apply(ctx, batch, deltas, func() {
		delete(parent.children, name)
		parent.modified = now
	})
}

// checkSubtreeDelete verifies that actor may list and empty every directory
// below root, including sticky restrictions on each entry.
func (s *Store) checkSubtreeDelete(actor *types.Actor, rootPath string, root *node) error {
	return root.walk(rootPath, func(dp string, d *node) error {
		if !d.attr.IsDir || len(d.children) == 0 {
			return nil
		}
		if err := s.access.CheckAccess(actor, dp, &d.attr, types.OpRead); err != nil {
			return err
		}
		for _, name := range d.sortedChildren() {
			child := d.children[name]
			if err := s.access.CheckDelete(actor, dp, &d.attr, joinPath(dp, name), &child.attr); err != nil {
				return err
			}
		}
		return nil
	})
}

// Rename moves src to dst, replacing a compatible dst the way rename(2)
// does. Sticky rules apply to both the source and a replaced destination.
func (s *Store) Rename(ctx context.Context, actor *types.Actor, rawSrc, rawDst string) (fi *FileInfo, err error) {
	defer func(start time.Time) { s.observe("rename", actor, start, err) }(s.clock.Now())
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	src, err := s.resolvePath(actor, rawSrc)
	if err != nil {
		return nil, err
	}
	dst, err := s.resolvePath(actor, rawDst)
	if err != nil {
		return nil, err
	}
	if src == "/" || dst == "/" {
		return nil, types.NewPathError("rename", "/", fmt.Errorf("%w: cannot rename the root directory", types.ErrInvalidPath))
	}
	if strings.HasPrefix(dst, src+"/") {
		return nil, types.NewPathError("rename", dst, fmt.Errorf("%w: cannot move a directory into itself", types.ErrInvalidPath))
	}

	srcParent, srcName, moving, err := s.walkParent(actor, "rename", src)
	if err != nil {
		return nil, err
	}
	if moving == nil {
		return nil, types.NewPathError("rename", src, types.ErrNotFound)
	}
	if src == dst {
		return moving.info(src), nil
	}
	srcDir, _ := parentOf(src)
	if err := s.access.CheckDelete(actor, srcDir, &srcParent.attr, src, &moving.attr); err != nil {
		return nil, err
	}

	dstParent, dstName, replaced, err := s.walkParent(actor, "rename", dst)
	if err != nil {
		return nil, err
	}
	dstDir, _ := parentOf(dst)
	if err := s.access.CheckAccess(actor, dstDir, &dstParent.attr, types.OpWrite); err != nil {
		return nil, err
	}
	if moving.attr.IsDir && srcParent != dstParent {
		// Reparenting a directory rewrites its ".." entry.
		if err := s.access.CheckAccess(actor, src, &moving.attr, types.OpWrite); err != nil {
			return nil, err
		}
	}

	deltas := make(map[uint32]int64)
	if replaced != nil {
		switch {
		case moving.attr.IsDir && !replaced.attr.IsDir:
			return nil, types.NewPathError("rename", dst, types.ErrNotADirectory)
		case !moving.attr.IsDir && replaced.attr.IsDir:
			return nil, types.NewPathError("rename", dst, types.ErrIsADirectory)
		case replaced.attr.IsDir && len(replaced.children) > 0:
			return nil, types.NewPathError("rename", dst, types.ErrNotEmpty)
		}
		if err := s.access.CheckDelete(actor, dstDir, &dstParent.attr, dst, &replaced.attr); err != nil {
			return nil, err
		}
		if !replaced.attr.IsDir {
			deltas[replaced.attr.GID] -= replaced.size()
		}
	}

	now := s.clock.Now()
	batch := &storage.Batch{}
	moved := moving.clone()
	moved.name = dstName
	_ = moving.walk(src, func(np string, n *node) error {
		batch.DeleteNode(np)
		rec := n.record(dst + strings.TrimPrefix(np, src))
		batch.PutNode(rec)
		return nil
	})
	touch(batch, srcDir, srcParent, now)
	if dstParent != srcParent {
		touch(batch, dstDir, dstParent, now)
	}

	err = s.apply(ctx, batch, deltas, func() {
		delete(srcParent.children, srcName)
		dstParent.children[dstName] = moved
		srcParent.modified = now
		dstParent.modified = now
	})
	if err != nil {
		return nil, err
	}
	return moved.info(dst), nil
}

// Chmod applies an octal or symbolic mode spec.
func (s *Store) Chmod(ctx context.Context, actor *types.Actor, rawPath, spec string) (fi *FileInfo, err error) {
	defer func(start time.Time) { s.observe("chmod", actor, start, err) }(s.clock.Now())
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.resolvePath(actor, rawPath)
	if err != nil {
		return nil, err
	}
	n, err := s.walk(actor, "chmod", p)
	if err != nil {
		return nil, err
	}
	if err := s.access.CheckChmod(actor, p, &n.attr); err != nil {
		return nil, err
	}
	next, err := ParseModeSpec(n.attr.Mode, spec, n.attr.IsDir)
	if err != nil {
		return nil, err
	}
	next = s.access.SanitizeMode(actor, &n.attr, next)

	now := s.clock.Now()
	updated := *n
	updated.attr.Mode = next
	updated.modified = now
	batch := &storage.Batch{}
	batch.PutNode(updated.record(p))

	err = s.apply(ctx, batch, nil, func() {
		n.attr.Mode = next
		n.modified = now
	})
	if err != nil {
		return nil, err
	}
	return n.info(p), nil
}

// Chown changes the owner and/or group. Nil ids are left unchanged. A
// file's bytes move to the new group's quota.
func (s *Store) Chown(ctx context.Context, actor *types.Actor, rawPath string, uid, gid *uint32) (fi *FileInfo, err error) {
	defer func(start time.Time) { s.observe("chown", actor, start, err) }(s.clock.Now())
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.resolvePath(actor, rawPath)
	if err != nil {
		return nil, err
	}
	n, err := s.walk(actor, "chown", p)
	if err != nil {
		return nil, err
	}
	if err := s.access.CheckChown(actor, p, &n.attr, uid, gid); err != nil {
		return nil, err
	}

	next := n.attr
	if uid != nil {
		next.UID = *uid
	}
	if gid != nil {
		next.GID = *gid
	}
	if next.UID == n.attr.UID && next.GID == n.attr.GID {
		return n.info(p), nil
	}
	if !next.IsDir && !actor.IsRoot() {
		next.Mode.Setuid = false
		next.Mode.Setgid = false
	}

	deltas := make(map[uint32]int64)
	if !next.IsDir && next.GID != n.attr.GID && n.size() > 0 {
		deltas[next.GID] += n.size()
		deltas[n.attr.GID] -= n.size()
	}

	now := s.clock.Now()
	updated := *n
	updated.attr = next
	updated.modified = now
	batch := &storage.Batch{}
	batch.PutNode(updated.record(p))

	err = s.apply(ctx, batch, deltas, func() {
		n.attr = next
		n.modified = now
	})
	if err != nil {
		return nil, err
	}
	return n.info(p), nil
}

func joinPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}
