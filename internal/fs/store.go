package fs

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ajaxzhan/simfs/internal/logging"
	"github.com/ajaxzhan/simfs/internal/metrics"
	"github.com/ajaxzhan/simfs/internal/storage"
	"github.com/ajaxzhan/simfs/pkg/types"
)

// Store is the access-controlled virtual filesystem. Every operation runs
// on behalf of an actor and resolves its raw path against the actor's cwd
// and home directory.
//
// A single mutex covers check, quota reservation, persistence and the swap
// into the in-memory tree, so no two mutations interleave and a failed or
// cancelled operation leaves nothing behind.
type Store struct {
	mu       sync.RWMutex
	root     *node
	resolver *Resolver
	quotas   *QuotaTracker
	access   AccessController
	locks    *LockManager
	backend  storage.Backend
	clock    clockwork.Clock
	metrics  *metrics.Metrics
	log      *zap.Logger
	backoff  BackoffOptions

	maxFileSize int64
}

// DefaultMaxFileSize caps the content of a single file.
const DefaultMaxFileSize int64 = 1 << 30

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for timestamps, quota history and lock
// backoff.
func WithClock(c clockwork.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithAccessController replaces the default Unix access controller.
func WithAccessController(ac AccessController) Option {
	return func(s *Store) { s.access = ac }
}

// WithLockBackoff sets the polling schedule of blocking lock acquisition.
func WithLockBackoff(b BackoffOptions) Option {
	return func(s *Store) { s.backoff = b }
}

// WithMaxFileSize caps the size of a single file. Values below one keep
// DefaultMaxFileSize.
func WithMaxFileSize(n int64) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxFileSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.log = l }
}

// New creates an empty in-memory store holding only "/".
func New(opts ...Option) *Store {
	s, err := Open(context.Background(), storage.NewMemoryBackend(), opts...)
	if err != nil {
		// Seeding an empty memory backend cannot fail.
		panic(err)
	}
	return s
}

// Open restores a store from backend. An empty backend is seeded with the
// root directory, owned by root with mode 0755.
func Open(ctx context.Context, backend storage.Backend, opts ...Option) (*Store, error) {
	s := &Store{
		backend: backend,
		clock:   clockwork.NewRealClock(),
		access:  NewAccessController(),
		backoff: DefaultBackoffOptions(),

		maxFileSize: DefaultMaxFileSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logging.Named("store")
	}
	s.resolver = NewResolver(s.exists)
	s.quotas = NewQuotaTracker(s.clock)
	s.locks = NewLockManager(s.clock, s.backoff, s.metrics)

	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	records, err := s.backend.LoadNodes(ctx)
	if err != nil {
		return fmt.Errorf("failed to load nodes: %w", err)
	}

	if len(records) == 0 {
		now := s.clock.Now()
		s.root = newDir("", Attr{UID: types.RootUID, GID: 0, Mode: MustMode(DefaultDirMode)}, now)
		batch := &storage.Batch{}
		batch.PutNode(s.root.record("/"))
		if err := s.backend.Apply(ctx, batch); err != nil {
			return fmt.Errorf("failed to seed root: %w", err)
		}
		s.log.Info("initialized empty filesystem")
	} else if err := s.buildTree(records); err != nil {
		return err
	}

	aliases, err := s.backend.LoadAliases(ctx)
	if err != nil {
		return fmt.Errorf("failed to load aliases: %w", err)
	}
	for _, a := range aliases {
		s.resolver.put(a)
	}

	quotas, err := s.backend.LoadQuotas(ctx)
	if err != nil {
		return fmt.Errorf("failed to load quotas: %w", err)
	}
	for _, q := range quotas {
		if q.Configured {
			s.quotas.SetQuota(q.Config)
		}
		s.quotas.restoreStats(q.GroupID, q.Stats)
	}

	totals := s.usageByGroup()
	s.quotas.Rebuild(totals)
	for gid, used := range totals {
		s.metrics.SetQuotaUsage(gid, used)
	}

	s.log.Info("filesystem loaded",
		logging.Int("nodes", len(records)),
		logging.Int("aliases", len(aliases)),
		logging.Int("quotas", len(quotas)))
	return nil
}

// buildTree links records parents-first. A record whose parent is missing
// or is a file means the backend is corrupt.
func (s *Store) buildTree(records []storage.NodeRecord) error {
	sort.Slice(records, func(i, j int) bool {
		di, dj := len(splitPath(records[i].Path)), len(splitPath(records[j].Path))
		if di != dj {
			return di < dj
		}
		return records[i].Path < records[j].Path
	})

	if records[0].Path != "/" || records[0].Kind != storage.KindDirectory {
		return errors.New("persisted tree has no root directory")
	}
	s.root = nodeFromRecord(records[0])
	s.root.name = ""

	for _, rec := range records[1:] {
		dir, name := parentOf(rec.Path)
		parent := s.lookup(dir)
		if parent == nil || !parent.attr.IsDir {
			return fmt.Errorf("persisted node %s has no parent directory", rec.Path)
		}
		n := nodeFromRecord(rec)
		n.name = name
		parent.children[name] = n
	}
	return nil
}

// usageByGroup sums file sizes per owning group.
func (s *Store) usageByGroup() map[uint32]int64 {
	totals := make(map[uint32]int64)
	_ = s.root.walk("/", func(_ string, n *node) error {
		if !n.attr.IsDir {
			totals[n.attr.GID] += n.size()
		}
		return nil
	})
	return totals
}

// Close releases the backend.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Close()
}

// lookup finds a node without permission checks. Callers hold s.mu.
func (s *Store) lookup(p string) *node {
	cur := s.root
	for _, comp := range splitPath(p) {
		if cur.children == nil {
			return nil
		}
		next, ok := cur.children[comp]
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}

// exists is the resolver's dangling-symlink check. The resolver only runs
// while s.mu is held.
func (s *Store) exists(p string) bool {
	return s.lookup(p) != nil
}

func (s *Store) resolvePath(actor *types.Actor, raw string) (string, error) {
	return s.resolver.Resolve(raw, actor.WorkingDir(), actor.HomeDir())
}

// walk locates p on behalf of actor. Every directory that has to be
// searched on the way must grant the actor execute permission; a missing
// or non-directory component is only reported once that holds.
func (s *Store) walk(actor *types.Actor, op, p string) (*node, error) {
	var chain []PathAttr
	cur, curPath := s.root, "/"

	for _, comp := range splitPath(p) {
		if !cur.attr.IsDir {
			if err := s.access.CheckTraverse(actor, chain); err != nil {
				return nil, err
			}
			return nil, types.NewPathError(op, curPath, types.ErrNotADirectory)
		}
		chain = append(chain, PathAttr{Path: curPath, Attr: &cur.attr})

		next, ok := cur.children[comp]
		if !ok {
			if err := s.access.CheckTraverse(actor, chain); err != nil {
				return nil, err
			}
			return nil, types.NewPathError(op, path.Join(curPath, comp), types.ErrNotFound)
		}
		cur, curPath = next, path.Join(curPath, comp)
	}

	if err := s.access.CheckTraverse(actor, chain); err != nil {
		return nil, err
	}
	return cur, nil
}

// walkParent locates the directory that holds p and the entry itself,
// which is nil when absent.
func (s *Store) walkParent(actor *types.Actor, op, p string) (*node, string, *node, error) {
	dir, name := parentOf(p)
	parent, err := s.walk(actor, op, dir)
	if err != nil {
		return nil, "", nil, err
	}
	if !parent.attr.IsDir {
		return nil, "", nil, types.NewPathError(op, dir, types.ErrNotADirectory)
	}
	if err := s.access.CheckAccess(actor, dir, &parent.attr, types.OpTraverse); err != nil {
		return nil, "", nil, err
	}
	return parent, name, parent.children[name], nil
}

// observe records the outcome of a public operation.
func (s *Store) observe(op string, actor *types.Actor, start time.Time, err error) {
	s.metrics.ObserveOp(op, err, s.clock.Since(start))
	if err == nil {
		return
	}

	var permErr *types.PermissionError
	var quotaErr *types.QuotaError
	switch {
	case errors.As(err, &permErr):
		s.log.Debug("access denied",
			logging.String("operation", op),
			logging.Actor(actor),
			logging.Path(permErr.Path),
			logging.Op(permErr.Op),
			logging.String("reason", permErr.Reason))
	case errors.As(err, &quotaErr):
		s.log.Debug("quota exceeded",
			logging.String("operation", op),
			logging.Actor(actor),
			logging.Uint32("gid", quotaErr.GroupID),
			logging.Int64("requested", quotaErr.Requested),
			logging.Int64("limit", quotaErr.Limit))
	}
}

// commit persists a batch. Nothing in memory has changed when it fails.
func (s *Store) commit(ctx context.Context, batch *storage.Batch) error {
	if err := s.backend.Apply(ctx, batch); err != nil {
		s.log.Error("failed to persist changes", logging.Err(err))
		return fmt.Errorf("persist: %w", err)
	}
	return nil
}

// Resolve returns the canonical path rawPath names for actor.
func (s *Store) Resolve(ctx context.Context, actor *types.Actor, rawPath string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolvePath(actor, rawPath)
}

// Exists reports whether rawPath names a node. Missing nodes are not an
// error; unsearchable ancestors are.
func (s *Store) Exists(ctx context.Context, actor *types.Actor, rawPath string) (ok bool, err error) {
	defer func(start time.Time) { s.observe("exists", actor, start, err) }(s.clock.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	p, err := s.resolvePath(actor, rawPath)
	if err != nil {
		return false, err
	}
	if _, err := s.walk(actor, "stat", p); err != nil {
		if errors.Is(err, types.ErrNotFound) || errors.Is(err, types.ErrNotADirectory) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Stat returns the metadata of the node at rawPath.
func (s *Store) Stat(ctx context.Context, actor *types.Actor, rawPath string) (fi *FileInfo, err error) {
	defer func(start time.Time) { s.observe("stat", actor, start, err) }(s.clock.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	p, err := s.resolvePath(actor, rawPath)
	if err != nil {
		return nil, err
	}
	n, err := s.walk(actor, "stat", p)
	if err != nil {
		return nil, err
	}
	return n.info(p), nil
}

// ReadFile returns a copy of the file content.
func (s *Store) ReadFile(ctx context.Context, actor *types.Actor, rawPath string) (data []byte, err error) {
	defer func(start time.Time) { s.observe("read", actor, start, err) }(s.clock.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	p, err := s.resolvePath(actor, rawPath)
	if err != nil {
		return nil, err
	}
	n, err := s.walk(actor, "read", p)
	if err != nil {
		return nil, err
	}
	if n.attr.IsDir {
		return nil, types.NewPathError("read", p, types.ErrIsADirectory)
	}
	if err := s.access.CheckAccess(actor, p, &n.attr, types.OpRead); err != nil {
		return nil, err
	}
	return append([]byte(nil), n.content...), nil
}

// Access reports whether actor may perform op on rawPath, like access(2).
func (s *Store) Access(ctx context.Context, actor *types.Actor, rawPath string, op types.Op) (err error) {
	defer func(start time.Time) { s.observe("access", actor, start, err) }(s.clock.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	p, err := s.resolvePath(actor, rawPath)
	if err != nil {
		return err
	}
	n, err := s.walk(actor, "access", p)
	if err != nil {
		return err
	}
	return s.access.CheckAccess(actor, p, &n.attr, op)
}

// ListDirectory returns the entries of a directory sorted by name.
func (s *Store) ListDirectory(ctx context.Context, actor *types.Actor, rawPath string) (entries []*FileInfo, err error) {
	defer func(start time.Time) { s.observe("list", actor, start, err) }(s.clock.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	p, err := s.resolvePath(actor, rawPath)
	if err != nil {
		return nil, err
	}
	n, err := s.walk(actor, "list", p)
	if err != nil {
		return nil, err
	}
	if !n.attr.IsDir {
		return nil, types.NewPathError("list", p, types.ErrNotADirectory)
	}
	if err := s.access.CheckAccess(actor, p, &n.attr, types.OpRead); err != nil {
		return nil, err
	}

	entries = make([]*FileInfo, 0, len(n.children))
	for _, name := range n.sortedChildren() {
		entries = append(entries, n.children[name].info(path.Join(p, name)))
	}
	return entries, nil
}

// Find walks the subtree at rawPath and returns every node matching the
// glob pattern. Patterns without a slash match base names; patterns with
// one match canonical paths. Directories the actor cannot read and search
// are skipped, not reported.
func (s *Store) Find(ctx context.Context, actor *types.Actor, rawPath, pattern string) (matches []*FileInfo, err error) {
	defer func(start time.Time) { s.observe("find", actor, start, err) }(s.clock.Now())

	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, fmt.Errorf("%w: bad pattern %q: %v", types.ErrInvalidArgument, pattern, err)
	}
	fullPath := strings.Contains(pattern, "/")

	s.mu.RLock()
	defer s.mu.RUnlock()

	p, err := s.resolvePath(actor, rawPath)
	if err != nil {
		return nil, err
	}
	start, err := s.walk(actor, "find", p)
	if err != nil {
		return nil, err
	}

	var visit func(p string, n *node) error
	visit = func(p string, n *node) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		subject := n.name
		if fullPath || p == "/" {
			subject = p
		}
		if g.Match(subject) {
			matches = append(matches, n.info(p))
		}
		if !n.attr.IsDir {
			return nil
		}
		if !s.access.CanAccess(actor, &n.attr, types.OpRead) || !s.access.CanAccess(actor, &n.attr, types.OpExecute) {
			s.log.Debug("find skipped unreadable directory", logging.Actor(actor), logging.Path(p))
			return nil
		}
		for _, name := range n.sortedChildren() {
			if err := visit(path.Join(p, name), n.children[name]); err != nil {
				return err
			}
		}
		return nil
	}
	if err := visit(p, start); err != nil {
		return nil, err
	}
	return matches, nil
}
