package fs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/ajaxzhan/simfs/internal/logging"
	"github.com/ajaxzhan/simfs/pkg/types"
)

// ErrInvalidMountPoint is returned for an empty mount point.
var ErrInvalidMountPoint = errors.New("invalid mount point")

// MountConfig holds the configuration for exposing a Store through FUSE.
type MountConfig struct {
	MountPoint string
	AllowOther bool // let other users reach the mount (needs user_allow_other)
	Debug      bool
}

// MountFS exposes a Store as a kernel filesystem. Every request runs as the
// calling process's uid and gid, so the store's own permission model is
// what the kernel user sees.
type MountFS struct {
	store   *Store
	config  *MountConfig
	log     *zap.Logger
	server  *fuse.Server
	mounted atomic.Bool
	mu      sync.Mutex
}

// NewMountFS creates a MountFS for store.
func NewMountFS(store *Store, config *MountConfig) (*MountFS, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if config.MountPoint == "" {
		return nil, ErrInvalidMountPoint
	}
	return &MountFS{
		store:  store,
		config: config,
		log:    logging.Named("fuse"),
	}, nil
}

// Mount mounts the filesystem. It blocks until the context is cancelled.
func (m *MountFS) Mount(ctx context.Context) error {
	root := &simNode{mfs: m}
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			AllowOther: m.config.AllowOther,
			FsName:     "simfs",
			Name:       "simfs",
			Debug:      m.config.Debug,
		},
	}

	server, err := fs.Mount(m.config.MountPoint, root, opts)
	if err != nil {
		return fmt.Errorf("failed to mount %s: %w", m.config.MountPoint, err)
	}

	m.mu.Lock()
	m.server = server
	m.mounted.Store(true)
	m.mu.Unlock()
	m.log.Info("filesystem mounted", logging.Path(m.config.MountPoint))

	<-ctx.Done()

	if err := server.Unmount(); err != nil {
		return err
	}
	m.mounted.Store(false)
	m.log.Info("filesystem unmounted", logging.Path(m.config.MountPoint))

	return ctx.Err()
}

// IsMounted returns true if the filesystem is currently mounted.
func (m *MountFS) IsMounted() bool {
	return m.mounted.Load()
}

// actorFrom builds the actor of a kernel request. The kernel has already
// applied the caller's umask to create modes.
func actorFrom(ctx context.Context) *types.Actor {
	caller, ok := fuse.FromContext(ctx)
	if !ok {
		return &types.Actor{UID: types.RootUID}
	}
	return &types.Actor{UID: caller.Uid, GID: caller.Gid}
}

// simNode is a file or directory of the mounted tree. Paths are derived
// from the inode tree on every call, so renames need no bookkeeping.
type simNode struct {
	fs.Inode
	mfs *MountFS
}

var (
	_ = (fs.NodeGetattrer)((*simNode)(nil))
	_ = (fs.NodeSetattrer)((*simNode)(nil))
	_ = (fs.NodeLookuper)((*simNode)(nil))
	_ = (fs.NodeReaddirer)((*simNode)(nil))
	_ = (fs.NodeMkdirer)((*simNode)(nil))
	_ = (fs.NodeCreater)((*simNode)(nil))
	_ = (fs.NodeUnlinker)((*simNode)(nil))
	_ = (fs.NodeRmdirer)((*simNode)(nil))
	_ = (fs.NodeRenamer)((*simNode)(nil))
	_ = (fs.NodeOpener)((*simNode)(nil))
	_ = (fs.NodeAccesser)((*simNode)(nil))
)

func (n *simNode) path() string {
	return "/" + n.Path(nil)
}

func (n *simNode) child(name string) string {
	return joinPath(n.path(), name)
}

func (n *simNode) newChild(ctx context.Context, fi *FileInfo) *fs.Inode {
	mode := uint32(fuse.S_IFREG)
	if fi.IsDir {
		mode = fuse.S_IFDIR
	}
	return n.NewInode(ctx, &simNode{mfs: n.mfs}, fs.StableAttr{Mode: mode})
}

// fillAttr copies a FileInfo into a kernel attribute block.
func fillAttr(fi *FileInfo, out *fuse.Attr) {
	kind := uint32(fuse.S_IFREG)
	if fi.IsDir {
		kind = fuse.S_IFDIR
	}
	out.Mode = kind | fi.Octal()
	out.Size = uint64(fi.Size)
	out.Blocks = (out.Size + 511) / 512
	out.Nlink = 1
	out.Owner = fuse.Owner{Uid: fi.UID, Gid: fi.GID}
	out.SetTimes(&fi.ModifiedAt, &fi.ModifiedAt, &fi.ModifiedAt)
}

func (n *simNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	fi, err := n.mfs.store.Stat(ctx, actorFrom(ctx), n.path())
	if err != nil {
		return toErrno(err)
	}
	fillAttr(fi, &out.Attr)
	return fs.OK
}

func (n *simNode) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	actor := actorFrom(ctx)
	p := n.path()

	if mode, ok := in.GetMode(); ok {
		if _, err := n.mfs.store.Chmod(ctx, actor, p, fmt.Sprintf("%o", mode&0o7777)); err != nil {
			return toErrno(err)
		}
	}
	uid, uok := in.GetUID()
	gid, gok := in.GetGID()
	if uok || gok {
		var up, gp *uint32
		if uok {
			up = &uid
		}
		if gok {
			gp = &gid
		}
		if _, err := n.mfs.store.Chown(ctx, actor, p, up, gp); err != nil {
			return toErrno(err)
		}
	}
	if size, ok := in.GetSize(); ok {
		if _, err := n.mfs.store.Truncate(ctx, actor, p, int64(size)); err != nil {
			return toErrno(err)
		}
	}

	return n.Getattr(ctx, fh, out)
}

func (n *simNode) Access(ctx context.Context, mask uint32) syscall.Errno {
	actor := actorFrom(ctx)
	checks := []struct {
		bit uint32
		op  types.Op
	}{
		{unix.R_OK, types.OpRead},
		{unix.W_OK, types.OpWrite},
		{unix.X_OK, types.OpExecute},
	}
	for _, c := range checks {
		if mask&c.bit == 0 {
			continue
		}
		if err := n.mfs.store.Access(ctx, actor, n.path(), c.op); err != nil {
			return toErrno(err)
		}
	}
	return fs.OK
}

func (n *simNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	fi, err := n.mfs.store.Stat(ctx, actorFrom(ctx), n.child(name))
	if err != nil {
		return nil, toErrno(err)
	}
	fillAttr(fi, &out.Attr)
	return n.newChild(ctx, fi), fs.OK
}

func (n *simNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := n.mfs.store.ListDirectory(ctx, actorFrom(ctx), n.path())
	if err != nil {
		return nil, toErrno(err)
	}

	result := make([]fuse.DirEntry, 0, len(entries))
	for _, fi := range entries {
		mode := uint32(fuse.S_IFREG)
		if fi.IsDir {
			mode = fuse.S_IFDIR
		}
		result = append(result, fuse.DirEntry{Name: fi.Name, Mode: mode})
	}
	return fs.NewListDirStream(result), fs.OK
}

func (n *simNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	mode &= 0o7777
	fi, err := n.mfs.store.CreateDirectory(ctx, actorFrom(ctx), n.child(name), MkdirOptions{Mode: &mode})
	if err != nil {
		return nil, toErrno(err)
	}
	fillAttr(fi, &out.Attr)
	return n.newChild(ctx, fi), fs.OK
}

func (n *simNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	actor := actorFrom(ctx)
	p := n.child(name)
	mode &= 0o7777

	fi, err := n.mfs.store.CreateFile(ctx, actor, p, &mode)
	if errors.Is(err, types.ErrAlreadyExists) && flags&syscall.O_EXCL == 0 {
		fi, err = n.mfs.store.Stat(ctx, actor, p)
		if err == nil && flags&syscall.O_TRUNC != 0 {
			fi, err = n.mfs.store.Truncate(ctx, actor, p, 0)
		}
	}
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}
	fillAttr(fi, &out.Attr)

	child := n.newChild(ctx, fi)
	return child, &simHandle{node: child.Operations().(*simNode), append: flags&syscall.O_APPEND != 0}, 0, fs.OK
}

func (n *simNode) Unlink(ctx context.Context, name string) syscall.Errno {
	return n.remove(ctx, name, false)
}

func (n *simNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	return n.remove(ctx, name, true)
}

func (n *simNode) remove(ctx context.Context, name string, wantDir bool) syscall.Errno {
	actor := actorFrom(ctx)
	p := n.child(name)

	fi, err := n.mfs.store.Stat(ctx, actor, p)
	if err != nil {
		return toErrno(err)
	}
	switch {
	case wantDir && !fi.IsDir:
		return syscall.ENOTDIR
	case !wantDir && fi.IsDir:
		return syscall.EISDIR
	}
	return toErrno(n.mfs.store.Remove(ctx, actor, p, RemoveOptions{}))
}

func (n *simNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if flags != 0 {
		// RENAME_EXCHANGE and RENAME_NOREPLACE are not supported.
		return syscall.EINVAL
	}
	dst, ok := newParent.(*simNode)
	if !ok {
		return syscall.EINVAL
	}
	_, err := n.mfs.store.Rename(ctx, actorFrom(ctx), n.child(name), dst.child(newName))
	return toErrno(err)
}

func (n *simNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	actor := actorFrom(ctx)
	p := n.path()

	switch flags & syscall.O_ACCMODE {
	case syscall.O_RDONLY:
		if err := n.mfs.store.Access(ctx, actor, p, types.OpRead); err != nil {
			return nil, 0, toErrno(err)
		}
	case syscall.O_WRONLY:
		if err := n.mfs.store.Access(ctx, actor, p, types.OpWrite); err != nil {
			return nil, 0, toErrno(err)
		}
	case syscall.O_RDWR:
		if err := n.mfs.store.Access(ctx, actor, p, types.OpRead); err != nil {
			return nil, 0, toErrno(err)
		}
		if err := n.mfs.store.Access(ctx, actor, p, types.OpWrite); err != nil {
			return nil, 0, toErrno(err)
		}
	}
	if flags&syscall.O_TRUNC != 0 {
		if _, err := n.mfs.store.Truncate(ctx, actor, p, 0); err != nil {
			return nil, 0, toErrno(err)
		}
	}

	// Content lives in the store; the kernel must not serve stale pages.
	return &simHandle{node: n, append: flags&syscall.O_APPEND != 0}, fuse.FOPEN_DIRECT_IO, fs.OK
}

// simHandle is an open file. Reads and writes go straight to the store.
type simHandle struct {
	node   *simNode
	append bool
}

var (
	_ = (fs.FileReader)((*simHandle)(nil))
	_ = (fs.FileWriter)((*simHandle)(nil))
	_ = (fs.FileFlusher)((*simHandle)(nil))
)

func (h *simHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, err := h.node.mfs.store.ReadFile(ctx, actorFrom(ctx), h.node.path())
	if err != nil {
		return nil, toErrno(err)
	}
	if off >= int64(len(data)) {
		return fuse.ReadResultData(nil), fs.OK
	}
	end := off + int64(len(dest))
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return fuse.ReadResultData(data[off:end]), fs.OK
}

func (h *simHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	actor := actorFrom(ctx)
	p := h.node.path()

	var err error
	if h.append {
		_, err = h.node.mfs.store.WriteFile(ctx, actor, p, data, WriteOptions{Append: true})
	} else {
		_, err = h.node.mfs.store.WriteAt(ctx, actor, p, data, off)
	}
	if err != nil {
		return 0, toErrno(err)
	}
	return uint32(len(data)), fs.OK
}

func (h *simHandle) Flush(ctx context.Context) syscall.Errno {
	// Every write is already persisted.
	return fs.OK
}

// toErrno maps store errors to the errno a kernel caller expects.
func toErrno(err error) syscall.Errno {
	switch {
	case err == nil:
		return fs.OK
	case errors.Is(err, types.ErrPermissionDenied):
		return unix.EACCES
	case errors.Is(err, types.ErrNotFound):
		return unix.ENOENT
	case errors.Is(err, types.ErrNotADirectory):
		return unix.ENOTDIR
	case errors.Is(err, types.ErrIsADirectory):
		return unix.EISDIR
	case errors.Is(err, types.ErrNotEmpty):
		return unix.ENOTEMPTY
	case errors.Is(err, types.ErrAlreadyExists):
		return unix.EEXIST
	case errors.Is(err, types.ErrQuotaExceeded):
		return unix.EDQUOT
	case errors.Is(err, types.ErrLockConflict):
		return unix.EWOULDBLOCK
	case errors.Is(err, types.ErrInvalidPath), errors.Is(err, types.ErrInvalidMode),
		errors.Is(err, types.ErrInvalidArgument), errors.Is(err, types.ErrCannotRemoveSystemAlias):
		return unix.EINVAL
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return unix.EINTR
	default:
		return unix.EIO
	}
}
