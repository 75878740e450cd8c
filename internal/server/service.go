package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ajaxzhan/simfs/internal/fs"
	"github.com/ajaxzhan/simfs/pkg/types"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "simfs.v1.FileSystem"

// ActorMessage is the identity a request runs as. A missing umask takes
// the server default.
type ActorMessage struct {
	UID    uint32   `json:"uid"`
	GID    uint32   `json:"gid"`
	Groups []uint32 `json:"groups,omitempty"`
	Root   bool     `json:"root,omitempty"`
	Umask  *uint32  `json:"umask,omitempty"`
	Cwd    string   `json:"cwd,omitempty"`
	Home   string   `json:"home,omitempty"`
}

// Request carries the arguments of every FileSystem method. Each method
// reads only the fields it needs.
type Request struct {
	Actor     ActorMessage              `json:"actor"`
	Path      string                    `json:"path,omitempty"`
	Target    string                    `json:"target,omitempty"`
	Name      string                    `json:"name,omitempty"`
	Content   []byte                    `json:"content,omitempty"`
	Append    bool                      `json:"append,omitempty"`
	Offset    int64                     `json:"offset,omitempty"`
	Size      int64                     `json:"size,omitempty"`
	Mode      *uint32                   `json:"mode,omitempty"`
	Spec      string                    `json:"spec,omitempty"`
	Parents   bool                      `json:"parents,omitempty"`
	Recursive bool                      `json:"recursive,omitempty"`
	OwnerUID  *uint32                   `json:"owner_uid,omitempty"`
	OwnerGID  *uint32                   `json:"owner_gid,omitempty"`
	Pattern   string                    `json:"pattern,omitempty"`
	Op        string                    `json:"op,omitempty"`
	Symlink   bool                      `json:"symlink,omitempty"`
	Kind      string                    `json:"kind,omitempty"`
	Wait      bool                      `json:"wait,omitempty"`
	LockID    string                    `json:"lock_id,omitempty"`
	GroupID   uint32                    `json:"group_id,omitempty"`
	Quota     *types.QuotaConfiguration `json:"quota,omitempty"`
}

// FileMessage is the wire form of fs.FileInfo.
type FileMessage struct {
	*fs.FileInfo
	Mode        uint32 `json:"mode"`
	Permissions string `json:"permissions"`
}

func fileMessage(fi *fs.FileInfo) *FileMessage {
	if fi == nil {
		return nil
	}
	return &FileMessage{FileInfo: fi, Mode: fi.Octal(), Permissions: fi.Permissions()}
}

func fileMessages(fis []*fs.FileInfo) []*FileMessage {
	out := make([]*FileMessage, 0, len(fis))
	for _, fi := range fis {
		out = append(out, fileMessage(fi))
	}
	return out
}

// Response carries the result of every FileSystem method.
type Response struct {
	Path    string           `json:"path,omitempty"`
	Exists  *bool            `json:"exists,omitempty"`
	File    *FileMessage     `json:"file,omitempty"`
	Files   []*FileMessage   `json:"files,omitempty"`
	Content []byte           `json:"content,omitempty"`
	Alias   *types.Alias     `json:"alias,omitempty"`
	Aliases []types.Alias    `json:"aliases,omitempty"`
	Quota   *fs.QuotaStatus  `json:"quota,omitempty"`
	Quotas  []fs.QuotaStatus `json:"quotas,omitempty"`
	Lock    *fs.LockHandle   `json:"lock,omitempty"`
	Locks   []fs.LockHandle  `json:"locks,omitempty"`
}

// FileSystemService exposes a Store over gRPC.
type FileSystemService struct {
	store        *fs.Store
	defaultUmask uint32
}

// NewFileSystemService creates the service. defaultUmask applies to
// requests that carry no umask.
func NewFileSystemService(store *fs.Store, defaultUmask uint32) *FileSystemService {
	return &FileSystemService{store: store, defaultUmask: defaultUmask}
}

type methodFunc func(s *FileSystemService, ctx context.Context, req *Request) (*Response, error)

// methods maps each RPC name to its implementation.
var methods = map[string]methodFunc{
	"Resolve":         (*FileSystemService).resolve,
	"Exists":          (*FileSystemService).exists,
	"Stat":            (*FileSystemService).stat,
	"Access":          (*FileSystemService).access,
	"ReadFile":        (*FileSystemService).readFile,
	"WriteFile":       (*FileSystemService).writeFile,
	"WriteAt":         (*FileSystemService).writeAt,
	"Truncate":        (*FileSystemService).truncate,
	"CreateFile":      (*FileSystemService).createFile,
	"Mkdir":           (*FileSystemService).mkdir,
	"Remove":          (*FileSystemService).remove,
	"Rename":          (*FileSystemService).rename,
	"Chmod":           (*FileSystemService).chmod,
	"Chown":           (*FileSystemService).chown,
	"List":            (*FileSystemService).list,
	"Find":            (*FileSystemService).find,
	"RegisterAlias":   (*FileSystemService).registerAlias,
	"UnregisterAlias": (*FileSystemService).unregisterAlias,
	"ListAliases":     (*FileSystemService).listAliases,
	"SetQuota":        (*FileSystemService).setQuota,
	"GetQuota":        (*FileSystemService).getQuota,
	"ListQuotas":      (*FileSystemService).listQuotas,
	"Lock":            (*FileSystemService).lock,
	"Unlock":          (*FileSystemService).unlock,
	"ListLocks":       (*FileSystemService).listLocks,
}

// serviceDesc builds the grpc.ServiceDesc. Every method takes and returns
// a google.protobuf.Struct holding the JSON form of Request and Response.
func serviceDesc() *grpc.ServiceDesc {
	desc := &grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*any)(nil),
		Metadata:    "simfs/v1/filesystem",
	}
	for name := range methods {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: name,
			Handler:    unaryHandler(name),
		})
	}
	return desc
}

func unaryHandler(name string) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		svc := srv.(*FileSystemService)
		if interceptor == nil {
			return svc.Call(ctx, name, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
		handler := func(ctx context.Context, req any) (any, error) {
			return svc.Call(ctx, name, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Call runs the named method on a Struct-encoded request. The REST
// gateway and the gRPC handlers both dispatch through it.
func (s *FileSystemService) Call(ctx context.Context, name string, in *structpb.Struct) (*structpb.Struct, error) {
	fn, ok := methods[name]
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "unknown method %s", name)
	}
	req, err := decodeRequest(in)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	resp, err := fn(s, ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := encodeMessage(resp)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return out, nil
}

func decodeRequest(in *structpb.Struct) (*Request, error) {
	req := &Request{}
	if in == nil {
		return req, nil
	}
	data, err := protojson.Marshal(in)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, req); err != nil {
		return nil, err
	}
	return req, nil
}

// encodeMessage converts any JSON-serialisable value into a Struct.
func encodeMessage(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

// decodeMessage is the inverse of encodeMessage.
func decodeMessage(in *structpb.Struct, v any) error {
	data, err := protojson.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *FileSystemService) actor(m ActorMessage) *types.Actor {
	umask := s.defaultUmask
	if m.Umask != nil {
		umask = *m.Umask & 0o777
	}
	return &types.Actor{
		UID:    m.UID,
		GID:    m.GID,
		Groups: m.Groups,
		Root:   m.Root,
		Umask:  umask,
		Cwd:    m.Cwd,
		Home:   m.Home,
	}
}

func requirePath(req *Request) error {
	if req.Path == "" {
		return status.Error(codes.InvalidArgument, "path is required")
	}
	return nil
}

func (s *FileSystemService) resolve(ctx context.Context, req *Request) (*Response, error) {
	p, err := s.store.Resolve(ctx, s.actor(req.Actor), req.Path)
	if err != nil {
		return nil, err
	}
	return &Response{Path: p}, nil
}

func (s *FileSystemService) exists(ctx context.Context, req *Request) (*Response, error) {
	if err := requirePath(req); err != nil {
		return nil, err
	}
	ok, err := s.store.Exists(ctx, s.actor(req.Actor), req.Path)
	if err != nil {
		return nil, err
	}
	return &Response{Exists: &ok}, nil
}

func (s *FileSystemService) stat(ctx context.Context, req *Request) (*Response, error) {
	if err := requirePath(req); err != nil {
		return nil, err
	}
	fi, err := s.store.Stat(ctx, s.actor(req.Actor), req.Path)
	if err != nil {
		return nil, err
	}
	return &Response{File: fileMessage(fi)}, nil
}

func parseOp(op string) (types.Op, error) {
	switch types.Op(op) {
	case types.OpRead, types.OpWrite, types.OpExecute, types.OpTraverse, types.OpDelete:
		return types.Op(op), nil
	}
	return "", status.Errorf(codes.InvalidArgument, "unknown op %q", op)
}

func (s *FileSystemService) access(ctx context.Context, req *Request) (*Response, error) {
	if err := requirePath(req); err != nil {
		return nil, err
	}
	op, err := parseOp(req.Op)
	if err != nil {
		return nil, err
	}
	if err := s.store.Access(ctx, s.actor(req.Actor), req.Path, op); err != nil {
		return nil, err
	}
	return &Response{}, nil
}

func (s *FileSystemService) readFile(ctx context.Context, req *Request) (*Response, error) {
	if err := requirePath(req); err != nil {
		return nil, err
	}
	data, err := s.store.ReadFile(ctx, s.actor(req.Actor), req.Path)
	if err != nil {
		return nil, err
	}
	return &Response{Content: data}, nil
}

func (s *FileSystemService) writeFile(ctx context.Context, req *Request) (*Response, error) {
	if err := requirePath(req); err != nil {
		return nil, err
	}
	fi, err := s.store.WriteFile(ctx, s.actor(req.Actor), req.Path, req.Content, fs.WriteOptions{Append: req.Append, Mode: req.Mode})
	if err != nil {
		return nil, err
	}
	return &Response{File: fileMessage(fi)}, nil
}

func (s *FileSystemService) writeAt(ctx context.Context, req *Request) (*Response, error) {
	if err := requirePath(req); err != nil {
		return nil, err
	}
	fi, err := s.store.WriteAt(ctx, s.actor(req.Actor), req.Path, req.Content, req.Offset)
	if err != nil {
		return nil, err
	}
	return &Response{File: fileMessage(fi)}, nil
}

func (s *FileSystemService) truncate(ctx context.Context, req *Request) (*Response, error) {
	if err := requirePath(req); err != nil {
		return nil, err
	}
	fi, err := s.store.Truncate(ctx, s.actor(req.Actor), req.Path, req.Size)
	if err != nil {
		return nil, err
	}
	return &Response{File: fileMessage(fi)}, nil
}

func (s *FileSystemService) createFile(ctx context.Context, req *Request) (*Response, error) {
	if err := requirePath(req); err != nil {
		return nil, err
	}
	fi, err := s.store.CreateFile(ctx, s.actor(req.Actor), req.Path, req.Mode)
	if err != nil {
		return nil, err
	}
	return &Response{File: fileMessage(fi)}, nil
}

func (s *FileSystemService) mkdir(ctx context.Context, req *Request) (*Response, error) {
	if err := requirePath(req); err != nil {
		return nil, err
	}
	fi, err := s.store.CreateDirectory(ctx, s.actor(req.Actor), req.Path, fs.MkdirOptions{Parents: req.Parents, Mode: req.Mode})
	if err != nil {
		return nil, err
	}
	return &Response{File: fileMessage(fi)}, nil
}

func (s *FileSystemService) remove(ctx context.Context, req *Request) (*Response, error) {
	if err := requirePath(req); err != nil {
		return nil, err
	}
	if err := s.store.Remove(ctx, s.actor(req.Actor), req.Path, fs.RemoveOptions{Recursive: req.Recursive}); err != nil {
		return nil, err
	}
	return &Response{}, nil
}

func (s *FileSystemService) rename(ctx context.Context, req *Request) (*Response, error) {
	if req.Path == "" || req.Target == "" {
		return nil, status.Error(codes.InvalidArgument, "path and target are required")
	}
	fi, err := s.store.Rename(ctx, s.actor(req.Actor), req.Path, req.Target)
	if err != nil {
		return nil, err
	}
	return &Response{File: fileMessage(fi)}, nil
}

func (s *FileSystemService) chmod(ctx context.Context, req *Request) (*Response, error) {
	if err := requirePath(req); err != nil {
		return nil, err
	}
	spec := req.Spec
	if spec == "" && req.Mode != nil {
		spec = fmt.Sprintf("%o", *req.Mode)
	}
	if spec == "" {
		return nil, status.Error(codes.InvalidArgument, "spec or mode is required")
	}
	fi, err := s.store.Chmod(ctx, s.actor(req.Actor), req.Path, spec)
	if err != nil {
		return nil, err
	}
	return &Response{File: fileMessage(fi)}, nil
}

func (s *FileSystemService) chown(ctx context.Context, req *Request) (*Response, error) {
	if err := requirePath(req); err != nil {
		return nil, err
	}
	fi, err := s.store.Chown(ctx, s.actor(req.Actor), req.Path, req.OwnerUID, req.OwnerGID)
	if err != nil {
		return nil, err
	}
	return &Response{File: fileMessage(fi)}, nil
}

func (s *FileSystemService) list(ctx context.Context, req *Request) (*Response, error) {
	if err := requirePath(req); err != nil {
		return nil, err
	}
	entries, err := s.store.ListDirectory(ctx, s.actor(req.Actor), req.Path)
	if err != nil {
		return nil, err
	}
	return &Response{Files: fileMessages(entries)}, nil
}

func (s *FileSystemService) find(ctx context.Context, req *Request) (*Response, error) {
	if err := requirePath(req); err != nil {
		return nil, err
	}
	matches, err := s.store.Find(ctx, s.actor(req.Actor), req.Path, req.Pattern)
	if err != nil {
		return nil, err
	}
	return &Response{Files: fileMessages(matches)}, nil
}

func (s *FileSystemService) registerAlias(ctx context.Context, req *Request) (*Response, error) {
	if req.Name == "" || req.Target == "" {
		return nil, status.Error(codes.InvalidArgument, "name and target are required")
	}
	actor := s.actor(req.Actor)
	var (
		alias types.Alias
		err   error
	)
	if req.Symlink {
		alias, err = s.store.RegisterSymlink(ctx, actor, req.Name, req.Target)
	} else {
		alias, err = s.store.RegisterFixedAlias(ctx, actor, req.Name, req.Target)
	}
	if err != nil {
		return nil, err
	}
	return &Response{Alias: &alias}, nil
}

func (s *FileSystemService) unregisterAlias(ctx context.Context, req *Request) (*Response, error) {
	if req.Name == "" {
		return nil, status.Error(codes.InvalidArgument, "name is required")
	}
	if err := s.store.UnregisterAlias(ctx, s.actor(req.Actor), req.Name); err != nil {
		return nil, err
	}
	return &Response{}, nil
}

func (s *FileSystemService) listAliases(ctx context.Context, req *Request) (*Response, error) {
	return &Response{Aliases: s.store.Aliases(s.actor(req.Actor))}, nil
}

func (s *FileSystemService) setQuota(ctx context.Context, req *Request) (*Response, error) {
	if req.Quota == nil {
		return nil, status.Error(codes.InvalidArgument, "quota is required")
	}
	if err := s.store.SetQuota(ctx, s.actor(req.Actor), *req.Quota); err != nil {
		return nil, err
	}
	st := s.store.QuotaStats(req.Quota.GroupID)
	return &Response{Quota: &st}, nil
}

func (s *FileSystemService) getQuota(ctx context.Context, req *Request) (*Response, error) {
	st := s.store.QuotaStats(req.GroupID)
	return &Response{Quota: &st}, nil
}

func (s *FileSystemService) listQuotas(ctx context.Context, req *Request) (*Response, error) {
	return &Response{Quotas: s.store.Quotas()}, nil
}

func parseLockKind(kind string) (types.LockKind, error) {
	switch types.LockKind(kind) {
	case "", types.LockExclusive:
		return types.LockExclusive, nil
	case types.LockShared:
		return types.LockShared, nil
	}
	return "", status.Errorf(codes.InvalidArgument, "unknown lock kind %q", kind)
}

func (s *FileSystemService) lock(ctx context.Context, req *Request) (*Response, error) {
	if err := requirePath(req); err != nil {
		return nil, err
	}
	kind, err := parseLockKind(req.Kind)
	if err != nil {
		return nil, err
	}
	actor := s.actor(req.Actor)
	var h *fs.LockHandle
	if req.Wait {
		h, err = s.store.Lock(ctx, actor, req.Path, kind)
	} else {
		h, err = s.store.TryLock(ctx, actor, req.Path, kind)
	}
	if err != nil {
		return nil, err
	}
	return &Response{Lock: h}, nil
}

func (s *FileSystemService) unlock(ctx context.Context, req *Request) (*Response, error) {
	if req.LockID == "" {
		return nil, status.Error(codes.InvalidArgument, "lock_id is required")
	}
	if err := s.store.Unlock(ctx, s.actor(req.Actor), req.LockID); err != nil {
		return nil, err
	}
	return &Response{}, nil
}

func (s *FileSystemService) listLocks(ctx context.Context, req *Request) (*Response, error) {
	if err := requirePath(req); err != nil {
		return nil, err
	}
	locks, err := s.store.Locks(ctx, s.actor(req.Actor), req.Path)
	if err != nil {
		return nil, err
	}
	return &Response{Locks: locks}, nil
}

// toStatus maps filesystem errors onto gRPC status codes.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	var code codes.Code
	switch {
	case errors.Is(err, types.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, types.ErrPermissionDenied):
		code = codes.PermissionDenied
	case errors.Is(err, types.ErrAlreadyExists):
		code = codes.AlreadyExists
	case errors.Is(err, types.ErrQuotaExceeded):
		code = codes.ResourceExhausted
	case errors.Is(err, types.ErrNotADirectory),
		errors.Is(err, types.ErrIsADirectory),
		errors.Is(err, types.ErrNotEmpty),
		errors.Is(err, types.ErrCannotRemoveSystemAlias):
		code = codes.FailedPrecondition
	case errors.Is(err, types.ErrInvalidPath),
		errors.Is(err, types.ErrInvalidMode),
		errors.Is(err, types.ErrInvalidArgument):
		code = codes.InvalidArgument
	case errors.Is(err, types.ErrLockConflict):
		code = codes.Aborted
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}
