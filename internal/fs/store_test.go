package fs

import (
	"bytes"
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ajaxzhan/simfs/internal/storage"
	"github.com/ajaxzhan/simfs/pkg/types"
)

var (
	rootActor = &types.Actor{UID: 0, GID: 0}
	alice     = &types.Actor{UID: 1, GID: 10, Home: "/home/alice"}
	bob       = &types.Actor{UID: 2, GID: 20, Home: "/home/bob"}
)

func u32(v uint32) *uint32 { return &v }

func newTestStore(t *testing.T) (*Store, clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	return New(WithClock(clock)), clock
}

func mkdir(t *testing.T, s *Store, actor *types.Actor, p string, mode uint32) {
	t.Helper()
	if _, err := s.CreateDirectory(context.Background(), actor, p, MkdirOptions{Mode: &mode}); err != nil {
		t.Fatalf("CreateDirectory(%s) failed: %v", p, err)
	}
}

func write(t *testing.T, s *Store, actor *types.Actor, p, content string) {
	t.Helper()
	if _, err := s.WriteFile(context.Background(), actor, p, []byte(content), WriteOptions{}); err != nil {
		t.Fatalf("WriteFile(%s) failed: %v", p, err)
	}
}

// homes creates /home/alice and /home/bob owned by their users.
func homes(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	mkdir(t, s, rootActor, "/home", 0o755)
	for _, a := range []*types.Actor{alice, bob} {
		mkdir(t, s, rootActor, a.Home, 0o755)
		if _, err := s.Chown(ctx, rootActor, a.Home, &a.UID, &a.GID); err != nil {
			t.Fatalf("Chown(%s) failed: %v", a.Home, err)
		}
	}
}

func assertUsageConsistent(t *testing.T, s *Store) {
	t.Helper()
	s.mu.RLock()
	totals := s.usageByGroup()
	s.mu.RUnlock()
	for gid, want := range totals {
		if got := s.CurrentUsage(gid); got != want {
			t.Errorf("CurrentUsage(%d) = %d, tree holds %d", gid, got, want)
		}
	}
}

func TestStore_NewHasRoot(t *testing.T) {
	s, _ := newTestStore(t)
	fi, err := s.Stat(context.Background(), alice, "/")
	if err != nil {
		t.Fatalf("Stat(/) failed: %v", err)
	}
	if !fi.IsDir || fi.UID != 0 || fi.Octal() != 0o755 || fi.Name != "/" {
		t.Errorf("root = %+v, want root-owned 0755 directory", fi)
	}
}

func TestStore_StickyTmp(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mkdir(t, s, rootActor, "/tmp", 0o1777)

	write(t, s, alice, "/tmp/a.txt", "hi")

	err := s.Remove(ctx, bob, "/tmp/a.txt", RemoveOptions{})
	if !errors.Is(err, types.ErrPermissionDenied) {
		t.Fatalf("bob removing alice's file = %v, want ErrPermissionDenied", err)
	}
	if ok, _ := s.Exists(ctx, alice, "/tmp/a.txt"); !ok {
		t.Fatal("file disappeared after a denied remove")
	}
	if _, err := s.Rename(ctx, bob, "/tmp/a.txt", "/tmp/b.txt"); !errors.Is(err, types.ErrPermissionDenied) {
		t.Errorf("bob renaming alice's file = %v, want ErrPermissionDenied", err)
	}

	if err := s.Remove(ctx, alice, "/tmp/a.txt", RemoveOptions{}); err != nil {
		t.Fatalf("alice removing her own file failed: %v", err)
	}
	if ok, _ := s.Exists(ctx, alice, "/tmp/a.txt"); ok {
		t.Error("file still exists after remove")
	}
}

func TestStore_GroupQuota(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mkdir(t, s, rootActor, "/data", 0o777)
	if err := s.SetQuota(ctx, rootActor, types.QuotaConfiguration{GroupID: 10, QuotaBytes: 1000, Enabled: true}); err != nil {
		t.Fatalf("SetQuota failed: %v", err)
	}

	write(t, s, alice, "/data/first", string(make([]byte, 600)))

	_, err := s.WriteFile(ctx, alice, "/data/second", make([]byte, 500), WriteOptions{})
	if !errors.Is(err, types.ErrQuotaExceeded) {
		t.Fatalf("second write = %v, want ErrQuotaExceeded", err)
	}
	var qe *types.QuotaError
	if !errors.As(err, &qe) || qe.GroupID != 10 || qe.Requested != 500 || qe.Usage != 600 || qe.Limit != 1000 {
		t.Errorf("quota error = %+v", qe)
	}
	if ok, _ := s.Exists(ctx, alice, "/data/second"); ok {
		t.Error("rejected write left a file behind")
	}
	if got := s.CurrentUsage(10); got != 600 {
		t.Errorf("usage after rejection = %d, want 600", got)
	}

	if err := s.Remove(ctx, alice, "/data/first", RemoveOptions{}); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	write(t, s, alice, "/data/second", string(make([]byte, 500)))

	st := s.QuotaStats(10)
	if st.Usage.CurrentUsageBytes != 500 || st.Usage.PeakUsageBytes != 600 || st.Usage.QuotaExceededCount != 1 {
		t.Errorf("QuotaStats(10) = %+v", st.Usage)
	}
	if !st.Configured || st.Config.QuotaBytes != 1000 {
		t.Errorf("QuotaStats(10).Config = %+v", st.Config)
	}
	assertUsageConsistent(t, s)
}

func TestStore_QuotaCountsReplacementDelta(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mkdir(t, s, rootActor, "/data", 0o777)
	if err := s.SetQuota(ctx, rootActor, types.QuotaConfiguration{GroupID: 10, QuotaBytes: 100, Enabled: true}); err != nil {
		t.Fatal(err)
	}

	write(t, s, alice, "/data/f", string(make([]byte, 80)))
	// Replacing 80 bytes with 90 only needs 10 more.
	write(t, s, alice, "/data/f", string(make([]byte, 90)))
	if _, err := s.WriteFile(ctx, alice, "/data/f", make([]byte, 20), WriteOptions{Append: true}); !errors.Is(err, types.ErrQuotaExceeded) {
		t.Errorf("append past the limit = %v, want ErrQuotaExceeded", err)
	}
	data, _ := s.ReadFile(ctx, alice, "/data/f")
	if len(data) != 90 {
		t.Errorf("content length = %d, want 90", len(data))
	}
}

func TestStore_SetQuotaRequiresRoot(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	err := s.SetQuota(ctx, alice, types.QuotaConfiguration{GroupID: 10, QuotaBytes: 1, Enabled: true})
	if !errors.Is(err, types.ErrPermissionDenied) {
		t.Errorf("SetQuota(alice) = %v, want ErrPermissionDenied", err)
	}
	err = s.SetQuota(ctx, rootActor, types.QuotaConfiguration{GroupID: 10, QuotaBytes: -1, Enabled: true})
	if !errors.Is(err, types.ErrInvalidArgument) {
		t.Errorf("negative quota = %v, want ErrInvalidArgument", err)
	}
}

func TestStore_QuotaConsistencyUnderRandomOps(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mkdir(t, s, rootActor, "/data", 0o777)
	if err := s.SetQuota(ctx, rootActor, types.QuotaConfiguration{GroupID: 10, QuotaBytes: 4096, Enabled: true}); err != nil {
		t.Fatal(err)
	}

	rng := rand.New(rand.NewSource(7))
	names := []string{"/data/a", "/data/b", "/data/c", "/data/d"}
	for i := 0; i < 300; i++ {
		name := names[rng.Intn(len(names))]
		switch rng.Intn(4) {
		case 0, 1:
			s.WriteFile(ctx, alice, name, make([]byte, rng.Intn(2000)), WriteOptions{})
		case 2:
			s.WriteFile(ctx, alice, name, make([]byte, rng.Intn(500)), WriteOptions{Append: true})
		case 3:
			s.Remove(ctx, alice, name, RemoveOptions{})
		}
		if got := s.CurrentUsage(10); got > 4096 {
			t.Fatalf("step %d: usage %d above the limit", i, got)
		}
	}
	assertUsageConsistent(t, s)
}

func TestStore_TraverseDenied(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mkdir(t, s, rootActor, "/secret", 0o700)
	write(t, s, rootActor, "/secret/x", "classified")

	for _, p := range []string{"/secret/x", "/secret/missing", "/secret/x/deeper"} {
		if _, err := s.Stat(ctx, alice, p); !errors.Is(err, types.ErrPermissionDenied) {
			t.Errorf("Stat(%s) = %v, want ErrPermissionDenied", p, err)
		}
	}
	if _, err := s.Exists(ctx, alice, "/secret/x"); !errors.Is(err, types.ErrPermissionDenied) {
		t.Errorf("Exists through unsearchable dir = %v, want ErrPermissionDenied", err)
	}
	if _, err := s.Stat(ctx, alice, "/nope/x"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Stat(/nope/x) = %v, want ErrNotFound", err)
	}
	if _, err := s.Stat(ctx, rootActor, "/secret/x"); err != nil {
		t.Errorf("root Stat failed: %v", err)
	}
}

func TestStore_ReadWriteDenied(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	homes(t, s)
	write(t, s, alice, "~/private", "mine")
	if _, err := s.Chmod(ctx, alice, "~/private", "600"); err != nil {
		t.Fatal(err)
	}

	if _, err := s.ReadFile(ctx, bob, "/home/alice/private"); !errors.Is(err, types.ErrPermissionDenied) {
		t.Errorf("bob read = %v, want ErrPermissionDenied", err)
	}
	if _, err := s.WriteFile(ctx, bob, "/home/alice/new", []byte("x"), WriteOptions{}); !errors.Is(err, types.ErrPermissionDenied) {
		t.Errorf("bob create in alice's home = %v, want ErrPermissionDenied", err)
	}
	data, err := s.ReadFile(ctx, alice, "/home/alice/private")
	if err != nil || string(data) != "mine" {
		t.Errorf("alice read = %q, %v", data, err)
	}
}

func TestStore_CreationModes(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	homes(t, s)
	carol := &types.Actor{UID: 3, GID: 30, Umask: 0o027}
	mkdir(t, s, rootActor, "/pub", 0o777)

	fi, err := s.CreateFile(ctx, carol, "/pub/f", nil)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Octal() != 0o640 || fi.UID != 3 || fi.GID != 30 {
		t.Errorf("CreateFile attrs = %o %d:%d, want 640 3:30", fi.Octal(), fi.UID, fi.GID)
	}
	if _, err := s.CreateFile(ctx, carol, "/pub/f", nil); !errors.Is(err, types.ErrAlreadyExists) {
		t.Errorf("second CreateFile = %v, want ErrAlreadyExists", err)
	}

	dir, err := s.CreateDirectory(ctx, carol, "/pub/d", MkdirOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if dir.Octal() != 0o750 {
		t.Errorf("mkdir mode = %o, want 750", dir.Octal())
	}

	if _, err := s.CreateFile(ctx, carol, "/pub/s", u32(0o4755)); err != nil {
		t.Fatal(err)
	}
	fi, _ = s.Stat(ctx, carol, "/pub/s")
	if fi.RunsAsOwner() {
		t.Error("a non-root user created a setuid file")
	}
}

func TestStore_SetgidInheritance(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mkdir(t, s, rootActor, "/shared", 0o2777)
	if _, err := s.Chown(ctx, rootActor, "/shared", nil, u32(50)); err != nil {
		t.Fatal(err)
	}

	fi, err := s.CreateFile(ctx, alice, "/shared/f", nil)
	if err != nil {
		t.Fatal(err)
	}
	if fi.GID != 50 {
		t.Errorf("file gid = %d, want 50", fi.GID)
	}
	dir, err := s.CreateDirectory(ctx, alice, "/shared/sub", MkdirOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if dir.GID != 50 || !dir.Mode.Setgid {
		t.Errorf("subdir = gid %d %s, want gid 50 with setgid", dir.GID, dir.Permissions())
	}

	// Growth in the inherited group is charged to that group.
	write(t, s, alice, "/shared/sub/g", "12345")
	if got := s.CurrentUsage(50); got != 5 {
		t.Errorf("usage(50) = %d, want 5", got)
	}
	if got := s.CurrentUsage(10); got != 0 {
		t.Errorf("usage(10) = %d, want 0", got)
	}
}

func TestStore_MkdirParents(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mkdir(t, s, rootActor, "/work", 0o777)
	dave := &types.Actor{UID: 4, GID: 40, Umask: 0o277}

	fi, err := s.CreateDirectory(ctx, dave, "/work/a/b/c", MkdirOptions{Parents: true})
	if err != nil {
		t.Fatalf("mkdir -p failed: %v", err)
	}
	if fi.Octal() != 0o500 {
		t.Errorf("leaf mode = %o, want 500", fi.Octal())
	}
	mid, err := s.Stat(ctx, dave, "/work/a/b")
	if err != nil {
		t.Fatal(err)
	}
	if mid.Octal() != 0o700 {
		t.Errorf("intermediate mode = %o, want 700", mid.Octal())
	}

	if _, err := s.CreateDirectory(ctx, dave, "/work/a/b/c", MkdirOptions{Parents: true}); err != nil {
		t.Errorf("mkdir -p on an existing directory = %v, want nil", err)
	}
	if _, err := s.CreateDirectory(ctx, dave, "/work/a", MkdirOptions{}); !errors.Is(err, types.ErrAlreadyExists) {
		t.Errorf("mkdir on an existing directory = %v, want ErrAlreadyExists", err)
	}
	if _, err := s.CreateDirectory(ctx, dave, "/work/x/y", MkdirOptions{}); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("mkdir without parents = %v, want ErrNotFound", err)
	}

	write(t, s, rootActor, "/work/file", "")
	if _, err := s.CreateDirectory(ctx, dave, "/work/file/sub", MkdirOptions{Parents: true}); !errors.Is(err, types.ErrNotADirectory) {
		t.Errorf("mkdir -p through a file = %v, want ErrNotADirectory", err)
	}
	if _, err := s.CreateDirectory(ctx, dave, "/work/file", MkdirOptions{Parents: true}); !errors.Is(err, types.ErrAlreadyExists) {
		t.Errorf("mkdir -p over a file = %v, want ErrAlreadyExists", err)
	}
}

func TestStore_RemoveRecursive(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mkdir(t, s, rootActor, "/a", 0o755)
	mkdir(t, s, rootActor, "/a/b", 0o755)
	write(t, s, rootActor, "/a/b/f", "abc")
	write(t, s, rootActor, "/a/g", "de")

	if err := s.Remove(ctx, rootActor, "/a", RemoveOptions{}); !errors.Is(err, types.ErrNotEmpty) {
		t.Fatalf("Remove(non-empty) = %v, want ErrNotEmpty", err)
	}
	if err := s.Remove(ctx, rootActor, "/a", RemoveOptions{Recursive: true}); err != nil {
		t.Fatalf("recursive Remove failed: %v", err)
	}
	if ok, _ := s.Exists(ctx, rootActor, "/a/b/f"); ok {
		t.Error("descendant survived recursive remove")
	}
	if got := s.CurrentUsage(0); got != 0 {
		t.Errorf("usage after remove = %d, want 0", got)
	}
	if err := s.Remove(ctx, rootActor, "/", RemoveOptions{Recursive: true}); !errors.Is(err, types.ErrInvalidPath) {
		t.Errorf("Remove(/) = %v, want ErrInvalidPath", err)
	}
	if err := s.Remove(ctx, rootActor, "/a", RemoveOptions{}); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Remove(missing) = %v, want ErrNotFound", err)
	}
}

func TestStore_RemoveRecursiveIsAllOrNothing(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mkdir(t, s, rootActor, "/top", 0o777)
	mkdir(t, s, rootActor, "/top/work", 0o777)
	if _, err := s.Chown(ctx, rootActor, "/top/work", &alice.UID, &alice.GID); err != nil {
		t.Fatal(err)
	}
	write(t, s, alice, "/top/work/mine", "x")
	mkdir(t, s, rootActor, "/top/work/pub", 0o1777)
	write(t, s, bob, "/top/work/pub/bobs", "y")

	err := s.Remove(ctx, alice, "/top/work", RemoveOptions{Recursive: true})
	if !errors.Is(err, types.ErrPermissionDenied) {
		t.Fatalf("recursive remove over a sticky entry = %v, want ErrPermissionDenied", err)
	}
	for _, p := range []string{"/top/work/mine", "/top/work/pub/bobs"} {
		if ok, _ := s.Exists(ctx, rootActor, p); !ok {
			t.Errorf("%s was removed by a failed recursive remove", p)
		}
	}
}

func TestStore_Rename(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	homes(t, s)
	mkdir(t, s, alice, "~/src", 0o755)
	write(t, s, alice, "~/src/a.txt", "alpha")
	mkdir(t, s, alice, "~/dst", 0o755)

	fi, err := s.Rename(ctx, alice, "~/src/a.txt", "~/dst/b.txt")
	if err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	if fi.Path != "/home/alice/dst/b.txt" || fi.Name != "b.txt" {
		t.Errorf("Rename result = %s (%s)", fi.Path, fi.Name)
	}
	if data, _ := s.ReadFile(ctx, alice, "~/dst/b.txt"); string(data) != "alpha" {
		t.Errorf("moved content = %q", data)
	}
	if ok, _ := s.Exists(ctx, alice, "~/src/a.txt"); ok {
		t.Error("source still exists")
	}

	// Moving a directory carries its subtree.
	if _, err := s.Rename(ctx, alice, "~/dst", "~/src/moved"); err != nil {
		t.Fatalf("directory Rename failed: %v", err)
	}
	if _, err := s.Stat(ctx, alice, "~/src/moved/b.txt"); err != nil {
		t.Errorf("subtree not moved: %v", err)
	}

	tests := []struct {
		name     string
		src, dst string
		expected error
	}{
		{"into itself", "~/src", "~/src/moved/inner", types.ErrInvalidPath},
		{"root", "/", "/x", types.ErrInvalidPath},
		{"missing source", "~/nope", "~/x", types.ErrNotFound},
		{"file over directory", "~/src/moved/b.txt", "~/src", types.ErrIsADirectory},
		{"into another home", "~/src", "/home/bob/src", types.ErrPermissionDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Rename(ctx, alice, tt.src, tt.dst); !errors.Is(err, tt.expected) {
				t.Errorf("Rename(%s, %s) = %v, want %v", tt.src, tt.dst, err, tt.expected)
			}
		})
	}
}

func TestStore_RenameReplacesFile(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mkdir(t, s, rootActor, "/d", 0o777)
	write(t, s, alice, "/d/new", "12")
	write(t, s, alice, "/d/old", "123456")

	if _, err := s.Rename(ctx, alice, "/d/new", "/d/old"); err != nil {
		t.Fatal(err)
	}
	if data, _ := s.ReadFile(ctx, alice, "/d/old"); string(data) != "12" {
		t.Errorf("replaced content = %q, want 12", data)
	}
	if got := s.CurrentUsage(10); got != 2 {
		t.Errorf("usage after replace = %d, want 2", got)
	}
	assertUsageConsistent(t, s)
}

func TestStore_Chmod(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	homes(t, s)
	write(t, s, alice, "~/f", "x")

	tests := []struct {
		spec     string
		expected uint32
	}{
		{"640", 0o640},
		{"u+x,go-r", 0o700},
		{"a=rX", 0o555},
		{"u=rw,g=r,o=", 0o640},
	}
	for _, tt := range tests {
		fi, err := s.Chmod(ctx, alice, "~/f", tt.spec)
		if err != nil {
			t.Fatalf("Chmod(%q) failed: %v", tt.spec, err)
		}
		if fi.Octal() != tt.expected {
			t.Errorf("Chmod(%q) = %o, want %o", tt.spec, fi.Octal(), tt.expected)
		}
	}

	if _, err := s.Chmod(ctx, bob, "/home/alice/f", "777"); !errors.Is(err, types.ErrPermissionDenied) {
		t.Errorf("bob chmod = %v, want ErrPermissionDenied", err)
	}
	if _, err := s.Chmod(ctx, alice, "~/f", "rwx"); !errors.Is(err, types.ErrInvalidMode) {
		t.Errorf("Chmod(rwx) = %v, want ErrInvalidMode", err)
	}
}

func TestStore_Chown(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mkdir(t, s, rootActor, "/d", 0o777)
	write(t, s, alice, "/d/f", "hello")

	if _, err := s.Chown(ctx, alice, "/d/f", u32(2), nil); !errors.Is(err, types.ErrPermissionDenied) {
		t.Errorf("non-root owner change = %v, want ErrPermissionDenied", err)
	}
	if _, err := s.Chown(ctx, alice, "/d/f", nil, u32(11)); !errors.Is(err, types.ErrPermissionDenied) {
		t.Errorf("chgrp to a foreign group = %v, want ErrPermissionDenied", err)
	}

	member := &types.Actor{UID: 1, GID: 10, Groups: []uint32{11}}
	fi, err := s.Chown(ctx, member, "/d/f", nil, u32(11))
	if err != nil {
		t.Fatalf("chgrp by member failed: %v", err)
	}
	if fi.GID != 11 {
		t.Errorf("gid = %d, want 11", fi.GID)
	}
	if s.CurrentUsage(10) != 0 || s.CurrentUsage(11) != 5 {
		t.Errorf("usage after chgrp = %d/%d, want 0/5", s.CurrentUsage(10), s.CurrentUsage(11))
	}

	if err := s.SetQuota(ctx, rootActor, types.QuotaConfiguration{GroupID: 12, QuotaBytes: 3, Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Chown(ctx, rootActor, "/d/f", nil, u32(12)); !errors.Is(err, types.ErrQuotaExceeded) {
		t.Errorf("chgrp into a full group = %v, want ErrQuotaExceeded", err)
	}
	if fi, _ := s.Stat(ctx, rootActor, "/d/f"); fi.GID != 11 {
		t.Errorf("gid after rejected chgrp = %d, want 11", fi.GID)
	}
	assertUsageConsistent(t, s)
}

func TestStore_WriteClearsSetuid(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mkdir(t, s, rootActor, "/bin", 0o755)
	if _, err := s.CreateFile(ctx, rootActor, "/bin/tool", u32(0o4777)); err != nil {
		t.Fatal(err)
	}

	write(t, s, rootActor, "/bin/tool", "v1")
	if fi, _ := s.Stat(ctx, rootActor, "/bin/tool"); !fi.RunsAsOwner() {
		t.Fatal("root write cleared setuid")
	}
	write(t, s, alice, "/bin/tool", "v2")
	if fi, _ := s.Stat(ctx, rootActor, "/bin/tool"); fi.RunsAsOwner() {
		t.Error("non-root write kept setuid")
	}
}

func TestStore_WriteAtAndTruncate(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mkdir(t, s, rootActor, "/data", 0o777)
	write(t, s, alice, "/data/f", "abc")

	if _, err := s.WriteAt(ctx, alice, "/data/f", []byte("XY"), 5); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}
	data, _ := s.ReadFile(ctx, alice, "/data/f")
	if !bytes.Equal(data, []byte("abc\x00\x00XY")) {
		t.Errorf("content after WriteAt = %q", data)
	}

	if _, err := s.Truncate(ctx, alice, "/data/f", 2); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}
	data, _ = s.ReadFile(ctx, alice, "/data/f")
	if string(data) != "ab" {
		t.Errorf("content after Truncate = %q, want %q", data, "ab")
	}
	if got := s.CurrentUsage(10); got != 2 {
		t.Errorf("usage = %d, want 2", got)
	}
	if _, err := s.WriteAt(ctx, alice, "/data/missing", []byte("x"), 0); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("WriteAt(missing) = %v, want ErrNotFound", err)
	}
}

func TestStore_HugeOffsetsAreRejected(t *testing.T) {
	s := New(WithMaxFileSize(1024))
	ctx := context.Background()
	mkdir(t, s, rootActor, "/data", 0o777)
	write(t, s, alice, "/data/f", "abc")

	tests := []struct {
		name string
		op   func() error
	}{
		{"write at max offset", func() error {
			_, err := s.WriteAt(ctx, alice, "/data/f", []byte("x"), math.MaxInt64)
			return err
		}},
		{"write past the limit", func() error {
			_, err := s.WriteAt(ctx, alice, "/data/f", []byte("x"), 1024)
			return err
		}},
		{"negative offset", func() error {
			_, err := s.WriteAt(ctx, alice, "/data/f", []byte("x"), -1)
			return err
		}},
		{"truncate past the limit", func() error {
			_, err := s.Truncate(ctx, alice, "/data/f", 1<<62)
			return err
		}},
		{"write file past the limit", func() error {
			_, err := s.WriteFile(ctx, alice, "/data/big", make([]byte, 1025), WriteOptions{})
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.op(); !errors.Is(err, types.ErrInvalidArgument) {
				t.Errorf("error = %v, want ErrInvalidArgument", err)
			}
		})
	}

	data, _ := s.ReadFile(ctx, alice, "/data/f")
	if string(data) != "abc" {
		t.Errorf("rejected writes changed content to %q", data)
	}
	if ok, _ := s.Exists(ctx, alice, "/data/big"); ok {
		t.Error("oversized write left a file")
	}
	if _, err := s.WriteAt(ctx, alice, "/data/f", []byte("x"), 1023); err != nil {
		t.Errorf("write ending at the limit failed: %v", err)
	}
	assertUsageConsistent(t, s)
}

func TestStore_HugeTruncateHitsQuota(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mkdir(t, s, rootActor, "/data", 0o777)
	if err := s.SetQuota(ctx, rootActor, types.QuotaConfiguration{GroupID: 10, QuotaBytes: 1000, Enabled: true}); err != nil {
		t.Fatal(err)
	}
	write(t, s, alice, "/data/f", "abc")

	if _, err := s.Truncate(ctx, alice, "/data/f", 1<<62); !errors.Is(err, types.ErrQuotaExceeded) {
		t.Fatalf("Truncate(1<<62) = %v, want ErrQuotaExceeded", err)
	}
	if _, err := s.WriteAt(ctx, alice, "/data/f", []byte("x"), 2000); !errors.Is(err, types.ErrQuotaExceeded) {
		t.Errorf("WriteAt(2000) = %v, want ErrQuotaExceeded", err)
	}

	st := s.QuotaStats(10)
	if st.Usage.CurrentUsageBytes != 3 || st.Usage.PeakUsageBytes != 3 || st.Usage.QuotaExceededCount != 2 {
		t.Errorf("QuotaStats(10) = %+v", st.Usage)
	}
	if fi, _ := s.Stat(ctx, alice, "/data/f"); fi.Size != 3 {
		t.Errorf("size after rejections = %d, want 3", fi.Size)
	}
}

func TestStore_PersistedQuotaReflectsReleases(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()
	s, err := Open(ctx, backend)
	if err != nil {
		t.Fatal(err)
	}
	mkdir(t, s, rootActor, "/data", 0o777)
	write(t, s, alice, "/data/a", string(make([]byte, 100)))
	write(t, s, alice, "/data/b", string(make([]byte, 50)))
	if err := s.Remove(ctx, alice, "/data/a", RemoveOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Truncate(ctx, alice, "/data/b", 20); err != nil {
		t.Fatal(err)
	}

	records, err := backend.LoadQuotas(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, rec := range records {
		if rec.GroupID != 10 {
			continue
		}
		found = true
		if rec.Stats.CurrentUsageBytes != 20 || rec.Stats.PeakUsageBytes != 150 {
			t.Errorf("persisted usage = %+v, want current 20 and peak 150", rec.Stats)
		}
	}
	if !found {
		t.Error("no quota record persisted for group 10")
	}
}

func TestStore_ReadAndListErrors(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mkdir(t, s, rootActor, "/d", 0o755)
	write(t, s, rootActor, "/d/f", "x")

	if _, err := s.ReadFile(ctx, rootActor, "/d"); !errors.Is(err, types.ErrIsADirectory) {
		t.Errorf("ReadFile(dir) = %v, want ErrIsADirectory", err)
	}
	if _, err := s.ListDirectory(ctx, rootActor, "/d/f"); !errors.Is(err, types.ErrNotADirectory) {
		t.Errorf("ListDirectory(file) = %v, want ErrNotADirectory", err)
	}
	if _, err := s.WriteFile(ctx, rootActor, "/d", nil, WriteOptions{}); !errors.Is(err, types.ErrIsADirectory) {
		t.Errorf("WriteFile(dir) = %v, want ErrIsADirectory", err)
	}
	if _, err := s.WriteFile(ctx, rootActor, "/d/f/x", nil, WriteOptions{}); !errors.Is(err, types.ErrNotADirectory) {
		t.Errorf("WriteFile under a file = %v, want ErrNotADirectory", err)
	}
	if _, err := s.Stat(ctx, rootActor, ""); !errors.Is(err, types.ErrInvalidPath) {
		t.Errorf("Stat(\"\") = %v, want ErrInvalidPath", err)
	}

	entries, err := s.ListDirectory(ctx, alice, "/")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Path != "/d" {
		t.Errorf("ListDirectory(/) = %v", entries)
	}
}

func TestStore_ModifiedTimes(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	mkdir(t, s, rootActor, "/d", 0o777)
	before, _ := s.Stat(ctx, rootActor, "/d")

	clock.Advance(time.Minute)
	write(t, s, alice, "/d/f", "x")
	after, _ := s.Stat(ctx, rootActor, "/d")
	if !after.ModifiedAt.After(before.ModifiedAt) {
		t.Error("creating an entry did not touch the parent")
	}

	clock.Advance(time.Minute)
	write(t, s, alice, "/d/f", "xy")
	f, _ := s.Stat(ctx, rootActor, "/d/f")
	if !f.ModifiedAt.Equal(clock.Now()) || f.CreatedAt.Equal(f.ModifiedAt) {
		t.Errorf("file times = created %v modified %v", f.CreatedAt, f.ModifiedAt)
	}
}

func TestStore_Find(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mkdir(t, s, rootActor, "/p", 0o755)
	mkdir(t, s, rootActor, "/p/docs", 0o755)
	mkdir(t, s, rootActor, "/p/hidden", 0o700)
	write(t, s, rootActor, "/p/a.txt", "")
	write(t, s, rootActor, "/p/docs/b.txt", "")
	write(t, s, rootActor, "/p/docs/c.md", "")
	write(t, s, rootActor, "/p/hidden/d.txt", "")

	paths := func(fis []*FileInfo) []string {
		out := make([]string, len(fis))
		for i, fi := range fis {
			out[i] = fi.Path
		}
		return out
	}

	got, err := s.Find(ctx, alice, "/p", "*.txt")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"/p/a.txt", "/p/docs/b.txt"}
	if len(got) != len(want) {
		t.Fatalf("Find(*.txt) = %v, want %v", paths(got), want)
	}
	for i := range want {
		if got[i].Path != want[i] {
			t.Errorf("Find(*.txt)[%d] = %s, want %s", i, got[i].Path, want[i])
		}
	}

	got, _ = s.Find(ctx, rootActor, "/p", "/p/*/*.txt")
	if len(got) != 2 {
		t.Errorf("Find(/p/*/*.txt) as root = %v", paths(got))
	}

	if _, err := s.Find(ctx, alice, "/p", "[unclosed"); !errors.Is(err, types.ErrInvalidArgument) {
		t.Errorf("bad pattern = %v, want ErrInvalidArgument", err)
	}
}

func TestStore_Aliases(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	homes(t, s)
	mkdir(t, s, alice, "~/projects", 0o755)
	mkdir(t, s, alice, "~/projects/v1", 0o755)
	write(t, s, alice, "~/projects/v1/readme", "one")

	alias, err := s.RegisterFixedAlias(ctx, alice, "proj", "~/projects")
	if err != nil {
		t.Fatal(err)
	}
	if alias.Target != "/home/alice/projects" {
		t.Errorf("fixed target = %s", alias.Target)
	}
	if _, err := s.RegisterSymlink(ctx, alice, "cur", "proj/v1"); err != nil {
		t.Fatal(err)
	}
	if data, err := s.ReadFile(ctx, alice, "cur/readme"); err != nil || string(data) != "one" {
		t.Errorf("ReadFile(cur/readme) = %q, %v", data, err)
	}

	// Symlinks follow the alias they go through.
	mkdir(t, s, alice, "~/other", 0o755)
	mkdir(t, s, alice, "~/other/v1", 0o755)
	write(t, s, alice, "~/other/v1/readme", "two")
	if _, err := s.RegisterFixedAlias(ctx, alice, "proj", "/home/alice/other"); err != nil {
		t.Fatal(err)
	}
	if data, _ := s.ReadFile(ctx, alice, "cur/readme"); string(data) != "two" {
		t.Errorf("symlink did not follow re-registered alias, read %q", data)
	}

	if err := s.UnregisterAlias(ctx, alice, "~"); !errors.Is(err, types.ErrCannotRemoveSystemAlias) {
		t.Errorf("UnregisterAlias(~) = %v, want ErrCannotRemoveSystemAlias", err)
	}
	if err := s.UnregisterAlias(ctx, alice, "missing"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("UnregisterAlias(missing) = %v, want ErrNotFound", err)
	}
	if err := s.UnregisterAlias(ctx, alice, "proj"); err != nil {
		t.Fatal(err)
	}
	// With proj gone, cur dangles and "cur" is taken literally.
	p, err := s.Resolve(ctx, &types.Actor{UID: 1, GID: 10, Cwd: "/tmp"}, "cur/readme")
	if err != nil || p != "/tmp/cur/readme" {
		t.Errorf("dangling resolve = %s, %v", p, err)
	}

	list := s.Aliases(alice)
	if len(list) != 2 || list[0].Name != "cur" || list[1].Name != "~" || list[1].Target != "/home/alice" {
		t.Errorf("Aliases() = %+v", list)
	}
}

func TestStore_PersistAndReopen(t *testing.T) {
	ctx := context.Background()
	backend, err := storage.NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	s, err := Open(ctx, backend)
	if err != nil {
		t.Fatal(err)
	}
	homes(t, s)
	write(t, s, alice, "~/notes", "persist me")
	if _, err := s.Chmod(ctx, alice, "~/notes", "600"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetQuota(ctx, rootActor, types.QuotaConfiguration{GroupID: 10, QuotaBytes: 100, Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RegisterFixedAlias(ctx, alice, "n", "~/notes"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Rename(ctx, alice, "~/notes", "~/notes.txt"); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(ctx, backend)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	data, err := reopened.ReadFile(ctx, alice, "/home/alice/notes.txt")
	if err != nil || string(data) != "persist me" {
		t.Errorf("reopened ReadFile = %q, %v", data, err)
	}
	fi, _ := reopened.Stat(ctx, alice, "/home/alice/notes.txt")
	if fi.Octal() != 0o600 || fi.UID != 1 {
		t.Errorf("reopened attrs = %o uid %d", fi.Octal(), fi.UID)
	}
	if ok, _ := reopened.Exists(ctx, alice, "/home/alice/notes"); ok {
		t.Error("renamed source came back after reopen")
	}
	if got := reopened.CurrentUsage(10); got != int64(len("persist me")) {
		t.Errorf("rebuilt usage = %d", got)
	}
	if st := reopened.QuotaStats(10); !st.Configured || st.Config.QuotaBytes != 100 {
		t.Errorf("reopened quota = %+v", st)
	}
	if a, ok := reopened.resolver.Lookup("n"); !ok || a.Target != "/home/alice/notes" {
		t.Errorf("reopened alias = %+v, %v", a, ok)
	}
}

func TestStore_RenameToLongNameSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	backend, err := storage.NewFileBackend(dir)
	if err != nil {
		t.Fatal(err)
	}
	s, err := Open(ctx, backend)
	if err != nil {
		t.Fatal(err)
	}
	mkdir(t, s, rootActor, "/d", 0o777)
	write(t, s, alice, "/d/a", "kept")

	long := "/" + strings.Repeat("x", 200)
	if _, err := s.Rename(ctx, rootActor, "/d", long); err != nil {
		t.Fatalf("Rename to a long name failed: %v", err)
	}
	write(t, s, rootActor, "/other", "z")

	backend, err = storage.NewFileBackend(dir)
	if err != nil {
		t.Fatal(err)
	}
	reopened, err := Open(ctx, backend)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	data, err := reopened.ReadFile(ctx, alice, long+"/a")
	if err != nil || string(data) != "kept" {
		t.Errorf("ReadFile after reopen = %q, %v", data, err)
	}
	if ok, _ := reopened.Exists(ctx, alice, "/d"); ok {
		t.Error("renamed source came back after reopen")
	}
}

type failingBackend struct {
	storage.Backend
	fail bool
}

func (b *failingBackend) Apply(ctx context.Context, batch *storage.Batch) error {
	if b.fail {
		return errors.New("disk on fire")
	}
	return b.Backend.Apply(ctx, batch)
}

func TestStore_PersistFailureLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	backend := &failingBackend{Backend: storage.NewMemoryBackend()}
	s, err := Open(ctx, backend)
	if err != nil {
		t.Fatal(err)
	}
	mkdir(t, s, rootActor, "/d", 0o777)
	write(t, s, alice, "/d/keep", "abc")

	backend.fail = true
	if _, err := s.WriteFile(ctx, alice, "/d/new", []byte("12345"), WriteOptions{}); err == nil {
		t.Fatal("write succeeded with a failing backend")
	}
	if _, err := s.WriteFile(ctx, alice, "/d/keep", []byte("zzzzzz"), WriteOptions{}); err == nil {
		t.Fatal("overwrite succeeded with a failing backend")
	}
	if err := s.Remove(ctx, alice, "/d/keep", RemoveOptions{}); err == nil {
		t.Fatal("remove succeeded with a failing backend")
	}
	if _, err := s.RegisterSymlink(ctx, alice, "l", "/d"); err == nil {
		t.Fatal("alias succeeded with a failing backend")
	}
	backend.fail = false

	if ok, _ := s.Exists(ctx, alice, "/d/new"); ok {
		t.Error("failed write left a file")
	}
	if data, _ := s.ReadFile(ctx, alice, "/d/keep"); !bytes.Equal(data, []byte("abc")) {
		t.Errorf("failed overwrite changed content to %q", data)
	}
	if got := s.CurrentUsage(10); got != 3 {
		t.Errorf("usage after failures = %d, want 3", got)
	}
	if _, ok := s.resolver.Lookup("l"); ok {
		t.Error("failed alias was registered")
	}
}

func TestStore_CancelledContext(t *testing.T) {
	s, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.WriteFile(ctx, rootActor, "/f", []byte("x"), WriteOptions{}); !errors.Is(err, context.Canceled) {
		t.Errorf("WriteFile(cancelled) = %v, want context.Canceled", err)
	}
	if _, err := s.Find(ctx, rootActor, "/", "*"); !errors.Is(err, context.Canceled) {
		t.Errorf("Find(cancelled) = %v, want context.Canceled", err)
	}
	if ok, _ := s.Exists(context.Background(), rootActor, "/f"); ok {
		t.Error("cancelled write created a file")
	}
}

func TestStore_Locks(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mkdir(t, s, rootActor, "/d", 0o777)
	write(t, s, alice, "/d/f", "x")

	h, err := s.TryLock(ctx, alice, "/d/f", types.LockExclusive)
	if err != nil {
		t.Fatalf("TryLock failed: %v", err)
	}
	if _, err := s.TryLock(ctx, bob, "/d/f", types.LockShared); !errors.Is(err, types.ErrLockConflict) {
		t.Errorf("shared over exclusive = %v, want ErrLockConflict", err)
	}
	if _, err := s.TryLock(ctx, bob, "/d/f", types.LockExclusive); !errors.Is(err, types.ErrPermissionDenied) {
		t.Errorf("exclusive without write = %v, want ErrPermissionDenied", err)
	}
	if err := s.Unlock(ctx, bob, h.ID); !errors.Is(err, types.ErrPermissionDenied) {
		t.Errorf("bob unlocking alice's lock = %v, want ErrPermissionDenied", err)
	}

	handles, err := s.Locks(ctx, bob, "/d/f")
	if err != nil || len(handles) != 1 || handles[0].Owner != 1 {
		t.Errorf("Locks() = %+v, %v", handles, err)
	}

	waitCtx, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := s.Lock(waitCtx, bob, "/d/f", types.LockShared); !errors.Is(err, context.Canceled) {
		t.Errorf("Lock(cancelled) = %v, want context.Canceled", err)
	}

	if err := s.Unlock(ctx, alice, h.ID); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if _, err := s.Lock(ctx, bob, "/d/f", types.LockShared); err != nil {
		t.Errorf("Lock after release failed: %v", err)
	}
}
