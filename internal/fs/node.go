package fs

import (
	"path"
	"sort"
	"time"

	"github.com/ajaxzhan/simfs/internal/storage"
)

// node is one entry of the in-memory tree. Directories carry children;
// files carry content. Reachable nodes are only touched under the store
// lock, and file content slices are never written after install.
type node struct {
	name     string
	attr     Attr
	content  []byte
	created  time.Time
	modified time.Time
	children map[string]*node
}

func newDir(name string, attr Attr, now time.Time) *node {
	attr.IsDir = true
	return &node{name: name, attr: attr, created: now, modified: now, children: make(map[string]*node)}
}

func newFile(name string, attr Attr, content []byte, now time.Time) *node {
	attr.IsDir = false
	return &node{name: name, attr: attr, content: content, created: now, modified: now}
}

// clone copies the node header. Children are shared; content is shared
// because content slices are never written after being installed.
func (n *node) clone() *node {
	cp := *n
	if n.children != nil {
		cp.children = make(map[string]*node, len(n.children))
		for k, v := range n.children {
			cp.children[k] = v
		}
	}
	return &cp
}

func (n *node) size() int64 {
	return int64(len(n.content))
}

// sortedChildren returns the child names in lexical order.
func (n *node) sortedChildren() []string {
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// walk visits n and every descendant depth-first, parents before children,
// stopping at the first error. fn receives the canonical path of each node.
func (n *node) walk(p string, fn func(p string, n *node) error) error {
	if err := fn(p, n); err != nil {
		return err
	}
	for _, name := range n.sortedChildren() {
		if err := n.children[name].walk(path.Join(p, name), fn); err != nil {
			return err
		}
	}
	return nil
}

func (n *node) record(p string) storage.NodeRecord {
	mode := n.attr.Mode.Octal()
	rec := storage.NodeRecord{
		Path:       p,
		Kind:       storage.KindFile,
		UID:        n.attr.UID,
		GID:        n.attr.GID,
		Mode:       &mode,
		Content:    n.content,
		CreatedAt:  n.created,
		ModifiedAt: n.modified,
	}
	if n.attr.IsDir {
		rec.Kind = storage.KindDirectory
		rec.Content = nil
	}
	return rec
}

func nodeFromRecord(rec storage.NodeRecord) *node {
	isDir := rec.Kind == storage.KindDirectory
	attr := Attr{UID: rec.UID, GID: rec.GID, Mode: ModeOrDefault(rec.Mode, isDir), IsDir: isDir}
	_, name := parentOf(rec.Path)
	if isDir {
		n := newDir(name, attr, rec.CreatedAt)
		n.modified = rec.ModifiedAt
		return n
	}
	n := newFile(name, attr, rec.Content, rec.CreatedAt)
	n.modified = rec.ModifiedAt
	return n
}

// FileInfo is the public snapshot of a node.
type FileInfo struct {
	Path       string    `json:"path"`
	Name       string    `json:"name"`
	IsDir      bool      `json:"is_dir"`
	UID        uint32    `json:"uid"`
	GID        uint32    `json:"gid"`
	Mode       Mode      `json:"-"`
	Size       int64     `json:"size"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Permissions renders the 10-character ls-style mode string.
func (fi *FileInfo) Permissions() string {
	return fi.Mode.String(fi.IsDir)
}

// Octal returns the numeric mode including special bits.
func (fi *FileInfo) Octal() uint32 {
	return fi.Mode.Octal()
}

// RunsAsOwner reports whether executing the file assumes its owner's id.
func (fi *FileInfo) RunsAsOwner() bool {
	a := Attr{UID: fi.UID, GID: fi.GID, Mode: fi.Mode, IsDir: fi.IsDir}
	return a.RunsAsOwner()
}

func (n *node) info(p string) *FileInfo {
	name := n.name
	if p == "/" {
		name = "/"
	}
	return &FileInfo{
		Path:       p,
		Name:       name,
		IsDir:      n.attr.IsDir,
		UID:        n.attr.UID,
		GID:        n.attr.GID,
		Mode:       n.attr.Mode,
		Size:       n.size(),
		CreatedAt:  n.created,
		ModifiedAt: n.modified,
	}
}
