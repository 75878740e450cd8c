// Package storage persists the filesystem tree, the alias table and quota
// state. The store keeps everything in memory and hands each mutation to a
// Backend as one Batch, which must be applied atomically.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ajaxzhan/simfs/pkg/types"
)

// NodeKind distinguishes files from directories.
type NodeKind string

const (
	KindFile      NodeKind = "file"
	KindDirectory NodeKind = "dir"
)

// NodeRecord is the persisted form of one node, keyed by canonical path.
// A nil Mode means the record predates explicit modes; readers apply the
// default for the kind.
type NodeRecord struct {
	Path       string    `json:"path"`
	Kind       NodeKind  `json:"kind"`
	UID        uint32    `json:"uid"`
	GID        uint32    `json:"gid"`
	Mode       *uint32   `json:"mode,omitempty"`
	Content    []byte    `json:"content,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// QuotaRecord is the persisted configuration and history of a group.
type QuotaRecord struct {
	GroupID    uint32                   `json:"group_id"`
	Configured bool                     `json:"configured"`
	Config     types.QuotaConfiguration `json:"config"`
	Stats      types.UsageStatistics    `json:"stats"`
}

// Batch is a set of mutations applied together. Deletes run before puts.
type Batch struct {
	PutNodes      []NodeRecord
	DeleteNodes   []string
	PutAliases    []types.Alias
	DeleteAliases []string
	PutQuotas     []QuotaRecord
}

// PutNode schedules a node write.
func (b *Batch) PutNode(rec NodeRecord) { b.PutNodes = append(b.PutNodes, rec) }

// DeleteNode schedules a node removal.
func (b *Batch) DeleteNode(path string) { b.DeleteNodes = append(b.DeleteNodes, path) }

// PutAlias schedules an alias write.
func (b *Batch) PutAlias(a types.Alias) { b.PutAliases = append(b.PutAliases, a) }

// DeleteAlias schedules an alias removal.
func (b *Batch) DeleteAlias(name string) { b.DeleteAliases = append(b.DeleteAliases, name) }

// PutQuota schedules a quota record write.
func (b *Batch) PutQuota(rec QuotaRecord) { b.PutQuotas = append(b.PutQuotas, rec) }

// Empty reports whether the batch has nothing to do.
func (b *Batch) Empty() bool {
	return b == nil || len(b.PutNodes)+len(b.DeleteNodes)+len(b.PutAliases)+
		len(b.DeleteAliases)+len(b.PutQuotas) == 0
}

// Backend defines the interface for persisting filesystem state.
type Backend interface {
	// Apply commits every mutation of the batch, or none of them.
	Apply(ctx context.Context, batch *Batch) error

	// LoadNodes returns every persisted node in unspecified order.
	LoadNodes(ctx context.Context) ([]NodeRecord, error)

	// LoadAliases returns every persisted alias.
	LoadAliases(ctx context.Context) ([]types.Alias, error)

	// LoadQuotas returns every persisted quota record.
	LoadQuotas(ctx context.Context) ([]QuotaRecord, error)

	// Close releases the backend's resources.
	Close() error
}

// Backend types accepted by Open.
const (
	TypeMemory = "memory"
	TypeFile   = "file"
	TypeBadger = "badger"
)

// Open creates the backend named by kind. path is ignored by the memory
// backend; an empty path gives an in-memory badger database.
func Open(kind, path string) (Backend, error) {
	switch kind {
	case "", TypeMemory:
		return NewMemoryBackend(), nil
	case TypeFile:
		return NewFileBackend(path)
	case TypeBadger:
		return NewBadgerBackend(path)
	default:
		return nil, fmt.Errorf("unknown storage type %q", kind)
	}
}

func cloneNode(rec NodeRecord) NodeRecord {
	cp := rec
	if rec.Mode != nil {
		m := *rec.Mode
		cp.Mode = &m
	}
	if rec.Content != nil {
		cp.Content = append([]byte(nil), rec.Content...)
	}
	return cp
}
