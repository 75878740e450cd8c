package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/ajaxzhan/simfs/pkg/types"
)

// MemoryBackend implements Backend in process memory.
// Useful for testing and for servers that do not need persistence.
type MemoryBackend struct {
	mu      sync.RWMutex
	nodes   map[string]NodeRecord
	aliases map[string]types.Alias
	quotas  map[uint32]QuotaRecord
	closed  bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		nodes:   make(map[string]NodeRecord),
		aliases: make(map[string]types.Alias),
		quotas:  make(map[uint32]QuotaRecord),
	}
}

var errClosed = errors.New("storage backend is closed")

// Apply commits a batch under a single lock.
func (b *MemoryBackend) Apply(ctx context.Context, batch *Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if batch.Empty() {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errClosed
	}

	for _, p := range batch.DeleteNodes {
		delete(b.nodes, p)
	}
	for _, n := range batch.DeleteAliases {
		delete(b.aliases, n)
	}
	for _, rec := range batch.PutNodes {
		// Copy so later mutation by the caller cannot leak in.
		b.nodes[rec.Path] = cloneNode(rec)
	}
	for _, a := range batch.PutAliases {
		b.aliases[a.Name] = a
	}
	for _, q := range batch.PutQuotas {
		b.quotas[q.GroupID] = q
	}
	return nil
}

// LoadNodes returns copies of all nodes.
func (b *MemoryBackend) LoadNodes(ctx context.Context) ([]NodeRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, errClosed
	}

	out := make([]NodeRecord, 0, len(b.nodes))
	for _, rec := range b.nodes {
		out = append(out, cloneNode(rec))
	}
	return out, nil
}

// LoadAliases returns all aliases.
func (b *MemoryBackend) LoadAliases(ctx context.Context) ([]types.Alias, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, errClosed
	}

	out := make([]types.Alias, 0, len(b.aliases))
	for _, a := range b.aliases {
		out = append(out, a)
	}
	return out, nil
}

// LoadQuotas returns all quota records.
func (b *MemoryBackend) LoadQuotas(ctx context.Context) ([]QuotaRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, errClosed
	}

	out := make([]QuotaRecord, 0, len(b.quotas))
	for _, q := range b.quotas {
		out = append(out, q)
	}
	return out, nil
}

// Close marks the backend closed.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
