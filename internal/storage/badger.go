package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/ajaxzhan/simfs/internal/logging"
	"github.com/ajaxzhan/simfs/pkg/types"
)

// Key namespace:
//
//	n:<canonical path>   NodeRecord (JSON)
//	a:<alias name>       types.Alias (JSON)
//	q:<gid>              QuotaRecord (JSON)
const (
	prefixNode  = "n:"
	prefixAlias = "a:"
	prefixQuota = "q:"
)

func keyNode(path string) []byte { return []byte(prefixNode + path) }
func keyAlias(name string) []byte { return []byte(prefixAlias + name) }
func keyQuota(gid uint32) []byte { return []byte(prefixQuota + strconv.FormatUint(uint64(gid), 10)) }

// BadgerBackend implements Backend on BadgerDB. Each batch is one
// read-write transaction.
type BadgerBackend struct {
	db *badger.DB
}

// NewBadgerBackend opens (or creates) a database at dir. An empty dir gives
// an in-memory database.
func NewBadgerBackend(dir string) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{logging.Named("badger").Sugar()})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	return &BadgerBackend{db: db}, nil
}

// Apply commits the batch in a single transaction.
func (b *BadgerBackend) Apply(ctx context.Context, batch *Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if batch.Empty() {
		return nil
	}

	return b.db.Update(func(txn *badger.Txn) error {
		for _, p := range batch.DeleteNodes {
			if err := txn.Delete(keyNode(p)); err != nil {
				return fmt.Errorf("delete node %s: %w", p, err)
			}
		}
		for _, n := range batch.DeleteAliases {
			if err := txn.Delete(keyAlias(n)); err != nil {
				return fmt.Errorf("delete alias %s: %w", n, err)
			}
		}
		for _, rec := range batch.PutNodes {
			if err := setJSON(txn, keyNode(rec.Path), rec); err != nil {
				return err
			}
		}
		for _, a := range batch.PutAliases {
			if err := setJSON(txn, keyAlias(a.Name), a); err != nil {
				return err
			}
		}
		for _, q := range batch.PutQuotas {
			if err := setJSON(txn, keyQuota(q.GroupID), q); err != nil {
				return err
			}
		}
		return nil
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := txn.Set(key, data); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// scan decodes every value under prefix.
func (b *BadgerBackend) scan(ctx context.Context, prefix string, fn func([]byte) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		n := 0
		for it.Rewind(); it.Valid(); it.Next() {
			if n%100 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			n++

			item := it.Item()
			if err := item.Value(fn); err != nil {
				return fmt.Errorf("failed to decode %s: %w", item.Key(), err)
			}
		}
		return nil
	})
}

// LoadNodes returns every node record.
func (b *BadgerBackend) LoadNodes(ctx context.Context) ([]NodeRecord, error) {
	var out []NodeRecord
	err := b.scan(ctx, prefixNode, func(val []byte) error {
		var rec NodeRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// LoadAliases returns every alias.
func (b *BadgerBackend) LoadAliases(ctx context.Context) ([]types.Alias, error) {
	var out []types.Alias
	err := b.scan(ctx, prefixAlias, func(val []byte) error {
		var a types.Alias
		if err := json.Unmarshal(val, &a); err != nil {
			return err
		}
		out = append(out, a)
		return nil
	})
	return out, err
}

// LoadQuotas returns every quota record.
func (b *BadgerBackend) LoadQuotas(ctx context.Context) ([]QuotaRecord, error) {
	var out []QuotaRecord
	err := b.scan(ctx, prefixQuota, func(val []byte) error {
		var q QuotaRecord
		if err := json.Unmarshal(val, &q); err != nil {
			return err
		}
		out = append(out, q)
		return nil
	})
	return out, err
}

// Close closes the database.
func (b *BadgerBackend) Close() error {
	return b.db.Close()
}

// badgerLogger routes badger's internal logging into zap. Info and debug
// chatter is demoted to debug or dropped.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(f string, v ...interface{}) { l.s.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.s.Warnf(f, v...) }
func (l badgerLogger) Infof(f string, v ...interface{}) { l.s.Debugf(f, v...) }
func (l badgerLogger) Debugf(f string, v ...interface{}) {}

var (
	_ Backend       = (*MemoryBackend)(nil)
	_ Backend       = (*FileBackend)(nil)
	_ Backend       = (*BadgerBackend)(nil)
	_ badger.Logger = badgerLogger{}
)
