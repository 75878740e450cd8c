package storage

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/ajaxzhan/simfs/pkg/types"
)

// FileBackend implements Backend with one JSON document per record.
// File names are the base64url form of the record key, or a hash of it for
// long keys; the key itself is stored inside the document.
//
// Before a batch touches any record, the previous content of every file it
// writes or deletes is saved in a journal. A batch that fails part way is
// rolled back from the journal, and a journal left behind by a crash is
// rolled back on open, so batches are all-or-nothing.
type FileBackend struct {
	mu       sync.RWMutex
	basePath string
	// broken holds a failed rollback; the journal stays on disk and every
	// later Apply is refused until the backend is reopened.
	broken error
}

const (
	nodesDir    = "nodes"
	aliasesDir  = "aliases"
	quotasDir   = "quotas"
	journalFile = "journal.json"

	// maxEncodedKey keeps file names well below NAME_MAX.
	maxEncodedKey = 128
)

// journal holds the before-image of every file a batch touches.
type journal struct {
	Files []fileImage `json:"files"`
}

// fileImage is the content of a record file before a batch. Existed is
// false when the batch creates the file.
type fileImage struct {
	Name    string `json:"name"` // relative to the base path
	Existed bool   `json:"existed"`
	Data    []byte `json:"data,omitempty"`
}

// NewFileBackend creates a file-based backend rooted at basePath.
func NewFileBackend(basePath string) (*FileBackend, error) {
	if basePath == "" {
		return nil, errors.New("base path cannot be empty")
	}
	for _, dir := range []string{nodesDir, aliasesDir, quotasDir} {
		if err := os.MkdirAll(filepath.Join(basePath, dir), 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", dir, err)
		}
	}

	b := &FileBackend{basePath: basePath}
	if err := b.recoverJournal(); err != nil {
		return nil, err
	}
	return b, nil
}

func encodeKey(key string) string {
	name := base64.RawURLEncoding.EncodeToString([]byte(key))
	if len(name) > maxEncodedKey {
		// "~" is outside the base64url alphabet, so hashed names never
		// collide with encoded ones.
		sum := sha256.Sum256([]byte(key))
		name = "~" + hex.EncodeToString(sum[:])
	}
	return name + ".json"
}

func recordName(dir, key string) string {
	return filepath.Join(dir, encodeKey(key))
}

// touchedFiles lists the record files of batch, each once, in apply order.
func touchedFiles(batch *Batch) []string {
	var names []string
	seen := make(map[string]bool)
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	for _, p := range batch.DeleteNodes {
		add(recordName(nodesDir, p))
	}
	for _, n := range batch.DeleteAliases {
		add(recordName(aliasesDir, n))
	}
	for _, rec := range batch.PutNodes {
		add(recordName(nodesDir, rec.Path))
	}
	for _, a := range batch.PutAliases {
		add(recordName(aliasesDir, a.Name))
	}
	for _, q := range batch.PutQuotas {
		add(recordName(quotasDir, quotaKey(q.GroupID)))
	}
	return names
}

func quotaKey(gid uint32) string {
	return strconv.FormatUint(uint64(gid), 10)
}

// Apply journals the before-image of the batch, applies it, then drops the
// journal. On failure the batch is rolled back before the error returns.
func (b *FileBackend) Apply(ctx context.Context, batch *Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if batch.Empty() {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.broken != nil {
		return fmt.Errorf("backend needs recovery: %w", b.broken)
	}

	j, err := b.snapshot(touchedFiles(batch))
	if err != nil {
		return err
	}
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("failed to marshal journal: %w", err)
	}
	journalPath := filepath.Join(b.basePath, journalFile)
	if err := writeFileAtomic(journalPath, data); err != nil {
		return fmt.Errorf("failed to write journal: %w", err)
	}

	if err := b.applyLocked(batch); err != nil {
		if rerr := b.rollback(j); rerr != nil {
			b.broken = rerr
			return fmt.Errorf("%w (rollback failed: %v)", err, rerr)
		}
		if rerr := os.Remove(journalPath); rerr != nil {
			b.broken = rerr
		}
		return err
	}
	if err := os.Remove(journalPath); err != nil {
		// The batch is on disk; a journal left behind would undo it on
		// the next open.
		b.broken = err
		return fmt.Errorf("failed to clear journal: %w", err)
	}
	return nil
}

// snapshot reads the current content of the named record files.
func (b *FileBackend) snapshot(names []string) (*journal, error) {
	j := &journal{Files: make([]fileImage, 0, len(names))}
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(b.basePath, name))
		switch {
		case err == nil:
			j.Files = append(j.Files, fileImage{Name: name, Existed: true, Data: data})
		case os.IsNotExist(err):
			j.Files = append(j.Files, fileImage{Name: name})
		default:
			return nil, fmt.Errorf("failed to read %s: %w", filepath.Base(name), err)
		}
	}
	return j, nil
}

// rollback restores every file of j, continuing past failures so as much
// as possible is restored.
func (b *FileBackend) rollback(j *journal) error {
	var errs []error
	for i := len(j.Files) - 1; i >= 0; i-- {
		img := j.Files[i]
		full := filepath.Join(b.basePath, img.Name)
		if img.Existed {
			if err := writeFileAtomic(full, img.Data); err != nil {
				errs = append(errs, fmt.Errorf("failed to restore %s: %w", filepath.Base(img.Name), err))
			}
			continue
		}
		if err := removeIfExists(full); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *FileBackend) applyLocked(batch *Batch) error {
	for _, p := range batch.DeleteNodes {
		if err := removeIfExists(b.recordPath(nodesDir, p)); err != nil {
			return err
		}
	}
	for _, n := range batch.DeleteAliases {
		if err := removeIfExists(b.recordPath(aliasesDir, n)); err != nil {
			return err
		}
	}
	for _, rec := range batch.PutNodes {
		if err := writeJSON(b.recordPath(nodesDir, rec.Path), rec); err != nil {
			return err
		}
	}
	for _, a := range batch.PutAliases {
		if err := writeJSON(b.recordPath(aliasesDir, a.Name), a); err != nil {
			return err
		}
	}
	for _, q := range batch.PutQuotas {
		if err := writeJSON(b.recordPath(quotasDir, quotaKey(q.GroupID)), q); err != nil {
			return err
		}
	}
	return nil
}

func (b *FileBackend) recordPath(dir, key string) string {
	return filepath.Join(b.basePath, recordName(dir, key))
}

// recoverJournal rolls back a batch interrupted by a crash. Its Apply never
// returned, so the store never acknowledged it.
func (b *FileBackend) recoverJournal() error {
	journalPath := filepath.Join(b.basePath, journalFile)
	data, err := os.ReadFile(journalPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read journal: %w", err)
	}

	var j journal
	if err := json.Unmarshal(data, &j); err != nil {
		// The journal is renamed into place whole, so a torn one was never
		// followed by any record write.
		return os.Remove(journalPath)
	}
	if err := b.rollback(&j); err != nil {
		return fmt.Errorf("failed to roll back journal: %w", err)
	}
	return os.Remove(journalPath)
}

// LoadNodes reads every node document.
func (b *FileBackend) LoadNodes(ctx context.Context) ([]NodeRecord, error) {
	var out []NodeRecord
	err := b.readDir(ctx, nodesDir, func(data []byte) error {
		var rec NodeRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// LoadAliases reads every alias document.
func (b *FileBackend) LoadAliases(ctx context.Context) ([]types.Alias, error) {
	var out []types.Alias
	err := b.readDir(ctx, aliasesDir, func(data []byte) error {
		var a types.Alias
		if err := json.Unmarshal(data, &a); err != nil {
			return err
		}
		out = append(out, a)
		return nil
	})
	return out, err
}

// LoadQuotas reads every quota document.
func (b *FileBackend) LoadQuotas(ctx context.Context) ([]QuotaRecord, error) {
	var out []QuotaRecord
	err := b.readDir(ctx, quotasDir, func(data []byte) error {
		var q QuotaRecord
		if err := json.Unmarshal(data, &q); err != nil {
			return err
		}
		out = append(out, q)
		return nil
	})
	return out, err
}

func (b *FileBackend) readDir(ctx context.Context, dir string, fn func([]byte) error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	full := filepath.Join(b.basePath, dir)
	entries, err := os.ReadDir(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s directory: %w", dir, err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(full, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", entry.Name(), err)
		}
		if err := fn(data); err != nil {
			return fmt.Errorf("failed to decode %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// Close is a no-op; every Apply is already on disk.
func (b *FileBackend) Close() error {
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", filepath.Base(path), err)
	}
	return nil
}
