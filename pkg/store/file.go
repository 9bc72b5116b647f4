package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileBackend keeps every collection in memory and writes each one through to
// <dir>/<collection>.json on mutation. Suited to single-process deployments;
// writes are atomic via temp file and rename.
type FileBackend struct {
	mu   sync.RWMutex
	dir  string
	data map[string]map[string]docRecord
}

type collectionFile struct {
	Records map[string]docRecord `json:"records"`
}

// NewFileBackend opens (creating if needed) a file-backed document store
// rooted at dir.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("store: create dir %s: %w", dir, err)
	}
	b := &FileBackend{dir: dir, data: map[string]map[string]docRecord{}}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("store: read dir %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		collection := strings.TrimSuffix(e.Name(), ".json")
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("store: read collection %s: %w", collection, err)
		}
		var file collectionFile
		if err := json.Unmarshal(raw, &file); err != nil {
			return nil, fmt.Errorf("store: parse collection %s: %w", collection, err)
		}
		if file.Records == nil {
			file.Records = map[string]docRecord{}
		}
		b.data[collection] = file.Records
	}
	return b, nil
}

func (b *FileBackend) put(_ context.Context, rec docRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	col := b.data[rec.Collection]
	if col == nil {
		col = map[string]docRecord{}
		b.data[rec.Collection] = col
	}
	col[rec.ID] = rec
	return b.save(rec.Collection)
}

func (b *FileBackend) get(_ context.Context, collection, id string) (*docRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.data[collection][id]
	if !ok {
		return nil, nil
	}
	rec.Collection = collection
	return &rec, nil
}

func (b *FileBackend) list(_ context.Context, collection, tenantID, ref string) ([]docRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []docRecord
	for _, rec := range b.data[collection] {
		if tenantID != "" && rec.TenantID != tenantID {
			continue
		}
		if ref != "" && rec.Ref != ref {
			continue
		}
		rec.Collection = collection
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (b *FileBackend) delete(_ context.Context, collection, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	col := b.data[collection]
	if col == nil {
		return nil
	}
	if _, ok := col[id]; !ok {
		return nil
	}
	delete(col, id)
	return b.save(collection)
}

// save must be called with the write lock held.
func (b *FileBackend) save(collection string) error {
	raw, err := json.MarshalIndent(collectionFile{Records: b.data[collection]}, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal collection %s: %w", collection, err)
	}
	path := filepath.Join(b.dir, collection+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("store: write collection %s: %w", collection, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("store: commit collection %s: %w", collection, err)
	}
	return nil
}
