package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Target is where backup blobs land. Keys are slash-separated paths.
type Target interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// DirTarget stores blobs under a local directory, one file per key.
type DirTarget struct {
	base string
}

// NewDirTarget creates the base directory if needed.
func NewDirTarget(base string) (*DirTarget, error) {
	if err := os.MkdirAll(base, 0o700); err != nil {
		return nil, fmt.Errorf("backup: create target dir: %w", err)
	}
	return &DirTarget{base: base}, nil
}

func (t *DirTarget) resolve(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("backup: key %q escapes target dir", key)
	}
	return filepath.Join(t.base, clean), nil
}

// Put writes via a temp file and rename so a crash never leaves a torn blob.
func (t *DirTarget) Put(_ context.Context, key string, data []byte) error {
	path, err := t.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("backup: create key dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("backup: write %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("backup: commit %s: %w", key, err)
	}
	return nil
}

func (t *DirTarget) Get(_ context.Context, key string) ([]byte, error) {
	path, err := t.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("backup: read %s: %w", key, err)
	}
	return data, nil
}

func (t *DirTarget) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(t.base, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(t.base, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("backup: list %s: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}
