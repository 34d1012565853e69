package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/felipepmaragno/kb-gateway/internal/domain"
)

// DirStore keeps one directory per graph key under Root:
//
//	{Root}/{key}/graph.json
//	{Root}/{key}/meta.json   (optional)
type DirStore struct {
	Root string
}

var _ Loader = (*DirStore)(nil)

func NewDirStore(root string) *DirStore {
	return &DirStore{Root: root}
}

func (s *DirStore) dir(key string) (string, error) {
	if !ValidKey(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(s.Root, key), nil
}

// Load reconstructs the graph for key. A key with no persisted graph yields
// domain.ErrGraphNotFound.
func (s *DirStore) Load(ctx context.Context, key string) (Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.dir(key)
	if err != nil {
		return nil, err
	}

	g, err := OpenFile(filepath.Join(dir, GraphFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", domain.ErrGraphNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	return g, nil
}

// Create initializes an empty graph for key and writes meta. It is a no-op
// when the graph already exists.
func (s *DirStore) Create(key string, meta domain.GraphMetadata) error {
	dir, err := s.dir(key)
	if err != nil {
		return err
	}

	path := filepath.Join(dir, GraphFile)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailed, err)
	}
	if err := writeJSONAtomic(path, state{}); err != nil {
		return err
	}
	return writeJSONAtomic(filepath.Join(dir, MetaFile), meta)
}

// Meta reads the optional metadata record. ok is false when the graph has
// none.
func (s *DirStore) Meta(key string) (meta domain.GraphMetadata, ok bool, err error) {
	dir, err := s.dir(key)
	if err != nil {
		return meta, false, err
	}

	data, err := os.ReadFile(filepath.Join(dir, MetaFile))
	if errors.Is(err, fs.ErrNotExist) {
		return meta, false, nil
	}
	if err != nil {
		return meta, false, fmt.Errorf("%w: %v", ErrStorageFailed, err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, false, fmt.Errorf("%w: decode meta: %v", ErrStorageFailed, err)
	}
	return meta, true, nil
}

func (s *DirStore) Exists(key string) bool {
	dir, err := s.dir(key)
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(dir, GraphFile))
	return err == nil
}

// Remove deletes everything persisted for key.
func (s *DirStore) Remove(key string) error {
	dir, err := s.dir(key)
	if err != nil {
		return err
	}
	if !s.Exists(key) {
		return fmt.Errorf("%w: %s", domain.ErrGraphNotFound, key)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailed, err)
	}
	return nil
}

// Keys lists every persisted graph, sorted.
func (s *DirStore) Keys() ([]string, error) {
	entries, err := os.ReadDir(s.Root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var keys []string
	for _, e := range entries {
		if e.IsDir() && s.Exists(e.Name()) {
			keys = append(keys, e.Name())
		}
	}
	sort.Strings(keys)
	return keys, nil
}
