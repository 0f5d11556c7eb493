package objectstore

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/big-armor/datapm-sub007/pkg/errors"
)

// LocalStore keeps objects as files below a root directory
type LocalStore struct {
	root string
}

// NewLocalStore creates the root directory when missing
func NewLocalStore(root string) (*LocalStore, error) {
	if root == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "path is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create output directory").
			WithDetail("path", root)
	}
	return &LocalStore{root: root}, nil
}

func (s *LocalStore) file(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// Put writes through a temporary file so readers never see a partial object
func (s *LocalStore) Put(_ context.Context, key string, data []byte) error {
	target := s.file(key)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, target)
}

func (s *LocalStore) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.file(key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return data, err
}

func (s *LocalStore) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(p, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	sort.Strings(keys)
	return keys, err
}

func (s *LocalStore) Copy(ctx context.Context, src, dst string) error {
	data, err := s.Get(ctx, src)
	if err != nil {
		return err
	}
	return s.Put(ctx, dst, data)
}

func (s *LocalStore) Delete(_ context.Context, key string) error {
	err := os.Remove(s.file(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *LocalStore) Location(key string) string {
	return "file://" + filepath.ToSlash(s.file(key))
}

func (s *LocalStore) Close() error { return nil }
