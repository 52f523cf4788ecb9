package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
)

// BlobStore persists analysis artifacts under slash-separated keys.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	URL(key string) string
}

type BlobInfo struct {
	Key          string    `json:"key"`
	LastModified time.Time `json:"last_modified"`
	Size         int64     `json:"size"`
}

var _ BlobStore = (*FSBlobStore)(nil)

// FSBlobStore keeps blobs as files on a billy filesystem. The HTTP layer
// serves them under /blobs/.
type FSBlobStore struct {
	fs      billy.Filesystem
	baseURL string
}

func NewFSBlobStore(fs billy.Filesystem, publicBaseURL string) *FSBlobStore {
	return &FSBlobStore{fs: fs, baseURL: strings.TrimRight(publicBaseURL, "/")}
}

// cleanKey rejects keys that would escape the store root.
func cleanKey(key string) (string, error) {
	k := path.Clean("/" + key)[1:]
	if k == "" || k != strings.TrimPrefix(key, "/") {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return k, nil
}

func (s *FSBlobStore) Put(_ context.Context, key string, data []byte, _ string) error {
	k, err := cleanKey(key)
	if err != nil {
		return err
	}

	if dir := path.Dir(k); dir != "." {
		if err := s.fs.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create blob directory: %w", err)
		}
	}

	tmp, err := util.TempFile(s.fs, path.Dir(k), ".blob-")
	if err != nil {
		return fmt.Errorf("create temp blob: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		s.fs.Remove(tmp.Name())
		return fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		s.fs.Remove(tmp.Name())
		return fmt.Errorf("close blob: %w", err)
	}
	if err := s.fs.Rename(tmp.Name(), k); err != nil {
		s.fs.Remove(tmp.Name())
		return fmt.Errorf("rename blob: %w", err)
	}
	return nil
}

func (s *FSBlobStore) Get(_ context.Context, key string) ([]byte, error) {
	k, err := cleanKey(key)
	if err != nil {
		return nil, err
	}

	f, err := s.fs.Open(k)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, ErrBlobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open blob: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

// List returns every blob whose key starts with prefix, ordered by key.
func (s *FSBlobStore) List(_ context.Context, prefix string) ([]BlobInfo, error) {
	start := ""
	if i := strings.LastIndex(prefix, "/"); i > 0 {
		start = prefix[:i]
	}

	var out []BlobInfo
	if err := s.walk(start, func(key string, info os.FileInfo) {
		if strings.HasPrefix(key, prefix) {
			out = append(out, BlobInfo{Key: key, LastModified: info.ModTime(), Size: info.Size()})
		}
	}); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *FSBlobStore) walk(dir string, visit func(key string, info os.FileInfo)) error {
	entries, err := s.fs.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("list %s: %w", dir, err)
	}

	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".blob-") {
			continue
		}
		key := e.Name()
		if dir != "" {
			key = dir + "/" + e.Name()
		}
		if e.IsDir() {
			if err := s.walk(key, visit); err != nil {
				return err
			}
			continue
		}
		visit(key, e)
	}
	return nil
}

func (s *FSBlobStore) URL(key string) string {
	return s.baseURL + "/blobs/" + key
}
