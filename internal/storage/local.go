package storage

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/hollomancer/sbir-analytics-sub004/pkg/errors"
)

// LocalStore keeps artifacts on the local filesystem under a root
// directory. Commits are os.Rename, atomic on POSIX filesystems when the
// staging file lives in the destination directory.
type LocalStore struct {
	root string
}

// NewLocalStore roots a store at dir, creating it if needed.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorage, "failed to create artifact root").WithDetail(dir)
	}
	return &LocalStore{root: dir}, nil
}

func (s *LocalStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *LocalStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.NotFound("artifact not found").WithDetail(key).WithCause(err)
		}
		return nil, errors.Wrap(err, errors.ErrCodeStorage, "failed to open artifact").WithDetail(key)
	}
	return f, nil
}

func (s *LocalStore) Create(_ context.Context, key string) (WriteCommitter, error) {
	final := s.path(key)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorage, "failed to create artifact directory")
	}
	staging := final + ".tmp-" + uuid.NewString()
	f, err := os.Create(staging)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorage, "failed to stage artifact").WithDetail(key)
	}
	return &localWrite{f: f, staging: staging, final: final}, nil
}

type localWrite struct {
	f       *os.File
	staging string
	final   string
	done    bool
}

func (w *localWrite) Write(p []byte) (int, error) { return w.f.Write(p) }

func (w *localWrite) Commit(_ context.Context) error {
	if w.done {
		return errors.New(errors.ErrCodeArtifactSealed, "artifact write already finished")
	}
	w.done = true
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		os.Remove(w.staging)
		return errors.Wrap(err, errors.ErrCodeStorage, "failed to sync staged artifact")
	}
	if err := w.f.Close(); err != nil {
		os.Remove(w.staging)
		return errors.Wrap(err, errors.ErrCodeStorage, "failed to close staged artifact")
	}
	if err := os.Rename(w.staging, w.final); err != nil {
		os.Remove(w.staging)
		return errors.Wrap(err, errors.ErrCodeStorage, "failed to publish artifact")
	}
	return nil
}

func (w *localWrite) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	w.f.Close()
	return os.Remove(w.staging)
}

func (s *LocalStore) Stat(_ context.Context, key string) (ObjectInfo, error) {
	fi, err := os.Stat(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ObjectInfo{}, errors.NotFound("artifact not found").WithDetail(key).WithCause(err)
		}
		return ObjectInfo{}, errors.Wrap(err, errors.ErrCodeStorage, "failed to stat artifact").WithDetail(key)
	}
	return ObjectInfo{Key: key, Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

func (s *LocalStore) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) || strings.Contains(key, ".tmp-") {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, ObjectInfo{Key: key, Size: fi.Size(), ModTime: fi.ModTime()})
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorage, "failed to list artifacts").WithDetail(prefix)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *LocalStore) NewestUnder(ctx context.Context, prefix string) (ObjectInfo, error) {
	objs, err := s.List(ctx, prefix)
	if err != nil {
		return ObjectInfo{}, err
	}
	if len(objs) == 0 {
		return ObjectInfo{}, errors.NotFound("no artifacts under prefix").WithDetail(prefix)
	}
	return objs[len(objs)-1], nil
}
