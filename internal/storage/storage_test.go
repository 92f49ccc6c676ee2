package storage

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/require"

	"github.com/hollomancer/sbir-analytics-sub004/internal/infrastructure/logging"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/errors"
)

func TestArtifactKeyLayout(t *testing.T) {
	require.Equal(t, "normalized/awards/fy2024/abc123.parquet",
		ArtifactKey("normalized", "awards", "fy2024", "abc123", "parquet"))
	require.Equal(t, "enriched/organizations/abc123.parquet",
		ArtifactKey("enriched", "organizations", "", "abc123", ".parquet"))
	require.Equal(t, "normalized/awards/fy2024/abc123.meta.json",
		SidecarKey("normalized/awards/fy2024/abc123.parquet"))
}

func writeArtifact(t *testing.T, store ObjectStore, key, content string) {
	t.Helper()
	w, err := store.Create(context.Background(), key)
	require.NoError(t, err)
	_, err = io.WriteString(w, content)
	require.NoError(t, err)
	require.NoError(t, w.Commit(context.Background()))
}

func readArtifact(t *testing.T, store ObjectStore, key string) string {
	t.Helper()
	rc, err := store.Open(context.Background(), key)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

// runStoreContract exercises the behavior every backend must share.
func runStoreContract(t *testing.T, store ObjectStore) {
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		writeArtifact(t, store, "normalized/awards/aaa.parquet", "payload")
		require.Equal(t, "payload", readArtifact(t, store, "normalized/awards/aaa.parquet"))

		info, err := store.Stat(ctx, "normalized/awards/aaa.parquet")
		require.NoError(t, err)
		require.Equal(t, int64(len("payload")), info.Size)
	})

	t.Run("missing key", func(t *testing.T) {
		_, err := store.Open(ctx, "no/such/key")
		require.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
		_, err = store.Stat(ctx, "no/such/key")
		require.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
	})

	t.Run("staged writes are invisible until commit", func(t *testing.T) {
		w, err := store.Create(ctx, "normalized/awards/staged.parquet")
		require.NoError(t, err)
		_, err = io.WriteString(w, "half-written")
		require.NoError(t, err)

		_, statErr := store.Stat(ctx, "normalized/awards/staged.parquet")
		require.True(t, errors.IsCode(statErr, errors.ErrCodeNotFound),
			"uncommitted data must not be readable")

		require.NoError(t, w.Commit(ctx))
		require.Equal(t, "half-written", readArtifact(t, store, "normalized/awards/staged.parquet"))
	})

	t.Run("abort leaves no trace", func(t *testing.T) {
		w, err := store.Create(ctx, "normalized/awards/aborted.parquet")
		require.NoError(t, err)
		_, err = io.WriteString(w, "doomed")
		require.NoError(t, err)
		require.NoError(t, w.Abort())

		_, statErr := store.Stat(ctx, "normalized/awards/aborted.parquet")
		require.True(t, errors.IsCode(statErr, errors.ErrCodeNotFound))

		objs, err := store.List(ctx, "normalized/awards/aborted")
		require.NoError(t, err)
		require.Empty(t, objs)
	})

	t.Run("double commit rejected", func(t *testing.T) {
		w, err := store.Create(ctx, "normalized/awards/once.parquet")
		require.NoError(t, err)
		require.NoError(t, w.Commit(ctx))
		err = w.Commit(ctx)
		require.True(t, errors.IsCode(err, errors.ErrCodeArtifactSealed))
	})

	t.Run("list and newest", func(t *testing.T) {
		writeArtifact(t, store, "raw/contracts/2024-01/f1.sql.gz", "a")
		writeArtifact(t, store, "raw/contracts/2024-03/f3.sql.gz", "c")
		writeArtifact(t, store, "raw/contracts/2024-02/f2.sql.gz", "b")

		objs, err := store.List(ctx, "raw/contracts/")
		require.NoError(t, err)
		require.Len(t, objs, 3)
		require.True(t, sort.SliceIsSorted(objs, func(i, j int) bool {
			return objs[i].Key < objs[j].Key
		}))

		newest, err := store.NewestUnder(ctx, "raw/contracts/")
		require.NoError(t, err)
		require.Equal(t, "raw/contracts/2024-03/f3.sql.gz", newest.Key)

		_, err = store.NewestUnder(ctx, "raw/empty/")
		require.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
	})
}

func TestLocalStore(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	runStoreContract(t, store)
}

func TestMinioStore(t *testing.T) {
	store := newMinioStoreWithAPI(newFakeMinio(), "artifacts", logging.NewNop())
	runStoreContract(t, store)
}

func TestMinioStoreCleansStagingOnPublishFailure(t *testing.T) {
	fake := newFakeMinio()
	fake.failCopy = true
	store := newMinioStoreWithAPI(fake, "artifacts", logging.NewNop())

	w, err := store.Create(context.Background(), "enriched/orgs/x.parquet")
	require.NoError(t, err)
	_, err = io.WriteString(w, "data")
	require.NoError(t, err)
	err = w.Commit(context.Background())
	require.True(t, errors.IsCode(err, errors.ErrCodeStorage))

	require.Empty(t, fake.keys(), "staging object removed after failed publish")
}

// ─────────────────────────────────────────────────────────────────────────────
// fake object store
// ─────────────────────────────────────────────────────────────────────────────

type fakeMinio struct {
	mu       sync.Mutex
	objects  map[string][]byte
	modtimes map[string]time.Time
	failCopy bool
}

func newFakeMinio() *fakeMinio {
	return &fakeMinio{objects: map[string][]byte{}, modtimes: map[string]time.Time{}}
}

func (f *fakeMinio) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for k := range f.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func noSuchKey(key string) error {
	return minio.ErrorResponse{Code: "NoSuchKey", Key: key, Message: "object does not exist"}
}

func (f *fakeMinio) PutObject(_ context.Context, _, key string, r io.Reader, _ int64, _ minio.PutObjectOptions) (minio.UploadInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	f.modtimes[key] = time.Now()
	return minio.UploadInfo{Key: key, Size: int64(len(data))}, nil
}

func (f *fakeMinio) GetObject(_ context.Context, _, key string, _ minio.GetObjectOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, noSuchKey(key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeMinio) StatObject(_ context.Context, _, key string, _ minio.StatObjectOptions) (minio.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return minio.ObjectInfo{}, noSuchKey(key)
	}
	return minio.ObjectInfo{Key: key, Size: int64(len(data)), LastModified: f.modtimes[key]}, nil
}

func (f *fakeMinio) ListObjects(_ context.Context, _ string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo {
	ch := make(chan minio.ObjectInfo)
	go func() {
		defer close(ch)
		for _, key := range f.keys() {
			if !strings.HasPrefix(key, opts.Prefix) {
				continue
			}
			f.mu.Lock()
			info := minio.ObjectInfo{Key: key, Size: int64(len(f.objects[key])), LastModified: f.modtimes[key]}
			f.mu.Unlock()
			ch <- info
		}
	}()
	return ch
}

func (f *fakeMinio) CopyObject(_ context.Context, dst minio.CopyDestOptions, src minio.CopySrcOptions) (minio.UploadInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCopy {
		return minio.UploadInfo{}, minio.ErrorResponse{Code: "InternalError", Message: "copy refused"}
	}
	data, ok := f.objects[src.Object]
	if !ok {
		return minio.UploadInfo{}, noSuchKey(src.Object)
	}
	f.objects[dst.Object] = append([]byte(nil), data...)
	f.modtimes[dst.Object] = time.Now()
	return minio.UploadInfo{Key: dst.Object, Size: int64(len(data))}, nil
}

func (f *fakeMinio) RemoveObject(_ context.Context, _, key string, _ minio.RemoveObjectOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	delete(f.modtimes, key)
	return nil
}
