package storage

import (
	"context"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hollomancer/sbir-analytics-sub004/internal/config"
	"github.com/hollomancer/sbir-analytics-sub004/internal/infrastructure/logging"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/errors"
)

// minioAPI is the slice of the MinIO SDK the store needs. Keeping it narrow
// lets tests substitute an in-memory implementation.
type minioAPI interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (io.ReadCloser, error)
	StatObject(ctx context.Context, bucket, key string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	CopyObject(ctx context.Context, dst minio.CopyDestOptions, src minio.CopySrcOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error
}

// sdkMinioAPI adapts *minio.Client to minioAPI. GetObject narrows the
// concrete *minio.Object to io.ReadCloser so fakes stay constructible.
type sdkMinioAPI struct{ c *minio.Client }

func (a sdkMinioAPI) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	return a.c.PutObject(ctx, bucket, key, r, size, opts)
}

func (a sdkMinioAPI) GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (io.ReadCloser, error) {
	return a.c.GetObject(ctx, bucket, key, opts)
}

func (a sdkMinioAPI) StatObject(ctx context.Context, bucket, key string, opts minio.StatObjectOptions) (minio.ObjectInfo, error) {
	return a.c.StatObject(ctx, bucket, key, opts)
}

func (a sdkMinioAPI) ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo {
	return a.c.ListObjects(ctx, bucket, opts)
}

func (a sdkMinioAPI) CopyObject(ctx context.Context, dst minio.CopyDestOptions, src minio.CopySrcOptions) (minio.UploadInfo, error) {
	return a.c.CopyObject(ctx, dst, src)
}

func (a sdkMinioAPI) RemoveObject(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error {
	return a.c.RemoveObject(ctx, bucket, key, opts)
}

// MinioStore keeps artifacts in an object-storage bucket. Writes spool to a
// local temp file, upload under a staging key on Commit, then publish with a
// server-side copy to the final key. A failed or aborted write never
// occupies the final key.
type MinioStore struct {
	api    minioAPI
	bucket string
	logger logging.Logger
}

// NewMinioStore connects to the configured endpoint and verifies it is
// reachable before returning.
func NewMinioStore(cfg config.StorageConfig, log logging.Logger) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorage, "failed to create object store client")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := client.BucketExists(ctx, cfg.Bucket); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeUnavailable, "failed to reach object store").WithDetail(cfg.Endpoint)
	}
	log.Info("object store connected",
		logging.String("endpoint", cfg.Endpoint),
		logging.String("bucket", cfg.Bucket))
	return &MinioStore{api: sdkMinioAPI{c: client}, bucket: cfg.Bucket, logger: log}, nil
}

func newMinioStoreWithAPI(api minioAPI, bucket string, log logging.Logger) *MinioStore {
	return &MinioStore{api: api, bucket: bucket, logger: log}
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

func (s *MinioStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	// GetObject defers errors to the first read; Stat surfaces missing keys.
	if _, err := s.api.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return nil, errors.NotFound("artifact not found").WithDetail(key).WithCause(err)
		}
		return nil, errors.Wrap(err, errors.ErrCodeStorage, "failed to stat artifact").WithDetail(key)
	}
	rc, err := s.api.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorage, "failed to open artifact").WithDetail(key)
	}
	return rc, nil
}

func (s *MinioStore) Create(ctx context.Context, key string) (WriteCommitter, error) {
	spool, err := os.CreateTemp("", "artifact-spool-*")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorage, "failed to create upload spool")
	}
	return &minioWrite{
		store:   s,
		key:     key,
		staging: key + ".staging-" + uuid.NewString(),
		spool:   spool,
	}, nil
}

type minioWrite struct {
	store   *MinioStore
	key     string
	staging string
	spool   *os.File
	done    bool
}

func (w *minioWrite) Write(p []byte) (int, error) { return w.spool.Write(p) }

func (w *minioWrite) Commit(ctx context.Context) error {
	if w.done {
		return errors.New(errors.ErrCodeArtifactSealed, "artifact write already finished")
	}
	w.done = true
	defer w.discardSpool()

	size, err := w.spool.Seek(0, io.SeekEnd)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorage, "failed to measure upload spool")
	}
	if _, err := w.spool.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, errors.ErrCodeStorage, "failed to rewind upload spool")
	}
	s := w.store
	if _, err := s.api.PutObject(ctx, s.bucket, w.staging, w.spool, size, minio.PutObjectOptions{}); err != nil {
		return errors.Wrap(err, errors.ErrCodeStorage, "failed to upload staged artifact").WithDetail(w.key)
	}
	_, err = s.api.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: s.bucket, Object: w.key},
		minio.CopySrcOptions{Bucket: s.bucket, Object: w.staging})
	if err != nil {
		s.removeStaging(ctx, w.staging)
		return errors.Wrap(err, errors.ErrCodeStorage, "failed to publish artifact").WithDetail(w.key)
	}
	s.removeStaging(ctx, w.staging)
	return nil
}

func (w *minioWrite) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	w.discardSpool()
	return nil
}

func (w *minioWrite) discardSpool() {
	name := w.spool.Name()
	w.spool.Close()
	os.Remove(name)
}

func (s *MinioStore) removeStaging(ctx context.Context, key string) {
	if err := s.api.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		s.logger.Warn("failed to remove staging object",
			logging.String("key", key), logging.Err(err))
	}
}

func (s *MinioStore) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	info, err := s.api.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return ObjectInfo{}, errors.NotFound("artifact not found").WithDetail(key).WithCause(err)
		}
		return ObjectInfo{}, errors.Wrap(err, errors.ErrCodeStorage, "failed to stat artifact").WithDetail(key)
	}
	return ObjectInfo{Key: key, Size: info.Size, ModTime: info.LastModified}, nil
}

func (s *MinioStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	for obj := range s.api.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, errors.Wrap(obj.Err, errors.ErrCodeStorage, "failed to list artifacts").WithDetail(prefix)
		}
		if strings.Contains(obj.Key, ".staging-") {
			continue
		}
		out = append(out, ObjectInfo{Key: obj.Key, Size: obj.Size, ModTime: obj.LastModified})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *MinioStore) NewestUnder(ctx context.Context, prefix string) (ObjectInfo, error) {
	objs, err := s.List(ctx, prefix)
	if err != nil {
		return ObjectInfo{}, err
	}
	if len(objs) == 0 {
		return ObjectInfo{}, errors.NotFound("no artifacts under prefix").WithDetail(prefix)
	}
	return objs[len(objs)-1], nil
}
