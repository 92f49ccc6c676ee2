// Package storage abstracts the artifact store behind a small interface
// with staged, atomically-committed writes. A reader never observes a
// partially written artifact: writes land in a temporary location and
// become visible only on Commit.
package storage

import (
	"context"
	"io"
	"path"
	"strings"
	"time"
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// WriteCommitter is a staged object write. Data written is invisible until
// Commit; Abort discards the staging area. Exactly one of Commit or Abort
// must be called.
type WriteCommitter interface {
	io.Writer
	Commit(ctx context.Context) error
	Abort() error
}

// ObjectStore is the artifact store contract shared by the local filesystem
// and object-storage backends.
type ObjectStore interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Create(ctx context.Context, key string) (WriteCommitter, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// NewestUnder returns the lexically greatest key under prefix, the
	// convention for date-partitioned drops where the newest partition
	// sorts last.
	NewestUnder(ctx context.Context, prefix string) (ObjectInfo, error)
}

// ArtifactKey builds the canonical artifact layout:
// <stage>/<asset>/[<partition>/]<fingerprint>.<ext>.
func ArtifactKey(stage, asset, partition, fingerprint, ext string) string {
	parts := []string{stage, asset}
	if partition != "" {
		parts = append(parts, partition)
	}
	parts = append(parts, fingerprint+"."+strings.TrimPrefix(ext, "."))
	return path.Join(parts...)
}

// SidecarKey returns the metadata sidecar key for an artifact key.
func SidecarKey(artifactKey string) string {
	return strings.TrimSuffix(artifactKey, path.Ext(artifactKey)) + ".meta.json"
}
