package storage

import (
	"context"
	"errors"
	"io"
	"strings"
)

// ErrObjectNotFound is returned when the bucket or key does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStorage holds submission source artifacts.
type ObjectStorage interface {
	// GetObject opens a reader for an object. Caller must close it.
	GetObject(ctx context.Context, bucket, objectKey string) (io.ReadCloser, error)

	PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, sizeBytes int64, contentType string) error

	// StatObject returns size and ETag for an object.
	StatObject(ctx context.Context, bucket, objectKey string) (ObjectStat, error)
}

// ObjectStat contains object metadata used for validation.
type ObjectStat struct {
	SizeBytes   int64
	ETag        string
	ContentType string
}

// ParseRef splits a "<bucket>/<key>" reference.
func ParseRef(ref string) (bucket, key string, err error) {
	ref = strings.TrimPrefix(strings.TrimSpace(ref), "/")
	idx := strings.Index(ref, "/")
	if idx <= 0 || idx == len(ref)-1 {
		return "", "", errors.New("reference must look like <bucket>/<key>")
	}
	return ref[:idx], ref[idx+1:], nil
}

// Ref joins bucket and key into a reference.
func Ref(bucket, key string) string {
	return bucket + "/" + key
}
