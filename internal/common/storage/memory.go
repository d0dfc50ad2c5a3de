package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
)

type memObject struct {
	data        []byte
	contentType string
	etag        string
}

// MemoryStorage keeps objects in process memory.
type MemoryStorage struct {
	mu      sync.RWMutex
	objects map[string]memObject
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{objects: make(map[string]memObject)}
}

func (s *MemoryStorage) GetObject(ctx context.Context, bucket, objectKey string) (io.ReadCloser, error) {
	s.mu.RLock()
	obj, ok := s.objects[Ref(bucket, objectKey)]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", bucket, objectKey, ErrObjectNotFound)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (s *MemoryStorage) PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, sizeBytes int64, contentType string) error {
	if reader == nil {
		return fmt.Errorf("reader is required")
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("read object failed: %w", err)
	}
	if sizeBytes >= 0 && int64(len(data)) != sizeBytes {
		return fmt.Errorf("size mismatch: declared %d, read %d", sizeBytes, len(data))
	}
	sum := md5.Sum(data)
	s.mu.Lock()
	s.objects[Ref(bucket, objectKey)] = memObject{data: data, contentType: contentType, etag: hex.EncodeToString(sum[:])}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStorage) StatObject(ctx context.Context, bucket, objectKey string) (ObjectStat, error) {
	s.mu.RLock()
	obj, ok := s.objects[Ref(bucket, objectKey)]
	s.mu.RUnlock()
	if !ok {
		return ObjectStat{}, fmt.Errorf("%s/%s: %w", bucket, objectKey, ErrObjectNotFound)
	}
	return ObjectStat{SizeBytes: int64(len(obj.data)), ETag: obj.etag, ContentType: obj.contentType}, nil
}
