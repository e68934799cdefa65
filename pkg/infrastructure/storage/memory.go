package storage

import (
	"context"
	"fmt"
	"path"
	"sync"
)

// MemoryBlobStore keeps objects in process memory. Used by the memory store
// backend and tests.
type MemoryBlobStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{objects: make(map[string][]byte)}
}

func (m *MemoryBlobStore) Write(ctx context.Context, bucketName, objectName string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path.Join(bucketName, objectName)] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryBlobStore) Read(ctx context.Context, bucketName, objectName string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[path.Join(bucketName, objectName)]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", bucketName, objectName, ErrObjectNotFound)
	}
	return append([]byte(nil), data...), nil
}

// Len is the number of stored objects.
func (m *MemoryBlobStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

func contentType(objectName string) string {
	switch path.Ext(objectName) {
	case ".parquet":
		return "application/vnd.apache.parquet"
	case ".json":
		return "application/json"
	}
	return "application/octet-stream"
}
