package objectstore

import (
	"context"
	"fmt"
	"path"
	"sort"
	"sync"

	"github.com/book-expert/audio-service/internal/core"
)

const contentTypeDefault = "application/octet-stream"

var contentTypes = map[string]string{
	".mp3":   "audio/mpeg",
	".wav":   "audio/wav",
	".jsonl": "application/x-ndjson",
	".json":  "application/json",
}

// ContentType returns the MIME type stored with key.
func ContentType(key string) string {
	if contentType, ok := contentTypes[path.Ext(key)]; ok {
		return contentType
	}

	return contentTypeDefault
}

// MemoryStore keeps objects in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{mu: sync.RWMutex{}, objects: make(map[string][]byte)}
}

// Download returns a copy of the object.
func (m *MemoryStore) Download(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("object '%s': %w", key, core.ErrNotFound)
	}

	return append([]byte(nil), data...), nil
}

// Upload stores a copy of data under key.
func (m *MemoryStore) Upload(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.objects[key] = append([]byte(nil), data...)

	return nil
}

// Delete removes key. A missing object is not an error.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.objects, key)

	return nil
}

// Keys lists the stored keys in order.
func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.objects))
	for key := range m.objects {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	return keys
}
