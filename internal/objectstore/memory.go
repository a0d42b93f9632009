package objectstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Client used by tests and single-node development
// deployments. Signed URLs are synthetic but carry the key and expiry so
// handlers can assert on them.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

type memoryObject struct {
	contentType string
	body        []byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string]memoryObject)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	object, ok := m.objects[NormalizeKey(key)]
	if !ok {
		return nil, ErrNotFound
	}
	body := make([]byte, len(object.body))
	copy(body, object.body)
	return body, nil
}

func (m *Memory) Put(_ context.Context, key, contentType string, body []byte) error {
	stored := make([]byte, len(body))
	copy(stored, body)
	m.mu.Lock()
	m.objects[NormalizeKey(key)] = memoryObject{contentType: contentType, body: stored}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, NormalizeKey(key))
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeletePrefix(_ context.Context, prefix string) error {
	normalized := NormalizeKey(prefix)
	m.mu.Lock()
	for key := range m.objects {
		if strings.HasPrefix(key, normalized) {
			delete(m.objects, key)
		}
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[NormalizeKey(key)]
	return ok, nil
}

func (m *Memory) SignedURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	normalized := NormalizeKey(key)
	m.mu.RLock()
	_, ok := m.objects[normalized]
	m.mu.RUnlock()
	if !ok {
		return "", ErrNotFound
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	expires := time.Now().Add(ttl).UTC()
	return fmt.Sprintf("memory://%s?expires=%d", normalized, expires.Unix()), nil
}

func (m *Memory) List(_ context.Context, prefix string) ([]string, error) {
	normalized := NormalizeKey(prefix)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for key := range m.objects {
		if strings.HasPrefix(key, normalized) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// ContentType reports the stored content type for key; tests use it to verify
// publisher behaviour.
func (m *Memory) ContentType(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.objects[NormalizeKey(key)].contentType
}
