package storage

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemStore is an in-memory ObjectStore for tests and local development. URLs
// it mints are syntactically presigned-shaped but grant nothing.
type MemStore struct {
	mu      sync.RWMutex
	objects map[string]ObjectInfo
	baseURL string
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		objects: make(map[string]ObjectInfo),
		baseURL: "https://mem.invalid",
	}
}

// Seed inserts an object, for tests and dev fixtures.
func (m *MemStore) Seed(key string, size int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = ObjectInfo{
		Key:          key,
		Size:         size,
		LastModified: time.Now().UTC(),
		ETag:         fmt.Sprintf("%x", len(key)*31+int(size)),
	}
}

func (m *MemStore) GenerateUploadURL(ctx context.Context, key, contentType string, ttl time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", NewTransient("presign_put", err)
	}
	// Minting an upload URL implies the object will exist; record it so a
	// follow-up download/list in dev mode behaves sensibly.
	m.Seed(key, 0)
	return m.signedURL("PUT", key, ttl) + "&content-type=" + url.QueryEscape(contentType), nil
}

func (m *MemStore) GenerateDownloadURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", NewTransient("presign_get", err)
	}
	return m.signedURL("GET", key, ttl), nil
}

func (m *MemStore) ObjectExists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, NewTransient("head_object", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *MemStore) ListObjects(ctx context.Context, prefix string, maxKeys int) ([]ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewTransient("list_objects", err)
	}
	if maxKeys <= 0 {
		maxKeys = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if len(keys) > maxKeys {
		keys = keys[:maxKeys]
	}
	out := make([]ObjectInfo, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.objects[k])
	}
	return out, nil
}

func (m *MemStore) DeleteObject(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return NewTransient("delete_object", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemStore) Healthy(context.Context) error { return nil }

// Len reports the number of stored objects.
func (m *MemStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

func (m *MemStore) signedURL(method, key string, ttl time.Duration) string {
	return fmt.Sprintf("%s/%s?method=%s&expires=%d",
		m.baseURL, url.PathEscape(key), method, int64(ttl.Seconds()))
}
