package codecache

import (
	"bytes"
	"io"
	"sync"
)

// NewMemoryCache returns a Cache that lives as long as the process.
func NewMemoryCache() Cache {
	return &memoryCache{entries: map[Key][]byte{}}
}

type memoryCache struct {
	mu      sync.RWMutex
	entries map[Key][]byte
}

// Get implements Cache.Get.
func (mc *memoryCache) Get(key Key) (content io.ReadCloser, ok bool, err error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	b, ok := mc.entries[key]
	if !ok {
		return nil, false, nil
	}
	return io.NopCloser(bytes.NewReader(b)), true, nil
}

// Add implements Cache.Add.
func (mc *memoryCache) Add(key Key, content io.Reader) error {
	b, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.entries[key] = b
	return nil
}

// Delete implements Cache.Delete.
func (mc *memoryCache) Delete(key Key) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	delete(mc.entries, key)
	return nil
}
