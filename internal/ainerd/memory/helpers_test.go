package memory

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
)

// testKey is a fixed 32-byte key for tests.
var testKey = bytes.Repeat([]byte{0x42}, 32)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec(testKey)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return c
}

// memBlobs is an in-memory BlobStore that counts writes.
type memBlobs struct {
	mu      sync.Mutex
	data    map[string][]byte
	sets    int
	failSet error
}

func newMemBlobs() *memBlobs {
	return &memBlobs{data: make(map[string][]byte)}
}

func (m *memBlobs) GetBlob(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *memBlobs) SetBlob(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSet != nil {
		return m.failSet
	}
	m.sets++
	m.data[key] = append([]byte(nil), data...)
	return nil
}

func (m *memBlobs) writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sets
}

// mapEmbedder returns fixed vectors per text; unknown text fails.
type mapEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	calls   int
}

func (e *mapEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	v, ok := e.vectors[text]
	if !ok {
		return nil, errors.New("no vector for text")
	}
	return v, nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
