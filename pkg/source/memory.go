package source

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/ajitpratap0/propdb/pkg/decoder"
)

// Memory serves inputs from byte buffers. It is the target of Prefetch and
// the fixture source in tests.
type Memory struct {
	mu    sync.RWMutex
	data  map[decoder.Input][]byte
	opens map[decoder.Input]int
}

// NewMemory returns an empty in-memory source.
func NewMemory() *Memory {
	return &Memory{
		data:  make(map[decoder.Input][]byte),
		opens: make(map[decoder.Input]int),
	}
}

// Set stores the raw buffer of input, replacing any previous one.
func (m *Memory) Set(input decoder.Input, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[input] = data
}

// Delete removes input.
func (m *Memory) Delete(input decoder.Input) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, input)
}

func (m *Memory) Open(_ context.Context, input decoder.Input) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.data[input]
	if !ok {
		return nil, notFound(input, "memory")
	}
	m.opens[input]++
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *Memory) Stat(_ context.Context, input decoder.Input) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[input]
	if !ok {
		return 0, notFound(input, "memory")
	}
	return int64(len(data)), nil
}

// Opens reports how many times input has been opened.
func (m *Memory) Opens(input decoder.Input) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.opens[input]
}
