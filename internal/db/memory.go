package db

import (
	"context"
	"go-bms-telemetry/model"
	"sort"
	"sync"
)

// MemoryStore keeps samples in a slice sorted by timestamp. Equal timestamps
// keep insertion order.
type MemoryStore struct {
	mu      sync.RWMutex
	samples []model.Sample
	closed  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Insert(ctx context.Context, sample *model.Sample) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}

	i := sort.Search(len(m.samples), func(i int) bool {
		return m.samples[i].Timestamp.After(sample.Timestamp)
	})
	m.samples = append(m.samples, model.Sample{})
	copy(m.samples[i+1:], m.samples[i:])
	m.samples[i] = *sample
	return nil
}

func (m *MemoryStore) FindLatest(ctx context.Context, n int) ([]*model.Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}

	if n > len(m.samples) {
		n = len(m.samples)
	}
	out := make([]*model.Sample, 0, max(n, 0))
	for i := len(m.samples) - 1; i >= len(m.samples)-n; i-- {
		s := m.samples[i]
		out = append(out, &s)
	}
	return out, nil
}

func (m *MemoryStore) FindAll(ctx context.Context) ([]*model.Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}

	out := make([]*model.Sample, 0, len(m.samples))
	for i := range m.samples {
		s := m.samples[i]
		out = append(out, &s)
	}
	return out, nil
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.samples)
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

var _ SampleStore = (*MemoryStore)(nil)
