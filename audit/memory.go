package audit

import (
	"context"
	"sync"
)

// MemoryLog keeps records in process memory. Contents are lost on restart.
type MemoryLog struct {
	mu      sync.RWMutex
	records []Record
	// FailWith, when set, is returned by Append instead of storing.
	FailWith error
}

// NewMemoryLog constructs an empty log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (m *MemoryLog) Append(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	m.records = append(m.records, r)
	return nil
}

func (m *MemoryLog) Query(_ context.Context, f Filter) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return f.apply(m.records), nil
}

// Len returns the number of stored records.
func (m *MemoryLog) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
