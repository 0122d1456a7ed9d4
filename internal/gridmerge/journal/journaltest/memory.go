// Package journaltest provides an in-memory journal for tests.
package journaltest

import (
	"sync"

	"github.com/G-Research/gridmerge/internal/gridmerge/journal"
)

// Memory keeps entries in memory.
type Memory struct {
	mu      sync.Mutex
	entries []journal.Entry
	closed  bool
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Record(entry journal.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Entries returns a copy of everything recorded so far.
func (m *Memory) Entries() []journal.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]journal.Entry, len(m.entries))
	copy(result, m.entries)
	return result
}

func (m *Memory) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
