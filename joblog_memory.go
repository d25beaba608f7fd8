package main

import (
	"context"
	"sync"
	"time"
)

type InMemoryJobLog struct {
	mu      sync.RWMutex
	entries []JobLogEntry
}

func NewInMemoryJobLog() *InMemoryJobLog {
	return &InMemoryJobLog{}
}

func (m *InMemoryJobLog) Record(ctx context.Context, entry JobLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = append(m.entries, entry)
	return nil
}

// Entries returns the entries recorded for imageID, oldest first.
func (m *InMemoryJobLog) Entries(imageID string) []JobLogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []JobLogEntry
	for _, e := range m.entries {
		if e.ImageID == imageID {
			out = append(out, e)
		}
	}
	return out
}

func (m *InMemoryJobLog) Cleanup(ctx context.Context, olderThan time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	kept := m.entries[:0]
	for _, e := range m.entries {
		if !e.CreatedAt.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	m.entries = kept
	return nil
}

func (m *InMemoryJobLog) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = nil
	return nil
}
