package persist

import (
	"context"
	"sync"

	"github.com/dokzlo13/dimmerd/internal/dimmer"
)

// Memory keeps the encoded registry in process memory.
// Used when no database is configured, and in tests.
type Memory struct {
	mu      sync.Mutex
	payload []byte
}

// NewMemory creates an empty in-memory gateway.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Load(ctx context.Context) (map[string]dimmer.CycleEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.payload == nil {
		return map[string]dimmer.CycleEntry{}, nil
	}
	env, err := decode(m.payload)
	if err != nil || env.Version != SchemaVersion || env.Entries == nil {
		return map[string]dimmer.CycleEntry{}, nil
	}
	return env.Entries, nil
}

func (m *Memory) Save(ctx context.Context, entries map[string]dimmer.CycleEntry) error {
	payload, err := encode(entries)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.payload = payload
	m.mu.Unlock()
	return nil
}

func (m *Memory) Remove(ctx context.Context) error {
	m.mu.Lock()
	m.payload = nil
	m.mu.Unlock()
	return nil
}
