package entity

import (
	"context"
	"sync"

	"github.com/dokzlo13/dimmerd/internal/dimmer"
)

// memoryLight holds one simulated light.
type memoryLight struct {
	brightness int
	on         bool
}

// Memory is an in-process backend of simulated lights (not persisted).
// Writes turn the light on, the way a real bulb reacts to a brightness command.
type Memory struct {
	mu     sync.RWMutex
	lights map[string]*memoryLight
	writes int
}

// NewMemory creates a backend with the given lights, all off.
func NewMemory(names ...string) *Memory {
	m := &Memory{lights: make(map[string]*memoryLight, len(names))}
	for _, n := range names {
		m.lights[n] = &memoryLight{}
	}
	return m
}

// Put adds or replaces a light.
func (m *Memory) Put(name string, brightness int, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lights[name] = &memoryLight{brightness: brightness, on: on}
}

// Delete removes a light, making it unknown.
func (m *Memory) Delete(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lights, name)
}

// Writes returns how many brightness commands were applied.
func (m *Memory) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

func (m *Memory) EntityState(ctx context.Context, name string) (dimmer.EntityState, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.lights[name]
	if !ok {
		return dimmer.EntityState{}, false, nil
	}
	if !l.on {
		return dimmer.EntityState{}, true, nil
	}
	return dimmer.EntityState{Brightness: l.brightness, HasBrightness: true}, true, nil
}

func (m *Memory) SetBrightness(ctx context.Context, name string, value int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.lights[name]
	if !ok {
		l = &memoryLight{}
		m.lights[name] = l
	}
	l.brightness = value
	l.on = true
	m.writes++
	return nil
}
