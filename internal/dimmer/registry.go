package dimmer

import "sort"

// Registry maps light ids to their cycle parameters. It has no locking of
// its own; the Engine's mutex guards every call.
type Registry struct {
	entries map[string]CycleEntry
}

// Item is one (id, entry) pair taken from the registry.
type Item struct {
	ID    string
	Entry CycleEntry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]CycleEntry)}
}

// Upsert creates or replaces the entry for id.
func (r *Registry) Upsert(id string, e CycleEntry) {
	r.entries[id] = e
}

// Remove deletes id and reports whether it was present.
func (r *Registry) Remove(id string) bool {
	if _, ok := r.entries[id]; !ok {
		return false
	}
	delete(r.entries, id)
	return true
}

// RemoveAll clears the registry and returns how many entries it held.
func (r *Registry) RemoveAll() int {
	n := len(r.entries)
	r.entries = make(map[string]CycleEntry)
	return n
}

// Get returns the entry for id.
func (r *Registry) Get(id string) (CycleEntry, bool) {
	e, ok := r.entries[id]
	return e, ok
}

// Has reports whether id is cycling.
func (r *Registry) Has(id string) bool {
	_, ok := r.entries[id]
	return ok
}

// Len returns the number of tracked lights.
func (r *Registry) Len() int {
	return len(r.entries)
}

// Snapshot returns a copy of the registry that callers may keep.
func (r *Registry) Snapshot() map[string]CycleEntry {
	out := make(map[string]CycleEntry, len(r.entries))
	for id, e := range r.entries {
		out[id] = e
	}
	return out
}

// Replace swaps in a new set of entries, copying the map.
func (r *Registry) Replace(entries map[string]CycleEntry) {
	r.entries = make(map[string]CycleEntry, len(entries))
	for id, e := range entries {
		r.entries[id] = e
	}
}

// Items returns the entries as a slice sorted by id. The slice does not
// alias the registry, so entries may be removed while iterating it.
func (r *Registry) Items() []Item {
	items := make([]Item, 0, len(r.entries))
	for id, e := range r.entries {
		items = append(items, Item{ID: id, Entry: e})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items
}

// MinTick returns the smallest requested tick, or 0 when empty.
func (r *Registry) MinTick() float64 {
	var minTick float64
	for _, e := range r.entries {
		if minTick == 0 || e.Tick < minTick {
			minTick = e.Tick
		}
	}
	return minTick
}
