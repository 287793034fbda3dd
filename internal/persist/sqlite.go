// Package persist stores the cycle registry as a single versioned blob.
package persist

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/dimmerd/internal/dimmer"
	"github.com/dokzlo13/dimmerd/internal/storage"
)

const (
	// Kind is the resource_state kind holding the registry.
	Kind = "dimmer"
	// RegistryID is the resource_state id holding the registry.
	RegistryID = "registry"
)

// Gateway persists the registry into the blob store.
type Gateway struct {
	store *storage.Store
	kind  string
	id    string
}

// NewGateway creates a gateway writing to (Kind, RegistryID).
func NewGateway(store *storage.Store) *Gateway {
	return &Gateway{store: store, kind: Kind, id: RegistryID}
}

// Load returns the saved registry, or an empty one if nothing usable is stored.
func (g *Gateway) Load(ctx context.Context) (map[string]dimmer.CycleEntry, error) {
	payload, rowVersion, err := g.store.Get(ctx, g.kind, g.id)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}
	if payload == nil {
		return map[string]dimmer.CycleEntry{}, nil
	}

	env, err := decode(payload)
	if err != nil {
		log.Warn().Err(err).Int64("row_version", rowVersion).Msg("Discarding unreadable registry blob")
		return map[string]dimmer.CycleEntry{}, nil
	}
	if env.Version != SchemaVersion {
		log.Warn().
			Int("version", env.Version).
			Int("expected", SchemaVersion).
			Msg("Discarding registry with unknown schema version")
		return map[string]dimmer.CycleEntry{}, nil
	}
	if env.Entries == nil {
		env.Entries = map[string]dimmer.CycleEntry{}
	}

	return env.Entries, nil
}

// Save replaces the stored registry.
func (g *Gateway) Save(ctx context.Context, entries map[string]dimmer.CycleEntry) error {
	payload, err := encode(entries)
	if err != nil {
		return fmt.Errorf("failed to encode registry: %w", err)
	}
	return g.store.Set(ctx, g.kind, g.id, payload)
}

// Remove deletes the stored registry.
func (g *Gateway) Remove(ctx context.Context) error {
	return g.store.Delete(ctx, g.kind, g.id)
}
