// Package hue exposes Philips Hue lights, addressed by numeric bridge id,
// as an entity backend.
package hue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/amimof/huego"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/dimmerd/internal/dimmer"
)

// maxBri is the highest brightness the bridge accepts.
const maxBri = 254

// apiErrResourceUnavailable is the bridge error type for an unknown resource.
const apiErrResourceUnavailable = 3

// LightAPI is the subset of *huego.Bridge the backend uses.
type LightAPI interface {
	GetLightContext(ctx context.Context, i int) (*huego.Light, error)
	SetLightStateContext(ctx context.Context, i int, l huego.State) (*huego.Response, error)
}

// Backend implements entity.Backend on top of a Hue bridge.
type Backend struct {
	api   LightAPI
	cache *LightCache

	mu        sync.Mutex
	requested map[int]int // last value asked for above maxBri
}

// Connect creates a bridge handle for host and user token.
func Connect(host, token string) *huego.Bridge {
	return huego.New(host, token)
}

// NewBackend creates a Hue backend.
func NewBackend(api LightAPI, cache *LightCache) *Backend {
	return &Backend{api: api, cache: cache, requested: make(map[int]int)}
}

// EntityState returns the light's brightness. An off light has none.
func (b *Backend) EntityState(ctx context.Context, name string) (dimmer.EntityState, bool, error) {
	id, err := strconv.Atoi(name)
	if err != nil {
		return dimmer.EntityState{}, false, nil
	}

	state := b.cache.Get(id)
	if state == nil {
		light, err := b.api.GetLightContext(ctx, id)
		if err != nil {
			if isUnknownResource(err) {
				return dimmer.EntityState{}, false, nil
			}
			return dimmer.EntityState{}, false, fmt.Errorf("hue: get light %d: %w", id, err)
		}
		if light == nil {
			return dimmer.EntityState{}, false, nil
		}
		if light.State == nil {
			return dimmer.EntityState{}, true, nil
		}
		b.cache.Set(id, *light.State)
		state = light.State
	}

	if !state.On {
		return dimmer.EntityState{}, true, nil
	}
	return dimmer.EntityState{Brightness: b.readBack(id, int(state.Bri)), HasBrightness: true}, true, nil
}

// readBack maps a capped reading back to the value that was asked for, so a
// 255 target read back as 254 does not look like a pending change.
func (b *Backend) readBack(id, bri int) int {
	if bri != maxBri {
		return bri
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.requested[id]; ok {
		return v
	}
	return bri
}

// SetBrightness turns the light on at value, capped to what the bridge accepts.
func (b *Backend) SetBrightness(ctx context.Context, name string, value int) error {
	id, err := strconv.Atoi(name)
	if err != nil {
		return fmt.Errorf("hue: invalid light id %q", name)
	}

	bri := value
	if bri > maxBri {
		bri = maxBri
	}
	if bri < 0 {
		bri = 0
	}

	state := huego.State{On: true, Bri: uint8(bri)}
	log.Debug().
		Str("light", name).
		Int("bri", bri).
		Msg("Applying brightness to light")

	if _, err := b.api.SetLightStateContext(ctx, id, state); err != nil {
		b.cache.Invalidate(id)
		return fmt.Errorf("hue: set light %d: %w", id, err)
	}

	b.mu.Lock()
	if value > maxBri {
		b.requested[id] = min(value, 255)
	} else {
		delete(b.requested, id)
	}
	b.mu.Unlock()

	b.cache.Set(id, state)
	return nil
}

func isUnknownResource(err error) bool {
	var apiErr *huego.APIError
	return errors.As(err, &apiErr) && apiErr.Type == apiErrResourceUnavailable
}
