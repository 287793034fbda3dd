package dimmer

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/dimmerd/internal/clock"
)

// run is the cycle loop. It ticks at the fastest requested cadence until
// the registry is empty or ctx is cancelled. prev is the loop it replaces;
// run waits for it to finish so that two loops never tick together.
func (e *Engine) run(ctx context.Context, h *loopHandle, prev *loopHandle) {
	defer close(h.done)
	defer h.cancel()

	if prev != nil {
		select {
		case <-prev.done:
		case <-ctx.Done():
			return
		}
	}

	log.Debug().Msg("Cycle loop started")
	defer log.Debug().Msg("Cycle loop ended")

	for {
		wait, ok := e.tick(ctx, h)
		if !ok {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-e.clock.After(wait):
		}
	}
}

// tick runs one update pass over every light under the engine lock and
// returns how long to sleep before the next one. ok is false when the loop
// should exit.
func (e *Engine) tick(ctx context.Context, h *loopHandle) (wait time.Duration, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ctx.Err() != nil || h.stopping {
		return 0, false
	}
	if e.registry.Len() == 0 {
		// Mark the handle dead while still holding the lock so a concurrent
		// Start spawns a fresh loop instead of trusting this one.
		h.stopping = true
		log.Debug().Msg("Registry empty, stopping cycle loop")
		return 0, false
	}

	minTick := e.registry.MinTick()
	now := clock.Seconds(e.clock.Now())

	for _, it := range e.registry.Items() {
		e.updateLight(ctx, it.ID, it.Entry, now)
	}
	e.observer.LoopTick(e.registry.Len())

	wait = clock.FromSeconds(minTick)
	if wait < MinLoopSleep {
		wait = MinLoopSleep
	}
	return wait, true
}

// updateLight moves one light toward its wave target if the change clears
// the light's deadband.
func (e *Engine) updateLight(ctx context.Context, id string, entry CycleEntry, now float64) {
	target := TargetBrightness(entry, now)

	state, found, err := e.states.EntityState(ctx, id)
	if err != nil {
		switch {
		case ctx.Err() != nil:
		case errors.Is(err, ErrStateUnavailable):
			log.Debug().Str("light", id).Msg("Light state not reported yet, skipping tick")
		default:
			log.Warn().Err(err).Str("light", id).Msg("Failed to read light state, skipping tick")
		}
		return
	}
	if !found {
		log.Warn().Str("light", id).Msg("Light not found, removing from registry")
		e.registry.Remove(id)
		e.observer.EntityLost(id)
		return
	}

	current := 0
	if state.HasBrightness {
		current = state.Brightness
	}

	delta := target - current
	if delta < 0 {
		delta = -delta
	}
	if delta < entry.MinDelta {
		return
	}

	log.Debug().
		Str("light", id).
		Int("from", current).
		Int("to", target).
		Msg("Updating brightness")
	e.sink.SetBrightness(id, target)
}
