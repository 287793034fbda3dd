package dimmer

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/dimmerd/internal/clock"
)

// Options wires an Engine to its collaborators.
type Options struct {
	Store    Persistence
	States   StateReader
	Sink     CommandSink
	Clock    clock.Clock // defaults to clock.Real()
	Observer Observer    // optional
}

// Engine owns the cycle registry and the loop that drives it.
//
// A single mutex serializes Start, Stop, StopAll, Load, Status and every
// loop tick, so each registry mutation is atomic with respect to the others.
type Engine struct {
	mu       sync.Mutex
	registry *Registry
	loop     *loopHandle
	closed   bool

	store    Persistence
	states   StateReader
	sink     CommandSink
	clock    clock.Clock
	observer Observer
}

// loopHandle tracks one loop goroutine. stopping is only read or written
// under Engine.mu.
type loopHandle struct {
	cancel   context.CancelFunc
	done     chan struct{}
	stopping bool
}

func (h *loopHandle) alive() bool {
	if h == nil || h.stopping {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// New creates an Engine with an empty registry. Call Load to restore the
// persisted registry.
func New(opts Options) *Engine {
	c := opts.Clock
	if c == nil {
		c = clock.Real()
	}
	obs := opts.Observer
	if obs == nil {
		obs = nopObserver{}
	}

	return &Engine{
		registry: NewRegistry(),
		store:    opts.Store,
		states:   opts.States,
		sink:     opts.Sink,
		clock:    c,
		observer: obs,
	}
}

// Load restores the registry from storage and starts the loop if anything
// was restored.
func (e *Engine) Load(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	entries, err := e.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load registry: %w", err)
	}
	e.registry.Replace(entries)

	if e.registry.Len() > 0 {
		ids := make([]string, 0, e.registry.Len())
		for _, it := range e.registry.Items() {
			ids = append(ids, it.ID)
		}
		log.Info().
			Int("count", len(ids)).
			Strs("lights", ids).
			Msg("Restored cycling lights from storage")
		e.ensureLoopRunning()
	}
	return nil
}

// Start begins (or restarts) cycling for every light in req. The request
// must already be validated. A failed save is returned, but the lights are
// still registered and cycling.
func (e *Engine) Start(ctx context.Context, req StartRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := clock.Seconds(e.clock.Now())

	var shared float64
	haveShared := false

	for i, id := range req.Lights {
		var offset float64

		switch req.PhaseMode {
		case PhaseModeSyncToCurrent:
			if req.SyncGroup && haveShared {
				offset = shared
				break
			}
			current := e.startingBrightness(ctx, id)
			offset = ReversePhaseOffset(current, req.MinBrightness, req.MaxBrightness)
			if req.SyncGroup && i == 0 {
				shared = offset
				haveShared = true
			}
		default:
			// absolute and relative both store the caller's offset as-is
			offset = req.PhaseOffset
		}

		e.registry.Upsert(id, CycleEntry{
			Period:        req.Period,
			Tick:          req.Tick,
			MinBrightness: req.MinBrightness,
			MaxBrightness: req.MaxBrightness,
			PhaseOffset:   offset,
			PhaseMode:     req.PhaseMode,
			SyncGroup:     req.SyncGroup,
			MinDelta:      req.MinDelta,
			StartedAt:     now,
		})

		log.Info().
			Str("light", id).
			Float64("period_s", req.Period).
			Int("min_brightness", req.MinBrightness).
			Int("max_brightness", req.MaxBrightness).
			Str("phase_mode", string(req.PhaseMode)).
			Float64("offset", offset).
			Msg("Started brightness cycle")
	}

	err := e.saveLocked(ctx)
	e.ensureLoopRunning()
	return err
}

// startingBrightness reads the light's brightness for sync_to_current,
// falling back to DefaultMinBrightness when it has none.
func (e *Engine) startingBrightness(ctx context.Context, id string) int {
	state, ok, err := e.states.EntityState(ctx, id)
	if err != nil {
		log.Warn().Err(err).Str("light", id).Msg("Failed to read brightness, using default")
		return DefaultMinBrightness
	}
	if !ok || !state.HasBrightness || state.Brightness == 0 {
		return DefaultMinBrightness
	}
	return state.Brightness
}

// Stop ends cycling for the given lights. Lights that are not cycling are
// logged and skipped. The loop stops at once when nothing is left.
func (e *Engine) Stop(ctx context.Context, lights []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, id := range lights {
		if e.registry.Remove(id) {
			log.Info().Str("light", id).Msg("Stopped brightness cycle")
		} else {
			log.Warn().Str("light", id).Msg("Light was not cycling")
		}
	}

	err := e.saveLocked(ctx)
	if e.registry.Len() == 0 {
		e.stopLoop()
	}
	return err
}

// StopAll ends cycling for every light and stops the loop.
func (e *Engine) StopAll(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	count := e.registry.RemoveAll()
	err := e.saveLocked(ctx)
	log.Info().Int("count", count).Msg("Stopped brightness cycle for all lights")

	e.stopLoop()
	return err
}

// Status returns a deep copy of the registry and the loop state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	return Status{
		ActiveLights: e.registry.Len(),
		LoopRunning:  e.loop.alive(),
		Registry:     e.registry.Snapshot(),
	}
}

// IsCycling reports whether at least one of ids is cycling.
func (e *Engine) IsCycling(ids ...string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, id := range ids {
		if e.registry.Has(id) {
			return true
		}
	}
	return false
}

// Shutdown stops the loop, waits for it to exit (bounded by ctx) and saves
// the registry one last time. The engine never restarts its loop afterwards.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	h := e.loop
	e.stopLoop()
	e.mu.Unlock()

	// The loop may be blocked on e.mu, so wait without holding it.
	if h != nil {
		select {
		case <-h.done:
		case <-ctx.Done():
			log.Warn().Msg("Cycle loop did not exit before shutdown deadline")
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.saveLocked(ctx); err != nil {
		return err
	}
	log.Info().Msg("Dimmer engine shutdown complete")
	return nil
}

// saveLocked persists the registry. The in-memory change has already been
// made, so the save is not cut short when the caller's ctx is cancelled.
func (e *Engine) saveLocked(ctx context.Context) error {
	if err := e.store.Save(context.WithoutCancel(ctx), e.registry.Snapshot()); err != nil {
		return fmt.Errorf("failed to save registry: %w", err)
	}
	return nil
}

// ensureLoopRunning is the only place a loop goroutine is spawned. Must be
// called with e.mu held.
func (e *Engine) ensureLoopRunning() {
	if e.closed || e.loop.alive() {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &loopHandle{cancel: cancel, done: make(chan struct{})}
	prev := e.loop
	e.loop = h

	go e.run(ctx, h, prev)
	log.Debug().Msg("Started cycle loop")
}

// stopLoop cancels the current loop. Must be called with e.mu held.
func (e *Engine) stopLoop() {
	if e.loop == nil {
		return
	}
	e.loop.cancel()
	if !e.loop.stopping {
		e.loop.stopping = true
		log.Debug().Msg("Cancelled cycle loop")
	}
}
