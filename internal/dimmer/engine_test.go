package dimmer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/dimmerd/internal/clock"
)

// memStore is an in-memory Persistence with error injection.
type memStore struct {
	mu      sync.Mutex
	data    map[string]CycleEntry
	saves   int
	saveErr error
}

func (s *memStore) Load(context.Context) (map[string]CycleEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]CycleEntry, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out, nil
}

func (s *memStore) Save(ctx context.Context, entries map[string]CycleEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.saveErr != nil {
		return s.saveErr
	}
	s.data = entries
	return nil
}

func (s *memStore) Remove(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = nil
	return nil
}

func (s *memStore) snapshot() (map[string]CycleEntry, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data, s.saves
}

// fakeStates serves brightness from a map and records every lookup.
type fakeStates struct {
	mu     sync.Mutex
	lights map[string]EntityState
	reads  []string
}

func newFakeStates() *fakeStates {
	return &fakeStates{lights: make(map[string]EntityState)}
}

func (f *fakeStates) set(id string, brightness int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lights[id] = EntityState{Brightness: brightness, HasBrightness: true}
}

func (f *fakeStates) EntityState(_ context.Context, id string) (EntityState, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, id)
	s, ok := f.lights[id]
	return s, ok, nil
}

func (f *fakeStates) readsOf(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.reads {
		if r == id {
			n++
		}
	}
	return n
}

type command struct {
	id    string
	value int
}

type fakeSink struct {
	commands chan command
}

func newFakeSink() *fakeSink {
	return &fakeSink{commands: make(chan command, 64)}
}

func (s *fakeSink) SetBrightness(id string, value int) {
	s.commands <- command{id: id, value: value}
}

type tickCounter struct {
	ticks chan int
	lost  chan string
}

func newTickCounter() *tickCounter {
	return &tickCounter{ticks: make(chan int, 64), lost: make(chan string, 64)}
}

func (c *tickCounter) LoopTick(active int)  { c.ticks <- active }
func (c *tickCounter) EntityLost(id string) { c.lost <- id }

type harness struct {
	engine *Engine
	store  *memStore
	states *fakeStates
	sink   *fakeSink
	clock  *clock.FakeClock
	obs    *tickCounter
}

var epoch = time.Unix(1_700_000_000, 0)

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:  &memStore{},
		states: newFakeStates(),
		sink:   newFakeSink(),
		clock:  clock.Fake(epoch),
		obs:    newTickCounter(),
	}
	h.engine = New(Options{
		Store:    h.store,
		States:   h.states,
		Sink:     h.sink,
		Clock:    h.clock,
		Observer: h.obs,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.engine.Shutdown(ctx)
	})
	return h
}

// holdLoop keeps Start from spawning the loop so only Start touches the
// state reader.
func (h *harness) holdLoop() {
	h.engine.mu.Lock()
	h.engine.closed = true
	h.engine.mu.Unlock()
}

// waitTick blocks until the loop reports a finished tick.
func (h *harness) waitTick(t *testing.T) int {
	t.Helper()
	select {
	case n := <-h.obs.ticks:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for loop tick")
		return 0
	}
}

// waitSleeping blocks until the loop has registered its sleep timer.
func (h *harness) waitSleeping(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		h.clock.WaitForTimers(1)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for loop to sleep")
	}
}

func (h *harness) noCommand(t *testing.T) {
	t.Helper()
	select {
	case c := <-h.sink.commands:
		t.Fatalf("unexpected command %+v", c)
	default:
	}
}

func absoluteRequest(lights ...string) StartRequest {
	return StartRequest{
		Lights:        lights,
		Period:        10,
		Tick:          1,
		MinBrightness: 10,
		MaxBrightness: 200,
		PhaseMode:     PhaseModeAbsolute,
		PhaseOffset:   0,
		SyncGroup:     false,
		MinDelta:      5,
	}
}

func TestStartAbsoluteStoresOffsetVerbatim(t *testing.T) {
	h := newHarness(t)
	h.holdLoop()
	h.states.set("light.a", 105)

	req := absoluteRequest("light.a")
	req.PhaseOffset = 1.25
	require.NoError(t, h.engine.Start(context.Background(), req))

	status := h.engine.Status()
	require.Equal(t, 1, status.ActiveLights)
	entry := status.Registry["light.a"]
	assert.Equal(t, 1.25, entry.PhaseOffset)
	assert.Equal(t, PhaseModeAbsolute, entry.PhaseMode)
	assert.Equal(t, clock.Seconds(epoch), entry.StartedAt)
	assert.Equal(t, 0, h.states.readsOf("light.a"), "absolute mode must not read state at start")
}

func TestStartRelativeMatchesAbsolute(t *testing.T) {
	h := newHarness(t)
	h.states.set("light.a", 50)
	h.states.set("light.b", 50)

	abs := absoluteRequest("light.a")
	abs.PhaseOffset = 0.7
	rel := abs
	rel.Lights = []string{"light.b"}
	rel.PhaseMode = PhaseModeRelative

	require.NoError(t, h.engine.Start(context.Background(), abs))
	require.NoError(t, h.engine.Start(context.Background(), rel))

	reg := h.engine.Status().Registry
	assert.Equal(t, reg["light.a"].PhaseOffset, reg["light.b"].PhaseOffset)
	assert.Equal(t, TargetBrightness(reg["light.a"], 1234), TargetBrightness(reg["light.b"], 1234))
}

func TestStartSyncGroupSharesFirstOffset(t *testing.T) {
	h := newHarness(t)
	h.states.set("light.a", 200)
	h.states.set("light.b", 10)

	req := absoluteRequest("light.a", "light.b")
	req.PhaseMode = PhaseModeSyncToCurrent
	req.SyncGroup = true

	// Hold the loop off so every read below comes from Start.
	h.holdLoop()

	require.NoError(t, h.engine.Start(context.Background(), req))

	reg := h.engine.Status().Registry
	assert.InDelta(t, math.Pi/2, reg["light.a"].PhaseOffset, 1e-12)
	assert.Equal(t, reg["light.a"].PhaseOffset, reg["light.b"].PhaseOffset)
	assert.Equal(t, 1, h.states.readsOf("light.a"))
	assert.Equal(t, 0, h.states.readsOf("light.b"))
}

func TestStartSyncToCurrentWithoutGroupReadsEachLight(t *testing.T) {
	h := newHarness(t)
	h.states.set("light.a", 200)
	h.states.set("light.b", 10)

	req := absoluteRequest("light.a", "light.b")
	req.PhaseMode = PhaseModeSyncToCurrent

	h.holdLoop()

	require.NoError(t, h.engine.Start(context.Background(), req))

	reg := h.engine.Status().Registry
	assert.InDelta(t, math.Pi/2, reg["light.a"].PhaseOffset, 1e-12)
	assert.InDelta(t, -math.Pi/2, reg["light.b"].PhaseOffset, 1e-12)
}

func TestStartSyncToCurrentDefaultsWithoutBrightness(t *testing.T) {
	h := newHarness(t)
	h.states.mu.Lock()
	h.states.lights["light.off"] = EntityState{}
	h.states.mu.Unlock()

	req := absoluteRequest("light.off", "light.unknown")
	req.PhaseMode = PhaseModeSyncToCurrent
	req.MinBrightness = DefaultMinBrightness
	req.MaxBrightness = 255

	h.holdLoop()

	require.NoError(t, h.engine.Start(context.Background(), req))

	reg := h.engine.Status().Registry
	assert.InDelta(t, -math.Pi/2, reg["light.off"].PhaseOffset, 1e-12)
	assert.InDelta(t, -math.Pi/2, reg["light.unknown"].PhaseOffset, 1e-12)
}

func TestStartOverwritesExistingEntry(t *testing.T) {
	h := newHarness(t)
	h.states.set("light.a", 105)

	require.NoError(t, h.engine.Start(context.Background(), absoluteRequest("light.a")))
	h.waitSleeping(t)

	h.clock.Advance(3 * time.Second)
	h.waitTick(t)

	req := absoluteRequest("light.a")
	req.Period = 20
	require.NoError(t, h.engine.Start(context.Background(), req))

	status := h.engine.Status()
	require.Equal(t, 1, status.ActiveLights)
	assert.Equal(t, 20.0, status.Registry["light.a"].Period)
	assert.Equal(t, clock.Seconds(epoch.Add(3*time.Second)), status.Registry["light.a"].StartedAt)
}

func TestStartPersistsRegistry(t *testing.T) {
	h := newHarness(t)
	h.states.set("light.a", 105)

	require.NoError(t, h.engine.Start(context.Background(), absoluteRequest("light.a")))

	data, saves := h.store.snapshot()
	assert.Equal(t, 1, saves)
	assert.Contains(t, data, "light.a")
}

func TestStartReturnsSaveErrorButKeepsCycling(t *testing.T) {
	h := newHarness(t)
	h.states.set("light.a", 105)
	h.store.saveErr = errors.New("disk full")

	err := h.engine.Start(context.Background(), absoluteRequest("light.a"))
	require.Error(t, err)
	assert.ErrorIs(t, err, h.store.saveErr)

	status := h.engine.Status()
	assert.Equal(t, 1, status.ActiveLights)
	assert.True(t, status.LoopRunning)
}

func TestLoopAppliesWaveTarget(t *testing.T) {
	h := newHarness(t)
	h.states.set("light.a", 105)

	require.NoError(t, h.engine.Start(context.Background(), absoluteRequest("light.a")))

	// First tick at elapsed 0 targets 105, which is already the brightness.
	h.waitTick(t)
	h.waitSleeping(t)
	h.noCommand(t)

	// At elapsed 2.5s the phase is pi/2 and the target peaks at 200.
	h.clock.Advance(2500 * time.Millisecond)
	h.waitTick(t)

	select {
	case c := <-h.sink.commands:
		assert.Equal(t, command{id: "light.a", value: 200}, c)
	case <-time.After(2 * time.Second):
		t.Fatal("no brightness command issued")
	}
}

func TestLoopRespectsDeadband(t *testing.T) {
	h := newHarness(t)
	h.states.set("light.a", 105)

	req := absoluteRequest("light.a")
	req.Period = 1000
	req.MinDelta = 5
	require.NoError(t, h.engine.Start(context.Background(), req))

	h.waitTick(t)
	h.waitSleeping(t)

	// After 1s of a 1000s period the target has moved by under 1.
	h.clock.Advance(time.Second)
	h.waitTick(t)
	h.noCommand(t)
}

func TestLoopTreatsMissingBrightnessAsZero(t *testing.T) {
	h := newHarness(t)
	h.states.mu.Lock()
	h.states.lights["light.a"] = EntityState{}
	h.states.mu.Unlock()

	require.NoError(t, h.engine.Start(context.Background(), absoluteRequest("light.a")))
	h.waitTick(t)

	select {
	case c := <-h.sink.commands:
		assert.Equal(t, command{id: "light.a", value: 105}, c)
	case <-time.After(2 * time.Second):
		t.Fatal("no brightness command issued")
	}
}

func TestLoopDropsMissingLight(t *testing.T) {
	h := newHarness(t)
	h.states.set("light.a", 105)

	require.NoError(t, h.engine.Start(context.Background(), absoluteRequest("light.a", "light.gone")))

	active := h.waitTick(t)
	assert.Equal(t, 1, active)

	select {
	case id := <-h.obs.lost:
		assert.Equal(t, "light.gone", id)
	case <-time.After(2 * time.Second):
		t.Fatal("missing light was not reported")
	}

	status := h.engine.Status()
	assert.Equal(t, 1, status.ActiveLights)
	assert.NotContains(t, status.Registry, "light.gone")
	assert.True(t, status.LoopRunning)
}

func TestLoopExitsWhenLastLightDisappears(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.engine.Start(context.Background(), absoluteRequest("light.gone")))
	assert.Equal(t, 0, h.waitTick(t))
	h.waitSleeping(t)

	h.clock.Advance(time.Second)

	require.Eventually(t, func() bool {
		return !h.engine.Status().LoopRunning
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLoopWakesAtFastestTick(t *testing.T) {
	h := newHarness(t)
	h.states.set("light.slow", 105)
	h.states.set("light.fast", 105)

	slow := absoluteRequest("light.slow")
	slow.Tick = 5
	fast := absoluteRequest("light.fast")
	fast.Tick = 0.25

	require.NoError(t, h.engine.Start(context.Background(), slow))
	h.waitTick(t)
	h.waitSleeping(t)

	// The first sleep was scheduled with only the slow light registered,
	// so let it elapse before checking the fast cadence.
	require.NoError(t, h.engine.Start(context.Background(), fast))
	h.clock.Advance(5 * time.Second)
	h.waitTick(t)
	h.waitSleeping(t)

	h.clock.Advance(250 * time.Millisecond)
	assert.Equal(t, 2, h.waitTick(t))
}

func TestStopLastLightStopsLoopImmediately(t *testing.T) {
	h := newHarness(t)
	h.states.set("light.a", 105)

	require.NoError(t, h.engine.Start(context.Background(), absoluteRequest("light.a")))
	require.True(t, h.engine.Status().LoopRunning)

	require.NoError(t, h.engine.Stop(context.Background(), []string{"light.a"}))

	status := h.engine.Status()
	assert.False(t, status.LoopRunning)
	assert.Equal(t, 0, status.ActiveLights)
}

func TestStopKeepsLoopForRemainingLights(t *testing.T) {
	h := newHarness(t)
	h.states.set("light.a", 105)
	h.states.set("light.b", 105)

	require.NoError(t, h.engine.Start(context.Background(), absoluteRequest("light.a", "light.b")))
	require.NoError(t, h.engine.Stop(context.Background(), []string{"light.a", "light.unknown"}))

	status := h.engine.Status()
	assert.True(t, status.LoopRunning)
	assert.Equal(t, 1, status.ActiveLights)

	data, _ := h.store.snapshot()
	assert.NotContains(t, data, "light.a")
	assert.Contains(t, data, "light.b")
}

func TestStopAllClearsRegistry(t *testing.T) {
	h := newHarness(t)
	h.states.set("light.a", 105)
	h.states.set("light.b", 105)

	require.NoError(t, h.engine.Start(context.Background(), absoluteRequest("light.a", "light.b")))
	require.NoError(t, h.engine.StopAll(context.Background()))

	status := h.engine.Status()
	assert.False(t, status.LoopRunning)
	assert.Empty(t, status.Registry)

	data, saves := h.store.snapshot()
	assert.Empty(t, data)
	assert.Equal(t, 2, saves)
}

func TestRestartAfterStopSpawnsNewLoop(t *testing.T) {
	h := newHarness(t)
	h.states.set("light.a", 105)

	require.NoError(t, h.engine.Start(context.Background(), absoluteRequest("light.a")))
	h.waitTick(t)
	require.NoError(t, h.engine.StopAll(context.Background()))

	require.NoError(t, h.engine.Start(context.Background(), absoluteRequest("light.a")))
	assert.True(t, h.engine.Status().LoopRunning)
	h.waitTick(t)
}

func TestIsCycling(t *testing.T) {
	h := newHarness(t)
	h.states.set("light.a", 105)

	assert.False(t, h.engine.IsCycling("light.a"))
	require.NoError(t, h.engine.Start(context.Background(), absoluteRequest("light.a")))

	assert.True(t, h.engine.IsCycling("light.x", "light.a"))
	assert.False(t, h.engine.IsCycling("light.x"))
	assert.False(t, h.engine.IsCycling())
}

func TestLoadRestoresRegistryAndStartsLoop(t *testing.T) {
	h := newHarness(t)
	h.states.set("light.a", 105)
	h.store.data = map[string]CycleEntry{
		"light.a": {Period: 10, Tick: 1, MinBrightness: 10, MaxBrightness: 200, MinDelta: 1, StartedAt: clock.Seconds(epoch)},
	}

	require.NoError(t, h.engine.Load(context.Background()))

	status := h.engine.Status()
	assert.Equal(t, 1, status.ActiveLights)
	assert.True(t, status.LoopRunning)
	h.waitTick(t)
}

func TestLoadEmptyDoesNotStartLoop(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.engine.Load(context.Background()))
	assert.False(t, h.engine.Status().LoopRunning)
}

func TestShutdownStopsLoopAndSaves(t *testing.T) {
	h := newHarness(t)
	h.states.set("light.a", 105)

	require.NoError(t, h.engine.Start(context.Background(), absoluteRequest("light.a")))
	h.waitTick(t)
	h.waitSleeping(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Shutdown(ctx))

	status := h.engine.Status()
	assert.False(t, status.LoopRunning)
	assert.Equal(t, 1, status.ActiveLights, "shutdown keeps the registry for the next start")

	data, saves := h.store.snapshot()
	assert.Equal(t, 2, saves)
	assert.Contains(t, data, "light.a")

	// No loop is admitted after shutdown.
	require.NoError(t, h.engine.Start(context.Background(), absoluteRequest("light.b")))
	assert.False(t, h.engine.Status().LoopRunning)
}

func TestShutdownWithoutLoop(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Shutdown(context.Background()))

	_, saves := h.store.snapshot()
	assert.Equal(t, 1, saves)
}

func TestLoopExtremeTickDoesNotSpin(t *testing.T) {
	for _, tick := range []float64{1e10, 1e-10} {
		t.Run(fmt.Sprint(tick), func(t *testing.T) {
			h := newHarness(t)
			h.states.set("light.a", 105)

			req := absoluteRequest("light.a")
			req.Tick = tick
			require.NoError(t, h.engine.Start(context.Background(), req))
			h.waitTick(t)
			h.waitSleeping(t)

			// Time is frozen, so a second pass means the sleep did not block.
			select {
			case <-h.obs.ticks:
				t.Fatal("loop ticked again without the clock moving")
			case <-time.After(50 * time.Millisecond):
			}
		})
	}
}

func TestSaveIgnoresCallerCancellation(t *testing.T) {
	h := newHarness(t)
	h.holdLoop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, h.engine.Start(ctx, absoluteRequest("light.a", "light.b")))
	require.NoError(t, h.engine.Stop(ctx, []string{"light.a"}))

	data, _ := h.store.snapshot()
	assert.Contains(t, data, "light.b")
	assert.NotContains(t, data, "light.a")

	require.NoError(t, h.engine.StopAll(ctx))
	data, _ = h.store.snapshot()
	assert.Empty(t, data)
}

type countingSink struct{ n atomic.Int64 }

func (s *countingSink) SetBrightness(string, int) { s.n.Add(1) }

func TestConcurrentOperationsWithLiveLoop(t *testing.T) {
	states := newFakeStates()
	lights := []string{"light.a", "light.b", "light.c", "light.d"}
	for _, id := range lights {
		states.set(id, 3)
	}
	store := &memStore{}
	sink := &countingSink{}
	eng := New(Options{Store: store, States: states, Sink: sink})

	const (
		workers = 8
		ops     = 300
	)
	var (
		wg         sync.WaitGroup
		violations atomic.Int64
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed uint64) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(seed, seed))
			ctx := context.Background()
			for i := 0; i < ops; i++ {
				id := lights[rng.IntN(len(lights))]
				switch rng.IntN(5) {
				case 0, 1:
					req := absoluteRequest(id, lights[rng.IntN(len(lights))])
					req.Tick = 0.001
					req.MinDelta = 1
					if rng.IntN(2) == 0 {
						req.PhaseMode = PhaseModeSyncToCurrent
						req.SyncGroup = true
					}
					_ = eng.Start(ctx, req)
				case 2:
					_ = eng.Stop(ctx, []string{id})
				case 3:
					_ = eng.StopAll(ctx)
				default:
					st := eng.Status()
					if st.LoopRunning && st.ActiveLights == 0 {
						violations.Add(1)
					}
					if st.ActiveLights != len(st.Registry) {
						violations.Add(1)
					}
					eng.IsCycling(id)
				}
			}
		}(uint64(w) + 1)
	}
	wg.Wait()

	assert.Zero(t, violations.Load(), "status reported a running loop with an empty registry")

	require.NoError(t, eng.Start(context.Background(), StartRequest{
		Lights: lights, Period: 1, Tick: 0.001, MinBrightness: 10, MaxBrightness: 200,
		PhaseMode: PhaseModeAbsolute, MinDelta: 1,
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, eng.Shutdown(ctx))
	assert.False(t, eng.Status().LoopRunning)

	require.NoError(t, eng.Start(context.Background(), absoluteRequest("light.a")))
	assert.False(t, eng.Status().LoopRunning, "no loop is admitted after shutdown")

	sent := sink.n.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, sent, sink.n.Load(), "commands issued after shutdown")

	data, _ := store.snapshot()
	assert.Len(t, data, len(lights))
}
