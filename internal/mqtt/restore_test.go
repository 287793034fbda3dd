package mqtt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/dimmerd/internal/clock"
	"github.com/dokzlo13/dimmerd/internal/dimmer"
	"github.com/dokzlo13/dimmerd/internal/entity"
	"github.com/dokzlo13/dimmerd/internal/persist"
)

type sinkFunc func(id string, value int)

func (f sinkFunc) SetBrightness(id string, value int) { f(id, value) }

type tickSignal chan int

func (s tickSignal) LoopTick(active int) { s <- active }
func (tickSignal) EntityLost(string)     {}

func TestRestoredCycleSurvivesSilentDevice(t *testing.T) {
	ctx := context.Background()

	store := persist.NewMemory()
	require.NoError(t, store.Save(ctx, map[string]dimmer.CycleEntry{
		"mqtt.kitchen": {
			Period:        10,
			Tick:          1,
			MinBrightness: 10,
			MaxBrightness: 200,
			PhaseMode:     dimmer.PhaseModeAbsolute,
			MinDelta:      1,
			StartedAt:     1_700_000_000,
		},
	}))

	backend, tr := startedBackend(t)
	router := entity.NewRouter()
	router.Register("mqtt", backend)

	commands := make(chan int, 16)
	ticks := make(tickSignal, 16)
	clk := clock.Fake(time.Unix(1_700_000_000, 0))

	eng := dimmer.New(dimmer.Options{
		Store:    store,
		States:   router,
		Sink:     sinkFunc(func(_ string, v int) { commands <- v }),
		Clock:    clk,
		Observer: ticks,
	})
	require.NoError(t, eng.Load(ctx))

	waitTick := func() {
		t.Helper()
		select {
		case <-ticks:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for loop tick")
		}
	}

	// The device has not published since startup.
	waitTick()
	assert.True(t, eng.IsCycling("mqtt.kitchen"))
	assert.Eventually(t, func() bool {
		return tr.publishedTo("zigbee2mqtt/kitchen/get") == 1
	}, time.Second, 5*time.Millisecond)
	select {
	case v := <-commands:
		t.Fatalf("unexpected command %d before the device reported", v)
	default:
	}

	tr.deliver(t, "zigbee2mqtt/kitchen", `{"state":"ON","brightness":20}`)
	clk.WaitForTimers(1)
	clk.Advance(time.Second)
	waitTick()

	select {
	case v := <-commands:
		assert.Greater(t, v, 20)
	case <-time.After(2 * time.Second):
		t.Fatal("no command after the device reported")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, eng.Shutdown(shutdownCtx))

	saved, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Contains(t, saved, "mqtt.kitchen")
}
