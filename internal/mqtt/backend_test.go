package mqtt

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/dimmerd/internal/dimmer"
)

type published struct {
	topic   string
	payload []byte
}

type fakeTransport struct {
	mu        sync.Mutex
	handlers  map[string]MessageHandler
	published []published
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]MessageHandler)}
}

func (f *fakeTransport) Subscribe(topic string, qos byte, handler MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	return nil
}

func (f *fakeTransport) Publish(topic string, payload []byte, qos byte, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{topic: topic, payload: payload})
	return nil
}

func (f *fakeTransport) deliverVia(t *testing.T, subscription, topic, payload string) {
	t.Helper()
	f.mu.Lock()
	h := f.handlers[subscription]
	f.mu.Unlock()
	require.NotNil(t, h)
	require.NoError(t, h(topic, []byte(payload)))
}

func (f *fakeTransport) deliver(t *testing.T, topic, payload string) {
	t.Helper()
	f.deliverVia(t, "zigbee2mqtt/+", topic, payload)
}

func (f *fakeTransport) deliverDevices(t *testing.T, names ...string) {
	t.Helper()
	list := make([]bridgeDevice, 0, len(names))
	for _, n := range names {
		list = append(list, bridgeDevice{FriendlyName: n})
	}
	payload, err := json.Marshal(list)
	require.NoError(t, err)
	f.deliverVia(t, "zigbee2mqtt/bridge/devices", "zigbee2mqtt/bridge/devices", string(payload))
}

func (f *fakeTransport) publishedTo(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.published {
		if p.topic == topic {
			n++
		}
	}
	return n
}

func startedBackend(t *testing.T) (*Backend, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	b := NewBackend(tr, "zigbee2mqtt/", 1)
	require.NoError(t, b.Start(context.Background()))
	return b, tr
}

func TestBackendTracksDeviceState(t *testing.T) {
	b, tr := startedBackend(t)
	ctx := context.Background()

	tr.deliverDevices(t, "kitchen", "hall", "plug")
	tr.deliver(t, "zigbee2mqtt/kitchen", `{"state":"ON","brightness":180,"linkquality":90}`)
	tr.deliver(t, "zigbee2mqtt/hall", `{"state":"OFF","brightness":40}`)
	tr.deliver(t, "zigbee2mqtt/plug", `{"state":"ON"}`)
	tr.deliver(t, "zigbee2mqtt/bridge", `{"state":"online"}`)
	tr.deliver(t, "zigbee2mqtt/noise", `not json`)

	tests := []struct {
		name  string
		state dimmer.EntityState
		ok    bool
	}{
		{"kitchen", dimmer.EntityState{Brightness: 180, HasBrightness: true}, true},
		{"hall", dimmer.EntityState{}, true},
		{"plug", dimmer.EntityState{}, true},
		{"bridge", dimmer.EntityState{}, false},
		{"noise", dimmer.EntityState{}, false},
		{"unknown", dimmer.EntityState{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, ok, err := b.EntityState(ctx, tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.state, st)
		})
	}
}

func TestBackendMergesPartialUpdates(t *testing.T) {
	b, tr := startedBackend(t)

	tr.deliver(t, "zigbee2mqtt/kitchen", `{"state":"ON","brightness":100}`)
	tr.deliver(t, "zigbee2mqtt/kitchen", `{"linkquality":12}`)

	st, ok, err := b.EntityState(context.Background(), "kitchen")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 100, st.Brightness)
}

func TestBackendSetBrightnessPublishes(t *testing.T) {
	b, tr := startedBackend(t)
	ctx := context.Background()

	require.NoError(t, b.SetBrightness(ctx, "kitchen", 77))

	require.Len(t, tr.published, 1)
	assert.Equal(t, "zigbee2mqtt/kitchen/set", tr.published[0].topic)
	assert.Equal(t, 1, tr.publishedTo("zigbee2mqtt/kitchen/set"))

	var cmd map[string]any
	require.NoError(t, json.Unmarshal(tr.published[0].payload, &cmd))
	assert.Equal(t, "ON", cmd["state"])
	assert.Equal(t, 77.0, cmd["brightness"])

	st, ok, err := b.EntityState(ctx, "kitchen")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 77, st.Brightness)
	assert.Equal(t, 1, b.Devices())
}

func TestBackendSilentDeviceIsUnavailableNotUnknown(t *testing.T) {
	b, tr := startedBackend(t)
	ctx := context.Background()

	now := time.Unix(1_700_000_000, 0)
	b.now = func() time.Time { return now }

	_, ok, err := b.EntityState(ctx, "kitchen")
	require.ErrorIs(t, err, dimmer.ErrStateUnavailable)
	assert.True(t, ok)

	assert.Eventually(t, func() bool {
		return tr.publishedTo("zigbee2mqtt/kitchen/get") == 1
	}, time.Second, 5*time.Millisecond)

	// Asked once per interval.
	_, _, err = b.EntityState(ctx, "kitchen")
	require.ErrorIs(t, err, dimmer.ErrStateUnavailable)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, tr.publishedTo("zigbee2mqtt/kitchen/get"))

	now = now.Add(stateRequestInterval)
	_, _, err = b.EntityState(ctx, "kitchen")
	require.ErrorIs(t, err, dimmer.ErrStateUnavailable)
	assert.Eventually(t, func() bool {
		return tr.publishedTo("zigbee2mqtt/kitchen/get") == 2
	}, time.Second, 5*time.Millisecond)

	tr.deliver(t, "zigbee2mqtt/kitchen", `{"state":"ON","brightness":42}`)
	st, ok, err := b.EntityState(ctx, "kitchen")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, dimmer.EntityState{Brightness: 42, HasBrightness: true}, st)
}

func TestBackendDeviceListDecidesUnknown(t *testing.T) {
	b, tr := startedBackend(t)
	ctx := context.Background()

	tr.deliverDevices(t, "kitchen")

	_, ok, err := b.EntityState(ctx, "garage")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = b.EntityState(ctx, "kitchen")
	require.ErrorIs(t, err, dimmer.ErrStateUnavailable)
	assert.True(t, ok)
}

func TestBackendIgnoresMalformedDeviceList(t *testing.T) {
	b, tr := startedBackend(t)

	tr.deliverVia(t, "zigbee2mqtt/bridge/devices", "zigbee2mqtt/bridge/devices", `{"oops":true}`)

	_, ok, err := b.EntityState(context.Background(), "kitchen")
	require.ErrorIs(t, err, dimmer.ErrStateUnavailable)
	assert.True(t, ok)
}
