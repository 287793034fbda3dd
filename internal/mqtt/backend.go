package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/dimmerd/internal/dimmer"
)

// Transport is the broker surface the backend needs. *Client satisfies it.
type Transport interface {
	Subscribe(topic string, qos byte, handler MessageHandler) error
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// deviceState is the subset of a zigbee2mqtt state message we track.
type deviceState struct {
	State      string `json:"state,omitempty"`
	Brightness *int   `json:"brightness,omitempty"`
}

// bridgeDevice is one entry of the retained <base>/bridge/devices list.
type bridgeDevice struct {
	FriendlyName string `json:"friendly_name"`
}

// stateRequestInterval limits how often a silent device is asked for state.
const stateRequestInterval = 30 * time.Second

type setCommand struct {
	State      string `json:"state"`
	Brightness int    `json:"brightness"`
}

// Backend implements entity.Backend for zigbee2mqtt devices. Device state
// comes from retained and live messages on <base>/<name>. A device that has
// not published yet is asked via <base>/<name>/get and reported as
// dimmer.ErrStateUnavailable until it answers. Only a device missing from the
// bridge's device list is unknown.
type Backend struct {
	transport Transport
	base      string
	qos       byte
	now       func() time.Time

	mu        sync.RWMutex
	devices   map[string]deviceState
	listed    map[string]struct{}
	haveList  bool
	requested map[string]time.Time
}

// NewBackend creates a backend rooted at baseTopic.
func NewBackend(transport Transport, baseTopic string, qos byte) *Backend {
	return &Backend{
		transport: transport,
		base:      strings.TrimSuffix(baseTopic, "/"),
		qos:       qos,
		now:       time.Now,
		devices:   make(map[string]deviceState),
		requested: make(map[string]time.Time),
	}
}

// Start subscribes to device state topics.
func (b *Backend) Start(ctx context.Context) error {
	topic := b.base + "/+"
	if err := b.transport.Subscribe(topic, b.qos, b.handleMessage); err != nil {
		return err
	}
	if err := b.transport.Subscribe(b.base+"/bridge/devices", b.qos, b.handleDeviceList); err != nil {
		return err
	}
	log.Info().Str("topic", topic).Msg("Subscribed to device states")
	return nil
}

func (b *Backend) handleDeviceList(topic string, payload []byte) error {
	var list []bridgeDevice
	if err := json.Unmarshal(payload, &list); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("Ignoring malformed device list")
		return nil
	}

	listed := make(map[string]struct{}, len(list))
	for _, d := range list {
		if d.FriendlyName != "" {
			listed[d.FriendlyName] = struct{}{}
		}
	}

	b.mu.Lock()
	b.listed = listed
	b.haveList = true
	b.mu.Unlock()

	log.Debug().Int("devices", len(listed)).Msg("Device list updated")
	return nil
}

func (b *Backend) handleMessage(topic string, payload []byte) error {
	name, ok := strings.CutPrefix(topic, b.base+"/")
	if !ok || name == "" || name == "bridge" || strings.Contains(name, "/") {
		return nil
	}

	var msg deviceState
	if err := json.Unmarshal(payload, &msg); err != nil {
		// Not every device publishes JSON; ignore rather than fail.
		return nil
	}

	b.mu.Lock()
	prev := b.devices[name]
	if msg.State != "" {
		prev.State = msg.State
	}
	if msg.Brightness != nil {
		v := *msg.Brightness
		prev.Brightness = &v
	}
	b.devices[name] = prev
	b.mu.Unlock()

	return nil
}

// EntityState returns the cached brightness. A device that is OFF or has
// never reported brightness has none.
func (b *Backend) EntityState(ctx context.Context, name string) (dimmer.EntityState, bool, error) {
	b.mu.Lock()
	d, seen := b.devices[name]
	if !seen {
		if b.haveList {
			if _, ok := b.listed[name]; !ok {
				b.mu.Unlock()
				return dimmer.EntityState{}, false, nil
			}
		}
		ask := b.now().Sub(b.requested[name]) >= stateRequestInterval
		if ask {
			b.requested[name] = b.now()
		}
		b.mu.Unlock()

		if ask {
			go b.requestState(name)
		}
		return dimmer.EntityState{}, true, fmt.Errorf("%w: %s", dimmer.ErrStateUnavailable, name)
	}
	b.mu.Unlock()

	if strings.EqualFold(d.State, "OFF") || d.Brightness == nil {
		return dimmer.EntityState{}, true, nil
	}
	return dimmer.EntityState{Brightness: *d.Brightness, HasBrightness: true}, true, nil
}

// requestState asks a silent device to publish its state.
func (b *Backend) requestState(name string) {
	topic := fmt.Sprintf("%s/%s/get", b.base, name)
	if err := b.transport.Publish(topic, []byte(`{"state":"","brightness":""}`), b.qos, false); err != nil {
		log.Warn().Err(err).Str("device", name).Msg("Failed to request device state")
		return
	}
	log.Debug().Str("device", name).Msg("Requested device state")
}

// SetBrightness publishes a set command and records it as the device's state.
func (b *Backend) SetBrightness(ctx context.Context, name string, value int) error {
	payload, err := json.Marshal(setCommand{State: "ON", Brightness: value})
	if err != nil {
		return err
	}

	topic := fmt.Sprintf("%s/%s/set", b.base, name)
	if err := b.transport.Publish(topic, payload, b.qos, false); err != nil {
		return err
	}

	b.mu.Lock()
	v := value
	b.devices[name] = deviceState{State: "ON", Brightness: &v}
	b.mu.Unlock()

	return nil
}

// Devices returns the number of devices seen so far.
func (b *Backend) Devices() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.devices)
}
