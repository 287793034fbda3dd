// Package dimmer implements the brightness cycling engine: a registry of
// lights following a sine wave, and one shared loop that keeps them moving.
package dimmer

import (
	"context"
	"errors"
	"time"
)

// PhaseMode records how a cycle's phase offset was chosen at start time.
// Every mode evaluates with the same formula.
type PhaseMode string

const (
	PhaseModeSyncToCurrent PhaseMode = "sync_to_current"
	PhaseModeAbsolute      PhaseMode = "absolute"
	PhaseModeRelative      PhaseMode = "relative"
)

// PhaseModes lists the accepted phase modes.
var PhaseModes = []PhaseMode{PhaseModeSyncToCurrent, PhaseModeAbsolute, PhaseModeRelative}

// Valid reports whether m is a known phase mode.
func (m PhaseMode) Valid() bool {
	for _, known := range PhaseModes {
		if m == known {
			return true
		}
	}
	return false
}

// Start parameter defaults.
const (
	DefaultPeriodS       = 10.0
	DefaultTickS         = 0.25
	DefaultMinBrightness = 3
	DefaultMaxBrightness = 255
	DefaultPhaseOffset   = 0.0
	DefaultSyncGroup     = true
	DefaultMinDelta      = 1
	DefaultPhaseMode     = PhaseModeSyncToCurrent
)

// MaxDurationS bounds period and tick, in seconds (one year).
const MaxDurationS = 365 * 24 * 60 * 60.0

// MinLoopSleep is the shortest sleep between two loop passes.
const MinLoopSleep = time.Millisecond

// CycleEntry holds one light's cycle parameters.
type CycleEntry struct {
	Period        float64   `json:"period" cbor:"period"`
	Tick          float64   `json:"tick" cbor:"tick"`
	MinBrightness int       `json:"min_b" cbor:"min_b"`
	MaxBrightness int       `json:"max_b" cbor:"max_b"`
	PhaseOffset   float64   `json:"phase_offset" cbor:"phase_offset"`
	PhaseMode     PhaseMode `json:"phase_mode" cbor:"phase_mode"`
	SyncGroup     bool      `json:"sync_group" cbor:"sync_group"`
	MinDelta      int       `json:"min_delta" cbor:"min_delta"`
	StartedAt     float64   `json:"started_at_ts" cbor:"started_at_ts"`
}

// StartRequest carries already-validated parameters for Engine.Start.
type StartRequest struct {
	Lights        []string
	Period        float64
	Tick          float64
	MinBrightness int
	MaxBrightness int
	PhaseMode     PhaseMode
	PhaseOffset   float64
	SyncGroup     bool
	MinDelta      int
}

// Status is a point-in-time view of the engine.
type Status struct {
	ActiveLights int                   `json:"active_lights"`
	LoopRunning  bool                  `json:"loop_running"`
	Registry     map[string]CycleEntry `json:"registry"`
}

// EntityState is the part of a light's state the engine reads.
type EntityState struct {
	Brightness    int
	HasBrightness bool
}

// Persistence loads and saves the whole registry as one blob.
// Load must return an empty map, not an error, when nothing was saved yet.
type Persistence interface {
	Load(ctx context.Context) (map[string]CycleEntry, error)
	Save(ctx context.Context, entries map[string]CycleEntry) error
	Remove(ctx context.Context) error
}

// ErrStateUnavailable is returned by a StateReader for a light that exists
// but has not reported its state yet. The loop skips it without removing it.
var ErrStateUnavailable = errors.New("light state not reported yet")

// StateReader looks up the current state of a light.
// ok is false when the entity is unknown; err reports a failed lookup.
type StateReader interface {
	EntityState(ctx context.Context, id string) (state EntityState, ok bool, err error)
}

// CommandSink issues brightness changes without waiting for them.
type CommandSink interface {
	SetBrightness(id string, value int)
}

// Observer receives loop events. Implementations must not block.
type Observer interface {
	LoopTick(active int)
	EntityLost(id string)
}

type nopObserver struct{}

func (nopObserver) LoopTick(int)      {}
func (nopObserver) EntityLost(string) {}
