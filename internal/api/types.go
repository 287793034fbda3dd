package api

import (
	"fmt"
	"strings"

	"github.com/dokzlo13/dimmerd/internal/config"
	"github.com/dokzlo13/dimmerd/internal/dimmer"
)

// StartBody is the start request payload. Omitted fields take the
// configured defaults.
type StartBody struct {
	Lights        []string `json:"lights"`
	PeriodS       *float64 `json:"period_s,omitempty"`
	TickS         *float64 `json:"tick_s,omitempty"`
	MinBrightness *int     `json:"min_brightness,omitempty"`
	MaxBrightness *int     `json:"max_brightness,omitempty"`
	PhaseMode     *string  `json:"phase_mode,omitempty"`
	PhaseOffset   *float64 `json:"phase_offset,omitempty"`
	SyncGroup     *bool    `json:"sync_group,omitempty"`
	MinDelta      *int     `json:"min_delta,omitempty"`
}

// StopBody is the stop request payload.
type StopBody struct {
	Lights []string `json:"lights"`
}

// CheckResponse answers whether any of the queried lights is cycling.
type CheckResponse struct {
	Cycling bool     `json:"cycling"`
	Lights  []string `json:"lights"`
}

// OKResponse acknowledges a mutating command.
type OKResponse struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id,omitempty"`
}

// ValidationError describes a rejected field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func validateLights(lights []string) error {
	if len(lights) == 0 {
		return invalid("lights", "at least one light is required")
	}
	for _, id := range lights {
		if strings.TrimSpace(id) == "" {
			return invalid("lights", "light ids must not be empty")
		}
	}
	return nil
}

// toRequest applies defaults and validates the result.
func (b StartBody) toRequest(d config.StartDefaults) (dimmer.StartRequest, error) {
	req := dimmer.StartRequest{
		Lights:        b.Lights,
		Period:        d.Period.Seconds(),
		Tick:          d.Tick.Seconds(),
		MinBrightness: d.MinBrightness,
		MaxBrightness: d.MaxBrightness,
		PhaseMode:     dimmer.PhaseMode(d.PhaseMode),
		PhaseOffset:   d.PhaseOffset,
		SyncGroup:     dimmer.DefaultSyncGroup,
		MinDelta:      d.MinDelta,
	}
	if d.SyncGroup != nil {
		req.SyncGroup = *d.SyncGroup
	}

	if b.PeriodS != nil {
		req.Period = *b.PeriodS
	}
	if b.TickS != nil {
		req.Tick = *b.TickS
	}
	if b.MinBrightness != nil {
		req.MinBrightness = *b.MinBrightness
	}
	if b.MaxBrightness != nil {
		req.MaxBrightness = *b.MaxBrightness
	}
	if b.PhaseMode != nil {
		req.PhaseMode = dimmer.PhaseMode(*b.PhaseMode)
	}
	if b.PhaseOffset != nil {
		req.PhaseOffset = *b.PhaseOffset
	}
	if b.SyncGroup != nil {
		req.SyncGroup = *b.SyncGroup
	}
	if b.MinDelta != nil {
		req.MinDelta = *b.MinDelta
	}

	if err := validateLights(req.Lights); err != nil {
		return req, err
	}
	if !(req.Period > 0 && req.Period <= dimmer.MaxDurationS) {
		return req, invalid("period_s", "must be positive and at most %g", dimmer.MaxDurationS)
	}
	if !(req.Tick > 0 && req.Tick <= dimmer.MaxDurationS) {
		return req, invalid("tick_s", "must be positive and at most %g", dimmer.MaxDurationS)
	}
	if req.MinBrightness < 1 || req.MinBrightness > 255 {
		return req, invalid("min_brightness", "must be within 1..255")
	}
	if req.MaxBrightness < 1 || req.MaxBrightness > 255 {
		return req, invalid("max_brightness", "must be within 1..255")
	}
	if req.MinBrightness >= req.MaxBrightness {
		return req, invalid("min_brightness", "must be less than max_brightness")
	}
	if !req.PhaseMode.Valid() {
		return req, invalid("phase_mode", "unknown mode %q", req.PhaseMode)
	}
	if req.MinDelta < 1 || req.MinDelta > 255 {
		return req, invalid("min_delta", "must be within 1..255")
	}

	return req, nil
}
