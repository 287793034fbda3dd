package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/dimmerd/internal/ledger"
)

// Error is the JSON error body.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	ErrCodeBadRequest = "bad_request"
	ErrCodeValidation = "validation_error"
	ErrCodeInternal   = "internal_error"
)

const (
	auditSource       = "api"
	defaultEventLimit = 50
	maxEventLimit     = 1000
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{Status: status, Code: code, Message: message})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeValidation(w http.ResponseWriter, err error) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, verr.Error())
		return
	}
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
}

func (s *Server) record(r *http.Request, eventType ledger.EventType, payload map[string]any) {
	if s.audit == nil {
		return
	}
	if _, err := s.audit.Append(r.Context(), eventType, requestIDFrom(r.Context()), auditSource, payload); err != nil {
		log.Warn().Err(err).Str("event_type", string(eventType)).Msg("Failed to record ledger event")
	}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var body StartBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	req, err := body.toRequest(s.defaults)
	if err != nil {
		writeValidation(w, err)
		return
	}

	if err := s.engine.Start(r.Context(), req); err != nil {
		log.Error().Err(err).Strs("lights", req.Lights).Msg("Start failed")
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	s.record(r, ledger.EventCycleStarted, map[string]any{
		"lights":         req.Lights,
		"period_s":       req.Period,
		"tick_s":         req.Tick,
		"min_brightness": req.MinBrightness,
		"max_brightness": req.MaxBrightness,
		"phase_mode":     string(req.PhaseMode),
		"phase_offset":   req.PhaseOffset,
		"sync_group":     req.SyncGroup,
		"min_delta":      req.MinDelta,
	})
	s.metrics.SetActive(s.engine.Status().ActiveLights)

	writeJSON(w, http.StatusOK, OKResponse{Status: "ok", RequestID: requestIDFrom(r.Context())})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var body StopBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if err := validateLights(body.Lights); err != nil {
		writeValidation(w, err)
		return
	}

	if err := s.engine.Stop(r.Context(), body.Lights); err != nil {
		log.Error().Err(err).Strs("lights", body.Lights).Msg("Stop failed")
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	s.record(r, ledger.EventCycleStopped, map[string]any{"lights": body.Lights})
	s.metrics.SetActive(s.engine.Status().ActiveLights)

	writeJSON(w, http.StatusOK, OKResponse{Status: "ok", RequestID: requestIDFrom(r.Context())})
}

func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.StopAll(r.Context()); err != nil {
		log.Error().Err(err).Msg("Stop all failed")
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	s.record(r, ledger.EventCyclesStoppedAll, nil)
	s.metrics.SetActive(0)

	writeJSON(w, http.StatusOK, OKResponse{Status: "ok", RequestID: requestIDFrom(r.Context())})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.engine.Status()

	log.Info().
		Int("active_lights", status.ActiveLights).
		Bool("loop_running", status.LoopRunning).
		Interface("registry", status.Registry).
		Msg("Cycle status")

	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	lights := r.URL.Query()["light"]
	if err := validateLights(lights); err != nil {
		writeValidation(w, err)
		return
	}

	writeJSON(w, http.StatusOK, CheckResponse{
		Cycling: s.engine.IsCycling(lights...),
		Lights:  lights,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeJSON(w, http.StatusOK, []*ledger.Entry{})
		return
	}

	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxEventLimit {
			writeError(w, http.StatusBadRequest, ErrCodeValidation, "limit must be within 1..1000")
			return
		}
		limit = n
	}

	entries, err := s.audit.GetByType(r.Context(), ledger.EventType(r.URL.Query().Get("type")), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	if entries == nil {
		entries = []*ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
