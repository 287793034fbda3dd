package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/dimmerd/internal/config"
	"github.com/dokzlo13/dimmerd/internal/entity"
	"github.com/dokzlo13/dimmerd/internal/hue"
	"github.com/dokzlo13/dimmerd/internal/mqtt"
)

// Entity id prefixes for each backend.
const (
	PrefixHue       = "hue"
	PrefixMQTT      = "mqtt"
	PrefixSimulated = "sim"
)

// BackendService wires the configured entity backends into one router.
type BackendService struct {
	cfg *config.Config

	Router     *entity.Router
	Hue        *hue.Backend
	MQTTClient *mqtt.Client
	MQTT       *mqtt.Backend
	Simulated  *entity.Memory
}

// NewBackendService creates the router and the backends that need no network.
func NewBackendService(cfg *config.Config) *BackendService {
	s := &BackendService{
		cfg:    cfg,
		Router: entity.NewRouter(),
	}

	if cfg.Hue.Enabled {
		bridge := hue.Connect(cfg.Hue.Bridge, cfg.Hue.Token)
		s.Hue = hue.NewBackend(bridge, hue.NewLightCache(cfg.Hue.CacheTTL.Duration()))
		s.Router.Register(PrefixHue, s.Hue)
	}

	if cfg.Simulator.Enabled {
		s.Simulated = entity.NewMemory(cfg.Simulator.Lights...)
		s.Router.Register(PrefixSimulated, s.Simulated)
	}

	return s
}

// Start connects network backends.
func (s *BackendService) Start(ctx context.Context) error {
	if s.cfg.MQTT.Enabled {
		client, err := mqtt.Connect(s.cfg.MQTT)
		if err != nil {
			return err
		}
		s.MQTTClient = client

		s.MQTT = mqtt.NewBackend(client, s.cfg.MQTT.BaseTopic, byte(s.cfg.MQTT.QoS))
		if err := s.MQTT.Start(ctx); err != nil {
			return fmt.Errorf("failed to subscribe to device states: %w", err)
		}
		s.Router.Register(PrefixMQTT, s.MQTT)
	}

	prefixes := s.Router.Prefixes()
	if len(prefixes) == 0 {
		log.Warn().Msg("No entity backends enabled, every light will be reported unknown")
	} else {
		log.Info().Strs("backends", prefixes).Msg("Entity backends ready")
	}
	return nil
}

// Ready reports whether every network backend is connected.
func (s *BackendService) Ready() bool {
	if s.cfg.MQTT.Enabled && (s.MQTTClient == nil || !s.MQTTClient.IsConnected()) {
		return false
	}
	return true
}

// Close releases backend connections.
func (s *BackendService) Close() {
	if s.MQTTClient != nil {
		if err := s.MQTTClient.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close MQTT client")
		}
	}
}
