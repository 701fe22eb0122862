package service

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/symi-home/symi-modbus/internal/config"
	"github.com/symi-home/symi-modbus/internal/entity"
	"github.com/symi-home/symi-modbus/internal/hub"
	"github.com/symi-home/symi-modbus/internal/mqtt"
	"github.com/symi-home/symi-modbus/internal/poller"
	"github.com/symi-home/symi-modbus/internal/remote"
	"github.com/symi-home/symi-modbus/telemetry"
)

// Service wires the hub registry, the entity synchronizer, the pollers and
// the external command surfaces (MQTT and HTTP) into one runnable unit.
type Service struct {
	cfg       *config.Config
	logger    zerolog.Logger
	collector telemetry.Collector

	registry  *hub.Registry
	entities  *entity.Synchronizer
	commands  *Commands
	pollers   []*poller.Poller
	publisher *mqtt.Publisher
	apiServer *apiServer
}

// switchablePublisher lets the synchronizer exist before the MQTT connection
// does. Events published before the target is set are dropped; slave
// registration happens only after the target is in place.
type switchablePublisher struct {
	mu     sync.RWMutex
	target entity.Publisher
}

func (p *switchablePublisher) set(target entity.Publisher) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.target = target
}

func (p *switchablePublisher) get() entity.Publisher {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.target
}

func (p *switchablePublisher) PublishDiscovery(sw entity.Switch) {
	if t := p.get(); t != nil {
		t.PublishDiscovery(sw)
	}
}

func (p *switchablePublisher) RemoveDiscovery(sw entity.Switch) {
	if t := p.get(); t != nil {
		t.RemoveDiscovery(sw)
	}
}

func (p *switchablePublisher) PublishState(sw entity.Switch, on bool) {
	if t := p.get(); t != nil {
		t.PublishState(sw, on)
	}
}

func (p *switchablePublisher) PublishAvailability(hubName string, slave uint8, online bool) {
	if t := p.get(); t != nil {
		t.PublishAvailability(hubName, slave, online)
	}
}

// New validates the configuration, opens every hub transport, registers the
// slaves and prepares the pollers and command surfaces. A hub that cannot be
// dialed is fatal to setup; everything opened so far is torn down again. A
// nil factory dials real transports.
func New(cfg *config.Config, logger zerolog.Logger, collector telemetry.Collector, factory remote.ClientFactory) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if collector == nil {
		collector = telemetry.Noop()
	}

	publisher := &switchablePublisher{}
	entities := entity.NewSynchronizer(publisher, logger)
	registry := hub.NewRegistry()

	svc := &Service{
		cfg:       cfg,
		logger:    logger,
		collector: collector,
		registry:  registry,
		entities:  entities,
	}

	commands, err := NewCommands(registry, entities, cfg.Guards, collector, logger)
	if err != nil {
		return nil, err
	}
	svc.commands = commands

	if cfg.MQTT.Enabled {
		bridge, err := mqtt.Connect(cfg.MQTT, entities, commands.TurnSwitch, logger)
		if err != nil {
			return nil, err
		}
		svc.publisher = bridge
		publisher.set(bridge)
	}

	for _, hubCfg := range cfg.Hubs {
		opened, err := registry.Open(hubCfg, factory, logger)
		if err != nil {
			svc.Close()
			return nil, err
		}
		for _, slave := range hubCfg.Slaves {
			if err := entities.RegisterSlave(opened.Name(), slave); err != nil {
				svc.Close()
				return nil, err
			}
		}
		svc.pollers = append(svc.pollers, poller.New(opened, entities, collector, logger))
	}

	if cfg.API.Enabled {
		server, err := newAPIServer(cfg.API.Listen, svc, logger)
		if err != nil {
			svc.Close()
			return nil, err
		}
		svc.apiServer = server
	}

	return svc, nil
}

// Commands exposes the service-call layer, mainly for tests.
func (s *Service) Commands() *Commands {
	return s.commands
}

// Entities exposes the entity synchronizer, mainly for tests.
func (s *Service) Entities() *entity.Synchronizer {
	return s.entities
}

// APIAddr returns the bound HTTP listen address, or "" when the API is off.
func (s *Service) APIAddr() string {
	return s.apiServer.addr()
}

// Run drives all pollers until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info().Int("hubs", len(s.pollers)).Msg("service started")
	var wg sync.WaitGroup
	for _, p := range s.pollers {
		wg.Add(1)
		go func(p *poller.Poller) {
			defer wg.Done()
			if err := p.Run(ctx); err != nil {
				s.logger.Error().Err(err).Msg("poller stopped with error")
			}
		}(p)
	}
	wg.Wait()
	s.logger.Info().Msg("service stopped")
	return nil
}

// Close tears the service down in reverse setup order. Safe to call after a
// partially failed New.
func (s *Service) Close() {
	if s.apiServer != nil {
		s.apiServer.close()
		s.apiServer = nil
	}
	if s.registry != nil {
		s.registry.CloseAll()
	}
	if s.publisher != nil {
		s.publisher.Close()
		s.publisher = nil
	}
}
