package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/symi-home/symi-modbus/internal/config"
	"github.com/symi-home/symi-modbus/internal/entity"
	"github.com/symi-home/symi-modbus/internal/hub"
	"github.com/symi-home/symi-modbus/telemetry"
)

// ErrValidation marks a request rejected before any transport I/O happened.
var ErrValidation = errors.New("invalid service call")

const (
	serviceWriteCoil     = "write_coil"
	serviceWriteRegister = "write_register"
)

// Commands implements the write_coil and write_register service calls.
// Requests are validated and checked against the guard chain first; only
// requests that pass reach the hub transport.
type Commands struct {
	registry  *hub.Registry
	entities  *entity.Synchronizer
	guards    *guardChain
	collector telemetry.Collector
	logger    zerolog.Logger
}

// NewCommands builds the command layer on top of an opened hub registry.
func NewCommands(registry *hub.Registry, entities *entity.Synchronizer, guardCfgs []config.GuardConfig, collector telemetry.Collector, logger zerolog.Logger) (*Commands, error) {
	guards, err := compileGuards(guardCfgs)
	if err != nil {
		return nil, err
	}
	if collector == nil {
		collector = telemetry.Noop()
	}
	return &Commands{
		registry:  registry,
		entities:  entities,
		guards:    guards,
		collector: collector,
		logger:    logger.With().Str("component", "commands").Logger(),
	}, nil
}

// WriteCoil writes len(states) coils contiguously starting at address. The
// written values are applied to the matching switch entities immediately so
// the UI does not wait for the next poll.
func (c *Commands) WriteCoil(hubName string, slave, address int, states []bool) error {
	hubName = c.defaultHub(hubName)
	if err := c.validate(hubName, slave, address, len(states)); err != nil {
		c.collector.IncServiceWrite(serviceWriteCoil, "validation_error")
		return err
	}
	if err := c.guards.check(hubName, slave, address, "coil", len(states)); err != nil {
		c.collector.IncServiceWrite(serviceWriteCoil, "guard_rejected")
		return err
	}
	target, err := c.registry.Get(hubName)
	if err != nil {
		c.collector.IncServiceWrite(serviceWriteCoil, "unknown_hub")
		return err
	}
	if err := target.WriteCoils(uint8(slave), uint16(address), states); err != nil {
		c.collector.IncServiceWrite(serviceWriteCoil, "write_error")
		c.logger.Error().Err(err).Str("hub", hubName).Int("slave", slave).Int("address", address).Msg("coil write failed")
		return err
	}

	// The optimistic update only applies when the slave's entities belong to
	// the hub the write went to. The same slave address may be registered
	// under a different hub.
	if owner, ok := c.entities.SlaveHub(uint8(slave)); ok && owner == hubName {
		now := time.Now()
		for i, on := range states {
			coil := address + i
			if coil >= config.CoilsPerSlave {
				break
			}
			c.entities.Update(uint8(slave), uint8(coil), on, now)
		}
	}
	c.collector.IncServiceWrite(serviceWriteCoil, "ok")
	c.logger.Debug().Str("hub", hubName).Int("slave", slave).Int("address", address).Int("count", len(states)).Msg("coils written")
	return nil
}

// WriteRegister writes len(values) holding registers contiguously starting at
// address.
func (c *Commands) WriteRegister(hubName string, slave, address int, values []int) error {
	hubName = c.defaultHub(hubName)
	if err := c.validate(hubName, slave, address, len(values)); err != nil {
		c.collector.IncServiceWrite(serviceWriteRegister, "validation_error")
		return err
	}
	registers := make([]uint16, len(values))
	for i, v := range values {
		if v < 0 || v > 0xFFFF {
			c.collector.IncServiceWrite(serviceWriteRegister, "validation_error")
			return fmt.Errorf("%w: register value %d out of range 0..65535", ErrValidation, v)
		}
		registers[i] = uint16(v)
	}
	if err := c.guards.check(hubName, slave, address, "register", len(values)); err != nil {
		c.collector.IncServiceWrite(serviceWriteRegister, "guard_rejected")
		return err
	}
	target, err := c.registry.Get(hubName)
	if err != nil {
		c.collector.IncServiceWrite(serviceWriteRegister, "unknown_hub")
		return err
	}
	if err := target.WriteRegisters(uint8(slave), uint16(address), registers); err != nil {
		c.collector.IncServiceWrite(serviceWriteRegister, "write_error")
		c.logger.Error().Err(err).Str("hub", hubName).Int("slave", slave).Int("address", address).Msg("register write failed")
		return err
	}
	c.collector.IncServiceWrite(serviceWriteRegister, "ok")
	c.logger.Debug().Str("hub", hubName).Int("slave", slave).Int("address", address).Int("count", len(values)).Msg("registers written")
	return nil
}

// TurnSwitch services an MQTT command for a single switch.
func (c *Commands) TurnSwitch(sw entity.Switch, on bool) {
	if err := c.WriteCoil(sw.Hub, int(sw.Slave), int(sw.Coil), []bool{on}); err != nil {
		c.logger.Error().Err(err).Str("entity", sw.ID).Bool("on", on).Msg("switch command failed")
	}
}

func (c *Commands) defaultHub(hubName string) string {
	if hubName == "" {
		return config.DefaultHubName
	}
	return hubName
}

func (c *Commands) validate(hubName string, slave, address, count int) error {
	if slave < 0 || slave > config.MaxSlaveAddress {
		return fmt.Errorf("%w: slave address %d out of range 0..%d", ErrValidation, slave, config.MaxSlaveAddress)
	}
	if address < 0 || address > 0xFFFF {
		return fmt.Errorf("%w: address %d out of range 0..65535", ErrValidation, address)
	}
	if count == 0 {
		return fmt.Errorf("%w: at least one value is required", ErrValidation)
	}
	if hubName == "" {
		return fmt.Errorf("%w: hub name must not be empty", ErrValidation)
	}
	return nil
}
