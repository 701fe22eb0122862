package poller

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/symi-home/symi-modbus/internal/config"
	"github.com/symi-home/symi-modbus/internal/entity"
	"github.com/symi-home/symi-modbus/internal/hub"
	"github.com/symi-home/symi-modbus/telemetry"
)

// Poller drives the fixed-interval poll cycle for one hub. Every tick it
// reads the 32-coil window of each registered slave and hands the values to
// the synchronizer. A failed slave is marked unavailable for that tick and
// the cycle continues with the next slave.
type Poller struct {
	hub       *hub.Hub
	slaves    []uint8
	interval  time.Duration
	entities  *entity.Synchronizer
	collector telemetry.Collector
	logger    zerolog.Logger
}

// New builds a poller for the given hub.
func New(h *hub.Hub, entities *entity.Synchronizer, collector telemetry.Collector, logger zerolog.Logger) *Poller {
	if collector == nil {
		collector = telemetry.Noop()
	}
	interval := h.ScanInterval()
	if interval <= 0 {
		interval = time.Second
	}
	return &Poller{
		hub:       h,
		slaves:    h.Slaves(),
		interval:  interval,
		entities:  entities,
		collector: collector,
		logger:    logger.With().Str("component", "poller").Str("hub", h.Name()).Logger(),
	}
}

// Run executes the poll loop until the context is cancelled. In-flight
// transport calls finish (or time out) before Run returns.
func (p *Poller) Run(ctx context.Context) error {
	for {
		now, err := p.wait(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		p.Tick(now)
	}
}

func (p *Poller) wait(ctx context.Context) (time.Time, error) {
	timer := time.NewTimer(p.interval)
	select {
	case <-ctx.Done():
		if !timer.Stop() {
			<-timer.C
		}
		return time.Time{}, ctx.Err()
	case <-timer.C:
		return time.Now(), nil
	}
}

// Tick polls every slave on the hub once and returns the error count.
func (p *Poller) Tick(now time.Time) int {
	errorCount := 0
	start := time.Now()
	for _, slave := range p.slaves {
		if err := p.pollSlave(slave, now); err != nil {
			errorCount++
		}
	}
	duration := time.Since(start)
	p.collector.ObservePollCycle(p.hub.Name(), duration)
	p.logger.Trace().Int("slaves", len(p.slaves)).Int("errors", errorCount).Dur("duration", duration).Msg("poll cycle completed")
	return errorCount
}

func (p *Poller) pollSlave(slave uint8, now time.Time) error {
	states, err := p.hub.ReadCoils(slave, 0, config.CoilsPerSlave)
	if err != nil {
		p.entities.MarkSlaveUnavailable(slave)
		p.collector.SetSlaveAvailable(p.hub.Name(), slave, false)

		var slaveErr *hub.SlaveError
		if errors.As(err, &slaveErr) {
			p.collector.IncPollError(p.hub.Name(), "slave_exception")
			p.logger.Warn().Err(err).Uint8("slave", slave).Uint8("exception", slaveErr.ExceptionCode).Msg("device reported modbus exception")
		} else {
			p.collector.IncPollError(p.hub.Name(), "transport")
			p.logger.Error().Err(err).Uint8("slave", slave).Msg("poll read failed")
		}
		return err
	}
	p.entities.UpdateSlave(slave, states, now)
	p.collector.SetSlaveAvailable(p.hub.Name(), slave, true)
	return nil
}

// Interval returns the configured poll cadence.
func (p *Poller) Interval() time.Duration {
	return p.interval
}
