package telemetry

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by the pollers and the command
// services.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They should be inexpensive to call because hooks are
// executed inline with critical paths such as poll cycles.
type Collector interface {
	IncPollError(hub, kind string)
	ObservePollCycle(hub string, duration time.Duration)
	SetSlaveAvailable(hub string, slave uint8, available bool)
	IncServiceWrite(service, result string)
	IncHotReload(file string)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncPollError(string, string)            {}
func (noopCollector) ObservePollCycle(string, time.Duration) {}
func (noopCollector) SetSlaveAvailable(string, uint8, bool)  {}
func (noopCollector) IncServiceWrite(string, string)         {}
func (noopCollector) IncHotReload(string)                    {}

// PrometheusCollector exposes telemetry counters via Prometheus.
type PrometheusCollector struct {
	pollErrors        *prometheus.CounterVec
	pollCycleDuration *prometheus.HistogramVec
	slaveAvailable    *prometheus.GaugeVec
	serviceWrites     *prometheus.CounterVec
	hotReloads        *prometheus.CounterVec
}

var (
	pollErrorCounter           *prometheus.CounterVec
	pollErrorCounterLock       sync.Mutex
	pollCycleHistogram         *prometheus.HistogramVec
	pollCycleHistogramLock     sync.Mutex
	slaveAvailabilityGauge     *prometheus.GaugeVec
	slaveAvailabilityGaugeLock sync.Mutex
	serviceWriteCounter        *prometheus.CounterVec
	serviceWriteCounterLock    sync.Mutex
	hotReloadCounter           *prometheus.CounterVec
	hotReloadCounterLock       sync.Mutex
)

// NewPrometheusCollector registers the required metrics with the provided registerer.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	pollErrorCounterLock.Lock()
	if pollErrorCounter == nil {
		counter := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "symi_modbus_poll_errors_total",
			Help: "Number of failed slave polls per hub, partitioned by error kind.",
		}, []string{"hub", "kind"})
		if err := reg.Register(counter); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
					pollErrorCounter = existing
				} else {
					pollErrorCounterLock.Unlock()
					return nil, err
				}
			} else {
				pollErrorCounterLock.Unlock()
				return nil, err
			}
		} else {
			pollErrorCounter = counter
		}
	}
	pollErrorCounterLock.Unlock()

	pollCycleHistogramLock.Lock()
	if pollCycleHistogram == nil {
		histogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "symi_modbus_poll_cycle_duration_seconds",
			Help:    "Wall-clock duration of one full poll cycle per hub.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"hub"})
		if err := reg.Register(histogram); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := already.ExistingCollector.(*prometheus.HistogramVec); ok {
					pollCycleHistogram = existing
				} else {
					pollCycleHistogramLock.Unlock()
					return nil, err
				}
			} else {
				pollCycleHistogramLock.Unlock()
				return nil, err
			}
		} else {
			pollCycleHistogram = histogram
		}
	}
	pollCycleHistogramLock.Unlock()

	slaveAvailabilityGaugeLock.Lock()
	if slaveAvailabilityGauge == nil {
		gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "symi_modbus_slave_available",
			Help: "Whether the last poll of a slave succeeded (1) or failed (0).",
		}, []string{"hub", "slave"})
		if err := reg.Register(gauge); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := already.ExistingCollector.(*prometheus.GaugeVec); ok {
					slaveAvailabilityGauge = existing
				} else {
					slaveAvailabilityGaugeLock.Unlock()
					return nil, err
				}
			} else {
				slaveAvailabilityGaugeLock.Unlock()
				return nil, err
			}
		} else {
			slaveAvailabilityGauge = gauge
		}
	}
	slaveAvailabilityGaugeLock.Unlock()

	serviceWriteCounterLock.Lock()
	if serviceWriteCounter == nil {
		counter := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "symi_modbus_service_writes_total",
			Help: "Number of write_coil and write_register service calls, partitioned by result.",
		}, []string{"service", "result"})
		if err := reg.Register(counter); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
					serviceWriteCounter = existing
				} else {
					serviceWriteCounterLock.Unlock()
					return nil, err
				}
			} else {
				serviceWriteCounterLock.Unlock()
				return nil, err
			}
		} else {
			serviceWriteCounter = counter
		}
	}
	serviceWriteCounterLock.Unlock()

	hotReloadCounterLock.Lock()
	if hotReloadCounter == nil {
		counter := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "symi_modbus_config_hot_reload_total",
			Help: "Number of hot reload operations triggered by configuration changes.",
		}, []string{"file"})
		if err := reg.Register(counter); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
					hotReloadCounter = existing
				} else {
					hotReloadCounterLock.Unlock()
					return nil, err
				}
			} else {
				hotReloadCounterLock.Unlock()
				return nil, err
			}
		} else {
			hotReloadCounter = counter
		}
	}
	hotReloadCounterLock.Unlock()

	return &PrometheusCollector{
		pollErrors:        pollErrorCounter,
		pollCycleDuration: pollCycleHistogram,
		slaveAvailable:    slaveAvailabilityGauge,
		serviceWrites:     serviceWriteCounter,
		hotReloads:        hotReloadCounter,
	}, nil
}

// IncPollError increments the error counter for the given hub and error kind.
func (p *PrometheusCollector) IncPollError(hub, kind string) {
	if p == nil || p.pollErrors == nil {
		return
	}
	p.pollErrors.WithLabelValues(hub, kind).Inc()
}

// ObservePollCycle records the duration of one poll cycle.
func (p *PrometheusCollector) ObservePollCycle(hub string, duration time.Duration) {
	if p == nil || p.pollCycleDuration == nil {
		return
	}
	p.pollCycleDuration.WithLabelValues(hub).Observe(duration.Seconds())
}

// SetSlaveAvailable updates the availability gauge for a slave.
func (p *PrometheusCollector) SetSlaveAvailable(hub string, slave uint8, available bool) {
	if p == nil || p.slaveAvailable == nil {
		return
	}
	value := 0.0
	if available {
		value = 1.0
	}
	p.slaveAvailable.WithLabelValues(hub, strconv.Itoa(int(slave))).Set(value)
}

// IncServiceWrite records the outcome of one service write call.
func (p *PrometheusCollector) IncServiceWrite(service, result string) {
	if p == nil || p.serviceWrites == nil {
		return
	}
	p.serviceWrites.WithLabelValues(service, result).Inc()
}

// IncHotReload increments the counter for the provided file path.
func (p *PrometheusCollector) IncHotReload(file string) {
	if p == nil || p.hotReloads == nil {
		return
	}
	p.hotReloads.WithLabelValues(file).Inc()
}
