package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestNoopCollector(t *testing.T) {
	collector := Noop()
	require.NotNil(t, collector)
	collector.IncPollError("modbus_tcp_10", "transport")
	collector.ObservePollCycle("modbus_tcp_10", time.Millisecond)
	collector.SetSlaveAvailable("modbus_tcp_10", 10, true)
	collector.IncServiceWrite("write_coil", "ok")
	collector.IncHotReload("config.yaml")
}

func TestPrometheusCollectorRegistersAndReusesCounter(t *testing.T) {
	resetMetrics()

	reg := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.NotNil(t, collector)

	collector.IncPollError("modbus_tcp_10", "transport")

	metric := findMetric(t, reg, "symi_modbus_poll_errors_total")
	requireCounterValue(t, metric, 1)

	again, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	again.IncPollError("modbus_tcp_10", "transport")

	metric = findMetric(t, reg, "symi_modbus_poll_errors_total")
	requireCounterValue(t, metric, 2)
}

func TestPrometheusCollectorSlaveAvailability(t *testing.T) {
	resetMetrics()

	reg := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(reg)
	require.NoError(t, err)

	collector.SetSlaveAvailable("modbus_tcp_10", 10, true)

	metric := findMetric(t, reg, "symi_modbus_slave_available")
	require.Len(t, metric.GetMetric(), 1)
	require.Equal(t, 1.0, metric.GetMetric()[0].GetGauge().GetValue())

	collector.SetSlaveAvailable("modbus_tcp_10", 10, false)

	metric = findMetric(t, reg, "symi_modbus_slave_available")
	require.Equal(t, 0.0, metric.GetMetric()[0].GetGauge().GetValue())
}

func TestPrometheusCollectorObservesCycles(t *testing.T) {
	resetMetrics()

	reg := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(reg)
	require.NoError(t, err)

	collector.ObservePollCycle("modbus_tcp_10", 5*time.Millisecond)
	collector.ObservePollCycle("modbus_tcp_10", 7*time.Millisecond)

	metric := findMetric(t, reg, "symi_modbus_poll_cycle_duration_seconds")
	require.Len(t, metric.GetMetric(), 1)
	require.Equal(t, uint64(2), metric.GetMetric()[0].GetHistogram().GetSampleCount())
}

func TestPrometheusCollectorServiceWrites(t *testing.T) {
	resetMetrics()

	reg := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(reg)
	require.NoError(t, err)

	collector.IncServiceWrite("write_register", "validation_error")

	metric := findMetric(t, reg, "symi_modbus_service_writes_total")
	requireCounterValue(t, metric, 1)
}

func TestPrometheusCollectorHotReloads(t *testing.T) {
	resetMetrics()

	reg := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(reg)
	require.NoError(t, err)

	collector.IncHotReload("config.yaml")

	metric := findMetric(t, reg, "symi_modbus_config_hot_reload_total")
	requireCounterValue(t, metric, 1)
}

func resetMetrics() {
	pollErrorCounterLock.Lock()
	pollErrorCounter = nil
	pollErrorCounterLock.Unlock()
	pollCycleHistogramLock.Lock()
	pollCycleHistogram = nil
	pollCycleHistogramLock.Unlock()
	slaveAvailabilityGaugeLock.Lock()
	slaveAvailabilityGauge = nil
	slaveAvailabilityGaugeLock.Unlock()
	serviceWriteCounterLock.Lock()
	serviceWriteCounter = nil
	serviceWriteCounterLock.Unlock()
	hotReloadCounterLock.Lock()
	hotReloadCounter = nil
	hotReloadCounterLock.Unlock()
}

func findMetric(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() == name {
			return family
		}
	}
	t.Fatalf("metric %s not gathered", name)
	return nil
}

func requireCounterValue(t *testing.T, family *dto.MetricFamily, expected float64) {
	t.Helper()
	require.Len(t, family.GetMetric(), 1)
	require.Equal(t, expected, family.GetMetric()[0].GetCounter().GetValue())
}
