package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
hubs:
  - type: tcp
    host: 192.168.1.50
    port: 8899
    slave: 10
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Hubs) != 1 {
		t.Fatalf("expected one hub, got %d", len(cfg.Hubs))
	}
	hub := cfg.Hubs[0]
	if hub.Name != "modbus_tcp_10" {
		t.Fatalf("unexpected derived name %q", hub.Name)
	}
	if hub.ScanInterval.Duration != time.Second {
		t.Fatalf("expected default scan interval 1s, got %s", hub.ScanInterval.Duration)
	}
	if hub.Timeout.Duration != 5*time.Second {
		t.Fatalf("expected default timeout 5s, got %s", hub.Timeout.Duration)
	}
	if len(hub.Slaves) != 1 || hub.Slaves[0] != 10 {
		t.Fatalf("expected slave shorthand folded into list, got %v", hub.Slaves)
	}
	if cfg.MQTT.DiscoveryPrefix != "homeassistant" {
		t.Fatalf("unexpected discovery prefix %q", cfg.MQTT.DiscoveryPrefix)
	}
	if cfg.MQTT.BaseTopic != DefaultHubName {
		t.Fatalf("unexpected base topic %q", cfg.MQTT.BaseTopic)
	}
}

func TestLoadParsesDurations(t *testing.T) {
	path := writeConfig(t, `
hubs:
  - name: cabinet
    type: serial
    serial:
      device: /dev/ttyUSB0
      baudrate: 9600
      method: rtu
    slaves: [10, 11]
    scan_interval: 250ms
    timeout: 2s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	hub := cfg.Hubs[0]
	if hub.ScanInterval.Duration != 250*time.Millisecond {
		t.Fatalf("unexpected scan interval %s", hub.ScanInterval.Duration)
	}
	if hub.Timeout.Duration != 2*time.Second {
		t.Fatalf("unexpected timeout %s", hub.Timeout.Duration)
	}
}

func TestValidateRejectsDuplicateHubNames(t *testing.T) {
	cfg := &Config{Hubs: []HubConfig{
		{Name: "a", Type: ConnectionTCP, Host: "h", Port: 502, Slaves: []uint8{1}},
		{Name: "a", Type: ConnectionTCP, Host: "h", Port: 503, Slaves: []uint8{2}},
	}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected duplicate name error")
	}
}

func TestValidateRejectsSharedSlaveAddress(t *testing.T) {
	cfg := &Config{Hubs: []HubConfig{
		{Name: "a", Type: ConnectionTCP, Host: "h", Port: 502, Slaves: []uint8{10}},
		{Name: "b", Type: ConnectionTCP, Host: "h", Port: 503, Slaves: []uint8{10}},
	}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected shared slave address error")
	}
}

func TestValidateRequiresTransportFields(t *testing.T) {
	cases := []struct {
		name string
		hub  HubConfig
	}{
		{"tcp missing host", HubConfig{Name: "x", Type: ConnectionTCP, Port: 502, Slaves: []uint8{1}}},
		{"tcp bad port", HubConfig{Name: "x", Type: ConnectionTCP, Host: "h", Port: 0, Slaves: []uint8{1}}},
		{"serial missing device", HubConfig{Name: "x", Type: ConnectionSerial, Slaves: []uint8{1}}},
		{"serial bad method", HubConfig{Name: "x", Type: ConnectionSerial, Serial: SerialConfig{Device: "/dev/ttyUSB0", Method: "ascii"}, Slaves: []uint8{1}}},
		{"unknown type", HubConfig{Name: "x", Type: "udp", Slaves: []uint8{1}}},
		{"no slaves", HubConfig{Name: "x", Type: ConnectionTCP, Host: "h", Port: 502}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{Hubs: []HubConfig{tc.hub}}
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestValidateRejectsEmptyGuardExpression(t *testing.T) {
	cfg := &Config{
		Hubs:   []HubConfig{{Name: "a", Type: ConnectionTCP, Host: "h", Port: 502, Slaves: []uint8{1}}},
		Guards: []GuardConfig{{Name: "broken"}},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected guard validation error")
	}
}

func TestDerivedSerialHubName(t *testing.T) {
	path := writeConfig(t, `
hubs:
  - type: serial
    serial:
      device: /dev/ttyUSB0
    slave: 11
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Hubs[0].Name != "modbus_serial_11" {
		t.Fatalf("unexpected name %q", cfg.Hubs[0].Name)
	}
}
