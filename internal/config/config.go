package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Connection kinds supported by a hub.
const (
	ConnectionTCP    = "tcp"
	ConnectionSerial = "serial"
)

// DefaultHubName is the hub that service calls address when no hub is given.
const DefaultHubName = "symi_modbus"

// CoilsPerSlave is the fixed coil window polled for every slave.
const CoilsPerSlave = 32

// MaxSlaveAddress is the highest station address permitted by Modbus.
const MaxSlaveAddress = 247

// SerialConfig carries the RTU line parameters of a serial hub.
type SerialConfig struct {
	Device   string `yaml:"device"`
	Baudrate int    `yaml:"baudrate"`
	Bytesize int    `yaml:"bytesize"`
	Parity   string `yaml:"parity"`
	Stopbits int    `yaml:"stopbits"`
	Method   string `yaml:"method"`
}

// HubConfig describes one physical transport and the slaves behind it.
type HubConfig struct {
	Name         string       `yaml:"name"`
	Type         string       `yaml:"type"`
	Host         string       `yaml:"host"`
	Port         int          `yaml:"port"`
	Serial       SerialConfig `yaml:"serial"`
	Slave        *uint8       `yaml:"slave"`
	Slaves       []uint8      `yaml:"slaves"`
	ScanInterval Duration     `yaml:"scan_interval"`
	Timeout      Duration     `yaml:"timeout"`
}

// GuardConfig defines one write-guard expression evaluated before external
// writes are forwarded to a hub.
type GuardConfig struct {
	Name       string `yaml:"name"`
	Expression string `yaml:"expression"`
}

// MQTTAuthConfig captures username/password authentication for MQTT.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTTLSConfig allows TLS connections to the broker.
type MQTTTLSConfig struct {
	Enabled            bool   `yaml:"enabled"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	ServerName         string `yaml:"server_name"`
}

// MQTTConfig configures the broker connection and the discovery surface.
type MQTTConfig struct {
	Enabled         bool            `yaml:"enabled"`
	Broker          string          `yaml:"broker"`
	ClientID        string          `yaml:"client_id"`
	Auth            *MQTTAuthConfig `yaml:"auth"`
	TLS             *MQTTTLSConfig  `yaml:"tls"`
	KeepAlive       Duration        `yaml:"keep_alive"`
	ConnectTimeout  Duration        `yaml:"connect_timeout"`
	BaseTopic       string          `yaml:"base_topic"`
	DiscoveryPrefix string          `yaml:"discovery_prefix"`
}

// APIConfig configures the HTTP service-call endpoint.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format"`
	Loki   LokiConfig `yaml:"loki"`
}

// TelemetryConfig toggles metric collection.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider"`
}

// Config is the root configuration structure for the daemon.
type Config struct {
	HotReload bool            `yaml:"hot_reload"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	Hubs      []HubConfig     `yaml:"hubs"`
	Guards    []GuardConfig   `yaml:"guards"`
}

// Load reads and decodes the configuration file from disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults normalizes the configuration in place: hub names are derived
// when absent, the single-slave shorthand is folded into the slave list and
// zero intervals fall back to their documented defaults.
func (c *Config) ApplyDefaults() {
	for i := range c.Hubs {
		hub := &c.Hubs[i]
		if hub.Name == "" {
			hub.Name = deriveHubName(hub)
		}
		if hub.ScanInterval.Duration <= 0 {
			hub.ScanInterval.Duration = time.Second
		}
		if hub.Timeout.Duration <= 0 {
			hub.Timeout.Duration = 5 * time.Second
		}
		if hub.Slave != nil {
			hub.Slaves = append(hub.Slaves, *hub.Slave)
			hub.Slave = nil
		}
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.BaseTopic == "" {
		c.MQTT.BaseTopic = DefaultHubName
	}
	if c.API.Listen == "" {
		c.API.Listen = ":8099"
	}
}

func deriveHubName(hub *HubConfig) string {
	slave := uint8(0)
	if hub.Slave != nil {
		slave = *hub.Slave
	} else if len(hub.Slaves) > 0 {
		slave = hub.Slaves[0]
	}
	if hub.Type == ConnectionSerial {
		return fmt.Sprintf("modbus_serial_%d", slave)
	}
	return fmt.Sprintf("modbus_tcp_%d", slave)
}

// Validate checks the configuration for setup-fatal mistakes.
func (c *Config) Validate() error {
	if len(c.Hubs) == 0 {
		return fmt.Errorf("at least one hub must be configured")
	}
	names := make(map[string]struct{}, len(c.Hubs))
	slaves := make(map[uint8]string)
	for i := range c.Hubs {
		hub := &c.Hubs[i]
		if _, exists := names[hub.Name]; exists {
			return fmt.Errorf("hub %s: duplicate hub name", hub.Name)
		}
		names[hub.Name] = struct{}{}
		switch hub.Type {
		case ConnectionTCP:
			if hub.Host == "" {
				return fmt.Errorf("hub %s: tcp hub requires a host", hub.Name)
			}
			if hub.Port <= 0 || hub.Port > 0xFFFF {
				return fmt.Errorf("hub %s: invalid tcp port %d", hub.Name, hub.Port)
			}
		case ConnectionSerial:
			if hub.Serial.Device == "" {
				return fmt.Errorf("hub %s: serial hub requires a device", hub.Name)
			}
			if hub.Serial.Method != "" && hub.Serial.Method != "rtu" {
				return fmt.Errorf("hub %s: unsupported serial method %q", hub.Name, hub.Serial.Method)
			}
		default:
			return fmt.Errorf("hub %s: unsupported connection type %q", hub.Name, hub.Type)
		}
		if len(hub.Slaves) == 0 {
			return fmt.Errorf("hub %s: at least one slave address is required", hub.Name)
		}
		for _, slave := range hub.Slaves {
			if slave > MaxSlaveAddress {
				return fmt.Errorf("hub %s: slave address %d exceeds %d", hub.Name, slave, MaxSlaveAddress)
			}
			// Switch identities derive from the slave address alone, so a
			// slave address may live on exactly one hub.
			if owner, exists := slaves[slave]; exists {
				return fmt.Errorf("hub %s: slave address %d already served by hub %s", hub.Name, slave, owner)
			}
			slaves[slave] = hub.Name
		}
	}
	for _, guard := range c.Guards {
		if guard.Expression == "" {
			return fmt.Errorf("guard %s: expression must not be empty", guard.Name)
		}
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt: broker address is required")
	}
	return nil
}
