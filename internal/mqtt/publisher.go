package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/symi-home/symi-modbus/internal/config"
	"github.com/symi-home/symi-modbus/internal/entity"
)

const (
	payloadOn      = "ON"
	payloadOff     = "OFF"
	payloadOnline  = "online"
	payloadOffline = "offline"
)

// Resolver maps an entity id from a command topic back to its switch. The
// entity synchronizer satisfies this.
type Resolver interface {
	Lookup(entityID string) (entity.Switch, bool)
}

// CommandHandler is invoked for every ON/OFF command arriving on a switch's
// command topic.
type CommandHandler func(sw entity.Switch, on bool)

// Publisher bridges the entity synchronizer to an MQTT broker using the Home
// Assistant discovery convention. Each switch gets a retained config document
// under the discovery prefix, a retained state topic and a command topic the
// publisher subscribes to.
type Publisher struct {
	client   mqtt.Client
	logger   zerolog.Logger
	resolver Resolver
	handler  CommandHandler

	base        string
	prefix      string
	statusTopic string
}

// Connect dials the broker and announces the bridge online. Incoming switch
// commands are resolved through resolver and forwarded to handler.
func Connect(cfg config.MQTTConfig, resolver Resolver, handler CommandHandler, logger zerolog.Logger) (*Publisher, error) {
	base := strings.Trim(cfg.BaseTopic, "/")
	if base == "" {
		base = config.DefaultHubName
	}
	prefix := strings.Trim(cfg.DiscoveryPrefix, "/")
	if prefix == "" {
		prefix = "homeassistant"
	}

	p := &Publisher{
		logger:      logger.With().Str("component", "mqtt").Logger(),
		resolver:    resolver,
		handler:     handler,
		base:        base,
		prefix:      prefix,
		statusTopic: base + "/status",
	}

	client, err := buildClient(cfg, p.statusTopic, p.logger, p.onConnect)
	if err != nil {
		return nil, err
	}
	p.client = client
	return p, nil
}

// onConnect runs on every (re)connect so subscriptions and the online status
// survive broker restarts.
func (p *Publisher) onConnect(client mqtt.Client) {
	topic := p.base + "/+/set"
	token := client.Subscribe(topic, 1, p.handleCommand)
	if token.Wait() && token.Error() != nil {
		p.logger.Error().Err(token.Error()).Str("topic", topic).Msg("mqtt: command subscribe failed")
	}
	p.publish(p.statusTopic, 1, true, payloadOnline)
}

func (p *Publisher) handleCommand(_ mqtt.Client, msg mqtt.Message) {
	parts := strings.Split(msg.Topic(), "/")
	if len(parts) < 2 {
		return
	}
	entityID := parts[len(parts)-2]
	sw, ok := p.resolver.Lookup(entityID)
	if !ok {
		p.logger.Warn().Str("entity", entityID).Msg("mqtt: command for unknown switch")
		return
	}

	var on bool
	switch strings.ToUpper(strings.TrimSpace(string(msg.Payload()))) {
	case payloadOn:
		on = true
	case payloadOff:
		on = false
	default:
		p.logger.Warn().Str("entity", entityID).Str("payload", string(msg.Payload())).Msg("mqtt: unsupported command payload")
		return
	}

	if p.handler != nil {
		p.handler(sw, on)
	}
}

// PublishDiscovery announces one switch to Home Assistant. The config
// document is retained so the entity survives Home Assistant restarts.
func (p *Publisher) PublishDiscovery(sw entity.Switch) {
	payload := map[string]any{
		"name":                  sw.ID,
		"object_id":             sw.ID,
		"unique_id":             fmt.Sprintf("%s_%s", p.base, sw.ID),
		"state_topic":           p.stateTopic(sw),
		"command_topic":         p.commandTopic(sw),
		"payload_on":            payloadOn,
		"payload_off":           payloadOff,
		"availability_topic":    p.availabilityTopic(sw.Slave),
		"payload_available":     payloadOnline,
		"payload_not_available": payloadOffline,
		"device": map[string]any{
			"identifiers":  []string{fmt.Sprintf("%s_%s_%02X", p.base, sw.Hub, sw.Slave)},
			"name":         fmt.Sprintf("%s slave %02X", sw.Hub, sw.Slave),
			"manufacturer": "Symi",
			"model":        "Modbus relay board",
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error().Err(err).Str("entity", sw.ID).Msg("mqtt: encode discovery document")
		return
	}
	p.publish(p.discoveryTopic(sw), 1, true, body)
}

// RemoveDiscovery retracts a switch by publishing an empty retained config.
func (p *Publisher) RemoveDiscovery(sw entity.Switch) {
	p.publish(p.discoveryTopic(sw), 1, true, []byte{})
}

// PublishState mirrors a coil state to the switch's state topic.
func (p *Publisher) PublishState(sw entity.Switch, on bool) {
	payload := payloadOff
	if on {
		payload = payloadOn
	}
	p.publish(p.stateTopic(sw), 0, true, payload)
}

// PublishAvailability marks all 32 switches of a slave online or offline via
// the shared per-slave availability topic.
func (p *Publisher) PublishAvailability(hub string, slave uint8, online bool) {
	payload := payloadOffline
	if online {
		payload = payloadOnline
	}
	p.publish(p.availabilityTopic(slave), 1, true, payload)
	p.logger.Debug().Str("hub", hub).Uint8("slave", slave).Bool("online", online).Msg("mqtt: slave availability published")
}

// Close marks the bridge offline and disconnects.
func (p *Publisher) Close() {
	if p.client == nil {
		return
	}
	p.publish(p.statusTopic, 1, true, payloadOffline)
	p.client.Disconnect(250)
}

func (p *Publisher) publish(topic string, qos byte, retain bool, payload any) {
	token := p.client.Publish(topic, qos, retain, payload)
	if token.Wait() && token.Error() != nil {
		p.logger.Error().Err(token.Error()).Str("topic", topic).Msg("mqtt: publish failed")
	}
}

func (p *Publisher) discoveryTopic(sw entity.Switch) string {
	return fmt.Sprintf("%s/switch/%s/config", p.prefix, sw.ID)
}

func (p *Publisher) stateTopic(sw entity.Switch) string {
	return fmt.Sprintf("%s/%s/state", p.base, sw.ID)
}

func (p *Publisher) commandTopic(sw entity.Switch) string {
	return fmt.Sprintf("%s/%s/set", p.base, sw.ID)
}

func (p *Publisher) availabilityTopic(slave uint8) string {
	return fmt.Sprintf("%s/%02X/availability", p.base, slave)
}
