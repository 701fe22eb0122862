package remote

import (
	"fmt"
	"time"

	"github.com/goburrow/modbus"

	"github.com/symi-home/symi-modbus/internal/config"
)

// Client defines the subset of Modbus operations required by the hubs.
// SetUnit selects the station address for subsequent calls; callers must
// serialize SetUnit and the following request themselves.
type Client interface {
	SetUnit(slave uint8)
	ReadCoils(address, quantity uint16) ([]byte, error)
	WriteSingleCoil(address, value uint16) ([]byte, error)
	WriteMultipleCoils(address, quantity uint16, value []byte) ([]byte, error)
	WriteSingleRegister(address, value uint16) ([]byte, error)
	WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error)
	Close() error
}

// ClientFactory creates a connected Modbus client for a hub configuration.
type ClientFactory func(cfg config.HubConfig) (Client, error)

type tcpClient struct {
	handler *modbus.TCPClientHandler
	client  modbus.Client
}

// NewTCPClientFactory returns a factory that creates TCP Modbus clients.
func NewTCPClientFactory() ClientFactory {
	return func(cfg config.HubConfig) (Client, error) {
		if cfg.Host == "" {
			return nil, fmt.Errorf("hub %s: host is required", cfg.Name)
		}
		handler := modbus.NewTCPClientHandler(fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
		handler.Timeout = timeoutOrDefault(cfg.Timeout.Duration)
		if err := handler.Connect(); err != nil {
			return nil, fmt.Errorf("connect hub %s (%s:%d): %w", cfg.Name, cfg.Host, cfg.Port, err)
		}
		return &tcpClient{handler: handler, client: modbus.NewClient(handler)}, nil
	}
}

func (c *tcpClient) SetUnit(slave uint8) {
	c.handler.SlaveId = slave
}

func (c *tcpClient) ReadCoils(address, quantity uint16) ([]byte, error) {
	return c.client.ReadCoils(address, quantity)
}

func (c *tcpClient) WriteSingleCoil(address, value uint16) ([]byte, error) {
	return c.client.WriteSingleCoil(address, value)
}

func (c *tcpClient) WriteMultipleCoils(address, quantity uint16, value []byte) ([]byte, error) {
	return c.client.WriteMultipleCoils(address, quantity, value)
}

func (c *tcpClient) WriteSingleRegister(address, value uint16) ([]byte, error) {
	return c.client.WriteSingleRegister(address, value)
}

func (c *tcpClient) WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error) {
	return c.client.WriteMultipleRegisters(address, quantity, value)
}

func (c *tcpClient) Close() error {
	if c.handler != nil {
		return c.handler.Close()
	}
	return nil
}

type rtuClient struct {
	handler *modbus.RTUClientHandler
	client  modbus.Client
}

// NewRTUClientFactory returns a factory that creates serial RTU Modbus clients.
func NewRTUClientFactory() ClientFactory {
	return func(cfg config.HubConfig) (Client, error) {
		if cfg.Serial.Device == "" {
			return nil, fmt.Errorf("hub %s: serial device is required", cfg.Name)
		}
		handler := modbus.NewRTUClientHandler(cfg.Serial.Device)
		if cfg.Serial.Baudrate > 0 {
			handler.BaudRate = cfg.Serial.Baudrate
		}
		if cfg.Serial.Bytesize > 0 {
			handler.DataBits = cfg.Serial.Bytesize
		}
		if cfg.Serial.Parity != "" {
			handler.Parity = cfg.Serial.Parity
		}
		if cfg.Serial.Stopbits > 0 {
			handler.StopBits = cfg.Serial.Stopbits
		}
		handler.Timeout = timeoutOrDefault(cfg.Timeout.Duration)
		if err := handler.Connect(); err != nil {
			return nil, fmt.Errorf("connect hub %s (%s): %w", cfg.Name, cfg.Serial.Device, err)
		}
		return &rtuClient{handler: handler, client: modbus.NewClient(handler)}, nil
	}
}

func (c *rtuClient) SetUnit(slave uint8) {
	c.handler.SlaveId = slave
}

func (c *rtuClient) ReadCoils(address, quantity uint16) ([]byte, error) {
	return c.client.ReadCoils(address, quantity)
}

func (c *rtuClient) WriteSingleCoil(address, value uint16) ([]byte, error) {
	return c.client.WriteSingleCoil(address, value)
}

func (c *rtuClient) WriteMultipleCoils(address, quantity uint16, value []byte) ([]byte, error) {
	return c.client.WriteMultipleCoils(address, quantity, value)
}

func (c *rtuClient) WriteSingleRegister(address, value uint16) ([]byte, error) {
	return c.client.WriteSingleRegister(address, value)
}

func (c *rtuClient) WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error) {
	return c.client.WriteMultipleRegisters(address, quantity, value)
}

func (c *rtuClient) Close() error {
	if c.handler != nil {
		return c.handler.Close()
	}
	return nil
}

// NewFactory picks the factory matching the configured connection type.
func NewFactory(kind string) (ClientFactory, error) {
	switch kind {
	case config.ConnectionTCP:
		return NewTCPClientFactory(), nil
	case config.ConnectionSerial:
		return NewRTUClientFactory(), nil
	default:
		return nil, fmt.Errorf("unsupported connection type %q", kind)
	}
}

func timeoutOrDefault(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return 5 * time.Second
	}
	return timeout
}
