package hub

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/symi-home/symi-modbus/internal/config"
	"github.com/symi-home/symi-modbus/internal/remote"
)

// Hub owns exactly one Modbus transport. All I/O through the transport is
// serialized by the hub's mutex; poll reads and service writes contend on it
// and every call carries the client's bounded timeout.
type Hub struct {
	name    string
	cfg     config.HubConfig
	factory remote.ClientFactory
	logger  zerolog.Logger

	mu     sync.Mutex
	client remote.Client
	closed bool
}

// New opens the transport for the given hub configuration. A transport that
// cannot be dialed is fatal to this hub's setup.
func New(cfg config.HubConfig, factory remote.ClientFactory, logger zerolog.Logger) (*Hub, error) {
	if factory == nil {
		var err error
		factory, err = remote.NewFactory(cfg.Type)
		if err != nil {
			return nil, &ConnectError{Hub: cfg.Name, Err: err}
		}
	}
	client, err := factory(cfg)
	if err != nil {
		return nil, &ConnectError{Hub: cfg.Name, Err: err}
	}
	return &Hub{
		name:    cfg.Name,
		cfg:     cfg,
		factory: factory,
		logger:  logger.With().Str("hub", cfg.Name).Logger(),
		client:  client,
	}, nil
}

// Name returns the logical hub name used by service calls.
func (h *Hub) Name() string { return h.name }

// Slaves returns the station addresses configured on this hub.
func (h *Hub) Slaves() []uint8 {
	return append([]uint8(nil), h.cfg.Slaves...)
}

// ScanInterval returns the poll cadence for this hub.
func (h *Hub) ScanInterval() time.Duration {
	return h.cfg.ScanInterval.Duration
}

// ReadCoils reads quantity coils starting at start from the given slave.
func (h *Hub) ReadCoils(slave uint8, start, quantity uint16) ([]bool, error) {
	var states []bool
	err := h.call(slave, "read_coils", func(client remote.Client) error {
		raw, err := client.ReadCoils(start, quantity)
		if err != nil {
			return err
		}
		decoded, err := decodeCoils(raw, quantity)
		if err != nil {
			return err
		}
		states = decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return states, nil
}

// WriteCoils writes one or more coils contiguously starting at address. A
// single state uses function code 05, several use function code 15.
func (h *Hub) WriteCoils(slave uint8, address uint16, states []bool) error {
	if len(states) == 0 {
		return fmt.Errorf("hub %s: no coil states to write", h.name)
	}
	return h.call(slave, "write_coils", func(client remote.Client) error {
		if len(states) == 1 {
			value := uint16(0x0000)
			if states[0] {
				value = 0xFF00
			}
			_, err := client.WriteSingleCoil(address, value)
			return err
		}
		_, err := client.WriteMultipleCoils(address, uint16(len(states)), encodeCoils(states))
		return err
	})
}

// WriteRegisters writes one or more holding registers contiguously starting
// at address. A single value uses function code 06, several use code 16.
func (h *Hub) WriteRegisters(slave uint8, address uint16, values []uint16) error {
	if len(values) == 0 {
		return fmt.Errorf("hub %s: no register values to write", h.name)
	}
	return h.call(slave, "write_registers", func(client remote.Client) error {
		if len(values) == 1 {
			_, err := client.WriteSingleRegister(address, values[0])
			return err
		}
		payload := make([]byte, 0, len(values)*2)
		for _, v := range values {
			payload = append(payload, byte(v>>8), byte(v))
		}
		_, err := client.WriteMultipleRegisters(address, uint16(len(values)), payload)
		return err
	})
}

// call serializes transport access, selects the station address and
// classifies failures. A transport failure closes the client so the next
// call redials; a device exception keeps the connection.
func (h *Hub) call(slave uint8, op string, fn func(remote.Client) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("hub %s: %w", h.name, ErrHubClosed)
	}
	client, err := h.ensureClient()
	if err != nil {
		return &TransportError{Hub: h.name, Slave: slave, Op: op, Err: err}
	}
	client.SetUnit(slave)
	if err := fn(client); err != nil {
		classified := classify(h.name, slave, op, err)
		if _, ok := classified.(*TransportError); ok {
			h.closeClientLocked()
		}
		return classified
	}
	return nil
}

func (h *Hub) ensureClient() (remote.Client, error) {
	if h.client != nil {
		return h.client, nil
	}
	client, err := h.factory(h.cfg)
	if err != nil {
		return nil, err
	}
	h.logger.Info().Msg("transport reconnected")
	h.client = client
	return client, nil
}

func (h *Hub) closeClientLocked() {
	if h.client == nil {
		return
	}
	_ = h.client.Close()
	h.client = nil
}

// Close releases the transport. It is safe to call multiple times.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.closeClientLocked()
	return nil
}

// decodeCoils expands goburrow's packed LSB-first coil payload.
func decodeCoils(payload []byte, quantity uint16) ([]bool, error) {
	needed := (int(quantity) + 7) / 8
	if len(payload) < needed {
		return nil, fmt.Errorf("coil payload too short: got %d bytes, need %d", len(payload), needed)
	}
	states := make([]bool, quantity)
	for i := range states {
		states[i] = (payload[i/8]>>(uint(i)%8))&0x01 == 1
	}
	return states, nil
}

// encodeCoils packs coil states LSB-first for function code 15.
func encodeCoils(states []bool) []byte {
	payload := make([]byte, (len(states)+7)/8)
	for i, on := range states {
		if on {
			payload[i/8] |= 1 << (uint(i) % 8)
		}
	}
	return payload
}
