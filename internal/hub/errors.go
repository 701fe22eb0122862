package hub

import (
	"errors"
	"fmt"

	"github.com/goburrow/modbus"
)

var (
	// ErrDuplicateHub indicates a hub name collision at registration time.
	ErrDuplicateHub = errors.New("hub name already registered")
	// ErrUnknownHub indicates a lookup for a hub that is not live.
	ErrUnknownHub = errors.New("unknown hub")
	// ErrHubClosed indicates I/O against a hub after teardown.
	ErrHubClosed = errors.New("hub is closed")
)

// ConnectError reports that a hub transport could not be opened. It is fatal
// to that hub's setup.
type ConnectError struct {
	Hub string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("hub %s: connect: %v", e.Hub, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// TransportError reports a timeout or malformed response on a single call.
// It is recovered locally; the next tick retries.
type TransportError struct {
	Hub   string
	Slave uint8
	Op    string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("hub %s slave %d: %s: %v", e.Hub, e.Slave, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// SlaveError reports a Modbus exception returned by the device itself. It is
// treated like a transport failure for availability but logged distinctly.
type SlaveError struct {
	Hub           string
	Slave         uint8
	Op            string
	ExceptionCode byte
	Err           error
}

func (e *SlaveError) Error() string {
	return fmt.Sprintf("hub %s slave %d: %s: modbus exception %d: %v", e.Hub, e.Slave, e.Op, e.ExceptionCode, e.Err)
}

func (e *SlaveError) Unwrap() error { return e.Err }

// classify wraps a raw client error in the taxonomy. Device exceptions come
// back from goburrow as *modbus.ModbusError; everything else is a transport
// failure.
func classify(hubName string, slave uint8, op string, err error) error {
	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		return &SlaveError{Hub: hubName, Slave: slave, Op: op, ExceptionCode: mbErr.ExceptionCode, Err: err}
	}
	return &TransportError{Hub: hubName, Slave: slave, Op: op, Err: err}
}
