package remote

import (
	"net"
	"testing"
	"time"

	"github.com/symi-home/symi-modbus/internal/config"
)

func TestNewTCPClientFactoryRequiresHost(t *testing.T) {
	factory := NewTCPClientFactory()
	_, err := factory(config.HubConfig{Name: "x"})
	if err == nil {
		t.Fatal("expected error for missing host")
	}
}

func TestNewTCPClientFactoryConnectsAndConfigures(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	connected := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		close(connected)
		conn.Close()
	}()

	host, port := splitHostPort(t, ln.Addr().String())
	factory := NewTCPClientFactory()
	client, err := factory(config.HubConfig{Name: "test", Host: host, Port: port})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	t.Cleanup(func() {
		if err := client.Close(); err != nil {
			t.Fatalf("client.Close: %v", err)
		}
	})

	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("expected connection to be established")
	}

	tcp, ok := client.(*tcpClient)
	if !ok {
		t.Fatalf("expected *tcpClient, got %T", client)
	}
	if tcp.handler.Timeout != 5*time.Second {
		t.Fatalf("unexpected timeout: got %s want %s", tcp.handler.Timeout, 5*time.Second)
	}
	client.SetUnit(10)
	if tcp.handler.SlaveId != 10 {
		t.Fatalf("unexpected slave id after SetUnit: %d", tcp.handler.SlaveId)
	}
}

func TestNewTCPClientFactoryConnectionFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	host, port := splitHostPort(t, ln.Addr().String())
	if err := ln.Close(); err != nil {
		t.Fatalf("close listener: %v", err)
	}

	factory := NewTCPClientFactory()
	_, err = factory(config.HubConfig{Name: "test", Host: host, Port: port})
	if err == nil {
		t.Fatal("expected connection error")
	}
}

func TestNewRTUClientFactoryRequiresDevice(t *testing.T) {
	factory := NewRTUClientFactory()
	_, err := factory(config.HubConfig{Name: "x"})
	if err == nil {
		t.Fatal("expected error for missing device")
	}
}

func TestNewFactorySelectsByKind(t *testing.T) {
	if _, err := NewFactory(config.ConnectionTCP); err != nil {
		t.Fatalf("tcp factory: %v", err)
	}
	if _, err := NewFactory(config.ConnectionSerial); err != nil {
		t.Fatalf("serial factory: %v", err)
	}
	if _, err := NewFactory("udp"); err == nil {
		t.Fatal("expected error for unsupported kind")
	}
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port := 0
	for _, c := range portStr {
		port = port*10 + int(c-'0')
	}
	return host, port
}
