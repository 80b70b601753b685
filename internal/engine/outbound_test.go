package engine

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/google/uuid"

	"vlesscore/internal/vless"
	"vlesscore/internal/vlessconfig"
)

func plainConfig(t *testing.T) *vlessconfig.VlessConfig {
	t.Helper()
	return &vlessconfig.VlessConfig{
		ServerHost: "proxy.example.com",
		ServerPort: 443,
		UUID:       uuid.New(),
		Transport:  vlessconfig.TransportTCP,
		Security:   vlessconfig.SecurityNone,
		VisionSeed: vlessconfig.DefaultVisionSeed,
	}
}

func TestDialOutboundWrapsDialerError(t *testing.T) {
	wantErr := errors.New("connection refused")
	dialer := func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, wantErr
	}

	_, _, err := dialOutbound(context.Background(), dialer, plainConfig(t), nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	if !errors.Is(err, ErrTransportDial) {
		t.Fatalf("got %v, want ErrTransportDial", err)
	}
}

func TestDialOutboundPlainTCPPassesConnThrough(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	dialer := func(ctx context.Context, network, addr string) (net.Conn, error) {
		return client, nil
	}

	conn, consumed, err := dialOutbound(context.Background(), dialer, plainConfig(t), nil)
	if err != nil {
		t.Fatalf("dialOutbound: %v", err)
	}
	if conn != client {
		t.Fatalf("plain tcp + security none should pass the raw conn through unchanged")
	}
	if consumed {
		t.Fatalf("plain tcp transport should never report early data consumed")
	}
}

func TestDialVlessWrapsHeaderErrorAsProtocolViolation(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	dialer := func(ctx context.Context, network, addr string) (net.Conn, error) {
		return client, nil
	}

	// Close the peer immediately so vless.Dial's header write/read fails,
	// without needing a full VLESS server simulation here.
	server.Close()

	cfg := plainConfig(t)
	_, err := dialVless(context.Background(), dialer, cfg, vless.CommandTCP, vless.AddrDomain, "example.com", 443, nil)
	if err == nil {
		t.Fatal("expected an error once the peer is closed")
	}
}
