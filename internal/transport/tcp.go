// Package transport implements the client-side stream transports VLESS can
// run over (§4.5): plain TCP, WebSocket, HTTP-Upgrade and XHTTP. Each dialer
// takes an already-established TCP (or TLS) conn to the proxy server and
// returns a net.Conn that frames application bytes the way the chosen
// transport expects; the VLESS request/response header and any Vision/Reality
// layering happen above this package.
package transport

import (
	"context"
	"fmt"
	"net"

	"vlesscore/internal/vlessconfig"
)

// Dialer opens the underlying network connection for a transport, given a
// context and the "host:port" to connect to. Real dials use net.Dialer;
// tests substitute an in-memory pipe.
type Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

// DefaultDialer dials with the standard library's net.Dialer.
func DefaultDialer(ctx context.Context, network, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, addr)
}

// Dial opens a transport-layer connection to cfg's server according to
// cfg.Transport. The returned net.Conn carries raw framed bytes; TLS/Reality
// wrapping, if any, is applied by the caller to raw before calling Dial, for
// every transport including xhttp. Dial itself never adds TLS.
//
// earlyData is the caller's already-encoded VLESS request header, offered
// to transports that can embed it in the handshake itself (WebSocket early
// data, §4.5); the second return reports whether the transport consumed it
// that way, in which case the caller must not write it again.
func Dial(ctx context.Context, dial Dialer, cfg *vlessconfig.VlessConfig, raw net.Conn, earlyData []byte) (net.Conn, bool, error) {
	addr := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort)
	switch cfg.Transport {
	case vlessconfig.TransportTCP, "":
		return raw, false, nil
	case vlessconfig.TransportWS:
		return DialWebSocket(raw, &cfg.WS, addr, earlyData)
	case vlessconfig.TransportHTTPUpgrade:
		conn, err := DialHTTPUpgrade(raw, &cfg.HTTPUpgrade, addr)
		return conn, false, err
	case vlessconfig.TransportXHTTP:
		conn, err := DialXHTTP(ctx, raw, &cfg.XHTTP, addr)
		return conn, false, err
	default:
		return nil, false, fmt.Errorf("transport: unsupported transport %q", cfg.Transport)
	}
}
