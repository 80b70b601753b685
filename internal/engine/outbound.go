// Package engine wires the userspace stack, the domain router, the fake-IP
// pool and the VLESS/Reality/transport/mux layers into the running data
// path: the TCP connection handler (§4.2), the UDP flow handler (§4.8), and
// the reload controller (§4.9).
package engine

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"vlesscore/internal/core"
	"vlesscore/internal/reality"
	"vlesscore/internal/transport"
	"vlesscore/internal/vless"
	"vlesscore/internal/vlessconfig"
)

// dialOutbound opens the transport-layer connection to cfg's server: raw
// TCP, then TLS or Reality if cfg.Security asks for it, then the chosen
// stream transport (ws/httpupgrade/xhttp/plain). earlyData is the VLESS
// request header the caller is prepared to hand to a transport that can
// embed it in its own handshake (WebSocket early data, §4.5); the second
// return reports whether that happened.
func dialOutbound(ctx context.Context, dialer transport.Dialer, cfg *vlessconfig.VlessConfig, earlyData []byte) (net.Conn, bool, error) {
	host := cfg.ServerHost
	if cfg.ResolvedIP != "" {
		host = cfg.ResolvedIP
	}
	addr := fmt.Sprintf("%s:%d", host, cfg.ServerPort)

	raw, err := dialer(ctx, "tcp", addr)
	if err != nil {
		return nil, false, fmt.Errorf("%w: dial %s: %s", ErrTransportDial, addr, err)
	}

	secured := raw
	switch cfg.Security {
	case vlessconfig.SecurityTLS:
		tlsConn := tls.Client(raw, &tls.Config{
			ServerName:         cfg.TLS.ServerName,
			InsecureSkipVerify: cfg.TLS.AllowInsecure,
			NextProtos:         cfg.TLS.ALPN,
		})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			raw.Close()
			return nil, false, fmt.Errorf("%w: tls handshake to %s: %s", ErrTransportDial, addr, err)
		}
		secured = tlsConn
	case vlessconfig.SecurityReality:
		rc, err := reality.ClientHandshake(raw, cfg.Reality, time.Now())
		if err != nil {
			raw.Close()
			return nil, false, fmt.Errorf("%w: reality handshake to %s: %s", ErrTransportDial, addr, err)
		}
		secured = rc
	}

	wrapped, consumed, err := transport.Dial(ctx, dialer, cfg, secured, earlyData)
	if err != nil {
		secured.Close()
		return nil, false, fmt.Errorf("%w: transport setup to %s: %s", ErrTransportDial, addr, err)
	}
	return wrapped, consumed, nil
}

// dialVless opens a full VLESS connection to cfg's server for one proxied
// flow: transport/security setup, then the VLESS request header. The header
// is encoded up front so a WebSocket transport can offer it as early data
// (§4.5) instead of it always being a separate write after the handshake.
func dialVless(ctx context.Context, dialer transport.Dialer, cfg *vlessconfig.VlessConfig, cmd vless.Command, atyp vless.AddrType, addr string, port uint16, globalID []byte) (*vless.Conn, error) {
	header, err := vless.EncodeRequest(vless.Request{
		UUID:     cfg.UUID,
		Flow:     string(cfg.Flow),
		GlobalID: globalID,
		Command:  cmd,
		Port:     port,
		AddrType: atyp,
		Addr:     addr,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encode vless request: %s", ErrProtocolViolation, err)
	}

	conn, headerSent, err := dialOutbound(ctx, dialer, cfg, header)
	if err != nil {
		return nil, err
	}
	vc, err := vless.Dial(conn, cfg.UUID, string(cfg.Flow), globalID, cmd, atyp, addr, port, cfg.VisionSeed, headerSent)
	if err != nil {
		conn.Close()
		core.Log.Warnf("VLESS", "dial to %s:%d failed: %v", cfg.ServerHost, cfg.ServerPort, err)
		return nil, fmt.Errorf("%w: %s", ErrProtocolViolation, err)
	}
	return vc, nil
}
