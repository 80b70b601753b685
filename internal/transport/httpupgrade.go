package transport

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"net/http"
	"net/textproto"
	"strings"

	"vlesscore/internal/vlessconfig"
)

// httpUpgradeConn is raw after a successful 101 Switching Protocols
// handshake: once upgraded, both sides treat the connection as an opaque
// byte stream, so this is a thin net.Conn wrapper with nothing left to
// frame.
type httpUpgradeConn struct {
	net.Conn
	br *bufio.Reader
}

func (c *httpUpgradeConn) Read(p []byte) (int, error) {
	if c.br.Buffered() > 0 {
		return c.br.Read(p)
	}
	return c.Conn.Read(p)
}

// DialHTTPUpgrade performs an HTTP/1.1 Upgrade handshake on raw (already
// connected, already TLS-wrapped if required) and returns the raw byte
// stream once the server replies 101 Switching Protocols (§4.5).
func DialHTTPUpgrade(raw net.Conn, params *vlessconfig.HTTPUpgradeParameters, fallbackAddr string) (net.Conn, error) {
	host := params.Host
	if host == "" {
		host = fallbackAddr
	}
	path := params.Path
	if path == "" {
		path = "/"
	}

	var req bytes.Buffer
	fmt.Fprintf(&req, "GET %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&req, "Host: %s\r\n", host)
	fmt.Fprintf(&req, "Connection: Upgrade\r\n")
	fmt.Fprintf(&req, "Upgrade: websocket\r\n")
	for k, v := range params.Headers {
		fmt.Fprintf(&req, "%s: %s\r\n", k, v)
	}
	req.WriteString("\r\n")

	if _, err := raw.Write(req.Bytes()); err != nil {
		return nil, fmt.Errorf("transport: httpupgrade write request: %w", err)
	}

	br := bufio.NewReader(raw)
	tp := textproto.NewReader(br)
	statusLine, err := tp.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("transport: httpupgrade read status: %w", err)
	}
	header, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, fmt.Errorf("transport: httpupgrade read headers: %w", err)
	}
	if !isSwitchingProtocols(statusLine) {
		return nil, fmt.Errorf("transport: httpupgrade unexpected status %q", statusLine)
	}
	if !headerTokenEqualFold(header.Get("Upgrade"), "websocket") {
		return nil, fmt.Errorf("transport: httpupgrade response missing Upgrade: websocket header (got %q)", header.Get("Upgrade"))
	}
	if !headerContainsTokenFold(header.Get("Connection"), "upgrade") {
		return nil, fmt.Errorf("transport: httpupgrade response missing Connection: upgrade header (got %q)", header.Get("Connection"))
	}

	return &httpUpgradeConn{Conn: raw, br: br}, nil
}

func isSwitchingProtocols(statusLine string) bool {
	return len(statusLine) >= len(http.StatusText(http.StatusSwitchingProtocols)) &&
		bytes.Contains([]byte(statusLine), []byte(" 101 "))
}

// headerTokenEqualFold reports whether value, trimmed of surrounding
// whitespace, case-insensitively equals want.
func headerTokenEqualFold(value, want string) bool {
	return strings.EqualFold(strings.TrimSpace(value), want)
}

// headerContainsTokenFold reports whether any comma-separated token in
// value case-insensitively equals want, per §4.5's "Connection: upgrade"
// check (real servers may send "keep-alive, Upgrade").
func headerContainsTokenFold(value, want string) bool {
	for _, tok := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(tok), want) {
			return true
		}
	}
	return false
}
