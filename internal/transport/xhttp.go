package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"

	"vlesscore/internal/vlessconfig"
)

// xhttpStreamOneConn runs XHTTP's stream-one sub-mode (§4.5): a single
// long-lived HTTP/2 POST whose request body is an io.Pipe the client keeps
// writing to, and whose response body is read as the downlink. http2.Transport
// multiplexes this over raw the same way it would over any other HTTP/2
// connection; raw must already be past ALPN negotiation when TLS/Reality is
// in use.
type xhttpStreamOneConn struct {
	pw *io.PipeWriter
	pr io.ReadCloser // response body

	closed atomic.Bool
	raw    net.Conn

	wMu sync.Mutex
}

func (c *xhttpStreamOneConn) Read(p []byte) (int, error)  { return c.pr.Read(p) }
func (c *xhttpStreamOneConn) Write(p []byte) (int, error) {
	c.wMu.Lock()
	defer c.wMu.Unlock()
	return c.pw.Write(p)
}

func (c *xhttpStreamOneConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = c.pw.Close()
	_ = c.pr.Close()
	return c.raw.Close()
}

func (c *xhttpStreamOneConn) LocalAddr() net.Addr                { return c.raw.LocalAddr() }
func (c *xhttpStreamOneConn) RemoteAddr() net.Addr               { return c.raw.RemoteAddr() }
func (c *xhttpStreamOneConn) SetDeadline(t time.Time) error      { return c.raw.SetDeadline(t) }
func (c *xhttpStreamOneConn) SetReadDeadline(t time.Time) error  { return c.raw.SetReadDeadline(t) }
func (c *xhttpStreamOneConn) SetWriteDeadline(t time.Time) error { return c.raw.SetWriteDeadline(t) }

// DialXHTTP opens an XHTTP transport on raw. Only stream-one is implemented
// as a genuine bidirectional stream; packet-up is accepted as a config value
// (for share-URL compatibility) but degrades to stream-one's framing since
// this engine has no intermediate CDN hop to exploit packet-up's advantage
// over.
func DialXHTTP(ctx context.Context, raw net.Conn, params *vlessconfig.XHTTPParameters, fallbackAddr string) (net.Conn, error) {
	host := params.Host
	if host == "" {
		host = fallbackAddr
	}
	path := params.Path
	if path == "" {
		path = "/"
	}

	tr := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
			return raw, nil
		},
	}

	pr, pw := io.Pipe()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://"+host+path, pr)
	if err != nil {
		return nil, fmt.Errorf("transport: xhttp request: %w", err)
	}
	if !params.NoGRPCHeader {
		req.Header.Set("Content-Type", "application/grpc")
	}

	clientConn, err := tr.NewClientConn(raw)
	if err != nil {
		return nil, fmt.Errorf("transport: xhttp http2 handshake: %w", err)
	}

	resp, err := clientConn.RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("transport: xhttp round trip: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("transport: xhttp unexpected status %d", resp.StatusCode)
	}

	return &xhttpStreamOneConn{pw: pw, pr: resp.Body, raw: raw}, nil
}
