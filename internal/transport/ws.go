package transport

import (
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"vlesscore/internal/vlessconfig"
)

// defaultUserAgent is sent when params.Headers carries no User-Agent of its
// own, so the WS handshake looks like a real Chrome client by default (§4.5).
const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// wsConn adapts a *websocket.Conn to net.Conn, writing/reading binary
// messages and buffering partial reads across Read calls (a WS message can
// be larger or smaller than the caller's buffer).
type wsConn struct {
	conn   *websocket.Conn
	reader io.Reader

	rMu sync.Mutex
	wMu sync.Mutex

	heartbeatStop chan struct{}
	heartbeatOnce sync.Once
}

// startHeartbeat sends a ping every period and closes the connection on the
// first failed send (§4.5's "optional heartbeat ... cancel on send
// failure"). A non-positive period disables the heartbeat.
func (c *wsConn) startHeartbeat(period time.Duration) {
	if period <= 0 {
		return
	}
	c.heartbeatStop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.wMu.Lock()
				err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				c.wMu.Unlock()
				if err != nil {
					_ = c.conn.Close()
					return
				}
			case <-c.heartbeatStop:
				return
			}
		}
	}()
}

func (c *wsConn) stopHeartbeat() {
	c.heartbeatOnce.Do(func() {
		if c.heartbeatStop != nil {
			close(c.heartbeatStop)
		}
	})
}

func (c *wsConn) Read(b []byte) (int, error) {
	c.rMu.Lock()
	defer c.rMu.Unlock()
	for {
		if c.reader == nil {
			_, r, err := c.conn.NextReader()
			if err != nil {
				return 0, err
			}
			c.reader = r
		}
		n, err := c.reader.Read(b)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(b []byte) (int, error) {
	c.wMu.Lock()
	defer c.wMu.Unlock()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *wsConn) Close() error {
	c.stopHeartbeat()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(5*time.Second))
	return c.conn.Close()
}

func (c *wsConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}
func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

// DialWebSocket upgrades raw (already connected, already TLS-wrapped if the
// config calls for it) to a WebSocket connection on params.Path. When
// earlyData is non-empty and fits within params.MaxEarlyData and
// params.EarlyDataHeaderName is set, it is base64url-encoded into that
// header on the upgrade request (§4.5's early-data convention) and the
// second return is true, telling the caller not to write those bytes again.
// A default Chrome User-Agent is sent unless params.Headers overrides it.
func DialWebSocket(raw net.Conn, params *vlessconfig.WSParameters, fallbackAddr string, earlyData []byte) (net.Conn, bool, error) {
	host := params.Host
	if host == "" {
		host = fallbackAddr
	}

	dialer := &websocket.Dialer{
		NetDial: func(string, string) (net.Conn, error) {
			return raw, nil
		},
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HandshakeTimeout: 8 * time.Second,
	}

	u := url.URL{Scheme: "ws", Host: host, Path: params.Path}
	headers := http.Header{}
	for k, v := range params.Headers {
		headers.Set(k, v)
	}
	if headers.Get("User-Agent") == "" {
		headers.Set("User-Agent", defaultUserAgent)
	}

	consumed := false
	if len(earlyData) > 0 && params.EarlyDataHeaderName != "" && params.MaxEarlyData > 0 && len(earlyData) <= params.MaxEarlyData {
		headers.Set(params.EarlyDataHeaderName, earlyDataHeader(earlyData, params.MaxEarlyData))
		consumed = true
	}

	conn, resp, err := dialer.Dial(u.String(), headers)
	if err != nil {
		reason := err.Error()
		if resp != nil {
			reason = resp.Status
		}
		return nil, false, fmt.Errorf("transport: ws dial %s: %s", u.Host, reason)
	}
	wc := &wsConn{conn: conn}
	wc.startHeartbeat(time.Duration(params.HeartbeatPeriodSecs) * time.Second)
	return wc, consumed, nil
}

// earlyDataHeader encodes up to maxLen bytes of payload as the value for
// params.EarlyDataHeaderName (typically Sec-WebSocket-Protocol), per the
// 0-RTT convention several VLESS server implementations accept.
func earlyDataHeader(payload []byte, maxLen int) string {
	if len(payload) > maxLen {
		payload = payload[:maxLen]
	}
	return base64.RawURLEncoding.EncodeToString(payload)
}
