// Package mux implements VLESS's Mux/XUDP stream multiplexer (§4.6): many
// virtual connections (TCP or XUDP datagram streams) carried over one
// underlying VLESS connection.
package mux

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"vlesscore/internal/core"
	"vlesscore/internal/vless"
)

// Destination is the New frame's target (§4.6's wire table: `network:u8 |
// port:u16_be | atyp:u8 | addr`). Network reuses vless.Command's own byte
// values (0x01 tcp, 0x02 udp), which the wire table defines identically.
type Destination struct {
	Network  vless.Command
	AddrType vless.AddrType
	Addr     string
	Port     uint16
}

// encodeNewFramePayload builds a New frame's payload: the destination
// fields followed by the optional 8-byte XUDP global ID.
func encodeNewFramePayload(dest Destination, globalID []byte) ([]byte, error) {
	addrBytes, err := vless.EncodeAddr(dest.AddrType, dest.Addr)
	if err != nil {
		return nil, fmt.Errorf("mux: encode destination address: %w", err)
	}
	buf := make([]byte, 0, 1+2+1+len(addrBytes)+len(globalID))
	buf = append(buf, byte(dest.Network))
	buf = binary.BigEndian.AppendUint16(buf, dest.Port)
	buf = append(buf, byte(dest.AddrType))
	buf = append(buf, addrBytes...)
	buf = append(buf, globalID...)
	return buf, nil
}

// FrameKind is the first byte of a mux wire frame.
type FrameKind byte

const (
	FrameNew       FrameKind = 0x01
	FrameKeep      FrameKind = 0x02
	FrameEnd       FrameKind = 0x03
	FrameKeepAlive FrameKind = 0x04
)

// MaxActiveSessions is the cap on concurrently open streams within one
// MuxClient (§4.6).
const MaxActiveSessions = 32

// frameHeaderLen is kind(1) + reserved(1) + len(2) + stream_id(2).
const frameHeaderLen = 6

// writeFrame serializes one mux frame: kind | reserved(0) | len_u16be |
// stream_id_u16be | payload.
func writeFrame(w io.Writer, kind FrameKind, streamID uint16, payload []byte) error {
	header := make([]byte, frameHeaderLen)
	header[0] = byte(kind)
	header[1] = 0
	binary.BigEndian.PutUint16(header[2:4], uint16(len(payload)))
	binary.BigEndian.PutUint16(header[4:6], streamID)
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("mux: write frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("mux: write frame payload: %w", err)
		}
	}
	return nil
}

// frame is one decoded mux wire frame.
type frame struct {
	kind     FrameKind
	streamID uint16
	payload  []byte
}

// readFrame reads and decodes exactly one frame from r.
func readFrame(r io.Reader) (frame, error) {
	header := make([]byte, frameHeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return frame{}, err
	}
	length := binary.BigEndian.Uint16(header[2:4])
	streamID := binary.BigEndian.Uint16(header[4:6])
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return frame{}, fmt.Errorf("mux: read frame payload: %w", err)
		}
	}
	return frame{kind: FrameKind(header[0]), streamID: streamID, payload: payload}, nil
}

// MuxSession is one stream_id within a MuxClient.
type MuxSession struct {
	id       uint16
	client   *MuxClient
	isUDP    bool
	globalID []byte

	onData  func([]byte)
	onClose func()

	closed bool
	mu     sync.Mutex
}

// Send wraps b in a Keep frame and writes it to the client's underlying
// VLESS connection. For XUDP streams, callers must pre-frame each
// datagram with its own u16 BE length prefix before calling Send, matching
// the wire format of a directly-dialed VLESS UDP connection.
func (s *MuxSession) Send(b []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("mux: session %d closed", s.id)
	}
	s.mu.Unlock()
	return s.client.writeFrame(FrameKeep, s.id, b)
}

// Close sends an End frame and invokes the local close callback.
func (s *MuxSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.client.removeSession(s.id)
	err := s.client.writeFrame(FrameEnd, s.id, nil)
	if s.onClose != nil {
		s.onClose()
	}
	return err
}

func (s *MuxSession) deliver(payload []byte) {
	if s.onData != nil {
		s.onData(payload)
	}
}

func (s *MuxSession) forceClose() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	if s.onClose != nil {
		s.onClose()
	}
}

// MuxClient owns one VLESS connection and up to MaxActiveSessions sessions
// multiplexed over it (§4.6).
type MuxClient struct {
	conn io.ReadWriteCloser

	mu       sync.Mutex
	sessions map[uint16]*MuxSession
	nextID   uint16
	dead     bool

	writeMu sync.Mutex

	keepAlivePeriod time.Duration
	lastActivity    time.Time
}

// NewMuxClient wraps an established VLESS connection as a mux client and
// starts its read loop. keepAlivePeriod of 0 disables idle KeepAlive frames.
func NewMuxClient(conn io.ReadWriteCloser, keepAlivePeriod time.Duration) *MuxClient {
	c := &MuxClient{
		conn:            conn,
		sessions:        make(map[uint16]*MuxSession),
		nextID:          1,
		keepAlivePeriod: keepAlivePeriod,
		lastActivity:    time.Now(),
	}
	go c.readLoop()
	if keepAlivePeriod > 0 {
		go c.keepAliveLoop()
	}
	return c
}

// Full reports whether this client is at its session cap or dead.
func (c *MuxClient) Full() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dead || len(c.sessions) >= MaxActiveSessions
}

// Dead reports whether the underlying connection has failed.
func (c *MuxClient) Dead() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dead
}

// OpenSession allocates a new stream_id, sends a New frame carrying dest
// (with the XUDP global ID addon when globalID is non-nil), and returns the
// session handle.
func (c *MuxClient) OpenSession(dest Destination, globalID []byte, onData func([]byte), onClose func()) (*MuxSession, error) {
	payload, err := encodeNewFramePayload(dest, globalID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		return nil, fmt.Errorf("mux: client is dead")
	}
	if len(c.sessions) >= MaxActiveSessions {
		c.mu.Unlock()
		return nil, fmt.Errorf("mux: client at capacity (%d sessions)", MaxActiveSessions)
	}
	id := c.nextID
	c.nextID++
	if c.nextID == 0 {
		c.nextID = 1 // wrap past 0, which is reserved
	}
	isUDP := dest.Network == vless.CommandUDP
	session := &MuxSession{id: id, client: c, isUDP: isUDP, globalID: globalID, onData: onData, onClose: onClose}
	c.sessions[id] = session
	c.mu.Unlock()

	if err := c.writeFrame(FrameNew, id, payload); err != nil {
		c.mu.Lock()
		delete(c.sessions, id)
		c.mu.Unlock()
		return nil, err
	}
	return session, nil
}

func (c *MuxClient) writeFrame(kind FrameKind, streamID uint16, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := writeFrame(c.conn, kind, streamID, payload); err != nil {
		c.markDead()
		return err
	}
	return nil
}

func (c *MuxClient) removeSession(id uint16) {
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
}

func (c *MuxClient) readLoop() {
	for {
		f, err := readFrame(c.conn)
		if err != nil {
			c.markDead()
			return
		}
		c.mu.Lock()
		c.lastActivity = time.Now()
		session := c.sessions[f.streamID]
		c.mu.Unlock()
		if session == nil {
			continue
		}
		switch f.kind {
		case FrameKeep:
			session.deliver(f.payload)
		case FrameEnd:
			c.removeSession(f.streamID)
			session.forceClose()
		case FrameKeepAlive:
			// no payload to act on; lastActivity already bumped above
		default:
			core.Log.Warnf("Mux", "unknown frame kind %d on stream %d", f.kind, f.streamID)
		}
	}
}

func (c *MuxClient) keepAliveLoop() {
	ticker := time.NewTicker(c.keepAlivePeriod)
	defer ticker.Stop()
	for range ticker.C {
		if c.Dead() {
			return
		}
		c.mu.Lock()
		idle := time.Since(c.lastActivity) >= c.keepAlivePeriod
		c.mu.Unlock()
		if idle {
			_ = c.writeFrame(FrameKeepAlive, 0, nil)
		}
	}
}

// markDead marks the client dead and synthesizes a close for every open
// session (§4.6: "on client death, all sessions receive a synthetic close").
func (c *MuxClient) markDead() {
	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		return
	}
	c.dead = true
	sessions := make([]*MuxSession, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessions = make(map[uint16]*MuxSession)
	c.mu.Unlock()

	for _, s := range sessions {
		s.forceClose()
	}
	_ = c.conn.Close()
}

// Manager maintains a list of MuxClients for one default VlessConfig,
// dispatching to the first non-full, non-dead client and creating a new
// one via dial when all existing clients are full or dead (§4.6).
type Manager struct {
	mu      sync.Mutex
	clients []*MuxClient
	dial    func() (io.ReadWriteCloser, error)

	keepAlivePeriod time.Duration
}

// NewManager builds a Manager that creates new underlying VLESS connections
// via dial on demand.
func NewManager(dial func() (io.ReadWriteCloser, error), keepAlivePeriod time.Duration) *Manager {
	return &Manager{dial: dial, keepAlivePeriod: keepAlivePeriod}
}

// OpenSession returns a session on an existing non-full client, or dials a
// fresh MuxClient if none qualifies.
func (m *Manager) OpenSession(dest Destination, globalID []byte, onData func([]byte), onClose func()) (*MuxSession, error) {
	m.mu.Lock()
	var target *MuxClient
	alive := m.clients[:0]
	for _, c := range m.clients {
		if c.Dead() {
			continue
		}
		alive = append(alive, c)
		if target == nil && !c.Full() {
			target = c
		}
	}
	m.clients = alive
	m.mu.Unlock()

	if target == nil {
		conn, err := m.dial()
		if err != nil {
			return nil, fmt.Errorf("mux: dial new client: %w", err)
		}
		target = NewMuxClient(conn, m.keepAlivePeriod)
		m.mu.Lock()
		m.clients = append(m.clients, target)
		m.mu.Unlock()
	}

	return target.OpenSession(dest, globalID, onData, onClose)
}

// ClientCount reports the number of live clients, for diagnostics/tests.
func (m *Manager) ClientCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}
