package vless

import (
	"bufio"
	"fmt"
	"io"
	"net"

	"github.com/google/uuid"
)

// Conn is a VlessConnection (§3): the underlying transport connection plus
// the post-handshake receive-byte buffer and, when Vision is active, the
// Vision state for both directions.
type Conn struct {
	net.Conn
	br *bufio.Reader

	headerConsumed bool

	vision       bool
	visionWriter *VisionWriter
	visionReader *VisionReader
	readBuf      []byte // leftover bytes from the last de-padded record
	sniffer      ContentSniffer
}

// Dial writes the VLESS request header over conn and returns a Conn ready
// for use. conn must already be a fully-established transport (TCP, TLS,
// WebSocket, etc. — §4.2's "outbound setup" handles that layering). The
// response header is consumed lazily on first Read, per §4.3 ("must
// consume this exactly once at the start of the receive stream").
//
// headerAlreadySent is true when the caller already delivered these exact
// header bytes to the peer out-of-band (WebSocket early data, §4.5) —
// Dial then skips writing them again.
func Dial(conn net.Conn, id uuid.UUID, flow string, globalID []byte, cmd Command, atyp AddrType, addr string, port uint16, visionSeed [4]uint32, headerAlreadySent bool) (*Conn, error) {
	req := Request{
		UUID:     id,
		Flow:     flow,
		GlobalID: globalID,
		Command:  cmd,
		Port:     port,
		AddrType: atyp,
		Addr:     addr,
	}
	buf, err := EncodeRequest(req)
	if err != nil {
		return nil, fmt.Errorf("vless: encode request: %w", err)
	}
	if !headerAlreadySent {
		if _, err := conn.Write(buf); err != nil {
			return nil, fmt.Errorf("vless: write request header: %w", err)
		}
	}

	c := &Conn{
		Conn: conn,
		br:   bufio.NewReader(conn),
	}
	isVision := flow == string(flowVision) || flow == string(flowVisionUDP443)
	c.vision = isVision
	if isVision {
		c.visionWriter = NewVisionWriter(conn, visionSeed)
		c.visionReader = NewVisionReader(c.br, visionSeed)
	}
	return c, nil
}

const (
	flowVision       = "xtls-rprx-vision"
	flowVisionUDP443 = "xtls-rprx-vision-udp443"
)

// consumeResponseHeader reads and discards the response header exactly
// once. A malformed response header is fatal (*ProtocolViolation, §4.3).
func (c *Conn) consumeResponseHeader() error {
	if c.headerConsumed {
		return nil
	}
	verByte, err := c.br.ReadByte()
	if err != nil {
		return fmt.Errorf("vless: read response version: %w", err)
	}
	if verByte != protocolVersion {
		return fmt.Errorf("vless: unsupported response version %d", verByte)
	}
	n, err := c.br.ReadByte()
	if err != nil {
		return fmt.Errorf("vless: read response addons length: %w", err)
	}
	if n > 0 {
		addons := make([]byte, n)
		if _, err := io.ReadFull(c.br, addons); err != nil {
			return fmt.Errorf("vless: read response addons: %w", err)
		}
	}
	c.headerConsumed = true
	return nil
}

// Read consumes the response header on the first call, then relays bytes.
// When Vision is active, inbound records are de-padded via visionReader
// before their bytes are handed to the caller (§4.3).
func (c *Conn) Read(p []byte) (int, error) {
	if !c.headerConsumed {
		if err := c.consumeResponseHeader(); err != nil {
			return 0, err
		}
	}
	if !c.vision {
		return c.br.Read(p)
	}
	if len(c.readBuf) == 0 {
		record, err := c.visionReader.ReadRecord()
		if err != nil {
			return 0, err
		}
		c.readBuf = record
	}
	n := copy(p, c.readBuf)
	c.readBuf = c.readBuf[n:]
	return n, nil
}

// Write relays bytes to the underlying transport. When Vision is active,
// outbound application records are interposed with adaptive padding until
// the schedule concludes (§4.3).
func (c *Conn) Write(p []byte) (int, error) {
	if !c.vision || c.visionWriter.Done() {
		return c.Conn.Write(p)
	}
	return c.visionWriter.WriteRecord(p)
}

// UseVisionDirectCopy reports whether the inbound content sniffer has
// observed the transcript point after which records pass straight through
// the OS's zero-copy paths rather than through this wrapper's bookkeeping.
// Callers typically use this to decide whether to hand the raw net.Conn
// (c.Conn) to a splice-capable copy routine instead of calling c.Read.
func (c *Conn) UseVisionDirectCopy(leadingContentType byte) bool {
	if !c.vision {
		return false
	}
	return c.sniffer.Observe(leadingContentType)
}
