package vless

import (
	"encoding/binary"
	"fmt"
)

// EncodeUDPPayload length-prefixes one UDP payload with a u16 BE length,
// per §4.3 "each payload is length-prefixed (u16 BE) and concatenated".
func EncodeUDPPayload(payload []byte) ([]byte, error) {
	if len(payload) > 0xffff {
		return nil, fmt.Errorf("vless: udp payload exceeds 65535 bytes (%d)", len(payload))
	}
	buf := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(buf, uint16(len(payload)))
	copy(buf[2:], payload)
	return buf, nil
}

// UDPDecoder incrementally splits a byte stream of concatenated
// length-prefixed payloads, tolerating partial reads. Its zero value is
// ready to use; partial-prefix state is fully recoverable across Feed
// calls (§8 round-trip property).
type UDPDecoder struct {
	buf []byte
}

// Feed appends newly-read bytes and returns every complete payload found so
// far, retaining any partial prefix/payload for the next call. A length
// prefix exceeding 65535 is impossible to construct (u16), but a
// corrupt/incomplete stream whose declared length never arrives is left
// buffered — callers should bound total buffered size and treat runaway
// growth as *ProtocolViolation (fatal, per §4.3).
func (d *UDPDecoder) Feed(chunk []byte) [][]byte {
	d.buf = append(d.buf, chunk...)

	var out [][]byte
	for {
		if len(d.buf) < 2 {
			break
		}
		n := int(binary.BigEndian.Uint16(d.buf[:2]))
		if len(d.buf) < 2+n {
			break
		}
		payload := append([]byte(nil), d.buf[2:2+n]...)
		out = append(out, payload)
		d.buf = d.buf[2+n:]
	}
	return out
}

// Pending reports how many undecoded bytes remain buffered.
func (d *UDPDecoder) Pending() int { return len(d.buf) }
