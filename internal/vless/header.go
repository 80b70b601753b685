// Package vless implements the VLESS request/response header codec, the
// Vision adaptive-padding flow, and UDP length-framing (§4.3).
package vless

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Command selects the proxied transport kind carried in the request header.
type Command byte

const (
	CommandTCP Command = 0x01
	CommandUDP Command = 0x02
)

// AddrType tags the address encoding that follows in the request header.
type AddrType byte

const (
	AddrIPv4   AddrType = 0x01
	AddrDomain AddrType = 0x02
	AddrIPv6   AddrType = 0x03
)

const protocolVersion = 0x00

// addon field numbers within the proto3-style addons blob (§4.3).
const (
	addonFieldFlow     = 0x01
	addonFieldGlobalID = 0x02
)

// Request is the decoded/encodable form of a VLESS request header.
type Request struct {
	UUID     uuid.UUID
	Flow     string // "xtls-rprx-vision", "xtls-rprx-vision-udp443", or "" for none
	GlobalID []byte // 8 bytes, XUDP only
	Command  Command
	Port     uint16
	AddrType AddrType
	Addr     string // dotted-quad, domain, or colon-form IPv6 depending on AddrType
}

// EncodeRequest writes the request header:
// version(1)|uuid(16)|addons_len(1)|addons|command(1)|port(2)|atyp(1)|addr.
func EncodeRequest(r Request) ([]byte, error) {
	addons := encodeAddons(r.Flow, r.GlobalID)
	if len(addons) > 255 {
		return nil, fmt.Errorf("vless: addons too large (%d bytes)", len(addons))
	}

	addrBytes, err := EncodeAddr(r.AddrType, r.Addr)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, 1+16+1+len(addons)+1+2+1+len(addrBytes))
	buf = append(buf, protocolVersion)
	buf = append(buf, r.UUID[:]...)
	buf = append(buf, byte(len(addons)))
	buf = append(buf, addons...)
	buf = append(buf, byte(r.Command))
	buf = binary.BigEndian.AppendUint16(buf, r.Port)
	buf = append(buf, byte(r.AddrType))
	buf = append(buf, addrBytes...)
	return buf, nil
}

// EncodeAddr encodes addr per its AddrType: 4 raw bytes for an IPv4
// address, 16 raw bytes for an IPv6 address, or a length-prefixed string
// for a domain. Shared by the request header codec and the mux New frame,
// which both carry the same address encoding (§4.3, §4.6).
func EncodeAddr(t AddrType, addr string) ([]byte, error) {
	switch t {
	case AddrIPv4:
		ip := parseIPv4(addr)
		if ip == nil {
			return nil, fmt.Errorf("vless: invalid ipv4 address %q", addr)
		}
		return ip, nil
	case AddrIPv6:
		ip := parseIPv6(addr)
		if ip == nil {
			return nil, fmt.Errorf("vless: invalid ipv6 address %q", addr)
		}
		return ip, nil
	case AddrDomain:
		if len(addr) > 255 {
			return nil, fmt.Errorf("vless: domain too long (%d bytes)", len(addr))
		}
		b := make([]byte, 0, 1+len(addr))
		b = append(b, byte(len(addr)))
		b = append(b, addr...)
		return b, nil
	default:
		return nil, fmt.Errorf("vless: unknown address type %d", t)
	}
}

// encodeAddons builds the addons payload: field 0x01 (flow string) always
// present when flow != "", followed by field 0x02 (8-byte global id) when
// globalID is non-empty. Each field is proto3-style length-delimited:
// tag byte | length | value. Omitted entirely when flow == "".
func encodeAddons(flow string, globalID []byte) []byte {
	if flow == "" {
		return nil
	}
	buf := make([]byte, 0, 2+len(flow)+2+len(globalID))
	buf = append(buf, addonFieldFlow, byte(len(flow)))
	buf = append(buf, flow...)
	if len(globalID) > 0 {
		buf = append(buf, addonFieldGlobalID, byte(len(globalID)))
		buf = append(buf, globalID...)
	}
	return buf
}

// DecodeAddons parses the addons payload back into (flow, globalID).
func DecodeAddons(addons []byte) (flow string, globalID []byte, err error) {
	for len(addons) > 0 {
		if len(addons) < 2 {
			return "", nil, fmt.Errorf("vless: truncated addon field")
		}
		field := addons[0]
		n := int(addons[1])
		addons = addons[2:]
		if len(addons) < n {
			return "", nil, fmt.Errorf("vless: addon field length exceeds buffer")
		}
		value := addons[:n]
		addons = addons[n:]
		switch field {
		case addonFieldFlow:
			flow = string(value)
		case addonFieldGlobalID:
			globalID = append([]byte(nil), value...)
		}
	}
	return flow, globalID, nil
}

// DecodeRequest parses a full request header from buf, returning the
// request and the number of bytes consumed.
func DecodeRequest(buf []byte) (Request, int, error) {
	if len(buf) < 1+16+1 {
		return Request{}, 0, fmt.Errorf("vless: request header too short")
	}
	pos := 0
	if buf[pos] != protocolVersion {
		return Request{}, 0, fmt.Errorf("vless: unsupported version %d", buf[pos])
	}
	pos++

	var id uuid.UUID
	copy(id[:], buf[pos:pos+16])
	pos += 16

	addonsLen := int(buf[pos])
	pos++
	if len(buf) < pos+addonsLen+1+2+1 {
		return Request{}, 0, fmt.Errorf("vless: request header truncated")
	}
	flow, globalID, err := DecodeAddons(buf[pos : pos+addonsLen])
	if err != nil {
		return Request{}, 0, err
	}
	pos += addonsLen

	cmd := Command(buf[pos])
	pos++
	port := binary.BigEndian.Uint16(buf[pos : pos+2])
	pos += 2
	atyp := AddrType(buf[pos])
	pos++

	addr, n, err := decodeAddr(atyp, buf[pos:])
	if err != nil {
		return Request{}, 0, err
	}
	pos += n

	return Request{
		UUID:     id,
		Flow:     flow,
		GlobalID: globalID,
		Command:  cmd,
		Port:     port,
		AddrType: atyp,
		Addr:     addr,
	}, pos, nil
}

func decodeAddr(t AddrType, buf []byte) (string, int, error) {
	switch t {
	case AddrIPv4:
		if len(buf) < 4 {
			return "", 0, fmt.Errorf("vless: truncated ipv4 address")
		}
		return formatIPv4(buf[:4]), 4, nil
	case AddrIPv6:
		if len(buf) < 16 {
			return "", 0, fmt.Errorf("vless: truncated ipv6 address")
		}
		return formatIPv6(buf[:16]), 16, nil
	case AddrDomain:
		if len(buf) < 1 {
			return "", 0, fmt.Errorf("vless: truncated domain length")
		}
		n := int(buf[0])
		if len(buf) < 1+n {
			return "", 0, fmt.Errorf("vless: truncated domain")
		}
		return string(buf[1 : 1+n]), 1 + n, nil
	default:
		return "", 0, fmt.Errorf("vless: unknown address type %d", t)
	}
}

// Response is the decoded/encodable form of a VLESS response header:
// version(1)|addons_len(1)|addons.
type Response struct {
	Addons []byte
}

// EncodeResponse writes the response header.
func EncodeResponse(r Response) []byte {
	buf := make([]byte, 0, 2+len(r.Addons))
	buf = append(buf, protocolVersion, byte(len(r.Addons)))
	buf = append(buf, r.Addons...)
	return buf
}

// DecodeResponse parses the response header the client must consume
// exactly once before surfacing any data (§4.3).
func DecodeResponse(buf []byte) (Response, int, error) {
	if len(buf) < 2 {
		return Response{}, 0, fmt.Errorf("vless: response header too short")
	}
	if buf[0] != protocolVersion {
		return Response{}, 0, fmt.Errorf("vless: unsupported response version %d", buf[0])
	}
	n := int(buf[1])
	if len(buf) < 2+n {
		return Response{}, 0, fmt.Errorf("vless: response header truncated")
	}
	return Response{Addons: append([]byte(nil), buf[2:2+n]...)}, 2 + n, nil
}
