package mux

import (
	"fmt"

	"lukechampine.com/blake3"
)

// globalIDKey is the fixed 32-byte repo constant XUDP's keyed BLAKE3 hash
// uses (§4.6). It has no secrecy value — XUDP's GlobalID only needs to be
// stable and collision-resistant for a given (host, port) pair, not to
// authenticate anything.
var globalIDKey = [32]byte{
	0x76, 0x6c, 0x65, 0x73, 0x73, 0x63, 0x6f, 0x72,
	0x65, 0x2d, 0x78, 0x75, 0x64, 0x70, 0x2d, 0x67,
	0x6c, 0x6f, 0x62, 0x61, 0x6c, 0x2d, 0x69, 0x64,
	0x2d, 0x6b, 0x65, 0x79, 0x2d, 0x76, 0x31, 0x00,
}

// DeriveGlobalID computes the 8-byte XUDP GlobalID for a UDP flow's source
// (host, port), enabling the server to map global_id -> outbound UDP
// socket and preserve the source port across client-side ephemeral remaps
// (§4.6).
func DeriveGlobalID(host string, port uint16) []byte {
	input := []byte(fmt.Sprintf("udp:%s:%d", host, port))
	h := blake3.New(32, globalIDKey[:])
	h.Write(input)
	sum := h.Sum(nil)
	return sum[:8]
}
