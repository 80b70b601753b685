package vless

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
)

func TestRequestRoundTripDomain(t *testing.T) {
	req := Request{
		UUID:     uuid.New(),
		Flow:     "xtls-rprx-vision",
		Command:  CommandTCP,
		Port:     443,
		AddrType: AddrDomain,
		Addr:     "example.com",
	}
	buf, err := EncodeRequest(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, n, err := DecodeRequest(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("expected to consume %d bytes, consumed %d", len(buf), n)
	}
	if got.UUID != req.UUID || got.Flow != req.Flow || got.Port != req.Port || got.Addr != req.Addr {
		t.Fatalf("round trip mismatch: %+v vs %+v", req, got)
	}
}

func TestRequestRoundTripIPv4NoFlow(t *testing.T) {
	req := Request{
		UUID:     uuid.New(),
		Command:  CommandUDP,
		Port:     53,
		AddrType: AddrIPv4,
		Addr:     "1.2.3.4",
	}
	buf, err := EncodeRequest(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, _, err := DecodeRequest(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Flow != "" {
		t.Fatalf("expected no flow, got %q", got.Flow)
	}
	if got.Addr != "1.2.3.4" {
		t.Fatalf("unexpected addr %q", got.Addr)
	}
	// addons_len byte must be zero when flow is omitted.
	if buf[17] != 0 {
		t.Fatalf("expected addons_len 0, got %d", buf[17])
	}
}

func TestRequestRoundTripIPv6WithGlobalID(t *testing.T) {
	req := Request{
		UUID:     uuid.New(),
		Flow:     "xtls-rprx-vision-udp443",
		GlobalID: []byte{1, 2, 3, 4, 5, 6, 7, 8},
		Command:  CommandUDP,
		Port:     443,
		AddrType: AddrIPv6,
		Addr:     "fc00::1",
	}
	buf, err := EncodeRequest(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, _, err := DecodeRequest(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got.GlobalID, req.GlobalID) {
		t.Fatalf("global id mismatch: %v vs %v", req.GlobalID, got.GlobalID)
	}
	if got.Addr != "fc00::1" {
		t.Fatalf("unexpected ipv6 addr %q", got.Addr)
	}
}

func TestDecodeRequestMalformed(t *testing.T) {
	if _, _, err := DecodeRequest([]byte{0x01}); err == nil {
		t.Fatalf("expected error for truncated header")
	}
	// bad version
	buf := make([]byte, 20)
	buf[0] = 0x05
	if _, _, err := DecodeRequest(buf); err == nil {
		t.Fatalf("expected error for bad version")
	}
}

func TestResponseRoundTrip(t *testing.T) {
	resp := Response{Addons: []byte{0xAA, 0xBB}}
	buf := EncodeResponse(resp)
	got, n, err := DecodeResponse(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != len(buf) || !bytes.Equal(got.Addons, resp.Addons) {
		t.Fatalf("round trip mismatch")
	}
}

func TestDecodeResponseMalformed(t *testing.T) {
	if _, _, err := DecodeResponse([]byte{0x00}); err == nil {
		t.Fatalf("expected error for truncated response header")
	}
}
