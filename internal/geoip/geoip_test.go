package geoip

import (
	"encoding/binary"
	"net/netip"
	"testing"
)

func build(t *testing.T, rows [][3]uint32) []byte {
	t.Helper()
	buf := make([]byte, 0, 8+len(rows)*10)
	buf = append(buf, magic...)
	count := make([]byte, 4)
	binary.BigEndian.PutUint32(count, uint32(len(rows)))
	buf = append(buf, count...)
	for _, row := range rows {
		rec := make([]byte, 10)
		binary.BigEndian.PutUint32(rec[0:4], row[0])
		binary.BigEndian.PutUint32(rec[4:8], row[1])
		binary.BigEndian.PutUint16(rec[8:10], uint16(row[2]))
		buf = append(buf, rec...)
	}
	return buf
}

func TestLookup(t *testing.T) {
	us := uint32(PackCountry("US"))
	ru := uint32(PackCountry("RU"))
	data := build(t, [][3]uint32{
		{ipv4(1, 0, 0, 0), ipv4(1, 0, 0, 255), us},
		{ipv4(2, 0, 0, 0), ipv4(2, 255, 255, 255), ru},
	})
	r, err := Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := r.Lookup(netip.AddrFrom4([4]byte{1, 0, 0, 42})); got != "US" {
		t.Fatalf("expected US, got %q", got)
	}
	if got := r.Lookup(netip.AddrFrom4([4]byte{2, 1, 2, 3})); got != "RU" {
		t.Fatalf("expected RU, got %q", got)
	}
	if got := r.Lookup(netip.AddrFrom4([4]byte{3, 0, 0, 0})); got != "" {
		t.Fatalf("expected no match, got %q", got)
	}
}

func TestBadMagic(t *testing.T) {
	if _, err := Parse([]byte("XXXX")); err == nil {
		t.Fatalf("expected error for bad magic")
	}
}

func ipv4(a, b, c, d byte) uint32 {
	return uint32(a)<<24 | uint32(b)<<16 | uint32(c)<<8 | uint32(d)
}
