package fakeip

import (
	"net/netip"
	"testing"
)

func TestIPv4RoundTrip(t *testing.T) {
	for _, off := range []uint32{MinOffset, 1000, MaxOffset} {
		addr := IPv4(off)
		got, ok := IPv4ToOffset(addr)
		if !ok || got != off {
			t.Fatalf("offset %d: round trip failed, got %d ok=%v", off, got, ok)
		}
	}
}

func TestIPv6RoundTrip(t *testing.T) {
	for _, off := range []uint32{MinOffset, 42, MaxOffset} {
		addr := IPv6(off)
		got, ok := IPv6ToOffset(addr)
		if !ok || got != off {
			t.Fatalf("offset %d: round trip failed, got %d ok=%v", off, got, ok)
		}
	}
}

func TestOffsetBoundaryRejected(t *testing.T) {
	// offset 0 and 131072 must be rejected.
	zero := netip.AddrFrom4([4]byte{198, 18, 0, 0})
	if _, ok := IPv4ToOffset(zero); ok {
		t.Fatalf("offset 0 should be rejected")
	}
	tooFar := IPv4(MaxOffset)
	b := tooFar.As4()
	// bump by one more to land on offset 131072
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	v++
	over := netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
	if _, ok := IPv4ToOffset(over); ok {
		t.Fatalf("offset 131072 should be rejected")
	}
}

func TestAllocateForDomainReusesEntry(t *testing.T) {
	p := New()
	off1 := p.AllocateForDomain("example.com", nil, true)
	off2 := p.AllocateForDomain("example.com", nil, true)
	if off1 != off2 {
		t.Fatalf("expected same offset for repeated domain, got %d and %d", off1, off2)
	}
	if p.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", p.Len())
	}
}

func TestBijectionInvariant(t *testing.T) {
	p := New()
	domains := []string{"a.com", "b.com", "c.com"}
	for _, d := range domains {
		p.AllocateForDomain(d, nil, true)
	}
	if len(p.byDomain) != len(p.byOffset) {
		t.Fatalf("map sizes diverged: %d vs %d", len(p.byDomain), len(p.byOffset))
	}
	for domain, off := range p.byDomain {
		e, ok := p.byOffset[off]
		if !ok || e.Domain != domain {
			t.Fatalf("bijection violated for %s -> %d", domain, off)
		}
	}
}
