package engine

import (
	"net/netip"
	"testing"

	"vlesscore/internal/vless"
)

func TestAddrForDomainOrIPPrefersDomain(t *testing.T) {
	atyp, addr := addrForDomainOrIP("example.com", netip.MustParseAddr("1.2.3.4"))
	if atyp != vless.AddrDomain || addr != "example.com" {
		t.Fatalf("got (%v, %q), want domain encoding", atyp, addr)
	}
}

func TestAddrForDomainOrIPFallsBackToIPv4(t *testing.T) {
	atyp, addr := addrForDomainOrIP("", netip.MustParseAddr("93.184.216.34"))
	if atyp != vless.AddrIPv4 || addr != "93.184.216.34" {
		t.Fatalf("got (%v, %q), want ipv4 encoding", atyp, addr)
	}
}

func TestAddrForDomainOrIPFallsBackToIPv6(t *testing.T) {
	atyp, addr := addrForDomainOrIP("", netip.MustParseAddr("2001:db8::1"))
	if atyp != vless.AddrIPv6 || addr != "2001:db8::1" {
		t.Fatalf("got (%v, %q), want ipv6 encoding", atyp, addr)
	}
}
