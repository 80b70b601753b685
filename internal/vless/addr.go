package vless

import "net/netip"

func parseIPv4(s string) []byte {
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is4() {
		return nil
	}
	b := addr.As4()
	return b[:]
}

func parseIPv6(s string) []byte {
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is6() || addr.Is4In6() {
		return nil
	}
	b := addr.As16()
	return b[:]
}

func formatIPv4(b []byte) string {
	return netip.AddrFrom4([4]byte(b)).String()
}

func formatIPv6(b []byte) string {
	return netip.AddrFrom16([16]byte(b)).String()
}
