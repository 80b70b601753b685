package engine

import (
	"net/netip"

	"vlesscore/internal/fakeip"
	"vlesscore/internal/geoip"
	"vlesscore/internal/vlessconfig"
)

// Resolver holds the shared lookup tables both the TCP and UDP handlers use
// to turn a destination address into a routing decision (§4.2 step 1, §4.7,
// §4.8 step 2).
type Resolver struct {
	Pool    *fakeip.Pool
	GeoIP   *geoip.Resolver
	Bypass  map[string]bool // 2-letter country codes routed direct; checked only when dst has no live fake-IP binding
	ForceBypassCIDRs []netip.Prefix
}

// Destination is the result of resolving one flow's destination address:
// either a domain bound to a proxy config, or a direct (bypass) route.
type Destination struct {
	Domain   string
	Config   *vlessconfig.VlessConfig
	IsDirect bool
	RealAddr netip.Addr // the address to dial when IsDirect or when no domain was recovered
}

// Resolve implements §4.2's destination-resolution + bypass decision: a
// fake-IP destination recovers its domain/config/is_direct binding from the
// pool; anything else (a real IP the stack still saw, because fake-IP was
// disabled or the app bypassed DNS) is checked against the GeoIP bypass list
// and otherwise sent direct.
func (r *Resolver) Resolve(dst netip.Addr) Destination {
	for _, prefix := range r.ForceBypassCIDRs {
		if prefix.Contains(dst) {
			return Destination{IsDirect: true, RealAddr: dst}
		}
	}

	var offset uint32
	var ok bool
	if dst.Is4() {
		offset, ok = fakeip.IPv4ToOffset(dst)
	} else {
		offset, ok = fakeip.IPv6ToOffset(dst)
	}
	if ok && r.Pool != nil {
		if entry, found := r.Pool.Lookup(offset); found {
			return Destination{Domain: entry.Domain, Config: entry.Config, IsDirect: entry.IsDirect, RealAddr: dst}
		}
	}

	if r.GeoIP != nil && len(r.Bypass) > 0 {
		if country := r.GeoIP.Lookup(dst); country != "" && r.Bypass[country] {
			return Destination{IsDirect: true, RealAddr: dst}
		}
	}

	return Destination{IsDirect: true, RealAddr: dst}
}
