// Package dnsintercept implements the DNS interception logic of §4.7: every
// UDP datagram to port 53 is offered here before a UDP flow is created.
// Message parsing and construction uses miekg/dns rather than hand-rolled
// wire parsing, matching the rest of this engine's preference for a real
// library wherever the wire format isn't itself the spec.
package dnsintercept

import (
	"strings"

	"github.com/miekg/dns"

	"vlesscore/internal/core"
	"vlesscore/internal/fakeip"
	"vlesscore/internal/router"
	"vlesscore/internal/vlessconfig"
)

// ddrQuery is the DNS-over-HTTPS Discovery query name §4.7 step 2 blocks
// when DoH is disabled, to stop DDR from opportunistically upgrading to a
// resolver that bypasses interception.
const ddrQuery = "_dns.resolver.arpa."

// Result is what the interceptor decided to do with a datagram.
type Result struct {
	// Handled is true if a response was synthesized and should be sent via
	// udp_sendto with source/destination swapped; the caller must not
	// create a UDP flow for this datagram.
	Handled  bool
	Response []byte
}

// Interceptor holds the dependencies needed to resolve and answer queries:
// the domain router (for Proxy/Direct decisions), the fake-IP pool (to
// allocate an address for newly-seen proxied domains), and the IPv6/DoH
// flags. Dangling config IDs are rejected through Router.ConfigFor.
type Interceptor struct {
	Router    *router.DomainRouter
	Pool      *fakeip.Pool
	IPv6      bool
	DoHEnable bool
}

// Intercept is the entry point for a UDP datagram whose destination port is
// 53 (§4.7).
func (ic *Interceptor) Intercept(payload []byte) Result {
	msg := new(dns.Msg)
	if err := msg.Unpack(payload); err != nil || len(msg.Question) != 1 {
		return Result{}
	}
	q := msg.Question[0]
	qname := strings.ToLower(q.Name)

	if !ic.DoHEnable && qname == ddrQuery {
		return Result{Handled: true, Response: ic.buildNodata(msg, q)}
	}

	if q.Qtype != dns.TypeA && q.Qtype != dns.TypeAAAA {
		return Result{}
	}
	if ic.Router == nil || ic.Router.IsEmpty() {
		return Result{}
	}

	domain := strings.TrimSuffix(qname, ".")
	action, matched := ic.Router.Match(domain)
	if !matched {
		return Result{}
	}

	var cfg *vlessconfig.VlessConfig
	isDirect := action.IsDirect()
	if !isDirect {
		c, ok := ic.Router.ConfigFor(action)
		if !ok {
			core.Log.Warnf("DNS", "route for %q names unknown config %q, falling through", domain, action.ConfigID)
			return Result{}
		}
		cfg = c
	}

	offset := ic.Pool.AllocateForDomain(domain, cfg, isDirect)

	if q.Qtype == dns.TypeAAAA && !ic.IPv6 {
		return Result{Handled: true, Response: ic.buildNodata(msg, q)}
	}

	var rr dns.RR
	if q.Qtype == dns.TypeA {
		rr = &dns.A{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 1},
			A:   fakeip.IPv4(offset).AsSlice(),
		}
	} else {
		rr = &dns.AAAA{
			Hdr:  dns.RR_Header{Name: q.Name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: 1},
			AAAA: fakeip.IPv6(offset).AsSlice(),
		}
	}

	resp := new(dns.Msg)
	resp.SetReply(msg)
	resp.Authoritative = true
	resp.RecursionAvailable = true
	resp.Answer = []dns.RR{rr}

	packed, err := resp.Pack()
	if err != nil {
		core.Log.Warnf("DNS", "pack response for %q: %v", domain, err)
		return Result{}
	}
	return Result{Handled: true, Response: packed}
}

// buildNodata constructs a QR=1,AA=1,RD=1,RA=1 (0x8580) response with
// ANCOUNT=0, used both for the DDR block and for AAAA-with-IPv6-disabled.
func (ic *Interceptor) buildNodata(query *dns.Msg, q dns.Question) []byte {
	resp := new(dns.Msg)
	resp.SetReply(query)
	resp.Authoritative = true
	resp.RecursionAvailable = true
	resp.Answer = nil

	packed, err := resp.Pack()
	if err != nil {
		core.Log.Warnf("DNS", "pack NODATA for %q: %v", q.Name, err)
		return nil
	}
	return packed
}
