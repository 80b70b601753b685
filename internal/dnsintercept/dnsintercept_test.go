package dnsintercept

import (
	"testing"

	"github.com/google/uuid"
	"github.com/miekg/dns"

	"vlesscore/internal/fakeip"
	"vlesscore/internal/router"
	"vlesscore/internal/vlessconfig"
)

func buildQuery(name string, qtype uint16) []byte {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	packed, err := msg.Pack()
	if err != nil {
		panic(err)
	}
	return packed
}

func TestInterceptDDRBlockedWhenDoHDisabled(t *testing.T) {
	ic := &Interceptor{Pool: fakeip.New(), DoHEnable: false}
	result := ic.Intercept(buildQuery("_dns.resolver.arpa", dns.TypeA))
	if !result.Handled {
		t.Fatalf("expected DDR query to be intercepted")
	}
	resp := new(dns.Msg)
	if err := resp.Unpack(result.Response); err != nil {
		t.Fatalf("unpack response: %v", err)
	}
	if len(resp.Answer) != 0 {
		t.Fatalf("expected NODATA, got %d answers", len(resp.Answer))
	}
}

func TestInterceptMatchedDomainAllocatesFakeIP(t *testing.T) {
	id := uuid.New()
	cfg := &vlessconfig.VlessConfig{ServerHost: "proxy.example", ServerPort: 443, UUID: id}
	configs := map[string]*vlessconfig.VlessConfig{"cfg1": cfg}
	r := router.New([]router.Rule{
		{Type: router.RuleDomainSuffix, Value: "example.com", Action: router.RouteAction{Kind: router.ActionProxy, ConfigID: "cfg1"}},
	}, configs)

	pool := fakeip.New()
	ic := &Interceptor{Router: r, Pool: pool, IPv6: true}

	result := ic.Intercept(buildQuery("www.example.com", dns.TypeA))
	if !result.Handled {
		t.Fatalf("expected matched domain to be intercepted")
	}
	resp := new(dns.Msg)
	if err := resp.Unpack(result.Response); err != nil {
		t.Fatalf("unpack response: %v", err)
	}
	if len(resp.Answer) != 1 {
		t.Fatalf("expected 1 answer, got %d", len(resp.Answer))
	}
	a, ok := resp.Answer[0].(*dns.A)
	if !ok {
		t.Fatalf("expected A record, got %T", resp.Answer[0])
	}
	if a.A[0] != 198 || a.A[1] != 18 {
		t.Fatalf("expected fake-IP range 198.18.0.0/15, got %v", a.A)
	}
	if _, ok := pool.LookupByDomain("www.example.com"); !ok {
		t.Fatalf("expected pool to have allocated an entry for the domain")
	}
}

func TestInterceptUnmatchedDomainFallsThrough(t *testing.T) {
	r := router.New(nil, nil)
	ic := &Interceptor{Router: r, Pool: fakeip.New()}
	result := ic.Intercept(buildQuery("unrelated.org", dns.TypeA))
	if result.Handled {
		t.Fatalf("expected unmatched domain to fall through")
	}
}

func TestInterceptNonAQueryFallsThrough(t *testing.T) {
	r := router.New([]router.Rule{
		{Type: router.RuleDomain, Value: "example.com", Action: router.RouteAction{Kind: router.ActionDirect}},
	}, nil)
	ic := &Interceptor{Router: r, Pool: fakeip.New()}
	result := ic.Intercept(buildQuery("example.com", dns.TypeMX))
	if result.Handled {
		t.Fatalf("expected non-A/AAAA query to fall through")
	}
}
