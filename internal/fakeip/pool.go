// Package fakeip implements FakeIpPool: the offset-keyed synthetic IP
// allocator the DNS interceptor hands out for routed domains (§3, §4.7).
package fakeip

import (
	"net/netip"

	"vlesscore/internal/core"
	"vlesscore/internal/router"
	"vlesscore/internal/vlessconfig"
)

const (
	// MinOffset and MaxOffset bound the allocatable offset range [1, 131071].
	MinOffset = 1
	MaxOffset = 131071
)

var (
	ipv4Base = [4]byte{198, 18, 0, 0}
	ipv6Base = [16]byte{0xfc, 0x00} // fc00:: with the offset in the last 32 bits
)

// Entry is a FakeIpEntry: a domain-to-offset binding (§3). Config is nil
// iff IsDirect.
type Entry struct {
	Domain   string
	Offset   uint32
	Config   *vlessconfig.VlessConfig
	IsDirect bool

	// intrusive LRU links, valid only while the entry is live in the pool
	lruPrev, lruNext *Entry
}

// Pool is the FakeIpPool: two parallel maps (domain→offset, offset→entry)
// plus an intrusive LRU of offsets (§3).
type Pool struct {
	byDomain map[string]uint32
	byOffset map[uint32]*Entry
	nextFree uint32 // next never-yet-used offset, monotonic until it hits MaxOffset

	lruHead, lruTail *Entry // head = most recently used
}

// New creates an empty pool.
func New() *Pool {
	return &Pool{
		byDomain: make(map[string]uint32),
		byOffset: make(map[uint32]*Entry),
		nextFree: MinOffset,
	}
}

// IPv4 returns the IPv4 fake address for an offset: 198.18.0.0 + offset.
func IPv4(offset uint32) netip.Addr {
	b := ipv4Base
	addOffset(b[:], offset)
	return netip.AddrFrom4(b)
}

// IPv6 returns the IPv6 fake address for an offset: fc00:: with the offset
// packed into the last 32 bits.
func IPv6(offset uint32) netip.Addr {
	b := ipv6Base
	b[12] = byte(offset >> 24)
	b[13] = byte(offset >> 16)
	b[14] = byte(offset >> 8)
	b[15] = byte(offset)
	return netip.AddrFrom16(b)
}

func addOffset(b []byte, offset uint32) {
	// b starts as 198.18.0.0; add offset as a big-endian 32-bit value.
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	v += offset
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

// IPv4ToOffset parses a dotted-quad IPv4 fake address back to its offset.
// Returns ok=false if the address is outside the fake-IP range or the
// offset falls outside [MinOffset, MaxOffset].
func IPv4ToOffset(addr netip.Addr) (uint32, bool) {
	if !addr.Is4() {
		return 0, false
	}
	b := addr.As4()
	base := uint32(ipv4Base[0])<<24 | uint32(ipv4Base[1])<<16 | uint32(ipv4Base[2])<<8 | uint32(ipv4Base[3])
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	if v < base {
		return 0, false
	}
	offset := v - base
	if offset < MinOffset || offset > MaxOffset {
		return 0, false
	}
	return offset, true
}

// IPv6ToOffset parses an fc00::/18-style IPv6 fake address back to its
// offset. Bytes 0-1 must be 0xFC 0x00 and bytes 2-11 must be zero.
func IPv6ToOffset(addr netip.Addr) (uint32, bool) {
	if !addr.Is6() || addr.Is4In6() {
		return 0, false
	}
	b := addr.As16()
	if b[0] != 0xfc || b[1] != 0x00 {
		return 0, false
	}
	for i := 2; i < 12; i++ {
		if b[i] != 0 {
			return 0, false
		}
	}
	offset := uint32(b[12])<<24 | uint32(b[13])<<16 | uint32(b[14])<<8 | uint32(b[15])
	if offset < MinOffset || offset > MaxOffset {
		return 0, false
	}
	return offset, true
}

// IsFakeIP reports whether addr falls in either fake-IP range, independent
// of whether an offset is currently allocated.
func IsFakeIP(addr netip.Addr) bool {
	if addr.Is4() {
		_, ok := IPv4ToOffset(addr)
		return ok
	}
	_, ok := IPv6ToOffset(addr)
	return ok
}

// Lookup resolves an offset to its live entry.
func (p *Pool) Lookup(offset uint32) (*Entry, bool) {
	e, ok := p.byOffset[offset]
	if ok {
		p.lruPromote(e)
	}
	return e, ok
}

// LookupByDomain resolves a domain to its live entry.
func (p *Pool) LookupByDomain(domain string) (*Entry, bool) {
	off, ok := p.byDomain[domain]
	if !ok {
		return nil, false
	}
	return p.Lookup(off)
}

// AllocateForDomain returns the offset bound to domain, creating or
// refreshing the binding as needed (§4.7 "Pool" allocation rule): if the
// domain is already known, touch the LRU and replace the entry (the
// config may have changed); else pick the next offset up to the cap,
// otherwise evict the LRU tail.
func (p *Pool) AllocateForDomain(domain string, cfg *vlessconfig.VlessConfig, isDirect bool) uint32 {
	if off, ok := p.byDomain[domain]; ok {
		e := p.byOffset[off]
		e.Config = cfg
		e.IsDirect = isDirect
		p.lruPromote(e)
		return off
	}

	var offset uint32
	if p.nextFree <= MaxOffset {
		offset = p.nextFree
		p.nextFree++
	} else {
		offset = p.evictLRU()
	}

	e := &Entry{Domain: domain, Offset: offset, Config: cfg, IsDirect: isDirect}
	p.byDomain[domain] = offset
	p.byOffset[offset] = e
	p.lruPush(e)
	return offset
}

// removeEntry deletes an entry from both maps and the LRU list.
func (p *Pool) removeEntry(e *Entry) {
	delete(p.byDomain, e.Domain)
	delete(p.byOffset, e.Offset)
	p.lruRemove(e)
}

// evictLRU removes and returns the offset of the least-recently-used entry.
// Only called once nextFree has been exhausted.
func (p *Pool) evictLRU() uint32 {
	tail := p.lruTail
	offset := tail.Offset
	p.removeEntry(tail)
	return offset
}

// Flush clears the pool entirely (full teardown — not the same as Rebuild).
func (p *Pool) Flush() {
	p.byDomain = make(map[string]uint32)
	p.byOffset = make(map[uint32]*Entry)
	p.nextFree = MinOffset
	p.lruHead, p.lruTail = nil, nil
}

// Rebuild walks every mapped domain and resolves it against router: if
// unmatched or the proxy config is missing, the entry is removed; else its
// config and is_direct are updated in place (§4.7, §8 idempotence:
// Rebuild(r); Rebuild(r) == Rebuild(r)).
func (p *Pool) Rebuild(r *router.DomainRouter) {
	for domain, offset := range p.byDomain {
		e := p.byOffset[offset]
		action, matched := r.Match(domain)
		if !matched {
			p.removeEntry(e)
			continue
		}
		if action.IsDirect() {
			e.Config = nil
			e.IsDirect = true
			continue
		}
		cfg, ok := r.ConfigFor(action)
		if !ok {
			core.Log.Warnf("FakeIP", "rebuild: config %s for domain %s not found, dropping", action.ConfigID, domain)
			p.removeEntry(e)
			continue
		}
		e.Config = cfg
		e.IsDirect = false
	}
}

// --- intrusive LRU (most-recently-used at head) ---

func (p *Pool) lruPush(e *Entry) {
	e.lruPrev = nil
	e.lruNext = p.lruHead
	if p.lruHead != nil {
		p.lruHead.lruPrev = e
	}
	p.lruHead = e
	if p.lruTail == nil {
		p.lruTail = e
	}
}

func (p *Pool) lruRemove(e *Entry) {
	if e.lruPrev != nil {
		e.lruPrev.lruNext = e.lruNext
	} else {
		p.lruHead = e.lruNext
	}
	if e.lruNext != nil {
		e.lruNext.lruPrev = e.lruPrev
	} else {
		p.lruTail = e.lruPrev
	}
	e.lruPrev, e.lruNext = nil, nil
}

func (p *Pool) lruPromote(e *Entry) {
	if p.lruHead == e {
		return
	}
	p.lruRemove(e)
	p.lruPush(e)
}

// Len returns the number of live entries, for tests and diagnostics.
func (p *Pool) Len() int {
	return len(p.byOffset)
}
