package engine

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"vlesscore/internal/core"
	"vlesscore/internal/netstack"
	"vlesscore/internal/transport"
	"vlesscore/internal/vless"
)

// TCP connection handler timeouts and caps (§4.2, §5).
const (
	TCPHandshakeTimeout = 60 * time.Second
	TCPIdleTimeout      = 300 * time.Second
	TCPHalfCloseTimeout = 1 * time.Second
	tcpChunkSize        = 65535
)

// TCPState is the connection handler's state machine (§4.2): Connecting ->
// Established -> {Uplink,Downlink}HalfClosed -> Closed, with Aborted
// reachable from any state on a fatal error.
type TCPState int

const (
	TCPStateConnecting TCPState = iota
	TCPStateEstablished
	TCPStateUplinkHalfClosed
	TCPStateDownlinkHalfClosed
	TCPStateClosed
	TCPStateAborted
)

func (s TCPState) String() string {
	switch s {
	case TCPStateConnecting:
		return "connecting"
	case TCPStateEstablished:
		return "established"
	case TCPStateUplinkHalfClosed:
		return "uplink_half_closed"
	case TCPStateDownlinkHalfClosed:
		return "downlink_half_closed"
	case TCPStateClosed:
		return "closed"
	case TCPStateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// TCPHandler is netstack.TCPAccept's implementation: it resolves the
// destination, dials the right outbound (direct or VLESS), and pumps bytes
// in both directions until close (§4.2).
type TCPHandler struct {
	Resolver     *Resolver
	Dialer       transport.Dialer
	DirectDialer transport.Dialer
	Counters     *Counters
}

// NewTCPHandler builds a handler whose DirectDialer is
// transport.DefaultDialer.
func NewTCPHandler(resolver *Resolver, dialer transport.Dialer, counters *Counters) *TCPHandler {
	direct := transport.DefaultDialer
	return &TCPHandler{Resolver: resolver, Dialer: dialer, DirectDialer: direct, Counters: counters}
}

// Accept is installed as netstack.Options.OnTCP. It always accepts and
// hands the connection to its own goroutine so the stack's single thread is
// never blocked on outbound dialing or the copy loop.
func (h *TCPHandler) Accept(conn *netstack.TCPConn, src, dst netip.AddrPort) bool {
	go h.serve(conn, src, dst)
	return true
}

func (h *TCPHandler) serve(conn *netstack.TCPConn, src, dst netip.AddrPort) {
	defer conn.Close()

	var state atomic.Int32
	state.Store(int32(TCPStateConnecting))

	dest := h.Resolver.Resolve(dst.Addr())

	ctx, cancel := context.WithTimeout(context.Background(), TCPHandshakeTimeout)
	defer cancel()

	outbound, err := h.dialOutboundFor(ctx, dest, dst.Port())
	if err != nil {
		state.Store(int32(TCPStateAborted))
		core.Log.Warnf("TCP", "outbound dial for %s (domain=%q) failed: %v", dst, dest.Domain, err)
		return
	}
	defer outbound.Close()

	state.Store(int32(TCPStateEstablished))
	core.Log.Debugf("TCP", "%s -> %s (domain=%q direct=%v) established", src, dst, dest.Domain, dest.IsDirect)
	if err := h.pump(conn, outbound, &state); err != nil {
		core.Log.Warnf("TCP", "%s -> %s aborted: %v", src, dst, err)
	}
	core.Log.Debugf("TCP", "%s -> %s closed (state=%s)", src, dst, TCPState(state.Load()))
}

// dialOutboundFor picks direct-dial vs. VLESS-dial per the resolved
// destination (§4.2 "outbound setup").
func (h *TCPHandler) dialOutboundFor(ctx context.Context, dest Destination, port uint16) (net.Conn, error) {
	if dest.IsDirect {
		addr := net.JoinHostPort(dest.RealAddr.String(), strconv.Itoa(int(port)))
		conn, err := h.DirectDialer(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("%w: direct dial %s: %s", ErrTransportDial, addr, err)
		}
		return conn, nil
	}

	atyp, addr := addrForDomainOrIP(dest.Domain, dest.RealAddr)
	vconn, err := dialVless(ctx, h.Dialer, dest.Config, vless.CommandTCP, atyp, addr, port, nil)
	if err != nil {
		return nil, err
	}
	return vconn, nil
}

// addrForDomainOrIP picks the VLESS request header's address encoding: a
// domain name if one is known, else the resolved real IP.
func addrForDomainOrIP(domain string, ip netip.Addr) (vless.AddrType, string) {
	if domain != "" {
		return vless.AddrDomain, domain
	}
	if ip.Is4() {
		return vless.AddrIPv4, ip.String()
	}
	return vless.AddrIPv6, ip.String()
}

// tcpOverflowCap bounds the bytes one pump direction may have read from its
// source but not yet handed off to its destination before the flow aborts
// with ErrBackpressureOverflow (§3, §4.2, §8 Scenario 5).
const tcpOverflowCap = netstack.TCPSendOverflowCap

// pendingTracker is implemented by *netstack.TCPConn. When a pump direction
// writes to one, copyDirection mirrors its queued-but-unwritten bytes into
// the endpoint's own send-buffer accounting (tcp_sndbuf, §4.2) and gates
// further reads on SendBufferAvailable rather than only tracking size
// locally.
type pendingTracker interface {
	SendBufferAvailable() bool
	AddPending(n int)
}

// overflowBuffer is a bounded byte-chunk queue decoupling a direction's
// reads from its writes: push fails once cap bytes are queued unwritten,
// which is the backpressure-overflow condition of §8 Scenario 5. A real
// destination's Write can block far longer than one read's worth of data
// takes to arrive, and without this queue that block would simply stall the
// read loop instead of ever surfacing as the documented overflow+abort.
type overflowBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  [][]byte
	size   int
	cap    int
	closed bool
}

func newOverflowBuffer(cap int) *overflowBuffer {
	b := &overflowBuffer{cap: cap}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *overflowBuffer) push(p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.size+len(p) > b.cap {
		return ErrBackpressureOverflow
	}
	b.queue = append(b.queue, append([]byte(nil), p...))
	b.size += len(p)
	b.cond.Signal()
	return nil
}

func (b *overflowBuffer) pop() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.queue) == 0 && !b.closed {
		b.cond.Wait()
	}
	if len(b.queue) == 0 {
		return nil, false
	}
	p := b.queue[0]
	b.queue = b.queue[1:]
	b.size -= len(p)
	return p, true
}

func (b *overflowBuffer) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cond.Broadcast()
}

// drainTo writes queued chunks to dst until the buffer is closed and
// drained or a write fails, mirroring byte counts into dst's pendingTracker
// accounting (if any) and into counter.
func (b *overflowBuffer) drainTo(dst io.Writer, counter *atomic.Uint64) error {
	tracker, _ := dst.(pendingTracker)
	for {
		chunk, ok := b.pop()
		if !ok {
			return nil
		}
		if tracker != nil {
			tracker.AddPending(len(chunk))
		}
		_, err := dst.Write(chunk)
		if tracker != nil {
			tracker.AddPending(-len(chunk))
		}
		if err != nil {
			return err
		}
		if counter != nil {
			counter.Add(uint64(len(chunk)))
		}
	}
}

// pump runs the bidirectional copy loop with the idle/half-close timeouts
// of §4.2 and §5: each direction reads with a deadline that shortens to
// TCPHalfCloseTimeout once its peer direction has finished, and
// TCPIdleTimeout otherwise. It returns the first direction's error, if any;
// a non-nil return is always ErrBackpressureOverflow or a transport error,
// and both directions are aborted together so the peer doesn't linger on
// its own read deadline once one side has failed.
func (h *TCPHandler) pump(inbound *netstack.TCPConn, outbound net.Conn, state *atomic.Int32) error {
	var wg sync.WaitGroup
	var upDone, downDone atomic.Bool

	var bytesOut, bytesIn *atomic.Uint64
	if h.Counters != nil {
		bytesOut, bytesIn = &h.Counters.BytesOut, &h.Counters.BytesIn
	}

	var abortOnce sync.Once
	var abortErr atomic.Value
	abort := func(err error) {
		abortOnce.Do(func() {
			state.Store(int32(TCPStateAborted))
			abortErr.Store(err)
			inbound.Abort()
			outbound.Close()
		})
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := copyDirection(outbound, inbound, &upDone, &downDone, bytesOut); err != nil {
			abort(fmt.Errorf("uplink: %w", err))
		} else {
			state.CompareAndSwap(int32(TCPStateEstablished), int32(TCPStateUplinkHalfClosed))
		}
	}()
	go func() {
		defer wg.Done()
		if err := copyDirection(inbound, outbound, &downDone, &upDone, bytesIn); err != nil {
			abort(fmt.Errorf("downlink: %w", err))
		} else {
			state.CompareAndSwap(int32(TCPStateEstablished), int32(TCPStateDownlinkHalfClosed))
		}
	}()
	wg.Wait()

	if err, ok := abortErr.Load().(error); ok {
		return err
	}
	state.Store(int32(TCPStateClosed))
	return nil
}

// copyDirection copies from src to dst until src errors or returns EOF,
// marking selfDone when it exits, tightening its own read deadline once
// peerDone is set, and adding every byte moved to counter (nil counter is a
// no-op, used in tests). Reads are queued through a bounded overflowBuffer
// rather than written to dst synchronously, so a slow dst can't silently
// stall the read loop: once tcpOverflowCap bytes are queued unwritten, or
// dst reports its own send buffer exhausted via pendingTracker, copyDirection
// returns ErrBackpressureOverflow (§4.2, §8 Scenario 5).
func copyDirection(dst io.Writer, src net.Conn, selfDone, peerDone *atomic.Bool, counter *atomic.Uint64) error {
	defer selfDone.Store(true)

	tracker, _ := dst.(pendingTracker)
	buf := newOverflowBuffer(tcpOverflowCap)
	writeDone := make(chan error, 1)
	go func() { writeDone <- buf.drainTo(dst, counter) }()

	readBuf := make([]byte, tcpChunkSize)
	var retErr error
	for {
		deadline := TCPIdleTimeout
		if peerDone.Load() {
			deadline = TCPHalfCloseTimeout
		}
		_ = src.SetReadDeadline(time.Now().Add(deadline))
		n, err := src.Read(readBuf)
		if n > 0 {
			if tracker != nil && !tracker.SendBufferAvailable() {
				retErr = ErrBackpressureOverflow
				break
			}
			if perr := buf.push(readBuf[:n]); perr != nil {
				retErr = perr
				break
			}
		}
		if err != nil {
			break
		}
	}

	buf.close()
	if retErr != nil {
		// The drain goroutine may be stuck in a stalled dst.Write; the
		// caller's abort closes dst, which releases it.
		return retErr
	}
	return <-writeDone
}
