package netstack

import (
	"net/netip"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/waiter"

	"vlesscore/internal/core"
)

// TCPSendOverflowCap is the per-flow backpressure cap (§4.2, §8 Scenario 5):
// once this many bytes are queued for this endpoint but not yet written,
// the caller aborts the flow instead of buffering further.
const TCPSendOverflowCap = 512 * 1024

// TCPConn is the per-connection handle the stack hands to TCPAccept. It
// wraps gVisor's gonet.TCPConn (itself a net.Conn) with the narrower set of
// operations §4.1 names so callers read like they're driving tcp_write /
// tcp_sndbuf / tcp_recved / tcp_close / tcp_abort directly, even though
// gVisor's net.Conn surface implements the send-window/ack bookkeeping
// those names describe internally.
type TCPConn struct {
	*gonet.TCPConn
	pending atomic.Int64
}

// AddPending adjusts the count of bytes a caller has queued for this
// endpoint but not yet confirmed written (positive when enqueuing, negative
// once the write completes). SendBufferAvailable reads this count back.
func (c *TCPConn) AddPending(n int) {
	c.pending.Add(int64(n))
}

// SendBufferAvailable reports whether the endpoint has headroom under
// TCPSendOverflowCap, corresponding to tcp_sndbuf — callers use this to
// decide whether to keep reading from the peer (pull-model backpressure,
// §4.2) or abort with BackpressureOverflow (§8 Scenario 5).
func (c *TCPConn) SendBufferAvailable() bool {
	return c.pending.Load() < TCPSendOverflowCap
}

// Abort closes the connection, corresponding to tcp_abort. gonet's TCPConn
// has no separate reset-vs-FIN knob at this layer, so Abort is Close with a
// name that matches the operation callers expect from §4.1.
func (c *TCPConn) Abort() {
	_ = c.TCPConn.Close()
}

func (s *Stack) handleTCP(r *tcp.ForwarderRequest) {
	id := r.ID()
	src := addrPort(id.RemoteAddress, id.RemotePort)
	dst := addrPort(id.LocalAddress, id.LocalPort)

	var wq waiter.Queue
	ep, err := r.CreateEndpoint(&wq)
	if err != nil {
		core.Log.Warnf("TCP", "handshake failed for %s->%s: %s", src, dst, err)
		r.Complete(true)
		return
	}

	opts := ep.SocketOptions()
	opts.SetKeepAlive(false)

	conn := &TCPConn{TCPConn: gonet.NewTCPConn(&wq, ep)}

	open := true
	if s.opts.OnTCP != nil {
		open = s.opts.OnTCP(conn, src, dst)
	}
	if !open {
		conn.Abort()
	}
	r.Complete(false)
}

func addrPort(addr tcpip.Address, port uint16) netip.AddrPort {
	a, ok := netip.AddrFromSlice(addr.AsSlice())
	if !ok {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(a, port)
}
