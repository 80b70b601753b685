package engine

import (
	"context"
	"io"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"vlesscore/internal/core"
	"vlesscore/internal/dnsintercept"
	"vlesscore/internal/mux"
	"vlesscore/internal/netstack"
	"vlesscore/internal/transport"
	"vlesscore/internal/vless"
	"vlesscore/internal/vlessconfig"
)

// UDP flow handler timeouts and caps (§4.8, §5).
const (
	UDPIdleTimeout   = 60 * time.Second
	UDPQueueCapBytes = 16 * 1024
	UDPMaxFlows      = 200
)

// udpFlowKey is the 4-tuple identifying one UDP flow.
type udpFlowKey struct {
	src netip.AddrPort
	dst netip.AddrPort
}

// udpFlow is the per-flow state §4.8 describes: a path (direct socket, a
// dedicated VLESS UDP connection, or a Mux/XUDP session), a small queue for
// datagrams that arrive before the path finishes connecting, and a
// last-activity stamp the sweeper uses for the 60s idle timeout.
type udpFlow struct {
	mu           sync.Mutex
	key          udpFlowKey
	lastActivity time.Time

	direct    net.Conn
	vlessConn *vless.Conn
	muxSess   *mux.MuxSession

	connecting  bool
	queued      [][]byte
	queuedBytes int
}

// UDPHandler dispatches inbound datagrams to per-flow paths and relays
// replies back through the stack via SendUDP (§4.8).
type UDPHandler struct {
	Resolver *Resolver
	Stack    *netstack.Stack
	Dialer   transport.Dialer
	Direct   transport.Dialer

	DNS *dnsintercept.Interceptor

	MuxManagers map[string]*mux.Manager // keyed by config UUID string, for default-config Vision+Mux flows

	Counters *Counters

	mu    sync.Mutex
	flows map[udpFlowKey]*udpFlow
}

// NewUDPHandler builds a handler with an empty flow table.
func NewUDPHandler(resolver *Resolver, stack *netstack.Stack, dialer transport.Dialer, dns *dnsintercept.Interceptor, counters *Counters) *UDPHandler {
	return &UDPHandler{
		Resolver:    resolver,
		Stack:       stack,
		Dialer:      dialer,
		Direct:      transport.DefaultDialer,
		DNS:         dns,
		MuxManagers: make(map[string]*mux.Manager),
		Counters:    counters,
		flows:       make(map[udpFlowKey]*udpFlow),
	}
}

// Receive is installed as netstack.Options.OnUDP.
func (h *UDPHandler) Receive(src, dst netip.AddrPort, payload []byte) {
	if dst.Port() == 53 && h.DNS != nil {
		if result := h.DNS.Intercept(payload); result.Handled {
			if result.Response != nil {
				if err := h.Stack.SendUDP(dst, src, result.Response); err != nil {
					core.Log.Warnf("UDP", "dns reply sendto %s failed: %v", src, err)
				}
			}
			return
		}
	}

	key := udpFlowKey{src: src, dst: dst}
	h.mu.Lock()
	flow, ok := h.flows[key]
	if !ok {
		if len(h.flows) >= UDPMaxFlows {
			h.mu.Unlock()
			core.Log.Warnf("UDP", "flow cap (%d) reached, dropping datagram %s->%s", UDPMaxFlows, src, dst)
			return
		}
		flow = &udpFlow{key: key, lastActivity: time.Now(), connecting: true}
		h.flows[key] = flow
		h.mu.Unlock()
		go h.establish(flow)
	} else {
		h.mu.Unlock()
	}

	flow.mu.Lock()
	flow.lastActivity = time.Now()
	if flow.connecting {
		if flow.queuedBytes+len(payload) > UDPQueueCapBytes {
			flow.mu.Unlock()
			return // silent drop on overflow, §4.8
		}
		flow.queued = append(flow.queued, append([]byte(nil), payload...))
		flow.queuedBytes += len(payload)
		flow.mu.Unlock()
		return
	}
	flow.mu.Unlock()

	h.send(flow, payload)
}

// establish resolves the path for a new flow and drains anything queued
// while it connected (§4.8 step 4).
func (h *UDPHandler) establish(flow *udpFlow) {
	dest := h.Resolver.Resolve(flow.key.dst.Addr())
	ctx, cancel := context.WithTimeout(context.Background(), TCPHandshakeTimeout)
	defer cancel()

	var queued [][]byte
	defer func() {
		flow.mu.Lock()
		flow.connecting = false
		queued = flow.queued
		flow.queued = nil
		flow.queuedBytes = 0
		flow.mu.Unlock()
		for _, p := range queued {
			h.send(flow, p)
		}
	}()

	if dest.IsDirect {
		addr := net.JoinHostPort(dest.RealAddr.String(), strconv.Itoa(int(flow.key.dst.Port())))
		conn, err := h.Direct(ctx, "udp", addr)
		if err != nil {
			core.Log.Warnf("UDP", "direct dial %s failed: %v", addr, err)
			h.remove(flow.key)
			return
		}
		flow.mu.Lock()
		flow.direct = conn
		flow.mu.Unlock()
		go h.pumpDirect(flow, conn)
		return
	}

	atyp, addr := addrForDomainOrIP(dest.Domain, dest.RealAddr)
	if dest.Config.MuxEnabled && dest.Config.Flow == vlessconfig.FlowVision && dest.Config.XudpEnabled {
		h.establishMux(flow, dest.Config, atyp, addr)
		return
	}

	vconn, err := dialVless(ctx, h.Dialer, dest.Config, vless.CommandUDP, atyp, addr, flow.key.dst.Port(), nil)
	if err != nil {
		core.Log.Warnf("UDP", "vless udp dial for %q failed: %v", dest.Domain, err)
		h.remove(flow.key)
		return
	}
	flow.mu.Lock()
	flow.vlessConn = vconn
	flow.mu.Unlock()
	go h.pumpVless(flow, vconn)
}

// establishMux opens an XUDP session on the default config's Manager
// instead of a dedicated connection (§4.6, §4.8).
func (h *UDPHandler) establishMux(flow *udpFlow, cfg *vlessconfig.VlessConfig, atyp vless.AddrType, addr string) {
	key := cfg.UUID.String()
	h.mu.Lock()
	manager, ok := h.MuxManagers[key]
	if !ok {
		manager = mux.NewManager(func() (io.ReadWriteCloser, error) {
			ctx, cancel := context.WithTimeout(context.Background(), TCPHandshakeTimeout)
			defer cancel()
			return dialVless(ctx, h.Dialer, cfg, vless.CommandTCP, vless.AddrDomain, cfg.ServerHost, cfg.ServerPort, nil)
		}, 30*time.Second)
		h.MuxManagers[key] = manager
	}
	h.mu.Unlock()

	globalID := mux.DeriveGlobalID(flow.key.src.Addr().String(), flow.key.src.Port())
	dest := mux.Destination{Network: vless.CommandUDP, AddrType: atyp, Addr: addr, Port: flow.key.dst.Port()}
	sess, err := manager.OpenSession(dest, globalID, func(payload []byte) {
		h.deliverReply(flow, payload)
	}, func() {
		h.remove(flow.key)
	})
	if err != nil {
		core.Log.Warnf("UDP", "mux open session for %q failed: %v", addr, err)
		h.remove(flow.key)
		return
	}
	flow.mu.Lock()
	flow.muxSess = sess
	flow.mu.Unlock()
}

// send writes one datagram to whichever path the flow settled on.
func (h *UDPHandler) send(flow *udpFlow, payload []byte) {
	flow.mu.Lock()
	direct := flow.direct
	vconn := flow.vlessConn
	sess := flow.muxSess
	flow.mu.Unlock()

	switch {
	case direct != nil:
		if _, err := direct.Write(payload); err != nil {
			core.Log.Warnf("UDP", "direct write failed: %v", err)
			h.remove(flow.key)
			return
		}
	case vconn != nil:
		framed, err := vless.EncodeUDPPayload(payload)
		if err != nil {
			core.Log.Warnf("UDP", "encode udp payload: %v", err)
			return
		}
		if _, err := vconn.Write(framed); err != nil {
			core.Log.Warnf("UDP", "vless udp write failed: %v", err)
			h.remove(flow.key)
			return
		}
	case sess != nil:
		framed, err := vless.EncodeUDPPayload(payload)
		if err != nil {
			core.Log.Warnf("UDP", "encode udp payload: %v", err)
			return
		}
		if err := sess.Send(framed); err != nil {
			core.Log.Warnf("UDP", "mux send failed: %v", err)
			h.remove(flow.key)
			return
		}
	default:
		return
	}
	if h.Counters != nil {
		h.Counters.BytesOut.Add(uint64(len(payload)))
	}
}

func (h *UDPHandler) pumpDirect(flow *udpFlow, conn net.Conn) {
	buf := make([]byte, 65535)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(UDPIdleTimeout))
		n, err := conn.Read(buf)
		if n > 0 {
			h.deliverReply(flow, buf[:n])
		}
		if err != nil {
			h.remove(flow.key)
			return
		}
	}
}

func (h *UDPHandler) pumpVless(flow *udpFlow, conn *vless.Conn) {
	var decoder vless.UDPDecoder
	buf := make([]byte, 65535)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for _, payload := range decoder.Feed(buf[:n]) {
				h.deliverReply(flow, payload)
			}
			if decoder.Pending() > UDPQueueCapBytes {
				core.Log.Warnf("UDP", "vless udp decoder overflow, dropping flow")
				h.remove(flow.key)
				return
			}
		}
		if err != nil {
			h.remove(flow.key)
			return
		}
	}
}

func (h *UDPHandler) deliverReply(flow *udpFlow, payload []byte) {
	flow.mu.Lock()
	flow.lastActivity = time.Now()
	flow.mu.Unlock()
	if err := h.Stack.SendUDP(flow.key.dst, flow.key.src, payload); err != nil {
		core.Log.Warnf("UDP", "sendto %s failed: %v", flow.key.src, err)
		return
	}
	if h.Counters != nil {
		h.Counters.BytesIn.Add(uint64(len(payload)))
	}
}

func (h *UDPHandler) remove(key udpFlowKey) {
	h.mu.Lock()
	flow, ok := h.flows[key]
	delete(h.flows, key)
	h.mu.Unlock()
	if !ok {
		return
	}
	flow.mu.Lock()
	defer flow.mu.Unlock()
	if flow.direct != nil {
		flow.direct.Close()
	}
	if flow.vlessConn != nil {
		flow.vlessConn.Close()
	}
	if flow.muxSess != nil {
		flow.muxSess.Close()
	}
}

// Sweep closes any flow idle for longer than UDPIdleTimeout. The reload
// controller's periodic tick drives this (§4.8, §5's 1s UDP sweeper).
func (h *UDPHandler) Sweep() {
	h.mu.Lock()
	var stale []udpFlowKey
	now := time.Now()
	for key, flow := range h.flows {
		flow.mu.Lock()
		idle := now.Sub(flow.lastActivity) > UDPIdleTimeout
		flow.mu.Unlock()
		if idle {
			stale = append(stale, key)
		}
	}
	h.mu.Unlock()
	for _, key := range stale {
		h.remove(key)
	}
}
