// Package netstack binds the engine to a single-threaded userspace TCP/IP
// stack (§4.1) built on gVisor's netstack, the way xray-core's proxy/tun
// package wires a tun device to gVisor. The Stack owns exactly one NIC fed
// by a gvisor channel.Endpoint: Input submits inbound IP frames, and output
// frames are delivered to a caller-supplied callback on the stack's own
// goroutine, matching the "exactly one stack thread" invariant.
package netstack

import (
	"context"
	"fmt"
	"net/netip"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"

	"vlesscore/internal/core"
)

const defaultNIC tcpip.NICID = 1

// outboundQueueDepth bounds the channel endpoint's internal outbound packet
// queue; the stack favors dropping under extreme backpressure over
// unbounded buffering, consistent with §4.2's own backpressure stance.
const outboundQueueDepth = 512

// TCPAccept is invoked once per inbound TCP SYN that completes the gVisor
// three-way handshake. The handler decides whether to keep the connection
// (open=true) or to reset it immediately (open=false), mirroring the
// tcpHandler.Proxy(gconn, src, target) (open bool) shape.
type TCPAccept func(conn *TCPConn, src, dst netip.AddrPort) (open bool)

// UDPReceive is invoked once per inbound UDP datagram with its 4-tuple and
// payload.
type UDPReceive func(src, dst netip.AddrPort, payload []byte)

// OutputFunc receives one frame the stack wants delivered to the host
// tunnel, along with whether it is IPv6.
type OutputFunc func(frame []byte, isIPv6 bool)

// Options configures a Stack (§4.1).
type Options struct {
	MTU        uint32
	IPv4Addr   netip.Addr // e.g. 10.8.0.2
	IPv6Addr   netip.Addr // zero Addr disables IPv6, e.g. fd00::2
	OnTCP    TCPAccept
	OnUDP    UDPReceive
	OnOutput OutputFunc
}

// Stack is the userspace TCP/IP binding described in §4.1. All exported
// methods other than Input/Close are meant to be called only from the
// stack's own goroutines (the TCP accept callback and Output callback);
// Input and Close may be called from any goroutine, matching the "writer
// context hands frames in, stack hands frames out" single-thread contract.
type Stack struct {
	ipStack  *stack.Stack
	endpoint *channel.Endpoint
	opts     Options
}

// New builds and starts a Stack: creates the NIC, installs the TCP
// forwarder and UDP packet handler, and starts the output-dispatch
// goroutine that drains endpoint and calls opts.OnOutput.
func New(opts Options) (*Stack, error) {
	if opts.MTU == 0 {
		opts.MTU = 1400
	}
	endpoint := channel.New(outboundQueueDepth, opts.MTU, "")

	ipStack := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, ipv6.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
		HandleLocal:        false,
	})

	if err := ipStack.CreateNIC(defaultNIC, endpoint); err != nil {
		return nil, fmt.Errorf("netstack: create nic: %s", err)
	}

	if opts.IPv4Addr.IsValid() {
		if err := addAddress(ipStack, opts.IPv4Addr, ipv4.ProtocolNumber); err != nil {
			return nil, err
		}
	}
	if opts.IPv6Addr.IsValid() {
		if err := addAddress(ipStack, opts.IPv6Addr, ipv6.ProtocolNumber); err != nil {
			return nil, err
		}
	}

	ipStack.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: defaultNIC},
		{Destination: header.IPv6EmptySubnet, NIC: defaultNIC},
	})
	if err := ipStack.SetSpoofing(defaultNIC, true); err != nil {
		return nil, fmt.Errorf("netstack: set spoofing: %s", err)
	}
	if err := ipStack.SetPromiscuousMode(defaultNIC, true); err != nil {
		return nil, fmt.Errorf("netstack: set promiscuous: %s", err)
	}

	s := &Stack{ipStack: ipStack, endpoint: endpoint, opts: opts}

	tcpForwarder := tcp.NewForwarder(ipStack, 0, 65535, s.handleTCP)
	ipStack.SetTransportProtocolHandler(tcp.ProtocolNumber, tcpForwarder.HandlePacket)
	ipStack.SetTransportProtocolHandler(udp.ProtocolNumber, s.handleUDP)

	go s.dispatchOutput()

	return s, nil
}

func addAddress(ipStack *stack.Stack, addr netip.Addr, proto tcpip.NetworkProtocolNumber) error {
	protoAddr := tcpip.ProtocolAddress{
		Protocol:          proto,
		AddressWithPrefix: tcpip.AddrFromSlice(addr.AsSlice()).WithPrefix(),
	}
	if err := ipStack.AddProtocolAddress(defaultNIC, protoAddr, stack.AddressProperties{}); err != nil {
		return fmt.Errorf("netstack: add address %s: %s", addr, err)
	}
	return nil
}

// Input submits one inbound IP frame read from the host tunnel.
func (s *Stack) Input(frame []byte) error {
	if len(frame) == 0 {
		return fmt.Errorf("netstack: empty input frame")
	}
	var proto tcpip.NetworkProtocolNumber
	switch frame[0] >> 4 {
	case 4:
		proto = ipv4.ProtocolNumber
	case 6:
		proto = ipv6.ProtocolNumber
	default:
		return fmt.Errorf("netstack: unrecognized IP version in input frame")
	}
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(append([]byte(nil), frame...)),
	})
	defer pkt.DecRef()
	s.endpoint.InjectInbound(proto, pkt)
	return nil
}

// CheckTimeouts is the stack tick operation (§4.1, driven at 250ms by the
// caller). It does nothing: gVisor's own TCP retransmit/keepalive timers
// run independently of it. The engine's tick calls the UDP sweeper itself,
// and mux keepalive runs inside MuxClient.
func (s *Stack) CheckTimeouts() {}

// Close tears the stack down.
func (s *Stack) Close() {
	s.endpoint.Attach(nil)
	s.ipStack.Close()
	for _, ep := range s.ipStack.CleanupEndpoints() {
		ep.Abort()
	}
	core.Log.Infof("Stack", "netstack closed")
}

func (s *Stack) dispatchOutput() {
	ctx := context.Background()
	for {
		pkt := s.endpoint.ReadContext(ctx)
		if pkt == nil {
			return
		}
		view := pkt.ToView()
		data := view.AsSlice()
		isIPv6 := len(data) > 0 && data[0]>>4 == 6
		if s.opts.OnOutput != nil {
			s.opts.OnOutput(append([]byte(nil), data...), isIPv6)
		}
		pkt.DecRef()
	}
}
