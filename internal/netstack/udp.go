package netstack

import (
	"fmt"
	"net/netip"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/stack"

	"vlesscore/internal/core"
)

// handleUDP is installed as the stack's UDP transport protocol handler
// instead of a forwarder, so the stack can synthesize full-cone-style
// replies via SendTo rather than holding a live endpoint per flow — the
// flow table lives in the engine, not here (§4.8).
func (s *Stack) handleUDP(id stack.TransportEndpointID, pkt *stack.PacketBuffer) bool {
	payload := pkt.Data().AsRange().ToSlice()
	if len(payload) == 0 {
		return true
	}
	src := addrPort(id.RemoteAddress, id.RemotePort)
	dst := addrPort(id.LocalAddress, id.LocalPort)
	if s.opts.OnUDP != nil {
		s.opts.OnUDP(src, dst, payload)
	}
	return true
}

// SendUDP synthesizes a UDP/IP packet appearing to come from src and
// addressed to dst, and writes it out through the stack (so it reaches the
// host tunnel via the normal output path). This is udp_sendto (§4.8): the
// engine calls it once per response payload on a UDP flow, with src equal
// to the flow's original destination (the "return address" as seen by the
// host OS) and dst equal to the flow's original source.
func (s *Stack) SendUDP(src, dst netip.AddrPort, payload []byte) error {
	isIPv4 := src.Addr().Is4()
	udpLen := header.UDPMinimumSize + len(payload)

	srcIP := tcpip.AddrFromSlice(src.Addr().AsSlice())
	dstIP := tcpip.AddrFromSlice(dst.Addr().AsSlice())

	ipHdrSize := header.IPv6MinimumSize
	netProto := header.IPv6ProtocolNumber
	if isIPv4 {
		ipHdrSize = header.IPv4MinimumSize
		netProto = header.IPv4ProtocolNumber
	}

	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		ReserveHeaderBytes: ipHdrSize + header.UDPMinimumSize,
		Payload:            buffer.MakeWithData(append([]byte(nil), payload...)),
	})
	defer pkt.DecRef()

	udpHdr := header.UDP(pkt.TransportHeader().Push(header.UDPMinimumSize))
	udpHdr.Encode(&header.UDPFields{
		SrcPort: src.Port(),
		DstPort: dst.Port(),
		Length:  uint16(udpLen),
	})
	xsum := header.PseudoHeaderChecksum(header.UDPProtocolNumber, srcIP, dstIP, uint16(udpLen))
	udpHdr.SetChecksum(^udpHdr.CalculateChecksum(checksum.Checksum(payload, xsum)))

	if isIPv4 {
		ipHdr := header.IPv4(pkt.NetworkHeader().Push(header.IPv4MinimumSize))
		ipHdr.Encode(&header.IPv4Fields{
			TotalLength: uint16(header.IPv4MinimumSize + udpLen),
			TTL:         64,
			Protocol:    uint8(header.UDPProtocolNumber),
			SrcAddr:     srcIP,
			DstAddr:     dstIP,
		})
		ipHdr.SetChecksum(^ipHdr.CalculateChecksum())
	} else {
		ipHdr := header.IPv6(pkt.NetworkHeader().Push(header.IPv6MinimumSize))
		ipHdr.Encode(&header.IPv6Fields{
			PayloadLength:     uint16(udpLen),
			TransportProtocol: header.UDPProtocolNumber,
			HopLimit:          64,
			SrcAddr:           srcIP,
			DstAddr:           dstIP,
		})
	}

	var data []byte
	for _, v := range pkt.AsSlices() {
		data = append(data, v...)
	}

	if err := s.ipStack.WriteRawPacket(defaultNIC, netProto, buffer.MakeWithData(data)); err != nil {
		core.Log.Warnf("UDP", "sendto %s->%s failed: %s", src, dst, err)
		return fmt.Errorf("netstack: write raw packet: %s", err)
	}
	return nil
}
