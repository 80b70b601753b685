package engine

import (
	"net"
	"net/netip"
	"testing"
	"time"
)

func newTestFlow(key udpFlowKey, direct net.Conn) *udpFlow {
	return &udpFlow{key: key, lastActivity: time.Now(), direct: direct}
}

func TestUDPHandlerSendDirectCountsBytesOut(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	defer client.Close()

	h := NewUDPHandler(nil, nil, nil, nil, &Counters{})
	key := udpFlowKey{
		src: netip.MustParseAddrPort("10.0.0.1:1234"),
		dst: netip.MustParseAddrPort("10.0.0.2:53"),
	}
	flow := newTestFlow(key, client)
	h.flows[key] = flow

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := server.Read(buf)
		done <- buf[:n]
	}()

	h.send(flow, []byte("hello"))

	select {
	case got := <-done:
		if string(got) != "hello" {
			t.Fatalf("got %q, want %q", got, "hello")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for direct write")
	}
	if h.Counters.BytesOut.Load() != 5 {
		t.Fatalf("BytesOut = %d, want 5", h.Counters.BytesOut.Load())
	}
}

func TestUDPHandlerRemoveClosesDirectConnAndDropsFlow(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	h := NewUDPHandler(nil, nil, nil, nil, &Counters{})
	key := udpFlowKey{
		src: netip.MustParseAddrPort("10.0.0.1:1234"),
		dst: netip.MustParseAddrPort("10.0.0.2:80"),
	}
	h.flows[key] = newTestFlow(key, client)

	h.remove(key)

	if _, ok := h.flows[key]; ok {
		t.Fatal("flow should have been removed from the table")
	}
	if _, err := client.Write([]byte("x")); err == nil {
		t.Fatal("direct conn should have been closed by remove")
	}
}

func TestUDPHandlerSweepRemovesOnlyIdleFlows(t *testing.T) {
	h := NewUDPHandler(nil, nil, nil, nil, &Counters{})

	freshKey := udpFlowKey{src: netip.MustParseAddrPort("10.0.0.1:1"), dst: netip.MustParseAddrPort("10.0.0.2:1")}
	staleKey := udpFlowKey{src: netip.MustParseAddrPort("10.0.0.1:2"), dst: netip.MustParseAddrPort("10.0.0.2:2")}

	h.flows[freshKey] = &udpFlow{key: freshKey, lastActivity: time.Now()}
	h.flows[staleKey] = &udpFlow{key: staleKey, lastActivity: time.Now().Add(-2 * UDPIdleTimeout)}

	h.Sweep()

	if _, ok := h.flows[freshKey]; !ok {
		t.Fatal("fresh flow should not have been swept")
	}
	if _, ok := h.flows[staleKey]; ok {
		t.Fatal("stale flow should have been swept")
	}
}
