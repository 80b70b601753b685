package mux

import (
	"bytes"
	"net"
	"testing"
	"time"

	"vlesscore/internal/vless"
)

var testDest = Destination{Network: vless.CommandUDP, AddrType: vless.AddrDomain, Addr: "example.com", Port: 53}

func TestDeriveGlobalIDStableAndSized(t *testing.T) {
	a := DeriveGlobalID("example.com", 53)
	b := DeriveGlobalID("example.com", 53)
	c := DeriveGlobalID("example.com", 54)
	if len(a) != 8 {
		t.Fatalf("expected 8-byte global id, got %d", len(a))
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("same (host, port) must derive the same global id")
	}
	if bytes.Equal(a, c) {
		t.Fatalf("different ports should derive different global ids")
	}
}

func TestEncodeNewFramePayloadMatchesWireTable(t *testing.T) {
	dest := Destination{Network: vless.CommandUDP, AddrType: vless.AddrIPv4, Addr: "1.2.3.4", Port: 443}
	globalID := []byte{1, 2, 3, 4, 5, 6, 7, 8}

	got, err := encodeNewFramePayload(dest, globalID)
	if err != nil {
		t.Fatalf("encodeNewFramePayload: %v", err)
	}
	want := []byte{byte(vless.CommandUDP), 0x01, 0xbb, byte(vless.AddrIPv4), 1, 2, 3, 4}
	want = append(want, globalID...)
	if !bytes.Equal(got, want) {
		t.Fatalf("got %x, want %x", got, want)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := writeFrame(&buf, FrameKeep, 7, []byte("payload")); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	f, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if f.kind != FrameKeep || f.streamID != 7 || string(f.payload) != "payload" {
		t.Fatalf("unexpected frame: %+v", f)
	}
}

// loopbackPair returns two connected net.Conn ends for exercising MuxClient
// against a synthetic peer.
func loopbackPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	return a, b
}

func TestMuxClientOpenSessionAndDeliver(t *testing.T) {
	clientSide, peerSide := loopbackPair(t)
	defer clientSide.Close()
	defer peerSide.Close()

	client := NewMuxClient(clientSide, 0)

	received := make(chan []byte, 1)
	session, err := client.OpenSession(testDest, nil, func(b []byte) { received <- b }, nil)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}

	// Peer reads the New frame.
	f, err := readFrame(peerSide)
	if err != nil {
		t.Fatalf("peer read new frame: %v", err)
	}
	if f.kind != FrameNew || f.streamID != session.id {
		t.Fatalf("unexpected new frame: %+v", f)
	}
	wantPayload, err := encodeNewFramePayload(testDest, nil)
	if err != nil {
		t.Fatalf("encodeNewFramePayload: %v", err)
	}
	if !bytes.Equal(f.payload, wantPayload) {
		t.Fatalf("new frame payload = %x, want %x (network/port/atyp/addr encoding)", f.payload, wantPayload)
	}

	// Peer sends a Keep frame back for that stream.
	if err := writeFrame(peerSide, FrameKeep, session.id, []byte("hello")); err != nil {
		t.Fatalf("peer write keep: %v", err)
	}

	select {
	case got := <-received:
		if string(got) != "hello" {
			t.Fatalf("unexpected payload: %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for delivered payload")
	}
}

func TestMuxClientCapacity(t *testing.T) {
	clientSide, peerSide := loopbackPair(t)
	defer clientSide.Close()
	defer peerSide.Close()

	// Drain New frames on the peer side so writes don't block.
	go func() {
		for {
			if _, err := readFrame(peerSide); err != nil {
				return
			}
		}
	}()

	client := NewMuxClient(clientSide, 0)
	for i := 0; i < MaxActiveSessions; i++ {
		if _, err := client.OpenSession(testDest, nil, nil, nil); err != nil {
			t.Fatalf("session %d: unexpected error: %v", i, err)
		}
	}
	if !client.Full() {
		t.Fatalf("expected client to report full at capacity")
	}
	if _, err := client.OpenSession(testDest, nil, nil, nil); err == nil {
		t.Fatalf("expected capacity error beyond %d sessions", MaxActiveSessions)
	}
}

func TestMuxClientDeathSynthesizesClose(t *testing.T) {
	clientSide, peerSide := loopbackPair(t)
	defer clientSide.Close()

	go func() {
		for {
			if _, err := readFrame(peerSide); err != nil {
				return
			}
		}
	}()

	client := NewMuxClient(clientSide, 0)
	closed := make(chan struct{}, 1)
	_, err := client.OpenSession(testDest, nil, nil, func() { closed <- struct{}{} })
	if err != nil {
		t.Fatalf("open session: %v", err)
	}

	peerSide.Close() // forces the client's read loop to error out

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected synthetic close after client death")
	}
}
