package engine

import (
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

func TestCopyDirectionMovesBytesAndCountsThem(t *testing.T) {
	src, srcWriter := net.Pipe()
	dst, dstReader := net.Pipe()
	defer src.Close()
	defer srcWriter.Close()
	defer dst.Close()
	defer dstReader.Close()

	var selfDone, peerDone atomic.Bool
	var counter atomic.Uint64
	done := make(chan struct{})
	go func() {
		copyDirection(dst, src, &selfDone, &peerDone, &counter)
		close(done)
	}()

	payload := []byte("hello from the uplink")
	go func() {
		srcWriter.Write(payload)
		srcWriter.Close()
	}()

	got := make([]byte, len(payload))
	if _, err := readFull(dstReader, got); err != nil {
		t.Fatalf("read relayed bytes: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("copyDirection did not return after src closed")
	}

	if !selfDone.Load() {
		t.Fatalf("expected selfDone to be set once src returned EOF")
	}
	if counter.Load() != uint64(len(payload)) {
		t.Fatalf("counter = %d, want %d", counter.Load(), len(payload))
	}
}

func TestCopyDirectionTightensDeadlineOncePeerDone(t *testing.T) {
	src, srcWriter := net.Pipe()
	dst, _ := net.Pipe()
	defer src.Close()
	defer srcWriter.Close()
	defer dst.Close()

	var selfDone, peerDone atomic.Bool
	peerDone.Store(true)

	done := make(chan struct{})
	go func() {
		copyDirection(dst, src, &selfDone, &peerDone, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("copyDirection should have hit the shortened half-close deadline")
	}
	if !selfDone.Load() {
		t.Fatalf("expected selfDone to be set after the read deadline fired")
	}
}

// blockingConn is a net.Conn whose Write blocks forever (no reader ever
// drains it) and whose Read endlessly supplies zero bytes without blocking,
// simulating a destination that can't keep up with a fast source.
type blockingConn struct {
	net.Conn
	writeBlock chan struct{}
}

func newBlockingConn() *blockingConn {
	return &blockingConn{writeBlock: make(chan struct{})}
}

func (c *blockingConn) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func (c *blockingConn) Write(p []byte) (int, error) {
	<-c.writeBlock // never closed in the overflow test: simulates a stalled peer
	return len(p), nil
}

func (c *blockingConn) Close() error                       { return nil }
func (c *blockingConn) SetDeadline(t time.Time) error       { return nil }
func (c *blockingConn) SetReadDeadline(t time.Time) error   { return nil }
func (c *blockingConn) SetWriteDeadline(t time.Time) error  { return nil }

func TestCopyDirectionAbortsOnBackpressureOverflow(t *testing.T) {
	src := newBlockingConn()  // fast, unbounded source
	dst := newBlockingConn()  // Write blocks forever: nothing ever drains the queue

	var selfDone, peerDone atomic.Bool
	errc := make(chan error, 1)
	go func() {
		errc <- copyDirection(dst, src, &selfDone, &peerDone, nil)
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrBackpressureOverflow) {
			t.Fatalf("err = %v, want ErrBackpressureOverflow", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("copyDirection did not abort once the overflow cap was exceeded")
	}
	if !selfDone.Load() {
		t.Fatalf("expected selfDone to be set once copyDirection aborted")
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
