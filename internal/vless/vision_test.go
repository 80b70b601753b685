package vless

import (
	"bytes"
	"testing"
)

func TestVisionWriterStopsPaddingAfterThreshold(t *testing.T) {
	var buf bytes.Buffer
	seed := [4]uint32{2, 10, 5, 8} // tiny threshold so the test is fast
	vw := NewVisionWriter(&buf, seed)

	record := func(n int) []byte {
		r := make([]byte, tlsRecordHeaderLen+n)
		r[0] = tlsContentApplicationData
		return r
	}

	for i := 0; i < 2; i++ {
		if vw.Done() {
			t.Fatalf("padding concluded too early at record %d", i)
		}
		if _, err := vw.WriteRecord(record(10)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	// The third record triggers the terminal long-padding block.
	if _, err := vw.WriteRecord(record(10)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !vw.Done() {
		t.Fatalf("expected padding schedule to conclude")
	}

	// Further records pass through unpadded.
	before := buf.Len()
	if _, err := vw.WriteRecord(record(10)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if buf.Len()-before != tlsRecordHeaderLen+10 {
		t.Fatalf("expected unpadded passthrough, wrote %d extra bytes", buf.Len()-before)
	}
}

func TestVisionWriterPassesHandshakeUnpadded(t *testing.T) {
	var buf bytes.Buffer
	vw := NewVisionWriter(&buf, [4]uint32{5, 10, 5, 8})
	hs := make([]byte, tlsRecordHeaderLen+4)
	hs[0] = tlsContentHandshake
	if _, err := vw.WriteRecord(hs); err != nil {
		t.Fatalf("write: %v", err)
	}
	if buf.Len() != len(hs) {
		t.Fatalf("expected handshake record to pass through unpadded, got %d bytes", buf.Len())
	}
}

func TestVisionReaderStripsPaddingAndRestoresBoundaries(t *testing.T) {
	var buf bytes.Buffer
	seed := [4]uint32{2, 10, 5, 8}
	vw := NewVisionWriter(&buf, seed)

	record := func(tag byte) []byte {
		r := make([]byte, tlsRecordHeaderLen+4)
		r[0] = tlsContentApplicationData
		r[3], r[4] = 0, 4
		r[tlsRecordHeaderLen] = tag
		return r
	}

	want := [][]byte{record(1), record(2), record(3), record(4)}
	for _, r := range want {
		if _, err := vw.WriteRecord(r); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	// The writer's filler records must have actually been interposed,
	// otherwise this test would pass even without any de-padding.
	if buf.Len() == len(want)*len(want[0]) {
		t.Fatalf("expected the writer to have inserted at least one filler record")
	}

	vr := NewVisionReader(&buf, seed)
	for i, r := range want {
		got, err := vr.ReadRecord()
		if err != nil {
			t.Fatalf("ReadRecord %d: %v", i, err)
		}
		if !bytes.Equal(got, r) {
			t.Fatalf("ReadRecord %d = %x, want %x", i, got, r)
		}
	}
}

func TestVisionReaderPassesHandshakeUnconsumed(t *testing.T) {
	var buf bytes.Buffer
	hs := make([]byte, tlsRecordHeaderLen+4)
	hs[0] = tlsContentHandshake
	hs[3], hs[4] = 0, 4
	buf.Write(hs)

	vr := NewVisionReader(&buf, [4]uint32{5, 10, 5, 8})
	got, err := vr.ReadRecord()
	if err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}
	if !bytes.Equal(got, hs) {
		t.Fatalf("got %x, want handshake record unmodified", got)
	}
}

func TestContentSniffer(t *testing.T) {
	var c ContentSniffer
	if c.Observe(tlsContentHandshake) {
		t.Fatalf("should not trigger on handshake record")
	}
	if c.Observe(tlsContentApplicationData) != true {
		t.Fatalf("should trigger on first application-data record")
	}
	if !c.Triggered() {
		t.Fatalf("expected triggered state to stick")
	}
}
