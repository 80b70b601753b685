package vless

import (
	"crypto/rand"
	"encoding/binary"
	"io"
)

// TLS record content types relevant to Vision's content-sniffing.
const (
	tlsContentChangeCipherSpec = 20
	tlsContentHandshake        = 22
	tlsContentApplicationData  = 23
)

const tlsRecordHeaderLen = 5

// visionDirState tracks the adaptive-padding schedule for one direction
// (§4.3 "Adaptive padding (Vision)"). Seed values: [contentThreshold,
// longMax, longBase, shortMax].
type visionDirState struct {
	contentThreshold int
	longMax          uint32
	longBase         uint32
	shortMax         uint32
	donePadding      bool
}

func newVisionDirState(seed [4]uint32) *visionDirState {
	return &visionDirState{
		contentThreshold: int(seed[0]),
		longMax:          seed[1],
		longBase:         seed[2],
		shortMax:         seed[3],
	}
}

// nextPadding returns the length of the padding block to prepend before the
// next outbound record, and whether this was the terminal long-padding
// block (after which this direction emits no further padding). Returns
// (0, false) once padding has already concluded.
func (s *visionDirState) nextPadding() (length uint32, isLast bool) {
	if s.donePadding {
		return 0, false
	}
	if s.contentThreshold > 0 {
		s.contentThreshold--
		return randUint32(s.shortMax + 1), false
	}
	s.donePadding = true
	return s.longBase + randUint32(s.longMax), true
}

// randUint32 returns a uniform random value in [0, bound) using a
// cryptographically-strong source (padding length is not itself sensitive,
// but crypto/rand avoids pulling in a second PRNG dependency for one call
// site, matching the rest of this package's "security-adjacent" style).
func randUint32(bound uint32) uint32 {
	if bound == 0 {
		return 0
	}
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:]) % bound
}

// VisionWriter wraps an io.Writer, interposing adaptive padding on each
// outbound application-data record until the schedule concludes, per
// §4.3. Handshake and change-cipher-spec records pass through unpadded and
// do not consume the schedule.
type VisionWriter struct {
	w     io.Writer
	state *visionDirState
}

// NewVisionWriter creates a writer using seed for the padding schedule.
func NewVisionWriter(w io.Writer, seed [4]uint32) *VisionWriter {
	return &VisionWriter{w: w, state: newVisionDirState(seed)}
}

// WriteRecord writes one outbound TLS record (including its 5-byte header),
// padding it per the adaptive schedule unless it is a handshake or
// change-cipher-spec record.
func (vw *VisionWriter) WriteRecord(record []byte) (int, error) {
	if len(record) < tlsRecordHeaderLen {
		return vw.w.Write(record)
	}
	contentType := record[0]
	if contentType == tlsContentHandshake || contentType == tlsContentChangeCipherSpec {
		return vw.w.Write(record)
	}

	padLen, _ := vw.state.nextPadding()
	if padLen == 0 {
		return vw.w.Write(record)
	}

	padding := make([]byte, tlsRecordHeaderLen+padLen)
	padding[0] = tlsContentApplicationData
	padding[1], padding[2] = 0x03, 0x03 // TLS 1.2 record-layer version, as real TLS 1.3 records use
	binary.BigEndian.PutUint16(padding[3:5], uint16(padLen))
	if _, err := rand.Read(padding[tlsRecordHeaderLen:]); err != nil {
		return 0, err
	}

	if _, err := vw.w.Write(padding); err != nil {
		return 0, err
	}
	return vw.w.Write(record)
}

// Done reports whether the padding schedule has concluded for this
// direction (the long padding block has been sent).
func (vw *VisionWriter) Done() bool { return vw.state.donePadding }

// VisionReader wraps an io.Reader, identifying and discarding the peer's
// adaptive-padding filler records using the same schedule derived from the
// seed, restoring the original record boundary on the inbound direction
// (§4.3). It mirrors VisionWriter's per-direction state machine rather than
// sharing it: each direction runs its own independent schedule off the same
// seed.
type VisionReader struct {
	r     io.Reader
	state *visionDirState
}

// NewVisionReader creates a reader using seed for the padding schedule.
func NewVisionReader(r io.Reader, seed [4]uint32) *VisionReader {
	return &VisionReader{r: r, state: newVisionDirState(seed)}
}

// readOneRecord reads exactly one wire-framed TLS record (5-byte header
// plus its declared body length) off r.
func readOneRecord(r io.Reader) ([]byte, error) {
	header := make([]byte, tlsRecordHeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint16(header[3:5])
	record := make([]byte, tlsRecordHeaderLen+int(length))
	copy(record, header)
	if length > 0 {
		if _, err := io.ReadFull(r, record[tlsRecordHeaderLen:]); err != nil {
			return nil, err
		}
	}
	return record, nil
}

// ReadRecord returns the next real record from the peer. Handshake and
// change-cipher-spec records never carry a preceding filler and are
// returned as read. Otherwise the schedule is consulted exactly once per
// slot, mirroring the order VisionWriter produced records in: if the
// schedule calls for padding at this slot, the record just read is that
// filler and is discarded in favor of the record immediately behind it.
func (vr *VisionReader) ReadRecord() ([]byte, error) {
	record, err := readOneRecord(vr.r)
	if err != nil {
		return nil, err
	}
	if vr.state.donePadding || len(record) < tlsRecordHeaderLen {
		return record, nil
	}
	contentType := record[0]
	if contentType == tlsContentHandshake || contentType == tlsContentChangeCipherSpec {
		return record, nil
	}

	padLen, _ := vr.state.nextPadding()
	if padLen == 0 {
		return record, nil
	}
	return readOneRecord(vr.r)
}

// ContentSniffer watches inbound TLS records and reports when the
// connection has reached the transcript point where Vision switches to
// direct (raw, unframed) pass-through: the first application-data record
// (under TLS 1.3 the server's encrypted Finished already travels in one).
// Handshake-typed records never trigger it (§4.3 "Content sniffing").
type ContentSniffer struct {
	triggered bool
}

// Observe inspects one inbound record's content type byte and returns true
// the first time (and every time thereafter) the direct-mode trigger
// condition has been met.
func (c *ContentSniffer) Observe(contentType byte) bool {
	if c.triggered {
		return true
	}
	if contentType == tlsContentApplicationData {
		c.triggered = true
	}
	return c.triggered
}

// Triggered reports whether direct mode has already started.
func (c *ContentSniffer) Triggered() bool { return c.triggered }
