package reality

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
)

// recordHeaderLen is the 5-byte TLS record header used as AAD (§4.4).
const recordHeaderLen = 5

// TLS record content type IDs (RFC 8446 §5.1).
const (
	tlsContentHandshake       = 22
	tlsContentApplicationData = 23
)

// RecordCrypter runs the AES-GCM record layer for one direction: nonce is
// the direction's IV XORed with the big-endian 64-bit sequence number
// (right-aligned), sequence numbers restart at 0 per (direction,
// key-epoch), AAD is the 5-byte record header.
type RecordCrypter struct {
	aead cipher.AEAD
	iv   []byte
	seq  uint64
}

// NewRecordCrypter builds a crypter from a TrafficKeys pair.
func NewRecordCrypter(keys TrafficKeys) (*RecordCrypter, error) {
	block, err := aes.NewCipher(keys.Key)
	if err != nil {
		return nil, fmt.Errorf("reality: record cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("reality: record gcm: %w", err)
	}
	return &RecordCrypter{aead: aead, iv: append([]byte(nil), keys.IV...)}, nil
}

func (c *RecordCrypter) nonce() []byte {
	n := append([]byte(nil), c.iv...)
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], c.seq)
	off := len(n) - 8
	for i := 0; i < 8; i++ {
		n[off+i] ^= seqBytes[i]
	}
	return n
}

// Seal encrypts one record: inner plaintext is content||content_type||
// zero_padding (padding length chosen by the caller, 0 is fine). contentType
// is the TLSInnerPlaintext's real content type (§4.4). Returns the 5-byte
// header plus ciphertext+tag, ready to write to the wire.
func (c *RecordCrypter) Seal(content []byte, contentType byte, zeroPadding int) []byte {
	inner := make([]byte, 0, len(content)+1+zeroPadding)
	inner = append(inner, content...)
	inner = append(inner, contentType)
	inner = append(inner, make([]byte, zeroPadding)...)

	header := [recordHeaderLen]byte{tlsContentApplicationData, 0x03, 0x03}
	binary.BigEndian.PutUint16(header[3:5], uint16(len(inner)+c.aead.Overhead()))

	sealed := c.aead.Seal(nil, c.nonce(), inner, header[:])
	c.seq++

	out := make([]byte, 0, recordHeaderLen+len(sealed))
	out = append(out, header[:]...)
	out = append(out, sealed...)
	return out
}

// Open decrypts one record given its 5-byte header (as AAD) and ciphertext
// body, and unwraps the inner plaintext by scanning from the end for the
// last non-zero byte, which is the real content type (§4.4).
func (c *RecordCrypter) Open(header [recordHeaderLen]byte, ciphertext []byte) (content []byte, contentType byte, err error) {
	plain, err := c.aead.Open(nil, c.nonce(), ciphertext, header[:])
	if err != nil {
		return nil, 0, fmt.Errorf("reality: record open: %w", err)
	}
	c.seq++

	i := len(plain) - 1
	for i >= 0 && plain[i] == 0 {
		i--
	}
	if i < 0 {
		return nil, 0, fmt.Errorf("reality: record has no content type byte")
	}
	return plain[:i], plain[i], nil
}
