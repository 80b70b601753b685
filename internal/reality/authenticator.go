package reality

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// authTimestampWindow rounds the authenticator timestamp down to the
// nearest 8 seconds (§4.4).
const authTimestampWindow = 8 * time.Second

// BuildAuthenticator computes the 8-byte value embedded in the last 8 bytes
// of client_random. It encrypts (shortID || timestamp_u32_be ||
// hash(ecdhSharedSecret)) with AES-128-GCM keyed on the first 16 bytes of
// hash(serverPublicKey || clientEphemeralPublic); per §4.4 the ciphertext
// plus GCM tag collapse into the fixed 8-byte authenticator field the way
// the reference construction does: here the encrypted output is truncated
// to 8 bytes, matching the wire budget client_random leaves for it.
func BuildAuthenticator(serverPublicKey, clientEphemeralPublic, ecdhSharedSecret, shortID []byte, now time.Time) ([8]byte, error) {
	var out [8]byte

	keyMaterial := sha256.Sum256(append(append([]byte{}, serverPublicKey...), clientEphemeralPublic...))
	key := keyMaterial[:16]

	block, err := aes.NewCipher(key)
	if err != nil {
		return out, fmt.Errorf("reality: authenticator cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return out, fmt.Errorf("reality: authenticator gcm: %w", err)
	}

	secretHash := sha256.Sum256(ecdhSharedSecret)

	ts := uint32(now.Truncate(authTimestampWindow).Unix())
	var tsBytes [4]byte
	binary.BigEndian.PutUint32(tsBytes[:], ts)

	plain := make([]byte, 0, 8+4+len(secretHash))
	var sid [8]byte
	copy(sid[:], shortID) // zero-padded if shorter than 8 bytes
	plain = append(plain, sid[:]...)
	plain = append(plain, tsBytes[:]...)
	plain = append(plain, secretHash[:]...)

	nonce := make([]byte, gcm.NonceSize())
	ciphertext := gcm.Seal(nil, nonce, plain, nil)
	copy(out[:], ciphertext[:8])
	return out, nil
}

// VerifyAuthenticator recomputes the authenticator server-side and compares
// it to the one embedded in client_random, allowing one window of clock
// skew either direction (±8s) per §4.4's rounding behavior.
func VerifyAuthenticator(got [8]byte, serverPublicKey, clientEphemeralPublic, ecdhSharedSecret, shortID []byte, now time.Time) bool {
	for _, skew := range []time.Duration{0, authTimestampWindow, -authTimestampWindow} {
		want, err := BuildAuthenticator(serverPublicKey, clientEphemeralPublic, ecdhSharedSecret, shortID, now.Add(skew))
		if err == nil && want == got {
			return true
		}
	}
	return false
}
