package reality

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/crypto/curve25519"

	"vlesscore/internal/vlessconfig"
)

// KeyPair is an X25519 ephemeral key pair.
type KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateKeyPair creates a fresh X25519 ephemeral key pair.
func GenerateKeyPair() (KeyPair, error) {
	var kp KeyPair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return kp, err
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return kp, fmt.Errorf("reality: derive public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// SharedSecret computes the ECDH shared secret with a peer's public key.
func (kp KeyPair) SharedSecret(peerPublic [32]byte) ([]byte, error) {
	return curve25519.X25519(kp.Private[:], peerPublic[:])
}

// ClientHello is the built (and, for parity, verifiable) record of a
// Reality ClientHello (§4.4).
type ClientHello struct {
	Fingerprint  Fingerprint
	ClientRandom [32]byte
	SessionID    []byte
	Ephemeral    KeyPair
	ServerName   string // covered SNI
}

// BuildClientHello constructs a ClientHello that looks, to a passive
// observer, like a vanilla TLS 1.3 handshake to params.ServerName, while
// embedding the 8-byte authenticator in the last 8 bytes of client_random.
func BuildClientHello(params vlessconfig.RealityParameters, now time.Time) (*ClientHello, error) {
	fp := Lookup(params.Fingerprint)

	ephemeral, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	sharedSecret, err := ephemeral.SharedSecret(params.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("reality: ecdh: %w", err)
	}

	var clientRandom [32]byte
	if _, err := rand.Read(clientRandom[:24]); err != nil {
		return nil, err
	}
	auth, err := BuildAuthenticator(params.PublicKey[:], ephemeral.Public[:], sharedSecret, params.ShortID, now)
	if err != nil {
		return nil, err
	}
	copy(clientRandom[24:], auth[:])

	sessionID := make([]byte, 32)
	if _, err := rand.Read(sessionID); err != nil {
		return nil, err
	}

	return &ClientHello{
		Fingerprint:  fp,
		ClientRandom: clientRandom,
		SessionID:    sessionID,
		Ephemeral:    ephemeral,
		ServerName:   params.ServerName,
	}, nil
}

// Marshal serializes the ClientHello to wire bytes: a TLS-1.2 legacy
// record+handshake header wrapping the fingerprint's cipher suites,
// compression methods, and extensions in the fingerprint's fixed order,
// including server_name, supported_versions=[TLS 1.3], supported_groups
// (x25519 first), key_share (x25519, the client's ephemeral), and the
// other extensions §4.4 lists. GREASE extensions are inserted at the
// fingerprint's specified positions for chrome_* tags.
func (ch *ClientHello) Marshal() []byte {
	var body []byte
	body = append(body, 0x03, 0x03) // legacy_version: TLS 1.2
	body = append(body, ch.ClientRandom[:]...)
	body = append(body, byte(len(ch.SessionID)))
	body = append(body, ch.SessionID...)

	body = binary.BigEndian.AppendUint16(body, uint16(len(ch.Fingerprint.CipherSuites)*2))
	for _, cs := range ch.Fingerprint.CipherSuites {
		body = binary.BigEndian.AppendUint16(body, cs)
	}

	body = append(body, byte(len(ch.Fingerprint.CompressionMethods)))
	body = append(body, ch.Fingerprint.CompressionMethods...)

	ext := ch.marshalExtensions()
	body = binary.BigEndian.AppendUint16(body, uint16(len(ext)))
	body = append(body, ext...)

	handshake := make([]byte, 0, 4+len(body))
	handshake = append(handshake, 0x01) // handshake type: client_hello
	handshake = append(handshake, byte(len(body)>>16), byte(len(body)>>8), byte(len(body)))
	handshake = append(handshake, body...)

	record := make([]byte, 0, recordHeaderLen+len(handshake))
	record = append(record, tlsContentHandshake, 0x03, 0x01) // legacy record version: TLS 1.0
	record = binary.BigEndian.AppendUint16(record, uint16(len(handshake)))
	record = append(record, handshake...)
	return record
}

func (ch *ClientHello) marshalExtensions() []byte {
	var out []byte
	greaseAt := map[int]bool{}
	for _, pos := range ch.Fingerprint.GREASEPositions {
		greaseAt[pos] = true
	}
	for i, extType := range ch.Fingerprint.ExtensionOrder {
		if greaseAt[i] {
			out = append(out, greaseExtension()...)
		}
		out = append(out, ch.marshalExtension(extType)...)
	}
	return out
}

func greaseExtension() []byte {
	var b [2]byte
	_, _ = rand.Read(b[:])
	// GREASE values are of the form 0x?A?A; normalize the low nibbles.
	greaseType := uint16(b[0])<<8 | uint16(b[1])
	greaseType = (greaseType &^ 0x0f0f) | 0x0a0a
	out := make([]byte, 4)
	binary.BigEndian.PutUint16(out[0:2], greaseType)
	binary.BigEndian.PutUint16(out[2:4], 0)
	return out
}

func (ch *ClientHello) marshalExtension(extType uint16) []byte {
	var data []byte
	switch extType {
	case ExtServerName:
		name := []byte(ch.ServerName)
		entry := make([]byte, 0, 3+len(name))
		entry = append(entry, 0x00) // name_type: host_name
		entry = binary.BigEndian.AppendUint16(entry, uint16(len(name)))
		entry = append(entry, name...)
		data = make([]byte, 0, 2+len(entry))
		data = binary.BigEndian.AppendUint16(data, uint16(len(entry)))
		data = append(data, entry...)
	case ExtSupportedGroups:
		groups := []uint16{0x001d, 0x0017, 0x0018} // x25519, secp256r1, secp384r1 — x25519 first
		data = append(data, byte(len(groups)*2>>8), byte(len(groups)*2))
		for _, g := range groups {
			data = binary.BigEndian.AppendUint16(data, g)
		}
	case ExtKeyShare:
		entry := make([]byte, 0, 4+32)
		entry = binary.BigEndian.AppendUint16(entry, 0x001d) // x25519
		entry = binary.BigEndian.AppendUint16(entry, 32)
		entry = append(entry, ch.Ephemeral.Public[:]...)
		data = binary.BigEndian.AppendUint16(nil, uint16(len(entry)))
		data = append(data, entry...)
	case ExtSupportedVersions:
		versions := []byte{0x03, 0x04} // TLS 1.3
		data = append(data, byte(len(versions)))
		data = append(data, versions...)
	case ExtPSKKeyExchangeModes:
		modes := []byte{0x01} // psk_dhe_ke
		data = append(data, byte(len(modes)))
		data = append(data, modes...)
	case ExtSignatureAlgorithms:
		algs := []uint16{0x0403, 0x0804, 0x0401} // ecdsa_secp256r1_sha256, rsa_pss_rsae_sha256, rsa_pkcs1_sha256
		data = append(data, byte(len(algs)*2>>8), byte(len(algs)*2))
		for _, a := range algs {
			data = binary.BigEndian.AppendUint16(data, a)
		}
	case ExtALPN:
		proto := []byte("h2")
		entry := append([]byte{byte(len(proto))}, proto...)
		data = binary.BigEndian.AppendUint16(nil, uint16(len(entry)))
		data = append(data, entry...)
	default:
		data = nil
	}

	out := make([]byte, 0, 4+len(data))
	out = binary.BigEndian.AppendUint16(out, extType)
	out = binary.BigEndian.AppendUint16(out, uint16(len(data)))
	out = append(out, data...)
	return out
}
