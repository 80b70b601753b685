package reality

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"hash"

	"golang.org/x/crypto/hkdf"
)

// CipherSuite identifies the server-chosen AEAD suite (§4.4: the server
// picks one of these two).
type CipherSuite int

const (
	SuiteAES128GCMSHA256 CipherSuite = iota
	SuiteAES256GCMSHA384
)

// KeyLen and HashLen per suite.
func (s CipherSuite) KeyLen() int {
	if s == SuiteAES256GCMSHA384 {
		return 32
	}
	return 16
}

func (s CipherSuite) HashLen() int {
	if s == SuiteAES256GCMSHA384 {
		return 48
	}
	return 32
}

func (s CipherSuite) newHash() func() hash.Hash {
	if s == SuiteAES256GCMSHA384 {
		return sha512.New384
	}
	return sha256.New
}

const ivLen = 12

// TrafficKeys holds the derived write key/IV for one direction.
type TrafficKeys struct {
	Key []byte
	IV  []byte
}

// Secrets holds the full TLS 1.3 key schedule outputs needed to run the
// record layer in both directions, per RFC 8446 §7.1.
type Secrets struct {
	ClientHandshakeTraffic []byte
	ServerHandshakeTraffic []byte
	ClientAppTraffic       []byte
	ServerAppTraffic       []byte

	ClientHandshakeKeys TrafficKeys
	ServerHandshakeKeys TrafficKeys
	ClientAppKeys       TrafficKeys
	ServerAppKeys       TrafficKeys

	ClientFinishedKey []byte
	ServerFinishedKey []byte
}

// hkdfExpandLabel implements RFC 8446 §7.1's HKDF-Expand-Label.
func hkdfExpandLabel(suite CipherSuite, secret []byte, label string, context []byte, length int) []byte {
	hkdfLabel := make([]byte, 0, 2+1+6+len(label)+1+len(context))
	hkdfLabel = binary.BigEndian.AppendUint16(hkdfLabel, uint16(length))

	fullLabel := "tls13 " + label
	hkdfLabel = append(hkdfLabel, byte(len(fullLabel)))
	hkdfLabel = append(hkdfLabel, fullLabel...)

	hkdfLabel = append(hkdfLabel, byte(len(context)))
	hkdfLabel = append(hkdfLabel, context...)

	out := make([]byte, length)
	r := hkdf.Expand(suite.newHash(), secret, hkdfLabel)
	if _, err := r.Read(out); err != nil {
		panic(fmt.Sprintf("reality: hkdf-expand-label: %v", err))
	}
	return out
}

func deriveSecret(suite CipherSuite, secret []byte, label string, transcriptHash []byte) []byte {
	return hkdfExpandLabel(suite, secret, label, transcriptHash, suite.HashLen())
}

// DeriveSecrets runs the TLS 1.3 key schedule: Early -> Handshake ->
// Application, given the ECDH shared secret and the running transcript
// hashes at the two points the schedule needs them (§4.4).
func DeriveSecrets(suite CipherSuite, sharedSecret []byte, helloTranscriptHash, fullHandshakeTranscriptHash []byte) (*Secrets, error) {
	zeros := make([]byte, suite.HashLen())
	emptyHash := suite.newHash()()
	emptyTranscript := emptyHash.Sum(nil)

	earlySecret := hkdf.Extract(suite.newHash(), zeros, zeros)
	derivedEarly := deriveSecret(suite, earlySecret, "derived", emptyTranscript)

	handshakeSecret := hkdf.Extract(suite.newHash(), sharedSecret, derivedEarly)
	clientHSTraffic := deriveSecret(suite, handshakeSecret, "c hs traffic", helloTranscriptHash)
	serverHSTraffic := deriveSecret(suite, handshakeSecret, "s hs traffic", helloTranscriptHash)
	derivedHS := deriveSecret(suite, handshakeSecret, "derived", emptyTranscript)

	masterSecret := hkdf.Extract(suite.newHash(), zeros, derivedHS)
	clientAppTraffic := deriveSecret(suite, masterSecret, "c ap traffic", fullHandshakeTranscriptHash)
	serverAppTraffic := deriveSecret(suite, masterSecret, "s ap traffic", fullHandshakeTranscriptHash)

	mkKeys := func(traffic []byte) TrafficKeys {
		return TrafficKeys{
			Key: hkdfExpandLabel(suite, traffic, "key", nil, suite.KeyLen()),
			IV:  hkdfExpandLabel(suite, traffic, "iv", nil, ivLen),
		}
	}

	return &Secrets{
		ClientHandshakeTraffic: clientHSTraffic,
		ServerHandshakeTraffic: serverHSTraffic,
		ClientAppTraffic:       clientAppTraffic,
		ServerAppTraffic:       serverAppTraffic,
		ClientHandshakeKeys:    mkKeys(clientHSTraffic),
		ServerHandshakeKeys:    mkKeys(serverHSTraffic),
		ClientAppKeys:          mkKeys(clientAppTraffic),
		ServerAppKeys:          mkKeys(serverAppTraffic),
		ClientFinishedKey:      hkdfExpandLabel(suite, clientHSTraffic, "finished", nil, suite.HashLen()),
		ServerFinishedKey:      hkdfExpandLabel(suite, serverHSTraffic, "finished", nil, suite.HashLen()),
	}, nil
}

// VerifyData computes HMAC(finishedKey, transcriptHash), the client/server
// Finished message content (§4.4).
func VerifyData(suite CipherSuite, finishedKey, transcriptHash []byte) []byte {
	mac := hmac.New(suite.newHash(), finishedKey)
	mac.Write(transcriptHash)
	return mac.Sum(nil)
}
