package reality

import (
	"bytes"
	"testing"
	"time"

	"vlesscore/internal/vlessconfig"
)

func TestAuthenticatorRoundTrip(t *testing.T) {
	server, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("server keypair: %v", err)
	}
	client, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("client keypair: %v", err)
	}
	shared, err := client.SharedSecret(server.Public)
	if err != nil {
		t.Fatalf("shared secret: %v", err)
	}
	shortID := []byte{0xde, 0xad, 0xbe, 0xef}
	now := time.Unix(1_700_000_000, 0)

	auth, err := BuildAuthenticator(server.Public[:], client.Public[:], shared, shortID, now)
	if err != nil {
		t.Fatalf("build authenticator: %v", err)
	}
	if !VerifyAuthenticator(auth, server.Public[:], client.Public[:], shared, shortID, now) {
		t.Fatalf("authenticator failed to verify with exact timestamp")
	}
	// Within the 8s rounding window, a few seconds later still verifies.
	if !VerifyAuthenticator(auth, server.Public[:], client.Public[:], shared, shortID, now.Add(3*time.Second)) {
		t.Fatalf("authenticator failed to verify within rounding window")
	}
	wrongShortID := []byte{0x00}
	if VerifyAuthenticator(auth, server.Public[:], client.Public[:], shared, wrongShortID, now) {
		t.Fatalf("authenticator should not verify with wrong short id")
	}
}

func TestKeyScheduleAndRecordRoundTrip(t *testing.T) {
	suite := SuiteAES128GCMSHA256
	sharedSecret := make([]byte, 32)
	for i := range sharedSecret {
		sharedSecret[i] = byte(i)
	}
	helloHash := make([]byte, suite.HashLen())
	fullHash := make([]byte, suite.HashLen())
	for i := range helloHash {
		helloHash[i] = byte(i * 3)
		fullHash[i] = byte(i * 5)
	}

	secrets, err := DeriveSecrets(suite, sharedSecret, helloHash, fullHash)
	if err != nil {
		t.Fatalf("derive secrets: %v", err)
	}
	if len(secrets.ClientAppKeys.Key) != suite.KeyLen() || len(secrets.ClientAppKeys.IV) != ivLen {
		t.Fatalf("unexpected key/iv lengths: %d/%d", len(secrets.ClientAppKeys.Key), len(secrets.ClientAppKeys.IV))
	}

	clientCrypter, err := NewRecordCrypter(secrets.ClientAppKeys)
	if err != nil {
		t.Fatalf("client crypter: %v", err)
	}
	serverCrypter, err := NewRecordCrypter(secrets.ClientAppKeys)
	if err != nil {
		t.Fatalf("server crypter: %v", err)
	}

	content := []byte("hello reality")
	sealed := clientCrypter.Seal(content, tlsContentApplicationData, 3)

	var header [recordHeaderLen]byte
	copy(header[:], sealed[:recordHeaderLen])
	gotContent, gotType, err := serverCrypter.Open(header, sealed[recordHeaderLen:])
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(gotContent, content) || gotType != tlsContentApplicationData {
		t.Fatalf("round trip mismatch: content=%q type=%d", gotContent, gotType)
	}

	// Sequence numbers must advance so a second record uses a fresh nonce.
	sealed2 := clientCrypter.Seal(content, tlsContentApplicationData, 0)
	if bytes.Equal(sealed, sealed2) {
		t.Fatalf("expected different ciphertext for second record (sequence number should change nonce)")
	}
}

func TestBuildClientHelloDeterministicShape(t *testing.T) {
	server, _ := GenerateKeyPair()
	params := vlessconfig.RealityParameters{
		ServerName:  "www.microsoft.com",
		PublicKey:   server.Public,
		ShortID:     []byte{1, 2, 3, 4},
		Fingerprint: vlessconfig.FingerprintChrome120,
	}
	ch, err := BuildClientHello(params, time.Now())
	if err != nil {
		t.Fatalf("build client hello: %v", err)
	}
	wire := ch.Marshal()
	if len(wire) < recordHeaderLen+4 {
		t.Fatalf("client hello too short: %d bytes", len(wire))
	}
	if wire[0] != tlsContentHandshake {
		t.Fatalf("expected handshake content type, got %d", wire[0])
	}
	if wire[recordHeaderLen] != 0x01 {
		t.Fatalf("expected client_hello handshake type, got %d", wire[recordHeaderLen])
	}
	// The authenticator lives in the last 8 bytes of client_random.
	if len(ch.ClientRandom) != 32 {
		t.Fatalf("client random must be 32 bytes")
	}
}
