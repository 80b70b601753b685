package reality

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"vlesscore/internal/vlessconfig"
)

const (
	handshakeTypeServerHello = 0x02
	handshakeTypeFinished    = 0x14
	extKeyShareServer        = 0x0033
)

// readOuterRecord reads one TLS record's outer framing (content type, 2-byte
// legacy version, length) and returns the content type and raw body bytes.
// It does not attempt AEAD decryption; the caller decides whether the body
// is plaintext (ServerHello) or ciphertext (everything after).
func readOuterRecord(r io.Reader) (contentType byte, body []byte, err error) {
	header := make([]byte, recordHeaderLen)
	if _, err = io.ReadFull(r, header); err != nil {
		return 0, nil, fmt.Errorf("reality: read record header: %w", err)
	}
	length := binary.BigEndian.Uint16(header[3:5])
	body = make([]byte, length)
	if _, err = io.ReadFull(r, body); err != nil {
		return 0, nil, fmt.Errorf("reality: read record body: %w", err)
	}
	return header[0], body, nil
}

// parseServerHello extracts the negotiated cipher suite and the server's
// X25519 key_share public value from a ServerHello handshake message body
// (the bytes following the 4-byte handshake header).
func parseServerHello(body []byte) (cipherSuite uint16, serverPublic [32]byte, err error) {
	if len(body) < 2+32+1 {
		return 0, serverPublic, fmt.Errorf("reality: server hello too short")
	}
	i := 2 + 32 // legacy_version, random
	sessionLen := int(body[i])
	i += 1 + sessionLen
	if i+2 > len(body) {
		return 0, serverPublic, fmt.Errorf("reality: server hello truncated at cipher suite")
	}
	cipherSuite = binary.BigEndian.Uint16(body[i : i+2])
	i += 2
	i += 1 // compression method
	if i+2 > len(body) {
		return 0, serverPublic, fmt.Errorf("reality: server hello missing extensions")
	}
	extLen := int(binary.BigEndian.Uint16(body[i : i+2]))
	i += 2
	if i+extLen > len(body) {
		return 0, serverPublic, fmt.Errorf("reality: server hello extensions truncated")
	}
	extensions := body[i : i+extLen]

	j := 0
	for j+4 <= len(extensions) {
		extType := binary.BigEndian.Uint16(extensions[j : j+2])
		extDataLen := int(binary.BigEndian.Uint16(extensions[j+2 : j+4]))
		j += 4
		if j+extDataLen > len(extensions) {
			break
		}
		data := extensions[j : j+extDataLen]
		if extType == extKeyShareServer && len(data) >= 4 {
			group := binary.BigEndian.Uint16(data[0:2])
			keyLen := int(binary.BigEndian.Uint16(data[2:4]))
			if group == 0x001d && keyLen == 32 && len(data) >= 4+keyLen {
				copy(serverPublic[:], data[4:4+keyLen])
			}
		}
		j += extDataLen
	}
	return cipherSuite, serverPublic, nil
}

func suiteFromWire(cs uint16) CipherSuite {
	if cs == 0x1302 {
		return SuiteAES256GCMSHA384
	}
	return SuiteAES128GCMSHA256
}

// RecordConn is a net.Conn running the TLS 1.3 application-data record
// layer once the handshake completes: Read/Write operate on Reality's
// content||content_type||zero_padding inner plaintext (§4.4), transparently
// to callers (e.g. the VLESS client layered on top).
type RecordConn struct {
	net.Conn
	br      *bufio.Reader
	writeC  *RecordCrypter
	readC   *RecordCrypter
	pending []byte
}

func (c *RecordConn) Read(p []byte) (int, error) {
	for len(c.pending) == 0 {
		contentType, body, err := readOuterRecord(c.br)
		if err != nil {
			return 0, err
		}
		var header [recordHeaderLen]byte
		header[0] = contentType
		header[1], header[2] = 0x03, 0x03
		binary.BigEndian.PutUint16(header[3:5], uint16(len(body)))
		content, innerType, err := c.readC.Open(header, body)
		if err != nil {
			return 0, fmt.Errorf("reality: open application record: %w", err)
		}
		if innerType != tlsContentApplicationData {
			continue // ignore stray post-handshake handshake/alert records
		}
		c.pending = content
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *RecordConn) Write(p []byte) (int, error) {
	sealed := c.writeC.Seal(p, tlsContentApplicationData, 0)
	if _, err := c.Conn.Write(sealed); err != nil {
		return 0, fmt.Errorf("reality: write application record: %w", err)
	}
	return len(p), nil
}

// ClientHandshake runs the Reality TLS 1.3 client handshake over conn:
// sends the emulated ClientHello, reads the plaintext ServerHello to learn
// the negotiated suite and the server's key share, derives the handshake
// key schedule, decrypts the server's encrypted handshake flight up to and
// including its Finished message (tracking the running transcript hash),
// derives application traffic secrets, and returns a RecordConn ready to
// carry the VLESS connection. The client's own Finished is sent using the
// handshake write keys before the connection switches to application keys,
// matching a standard TLS 1.3 client (§4.4).
func ClientHandshake(conn net.Conn, params vlessconfig.RealityParameters, now time.Time) (*RecordConn, error) {
	ch, err := BuildClientHello(params, now)
	if err != nil {
		return nil, fmt.Errorf("reality: build client hello: %w", err)
	}
	clientHelloWire := ch.Marshal()
	if _, err := conn.Write(clientHelloWire); err != nil {
		return nil, fmt.Errorf("reality: write client hello: %w", err)
	}
	// clientHelloWire's first 5 bytes are the record header; the transcript
	// only ever covers the handshake-message bytes, never record framing.
	clientHelloMsg := clientHelloWire[recordHeaderLen:]

	br := bufio.NewReader(conn)
	contentType, serverHelloBody, err := readOuterRecord(br)
	if err != nil {
		return nil, fmt.Errorf("reality: read server hello: %w", err)
	}
	if contentType != tlsContentHandshake || len(serverHelloBody) < 4 || serverHelloBody[0] != handshakeTypeServerHello {
		return nil, fmt.Errorf("reality: unexpected first server record")
	}

	cipherSuiteWire, serverPublic, err := parseServerHello(serverHelloBody[4:])
	if err != nil {
		return nil, err
	}
	suite := suiteFromWire(cipherSuiteWire)

	sharedSecret, err := ch.Ephemeral.SharedSecret(serverPublic)
	if err != nil {
		return nil, fmt.Errorf("reality: ecdh with server: %w", err)
	}

	transcript := suite.newHash()()
	transcript.Write(clientHelloMsg)
	transcript.Write(serverHelloBody)
	helloHash := transcript.Sum(nil)

	handshakeSecrets, err := DeriveSecrets(suite, sharedSecret, helloHash, helloHash)
	if err != nil {
		return nil, fmt.Errorf("reality: derive handshake secrets: %w", err)
	}
	serverHandshakeCrypter, err := NewRecordCrypter(handshakeSecrets.ServerHandshakeKeys)
	if err != nil {
		return nil, err
	}

	// Decrypt the server's encrypted handshake flight (EncryptedExtensions,
	// Certificate, CertificateVerify, Finished) until Finished is seen,
	// folding each message's bytes into the running transcript hash. Each
	// TLS record is assumed to carry exactly one handshake message, which
	// holds for the message sizes Reality's flight uses in practice.
	for {
		contentType, body, err := readOuterRecord(br)
		if err != nil {
			return nil, fmt.Errorf("reality: read handshake flight: %w", err)
		}
		var header [recordHeaderLen]byte
		header[0] = contentType
		header[1], header[2] = 0x03, 0x03
		binary.BigEndian.PutUint16(header[3:5], uint16(len(body)))
		content, innerType, err := serverHandshakeCrypter.Open(header, body)
		if err != nil {
			return nil, fmt.Errorf("reality: decrypt handshake flight: %w", err)
		}
		if innerType != tlsContentHandshake || len(content) < 4 {
			continue
		}
		transcript.Write(content)
		msgType := content[0]
		if msgType == handshakeTypeFinished {
			break
		}
	}
	fullHash := transcript.Sum(nil)

	appSecrets, err := DeriveSecrets(suite, sharedSecret, helloHash, fullHash)
	if err != nil {
		return nil, fmt.Errorf("reality: derive application secrets: %w", err)
	}

	clientHandshakeCrypter, err := NewRecordCrypter(handshakeSecrets.ClientHandshakeKeys)
	if err != nil {
		return nil, err
	}
	verifyData := VerifyData(suite, handshakeSecrets.ClientFinishedKey, fullHash)
	finishedMsg := make([]byte, 0, 4+len(verifyData))
	finishedMsg = append(finishedMsg, handshakeTypeFinished, 0, 0, byte(len(verifyData)))
	finishedMsg = append(finishedMsg, verifyData...)
	sealed := clientHandshakeCrypter.Seal(finishedMsg, tlsContentHandshake, 0)
	if _, err := conn.Write(sealed); err != nil {
		return nil, fmt.Errorf("reality: write client finished: %w", err)
	}

	writeCrypter, err := NewRecordCrypter(appSecrets.ClientAppKeys)
	if err != nil {
		return nil, err
	}
	readCrypter, err := NewRecordCrypter(appSecrets.ServerAppKeys)
	if err != nil {
		return nil, err
	}

	return &RecordConn{Conn: conn, br: br, writeC: writeCrypter, readC: readCrypter}, nil
}
