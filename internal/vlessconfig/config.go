// Package vlessconfig implements VlessConfig: a valid-by-construction VLESS
// proxy endpoint, its admission (URL or dictionary parsing), and its
// dictionary serialization for routing.json (§3, §6).
package vlessconfig

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Transport is the outer byte-stream carrier VLESS rides on.
type Transport string

const (
	TransportTCP         Transport = "tcp"
	TransportWS          Transport = "ws"
	TransportHTTPUpgrade Transport = "httpupgrade"
	TransportXHTTP       Transport = "xhttp"
)

// Flow selects the Vision behavior, if any.
type Flow string

const (
	FlowNone         Flow = ""
	FlowVision       Flow = "xtls-rprx-vision"
	FlowVisionUDP443 Flow = "xtls-rprx-vision-udp443"
)

// Security is the transport-security layer underneath the chosen Transport.
type Security string

const (
	SecurityNone     Security = "none"
	SecurityTLS      Security = "tls"
	SecurityReality  Security = "reality"
)

// Fingerprint is a uTLS/Reality browser-fingerprint tag (§4.4).
type Fingerprint string

const (
	FingerprintChrome120 Fingerprint = "chrome_120"
	FingerprintFirefox   Fingerprint = "firefox"
	FingerprintSafari    Fingerprint = "safari"
	FingerprintEdge      Fingerprint = "edge"
	FingerprintIOS       Fingerprint = "ios"
	FingerprintRandom    Fingerprint = "random"
)

// DefaultVisionSeed is the Vision adaptive-padding seed when none is carried
// in the URL/options: [contentThreshold, longMax, longBase, shortMax].
var DefaultVisionSeed = [4]uint32{900, 500, 900, 256}

// TlsParameters configures the plain-TLS security layer.
type TlsParameters struct {
	ServerName    string
	ALPN          []string
	AllowInsecure bool
	Fingerprint   Fingerprint
}

// RealityParameters configures the Reality security layer (§4.4).
type RealityParameters struct {
	ServerName  string // "covered" SNI, need not match the real endpoint
	PublicKey   [32]byte
	ShortID     []byte // 0-8 bytes
	Fingerprint Fingerprint
}

// WSParameters configures the WebSocket transport (§4.5).
type WSParameters struct {
	Host                 string
	Path                 string
	Headers              map[string]string
	MaxEarlyData         int
	EarlyDataHeaderName  string
	HeartbeatPeriodSecs  int
}

// HTTPUpgradeParameters configures the HTTP-Upgrade transport (§4.5).
type HTTPUpgradeParameters struct {
	Host    string
	Path    string
	Headers map[string]string
}

// XHTTPMode selects the XHTTP sub-mode (§4.5).
type XHTTPMode string

const (
	XHTTPModeAuto      XHTTPMode = "auto"
	XHTTPModeStreamOne XHTTPMode = "stream-one"
	XHTTPModePacketUp  XHTTPMode = "packet-up"
)

// XHTTPParameters configures the XHTTP transport (§4.5).
type XHTTPParameters struct {
	Host       string
	Path       string
	Mode       XHTTPMode
	NoGRPCHeader bool
}

// VlessConfig is a valid-by-construction proxy endpoint (§3). Immutable
// once admitted; identity is the UUID (the config's own client UUID is
// also its admission identity in this engine — the host façade is
// responsible for any separate per-profile ID).
type VlessConfig struct {
	Name         string
	ServerHost   string
	ServerPort   uint16
	ResolvedIP   string // optional pre-resolved server IP
	UUID         uuid.UUID
	Encryption   string // always "none"
	Transport    Transport
	Flow         Flow
	Security     Security
	TLS          TlsParameters
	Reality      RealityParameters
	WS           WSParameters
	HTTPUpgrade  HTTPUpgradeParameters
	XHTTP        XHTTPParameters
	VisionSeed   [4]uint32
	MuxEnabled   bool
	XudpEnabled  bool
}

// Validate checks the invariants admission requires. A failure here is
// surfaced as *ConfigInvalid and must never reach the data path (§7).
func (c *VlessConfig) Validate() error {
	if c.ServerHost == "" {
		return fmt.Errorf("vlessconfig: missing server host")
	}
	if c.ServerPort == 0 {
		return fmt.Errorf("vlessconfig: missing server port")
	}
	if c.UUID == uuid.Nil {
		return fmt.Errorf("vlessconfig: missing uuid")
	}
	if c.Encryption == "" {
		c.Encryption = "none"
	} else if c.Encryption != "none" {
		return fmt.Errorf("vlessconfig: unsupported encryption %q", c.Encryption)
	}
	switch c.Transport {
	case "":
		c.Transport = TransportTCP
	case TransportTCP, TransportWS, TransportHTTPUpgrade, TransportXHTTP:
	default:
		return fmt.Errorf("vlessconfig: unknown transport %q", c.Transport)
	}
	switch c.Flow {
	case FlowNone, FlowVision, FlowVisionUDP443:
	default:
		return fmt.Errorf("vlessconfig: unknown flow %q", c.Flow)
	}
	switch c.Security {
	case "":
		c.Security = SecurityNone
	case SecurityNone, SecurityTLS, SecurityReality:
	default:
		return fmt.Errorf("vlessconfig: unknown security %q", c.Security)
	}
	if c.Security == SecurityReality && len(c.Reality.ShortID) > 8 {
		return fmt.Errorf("vlessconfig: reality short_id exceeds 8 bytes")
	}
	if c.VisionSeed == ([4]uint32{}) {
		c.VisionSeed = DefaultVisionSeed
	}
	return nil
}

// ToDict serializes a VlessConfig to the dictionary form used in
// routing.json and the start call (§6).
func (c *VlessConfig) ToDict() map[string]any {
	d := map[string]any{
		"name":          c.Name,
		"serverAddress": c.ServerHost,
		"serverPort":    int(c.ServerPort),
		"uuid":          c.UUID.String(),
		"encryption":    c.Encryption,
		"transport":     string(c.Transport),
		"flow":          string(c.Flow),
		"security":      string(c.Security),
		"muxEnabled":    c.MuxEnabled,
		"xudpEnabled":   c.XudpEnabled,
	}
	if c.ResolvedIP != "" {
		d["resolvedIP"] = c.ResolvedIP
	}
	if c.Security == SecurityTLS {
		d["tlsServerName"] = c.TLS.ServerName
		d["tlsAlpn"] = strings.Join(c.TLS.ALPN, ",")
		d["tlsAllowInsecure"] = c.TLS.AllowInsecure
		d["tlsFingerprint"] = string(c.TLS.Fingerprint)
	}
	if c.Security == SecurityReality {
		d["realityServerName"] = c.Reality.ServerName
		d["realityPublicKey"] = base64.StdEncoding.EncodeToString(c.Reality.PublicKey[:])
		d["realityShortId"] = hex.EncodeToString(c.Reality.ShortID)
		d["realityFingerprint"] = string(c.Reality.Fingerprint)
	}
	switch c.Transport {
	case TransportWS:
		d["wsHost"] = c.WS.Host
		d["wsPath"] = c.WS.Path
		d["wsHeaders"] = joinHeaders(c.WS.Headers)
		d["wsMaxEarlyData"] = c.WS.MaxEarlyData
		d["wsEarlyDataHeaderName"] = c.WS.EarlyDataHeaderName
	case TransportHTTPUpgrade:
		d["huHost"] = c.HTTPUpgrade.Host
		d["huPath"] = c.HTTPUpgrade.Path
		d["huHeaders"] = joinHeaders(c.HTTPUpgrade.Headers)
	case TransportXHTTP:
		d["xhttpHost"] = c.XHTTP.Host
		d["xhttpPath"] = c.XHTTP.Path
		d["xhttpMode"] = string(c.XHTTP.Mode)
	}
	return d
}

func joinHeaders(h map[string]string) string {
	parts := make([]string, 0, len(h))
	for k, v := range h {
		parts = append(parts, k+":"+v)
	}
	return strings.Join(parts, ",")
}

func splitHeaders(s string) map[string]string {
	if s == "" {
		return nil
	}
	h := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		h[k] = v
	}
	return h
}

// FromDict parses the routing.json dictionary form of a VlessConfig (§6).
func FromDict(d map[string]any) (*VlessConfig, error) {
	c := &VlessConfig{}
	c.Name, _ = d["name"].(string)
	c.ServerHost, _ = d["serverAddress"].(string)
	c.ServerPort = toU16(d["serverPort"])
	c.ResolvedIP, _ = d["resolvedIP"].(string)

	uuidStr, _ := d["uuid"].(string)
	id, err := uuid.Parse(uuidStr)
	if err != nil {
		return nil, fmt.Errorf("vlessconfig: invalid uuid: %w", err)
	}
	c.UUID = id

	c.Encryption, _ = d["encryption"].(string)
	c.Transport = Transport(toStr(d["transport"]))
	c.Flow = Flow(toStr(d["flow"]))
	c.Security = Security(toStr(d["security"]))
	c.MuxEnabled, _ = d["muxEnabled"].(bool)
	c.XudpEnabled, _ = d["xudpEnabled"].(bool)

	if c.Security == SecurityTLS {
		c.TLS.ServerName = toStr(d["tlsServerName"])
		if alpn := toStr(d["tlsAlpn"]); alpn != "" {
			c.TLS.ALPN = strings.Split(alpn, ",")
		}
		c.TLS.AllowInsecure, _ = d["tlsAllowInsecure"].(bool)
		c.TLS.Fingerprint = Fingerprint(toStr(d["tlsFingerprint"]))
	}
	if c.Security == SecurityReality {
		c.Reality.ServerName = toStr(d["realityServerName"])
		if pk, err := base64.StdEncoding.DecodeString(toStr(d["realityPublicKey"])); err == nil && len(pk) == 32 {
			copy(c.Reality.PublicKey[:], pk)
		}
		if sid, err := hex.DecodeString(toStr(d["realityShortId"])); err == nil {
			c.Reality.ShortID = sid
		}
		c.Reality.Fingerprint = Fingerprint(toStr(d["realityFingerprint"]))
	}
	switch c.Transport {
	case TransportWS:
		c.WS.Host = toStr(d["wsHost"])
		c.WS.Path = toStr(d["wsPath"])
		c.WS.Headers = splitHeaders(toStr(d["wsHeaders"]))
		c.WS.MaxEarlyData = toInt(d["wsMaxEarlyData"])
		c.WS.EarlyDataHeaderName = toStr(d["wsEarlyDataHeaderName"])
	case TransportHTTPUpgrade:
		c.HTTPUpgrade.Host = toStr(d["huHost"])
		c.HTTPUpgrade.Path = toStr(d["huPath"])
		c.HTTPUpgrade.Headers = splitHeaders(toStr(d["huHeaders"]))
	case TransportXHTTP:
		c.XHTTP.Host = toStr(d["xhttpHost"])
		c.XHTTP.Path = toStr(d["xhttpPath"])
		c.XHTTP.Mode = XHTTPMode(toStr(d["xhttpMode"]))
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func toStr(v any) string {
	s, _ := v.(string)
	return s
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func toU16(v any) uint16 {
	return uint16(toInt(v))
}

// ParseShareURL parses a `vless://<uuid>@<host>:<port>[/]?<k=v&...>[#<name>]`
// share link (§6). Recognized params: type, encryption, flow, security,
// sni, alpn, allowInsecure, fp, pbk, sid, host, path, ed, mode, testseed,
// mux, xudp.
func ParseShareURL(raw string) (*VlessConfig, error) {
	if !strings.HasPrefix(raw, "vless://") {
		return nil, fmt.Errorf("vlessconfig: not a vless:// uri")
	}
	u, err := url.Parse("https" + raw[len("vless"):])
	if err != nil {
		return nil, fmt.Errorf("vlessconfig: parse uri: %w", err)
	}

	id, err := uuid.Parse(u.User.Username())
	if err != nil {
		return nil, fmt.Errorf("vlessconfig: invalid uuid: %w", err)
	}

	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("vlessconfig: missing host")
	}
	port := 443
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}

	q := u.Query()
	c := &VlessConfig{
		Name:       u.Fragment,
		ServerHost: host,
		ServerPort: uint16(port),
		UUID:       id,
		Encryption: orDefault(q.Get("encryption"), "none"),
		Transport:  Transport(orDefault(q.Get("type"), "tcp")),
		Flow:       Flow(q.Get("flow")),
		Security:   Security(orDefault(q.Get("security"), "none")),
	}

	fp := Fingerprint(q.Get("fp"))
	switch c.Security {
	case SecurityTLS:
		c.TLS = TlsParameters{
			ServerName:    q.Get("sni"),
			Fingerprint:   fp,
			AllowInsecure: q.Get("allowInsecure") == "1" || q.Get("allowInsecure") == "true",
		}
		if alpn := q.Get("alpn"); alpn != "" {
			c.TLS.ALPN = strings.Split(alpn, ",")
		}
	case SecurityReality:
		c.Reality.ServerName = q.Get("sni")
		c.Reality.Fingerprint = fp
		if pk, err := base64.RawURLEncoding.DecodeString(q.Get("pbk")); err == nil && len(pk) == 32 {
			copy(c.Reality.PublicKey[:], pk)
		} else if pk, err := base64.StdEncoding.DecodeString(q.Get("pbk")); err == nil && len(pk) == 32 {
			copy(c.Reality.PublicKey[:], pk)
		}
		if sid, err := hex.DecodeString(q.Get("sid")); err == nil {
			c.Reality.ShortID = sid
		}
	}

	switch c.Transport {
	case TransportWS:
		c.WS.Path = q.Get("path")
		if h := q.Get("host"); h != "" {
			c.WS.Host = h
		}
		if ed := q.Get("ed"); ed != "" {
			if n, err := strconv.Atoi(ed); err == nil {
				c.WS.MaxEarlyData = n
				c.WS.EarlyDataHeaderName = "Sec-WebSocket-Protocol"
			}
		}
	case TransportHTTPUpgrade:
		c.HTTPUpgrade.Path = q.Get("path")
		c.HTTPUpgrade.Host = q.Get("host")
	case TransportXHTTP:
		c.XHTTP.Path = q.Get("path")
		c.XHTTP.Host = q.Get("host")
		c.XHTTP.Mode = XHTTPMode(orDefault(q.Get("mode"), "auto"))
	}

	if seed := q.Get("testseed"); seed != "" {
		c.VisionSeed = parseVisionSeed(seed)
	}
	c.MuxEnabled = q.Get("mux") == "1" || q.Get("mux") == "true"
	c.XudpEnabled = q.Get("xudp") == "1" || q.Get("xudp") == "true"

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// parseVisionSeed parses the "testseed" parameter: 4 comma-separated u32
// values in the order [contentThreshold, longMax, longBase, shortMax].
// Per spec.md's open question, the field meaning is inferred from the
// reference's default [900,500,900,256]; any malformed value falls back
// to DefaultVisionSeed entirely rather than partially applying.
func parseVisionSeed(s string) [4]uint32 {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return DefaultVisionSeed
	}
	var seed [4]uint32
	for i, p := range parts {
		n, err := strconv.ParseUint(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return DefaultVisionSeed
		}
		seed[i] = uint32(n)
	}
	return seed
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
