// Package reality implements the Reality TLS-1.3 ClientHello emulation,
// authenticator, HKDF key schedule, and AES-GCM record layer (§4.4).
package reality

import "vlesscore/internal/vlessconfig"

// Fingerprint describes the fixed ClientHello shape (cipher list,
// compression list, extension order, GREASE positions) a browser tag
// emulates. Each tag must deterministically produce the same byte layout
// given the same randoms and key share, per §4.4 ("this is how the peer
// identifies the emulated client").
//
// The cipher/extension orderings below are modeled on each browser's
// publicly documented ClientHello shape directly, not sourced from a
// fingerprinting library: §4.4 calls for this engine to build its own
// ClientHello from scratch rather than delegate to one.
type Fingerprint struct {
	Tag              string
	CipherSuites     []uint16
	CompressionMethods []byte
	ExtensionOrder   []uint16 // extension type IDs, in wire order
	GREASEPositions  []int    // indices into ExtensionOrder where a GREASE ext is inserted
	UserAgentSeed    string
}

// TLS 1.3 extension type IDs relevant to the emulated ClientHello.
const (
	ExtServerName              = 0x0000
	ExtSupportedGroups         = 0x000a
	ExtALPN                    = 0x0010
	ExtSupportedVersions       = 0x002b
	ExtPSKKeyExchangeModes     = 0x002d
	ExtSignatureAlgorithms     = 0x000d
	ExtKeyShare                = 0x0033
)

var fingerprintTable = map[string]Fingerprint{
	"chrome_120": {
		Tag: "chrome_120",
		CipherSuites: []uint16{
			0x1301, 0x1302, 0x1303, // TLS_AES_128_GCM_SHA256, TLS_AES_256_GCM_SHA384, TLS_CHACHA20_POLY1305_SHA256
			0xc02b, 0xc02f, 0xc02c, 0xc030, 0xcca9, 0xcca8,
		},
		CompressionMethods: []byte{0x00},
		ExtensionOrder: []uint16{
			ExtServerName, ExtSupportedGroups, ExtALPN, ExtSignatureAlgorithms,
			ExtKeyShare, ExtPSKKeyExchangeModes, ExtSupportedVersions,
		},
		GREASEPositions: []int{0},
		UserAgentSeed:   "Chrome",
	},
	"firefox": {
		Tag:                "firefox",
		CipherSuites:       []uint16{0x1301, 0x1303, 0x1302, 0xc02b, 0xc02f, 0xcca9, 0xcca8},
		CompressionMethods: []byte{0x00},
		ExtensionOrder: []uint16{
			ExtServerName, ExtSupportedGroups, ExtKeyShare,
			ExtSupportedVersions, ExtSignatureAlgorithms, ExtPSKKeyExchangeModes, ExtALPN,
		},
	},
	"safari": {
		Tag:                "safari",
		CipherSuites:       []uint16{0x1301, 0x1302, 0x1303, 0xc02c, 0xc02b, 0xc030, 0xc02f},
		CompressionMethods: []byte{0x00},
		ExtensionOrder: []uint16{
			ExtServerName, ExtSupportedGroups, ExtALPN,
			ExtSupportedVersions, ExtSignatureAlgorithms, ExtKeyShare, ExtPSKKeyExchangeModes,
		},
	},
	"edge": {
		Tag:                "edge",
		CipherSuites:       []uint16{0x1301, 0x1302, 0x1303, 0xc02b, 0xc02f, 0xc02c, 0xc030},
		CompressionMethods: []byte{0x00},
		ExtensionOrder: []uint16{
			ExtServerName, ExtSupportedGroups, ExtALPN, ExtSignatureAlgorithms,
			ExtKeyShare, ExtPSKKeyExchangeModes, ExtSupportedVersions,
		},
		GREASEPositions: []int{0},
		UserAgentSeed:   "Edg",
	},
	"ios": {
		Tag:                "ios",
		CipherSuites:       []uint16{0x1301, 0x1302, 0x1303, 0xc02c, 0xc02b, 0xc030, 0xc02f},
		CompressionMethods: []byte{0x00},
		ExtensionOrder: []uint16{
			ExtServerName, ExtSupportedGroups, ExtALPN,
			ExtSupportedVersions, ExtSignatureAlgorithms, ExtKeyShare, ExtPSKKeyExchangeModes,
		},
	},
}

// Lookup resolves a fingerprint tag to its table entry. "random", the empty
// tag, and any unknown tag all resolve to chrome_120; no random choice is
// made.
func Lookup(fp vlessconfig.Fingerprint) Fingerprint {
	tag := string(fp)
	if tag == "random" || tag == "" {
		tag = "chrome_120"
	}
	if f, ok := fingerprintTable[tag]; ok {
		return f
	}
	return fingerprintTable["chrome_120"]
}
