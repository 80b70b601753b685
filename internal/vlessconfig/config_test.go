package vlessconfig

import "testing"

func TestParseShareURLReality(t *testing.T) {
	raw := "vless://3fa85f64-5717-4562-b3fc-2c963f66afa6@example.com:443?" +
		"type=tcp&security=reality&flow=xtls-rprx-vision&sni=www.microsoft.com&" +
		"fp=chrome_120&pbk=" + "MC4CAQAwBQYDK2VwBCIEIKIxSE2NTYJnGgH" +
		"&sid=deadbeef&mux=1&xudp=1#my-node"
	c, err := ParseShareURL(raw)
	if err != nil {
		t.Fatalf("ParseShareURL: %v", err)
	}
	if c.ServerHost != "example.com" || c.ServerPort != 443 {
		t.Fatalf("unexpected host/port: %+v", c)
	}
	if c.Security != SecurityReality {
		t.Fatalf("expected reality security, got %v", c.Security)
	}
	if c.Flow != FlowVision {
		t.Fatalf("expected vision flow, got %v", c.Flow)
	}
	if !c.MuxEnabled || !c.XudpEnabled {
		t.Fatalf("expected mux and xudp enabled")
	}
	if c.Name != "my-node" {
		t.Fatalf("expected fragment as name, got %q", c.Name)
	}
}

func TestDictRoundTrip(t *testing.T) {
	raw := "vless://3fa85f64-5717-4562-b3fc-2c963f66afa6@example.com:443?security=none&type=ws&path=%2Fpath&host=example.org"
	c, err := ParseShareURL(raw)
	if err != nil {
		t.Fatalf("ParseShareURL: %v", err)
	}
	c.WS.Headers = map[string]string{"X-Test": "1"}

	d := c.ToDict()
	c2, err := FromDict(d)
	if err != nil {
		t.Fatalf("FromDict: %v", err)
	}
	if c2.ServerHost != c.ServerHost || c2.ServerPort != c.ServerPort || c2.UUID != c.UUID {
		t.Fatalf("round trip mismatch: %+v vs %+v", c, c2)
	}
	if c2.WS.Path != c.WS.Path || c2.WS.Host != c.WS.Host {
		t.Fatalf("ws round trip mismatch: %+v vs %+v", c.WS, c2.WS)
	}
}

func TestVisionSeedDefault(t *testing.T) {
	seed := parseVisionSeed("bad")
	if seed != DefaultVisionSeed {
		t.Fatalf("expected default seed on malformed input, got %v", seed)
	}
	seed = parseVisionSeed("1,2,3,4")
	if seed != ([4]uint32{1, 2, 3, 4}) {
		t.Fatalf("unexpected parsed seed: %v", seed)
	}
}
