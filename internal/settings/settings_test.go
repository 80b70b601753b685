package settings

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestLoadStoreParsesBypassCode(t *testing.T) {
	path := writeTemp(t, "store.yaml", "ipv6Enabled: true\ndohEnabled: false\nbypassCountryCode: US\n")
	s, err := LoadStore(path)
	if err != nil {
		t.Fatalf("LoadStore: %v", err)
	}
	if !s.IPv6Enabled || s.DoHEnabled || s.BypassCountryCode != "US" {
		t.Fatalf("unexpected store: %+v", s)
	}
	bypass := s.BypassSet()
	if !bypass["US"] || len(bypass) != 1 {
		t.Fatalf("unexpected bypass set: %v", bypass)
	}
}

func TestLoadStoreEmptyBypassCode(t *testing.T) {
	path := writeTemp(t, "store.yaml", "ipv6Enabled: false\ndohEnabled: true\n")
	s, err := LoadStore(path)
	if err != nil {
		t.Fatalf("LoadStore: %v", err)
	}
	if s.BypassSet() != nil {
		t.Fatalf("expected nil bypass set for an empty country code")
	}
}

func TestLoadStoreRejectsBadCountryCode(t *testing.T) {
	path := writeTemp(t, "store.yaml", "bypassCountryCode: USA\n")
	if _, err := LoadStore(path); err == nil {
		t.Fatalf("expected an error for a 3-letter country code")
	}
}

func TestLoadProcessConfigDefaultsMTU(t *testing.T) {
	path := writeTemp(t, "process.yaml", "log:\n  level: debug\n")
	cfg, err := LoadProcessConfig(path)
	if err != nil {
		t.Fatalf("LoadProcessConfig: %v", err)
	}
	if cfg.StackMTU != DefaultStackMTU {
		t.Fatalf("StackMTU = %d, want default %d", cfg.StackMTU, DefaultStackMTU)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("Log.Level = %q, want debug", cfg.Log.Level)
	}
}
