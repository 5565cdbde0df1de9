package driverctx

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOverridesAppliesChannelTermLength(t *testing.T) {
	base := Defaults()

	path := filepath.Join(t.TempDir(), "overrides.yaml")
	yamlContent := "channelTermLength:\n  \"aeron:udp?endpoint=127.0.0.1:40001\": 131072\n"
	writeFile(t, path, yamlContent)

	cfg, err := LoadOverrides(base, path)
	if err != nil {
		t.Fatalf("LoadOverrides: %v", err)
	}
	if got := cfg.TermLengthFor("aeron:udp?endpoint=127.0.0.1:40001"); got != 131072 {
		t.Fatalf("TermLengthFor override channel = %d, want 131072", got)
	}
	if got := cfg.TermLengthFor("aeron:udp?endpoint=127.0.0.1:40002"); got != base.TermLength {
		t.Fatalf("TermLengthFor non-overridden channel = %d, want default %d", got, base.TermLength)
	}
}

func TestLoadOverridesAppliesMulticastGroupSizeEstimate(t *testing.T) {
	base := Defaults()

	path := filepath.Join(t.TempDir(), "overrides.yaml")
	writeFile(t, path, "multicastGroupSizeEstimate: 42\n")

	cfg, err := LoadOverrides(base, path)
	if err != nil {
		t.Fatalf("LoadOverrides: %v", err)
	}
	if cfg.MulticastGroupSizeEstimate != 42 {
		t.Fatalf("MulticastGroupSizeEstimate = %d, want 42", cfg.MulticastGroupSizeEstimate)
	}
}

func TestValidateRejectsNonPowerOfTwoChannelTermLength(t *testing.T) {
	cfg := Defaults()
	cfg.ChannelTermLengths = map[string]int32{"aeron:udp?endpoint=127.0.0.1:40001": 100000}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected Validate to reject a non-power-of-two channel term length")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
