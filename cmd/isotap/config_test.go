package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func baseConfig() *appConfig {
	return &appConfig{
		backend:   "socketcan",
		canIf:     "can0",
		serialDev: "/dev/null",
		baud:      115200,
		tick:      time.Millisecond,
		txDL:      8,
		logFormat: "console",
		logLevel:  "info",
	}
}

func TestConfigValidate_OK(t *testing.T) {
	if err := baseConfig().validate(); err != nil {
		t.Fatalf("expected ok got %v", err)
	}
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"badBackend", func(c *appConfig) { c.backend = "x" }},
		{"badFormat", func(c *appConfig) { c.logFormat = "xx" }},
		{"badLevel", func(c *appConfig) { c.logLevel = "nope" }},
		{"badBaud", func(c *appConfig) { c.baud = 0 }},
		{"badTick", func(c *appConfig) { c.tick = 0 }},
		{"txDLTooSmall", func(c *appConfig) { c.txDL = 7 }},
		{"txDLTooLarge", func(c *appConfig) { c.txDL = 300 }},
		{"badRewrite", func(c *appConfig) { c.rewriteSID = "7F" }},
		{"badKeyHex", func(c *appConfig) { c.secocKeyHex = "zz" }},
		{"badKeyLen", func(c *appConfig) { c.secocKeyHex = "0011" }},
		{"badTagLen", func(c *appConfig) {
			c.secocKeyHex = "00112233445566778899aabbccddeeff"
			c.secocTagLen = 5
		}},
	}
	for _, tc := range tests {
		base := baseConfig()
		tc.mod(base)
		if err := base.validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestParseAllowIDs(t *testing.T) {
	ids, err := parseAllowIDs("0x7E0, 7e8 ,0x18DAF110")
	if err != nil {
		t.Fatal(err)
	}
	want := []uint32{0x7E0, 0x7E8, 0x18DAF110}
	if len(ids) != len(want) {
		t.Fatalf("expected %d ids, got %d", len(want), len(ids))
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("id %d: expected %#x, got %#x", i, want[i], ids[i])
		}
	}

	if ids, err := parseAllowIDs(""); err != nil || ids != nil {
		t.Errorf("empty spec must mean no filter, got %v %v", ids, err)
	}
	if _, err := parseAllowIDs("0xGG"); err == nil {
		t.Error("expected error for bad hex")
	}
	if _, err := parseAllowIDs("0xFFFFFFFF"); err == nil {
		t.Error("expected error for an ID beyond 29 bits")
	}
}

func TestParseRewriteSID(t *testing.T) {
	from, to, err := parseRewriteSID("7F:50")
	if err != nil {
		t.Fatal(err)
	}
	if from != 0x7F || to != 0x50 {
		t.Errorf("expected 7F:50, got %02X:%02X", from, to)
	}

	if _, _, err := parseRewriteSID("7F"); err == nil {
		t.Error("expected error without separator")
	}
	if _, _, err := parseRewriteSID("7F:GG"); err == nil {
		t.Error("expected error for bad target hex")
	}
}

func TestApplyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "isotap.toml")
	body := `
backend = "slcan"
serial_dev = "/dev/ttyACM0"
baud = 921600
tick = "500us"
allow_ids = "0x7E0,0x7E8"
tx_dl = 8
log_level = "debug"
metrics_addr = ":9100"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := baseConfig()
	var allowSpec string
	// "baud" set on the command line: the file must not override it.
	set := map[string]struct{}{"baud": {}}

	if err := applyFile(cfg, &allowSpec, path, set); err != nil {
		t.Fatal(err)
	}

	if cfg.backend != "slcan" {
		t.Errorf("backend not taken from file: %s", cfg.backend)
	}
	if cfg.serialDev != "/dev/ttyACM0" {
		t.Errorf("serial_dev not taken from file: %s", cfg.serialDev)
	}
	if cfg.baud != 115200 {
		t.Errorf("explicit flag must win over the file, baud became %d", cfg.baud)
	}
	if cfg.tick != 500*time.Microsecond {
		t.Errorf("tick not taken from file: %v", cfg.tick)
	}
	if allowSpec != "0x7E0,0x7E8" {
		t.Errorf("allow_ids not taken from file: %q", allowSpec)
	}
	if cfg.logLevel != "debug" || cfg.metricsAddr != ":9100" {
		t.Errorf("file values missing: level %s metrics %s", cfg.logLevel, cfg.metricsAddr)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("ISOTAP_BACKEND", "loop")
	t.Setenv("ISOTAP_BAUD", "57600")
	t.Setenv("ISOTAP_ALLOW_IDS", "0x600")

	cfg := baseConfig()
	var allowSpec string
	// backend pinned by flag; env must not touch it.
	set := map[string]struct{}{"backend": {}}

	if err := applyEnvOverrides(cfg, &allowSpec, set); err != nil {
		t.Fatal(err)
	}

	if cfg.backend != "socketcan" {
		t.Errorf("explicit flag must win over env, backend became %s", cfg.backend)
	}
	if cfg.baud != 57600 {
		t.Errorf("env baud not applied: %d", cfg.baud)
	}
	if allowSpec != "0x600" {
		t.Errorf("env allow list not applied: %q", allowSpec)
	}
}

func TestApplyEnvOverrides_BadValue(t *testing.T) {
	t.Setenv("ISOTAP_BAUD", "fast")

	cfg := baseConfig()
	var allowSpec string
	if err := applyEnvOverrides(cfg, &allowSpec, nil); err == nil {
		t.Fatal("expected error for a non-numeric ISOTAP_BAUD")
	}
}
