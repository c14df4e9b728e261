package midilux

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "midilux.yml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("could not write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "rtp_midi:\n  session_name: test\n"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.RtpMidi.ControlPort != 5004 {
		t.Errorf("control port %d, want 5004", cfg.RtpMidi.ControlPort)
	}
	if cfg.RtpMidi.SampleRate != 10000 {
		t.Errorf("sample rate %d, want 10000", cfg.RtpMidi.SampleRate)
	}
	if cfg.Osc.Port != 8000 {
		t.Errorf("osc port %d, want 8000", cfg.Osc.Port)
	}
	if cfg.Osc.CcCoalesceMs != 5 {
		t.Errorf("coalesce window %d, want 5", cfg.Osc.CcCoalesceMs)
	}
	if cfg.Led.FadeMs != 2000 {
		t.Errorf("fade %d, want 2000", cfg.Led.FadeMs)
	}
	if !cfg.DiscoveryEnabled() {
		t.Error("discovery not enabled by default")
	}
	if cfg.RtpMidi.SessionName != "test" {
		t.Errorf("session name %q", cfg.RtpMidi.SessionName)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
log_level: debug
rtp_midi:
  control_port: 6004
  sample_rate: 44100
osc:
  target_address: 10.0.0.5:9000
  emit_channel_prefix: true
  cc_coalesce_ms: 12
discovery:
  enabled: false
led:
  strip_length: 12
  fade_ms: 500
`))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.RtpMidi.ControlPort != 6004 || cfg.RtpMidi.SampleRate != 44100 {
		t.Errorf("rtp overrides lost: %+v", cfg.RtpMidi)
	}
	if !cfg.Osc.EmitChannelPrefix || cfg.Osc.CcCoalesceMs != 12 {
		t.Errorf("osc overrides lost: %+v", cfg.Osc)
	}
	if cfg.DiscoveryEnabled() {
		t.Error("discovery still enabled")
	}
	if cfg.Led.StripLength != 12 || cfg.Led.FadeMs != 500 {
		t.Errorf("led overrides lost: %+v", cfg.Led)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yml")); err == nil {
		t.Error("missing config file accepted")
	}
}

func TestConfigValidation(t *testing.T) {
	for _, bad := range []string{
		"rtp_midi:\n  control_port: 70000\n",
		"osc:\n  port: -1\n",
		"led:\n  strip_length: -5\n",
		"discovery:\n  enabled: false\n", // disabled with no target address
	} {
		if _, err := LoadConfig(writeConfig(t, bad)); err == nil {
			t.Errorf("invalid config accepted: %q", bad)
		}
	}
}
