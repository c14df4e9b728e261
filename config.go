package midilux

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the single key-value configuration surface of the hub,
	// loaded from one YAML file.
	Config struct {
		LogLevel  string          `yaml:"log_level"`
		Midi      MidiConfig      `yaml:"midi"`
		RtpMidi   RtpMidiConfig   `yaml:"rtp_midi"`
		Osc       OscConfig       `yaml:"osc"`
		Discovery DiscoveryConfig `yaml:"discovery"`
		Led       LedConfig       `yaml:"led"`
	}

	MidiConfig struct {
		// InputName selects the USB MIDI input by name prefix; empty takes
		// the first available input.
		InputName string `yaml:"input_name"`
	}

	RtpMidiConfig struct {
		ControlPort int    `yaml:"control_port"` // data port is always control_port+1
		SessionName string `yaml:"session_name"`
		SampleRate  int    `yaml:"sample_rate"` // RTP timestamp units per second
		// PeerAddress overrides discovery with a fixed host:control_port
		// endpoint for the DAW peer.
		PeerAddress string `yaml:"peer_address"`
	}

	OscConfig struct {
		// TargetAddress overrides discovery with a fixed host:port endpoint.
		TargetAddress     string `yaml:"target_address"`
		Port              int    `yaml:"port"`
		// EmitChannelPrefix prepends /ch/<n> to every OSC address. It is
		// off by default, so addresses are channel-agnostic (/noteOn, ...).
		EmitChannelPrefix bool   `yaml:"emit_channel_prefix"`
		CcCoalesceMs      int    `yaml:"cc_coalesce_ms"`
	}

	DiscoveryConfig struct {
		Enabled *bool `yaml:"enabled"` // nil means default true
	}

	LedConfig struct {
		StripLength int `yaml:"strip_length"`
		FadeMs      int `yaml:"fade_ms"`
	}
)

// Default ports and tunables, overridable per key in the config file.
const (
	DefaultControlPort = 5004
	DefaultSampleRate  = 10000
	DefaultOscPort     = 8000
	DefaultCoalesceMs  = 5
	DefaultFadeMs      = 2000
	DefaultStripLength = 144
	DefaultSessionName = "midilux"
)

// DefaultConfig returns a configuration with every default filled in.
func DefaultConfig() Config {
	enabled := true
	return Config{
		LogLevel: "info",
		RtpMidi: RtpMidiConfig{
			ControlPort: DefaultControlPort,
			SessionName: DefaultSessionName,
			SampleRate:  DefaultSampleRate,
		},
		Osc: OscConfig{
			Port:         DefaultOscPort,
			CcCoalesceMs: DefaultCoalesceMs,
		},
		Discovery: DiscoveryConfig{Enabled: &enabled},
		Led: LedConfig{
			StripLength: DefaultStripLength,
			FadeMs:      DefaultFadeMs,
		},
	}
}

// LoadConfig reads the YAML configuration file at path, applying defaults
// for absent keys. A missing file is an error; the hub treats it as fatal
// misconfiguration at startup.
func LoadConfig(path string) (Config, error) {
	c := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("could not read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("could not parse config file %v: %w", path, err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.RtpMidi.ControlPort == 0 {
		c.RtpMidi.ControlPort = d.RtpMidi.ControlPort
	}
	if c.RtpMidi.SessionName == "" {
		c.RtpMidi.SessionName = d.RtpMidi.SessionName
	}
	if c.RtpMidi.SampleRate == 0 {
		c.RtpMidi.SampleRate = d.RtpMidi.SampleRate
	}
	if c.Osc.Port == 0 {
		c.Osc.Port = d.Osc.Port
	}
	if c.Osc.CcCoalesceMs == 0 {
		c.Osc.CcCoalesceMs = d.Osc.CcCoalesceMs
	}
	if c.Discovery.Enabled == nil {
		c.Discovery.Enabled = d.Discovery.Enabled
	}
	if c.Led.StripLength == 0 {
		c.Led.StripLength = d.Led.StripLength
	}
	if c.Led.FadeMs == 0 {
		c.Led.FadeMs = d.Led.FadeMs
	}
}

// Validate checks the configuration for fatal startup errors.
func (c *Config) Validate() error {
	if c.RtpMidi.ControlPort < 1 || c.RtpMidi.ControlPort > 65534 {
		return fmt.Errorf("rtp_midi.control_port %d outside 1..65534", c.RtpMidi.ControlPort)
	}
	if c.RtpMidi.SampleRate < 1 {
		return errors.New("rtp_midi.sample_rate must be positive")
	}
	if c.Osc.Port < 1 || c.Osc.Port > 65535 {
		return fmt.Errorf("osc.port %d outside 1..65535", c.Osc.Port)
	}
	if c.Osc.CcCoalesceMs < 0 {
		return errors.New("osc.cc_coalesce_ms cannot be negative")
	}
	if c.Led.StripLength < 1 {
		return errors.New("led.strip_length must be positive")
	}
	if c.Led.FadeMs < 1 {
		return errors.New("led.fade_ms must be positive")
	}
	if !*c.Discovery.Enabled && c.Osc.TargetAddress == "" {
		return errors.New("discovery disabled but no osc.target_address configured")
	}
	return nil
}

// DiscoveryEnabled reports whether mDNS discovery should run.
func (c *Config) DiscoveryEnabled() bool {
	return c.Discovery.Enabled == nil || *c.Discovery.Enabled
}
