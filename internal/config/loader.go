package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/MrWong99/chatterhouse/pkg/audio"
	"github.com/MrWong99/chatterhouse/pkg/audio/opus"
	"gopkg.in/yaml.v3"
)

// maxIdentity is the wire limit for node IDs and names.
const maxIdentity = 255

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every failure. Call [ApplyDefaults] first.
func Validate(cfg *Config) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	// Node
	if len(cfg.Node.ID) > maxIdentity {
		add("node.id is longer than %d bytes", maxIdentity)
	}
	if len(cfg.Node.Name) > maxIdentity {
		add("node.name is longer than %d bytes", maxIdentity)
	}

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		add("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel)
	}
	if cfg.Server.ListenAddr == "" {
		add("server.listen_addr is required")
	}
	if cfg.Server.AdvertiseURL != "" {
		if err := checkWSURL(cfg.Server.AdvertiseURL); err != nil {
			add("server.advertise_url: %v", err)
		}
	}

	// Mesh
	for i, s := range cfg.Mesh.Seeds {
		if err := checkWSURL(s); err != nil {
			add("mesh.seeds[%d]: %v", i, err)
		}
	}
	if cfg.Mesh.SendQueue < 1 {
		add("mesh.send_queue must be positive")
	}
	if cfg.Mesh.InboundQueue < 1 {
		add("mesh.inbound_queue must be positive")
	}
	if cfg.Mesh.HandshakeTimeout <= 0 {
		add("mesh.handshake_timeout must be positive")
	}
	if s := cfg.Mesh.Discovery.Service; !validService(s) {
		add("mesh.discovery.service %q must look like \"_name._tcp\" or \"_name._udp\"", s)
	}
	if cfg.Mesh.Discovery.Interval <= 0 {
		add("mesh.discovery.interval must be positive")
	}

	// Audio
	if cfg.Audio.SampleRate <= 0 {
		add("audio.sample_rate must be positive")
	}
	if c := cfg.Audio.Channels; c != 1 && c != 2 {
		add("audio.channels %d is invalid; valid values: 1, 2", c)
	}
	if cfg.Audio.FrameSamples <= 0 {
		add("audio.frame_samples must be positive")
	}
	enc, err := audio.ParseEncoding(cfg.Audio.Codec)
	if err != nil {
		add("audio.codec %q is invalid; valid values: pcm16, opus", cfg.Audio.Codec)
	}
	if err == nil && enc == audio.EncodingOpus && !opus.ValidFrameSize(cfg.Audio.SampleRate, cfg.Audio.FrameSamples) {
		add("audio.frame_samples %d is not a valid opus frame at %d Hz", cfg.Audio.FrameSamples, cfg.Audio.SampleRate)
	}
	if cfg.Audio.OutboundQueue < 1 {
		add("audio.outbound_queue must be positive")
	}

	// Capture
	if !cfg.Capture.Source.IsValid() {
		add("capture.source %q is invalid; valid values: none, pipe, wav", cfg.Capture.Source)
	}
	if (cfg.Capture.Source == CapturePipe || cfg.Capture.Source == CaptureWAV) && cfg.Capture.Path == "" {
		add("capture.path is required when capture.source is %s", cfg.Capture.Source)
	}

	// Playback
	if !cfg.Playback.Sink.IsValid() {
		add("playback.sink %q is invalid; valid values: speaker, none", cfg.Playback.Sink)
	}
	if cfg.Playback.ReorderWindow < 0 {
		add("playback.reorder_window must not be negative")
	}
	if cfg.Playback.MaxQueued < 1 {
		add("playback.max_queued must be positive")
	}
	if cfg.Playback.Latency <= 0 {
		add("playback.latency must be positive")
	}

	// Session
	if cfg.Session.ControlTimeout <= 0 {
		add("session.control_timeout must be positive")
	}

	return errors.Join(errs...)
}

func checkWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%q must use ws or wss", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}

// validService reports whether s is a DNS-SD service type such as
// "_chatterhouse._tcp".
func validService(s string) bool {
	name, proto, ok := strings.Cut(s, ".")
	if !ok || len(name) < 2 || name[0] != '_' {
		return false
	}
	return proto == "_tcp" || proto == "_udp"
}
