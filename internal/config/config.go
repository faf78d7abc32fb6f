// Package config provides the configuration schema, loader and file watcher
// for a chatterhouse node.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l to an [slog.Level]. Unknown levels map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// CaptureSource selects the microphone implementation.
type CaptureSource string

const (
	// CaptureNone has no microphone; broadcasting reports permission denied.
	CaptureNone CaptureSource = "none"

	// CapturePipe reads raw s16le PCM from a file, FIFO or "-" for stdin.
	CapturePipe CaptureSource = "pipe"

	// CaptureWAV loops a WAV recording.
	CaptureWAV CaptureSource = "wav"
)

// IsValid reports whether s is a recognised capture source.
func (s CaptureSource) IsValid() bool {
	switch s {
	case CaptureNone, CapturePipe, CaptureWAV:
		return true
	}
	return false
}

// PlaybackSink selects the speaker implementation.
type PlaybackSink string

const (
	SinkSpeaker PlaybackSink = "speaker"
	SinkNone    PlaybackSink = "none"
)

// IsValid reports whether s is a recognised playback sink.
func (s PlaybackSink) IsValid() bool {
	return s == SinkSpeaker || s == SinkNone
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Node     NodeConfig     `yaml:"node"`
	Server   ServerConfig   `yaml:"server"`
	Mesh     MeshConfig     `yaml:"mesh"`
	Audio    AudioConfig    `yaml:"audio"`
	Capture  CaptureConfig  `yaml:"capture"`
	Playback PlaybackConfig `yaml:"playback"`
	Session  SessionConfig  `yaml:"session"`
}

// NodeConfig identifies the local participant.
type NodeConfig struct {
	// ID is the stable peer ID. When empty a random one is generated at
	// startup.
	ID string `yaml:"id"`

	// Name is the display name carried on every frame.
	Name string `yaml:"name"`

	// StartSilenced starts in Silenced instead of Listening.
	StartSilenced bool `yaml:"start_silenced"`
}

// ServerConfig holds the HTTP listener and logging settings.
type ServerConfig struct {
	// ListenAddr serves the mesh endpoint, control API, metrics and probes.
	ListenAddr string `yaml:"listen_addr"`

	// AdvertiseURL is the websocket URL peers should dial, e.g.
	// "ws://10.0.0.5:7600/mesh". The node is only advertised over DNS-SD when
	// set.
	AdvertiseURL string `yaml:"advertise_url"`

	LogLevel LogLevel `yaml:"log_level"`
}

// MeshConfig configures the LAN transport.
type MeshConfig struct {
	// Seeds are websocket URLs dialled at startup and redialled on loss.
	Seeds     []string        `yaml:"seeds"`
	Discovery DiscoveryConfig `yaml:"discovery"`

	// SendQueue is the per-peer outbound queue length.
	SendQueue int `yaml:"send_queue"`

	// InboundQueue is the shared inbound queue length.
	InboundQueue int `yaml:"inbound_queue"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// DiscoveryConfig configures DNS-SD (mDNS) discovery.
type DiscoveryConfig struct {
	Enabled bool `yaml:"enabled"`

	// Service is the DNS-SD service type, e.g. "_chatterhouse._tcp".
	Service string `yaml:"service"`
	Domain  string `yaml:"domain"`

	// Interval is the length of one browse round.
	Interval time.Duration `yaml:"interval"`
}

// AudioConfig is the capture and wire format.
type AudioConfig struct {
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`

	// FrameSamples is the per-channel frame size. Opus needs 2.5, 5, 10,
	// 20, 40 or 60 ms worth of samples.
	FrameSamples int `yaml:"frame_samples"`

	// Codec is "pcm16" or "opus".
	Codec string `yaml:"codec"`

	// OutboundQueue is the length of the capture-to-network queue.
	OutboundQueue int `yaml:"outbound_queue"`
}

// CaptureConfig selects the microphone.
type CaptureConfig struct {
	Source CaptureSource `yaml:"source"`
	Path   string        `yaml:"path"`
}

// PlaybackConfig configures the speaker and the listen path.
type PlaybackConfig struct {
	Sink PlaybackSink `yaml:"sink"`

	// Latency is the speaker buffer duration.
	Latency time.Duration `yaml:"latency"`

	// MaxQueued bounds buffers waiting on the speaker.
	MaxQueued int `yaml:"max_queued"`

	// ReorderWindow is how far behind the newest sequence a frame may
	// arrive and still play.
	ReorderWindow int `yaml:"reorder_window"`

	// IdleReset restarts a sender's window after this much silence. Zero
	// (the default) disables it.
	IdleReset time.Duration `yaml:"idle_reset"`

	// Chime plays a sound for remote start/stop. Defaults to true.
	Chime *bool `yaml:"chime"`
}

// ChimeEnabled reports the effective chime setting.
func (p PlaybackConfig) ChimeEnabled() bool {
	return p.Chime == nil || *p.Chime
}

// SessionConfig configures the session state machine.
type SessionConfig struct {
	// Exclusive suppresses playback while broadcasting. Defaults to true. A
	// false value keeps playback running while broadcasting from Listening.
	Exclusive *bool `yaml:"exclusive"`

	// ControlTimeout bounds how long a command waits on a full outbox.
	ControlTimeout time.Duration `yaml:"control_timeout"`
}

// IsExclusive reports the effective exclusion setting.
func (s SessionConfig) IsExclusive() bool {
	return s.Exclusive == nil || *s.Exclusive
}

// Defaults.
const (
	DefaultListenAddr    = ":7600"
	DefaultSampleRate    = 48000
	DefaultFrameSamples  = 960
	DefaultOutboundQueue = 64
	DefaultSendQueue     = 32
	DefaultInboundQueue  = 256
	DefaultService       = "_chatterhouse._tcp"
	DefaultMaxQueued     = 16
)

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Node.Name, "chatterhouse")
	setDefault(&cfg.Server.ListenAddr, DefaultListenAddr)
	setDefault(&cfg.Server.LogLevel, LogInfo)

	setDefault(&cfg.Mesh.SendQueue, DefaultSendQueue)
	setDefault(&cfg.Mesh.InboundQueue, DefaultInboundQueue)
	setDefault(&cfg.Mesh.HandshakeTimeout, 5*time.Second)
	setDefault(&cfg.Mesh.Discovery.Service, DefaultService)
	setDefault(&cfg.Mesh.Discovery.Domain, "local.")
	setDefault(&cfg.Mesh.Discovery.Interval, 10*time.Second)

	setDefault(&cfg.Audio.SampleRate, DefaultSampleRate)
	setDefault(&cfg.Audio.Channels, 1)
	setDefault(&cfg.Audio.FrameSamples, DefaultFrameSamples)
	setDefault(&cfg.Audio.Codec, "pcm16")
	setDefault(&cfg.Audio.OutboundQueue, DefaultOutboundQueue)

	setDefault(&cfg.Capture.Source, CaptureNone)

	setDefault(&cfg.Playback.Sink, SinkSpeaker)
	setDefault(&cfg.Playback.Latency, 100*time.Millisecond)
	setDefault(&cfg.Playback.MaxQueued, DefaultMaxQueued)
	setDefault(&cfg.Playback.ReorderWindow, 1)

	setDefault(&cfg.Session.ControlTimeout, time.Second)
}

func setDefault[T comparable](field *T, v T) {
	var zero T
	if *field == zero {
		*field = v
	}
}
