package config

import "slices"

// ConfigDiff describes what changed between two configs. Only the log level,
// the chime toggle and the seed list are applied live; every other changed
// section is named in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ChimeChanged bool
	NewChime     bool

	SeedsChanged bool
	NewSeeds     []string

	// RestartRequired lists the dotted keys that changed but only take
	// effect after a restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.ChimeChanged && !d.SeedsChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Playback.ChimeEnabled() != new.Playback.ChimeEnabled() {
		d.ChimeChanged = true
		d.NewChime = new.Playback.ChimeEnabled()
	}
	if !slices.Equal(old.Mesh.Seeds, new.Mesh.Seeds) {
		d.SeedsChanged = true
		d.NewSeeds = slices.Clone(new.Mesh.Seeds)
	}

	restart := func(key string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, key)
		}
	}
	restart("node", old.Node != new.Node)
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.advertise_url", old.Server.AdvertiseURL != new.Server.AdvertiseURL)
	restart("mesh.discovery", old.Mesh.Discovery != new.Mesh.Discovery)
	restart("mesh.send_queue", old.Mesh.SendQueue != new.Mesh.SendQueue)
	restart("mesh.inbound_queue", old.Mesh.InboundQueue != new.Mesh.InboundQueue)
	restart("mesh.handshake_timeout", old.Mesh.HandshakeTimeout != new.Mesh.HandshakeTimeout)
	restart("audio", old.Audio != new.Audio)
	restart("capture", old.Capture != new.Capture)
	restart("playback.sink", old.Playback.Sink != new.Playback.Sink)
	restart("playback.latency", old.Playback.Latency != new.Playback.Latency)
	restart("playback.max_queued", old.Playback.MaxQueued != new.Playback.MaxQueued)
	restart("playback.reorder_window", old.Playback.ReorderWindow != new.Playback.ReorderWindow)
	restart("playback.idle_reset", old.Playback.IdleReset != new.Playback.IdleReset)
	restart("session.exclusive", old.Session.IsExclusive() != new.Session.IsExclusive())
	restart("session.control_timeout", old.Session.ControlTimeout != new.Session.ControlTimeout)
	return d
}
