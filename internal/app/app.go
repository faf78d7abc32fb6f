// Package app wires all chatterhouse subsystems into a running node.
//
// The App struct owns the full lifecycle: New creates the devices, the
// capture and playback paths, the session machine and the mesh transport,
// Run serves them until the context is cancelled, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithTransport,
// WithCapture, WithPlayback, ...). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/chatterhouse/internal/capture"
	"github.com/MrWong99/chatterhouse/internal/config"
	"github.com/MrWong99/chatterhouse/internal/control"
	"github.com/MrWong99/chatterhouse/internal/health"
	"github.com/MrWong99/chatterhouse/internal/observe"
	"github.com/MrWong99/chatterhouse/internal/playback"
	"github.com/MrWong99/chatterhouse/internal/session"
	"github.com/MrWong99/chatterhouse/pkg/audio"
	"github.com/MrWong99/chatterhouse/pkg/audio/pipe"
	"github.com/MrWong99/chatterhouse/pkg/audio/speaker"
	"github.com/MrWong99/chatterhouse/pkg/mesh"
	"github.com/MrWong99/chatterhouse/pkg/mesh/ws"
)

// shutdownGrace bounds the HTTP server drain once Run is cancelled.
const shutdownGrace = 5 * time.Second

// App owns all subsystem lifetimes of one node.
type App struct {
	cfg      *config.Config
	id       mesh.PeerID
	metrics  *observe.Metrics
	provider *observe.Provider
	level    *slog.LevelVar
	listener net.Listener

	// Devices.
	mic     audio.CaptureDevice
	speaker audio.PlaybackDevice
	chimer  audio.Chimer

	// Subsystems, initialised in New.
	outbox    *capture.Outbox
	pipeline  *capture.Pipeline
	sender    *capture.Sender
	scheduler *playback.Scheduler
	machine   *session.Machine
	transport mesh.Transport
	handler   http.Handler

	dropSources map[string]func() uint64
	dropReg     metric.Registration
	resumed     atomic.Bool

	// closers are called in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithTransport injects a mesh transport instead of creating a WebSocket one.
func WithTransport(t mesh.Transport) Option {
	return func(a *App) { a.transport = t }
}

// WithCapture injects a capture device instead of creating one from
// capture.source.
func WithCapture(d audio.CaptureDevice) Option {
	return func(a *App) { a.mic = d }
}

// WithPlayback injects a playback device and chimer instead of opening the
// system speaker. c may be nil to disable chimes.
func WithPlayback(d audio.PlaybackDevice, c audio.Chimer) Option {
	return func(a *App) {
		a.speaker = d
		a.chimer = c
	}
}

// WithMetrics records on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithProvider mounts p's Prometheus handler at /metrics.
func WithProvider(p *observe.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithLogLevel lets config reloads change the log level through v.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithPeerID sets the node ID when node.id is empty, so telemetry set up
// before New can carry the same ID.
func WithPeerID(id mesh.PeerID) Option {
	return func(a *App) { a.id = id }
}

// WithListener serves HTTP on l instead of listening on server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Nothing touches the
// network until Run.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, dropSources: make(map[string]func() uint64)}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if cfg.Node.ID != "" {
		a.id = mesh.PeerID(cfg.Node.ID)
	}
	if a.id == "" {
		a.id = mesh.PeerID(uuid.NewString())
	}

	enc, err := audio.ParseEncoding(cfg.Audio.Codec)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	format := audio.Format{Encoding: enc, SampleRate: cfg.Audio.SampleRate, Channels: cfg.Audio.Channels}

	// ── 1. Devices ───────────────────────────────────────────────────────
	if err := a.initCapture(format.PCM()); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init capture: %w", err)
	}
	if err := a.initPlayback(format.PCM()); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init playback: %w", err)
	}

	// ── 2. Transport ─────────────────────────────────────────────────────
	if err := a.initTransport(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init transport: %w", err)
	}

	// ── 3. Broadcast path ────────────────────────────────────────────────
	if err := a.initBroadcast(format); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init broadcast path: %w", err)
	}

	// ── 4. Listen path + session ─────────────────────────────────────────
	a.scheduler = playback.New(a.speaker, playback.Config{
		ReorderWindow: cfg.Playback.ReorderWindow,
		IdleReset:     cfg.Playback.IdleReset,
		Metrics:       a.metrics,
	})
	a.machine, err = session.New(session.Config{
		ID:             a.id,
		Name:           cfg.Node.Name,
		Capture:        a.mic,
		Pipeline:       a.pipeline,
		Outbox:         a.outbox,
		Scheduler:      a.scheduler,
		Chimer:         a.chimer,
		Peers:          a.transport,
		StartSilenced:  cfg.Node.StartSilenced,
		DisableChimes:  !cfg.Playback.ChimeEnabled(),
		Overlap:        !cfg.Session.IsExclusive(),
		ControlTimeout: cfg.Session.ControlTimeout,
		Metrics:        a.metrics,
	})
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: %w", err)
	}
	a.transport.OnPeerChange(a.onPeerChange)

	// ── 5. Metrics + HTTP ────────────────────────────────────────────────
	a.dropSources["capture"] = a.pipeline.Dropped
	if a.dropReg, err = a.metrics.RegisterDropSources(a.dropSources); err != nil {
		slog.Warn("app: drop counters unavailable", "err", err)
	}
	a.handler = a.routes()

	slog.Info("node configured",
		"peer_id", a.id,
		"name", cfg.Node.Name,
		"format", format,
		"frame_samples", cfg.Audio.FrameSamples,
		"capture", cfg.Capture.Source,
		"playback", cfg.Playback.Sink,
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initCapture(f audio.Format) error {
	if a.mic != nil {
		return nil
	}
	switch a.cfg.Capture.Source {
	case config.CapturePipe:
		d := pipe.Open(a.cfg.Capture.Path, f)
		a.mic = d
		a.closers = append(a.closers, d.Close)
	case config.CaptureWAV:
		d := speaker.NewWAVSource(a.cfg.Capture.Path, f)
		a.mic = d
		a.closers = append(a.closers, d.Close)
	default:
		a.mic = audio.NoCapture{F: f}
	}
	return nil
}

func (a *App) initPlayback(f audio.Format) error {
	if a.speaker != nil {
		return nil
	}
	if a.cfg.Playback.Sink == config.SinkNone {
		d := &audio.Discard{F: f}
		a.speaker, a.chimer = d, d
		return nil
	}
	d, err := speaker.New(f, a.cfg.Playback.Latency, a.cfg.Playback.MaxQueued)
	if err != nil {
		return err
	}
	a.speaker, a.chimer = d, d
	a.closers = append(a.closers, d.Close)
	a.dropSources["playback"] = func() uint64 { return uint64(d.Queue().Dropped()) }
	return nil
}

func (a *App) initTransport() error {
	if a.transport == nil {
		mc := a.cfg.Mesh
		t, err := ws.New(ws.Config{
			ID:               a.id,
			Name:             a.cfg.Node.Name,
			AdvertiseURL:     a.cfg.Server.AdvertiseURL,
			Seeds:            mc.Seeds,
			SendQueue:        mc.SendQueue,
			InboundQueue:     mc.InboundQueue,
			HandshakeTimeout: mc.HandshakeTimeout,
			Discovery: ws.DiscoveryConfig{
				Enabled:  mc.Discovery.Enabled,
				Service:  mc.Discovery.Service,
				Domain:   mc.Discovery.Domain,
				Interval: mc.Discovery.Interval,
			},
		})
		if err != nil {
			return err
		}
		a.transport = t
	}
	if s, ok := a.transport.(interface{ Stats() ws.Stats }); ok {
		a.dropSources["send"] = func() uint64 { return s.Stats().SendDropped }
		a.dropSources["inbound"] = func() uint64 { return s.Stats().InboundDropped }
	}
	return nil
}

func (a *App) initBroadcast(f audio.Format) error {
	a.outbox = capture.NewOutbox(a.cfg.Audio.OutboundQueue)

	var err error
	a.pipeline, err = capture.NewPipeline(capture.Config{
		SenderID:     a.id,
		From:         a.cfg.Node.Name,
		Format:       a.mic.Format(),
		FrameSamples: a.cfg.Audio.FrameSamples,
	}, a.outbox)
	if err != nil {
		return err
	}
	if err := a.mic.InstallTap(a.pipeline.BufferSizeHint(), a.pipeline.Write); err != nil {
		return fmt.Errorf("install tap: %w", err)
	}

	opts := []capture.SenderOption{capture.WithMetrics(a.metrics)}
	if f.Encoding == audio.EncodingOpus {
		opts = append(opts, capture.WithOpus(a.mic.Format(), a.cfg.Audio.FrameSamples))
	}
	a.sender, err = capture.NewSender(a.outbox, a.transport, opts...)
	return err
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	control.New(a.machine).Register(mux)
	health.New(
		health.Flag("transport", "transport not resumed", a.resumed.Load),
		health.Flag("session", "session closed", func() bool { return a.machine.Role() != session.Idle }),
	).Register(mux)
	if a.provider != nil {
		mux.Handle("GET /metrics", a.provider.MetricsHandler())
	}

	root := http.NewServeMux()
	// Peer links hijack the connection and bypass the request middleware.
	if h, ok := a.transport.(http.Handler); ok {
		root.Handle("GET /mesh", h)
	}
	root.Handle("/", observe.Middleware(a.metrics)(mux))
	return root
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// ID returns the node's peer ID.
func (a *App) ID() mesh.PeerID { return a.id }

// Session returns the session machine driven by signals and the control API.
func (a *App) Session() *session.Machine { return a.machine }

// Handler returns the HTTP handler serving the mesh endpoint, the control
// API, the probes and metrics.
func (a *App) Handler() http.Handler { return a.handler }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run resumes the transport and serves the node until ctx is cancelled. On
// cancellation the session is closed first, so a broadcast in progress still
// sends its stop message, then the outbox is flushed and the HTTP server
// drained. Run returns ctx.Err() after a clean stop.
func (a *App) Run(ctx context.Context) error {
	if err := a.transport.Resume(ctx); err != nil {
		return fmt.Errorf("app: resume transport: %w", err)
	}
	a.resumed.Store(true)

	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	sendCtx, stopSend := context.WithCancel(context.WithoutCancel(ctx))
	defer stopSend()

	g.Go(func() error { return a.sender.Run(sendCtx) })
	g.Go(func() error {
		a.receive(gctx)
		return nil
	})
	g.Go(func() error {
		var err error
		if a.listener != nil {
			err = srv.Serve(a.listener)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		if err := a.machine.Close(); err != nil {
			slog.Warn("app: close session", "err", err)
		}
		stopSend()

		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	slog.Info("node running", "peer_id", a.id, "listen_addr", a.cfg.Server.ListenAddr)
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// receive feeds inbound payloads to the session until ctx is done or the
// transport closes its inbound channel.
func (a *App) receive(ctx context.Context) {
	in := a.transport.Inbound()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			if err := a.machine.HandleInbound(ctx, msg); err != nil {
				slog.Debug("dropping inbound payload", "from", msg.From, "bytes", len(msg.Data), "err", err)
			}
		}
	}
}

func (a *App) onPeerChange(ev mesh.PeerEvent) {
	ctx := context.Background()
	switch ev.Kind {
	case mesh.PeerJoined:
		a.metrics.ActivePeers.Add(ctx, 1)
		slog.Info("peer joined", "peer_id", ev.Peer.ID, "name", ev.Peer.DisplayName)
	case mesh.PeerLeft:
		a.metrics.ActivePeers.Add(ctx, -1)
		a.machine.PeerLeft(ev.Peer.ID)
		slog.Info("peer left", "peer_id", ev.Peer.ID, "name", ev.Peer.DisplayName)
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyConfig applies the live-reloadable differences between old and new.
// It has the signature [config.NewWatcher] expects.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ChimeChanged {
		a.machine.SetChimes(d.NewChime)
		slog.Info("chimes toggled", "enabled", d.NewChime)
	}
	if d.SeedsChanged {
		if s, ok := a.transport.(interface{ SetSeeds([]string) }); ok {
			s.SetSeeds(d.NewSeeds)
			slog.Info("mesh seeds updated", "seeds", len(d.NewSeeds))
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes take effect after restart", "keys", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the transport and closes the devices. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned. Call it after Run
// has returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		a.resumed.Store(false)

		if err := a.machine.Close(); err != nil {
			slog.Warn("session close error", "err", err)
		}
		if err := a.transport.Stop(); err != nil {
			slog.Warn("transport stop error", "err", err)
		}
		if a.dropReg != nil {
			if err := a.dropReg.Unregister(); err != nil {
				slog.Warn("drop counter unregister error", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete",
			"sent", a.sender.Sent(),
			"send_failures", a.sender.Failures(),
			"capture_dropped", a.pipeline.Dropped(),
		)
	})
	return shutdownErr
}

// closeAll runs the closers registered so far after a failed New.
func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
	a.closers = nil
}
