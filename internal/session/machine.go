// Package session owns the local broadcast/listen role of a chatterhouse node.
//
// A [Machine] is the single entry point for user commands (start, stop,
// toggle, silence) and for inbound network payloads. It serializes commands
// behind one mutex and drives the capture pipeline, the outbox and the
// playback scheduler. Remote control messages never change the local role;
// they only chime.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/chatterhouse/internal/capture"
	"github.com/MrWong99/chatterhouse/internal/observe"
	"github.com/MrWong99/chatterhouse/internal/playback"
	"github.com/MrWong99/chatterhouse/internal/wire"
	"github.com/MrWong99/chatterhouse/pkg/audio"
	"github.com/MrWong99/chatterhouse/pkg/mesh"
)

// Role is the local participant's session role. Exactly one role holds at
// any time.
type Role int

const (
	Idle Role = iota
	Broadcasting
	Listening
	Silenced
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case Idle:
		return "Idle"
	case Broadcasting:
		return "Broadcasting"
	case Listening:
		return "Listening"
	case Silenced:
		return "Silenced"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// MarshalText renders the role name in JSON.
func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// Snapshot is a read-only view of the session for UI collaborators.
type Snapshot struct {
	Role Role `json:"role"`
	// Prior is the role restored when broadcasting stops. It equals Role
	// while not broadcasting.
	Prior      Role        `json:"prior"`
	Sequence   uint64      `json:"sequence"`
	Authorized bool        `json:"authorized"`
	Chimes     bool        `json:"chimes"`
	Peers      []mesh.Peer `json:"peers"`
	// Version increases with every applied command so subscribers can
	// discard out-of-order notifications.
	Version uint64 `json:"version"`
}

// DefaultControlTimeout bounds how long a command waits to enqueue a control
// message on a full outbox.
const DefaultControlTimeout = time.Second

// Config holds the collaborators and settings of a [Machine].
type Config struct {
	// ID and Name identify the local node on control messages.
	ID   mesh.PeerID
	Name string

	Capture   audio.CaptureDevice
	Pipeline  *capture.Pipeline
	Outbox    *capture.Outbox
	Scheduler *playback.Scheduler

	// Chimer plays notification sounds for remote control messages. Nil
	// disables chimes.
	Chimer audio.Chimer

	// Peers supplies the roster for snapshots. Optional.
	Peers mesh.Transport

	// StartSilenced makes the initial role Silenced instead of Listening.
	StartSilenced bool

	// DisableChimes starts with chimes off. See [Machine.SetChimes].
	DisableChimes bool

	// Overlap keeps playback running while broadcasting when the role before
	// broadcasting was Listening. The default is strict exclusion: a
	// broadcaster never hears playback.
	Overlap bool

	// ControlTimeout defaults to [DefaultControlTimeout].
	ControlTimeout time.Duration

	Metrics *observe.Metrics
	Now     func() time.Time
}

// Machine is the session state machine. All methods are safe for concurrent
// use.
type Machine struct {
	cfg Config

	mu      sync.Mutex
	role    Role
	prior   Role
	version uint64
	subs    map[int]func(Snapshot)
	nextSub int

	// Read without mu by the network path, which must never wait behind a
	// command blocked on the outbox.
	chimes  atomic.Bool
	current atomic.Int64 // mirrors role
}

// New creates a machine in Listening, or Silenced when cfg.StartSilenced is
// set.
func New(cfg Config) (*Machine, error) {
	var errs []error
	if cfg.ID == "" {
		errs = append(errs, errors.New("session: ID is required"))
	}
	if cfg.Capture == nil {
		errs = append(errs, errors.New("session: capture device is required"))
	}
	if cfg.Pipeline == nil || cfg.Outbox == nil {
		errs = append(errs, errors.New("session: pipeline and outbox are required"))
	}
	if cfg.Scheduler == nil {
		errs = append(errs, errors.New("session: scheduler is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if cfg.ControlTimeout <= 0 {
		cfg.ControlTimeout = DefaultControlTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	m := &Machine{
		cfg:  cfg,
		role: Listening,
		subs: make(map[int]func(Snapshot)),
	}
	m.chimes.Store(!cfg.DisableChimes)
	if cfg.StartSilenced {
		m.role = Silenced
	}
	m.prior = m.role
	m.current.Store(int64(m.role))
	cfg.Scheduler.SetActive(m.role == Listening)
	return m, nil
}

// ─── Commands ────────────────────────────────────────────────────────────────

// StartBroadcast starts capture and tells every peer a talk session began.
// Legal from Listening and Silenced. If the capture device cannot start the
// error matches [ErrPermissionDenied] and the role is unchanged.
func (m *Machine) StartBroadcast(ctx context.Context) error {
	return m.do(ctx, "start_broadcast", m.startLocked)
}

// StopBroadcast stops capture, queues the Stop control message behind every
// frame already queued, and restores the role held before broadcasting.
// Legal from Broadcasting only.
func (m *Machine) StopBroadcast(ctx context.Context) error {
	return m.do(ctx, "stop_broadcast", m.stopLocked)
}

// ToggleBroadcast stops when broadcasting and starts otherwise.
func (m *Machine) ToggleBroadcast(ctx context.Context) error {
	return m.do(ctx, "toggle_broadcast", func(ctx context.Context) error {
		if m.role == Broadcasting {
			return m.stopLocked(ctx)
		}
		return m.startLocked(ctx)
	})
}

// ToggleSilence flips between Listening and Silenced. It is illegal while
// broadcasting.
func (m *Machine) ToggleSilence(ctx context.Context) error {
	return m.do(ctx, "toggle_silence", func(context.Context) error {
		switch m.role {
		case Listening:
			m.setRoleLocked(Silenced)
		case Silenced:
			m.setRoleLocked(Listening)
		default:
			return &TransitionError{Op: "toggle_silence", From: m.role}
		}
		m.prior = m.role
		return nil
	})
}

// Chime asks every peer to play a notification sound. It is illegal once
// the machine is closed.
func (m *Machine) Chime(ctx context.Context) error {
	return m.do(ctx, "chime", func(ctx context.Context) error {
		if m.role == Idle {
			return &TransitionError{Op: "chime", From: m.role}
		}
		return m.pushControlLocked(ctx, wire.ControlChime)
	})
}

// Close stops any active broadcast and moves to Idle. Every later command
// fails with [ErrIllegalTransition]. Close is idempotent.
func (m *Machine) Close() error {
	return m.do(context.Background(), "close", func(ctx context.Context) error {
		if m.role == Broadcasting {
			if err := m.stopLocked(ctx); err != nil {
				return err
			}
		}
		m.setRoleLocked(Idle)
		m.prior = Idle
		return nil
	})
}

// SetChimes enables or disables chimes for remote control messages.
func (m *Machine) SetChimes(on bool) {
	m.chimes.Store(on)
}

func (m *Machine) startLocked(ctx context.Context) error {
	if m.role != Listening && m.role != Silenced {
		return &TransitionError{Op: "start_broadcast", From: m.role}
	}
	if err := m.cfg.Capture.Start(); err != nil {
		if !errors.Is(err, ErrPermissionDenied) {
			err = fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		}
		return fmt.Errorf("session: start capture: %w", err)
	}
	// Start must be queued before the first frame can be.
	if err := m.pushControlLocked(ctx, wire.ControlStart); err != nil {
		if stopErr := m.cfg.Capture.Stop(); stopErr != nil {
			slog.Warn("session: stop capture after failed start", "err", stopErr)
		}
		return err
	}
	m.cfg.Pipeline.Start()
	m.prior = m.role
	m.setRoleLocked(Broadcasting)
	return nil
}

func (m *Machine) stopLocked(ctx context.Context) error {
	if m.role != Broadcasting {
		return &TransitionError{Op: "stop_broadcast", From: m.role}
	}
	m.cfg.Pipeline.Stop()
	if err := m.cfg.Capture.Stop(); err != nil {
		slog.Warn("session: stop capture", "err", err)
	}
	if err := m.pushControlLocked(ctx, wire.ControlStop); err != nil {
		// Capture is stopped, so the queue only drains from here on. Park
		// the Stop for the sender rather than failing the local transition.
		if !m.cfg.Outbox.Defer(m.controlItem(wire.ControlStop)) {
			slog.Warn("session: stop message lost", "err", err)
		} else {
			slog.Warn("session: stop message deferred", "err", err)
		}
		m.cfg.Metrics.RecordControlDeferred(ctx, wire.ControlStop.String())
	}
	m.setRoleLocked(m.prior)
	return nil
}

// setRoleLocked changes the role and keeps the scheduler's playback gate in
// step. Playback is active while Listening, and while Broadcasting from
// Listening when overlap is enabled.
func (m *Machine) setRoleLocked(r Role) {
	m.role = r
	m.current.Store(int64(r))
	active := r == Listening || (m.cfg.Overlap && r == Broadcasting && m.prior == Listening)
	m.cfg.Scheduler.SetActive(active)
}

func (m *Machine) pushControlLocked(ctx context.Context, kind wire.ControlKind) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ControlTimeout)
	defer cancel()
	return m.cfg.Outbox.Push(ctx, m.controlItem(kind))
}

func (m *Machine) controlItem(kind wire.ControlKind) capture.Item {
	return capture.ControlItem(wire.Control{
		SenderID:  m.cfg.ID,
		Kind:      kind,
		From:      m.cfg.Name,
		Timestamp: m.cfg.Now(),
	})
}

// do runs one command under the lock and reports it.
func (m *Machine) do(ctx context.Context, op string, fn func(context.Context) error) error {
	m.mu.Lock()
	from := m.role
	ctx, span := observe.CommandSpan(ctx, op, from.String())
	err := fn(ctx)
	var (
		snap Snapshot
		subs []func(Snapshot)
	)
	if err == nil {
		m.version++
		snap = m.snapshotLocked()
		for _, sub := range m.subs {
			subs = append(subs, sub)
		}
	}
	m.mu.Unlock()

	observe.EndSpan(span, err)
	m.cfg.Metrics.RecordTransition(ctx, op, result(err))
	log := observe.Logger(ctx)
	if err != nil {
		log.Info("session: command rejected", "op", op, "role", from, "err", err)
		return err
	}
	if from != snap.Role {
		log.Info("session: role changed", "op", op, "from", from, "to", snap.Role)
	}

	snap.Peers = m.peers()
	for _, sub := range subs {
		sub(snap)
	}
	return nil
}

// ─── Network input ───────────────────────────────────────────────────────────

// HandleInbound decodes one payload and dispatches it. Control messages
// chime (unless silenced) and a remote Start restarts that sender's reorder
// window. Audio frames go to the scheduler. The role never changes.
//
// The returned error is informational: malformed and unknown payloads are
// already counted and the caller only needs to drop them.
func (m *Machine) HandleInbound(ctx context.Context, in mesh.Inbound) error {
	msg, err := wire.Decode(in.Data)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, wire.ErrUnknownTag) {
			reason = "unknown_tag"
		}
		m.cfg.Metrics.RecordMalformed(ctx, reason)
		slog.Debug("session: dropping inbound payload", "from", in.From, "reason", reason, "err", err)
		return err
	}
	if msg.Sender() == m.cfg.ID {
		return nil
	}

	switch msg := msg.(type) {
	case *wire.Frame:
		m.cfg.Scheduler.Receive(ctx, msg)
	case *wire.Control:
		if msg.Kind == wire.ControlStart {
			m.cfg.Scheduler.Reset(msg.SenderID)
		}
		slog.Debug("session: remote control", "kind", msg.Kind, "sender", msg.SenderID, "from", msg.From)
		m.chime(ctx, msg.Kind)
	}
	return nil
}

func (m *Machine) chime(ctx context.Context, kind wire.ControlKind) {
	r := m.Role()
	play := m.chimes.Load() && m.cfg.Chimer != nil && (r == Listening || r == Broadcasting)
	if !play {
		return
	}
	var k audio.ChimeKind
	switch kind {
	case wire.ControlStart:
		k = audio.ChimeStart
	case wire.ControlStop:
		k = audio.ChimeStop
	default:
		k = audio.ChimeNotify
	}
	m.cfg.Chimer.Chime(k)
	m.cfg.Metrics.RecordChime(ctx, k.String())
}

// PeerLeft drops playback state for a peer that left the mesh.
func (m *Machine) PeerLeft(id mesh.PeerID) {
	m.cfg.Scheduler.Forget(id)
}

// ─── Views ───────────────────────────────────────────────────────────────────

// Role returns the current role.
func (m *Machine) Role() Role {
	return Role(m.current.Load())
}

// Snapshot returns the current session view.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	snap := m.snapshotLocked()
	m.mu.Unlock()
	snap.Peers = m.peers()
	return snap
}

func (m *Machine) snapshotLocked() Snapshot {
	return Snapshot{
		Role:       m.role,
		Prior:      m.prior,
		Sequence:   m.cfg.Pipeline.Sequence(),
		Authorized: m.cfg.Capture.Authorized(),
		Chimes:     m.chimes.Load(),
		Version:    m.version,
	}
}

func (m *Machine) peers() []mesh.Peer {
	if m.cfg.Peers == nil {
		return nil
	}
	return m.cfg.Peers.AvailablePeers()
}

// Subscribe registers fn to receive a snapshot after every successful
// command. fn runs on the commanding goroutine after the lock is released.
// The returned function unsubscribes.
func (m *Machine) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}
