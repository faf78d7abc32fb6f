// Package playback schedules received audio frames onto the local speaker.
//
// The [Scheduler] keeps a small reorder window per sender. Frames that fall
// behind the window are stale, frames already seen are duplicates, and
// everything else is decoded, converted to the device format and queued in
// arrival order. Gaps are never filled.
package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/chatterhouse/internal/observe"
	"github.com/MrWong99/chatterhouse/internal/wire"
	"github.com/MrWong99/chatterhouse/pkg/audio"
	"github.com/MrWong99/chatterhouse/pkg/audio/opus"
	"github.com/MrWong99/chatterhouse/pkg/mesh"
)

// Outcome is the scheduler's verdict on one received frame.
type Outcome int

const (
	// Played frames were handed to the playback device.
	Played Outcome = iota + 1

	// Acknowledged frames advanced sequence tracking but were not played
	// because playback is inactive.
	Acknowledged

	// Stale frames fell behind the reorder window and were dropped.
	Stale

	// Duplicate frames had a sequence already seen and were dropped.
	Duplicate

	// Undecodable frames were accepted by the window but their payload
	// could not be decoded.
	Undecodable
)

// String returns the metric label for the outcome.
func (o Outcome) String() string {
	switch o {
	case Played:
		return observe.OutcomePlayed
	case Acknowledged:
		return observe.OutcomeAcknowledged
	case Stale:
		return observe.OutcomeStale
	case Duplicate:
		return observe.OutcomeDuplicate
	case Undecodable:
		return "undecodable"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// DefaultReorderWindow is the reorder window used when [Config] leaves it
// unset.
const DefaultReorderWindow = 1

// Config tunes a [Scheduler].
type Config struct {
	// ReorderWindow is how many sequence numbers behind the newest a frame
	// may arrive and still play. Zero or negative means
	// [DefaultReorderWindow].
	ReorderWindow int

	// IdleReset restarts a sender's window after this much silence. A
	// restarted window accepts any sequence once, so duplicates and stale
	// frames arriving right after the pause are played. Zero or negative
	// disables it; a remote Start already resets the window.
	IdleReset time.Duration

	// Metrics receives per-outcome counts. Nil uses [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Now is the clock. Nil uses [time.Now].
	Now func() time.Time
}

// window is the per-sender reorder state.
type window struct {
	started  bool
	newest   uint64
	seen     []uint64 // ring of seq+1, zero marks an empty slot
	lastSeen time.Time

	dec       *opus.Decoder
	decFormat audio.Format
	conv      audio.Converter
}

func (w *window) restart() {
	w.started = false
	clear(w.seen)
}

func (w *window) seenSeq(seq uint64) bool {
	return w.seen[seq%uint64(len(w.seen))] == seq+1
}

func (w *window) mark(seq uint64) {
	w.seen[seq%uint64(len(w.seen))] = seq + 1
	if !w.started || seq > w.newest {
		w.newest = seq
	}
	w.started = true
}

// Scheduler implements the listen path. All methods are safe for concurrent
// use.
type Scheduler struct {
	device  audio.PlaybackDevice
	window  uint64
	idle    time.Duration
	metrics *observe.Metrics
	now     func() time.Time

	mu      sync.Mutex
	active  bool
	senders map[mesh.PeerID]*window
}

// New creates an inactive scheduler that plays onto device.
func New(device audio.PlaybackDevice, cfg Config) *Scheduler {
	if cfg.ReorderWindow <= 0 {
		cfg.ReorderWindow = DefaultReorderWindow
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		device:  device,
		window:  uint64(cfg.ReorderWindow),
		idle:    cfg.IdleReset,
		metrics: cfg.Metrics,
		now:     cfg.Now,
		senders: make(map[mesh.PeerID]*window),
	}
}

// SetActive switches playback on or off. Inactive schedulers still track
// sequences.
func (s *Scheduler) SetActive(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = active
}

// Active reports whether frames are currently played.
func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Receive classifies f and, when it is fresh and playback is active, queues
// its samples on the device.
func (s *Scheduler) Receive(ctx context.Context, f *wire.Frame) Outcome {
	out := s.receive(f)
	s.metrics.RecordReceived(ctx, out.String())
	return out
}

func (s *Scheduler) receive(f *wire.Frame) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w := s.senders[f.SenderID]
	if w == nil {
		w = &window{seen: make([]uint64, s.window+1)}
		w.conv.Target = s.device.Format().PCM()
		s.senders[f.SenderID] = w
	}
	if w.started && s.idle > 0 && now.Sub(w.lastSeen) > s.idle {
		slog.Debug("playback: sender idle, restarting window", "sender", f.SenderID, "newest", w.newest)
		w.restart()
	}
	w.lastSeen = now

	if w.started {
		if f.Sequence+s.window < w.newest {
			return Stale
		}
		if w.seenSeq(f.Sequence) {
			return Duplicate
		}
	}
	w.mark(f.Sequence)

	if !s.active {
		return Acknowledged
	}

	samples, err := w.decode(f)
	if err != nil {
		slog.Debug("playback: dropping undecodable frame", "sender", f.SenderID, "seq", f.Sequence, "err", err)
		return Undecodable
	}
	s.device.Schedule(w.conv.Convert(samples, f.Format.PCM()), nil)
	return Played
}

func (w *window) decode(f *wire.Frame) ([]int16, error) {
	switch f.Format.Encoding {
	case audio.EncodingPCM16:
		return audio.BytesToInt16s(f.Payload), nil
	case audio.EncodingOpus:
		if w.dec == nil || w.decFormat != f.Format {
			dec, err := opus.NewDecoder(f.Format)
			if err != nil {
				return nil, err
			}
			w.dec, w.decFormat = dec, f.Format
		}
		return w.dec.Decode(f.Payload)
	default:
		return nil, fmt.Errorf("playback: unsupported encoding %v", f.Format.Encoding)
	}
}

// Reset restarts the window for sender, typically on a remote Start.
func (s *Scheduler) Reset(sender mesh.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w := s.senders[sender]; w != nil {
		w.restart()
	}
}

// Forget drops all state for sender, typically when the peer leaves.
func (s *Scheduler) Forget(sender mesh.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.senders, sender)
}

// Senders returns the number of tracked senders.
func (s *Scheduler) Senders() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.senders)
}

// Newest returns the newest sequence seen from sender.
func (s *Scheduler) Newest(sender mesh.PeerID) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.senders[sender]
	if w == nil || !w.started {
		return 0, false
	}
	return w.newest, true
}
