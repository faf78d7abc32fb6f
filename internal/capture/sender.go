package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/chatterhouse/internal/observe"
	"github.com/MrWong99/chatterhouse/internal/wire"
	"github.com/MrWong99/chatterhouse/pkg/audio"
	"github.com/MrWong99/chatterhouse/pkg/audio/opus"
	"github.com/MrWong99/chatterhouse/pkg/mesh"
)

// Sender drains an [Outbox] onto a [mesh.Transport]. It is the only writer to
// the transport.
type Sender struct {
	outbox    *Outbox
	transport mesh.Transport
	metrics   *observe.Metrics
	enc       *opus.Encoder

	buf      []byte
	sent     atomic.Uint64
	failures atomic.Uint64
}

// SenderOption is a functional option for [NewSender].
type SenderOption func(*senderOptions)

type senderOptions struct {
	metrics      *observe.Metrics
	opus         bool
	format       audio.Format
	frameSamples int
}

// WithMetrics records send counts and latency on m.
func WithMetrics(m *observe.Metrics) SenderOption {
	return func(o *senderOptions) { o.metrics = m }
}

// WithOpus transcodes PCM frames of format f to Opus before sending.
// frameSamples is the per-channel frame size and must be a valid Opus frame
// duration.
func WithOpus(f audio.Format, frameSamples int) SenderOption {
	return func(o *senderOptions) {
		o.opus = true
		o.format = f
		o.frameSamples = frameSamples
	}
}

// NewSender creates a sender for outbox and transport.
func NewSender(outbox *Outbox, transport mesh.Transport, opts ...SenderOption) (*Sender, error) {
	if outbox == nil || transport == nil {
		return nil, errors.New("capture: sender needs an outbox and a transport")
	}
	var o senderOptions
	for _, opt := range opts {
		opt(&o)
	}
	s := &Sender{
		outbox:    outbox,
		transport: transport,
		metrics:   o.metrics,
		buf:       make([]byte, 0, 4096),
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if o.opus {
		enc, err := opus.NewEncoder(o.format.PCM(), o.frameSamples)
		if err != nil {
			return nil, fmt.Errorf("capture: %w", err)
		}
		s.enc = enc
	}
	return s, nil
}

// Run sends queued items until ctx is cancelled, then sends whatever is
// already queued and returns nil. A parked control is sent only once the
// queue is empty.
func (s *Sender) Run(ctx context.Context) error {
	for {
		select {
		case it := <-s.outbox.ch:
			s.send(ctx, &it)
			continue
		case <-ctx.Done():
			s.drain()
			return nil
		default:
		}
		select {
		case it := <-s.outbox.ch:
			s.send(ctx, &it)
		case it := <-s.outbox.deferred:
			s.send(ctx, &it)
		case <-ctx.Done():
			s.drain()
			return nil
		}
	}
}

// drain sends everything queued at the time of the call without blocking.
func (s *Sender) drain() {
	// The run context is already done; metrics and logs still need one.
	ctx := context.Background()
	for n := s.outbox.Len(); n > 0; n-- {
		select {
		case it := <-s.outbox.ch:
			s.send(ctx, &it)
		default:
			n = 0
		}
	}
	select {
	case it := <-s.outbox.deferred:
		s.send(ctx, &it)
	default:
	}
}

func (s *Sender) send(ctx context.Context, it *Item) {
	defer it.Release()
	start := time.Now()

	msg := it.Message()
	if it.Kind == ItemFrame && s.enc != nil {
		packet, err := s.enc.Encode(it.Frame.Payload)
		if err != nil {
			slog.Warn("capture: opus encode failed, dropping frame", "seq", it.Frame.Sequence, "err", err)
			s.failures.Add(1)
			return
		}
		f := it.Frame
		f.Payload = packet
		f.Format.Encoding = audio.EncodingOpus
		msg = &f
	}

	var err error
	s.buf, err = wire.Append(s.buf[:0], msg)
	if err != nil {
		slog.Warn("capture: encode failed", "tag", msg.Tag(), "err", err)
		s.failures.Add(1)
		return
	}

	kind := msg.Tag().String()
	if err := s.transport.Broadcast(s.buf); err != nil {
		// No peers is the normal state of a lone node.
		s.failures.Add(1)
		s.metrics.SendFailures.Add(ctx, 1)
		slog.Debug("capture: broadcast failed", "tag", kind, "err", err)
		return
	}
	s.sent.Add(1)
	s.metrics.RecordSent(ctx, kind)
	s.metrics.SendDuration.Record(ctx, time.Since(start).Seconds())
}

// Sent returns the number of payloads the transport accepted.
func (s *Sender) Sent() uint64 { return s.sent.Load() }

// Failures returns the number of payloads that could not be encoded or
// delivered to any peer.
func (s *Sender) Failures() uint64 { return s.failures.Load() }
