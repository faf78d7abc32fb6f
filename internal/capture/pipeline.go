// Package capture turns microphone blocks into sequenced audio frames and
// sends them to every peer.
//
// Two execution contexts meet here. [Pipeline.Write] runs on the capture
// device's real-time goroutine: it must not block, so it re-chunks samples
// into pooled buffers and hands them to the [Outbox] without waiting.
// [Sender.Run] runs on the network goroutine and owns all transport I/O.
package capture

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/chatterhouse/internal/wire"
	"github.com/MrWong99/chatterhouse/pkg/audio"
	"github.com/MrWong99/chatterhouse/pkg/mesh"
)

// Config describes the frames a [Pipeline] produces.
type Config struct {
	// SenderID and From identify the local node on every frame.
	SenderID mesh.PeerID
	From     string

	// Format is the PCM format delivered by the capture device.
	Format audio.Format

	// FrameSamples is the number of samples per channel in one frame.
	FrameSamples int
}

// Pipeline is the capture tap. It is safe for concurrent use; Write is
// expected from one device goroutine while Start and Stop come from the
// session machine.
type Pipeline struct {
	cfg      Config
	frameLen int // interleaved samples per frame
	outbox   *Outbox
	pool     sync.Pool

	mu      sync.Mutex
	enabled bool
	seq     uint64
	acc     []int16

	dropped  atomic.Uint64
	produced atomic.Uint64
}

// NewPipeline creates a disabled pipeline that feeds outbox.
func NewPipeline(cfg Config, outbox *Outbox) (*Pipeline, error) {
	if cfg.FrameSamples <= 0 {
		return nil, errors.New("capture: frame samples must be positive")
	}
	if cfg.Format.Channels < 1 || cfg.Format.Channels > 2 {
		return nil, errors.New("capture: channels must be 1 or 2")
	}
	if outbox == nil {
		return nil, errors.New("capture: outbox is required")
	}
	cfg.Format = cfg.Format.PCM()
	frameLen := cfg.FrameSamples * cfg.Format.Channels
	p := &Pipeline{
		cfg:      cfg,
		frameLen: frameLen,
		outbox:   outbox,
		acc:      make([]int16, 0, frameLen),
	}
	p.pool.New = func() any {
		b := make([]byte, 0, frameLen*2)
		return &b
	}
	return p, nil
}

// Write is the device tap. Samples are ignored while the pipeline is
// disabled. Every complete frame consumes one sequence number, including
// frames dropped because the outbox was full.
func (p *Pipeline) Write(samples []int16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled {
		return
	}
	for len(samples) > 0 {
		n := min(p.frameLen-len(p.acc), len(samples))
		p.acc = append(p.acc, samples[:n]...)
		samples = samples[n:]
		if len(p.acc) == p.frameLen {
			p.emitLocked()
		}
	}
}

func (p *Pipeline) emitLocked() {
	buf := p.pool.Get().(*[]byte)
	*buf = audio.AppendInt16s((*buf)[:0], p.acc)
	p.acc = p.acc[:0]

	it := Item{
		Kind: ItemFrame,
		Frame: wire.Frame{
			SenderID: p.cfg.SenderID,
			From:     p.cfg.From,
			Sequence: p.seq,
			Format:   p.cfg.Format,
			Payload:  *buf,
		},
		buf:  buf,
		pool: &p.pool,
	}
	p.seq++
	if !p.outbox.TryPush(it) {
		p.dropped.Add(1)
		p.pool.Put(buf)
		return
	}
	p.produced.Add(1)
}

// Start resets the sequence to zero, clears the accumulator and enables the
// tap.
func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq = 0
	p.acc = p.acc[:0]
	p.enabled = true
}

// Stop disables the tap and discards any partial frame. Once Stop returns no
// further frames reach the outbox.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = false
	p.acc = p.acc[:0]
}

// Enabled reports whether the tap is accepting samples.
func (p *Pipeline) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// Sequence returns the sequence number the next frame will carry.
func (p *Pipeline) Sequence() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq
}

// Dropped returns the number of frames discarded because the outbox was full.
func (p *Pipeline) Dropped() uint64 { return p.dropped.Load() }

// Produced returns the number of frames handed to the outbox.
func (p *Pipeline) Produced() uint64 { return p.produced.Load() }

// BufferSizeHint is the device block size the pipeline prefers, in frames
// per channel.
func (p *Pipeline) BufferSizeHint() int { return p.cfg.FrameSamples }
