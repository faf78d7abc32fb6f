// Package speaker plays intercom audio through the system output using
// github.com/gopxl/beep.
//
// A single [Device] owns the beep speaker. Voice frames are scheduled on a
// [Queue] that streams them back to back; chimes are short synthesized tones
// mixed on top of the queue.
package speaker

import (
	"fmt"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/effects"
	"github.com/gopxl/beep/generators"
	bspeaker "github.com/gopxl/beep/speaker"

	"github.com/MrWong99/chatterhouse/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.PlaybackDevice = (*Device)(nil)
	_ audio.Chimer         = (*Device)(nil)
)

// Chime tone parameters.
const (
	chimeLow    = 660.0
	chimeHigh   = 990.0
	chimeNote   = 90 * time.Millisecond
	chimeVolume = -0.75 // effects.Gain: output scaled by (1 + Gain)
)

// Device is an [audio.PlaybackDevice] and [audio.Chimer] backed by the
// system speaker.
type Device struct {
	format audio.Format
	queue  *Queue
	play   func(...beep.Streamer)
}

// New initialises the system speaker for f with the given output latency
// and starts streaming an empty queue. Only one Device may exist per
// process because beep's speaker is global.
func New(f audio.Format, latency time.Duration, maxQueued int) (*Device, error) {
	f = f.PCM()
	sr := beep.SampleRate(f.SampleRate)
	if latency <= 0 {
		latency = 50 * time.Millisecond
	}
	if err := bspeaker.Init(sr, sr.N(latency)); err != nil {
		return nil, fmt.Errorf("speaker: init: %w", err)
	}
	d := newDevice(f, maxQueued, bspeaker.Play)
	bspeaker.Play(d.queue)
	return d, nil
}

func newDevice(f audio.Format, maxQueued int, play func(...beep.Streamer)) *Device {
	return &Device{
		format: f,
		queue:  NewQueue(f.Channels, maxQueued),
		play:   play,
	}
}

// Schedule implements [audio.PlaybackDevice].
func (d *Device) Schedule(samples []int16, onComplete func()) {
	d.queue.Push(samples, onComplete)
}

// Format implements [audio.PlaybackDevice].
func (d *Device) Format() audio.Format { return d.format }

// Queue exposes the underlying voice queue.
func (d *Device) Queue() *Queue { return d.queue }

// Chime implements [audio.Chimer]. Start rises, stop falls and notify is a
// single short tone.
func (d *Device) Chime(kind audio.ChimeKind) {
	s, err := chimeStreamer(beep.SampleRate(d.format.SampleRate), kind)
	if err != nil {
		return
	}
	d.play(s)
}

// Close stops the system speaker.
func (d *Device) Close() error {
	bspeaker.Clear()
	bspeaker.Close()
	return nil
}

func chimeStreamer(sr beep.SampleRate, kind audio.ChimeKind) (beep.Streamer, error) {
	var freqs []float64
	switch kind {
	case audio.ChimeStart:
		freqs = []float64{chimeLow, chimeHigh}
	case audio.ChimeStop:
		freqs = []float64{chimeHigh, chimeLow}
	default:
		freqs = []float64{chimeHigh}
	}

	notes := make([]beep.Streamer, 0, len(freqs))
	for _, f := range freqs {
		tone, err := generators.SineTone(sr, f)
		if err != nil {
			return nil, fmt.Errorf("speaker: chime tone %.0f Hz: %w", f, err)
		}
		notes = append(notes, beep.Take(sr.N(chimeNote), tone))
	}
	return &effects.Gain{Streamer: beep.Seq(notes...), Gain: chimeVolume}, nil
}
