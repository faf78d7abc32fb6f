// Package mock provides in-memory mock implementations of the
// [audio.CaptureDevice], [audio.PlaybackDevice], and [audio.Chimer]
// interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	mic := &mock.CaptureDevice{AuthorizedResult: true}
//	_ = mic.InstallTap(1024, pipeline.Write)
//	mic.Emit(make([]int16, 1024)) // simulate one device callback
package mock

import (
	"sync"

	"github.com/MrWong99/chatterhouse/pkg/audio"
)

// ─── CaptureDevice ────────────────────────────────────────────────────────────

// CaptureDevice is a mock implementation of [audio.CaptureDevice].
type CaptureDevice struct {
	mu sync.Mutex

	// FormatResult is returned by Format. Defaults to 48 kHz mono PCM16.
	FormatResult audio.Format

	// AuthorizedResult is returned by Authorized.
	AuthorizedResult bool

	// StartError is returned by Start.
	StartError error

	// InstallTapError is returned by InstallTap.
	InstallTapError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	// BufferSizeHint is the hint passed to the last InstallTap call.
	BufferSizeHint int

	tap     func([]int16)
	running bool
}

// InstallTap implements [audio.CaptureDevice].
func (d *CaptureDevice) InstallTap(bufferSizeHint int, onSamples func([]int16)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.InstallTapError != nil {
		return d.InstallTapError
	}
	d.BufferSizeHint = bufferSizeHint
	d.tap = onSamples
	return nil
}

// Start implements [audio.CaptureDevice]. Returns StartError.
func (d *CaptureDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountStart++
	if d.StartError != nil {
		return d.StartError
	}
	d.running = true
	return nil
}

// Stop implements [audio.CaptureDevice].
func (d *CaptureDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountStop++
	d.running = false
	return nil
}

// Authorized implements [audio.CaptureDevice]. Returns AuthorizedResult.
func (d *CaptureDevice) Authorized() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.AuthorizedResult
}

// Format implements [audio.CaptureDevice].
func (d *CaptureDevice) Format() audio.Format {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FormatResult == (audio.Format{}) {
		return audio.Format{Encoding: audio.EncodingPCM16, SampleRate: 48000, Channels: 1}
	}
	return d.FormatResult
}

// Running reports whether Start succeeded more recently than Stop.
func (d *CaptureDevice) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Emit delivers samples to the installed tap as the real-time callback would.
// Emit delivers regardless of the running state so tests can exercise the
// pipeline's own gating.
func (d *CaptureDevice) Emit(samples []int16) {
	d.mu.Lock()
	tap := d.tap
	d.mu.Unlock()
	if tap != nil {
		tap(samples)
	}
}

// ─── PlaybackDevice ───────────────────────────────────────────────────────────

// ScheduleCall records one [PlaybackDevice.Schedule] invocation.
type ScheduleCall struct {
	// Samples is a copy of the scheduled buffer.
	Samples []int16
}

// PlaybackDevice is a mock implementation of [audio.PlaybackDevice]. Every
// scheduled buffer is recorded and its onComplete callback invoked immediately.
type PlaybackDevice struct {
	mu sync.Mutex

	// FormatResult is returned by Format. Defaults to 48 kHz mono PCM16.
	FormatResult audio.Format

	// ScheduleCalls records all Schedule invocations in order.
	ScheduleCalls []ScheduleCall
}

// Schedule implements [audio.PlaybackDevice].
func (d *PlaybackDevice) Schedule(samples []int16, onComplete func()) {
	cp := make([]int16, len(samples))
	copy(cp, samples)
	d.mu.Lock()
	d.ScheduleCalls = append(d.ScheduleCalls, ScheduleCall{Samples: cp})
	d.mu.Unlock()
	if onComplete != nil {
		onComplete()
	}
}

// Format implements [audio.PlaybackDevice].
func (d *PlaybackDevice) Format() audio.Format {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FormatResult == (audio.Format{}) {
		return audio.Format{Encoding: audio.EncodingPCM16, SampleRate: 48000, Channels: 1}
	}
	return d.FormatResult
}

// Calls returns a snapshot of all recorded Schedule calls.
func (d *PlaybackDevice) Calls() []ScheduleCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ScheduleCall, len(d.ScheduleCalls))
	copy(out, d.ScheduleCalls)
	return out
}

// ─── Chimer ───────────────────────────────────────────────────────────────────

// Chimer is a mock implementation of [audio.Chimer].
type Chimer struct {
	mu sync.Mutex

	// Kinds records every chime kind played, in order.
	Kinds []audio.ChimeKind
}

// Chime implements [audio.Chimer].
func (c *Chimer) Chime(kind audio.ChimeKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Kinds = append(c.Kinds, kind)
}

// Played returns a snapshot of the recorded chime kinds.
func (c *Chimer) Played() []audio.ChimeKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]audio.ChimeKind, len(c.Kinds))
	copy(out, c.Kinds)
	return out
}
