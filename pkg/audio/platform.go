// Package audio defines the device boundary of the intercom: the capture
// device that feeds microphone samples into the broadcast path and the
// playback device that receives scheduled buffers from the listen path.
//
// The two primary abstractions are:
//
//   - [CaptureDevice]: installs a tap that delivers raw PCM blocks on the
//     device's own real-time goroutine.
//   - [PlaybackDevice]: plays queued buffers back to back. It never fills
//     gaps; that is the job of the playback scheduler.
//
// Implementations live in adapter packages (audio/pipe, audio/speaker).
// This package lives under pkg/ because third-party device adapters are
// expected to implement these interfaces.
package audio

import "errors"

// ErrPermissionDenied is returned by a [CaptureDevice] that cannot be opened
// because the microphone is missing or access was not granted.
var ErrPermissionDenied = errors.New("audio: capture device unavailable or unauthorized")

// CaptureDevice is the microphone collaborator.
//
// Implementations must be safe for concurrent use.
type CaptureDevice interface {
	// InstallTap registers onSamples as the receiver of captured audio.
	// bufferSizeHint is the preferred block length in frames per channel; a
	// stereo block of hint n carries 2n interleaved samples. It is a
	// request, not a guarantee: onSamples may be called
	// with blocks of any length. onSamples is invoked on the device's
	// real-time goroutine and must not block. The slice is only valid for
	// the duration of the call.
	InstallTap(bufferSizeHint int, onSamples func(samples []int16)) error

	// Start begins delivering samples to the tap. Returns an error wrapping
	// [ErrPermissionDenied] when the device cannot be opened.
	Start() error

	// Stop pauses delivery. It is safe to call Stop on a stopped device.
	Stop() error

	// Authorized reports whether the device is expected to start. A false
	// value lets the UI offer a "grant access" action instead of broadcast.
	Authorized() bool

	// Format returns the PCM format of delivered samples.
	Format() Format
}

// PlaybackDevice is the speaker collaborator.
//
// Implementations must be safe for concurrent use.
type PlaybackDevice interface {
	// Schedule queues samples for playback after everything queued before.
	// samples must be interleaved PCM in [PlaybackDevice.Format]. onComplete,
	// when non-nil, is called once the buffer has been played or discarded.
	// Schedule must not block.
	Schedule(samples []int16, onComplete func())

	// Format returns the PCM format the device expects.
	Format() Format
}

// ChimeKind selects the notification sound played for a remote control message.
type ChimeKind int

const (
	// ChimeStart marks a remote participant starting to talk.
	ChimeStart ChimeKind = iota

	// ChimeStop marks a remote participant finishing.
	ChimeStop

	// ChimeNotify is an explicit chime request without a talk session.
	ChimeNotify
)

// String returns the human-readable name of the chime kind.
func (k ChimeKind) String() string {
	switch k {
	case ChimeStart:
		return "START"
	case ChimeStop:
		return "STOP"
	case ChimeNotify:
		return "NOTIFY"
	default:
		return "UNKNOWN"
	}
}

// Chimer plays a short local notification sound. Chime must not block.
type Chimer interface {
	Chime(kind ChimeKind)
}
