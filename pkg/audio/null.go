package audio

import "sync"

// NoCapture is a [CaptureDevice] for nodes without a microphone. It is never
// authorized and Start always fails with [ErrPermissionDenied], so such a
// node can listen but never broadcast.
type NoCapture struct {
	F Format
}

func (NoCapture) InstallTap(int, func([]int16)) error { return nil }
func (NoCapture) Start() error                         { return ErrPermissionDenied }
func (NoCapture) Stop() error                          { return nil }
func (NoCapture) Authorized() bool                     { return false }
func (n NoCapture) Format() Format                     { return n.F.PCM() }

// Discard is a [PlaybackDevice] and [Chimer] that drops everything it is
// given. It completes buffers immediately and counts them.
type Discard struct {
	F Format

	mu      sync.Mutex
	buffers int
}

// Schedule implements [PlaybackDevice].
func (d *Discard) Schedule(_ []int16, onComplete func()) {
	d.mu.Lock()
	d.buffers++
	d.mu.Unlock()
	if onComplete != nil {
		onComplete()
	}
}

// Format implements [PlaybackDevice].
func (d *Discard) Format() Format { return d.F.PCM() }

// Chime implements [Chimer].
func (d *Discard) Chime(ChimeKind) {}

// Buffers returns how many buffers were scheduled.
func (d *Discard) Buffers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buffers
}
