package speaker

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/wav"

	"github.com/MrWong99/chatterhouse/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.CaptureDevice = (*WAVSource)(nil)

// WAVSource is an [audio.CaptureDevice] that loops a WAV file in real time.
// It stands in for a microphone on headless hosts and in demos.
type WAVSource struct {
	path   string
	format audio.Format

	mu      sync.Mutex
	tap     func([]int16)
	hint    int
	stream  beep.StreamSeekCloser
	src     beep.Streamer
	err     error
	stopCh  chan struct{}
	stopped chan struct{}
}

// NewWAVSource creates a source reading path, resampled to f.
func NewWAVSource(path string, f audio.Format) *WAVSource {
	return &WAVSource{path: path, format: f.PCM()}
}

// InstallTap implements [audio.CaptureDevice].
func (w *WAVSource) InstallTap(bufferSizeHint int, onSamples func([]int16)) error {
	if onSamples == nil {
		return errors.New("speaker: nil tap")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tap = onSamples
	w.hint = bufferSizeHint
	return nil
}

// Start implements [audio.CaptureDevice]. The file is decoded on first use;
// a missing or unreadable file is reported as [audio.ErrPermissionDenied].
func (w *WAVSource) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopCh != nil {
		return nil
	}
	if err := w.openLocked(); err != nil {
		return err
	}
	hint := w.hint
	if hint <= 0 {
		hint = 1024
	}
	w.stopCh = make(chan struct{})
	w.stopped = make(chan struct{})
	go w.pump(w.src, w.tap, hint, w.stopCh, w.stopped)
	return nil
}

// Stop implements [audio.CaptureDevice].
func (w *WAVSource) Stop() error {
	w.mu.Lock()
	stopCh, stopped := w.stopCh, w.stopped
	w.stopCh, w.stopped = nil, nil
	w.mu.Unlock()
	if stopCh == nil {
		return nil
	}
	close(stopCh)
	<-stopped
	return nil
}

// Authorized implements [audio.CaptureDevice].
func (w *WAVSource) Authorized() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err == nil
}

// Format implements [audio.CaptureDevice].
func (w *WAVSource) Format() audio.Format { return w.format }

// Close stops the pump and releases the file.
func (w *WAVSource) Close() error {
	_ = w.Stop()
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stream == nil {
		return nil
	}
	err := w.stream.Close()
	w.stream = nil
	return err
}

func (w *WAVSource) openLocked() error {
	if w.err != nil {
		return w.err
	}
	if w.src != nil {
		return nil
	}
	f, err := os.Open(w.path)
	if err != nil {
		w.err = fmt.Errorf("speaker: open %s: %w: %w", w.path, audio.ErrPermissionDenied, err)
		return w.err
	}
	stream, format, err := wav.Decode(f)
	if err != nil {
		f.Close()
		w.err = fmt.Errorf("speaker: decode %s: %w: %w", w.path, audio.ErrPermissionDenied, err)
		return w.err
	}
	w.stream = stream
	looped := beep.Loop(-1, stream)
	if int(format.SampleRate) == w.format.SampleRate {
		w.src = looped
	} else {
		w.src = beep.Resample(4, format.SampleRate, beep.SampleRate(w.format.SampleRate), looped)
	}
	return nil
}

// pump reads hint frames per tick so the tap sees real-time cadence.
func (w *WAVSource) pump(src beep.Streamer, tap func([]int16), hint int, stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	period := time.Duration(hint) * time.Second / time.Duration(w.format.SampleRate)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	frames := make([][2]float64, hint)
	out := make([]int16, 0, hint*w.format.Channels)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		n, ok := src.Stream(frames)
		out = out[:0]
		for _, fr := range frames[:n] {
			out = append(out, floatToInt16(fr[0]))
			if w.format.Channels > 1 {
				out = append(out, floatToInt16(fr[1]))
			}
		}
		if n > 0 {
			tap(out)
		}
		if !ok {
			return
		}
	}
}

func floatToInt16(v float64) int16 {
	switch {
	case v >= 1:
		return 32767
	case v <= -1:
		return -32768
	}
	return int16(v * 32767)
}
