// Package pipe implements an [audio.CaptureDevice] that reads raw
// little-endian PCM16 from an io.Reader, typically stdin fed by a recorder
// such as `arecord -f S16_LE -r 48000 -c 1`.
//
// The reader is consumed continuously so the producer never stalls; blocks
// read while the device is stopped are discarded.
package pipe

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/chatterhouse/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.CaptureDevice = (*Device)(nil)

// Device reads PCM blocks from a reader and delivers them to the tap.
type Device struct {
	format audio.Format
	open   func() (io.ReadCloser, error)

	mu   sync.Mutex
	tap  func([]int16)
	hint int
	rc   io.ReadCloser
	err  error

	running atomic.Bool
	done    chan struct{}
	once    sync.Once
}

// New creates a Device that reads from r.
func New(r io.Reader, f audio.Format) *Device {
	return &Device{
		format: f.PCM(),
		open:   func() (io.ReadCloser, error) { return io.NopCloser(r), nil },
		done:   make(chan struct{}),
	}
}

// Open creates a Device reading the file or fifo at path; "-" reads stdin.
// The file is opened lazily on the first Start so a missing fifo surfaces
// as a permission error on broadcast rather than at startup.
func Open(path string, f audio.Format) *Device {
	d := &Device{format: f.PCM(), done: make(chan struct{})}
	d.open = func() (io.ReadCloser, error) {
		if path == "-" || path == "" {
			return os.Stdin, nil
		}
		return os.Open(path)
	}
	return d
}

// InstallTap implements [audio.CaptureDevice].
func (d *Device) InstallTap(bufferSizeHint int, onSamples func([]int16)) error {
	if onSamples == nil {
		return errors.New("pipe: nil tap")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tap = onSamples
	d.hint = bufferSizeHint
	return nil
}

// Start implements [audio.CaptureDevice]. The first call opens the source
// and starts the read loop.
func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	if d.rc == nil {
		rc, err := d.open()
		if err != nil {
			d.err = fmt.Errorf("pipe: open source: %w: %w", audio.ErrPermissionDenied, err)
			return d.err
		}
		d.rc = rc
		d.running.Store(true)
		go d.readLoop(rc, d.tap, d.hint)
		return nil
	}
	d.running.Store(true)
	return nil
}

// Stop implements [audio.CaptureDevice].
func (d *Device) Stop() error {
	d.running.Store(false)
	return nil
}

// Authorized implements [audio.CaptureDevice]. A pipe is authorized until
// opening or reading it has failed.
func (d *Device) Authorized() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err == nil
}

// Format implements [audio.CaptureDevice].
func (d *Device) Format() audio.Format { return d.format }

// Close stops the read loop and closes the source.
func (d *Device) Close() error {
	var err error
	d.once.Do(func() {
		close(d.done)
		d.mu.Lock()
		rc := d.rc
		d.mu.Unlock()
		if rc != nil {
			err = rc.Close()
		}
	})
	return err
}

func (d *Device) readLoop(r io.Reader, tap func([]int16), hint int) {
	if hint <= 0 {
		hint = 1024
	}
	buf := make([]byte, hint*d.format.Channels*2)
	samples := make([]int16, 0, hint*d.format.Channels)
	for {
		select {
		case <-d.done:
			return
		default:
		}
		n, err := io.ReadFull(r, buf)
		if n > 0 && d.running.Load() && tap != nil {
			samples = samples[:0]
			for i := 0; i+1 < n; i += 2 {
				samples = append(samples, int16(buf[i])|int16(buf[i+1])<<8)
			}
			tap(samples)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				slog.Warn("pipe: capture read failed", "err", err)
			}
			d.mu.Lock()
			d.err = fmt.Errorf("pipe: source ended: %w", audio.ErrPermissionDenied)
			d.mu.Unlock()
			d.running.Store(false)
			return
		}
	}
}
