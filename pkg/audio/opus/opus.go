// Package opus wraps layeh.com/gopus for the optional Opus wire encoding.
//
// Senders use one [Encoder] for their outbound stream; receivers keep one
// [Decoder] per remote sender so decoder state stays correct across
// consecutive packets.
package opus

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/chatterhouse/pkg/audio"
)

// maxPacketBytes bounds a single encoded packet. 4000 bytes is the limit
// recommended by libopus for one frame.
const maxPacketBytes = 4000

// ValidFrameSize reports whether samplesPerChannel at sampleRate is one of
// the durations Opus accepts (2.5, 5, 10, 20, 40 or 60 ms).
func ValidFrameSize(sampleRate, samplesPerChannel int) bool {
	if sampleRate <= 0 {
		return false
	}
	// Compare in units of 0.5 ms to keep 2.5 ms exact.
	halfMs := samplesPerChannel * 2000 / sampleRate
	if samplesPerChannel*2000 != halfMs*sampleRate {
		return false
	}
	switch halfMs {
	case 5, 10, 20, 40, 80, 120:
		return true
	}
	return false
}

// Encoder turns fixed-size PCM frames into Opus packets.
type Encoder struct {
	enc       *gopus.Encoder
	channels  int
	frameSize int
}

// NewEncoder creates an encoder for f producing packets of frameSize samples
// per channel.
func NewEncoder(f audio.Format, frameSize int) (*Encoder, error) {
	if !ValidFrameSize(f.SampleRate, frameSize) {
		return nil, fmt.Errorf("opus: frame size %d invalid at %d Hz", frameSize, f.SampleRate)
	}
	enc, err := gopus.NewEncoder(f.SampleRate, f.Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("opus: create encoder: %w", err)
	}
	return &Encoder{enc: enc, channels: f.Channels, frameSize: frameSize}, nil
}

// Encode encodes one frame of interleaved PCM16 bytes.
func (e *Encoder) Encode(pcm []byte) ([]byte, error) {
	samples := audio.BytesToInt16s(pcm)
	if len(samples) != e.frameSize*e.channels {
		return nil, fmt.Errorf("opus: encode: got %d samples, want %d", len(samples), e.frameSize*e.channels)
	}
	packet, err := e.enc.Encode(samples, e.frameSize, maxPacketBytes)
	if err != nil {
		return nil, fmt.Errorf("opus: encode: %w", err)
	}
	return packet, nil
}

// Decoder turns Opus packets back into interleaved PCM16 samples.
type Decoder struct {
	dec       *gopus.Decoder
	frameSize int
}

// NewDecoder creates a decoder for f. The output buffer is sized for the
// longest Opus frame (60 ms), so any valid packet decodes.
func NewDecoder(f audio.Format) (*Decoder, error) {
	dec, err := gopus.NewDecoder(f.SampleRate, f.Channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	return &Decoder{dec: dec, frameSize: f.SampleRate * 60 / 1000}, nil
}

// Decode decodes one Opus packet.
func (d *Decoder) Decode(packet []byte) ([]int16, error) {
	pcm, err := d.dec.Decode(packet, d.frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("opus: decode: %w", err)
	}
	return pcm, nil
}
