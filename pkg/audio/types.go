package audio

import "fmt"

// Encoding identifies how the samples inside a frame payload are represented.
type Encoding uint8

const (
	// EncodingPCM16 is interleaved little-endian signed 16-bit PCM.
	EncodingPCM16 Encoding = 1

	// EncodingOpus is a single Opus packet covering one frame duration.
	EncodingOpus Encoding = 2
)

// String returns the configuration name of the encoding.
func (e Encoding) String() string {
	switch e {
	case EncodingPCM16:
		return "pcm16"
	case EncodingOpus:
		return "opus"
	default:
		return fmt.Sprintf("encoding(%d)", uint8(e))
	}
}

// IsValid reports whether e is a known encoding.
func (e Encoding) IsValid() bool {
	return e == EncodingPCM16 || e == EncodingOpus
}

// ParseEncoding maps a configuration name ("pcm16", "opus") to an [Encoding].
func ParseEncoding(s string) (Encoding, error) {
	switch s {
	case "pcm16", "":
		return EncodingPCM16, nil
	case "opus":
		return EncodingOpus, nil
	}
	return 0, fmt.Errorf("audio: unknown encoding %q", s)
}

// Format describes the sample rate, channel count and payload encoding of an
// audio stream. It travels with every frame on the wire so receivers can
// decode without negotiation.
type Format struct {
	Encoding   Encoding
	SampleRate int
	Channels   int
}

// String renders the format as e.g. "pcm16 48000Hz mono".
func (f Format) String() string {
	return f.Encoding.String() + " " + formatString(f.SampleRate, f.Channels)
}

// PCM returns f with the encoding replaced by [EncodingPCM16].
func (f Format) PCM() Format {
	f.Encoding = EncodingPCM16
	return f
}
