package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Converter adapts interleaved PCM between formats. It logs a warning on the
// first format mismatch it sees. Create one per stream; not designed for
// shared use across goroutines.
type Converter struct {
	Target         Format
	warnedMismatch sync.Once
}

// Convert returns samples in c.Target. If src already matches, samples is
// returned unchanged (zero allocation). Conversion order: resample first,
// then channel convert.
func (c *Converter) Convert(samples []int16, src Format) []int16 {
	if src.SampleRate == c.Target.SampleRate && src.Channels == c.Target.Channels {
		return samples
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", formatString(src.SampleRate, src.Channels),
			"to", formatString(c.Target.SampleRate, c.Target.Channels),
		)
	})

	out := samples
	if src.SampleRate != c.Target.SampleRate {
		out = Resample(out, src.Channels, src.SampleRate, c.Target.SampleRate)
	}
	switch {
	case src.Channels == 1 && c.Target.Channels == 2:
		out = MonoToStereo(out)
	case src.Channels == 2 && c.Target.Channels == 1:
		out = StereoToMono(out)
	}
	return out
}

// BytesToInt16s decodes little-endian PCM16 bytes. A trailing odd byte is ignored.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// AppendInt16s appends samples to dst as little-endian PCM16 bytes.
func AppendInt16s(dst []byte, samples []int16) []byte {
	for _, s := range samples {
		dst = append(dst, byte(s), byte(s>>8))
	}
	return dst
}

// MonoToStereo duplicates each mono sample into an L+R pair.
func MonoToStereo(mono []int16) []int16 {
	out := make([]int16, len(mono)*2)
	for i, s := range mono {
		out[i*2] = s
		out[i*2+1] = s
	}
	return out
}

// StereoToMono averages each L+R pair. Uses int32 arithmetic so the sum
// cannot overflow.
func StereoToMono(stereo []int16) []int16 {
	out := make([]int16, len(stereo)/2)
	for i := range out {
		out[i] = int16((int32(stereo[i*2]) + int32(stereo[i*2+1])) / 2)
	}
	return out
}

// Resample converts interleaved PCM from srcRate to dstRate by linear
// interpolation, independently per channel. Returns samples unchanged when
// the rates match or either rate is not positive.
func Resample(samples []int16, channels, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 || srcRate == dstRate {
		return samples
	}
	srcFrames := len(samples) / channels
	if srcFrames == 0 {
		return samples
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]int16, dstFrames*channels)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = idx
		}
		for ch := range channels {
			s0 := float64(samples[idx*channels+ch])
			s1 := float64(samples[next*channels+ch])
			out[i*channels+ch] = int16(s0*(1-frac) + s1*frac)
		}
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel
// count, e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
