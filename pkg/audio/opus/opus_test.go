package opus

import (
	"testing"

	"github.com/MrWong99/chatterhouse/pkg/audio"
)

func TestValidFrameSize(t *testing.T) {
	tests := []struct {
		rate, samples int
		want          bool
	}{
		{48000, 960, true},   // 20 ms
		{48000, 120, true},   // 2.5 ms
		{48000, 2880, true},  // 60 ms
		{48000, 1024, false}, // not an Opus duration
		{16000, 320, true},   // 20 ms
		{16000, 300, false},
		{0, 960, false},
	}
	for _, tt := range tests {
		if got := ValidFrameSize(tt.rate, tt.samples); got != tt.want {
			t.Errorf("ValidFrameSize(%d, %d) = %v, want %v", tt.rate, tt.samples, got, tt.want)
		}
	}
}

func TestNewEncoder_RejectsInvalidFrameSize(t *testing.T) {
	_, err := NewEncoder(audio.Format{Encoding: audio.EncodingOpus, SampleRate: 48000, Channels: 1}, 1024)
	if err == nil {
		t.Fatal("expected error for 1024-sample frame")
	}
}

func TestEncodeDecode(t *testing.T) {
	f := audio.Format{Encoding: audio.EncodingOpus, SampleRate: 48000, Channels: 1}
	enc, err := NewEncoder(f, 960)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	dec, err := NewDecoder(f)
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}

	pcm := make([]int16, 960)
	for i := range pcm {
		pcm[i] = int16((i % 48) * 200)
	}
	packet, err := enc.Encode(audio.AppendInt16s(nil, pcm))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(packet) == 0 {
		t.Fatal("empty packet")
	}

	out, err := dec.Decode(packet)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(out) != 960 {
		t.Errorf("decoded %d samples, want 960", len(out))
	}

	if _, err := enc.Encode(make([]byte, 10)); err == nil {
		t.Error("expected error for short frame")
	}
}
