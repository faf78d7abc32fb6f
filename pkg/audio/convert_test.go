package audio_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/chatterhouse/pkg/audio"
)

func TestMonoToStereo(t *testing.T) {
	got := audio.MonoToStereo([]int16{100, 200, 300})
	want := []int16{100, 100, 200, 200, 300, 300}
	if !slices.Equal(got, want) {
		t.Fatalf("MonoToStereo = %v, want %v", got, want)
	}
}

func TestStereoToMono(t *testing.T) {
	got := audio.StereoToMono([]int16{100, 200, -100, -200})
	want := []int16{150, -150}
	if !slices.Equal(got, want) {
		t.Fatalf("StereoToMono = %v, want %v", got, want)
	}
}

func TestStereoToMono_NoOverflow(t *testing.T) {
	got := audio.StereoToMono([]int16{32767, 32767, -32768, -32768})
	want := []int16{32767, -32768}
	if !slices.Equal(got, want) {
		t.Fatalf("StereoToMono = %v, want %v", got, want)
	}
}

func TestBytesRoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768, 12345}
	b := audio.AppendInt16s(nil, samples)
	if len(b) != len(samples)*2 {
		t.Fatalf("len = %d, want %d", len(b), len(samples)*2)
	}
	if got := audio.BytesToInt16s(b); !slices.Equal(got, samples) {
		t.Fatalf("BytesToInt16s = %v, want %v", got, samples)
	}
}

func TestBytesToInt16s_OddByteIgnored(t *testing.T) {
	got := audio.BytesToInt16s([]byte{0x01, 0x00, 0xff})
	if !slices.Equal(got, []int16{1}) {
		t.Fatalf("got %v, want [1]", got)
	}
}

func TestResample(t *testing.T) {
	tests := []struct {
		name     string
		channels int
		src, dst int
		in       []int16
		wantLen  int
	}{
		{name: "same rate", channels: 1, src: 48000, dst: 48000, in: make([]int16, 480), wantLen: 480},
		{name: "downsample mono", channels: 1, src: 48000, dst: 16000, in: make([]int16, 480), wantLen: 160},
		{name: "upsample stereo", channels: 2, src: 24000, dst: 48000, in: make([]int16, 480), wantLen: 960},
		{name: "invalid rate", channels: 1, src: 0, dst: 48000, in: make([]int16, 10), wantLen: 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := audio.Resample(tt.in, tt.channels, tt.src, tt.dst)
			if len(got) != tt.wantLen {
				t.Errorf("len = %d, want %d", len(got), tt.wantLen)
			}
		})
	}
}

func TestResample_InterpolatesConstantSignal(t *testing.T) {
	in := []int16{1000, 1000, 1000, 1000}
	for i, s := range audio.Resample(in, 1, 8000, 12000) {
		if s != 1000 {
			t.Fatalf("sample %d = %d, want 1000", i, s)
		}
	}
}

func TestConverter(t *testing.T) {
	c := audio.Converter{Target: audio.Format{SampleRate: 48000, Channels: 2}}

	same := []int16{1, 2, 3, 4}
	if got := c.Convert(same, audio.Format{SampleRate: 48000, Channels: 2}); &got[0] != &same[0] {
		t.Error("matching format should return the input slice unchanged")
	}

	got := c.Convert([]int16{10, 20}, audio.Format{SampleRate: 48000, Channels: 1})
	if !slices.Equal(got, []int16{10, 10, 20, 20}) {
		t.Errorf("mono to stereo conversion = %v", got)
	}

	got = c.Convert(make([]int16, 240), audio.Format{SampleRate: 24000, Channels: 1})
	if len(got) != 960 {
		t.Errorf("resample+upmix len = %d, want 960", len(got))
	}
}

func TestParseEncoding(t *testing.T) {
	tests := []struct {
		in      string
		want    audio.Encoding
		wantErr bool
	}{
		{"pcm16", audio.EncodingPCM16, false},
		{"", audio.EncodingPCM16, false},
		{"opus", audio.EncodingOpus, false},
		{"mp3", 0, true},
	}
	for _, tt := range tests {
		got, err := audio.ParseEncoding(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseEncoding(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseEncoding(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFormatString(t *testing.T) {
	f := audio.Format{Encoding: audio.EncodingOpus, SampleRate: 48000, Channels: 2}
	if got := f.String(); got != "opus 48000Hz stereo" {
		t.Errorf("String() = %q", got)
	}
	if got := f.PCM().Encoding; got != audio.EncodingPCM16 {
		t.Errorf("PCM().Encoding = %v", got)
	}
}
