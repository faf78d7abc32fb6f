package playback_test

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/chatterhouse/internal/observe"
	"github.com/MrWong99/chatterhouse/internal/playback"
	"github.com/MrWong99/chatterhouse/internal/wire"
	"github.com/MrWong99/chatterhouse/pkg/audio"
	"github.com/MrWong99/chatterhouse/pkg/audio/mock"
	"github.com/MrWong99/chatterhouse/pkg/audio/opus"
	"github.com/MrWong99/chatterhouse/pkg/mesh"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

var mono48k = audio.Format{Encoding: audio.EncodingPCM16, SampleRate: 48000, Channels: 1}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newScheduler(t *testing.T, cfg playback.Config) (*playback.Scheduler, *mock.PlaybackDevice, *fakeClock) {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	cfg.Metrics = m
	cfg.Now = clk.Now
	dev := &mock.PlaybackDevice{}
	s := playback.New(dev, cfg)
	s.SetActive(true)
	return s, dev, clk
}

// frame builds a one-sample PCM frame whose sample value is the sequence.
func frame(sender mesh.PeerID, seq uint64) *wire.Frame {
	return &wire.Frame{
		SenderID: sender,
		Sequence: seq,
		Format:   mono48k,
		Payload:  audio.AppendInt16s(nil, []int16{int16(seq)}),
	}
}

// played returns the first sample of every scheduled buffer.
func played(dev *mock.PlaybackDevice) []int16 {
	var out []int16
	for _, c := range dev.Calls() {
		out = append(out, c.Samples[0])
	}
	return out
}

func TestReceive_ReorderWindow(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		window   int
		arrivals []uint64
		want     []playback.Outcome
		played   []int16
	}{
		{
			name:     "late frame behind default window is stale",
			arrivals: []uint64{5, 3, 6},
			want:     []playback.Outcome{playback.Played, playback.Stale, playback.Played},
			played:   []int16{5, 6},
		},
		{
			name:     "one behind is within the default window",
			arrivals: []uint64{5, 4, 6},
			want:     []playback.Outcome{playback.Played, playback.Played, playback.Played},
			played:   []int16{5, 4, 6},
		},
		{
			name:     "gaps are not filled",
			arrivals: []uint64{0, 1, 4, 9},
			want:     []playback.Outcome{playback.Played, playback.Played, playback.Played, playback.Played},
			played:   []int16{0, 1, 4, 9},
		},
		{
			name:     "wider window accepts older frames",
			window:   3,
			arrivals: []uint64{5, 3, 2, 1},
			want:     []playback.Outcome{playback.Played, playback.Played, playback.Played, playback.Stale},
			played:   []int16{5, 3, 2},
		},
		{
			name:     "duplicates inside the window",
			window:   2,
			arrivals: []uint64{7, 7, 6, 6, 8, 7},
			want: []playback.Outcome{
				playback.Played, playback.Duplicate, playback.Played,
				playback.Duplicate, playback.Played, playback.Duplicate,
			},
			played: []int16{7, 6, 8},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s, dev, _ := newScheduler(t, playback.Config{ReorderWindow: tc.window})
			var got []playback.Outcome
			for _, seq := range tc.arrivals {
				got = append(got, s.Receive(context.Background(), frame("peer", seq)))
			}
			if !slices.Equal(got, tc.want) {
				t.Errorf("outcomes = %v, want %v", got, tc.want)
			}
			if p := played(dev); !slices.Equal(p, tc.played) {
				t.Errorf("played = %v, want %v", p, tc.played)
			}
		})
	}
}

func TestReceive_DuplicatePlaysOnce(t *testing.T) {
	t.Parallel()
	s, dev, _ := newScheduler(t, playback.Config{})

	s.Receive(context.Background(), frame("peer", 0))
	s.Receive(context.Background(), frame("peer", 0))

	if n := len(dev.Calls()); n != 1 {
		t.Errorf("schedule calls = %d, want 1", n)
	}
}

func TestReceive_SendersAreIndependent(t *testing.T) {
	t.Parallel()
	s, dev, _ := newScheduler(t, playback.Config{})
	ctx := context.Background()

	s.Receive(ctx, frame("a", 10))
	if got := s.Receive(ctx, frame("b", 0)); got != playback.Played {
		t.Errorf("first frame of a new sender = %v, want played", got)
	}
	if got := s.Receive(ctx, frame("a", 0)); got != playback.Stale {
		t.Errorf("old frame of sender a = %v, want stale", got)
	}
	if s.Senders() != 2 {
		t.Errorf("Senders = %d, want 2", s.Senders())
	}
	if p := played(dev); !slices.Equal(p, []int16{10, 0}) {
		t.Errorf("played = %v", p)
	}
}

func TestReceive_InactiveAcknowledgesAndTracks(t *testing.T) {
	t.Parallel()
	s, dev, _ := newScheduler(t, playback.Config{})
	ctx := context.Background()

	s.SetActive(false)
	for _, seq := range []uint64{0, 1, 2, 3} {
		if got := s.Receive(ctx, frame("peer", seq)); got != playback.Acknowledged {
			t.Fatalf("seq %d while inactive = %v", seq, got)
		}
	}
	if len(dev.Calls()) != 0 {
		t.Fatal("inactive scheduler played audio")
	}

	s.SetActive(true)
	if got := s.Receive(ctx, frame("peer", 4)); got != playback.Played {
		t.Errorf("next frame after resuming = %v, want played", got)
	}
	if got := s.Receive(ctx, frame("peer", 3)); got != playback.Duplicate {
		t.Errorf("frame acknowledged while inactive = %v, want duplicate", got)
	}
	if n, _ := s.Newest("peer"); n != 4 {
		t.Errorf("Newest = %d, want 4", n)
	}
}

func TestReset_AcceptsRestartedSequence(t *testing.T) {
	t.Parallel()
	s, _, _ := newScheduler(t, playback.Config{})
	ctx := context.Background()

	s.Receive(ctx, frame("peer", 40))
	s.Reset("peer")
	if got := s.Receive(ctx, frame("peer", 0)); got != playback.Played {
		t.Errorf("seq 0 after reset = %v, want played", got)
	}
	s.Reset("unknown") // no-op
}

func TestReceive_IdleSenderRestarts(t *testing.T) {
	t.Parallel()
	s, _, clk := newScheduler(t, playback.Config{IdleReset: time.Second})
	ctx := context.Background()

	s.Receive(ctx, frame("peer", 40))
	clk.Advance(500 * time.Millisecond)
	if got := s.Receive(ctx, frame("peer", 0)); got != playback.Stale {
		t.Fatalf("seq 0 within idle period = %v, want stale", got)
	}
	clk.Advance(1500 * time.Millisecond)
	if got := s.Receive(ctx, frame("peer", 0)); got != playback.Played {
		t.Errorf("seq 0 after idle period = %v, want played", got)
	}
}

func TestReceive_PauseKeepsWindowByDefault(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		arrivals []uint64
		want     []playback.Outcome
		played   []int16
	}{
		{
			name:     "duplicate after a pause",
			arrivals: []uint64{7, 7},
			want:     []playback.Outcome{playback.Played, playback.Duplicate},
			played:   []int16{7},
		},
		{
			name:     "late frame after a pause",
			arrivals: []uint64{5, 3},
			want:     []playback.Outcome{playback.Played, playback.Stale},
			played:   []int16{5},
		},
		{
			name:     "restarted sequence without a Start",
			arrivals: []uint64{40, 0},
			want:     []playback.Outcome{playback.Played, playback.Stale},
			played:   []int16{40},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s, dev, clk := newScheduler(t, playback.Config{})
			var got []playback.Outcome
			for _, seq := range tc.arrivals {
				got = append(got, s.Receive(context.Background(), frame("peer", seq)))
				clk.Advance(3 * time.Second)
			}
			if !slices.Equal(got, tc.want) {
				t.Errorf("outcomes = %v, want %v", got, tc.want)
			}
			if p := played(dev); !slices.Equal(p, tc.played) {
				t.Errorf("played = %v, want %v", p, tc.played)
			}
		})
	}
}

func TestForget(t *testing.T) {
	t.Parallel()
	s, _, _ := newScheduler(t, playback.Config{})
	ctx := context.Background()

	s.Receive(ctx, frame("peer", 9))
	s.Forget("peer")
	if s.Senders() != 0 {
		t.Fatalf("Senders = %d after Forget", s.Senders())
	}
	if _, ok := s.Newest("peer"); ok {
		t.Error("Newest reports a forgotten sender")
	}
	if got := s.Receive(ctx, frame("peer", 0)); got != playback.Played {
		t.Errorf("after Forget = %v, want played", got)
	}
}

func TestReceive_ConvertsToDeviceFormat(t *testing.T) {
	t.Parallel()
	s, dev, _ := newScheduler(t, playback.Config{})
	dev.FormatResult = audio.Format{Encoding: audio.EncodingPCM16, SampleRate: 48000, Channels: 2}
	// The target format is captured when the sender is first seen.
	f := &wire.Frame{
		SenderID: "stereo-listener",
		Format:   mono48k,
		Payload:  audio.AppendInt16s(nil, []int16{100, -100}),
	}

	if got := s.Receive(context.Background(), f); got != playback.Played {
		t.Fatalf("outcome = %v", got)
	}
	calls := dev.Calls()
	if len(calls) != 1 {
		t.Fatalf("schedule calls = %d", len(calls))
	}
	if want := []int16{100, 100, -100, -100}; !slices.Equal(calls[0].Samples, want) {
		t.Errorf("samples = %v, want %v", calls[0].Samples, want)
	}
}

func TestReceive_DecodesOpus(t *testing.T) {
	t.Parallel()
	s, dev, _ := newScheduler(t, playback.Config{})

	enc, err := opus.NewEncoder(mono48k, 960)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	packet, err := enc.Encode(make([]byte, 960*2))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	f := &wire.Frame{
		SenderID: "peer",
		Format:   audio.Format{Encoding: audio.EncodingOpus, SampleRate: 48000, Channels: 1},
		Payload:  packet,
	}
	if got := s.Receive(context.Background(), f); got != playback.Played {
		t.Fatalf("outcome = %v, want played", got)
	}
	if n := len(dev.Calls()[0].Samples); n != 960 {
		t.Errorf("decoded %d samples, want 960", n)
	}
}

func TestOutcome_String(t *testing.T) {
	t.Parallel()
	tests := map[playback.Outcome]string{
		playback.Played:       "played",
		playback.Acknowledged: "acknowledged",
		playback.Stale:        "stale",
		playback.Duplicate:    "duplicate",
		playback.Undecodable:  "undecodable",
		playback.Outcome(99):  "outcome(99)",
	}
	for o, want := range tests {
		if got := o.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(o), got, want)
		}
	}
}
