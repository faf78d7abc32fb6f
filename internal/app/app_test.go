package app_test

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/chatterhouse/internal/app"
	"github.com/MrWong99/chatterhouse/internal/config"
	"github.com/MrWong99/chatterhouse/internal/observe"
	"github.com/MrWong99/chatterhouse/internal/session"
	"github.com/MrWong99/chatterhouse/internal/wire"
	"github.com/MrWong99/chatterhouse/pkg/audio"
	amock "github.com/MrWong99/chatterhouse/pkg/audio/mock"
	"github.com/MrWong99/chatterhouse/pkg/mesh"
	mmock "github.com/MrWong99/chatterhouse/pkg/mesh/mock"
)

const frameSamples = 4

type fixture struct {
	app    *app.App
	mic    *amock.CaptureDevice
	spk    *amock.PlaybackDevice
	chimer *amock.Chimer
	tr     *mmock.Transport
	reader *sdkmetric.ManualReader
	level  *slog.LevelVar
}

func testConfig() *config.Config {
	cfg := &config.Config{Node: config.NodeConfig{ID: "local", Name: "Desk"}}
	config.ApplyDefaults(cfg)
	cfg.Audio.FrameSamples = frameSamples
	return cfg
}

func newFixture(t *testing.T, cfg *config.Config, opts ...app.Option) *fixture {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	f := &fixture{
		mic:    &amock.CaptureDevice{AuthorizedResult: true},
		spk:    &amock.PlaybackDevice{},
		chimer: &amock.Chimer{},
		tr:     mmock.New(16),
		reader: reader,
		level:  new(slog.LevelVar),
	}
	all := append([]app.Option{
		app.WithCapture(f.mic),
		app.WithPlayback(f.spk, f.chimer),
		app.WithTransport(f.tr),
		app.WithMetrics(metrics),
		app.WithLogLevel(f.level),
	}, opts...)
	f.app, err = app.New(cfg, all...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = f.app.Shutdown(context.Background()) })
	return f
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return ln
}

// run starts Run and returns a stop function that cancels it and returns
// its error.
func (f *fixture) run(t *testing.T) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.app.Run(ctx) }()
	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return after cancel")
			return nil
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func decodeTags(t *testing.T, payloads [][]byte) []wire.Tag {
	t.Helper()
	tags := make([]wire.Tag, 0, len(payloads))
	for _, p := range payloads {
		msg, err := wire.Decode(p)
		if err != nil {
			t.Fatalf("decode broadcast: %v", err)
		}
		tags = append(tags, msg.Tag())
	}
	return tags
}

func post(t *testing.T, url string) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestRun_BroadcastOverHTTP(t *testing.T) {
	t.Parallel()
	ln := listen(t)
	f := newFixture(t, testConfig(), app.WithListener(ln))
	base := "http://" + ln.Addr().String()
	stop := f.run(t)

	if code := post(t, base+"/v1/broadcast/start"); code != http.StatusOK {
		t.Fatalf("start: status %d", code)
	}
	if !f.mic.Running() {
		t.Fatal("capture not running while broadcasting")
	}
	f.mic.Emit(make([]int16, 2*frameSamples))
	if code := post(t, base+"/v1/broadcast/stop"); code != http.StatusOK {
		t.Fatalf("stop: status %d", code)
	}
	waitFor(t, "4 broadcasts", func() bool { return len(f.tr.Broadcasts()) >= 4 })

	if err := stop(); !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
	want := []wire.Tag{wire.TagStart, wire.TagBuffer, wire.TagBuffer, wire.TagStop}
	got := decodeTags(t, f.tr.Broadcasts())
	if len(got) != len(want) {
		t.Fatalf("tags = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("tag[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestRun_CancelStopsBroadcast(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(), app.WithListener(listen(t)))
	stop := f.run(t)

	if err := f.app.Session().StartBroadcast(context.Background()); err != nil {
		t.Fatalf("StartBroadcast: %v", err)
	}
	_ = stop()

	tags := decodeTags(t, f.tr.Broadcasts())
	if len(tags) != 2 || tags[0] != wire.TagStart || tags[1] != wire.TagStop {
		t.Errorf("tags = %v, want [start stop]", tags)
	}
	if f.mic.Running() {
		t.Error("capture still running after cancel")
	}
	if r := f.app.Session().Role(); r != session.Idle {
		t.Errorf("role = %v, want Idle", r)
	}

	if err := f.app.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if f.tr.CallCountStop != 1 {
		t.Errorf("transport stopped %d times, want 1", f.tr.CallCountStop)
	}
}

func TestRun_PlaysInboundFrames(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(), app.WithListener(listen(t)))
	stop := f.run(t)
	defer stop()

	pcm := audio.Format{Encoding: audio.EncodingPCM16, SampleRate: 48000, Channels: 1}
	for _, msg := range []wire.Message{
		&wire.Control{SenderID: "remote", Kind: wire.ControlStart, From: "Garage", Timestamp: time.Now()},
		&wire.Frame{SenderID: "remote", From: "Garage", Sequence: 0, Format: pcm, Payload: make([]byte, 2*frameSamples)},
	} {
		data, err := wire.Encode(msg)
		if err != nil {
			t.Fatal(err)
		}
		f.tr.Deliver("remote", data)
	}
	f.tr.Deliver("remote", []byte{0xff, 0, 0, 0, 0})

	waitFor(t, "playback", func() bool { return len(f.spk.Calls()) == 1 })
	waitFor(t, "start chime", func() bool { return len(f.chimer.Played()) == 1 })
	if k := f.chimer.Played()[0]; k != audio.ChimeStart {
		t.Errorf("chime = %v, want START", k)
	}
}

func TestRun_ResumeFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	f.tr.ResumeError = errors.New("no network")
	if err := f.app.Run(context.Background()); err == nil {
		t.Fatal("Run: expected error")
	}
}

func TestNew_WithoutMicrophone(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Playback.Sink = config.SinkNone
	a, err := app.New(cfg, app.WithTransport(mmock.New(1)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	err = a.Session().StartBroadcast(context.Background())
	if !errors.Is(err, session.ErrPermissionDenied) {
		t.Errorf("StartBroadcast = %v, want ErrPermissionDenied", err)
	}
	if a.Session().Snapshot().Authorized {
		t.Error("snapshot reports an authorized microphone")
	}
}

func TestNew_GeneratesPeerID(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Node.ID = ""
	f := newFixture(t, cfg)
	if len(f.app.ID()) != 36 {
		t.Errorf("ID = %q, want a UUID", f.app.ID())
	}
}

func TestHandler_Readyz(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	rec := httptest.NewRecorder()
	f.app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz before Run = %d, want 503", rec.Code)
	}

	rec = httptest.NewRecorder()
	f.app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/menu", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("menu = %d, want 200", rec.Code)
	}
}

func TestApplyConfig(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	old, new := testConfig(), testConfig()
	off := false
	new.Server.LogLevel = config.LogDebug
	new.Playback.Chime = &off

	f.app.ApplyConfig(old, new)
	if f.level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want DEBUG", f.level.Level())
	}
	if f.app.Session().Snapshot().Chimes {
		t.Error("chimes still enabled")
	}
}

func TestPeerEvents_TrackActivePeers(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	f.tr.Emit(mesh.PeerEvent{Kind: mesh.PeerJoined, Peer: mesh.Peer{ID: "a"}})
	f.tr.Emit(mesh.PeerEvent{Kind: mesh.PeerJoined, Peer: mesh.Peer{ID: "b"}})
	f.tr.Emit(mesh.PeerEvent{Kind: mesh.PeerLeft, Peer: mesh.Peer{ID: "a"}})

	var rm metricdata.ResourceMetrics
	if err := f.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "chatterhouse.active_peers" {
				continue
			}
			sum := m.Data.(metricdata.Sum[int64])
			if got := sum.DataPoints[0].Value; got != 1 {
				t.Errorf("active peers = %d, want 1", got)
			}
			return
		}
	}
	t.Fatal("active_peers metric not found")
}
