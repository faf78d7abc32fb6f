// Package ws is a LAN [mesh.Transport] built on WebSocket links
// (github.com/coder/websocket).
//
// Every node serves one endpoint (conventionally GET /mesh). Nodes find each
// other through static seed URLs and, optionally, DNS-SD (mDNS) service
// discovery. Each
// link starts with a JSON hello in both directions and then carries binary
// wire payloads. Outbound payloads go through a bounded per-peer queue; a
// full queue drops the payload instead of stalling the sender.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/chatterhouse/internal/resilience"
	"github.com/MrWong99/chatterhouse/pkg/mesh"
)

// Compile-time interface assertion.
var _ mesh.Transport = (*Transport)(nil)

// Defaults applied by [New].
const (
	defaultSendQueue        = 32
	defaultInboundQueue     = 256
	defaultHandshakeTimeout = 5 * time.Second
	defaultWriteTimeout     = 2 * time.Second
	defaultMaxMessageBytes  = 1<<20 + 64
)

// ErrDuplicatePeer is returned by the handshake when a peer with the same ID
// is already connected.
var ErrDuplicatePeer = errors.New("ws: duplicate peer id")

// DiscoveryConfig controls DNS-SD discovery.
type DiscoveryConfig struct {
	Enabled bool

	// Service is the DNS-SD service type. Default: [DefaultService].
	Service string

	// Domain is the browse domain. Default: [DefaultDomain].
	Domain string

	// Interval is the length of one browse round. Default: 10s.
	Interval time.Duration
}

// Config configures a [Transport].
type Config struct {
	// ID is this node's peer ID. Required.
	ID mesh.PeerID

	// Name is this node's display name.
	Name string

	// AdvertiseURL is the WebSocket URL other nodes dial to reach this node.
	// Only advertised through discovery.
	AdvertiseURL string

	// Seeds are WebSocket URLs dialled on Resume and redialled with backoff.
	Seeds []string

	// SendQueue is the per-peer outbound queue length. Default: 32.
	SendQueue int

	// InboundQueue is the length of the Inbound channel. Default: 256.
	InboundQueue int

	// MaxMessageBytes bounds a single inbound payload.
	MaxMessageBytes int64

	// HandshakeTimeout bounds the hello exchange. Default: 5s.
	HandshakeTimeout time.Duration

	// Backoff spaces redial attempts to a seed.
	Backoff resilience.Backoff

	// Breaker configures the per-seed circuit breaker. Name is set per seed.
	Breaker resilience.CircuitBreakerConfig

	Discovery DiscoveryConfig
}

// Stats are cumulative transport counters.
type Stats struct {
	SendDropped    uint64
	InboundDropped uint64
}

// Transport is a WebSocket [mesh.Transport].
type Transport struct {
	cfg    Config
	roster *mesh.Roster

	inbound        chan mesh.Inbound
	sendDropped    atomic.Uint64
	inboundDropped atomic.Uint64

	mu        sync.Mutex
	peers     map[mesh.PeerID]*link
	listeners []func(mesh.PeerEvent)
	seeds     map[string]*seedDialer
	ctx       context.Context
	cancel    context.CancelFunc
	resumed   bool
	stopped   bool
	wg        sync.WaitGroup

	// discovered holds one breaker per discovered URL; pending marks peers with
	// a dial in flight.
	discovered map[string]*resilience.CircuitBreaker
	pending    map[mesh.PeerID]bool
}

// New creates a Transport. Call Resume to start dialling and accepting.
func New(cfg Config) (*Transport, error) {
	if cfg.ID == "" {
		return nil, errors.New("ws: peer id is required")
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = defaultSendQueue
	}
	if cfg.InboundQueue <= 0 {
		cfg.InboundQueue = defaultInboundQueue
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	return &Transport{
		cfg:     cfg,
		roster:  mesh.NewRoster(),
		inbound: make(chan mesh.Inbound, cfg.InboundQueue),
		peers:   make(map[mesh.PeerID]*link),
		seeds:   make(map[string]*seedDialer),

		discovered: make(map[string]*resilience.CircuitBreaker),
		pending:    make(map[mesh.PeerID]bool),
	}, nil
}

// ID returns this node's peer ID.
func (t *Transport) ID() mesh.PeerID { return t.cfg.ID }

// Resume implements [mesh.Transport]. It starts the seed dialers and, when
// enabled, discovery. Calling Resume twice is a no-op.
func (t *Transport) Resume(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return fmt.Errorf("ws: resume: %w", mesh.ErrTransportUnavailable)
	}
	if t.resumed {
		return nil
	}

	t.ctx, t.cancel = context.WithCancel(ctx)
	if t.cfg.Discovery.Enabled {
		d, err := newDiscovery(t, t.cfg.Discovery)
		if err != nil {
			t.cancel()
			return fmt.Errorf("ws: resume: %w", err)
		}
		runCtx := t.ctx
		t.goLocked(func() { d.run(runCtx) })
	}
	t.resumed = true
	for _, url := range t.cfg.Seeds {
		t.addSeedLocked(url)
	}
	slog.Info("mesh transport resumed", "peer_id", t.cfg.ID, "seeds", len(t.cfg.Seeds),
		"discovery", t.cfg.Discovery.Enabled)
	return nil
}

// Stop implements [mesh.Transport]. It closes every link, waits for the
// network goroutines and closes the Inbound channel.
func (t *Transport) Stop() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	if t.cancel != nil {
		t.cancel()
	}
	links := make([]*link, 0, len(t.peers))
	for _, l := range t.peers {
		links = append(links, l)
	}
	t.mu.Unlock()

	for _, l := range links {
		l.close(websocket.StatusGoingAway, "node stopping")
	}
	t.wg.Wait()
	close(t.inbound)
	slog.Info("mesh transport stopped", "peer_id", t.cfg.ID)
	return nil
}

// SetSeeds replaces the seed list. New seeds start dialling immediately;
// removed seeds stop redialling but keep any established link.
func (t *Transport) SetSeeds(urls []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg.Seeds = slices.Clone(urls)
	if !t.resumed || t.stopped {
		return
	}
	for url, s := range t.seeds {
		if !slices.Contains(urls, url) {
			s.cancel()
			delete(t.seeds, url)
		}
	}
	for _, url := range urls {
		t.addSeedLocked(url)
	}
}

// Broadcast implements [mesh.Transport]. data is copied once and shared by
// every peer queue.
func (t *Transport) Broadcast(data []byte) error {
	t.mu.Lock()
	links := make([]*link, 0, len(t.peers))
	for _, l := range t.peers {
		links = append(links, l)
	}
	t.mu.Unlock()
	return t.enqueue(data, links)
}

// Send implements [mesh.Transport].
func (t *Transport) Send(data []byte, to []mesh.PeerID) error {
	t.mu.Lock()
	links := make([]*link, 0, len(to))
	for _, id := range to {
		if l, ok := t.peers[id]; ok {
			links = append(links, l)
		}
	}
	t.mu.Unlock()
	return t.enqueue(data, links)
}

func (t *Transport) enqueue(data []byte, links []*link) error {
	if len(links) == 0 {
		return fmt.Errorf("ws: no connected peers: %w", mesh.ErrTransportUnavailable)
	}
	buf := slices.Clone(data)
	accepted := 0
	for _, l := range links {
		if l.trySend(buf) {
			accepted++
		} else {
			t.sendDropped.Add(1)
		}
	}
	if accepted == 0 {
		return fmt.Errorf("ws: all %d peer queues full: %w", len(links), mesh.ErrTransportUnavailable)
	}
	return nil
}

// AvailablePeers implements [mesh.Transport].
func (t *Transport) AvailablePeers() []mesh.Peer { return t.roster.Snapshot() }

// Inbound implements [mesh.Transport].
func (t *Transport) Inbound() <-chan mesh.Inbound { return t.inbound }

// OnPeerChange implements [mesh.Transport].
func (t *Transport) OnPeerChange(fn func(mesh.PeerEvent)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// Stats returns the cumulative drop counters.
func (t *Transport) Stats() Stats {
	return Stats{
		SendDropped:    t.sendDropped.Load(),
		InboundDropped: t.inboundDropped.Load(),
	}
}

// Resumed reports whether the transport is accepting links.
func (t *Transport) Resumed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resumed && !t.stopped
}

// ServeHTTP accepts an inbound peer link.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !t.Resumed() {
		http.Error(w, "mesh transport not running", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("mesh: accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(t.cfg.MaxMessageBytes)

	hsCtx, cancel := context.WithTimeout(r.Context(), t.cfg.HandshakeTimeout)
	remote, err := t.acceptHello(hsCtx, conn)
	cancel()
	if err != nil {
		slog.Info("mesh: inbound handshake rejected", "remote", r.RemoteAddr, "err", err)
		conn.Close(websocket.StatusPolicyViolation, "handshake rejected")
		return
	}

	l, err := t.attach(conn, remote)
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}
	// The handler goroutine serves the read side for accepted links.
	t.readLoop(l)
}

// ─── Links ───────────────────────────────────────────────────────────────────

// link is one established peer connection.
type link struct {
	peer mesh.Peer
	conn *websocket.Conn
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (l *link) trySend(data []byte) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.out <- data:
		return true
	default:
		return false
	}
}

func (l *link) close(code websocket.StatusCode, reason string) {
	l.once.Do(func() {
		close(l.done)
		l.conn.Close(code, reason)
	})
}

// attach registers an established link and starts its writer. The caller
// must run readLoop for the returned link.
func (t *Transport) attach(conn *websocket.Conn, remote hello) (*link, error) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil, mesh.ErrTransportUnavailable
	}
	if _, dup := t.peers[remote.ID]; dup {
		t.mu.Unlock()
		return nil, ErrDuplicatePeer
	}
	peer, _ := t.roster.Join(remote.ID, remote.Name)
	l := &link{
		peer: peer,
		conn: conn,
		out:  make(chan []byte, t.cfg.SendQueue),
		done: make(chan struct{}),
	}
	t.peers[remote.ID] = l
	listeners := slices.Clone(t.listeners)
	t.wg.Add(2)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		t.writeLoop(l)
	}()

	slog.Info("mesh: peer joined", "peer_id", remote.ID, "name", remote.Name)
	for _, fn := range listeners {
		fn(mesh.PeerEvent{Kind: mesh.PeerJoined, Peer: peer})
	}
	return l, nil
}

func (t *Transport) detach(l *link) {
	l.close(websocket.StatusNormalClosure, "")

	t.mu.Lock()
	current, ok := t.peers[l.peer.ID]
	if !ok || current != l {
		t.mu.Unlock()
		return
	}
	delete(t.peers, l.peer.ID)
	t.roster.Leave(l.peer.ID)
	listeners := slices.Clone(t.listeners)
	t.mu.Unlock()

	slog.Info("mesh: peer left", "peer_id", l.peer.ID, "name", l.peer.DisplayName)
	for _, fn := range listeners {
		fn(mesh.PeerEvent{Kind: mesh.PeerLeft, Peer: l.peer})
	}
}

// readLoop delivers inbound payloads until the link fails. A full Inbound
// channel drops the payload.
func (t *Transport) readLoop(l *link) {
	defer t.wg.Done()
	defer t.detach(l)

	ctx := t.linkContext()
	for {
		typ, data, err := l.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
				slog.Debug("mesh: read failed", "peer_id", l.peer.ID, "err", err)
			}
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		t.roster.Touch(l.peer.ID)
		select {
		case t.inbound <- mesh.Inbound{From: l.peer.ID, Data: data}:
		default:
			t.inboundDropped.Add(1)
		}
	}
}

func (t *Transport) writeLoop(l *link) {
	ctx := t.linkContext()
	for {
		select {
		case <-l.done:
			return
		case <-ctx.Done():
			l.close(websocket.StatusGoingAway, "node stopping")
			return
		case data := <-l.out:
			wctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
			err := l.conn.Write(wctx, websocket.MessageBinary, data)
			cancel()
			if err != nil {
				slog.Debug("mesh: write failed", "peer_id", l.peer.ID, "err", err)
				l.close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func (t *Transport) linkContext() context.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx == nil {
		return context.Background()
	}
	return t.ctx
}

// goLocked runs fn on a tracked goroutine. t.mu must be held.
func (t *Transport) goLocked(fn func()) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		fn()
	}()
}

func (t *Transport) connected(id mesh.PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.peers[id]
	return ok
}
