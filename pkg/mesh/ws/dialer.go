package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/coder/websocket"

	"github.com/MrWong99/chatterhouse/internal/resilience"
	"github.com/MrWong99/chatterhouse/pkg/mesh"
)

// seedDialer keeps one outbound link to a seed URL alive.
type seedDialer struct {
	url     string
	breaker *resilience.CircuitBreaker
	cancel  context.CancelFunc

	// peer is the ID learned from the last successful handshake. While that
	// peer is connected through any link the seed is not redialled.
	peer mesh.PeerID
}

// addSeedLocked starts a dial loop for url unless one exists. t.mu must be
// held and the transport resumed.
func (t *Transport) addSeedLocked(url string) {
	if _, ok := t.seeds[url]; ok {
		return
	}
	ctx, cancel := context.WithCancel(t.ctx)
	s := &seedDialer{url: url, breaker: t.newBreaker(url), cancel: cancel}
	t.seeds[url] = s
	t.goLocked(func() { t.dialLoop(ctx, s) })
}

func (t *Transport) newBreaker(url string) *resilience.CircuitBreaker {
	cfg := t.cfg.Breaker
	cfg.Name = url
	return resilience.NewCircuitBreaker(cfg)
}

// dialLoop dials the seed, serves the link until it drops and redials with
// exponential backoff. A seed that resolves to this node stops the loop.
func (t *Transport) dialLoop(ctx context.Context, s *seedDialer) {
	attempt := 0
	for {
		if err := resilience.Sleep(ctx, t.cfg.Backoff.Delay(attempt)); err != nil {
			return
		}
		if s.peer != "" && t.connected(s.peer) {
			attempt = max(attempt, 1)
			continue
		}
		l, err := t.dial(ctx, s.url, s.breaker)
		switch {
		case err == nil:
			attempt = 0
			s.peer = l.peer.ID
			t.readLoop(l)
			continue
		case errors.Is(err, errSelfLink):
			slog.Info("mesh: seed is this node, not redialling", "seed", s.url)
			return
		case ctx.Err() != nil:
			return
		case errors.Is(err, resilience.ErrCircuitOpen):
		default:
			slog.Debug("mesh: seed dial failed", "seed", s.url, "attempt", attempt, "err", err)
		}
		attempt++
	}
}

// dial opens a link to url and registers it. The caller must run readLoop
// on the returned link. Unreachable endpoints count against breaker; a
// reachable endpoint that rejects the link as a duplicate does not.
func (t *Transport) dial(ctx context.Context, url string, breaker *resilience.CircuitBreaker) (*link, error) {
	if err := breaker.Allow(); err != nil {
		return nil, err
	}

	dctx, cancel := context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dctx, url, nil)
	if err != nil {
		breaker.Failure()
		return nil, fmt.Errorf("ws: dial %s: %w", url, err)
	}
	conn.SetReadLimit(t.cfg.MaxMessageBytes)

	remote, err := t.dialHello(dctx, conn)
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "handshake rejected")
		if errors.Is(err, ErrDuplicatePeer) || errors.Is(err, errSelfLink) {
			breaker.Success()
		} else {
			breaker.Failure()
		}
		return nil, err
	}

	l, err := t.attach(conn, remote)
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, err.Error())
		breaker.Success()
		return nil, err
	}
	breaker.Success()
	return l, nil
}
