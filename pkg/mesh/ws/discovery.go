package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/MrWong99/chatterhouse/pkg/mesh"
)

// Discovery defaults.
const (
	DefaultService           = "_chatterhouse._tcp"
	DefaultDomain            = "local."
	defaultDiscoveryInterval = 10 * time.Second
)

// TXT record keys carried by every advertised instance.
const (
	txtID   = "id"
	txtName = "name"
	txtURL  = "url"
)

// beacon is one node learned from a DNS-SD browse.
type beacon struct {
	ID   mesh.PeerID
	Name string
	URL  string
}

// discovery advertises this node as a DNS-SD service instance and dials the
// instances it finds.
type discovery struct {
	t        *Transport
	service  string
	domain   string
	interval time.Duration
	server   *zeroconf.Server
}

func newDiscovery(t *Transport, cfg DiscoveryConfig) (*discovery, error) {
	d := &discovery{
		t:        t,
		service:  cfg.Service,
		domain:   cfg.Domain,
		interval: cfg.Interval,
	}
	if d.service == "" {
		d.service = DefaultService
	}
	if d.domain == "" {
		d.domain = DefaultDomain
	}
	if d.interval <= 0 {
		d.interval = defaultDiscoveryInterval
	}
	if t.cfg.AdvertiseURL == "" {
		// Browse only; peers with an advertised URL dial us or we dial them.
		return d, nil
	}
	port, err := advertisedPort(t.cfg.AdvertiseURL)
	if err != nil {
		return nil, err
	}
	d.server, err = zeroconf.Register(string(t.cfg.ID), d.service, d.domain, port, txtRecords(t.cfg), nil)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", d.service, err)
	}
	return d, nil
}

// run browses in rounds of one interval each. A fresh round re-reports every
// instance, so a failed dial is retried on the next round.
func (d *discovery) run(ctx context.Context) {
	if d.server != nil {
		defer d.server.Shutdown()
	}
	for {
		if err := d.browse(ctx); err != nil {
			slog.Debug("mesh: browse failed", "service", d.service, "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.interval / 4):
		}
	}
}

func (d *discovery) browse(ctx context.Context) error {
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return err
	}
	round, cancel := context.WithTimeout(ctx, d.interval)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(round, d.service, d.domain, entries); err != nil {
		return err
	}
	for {
		select {
		case <-round.Done():
			return nil
		case e, ok := <-entries:
			if !ok {
				return nil
			}
			b, err := beaconFromEntry(e)
			if err != nil {
				slog.Debug("mesh: ignoring service instance", "instance", e.Instance, "err", err)
				continue
			}
			d.t.handleBeacon(b)
		}
	}
}

func txtRecords(cfg Config) []string {
	return []string{
		txtID + "=" + string(cfg.ID),
		txtName + "=" + cfg.Name,
		txtURL + "=" + cfg.AdvertiseURL,
	}
}

// beaconFromEntry reads the peer from an instance's TXT records. When the
// url record is missing the first IPv4 address and the SRV port are used.
func beaconFromEntry(e *zeroconf.ServiceEntry) (beacon, error) {
	var b beacon
	for _, kv := range e.Text {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch k {
		case txtID:
			b.ID = mesh.PeerID(v)
		case txtName:
			b.Name = v
		case txtURL:
			b.URL = v
		}
	}
	if b.ID == "" {
		return beacon{}, errors.New("no id record")
	}
	if b.URL == "" {
		if len(e.AddrIPv4) == 0 || e.Port == 0 {
			return beacon{}, errors.New("no url record and no address")
		}
		b.URL = "ws://" + net.JoinHostPort(e.AddrIPv4[0].String(), strconv.Itoa(e.Port)) + "/mesh"
	}
	return b, nil
}

func advertisedPort(raw string) (int, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return 0, fmt.Errorf("advertise url: %w", err)
	}
	if p := u.Port(); p != "" {
		return strconv.Atoi(p)
	}
	switch u.Scheme {
	case "ws":
		return 80, nil
	case "wss":
		return 443, nil
	}
	return 0, fmt.Errorf("advertise url %q has no port", raw)
}

// handleBeacon dials the announced node when this node's ID sorts first, so
// exactly one side of every pair initiates the link.
func (t *Transport) handleBeacon(b beacon) {
	if b.ID == "" || b.URL == "" || b.ID == t.cfg.ID || t.cfg.ID > b.ID {
		return
	}

	t.mu.Lock()
	if !t.resumed || t.stopped {
		t.mu.Unlock()
		return
	}
	if _, ok := t.peers[b.ID]; ok {
		t.mu.Unlock()
		return
	}
	if t.pending[b.ID] {
		t.mu.Unlock()
		return
	}
	breaker, ok := t.discovered[b.URL]
	if !ok {
		breaker = t.newBreaker(b.URL)
		t.discovered[b.URL] = breaker
	}
	t.pending[b.ID] = true
	ctx := t.ctx
	t.goLocked(func() {
		defer func() {
			t.mu.Lock()
			delete(t.pending, b.ID)
			t.mu.Unlock()
		}()
		l, err := t.dial(ctx, b.URL, breaker)
		if err != nil {
			slog.Debug("mesh: discovered peer dial failed", "peer_id", b.ID, "url", b.URL, "err", err)
			return
		}
		t.readLoop(l)
	})
	t.mu.Unlock()
}
