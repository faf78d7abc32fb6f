// Package mock provides an in-memory [mesh.Transport] for unit tests.
//
// The mock records every payload passed to Broadcast and Send, lets the test
// inject inbound payloads and peer events, and exposes exported fields to
// control return values.
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/chatterhouse/pkg/mesh"
)

// Compile-time interface assertion.
var _ mesh.Transport = (*Transport)(nil)

// SendCall records one Send invocation.
type SendCall struct {
	Data []byte
	To   []mesh.PeerID
}

// Transport is a mock implementation of [mesh.Transport].
type Transport struct {
	mu sync.Mutex

	// PeersResult is returned by AvailablePeers.
	PeersResult []mesh.Peer

	// ResumeError is returned by Resume.
	ResumeError error

	// BroadcastError is returned by Broadcast. The payload is recorded
	// regardless.
	BroadcastError error

	// CallCountResume and CallCountStop record lifecycle calls.
	CallCountResume int
	CallCountStop   int

	broadcasts [][]byte
	sends      []SendCall
	listeners  []func(mesh.PeerEvent)
	inbound    chan mesh.Inbound
	notify     chan struct{}
}

// New creates a Transport whose inbound channel buffers size payloads.
func New(size int) *Transport {
	return &Transport{inbound: make(chan mesh.Inbound, size), notify: make(chan struct{}, 1)}
}

// Resume implements [mesh.Transport].
func (t *Transport) Resume(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CallCountResume++
	return t.ResumeError
}

// Stop implements [mesh.Transport].
func (t *Transport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CallCountStop++
	return nil
}

// Broadcast implements [mesh.Transport]. data is copied.
func (t *Transport) Broadcast(data []byte) error {
	t.mu.Lock()
	t.broadcasts = append(t.broadcasts, slices.Clone(data))
	err := t.BroadcastError
	t.mu.Unlock()
	select {
	case t.notify <- struct{}{}:
	default:
	}
	return err
}

// Send implements [mesh.Transport]. data is copied.
func (t *Transport) Send(data []byte, to []mesh.PeerID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sends = append(t.sends, SendCall{Data: slices.Clone(data), To: slices.Clone(to)})
	return nil
}

// AvailablePeers implements [mesh.Transport].
func (t *Transport) AvailablePeers() []mesh.Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.PeersResult)
}

// Inbound implements [mesh.Transport].
func (t *Transport) Inbound() <-chan mesh.Inbound { return t.inbound }

// OnPeerChange implements [mesh.Transport].
func (t *Transport) OnPeerChange(fn func(mesh.PeerEvent)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// Broadcasts returns a copy of every payload passed to Broadcast.
func (t *Transport) Broadcasts() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.broadcasts)
}

// Sends returns a copy of every Send call.
func (t *Transport) Sends() []SendCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.sends)
}

// Broadcasted returns a channel that receives after each Broadcast call.
// Signals coalesce, so callers re-check Broadcasts after each receive.
func (t *Transport) Broadcasted() <-chan struct{} { return t.notify }

// Deliver injects an inbound payload.
func (t *Transport) Deliver(from mesh.PeerID, data []byte) {
	t.inbound <- mesh.Inbound{From: from, Data: data}
}

// CloseInbound closes the inbound channel.
func (t *Transport) CloseInbound() { close(t.inbound) }

// Emit calls every registered peer-change listener with ev.
func (t *Transport) Emit(ev mesh.PeerEvent) {
	t.mu.Lock()
	ls := slices.Clone(t.listeners)
	t.mu.Unlock()
	for _, fn := range ls {
		fn(ev)
	}
}
