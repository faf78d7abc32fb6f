// Package mesh defines the peer transport boundary of the intercom and the
// roster that tracks which peers are currently reachable.
//
// The core never manages discovery or connection lifecycle. It depends on a
// [Transport] to resume and stop networking, fan out byte payloads, and
// deliver inbound payloads together with the sending peer's identity.
// Concrete transports live in sub-packages (mesh/ws).
package mesh

import (
	"context"
	"errors"
	"time"
)

// ErrTransportUnavailable is returned by [Transport.Broadcast] and
// [Transport.Send] when the payload could not be handed to any peer. Callers
// drop the payload; audio is never retried.
var ErrTransportUnavailable = errors.New("mesh: transport unavailable")

// PeerID is the transport-level identity of a participant. It is stable for
// the lifetime of a process and is what routing and per-sender bookkeeping
// key on.
type PeerID string

// Peer is one reachable participant.
type Peer struct {
	ID          PeerID    `json:"id"`
	DisplayName string    `json:"display_name"`
	LastSeen    time.Time `json:"last_seen"`
}

// Inbound is one payload received from a peer. From is set by the transport,
// never by the payload itself.
type Inbound struct {
	From PeerID
	Data []byte
}

// PeerEventKind says whether a peer joined or left.
type PeerEventKind int

const (
	PeerJoined PeerEventKind = iota + 1
	PeerLeft
)

// String returns "joined" or "left".
func (k PeerEventKind) String() string {
	switch k {
	case PeerJoined:
		return "joined"
	case PeerLeft:
		return "left"
	default:
		return "unknown"
	}
}

// PeerEvent reports a roster change.
type PeerEvent struct {
	Kind PeerEventKind
	Peer Peer
}

// Transport is the peer transport collaborator.
//
// Implementations must be safe for concurrent use. Broadcast and Send must not
// block on slow peers; a payload that cannot be queued for a peer is dropped.
type Transport interface {
	// Resume starts discovery and accepts inbound payloads. It returns once
	// the transport is ready; background work stops when ctx is cancelled or
	// Stop is called.
	Resume(ctx context.Context) error

	// Stop closes every peer link and stops discovery. The Inbound channel is
	// closed once all pending deliveries have finished.
	Stop() error

	// Broadcast queues data for every currently connected peer. It returns
	// [ErrTransportUnavailable] when no peer accepted the payload.
	Broadcast(data []byte) error

	// Send queues data for the listed peers only.
	Send(data []byte, to []PeerID) error

	// AvailablePeers returns a snapshot of the roster.
	AvailablePeers() []Peer

	// Inbound delivers payloads received from peers.
	Inbound() <-chan Inbound

	// OnPeerChange registers fn to be called for every join and leave.
	// fn runs on the transport's network goroutine and must not block.
	OnPeerChange(fn func(PeerEvent))
}
