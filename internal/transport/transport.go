// Package transport defines the ad-hoc peer transport the connection
// controller drives, with a LAN implementation (mDNS discovery plus TCP
// sessions) and an in-memory network for tests.
package transport

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrServiceUnavailable is a transient registration or discovery fault
	ErrServiceUnavailable = errors.New("peer service unavailable")

	// ErrIdentityReuse means the transport still holds a registration for
	// the identity; only a fresh identity resolves it.
	ErrIdentityReuse = errors.New("identity already in use")

	// ErrNotConnected is returned when sending to a peer with no session
	ErrNotConnected = errors.New("peer not connected")

	// ErrUnknownPeer is returned when inviting a peer that was never discovered
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrClosed is returned after Close
	ErrClosed = errors.New("transport closed")
)

// Identity is the display name a device registers under for one
// connection attempt. It is never reused and never used to identify a
// device across sessions.
type Identity string

// NewIdentity mints a fresh identity from a human-readable prefix
func NewIdentity(prefix string) Identity {
	prefix = sanitize(prefix)
	if prefix == "" {
		prefix = "cnote"
	}
	if len(prefix) > 40 {
		prefix = prefix[:40]
	}
	return Identity(fmt.Sprintf("%s-%s", prefix, uuid.NewString()[:8]))
}

// PeerID names a remote peer on the transport, its advertised identity
type PeerID string

// PeerState is the transport's view of a session with one peer
type PeerState int

const (
	NotConnected PeerState = iota
	Connecting
	Connected
)

func (s PeerState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "not_connected"
	}
}

// Event is delivered on Transport.Events
type Event interface {
	isEvent()
}

type PeerStateChanged struct {
	Peer  PeerID
	State PeerState
}

type DataReceived struct {
	Peer PeerID
	Data []byte
}

type PeerDiscovered struct {
	Peer PeerID
	Info map[string]string
}

type PeerLost struct {
	Peer PeerID
}

type AdvertiseFailed struct {
	Err error
}

type BrowseFailed struct {
	Err error
}

// InvitationReceived asks the local side to accept a session. Accept must
// be called exactly once.
type InvitationReceived struct {
	Peer    PeerID
	Context []byte
	Accept  func(bool)
}

func (PeerStateChanged) isEvent()   {}
func (DataReceived) isEvent()       {}
func (PeerDiscovered) isEvent()     {}
func (PeerLost) isEvent()           {}
func (AdvertiseFailed) isEvent()    {}
func (BrowseFailed) isEvent()       {}
func (InvitationReceived) isEvent() {}

// Transport is an ad-hoc peer networking facility. Methods never block on
// the network; outcomes arrive on Events.
type Transport interface {
	// Events delivers transport events in order. The channel stays open
	// until Close.
	Events() <-chan Event

	Advertise(id Identity, info map[string]string) error
	StopAdvertising()
	Browse(id Identity) error
	StopBrowsing()

	// Invite asks peer to open a session. Failure to connect within
	// timeout is reported as PeerStateChanged{NotConnected}.
	Invite(peer PeerID, context []byte, timeout time.Duration) error

	Send(data []byte, peers []PeerID) error

	// Disconnect closes every session
	Disconnect()
	Close() error
}

func sanitize(s string) string {
	var b strings.Builder
	for _, c := range strings.ToLower(s) {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-':
			b.WriteRune(c)
		case c == ' ' || c == '_' || c == '.':
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
