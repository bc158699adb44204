package transport

import (
	"sync"
	"time"

	"cnote.dev/go/cnote/internal/pump"
)

// Network is an in-process medium connecting MemoryTransports
type Network struct {
	mu         sync.Mutex
	nodes      []*MemoryTransport
	advertised map[Identity]*MemoryTransport
}

// NewNetwork creates an empty network
func NewNetwork() *Network {
	return &Network{advertised: make(map[Identity]*MemoryTransport)}
}

// MemoryTransport is a Transport on a Network. Test hooks allow failures
// and stalls to be injected.
type MemoryTransport struct {
	net    *Network
	events *pump.Queue[Event]

	mu        sync.Mutex
	self      Identity
	browsing  bool
	closed    bool
	connected map[PeerID]memoryLink

	// AdvertiseErr, when set, is consulted on every Advertise call
	AdvertiseErr func() error
	// BrowseErr, when set, is consulted on every Browse call
	BrowseErr func() error
	// IgnoreInvitations drops incoming invitations without answering
	IgnoreInvitations bool
}

// memoryLink is one side of a session: the remote transport and the name
// this side is known by over there.
type memoryLink struct {
	remote *MemoryTransport
	as     PeerID
}

// NewTransport attaches a new transport to the network
func (n *Network) NewTransport() *MemoryTransport {
	t := &MemoryTransport{
		net:       n,
		events:    pump.New[Event](),
		connected: make(map[PeerID]memoryLink),
	}
	n.mu.Lock()
	n.nodes = append(n.nodes, t)
	n.mu.Unlock()
	return t
}

func (t *MemoryTransport) Events() <-chan Event {
	return t.events.C()
}

// Inject delivers ev to this transport's consumer as if the medium had
// produced it.
func (t *MemoryTransport) Inject(ev Event) {
	t.events.Push(ev)
}

// Identity returns the identity last used to advertise or browse
func (t *MemoryTransport) Identity() Identity {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.self
}

// ConnectedPeers lists the peers with an open session
func (t *MemoryTransport) ConnectedPeers() []PeerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PeerID, 0, len(t.connected))
	for p := range t.connected {
		out = append(out, p)
	}
	return out
}

func (t *MemoryTransport) Advertise(id Identity, info map[string]string) error {
	if t.AdvertiseErr != nil {
		if err := t.AdvertiseErr(); err != nil {
			return err
		}
	}

	n := t.net
	n.mu.Lock()
	if owner, ok := n.advertised[id]; ok && owner != t {
		n.mu.Unlock()
		return ErrIdentityReuse
	}
	for other, owner := range n.advertised {
		if owner == t && other != id {
			delete(n.advertised, other)
		}
	}
	n.advertised[id] = t
	var browsers []*MemoryTransport
	for _, node := range n.nodes {
		if node != t && node.isBrowsing() {
			browsers = append(browsers, node)
		}
	}
	n.mu.Unlock()

	t.mu.Lock()
	t.self = id
	t.mu.Unlock()

	for _, b := range browsers {
		b.events.Push(PeerDiscovered{Peer: PeerID(id), Info: copyInfo(info)})
	}
	return nil
}

func (t *MemoryTransport) StopAdvertising() {
	n := t.net
	n.mu.Lock()
	var lost []Identity
	for id, owner := range n.advertised {
		if owner == t {
			lost = append(lost, id)
			delete(n.advertised, id)
		}
	}
	var browsers []*MemoryTransport
	for _, node := range n.nodes {
		if node != t && node.isBrowsing() {
			browsers = append(browsers, node)
		}
	}
	n.mu.Unlock()

	for _, id := range lost {
		for _, b := range browsers {
			b.events.Push(PeerLost{Peer: PeerID(id)})
		}
	}
}

func (t *MemoryTransport) Browse(id Identity) error {
	if t.BrowseErr != nil {
		if err := t.BrowseErr(); err != nil {
			return err
		}
	}

	t.mu.Lock()
	t.self = id
	t.browsing = true
	t.mu.Unlock()

	n := t.net
	n.mu.Lock()
	var found []Identity
	for other, owner := range n.advertised {
		if owner != t {
			found = append(found, other)
		}
	}
	n.mu.Unlock()

	for _, other := range found {
		t.events.Push(PeerDiscovered{Peer: PeerID(other), Info: map[string]string{"id": string(other)}})
	}
	return nil
}

func (t *MemoryTransport) StopBrowsing() {
	t.mu.Lock()
	t.browsing = false
	t.mu.Unlock()
}

func (t *MemoryTransport) isBrowsing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.browsing && !t.closed
}

func (t *MemoryTransport) Invite(peer PeerID, context []byte, timeout time.Duration) error {
	n := t.net
	n.mu.Lock()
	target := n.advertised[Identity(peer)]
	n.mu.Unlock()
	if target == nil {
		return ErrUnknownPeer
	}

	self := PeerID(t.Identity())
	t.events.Push(PeerStateChanged{Peer: peer, State: Connecting})
	if target.IgnoreInvitations {
		return nil
	}

	var once sync.Once
	accept := func(ok bool) {
		once.Do(func() {
			if !ok {
				t.events.Push(PeerStateChanged{Peer: peer, State: NotConnected})
				return
			}
			t.link(peer, target, self)
			target.link(self, t, peer)
			target.events.Push(PeerStateChanged{Peer: self, State: Connected})
			t.events.Push(PeerStateChanged{Peer: peer, State: Connected})
		})
	}
	target.events.Push(InvitationReceived{Peer: self, Context: append([]byte(nil), context...), Accept: accept})
	return nil
}

func (t *MemoryTransport) link(peer PeerID, remote *MemoryTransport, as PeerID) {
	t.mu.Lock()
	t.connected[peer] = memoryLink{remote: remote, as: as}
	t.mu.Unlock()
}

func (t *MemoryTransport) Send(data []byte, peers []PeerID) error {
	for _, p := range peers {
		t.mu.Lock()
		l, ok := t.connected[p]
		t.mu.Unlock()
		if !ok {
			return ErrNotConnected
		}
		l.remote.events.Push(DataReceived{Peer: l.as, Data: append([]byte(nil), data...)})
	}
	return nil
}

func (t *MemoryTransport) Disconnect() {
	t.mu.Lock()
	peers := t.connected
	t.connected = make(map[PeerID]memoryLink)
	t.mu.Unlock()

	for p, l := range peers {
		l.remote.mu.Lock()
		_, linked := l.remote.connected[l.as]
		delete(l.remote.connected, l.as)
		l.remote.mu.Unlock()
		if linked {
			l.remote.events.Push(PeerStateChanged{Peer: l.as, State: NotConnected})
		}
		t.events.Push(PeerStateChanged{Peer: p, State: NotConnected})
	}
}

func (t *MemoryTransport) Close() error {
	t.StopAdvertising()
	t.StopBrowsing()
	t.Disconnect()
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.events.Close()
	return nil
}

func copyInfo(info map[string]string) map[string]string {
	out := make(map[string]string, len(info))
	for k, v := range info {
		out[k] = v
	}
	return out
}
