package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"cnote.dev/go/cnote/internal/protocol"
	"cnote.dev/go/cnote/internal/pump"
)

const (
	// DefaultServiceType is the mDNS service type for sync peers
	DefaultServiceType = "_cnote-sync._tcp"

	// MDNSDomain is the mDNS domain
	MDNSDomain = "local."

	// DefaultBrowseInterval is how often the browser rescans
	DefaultBrowseInterval = 5 * time.Second

	// browseWindow is how long one scan listens for answers
	browseWindow = 3 * time.Second

	// peers missing from this many consecutive scans are reported lost
	lostAfterScans = 3
)

// LANConfig configures a LAN transport
type LANConfig struct {
	ServiceType    string
	Port           int // 0 picks a free port
	BrowseInterval time.Duration
	// Limits guards inbound sessions; nil uses DefaultConnLimitConfig
	Limits *ConnLimitConfig
	Logger *slog.Logger
}

// invite is the first frame on a new TCP session
type invite struct {
	From    Identity `json:"from"`
	To      Identity `json:"to"`
	Context []byte   `json:"context,omitempty"`
}

// inviteReply answers an invite
type inviteReply struct {
	Accepted bool     `json:"accepted"`
	From     Identity `json:"from"`
	Reason   string   `json:"reason,omitempty"`
}

// lanPeer is a peer found via mDNS
type lanPeer struct {
	id        PeerID
	host      string
	port      int
	missed    int
	txt       map[string]string
	firstSeen time.Time
}

// lanSession is an open TCP session with one peer
type lanSession struct {
	peer    PeerID
	conn    net.Conn
	framer  *protocol.Framer
	writeMu sync.Mutex
}

func (s *lanSession) write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.framer.WriteRaw(data)
}

// LAN is a Transport using mDNS for discovery and TCP for sessions
type LAN struct {
	cfg     LANConfig
	log     *slog.Logger
	events  *pump.Queue[Event]
	limiter *ConnLimiter

	mu         sync.Mutex
	closed     bool
	self       Identity
	listener   net.Listener
	server     *zeroconf.Server
	registered map[Identity]bool
	browseStop context.CancelFunc
	peers      map[PeerID]*lanPeer
	sessions   map[PeerID]*lanSession
}

// NewLAN creates a LAN transport. Nothing touches the network until
// Advertise or Browse.
func NewLAN(cfg LANConfig) *LAN {
	if cfg.ServiceType == "" {
		cfg.ServiceType = DefaultServiceType
	}
	if cfg.BrowseInterval <= 0 {
		cfg.BrowseInterval = DefaultBrowseInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "lan")
	return &LAN{
		cfg:        cfg,
		log:        log,
		events:     pump.New[Event](),
		limiter:    NewConnLimiter(cfg.Limits, log),
		registered: make(map[Identity]bool),
		peers:      make(map[PeerID]*lanPeer),
		sessions:   make(map[PeerID]*lanSession),
	}
}

func (l *LAN) Events() <-chan Event {
	return l.events.C()
}

// Advertise registers id via mDNS and accepts invitations on a TCP listener
func (l *LAN) Advertise(id Identity, info map[string]string) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if l.registered[id] {
		l.mu.Unlock()
		return ErrIdentityReuse
	}
	l.mu.Unlock()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", l.cfg.Port))
	if err != nil {
		return fmt.Errorf("%w: listen: %v", ErrServiceUnavailable, err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	txt := []string{
		"v=" + protocol.ProtocolVersion,
		"id=" + string(id),
	}
	for k, v := range info {
		if k == "v" || k == "id" {
			continue
		}
		entry := k + "=" + v
		if len(entry) > 200 {
			entry = entry[:200]
		}
		txt = append(txt, entry)
	}

	server, err := zeroconf.Register(string(id), l.cfg.ServiceType, MDNSDomain, port, txt, nil)
	if err != nil {
		ln.Close()
		return fmt.Errorf("%w: register mDNS service: %v", ErrServiceUnavailable, err)
	}

	l.mu.Lock()
	l.stopAdvertisingLocked()
	l.self = id
	l.listener = ln
	l.server = server
	l.registered[id] = true
	l.mu.Unlock()

	l.log.Info("mDNS service registered", "instance", id, "port", port, "txt", txt)
	go l.acceptLoop(ln)
	return nil
}

func (l *LAN) StopAdvertising() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopAdvertisingLocked()
}

func (l *LAN) stopAdvertisingLocked() {
	if l.server != nil {
		l.server.Shutdown()
		l.server = nil
	}
	if l.listener != nil {
		l.listener.Close()
		l.listener = nil
	}
	// registrations are released once shut down
	l.registered = make(map[Identity]bool)
}

func (l *LAN) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				l.log.Debug("Accept failed", "error", err)
			}
			return
		}
		if err := l.limiter.Allow(conn.RemoteAddr()); err != nil {
			l.log.Debug("Rejected inbound connection", "remote", conn.RemoteAddr(), "error", err)
			conn.Close()
			continue
		}
		go l.handleIncoming(&limitedConn{Conn: conn, limiter: l.limiter})
	}
}

func (l *LAN) handleIncoming(conn net.Conn) {
	framer := protocol.NewFramer(conn, conn)
	conn.SetReadDeadline(time.Now().Add(l.limiter.HandshakeTimeout()))
	raw, err := framer.ReadRaw()
	if err != nil {
		l.log.Debug("Read invite failed", "remote", conn.RemoteAddr(), "error", err)
		l.limiter.RecordFailure(conn.RemoteAddr())
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	var inv invite
	if err := json.Unmarshal(raw, &inv); err != nil || inv.From == "" {
		l.log.Debug("Malformed invite", "remote", conn.RemoteAddr())
		l.limiter.RecordFailure(conn.RemoteAddr())
		conn.Close()
		return
	}

	l.mu.Lock()
	self := l.self
	l.mu.Unlock()
	if inv.To != "" && inv.To != self {
		reply, _ := json.Marshal(inviteReply{From: self, Reason: "stale identity"})
		framer.WriteRaw(reply)
		conn.Close()
		return
	}

	peer := PeerID(inv.From)
	var once sync.Once
	accept := func(ok bool) {
		once.Do(func() {
			reply, _ := json.Marshal(inviteReply{Accepted: ok, From: self})
			if err := framer.WriteRaw(reply); err != nil || !ok {
				conn.Close()
				return
			}
			l.openSession(peer, conn, framer)
		})
	}
	l.events.Push(InvitationReceived{Peer: peer, Context: inv.Context, Accept: accept})
}

func (l *LAN) openSession(peer PeerID, conn net.Conn, framer *protocol.Framer) {
	s := &lanSession{peer: peer, conn: conn, framer: framer}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		conn.Close()
		return
	}
	if old := l.sessions[peer]; old != nil {
		old.conn.Close()
	}
	l.sessions[peer] = s
	l.mu.Unlock()

	l.log.Info("Peer session open", "peer", peer, "remote", conn.RemoteAddr())
	l.events.Push(PeerStateChanged{Peer: peer, State: Connected})
	go l.readLoop(s)
}

func (l *LAN) readLoop(s *lanSession) {
	for {
		data, err := s.framer.ReadRaw()
		if err != nil {
			l.log.Debug("Peer session closed", "peer", s.peer, "error", err)
			break
		}
		l.events.Push(DataReceived{Peer: s.peer, Data: data})
	}

	s.conn.Close()
	l.mu.Lock()
	current := l.sessions[s.peer] == s
	if current {
		delete(l.sessions, s.peer)
	}
	l.mu.Unlock()
	if current {
		l.events.Push(PeerStateChanged{Peer: s.peer, State: NotConnected})
	}
}

// Browse starts periodic mDNS scans reporting discovered and lost peers
func (l *LAN) Browse(id Identity) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("%w: create mDNS resolver: %v", ErrServiceUnavailable, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		cancel()
		return ErrClosed
	}
	if l.browseStop != nil {
		l.browseStop()
	}
	l.self = id
	l.browseStop = cancel
	l.peers = make(map[PeerID]*lanPeer)
	l.mu.Unlock()

	go l.discoveryLoop(ctx, resolver, id)
	return nil
}

func (l *LAN) StopBrowsing() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.browseStop != nil {
		l.browseStop()
		l.browseStop = nil
	}
}

func (l *LAN) discoveryLoop(ctx context.Context, resolver *zeroconf.Resolver, self Identity) {
	l.doBrowse(ctx, resolver, self)

	ticker := time.NewTicker(l.cfg.BrowseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.doBrowse(ctx, resolver, self)
		}
	}
}

func (l *LAN) doBrowse(ctx context.Context, resolver *zeroconf.Resolver, self Identity) {
	entries := make(chan *zeroconf.ServiceEntry)
	browseCtx, cancel := context.WithTimeout(ctx, browseWindow)
	defer cancel()

	seen := make(map[PeerID]bool)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			if p := l.handleEntry(entry, self); p != "" {
				seen[p] = true
			}
		}
	}()

	if err := resolver.Browse(browseCtx, l.cfg.ServiceType, MDNSDomain, entries); err != nil {
		l.events.Push(BrowseFailed{Err: fmt.Errorf("%w: browse: %v", ErrServiceUnavailable, err)})
		return
	}

	<-browseCtx.Done()
	<-done
	if ctx.Err() != nil {
		return
	}

	var lost []PeerID
	l.mu.Lock()
	for id, p := range l.peers {
		if seen[id] {
			p.missed = 0
			continue
		}
		p.missed++
		if p.missed >= lostAfterScans {
			delete(l.peers, id)
			lost = append(lost, id)
		}
	}
	l.mu.Unlock()

	for _, id := range lost {
		l.log.Info("mDNS peer lost", "peer", id)
		l.events.Push(PeerLost{Peer: id})
	}
}

func (l *LAN) handleEntry(entry *zeroconf.ServiceEntry, self Identity) PeerID {
	txt := make(map[string]string)
	for _, kv := range entry.Text {
		if k, v, ok := strings.Cut(kv, "="); ok {
			txt[k] = v
		}
	}

	id := PeerID(txt["id"])
	if id == "" {
		id = PeerID(entry.Instance)
	}
	if id == "" || Identity(id) == self {
		return ""
	}

	host := entry.HostName
	if len(entry.AddrIPv4) > 0 {
		host = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		host = entry.AddrIPv6[0].String()
	}

	l.mu.Lock()
	existing, exists := l.peers[id]
	if exists {
		existing.host, existing.port, existing.txt = host, entry.Port, txt
	} else {
		l.peers[id] = &lanPeer{id: id, host: host, port: entry.Port, txt: txt, firstSeen: time.Now()}
	}
	l.mu.Unlock()

	if !exists {
		l.log.Info("mDNS discovered new peer", "peer", id, "addr", net.JoinHostPort(host, strconv.Itoa(entry.Port)))
		l.events.Push(PeerDiscovered{Peer: id, Info: txt})
	}
	return id
}

// Invite dials a discovered peer and sends an invitation
func (l *LAN) Invite(peer PeerID, context []byte, timeout time.Duration) error {
	l.mu.Lock()
	p := l.peers[peer]
	self := l.self
	l.mu.Unlock()
	if p == nil {
		return ErrUnknownPeer
	}

	l.events.Push(PeerStateChanged{Peer: peer, State: Connecting})
	addr := net.JoinHostPort(p.host, strconv.Itoa(p.port))
	go l.dial(peer, addr, invite{From: self, To: Identity(peer), Context: context}, timeout)
	return nil
}

func (l *LAN) dial(peer PeerID, addr string, inv invite, timeout time.Duration) {
	fail := func(err error) {
		l.log.Warn("Invitation failed", "peer", peer, "addr", addr, "error", err)
		l.events.Push(PeerStateChanged{Peer: peer, State: NotConnected})
	}

	deadline := time.Now().Add(timeout)
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		fail(err)
		return
	}

	framer := protocol.NewFramer(conn, conn)
	conn.SetDeadline(deadline)
	body, _ := json.Marshal(inv)
	if err := framer.WriteRaw(body); err != nil {
		conn.Close()
		fail(err)
		return
	}

	raw, err := framer.ReadRaw()
	if err != nil {
		conn.Close()
		fail(err)
		return
	}
	var reply inviteReply
	if err := json.Unmarshal(raw, &reply); err != nil || !reply.Accepted {
		conn.Close()
		fail(fmt.Errorf("declined: %s", reply.Reason))
		return
	}
	conn.SetDeadline(time.Time{})

	l.openSession(peer, conn, framer)
}

func (l *LAN) Send(data []byte, peers []PeerID) error {
	for _, p := range peers {
		l.mu.Lock()
		s := l.sessions[p]
		l.mu.Unlock()
		if s == nil {
			return ErrNotConnected
		}
		if err := s.write(data); err != nil {
			return fmt.Errorf("send to %s: %w", p, err)
		}
	}
	return nil
}

func (l *LAN) Disconnect() {
	l.mu.Lock()
	sessions := l.sessions
	l.sessions = make(map[PeerID]*lanSession)
	l.mu.Unlock()

	for id, s := range sessions {
		s.conn.Close()
		l.events.Push(PeerStateChanged{Peer: id, State: NotConnected})
	}
}

func (l *LAN) Close() error {
	l.StopBrowsing()
	l.StopAdvertising()
	l.Disconnect()
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.events.Close()
	l.log.Info("LAN transport stopped")
	return nil
}
