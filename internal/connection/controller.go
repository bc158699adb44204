// Package connection owns the connection lifecycle of one device: ad-hoc
// identity, advertising or browsing, invitations and the connected peer
// set. All state lives on a single goroutine started by Run.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cnote.dev/go/cnote/internal/clock"
	"cnote.dev/go/cnote/internal/ledger"
	"cnote.dev/go/cnote/internal/pump"
	"cnote.dev/go/cnote/internal/transport"
)

var (
	// ErrTransportUnavailable is the terminal cause after registration
	// retries are exhausted.
	ErrTransportUnavailable = fmt.Errorf("transport unavailable: %w", transport.ErrServiceUnavailable)

	// ErrIdentityReuse requires ResetCompletely; a plain retry will not help
	ErrIdentityReuse = transport.ErrIdentityReuse

	// ErrInvitationTimeout is the cause when an invited peer never connects
	ErrInvitationTimeout = errors.New("invitation timed out")

	// ErrNoPeersConnected is returned by Send with an empty peer set
	ErrNoPeersConnected = errors.New("no peers connected")

	// ErrStopped is returned once Run has exited
	ErrStopped = errors.New("controller stopped")
)

// Config tunes delays and retry bounds
type Config struct {
	InviteTimeout time.Duration
	MaxRetries    int

	// Advertising waits SettleBase + retries*SettleStep after teardown
	// before registering again.
	SettleBase time.Duration
	SettleStep time.Duration
	// BrowseSettle is the fixed delay before browsing starts
	BrowseSettle time.Duration
	// ResetSettle is how long the resetting guard stays up after a teardown.
	// ResetCompletely holds it for twice as long.
	ResetSettle time.Duration
}

// DefaultConfig returns the production timings
func DefaultConfig() Config {
	return Config{
		InviteTimeout: 30 * time.Second,
		MaxRetries:    5,
		SettleBase:    6 * time.Second,
		SettleStep:    3 * time.Second,
		BrowseSettle:  3 * time.Second,
		ResetSettle:   time.Second,
	}
}

// State is the lifecycle state
type State int

const (
	Idle State = iota
	Advertising
	Browsing
	Connecting
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Advertising:
		return "advertising"
	case Browsing:
		return "browsing"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText renders the state name in JSON status payloads
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is a published snapshot of the controller
type Status struct {
	State      State              `json:"state"`
	Err        error              `json:"-"`
	Identity   transport.Identity `json:"identity,omitempty"`
	Peers      []transport.PeerID `json:"peers,omitempty"`
	Discovered []transport.PeerID `json:"discovered,omitempty"`
	RetryCount int                `json:"retry_count"`
	Generation uint64             `json:"generation"`
}

// Cause returns the failure message, if any
func (s Status) Cause() string {
	if s.Err == nil {
		return ""
	}
	return s.Err.Error()
}

// Event is delivered to the controller's consumer
type Event interface {
	isEvent()
}

// StateChanged is published on every state or peer-set change
type StateChanged struct {
	Status Status
}

// DataReceived carries bytes received from a connected peer
type DataReceived struct {
	Peer transport.PeerID
	Data []byte
}

func (StateChanged) isEvent() {}
func (DataReceived) isEvent() {}

type mode int

const (
	modeNone mode = iota
	modeAdvertise
	modeBrowse
)

func (m mode) String() string {
	switch m {
	case modeAdvertise:
		return "advertise"
	case modeBrowse:
		return "browse"
	}
	return "none"
}

type startRequest struct {
	mode   mode
	device ledger.DeviceInfo
}

// Controller drives a transport through the connection lifecycle
type Controller struct {
	cfg    Config
	tr     transport.Transport
	clk    clock.Clock
	log    *slog.Logger
	cmds   chan func()
	events *pump.Queue[Event]

	runOnce sync.Once
	stopped chan struct{}

	// owned by the loop goroutine
	state      State
	failure    error
	identity   transport.Identity
	device     ledger.DeviceInfo
	haveDevice bool
	lastMode   mode
	hint       *ledger.PairingHint
	discovered []transport.PeerID
	connected  []transport.PeerID
	inviting   transport.PeerID
	attempted  bool
	generation uint64
	resetting  bool
	pending    *startRequest
	retryCount int

	pubMu sync.RWMutex
	pub   Status
}

// New creates a controller. Run must be called before any operation.
func New(cfg Config, tr transport.Transport, clk clock.Clock, logger *slog.Logger) *Controller {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:     cfg,
		tr:      tr,
		clk:     clk,
		log:     logger.With("component", "connection"),
		cmds:    make(chan func()),
		events:  pump.New[Event](),
		stopped: make(chan struct{}),
	}
}

// Events delivers lifecycle and data events in order. Delivery never
// blocks the controller.
func (c *Controller) Events() <-chan Event {
	return c.events.C()
}

// Run owns the controller state until ctx is done. On exit every session is
// torn down.
func (c *Controller) Run(ctx context.Context) error {
	started := false
	c.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("controller already running")
	}
	defer close(c.stopped)
	defer c.events.Close()

	trEvents := c.tr.Events()
	for {
		select {
		case <-ctx.Done():
			c.teardown()
			c.log.Debug("Connection controller stopped")
			return ctx.Err()
		case f := <-c.cmds:
			c.guard("command", f)
		case ev, ok := <-trEvents:
			if !ok {
				trEvents = nil
				continue
			}
			c.guard("transport event", func() { c.handleTransportEvent(ev) })
		}
	}
}

// guard runs f, converting a panic into a logged error
func (c *Controller) guard(what string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Recovered panic in connection loop", "while", what, "panic", r)
		}
	}()
	f()
}

// do runs f on the loop and waits for it to finish
func (c *Controller) do(f func()) error {
	ran := make(chan struct{})
	select {
	case c.cmds <- func() { defer close(ran); f() }:
	case <-c.stopped:
		return ErrStopped
	}
	select {
	case <-ran:
		return nil
	case <-c.stopped:
		return ErrStopped
	}
}

// after schedules f on the loop. It is dropped if the generation has moved
// on by the time it runs.
func (c *Controller) after(d time.Duration, what string, f func()) {
	gen := c.generation
	c.clk.AfterFunc(d, func() {
		c.do(func() {
			if gen != c.generation {
				c.log.Debug("Dropping stale deferred operation", "op", what, "generation", gen, "current", c.generation)
				return
			}
			f()
		})
	})
}

// StartAdvertising makes this device discoverable as device. Concurrent
// calls during a reset are coalesced; the latest wins. Each call starts
// with a full retry budget.
func (c *Controller) StartAdvertising(device ledger.DeviceInfo) error {
	return c.do(func() {
		c.retryCount = 0
		c.start(modeAdvertise, device)
	})
}

// StartBrowsing looks for an advertising peer
func (c *Controller) StartBrowsing(device ledger.DeviceInfo) error {
	return c.do(func() {
		c.retryCount = 0
		c.start(modeBrowse, device)
	})
}

// SetTargetHint sets the peer the caller expects to find. With a hint every
// discovered peer is invited; without one only the first is.
func (c *Controller) SetTargetHint(hint *ledger.PairingHint) error {
	return c.do(func() { c.hint = hint })
}

// StopAll tears down advertising, browsing and every session
func (c *Controller) StopAll() error {
	return c.do(func() {
		c.teardown()
		c.resetting = false
		c.pending = nil
		if c.state != Failed {
			c.setState(Idle)
		} else {
			c.publish()
		}
		c.log.Info("Stopped all transport activity")
	})
}

// ResetCompletely discards every cached setting and mints a new identity.
// It is a no-op while a reset is already settling.
func (c *Controller) ResetCompletely() error {
	return c.do(func() {
		if c.resetting {
			c.log.Debug("Reset already in progress, ignoring")
			return
		}
		c.teardown()
		c.retryCount = 0
		c.device = ledger.DeviceInfo{}
		c.haveDevice = false
		c.lastMode = modeNone
		c.hint = nil
		c.pending = nil
		c.identity = transport.NewIdentity("cnote")
		c.failure = nil
		c.setState(Idle)
		c.beginResetting(2 * c.cfg.ResetSettle)
		c.log.Info("Connection reset", "identity", c.identity)
	})
}

// Retry clears the retry budget and replays the last start
func (c *Controller) Retry() error {
	return c.do(func() {
		if !c.haveDevice || c.lastMode == modeNone {
			c.log.Debug("Nothing to retry")
			return
		}
		c.retryCount = 0
		c.start(c.lastMode, c.device)
	})
}

// Send delivers data to every connected peer
func (c *Controller) Send(data []byte) error {
	c.pubMu.RLock()
	peers := append([]transport.PeerID(nil), c.pub.Peers...)
	c.pubMu.RUnlock()

	if len(peers) == 0 {
		return ErrNoPeersConnected
	}
	return c.tr.Send(data, peers)
}

// Status returns the latest published snapshot
func (c *Controller) Status() Status {
	c.pubMu.RLock()
	defer c.pubMu.RUnlock()
	s := c.pub
	s.Peers = append([]transport.PeerID(nil), s.Peers...)
	s.Discovered = append([]transport.PeerID(nil), s.Discovered...)
	return s
}

func (c *Controller) start(m mode, device ledger.DeviceInfo) {
	c.device = device
	c.haveDevice = true
	c.lastMode = m

	if c.resetting {
		c.log.Debug("Reset in progress, deferring start", "mode", m)
		c.pending = &startRequest{mode: m, device: device}
		return
	}

	c.teardown()
	c.failure = nil
	c.setState(Idle)
	c.beginResetting(c.cfg.ResetSettle)

	delay := c.cfg.BrowseSettle
	if m == modeAdvertise {
		delay = c.cfg.SettleBase + time.Duration(c.retryCount)*c.cfg.SettleStep
	}
	c.log.Info("Starting after settle delay", "mode", m, "delay", delay, "retry", c.retryCount)
	c.after(delay, "register "+m.String(), func() { c.register(m) })
}

// beginResetting raises the resetting guard for d and replays the pending
// start, if any, when it drops.
func (c *Controller) beginResetting(d time.Duration) {
	c.resetting = true
	c.after(d, "reset settle", func() {
		c.resetting = false
		if p := c.pending; p != nil {
			c.pending = nil
			c.start(p.mode, p.device)
		}
	})
}

func (c *Controller) register(m mode) {
	c.identity = transport.NewIdentity(c.device.DeviceName)
	c.attempted = false

	var err error
	switch m {
	case modeAdvertise:
		err = c.tr.Advertise(c.identity, map[string]string{"name": c.device.DeviceName})
	case modeBrowse:
		err = c.tr.Browse(c.identity)
	}
	if err != nil {
		c.handleStartFailure(m, err)
		return
	}

	c.log.Info("Transport registered", "mode", m, "identity", c.identity)
	c.retryCount = 0
	if m == modeAdvertise {
		c.setState(Advertising)
	} else {
		c.setState(Browsing)
	}
}

func (c *Controller) handleStartFailure(m mode, err error) {
	switch {
	case errors.Is(err, transport.ErrIdentityReuse):
		c.log.Warn("Identity reuse reported, reset required", "identity", c.identity, "error", err)
		c.fail(err)
	case errors.Is(err, transport.ErrServiceUnavailable):
		if c.retryCount >= c.cfg.MaxRetries {
			c.log.Error("Transport unavailable, giving up", "mode", m, "retries", c.retryCount, "error", err)
			c.fail(fmt.Errorf("%w: %v", ErrTransportUnavailable, err))
			return
		}
		c.retryCount++
		c.log.Warn("Transport unavailable, retrying", "mode", m, "retry", c.retryCount, "max", c.cfg.MaxRetries, "error", err)
		c.start(m, c.device)
	default:
		c.log.Error("Transport start failed", "mode", m, "error", err)
		c.fail(err)
	}
}

func (c *Controller) teardown() {
	c.tr.StopAdvertising()
	c.tr.StopBrowsing()
	c.tr.Disconnect()
	c.discovered = nil
	c.connected = nil
	c.inviting = ""
	c.attempted = false
	c.identity = ""
	c.generation++
}

func (c *Controller) fail(err error) {
	c.failure = err
	c.setState(Failed)
}

func (c *Controller) connect(peer transport.PeerID) {
	c.attempted = true
	c.inviting = peer
	c.setState(Connecting)

	if err := c.tr.Invite(peer, nil, c.cfg.InviteTimeout); err != nil {
		c.log.Warn("Invite failed", "peer", peer, "error", err)
		c.fail(fmt.Errorf("invite %s: %w", peer, err))
		return
	}

	c.after(c.cfg.InviteTimeout, "invite timeout", func() {
		if c.state == Connecting && c.inviting == peer && len(c.connected) == 0 {
			c.log.Warn("Invitation timed out", "peer", peer)
			c.fail(ErrInvitationTimeout)
		}
	})
}

func (c *Controller) handleTransportEvent(ev transport.Event) {
	switch e := ev.(type) {
	case transport.PeerStateChanged:
		c.handlePeerState(e.Peer, e.State)

	case transport.DataReceived:
		if !contains(c.connected, e.Peer) {
			c.log.Warn("Dropping data from unconnected peer", "peer", e.Peer, "bytes", len(e.Data))
			return
		}
		c.events.Push(DataReceived{Peer: e.Peer, Data: e.Data})

	case transport.PeerDiscovered:
		if contains(c.discovered, e.Peer) {
			return
		}
		c.discovered = append(c.discovered, e.Peer)
		c.publish()
		c.log.Info("Peer discovered", "peer", e.Peer)
		if c.canInvite() {
			c.connect(e.Peer)
		}

	case transport.PeerLost:
		c.discovered = remove(c.discovered, e.Peer)
		c.publish()
		c.log.Info("Peer lost", "peer", e.Peer)

	case transport.AdvertiseFailed:
		if c.lastMode == modeAdvertise && c.identity != "" {
			c.handleStartFailure(modeAdvertise, e.Err)
		}

	case transport.BrowseFailed:
		if c.lastMode == modeBrowse && c.identity != "" {
			c.handleStartFailure(modeBrowse, e.Err)
		}

	case transport.InvitationReceived:
		if c.lastMode != modeAdvertise || !c.live() {
			c.log.Warn("Declining invitation while not advertising", "peer", e.Peer, "state", c.state)
			e.Accept(false)
			return
		}
		c.log.Info("Accepting invitation", "peer", e.Peer)
		e.Accept(true)
	}
}

// live reports whether a registration from the current generation is
// running. Session callbacks arriving outside one are stale.
func (c *Controller) live() bool {
	if c.identity == "" {
		return false
	}
	switch c.state {
	case Advertising, Browsing, Connecting, Connected:
		return true
	}
	return false
}

// canInvite reports whether a newly discovered peer should be invited. With
// a target hint every peer is tried, otherwise only the first.
func (c *Controller) canInvite() bool {
	if c.lastMode != modeBrowse || c.identity == "" {
		return false
	}
	switch c.state {
	case Browsing, Connecting:
	default:
		return false
	}
	return c.hint != nil || !c.attempted
}

func (c *Controller) handlePeerState(peer transport.PeerID, st transport.PeerState) {
	switch st {
	case transport.Connected:
		if c.state == Failed {
			c.log.Warn("Ignoring connection while failed", "peer", peer)
			return
		}
		if !c.live() {
			c.log.Warn("Dropping stale connection", "peer", peer, "state", c.state)
			c.tr.Disconnect()
			return
		}
		if !contains(c.connected, peer) {
			c.connected = append(c.connected, peer)
		}
		c.inviting = ""
		c.log.Info("Peer connected", "peer", peer, "peers", len(c.connected))
		c.setState(Connected)

	case transport.Connecting:
		if c.state == Failed || c.state == Connected || !c.live() {
			return
		}
		c.setState(Connecting)

	case transport.NotConnected:
		wasConnected := contains(c.connected, peer)
		c.connected = remove(c.connected, peer)
		stalledInvite := c.state == Connecting && peer == c.inviting
		if stalledInvite {
			c.inviting = ""
		}
		if !wasConnected && !stalledInvite {
			return
		}
		c.log.Info("Peer disconnected", "peer", peer, "peers", len(c.connected))
		if len(c.connected) == 0 && c.state != Failed {
			c.setState(Idle)
		} else {
			c.publish()
		}
	}
}

func (c *Controller) setState(s State) {
	if s != Failed {
		c.failure = nil
	}
	prev := c.state
	c.state = s
	if prev != s {
		c.log.Debug("Connection state", "from", prev, "to", s)
	}
	c.publish()
}

// publish copies loop state into the published snapshot and notifies the
// consumer
func (c *Controller) publish() {
	s := Status{
		State:      c.state,
		Err:        c.failure,
		Identity:   c.identity,
		Peers:      append([]transport.PeerID(nil), c.connected...),
		Discovered: append([]transport.PeerID(nil), c.discovered...),
		RetryCount: c.retryCount,
		Generation: c.generation,
	}
	c.pubMu.Lock()
	c.pub = s
	c.pubMu.Unlock()
	c.events.Push(StateChanged{Status: s})
}

func contains(list []transport.PeerID, p transport.PeerID) bool {
	for _, x := range list {
		if x == p {
			return true
		}
	}
	return false
}

func remove(list []transport.PeerID, p transport.PeerID) []transport.PeerID {
	out := list[:0]
	for _, x := range list {
		if x != p {
			out = append(out, x)
		}
	}
	return out
}
