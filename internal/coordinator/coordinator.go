// Package coordinator runs the sync protocol on top of a connection
// controller: once a peer connects, both sides exchange device info, request
// each other's snapshot, reconcile it into the local store and report the
// result.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"cnote.dev/go/cnote/internal/clock"
	"cnote.dev/go/cnote/internal/connection"
	"cnote.dev/go/cnote/internal/ledger"
	"cnote.dev/go/cnote/internal/protocol"
	"cnote.dev/go/cnote/internal/pump"
	"cnote.dev/go/cnote/internal/reconcile"
	"cnote.dev/go/cnote/internal/transport"
)

var (
	// ErrProtocolTimeout fails a session whose peer stops answering
	ErrProtocolTimeout = errors.New("sync protocol timed out")

	// ErrConnectionLost fails a session whose connection dropped mid-exchange
	ErrConnectionLost = errors.New("connection lost")

	// ErrUnexpectedPeer fails a session whose peer is not the paired device
	ErrUnexpectedPeer = errors.New("unexpected peer")

	// ErrPeerReported wraps an error message received from the peer
	ErrPeerReported = errors.New("peer reported an error")

	// ErrStopped is returned once Run has exited
	ErrStopped = errors.New("coordinator stopped")
)

// Config tunes the protocol layer
type Config struct {
	// ProtocolTimeout bounds the wait for the peer's data and completion
	ProtocolTimeout time.Duration
	// RetrySettle is the pause between Stop and the replayed start on Retry
	RetrySettle time.Duration
	// RateLimit caps inbound messages per peer; nil uses the defaults
	RateLimit *protocol.RateLimitConfig
}

// DefaultConfig returns the production timings
func DefaultConfig() Config {
	return Config{
		ProtocolTimeout: 60 * time.Second,
		RetrySettle:     time.Second,
	}
}

// Role is the side this device plays in a sync
type Role int

const (
	RoleNone Role = iota
	// RoleInitiator advertises and shares a pairing code
	RoleInitiator
	// RoleResponder browses for the initiator
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	}
	return "none"
}

func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// Stage is a protocol milestone
type Stage int

const (
	StageIdle Stage = iota
	StagePreparing
	StageSendingDeviceInfo
	StageWaitingData
	StageProcessingData
	StageMergingData
	StageCompleted
	StageFailed
)

var stageNames = map[Stage]string{
	StageIdle:              "idle",
	StagePreparing:         "preparing",
	StageSendingDeviceInfo: "sending_device_info",
	StageWaitingData:       "waiting_data",
	StageProcessingData:    "processing_data",
	StageMergingData:       "merging_data",
	StageCompleted:         "completed",
	StageFailed:            "failed",
}

func (s Stage) String() string {
	if n, ok := stageNames[s]; ok {
		return n
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

func (s Stage) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Progress is the fraction reported when the stage is reached. Failed has
// no milestone of its own.
func (s Stage) Progress() float64 {
	switch s {
	case StagePreparing:
		return 0.1
	case StageSendingDeviceInfo:
		return 0.3
	case StageWaitingData:
		return 0.5
	case StageProcessingData:
		return 0.7
	case StageMergingData:
		return 0.9
	case StageCompleted:
		return 1.0
	}
	return 0
}

// Fault names the layer that reported the last failure
type Fault int

const (
	FaultNone Fault = iota
	FaultConnection
	FaultProtocol
)

func (f Fault) String() string {
	switch f {
	case FaultConnection:
		return "connection"
	case FaultProtocol:
		return "protocol"
	}
	return "none"
}

func (f Fault) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

// Status is a published snapshot of the coordinator
type Status struct {
	Connection connection.Status  `json:"connection"`
	Role       Role               `json:"role"`
	Stage      Stage              `json:"stage"`
	Progress   float64            `json:"progress"`
	Result     ledger.SyncResult  `json:"result"`
	PeerResult *ledger.SyncResult `json:"peer_result,omitempty"`
	PeerDevice *ledger.DeviceInfo `json:"peer_device,omitempty"`
	Fault      Fault              `json:"fault"`
	Error      string             `json:"error,omitempty"`
}

// Active reports whether a session is between connection and a terminal stage
func (s Status) Active() bool {
	return s.Stage > StageIdle && s.Stage < StageCompleted
}

// session is the protocol state of one connection
type session struct {
	id           uuid.UUID
	started      time.Time
	peerDevice   *ledger.DeviceInfo
	rejected     bool
	merged       bool
	peerComplete bool
	peerResult   *ledger.SyncResult
	timeout      clock.Timer
}

// Coordinator drives sync sessions. All state is owned by the Run goroutine.
type Coordinator struct {
	cfg     Config
	ctrl    *connection.Controller
	store   ledger.Store
	clk     clock.Clock
	log     *slog.Logger
	limiter *protocol.RateLimiter
	metrics *Metrics

	cmds    chan func()
	runOnce sync.Once
	stopped chan struct{}

	// owned by the loop goroutine
	device     ledger.DeviceInfo
	role       Role
	lastIntent Role
	hint       *ledger.PairingHint
	connState  connection.State
	sess       *session
	generation uint64

	pubMu sync.RWMutex
	pub   Status
	subs  map[*pump.Queue[Status]]struct{}
}

// New creates a coordinator for device. Run starts the controller too.
func New(cfg Config, ctrl *connection.Controller, store ledger.Store, device ledger.DeviceInfo, clk clock.Clock, logger *slog.Logger) *Coordinator {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		cfg:     cfg,
		ctrl:    ctrl,
		store:   store,
		clk:     clk,
		log:     logger.With("component", "coordinator"),
		limiter: protocol.NewRateLimiter(cfg.RateLimit),
		metrics: NewMetrics(),
		cmds:    make(chan func()),
		stopped: make(chan struct{}),
		device:  device,
		subs:    make(map[*pump.Queue[Status]]struct{}),
	}
	c.pub = Status{Result: ledger.EmptyResult()}
	return c
}

// Metrics exposes the session counters
func (c *Coordinator) Metrics() *Metrics {
	return c.metrics
}

// RateLimitStats exposes inbound drop counters
func (c *Coordinator) RateLimitStats() protocol.RateLimitStats {
	return c.limiter.Stats()
}

// Run processes connection events and commands until ctx is done. The
// controller runs for the same lifetime.
func (c *Coordinator) Run(ctx context.Context) error {
	started := false
	c.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("coordinator already running")
	}

	ctrlDone := make(chan error, 1)
	go func() { ctrlDone <- c.ctrl.Run(ctx) }()

	defer close(c.stopped)
	defer c.closeSubscribers()

	events := c.ctrl.Events()
	for {
		select {
		case <-ctx.Done():
			c.stopTimeout()
			<-ctrlDone
			c.log.Debug("Coordinator stopped")
			return ctx.Err()
		case f := <-c.cmds:
			c.guard("command", f)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.guard("connection event", func() { c.handleEvent(ctx, ev) })
		}
	}
}

func (c *Coordinator) guard(what string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Recovered panic in coordinator loop", "while", what, "panic", r)
			c.metrics.RecordError("panic", fmt.Sprint(r), "")
		}
	}()
	f()
}

func (c *Coordinator) do(f func()) error {
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

func (c *Coordinator) after(d time.Duration, what string, f func()) clock.Timer {
	gen := c.generation
	return c.clk.AfterFunc(d, func() {
		c.do(func() {
			if gen != c.generation {
				c.log.Debug("Dropping stale deferred operation", "op", what)
				return
			}
			f()
		})
	})
}

// StartAsInitiator advertises this device and syncs with whoever connects
func (c *Coordinator) StartAsInitiator() error {
	var err error
	if derr := c.do(func() { err = c.start(RoleInitiator, nil) }); derr != nil {
		return derr
	}
	return err
}

// StartAsResponder browses for an initiator. With a hint only the device it
// names is accepted as a sync partner.
func (c *Coordinator) StartAsResponder(hint *ledger.PairingHint) error {
	var err error
	if derr := c.do(func() { err = c.start(RoleResponder, hint) }); derr != nil {
		return derr
	}
	return err
}

// Stop tears down the connection and resets progress
func (c *Coordinator) Stop() error {
	var err error
	if derr := c.do(func() { err = c.stop() }); derr != nil {
		return derr
	}
	return err
}

// Retry recovers from the last failure. A connection-layer failure is
// retried by the controller; otherwise the last start is replayed after a
// short settle.
func (c *Coordinator) Retry() error {
	var err error
	derr := c.do(func() {
		if c.ctrl.Status().State == connection.Failed {
			c.log.Info("Retrying connection")
			c.update(func(s *Status) {
				s.Stage = StageIdle
				s.Progress = 0
				s.Fault = FaultNone
				s.Error = ""
			})
			err = c.ctrl.Retry()
			return
		}
		intent, hint := c.lastIntent, c.hint
		if intent == RoleNone {
			c.log.Debug("Nothing to retry")
			return
		}
		if err = c.stop(); err != nil {
			return
		}
		c.log.Info("Retrying sync", "role", intent, "delay", c.cfg.RetrySettle)
		c.after(c.cfg.RetrySettle, "retry", func() {
			if err := c.start(intent, hint); err != nil {
				c.log.Warn("Retry failed to start", "error", err)
			}
		})
	})
	if derr != nil {
		return derr
	}
	return err
}

// Reset stops, forgets the last intent and result and resets the
// connection identity.
func (c *Coordinator) Reset() error {
	var err error
	derr := c.do(func() {
		if err = c.stop(); err != nil {
			return
		}
		c.lastIntent = RoleNone
		c.role = RoleNone
		c.hint = nil
		c.update(func(s *Status) {
			s.Role = RoleNone
			s.Result = ledger.EmptyResult()
			s.PeerResult = nil
			s.PeerDevice = nil
			s.Fault = FaultNone
			s.Error = ""
		})
		err = c.ctrl.ResetCompletely()
	})
	if derr != nil {
		return derr
	}
	return err
}

// SetDevice replaces the device info sent to peers
func (c *Coordinator) SetDevice(device ledger.DeviceInfo) error {
	return c.do(func() { c.device = device })
}

// Status returns the latest published snapshot
func (c *Coordinator) Status() Status {
	c.pubMu.RLock()
	defer c.pubMu.RUnlock()
	return c.pub
}

// Subscribe returns a channel receiving every published status, starting
// with the current one. cancel releases the subscription.
func (c *Coordinator) Subscribe() (<-chan Status, func()) {
	q := pump.New[Status]()
	c.pubMu.Lock()
	c.subs[q] = struct{}{}
	q.Push(c.pub)
	c.pubMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.pubMu.Lock()
			delete(c.subs, q)
			c.pubMu.Unlock()
			q.Close()
		})
	}
	return q.C(), cancel
}

func (c *Coordinator) closeSubscribers() {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	for q := range c.subs {
		q.Close()
		delete(c.subs, q)
	}
}

// update mutates the published status and notifies subscribers
func (c *Coordinator) update(f func(*Status)) {
	c.pubMu.Lock()
	f(&c.pub)
	s := c.pub
	for q := range c.subs {
		q.Push(s)
	}
	c.pubMu.Unlock()
}

func (c *Coordinator) start(role Role, hint *ledger.PairingHint) error {
	c.role = role
	c.lastIntent = role
	c.hint = hint
	c.endSession()
	c.update(func(s *Status) {
		s.Role = role
		s.Stage = StageIdle
		s.Progress = 0
		s.PeerResult = nil
		s.PeerDevice = nil
		s.Fault = FaultNone
		s.Error = ""
	})

	if err := c.ctrl.SetTargetHint(hint); err != nil {
		return err
	}
	c.log.Info("Starting sync", "role", role, "device", c.device.DeviceName, "hinted", hint != nil)
	if role == RoleInitiator {
		return c.ctrl.StartAdvertising(c.device)
	}
	return c.ctrl.StartBrowsing(c.device)
}

func (c *Coordinator) stop() error {
	c.endSession()
	c.role = RoleNone
	c.generation++
	c.update(func(s *Status) {
		s.Stage = StageIdle
		s.Progress = 0
	})
	return c.ctrl.StopAll()
}

func (c *Coordinator) endSession() {
	c.stopTimeout()
	c.sess = nil
}

func (c *Coordinator) stopTimeout() {
	if c.sess != nil && c.sess.timeout != nil {
		c.sess.timeout.Stop()
		c.sess.timeout = nil
	}
}

func (c *Coordinator) handleEvent(ctx context.Context, ev connection.Event) {
	switch e := ev.(type) {
	case connection.StateChanged:
		c.handleConnection(ctx, e.Status)
	case connection.DataReceived:
		c.handleData(ctx, e.Peer, e.Data)
	}
}

func (c *Coordinator) handleConnection(ctx context.Context, st connection.Status) {
	prev := c.connState
	prevPeers := c.Status().Connection.Peers
	c.connState = st.State
	c.update(func(s *Status) { s.Connection = st })

	switch {
	case st.State == connection.Connected && prev != connection.Connected:
		if c.role == RoleNone {
			c.log.Warn("Connected without a sync intent, ignoring")
			return
		}
		c.beginSession(ctx)

	case st.State == connection.Failed && prev != connection.Failed:
		c.endSession()
		c.metrics.SyncsFailed.Add(1)
		c.metrics.RecordError("connection", st.Cause(), "")
		c.update(func(s *Status) {
			s.Stage = StageFailed
			s.Fault = FaultConnection
			s.Error = st.Cause()
		})

	case prev == connection.Connected && st.State != connection.Connected:
		for _, p := range prevPeers {
			c.limiter.RemovePeer(string(p))
		}
		if c.sess == nil {
			return
		}
		if c.Status().Active() {
			c.log.Warn("Connection lost during sync", "session", c.sess.id)
			c.fail(ErrConnectionLost, "")
		}
		c.endSession()
	}
}

func (c *Coordinator) beginSession(ctx context.Context) {
	c.endSession()
	c.sess = &session{id: uuid.New(), started: c.clk.Now()}
	c.metrics.SessionsStarted.Add(1)
	log := c.log.With("session", c.sess.id)
	log.Info("Peer connected, starting exchange", "role", c.role)

	c.advance(StagePreparing)
	if err := c.send(protocol.MsgSyncStart, protocol.SyncStart{Role: c.role.String(), Version: protocol.ProtocolVersion}); err != nil {
		c.fail(fmt.Errorf("send sync start: %w", err), "")
		return
	}
	if err := c.send(protocol.MsgDeviceInfo, c.device); err != nil {
		c.fail(fmt.Errorf("send device info: %w", err), "")
		return
	}
	c.advance(StageSendingDeviceInfo)
	if err := c.send(protocol.MsgDataRequest, protocol.DataRequest{RequestID: uuid.New()}); err != nil {
		c.fail(fmt.Errorf("send data request: %w", err), "")
		return
	}

	s := c.sess
	s.timeout = c.after(c.cfg.ProtocolTimeout, "protocol timeout", func() {
		if c.sess != s || !c.Status().Active() {
			return
		}
		c.metrics.ProtocolTimeouts.Add(1)
		log.Warn("Peer stopped answering", "timeout", c.cfg.ProtocolTimeout)
		c.fail(ErrProtocolTimeout, "")
	})
	c.advance(StageWaitingData)
}

func (c *Coordinator) advance(stage Stage) {
	c.update(func(s *Status) {
		s.Stage = stage
		s.Progress = stage.Progress()
	})
}

// fail ends the session with a failed result. The connection stays up so
// the user can retry.
func (c *Coordinator) fail(err error, peer transport.PeerID) {
	c.stopTimeout()
	c.metrics.SyncsFailed.Add(1)
	c.metrics.RecordError("protocol", err.Error(), string(peer))
	c.log.Warn("Sync failed", "error", err)
	c.update(func(s *Status) {
		s.Stage = StageFailed
		s.Result = ledger.FailedResult(err)
		s.Fault = FaultProtocol
		s.Error = err.Error()
	})
}

func (c *Coordinator) send(msgType protocol.MessageType, payload interface{}) error {
	data, _, err := protocol.Encode(msgType, payload)
	if err != nil {
		return err
	}
	if err := c.ctrl.Send(data); err != nil {
		return err
	}
	c.metrics.RecordMessageSent(msgType, len(data))
	return nil
}

func (c *Coordinator) sendError(code string, err error) {
	if serr := c.send(protocol.MsgError, protocol.ErrorPayload{Reason: err.Error(), Code: code}); serr != nil {
		c.log.Warn("Failed to report error to peer", "code", code, "error", serr)
	}
}

func (c *Coordinator) handleData(ctx context.Context, peer transport.PeerID, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		c.metrics.MalformedDropped.Add(1)
		c.log.Warn("Dropping malformed message", "peer", peer, "size", len(data), "error", err)
		return
	}
	if err := c.limiter.Allow(string(peer), msg.Type, len(data)); err != nil {
		c.metrics.RateLimitDrops.Add(1)
		c.log.Warn("Dropping rate limited message", "peer", peer, "type", msg.Type, "error", err)
		return
	}
	c.metrics.RecordMessageReceived(msg.Type, len(data))
	log := c.log.With("peer", peer, "type", msg.Type, "message_id", msg.MessageID)

	switch msg.Type {
	case protocol.MsgSyncStart:
		var start protocol.SyncStart
		if err := msg.ParsePayload(&start); err != nil {
			c.dropMalformed(log, err)
			return
		}
		log.Info("Peer started sync", "role", start.Role, "version", start.Version)

	case protocol.MsgDeviceInfo:
		var info ledger.DeviceInfo
		if err := msg.ParsePayload(&info); err != nil {
			c.dropMalformed(log, err)
			return
		}
		c.handleDeviceInfo(log, peer, info)

	case protocol.MsgDataRequest:
		c.handleDataRequest(ctx, log)

	case protocol.MsgDataResponse:
		var snap ledger.Snapshot
		if err := msg.ParsePayload(&snap); err != nil {
			c.dropMalformed(log, err)
			return
		}
		c.handleDataResponse(ctx, log, peer, &snap)

	case protocol.MsgSyncComplete:
		var result ledger.SyncResult
		if err := msg.ParsePayload(&result); err != nil {
			c.dropMalformed(log, err)
			return
		}
		c.handleSyncComplete(log, result)

	case protocol.MsgError:
		var p protocol.ErrorPayload
		if err := msg.ParsePayload(&p); err != nil {
			c.dropMalformed(log, err)
			return
		}
		log.Warn("Peer reported an error", "reason", p.Reason, "code", p.Code)
		if c.sess == nil {
			return
		}
		c.fail(fmt.Errorf("%w: %s", ErrPeerReported, p.Reason), peer)
	}
}

func (c *Coordinator) dropMalformed(log *slog.Logger, err error) {
	c.metrics.MalformedDropped.Add(1)
	log.Warn("Dropping message with malformed payload", "error", err)
}

func (c *Coordinator) handleDeviceInfo(log *slog.Logger, peer transport.PeerID, info ledger.DeviceInfo) {
	if c.hint != nil && c.hint.DeviceID != uuid.Nil && info.DeviceID != c.hint.DeviceID {
		log.Warn("Peer is not the paired device", "want", c.hint.DeviceID, "have", info.DeviceID, "name", info.DeviceName)
		if c.sess != nil {
			c.sess.rejected = true
		}
		err := fmt.Errorf("%w: %s", ErrUnexpectedPeer, info.DeviceName)
		c.sendError(protocol.ErrorCodeUnexpectedPeer, err)
		c.fail(err, peer)
		return
	}

	log.Info("Received device info", "device", info.DeviceName, "device_id", info.DeviceID, "app_version", info.AppVersion)
	if c.sess != nil {
		c.sess.peerDevice = &info
	}
	c.update(func(s *Status) { s.PeerDevice = &info })
}

func (c *Coordinator) handleDataRequest(ctx context.Context, log *slog.Logger) {
	switch {
	case c.sess == nil || c.role == RoleNone:
		log.Warn("Refusing data request outside a session")
		return
	case c.sess.rejected:
		log.Warn("Refusing data request from rejected peer")
		return
	}
	snap, err := ledger.NewSnapshot(ctx, c.device, c.store)
	if err != nil {
		err = fmt.Errorf("build snapshot: %w", err)
		c.sendError(protocol.ErrorCodeSnapshot, err)
		c.fail(err, "")
		return
	}
	if err := c.send(protocol.MsgDataResponse, snap); err != nil {
		c.fail(fmt.Errorf("send snapshot: %w", err), "")
		return
	}
	log.Info("Sent snapshot", "package", snap.PackageID, "transactions", len(snap.Transactions))
}

func (c *Coordinator) handleDataResponse(ctx context.Context, log *slog.Logger, peer transport.PeerID, snap *ledger.Snapshot) {
	s := c.sess
	if s == nil {
		log.Warn("Ignoring snapshot outside a session")
		return
	}
	if s.rejected {
		log.Warn("Ignoring snapshot from rejected peer")
		return
	}
	if s.merged {
		log.Warn("Ignoring repeated snapshot", "package", snap.PackageID)
		return
	}
	if c.Status().Stage == StageFailed {
		log.Warn("Ignoring snapshot for failed session")
		return
	}

	c.advance(StageProcessingData)
	begin := time.Now()
	local, err := reconcile.LoadLocal(ctx, c.store)
	if err != nil {
		c.mergeFailed(peer, fmt.Errorf("%w: %v", reconcile.ErrMergeFailed, err))
		return
	}
	plan, result := reconcile.Merge(local, snap)
	if !result.IsSuccess {
		c.mergeFailed(peer, errors.New(result.ErrorMessage))
		return
	}
	c.advance(StageMergingData)
	if plan.BaseCurrencyDiffers {
		log.Info("Peer uses a different base currency, keeping local",
			"local", local.BaseCurrency, "remote", plan.RemoteBaseCurrency)
	}
	if err := reconcile.Apply(ctx, c.store, plan); err != nil {
		c.mergeFailed(peer, err)
		return
	}
	c.metrics.RecordMergeLatency(time.Since(begin))
	s.merged = true

	log.Info("Merged peer snapshot",
		"package", snap.PackageID,
		"transactions_added", result.TransactionsAdded,
		"transactions_duplicated", result.TransactionsDuplicated,
		"categories_added", result.CategoriesAdded,
		"categories_duplicated", result.CategoriesDuplicated,
		"rates", result.ExchangeRatesSynced,
	)

	now := c.clk.Now()
	if ds, ok := c.store.(ledger.DeviceStore); ok {
		if err := ds.MarkSynced(ctx, now); err != nil {
			log.Warn("Failed to record sync time", "error", err)
		}
	}
	c.device.LastSyncTime = &now
	c.update(func(st *Status) { st.Result = result })

	if err := c.send(protocol.MsgSyncComplete, result); err != nil {
		log.Warn("Failed to send sync result", "error", err)
	}
	c.maybeComplete(log)
}

func (c *Coordinator) mergeFailed(peer transport.PeerID, err error) {
	c.sendError(protocol.ErrorCodeMerge, err)
	c.fail(err, peer)
}

func (c *Coordinator) handleSyncComplete(log *slog.Logger, result ledger.SyncResult) {
	log.Info("Peer finished merging", "result", result.String())
	c.update(func(st *Status) { st.PeerResult = &result })
	if c.sess == nil {
		return
	}
	c.sess.peerComplete = true
	c.sess.peerResult = &result
	c.maybeComplete(log)
}

// maybeComplete finishes the session once both sides have merged
func (c *Coordinator) maybeComplete(log *slog.Logger) {
	s := c.sess
	if s == nil || !s.merged || !s.peerComplete {
		return
	}
	if c.Status().Stage == StageFailed {
		return
	}
	c.stopTimeout()
	c.metrics.SyncsCompleted.Add(1)
	c.metrics.RecordSessionLatency(c.clk.Now().Sub(s.started))
	c.advance(StageCompleted)
	log.Info("Sync completed", "session", s.id)
}
