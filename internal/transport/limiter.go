package transport

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	ErrAddrBlocked     = errors.New("address temporarily blocked")
	ErrConnRateLimited = errors.New("connection rate exceeded")
	ErrTooManyConns    = errors.New("too many connections")
)

// ConnLimitConfig bounds inbound TCP sessions before any frame is parsed
type ConnLimitConfig struct {
	MaxConnections      int           // total open inbound connections
	ConnectionsPerSec   float64       // new connections per second, all sources
	ConnectionBurst     int           // burst for ConnectionsPerSec
	MaxConnectionsPerIP int           // open connections per remote IP
	HandshakeTimeout    time.Duration // deadline for the invite frame
	MaxFailuresPerIP    int           // malformed invites before a block
	FailureWindow       time.Duration // window for counting failures
	BlockDuration       time.Duration // how long a block lasts
}

// DefaultConnLimitConfig suits a single household network
func DefaultConnLimitConfig() *ConnLimitConfig {
	return &ConnLimitConfig{
		MaxConnections:      16,
		ConnectionsPerSec:   5,
		ConnectionBurst:     10,
		MaxConnectionsPerIP: 3,
		HandshakeTimeout:    10 * time.Second,
		MaxFailuresPerIP:    5,
		FailureWindow:       time.Minute,
		BlockDuration:       5 * time.Minute,
	}
}

// ConnLimiter tracks inbound connections per remote IP
type ConnLimiter struct {
	cfg    ConnLimitConfig
	global *rate.Limiter
	log    *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	total   int
	perIP   map[string]*ipState
	blocked map[string]time.Time
}

type ipState struct {
	conns       int
	failures    int
	lastFailure time.Time
}

// NewConnLimiter creates a limiter; nil cfg uses the defaults
func NewConnLimiter(cfg *ConnLimitConfig, logger *slog.Logger) *ConnLimiter {
	if cfg == nil {
		cfg = DefaultConnLimitConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnLimiter{
		cfg:     *cfg,
		global:  rate.NewLimiter(rate.Limit(cfg.ConnectionsPerSec), cfg.ConnectionBurst),
		log:     logger,
		now:     time.Now,
		perIP:   make(map[string]*ipState),
		blocked: make(map[string]time.Time),
	}
}

// Allow admits a new connection from addr. Every admitted connection must
// be released exactly once.
func (cl *ConnLimiter) Allow(addr net.Addr) error {
	ip := extractIP(addr)
	now := cl.now()

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if until, ok := cl.blocked[ip]; ok {
		if now.Before(until) {
			return ErrAddrBlocked
		}
		delete(cl.blocked, ip)
	}
	if !cl.global.AllowN(now, 1) {
		return ErrConnRateLimited
	}
	if cl.total >= cl.cfg.MaxConnections {
		return ErrTooManyConns
	}
	st := cl.state(ip)
	if st.conns >= cl.cfg.MaxConnectionsPerIP {
		return ErrTooManyConns
	}

	cl.total++
	st.conns++
	return nil
}

// Release returns a connection slot
func (cl *ConnLimiter) Release(addr net.Addr) {
	ip := extractIP(addr)

	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.total > 0 {
		cl.total--
	}
	if st, ok := cl.perIP[ip]; ok {
		if st.conns > 0 {
			st.conns--
		}
		if st.conns == 0 && st.failures == 0 {
			delete(cl.perIP, ip)
		}
	}
}

// RecordFailure counts a malformed handshake. Too many within the window
// block the address.
func (cl *ConnLimiter) RecordFailure(addr net.Addr) {
	ip := extractIP(addr)
	now := cl.now()

	cl.mu.Lock()
	defer cl.mu.Unlock()

	st := cl.state(ip)
	if now.Sub(st.lastFailure) > cl.cfg.FailureWindow {
		st.failures = 0
	}
	st.failures++
	st.lastFailure = now

	if st.failures >= cl.cfg.MaxFailuresPerIP {
		until := now.Add(cl.cfg.BlockDuration)
		cl.blocked[ip] = until
		st.failures = 0
		cl.log.Warn("Address blocked after repeated bad handshakes",
			"ip", ip,
			"blocked_until", until.Format(time.RFC3339))
	}
}

// HandshakeTimeout is the deadline for reading the invite frame
func (cl *ConnLimiter) HandshakeTimeout() time.Duration {
	return cl.cfg.HandshakeTimeout
}

// Open returns the number of admitted, unreleased connections
func (cl *ConnLimiter) Open() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.total
}

func (cl *ConnLimiter) state(ip string) *ipState {
	st, ok := cl.perIP[ip]
	if !ok {
		st = &ipState{}
		cl.perIP[ip] = st
	}
	return st
}

func extractIP(addr net.Addr) string {
	switch v := addr.(type) {
	case *net.TCPAddr:
		return v.IP.String()
	case *net.UDPAddr:
		return v.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// limitedConn releases its limiter slot on the first Close
type limitedConn struct {
	net.Conn
	once    sync.Once
	limiter *ConnLimiter
}

func (c *limitedConn) Close() error {
	c.once.Do(func() { c.limiter.Release(c.Conn.RemoteAddr()) })
	return c.Conn.Close()
}
