package protocol

import (
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimitConfig defines rate limits for inbound sync messages
type RateLimitConfig struct {
	// Per-peer limits
	PeerMessagesPerSecond float64
	PeerBurst             int

	// Per-message-type limits (messages per minute)
	TypeLimits map[MessageType]TypeLimit

	// Size limits per message type (bytes)
	TypeSizeLimits map[MessageType]int
}

// TypeLimit defines rate limit for a specific message type
type TypeLimit struct {
	PerMinute int
	Burst     int
}

// DefaultRateLimitConfig returns the limits used for sync sessions. A
// session exchanges a handful of messages, so anything beyond a small burst
// per type is a misbehaving peer.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		PeerMessagesPerSecond: 20,
		PeerBurst:             40,

		TypeLimits: map[MessageType]TypeLimit{
			MsgDeviceInfo:   {PerMinute: 30, Burst: 5},
			MsgSyncStart:    {PerMinute: 30, Burst: 5},
			MsgDataRequest:  {PerMinute: 20, Burst: 3},
			MsgDataResponse: {PerMinute: 20, Burst: 3},
			MsgSyncComplete: {PerMinute: 20, Burst: 3},
			MsgError:        {PerMinute: 30, Burst: 5},
		},

		TypeSizeLimits: map[MessageType]int{
			MsgDeviceInfo:   4096,
			MsgSyncStart:    1024,
			MsgDataRequest:  1024,
			MsgDataResponse: MaxMessageSize, // full ledger
			MsgSyncComplete: 4096,
			MsgError:        4096,
		},
	}
}

// RateLimiter manages inbound rate limiting per peer
type RateLimiter struct {
	config *RateLimitConfig

	peerLimiters     sync.Map // peer -> *rate.Limiter
	peerTypeLimiters sync.Map // "peer:type" -> *rate.Limiter

	mu            sync.RWMutex
	dropped       map[string]int64
	droppedByType map[MessageType]int64
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}

	return &RateLimiter{
		config:        config,
		dropped:       make(map[string]int64),
		droppedByType: make(map[MessageType]int64),
	}
}

// Allow checks if a message should be allowed through
func (rl *RateLimiter) Allow(peer string, msgType MessageType, msgSize int) error {
	if err := rl.checkSizeLimit(msgType, msgSize); err != nil {
		rl.recordDrop(peer, msgType)
		return err
	}

	if !rl.getPeerLimiter(peer).Allow() {
		rl.recordDrop(peer, msgType)
		return fmt.Errorf("peer rate limit exceeded")
	}

	typeLimiter := rl.getTypeLimiter(peer, msgType)
	if typeLimiter != nil && !typeLimiter.Allow() {
		rl.recordDrop(peer, msgType)
		return fmt.Errorf("message type %s rate limit exceeded", msgType)
	}

	return nil
}

func (rl *RateLimiter) checkSizeLimit(msgType MessageType, size int) error {
	limit, exists := rl.config.TypeSizeLimits[msgType]
	if !exists {
		limit = 4096
	}

	if size > limit {
		return fmt.Errorf("message size %d exceeds limit %d for type %s", size, limit, msgType)
	}

	return nil
}

func (rl *RateLimiter) getPeerLimiter(peer string) *rate.Limiter {
	if limiter, ok := rl.peerLimiters.Load(peer); ok {
		return limiter.(*rate.Limiter)
	}

	limiter := rate.NewLimiter(rate.Limit(rl.config.PeerMessagesPerSecond), rl.config.PeerBurst)
	actual, _ := rl.peerLimiters.LoadOrStore(peer, limiter)
	return actual.(*rate.Limiter)
}

func (rl *RateLimiter) getTypeLimiter(peer string, msgType MessageType) *rate.Limiter {
	key := peer + ":" + string(msgType)

	if limiter, ok := rl.peerTypeLimiters.Load(key); ok {
		return limiter.(*rate.Limiter)
	}

	typeLimit, exists := rl.config.TypeLimits[msgType]
	if !exists {
		return nil
	}

	perSecond := float64(typeLimit.PerMinute) / 60.0
	limiter := rate.NewLimiter(rate.Limit(perSecond), typeLimit.Burst)
	actual, _ := rl.peerTypeLimiters.LoadOrStore(key, limiter)
	return actual.(*rate.Limiter)
}

func (rl *RateLimiter) recordDrop(peer string, msgType MessageType) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.dropped[peer]++
	rl.droppedByType[msgType]++
}

// RemovePeer cleans up limiters for a disconnected peer
func (rl *RateLimiter) RemovePeer(peer string) {
	rl.peerLimiters.Delete(peer)
	for msgType := range rl.config.TypeLimits {
		rl.peerTypeLimiters.Delete(peer + ":" + string(msgType))
	}
}

// RateLimitStats holds rate limiting statistics
type RateLimitStats struct {
	TotalDropped  int64
	DroppedByPeer map[string]int64
	DroppedByType map[MessageType]int64
}

// Stats returns rate limiting statistics
func (rl *RateLimiter) Stats() RateLimitStats {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	stats := RateLimitStats{
		DroppedByPeer: make(map[string]int64),
		DroppedByType: make(map[MessageType]int64),
	}
	for k, v := range rl.dropped {
		stats.DroppedByPeer[k] = v
		stats.TotalDropped += v
	}
	for k, v := range rl.droppedByType {
		stats.DroppedByType[k] = v
	}
	return stats
}
