package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLimits() *ConnLimitConfig {
	return &ConnLimitConfig{
		MaxConnections:      4,
		ConnectionsPerSec:   1000,
		ConnectionBurst:     1000,
		MaxConnectionsPerIP: 2,
		HandshakeTimeout:    time.Second,
		MaxFailuresPerIP:    3,
		FailureWindow:       time.Minute,
		BlockDuration:       time.Minute,
	}
}

func tcpAddr(ip string) net.Addr {
	return &net.TCPAddr{IP: net.ParseIP(ip), Port: 40000}
}

func TestConnLimiterPerIP(t *testing.T) {
	cl := NewConnLimiter(testLimits(), nil)
	a := tcpAddr("192.168.1.10")

	require.NoError(t, cl.Allow(a))
	require.NoError(t, cl.Allow(a))
	assert.ErrorIs(t, cl.Allow(a), ErrTooManyConns)

	// other hosts are unaffected
	assert.NoError(t, cl.Allow(tcpAddr("192.168.1.11")))

	cl.Release(a)
	assert.NoError(t, cl.Allow(a))
	assert.Equal(t, 3, cl.Open())
}

func TestConnLimiterGlobal(t *testing.T) {
	cl := NewConnLimiter(testLimits(), nil)
	for i, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4"} {
		require.NoError(t, cl.Allow(tcpAddr(ip)), "connection %d", i)
	}
	assert.ErrorIs(t, cl.Allow(tcpAddr("10.0.0.5")), ErrTooManyConns)
}

func TestConnLimiterRate(t *testing.T) {
	cfg := testLimits()
	cfg.ConnectionsPerSec = 1
	cfg.ConnectionBurst = 2
	cl := NewConnLimiter(cfg, nil)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cl.now = func() time.Time { return now }

	require.NoError(t, cl.Allow(tcpAddr("10.0.0.1")))
	require.NoError(t, cl.Allow(tcpAddr("10.0.0.2")))
	assert.ErrorIs(t, cl.Allow(tcpAddr("10.0.0.3")), ErrConnRateLimited)

	now = now.Add(time.Second)
	assert.NoError(t, cl.Allow(tcpAddr("10.0.0.3")))
}

func TestConnLimiterFailureBlocking(t *testing.T) {
	cl := NewConnLimiter(testLimits(), nil)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cl.now = func() time.Time { return now }
	a := tcpAddr("192.168.1.20")

	cl.RecordFailure(a)
	cl.RecordFailure(a)
	require.NoError(t, cl.Allow(a))
	cl.Release(a)

	cl.RecordFailure(a)
	assert.ErrorIs(t, cl.Allow(a), ErrAddrBlocked)

	now = now.Add(time.Minute + time.Second)
	assert.NoError(t, cl.Allow(a))
}

func TestConnLimiterFailuresExpire(t *testing.T) {
	cl := NewConnLimiter(testLimits(), nil)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cl.now = func() time.Time { return now }
	a := tcpAddr("192.168.1.30")

	cl.RecordFailure(a)
	cl.RecordFailure(a)
	now = now.Add(2 * time.Minute)
	cl.RecordFailure(a)

	assert.NoError(t, cl.Allow(a), "failures outside the window are forgotten")
}

func TestLimitedConnReleasesOnce(t *testing.T) {
	cl := NewConnLimiter(testLimits(), nil)
	server, client := net.Pipe()
	defer client.Close()

	// net.Pipe addresses are not host:port
	require.NoError(t, cl.Allow(server.RemoteAddr()))
	c := &limitedConn{Conn: server, limiter: cl}
	c.Close()
	c.Close()
	assert.Equal(t, 0, cl.Open())
}

func TestLANRejectsOverLimit(t *testing.T) {
	cfg := testLimits()
	cfg.MaxConnectionsPerIP = 1
	cfg.HandshakeTimeout = 10 * time.Second
	l := NewLAN(LANConfig{Limits: cfg})
	defer l.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go l.acceptLoop(ln)
	defer ln.Close()

	first, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer first.Close()
	require.Eventually(t, func() bool { return l.limiter.Open() == 1 }, 2*time.Second, 10*time.Millisecond)

	second, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = second.Read(make([]byte, 1))
	assert.Error(t, err, "over-limit connection is closed by the listener")
	assert.Equal(t, 1, l.limiter.Open())
}
