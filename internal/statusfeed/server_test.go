package statusfeed

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cnote.dev/go/cnote/internal/coordinator"
	"cnote.dev/go/cnote/internal/logging"
)

type fakeSource struct {
	status  coordinator.Status
	updates chan coordinator.Status
	metrics *coordinator.Metrics
}

func newFakeSource(st coordinator.Status) *fakeSource {
	f := &fakeSource{
		status:  st,
		updates: make(chan coordinator.Status, 8),
		metrics: coordinator.NewMetrics(),
	}
	f.updates <- st
	return f
}

func (f *fakeSource) Status() coordinator.Status { return f.status }

func (f *fakeSource) Subscribe() (<-chan coordinator.Status, func()) {
	return f.updates, func() {}
}

func (f *fakeSource) Metrics() *coordinator.Metrics { return f.metrics }

func startServer(t *testing.T, src Source, logs *logging.Buffer) *Server {
	t.Helper()
	s := NewServer("127.0.0.1:0", src, logs, nil)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)
	return s
}

type frame struct {
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestWebSocketStreamsStatus(t *testing.T) {
	src := newFakeSource(coordinator.Status{Stage: coordinator.StageWaitingData, Progress: 0.5})
	s := startServer(t, src, nil)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	first := readFrame(t, conn)
	assert.Equal(t, EventStatus, first.Event)
	assert.Equal(t, "waiting_data", first.Payload["stage"])

	src.updates <- coordinator.Status{Stage: coordinator.StageCompleted, Progress: 1}
	for {
		f := readFrame(t, conn)
		if f.Payload["stage"] == "waiting_data" {
			continue
		}
		assert.Equal(t, "completed", f.Payload["stage"])
		assert.Equal(t, 1.0, f.Payload["progress"])
		break
	}
}

func TestStatusEndpoint(t *testing.T) {
	src := newFakeSource(coordinator.Status{Stage: coordinator.StageFailed, Error: "sync protocol timed out"})
	s := startServer(t, src, nil)

	resp, err := http.Get("http://" + s.Addr() + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "failed", body["stage"])
	assert.Equal(t, "sync protocol timed out", body["error"])

	post, err := http.Post("http://"+s.Addr()+"/api/status", "application/json", nil)
	require.NoError(t, err)
	post.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, post.StatusCode)
}

func TestMetricsAndLogsEndpoints(t *testing.T) {
	src := newFakeSource(coordinator.Status{})
	logs := logging.NewBuffer(10)
	logs.Add(logging.Entry{Timestamp: time.Now(), Level: "INFO", Message: "started"})
	logs.Add(logging.Entry{Timestamp: time.Now(), Level: "WARN", Message: "dropped malformed message"})
	s := startServer(t, src, logs)

	resp, err := http.Get("http://" + s.Addr() + "/api/metrics")
	require.NoError(t, err)
	var snap map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	resp.Body.Close()
	assert.Contains(t, snap, "counters")

	resp, err = http.Get("http://" + s.Addr() + "/api/logs?level=WARN")
	require.NoError(t, err)
	var logBody struct {
		Entries []logging.Entry `json:"entries"`
		Total   int             `json:"total"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&logBody))
	resp.Body.Close()
	require.Len(t, logBody.Entries, 1)
	assert.Equal(t, "dropped malformed message", logBody.Entries[0].Message)
	assert.Equal(t, 2, logBody.Total)
}

func TestLogsWithoutBuffer(t *testing.T) {
	s := startServer(t, newFakeSource(coordinator.Status{}), nil)

	resp, err := http.Get("http://" + s.Addr() + "/api/logs")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStopIsIdempotent(t *testing.T) {
	s := NewServer("127.0.0.1:0", newFakeSource(coordinator.Status{}), nil, nil)
	s.Stop()
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
	s.Stop()
}
