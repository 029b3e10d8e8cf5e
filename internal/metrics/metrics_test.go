package metrics_test

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/toy-chat-client/internal/metrics"
)

func TestMetrics_Counters(t *testing.T) {
	m := metrics.New()

	m.DialStarted()
	m.ConnectionOpened()
	m.FrameReceived("message")
	m.FrameReceived("message")
	m.SendDropped("typing")
	m.FrameDiscarded()
	m.ConnectionLost()
	m.HistoryFetched(nil)
	m.HistoryFetched(errors.New("boom"))

	expected := `
# HELP chatclient_connected 1 while the chat connection is open.
# TYPE chatclient_connected gauge
chatclient_connected 0
# HELP chatclient_frames_received_total Inbound frames dispatched, by type.
# TYPE chatclient_frames_received_total counter
chatclient_frames_received_total{type="message"} 2
# HELP chatclient_sends_dropped_total Outbound frames dropped while disconnected, by type.
# TYPE chatclient_sends_dropped_total counter
chatclient_sends_dropped_total{type="typing"} 1
`
	err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"chatclient_frames_received_total", "chatclient_sends_dropped_total", "chatclient_connected")
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(m.Registry(), "chatclient_history_fetches_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *metrics.Metrics

	assert.NotPanics(t, func() {
		m.DialStarted()
		m.DialFailed()
		m.ConnectionOpened()
		m.ConnectionLost()
		m.ConnectionClosed()
		m.ReconnectFired()
		m.FrameReceived("message")
		m.FrameSent("message")
		m.SendDropped("message")
		m.FrameDiscarded()
		m.HistoryFetched(nil)
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}

func TestMetrics_Handler(t *testing.T) {
	m := metrics.New()
	m.FrameSent("typing")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `chatclient_frames_sent_total{type="typing"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
