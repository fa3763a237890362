package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()
	m.IncSubmits()
	m.IncSubmits()
	m.IncSendFailures()
	m.IncReplies("BOT")
	m.IncRealtimeErrors()
	m.IncMalformedFrames()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.submits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sendFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.replies.WithLabelValues("BOT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.realtimeErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.malformedFrames))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncSubmits()
		m.IncSendFailures()
		m.IncReplies("AGENT")
		m.IncRealtimeErrors()
		m.IncMalformedFrames()
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.IncSubmits()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "chatwidget_submits_total 1")
}
