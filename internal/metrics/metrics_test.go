package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionGauges(t *testing.T) {
	id := "gauge-session"

	SetBufferDepth(id, "video", 12.5)
	SetBufferDepth(id, "audio", 11)
	SetInputFPS(id, 29.97)
	SetLateFrames(id, 3)
	SetDriftState(id, -120, 1.3125)
	SetProcessWorking(id, true)
	SetMissedPackets(id, 42)
	SetCacheFullness(id, 87)

	assert.Equal(t, 12.5, testutil.ToFloat64(bufferDepth.WithLabelValues(id, "video")))
	assert.Equal(t, 11.0, testutil.ToFloat64(bufferDepth.WithLabelValues(id, "audio")))
	assert.Equal(t, 29.97, testutil.ToFloat64(inputFPS.WithLabelValues(id)))
	assert.Equal(t, 3.0, testutil.ToFloat64(lateFrames.WithLabelValues(id)))
	assert.Equal(t, -120.0, testutil.ToFloat64(driftLatency.WithLabelValues(id)))
	assert.Equal(t, 1.3125, testutil.ToFloat64(driftTempo.WithLabelValues(id)))
	assert.Equal(t, 1.0, testutil.ToFloat64(processWorking.WithLabelValues(id)))
	assert.Equal(t, 42.0, testutil.ToFloat64(missedPackets.WithLabelValues(id)))
	assert.Equal(t, 87.0, testutil.ToFloat64(cacheFullness.WithLabelValues(id)))

	SetProcessWorking(id, false)
	assert.Equal(t, 0.0, testutil.ToFloat64(processWorking.WithLabelValues(id)))
}

func TestSessionCounters(t *testing.T) {
	id := "counter-session"

	IncrementReceiveCalls(id, "external")
	IncrementReceiveCalls(id, "external")
	IncrementReceiveCalls(id, "keepalive")
	IncrementEmptyFrames(id)
	IncrementDesyncCorrection(id, "discard_video")
	IncrementFramesDropped(id)
	IncrementOverflowEvents(id)
	IncrementDecodeErrors(id, "audio")
	IncrementProcessRestarts(id)
	IncrementHandshakeTimeouts(id)

	assert.Equal(t, 2.0, testutil.ToFloat64(receiveCalls.WithLabelValues(id, "external")))
	assert.Equal(t, 1.0, testutil.ToFloat64(receiveCalls.WithLabelValues(id, "keepalive")))
	assert.Equal(t, 1.0, testutil.ToFloat64(emptyFrames.WithLabelValues(id)))
	assert.Equal(t, 1.0, testutil.ToFloat64(desyncCorrections.WithLabelValues(id, "discard_video")))
	assert.Equal(t, 1.0, testutil.ToFloat64(framesDropped.WithLabelValues(id)))
	assert.Equal(t, 1.0, testutil.ToFloat64(overflowEvents.WithLabelValues(id)))
	assert.Equal(t, 1.0, testutil.ToFloat64(decodeErrors.WithLabelValues(id, "audio")))
	assert.Equal(t, 1.0, testutil.ToFloat64(processRestarts.WithLabelValues(id)))
	assert.Equal(t, 1.0, testutil.ToFloat64(handshakeTimeouts.WithLabelValues(id)))
}

func TestRemoveSession(t *testing.T) {
	id := "removed-session"
	other := "kept-session"

	SetBufferDepth(id, "video", 5)
	IncrementReceiveCalls(id, "external")
	SetBufferDepth(other, "video", 7)

	RemoveSession(id)

	// Reading a removed series recreates it from zero.
	assert.Equal(t, 0.0, testutil.ToFloat64(bufferDepth.WithLabelValues(id, "video")))
	assert.Equal(t, 0.0, testutil.ToFloat64(receiveCalls.WithLabelValues(id, "external")))
	assert.Equal(t, 7.0, testutil.ToFloat64(bufferDepth.WithLabelValues(other, "video")))
}

func TestActiveSessions(t *testing.T) {
	SetActiveSessions(3)

	m := &dto.Metric{}
	require.NoError(t, sessionsActive.Write(m))
	assert.Equal(t, 3.0, m.GetGauge().GetValue())
}

func TestGoroutineMetrics(t *testing.T) {
	component := "test-worker"
	before := testutil.ToFloat64(activeGoroutines.WithLabelValues(component))

	IncrementGoroutineCreated(component)
	IncrementGoroutineCreated(component)
	IncrementGoroutineDestroyed(component)

	assert.Equal(t, before+1, testutil.ToFloat64(activeGoroutines.WithLabelValues(component)))
	assert.Equal(t, 1.0, testutil.ToFloat64(goroutinesDestroyed.WithLabelValues(component)))
}
