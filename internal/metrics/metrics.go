package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cadence_sessions_active",
		Help: "Number of running ingestion sessions",
	})

	bufferDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cadence_buffer_depth_frames",
		Help: "Decoded units queued per stream, in output frames",
	}, []string{"session_id", "stream"})

	inputFPS = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cadence_input_fps",
		Help: "Measured or forced input frame rate",
	}, []string{"session_id"})

	lateFrames = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cadence_late_frames",
		Help: "Pending video frame duplications",
	}, []string{"session_id"})

	receiveCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadence_receive_calls_total",
		Help: "Frames requested from a session by caller",
	}, []string{"session_id", "source"})

	emptyFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadence_empty_frames_total",
		Help: "Frames returned without fresh content",
	}, []string{"session_id"})

	desyncCorrections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadence_desync_corrections_total",
		Help: "Audio/video desync corrections by action",
	}, []string{"session_id", "action"})

	framesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadence_frames_dropped_total",
		Help: "Output frames skipped while draining an overflow",
	}, []string{"session_id"})

	overflowEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadence_overflow_events_total",
		Help: "Times drop mode was engaged",
	}, []string{"session_id"})

	decodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadence_decode_errors_total",
		Help: "Read or decode failures per stream",
	}, []string{"session_id", "stream"})

	// Drift corrector metrics
	driftLatency = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cadence_drift_latency_samples",
		Help: "Drift corrector latency estimate in samples",
	}, []string{"session_id"})

	driftTempo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cadence_drift_tempo",
		Help: "Tempo applied to the last audio chunk",
	}, []string{"session_id"})

	// Process metrics
	processWorking = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cadence_process_working",
		Help: "1 while the external decoder is connected",
	}, []string{"session_id"})

	processRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadence_process_restarts_total",
		Help: "External decoder launches",
	}, []string{"session_id"})

	handshakeTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadence_handshake_timeouts_total",
		Help: "Pipe handshakes that did not complete in time",
	}, []string{"session_id"})

	missedPackets = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cadence_missed_packets",
		Help: "Missed RTP packets reported by the decoder",
	}, []string{"session_id"})

	cacheFullness = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cadence_cache_fullness_percent",
		Help: "Decoder input cache fill level",
	}, []string{"session_id"})

	// Debug metrics
	goroutinesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "debug_goroutines_created_total",
		Help: "Total number of goroutines created",
	}, []string{"component"})

	goroutinesDestroyed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "debug_goroutines_destroyed_total",
		Help: "Total number of goroutines destroyed",
	}, []string{"component"})

	activeGoroutines = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "debug_goroutines_active",
		Help: "Number of active goroutines",
	}, []string{"component"})
)

// SetActiveSessions sets the number of running sessions
func SetActiveSessions(count int) {
	sessionsActive.Set(float64(count))
}

// SetBufferDepth records queue depth for "video" or "audio"
func SetBufferDepth(sessionID, stream string, frames float64) {
	bufferDepth.WithLabelValues(sessionID, stream).Set(frames)
}

func SetInputFPS(sessionID string, fps float64) {
	inputFPS.WithLabelValues(sessionID).Set(fps)
}

func SetLateFrames(sessionID string, n int) {
	lateFrames.WithLabelValues(sessionID).Set(float64(n))
}

// IncrementReceiveCalls counts one frame request; source is "external" or
// "keepalive".
func IncrementReceiveCalls(sessionID, source string) {
	receiveCalls.WithLabelValues(sessionID, source).Inc()
}

func IncrementEmptyFrames(sessionID string) {
	emptyFrames.WithLabelValues(sessionID).Inc()
}

func IncrementDesyncCorrection(sessionID, action string) {
	desyncCorrections.WithLabelValues(sessionID, action).Inc()
}

func IncrementFramesDropped(sessionID string) {
	framesDropped.WithLabelValues(sessionID).Inc()
}

func IncrementOverflowEvents(sessionID string) {
	overflowEvents.WithLabelValues(sessionID).Inc()
}

func IncrementDecodeErrors(sessionID, stream string) {
	decodeErrors.WithLabelValues(sessionID, stream).Inc()
}

// SetDriftState records the corrector latency and tempo
func SetDriftState(sessionID string, latency int, tempo float64) {
	driftLatency.WithLabelValues(sessionID).Set(float64(latency))
	driftTempo.WithLabelValues(sessionID).Set(tempo)
}

func SetProcessWorking(sessionID string, working bool) {
	v := 0.0
	if working {
		v = 1
	}
	processWorking.WithLabelValues(sessionID).Set(v)
}

func IncrementProcessRestarts(sessionID string) {
	processRestarts.WithLabelValues(sessionID).Inc()
}

func IncrementHandshakeTimeouts(sessionID string) {
	handshakeTimeouts.WithLabelValues(sessionID).Inc()
}

func SetMissedPackets(sessionID string, n int64) {
	missedPackets.WithLabelValues(sessionID).Set(float64(n))
}

func SetCacheFullness(sessionID string, percent float64) {
	cacheFullness.WithLabelValues(sessionID).Set(percent)
}

// RemoveSession deletes every series labelled with sessionID
func RemoveSession(sessionID string) {
	labels := prometheus.Labels{"session_id": sessionID}
	for _, vec := range []interface {
		DeletePartialMatch(prometheus.Labels) int
	}{
		bufferDepth, inputFPS, lateFrames, receiveCalls, emptyFrames,
		desyncCorrections, framesDropped, overflowEvents, decodeErrors,
		driftLatency, driftTempo, processWorking, processRestarts,
		handshakeTimeouts, missedPackets, cacheFullness,
	} {
		vec.DeletePartialMatch(labels)
	}
}

// Debug metrics functions

// IncrementGoroutineCreated increments the goroutine creation counter
func IncrementGoroutineCreated(component string) {
	goroutinesCreated.WithLabelValues(component).Inc()
	activeGoroutines.WithLabelValues(component).Inc()
}

// IncrementGoroutineDestroyed increments the goroutine destruction counter
func IncrementGoroutineDestroyed(component string) {
	goroutinesDestroyed.WithLabelValues(component).Inc()
	activeGoroutines.WithLabelValues(component).Dec()
}
