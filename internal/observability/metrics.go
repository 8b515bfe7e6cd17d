package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_chat_active_sessions",
		Help: "Number of open chat sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_chat_sessions_total",
		Help: "Total number of chat sessions opened",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_chat_session_duration_seconds",
		Help:    "Duration of chat sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	})

	// Voice state machine metrics
	stateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_chat_state_transitions_total",
		Help: "Voice state transitions by source and destination state",
	}, []string{"from", "to"})

	utterances = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_chat_utterances_total",
		Help: "Utterances handed to the conversation",
	}, []string{"source"}) // source: "speech" or "text"

	discardedUtterances = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_chat_utterances_discarded_total",
		Help: "Utterances that never reached the conversation",
	}, []string{"reason"}) // reason: "empty" or "duplicate"

	recognitionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_chat_recognition_errors_total",
		Help: "Recognition failures reported by the speech provider",
	}, []string{"provider"})

	recognitionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_chat_recognition_seconds",
		Help:    "Time from listening start to final transcript in seconds",
		Buckets: []float64{0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0},
	})

	// Responder metrics
	responderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_chat_responder_requests_total",
		Help: "Total number of responder requests",
	}, []string{"mode", "status"})

	replyLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_chat_reply_latency_seconds",
		Help:    "Time from user message to assistant reply in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_chat_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_chat_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_chat_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_chat_audio_bytes_total",
		Help: "Total audio bytes received from clients",
	}, []string{"provider"})
)

// SessionMetrics tracks metrics for a single chat session
type SessionMetrics struct {
	sessionID   string
	startTime   time.Time
	listenStart time.Time
	provider    string
	mu          sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID, provider string) *SessionMetrics {
	return &SessionMetrics{
		sessionID: sessionID,
		provider:  provider,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *SessionMetrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session
func (m *SessionMetrics) RecordSessionEnd() {
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordTransition counts a state change; self-transitions are ignored
func (m *SessionMetrics) RecordTransition(from, to string) {
	if from == to {
		return
	}
	stateTransitions.WithLabelValues(from, to).Inc()
}

// RecordListeningStart marks the start of a recognition cycle
func (m *SessionMetrics) RecordListeningStart() {
	m.mu.Lock()
	m.listenStart = time.Now()
	m.mu.Unlock()
}

// RecordUtterance records a finalized utterance
func (m *SessionMetrics) RecordUtterance(source string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if source == "speech" && !m.listenStart.IsZero() {
		recognitionLatency.Observe(time.Since(m.listenStart).Seconds())
		m.listenStart = time.Time{}
	}
	utterances.WithLabelValues(source).Inc()
}

// RecordDiscarded records an utterance that was dropped before the conversation
func (m *SessionMetrics) RecordDiscarded(reason string) {
	discardedUtterances.WithLabelValues(reason).Inc()
}

// RecordRecognitionError records a provider failure
func (m *SessionMetrics) RecordRecognitionError() {
	recognitionErrors.WithLabelValues(m.provider).Inc()
}

// RecordAudioBytes records audio bytes received from the client
func (m *SessionMetrics) RecordAudioBytes(bytes int64) {
	audioBytesProcessed.WithLabelValues(m.provider).Add(float64(bytes))
}

// RecordError records an error
func (m *SessionMetrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordReply records a completed assistant reply
func RecordReply(latency time.Duration) {
	replyLatency.Observe(latency.Seconds())
}

// RecordResponderRequest records a responder call outcome
func RecordResponderRequest(mode string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	responderRequests.WithLabelValues(mode, status).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
