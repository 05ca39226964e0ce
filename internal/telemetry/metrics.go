// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	ConnectAttempts   *prometheus.CounterVec // platform, result
	RetriesScheduled  *prometheus.CounterVec // platform
	TerminalFailures  *prometheus.CounterVec // platform
	ChatMessages      *prometheus.CounterVec // platform
	Alerts            *prometheus.CounterVec // platform, type
	DroppedFrames     *prometheus.CounterVec // platform
	DeliveriesDropped prometheus.Counter

	// Histograms (seconds)
	ConnectDuration *prometheus.HistogramVec // platform

	// Gauges
	ClientsGauge  prometheus.Gauge
	SessionsGauge *prometheus.GaugeVec // platform
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		ConnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{Name: "multichat_connect_attempts_total", Help: "Upstream connection attempts by result"}, []string{"platform", "result"})
		RetriesScheduled = promauto.NewCounterVec(prometheus.CounterOpts{Name: "multichat_retries_scheduled_total", Help: "Automatic reconnection attempts scheduled"}, []string{"platform"})
		TerminalFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "multichat_terminal_failures_total", Help: "Connections given up after exhausting retries or a fatal error"}, []string{"platform"})
		ChatMessages = promauto.NewCounterVec(prometheus.CounterOpts{Name: "multichat_chat_messages_total", Help: "Normalized chat messages forwarded"}, []string{"platform"})
		Alerts = promauto.NewCounterVec(prometheus.CounterOpts{Name: "multichat_alerts_total", Help: "Subscription and gift alerts forwarded"}, []string{"platform", "type"})
		DroppedFrames = promauto.NewCounterVec(prometheus.CounterOpts{Name: "multichat_dropped_frames_total", Help: "Upstream frames dropped as malformed or invalid"}, []string{"platform"})
		DeliveriesDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "multichat_deliveries_dropped_total", Help: "Client frames dropped because the send buffer was full"})
		ConnectDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "multichat_connect_duration_seconds", Help: "Upstream connect handshake duration", Buckets: prometheus.DefBuckets}, []string{"platform"})
		ClientsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "multichat_clients", Help: "Connected front-end clients"})
		SessionsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "multichat_upstream_sessions", Help: "Live upstream sessions"}, []string{"platform"})
	})
}

// ObserveConnect records the outcome and duration of one connection attempt.
func ObserveConnect(platform, result string, seconds float64) {
	if ConnectAttempts != nil {
		ConnectAttempts.WithLabelValues(platform, result).Inc()
	}
	if ConnectDuration != nil {
		ConnectDuration.WithLabelValues(platform).Observe(seconds)
	}
}

// IncRetryScheduled counts a scheduled automatic retry.
func IncRetryScheduled(platform string) {
	if RetriesScheduled != nil {
		RetriesScheduled.WithLabelValues(platform).Inc()
	}
}

// IncTerminalFailure counts a connection that will not be retried.
func IncTerminalFailure(platform string) {
	if TerminalFailures != nil {
		TerminalFailures.WithLabelValues(platform).Inc()
	}
}

// IncChat counts a forwarded chat message.
func IncChat(platform string) {
	if ChatMessages != nil {
		ChatMessages.WithLabelValues(platform).Inc()
	}
}

// IncAlert counts a forwarded alert.
func IncAlert(platform, kind string) {
	if Alerts != nil {
		Alerts.WithLabelValues(platform, kind).Inc()
	}
}

// IncDroppedFrame counts an upstream frame that was discarded.
func IncDroppedFrame(platform string) {
	if DroppedFrames != nil {
		DroppedFrames.WithLabelValues(platform).Inc()
	}
}

// IncDeliveryDropped counts a frame not queued to a slow client.
func IncDeliveryDropped() {
	if DeliveriesDropped != nil {
		DeliveriesDropped.Inc()
	}
}

// SetClients records the number of connected clients.
func SetClients(n int) {
	if ClientsGauge != nil {
		ClientsGauge.Set(float64(n))
	}
}

// AddSessions adjusts the live session gauge for a platform.
func AddSessions(platform string, delta float64) {
	if SessionsGauge != nil {
		SessionsGauge.WithLabelValues(platform).Add(delta)
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
