package observability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_jobs_submitted_total",
		Help: "The total number of outbound jobs accepted by the intake API",
	}, []string{"type"})

	OutboxPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_outbox_published_total",
		Help: "Outbox rows relayed to the queue",
	}, []string{"status"}) // status: published, failed

	MessagesConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_messages_total",
		Help: "Queue messages by routing decision",
	}, []string{"decision"}) // decision: ack, requeue, dead_letter

	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_deliveries_total",
		Help: "Per-recipient delivery outcomes",
	}, []string{"mode", "result"})

	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bridge_dispatch_duration_seconds",
		Help:    "Duration of dispatching one job to all of its recipients.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"mode"})

	TransportReady = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_transport_ready",
		Help: "1 while the chat session is ready",
	})

	Inbound = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_inbound_total",
		Help: "Inbound chat events by kind",
	}, []string{"kind"}) // kind: command name, assistant, ignored, call
)

// NewLogger creates a structured logger. format "text" gives a colourised console
// handler; anything else is JSON on stdout.
func NewLogger(level, format string) *slog.Logger {
	return newLogger(os.Stdout, level, format)
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	lvl := ParseLevel(level)
	if strings.EqualFold(format, "text") {
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      lvl,
			TimeFormat: time.DateTime,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if err, ok := a.Value.Any().(error); ok {
					aErr := tint.Err(err)
					aErr.Key = a.Key
					return aErr
				}
				return a
			},
		}))
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// MetricsServer exposes Prometheus metrics on addr until ctx is cancelled.
func MetricsServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
