// Package metrics holds the prometheus collectors shared by the
// workers and serves them over http.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DeliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mta_queue_delivery_attempts_total",
			Help: "Delivery attempts made by the outbound queue.",
		},
		[]string{
			"result", // "sent", "retrying", "failed"
		},
	)
	DeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mta_queue_delivery_duration_seconds",
			Help:    "Duration of a single delivery attempt across all exchangers.",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
	)
	ExchangerFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mta_delivery_exchanger_failures_total",
			Help: "Mail exchangers that could not take a message.",
		},
	)
	UnsignedMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mta_dkim_unsigned_total",
			Help: "Messages sent without a DKIM signature.",
		},
	)
	InboundRecipients = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mta_inbound_recipients_total",
			Help: "Recipients offered by remote servers.",
		},
		[]string{
			"decision", // "accepted", "rejected", "error", "dropped"
		},
	)
	ForwardedMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mta_inbound_forwarded_total",
			Help: "Messages queued for forwarding.",
		},
	)
	DNSChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mta_verify_checks_total",
			Help: "DNS health checks run by the verifier.",
		},
		[]string{
			"check",  // "spf", "dkim", "dmarc", "mx"
			"result", // "pass", "fail"
		},
	)
)

// Serves the metrics on addr until the context is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdown)
	}()

	slog.Info("serving metrics", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func Result(pass bool) string {
	if pass {
		return "pass"
	}
	return "fail"
}
