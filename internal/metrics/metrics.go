// Package metrics exposes the relay's Prometheus counters.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ews_relay_messages_received_total",
		Help: "Total number of messages accepted by the SMTP listener",
	})
	DeliverySuccess = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ews_relay_deliveries_total",
		Help: "Total number of messages delivered, by provider",
	}, []string{"provider"})
	DeliveryFailure = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ews_relay_delivery_failures_total",
		Help: "Total number of messages whose delivery failed, by provider",
	}, []string{"provider"})
	RecipientsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ews_relay_recipients_delivered_total",
		Help: "Total number of recipients reported delivered, by provider",
	}, []string{"provider"})
	// Stage is one of create_item, create_attachment, send_item.
	ExchangeStageFailure = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ews_relay_exchange_stage_failures_total",
		Help: "Total number of Exchange operations that failed, by stage",
	}, []string{"stage"})
	AuthFailure = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ews_relay_smtp_auth_failures_total",
		Help: "Total number of rejected SMTP AUTH attempts",
	})
)

func init() {
	prometheus.MustRegister(MessagesReceived)
	prometheus.MustRegister(DeliverySuccess)
	prometheus.MustRegister(DeliveryFailure)
	prometheus.MustRegister(RecipientsDelivered)
	prometheus.MustRegister(ExchangeStageFailure)
	prometheus.MustRegister(AuthFailure)
}

// ObserveDelivery records the result of one provider Send call.
func ObserveDelivery(provider string, recipients int, err error) {
	if err != nil {
		DeliveryFailure.WithLabelValues(provider).Inc()
		return
	}
	DeliverySuccess.WithLabelValues(provider).Inc()
	RecipientsDelivered.WithLabelValues(provider).Add(float64(recipients))
}

// Handler returns the HTTP handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on l until ctx is cancelled.
func Serve(ctx context.Context, l net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics server shutdown error", "error", err)
		}
	}()

	slog.Info("metrics endpoint listening", "addr", l.Addr().String())
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
