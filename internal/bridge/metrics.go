package bridge

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics holds the bridge counters. Each instance owns its registry so tests
// and multiple services never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	events        *prometheus.CounterVec
	records       *prometheus.CounterVec
	writeErrors   *prometheus.CounterVec
	commands      *prometheus.CounterVec
	deadLettered  *prometheus.CounterVec
	retryPending  prometheus.Gauge
	gatewaysKnown prometheus.Gauge
	nodesKnown    prometheus.Gauge
	ingestQueued  prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshgw",
			Name:      "gateway_events_total",
			Help:      "Gateway events received, by decode result.",
		}, []string{"result"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshgw",
			Name:      "records_written_total",
			Help:      "Records written to Kafka, by topic.",
		}, []string{"topic"}),
		writeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshgw",
			Name:      "record_write_errors_total",
			Help:      "Failed Kafka record writes, by topic.",
		}, []string{"topic"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshgw",
			Name:      "commands_total",
			Help:      "Gateway commands handled, by outcome.",
		}, []string{"outcome"}),
		deadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshgw",
			Name:      "dead_letters_total",
			Help:      "Messages sent to the dead letter topics, by direction.",
		}, []string{"direction"}),
		retryPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshgw",
			Name:      "retry_pending",
			Help:      "Failed messages waiting for a retry.",
		}),
		gatewaysKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshgw",
			Name:      "gateways_known",
			Help:      "Gateways currently tracked in the inventory.",
		}),
		nodesKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshgw",
			Name:      "nodes_known",
			Help:      "Mesh nodes currently tracked in the inventory.",
		}),
		ingestQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshgw",
			Name:      "ingest_queue_length",
			Help:      "Gateway events waiting to be written to Kafka.",
		}),
	}
	m.registry.MustRegister(
		m.events, m.records, m.writeErrors, m.commands,
		m.deadLettered, m.retryPending, m.gatewaysKnown,
		m.nodesKnown, m.ingestQueued,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("listen", addr).Msg("Serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
