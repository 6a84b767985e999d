// Package metrics exposes l3roamd's Prometheus instrumentation: counters
// for the claim/info/seek gossip traffic, packet buffering, and client IP
// state transitions, plus the HTTP server that serves them.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/validate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config controls whether and where the metrics HTTP endpoint listens.
type Config struct {
	Enabled  bool   `yaml:"enabled"`
	BindHost string `yaml:"bind_host"`
	BindPort int    `yaml:"bind_port"`
}

// type check
var _ validate.Interface = (*Config)(nil)

// Validate implements the [validate.Interface] interface for *Config. A
// disabled metrics endpoint needs no further checks.
func (c *Config) Validate() (err error) {
	switch {
	case c == nil:
		return errors.ErrNoValue
	case !c.Enabled:
		return nil
	}

	return validate.NotEmpty("c.BindHost", c.BindHost)
}

// Metrics holds every Prometheus collector l3roamd registers.
type Metrics struct {
	cfg Config
	mux *http.ServeMux

	ClaimsSent       prometheus.Counter
	ClaimsReceived   prometheus.Counter
	SeeksSent        *prometheus.CounterVec
	SeeksReceived    prometheus.Counter
	PacketsBuffered  prometheus.Counter
	PacketsDropped   prometheus.Counter
	PendingSeeks     prometheus.Gauge
	StateTransitions *prometheus.CounterVec
	KnownClients     prometheus.Gauge
}

// New builds l3roamd's metrics against their own registry, so constructing
// more than one Metrics (as tests do) never collides with global state.
func New(cfg Config) (m *Metrics) {
	const namespace = "l3roamd"

	registry := prometheus.NewRegistry()

	m = &Metrics{
		cfg: cfg,
		ClaimsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "intercom",
			Name:      "claims_sent_total",
			Help:      "Claims broadcast to peers for a newly observed client.",
		}),
		ClaimsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "intercom",
			Name:      "claims_received_total",
			Help:      "Claims received from peers.",
		}),
		SeeksSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ipmgr",
			Name:      "seeks_sent_total",
			Help:      "Discovery probes sent while resolving an unknown destination.",
		}, []string{"kind"}),
		SeeksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "intercom",
			Name:      "seeks_received_total",
			Help:      "Seek requests received from peers.",
		}),
		PacketsBuffered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ipmgr",
			Name:      "packets_buffered_total",
			Help:      "Packets buffered for a destination with no known route.",
		}),
		PacketsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ipmgr",
			Name:      "packets_dropped_total",
			Help:      "Buffered packets dropped after exceeding the packet timeout.",
		}),
		PendingSeeks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ipmgr",
			Name:      "pending_seeks",
			Help:      "Destinations currently being sought.",
		}),
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ipstate",
			Name:      "transitions_total",
			Help:      "Client IP state transitions by origin and destination state.",
		}, []string{"from", "to"}),
		KnownClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "clientmgr",
			Name:      "known_clients",
			Help:      "Currently-live client count.",
		}),
	}

	registry.MustRegister(
		m.ClaimsSent, m.ClaimsReceived, m.SeeksSent, m.SeeksReceived,
		m.PacketsBuffered, m.PacketsDropped, m.PendingSeeks, m.StateTransitions, m.KnownClients,
	)

	if cfg.Enabled {
		m.mux = http.NewServeMux()
		m.mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	return m
}

// Serve runs the metrics HTTP server until ctx is canceled. A no-op if
// metrics are disabled.
func (m *Metrics) Serve(ctx context.Context, logger *slog.Logger) {
	if !m.cfg.Enabled {
		return
	}

	addr := net.JoinHostPort(m.cfg.BindHost, strconv.Itoa(m.cfg.BindPort))
	srv := &http.Server{Addr: addr, Handler: m.mux}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.ErrorContext(ctx, "metrics server shutdown failed", "err", err)
		}
	}()

	logger.InfoContext(ctx, "serving metrics", "addr", addr)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.ErrorContext(ctx, "metrics server failed", "err", fmt.Errorf("listening on %s: %w", addr, err))
	}
}
