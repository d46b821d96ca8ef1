package metrics

import (
	"context"
	"net/http"

	"github.com/park285/cheese-engine-bridge/internal/chess/bridge"
	"github.com/park285/cheese-engine-bridge/internal/chess/uci"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors counts protocol traffic and session lifecycle. It is both a
// bridge.Observer and a bridge.WireObserver.
type Collectors struct {
	registry *prometheus.Registry

	commands      *prometheus.CounterVec
	events        *prometheus.CounterVec
	sessionEvents *prometheus.CounterVec
	searchSeconds prometheus.Histogram
	activeSession prometheus.Gauge
}

func New() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enginebridge_uci_commands_total",
				Help: "UCI commands written to engine contexts.",
			},
			[]string{"command"},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enginebridge_uci_events_total",
				Help: "Lines read from engine contexts by kind.",
			},
			[]string{"kind"},
		),
		sessionEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enginebridge_session_events_total",
				Help: "Session snapshots by event.",
			},
			[]string{"event"},
		),
		searchSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "enginebridge_search_seconds",
			Help:    "Time from go to bestmove.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10},
		}),
		activeSession: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "enginebridge_sessions_active",
			Help: "Sessions with a live engine context.",
		}),
	}
	c.registry.MustRegister(c.commands, c.events, c.sessionEvents, c.searchSeconds, c.activeSession)
	return c
}

func (c *Collectors) Registry() *prometheus.Registry { return c.registry }

func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collectors) CommandSent(cmd uci.Command) {
	c.commands.WithLabelValues(cmd.Name()).Inc()
}

func (c *Collectors) EventReceived(ev uci.Event) {
	c.events.WithLabelValues(ev.Kind.String()).Inc()
}

func (c *Collectors) SessionChanged(_ context.Context, snap bridge.Snapshot) {
	c.sessionEvents.WithLabelValues(string(snap.Event)).Inc()
	switch snap.Event {
	case bridge.EventStarted:
		c.activeSession.Inc()
	case bridge.EventLost, bridge.EventClosed:
		c.activeSession.Dec()
	case bridge.EventMoveApplied, bridge.EventDiscarded:
		if snap.SearchDuration > 0 {
			c.searchSeconds.Observe(snap.SearchDuration.Seconds())
		}
	}
}
