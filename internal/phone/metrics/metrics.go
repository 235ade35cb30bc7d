// Package metrics exports Prometheus collectors fed from the phone event
// stream.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sebas/webphone/internal/phone/events"
)

// Config configures a Collector.
type Config struct {
	// Namespace prefixes every metric name.
	Namespace string
	// Registry receives the collectors. A private registry is created when
	// nil.
	Registry *prometheus.Registry
}

// DefaultConfig returns the configuration used by the demo binary.
func DefaultConfig() Config {
	return Config{Namespace: "webphone"}
}

// Collector turns events into metrics. Its Listener is safe to subscribe
// to a dispatcher.
type Collector struct {
	registry *prometheus.Registry

	eventsTotal   *prometheus.CounterVec
	callsActive   prometheus.Gauge
	callDuration  prometheus.Histogram
	registered    prometheus.Gauge
	messagesTotal *prometheus.CounterVec

	mu    sync.Mutex
	calls map[string]time.Time
}

// New creates a collector and registers its metrics.
func New(cfg Config) *Collector {
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	ns := cfg.Namespace

	return &Collector{
		registry: reg,
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "events_total",
			Help:      "Application events emitted, by source and type",
		}, []string{"source", "type"}),
		callsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "calls_active",
			Help:      "Calls not yet closed",
		}),
		callDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "call_duration_seconds",
			Help:      "Time from the first event of a call to closed",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 900, 1800, 3600},
		}),
		registered: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "registered",
			Help:      "1 while the registration is active",
		}),
		messagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "messages_total",
			Help:      "MESSAGE outcomes by result",
		}, []string{"result"}),
		calls: make(map[string]time.Time),
	}
}

// Registry returns the registry holding the collectors.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Listener returns the events listener that feeds the collector.
func (c *Collector) Listener() events.Listener {
	return c.Observe
}

// Observe records one event.
func (c *Collector) Observe(e events.Event) {
	c.eventsTotal.WithLabelValues(string(e.Source), string(e.Type)).Inc()

	switch e.Source {
	case events.SourceRegistration:
		switch e.Type {
		case events.Opened:
			c.registered.Set(1)
		case events.Closed, events.OpenError:
			c.registered.Set(0)
		}
	case events.SourceCall:
		c.observeCall(e)
	}

	switch e.Type {
	case events.Sent:
		c.messagesTotal.WithLabelValues("sent").Inc()
	case events.SendError:
		c.messagesTotal.WithLabelValues("failed").Inc()
	case events.Received, events.MessageReceived:
		c.messagesTotal.WithLabelValues("received").Inc()
	}
}

func (c *Collector) observeCall(e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start, active := c.calls[e.CallID]
	if e.Type == events.Closed {
		if active {
			delete(c.calls, e.CallID)
			c.callsActive.Dec()
			c.callDuration.Observe(e.Time.Sub(start).Seconds())
		}
		return
	}
	if !active {
		c.calls[e.CallID] = e.Time
		c.callsActive.Inc()
	}
}
