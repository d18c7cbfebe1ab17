package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

type Collector struct {
	reg *prometheus.Registry

	Buses     prometheus.Gauge
	WSClients prometheus.Gauge

	Ticks            prometheus.Counter
	UpdatesEmitted   *prometheus.CounterVec // sink label
	EmitErrors       *prometheus.CounterVec // sink label
	StopArrivals     *prometheus.CounterVec // kind label: intermediate|endpoint
	WSDroppedClients prometheus.Counter

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge

	HTTPRequests *prometheus.CounterVec // route, code labels

	TickDuration    prometheus.Histogram
	PublishDuration prometheus.Histogram

	TickInterval prometheus.Gauge // seconds
}

func NewCollector(buses int, tickInterval time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Buses: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_buses",
			Help: "Number of simulated buses.",
		}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_ws_clients",
			Help: "Number of connected WebSocket viewers.",
		}),
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_ticks_total",
			Help: "Total simulator ticks.",
		}),
		UpdatesEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_updates_emitted_total",
			Help: "Bus updates delivered, by sink.",
		}, []string{"sink"}),
		EmitErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_emit_errors_total",
			Help: "Bus updates a sink failed to take, by sink.",
		}, []string{"sink"}),
		StopArrivals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_stop_arrivals_total",
			Help: "Stops reached by buses.",
		}, []string{"kind"}),
		WSDroppedClients: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_ws_dropped_clients_total",
			Help: "Viewers disconnected for falling behind.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_http_requests_total",
			Help: "HTTP requests served, by route template and status code.",
		}, []string{"route", "code"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_tick_duration_seconds",
			Help:    "Duration of a simulator tick including emission.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		TickInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_tick_interval_seconds",
			Help: "Configured tick interval in seconds.",
		}),
	}

	reg.MustRegister(
		c.Buses, c.WSClients,
		c.Ticks, c.UpdatesEmitted, c.EmitErrors, c.StopArrivals, c.WSDroppedClients,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.HTTPRequests, c.TickDuration, c.PublishDuration,
		c.TickInterval,
	)

	c.Buses.Set(float64(buses))
	c.TickInterval.Set(tickInterval.Seconds())

	return c
}

// TickObserve and the methods below let the collector be handed straight to
// the simulator.
func (c *Collector) TickObserve(d time.Duration) {
	c.Ticks.Inc()
	c.TickDuration.Observe(d.Seconds())
}

func (c *Collector) UpdateEmitted(sink string) { c.UpdatesEmitted.WithLabelValues(sink).Inc() }
func (c *Collector) EmitErrInc(sink string)    { c.EmitErrors.WithLabelValues(sink).Inc() }

func (c *Collector) ArrivalInc(endpoint bool) {
	kind := "intermediate"
	if endpoint {
		kind = "endpoint"
	}
	c.StopArrivals.WithLabelValues(kind).Inc()
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}
