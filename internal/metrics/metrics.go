// Package metrics implements Prometheus metrics for NTP exchanges.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/neutrinoguy/timeprobe/internal/exchange"
)

// Exchange result label values
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
)

// Collector holds the exchange metrics registered on one registry.
type Collector struct {
	registry *prometheus.Registry

	// Offset is the last accepted clock offset per server
	Offset *prometheus.GaugeVec

	// Delay is the last accepted round-trip delay per server
	Delay *prometheus.GaugeVec

	// Stratum is the last stratum reported per server
	Stratum *prometheus.GaugeVec

	// Exchanges counts exchanges by server and outcome (ok, rejected or the failing stage)
	Exchanges *prometheus.CounterVec

	// DelayDistribution records every measured delay
	DelayDistribution *prometheus.HistogramVec
}

// New creates a collector on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry registers the exchange metrics on reg.
func NewWithRegistry(reg *prometheus.Registry) *Collector {
	f := promauto.With(reg)
	return &Collector{
		registry: reg,
		Offset: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "timeprobe_offset_seconds",
				Help: "Clock offset of the server relative to the local clock",
			},
			[]string{"server"},
		),
		Delay: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "timeprobe_delay_seconds",
				Help: "Round-trip delay of the last accepted exchange",
			},
			[]string{"server"},
		),
		Stratum: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "timeprobe_stratum",
				Help: "Stratum reported by the server",
			},
			[]string{"server"},
		),
		Exchanges: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "timeprobe_exchanges_total",
				Help: "Total number of exchanges by outcome",
			},
			[]string{"server", "result"},
		),
		DelayDistribution: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "timeprobe_delay_distribution_seconds",
				Help:    "Distribution of measured round-trip delays",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16), // 100µs to ~3.3s
			},
			[]string{"server"},
		),
	}
}

// Registry returns the registry the collector writes to.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Observe records an accepted exchange.
func (c *Collector) Observe(server string, res exchange.Result) {
	c.Offset.WithLabelValues(server).Set(res.Offset)
	c.Delay.WithLabelValues(server).Set(res.Delay)
	c.Stratum.WithLabelValues(server).Set(float64(res.Stratum))
	c.Exchanges.WithLabelValues(server, ResultOK).Inc()
	if res.Delay >= 0 {
		c.DelayDistribution.WithLabelValues(server).Observe(res.Delay)
	}
}

// ObserveRejected records an exchange whose reply failed validation.
func (c *Collector) ObserveRejected(server string) {
	c.Exchanges.WithLabelValues(server, ResultRejected).Inc()
}

// ObserveFailure records an exchange that failed at stage.
func (c *Collector) ObserveFailure(server string, stage exchange.Stage) {
	c.Exchanges.WithLabelValues(server, string(stage)).Inc()
}
