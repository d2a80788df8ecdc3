package health

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pressline/syndicate/guard"
)

var (
	breakerStateDesc = prometheus.NewDesc(
		"syndicate_channel_breaker_state",
		"Circuit breaker state per channel (0 closed, 1 half-open, 2 open).",
		[]string{"channel"}, nil)
	consecutiveFailuresDesc = prometheus.NewDesc(
		"syndicate_channel_consecutive_failures",
		"Consecutive delivery failures per channel.",
		[]string{"channel"}, nil)
	tokensAvailableDesc = prometheus.NewDesc(
		"syndicate_channel_tokens_available",
		"Rate limiter tokens currently available per channel.",
		[]string{"channel"}, nil)
)

// Collector exports channel health as Prometheus gauges. Register it
// once on a registry and scrape; each scrape takes a fresh snapshot.
type Collector struct {
	reporter *Reporter
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector wraps a Reporter for scraping.
func NewCollector(r *Reporter) *Collector {
	return &Collector{reporter: r}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- breakerStateDesc
	ch <- consecutiveFailuresDesc
	ch <- tokensAvailableDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	report, err := c.reporter.HealthCheck(context.Background())
	if err != nil {
		ch <- prometheus.NewInvalidMetric(breakerStateDesc, err)
		return
	}
	for channelID, h := range report {
		ch <- prometheus.MustNewConstMetric(breakerStateDesc, prometheus.GaugeValue, breakerStateValue(h.BreakerState), channelID)
		ch <- prometheus.MustNewConstMetric(consecutiveFailuresDesc, prometheus.GaugeValue, float64(h.ConsecutiveFailures), channelID)
		ch <- prometheus.MustNewConstMetric(tokensAvailableDesc, prometheus.GaugeValue, h.TokensAvailable, channelID)
	}
}

func breakerStateValue(s guard.State) float64 {
	switch s {
	case guard.StateHalfOpen:
		return 1
	case guard.StateOpen:
		return 2
	default:
		return 0
	}
}
