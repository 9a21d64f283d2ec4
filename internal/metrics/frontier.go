package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
)

// CountSource reports frontier table sizes.
type CountSource interface {
	Counts(ctx context.Context) (crawler.TableCounts, error)
}

// FrontierCollector reads table sizes from the store on every scrape.
type FrontierCollector struct {
	src     CountSource
	timeout time.Duration
	rows    *prometheus.Desc
	up      *prometheus.Desc
}

// NewFrontierCollector builds a collector; register it with a Registerer.
func NewFrontierCollector(src CountSource, timeout time.Duration) *FrontierCollector {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &FrontierCollector{
		src:     src,
		timeout: timeout,
		rows: prometheus.NewDesc(
			"crawler_frontier_rows",
			"Rows in each frontier table.",
			[]string{"table"}, nil,
		),
		up: prometheus.NewDesc(
			"crawler_store_up",
			"1 when the frontier store answered the last scrape.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *FrontierCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.rows
	ch <- c.up
}

// Collect implements prometheus.Collector.
func (c *FrontierCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	counts, err := c.src.Counts(ctx)
	if err != nil {
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)
	for table, n := range map[crawler.Table]int64{
		crawler.TableVisitedURLs:  counts.VisitedURLs,
		crawler.TableVisitedHosts: counts.VisitedHosts,
		crawler.TablePendingURLs:  counts.PendingURLs,
	} {
		ch <- prometheus.MustNewConstMetric(c.rows, prometheus.GaugeValue, float64(n), string(table))
	}
}
