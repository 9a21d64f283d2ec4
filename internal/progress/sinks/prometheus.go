package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/polite-crawler/internal/progress"
)

// PrometheusSink exports crawl progress as Prometheus collectors.
type PrometheusSink struct {
	fetches       *prometheus.CounterVec
	fetchBytes    prometheus.Counter
	fetchDuration *prometheus.HistogramVec
	pagesSaved    *prometheus.CounterVec
	linksOffered  prometheus.Counter
	enqueued      *prometheus.CounterVec
	running       prometheus.Gauge
}

// NewPrometheusSink registers the collectors against reg (the default
// registerer when nil).
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_fetches_total",
			Help: "Fetch attempts partitioned by outcome and status class.",
		}, []string{"outcome", "status_class"}),
		fetchBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_fetch_bytes_total",
			Help: "Response body bytes written to data files.",
		}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_fetch_duration_seconds",
			Help:    "Fetch duration including redirects, partitioned by outcome.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"outcome"}),
		pagesSaved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_pages_saved_total",
			Help: "Data files saved, partitioned by whether they were processable.",
		}, []string{"processable"}),
		linksOffered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_links_offered_total",
			Help: "Links offered to the frontier by the extractor.",
		}),
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_frontier_enqueue_total",
			Help: "Frontier admissions partitioned by result.",
		}, []string{"result"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_running",
			Help: "1 while the crawl loop is running.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		s.fetches,
		s.fetchBytes,
		s.fetchDuration,
		s.pagesSaved,
		s.linksOffered,
		s.enqueued,
		s.running,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageCrawlStart:
			s.running.Set(1)
		case progress.StageCrawlStop:
			s.running.Set(0)
		case progress.StageEnqueue:
			s.enqueued.WithLabelValues(evt.Outcome).Inc()
		case progress.StageFetchDone:
			class := evt.StatusClass
			if class == "" {
				class = progress.StatusOther
			}
			s.fetches.WithLabelValues(evt.Outcome, string(class)).Inc()
			if evt.Dur > 0 {
				s.fetchDuration.WithLabelValues(evt.Outcome).Observe(evt.Dur.Seconds())
			}
		case progress.StagePageSaved:
			s.pagesSaved.WithLabelValues(fmt.Sprint(evt.Processable)).Inc()
			if evt.Bytes > 0 {
				s.fetchBytes.Add(float64(evt.Bytes))
			}
		case progress.StageExtracted:
			if evt.Links > 0 {
				s.linksOffered.Add(float64(evt.Links))
			}
		}
	}
	return nil
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
