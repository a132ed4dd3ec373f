package service

import (
	"github.com/m-mizutani/threatwatch/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsService counts pipeline events in a private registry. The registry
// is written as node-exporter textfile after each run.
type MetricsService struct {
	registry *prometheus.Registry

	FeedFetched     *prometheus.CounterVec
	FeedErrors      *prometheus.CounterVec
	ThreatsRecorded *prometheus.CounterVec
	EnrichLookups   *prometheus.CounterVec
	AlertsSent      *prometheus.CounterVec
	DarkWebPages    *prometheus.CounterVec
}

func NewMetricsService() *MetricsService {
	newCounter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "threatwatch",
			Name:      name,
			Help:      help,
		}, labels)
	}

	x := &MetricsService{
		registry:        prometheus.NewRegistry(),
		FeedFetched:     newCounter("feed_fetched_total", "Number of indicators fetched from feed", "feed"),
		FeedErrors:      newCounter("feed_errors_total", "Number of failed feed fetches", "feed"),
		ThreatsRecorded: newCounter("threats_recorded_total", "Number of recorded threats by result (new or updated)", "result"),
		EnrichLookups:   newCounter("enrich_lookups_total", "Number of WHOIS lookups by status", "status"),
		AlertsSent:      newCounter("alerts_sent_total", "Number of alert messages sent by channel", "channel"),
		DarkWebPages:    newCounter("darkweb_pages_total", "Number of crawled onion pages by status (online or offline)", "status"),
	}

	x.registry.MustRegister(
		x.FeedFetched,
		x.FeedErrors,
		x.ThreatsRecorded,
		x.EnrichLookups,
		x.AlertsSent,
		x.DarkWebPages,
	)
	return x
}

func (x *MetricsService) Registry() *prometheus.Registry {
	return x.registry
}

// WriteToTextfile writes all metrics to path atomically. Nothing is done if
// path is empty.
func (x *MetricsService) WriteToTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, x.registry); err != nil {
		return errors.Wrap(err, "Failed to write metrics textfile").With("path", path)
	}
	return nil
}
