package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/threatwatch"
	"github.com/m-mizutani/threatwatch/pkg/enrich"
	"github.com/m-mizutani/threatwatch/pkg/errors"
	"github.com/m-mizutani/threatwatch/pkg/feed"
	"github.com/m-mizutani/threatwatch/pkg/logging"
	"github.com/m-mizutani/threatwatch/pkg/normalize"
	"github.com/m-mizutani/threatwatch/pkg/service"
	"golang.org/x/sync/errgroup"
)

var logger = logging.Logger

// Pipeline runs fetch, normalize, enrich, record and alert stages. Enricher,
// SNS, Alert and Metrics are optional.
type Pipeline struct {
	Feeds         []feed.Feed
	Normalizer    *normalize.Normalizer
	FocusKeywords []string
	Enricher      *enrich.Enricher
	Repository    *service.RepositoryService

	SNS      *service.SNSService
	TopicARN string
	Alert    *service.AlertService
	Metrics  *service.MetricsService

	Now func() time.Time
}

// FeedResult is outcome of one feed in a run
type FeedResult struct {
	Name  string
	Count int
	Err   error
}

// Result is summary of a run
type Result struct {
	RunID    string
	Feeds    []*FeedResult
	Fetched  int
	Valid    int
	Unique   int
	Recorded int
	New      int
	Alerted  int
	Enrich   *enrich.Stats

	NewThreats threatwatch.ThreatChunk
	// Errors of best-effort stages. They do not abort the run.
	Errors []error
}

// FeedErrors returns errors of failed feeds
func (x *Result) FeedErrors() []error {
	var errs []error
	for _, f := range x.Feeds {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
	}
	return errs
}

func (x *Pipeline) now() time.Time {
	if x.Now == nil {
		return time.Now()
	}
	return x.Now()
}

// Fetch runs all feeds concurrently. A failed feed is recorded in its
// FeedResult and does not affect other feeds.
func (x *Pipeline) Fetch(ctx context.Context) (threatwatch.ThreatChunk, []*FeedResult) {
	results := make([]*FeedResult, len(x.Feeds))
	chunks := make([]threatwatch.ThreatChunk, len(x.Feeds))

	var eg errgroup.Group
	for i, f := range x.Feeds {
		i, f := i, f
		eg.Go(func() error {
			chunk, err := f.Fetch(ctx)
			results[i] = &FeedResult{Name: f.Name(), Count: len(chunk), Err: err}
			chunks[i] = chunk

			if err != nil {
				logger.Warn().Err(err).Str("feed", f.Name()).Msg("Feed failed")
				if x.Metrics != nil {
					x.Metrics.FeedErrors.WithLabelValues(f.Name()).Inc()
				}
				return nil
			}

			logger.Info().Str("feed", f.Name()).Int("count", len(chunk)).Msg("Fetched feed")
			if x.Metrics != nil {
				x.Metrics.FeedFetched.WithLabelValues(f.Name()).Add(float64(len(chunk)))
			}
			return nil
		})
	}
	_ = eg.Wait()

	var all threatwatch.ThreatChunk
	for _, chunk := range chunks {
		all = append(all, chunk...)
	}
	return all, results
}

// Run fetches all feeds and processes fetched threats
func (x *Pipeline) Run(ctx context.Context) (*Result, error) {
	result := &Result{RunID: uuid.New().String()}
	log := logger.With().Str("run_id", result.RunID).Logger()
	log.Info().Int("feeds", len(x.Feeds)).Msg("Start collecting")

	chunk, feeds := x.Fetch(ctx)
	result.Feeds = feeds
	result.Fetched = len(chunk)

	if err := x.process(ctx, chunk, true, result); err != nil {
		return result, err
	}

	log.Info().
		Int("fetched", result.Fetched).
		Int("unique", result.Unique).
		Int("new", result.New).
		Int("alerted", result.Alerted).
		Int("feed_errors", len(result.FeedErrors())).
		Msg("Collection done")
	return result, nil
}

// Process runs normalize, dedupe, enrich, record and alert stages over chunk
// without focus filter
func (x *Pipeline) Process(ctx context.Context, chunk threatwatch.ThreatChunk) (*Result, error) {
	result := &Result{RunID: uuid.New().String(), Fetched: len(chunk)}
	if err := x.process(ctx, chunk, false, result); err != nil {
		return result, err
	}
	return result, nil
}

// Collect fetches all feeds and returns normalized, focused and deduplicated
// threats without recording them
func (x *Pipeline) Collect(ctx context.Context) (threatwatch.ThreatChunk, *Result) {
	result := &Result{RunID: uuid.New().String()}
	chunk, feeds := x.Fetch(ctx)
	result.Feeds = feeds
	result.Fetched = len(chunk)
	return x.prepare(chunk, true, result), result
}

func (x *Pipeline) prepare(chunk threatwatch.ThreatChunk, focus bool, result *Result) threatwatch.ThreatChunk {
	normalizer := x.Normalizer
	if normalizer == nil {
		normalizer = normalize.NewNormalizer(nil)
	}
	chunk = normalizer.Chunk(chunk)
	result.Valid = len(chunk)

	if focus {
		chunk = normalize.Focus(chunk, x.FocusKeywords)
	}

	chunk = normalize.NewDeduper(uint(len(chunk))).Chunk(chunk)
	result.Unique = len(chunk)
	return chunk
}

func (x *Pipeline) process(ctx context.Context, chunk threatwatch.ThreatChunk, focus bool, result *Result) error {
	if x.Repository == nil {
		return errors.New("Repository is required to process threats")
	}

	chunk = x.prepare(chunk, focus, result)

	if x.Enricher != nil && len(chunk) > 0 {
		stats, err := x.Enricher.Enrich(ctx, chunk)
		result.Enrich = stats
		if err != nil {
			logger.Warn().Err(err).Msg("Enrichment interrupted")
			result.Errors = append(result.Errors, err)
		}
		if x.Metrics != nil && stats != nil {
			x.Metrics.EnrichLookups.WithLabelValues(string(threatwatch.WhoisSuccess)).Add(float64(stats.Success))
			x.Metrics.EnrichLookups.WithLabelValues(string(threatwatch.WhoisFailed)).Add(float64(stats.Failed))
			x.Metrics.EnrichLookups.WithLabelValues(string(threatwatch.WhoisSkipped)).Add(float64(stats.Skipped))
		}
	}

	newThreats, err := x.Repository.RecordThreats(chunk)
	if err != nil {
		return errors.Wrap(err, "Failed to record threats").With("count", len(chunk))
	}
	result.Recorded = len(chunk)
	result.New = len(newThreats)
	result.NewThreats = newThreats
	if x.Metrics != nil {
		x.Metrics.ThreatsRecorded.WithLabelValues("new").Add(float64(len(newThreats)))
		x.Metrics.ThreatsRecorded.WithLabelValues("updated").Add(float64(len(chunk) - len(newThreats)))
	}

	if x.SNS != nil && x.TopicARN != "" {
		if err := x.SNS.PublishThreats(x.TopicARN, newThreats); err != nil {
			logger.Warn().Err(err).Str("topic", x.TopicARN).Msg("Failed to publish threats")
			result.Errors = append(result.Errors, err)
		}
	}

	if x.Alert != nil && len(x.Alert.Channels()) > 0 && len(chunk) > 0 {
		// includes threats seen before whose alert was not delivered
		unalerted, err := x.Repository.DetectUnalerted(chunk)
		if err != nil {
			return errors.Wrap(err, "Failed to detect unalerted threats")
		}
		notified, err := x.Alert.Notify(ctx, unalerted)
		if err != nil {
			return err
		}
		result.Alerted = notified.Alerted
		result.Errors = append(result.Errors, notified.Errors...)
		if x.Metrics != nil {
			for ch, n := range notified.Sent {
				x.Metrics.AlertsSent.WithLabelValues(ch).Add(float64(n))
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "Pipeline interrupted").With("recorded", result.Recorded)
	}
	return nil
}
