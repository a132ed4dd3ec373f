package enrich

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/m-mizutani/threatwatch"
	"github.com/m-mizutani/threatwatch/pkg/errors"
	"github.com/m-mizutani/threatwatch/pkg/logging"
	"github.com/m-mizutani/threatwatch/pkg/normalize"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var logger = logging.Logger

// UnknownRegistrar is set to threats whose WHOIS lookup failed
const UnknownRegistrar = "Unknown"

type Options struct {
	Workers       int
	RateLimit     float64
	Attempts      int
	RetryInterval time.Duration
}

// DefaultOptions is 5 workers, 1 request/sec and 3 attempts with 5 seconds interval
var DefaultOptions = Options{
	Workers:       5,
	RateLimit:     1,
	Attempts:      3,
	RetryInterval: 5 * time.Second,
}

// Result is lookup result of one domain
type Result struct {
	Domain     string
	Status     threatwatch.WhoisStatus
	Record     *WhoisRecord
	Reputation *ReputationResult
	Err        error
}

// Stats is summary of Enrich
type Stats struct {
	Domains int
	Success int
	Failed  int
	Skipped int
}

type Enricher struct {
	whois      WhoisProvider
	reputation ReputationProvider
	scorer     *Scorer
	opt        Options
	limiter    *rate.Limiter

	// OnLookup is called after each domain lookup if set
	OnLookup func(result *Result)
}

// New creates Enricher. reputation can be nil.
func New(whois WhoisProvider, reputation ReputationProvider, scorer *Scorer, opt Options) *Enricher {
	if opt.Workers < 1 {
		opt.Workers = DefaultOptions.Workers
	}
	if opt.RateLimit <= 0 {
		opt.RateLimit = DefaultOptions.RateLimit
	}
	if opt.Attempts < 1 {
		opt.Attempts = DefaultOptions.Attempts
	}

	return &Enricher{
		whois:      whois,
		reputation: reputation,
		scorer:     scorer,
		opt:        opt,
		limiter:    rate.NewLimiter(rate.Limit(opt.RateLimit), 1),
	}
}

func skipLookup(domain string) bool {
	return domain == "" || normalize.IsOnion(domain)
}

func (x *Enricher) lookupWhois(ctx context.Context, domain string) (*WhoisRecord, error) {
	var record *WhoisRecord
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(x.opt.RetryInterval), uint64(x.opt.Attempts-1)),
		ctx)

	op := func() error {
		if err := x.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		r, err := x.whois.Lookup(ctx, domain)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		record = r
		return nil
	}

	notify := func(err error, wait time.Duration) {
		logger.Debug().Err(err).Str("domain", domain).Dur("wait", wait).Msg("Retry WHOIS lookup")
	}

	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, errors.Wrap(err, "WHOIS lookup failed").
			With("domain", domain).With("provider", x.whois.Name())
	}
	return record, nil
}

func (x *Enricher) lookup(ctx context.Context, domain string) *Result {
	result := &Result{Domain: domain}

	record, err := x.lookupWhois(ctx, domain)
	if err != nil {
		result.Status = threatwatch.WhoisFailed
		result.Err = err
	} else {
		result.Status = threatwatch.WhoisSuccess
		result.Record = record
	}

	if x.reputation != nil && ctx.Err() == nil {
		if err := x.limiter.Wait(ctx); err == nil {
			rep, err := x.reputation.Reputation(ctx, domain)
			if err != nil {
				logger.Debug().Err(err).Str("domain", domain).Msg("Reputation lookup failed")
			} else {
				result.Reputation = rep
			}
		}
	}

	return result
}

// Lookup resolves domains with bounded concurrency. Onion and empty domains are
// skipped. Error is returned only when ctx is done.
func (x *Enricher) Lookup(ctx context.Context, domains []string) (map[string]*Result, error) {
	results := make(map[string]*Result, len(domains))

	var targets []string
	for _, domain := range domains {
		if _, ok := results[domain]; ok {
			continue
		}
		if skipLookup(domain) {
			results[domain] = &Result{Domain: domain, Status: threatwatch.WhoisSkipped}
			continue
		}
		results[domain] = nil
		targets = append(targets, domain)
	}

	resolved := make([]*Result, len(targets))
	var eg errgroup.Group
	eg.SetLimit(x.opt.Workers)

	for i, domain := range targets {
		if ctx.Err() != nil {
			break
		}
		i, domain := i, domain
		eg.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			result := x.lookup(ctx, domain)
			if x.OnLookup != nil {
				x.OnLookup(result)
			}
			resolved[i] = result
			return nil
		})
	}
	_ = eg.Wait()

	for i, domain := range targets {
		if resolved[i] == nil || (ctx.Err() != nil && resolved[i].Status == threatwatch.WhoisFailed) {
			delete(results, domain)
			continue
		}
		results[domain] = resolved[i]
	}

	if err := ctx.Err(); err != nil {
		return results, errors.Wrap(err, "Enrichment interrupted").With("done", len(results))
	}
	return results, nil
}

// Apply writes result into t and scores it
func (x *Enricher) Apply(t *threatwatch.Threat, result *Result) {
	if result == nil {
		result = &Result{Status: threatwatch.WhoisSkipped}
	}

	t.WhoisStatus = result.Status
	switch result.Status {
	case threatwatch.WhoisSuccess:
		if result.Record != nil {
			if result.Record.Registrar != "" {
				t.Registrar = result.Record.Registrar
			}
			if !result.Record.CreatedAt.IsZero() {
				t.RegisteredAt = result.Record.CreatedAt.Unix()
			}
		}
	case threatwatch.WhoisFailed:
		t.Registrar = UnknownRegistrar
		t.RegisteredAt = 0
	}

	if rep := result.Reputation; rep != nil {
		t.Reputation = rep.Verdict
		t.VTMalicious = rep.Malicious
		t.VTSuspicious = rep.Suspicious
	}

	if x.scorer != nil {
		x.scorer.Apply(t)
	}
}

// Enrich looks up every unique domain of chunk and applies results to all
// threats sharing the domain. Threats whose lookup did not complete because
// ctx was canceled are left untouched.
func (x *Enricher) Enrich(ctx context.Context, chunk threatwatch.ThreatChunk) (*Stats, error) {
	domains := chunk.Domains()
	results, lookupErr := x.Lookup(ctx, domains)

	stats := &Stats{Domains: len(domains)}
	for _, result := range results {
		switch result.Status {
		case threatwatch.WhoisSuccess:
			stats.Success++
		case threatwatch.WhoisFailed:
			stats.Failed++
		case threatwatch.WhoisSkipped:
			stats.Skipped++
		}
	}

	for _, t := range chunk {
		if t.Domain == "" {
			x.Apply(t, nil)
			continue
		}
		result, ok := results[t.Domain]
		if !ok {
			continue
		}
		x.Apply(t, result)
	}

	logger.Info().
		Int("domains", stats.Domains).
		Int("success", stats.Success).
		Int("failed", stats.Failed).
		Int("skipped", stats.Skipped).
		Msg("Enrichment done")

	return stats, lookupErr
}
