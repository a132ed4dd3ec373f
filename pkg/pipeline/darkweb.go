package pipeline

import (
	"context"

	"github.com/m-mizutani/threatwatch/pkg/darkweb"
	"github.com/m-mizutani/threatwatch/pkg/errors"
)

// DarkWeb is a crawl job. Discoverer can be nil to crawl only Seeds.
type DarkWeb struct {
	Discoverer *darkweb.Discoverer
	Crawler    *darkweb.Crawler
	Query      string
	Limit      int
	Seeds      []string
}

// Sites returns seeds merged with onion sites found by Discoverer. Discovery
// failure is logged and only seeds are returned.
func (x *DarkWeb) Sites(ctx context.Context) []string {
	if x.Discoverer == nil || x.Query == "" {
		return darkweb.MergeSites(x.Seeds)
	}

	found, err := x.Discoverer.DiscoverOnions(ctx, x.Query, x.Limit)
	if err != nil {
		logger.Warn().Err(err).Str("query", x.Query).Msg("Onion discovery failed, use seeds only")
	}
	return darkweb.MergeSites(x.Seeds, found)
}

// RunDarkWeb crawls onion sites and processes the pages as threats of
// darkweb source
func (x *Pipeline) RunDarkWeb(ctx context.Context, job *DarkWeb) (*Result, []*darkweb.Page, error) {
	if job.Crawler == nil {
		return nil, nil, errors.New("Crawler is required for dark web job")
	}

	sites := job.Sites(ctx)
	logger.Info().Int("sites", len(sites)).Msg("Start dark web crawl")

	pages, crawlErr := job.Crawler.Crawl(ctx, sites)
	if x.Metrics != nil {
		for _, p := range pages {
			status := "online"
			if !p.Reachable {
				status = "offline"
			}
			x.Metrics.DarkWebPages.WithLabelValues(status).Inc()
		}
	}

	chunk := darkweb.Threats(pages, x.now().Unix())
	result, err := x.Process(ctx, chunk)
	if err != nil {
		return result, pages, err
	}
	if crawlErr != nil {
		return result, pages, crawlErr
	}

	result.Feeds = []*FeedResult{{Name: darkweb.SourceName, Count: len(chunk)}}
	return result, pages, nil
}
