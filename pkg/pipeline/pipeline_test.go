package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/m-mizutani/threatwatch"
	"github.com/m-mizutani/threatwatch/pkg/darkweb"
	"github.com/m-mizutani/threatwatch/pkg/enrich"
	"github.com/m-mizutani/threatwatch/pkg/errors"
	"github.com/m-mizutani/threatwatch/pkg/feed"
	"github.com/m-mizutani/threatwatch/pkg/mock"
	"github.com/m-mizutani/threatwatch/pkg/normalize"
	"github.com/m-mizutani/threatwatch/pkg/pipeline"
	"github.com/m-mizutani/threatwatch/pkg/service"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFeed struct {
	name  string
	chunk func() threatwatch.ThreatChunk
	err   error
}

func (x *fakeFeed) Name() string { return x.name }
func (x *fakeFeed) Fetch(ctx context.Context) (threatwatch.ThreatChunk, error) {
	if x.err != nil {
		return nil, x.err
	}
	return x.chunk(), nil
}

type fakeWhois struct{}

func (x *fakeWhois) Name() string { return "fake" }
func (x *fakeWhois) Lookup(ctx context.Context, domain string) (*enrich.WhoisRecord, error) {
	return &enrich.WhoisRecord{
		Registrar: "Freenom World",
		CreatedAt: time.Now().Add(-5 * 24 * time.Hour),
	}, nil
}

type brokenRepository struct {
	*mock.Repository
}

func (x *brokenRepository) PutThreats(threats []*threatwatch.Threat) error {
	return errors.New("disk full")
}

const slackURL = "https://hooks.slack.example.com/services/T000/B000/XXX"

func alphaFeed() *fakeFeed {
	return &fakeFeed{
		name: "alpha",
		chunk: func() threatwatch.ThreatChunk {
			newURL := func(u string) *threatwatch.Threat {
				return &threatwatch.Threat{
					Value:      threatwatch.Value{Data: u, Type: threatwatch.ValueURL},
					Source:     "alpha",
					ThreatType: threatwatch.ThreatPhishing,
					DetectedAt: 1714521600,
				}
			}
			return threatwatch.ThreatChunk{
				newURL("hxxp://cbk-login[.]xyz/verify"),
				newURL("http://CBK-LOGIN.xyz/verify"),
				newURL("http://weather.example.com/"),
				newURL("ftp://cbk.example.com/file"),
			}
		},
	}
}

func TestPipelineRun(t *testing.T) {
	repo := mock.NewRepository()
	repoSvc := service.NewRepositoryService(repo)
	httpClient := &mock.HTTPClient{}
	newSNS, snsClient := mock.NewSNSMock()
	metrics := service.NewMetricsService()

	p := &pipeline.Pipeline{
		Feeds: []feed.Feed{
			alphaFeed(),
			&fakeFeed{name: "broken", err: errors.New("connection refused")},
		},
		Normalizer:    normalize.NewNormalizer(map[string]string{"cbk": "CBK"}),
		FocusKeywords: []string{"cbk"},
		Enricher: enrich.New(&fakeWhois{}, nil,
			enrich.NewScorer([]string{"freenom"}, []string{"xyz"}),
			enrich.Options{Workers: 2, RateLimit: 1000, Attempts: 1}),
		Repository: repoSvc,
		SNS:        service.NewSNSService(newSNS),
		TopicARN:   "arn:aws:sns:us-east-1:111122223333:threats",
		Alert: service.NewAlertService(&service.AlertServiceArguments{
			SlackIncomingWebhookURL: slackURL,
			HTTPClient:              httpClient,
			Repository:              repoSvc,
		}),
		Metrics: metrics,
	}

	result, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, 4, result.Fetched)
	assert.Equal(t, 3, result.Valid)
	assert.Equal(t, 1, result.Unique)
	assert.Equal(t, 1, result.New)
	assert.Equal(t, 1, result.Alerted)
	require.Equal(t, 1, len(result.FeedErrors()))
	require.Equal(t, 2, len(result.Feeds))
	assert.Equal(t, "alpha", result.Feeds[0].Name)
	assert.Equal(t, 4, result.Feeds[0].Count)
	require.NotNil(t, result.Enrich)
	assert.Equal(t, 1, result.Enrich.Success)

	stored := repo.All()
	require.Equal(t, 1, len(stored))
	th := stored[0]
	assert.Equal(t, "http://cbk-login.xyz/verify", th.Data)
	assert.Equal(t, "cbk-login.xyz", th.Domain)
	assert.Equal(t, "xyz", th.TLD)
	assert.Equal(t, []string{"CBK"}, th.Keywords)
	assert.Equal(t, 100, th.RiskScore)
	assert.Equal(t, threatwatch.WhoisSuccess, th.WhoisStatus)
	assert.True(t, th.Alerted)

	assert.Equal(t, 1, len(snsClient.PublishInput))
	assert.Equal(t, 1, httpClient.Count())

	assert.Equal(t, 4.0, testutil.ToFloat64(metrics.FeedFetched.WithLabelValues("alpha")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.FeedErrors.WithLabelValues("broken")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ThreatsRecorded.WithLabelValues("new")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AlertsSent.WithLabelValues(service.ChannelSlack)))

	t.Run("second run finds nothing new", func(t *testing.T) {
		result, err := p.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, result.Unique)
		assert.Equal(t, 0, result.New)
		assert.Equal(t, 0, result.Alerted)
		assert.Equal(t, 1, len(repo.All()))
		assert.Equal(t, 1, httpClient.Count())
		assert.Equal(t, 1, len(snsClient.PublishInput))
	})
}

func TestPipelineRetriesUndeliveredAlert(t *testing.T) {
	repo := mock.NewRepository()
	repoSvc := service.NewRepositoryService(repo)
	httpClient := &mock.HTTPClient{Routes: map[string]string{}}

	p := &pipeline.Pipeline{
		Feeds:         []feed.Feed{alphaFeed()},
		Normalizer:    normalize.NewNormalizer(nil),
		FocusKeywords: []string{"cbk"},
		Repository:    repoSvc,
		Alert: service.NewAlertService(&service.AlertServiceArguments{
			SlackIncomingWebhookURL: slackURL,
			HTTPClient:              httpClient,
			Repository:              repoSvc,
		}),
	}

	result, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.New)
	assert.Equal(t, 0, result.Alerted)
	assert.Equal(t, 1, len(result.Errors))

	httpClient.Routes[slackURL] = "ok"
	result, err = p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.New)
	assert.Equal(t, 1, result.Alerted)
	assert.True(t, repo.All()[0].Alerted)
}

func TestPipelineRepositoryFailure(t *testing.T) {
	p := &pipeline.Pipeline{
		Feeds:      []feed.Feed{alphaFeed()},
		Repository: service.NewRepositoryService(&brokenRepository{Repository: mock.NewRepository()}),
	}

	_, err := p.Run(context.Background())
	assert.Error(t, err)
}

func TestPipelineAllFeedsFail(t *testing.T) {
	repo := mock.NewRepository()
	p := &pipeline.Pipeline{
		Feeds:      []feed.Feed{&fakeFeed{name: "broken", err: errors.New("timeout")}},
		Repository: service.NewRepositoryService(repo),
	}

	result, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.New)
	assert.Equal(t, 1, len(result.FeedErrors()))
	assert.Equal(t, 0, len(repo.All()))
}

func TestRunDarkWeb(t *testing.T) {
	const (
		online  = "http://cbkmirrorxxxxxxxxxxxxxx.onion"
		offline = "http://deadxxxxxxxxxxxxxxxxxxxx.onion"
	)
	client := &mock.HTTPClient{Routes: map[string]string{
		online: `<html><head><title>CBK mirror</title></head><body>
			<p>Login to CBK portal</p>
			<a href="https://cbk-verify.co.ke/login">login</a>
			<a href="http://otherxxxxxxxxxxxxxxxxxx.onion/">other</a>
		</body></html>`,
	}}

	keywords, err := darkweb.CompileKeywords(map[string]int{`\bcbk\b`: 150})
	require.NoError(t, err)
	crawler := darkweb.NewCrawler(client, nil, keywords)
	crawler.MinWait, crawler.MaxWait = 0, 0
	crawler.Attempts = 1

	repo := mock.NewRepository()
	metrics := service.NewMetricsService()
	p := &pipeline.Pipeline{
		Repository: service.NewRepositoryService(repo),
		Metrics:    metrics,
	}

	result, pages, err := p.RunDarkWeb(context.Background(), &pipeline.DarkWeb{
		Crawler: crawler,
		Seeds:   []string{online + "/index.html", offline, online},
	})
	require.NoError(t, err)
	require.Equal(t, 2, len(pages))
	assert.Equal(t, 3, result.New)
	assert.Equal(t, darkweb.SourceName, result.Feeds[0].Name)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DarkWebPages.WithLabelValues("online")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DarkWebPages.WithLabelValues("offline")))

	byValue := map[string]*threatwatch.Threat{}
	for _, th := range repo.All() {
		byValue[th.Data] = th
	}

	mirror := byValue["cbkmirrorxxxxxxxxxxxxxx.onion"]
	require.NotNil(t, mirror)
	assert.Equal(t, threatwatch.ThreatDarkWeb, mirror.ThreatType)
	assert.Equal(t, 100, mirror.RiskScore)
	assert.Equal(t, "CBK mirror", mirror.Description)

	dead := byValue["deadxxxxxxxxxxxxxxxxxxxx.onion"]
	require.NotNil(t, dead)
	assert.True(t, dead.HasTag(darkweb.TagOfflineOnion))

	ref := byValue["cbk-verify.co.ke"]
	require.NotNil(t, ref)
	assert.Equal(t, threatwatch.ValueDomainName, ref.Type)
	assert.True(t, ref.HasTag(darkweb.TagDarkWebReference))
	assert.Equal(t, "linked from cbkmirrorxxxxxxxxxxxxxx.onion", ref.Description)
}
