package arguments

import (
	"time"

	"github.com/m-mizutani/threatwatch/pkg/adaptor"
	"github.com/m-mizutani/threatwatch/pkg/config"
	"github.com/m-mizutani/threatwatch/pkg/darkweb"
	"github.com/m-mizutani/threatwatch/pkg/enrich"
	"github.com/m-mizutani/threatwatch/pkg/errors"
	"github.com/m-mizutani/threatwatch/pkg/feed"
	"github.com/m-mizutani/threatwatch/pkg/normalize"
	"github.com/m-mizutani/threatwatch/pkg/pipeline"
	"github.com/m-mizutani/threatwatch/pkg/service"
)

const (
	torTimeout   = 30 * time.Second
	whoisTimeout = 10 * time.Second

	keyFilterCapacity = 100000
)

// Arguments binds configuration and factories of external systems. Factories
// left nil are replaced by real implementations, tests set mocks to them.
type Arguments struct {
	config.Config

	NewRepository     adaptor.RepositoryFactory           `env:"-"`
	NewS3             adaptor.S3ClientFactory             `env:"-"`
	NewSNS            adaptor.SNSClientFactory            `env:"-"`
	NewSecretsManager adaptor.SecretsManagerClientFactory `env:"-"`
	NewVirusTotal     adaptor.VirusTotalClientFactory     `env:"-"`
	HTTP              adaptor.HTTPClient                  `env:"-"`
	TorHTTP           adaptor.HTTPClient                  `env:"-"`
	Whois             adaptor.WhoisClient                 `env:"-"`
	TorController     adaptor.TorController               `env:"-"`

	repo    *service.RepositoryService
	metrics *service.MetricsService
}

// New loads configuration from environment, .env, YAML tunables and Secrets
// Manager
func New() (*Arguments, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	args := &Arguments{Config: *cfg}
	if err := args.Config.FillSecrets(args.NewSecretsManager); err != nil {
		return nil, err
	}
	return args, nil
}

// -----------------------
// Services

// RepositoryService returns *service.RepositoryService of configured backend.
// It is created once and shared.
func (x *Arguments) RepositoryService() (*service.RepositoryService, error) {
	if x.repo != nil {
		return x.repo, nil
	}

	factory := x.NewRepository
	dsn := x.DBPath
	switch x.Backend {
	case config.BackendDynamo:
		if factory == nil {
			factory = adaptor.NewDynamoRepository
		}
		dsn = x.RecordTableName
	default:
		if factory == nil {
			factory = adaptor.NewSQLiteRepository
		}
	}

	repo, err := factory(x.AwsRegion, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to open repository").With("backend", x.Backend)
	}
	svc := service.NewRepositoryService(repo)
	// sqlite file has a single writer process, so known keys stay in sync
	if x.Backend != config.BackendDynamo {
		if err := svc.EnableKeyFilter(keyFilterCapacity); err != nil {
			return nil, err
		}
	}
	x.repo = svc
	return x.repo, nil
}

// Close releases the repository if it was opened
func (x *Arguments) Close() error {
	if x.repo == nil {
		return nil
	}
	return x.repo.Close()
}

// SNSService returns a new *service.SNSService
func (x *Arguments) SNSService() *service.SNSService {
	factory := x.NewSNS
	if factory == nil {
		factory = adaptor.NewSNSClient
	}
	return service.NewSNSService(factory)
}

func (x *Arguments) ExportService() *service.ExportService {
	newS3 := x.NewS3
	if newS3 == nil {
		newS3 = adaptor.NewS3Client
	}
	return service.NewExportService(newS3)
}

func (x *Arguments) HTTPClient() adaptor.HTTPClient {
	if x.HTTP == nil {
		x.HTTP = adaptor.NewHTTPClient()
	}
	return x.HTTP
}

// AlertService marks alerted threats in repo if it is not nil
func (x *Arguments) AlertService(repo *service.RepositoryService) *service.AlertService {
	return service.NewAlertService(&service.AlertServiceArguments{
		HTTPClient:              x.HTTPClient(),
		SlackIncomingWebhookURL: x.SlackWebhookURL,
		TelegramToken:           x.TelegramToken,
		TelegramChatID:          x.TelegramChatID,
		Repository:              repo,
	})
}

func (x *Arguments) ReportService() (*service.ReportService, error) {
	repo, err := x.RepositoryService()
	if err != nil {
		return nil, err
	}
	return service.NewReportService(repo), nil
}

func (x *Arguments) ImportService() (*service.ImportService, error) {
	repo, err := x.RepositoryService()
	if err != nil {
		return nil, err
	}
	return service.NewImportService(repo, x.Normalizer()), nil
}

// MetricsService is created once and shared
func (x *Arguments) MetricsService() *service.MetricsService {
	if x.metrics == nil {
		x.metrics = service.NewMetricsService()
	}
	return x.metrics
}

// WriteMetrics writes metrics to METRICS_PATH if it is set
func (x *Arguments) WriteMetrics() error {
	return x.MetricsService().WriteToTextfile(x.MetricsPath)
}

// -----------------------
// Stages

func (x *Arguments) Normalizer() *normalize.Normalizer {
	return normalize.NewNormalizer(x.Tunables.KeywordTags)
}

func (x *Arguments) Fetcher() *feed.Fetcher {
	return feed.NewFetcher(x.HTTPClient(), feed.RetryPolicy{
		Attempts: x.RetryCount,
		Interval: x.RetryInterval,
	})
}

// Feeds creates feeds by names. Tunables.Feeds are used if names is empty.
func (x *Arguments) Feeds(names []string) ([]feed.Feed, error) {
	if len(names) == 0 {
		names = x.Tunables.Feeds
	}

	fetcher := x.Fetcher()
	opt := feed.Options{
		OTXToken:      x.OTXToken,
		PastebinLimit: x.Tunables.PastebinLimit,
		DorkQueries:   x.Tunables.DorkQueries,
		DorkEndpoint:  x.Tunables.DorkEndpoint,
	}

	var feeds []feed.Feed
	for _, name := range names {
		f, err := feed.New(name, fetcher, opt)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, f)
	}
	return feeds, nil
}

func (x *Arguments) WhoisClient() adaptor.WhoisClient {
	if x.Whois == nil {
		x.Whois = adaptor.NewWhoisClient(whoisTimeout)
	}
	return x.Whois
}

// Enricher creates WHOIS enricher. VirusTotal reputation is used only if
// VT_API_KEY is set.
func (x *Arguments) Enricher() (*enrich.Enricher, error) {
	apiKey := ""
	if x.Tunables.WhoisProvider == "whoisxml" {
		apiKey = x.WhoisXMLAPIKey
	}
	whois, err := enrich.NewWhoisProvider(x.Tunables.WhoisProvider, x.HTTPClient(), x.WhoisClient(), apiKey)
	if err != nil {
		return nil, err
	}

	var reputation enrich.ReputationProvider
	if x.VTAPIKey != "" {
		newVT := x.NewVirusTotal
		if newVT == nil {
			newVT = adaptor.NewVirusTotalClient
		}
		reputation = enrich.NewVirusTotal(newVT(x.VTAPIKey))
	}

	scorer := enrich.NewScorer(x.Tunables.FreeRegistrars, x.Tunables.SuspiciousTLDs)
	return enrich.New(whois, reputation, scorer, enrich.Options{
		Workers:       x.Workers,
		RateLimit:     x.RateLimit,
		Attempts:      x.RetryCount,
		RetryInterval: x.RetryInterval,
	}), nil
}

// Collector assembles feeds and stages before recording: normalize, focus and
// dedupe. It does not open the repository.
func (x *Arguments) Collector(feedNames []string) (*pipeline.Pipeline, error) {
	feeds, err := x.Feeds(feedNames)
	if err != nil {
		return nil, err
	}
	return &pipeline.Pipeline{
		Feeds:         feeds,
		Normalizer:    x.Normalizer(),
		FocusKeywords: x.Tunables.FocusKeywords,
		Metrics:       x.MetricsService(),
	}, nil
}

// Processor assembles stages after fetching: normalize, enrich (if
// enrichThreats), record and alert (if alert)
func (x *Arguments) Processor(enrichThreats, alert bool) (*pipeline.Pipeline, error) {
	repo, err := x.RepositoryService()
	if err != nil {
		return nil, err
	}

	p := &pipeline.Pipeline{
		Normalizer:    x.Normalizer(),
		FocusKeywords: x.Tunables.FocusKeywords,
		Repository:    repo,
		Metrics:       x.MetricsService(),
	}

	if enrichThreats {
		if p.Enricher, err = x.Enricher(); err != nil {
			return nil, err
		}
	}
	if alert {
		p.Alert = x.AlertService(repo)
	}
	return p, nil
}

// Pipeline adds feeds to Processor. New threats are published to
// THREAT_TOPIC_ARN if it is set.
func (x *Arguments) Pipeline(feedNames []string, enrichThreats, alert bool) (*pipeline.Pipeline, error) {
	p, err := x.Processor(enrichThreats, alert)
	if err != nil {
		return nil, err
	}
	if p.Feeds, err = x.Feeds(feedNames); err != nil {
		return nil, err
	}

	if x.ThreatTopicARN != "" {
		p.SNS = x.SNSService()
		p.TopicARN = x.ThreatTopicARN
	}
	return p, nil
}

// -----------------------
// Tor

func (x *Arguments) TorHTTPClient() (adaptor.HTTPClient, error) {
	if x.TorHTTP != nil {
		return x.TorHTTP, nil
	}
	client, err := adaptor.NewTorHTTPClient(x.TorSocksAddr, torTimeout)
	if err != nil {
		return nil, err
	}
	x.TorHTTP = client
	return client, nil
}

func (x *Arguments) Rotator() *darkweb.Rotator {
	ctrl := x.TorController
	if ctrl == nil {
		ctrl = adaptor.NewTorController(adaptor.TorControlConfig{
			Addr:       x.TorControlAddr,
			Password:   x.TorControlPassword,
			CookiePath: x.TorCookiePath,
		})
	}
	return darkweb.NewRotator(ctrl)
}

// DarkWebJob creates crawl job from Tunables. Seeds are static onion seeds
// and the seed file.
func (x *Arguments) DarkWebJob() (*pipeline.DarkWeb, error) {
	client, err := x.TorHTTPClient()
	if err != nil {
		return nil, err
	}

	keywords, err := darkweb.CompileKeywords(x.Tunables.DarkWebKeywords)
	if err != nil {
		return nil, err
	}

	seeds := append([]string{}, x.Tunables.OnionSeeds...)
	if x.Tunables.OnionSeedFile != "" {
		loaded, err := darkweb.LoadSeeds(x.Tunables.OnionSeedFile)
		if err != nil {
			return nil, err
		}
		seeds = append(seeds, loaded...)
	}

	crawler := darkweb.NewCrawler(client, x.Rotator(), keywords)
	crawler.Workers = x.Workers

	return &pipeline.DarkWeb{
		Discoverer: darkweb.NewDiscoverer(client),
		Crawler:    crawler,
		Query:      x.Tunables.AhmiaQuery,
		Limit:      x.Tunables.OnionLimit,
		Seeds:      seeds,
	}, nil
}
