package config

import (
	"os"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/m-mizutani/threatwatch/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	BackendSQLite = "sqlite"
	BackendDynamo = "dynamo"
)

// Config is runtime configuration from environment variables. Tunables are
// loaded from YAML file at ConfigFile if it is set.
type Config struct {
	Backend         string `env:"BACKEND,default=sqlite"`
	DBPath          string `env:"THREATWATCH_DB_PATH,default=threatwatch.db"`
	AwsRegion       string `env:"AWS_REGION"`
	RecordTableName string `env:"RECORD_TABLE_NAME"`
	ThreatTopicARN  string `env:"THREAT_TOPIC_ARN"`
	ExportBucket    string `env:"EXPORT_BUCKET"`
	ExportPrefix    string `env:"EXPORT_PREFIX,default=threatwatch/"`
	SecretsARN      string `env:"SECRETS_ARN"`

	SlackWebhookURL string `env:"SLACK_WEBHOOK_URL"`
	TelegramToken   string `env:"TELEGRAM_TOKEN"`
	TelegramChatID  string `env:"TELEGRAM_CHAT_ID"`
	VTAPIKey        string `env:"VT_API_KEY"`
	WhoisXMLAPIKey  string `env:"WHOISXML_API_KEY"`
	OTXToken        string `env:"OTX_TOKEN"`

	SentryDSN string `env:"SENTRY_DSN"`
	SentryEnv string `env:"SENTRY_ENV"`
	LogLevel  string `env:"LOG_LEVEL,default=info"`

	TorSocksAddr       string `env:"TOR_SOCKS_ADDR,default=127.0.0.1:9050"`
	TorControlAddr     string `env:"TOR_CONTROL_ADDR,default=127.0.0.1:9051"`
	TorControlPassword string `env:"TOR_CONTROL_PASSWORD"`
	TorCookiePath      string `env:"TOR_COOKIE_PATH"`

	Workers       int           `env:"WORKERS,default=5"`
	RateLimit     float64       `env:"RATE_LIMIT,default=1"`
	RetryCount    int           `env:"RETRY_COUNT,default=3"`
	RetryInterval time.Duration `env:"RETRY_INTERVAL,default=5s"`
	MetricsPath   string        `env:"METRICS_PATH"`
	ConfigFile    string        `env:"THREATWATCH_CONFIG"`

	Tunables Tunables
}

// Tunables are detection parameters that rarely change between environments
type Tunables struct {
	Feeds           []string          `yaml:"feeds"`
	FocusKeywords   []string          `yaml:"focus_keywords"`
	KeywordTags     map[string]string `yaml:"keyword_tags"`
	DarkWebKeywords map[string]int    `yaml:"darkweb_keywords"`
	SuspiciousTLDs  []string          `yaml:"suspicious_tlds"`
	FreeRegistrars  []string          `yaml:"free_registrars"`
	OnionSeeds      []string          `yaml:"onion_seeds"`
	OnionSeedFile   string            `yaml:"onion_seed_file"`
	AhmiaQuery      string            `yaml:"ahmia_query"`
	OnionLimit      int               `yaml:"onion_limit"`
	DorkQueries     []string          `yaml:"dork_queries"`
	DorkEndpoint    string            `yaml:"dork_endpoint"`
	PastebinLimit   int               `yaml:"pastebin_limit"`
	WhoisProvider   string            `yaml:"whois_provider"`
	MonitorInterval time.Duration     `yaml:"monitor_interval"`
}

// DefaultTunables returns parameters used when no YAML file overrides them
func DefaultTunables() Tunables {
	return Tunables{
		Feeds:         []string{"openphish", "urlhaus", "pastebin"},
		FocusKeywords: []string{"cbk", "mpesa", ".ke"},
		KeywordTags: map[string]string{
			"cbk":          "CBK",
			"central bank": "CBK",
			"mpesa":        "M-PESA",
			"m-pesa":       "M-PESA",
		},
		DarkWebKeywords: map[string]int{
			`\bcbk\b`:              150,
			`central bank of kenya`: 150,
			`m[-\s]?pesa`:          120,
			`\.ke`:                 50,
		},
		SuspiciousTLDs: []string{"app", "xyz", "tk", "top", "gq", "ml"},
		FreeRegistrars: []string{"freenom", "000domains"},
		OnionSeeds: []string{
			"http://duckduckgogg42xjoc72x3sjasowoarfbgcmvfimaftt6twagswzczad.onion",
		},
		AhmiaQuery: "banking",
		OnionLimit: 50,
		DorkQueries: []string{
			`"verify your account" + "http"`,
			`"Office365 login" + "password"`,
		},
		DorkEndpoint:    "https://html.duckduckgo.com/html/",
		PastebinLimit:   10,
		WhoisProvider:   "rdap",
		MonitorInterval: 5 * time.Minute,
	}
}

// Load reads .env file in the current directory (if any), environment
// variables and the YAML file specified by THREATWATCH_CONFIG.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "Failed to load .env file")
	}

	cfg := &Config{}
	if _, err := env.UnmarshalFromEnviron(cfg); err != nil {
		return nil, errors.Wrap(err, "Unmarshal environ vars")
	}

	cfg.Tunables = DefaultTunables()
	if cfg.ConfigFile != "" {
		if err := cfg.LoadTunables(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadTunables overrides Tunables with values in YAML file at path
func (x *Config) LoadTunables(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "Failed to read config file").With("path", path)
	}

	var loaded Tunables
	if err := yaml.Unmarshal(raw, &loaded); err != nil {
		return errors.Wrap(err, "Failed to parse config file").With("path", path)
	}
	x.Tunables.merge(&loaded)
	return nil
}

func (x *Tunables) merge(src *Tunables) {
	if src.Feeds != nil {
		x.Feeds = src.Feeds
	}
	if src.FocusKeywords != nil {
		x.FocusKeywords = src.FocusKeywords
	}
	if src.KeywordTags != nil {
		x.KeywordTags = src.KeywordTags
	}
	if src.DarkWebKeywords != nil {
		x.DarkWebKeywords = src.DarkWebKeywords
	}
	if src.SuspiciousTLDs != nil {
		x.SuspiciousTLDs = src.SuspiciousTLDs
	}
	if src.FreeRegistrars != nil {
		x.FreeRegistrars = src.FreeRegistrars
	}
	if src.OnionSeeds != nil {
		x.OnionSeeds = src.OnionSeeds
	}
	if src.OnionSeedFile != "" {
		x.OnionSeedFile = src.OnionSeedFile
	}
	if src.AhmiaQuery != "" {
		x.AhmiaQuery = src.AhmiaQuery
	}
	if src.OnionLimit > 0 {
		x.OnionLimit = src.OnionLimit
	}
	if src.DorkQueries != nil {
		x.DorkQueries = src.DorkQueries
	}
	if src.DorkEndpoint != "" {
		x.DorkEndpoint = src.DorkEndpoint
	}
	if src.PastebinLimit > 0 {
		x.PastebinLimit = src.PastebinLimit
	}
	if src.WhoisProvider != "" {
		x.WhoisProvider = src.WhoisProvider
	}
	if src.MonitorInterval > 0 {
		x.MonitorInterval = src.MonitorInterval
	}
}

func (x *Config) Validate() error {
	switch x.Backend {
	case BackendSQLite:
		if x.DBPath == "" {
			return errors.New("THREATWATCH_DB_PATH is required for sqlite backend")
		}
	case BackendDynamo:
		if x.RecordTableName == "" || x.AwsRegion == "" {
			return errors.New("RECORD_TABLE_NAME and AWS_REGION are required for dynamo backend")
		}
	default:
		return errors.New("Unsupported backend").With("backend", x.Backend)
	}

	if x.Workers < 1 {
		return errors.New("WORKERS must be positive").With("workers", x.Workers)
	}
	if x.RateLimit <= 0 {
		return errors.New("RATE_LIMIT must be positive").With("rate", x.RateLimit)
	}
	if x.RetryCount < 1 {
		return errors.New("RETRY_COUNT must be positive").With("retry", x.RetryCount)
	}
	return nil
}
