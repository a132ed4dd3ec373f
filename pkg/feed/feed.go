package feed

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/m-mizutani/threatwatch"
	"github.com/m-mizutani/threatwatch/pkg/adaptor"
	"github.com/m-mizutani/threatwatch/pkg/errors"
	"github.com/m-mizutani/threatwatch/pkg/logging"
)

var logger = logging.Logger

const userAgent = "Mozilla/5.0 (compatible; threatwatch/1.0)"

// Feed fetches indicators from one source
type Feed interface {
	Name() string
	Fetch(ctx context.Context) (threatwatch.ThreatChunk, error)
}

// RetryPolicy is fixed count retry with constant interval
type RetryPolicy struct {
	Attempts int
	Interval time.Duration
}

// DefaultRetryPolicy is 3 attempts with 5 seconds interval
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Interval: 5 * time.Second}

func (x RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	attempts := x.Attempts
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(x.Interval), uint64(attempts-1))
	return backoff.WithContext(b, ctx)
}

// Fetcher issues HTTP GET with retry. Client errors other than 429 are not
// retried.
type Fetcher struct {
	Client adaptor.HTTPClient
	Policy RetryPolicy
	Now    func() time.Time
}

func NewFetcher(client adaptor.HTTPClient, policy RetryPolicy) *Fetcher {
	return &Fetcher{
		Client: client,
		Policy: policy,
		Now:    time.Now,
	}
}

func (x *Fetcher) now() time.Time {
	if x.Now == nil {
		return time.Now().UTC()
	}
	return x.Now().UTC()
}

const maxErrorBody = 256

// Get returns response body of rawURL
func (x *Fetcher) Get(ctx context.Context, rawURL string, header http.Header) ([]byte, error) {
	var body []byte

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return backoff.Permanent(errors.Wrap(err, "Failed to create HTTP request").With("url", rawURL))
		}
		for key, values := range header {
			for _, v := range values {
				req.Header.Add(key, v)
			}
		}
		if req.Header.Get("User-Agent") == "" {
			req.Header.Set("User-Agent", userAgent)
		}

		resp, err := x.Client.Do(req)
		if err != nil {
			return errors.Wrap(err, "Failed to send HTTP request").With("url", rawURL)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return errors.Wrap(err, "Failed to read HTTP response").With("url", rawURL)
		}

		if resp.StatusCode != http.StatusOK {
			if len(raw) > maxErrorBody {
				raw = raw[:maxErrorBody]
			}
			e := errors.New("Unexpected status code").
				With("code", resp.StatusCode).With("url", rawURL).With("body", string(raw))
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return backoff.Permanent(e)
			}
			return e
		}

		body = raw
		return nil
	}

	notify := func(err error, wait time.Duration) {
		logger.Warn().Err(err).Str("url", rawURL).Dur("wait", wait).Msg("Retry HTTP request")
	}

	if err := backoff.RetryNotify(op, x.Policy.backOff(ctx), notify); err != nil {
		return nil, err
	}
	return body, nil
}

// Options configures feeds created by New
type Options struct {
	OTXToken      string
	PastebinLimit int
	DorkQueries   []string
	DorkEndpoint  string
}

// New creates a feed by name: openphish, urlhaus, otx, pastebin or dork
func New(name string, fetcher *Fetcher, opt Options) (Feed, error) {
	switch strings.ToLower(name) {
	case "openphish":
		return NewOpenPhish(fetcher), nil
	case "urlhaus":
		return NewURLhaus(fetcher), nil
	case "otx":
		return NewOTX(fetcher, opt.OTXToken), nil
	case "pastebin":
		return NewPastebin(fetcher, opt.PastebinLimit), nil
	case "dork":
		return NewDork(fetcher, opt.DorkEndpoint, opt.DorkQueries), nil
	}
	return nil, errors.New("Unknown feed").With("name", name)
}
