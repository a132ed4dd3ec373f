package darkweb

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/m-mizutani/threatwatch/pkg/adaptor"
	"github.com/m-mizutani/threatwatch/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const maxPageSize = 2 * 1024 * 1024

// Keyword is a weighted pattern searched in page text
type Keyword struct {
	Pattern *regexp.Regexp
	Weight  int
}

// CompileKeywords compiles case insensitive patterns. Order is stable.
func CompileKeywords(weights map[string]int) ([]*Keyword, error) {
	patterns := make([]string, 0, len(weights))
	for p := range weights {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)

	keywords := make([]*Keyword, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, errors.Wrap(err, "Invalid keyword pattern").With("pattern", p)
		}
		keywords = append(keywords, &Keyword{Pattern: re, Weight: weights[p]})
	}
	return keywords, nil
}

// Page is a crawl result of one onion site
type Page struct {
	URL        string
	Reachable  bool
	StatusCode int
	Title      string
	Score      int
	Keywords   []string
	Links      []string
	Attempts   int
	Err        error
}

// Analyze extracts visible text, keyword score and absolute links from HTML
func Analyze(pageURL string, html []byte, keywords []*Keyword) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, errors.Wrap(err, "Failed to parse page").With("url", pageURL)
	}

	page := &Page{
		URL:   pageURL,
		Title: strings.TrimSpace(doc.Find("title").First().Text()),
	}

	doc.Find("script, style, noscript").Remove()
	text := strings.Join(strings.Fields(doc.Text()), " ")

	for _, kw := range keywords {
		matched := kw.Pattern.FindString(text)
		if matched == "" {
			continue
		}
		page.Score += kw.Weight
		page.Keywords = appendUnique(page.Keywords, strings.ToLower(matched))
	}

	base, _ := url.Parse(pageURL)
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		if base != nil {
			ref = base.ResolveReference(ref)
		}
		if (ref.Scheme != "http" && ref.Scheme != "https") || ref.Host == "" {
			return
		}
		ref.Fragment = ""
		page.Links = appendUnique(page.Links, ref.String())
	})

	return page, nil
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

// Crawler fetches onion sites through Tor with bounded concurrency
type Crawler struct {
	Workers  int
	Attempts int
	MinWait  time.Duration
	MaxWait  time.Duration

	client   adaptor.HTTPClient
	rotator  *Rotator
	keywords []*Keyword

	rnd   *rand.Rand
	mutex sync.Mutex
}

// NewCrawler creates Crawler with 5 workers and 3 attempts per site, waiting
// 5-10 seconds between attempts. rotator can be nil.
func NewCrawler(client adaptor.HTTPClient, rotator *Rotator, keywords []*Keyword) *Crawler {
	return &Crawler{
		Workers:  5,
		Attempts: 3,
		MinWait:  5 * time.Second,
		MaxWait:  10 * time.Second,
		client:   client,
		rotator:  rotator,
		keywords: keywords,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (x *Crawler) backoff() time.Duration {
	if x.MaxWait <= x.MinWait {
		return x.MinWait
	}
	x.mutex.Lock()
	defer x.mutex.Unlock()
	return x.MinWait + time.Duration(x.rnd.Int63n(int64(x.MaxWait-x.MinWait)))
}

func (x *Crawler) rotate(ctx context.Context) {
	if x.rotator == nil {
		return
	}
	if err := x.rotator.Rotate(ctx); err != nil {
		logger.Warn().Err(err).Msg("Tor identity rotation failed")
	}
}

func (x *Crawler) fetch(ctx context.Context, site string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, site, nil)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create request").With("url", site)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; rv:115.0) Gecko/20100101 Firefox/115.0")

	resp, err := x.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to reach onion site").With("url", site)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &Page{URL: site, StatusCode: resp.StatusCode}, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return nil, errors.Wrap(err, "Failed to read onion page").With("url", site)
	}

	page, err := Analyze(site, body, x.keywords)
	if err != nil {
		return nil, err
	}
	page.Reachable = true
	page.StatusCode = resp.StatusCode
	return page, nil
}

// CrawlSite fetches one site. On transport error, Tor identity is rotated and
// the site is retried after random wait.
func (x *Crawler) CrawlSite(ctx context.Context, site string) *Page {
	attempts := x.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		page, err := x.fetch(ctx, site)
		if err == nil {
			page.Attempts = i
			return page
		}
		lastErr = err
		logger.Debug().Err(err).Str("site", site).Int("attempt", i).Msg("Crawl attempt failed")

		if i == attempts || ctx.Err() != nil {
			break
		}
		x.rotate(ctx)
		if err := sleep(ctx, x.backoff()); err != nil {
			lastErr = err
			break
		}
	}

	return &Page{URL: site, Attempts: attempts, Err: lastErr}
}

// Crawl fetches all sites and returns pages in the order of sites. Identity is
// rotated once more after the batch.
func (x *Crawler) Crawl(ctx context.Context, sites []string) ([]*Page, error) {
	workers := x.Workers
	if workers < 1 {
		workers = 1
	}

	pages := make([]*Page, len(sites))
	var eg errgroup.Group
	eg.SetLimit(workers)

	for i, site := range sites {
		if ctx.Err() != nil {
			break
		}
		i, site := i, site
		eg.Go(func() error {
			pages[i] = x.CrawlSite(ctx, site)
			return nil
		})
	}
	_ = eg.Wait()

	var done []*Page
	for _, p := range pages {
		if p != nil {
			done = append(done, p)
		}
	}

	if err := ctx.Err(); err != nil {
		return done, errors.Wrap(err, "Crawl interrupted").With("done", len(done))
	}

	x.rotate(ctx)

	var reachable int
	for _, p := range done {
		if p.Reachable {
			reachable++
		}
	}
	logger.Info().Int("sites", len(sites)).Int("reachable", reachable).Msg("Dark web crawl done")

	return done, nil
}
