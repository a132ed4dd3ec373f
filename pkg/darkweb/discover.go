package darkweb

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/m-mizutani/threatwatch/pkg/adaptor"
	"github.com/m-mizutani/threatwatch/pkg/errors"
	"github.com/m-mizutani/threatwatch/pkg/normalize"
)

const (
	ahmiaSearchURL    = "https://ahmia.fi/search/"
	defaultOnionLimit = 50
)

// OnionSite reduces rawURL to scheme://host if the host is an onion service.
// Empty string is returned for other URLs.
func OnionSite(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ""
	}
	if !strings.Contains(rawURL, "://") {
		rawURL = "http://" + rawURL
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	if !normalize.IsOnion(host) {
		return ""
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "https" {
		scheme = "http"
	}
	return scheme + "://" + host
}

// ParseOnionLinks extracts onion sites from search result HTML. Redirect links
// carrying redirect_url parameter are unwrapped.
func ParseOnionLinks(html []byte, limit int) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, errors.Wrap(err, "Failed to parse search result")
	}

	var sites []string
	seen := map[string]bool{}
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		if !strings.Contains(href, ".onion") {
			return true
		}

		if u, err := url.Parse(href); err == nil {
			if target := u.Query().Get("redirect_url"); target != "" {
				href = target
			}
		}

		site := OnionSite(href)
		if site == "" || seen[site] {
			return true
		}
		seen[site] = true
		sites = append(sites, site)
		return limit <= 0 || len(sites) < limit
	})

	return sites, nil
}

// Discoverer finds onion sites via Ahmia search over clearnet
type Discoverer struct {
	SearchURL string
	client    adaptor.HTTPClient
}

func NewDiscoverer(client adaptor.HTTPClient) *Discoverer {
	return &Discoverer{SearchURL: ahmiaSearchURL, client: client}
}

// DiscoverOnions returns up to limit onion sites matching query
func (x *Discoverer) DiscoverOnions(ctx context.Context, query string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = defaultOnionLimit
	}

	q := url.Values{}
	q.Set("q", query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, x.SearchURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create Ahmia request")
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; threatwatch/1.0)")

	resp, err := x.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "Ahmia search failed").With("query", query)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.New("Unexpected status code from Ahmia").With("code", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return nil, errors.Wrap(err, "Failed to read Ahmia response")
	}

	sites, err := ParseOnionLinks(body, limit)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("query", query).Int("sites", len(sites)).Msg("Discovered onion sites")
	return sites, nil
}

// LoadSeeds reads onion URLs from file, one per line. Blank lines and lines
// starting with # are ignored.
func LoadSeeds(path string) ([]string, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to open seed file").With("path", path)
	}
	defer fd.Close()

	var seeds []string
	scanner := bufio.NewScanner(fd)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if site := OnionSite(line); site != "" {
			seeds = append(seeds, site)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "Failed to read seed file").With("path", path)
	}
	return seeds, nil
}

// MergeSites returns unique onion sites of all lists in order of appearance
func MergeSites(lists ...[]string) []string {
	var merged []string
	seen := map[string]bool{}
	for _, list := range lists {
		for _, s := range list {
			site := OnionSite(s)
			if site == "" || seen[site] {
				continue
			}
			seen[site] = true
			merged = append(merged, site)
		}
	}
	return merged
}
