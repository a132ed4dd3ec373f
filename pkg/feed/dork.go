package feed

import (
	"bytes"
	"context"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/m-mizutani/threatwatch"
	"github.com/m-mizutani/threatwatch/pkg/errors"
)

const defaultDorkEndpoint = "https://html.duckduckgo.com/html/"

// Dork runs search queries against an HTML search endpoint and collects result
// links
type Dork struct {
	Endpoint string
	Queries  []string
	fetcher  *Fetcher
}

func NewDork(fetcher *Fetcher, endpoint string, queries []string) *Dork {
	if endpoint == "" {
		endpoint = defaultDorkEndpoint
	}
	return &Dork{Endpoint: endpoint, Queries: queries, fetcher: fetcher}
}

func (x *Dork) Name() string { return "dork" }

// unwrapResultLink resolves redirect links such as //duckduckgo.com/l/?uddg=<url>
func unwrapResultLink(href string) string {
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	for _, key := range []string{"uddg", "q", "url"} {
		if target := u.Query().Get(key); strings.HasPrefix(target, "http") {
			return target
		}
	}
	if u.Scheme == "http" || u.Scheme == "https" {
		return u.String()
	}
	return ""
}

// ResultLinks extracts result URLs from search engine HTML, excluding links to
// the engine itself
func ResultLinks(html []byte, engineHost string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, errors.Wrap(err, "Failed to parse search result")
	}

	selection := doc.Find("a.result__a")
	if selection.Length() == 0 {
		selection = doc.Find("a[href]")
	}

	var links []string
	seen := map[string]bool{}
	selection.Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		link := unwrapResultLink(href)
		if link == "" || seen[link] {
			return
		}
		if u, err := url.Parse(link); err != nil || u.Hostname() == engineHost {
			return
		}
		seen[link] = true
		links = append(links, link)
	})
	return links, nil
}

func (x *Dork) Fetch(ctx context.Context) (threatwatch.ThreatChunk, error) {
	endpoint, err := url.Parse(x.Endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "Invalid dork endpoint").With("endpoint", x.Endpoint)
	}

	now := x.fetcher.now().Unix()
	var chunk threatwatch.ThreatChunk
	for _, query := range x.Queries {
		q := url.Values{}
		q.Set("q", query)
		body, err := x.fetcher.Get(ctx, x.Endpoint+"?"+q.Encode(), nil)
		if err != nil {
			if ctx.Err() != nil {
				return chunk, ctx.Err()
			}
			logger.Warn().Err(err).Str("query", query).Msg("Dork query failed, skip")
			continue
		}

		links, err := ResultLinks(body, endpoint.Hostname())
		if err != nil {
			return nil, err
		}

		for _, link := range links {
			chunk = append(chunk, &threatwatch.Threat{
				Value: threatwatch.Value{
					Data: link,
					Type: threatwatch.ValueURL,
				},
				Source:      x.Name(),
				ThreatType:  threatwatch.ThreatPhishing,
				Description: "dork: " + query,
				DetectedAt:  now,
			})
		}
	}

	return chunk, nil
}
