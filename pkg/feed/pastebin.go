package feed

import (
	"bytes"
	"context"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/m-mizutani/threatwatch"
	"github.com/m-mizutani/threatwatch/pkg/errors"
)

const (
	pastebinBaseURL      = "https://pastebin.com"
	defaultPastebinLimit = 10
)

var (
	pasteIDPattern = regexp.MustCompile(`^/[A-Za-z0-9]{8}$`)
	urlPattern     = regexp.MustCompile(`https?://[^\s"'<>\x60]+`)
)

// Pastebin scans recent public pastes in the archive for URLs
type Pastebin struct {
	BaseURL string
	Limit   int
	fetcher *Fetcher
}

func NewPastebin(fetcher *Fetcher, limit int) *Pastebin {
	if limit <= 0 {
		limit = defaultPastebinLimit
	}
	return &Pastebin{BaseURL: pastebinBaseURL, Limit: limit, fetcher: fetcher}
}

func (x *Pastebin) Name() string { return "pastebin" }

// PasteIDs extracts paste links from archive page in order of appearance
func PasteIDs(html []byte, limit int) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, errors.Wrap(err, "Failed to parse pastebin archive")
	}

	var ids []string
	seen := map[string]bool{}
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		if !pasteIDPattern.MatchString(href) || seen[href] {
			return true
		}
		seen[href] = true
		ids = append(ids, strings.TrimPrefix(href, "/"))
		return limit <= 0 || len(ids) < limit
	})
	return ids, nil
}

// ExtractURLs returns unique URLs found in text
func ExtractURLs(text string) []string {
	var urls []string
	seen := map[string]bool{}
	for _, u := range urlPattern.FindAllString(text, -1) {
		u = strings.TrimRight(u, ".,;:)]}")
		if seen[u] {
			continue
		}
		seen[u] = true
		urls = append(urls, u)
	}
	return urls
}

func (x *Pastebin) Fetch(ctx context.Context) (threatwatch.ThreatChunk, error) {
	archive, err := x.fetcher.Get(ctx, x.BaseURL+"/archive", nil)
	if err != nil {
		return nil, err
	}

	ids, err := PasteIDs(archive, x.Limit)
	if err != nil {
		return nil, err
	}

	now := x.fetcher.now().Unix()
	var chunk threatwatch.ThreatChunk
	for _, id := range ids {
		raw, err := x.fetcher.Get(ctx, x.BaseURL+"/raw/"+id, nil)
		if err != nil {
			if ctx.Err() != nil {
				return chunk, ctx.Err()
			}
			logger.Warn().Err(err).Str("paste", id).Msg("Failed to fetch paste, skip")
			continue
		}

		for _, u := range ExtractURLs(string(raw)) {
			chunk = append(chunk, &threatwatch.Threat{
				Value: threatwatch.Value{
					Data: u,
					Type: threatwatch.ValueURL,
				},
				Source:      x.Name(),
				ThreatType:  threatwatch.ThreatUnknown,
				Description: "found in paste " + id,
				DetectedAt:  now,
			})
		}
	}

	return chunk, nil
}
