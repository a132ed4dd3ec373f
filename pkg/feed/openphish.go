package feed

import (
	"bufio"
	"bytes"
	"context"
	"strings"

	"github.com/m-mizutani/threatwatch"
)

const openPhishURL = "https://raw.githubusercontent.com/openphish/public_feed/refs/heads/main/feed.txt"

// OpenPhish is public phishing URL feed, one URL per line
type OpenPhish struct {
	URL     string
	fetcher *Fetcher
}

func NewOpenPhish(fetcher *Fetcher) *OpenPhish {
	return &OpenPhish{URL: openPhishURL, fetcher: fetcher}
}

func (x *OpenPhish) Name() string { return "OpenPhish" }

func (x *OpenPhish) Fetch(ctx context.Context) (threatwatch.ThreatChunk, error) {
	body, err := x.fetcher.Get(ctx, x.URL, nil)
	if err != nil {
		return nil, err
	}

	now := x.fetcher.now().Unix()
	var chunk threatwatch.ThreatChunk
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		chunk = append(chunk, &threatwatch.Threat{
			Value: threatwatch.Value{
				Data: line,
				Type: threatwatch.ValueURL,
			},
			Source:      x.Name(),
			ThreatType:  threatwatch.ThreatPhishing,
			Description: "OpenPhish feed",
			DetectedAt:  now,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return chunk, nil
}
