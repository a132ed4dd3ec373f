package feed

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/m-mizutani/threatwatch"
	"github.com/m-mizutani/threatwatch/pkg/errors"
)

const (
	urlhausURL        = "https://urlhaus.abuse.ch/downloads/csv_recent/"
	maxDescriptionLen = 1024
)

// URLhaus is abuse.ch recent URL dump in CSV
type URLhaus struct {
	URL     string
	fetcher *Fetcher
}

func NewURLhaus(fetcher *Fetcher) *URLhaus {
	return &URLhaus{URL: urlhausURL, fetcher: fetcher}
}

func (x *URLhaus) Name() string { return "URLhaus" }

// Fetch parses rows of id,dateadded,url,url_status,threat,tags,urlhaus_link,reporter
func (x *URLhaus) Fetch(ctx context.Context) (threatwatch.ThreatChunk, error) {
	body, err := x.fetcher.Get(ctx, x.URL, nil)
	if err != nil {
		return nil, err
	}

	reader := csv.NewReader(bytes.NewReader(body))
	reader.Comment = '#'
	reader.FieldsPerRecord = -1

	threatMap := make(map[threatwatch.Value]*threatwatch.Threat)
	var chunk threatwatch.ThreatChunk

	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, errors.Wrap(err, "Fail to read CSV of URLhaus")
		}

		if len(row) != 8 {
			continue
		}

		ts, err := time.Parse("2006-01-02 15:04:05", row[1])
		if err != nil {
			logger.Debug().Str("row", strings.Join(row, ",")).Msg("Invalid timestamp in URLhaus CSV")
			continue
		}

		value := threatwatch.Value{
			Data: strings.TrimSpace(row[2]),
			Type: threatwatch.ValueURL,
		}

		threat, ok := threatMap[value]
		if !ok {
			threat = &threatwatch.Threat{
				Value:       value,
				Source:      x.Name(),
				ThreatType:  urlhausThreatType(row[4]),
				Description: fmt.Sprintf("%s: %s", row[0], row[6]),
				DetectedAt:  ts.Unix(),
			}
			for _, tag := range strings.Split(row[5], ",") {
				threat.AddTags(strings.TrimSpace(tag))
			}
			threatMap[value] = threat
			chunk = append(chunk, threat)
		} else if len(threat.Description) < maxDescriptionLen {
			threat.Description += fmt.Sprintf(", %s: %s", row[0], row[6])
		}
	}

	return chunk, nil
}

func urlhausThreatType(threat string) threatwatch.ThreatType {
	if threat == "malware_download" {
		return threatwatch.ThreatMalware
	}
	return threatwatch.ThreatPhishing
}
