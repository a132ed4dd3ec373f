package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/m-mizutani/threatwatch"
	"github.com/m-mizutani/threatwatch/pkg/errors"
)

const otxExportURL = "https://otx.alienvault.com/api/v1/indicators/export"

type otxContent struct {
	Content     string `json:"content"`
	Description string `json:"description"`
	ID          int64  `json:"id"`
	Indicator   string `json:"indicator"`
	Title       string `json:"title"`
	Type        string `json:"type"`
}

type otxResponse struct {
	Count    int64         `json:"count"`
	Next     *string       `json:"next"`
	Previous *string       `json:"previous"`
	Results  []*otxContent `json:"results"`
}

// OTX exports indicators modified in the last Duration from AlienVault OTX
type OTX struct {
	URL      string
	Duration time.Duration
	MaxPages int
	token    string
	fetcher  *Fetcher
}

func NewOTX(fetcher *Fetcher, token string) *OTX {
	return &OTX{
		URL:      otxExportURL,
		Duration: 24 * time.Hour,
		MaxPages: 100,
		token:    token,
		fetcher:  fetcher,
	}
}

func (x *OTX) Name() string { return "otx" }

func otxValue(content *otxContent) *threatwatch.Value {
	switch content.Type {
	case "hostname", "domain":
		return &threatwatch.Value{Data: content.Indicator, Type: threatwatch.ValueDomainName}
	case "IPv4":
		return &threatwatch.Value{Data: content.Indicator, Type: threatwatch.ValueIPAddr}
	case "URL":
		return &threatwatch.Value{Data: content.Indicator, Type: threatwatch.ValueURL}
	}
	return nil
}

func (x *OTX) Fetch(ctx context.Context) (threatwatch.ThreatChunk, error) {
	if x.token == "" {
		return nil, errors.New("OTX token is not set")
	}

	now := x.fetcher.now()
	q := url.Values{}
	q.Add("modified_since", now.Add(-x.Duration).Format("2006-01-02T15:04:05+00:00"))
	apiURL := x.URL + "?" + q.Encode()

	header := http.Header{}
	header.Set("X-OTX-API-KEY", x.token)

	threatMap := make(map[threatwatch.Value]*threatwatch.Threat)
	var chunk threatwatch.ThreatChunk

	for page := 0; apiURL != "" && page < x.MaxPages; page++ {
		logger.Trace().Str("url", apiURL).Msg("OTX API access")
		body, err := x.fetcher.Get(ctx, apiURL, header)
		if err != nil {
			return nil, err
		}

		var resp otxResponse
		if len(body) > 0 {
			if err := json.Unmarshal(body, &resp); err != nil {
				return nil, errors.Wrap(err, "Decoding OTX response").With("url", apiURL)
			}
		}

		for _, content := range resp.Results {
			value := otxValue(content)
			if value == nil {
				continue
			}

			if threat, ok := threatMap[*value]; !ok {
				threat = &threatwatch.Threat{
					Value:       *value,
					Source:      x.Name(),
					ThreatType:  threatwatch.ParseThreatType(content.Title),
					Description: strings.TrimSpace(fmt.Sprintf("id:%d %s", content.ID, content.Title)),
					DetectedAt:  now.Unix(),
				}
				threatMap[*value] = threat
				chunk = append(chunk, threat)
			} else if len(threat.Description) < maxDescriptionLen {
				threat.Description += fmt.Sprintf(", id:%d", content.ID)
			}
		}

		apiURL = ""
		if resp.Next != nil {
			apiURL = *resp.Next
		}
	}

	return chunk, nil
}
