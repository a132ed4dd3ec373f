package darkweb

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/m-mizutani/threatwatch"
	"github.com/m-mizutani/threatwatch/pkg/normalize"
)

const (
	SourceName = "darkweb"

	TagDarkWebReference = "darkweb_reference"
	TagOfflineOnion     = "offline_onion"

	maxRiskScore = 100
)

func onionHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// Threats converts crawl results into threats. Each page becomes an onion
// threat and each clearnet domain linked from reachable pages becomes a
// domain threat tagged darkweb_reference.
func Threats(pages []*Page, detectedAt int64) threatwatch.ThreatChunk {
	var chunk threatwatch.ThreatChunk
	refs := map[string]*threatwatch.Threat{}

	for _, page := range pages {
		host := onionHost(page.URL)
		if host == "" {
			continue
		}

		score := page.Score
		if score > maxRiskScore {
			score = maxRiskScore
		}

		desc := page.Title
		if !page.Reachable {
			if page.StatusCode != 0 {
				desc = fmt.Sprintf("unreachable (HTTP %d)", page.StatusCode)
			} else {
				desc = "unreachable"
			}
		}

		onion := &threatwatch.Threat{
			Value: threatwatch.Value{
				Data: host,
				Type: threatwatch.ValueOnion,
			},
			Source:      SourceName,
			ThreatType:  threatwatch.ThreatDarkWeb,
			URL:         page.URL,
			Keywords:    append([]string{}, page.Keywords...),
			Description: desc,
			RiskScore:   score,
			DetectedAt:  detectedAt,
		}
		if !page.Reachable {
			onion.AddTags(TagOfflineOnion)
		}
		chunk = append(chunk, onion)

		for _, link := range page.Links {
			linkHost := normalize.Host(link)
			if linkHost == "" || normalize.IsOnion(linkHost) {
				continue
			}
			domain := normalize.RegistrableDomain(linkHost)
			if domain == "" {
				domain = linkHost
			}

			ref, ok := refs[domain]
			if !ok {
				ref = &threatwatch.Threat{
					Value: threatwatch.Value{
						Data: domain,
						Type: threatwatch.ValueDomainName,
					},
					Source:      SourceName,
					ThreatType:  threatwatch.ThreatUnknown,
					Description: "linked from " + host,
					DetectedAt:  detectedAt,
				}
				refs[domain] = ref
				chunk = append(chunk, ref)
			}
			ref.AddTags(TagDarkWebReference)
			ref.AddKeywords(page.Keywords...)
			if !page.Reachable {
				ref.AddTags(TagOfflineOnion)
			}
		}
	}

	return chunk
}
