package adaptor

import (
	vt "github.com/VirusTotal/vt-go"
	"github.com/m-mizutani/threatwatch/pkg/errors"
)

// DomainStats is last_analysis_stats of a VirusTotal domain object
type DomainStats struct {
	Malicious  int64
	Suspicious int64
	Harmless   int64
	Undetected int64
}

type VirusTotalClient interface {
	DomainStats(domain string) (*DomainStats, error)
}

type VirusTotalClientFactory func(apiKey string) VirusTotalClient

type virusTotalClient struct {
	client *vt.Client
}

func NewVirusTotalClient(apiKey string) VirusTotalClient {
	return &virusTotalClient{client: vt.NewClient(apiKey)}
}

func (x *virusTotalClient) DomainStats(domain string) (*DomainStats, error) {
	obj, err := x.client.GetObject(vt.URL("domains/%s", domain))
	if err != nil {
		return nil, errors.Wrap(err, "Failed to get VirusTotal domain object").With("domain", domain)
	}

	var stats DomainStats
	for attr, dst := range map[string]*int64{
		"last_analysis_stats.malicious":  &stats.Malicious,
		"last_analysis_stats.suspicious": &stats.Suspicious,
		"last_analysis_stats.harmless":   &stats.Harmless,
		"last_analysis_stats.undetected": &stats.Undetected,
	} {
		v, err := obj.GetInt64(attr)
		if err != nil {
			continue
		}
		*dst = v
	}

	return &stats, nil
}
