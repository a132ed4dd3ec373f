package enrich

import (
	"context"

	"github.com/m-mizutani/threatwatch"
	"github.com/m-mizutani/threatwatch/pkg/adaptor"
)

// ReputationResult is a verdict of multi engine scanner
type ReputationResult struct {
	Malicious  int
	Suspicious int
	Verdict    threatwatch.Reputation
}

type ReputationProvider interface {
	Reputation(ctx context.Context, domain string) (*ReputationResult, error)
}

type VirusTotal struct {
	client adaptor.VirusTotalClient
}

func NewVirusTotal(client adaptor.VirusTotalClient) *VirusTotal {
	return &VirusTotal{client: client}
}

func (x *VirusTotal) Reputation(ctx context.Context, domain string) (*ReputationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stats, err := x.client.DomainStats(domain)
	if err != nil {
		return nil, err
	}

	result := &ReputationResult{
		Malicious:  int(stats.Malicious),
		Suspicious: int(stats.Suspicious),
	}
	switch {
	case result.Malicious > 0:
		result.Verdict = threatwatch.ReputationMalicious
	case result.Suspicious > 0:
		result.Verdict = threatwatch.ReputationSuspicious
	default:
		result.Verdict = threatwatch.ReputationClean
	}
	return result, nil
}
