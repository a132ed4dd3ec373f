package enrich

import (
	"strings"
	"time"

	"github.com/m-mizutani/threatwatch"
	"github.com/m-mizutani/threatwatch/pkg/normalize"
)

const (
	TagBankingFraud   = "banking_fraud"
	TagFreeDomainRisk = "free_domain_risk"
	TagPhishing       = "phishing"
	TagYoungDomain    = "young_domain"
	TagVTMalicious    = "vt_malicious"

	maxRiskScore = 100
)

// Scorer calculates risk score of a threat from its domain properties
type Scorer struct {
	FreeRegistrars []string
	SuspiciousTLDs []string
	YoungDomainAge time.Duration
	Now            func() time.Time
}

func NewScorer(freeRegistrars, suspiciousTLDs []string) *Scorer {
	return &Scorer{
		FreeRegistrars: freeRegistrars,
		SuspiciousTLDs: suspiciousTLDs,
		YoungDomainAge: 30 * 24 * time.Hour,
		Now:            time.Now,
	}
}

func (x *Scorer) freeRegistrar(registrar string) bool {
	registrar = strings.ToLower(registrar)
	if registrar == "" {
		return false
	}
	for _, r := range x.FreeRegistrars {
		if strings.Contains(registrar, strings.ToLower(r)) {
			return true
		}
	}
	return false
}

func (x *Scorer) suspiciousTLD(domain string) bool {
	label := normalize.LastLabel(domain)
	if label == "" {
		return false
	}
	for _, tld := range x.SuspiciousTLDs {
		if strings.EqualFold(strings.TrimPrefix(tld, "."), label) {
			return true
		}
	}
	return false
}

// Score returns risk score in 0..100 and tags explaining the score
func (x *Scorer) Score(t *threatwatch.Threat) (int, []string) {
	var score int
	var tags []string

	if len(t.Keywords) > 0 {
		tags = append(tags, TagBankingFraud)
	}

	if x.freeRegistrar(t.Registrar) {
		score += 50
		tags = append(tags, TagFreeDomainRisk)
	}

	if x.suspiciousTLD(t.Domain) {
		score += 30
		tags = append(tags, TagPhishing)
	}

	if t.RegisteredAt > 0 {
		age := x.Now().Sub(time.Unix(t.RegisteredAt, 0))
		if age >= 0 && age < x.YoungDomainAge {
			score += 20
			tags = append(tags, TagYoungDomain)
		}
	}

	switch t.Reputation {
	case threatwatch.ReputationMalicious:
		score += 40
		tags = append(tags, TagVTMalicious)
	case threatwatch.ReputationSuspicious:
		score += 20
	}

	if score > maxRiskScore {
		score = maxRiskScore
	}
	return score, tags
}

// Apply scores t and updates RiskScore and Tags. RiskScore is never lowered.
func (x *Scorer) Apply(t *threatwatch.Threat) {
	score, tags := x.Score(t)
	if score > t.RiskScore {
		t.RiskScore = score
	}
	t.AddTags(tags...)
}
