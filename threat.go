package threatwatch

import (
	"sort"
	"strings"
	"time"
)

type ThreatType string

const (
	ThreatPhishing ThreatType = "phishing"
	ThreatMalware  ThreatType = "malware"
	ThreatScam     ThreatType = "scam"
	ThreatDarkWeb  ThreatType = "darkweb"
	ThreatUnknown  ThreatType = "unknown"
)

// ParseThreatType maps free-form labels used by feeds and seed files to ThreatType.
func ParseThreatType(s string) ThreatType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "phishing", "phish", "credential_harvesting":
		return ThreatPhishing
	case "malware", "malware_download", "botnet_cc":
		return ThreatMalware
	case "scam", "fraud":
		return ThreatScam
	case "darkweb", "dark_web", "onion":
		return ThreatDarkWeb
	}
	return ThreatUnknown
}

type WhoisStatus string

const (
	WhoisSuccess WhoisStatus = "success"
	WhoisFailed  WhoisStatus = "failed"
	WhoisSkipped WhoisStatus = "skipped"
)

type Reputation string

const (
	ReputationMalicious  Reputation = "malicious"
	ReputationSuspicious Reputation = "suspicious"
	ReputationClean      Reputation = "clean"
)

// Threat is one row of the threats table. A threat is identified by its value and source.
type Threat struct {
	Value
	ID          string     `json:"id" dynamo:"id"`
	Source      string     `json:"source" dynamo:"source"`
	ThreatType  ThreatType `json:"threat_type" dynamo:"threat_type"`
	URL         string     `json:"url,omitempty" dynamo:"url,omitempty"`
	Domain      string     `json:"domain,omitempty" dynamo:"domain,omitempty"`
	TLD         string     `json:"tld,omitempty" dynamo:"tld,omitempty"`
	Keywords    []string   `json:"keywords,omitempty" dynamo:"keywords,omitempty"`
	Tags        []string   `json:"tags,omitempty" dynamo:"tags,omitempty"`
	Description string     `json:"description,omitempty" dynamo:"description,omitempty"`
	Confidence  int        `json:"confidence" dynamo:"confidence"`
	RiskScore   int        `json:"risk_score" dynamo:"risk_score"`

	Registrar    string      `json:"registrar,omitempty" dynamo:"registrar,omitempty"`
	RegisteredAt int64       `json:"registered_at,omitempty" dynamo:"registered_at,omitempty"`
	WhoisStatus  WhoisStatus `json:"whois_status,omitempty" dynamo:"whois_status,omitempty"`
	Reputation   Reputation  `json:"reputation,omitempty" dynamo:"reputation,omitempty"`
	VTMalicious  int         `json:"vt_malicious,omitempty" dynamo:"vt_malicious,omitempty"`
	VTSuspicious int         `json:"vt_suspicious,omitempty" dynamo:"vt_suspicious,omitempty"`

	DetectedAt int64 `json:"detected_at" dynamo:"detected_at"`
	Alerted    bool  `json:"alerted" dynamo:"alerted"`
	AlertedAt  int64 `json:"alerted_at,omitempty" dynamo:"alerted_at,omitempty"`
}

// ThreatChunk is a unit of threats passed between stages and published via SNS.
type ThreatChunk []*Threat

// ThreatKey identifies a row in the threats table.
type ThreatKey struct {
	Value
	Source string
}

func (x *Threat) Key() ThreatKey {
	return ThreatKey{Value: x.Value, Source: x.Source}
}

// Detected returns DetectedAt as time.Time in UTC
func (x *Threat) Detected() time.Time {
	return time.Unix(x.DetectedAt, 0).UTC()
}

// AddTags appends tags that the threat does not have yet
func (x *Threat) AddTags(tags ...string) {
	x.Tags = unionStrings(x.Tags, tags)
}

// AddKeywords appends keywords that the threat does not have yet
func (x *Threat) AddKeywords(keywords ...string) {
	x.Keywords = unionStrings(x.Keywords, keywords)
}

// HasTag returns true if the threat is tagged with tag
func (x *Threat) HasTag(tag string) bool {
	for _, t := range x.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Merge folds incoming into existing and returns existing. The stored ID, first
// detection time and alert state are kept. Enrichment results are replaced only
// by non-empty values.
func Merge(existing, incoming *Threat) *Threat {
	if existing == nil {
		return incoming
	}
	if incoming == nil {
		return existing
	}

	if incoming.DetectedAt != 0 && (existing.DetectedAt == 0 || incoming.DetectedAt < existing.DetectedAt) {
		existing.DetectedAt = incoming.DetectedAt
	}
	if existing.ThreatType == "" || existing.ThreatType == ThreatUnknown {
		existing.ThreatType = incoming.ThreatType
	}

	existing.AddKeywords(incoming.Keywords...)
	existing.AddTags(incoming.Tags...)

	if incoming.Confidence > existing.Confidence {
		existing.Confidence = incoming.Confidence
	}
	if incoming.RiskScore > existing.RiskScore {
		existing.RiskScore = incoming.RiskScore
	}

	setIfEmpty := func(dst *string, src string) {
		if src != "" {
			*dst = src
		}
	}
	setIfEmpty(&existing.URL, incoming.URL)
	setIfEmpty(&existing.Domain, incoming.Domain)
	setIfEmpty(&existing.TLD, incoming.TLD)
	setIfEmpty(&existing.Description, incoming.Description)
	setIfEmpty(&existing.Registrar, incoming.Registrar)

	if incoming.RegisteredAt != 0 {
		existing.RegisteredAt = incoming.RegisteredAt
	}
	if incoming.WhoisStatus != "" {
		existing.WhoisStatus = incoming.WhoisStatus
	}
	if incoming.Reputation != "" {
		existing.Reputation = incoming.Reputation
		existing.VTMalicious = incoming.VTMalicious
		existing.VTSuspicious = incoming.VTSuspicious
	}

	return existing
}

func unionStrings(base, add []string) []string {
	for _, a := range add {
		if a == "" {
			continue
		}
		found := false
		for _, b := range base {
			if a == b {
				found = true
				break
			}
		}
		if !found {
			base = append(base, a)
		}
	}
	return base
}

// Domains returns unique non-empty domains of the chunk in sorted order
func (x ThreatChunk) Domains() []string {
	set := make(map[string]struct{})
	for _, t := range x {
		if t.Domain != "" {
			set[t.Domain] = struct{}{}
		}
	}

	domains := make([]string, 0, len(set))
	for d := range set {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	return domains
}
