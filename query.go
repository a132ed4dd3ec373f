package threatwatch

import (
	"sort"
	"strings"
	"time"
)

type SortKey string

const (
	SortByDetectedAt SortKey = "detected_at"
	SortByConfidence SortKey = "confidence"
	SortByRiskScore  SortKey = "risk_score"
)

// Valid returns true if the key can be used as ORDER BY column
func (k SortKey) Valid() bool {
	switch k {
	case SortByDetectedAt, SortByConfidence, SortByRiskScore:
		return true
	}
	return false
}

// ThreatQuery is a search condition of threats. Zero value matches all threats.
type ThreatQuery struct {
	Keyword       string
	Source        string
	ThreatType    ThreatType
	From          time.Time
	To            time.Time
	MinConfidence int
	MinRiskScore  int
	OnlyUnalerted bool

	SortBy SortKey
	Desc   bool
	Limit  int
}

// SortKeyOrDefault returns SortBy if valid, otherwise detected_at
func (x *ThreatQuery) SortKeyOrDefault() SortKey {
	if x.SortBy.Valid() {
		return x.SortBy
	}
	return SortByDetectedAt
}

// DetectedRange converts From and To into inclusive unix second range. To is
// treated as inclusive date if it has no clock part.
func (x *ThreatQuery) DetectedRange() (from, to int64) {
	if !x.From.IsZero() {
		from = x.From.Unix()
	}
	if !x.To.IsZero() {
		end := x.To
		if end.Hour() == 0 && end.Minute() == 0 && end.Second() == 0 && end.Nanosecond() == 0 {
			end = end.Add(24*time.Hour - time.Second)
		}
		to = end.Unix()
	}
	return
}

// Match evaluates the query against a threat in memory
func (x *ThreatQuery) Match(t *Threat) bool {
	if x.Keyword != "" {
		kw := strings.ToLower(x.Keyword)
		fields := []string{t.Data, t.Domain, t.Description, strings.Join(t.Keywords, ",")}
		found := false
		for _, f := range fields {
			if strings.Contains(strings.ToLower(f), kw) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if x.Source != "" && !strings.EqualFold(x.Source, t.Source) {
		return false
	}
	if x.ThreatType != "" && x.ThreatType != t.ThreatType {
		return false
	}

	from, to := x.DetectedRange()
	if from != 0 && t.DetectedAt < from {
		return false
	}
	if to != 0 && t.DetectedAt > to {
		return false
	}

	if t.Confidence < x.MinConfidence || t.RiskScore < x.MinRiskScore {
		return false
	}
	if x.OnlyUnalerted && t.Alerted {
		return false
	}

	return true
}

// Sort orders threats in place by the sort key of the query
func (x *ThreatQuery) Sort(threats []*Threat) {
	key := x.SortKeyOrDefault()
	sort.SliceStable(threats, func(i, j int) bool {
		var a, b int64
		switch key {
		case SortByConfidence:
			a, b = int64(threats[i].Confidence), int64(threats[j].Confidence)
		case SortByRiskScore:
			a, b = int64(threats[i].RiskScore), int64(threats[j].RiskScore)
		default:
			a, b = threats[i].DetectedAt, threats[j].DetectedAt
		}
		if x.Desc {
			return a > b
		}
		return a < b
	})
}

// Apply filters, sorts and limits threats in memory
func (x *ThreatQuery) Apply(threats []*Threat) []*Threat {
	var matched []*Threat
	for _, t := range threats {
		if x.Match(t) {
			matched = append(matched, t)
		}
	}

	x.Sort(matched)

	if x.Limit > 0 && len(matched) > x.Limit {
		matched = matched[:x.Limit]
	}
	return matched
}
