package service

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/m-mizutani/threatwatch"
	"github.com/olekukonko/tablewriter"
)

// HighRiskScore is the lower bound of risk score counted as high risk
const HighRiskScore = 70

type Count struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// Summary is aggregated statistics of stored threats
type Summary struct {
	Total      int     `json:"total"`
	NewToday   int     `json:"new_today"`
	HighRisk   int     `json:"high_risk"`
	Unalerted  int     `json:"unalerted"`
	BySource   []Count `json:"by_source"`
	ByType     []Count `json:"by_type"`
	ByTLD      []Count `json:"by_tld"`
	TopDomains []Count `json:"top_domains"`
}

type ReportService struct {
	repo *RepositoryService
	now  func() time.Time
}

func NewReportService(repo *RepositoryService) *ReportService {
	return &ReportService{repo: repo, now: time.Now}
}

func sortedCounts(m map[string]int, limit int) []Count {
	counts := make([]Count, 0, len(m))
	for k, v := range m {
		counts = append(counts, Count{Key: k, Count: v})
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Count != counts[j].Count {
			return counts[i].Count > counts[j].Count
		}
		return counts[i].Key < counts[j].Key
	})
	if limit > 0 && len(counts) > limit {
		counts = counts[:limit]
	}
	return counts
}

// Summarize aggregates threats. now decides which threats are new today (UTC).
func Summarize(threats []*threatwatch.Threat, now time.Time) *Summary {
	now = now.UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Unix()

	bySource := map[string]int{}
	byType := map[string]int{}
	byTLD := map[string]int{}
	byDomain := map[string]int{}

	s := &Summary{Total: len(threats)}
	for _, t := range threats {
		bySource[t.Source]++
		byType[string(t.ThreatType)]++
		if t.TLD != "" {
			byTLD[t.TLD]++
		}
		if t.Domain != "" {
			byDomain[t.Domain]++
		}
		if t.DetectedAt >= today {
			s.NewToday++
		}
		if t.RiskScore >= HighRiskScore {
			s.HighRisk++
		}
		if !t.Alerted {
			s.Unalerted++
		}
	}

	s.BySource = sortedCounts(bySource, 0)
	s.ByType = sortedCounts(byType, 0)
	s.ByTLD = sortedCounts(byTLD, 0)
	s.TopDomains = sortedCounts(byDomain, 5)
	return s
}

// Summary aggregates all stored threats
func (x *ReportService) Summary() (*Summary, error) {
	threats, err := x.repo.Search(&threatwatch.ThreatQuery{})
	if err != nil {
		return nil, err
	}
	return Summarize(threats, x.now()), nil
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	return table
}

func truncate(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-3]) + "..."
}

// RenderThreats writes threats as terminal table
func RenderThreats(w io.Writer, threats []*threatwatch.Threat) {
	table := newTable(w, []string{"Detected", "Source", "Type", "Indicator", "Domain", "Risk", "Conf", "Tags", "Alerted"})
	for _, t := range threats {
		alerted := ""
		if t.Alerted {
			alerted = "yes"
		}
		table.Append([]string{
			t.Detected().Format("2006-01-02 15:04"),
			t.Source,
			string(t.ThreatType),
			truncate(t.Data, 60),
			t.Domain,
			fmt.Sprintf("%d", t.RiskScore),
			fmt.Sprintf("%d", t.Confidence),
			strings.Join(t.Tags, ","),
			alerted,
		})
	}
	table.Render()
}

// RenderSummary writes summary as terminal tables
func RenderSummary(w io.Writer, s *Summary) {
	overview := newTable(w, []string{"Metric", "Value"})
	overview.AppendBulk([][]string{
		{"Total threats", fmt.Sprintf("%d", s.Total)},
		{"New today", fmt.Sprintf("%d", s.NewToday)},
		{fmt.Sprintf("High risk (>= %d)", HighRiskScore), fmt.Sprintf("%d", s.HighRisk)},
		{"Not alerted", fmt.Sprintf("%d", s.Unalerted)},
	})
	overview.Render()

	for _, section := range []struct {
		title  string
		counts []Count
	}{
		{"Source", s.BySource},
		{"Threat type", s.ByType},
		{"TLD", s.ByTLD},
		{"Top domain", s.TopDomains},
	} {
		if len(section.counts) == 0 {
			continue
		}
		fmt.Fprintln(w)
		table := newTable(w, []string{section.title, "Count"})
		for _, c := range section.counts {
			table.Append([]string{c.Key, fmt.Sprintf("%d", c.Count)})
		}
		table.Render()
	}
}
