package main

import (
	"io"
	"time"

	"github.com/m-mizutani/threatwatch"
	"github.com/m-mizutani/threatwatch/pkg/errors"
	"github.com/m-mizutani/threatwatch/pkg/service"
	"github.com/spf13/cobra"
)

const dateLayout = "2006-01-02"

type queryFlags struct {
	keyword       string
	source        string
	threatType    string
	from          string
	to            string
	minConfidence int
	minRisk       int
	onlyUnalerted bool
	sortBy        string
	desc          bool
	limit         int
}

func (x *queryFlags) bind(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&x.keyword, "keyword", "k", "", "Keyword in value, domain, description or keywords")
	f.StringVarP(&x.source, "source", "s", "", "Source name")
	f.StringVarP(&x.threatType, "type", "t", "", "Threat type (phishing, malware, scam, darkweb, unknown)")
	f.StringVar(&x.from, "from", "", "Detected at or after (YYYY-MM-DD or RFC3339)")
	f.StringVar(&x.to, "to", "", "Detected at or before (YYYY-MM-DD is inclusive)")
	f.IntVar(&x.minConfidence, "min-confidence", 0, "Minimum confidence")
	f.IntVar(&x.minRisk, "min-risk", 0, "Minimum risk score")
	f.BoolVar(&x.onlyUnalerted, "unalerted", false, "Only threats not alerted yet")
	f.StringVar(&x.sortBy, "sort", string(threatwatch.SortByDetectedAt), "Sort key (detected_at, confidence, risk_score)")
	f.BoolVar(&x.desc, "desc", false, "Sort in descending order")
	f.IntVarP(&x.limit, "limit", "n", 0, "Max number of threats, 0 is unlimited")
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, errors.New("Invalid time format").With("time", s)
	}
	return t, nil
}

func (x *queryFlags) query() (*threatwatch.ThreatQuery, error) {
	from, err := parseTime(x.from)
	if err != nil {
		return nil, err
	}
	to, err := parseTime(x.to)
	if err != nil {
		return nil, err
	}

	q := &threatwatch.ThreatQuery{
		Keyword:       x.keyword,
		Source:        x.source,
		From:          from,
		To:            to,
		MinConfidence: x.minConfidence,
		MinRiskScore:  x.minRisk,
		OnlyUnalerted: x.onlyUnalerted,
		SortBy:        threatwatch.SortKey(x.sortBy),
		Desc:          x.desc,
		Limit:         x.limit,
	}
	if x.threatType != "" {
		q.ThreatType = threatwatch.ParseThreatType(x.threatType)
	}
	if !q.SortBy.Valid() {
		return nil, errors.New("Invalid sort key").With("sort", x.sortBy)
	}
	return q, nil
}

func writeThreats(w io.Writer, format string, threats []*threatwatch.Threat) error {
	switch format {
	case "table", "":
		service.RenderThreats(w, threats)
		return nil
	case "csv":
		return service.WriteCSV(w, threats)
	case "json":
		return service.WriteJSON(w, threats)
	case "jsonl":
		writer := threatwatch.NewThreatWriter(w)
		for _, t := range threats {
			if _, err := writer.Write(t); err != nil {
				return err
			}
		}
		return nil
	default:
		return errors.New("Unsupported output format").With("format", format)
	}
}

func newSearchCommand(x *app) *cobra.Command {
	var (
		flags  queryFlags
		format string
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search recorded threats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := flags.query()
			if err != nil {
				return err
			}
			repo, err := x.args.RepositoryService()
			if err != nil {
				return err
			}
			threats, err := repo.Search(q)
			if err != nil {
				return err
			}
			return writeThreats(cmd.OutOrStdout(), format, threats)
		},
	}
	flags.bind(cmd)
	cmd.Flags().StringVarP(&format, "format", "f", "table", "Output format (table, csv, json, jsonl)")
	return cmd
}
