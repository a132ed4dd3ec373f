package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/m-mizutani/threatwatch"
	"github.com/m-mizutani/threatwatch/pkg/errors"
	"github.com/m-mizutani/threatwatch/pkg/pipeline"
	"github.com/spf13/cobra"
)

func printResult(w io.Writer, result *pipeline.Result) {
	for _, f := range result.Feeds {
		if f.Err != nil {
			fmt.Fprintf(w, "  %-10s failed: %v\n", f.Name, f.Err)
			continue
		}
		fmt.Fprintf(w, "  %-10s %d\n", f.Name, f.Count)
	}
	fmt.Fprintf(w, "fetched=%d valid=%d unique=%d new=%d alerted=%d\n",
		result.Fetched, result.Valid, result.Unique, result.New, result.Alerted)
}

func newCollectCommand(x *app) *cobra.Command {
	var (
		feeds    []string
		noEnrich bool
		noAlert  bool
		monitor  bool
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Fetch feeds, enrich, record and alert new threats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := x.args.Pipeline(feeds, !noEnrich, !noAlert)
			if err != nil {
				return err
			}

			once := func(ctx context.Context) error {
				result, err := p.Run(ctx)
				if err != nil {
					return err
				}
				printResult(cmd.OutOrStdout(), result)
				return nil
			}

			ctx := cmd.Context()
			if err := once(ctx); err != nil {
				return err
			}
			if !monitor {
				return nil
			}

			if interval <= 0 {
				interval = x.args.Tunables.MonitorInterval
			}
			logger.Info().Dur("interval", interval).Msg("Monitoring feeds")
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if err := once(ctx); err != nil {
						if ctx.Err() != nil {
							return nil
						}
						return err
					}
					if err := x.args.WriteMetrics(); err != nil {
						logger.Warn().Err(err).Msg("Failed to write metrics")
					}
				}
			}
		},
	}

	f := cmd.Flags()
	f.StringSliceVar(&feeds, "feed", nil, "Feeds to fetch (openphish, urlhaus, otx, pastebin, dork). Default is feeds in config")
	f.BoolVar(&noEnrich, "no-enrich", false, "Skip WHOIS and reputation lookup")
	f.BoolVar(&noAlert, "no-alert", false, "Do not send alerts")
	f.BoolVarP(&monitor, "monitor", "m", false, "Keep collecting at interval until interrupted")
	f.DurationVar(&interval, "interval", 0, "Monitor interval, default is monitor_interval in config")
	return cmd
}

func newEnrichCommand(x *app) *cobra.Command {
	var (
		flags queryFlags
		all   bool
	)

	cmd := &cobra.Command{
		Use:   "enrich",
		Short: "Run WHOIS and reputation lookup on recorded threats",
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
			enricher, err := x.args.Enricher()
			if err != nil {
				return err
			}

			stored, err := repo.Search(q)
			if err != nil {
				return err
			}

			var chunk threatwatch.ThreatChunk
			for _, t := range stored {
				if all || t.WhoisStatus != threatwatch.WhoisSuccess {
					chunk = append(chunk, t)
				}
			}
			if len(chunk) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No threat to enrich")
				return nil
			}

			stats, enrichErr := enricher.Enrich(cmd.Context(), chunk)
			if err := repo.PutThreats(chunk); err != nil {
				return errors.Wrap(err, "Failed to save enriched threats").With("count", len(chunk))
			}
			if enrichErr != nil {
				return enrichErr
			}

			fmt.Fprintf(cmd.OutOrStdout(), "threats=%d domains=%d success=%d failed=%d skipped=%d\n",
				len(chunk), stats.Domains, stats.Success, stats.Failed, stats.Skipped)
			return nil
		},
	}
	flags.bind(cmd)
	cmd.Flags().BoolVar(&all, "all", false, "Also re-enrich threats that already have WHOIS data")
	return cmd
}

func newAlertCommand(x *app) *cobra.Command {
	var digest bool

	cmd := &cobra.Command{
		Use:   "alert",
		Short: "Send alerts of threats not alerted yet, or the daily digest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			repo, err := x.args.RepositoryService()
			if err != nil {
				return err
			}
			alert := x.args.AlertService(repo)
			if len(alert.Channels()) == 0 {
				return errors.New("No alert channel is configured, set SLACK_WEBHOOK_URL or TELEGRAM_TOKEN and TELEGRAM_CHAT_ID")
			}

			if digest {
				result, err := alert.DailyDigest(cmd.Context(), time.Now())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "digest sent to %d channel(s)\n", len(result.Sent))
				return nil
			}

			threats, err := repo.Search(&threatwatch.ThreatQuery{
				OnlyUnalerted: true,
				SortBy:        threatwatch.SortByDetectedAt,
			})
			if err != nil {
				return err
			}

			result, err := alert.Notify(cmd.Context(), threats)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "alerted=%d failed_channels=%d\n", result.Alerted, len(result.Errors))
			return nil
		},
	}
	cmd.Flags().BoolVar(&digest, "digest", false, "Send daily digest instead of new threat alerts")
	return cmd
}
