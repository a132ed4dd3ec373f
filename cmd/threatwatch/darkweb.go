package main

import (
	"fmt"

	"github.com/m-mizutani/threatwatch/pkg/darkweb"
	"github.com/spf13/cobra"
)

func newDarkWebCommand(x *app) *cobra.Command {
	var (
		seeds   []string
		query   string
		limit   int
		noAlert bool
	)

	cmd := &cobra.Command{
		Use:   "darkweb",
		Short: "Crawl onion sites via Tor and record them as threats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			job, err := x.args.DarkWebJob()
			if err != nil {
				return err
			}
			job.Seeds = append(job.Seeds, seeds...)
			if cmd.Flags().Changed("query") {
				job.Query = query
			}
			if cmd.Flags().Changed("limit") {
				job.Limit = limit
			}

			p, err := x.args.Processor(false, !noAlert)
			if err != nil {
				return err
			}

			result, pages, err := p.RunDarkWeb(cmd.Context(), job)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			online := 0
			for _, page := range pages {
				if page.Reachable {
					online++
				}
			}
			fmt.Fprintf(out, "sites=%d online=%d new=%d alerted=%d\n", len(pages), online, result.New, result.Alerted)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringSliceVar(&seeds, "seed", nil, "Additional onion URL to crawl")
	f.StringVarP(&query, "query", "q", "", "Ahmia search query, empty to crawl only seeds")
	f.IntVar(&limit, "limit", 0, "Max number of discovered onion sites")
	f.BoolVar(&noAlert, "no-alert", false, "Do not send alerts")
	return cmd
}

func newTorCommand(x *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tor",
		Short: "Tor circuit utilities",
	}

	rotate := &cobra.Command{
		Use:   "rotate",
		Short: "Request a new Tor identity via control port",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := x.args.Rotator().Rotate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Tor identity rotated")
			return nil
		},
	}

	var direct bool
	ip := &cobra.Command{
		Use:   "ip",
		Short: "Show exit IP address of Tor circuit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := x.args.TorHTTPClient()
			if err != nil {
				return err
			}
			torIP, err := darkweb.ExitIP(cmd.Context(), client)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tor: %s\n", torIP)

			if direct {
				directIP, err := darkweb.ExitIP(cmd.Context(), x.args.HTTPClient())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "direct: %s\n", directIP)
				if directIP == torIP {
					logger.Warn().Str("ip", torIP).Msg("Tor exit IP is the same as direct IP")
				}
			}
			return nil
		},
	}
	ip.Flags().BoolVar(&direct, "direct", false, "Also show IP address without Tor")

	cmd.AddCommand(rotate, ip)
	return cmd
}
