package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/m-mizutani/threatwatch/pkg/errors"
	"github.com/m-mizutani/threatwatch/pkg/service"
	"github.com/spf13/cobra"
)

func newReportCommand(x *app) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Show statistics of recorded threats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			report, err := x.args.ReportService()
			if err != nil {
				return err
			}
			summary, err := report.Summary()
			if err != nil {
				return err
			}

			switch format {
			case "table":
				service.RenderSummary(cmd.OutOrStdout(), summary)
				return nil
			case "json":
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(summary)
			default:
				return errors.New("Unsupported output format").With("format", format)
			}
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "table", "Output format (table, json)")
	return cmd
}

// formatOf returns output format by file extension, or format if it is given
func formatOf(path, format string) string {
	if format != "" {
		return format
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return "csv"
	case ".jsonl":
		return "jsonl"
	}
	return "json"
}

func newExportCommand(x *app) *cobra.Command {
	var (
		flags  queryFlags
		output string
		format string
		toS3   bool
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export recorded threats to a CSV/JSON file or S3",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !toS3 && output == "" {
				return errors.New("Either --output or --s3 is required")
			}

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

			if toS3 {
				if x.args.ExportBucket == "" {
					return errors.New("EXPORT_BUCKET is required to export to S3")
				}
				key, err := x.args.ExportService().ExportToS3(x.args.AwsRegion, x.args.ExportBucket, x.args.ExportPrefix, threats, time.Now())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "exported %d threats to s3://%s/%s\n", len(threats), x.args.ExportBucket, key)
				return nil
			}

			fd, err := os.Create(filepath.Clean(output))
			if err != nil {
				return errors.Wrap(err, "Failed to create output file").With("path", output)
			}
			if err := writeThreats(fd, formatOf(output, format), threats); err != nil {
				fd.Close()
				return err
			}
			if err := fd.Close(); err != nil {
				return errors.Wrap(err, "Failed to close output file").With("path", output)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d threats to %s\n", len(threats), output)
			return nil
		},
	}
	flags.bind(cmd)
	f := cmd.Flags()
	f.StringVarP(&output, "output", "o", "", "Output file path")
	f.StringVarP(&format, "format", "f", "", "File format (csv, json, jsonl), default is by extension")
	f.BoolVar(&toS3, "s3", false, "Upload gzipped JSON lines to EXPORT_BUCKET")
	return cmd
}

// parseS3URL splits s3://bucket/key. ok is false if src is not S3 URL.
func parseS3URL(src string) (bucket, key string, ok bool, err error) {
	if !strings.HasPrefix(src, "s3://") {
		return "", "", false, nil
	}
	u, err := url.Parse(src)
	if err != nil {
		return "", "", true, errors.Wrap(err, "Invalid S3 URL").With("url", src)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", true, errors.New("S3 URL must be s3://bucket/key").With("url", src)
	}
	return u.Host, key, true, nil
}

func newImportCommand(x *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE|s3://BUCKET/KEY...",
		Short: "Import seed threats from CSV/JSON files or threats exported to S3",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, sources []string) error {
			importer, err := x.args.ImportService()
			if err != nil {
				return err
			}

			for _, src := range sources {
				bucket, key, isS3, err := parseS3URL(src)
				if err != nil {
					return err
				}

				var result *service.ImportResult
				if isS3 {
					rq := x.args.ExportService().NewReadQueue(x.args.AwsRegion, bucket, key)
					result, err = importer.ImportReadQueue(src, rq)
				} else {
					result, err = importer.ImportFile(src)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: read=%d valid=%d new=%d\n", src, result.Read, result.Valid, result.New)
			}
			return nil
		},
	}
}

func newWatchCommand(x *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch DIR",
		Short: "Import seed files written to a directory until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			importer, err := x.args.ImportService()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			return importer.Watch(cmd.Context(), args[0], func(result *service.ImportResult, err error) {
				if err != nil {
					return
				}
				fmt.Fprintf(out, "%s: read=%d valid=%d new=%d\n", result.Path, result.Read, result.Valid, result.New)
			})
		},
	}
}
