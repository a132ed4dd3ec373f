package main

import (
	"context"
	"time"

	"github.com/m-mizutani/threatwatch"
	"github.com/m-mizutani/threatwatch/pkg/errors"
	"github.com/m-mizutani/threatwatch/pkg/lambda"
)

const exportWindow = 24 * time.Hour

// Handler exports threats detected in the last 24 hours to EXPORT_BUCKET.
// Exported for test.
func Handler(ctx context.Context, args *lambda.Arguments) error {
	if args.ExportBucket == "" {
		return errors.New("EXPORT_BUCKET is required")
	}

	repo, err := args.RepositoryService()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	threats, err := repo.Search(&threatwatch.ThreatQuery{
		From:   now.Add(-exportWindow),
		SortBy: threatwatch.SortByDetectedAt,
	})
	if err != nil {
		return err
	}

	if _, err := args.ExportService().ExportToS3(args.AwsRegion, args.ExportBucket, args.ExportPrefix, threats, now); err != nil {
		return errors.Wrap(err).With("bucket", args.ExportBucket)
	}
	return nil
}

func main() {
	lambda.Run(Handler)
}
