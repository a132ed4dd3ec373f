package main

import (
	"context"

	"github.com/m-mizutani/threatwatch/pkg/errors"
	"github.com/m-mizutani/threatwatch/pkg/lambda"
	"github.com/m-mizutani/threatwatch/pkg/logging"
)

// Handler fetches all enabled feeds and publishes normalized threats to
// THREAT_TOPIC_ARN. Exported for test.
func Handler(ctx context.Context, args *lambda.Arguments) error {
	if args.ThreatTopicARN == "" {
		return errors.New("THREAT_TOPIC_ARN is required")
	}

	p, err := args.Collector(nil)
	if err != nil {
		return err
	}

	chunk, result := p.Collect(ctx)
	if err := args.SNSService().PublishThreats(args.ThreatTopicARN, chunk); err != nil {
		return errors.Wrap(err).With("topic", args.ThreatTopicARN)
	}

	logging.Logger.Info().
		Str("run_id", result.RunID).
		Int("fetched", result.Fetched).
		Int("published", len(chunk)).
		Int("feed_errors", len(result.FeedErrors())).
		Msg("Published collected threats")
	return nil
}

func main() {
	lambda.Run(Handler)
}
