package main

import (
	"context"

	"github.com/m-mizutani/threatwatch"
	"github.com/m-mizutani/threatwatch/pkg/lambda"
)

// Handler records threat chunks delivered by SNS over SQS, enriches them and
// alerts new threats. Exported for test.
func Handler(ctx context.Context, args *lambda.Arguments) error {
	events, err := args.DecapSNSoverSQSEvent()
	if err != nil {
		return err
	}

	p, err := args.Processor(true, true)
	if err != nil {
		return err
	}

	for _, event := range events {
		var chunk threatwatch.ThreatChunk
		if err := event.Bind(&chunk); err != nil {
			return err
		}

		if _, err := p.Process(ctx, chunk); err != nil {
			return err
		}
	}

	return nil
}

func main() {
	lambda.Run(Handler)
}
