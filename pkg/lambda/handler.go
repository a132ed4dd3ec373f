package lambda

import (
	"context"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/m-mizutani/threatwatch/pkg/errors"
	"github.com/m-mizutani/threatwatch/pkg/logging"
)

// Handler is callback function type of lambda.Run()
type Handler func(ctx context.Context, args *Arguments) error

// Run sets up Arguments and logging tools, then invoke handler with Arguments
func Run(handler Handler) {
	lambda.Start(func(ctx context.Context, event interface{}) error {
		return Invoke(ctx, handler, event)
	})
}

// Invoke runs handler once with event. Error is logged with its context values
// and sent to Sentry.
func Invoke(ctx context.Context, handler Handler, event interface{}) error {
	defer errors.FlushSentry()

	args, err := newArguments(event)
	if err != nil {
		logging.LogError(err)
		return err
	}
	defer func() {
		if err := args.Close(); err != nil {
			logging.Logger.Warn().Err(err).Msg("Failed to close repository")
		}
	}()

	if err := logging.SetLevel(args.LogLevel); err != nil {
		return err
	}
	if err := errors.InitSentry(args.SentryDSN, args.SentryEnv); err != nil {
		logging.LogError(err)
	}

	if err := handler(ctx, args); err != nil {
		errors.EmitSentry(err)
		logging.LogError(err)
		return err
	}

	if err := args.WriteMetrics(); err != nil {
		logging.LogError(err)
	}
	return nil
}
