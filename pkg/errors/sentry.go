package errors

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

// InitSentry configures sentry client. Emitting is disabled when dsn is empty.
func InitSentry(dsn, env string) error {
	if dsn == "" {
		return nil
	}

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: env,
	}); err != nil {
		return Wrap(err, "Failed sentry.Init").With("env", env)
	}
	return nil
}

// EmitSentry sends err to sentry with context values. It returns event ID or
// empty string if sentry is not configured.
func EmitSentry(err error) string {
	if sentry.CurrentHub().Client() == nil {
		return ""
	}

	var evID *sentry.EventID
	sentry.WithScope(func(scope *sentry.Scope) {
		var e *Error
		if As(err, &e) {
			for key, value := range e.Values {
				scope.SetExtra(key, fmt.Sprintf("%v", value))
			}
		}
		evID = sentry.CaptureException(err)
	})

	if evID == nil {
		return ""
	}
	return string(*evID)
}

// FlushSentry waits for buffered events to be sent
func FlushSentry() {
	if sentry.CurrentHub().Client() == nil {
		return
	}
	sentry.Flush(2 * time.Second)
}
