package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/m-mizutani/threatwatch/pkg/arguments"
	"github.com/m-mizutani/threatwatch/pkg/errors"
	"github.com/m-mizutani/threatwatch/pkg/logging"
	"github.com/spf13/cobra"
)

var logger = logging.Logger

// app holds Arguments shared by subcommands. load is replaced in tests.
type app struct {
	load func() (*arguments.Arguments, error)
	args *arguments.Arguments

	logLevel string
	dbPath   string
}

func (x *app) setup(cmd *cobra.Command) error {
	if x.args == nil {
		args, err := x.load()
		if err != nil {
			return err
		}
		x.args = args
	}

	if cmd.Flags().Changed("log-level") {
		x.args.LogLevel = x.logLevel
	}
	if cmd.Flags().Changed("db") {
		x.args.DBPath = x.dbPath
	}

	if err := logging.SetLevel(x.args.LogLevel); err != nil {
		return err
	}
	return errors.InitSentry(x.args.SentryDSN, x.args.SentryEnv)
}

func newRootCommand(x *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "threatwatch",
		Short:         "OSINT phishing and dark web threat collector",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return x.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return x.args.WriteMetrics()
		},
	}

	root.PersistentFlags().StringVar(&x.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	root.PersistentFlags().StringVar(&x.dbPath, "db", "", "SQLite database path, overrides THREATWATCH_DB_PATH")

	root.AddCommand(
		newCollectCommand(x),
		newEnrichCommand(x),
		newDarkWebCommand(x),
		newSearchCommand(x),
		newReportCommand(x),
		newAlertCommand(x),
		newWatchCommand(x),
		newExportCommand(x),
		newImportCommand(x),
		newTorCommand(x),
	)
	return root
}

func run(ctx context.Context, x *app, argv []string) error {
	defer errors.FlushSentry()
	defer func() {
		if x.args != nil {
			if err := x.args.Close(); err != nil {
				logger.Warn().Err(err).Msg("Failed to close repository")
			}
		}
	}()

	root := newRootCommand(x)
	root.SetArgs(argv)
	if err := root.ExecuteContext(ctx); err != nil {
		errors.EmitSentry(err)
		logging.LogError(err)
		return err
	}
	return nil
}

func main() {
	logging.SetConsole(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, &app{load: arguments.New}, os.Args[1:]); err != nil {
		stop()
		os.Exit(1)
	}
}
