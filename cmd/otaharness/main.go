package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	otaharness "github.com/OE4T/otaharness"
	"github.com/OE4T/otaharness/internal/config"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	exitFailure       = 1
	exitConfiguration = 2
)

func newRootCmd(settings *config.Settings) *cobra.Command {
	var (
		flagLogLevel string
		flagLogJSON  bool
	)

	root := &cobra.Command{
		Use:   "otaharness",
		Short: "A/B slot OTA acceptance harness",
		Long: `otaharness drives install, commit, reboot and rollback cycles on a dual-slot
device over ssh or adb and checks that the boot slot changes exactly when it should.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(cmd.ErrOrStderr(), flagLogLevel, flagLogJSON)
		},
	}

	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return errors.Wrap(otaharness.ErrConfiguration, err.Error())
	})

	pf := root.PersistentFlags()
	pf.StringVar(&flagLogLevel, "log-level", "info", "log level: debug, info, warn or error")
	pf.BoolVar(&flagLogJSON, "log-json", false, "emit JSON logs instead of console output")
	settings.BindFlags(pf)

	root.AddCommand(newScenarioCmds(settings)...)
	root.AddCommand(
		newSoakCmd(settings),
		newSlotCmd(settings),
		newHistoryCmd(settings),
	)
	return root
}

func setupLogging(out io.Writer, level string, json bool) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		return errors.Wrapf(otaharness.ErrConfiguration, "invalid log level %q", level)
	}
	zerolog.SetGlobalLevel(lvl)
	if json {
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
		return nil
	}
	output := zerolog.ConsoleWriter{Out: out, TimeFormat: time.DateTime}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	return nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, otaharness.ErrConfiguration) {
		return exitConfiguration
	}
	return exitFailure
}

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	settings, err := config.LoadSettings()
	if err != nil {
		log.Error().Err(err).Msg("otaharness configuration failed")
		os.Exit(exitConfiguration)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = newRootCmd(&settings).ExecuteContext(ctx)
	stop()
	if err != nil {
		log.Error().Err(err).Msg("otaharness command failed")
	}
	os.Exit(exitCode(err))
}
