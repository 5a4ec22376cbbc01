package main

import (
	"context"
	"fmt"
	"io"
	"time"

	otaharness "github.com/OE4T/otaharness"
	"github.com/OE4T/otaharness/internal/config"
	"github.com/OE4T/otaharness/pkg/scenario"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var scenarioShort = map[scenario.Name]string{
	scenario.NameUpdate:        "Install the artifact, reboot into the new slot and commit it",
	scenario.NameRollback:      "Install without confirming boots and wait for the device to revert",
	scenario.NameStability:     "Reboot repeatedly and check the slot never changes",
	scenario.NameTest:          "Run rollback, committed update and stability in sequence",
	scenario.NameTorture:       "Run repeated committed updates, then repeated full test rounds",
	scenario.NameRebootTorture: "Run a long stability phase of plain reboots",
}

func newScenarioCmds(settings *config.Settings) []*cobra.Command {
	cmds := make([]*cobra.Command, 0, len(scenario.Names))
	for _, name := range scenario.Names {
		name := name
		cmds = append(cmds, &cobra.Command{
			Use:   string(name),
			Short: scenarioShort[name],
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runScenario(cmd.Context(), cmd.OutOrStdout(), settings, name, 1)
			},
		})
	}
	return cmds
}

func newSoakCmd(settings *config.Settings) *cobra.Command {
	var (
		flagScenario string
		flagRepeat   int
	)
	cmd := &cobra.Command{
		Use:   "soak",
		Short: "Repeat a scenario until it fails (--repeat 0 runs forever)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := scenario.ParseName(flagScenario)
			if err != nil {
				return err
			}
			return runScenario(cmd.Context(), cmd.OutOrStdout(), settings, name, flagRepeat)
		},
	}
	cmd.Flags().StringVar(&flagScenario, "scenario", string(scenario.NameRollback), "scenario to repeat")
	cmd.Flags().IntVar(&flagRepeat, "repeat", 0, "number of iterations (0 repeats until failure or interrupt)")
	return cmd
}

// runScenario runs name once when repeat is 1, otherwise soaks it.
func runScenario(ctx context.Context, out io.Writer, settings *config.Settings, name scenario.Name, repeat int) error {
	cfg, err := resolveConfig(settings)
	if err != nil {
		return err
	}
	h, err := openHarness(ctx, cfg)
	if err != nil {
		return err
	}
	defer h.Close()

	var outcome otaharness.TestOutcome
	if repeat == 1 {
		outcome, err = h.runner.Run(ctx, name)
	} else {
		outcome, err = h.runner.Soak(ctx, name, repeat)
	}
	printOutcome(out, outcome)
	if err != nil {
		return err
	}
	log.Info().Str("scenario", string(name)).Str("run", h.runner.RunID()).Msg("Success")
	return nil
}

func printOutcome(out io.Writer, o otaharness.TestOutcome) {
	status := "PASS"
	if !o.Passed {
		status = "FAIL"
	}
	fmt.Fprintf(out, "%s %s slot %s -> %s", status, o.Scenario, o.SlotBefore, o.SlotAfter)
	if o.RetryCount > 0 {
		fmt.Fprintf(out, " retries=%d", o.RetryCount)
	}
	if o.Iteration > 0 {
		fmt.Fprintf(out, " iteration=%d", o.Iteration)
	}
	if !o.Passed && o.Step != "" {
		fmt.Fprintf(out, " step=%q", o.Step)
	}
	fmt.Fprintf(out, " duration=%s\n", o.Duration.Round(time.Millisecond))
}
