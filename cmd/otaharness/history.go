package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/OE4T/otaharness/internal/config"
	"github.com/OE4T/otaharness/pkg/storage"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newHistoryCmd(settings *config.Settings) *cobra.Command {
	var (
		flagRunID    string
		flagScenario string
		flagFailed   bool
		flagLimit    int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded scenario outcomes, newest first",
		Long:  "List recorded scenario outcomes, newest first. When --device is set only that device's outcomes are shown.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := settings.Resolve()
			if err != nil {
				return err
			}
			store, err := storage.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			rows, err := store.List(cmd.Context(), storage.Filter{
				RunID:      flagRunID,
				Scenario:   flagScenario,
				Device:     cfg.Target.Address,
				FailedOnly: flagFailed,
				Limit:      flagLimit,
			})
			if err != nil {
				return err
			}
			return writeHistory(cmd.OutOrStdout(), rows, time.Now())
		},
	}
	cmd.Flags().StringVar(&flagRunID, "run", "", "only outcomes of this run id")
	cmd.Flags().StringVar(&flagScenario, "scenario", "", "only outcomes of this scenario")
	cmd.Flags().BoolVar(&flagFailed, "failed", false, "only failed outcomes")
	cmd.Flags().IntVar(&flagLimit, "limit", 50, "maximum rows to list")
	return cmd
}

func writeHistory(out io.Writer, rows []storage.Row, now time.Time) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(out, "no outcomes recorded")
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tRUN\tSCENARIO\tITER\tDEVICE\tRESULT\tRETRIES\tSLOTS\tREPORT\tREASON")
	for _, row := range rows {
		o := row.Outcome
		result := "pass"
		if !o.Passed {
			result = "fail"
		}
		runID := o.RunID
		if len(runID) > 8 {
			runID = runID[:8]
		}
		reason := strings.ReplaceAll(o.Reason, "\n", " ")
		if len(reason) > 60 {
			reason = reason[:57] + "..."
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%d\t%s->%s\t%s\t%s\n",
			humanize.RelTime(o.StartedAt, now, "ago", "from now"),
			runID, o.Scenario, o.Iteration, o.Device, result, o.RetryCount,
			o.SlotBefore, o.SlotAfter, row.ReportState(), reason)
	}
	return tw.Flush()
}
