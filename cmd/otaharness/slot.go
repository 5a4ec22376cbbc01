package main

import (
	"fmt"

	"github.com/OE4T/otaharness/internal/config"
	"github.com/OE4T/otaharness/pkg/device"
	"github.com/OE4T/otaharness/pkg/remote"
	"github.com/OE4T/otaharness/pkg/slot"
	"github.com/spf13/cobra"
)

func newSlotCmd(settings *config.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "slot",
		Short: "Print the current boot slot and check its rootfs partition is mounted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(settings)
			if err != nil {
				return err
			}
			dialer, err := remote.NewDialer(cfg.Target)
			if err != nil {
				return err
			}
			h := device.NewHandle(dialer, cfg.Target.Address,
				device.WithRetryInterval(cfg.Probe.Interval),
				device.WithCommandTimeout(cfg.CommandTimeout),
			)
			defer h.Close()

			check, err := slot.NewInspector(h).CheckPartitionConsistency(cmd.Context())
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "slot: %s\n", check.Slot)
			if check.Configured != "" {
				fmt.Fprintf(out, "partition: %s\n", check.Configured)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(out, "mounted: yes")
			return nil
		},
	}
}
