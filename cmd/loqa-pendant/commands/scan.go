package commands

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/loqalabs/loqa-pendant/internal/device/ble"
	"github.com/spf13/cobra"
)

var scanTimeout time.Duration

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List nearby peripherals",
	Long: `Scan for pendant peripherals over Bluetooth LE and print their ids.

Use an id as device.id in the config file or with 'POST /v1/device/connect'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		timeout := scanTimeout
		if timeout <= 0 {
			timeout = time.Duration(cfg.Device.ScanTimeoutMS) * time.Millisecond
		}

		adapter := ble.NewAdapter(newLogger("error"))
		if err := adapter.Enable(); err != nil {
			return fmt.Errorf("enable bluetooth adapter: %w", err)
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		found, err := adapter.Scan(ctx)
		if err != nil {
			return err
		}

		if formatOutput == "json" {
			return printJSON(cmd.OutOrStdout(), found)
		}
		if len(found) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no peripherals found")
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tRSSI")
		for _, f := range found {
			fmt.Fprintf(tw, "%s\t%s\t%d\n", f.ID, f.Name, f.RSSI)
		}
		return tw.Flush()
	},
}

func init() {
	scanCmd.Flags().DurationVar(&scanTimeout, "timeout", 0, "scan duration (default device.scan_timeout_ms)")
	rootCmd.AddCommand(scanCmd)
}
