package commands

import (
	"fmt"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-pendant/internal/walsync"
	"github.com/spf13/cobra"
)

var (
	syncWait   bool
	syncCancel bool
)

type syncResponse struct {
	Started    bool               `json:"started"`
	Descriptor walsync.Descriptor `json:"descriptor"`
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Download offline audio from the connected device",
	Long: `Ask the daemon to download audio the pendant recorded while disconnected.

The device keeps its data until the recording is stored locally, so an
interrupted sync can simply be run again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := daemon()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		out := cmd.OutOrStdout()
		if syncCancel {
			_, err := c.do(ctx, http.MethodDelete, "/v1/sync", nil, nil)
			if err == nil {
				fmt.Fprintln(out, "sync cancel requested")
			}
			return err
		}

		var resp syncResponse
		if _, err := c.do(ctx, http.MethodPost, "/v1/sync", nil, &resp); err != nil {
			return err
		}
		if formatOutput == "json" && !syncWait {
			return printJSON(out, resp)
		}
		if !resp.Started {
			fmt.Fprintf(out, "nothing to sync (%d seconds pending)\n", resp.Descriptor.ElapsedSeconds)
			return nil
		}
		fmt.Fprintf(out, "syncing %d bytes (~%d seconds of audio)\n", resp.Descriptor.BytesToSync(), resp.Descriptor.ElapsedSeconds)
		if !syncWait {
			return nil
		}

		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
			var st daemonStatus
			if _, err := c.do(ctx, http.MethodGet, "/v1/status", nil, &st); err != nil {
				return err
			}
			if st.Sync == nil || st.Pipeline.Syncing {
				if st.Sync != nil {
					fmt.Fprintf(out, "  %3.0f%%\n", st.Sync.Progress()*100)
				}
				continue
			}
			if formatOutput == "json" {
				return printJSON(out, st.Sync)
			}
			switch st.Sync.Status {
			case walsync.StatusSynced:
				fmt.Fprintf(out, "synced %d bytes\n", st.Sync.BytesTransferred)
				return nil
			case walsync.StatusFailed:
				return fmt.Errorf("sync failed: %s", st.Sync.Error)
			}
		}
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncWait, "wait", false, "wait for the sync to finish")
	syncCmd.Flags().BoolVar(&syncCancel, "cancel", false, "cancel a running sync")
	rootCmd.AddCommand(syncCmd)
}
