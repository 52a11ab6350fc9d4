package commands

import (
	"fmt"
	"io"
	"net/http"

	"github.com/loqalabs/loqa-pendant/internal/pipeline"
	"github.com/loqalabs/loqa-pendant/internal/walsync"
	"github.com/spf13/cobra"
)

type daemonStatus struct {
	Pipeline pipeline.Status `json:"pipeline"`
	Device   struct {
		State    string `json:"state"`
		DeviceID string `json:"device_id"`
		Name     string `json:"name"`
		Codec    string `json:"codec"`
		Battery  int    `json:"battery"`
		Storage  bool   `json:"storage"`
	} `json:"device"`
	Sync *walsync.Descriptor `json:"sync"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := daemon()
		if err != nil {
			return err
		}
		var st daemonStatus
		if _, err := c.do(cmd.Context(), http.MethodGet, "/v1/status", nil, &st); err != nil {
			return err
		}
		if formatOutput == "json" {
			return printJSON(cmd.OutOrStdout(), st)
		}
		printStatus(cmd.OutOrStdout(), st)
		return nil
	},
}

func printStatus(w io.Writer, st daemonStatus) {
	fmt.Fprintf(w, "device:    %s", st.Device.State)
	if st.Device.DeviceID != "" {
		fmt.Fprintf(w, " %s (%s, battery %d%%)", st.Device.DeviceID, st.Device.Codec, st.Device.Battery)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "listening: %s (source %s, backend %s, router %s)\n",
		st.Pipeline.State, st.Pipeline.Source, st.Pipeline.Backend, st.Pipeline.Router)
	fmt.Fprintf(w, "command:   %s\n", st.Pipeline.Command)
	if st.Sync != nil {
		fmt.Fprintf(w, "sync:      %s %d/%d bytes\n", st.Sync.Status, st.Sync.BytesTransferred, st.Sync.BytesToSync())
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
