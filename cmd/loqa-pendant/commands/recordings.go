package commands

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/loqalabs/loqa-pendant/internal/conversation"
	"github.com/loqalabs/loqa-pendant/internal/walsync"
	"github.com/spf13/cobra"
)

var exportOutput string

var recordingsCmd = &cobra.Command{
	Use:   "recordings",
	Short: "List, process, export or delete synced recordings",
}

var recordingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List synced recordings, oldest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := daemon()
		if err != nil {
			return err
		}
		var recs []walsync.Recording
		if _, err := c.do(cmd.Context(), http.MethodGet, "/v1/recordings", nil, &recs); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if formatOutput == "json" {
			return printJSON(out, recs)
		}
		if len(recs) == 0 {
			fmt.Fprintln(out, "no recordings")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tCODEC\tSECONDS\tCREATED\tPROCESSED")
		for _, r := range recs {
			fmt.Fprintf(tw, "%s\t%s\t%.1f\t%s\t%t\n", r.ID, r.Codec, r.DurationSeconds, r.CreatedAt.Local().Format("2006-01-02 15:04"), r.Processed)
		}
		return tw.Flush()
	},
}

var recordingsProcessCmd = &cobra.Command{
	Use:   "process <id>",
	Short: "Transcribe a recording into a stored conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := daemon()
		if err != nil {
			return err
		}
		var resp struct {
			Speech       bool                      `json:"speech"`
			Conversation conversation.Conversation `json:"conversation"`
		}
		if _, err := c.do(cmd.Context(), http.MethodPost, "/v1/recordings/"+url.PathEscape(args[0])+"/process", nil, &resp); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if formatOutput == "json" {
			return printJSON(out, resp)
		}
		if !resp.Speech {
			fmt.Fprintln(out, "no speech found")
			return nil
		}
		fmt.Fprintf(out, "conversation %s: %d segments\n", resp.Conversation.ID, len(resp.Conversation.Segments))
		return nil
	},
}

var recordingsExportCmd = &cobra.Command{
	Use:   "export <id>",
	Short: "Decode a recording to a WAV file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := daemon()
		if err != nil {
			return err
		}
		path := exportOutput
		if path == "" {
			path = args[0] + ".wav"
		}
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		n, err := c.download(cmd.Context(), "/v1/recordings/"+url.PathEscape(args[0])+"/audio", f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(path)
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", path, n)
		return nil
	},
}

var recordingsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a recording and its file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := daemon()
		if err != nil {
			return err
		}
		if _, err := c.do(cmd.Context(), http.MethodDelete, "/v1/recordings/"+url.PathEscape(args[0]), nil, nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
		return nil
	},
}

func init() {
	recordingsExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "output file (default <id>.wav)")
	recordingsCmd.AddCommand(recordingsListCmd, recordingsProcessCmd, recordingsExportCmd, recordingsDeleteCmd)
	rootCmd.AddCommand(recordingsCmd)
}
