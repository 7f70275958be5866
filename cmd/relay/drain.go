package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Sync every pending operation now",
	Long:  "Attempt every queued operation against the remote service immediately, ignoring retry backoff.",
	Args:  cobra.NoArgs,
	RunE:  runDrain,
}

func runDrain(cmd *cobra.Command, args []string) error {
	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	summary, err := client.DrainNow(cmd.Context())
	if err != nil {
		return fmt.Errorf("drain: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), summary)
	}

	out := cmd.OutOrStdout()
	if len(summary.Results) > 0 {
		w := newTabWriter(out)
		fmt.Fprintln(w, "OPERATION\tKIND\tRECORD\tOUTCOME\tDETAIL")
		for _, r := range summary.Results {
			detail := r.Error
			if r.ConflictID != "" {
				detail = "conflict " + r.ConflictID
			}
			fmt.Fprintf(w, "%s\t%s\t%s/%s\t%s\t%s\n", r.OperationID, r.Kind, r.Table, r.Key, r.Outcome, orDash(detail))
		}
		w.Flush()
	}
	fmt.Fprintf(out, "Synced %d, failed %d, conflicts %d, deferred %d\n",
		summary.Synced, summary.Failed, summary.Conflicts, summary.Deferred)
	return nil
}
