package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue, conflict and cache counts",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	st, err := client.Status(cmd.Context())
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), st)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Client:               %s\n", st.ClientID)
	fmt.Fprintf(out, "Database:             %s\n", loadedConfig.Client.DataPath)
	fmt.Fprintf(out, "Remote:               %s\n", orDash(loadedConfig.Remote.URL))
	fmt.Fprintf(out, "Pending operations:   %d\n", st.PendingOperations)
	fmt.Fprintf(out, "Failing operations:   %d\n", st.FailingOperations)
	fmt.Fprintf(out, "Unresolved conflicts: %d\n", st.UnresolvedConflict)
	fmt.Fprintf(out, "Cached records:       %d\n", st.CacheEntries)
	return nil
}
