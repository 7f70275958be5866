package main

import (
	"encoding/json"
	"fmt"

	"github.com/hyperengineering/relay/pkg/relay"
	"github.com/spf13/cobra"
)

var (
	conflictsResolved bool
	resolveAs         string
	resolvePayload    string
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Inspect and resolve sync conflicts",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List unresolved conflicts",
	Args:  cobra.NoArgs,
	RunE:  runConflictsList,
}

var conflictsShowCmd = &cobra.Command{
	Use:   "show <conflict-id>",
	Short: "Show both sides of a conflict",
	Args:  cobra.ExactArgs(1),
	RunE:  runConflictsShow,
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <conflict-id>",
	Short: "Resolve a conflict",
	Long: `Resolve a conflict by keeping the local change (local), accepting the
server state (server), or submitting a merged payload (merge, requires
--payload). local and merge queue a follow-up operation.`,
	Args: cobra.ExactArgs(1),
	RunE: runConflictsResolve,
}

var conflictsAbandonCmd = &cobra.Command{
	Use:   "abandon <conflict-id>",
	Short: "Close a conflict without choosing a side",
	Args:  cobra.ExactArgs(1),
	RunE:  runConflictsAbandon,
}

func init() {
	conflictsListCmd.Flags().BoolVar(&conflictsResolved, "resolved", false, "List resolved conflicts instead")
	conflictsResolveCmd.Flags().StringVar(&resolveAs, "as", "", "Resolution: local, server or merge (required)")
	conflictsResolveCmd.Flags().StringVar(&resolvePayload, "payload", "", `Merged JSON payload, or "-" to read stdin`)
	conflictsResolveCmd.MarkFlagRequired("as")

	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsShowCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)
	conflictsCmd.AddCommand(conflictsAbandonCmd)
}

func runConflictsList(cmd *cobra.Command, args []string) error {
	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	var conflicts []relay.Conflict
	if conflictsResolved {
		conflicts, err = client.ListResolvedConflicts(cmd.Context())
	} else {
		conflicts, err = client.ListUnresolvedConflicts(cmd.Context())
	}
	if err != nil {
		return fmt.Errorf("list conflicts: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"conflicts": conflicts,
			"total":     len(conflicts),
		})
	}

	if len(conflicts) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No conflicts.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tKIND\tRECORD\tSERVER VERSION\tDETECTED\tRESOLUTION")
	for _, c := range conflicts {
		fmt.Fprintf(w, "%s\t%s\t%s/%s\t%d\t%s\t%s\n",
			c.ID,
			c.Kind,
			c.Table, c.Key,
			c.ServerVersion,
			c.DetectedAt.Format("2006-01-02 15:04:05"),
			orDash(string(c.Resolution)),
		)
	}
	w.Flush()
	return nil
}

func runConflictsShow(cmd *cobra.Command, args []string) error {
	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	c, err := client.GetConflict(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), c)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Conflict:       %s\n", c.ID)
	fmt.Fprintf(out, "Operation:      %s (%s)\n", c.OperationID, c.Kind)
	fmt.Fprintf(out, "Record:         %s/%s\n", c.Table, c.Key)
	fmt.Fprintf(out, "Server version: %d\n", c.ServerVersion)
	fmt.Fprintf(out, "Detected:       %s\n", c.DetectedAt.Format("2006-01-02 15:04:05"))
	if c.Resolved {
		fmt.Fprintf(out, "Resolution:     %s\n", c.Resolution)
	}
	fmt.Fprintf(out, "Local:          %s\n", orDash(string(c.LocalPayload)))
	if c.ServerDeleted {
		fmt.Fprintln(out, "Server:         (deleted)")
	} else {
		fmt.Fprintf(out, "Server:         %s\n", orDash(string(c.ServerPayload)))
	}
	return nil
}

func runConflictsResolve(cmd *cobra.Command, args []string) error {
	resolution, err := relay.ParseResolution(resolveAs)
	if err != nil {
		return err
	}

	var merged json.RawMessage
	if resolvePayload != "" {
		if merged, err = readPayload(cmd, resolvePayload); err != nil {
			return err
		}
	}

	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	op, err := client.ResolveConflict(cmd.Context(), args[0], resolution, merged)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"id":         args[0],
			"resolution": resolution,
			"follow_up":  op,
		})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Resolved conflict %s as %s\n", args[0], resolution)
	if op != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Queued %s %s/%s as operation %s\n", op.Kind, op.Table, op.Key, op.ID)
	}
	return nil
}

func runConflictsAbandon(cmd *cobra.Command, args []string) error {
	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.AbandonConflict(cmd.Context(), args[0]); err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"id":         args[0],
			"resolution": relay.ResolutionAbandoned,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Abandoned conflict %s\n", args[0])
	return nil
}
