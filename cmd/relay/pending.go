package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List queued operations in drain order",
	Args:  cobra.NoArgs,
	RunE:  runPending,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <operation-id>",
	Short: "Drop a queued operation before it syncs",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func runPending(cmd *cobra.Command, args []string) error {
	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	ops, err := client.ListPending(cmd.Context())
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"operations": ops,
			"total":      len(ops),
		})
	}

	if len(ops) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No pending operations.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tKIND\tRECORD\tPRIORITY\tRETRIES\tENQUEUED\tLAST ERROR")
	for _, op := range ops {
		fmt.Fprintf(w, "%s\t%s\t%s/%s\t%d\t%d\t%s\t%s\n",
			op.ID,
			op.Kind,
			op.Table, op.Key,
			op.Priority,
			op.RetryCount,
			op.EnqueuedAt.Format("2006-01-02 15:04:05"),
			orDash(op.LastError),
		)
	}
	w.Flush()
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.CancelOperation(cmd.Context(), args[0]); err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"id":        args[0],
			"cancelled": true,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cancelled operation %s\n", args[0])
	return nil
}
