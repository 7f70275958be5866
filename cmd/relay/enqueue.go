package main

import (
	"fmt"

	"github.com/hyperengineering/relay/pkg/relay"
	"github.com/spf13/cobra"
)

var (
	enqueueTable       string
	enqueueKey         string
	enqueuePayload     string
	enqueuePriority    int
	enqueueBaseVersion int64
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <insert|update|delete>",
	Short: "Queue a record mutation",
	Long:  "Durably queue an insert, update or delete. The mutation is applied to the local cache immediately and synced later.",
	Args:  cobra.ExactArgs(1),
	RunE:  runEnqueue,
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueTable, "table", "", "Record table (required)")
	enqueueCmd.Flags().StringVar(&enqueueKey, "key", "", "Record key (required)")
	enqueueCmd.Flags().StringVar(&enqueuePayload, "payload", "", `JSON payload, or "-" to read stdin`)
	enqueueCmd.Flags().IntVar(&enqueuePriority, "priority", 0, "Priority; higher drains first (default from config)")
	enqueueCmd.Flags().Int64Var(&enqueueBaseVersion, "base-version", 0, "Server version the mutation is based on (default from cache)")
	enqueueCmd.MarkFlagRequired("table")
	enqueueCmd.MarkFlagRequired("key")
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	kind, err := relay.ParseOperationKind(args[0])
	if err != nil {
		return err
	}

	var payload []byte
	if kind != relay.KindDelete {
		if enqueuePayload == "" {
			return fmt.Errorf("--payload is required for %s", kind)
		}
		if payload, err = readPayload(cmd, enqueuePayload); err != nil {
			return err
		}
	}

	var opts []relay.EnqueueOption
	if cmd.Flags().Changed("priority") {
		opts = append(opts, relay.WithPriority(enqueuePriority))
	}
	if cmd.Flags().Changed("base-version") {
		opts = append(opts, relay.WithBaseVersion(enqueueBaseVersion))
	}

	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx := cmd.Context()
	var op *relay.Operation
	switch kind {
	case relay.KindInsert:
		op, err = client.EnqueueInsert(ctx, enqueueTable, enqueueKey, payload, opts...)
	case relay.KindUpdate:
		op, err = client.EnqueueUpdate(ctx, enqueueTable, enqueueKey, payload, opts...)
	case relay.KindDelete:
		op, err = client.EnqueueDelete(ctx, enqueueTable, enqueueKey, opts...)
	}
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), op)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Queued %s %s/%s as operation %s\n", op.Kind, op.Table, op.Key, op.ID)
	return nil
}
