package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cacheClearTable string

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Read and manage the local record cache",
}

var cacheGetCmd = &cobra.Command{
	Use:   "get <table> <key>",
	Short: "Print the cached payload of a record",
	Args:  cobra.ExactArgs(2),
	RunE:  runCacheGet,
}

var cacheFetchCmd = &cobra.Command{
	Use:   "fetch <table> <key>",
	Short: "Refresh a record from the remote service",
	Args:  cobra.ExactArgs(2),
	RunE:  runCacheFetch,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop cached records",
	Long:  "Drop every cached record, or those of one table with --table. Pending operations are not affected.",
	Args:  cobra.NoArgs,
	RunE:  runCacheClear,
}

func init() {
	cacheClearCmd.Flags().StringVar(&cacheClearTable, "table", "", "Only clear this table")

	cacheCmd.AddCommand(cacheGetCmd)
	cacheCmd.AddCommand(cacheFetchCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}

func runCacheGet(cmd *cobra.Command, args []string) error {
	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	entry, ok, err := client.CachedEntry(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s/%s is not cached", args[0], args[1])
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), entry)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(entry.Payload))
	return nil
}

func runCacheFetch(cmd *cobra.Command, args []string) error {
	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	state, err := client.Fetch(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), state)
	}
	if state.Deleted {
		fmt.Fprintf(cmd.OutOrStdout(), "%s/%s does not exist on the server\n", args[0], args[1])
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s/%s at version %d: %s\n", args[0], args[1], state.Version, state.Payload)
	return nil
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	n, err := client.ClearCache(cmd.Context(), cacheClearTable)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"table":   cacheClearTable,
			"removed": n,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d cached records\n", n)
	return nil
}
