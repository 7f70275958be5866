package main

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/hyperengineering/relay/pkg/relay"
	"github.com/spf13/cobra"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Upload a copy of the client database",
	Long:  "Upload a consistent copy of the client database to the configured S3-compatible bucket and print a pre-signed download URL.",
	Args:  cobra.NoArgs,
	RunE:  runBackup,
}

func runBackup(cmd *cobra.Command, args []string) error {
	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	res, err := client.Backup(cmd.Context())
	if errors.Is(err, relay.ErrBackupNotConfigured) {
		return fmt.Errorf("%w: set backup.bucket or RELAY_BACKUP_BUCKET", err)
	}
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), res)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Uploaded %s (%s)\n", res.Key, humanize.Bytes(uint64(res.SizeBytes)))
	if res.URL != "" {
		fmt.Fprintf(out, "Download: %s\n", res.URL)
		fmt.Fprintf(out, "Expires:  %s\n", res.ExpiresAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}
