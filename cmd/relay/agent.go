package main

import (
	"log/slog"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hyperengineering/relay/internal/worker"
	"github.com/spf13/cobra"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the background sync client",
	Long:  "Probe the remote service, drain the queue whenever it becomes reachable and on the configured schedule, and upload periodic backups when backup.interval is set, until interrupted.",
	Args:  cobra.NoArgs,
	RunE:  runAgent,
}

func runAgent(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	client.OnConnectivityChange(func(online bool) {
		slog.Info("remote reachability changed", "component", "cli", "online", online)
	})

	if err := client.Start(ctx); err != nil {
		return err
	}
	slog.Info("agent started",
		"component", "cli",
		"client_id", client.ClientID(),
		"remote_url", loadedConfig.Remote.URL,
		"schedule", loadedConfig.Sync.Schedule,
	)

	var wg sync.WaitGroup
	if interval := time.Duration(loadedConfig.Backup.Interval); interval > 0 && loadedConfig.Backup.Bucket != "" {
		startWorker(ctx, &wg, "backup", worker.NewBackupWorker(client, interval).Run)
	}

	<-ctx.Done()
	slog.Info("agent stopping", "component", "cli")
	wg.Wait()
	return nil
}
