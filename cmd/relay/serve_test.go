package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperengineering/relay/internal/config"
	"github.com/spf13/cobra"
)

// logCapture captures slog output for testing
type logCapture struct {
	mu      sync.Mutex
	entries []map[string]any
}

func (c *logCapture) handler() slog.Handler {
	return slog.NewJSONHandler(c, &slog.HandlerOptions{Level: slog.LevelDebug})
}

func (c *logCapture) Write(p []byte) (n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var entry map[string]any
	if err := json.Unmarshal(p, &entry); err == nil {
		c.entries = append(c.entries, entry)
	}
	return len(p), nil
}

func (c *logCapture) hasMessage(msg string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e["msg"] == msg {
			return true
		}
	}
	return false
}

func installCapture(t *testing.T) *logCapture {
	t.Helper()
	capture := &logCapture{}
	old := slog.Default()
	slog.SetDefault(slog.New(capture.handler()))
	t.Cleanup(func() { slog.SetDefault(old) })
	return capture
}

func TestStartWorker_RunsUntilCancelled(t *testing.T) {
	capture := installCapture(t)

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	var cleanedUp atomic.Bool
	startWorker(ctx, &wg, "test-worker", func(ctx context.Context) {
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		cleanedUp.Store(true)
	})

	cancel()
	wg.Wait()

	if !cleanedUp.Load() {
		t.Error("wg.Wait() returned before worker completed")
	}
	if !capture.hasMessage("worker started") || !capture.hasMessage("worker stopped") {
		t.Error("expected worker lifecycle log messages")
	}

	capture.mu.Lock()
	defer capture.mu.Unlock()
	for _, e := range capture.entries {
		if e["msg"] == "worker started" && e["worker"] != "test-worker" {
			t.Errorf("worker attribute = %v", e["worker"])
		}
	}
}

func TestServe_RequiresAPIKey(t *testing.T) {
	newCLIEnv(t, false)
	t.Setenv("RELAY_API_KEY", "")
	t.Setenv("RELAY_DEV_MODE", "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatal(err)
	}
	loadedConfig = cfg

	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	if err := runServe(cmd, nil); err == nil {
		t.Error("expected error without an API key")
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestServe_LifecycleAndGracefulShutdown(t *testing.T) {
	newCLIEnv(t, false)
	capture := installCapture(t)

	port := freePort(t)
	t.Setenv("RELAY_PORT", strconv.Itoa(port))
	t.Setenv("RELAY_SERVER_DB_PATH", filepath.Join(t.TempDir(), "server.db"))
	t.Setenv("RELAY_SHUTDOWN_TIMEOUT", "2s")

	cfg, err := config.Load()
	if err != nil {
		t.Fatal(err)
	}
	loadedConfig = cfg

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cmd := &cobra.Command{}
	cmd.SetContext(ctx)

	done := make(chan error, 1)
	go func() { done <- runServe(cmd, nil) }()

	healthURL := fmt.Sprintf("http://127.0.0.1:%d/api/v1/health", port)
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(healthURL)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("health status = %d", resp.StatusCode)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never became healthy: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runServe: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}

	for _, msg := range []string{"store initialized", "server starting", "shutdown initiated", "shutdown complete"} {
		if !capture.hasMessage(msg) {
			t.Errorf("missing log message %q", msg)
		}
	}
}
