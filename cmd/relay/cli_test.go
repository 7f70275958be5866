package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hyperengineering/relay/internal/api"
	"github.com/hyperengineering/relay/internal/config"
	"github.com/hyperengineering/relay/internal/store"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const testAPIKey = "cli-test-key"

// cliEnv is an isolated environment: its own client database and, when
// started, a remote service backed by an in-memory record store.
type cliEnv struct {
	dataPath string
	records  *store.RecordStore
}

func newCLIEnv(t *testing.T, withRemote bool) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("RELAY_CONFIG_PATH", filepath.Join(dir, "absent.yaml"))
	t.Setenv("RELAY_API_KEY", testAPIKey)
	t.Setenv("RELAY_REMOTE_URL", "")
	t.Setenv("RELAY_BACKUP_BUCKET", "")
	t.Setenv("RELAY_LOG_FILE", "")

	env := &cliEnv{dataPath: filepath.Join(dir, "client.db")}
	if !withRemote {
		return env
	}

	records, err := store.NewRecordStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { records.Close() })
	env.records = records

	srv := httptest.NewServer(api.NewRouter(api.NewHandler(records, testAPIKey, "test", time.Hour)))
	t.Cleanup(srv.Close)
	t.Setenv("RELAY_REMOTE_URL", srv.URL)
	return env
}

// run executes the root command with captured output. Package-level flag
// variables are reset first since cobra parses into them.
func (e *cliEnv) run(t *testing.T, stdin string, args ...string) (stdout, stderr string, err error) {
	t.Helper()

	configPath = ""
	dataPath = ""
	jsonOutput = false
	enqueueTable, enqueueKey, enqueuePayload = "", "", ""
	enqueuePriority, enqueueBaseVersion = 0, 0
	conflictsResolved = false
	resolveAs, resolvePayload = "", ""
	cacheClearTable = ""

	old := slog.Default()
	defer slog.SetDefault(old)

	outBuf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)
	rootCmd.SetOut(outBuf)
	rootCmd.SetErr(errBuf)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(append(args, "--data", e.dataPath))

	err = rootCmd.Execute()

	rootCmd.SetOut(nil)
	rootCmd.SetErr(nil)
	rootCmd.SetIn(nil)
	rootCmd.SetArgs(nil)

	resetChanged(rootCmd)

	return outBuf.String(), errBuf.String(), err
}

// resetChanged clears the Changed mark pflag keeps between executions.
func resetChanged(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) { f.Changed = false })
	cmd.PersistentFlags().VisitAll(func(f *pflag.Flag) { f.Changed = false })
	for _, c := range cmd.Commands() {
		resetChanged(c)
	}
}

func mustRun(t *testing.T, e *cliEnv, args ...string) string {
	t.Helper()
	out, errOut, err := e.run(t, "", args...)
	if err != nil {
		t.Fatalf("%v: %v\nstderr: %s", args, err, errOut)
	}
	return out
}

func decodeJSON(t *testing.T, s string, v any) {
	t.Helper()
	if err := json.Unmarshal([]byte(s), v); err != nil {
		t.Fatalf("invalid JSON output %q: %v", s, err)
	}
}

// --- Enqueue / pending / cancel ---

func TestEnqueue_InsertThenPending(t *testing.T) {
	e := newCLIEnv(t, false)

	out := mustRun(t, e, "enqueue", "insert", "--table", "crew", "--key", "7", "--payload", `{"name":"Jane"}`)
	if !strings.Contains(out, "Queued insert crew/7") {
		t.Errorf("stdout = %q", out)
	}

	out = mustRun(t, e, "pending")
	if !strings.Contains(out, "crew/7") || !strings.Contains(out, "insert") {
		t.Errorf("pending stdout = %q", out)
	}

	out = mustRun(t, e, "cache", "get", "crew", "7")
	if strings.TrimSpace(out) != `{"name":"Jane"}` {
		t.Errorf("cache get = %q, want the optimistic write", out)
	}
}

func TestEnqueue_PayloadFromStdin(t *testing.T) {
	e := newCLIEnv(t, false)

	_, errOut, err := e.run(t, `{"name":"stdin"}`, "enqueue", "update", "--table", "crew", "--key", "7", "--payload", "-", "--priority", "4", "--json")
	if err != nil {
		t.Fatalf("enqueue: %v (%s)", err, errOut)
	}

	out := mustRun(t, e, "pending", "--json")
	var resp struct {
		Operations []struct {
			Payload  json.RawMessage `json:"payload"`
			Priority int             `json:"priority"`
		} `json:"operations"`
		Total int `json:"total"`
	}
	decodeJSON(t, out, &resp)
	if resp.Total != 1 || string(resp.Operations[0].Payload) != `{"name":"stdin"}` || resp.Operations[0].Priority != 4 {
		t.Errorf("pending = %+v", resp)
	}
}

func TestEnqueue_Errors(t *testing.T) {
	e := newCLIEnv(t, false)

	tests := []struct {
		name string
		args []string
	}{
		{"unknown kind", []string{"enqueue", "upsert", "--table", "crew", "--key", "7", "--payload", "{}"}},
		{"missing payload", []string{"enqueue", "update", "--table", "crew", "--key", "7"}},
		{"missing table", []string{"enqueue", "delete", "--key", "7"}},
		{"invalid json", []string{"enqueue", "insert", "--table", "crew", "--key", "7", "--payload", "{nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := e.run(t, "", tt.args...); err == nil {
				t.Error("expected error")
			}
		})
	}

	out := mustRun(t, e, "pending")
	if !strings.Contains(out, "No pending operations.") {
		t.Errorf("rejected mutations were queued: %q", out)
	}
}

func TestCancel(t *testing.T) {
	e := newCLIEnv(t, false)

	out := mustRun(t, e, "enqueue", "delete", "--table", "crew", "--key", "7", "--json")
	var op struct {
		ID string `json:"id"`
	}
	decodeJSON(t, out, &op)

	out = mustRun(t, e, "cancel", op.ID)
	if !strings.Contains(out, "Cancelled operation "+op.ID) {
		t.Errorf("stdout = %q", out)
	}
	if _, _, err := e.run(t, "", "cancel", op.ID); err == nil {
		t.Error("expected error cancelling an unknown operation")
	}
}

// --- Drain / conflicts against a live remote ---

func TestDrain_SyncsAgainstRemote(t *testing.T) {
	e := newCLIEnv(t, true)

	mustRun(t, e, "enqueue", "insert", "--table", "crew", "--key", "7", "--payload", `{"name":"Jane"}`)
	mustRun(t, e, "enqueue", "update", "--table", "crew", "--key", "7", "--payload", `{"name":"Janet"}`)

	out := mustRun(t, e, "drain")
	if !strings.Contains(out, "Synced 2, failed 0, conflicts 0, deferred 0") {
		t.Errorf("drain stdout = %q", out)
	}

	st, err := e.records.GetRecord(context.Background(), "crew", "7")
	if err != nil {
		t.Fatal(err)
	}
	if st.Version != 2 || string(st.Payload) != `{"name":"Janet"}` {
		t.Errorf("server state = %+v", st)
	}

	out = mustRun(t, e, "cache", "get", "crew", "7", "--json")
	var entry struct {
		ServerVersion int64 `json:"server_version"`
	}
	decodeJSON(t, out, &entry)
	if entry.ServerVersion != 2 {
		t.Errorf("cached server version = %d, want 2", entry.ServerVersion)
	}
}

func TestDrain_UnreachableRemoteKeepsQueue(t *testing.T) {
	e := newCLIEnv(t, false)
	t.Setenv("RELAY_REMOTE_URL", "http://127.0.0.1:1")

	mustRun(t, e, "enqueue", "insert", "--table", "crew", "--key", "7", "--payload", `{}`)

	out := mustRun(t, e, "drain", "--json")
	var summary struct {
		Failed int `json:"failed"`
	}
	decodeJSON(t, out, &summary)
	if summary.Failed != 1 {
		t.Errorf("summary = %s", out)
	}

	out = mustRun(t, e, "status", "--json")
	var st struct {
		Pending int64 `json:"pending_operations"`
		Failing int64 `json:"failing_operations"`
	}
	decodeJSON(t, out, &st)
	if st.Pending != 1 || st.Failing != 1 {
		t.Errorf("status = %s", out)
	}
}

func TestConflicts_ListShowResolve(t *testing.T) {
	e := newCLIEnv(t, true)
	ctx := context.Background()

	if _, err := e.records.CreateRecord(ctx, "crew", "7", []byte(`{"name":"v1"}`)); err != nil {
		t.Fatal(err)
	}
	if _, err := e.records.ReplaceRecord(ctx, "crew", "7", []byte(`{"name":"server"}`), 1); err != nil {
		t.Fatal(err)
	}

	mustRun(t, e, "enqueue", "update", "--table", "crew", "--key", "7", "--payload", `{"name":"local"}`, "--base-version", "1")
	out := mustRun(t, e, "drain")
	if !strings.Contains(out, "conflicts 1") {
		t.Fatalf("drain stdout = %q", out)
	}

	out = mustRun(t, e, "conflicts", "list", "--json")
	var list struct {
		Conflicts []struct {
			ID            string `json:"id"`
			ServerVersion int64  `json:"server_version"`
		} `json:"conflicts"`
		Total int `json:"total"`
	}
	decodeJSON(t, out, &list)
	if list.Total != 1 || list.Conflicts[0].ServerVersion != 2 {
		t.Fatalf("conflicts = %s", out)
	}
	id := list.Conflicts[0].ID

	out = mustRun(t, e, "conflicts", "show", id)
	if !strings.Contains(out, `{"name":"local"}`) || !strings.Contains(out, `{"name":"server"}`) {
		t.Errorf("show stdout = %q", out)
	}

	if _, _, err := e.run(t, "", "conflicts", "resolve", id, "--as", "merge"); err == nil {
		t.Error("expected error for merge without payload")
	}

	out = mustRun(t, e, "conflicts", "resolve", id, "--as", "merge", "--payload", `{"name":"merged"}`)
	if !strings.Contains(out, "Resolved conflict "+id+" as merge") || !strings.Contains(out, "Queued update crew/7") {
		t.Errorf("resolve stdout = %q", out)
	}

	mustRun(t, e, "drain")
	st, err := e.records.GetRecord(ctx, "crew", "7")
	if err != nil {
		t.Fatal(err)
	}
	if st.Version != 3 || string(st.Payload) != `{"name":"merged"}` {
		t.Errorf("server state = %+v", st)
	}

	out = mustRun(t, e, "conflicts", "list", "--resolved")
	if !strings.Contains(out, id) || !strings.Contains(out, "merge") {
		t.Errorf("resolved list = %q", out)
	}
}

func TestConflicts_Abandon(t *testing.T) {
	e := newCLIEnv(t, true)
	ctx := context.Background()

	e.records.CreateRecord(ctx, "crew", "7", []byte(`{}`))

	mustRun(t, e, "enqueue", "insert", "--table", "crew", "--key", "7", "--payload", `{"dup":true}`)
	mustRun(t, e, "drain")

	out := mustRun(t, e, "conflicts", "list", "--json")
	var list struct {
		Conflicts []struct {
			ID string `json:"id"`
		} `json:"conflicts"`
	}
	decodeJSON(t, out, &list)
	if len(list.Conflicts) != 1 {
		t.Fatalf("conflicts = %s", out)
	}

	out = mustRun(t, e, "conflicts", "abandon", list.Conflicts[0].ID)
	if !strings.Contains(out, "Abandoned conflict") {
		t.Errorf("stdout = %q", out)
	}
	if out := mustRun(t, e, "conflicts", "list"); !strings.Contains(out, "No conflicts.") {
		t.Errorf("list after abandon = %q", out)
	}
}

// --- Cache / status / backup ---

func TestCache_FetchAndClear(t *testing.T) {
	e := newCLIEnv(t, true)
	e.records.CreateRecord(context.Background(), "crew", "7", []byte(`{"name":"Jane"}`))

	out := mustRun(t, e, "cache", "fetch", "crew", "7")
	if !strings.Contains(out, "crew/7 at version 1") {
		t.Errorf("fetch stdout = %q", out)
	}
	if out := mustRun(t, e, "cache", "get", "crew", "7"); strings.TrimSpace(out) != `{"name":"Jane"}` {
		t.Errorf("cache get = %q", out)
	}

	out = mustRun(t, e, "cache", "clear", "--table", "crew")
	if !strings.Contains(out, "Removed 1 cached records") {
		t.Errorf("clear stdout = %q", out)
	}
	if _, _, err := e.run(t, "", "cache", "get", "crew", "7"); err == nil {
		t.Error("expected error reading a cleared record")
	}
}

func TestStatus_Text(t *testing.T) {
	e := newCLIEnv(t, false)
	mustRun(t, e, "enqueue", "insert", "--table", "crew", "--key", "7", "--payload", `{}`)

	out := mustRun(t, e, "status")
	for _, want := range []string{"Pending operations:   1", "Cached records:       1", e.dataPath} {
		if !strings.Contains(out, want) {
			t.Errorf("status missing %q:\n%s", want, out)
		}
	}
}

func TestBackup_NotConfigured(t *testing.T) {
	e := newCLIEnv(t, false)

	_, _, err := e.run(t, "", "backup")
	if err == nil || !strings.Contains(err.Error(), "RELAY_BACKUP_BUCKET") {
		t.Errorf("err = %v", err)
	}
}

// --- Logging ---

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.in); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogHandler_Formats(t *testing.T) {
	var buf bytes.Buffer
	slog.New(newLogHandler(config.LogConfig{Level: "info", Format: "text"}, &buf)).Info("hello", "k", "v")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Errorf("text output = %q", buf.String())
	}

	buf.Reset()
	slog.New(newLogHandler(config.LogConfig{Level: "warn", Format: "json"}, &buf)).Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info logged at warn level: %q", buf.String())
	}
}

func TestNewLogHandler_RotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.log")
	var buf bytes.Buffer

	h := newLogHandler(config.LogConfig{Level: "info", Format: "json", File: path, MaxSizeMB: 1, MaxBackups: 1, MaxAgeDays: 1}, &buf)
	slog.New(h).Info("to file")

	if buf.Len() != 0 {
		t.Error("log written to the fallback writer")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"to file"`) {
		t.Errorf("log file = %q", data)
	}
}
