//go:build e2e

package e2e

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

// relayServer manages a running `relay serve` process.
type relayServer struct {
	cmd     *exec.Cmd
	dataDir string
	address string
	apiKey  string
	logFile string
}

// startRelayServer launches the relay binary in serve mode and waits for it
// to become healthy. It is configured entirely via environment variables.
func startRelayServer(t *testing.T) *relayServer {
	t.Helper()
	requireRelay(t)

	dataDir := t.TempDir()
	port := freePort(t)
	s := &relayServer{
		dataDir: dataDir,
		address: fmt.Sprintf("127.0.0.1:%d", port),
		apiKey:  testAPIKey,
		logFile: filepath.Join(dataDir, "relay-server.log"),
	}

	cmd := exec.Command(relayBin, "serve")
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("RELAY_PORT=%d", port),
		"RELAY_SERVER_DB_PATH="+filepath.Join(dataDir, "server.db"),
		"RELAY_API_KEY="+s.apiKey,
		"RELAY_CONFIG_PATH="+filepath.Join(dataDir, "nonexistent.yaml"),
	)

	lf, err := os.Create(s.logFile)
	if err != nil {
		t.Fatalf("create log file: %v", err)
	}
	cmd.Stdout = lf
	cmd.Stderr = lf

	if err := cmd.Start(); err != nil {
		lf.Close()
		t.Fatalf("start relay: %v", err)
	}
	s.cmd = cmd

	t.Cleanup(func() {
		s.stop()
		lf.Close()
	})

	if err := s.waitHealthy(10 * time.Second); err != nil {
		logs, _ := os.ReadFile(s.logFile)
		t.Fatalf("relay not healthy: %v\n%s", err, logs)
	}
	return s
}

func (s *relayServer) stop() {
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(os.Interrupt)
		_ = s.cmd.Wait()
	}
}

func (s *relayServer) baseURL() string {
	return "http://" + s.address
}

func (s *relayServer) waitHealthy(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	url := s.baseURL() + "/api/v1/health"

	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("relay not healthy after %s", timeout)
}

// getRecord reads a record straight from the server API.
func (s *relayServer) getRecord(t *testing.T, table, key string) map[string]any {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/api/v1/tables/%s/records/%s", s.baseURL(), table, key), nil)
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get record: status %d", resp.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	return out
}

// relayCLI runs client commands against one client database.
type relayCLI struct {
	dataPath string
	server   *relayServer
}

func newRelayCLI(t *testing.T, server *relayServer) *relayCLI {
	t.Helper()
	requireRelay(t)
	return &relayCLI{
		dataPath: filepath.Join(t.TempDir(), "client.db"),
		server:   server,
	}
}

func (c *relayCLI) exec(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := exec.Command(relayBin, args...)
	cmd.Env = append(os.Environ(),
		"RELAY_DATA_PATH="+c.dataPath,
		"RELAY_REMOTE_URL="+c.server.baseURL(),
		"RELAY_API_KEY="+c.server.apiKey,
		"RELAY_CONFIG_PATH="+filepath.Join(filepath.Dir(c.dataPath), "nonexistent.yaml"),
		"RELAY_LOG_LEVEL=error",
	)
	out, err := cmd.Output()
	return string(out), err
}

func (c *relayCLI) mustExec(t *testing.T, args ...string) string {
	t.Helper()
	out, err := c.exec(t, args...)
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			t.Fatalf("relay %v: %v\nstderr: %s", args, err, ee.Stderr)
		}
		t.Fatalf("relay %v: %v", args, err)
	}
	return out
}

func (c *relayCLI) execJSON(t *testing.T, v any, args ...string) {
	t.Helper()
	out := c.mustExec(t, append(args, "--json")...)
	if err := json.Unmarshal([]byte(out), v); err != nil {
		t.Fatalf("relay %v: invalid JSON %q: %v", args, out, err)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
