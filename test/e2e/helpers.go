package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperengineering/relay/internal/api"
	"github.com/hyperengineering/relay/internal/store"
	"github.com/hyperengineering/relay/internal/types"
	"github.com/hyperengineering/relay/pkg/relay"
)

const testAPIKey = "e2e-test-api-key"

// remoteServer is an in-process remote mutation service. Its network can
// be cut, and responses can be dropped after the request was applied.
type remoteServer struct {
	records *store.RecordStore
	srv     *httptest.Server

	down          atomic.Bool
	dropResponses atomic.Int32

	mu       sync.Mutex
	requests []recordedRequest
}

type recordedRequest struct {
	Method         string
	Path           string
	IdempotencyKey string
	IfMatch        string
}

func startRemote(t *testing.T) *remoteServer {
	t.Helper()

	records, err := store.NewRecordStore(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("open record store: %v", err)
	}
	t.Cleanup(func() { records.Close() })

	r := &remoteServer{records: records}
	router := api.NewRouter(api.NewHandler(records, testAPIKey, "e2e", time.Hour))
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r.down.Load() {
			abort(w)
			return
		}
		r.record(req)

		if r.dropResponses.Load() > 0 && req.Method != http.MethodGet {
			r.dropResponses.Add(-1)
			router.ServeHTTP(httptest.NewRecorder(), req)
			abort(w)
			return
		}
		router.ServeHTTP(w, req)
	}))
	t.Cleanup(r.srv.Close)
	return r
}

// abort closes the connection without a response, which the client sees
// as a network failure.
func abort(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		panic("response writer does not support hijacking")
	}
	conn, _, err := hj.Hijack()
	if err == nil {
		conn.Close()
	}
}

func (r *remoteServer) record(req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, recordedRequest{
		Method:         req.Method,
		Path:           req.URL.Path,
		IdempotencyKey: req.Header.Get("Idempotency-Key"),
		IfMatch:        req.Header.Get("If-Match"),
	})
}

func (r *remoteServer) mutations() []recordedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedRequest
	for _, req := range r.requests {
		if req.Method != http.MethodGet {
			out = append(out, req)
		}
	}
	return out
}

func (r *remoteServer) setDown(down bool) {
	r.down.Store(down)
}

func (r *remoteServer) state(t *testing.T, table, key string) *types.RecordState {
	t.Helper()
	st, err := r.records.GetRecord(context.Background(), table, key)
	if err != nil {
		t.Fatalf("get %s/%s: %v", table, key, err)
	}
	return st
}

func (r *remoteServer) seed(t *testing.T, table, key, payload string, version int64) {
	t.Helper()
	ctx := context.Background()
	for i := int64(0); i < version; i++ {
		if _, err := r.records.ReplaceRecord(ctx, table, key, []byte(payload), 0); err != nil {
			t.Fatalf("seed %s/%s: %v", table, key, err)
		}
	}
}

// newClient opens a client against r with its own database. The client
// starts offline.
func newClient(t *testing.T, r *remoteServer, mutate ...func(*relay.Config)) *relay.Client {
	t.Helper()
	cfg := relay.Config{
		DataPath:      filepath.Join(t.TempDir(), "client.db"),
		RemoteURL:     r.srv.URL,
		APIKey:        testAPIKey,
		RemoteTimeout: 2 * time.Second,
		BackoffBase:   10 * time.Millisecond,
		BackoffMax:    50 * time.Millisecond,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	c, err := relay.New(cfg)
	if err != nil {
		t.Fatalf("open client: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func payloadOf(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return data
}
