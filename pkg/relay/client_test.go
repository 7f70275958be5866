package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/relay/internal/remote"
	"github.com/hyperengineering/relay/internal/types"
)

// --- Mocks ---

// memoryService is an in-memory remote service with optimistic
// concurrency on base versions.
type memoryService struct {
	mu      sync.Mutex
	records map[string]*types.RecordState
	calls   []remote.Mutation
	down    bool
}

func newMemoryService() *memoryService {
	return &memoryService{records: make(map[string]*types.RecordState)}
}

func (s *memoryService) seed(table, key, payload string, version int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[table+"/"+key] = &types.RecordState{Table: table, Key: key, Version: version, Payload: json.RawMessage(payload)}
}

func (s *memoryService) setDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

func (s *memoryService) state(table, key string) *types.RecordState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[table+"/"+key]; ok {
		cp := *r
		return &cp
	}
	return nil
}

func (s *memoryService) Calls() []remote.Mutation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]remote.Mutation, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *memoryService) apply(m remote.Mutation, create, del bool) (*remote.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, m)
	if s.down {
		return nil, fmt.Errorf("dial: %w", remote.ErrNetworkFailure)
	}

	id := m.Table + "/" + m.Key
	cur, exists := s.records[id]
	live := exists && !cur.Deleted
	switch {
	case create && live:
		return nil, &remote.ConflictError{Current: *cur}
	case !create && m.BaseVersion != 0 && (!exists || cur.Version != m.BaseVersion):
		current := types.RecordState{Table: m.Table, Key: m.Key, Deleted: true}
		if exists {
			current = *cur
		}
		return nil, &remote.ConflictError{Current: current}
	}

	next := &types.RecordState{Table: m.Table, Key: m.Key, Version: 1, Payload: m.Payload}
	if exists {
		next.Version = cur.Version + 1
	}
	if del {
		next.Deleted = true
		next.Payload = nil
	}
	s.records[id] = next
	cp := *next
	return &remote.Result{State: &cp}, nil
}

func (s *memoryService) Create(_ context.Context, m remote.Mutation) (*remote.Result, error) {
	return s.apply(m, true, false)
}

func (s *memoryService) Replace(_ context.Context, m remote.Mutation) (*remote.Result, error) {
	return s.apply(m, false, false)
}

func (s *memoryService) Delete(_ context.Context, m remote.Mutation) (*remote.Result, error) {
	return s.apply(m, false, true)
}

func (s *memoryService) Get(_ context.Context, table, key string) (*types.RecordState, error) {
	if st := s.state(table, key); st != nil {
		return st, nil
	}
	return &types.RecordState{Table: table, Key: key, Deleted: true}, nil
}

func (s *memoryService) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return remote.ErrNetworkFailure
	}
	return nil
}

// --- Fixture ---

func newTestClient(t *testing.T, svc Service, mutate ...func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		DataPath:    filepath.Join(t.TempDir(), "relay.db"),
		Service:     svc,
		BackoffBase: 10 * time.Millisecond,
		BackoffMax:  50 * time.Millisecond,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// --- Tests ---

func TestNew_RequiresDataPath(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error without DataPath")
	}
}

func TestNew_ClientIDStableAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.db")

	first, err := New(Config{DataPath: path})
	if err != nil {
		t.Fatal(err)
	}
	id := first.ClientID()
	first.Close()

	second, err := New(Config{DataPath: path})
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()

	if id == "" || second.ClientID() != id {
		t.Errorf("client id = %q after reopen, want %q", second.ClientID(), id)
	}
}

func TestNew_ConfiguredClientIDWins(t *testing.T) {
	c := newTestClient(t, newMemoryService(), func(cfg *Config) { cfg.ClientID = "tablet-7" })
	if c.ClientID() != "tablet-7" {
		t.Errorf("ClientID = %q", c.ClientID())
	}
}

func TestEnqueueInsert_ReadsOwnWriteOffline(t *testing.T) {
	svc := newMemoryService()
	c := newTestClient(t, svc)
	ctx := context.Background()

	op, err := c.EnqueueInsert(ctx, "crew", "7", json.RawMessage(`{"name":"Jane"}`))
	if err != nil {
		t.Fatalf("EnqueueInsert: %v", err)
	}
	if op.ID == "" || op.Kind != KindInsert {
		t.Errorf("op = %+v", op)
	}

	got, ok, err := c.ReadCached(ctx, "crew", "7")
	if err != nil || !ok {
		t.Fatalf("ReadCached ok=%v err=%v", ok, err)
	}
	if string(got) != `{"name":"Jane"}` {
		t.Errorf("cached = %s", got)
	}

	pending, err := c.ListPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != op.ID {
		t.Errorf("pending = %+v", pending)
	}
	if len(svc.Calls()) != 0 {
		t.Error("offline client contacted the service")
	}
}

func TestEnqueue_InvalidRejected(t *testing.T) {
	c := newTestClient(t, newMemoryService())

	_, err := c.EnqueueUpdate(context.Background(), "", "7", json.RawMessage(`{}`))
	if !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("err = %v, want ErrInvalidOperation", err)
	}
	var ioe *InvalidOperationError
	if !errors.As(err, &ioe) || len(ioe.Errors) == 0 {
		t.Errorf("expected field errors, got %v", err)
	}

	_, err = c.EnqueueInsert(context.Background(), "crew", "7", json.RawMessage(`{not json`))
	if !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("err = %v, want ErrInvalidOperation for bad payload", err)
	}
}

func TestEnqueueUpdate_BaseVersionFromCache(t *testing.T) {
	svc := newMemoryService()
	svc.seed("crew", "7", `{"name":"Jane"}`, 3)
	c := newTestClient(t, svc)
	ctx := context.Background()

	if _, err := c.Fetch(ctx, "crew", "7"); err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	op, err := c.EnqueueUpdate(ctx, "crew", "7", json.RawMessage(`{"name":"Janet"}`))
	if err != nil {
		t.Fatal(err)
	}
	if op.BaseVersion != 3 {
		t.Errorf("BaseVersion = %d, want 3", op.BaseVersion)
	}

	// The optimistic write keeps the known server version.
	entry, ok, err := c.CachedEntry(ctx, "crew", "7")
	if err != nil || !ok {
		t.Fatalf("CachedEntry ok=%v err=%v", ok, err)
	}
	if entry.ServerVersion != 3 || string(entry.Payload) != `{"name":"Janet"}` {
		t.Errorf("entry = %+v", entry)
	}

	explicit, err := c.EnqueueUpdate(ctx, "crew", "7", json.RawMessage(`{}`), WithBaseVersion(9), WithPriority(5))
	if err != nil {
		t.Fatal(err)
	}
	if explicit.BaseVersion != 9 || explicit.Priority != 5 {
		t.Errorf("explicit options ignored: %+v", explicit)
	}
}

func TestDrainNow_SuccessiveOfflineUpdatesReplayInOrder(t *testing.T) {
	svc := newMemoryService()
	svc.seed("documents", "42", `{"title":"v3"}`, 3)
	c := newTestClient(t, svc)
	ctx := context.Background()

	if _, err := c.Fetch(ctx, "documents", "42"); err != nil {
		t.Fatal(err)
	}
	c.SetOnline(false)
	for _, p := range []string{`{"title":"first"}`, `{"title":"second"}`} {
		if _, err := c.EnqueueUpdate(ctx, "documents", "42", json.RawMessage(p)); err != nil {
			t.Fatal(err)
		}
	}

	summary, err := c.DrainNow(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Synced != 2 || summary.Conflicts != 0 {
		t.Fatalf("summary = %+v, want 2 synced and no conflicts", summary)
	}

	st := svc.state("documents", "42")
	if st.Version != 5 || string(st.Payload) != `{"title":"second"}` {
		t.Errorf("server state = %+v", st)
	}
	entry, ok, err := c.CachedEntry(ctx, "documents", "42")
	if err != nil || !ok {
		t.Fatalf("CachedEntry ok=%v err=%v", ok, err)
	}
	if entry.ServerVersion != 5 {
		t.Errorf("cached ServerVersion = %d, want 5", entry.ServerVersion)
	}
	conflicts, err := c.ListUnresolvedConflicts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(conflicts) != 0 {
		t.Errorf("unexpected conflicts: %+v", conflicts)
	}
}

func TestEnqueueDelete_InvalidatesCache(t *testing.T) {
	c := newTestClient(t, newMemoryService())
	ctx := context.Background()

	if _, err := c.EnqueueInsert(ctx, "crew", "7", json.RawMessage(`{}`)); err != nil {
		t.Fatal(err)
	}
	if _, err := c.EnqueueDelete(ctx, "crew", "7"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := c.ReadCached(ctx, "crew", "7"); ok {
		t.Error("deleted record still readable from cache")
	}
}

func TestDrainNow_SyncsInOrderAndRefreshesCache(t *testing.T) {
	svc := newMemoryService()
	c := newTestClient(t, svc)
	ctx := context.Background()

	c.EnqueueInsert(ctx, "crew", "7", json.RawMessage(`{"v":1}`))
	c.EnqueueUpdate(ctx, "crew", "7", json.RawMessage(`{"v":2}`))
	c.EnqueueInsert(ctx, "crew", "8", json.RawMessage(`{"v":1}`), WithPriority(10))

	summary, err := c.DrainNow(ctx)
	if err != nil {
		t.Fatalf("DrainNow: %v", err)
	}
	if summary.Synced != 3 || summary.Processed() != 3 {
		t.Errorf("summary = %+v", summary)
	}

	calls := svc.Calls()
	if len(calls) != 3 || calls[0].Key != "8" {
		t.Errorf("calls = %+v, want the high priority record first", calls)
	}

	pending, _ := c.ListPending(ctx)
	if len(pending) != 0 {
		t.Errorf("pending = %d, want 0", len(pending))
	}

	entry, ok, err := c.CachedEntry(ctx, "crew", "7")
	if err != nil || !ok {
		t.Fatalf("CachedEntry ok=%v err=%v", ok, err)
	}
	if entry.ServerVersion != 2 || string(entry.Payload) != `{"v":2}` {
		t.Errorf("entry = %+v", entry)
	}
}

func TestDrainNow_FailureKeepsOperation(t *testing.T) {
	svc := newMemoryService()
	svc.setDown(true)
	c := newTestClient(t, svc)
	ctx := context.Background()

	op, _ := c.EnqueueInsert(ctx, "crew", "7", json.RawMessage(`{}`))

	for i := 1; i <= 3; i++ {
		summary, err := c.DrainNow(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if summary.Failed != 1 {
			t.Fatalf("attempt %d: summary = %+v", i, summary)
		}
	}

	got, err := c.GetOperation(ctx, op.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.RetryCount != 3 || got.LastError == "" {
		t.Errorf("op = %+v", got)
	}

	svc.setDown(false)
	summary, err := c.DrainNow(ctx)
	if err != nil || summary.Synced != 1 {
		t.Errorf("recovery drain = %+v, %v", summary, err)
	}
}

func TestConflict_ResolveLocalReplaysWithServerVersion(t *testing.T) {
	svc := newMemoryService()
	svc.seed("crew", "7", `{"name":"server"}`, 2)
	c := newTestClient(t, svc)
	ctx := context.Background()

	if _, err := c.EnqueueUpdate(ctx, "crew", "7", json.RawMessage(`{"name":"local"}`), WithBaseVersion(1)); err != nil {
		t.Fatal(err)
	}

	summary, err := c.DrainNow(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Conflicts != 1 {
		t.Fatalf("summary = %+v", summary)
	}

	conflicts, err := c.ListUnresolvedConflicts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %d, want 1", len(conflicts))
	}
	cf := conflicts[0]
	if cf.ServerVersion != 2 || string(cf.ServerPayload) != `{"name":"server"}` || string(cf.LocalPayload) != `{"name":"local"}` {
		t.Errorf("conflict = %+v", cf)
	}

	followUp, err := c.ResolveConflict(ctx, cf.ID, ResolutionLocal, nil)
	if err != nil {
		t.Fatalf("ResolveConflict: %v", err)
	}
	if followUp == nil || followUp.BaseVersion != 2 || followUp.Kind != KindUpdate {
		t.Fatalf("follow-up = %+v", followUp)
	}

	if _, err := c.DrainNow(ctx); err != nil {
		t.Fatal(err)
	}
	if st := svc.state("crew", "7"); st.Version != 3 || string(st.Payload) != `{"name":"local"}` {
		t.Errorf("server state = %+v", st)
	}

	if _, err := c.ResolveConflict(ctx, cf.ID, ResolutionServer, nil); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("second resolve err = %v, want ErrAlreadyResolved", err)
	}
	resolved, _ := c.ListResolvedConflicts(ctx)
	if len(resolved) != 1 || resolved[0].Resolution != ResolutionLocal {
		t.Errorf("resolved = %+v", resolved)
	}
}

func TestConflict_ResolveServerRefreshesCache(t *testing.T) {
	svc := newMemoryService()
	svc.seed("crew", "7", `{"name":"server"}`, 4)
	c := newTestClient(t, svc)
	ctx := context.Background()

	c.EnqueueUpdate(ctx, "crew", "7", json.RawMessage(`{"name":"local"}`), WithBaseVersion(1))
	c.DrainNow(ctx)

	conflicts, _ := c.ListUnresolvedConflicts(ctx)
	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %d", len(conflicts))
	}

	op, err := c.ResolveConflict(ctx, conflicts[0].ID, ResolutionServer, nil)
	if err != nil {
		t.Fatal(err)
	}
	if op != nil {
		t.Errorf("server resolution queued %+v", op)
	}

	entry, ok, _ := c.CachedEntry(ctx, "crew", "7")
	if !ok || string(entry.Payload) != `{"name":"server"}` || entry.ServerVersion != 4 {
		t.Errorf("entry = %+v", entry)
	}
	if pending, _ := c.ListPending(ctx); len(pending) != 0 {
		t.Errorf("pending = %+v", pending)
	}
}

func TestConflict_ResolveServerTombstoneDropsCache(t *testing.T) {
	svc := newMemoryService()
	svc.seed("crew", "7", `{"name":"server"}`, 2)
	c := newTestClient(t, svc)
	ctx := context.Background()

	if _, err := c.Fetch(ctx, "crew", "7"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Delete(ctx, remote.Mutation{Table: "crew", Key: "7"}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.EnqueueUpdate(ctx, "crew", "7", json.RawMessage(`{"name":"local"}`)); err != nil {
		t.Fatal(err)
	}
	if _, err := c.DrainNow(ctx); err != nil {
		t.Fatal(err)
	}

	conflicts, err := c.ListUnresolvedConflicts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(conflicts) != 1 || !conflicts[0].ServerDeleted {
		t.Fatalf("conflicts = %+v, want one against a deleted record", conflicts)
	}
	if _, err := c.ResolveConflict(ctx, conflicts[0].ID, ResolutionServer, nil); err != nil {
		t.Fatal(err)
	}
	if got, ok, err := c.ReadCached(ctx, "crew", "7"); err != nil || ok {
		t.Errorf("ReadCached = %s, %v, %v; want absent", got, ok, err)
	}
}

func TestConflict_MergeRequiresPayload(t *testing.T) {
	svc := newMemoryService()
	svc.seed("crew", "7", `{}`, 2)
	c := newTestClient(t, svc)
	ctx := context.Background()

	c.EnqueueUpdate(ctx, "crew", "7", json.RawMessage(`{"a":1}`), WithBaseVersion(1))
	c.DrainNow(ctx)
	conflicts, _ := c.ListUnresolvedConflicts(ctx)

	if _, err := c.ResolveConflict(ctx, conflicts[0].ID, ResolutionMerge, nil); !errors.Is(err, ErrInvalidResolution) {
		t.Errorf("err = %v, want ErrInvalidResolution", err)
	}
	op, err := c.ResolveConflict(ctx, conflicts[0].ID, ResolutionMerge, json.RawMessage(`{"a":1,"b":2}`))
	if err != nil {
		t.Fatal(err)
	}
	if string(op.Payload) != `{"a":1,"b":2}` {
		t.Errorf("follow-up payload = %s", op.Payload)
	}
}

func TestAbandonConflict(t *testing.T) {
	svc := newMemoryService()
	svc.seed("crew", "7", `{}`, 2)
	c := newTestClient(t, svc)
	ctx := context.Background()

	c.EnqueueDelete(ctx, "crew", "7", WithBaseVersion(1))
	c.DrainNow(ctx)
	conflicts, _ := c.ListUnresolvedConflicts(ctx)
	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %d", len(conflicts))
	}

	if err := c.AbandonConflict(ctx, conflicts[0].ID); err != nil {
		t.Fatal(err)
	}
	got, err := c.GetConflict(ctx, conflicts[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Resolved || got.Resolution != ResolutionAbandoned {
		t.Errorf("conflict = %+v", got)
	}
}

func TestCancelOperation(t *testing.T) {
	c := newTestClient(t, newMemoryService())
	ctx := context.Background()

	op, _ := c.EnqueueInsert(ctx, "crew", "7", json.RawMessage(`{}`))
	if err := c.CancelOperation(ctx, op.ID); err != nil {
		t.Fatal(err)
	}
	if pending, _ := c.ListPending(ctx); len(pending) != 0 {
		t.Errorf("pending = %+v", pending)
	}
	if err := c.CancelOperation(ctx, op.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestClearCache(t *testing.T) {
	c := newTestClient(t, newMemoryService())
	ctx := context.Background()

	c.EnqueueInsert(ctx, "crew", "7", json.RawMessage(`{}`))
	c.EnqueueInsert(ctx, "docs", "1", json.RawMessage(`{}`))

	n, err := c.ClearCache(ctx, "crew")
	if err != nil || n != 1 {
		t.Errorf("ClearCache = %d, %v", n, err)
	}
	if pending, _ := c.ListPending(ctx); len(pending) != 2 {
		t.Error("clearing the cache touched the queue")
	}
}

func TestFetch(t *testing.T) {
	svc := newMemoryService()
	svc.seed("crew", "7", `{"name":"Jane"}`, 5)
	c := newTestClient(t, svc)
	ctx := context.Background()

	st, err := c.Fetch(ctx, "crew", "7")
	if err != nil {
		t.Fatal(err)
	}
	if st.Version != 5 {
		t.Errorf("state = %+v", st)
	}
	if got, ok, _ := c.ReadCached(ctx, "crew", "7"); !ok || string(got) != `{"name":"Jane"}` {
		t.Errorf("cached = %s (ok=%v)", got, ok)
	}

	if _, err := c.Fetch(ctx, "crew", "missing"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := c.ReadCached(ctx, "crew", "missing"); ok {
		t.Error("deleted record cached")
	}
}

func TestFetch_KeepsLocalWritesPending(t *testing.T) {
	svc := newMemoryService()
	svc.seed("crew", "7", `{"name":"server"}`, 5)
	c := newTestClient(t, svc)
	ctx := context.Background()

	c.EnqueueUpdate(ctx, "crew", "7", json.RawMessage(`{"name":"local"}`))
	if _, err := c.Fetch(ctx, "crew", "7"); err != nil {
		t.Fatal(err)
	}
	if got, _, _ := c.ReadCached(ctx, "crew", "7"); string(got) != `{"name":"local"}` {
		t.Errorf("cached = %s, want the pending local write", got)
	}
}

func TestFetch_Unsupported(t *testing.T) {
	svc := struct{ Service }{newMemoryService()}
	c := newTestClient(t, svc)

	if _, err := c.Fetch(context.Background(), "crew", "7"); !errors.Is(err, ErrFetchUnsupported) {
		t.Errorf("err = %v, want ErrFetchUnsupported", err)
	}
}

func TestStatus(t *testing.T) {
	svc := newMemoryService()
	svc.seed("crew", "9", `{}`, 2)
	c := newTestClient(t, svc)
	ctx := context.Background()

	c.EnqueueInsert(ctx, "crew", "7", json.RawMessage(`{}`))
	c.EnqueueUpdate(ctx, "crew", "9", json.RawMessage(`{}`), WithBaseVersion(1))
	c.DrainNow(ctx)
	c.EnqueueInsert(ctx, "crew", "8", json.RawMessage(`{}`))

	st, err := c.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.PendingOperations != 1 || st.UnresolvedConflict != 1 || st.CacheEntries != 3 {
		t.Errorf("status = %+v", st)
	}
	if st.Online || st.ClientID != c.ClientID() {
		t.Errorf("status = %+v", st)
	}
}

func TestBackup_NotConfigured(t *testing.T) {
	c := newTestClient(t, newMemoryService())
	if _, err := c.Backup(context.Background()); !errors.Is(err, ErrBackupNotConfigured) {
		t.Errorf("err = %v, want ErrBackupNotConfigured", err)
	}
}

func TestStart_DrainsWhenGoingOnline(t *testing.T) {
	svc := newMemoryService()
	c := newTestClient(t, svc)
	ctx := context.Background()

	var transitions []bool
	var mu sync.Mutex
	c.OnConnectivityChange(func(online bool) {
		mu.Lock()
		transitions = append(transitions, online)
		mu.Unlock()
	})

	if err := c.Start(ctx); err != nil {
		t.Fatal(err)
	}
	c.EnqueueInsert(ctx, "crew", "7", json.RawMessage(`{}`))
	if len(svc.Calls()) != 0 {
		t.Fatal("offline enqueue contacted the service")
	}

	c.SetOnline(true)
	waitFor(t, func() bool { return svc.state("crew", "7") != nil })

	// Enqueue while online triggers a drain of its own.
	c.EnqueueInsert(ctx, "crew", "8", json.RawMessage(`{}`))
	waitFor(t, func() bool { return svc.state("crew", "8") != nil })

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 1 || !transitions[0] {
		t.Errorf("transitions = %v", transitions)
	}
}

func TestStart_ProbesConnectivity(t *testing.T) {
	svc := newMemoryService()
	c := newTestClient(t, svc, func(cfg *Config) { cfg.ProbeInterval = 20 * time.Millisecond })

	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, c.Online)

	svc.setDown(true)
	waitFor(t, func() bool { return !c.Online() })
}

func TestStart_Twice(t *testing.T) {
	c := newTestClient(t, newMemoryService())
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("err = %v, want ErrAlreadyStarted", err)
	}
}

func TestStart_InvalidSchedule(t *testing.T) {
	c := newTestClient(t, newMemoryService(), func(cfg *Config) { cfg.Schedule = "not a schedule" })
	if err := c.Start(context.Background()); err == nil {
		t.Error("expected error for invalid schedule")
	}
}

func TestClosedClient(t *testing.T) {
	c := newTestClient(t, newMemoryService())
	ctx := context.Background()
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	if _, err := c.EnqueueInsert(ctx, "crew", "7", json.RawMessage(`{}`)); !errors.Is(err, ErrClosed) {
		t.Errorf("EnqueueInsert err = %v", err)
	}
	if _, _, err := c.ReadCached(ctx, "crew", "7"); !errors.Is(err, ErrClosed) {
		t.Errorf("ReadCached err = %v", err)
	}
	if _, err := c.DrainNow(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("DrainNow err = %v", err)
	}
	if err := c.Start(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Start err = %v", err)
	}
}

func TestParseResolution(t *testing.T) {
	for _, s := range []string{"local", "server", "merge"} {
		if _, err := ParseResolution(s); err != nil {
			t.Errorf("ParseResolution(%q): %v", s, err)
		}
	}
	if _, err := ParseResolution("mine"); err == nil {
		t.Error("expected error for unknown resolution")
	}
}
