// Package relay is the offline-first sync client. Local mutations are
// queued durably and replayed against the remote mutation service when it
// is reachable; reads are served from a local cache; concurrent changes on
// the server surface as conflicts for the operator to resolve.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/relay/internal/cache"
	"github.com/hyperengineering/relay/internal/conflict"
	"github.com/hyperengineering/relay/internal/connectivity"
	"github.com/hyperengineering/relay/internal/queue"
	"github.com/hyperengineering/relay/internal/remote"
	"github.com/hyperengineering/relay/internal/scheduler"
	"github.com/hyperengineering/relay/internal/snapshot"
	"github.com/hyperengineering/relay/internal/store"
	relaysync "github.com/hyperengineering/relay/internal/sync"
	"github.com/hyperengineering/relay/internal/types"
)

// DefaultRemoteTimeout bounds a single request to the remote service.
const DefaultRemoteTimeout = 30 * time.Second

// recordReader is implemented by services that can read a record.
type recordReader interface {
	Get(ctx context.Context, table, key string) (*types.RecordState, error)
}

// Client is the sync client for one local database.
type Client struct {
	config    Config
	clientID  string
	store     *store.SQLiteStore
	observer  *connectivity.Observer
	queue     *queue.Queue
	cache     *cache.Manager
	conflicts *conflict.Resolver
	coord     *relaysync.Coordinator
	scheduler *scheduler.Scheduler
	service   Service
	prober    connectivity.Prober
	uploader  snapshot.Uploader

	mu      sync.RWMutex
	closed  bool
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New opens the local database at config.DataPath and wires the client.
// Nothing runs in the background until Start is called.
func New(config Config) (*Client, error) {
	if config.DataPath == "" {
		return nil, errors.New("DataPath is required")
	}

	// Set defaults
	if config.RemoteTimeout == 0 {
		config.RemoteTimeout = DefaultRemoteTimeout
	}
	if config.ResolutionPriority == 0 {
		config.ResolutionPriority = conflict.DefaultResolutionPriority
	}

	uploader, err := snapshot.NewUploader(config.Backup)
	if err != nil {
		return nil, err
	}

	s, err := store.NewSQLiteStore(config.DataPath)
	if err != nil {
		return nil, err
	}

	clientID := config.ClientID
	if clientID == "" {
		clientID, err = s.ClientID(context.Background())
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("read client id: %w", err)
		}
	}

	c := &Client{
		config:   config,
		clientID: clientID,
		store:    s,
		observer: connectivity.NewObserver(config.Online),
		uploader: uploader,
	}

	c.service = config.Service
	if c.service == nil {
		httpClient := remote.NewClient(config.RemoteURL, config.APIKey, config.RemoteTimeout)
		c.service = httpClient
		if config.RemoteURL != "" {
			c.prober = httpClient
		}
	} else if p, ok := c.service.(connectivity.Prober); ok {
		c.prober = p
	}

	c.cache = cache.NewManager(s)
	c.queue = queue.New(s, c.observer, config.DefaultPriority)
	c.conflicts = conflict.NewResolver(s, c.cache, config.ResolutionPriority)
	c.coord = relaysync.NewCoordinator(
		c.queue,
		c.service,
		c.conflicts,
		c.cache,
		c.observer,
		relaysync.NewBackoff(config.BackoffBase, config.BackoffMax, config.BackoffJitterPercent),
	)
	c.queue.SetSignaler(c.coord)
	c.observer.OnOnline(c.coord.Trigger)
	c.scheduler = scheduler.New(config.Schedule, c.coord, c.observer)

	slog.Info("relay client opened",
		"component", "relay",
		"client_id", clientID,
		"data_path", config.DataPath,
		"remote_configured", config.RemoteURL != "" || config.Service != nil,
	)
	return c, nil
}

// Start launches the background sync actor, the connectivity probe (when a
// probe interval and a probe-capable service are configured) and the drain
// schedule. They stop when ctx is cancelled or the client is closed.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.started {
		return ErrAlreadyStarted
	}

	if err := c.scheduler.Start(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.started = true

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.coord.Run(ctx)
	}()

	if c.prober != nil && c.config.ProbeInterval > 0 {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.observer.Run(ctx, c.prober, c.config.ProbeInterval)
		}()
	}

	if c.scheduler.Enabled() {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			<-ctx.Done()
			c.scheduler.Stop()
		}()
	}

	// Work queued while the process was down drains as soon as we are
	// online.
	if c.observer.Online() {
		c.coord.Trigger()
	}
	return nil
}

// Close stops background work, waiting for an in-flight operation to
// finish, and closes the local database.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	slog.Info("relay client closed", "component", "relay", "client_id", c.clientID)
	return c.store.Close()
}

func (c *Client) checkOpen() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

// ClientID returns the identity of this client installation.
func (c *Client) ClientID() string {
	return c.clientID
}

// EnqueueInsert queues the creation of table/key with payload.
func (c *Client) EnqueueInsert(ctx context.Context, table, key string, payload json.RawMessage, opts ...EnqueueOption) (*Operation, error) {
	return c.enqueue(ctx, types.KindInsert, table, key, payload, opts)
}

// EnqueueUpdate queues the replacement of table/key with payload.
func (c *Client) EnqueueUpdate(ctx context.Context, table, key string, payload json.RawMessage, opts ...EnqueueOption) (*Operation, error) {
	return c.enqueue(ctx, types.KindUpdate, table, key, payload, opts)
}

// EnqueueDelete queues the deletion of table/key.
func (c *Client) EnqueueDelete(ctx context.Context, table, key string, opts ...EnqueueOption) (*Operation, error) {
	return c.enqueue(ctx, types.KindDelete, table, key, nil, opts)
}

// enqueue durably queues the mutation and then applies it to the cache so
// reads see the local write immediately. The queue is the source of truth:
// a failed cache write is logged and the operation still stands.
func (c *Client) enqueue(ctx context.Context, kind types.OperationKind, table, key string, payload json.RawMessage, opts []EnqueueOption) (*Operation, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}

	var qopts []queue.EnqueueOption
	if o.priority != nil {
		qopts = append(qopts, queue.WithPriority(*o.priority))
	}
	switch {
	case o.baseVersion != nil:
		qopts = append(qopts, queue.WithBaseVersion(*o.baseVersion))
	case kind != types.KindInsert:
		if v := c.knownServerVersion(ctx, table, key); v > 0 {
			qopts = append(qopts, queue.WithBaseVersion(v))
		}
	}

	op, err := c.queue.Enqueue(ctx, kind, table, key, payload, qopts...)
	if err != nil {
		return nil, err
	}

	var cacheErr error
	if kind == types.KindDelete {
		cacheErr = c.cache.Invalidate(ctx, table, key)
	} else {
		_, cacheErr = c.cache.Put(ctx, table, key, payload)
	}
	if cacheErr != nil {
		slog.Warn("optimistic cache write failed",
			"component", "relay",
			"operation_id", op.ID,
			"table", table,
			"key", key,
			"error", cacheErr,
		)
	}
	return op, nil
}

func (c *Client) knownServerVersion(ctx context.Context, table, key string) int64 {
	entry, ok, err := c.cache.Entry(ctx, table, key)
	if err != nil || !ok {
		return 0
	}
	return entry.ServerVersion
}

// ReadCached returns the cached payload for table/key. The boolean is false
// when nothing usable is cached; it never contacts the remote service.
func (c *Client) ReadCached(ctx context.Context, table, key string) (json.RawMessage, bool, error) {
	if err := c.checkOpen(); err != nil {
		return nil, false, err
	}
	return c.cache.Get(ctx, table, key)
}

// CachedEntry returns the cached entry for table/key with its versions.
func (c *Client) CachedEntry(ctx context.Context, table, key string) (*CachedEntry, bool, error) {
	if err := c.checkOpen(); err != nil {
		return nil, false, err
	}
	return c.cache.Entry(ctx, table, key)
}

// Fetch reads table/key from the remote service and stores the answer as
// the authoritative cache entry. A record deleted on the server is dropped
// from the cache. Local writes still queued for the record are not
// overwritten.
func (c *Client) Fetch(ctx context.Context, table, key string) (*RecordState, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	reader, ok := c.service.(recordReader)
	if !ok {
		return nil, ErrFetchUnsupported
	}

	state, err := reader.Get(ctx, table, key)
	if err != nil {
		return nil, err
	}

	pending, err := c.hasPending(ctx, table, key)
	if err != nil {
		return nil, err
	}
	if pending {
		slog.Debug("fetched state not cached, local writes pending",
			"component", "relay",
			"table", table,
			"key", key,
		)
		return state, nil
	}

	if state.Deleted {
		err = c.cache.Invalidate(ctx, table, key)
	} else {
		_, err = c.cache.PutAuthoritative(ctx, table, key, state.Payload, state.Version)
	}
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (c *Client) hasPending(ctx context.Context, table, key string) (bool, error) {
	ops, err := c.queue.ListPending(ctx)
	if err != nil {
		return false, err
	}
	for _, op := range ops {
		if op.Table == table && op.Key == key {
			return true, nil
		}
	}
	return false, nil
}

// ClearCache removes every cached entry, or only those of table when it is
// non-empty. Pending operations are untouched.
func (c *Client) ClearCache(ctx context.Context, table string) (int64, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}
	return c.cache.Clear(ctx, table)
}

// ListPending returns queued operations in drain order.
func (c *Client) ListPending(ctx context.Context) ([]Operation, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.queue.ListPending(ctx)
}

// GetOperation returns one queued operation.
func (c *Client) GetOperation(ctx context.Context, id string) (*Operation, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.queue.Get(ctx, id)
}

// CancelOperation drops a queued operation before it is synced. The cache
// keeps whatever the operation wrote to it until the next refresh.
func (c *Client) CancelOperation(ctx context.Context, id string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if _, err := c.queue.Get(ctx, id); err != nil {
		return err
	}
	if err := c.queue.Remove(ctx, id); err != nil {
		return err
	}
	slog.Info("operation cancelled", "component", "relay", "operation_id", id)
	return nil
}

// DrainNow attempts every pending operation immediately, ignoring backoff
// windows and the connectivity signal. If a drain is already running the
// call returns a coalesced summary without doing any work.
func (c *Client) DrainNow(ctx context.Context) (*DrainSummary, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.coord.DrainNow(ctx)
}

// Sync asks the background actor for a drain and returns immediately.
func (c *Client) Sync() {
	c.coord.Trigger()
}

// ListUnresolvedConflicts returns open conflicts, oldest first.
func (c *Client) ListUnresolvedConflicts(ctx context.Context) ([]Conflict, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.conflicts.ListUnresolved(ctx)
}

// ListResolvedConflicts returns closed conflicts.
func (c *Client) ListResolvedConflicts(ctx context.Context) ([]Conflict, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.conflicts.ListResolved(ctx)
}

// GetConflict returns one conflict.
func (c *Client) GetConflict(ctx context.Context, id string) (*Conflict, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.conflicts.Get(ctx, id)
}

// ResolveConflict records the operator's choice for a conflict. Choosing
// local or merge queues a follow-up operation, which is returned; choosing
// server returns nil.
func (c *Client) ResolveConflict(ctx context.Context, id string, resolution Resolution, merged json.RawMessage) (*Operation, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	op, err := c.conflicts.Resolve(ctx, id, resolution, merged)
	if err != nil {
		return nil, err
	}
	if op != nil && c.observer.Online() {
		c.coord.Trigger()
	}
	return op, nil
}

// AbandonConflict closes a conflict without choosing a side.
func (c *Client) AbandonConflict(ctx context.Context, id string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.conflicts.Abandon(ctx, id)
}

// SetOnline feeds the connectivity signal from the host application. Going
// online triggers a drain.
func (c *Client) SetOnline(online bool) {
	c.observer.SetOnline(online)
}

// Online reports the current connectivity signal.
func (c *Client) Online() bool {
	return c.observer.Online()
}

// OnConnectivityChange registers fn to be called after every connectivity
// transition. fn must not block.
func (c *Client) OnConnectivityChange(fn func(online bool)) {
	c.observer.OnTransition(fn)
}

// Status reports queue, conflict and cache counts along with the sync
// state.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	stats, err := c.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &Status{
		ClientID:           c.clientID,
		Online:             c.observer.Online(),
		Syncing:            c.coord.Running(),
		PendingOperations:  stats.PendingOperations,
		FailingOperations:  stats.FailingOperations,
		UnresolvedConflict: stats.UnresolvedConflict,
		CacheEntries:       stats.CacheEntries,
		NextScheduledDrain: c.scheduler.Next(),
	}, nil
}

// Backup uploads a consistent copy of the local database to the configured
// bucket and returns a pre-signed download URL. Returns
// ErrBackupNotConfigured without a bucket.
func (c *Client) Backup(ctx context.Context) (*BackupResult, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return snapshot.Backup(ctx, c.store, c.uploader, c.clientID)
}
