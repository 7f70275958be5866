// Package connectivity tracks whether the remote service is reachable and
// notifies listeners on transitions.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Prober checks reachability of the remote service.
type Prober interface {
	Ping(ctx context.Context) error
}

// Observer holds the online signal. The state is fed either by the host
// application through SetOnline or by Run probing a Prober.
type Observer struct {
	mu        sync.RWMutex
	online    bool
	listeners []func(online bool)
}

// NewObserver creates an observer with the given initial state. No
// transition is reported for the initial state.
func NewObserver(initial bool) *Observer {
	return &Observer{online: initial}
}

// Online reports the current state.
func (o *Observer) Online() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.online
}

// OnTransition registers fn to be called after every state change.
// Listeners run synchronously on the goroutine that changed the state and
// must not block.
func (o *Observer) OnTransition(fn func(online bool)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, fn)
}

// OnOnline registers fn to be called on every offline to online transition.
func (o *Observer) OnOnline(fn func()) {
	o.OnTransition(func(online bool) {
		if online {
			fn()
		}
	})
}

// SetOnline records the current state. Listeners are notified only when the
// state actually changes.
func (o *Observer) SetOnline(online bool) {
	o.mu.Lock()
	if o.online == online {
		o.mu.Unlock()
		return
	}
	o.online = online
	listeners := make([]func(bool), len(o.listeners))
	copy(listeners, o.listeners)
	o.mu.Unlock()

	slog.Info("connectivity changed", "component", "connectivity", "online", online)
	for _, fn := range listeners {
		fn(online)
	}
}

// Run probes p immediately and then every interval, feeding the result into
// SetOnline. It blocks until ctx is cancelled.
func (o *Observer) Run(ctx context.Context, p Prober, interval time.Duration) {
	slog.Info("connectivity probe started",
		"component", "connectivity",
		"interval", interval.String(),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.probe(ctx, p, interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("connectivity probe stopped",
				"component", "connectivity",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			o.probe(ctx, p, interval)
		}
	}
}

func (o *Observer) probe(ctx context.Context, p Prober, timeout time.Duration) {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := p.Ping(pctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		slog.Debug("connectivity probe failed", "component", "connectivity", "error", err)
	}
	o.SetOnline(err == nil)
}
