// Package coordinator wires a network.Observer's connectivity events into
// an Uploader's pause state and triggers immediate flushes on
// connectivity regain. It owns the lifecycle of the observer
// subscription and the uploader's timer.
package coordinator

import (
	"context"
	"sync"

	"github.com/fluxmetric/sdkcore/internal/network"
	"github.com/fluxmetric/sdkcore/internal/obslog"
	"github.com/fluxmetric/sdkcore/internal/uploader"
)

// Coordinator is the small wiring struct binding an Observer to an
// Uploader. It owns neither; it only subscribes and starts/stops them
// together.
type Coordinator struct {
	observer network.Observer
	up       *uploader.Uploader
	logger   *obslog.Logger

	mu             sync.Mutex
	unsubReachable func()
	unsubUnreach   func()
	started        bool
}

// Option configures a Coordinator at construction.
type Option func(*Coordinator)

// WithLogger overrides the default global logger.
func WithLogger(l *obslog.Logger) Option { return func(c *Coordinator) { c.logger = l } }

// New constructs a Coordinator over observer and up.
func New(observer network.Observer, up *uploader.Uploader, opts ...Option) *Coordinator {
	c := &Coordinator{observer: observer, up: up, logger: obslog.Global()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start subscribes to the observer, starts the uploader's timer, and
// starts the observer itself. Calling Start twice is a no-op.
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true

	c.unsubReachable = c.observer.OnReachable(func(connType network.ConnectionType) {
		c.logger.NetworkStateChanged(string(connType), false)
		c.up.ApplyConnectionState(connType)
	})
	c.unsubUnreach = c.observer.OnUnreachable(func() {
		c.logger.NetworkStateChanged("unreachable", true)
		c.up.SetPaused(true)
	})

	c.up.Start()
	c.observer.Start()
}

// Stop tears down the observer subscription and stops both the observer
// and the uploader's timer. An in-flight flush is allowed to complete.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return
	}
	c.started = false

	c.observer.Stop()
	if c.unsubReachable != nil {
		c.unsubReachable()
	}
	if c.unsubUnreach != nil {
		c.unsubUnreach()
	}
	c.up.Stop()
}

// FlushNow triggers an immediate flush outside the regular timer/depth
// triggers, useful for an explicit app-level "flush on background" hook.
func (c *Coordinator) FlushNow(ctx context.Context) {
	c.up.Flush(ctx)
}
