// Package flagcache holds the last known feature-flag map and refreshes
// it via a single-flight call to a decide endpoint. A partial server
// failure merges into the existing cache instead of replacing it, so a
// transient server-side error never discards flags the client already
// knows about.
package flagcache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/fluxmetric/sdkcore/internal/flag"
	"github.com/fluxmetric/sdkcore/internal/kvstore"
	"github.com/fluxmetric/sdkcore/internal/obslog"
	"github.com/fluxmetric/sdkcore/internal/obsmetrics"
	"github.com/fluxmetric/sdkcore/internal/transport"
)

// Dispatcher runs fn on whatever context subscriber notifications must
// be delivered on. The default is synchronous; a facade embedding this
// cache in a UI-having platform supplies a main-thread dispatcher so
// notifications land on its UI loop.
type Dispatcher func(fn func())

func synchronousDispatcher(fn func()) { fn() }

// Subscriber is notified once after every successful load; a load that
// fails or returns a malformed response notifies no one. Implementations
// should not block.
type Subscriber func()

// Completion receives the outcome of one Load call: the flag and payload
// maps now cached, or (nil, nil) on transport failure or a malformed
// decide response. A caller that lost the single-flight race is never
// called back.
type Completion func(flags map[string]flag.Value, payloads map[string]string)

// Cache holds flags and payloads in memory, persists them through a
// kvstore.Store, and serializes reloads behind a single-flight guard.
type Cache struct {
	endpoint   transport.DecideEndpoint
	store      *kvstore.Store
	logger     *obslog.Logger
	metrics    *obsmetrics.Metrics
	dispatcher Dispatcher

	loadMu    sync.Mutex // single-flight guard over Decide
	isLoading bool

	mu       sync.RWMutex // guards flags and payloads
	flags    map[string]flag.Value
	payloads map[string]string

	subMu sync.Mutex
	subs  map[int]Subscriber
	nextSub int
}

// Option configures a Cache at construction.
type Option func(*Cache)

// WithLogger overrides the default global logger.
func WithLogger(l *obslog.Logger) Option { return func(c *Cache) { c.logger = l } }

// WithMetrics attaches an obsmetrics.Metrics instance for decide-latency
// recording. A nil or disabled instance is a safe no-op.
func WithMetrics(m *obsmetrics.Metrics) Option { return func(c *Cache) { c.metrics = m } }

// WithDispatcher overrides the subscriber-broadcast dispatch context.
func WithDispatcher(d Dispatcher) Option { return func(c *Cache) { c.dispatcher = d } }

// New constructs a Cache backed by endpoint for loads and store for
// persistence, seeding in-memory state from whatever was last persisted.
func New(endpoint transport.DecideEndpoint, store *kvstore.Store, opts ...Option) *Cache {
	c := &Cache{
		endpoint:   endpoint,
		store:      store,
		logger:     obslog.Global(),
		dispatcher: synchronousDispatcher,
		flags:      make(map[string]flag.Value),
		payloads:   make(map[string]string),
		subs:       make(map[int]Subscriber),
	}
	c.loadPersisted()
	return c
}

func (c *Cache) loadPersisted() {
	if raw, ok := c.store.GetDict(kvstore.KeyEnabledFlags); ok {
		c.mu.Lock()
		for k, v := range raw {
			encoded, err := json.Marshal(v)
			if err != nil {
				continue
			}
			c.flags[k] = flag.NewValue(encoded)
		}
		c.mu.Unlock()
	}
	if raw, ok := c.store.GetDict(kvstore.KeyEnabledFlagPayloads); ok {
		c.mu.Lock()
		for k, v := range raw {
			if s, ok := v.(string); ok {
				c.payloads[k] = s
			}
		}
		c.mu.Unlock()
	}
}

// Subscribe registers fn to run after every successful load. It returns a
// function that unregisters fn.
func (c *Cache) Subscribe(fn Subscriber) func() {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subMu.Unlock()
	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

// Load kicks off one in-flight decide call; a concurrent call made while
// a load is already in progress returns immediately without invoking the
// endpoint, the completion, or the subscribers. On completion the caller
// receives the cached maps as they stand after the update, or (nil, nil)
// on failure; a nil completion is allowed. Load runs synchronously on the
// calling goroutine, since this core has no built-in executor; callers
// that want background loads invoke it from their own goroutine.
func (c *Cache) Load(ctx context.Context, distinctID, anonymousID string, groups map[string]string, completion Completion) {
	c.loadMu.Lock()
	if c.isLoading {
		c.loadMu.Unlock()
		return
	}
	c.isLoading = true
	c.loadMu.Unlock()

	defer func() {
		c.loadMu.Lock()
		c.isLoading = false
		c.loadMu.Unlock()
	}()

	start := time.Now()
	resp, err := c.endpoint.Decide(ctx, transport.DecideRequest{
		DistinctID:  distinctID,
		AnonymousID: anonymousID,
		Groups:      groups,
	})
	latencyMs := float64(time.Since(start).Microseconds()) / 1000.0

	if err != nil {
		c.logger.DecideFailed(err)
		if c.metrics != nil {
			c.metrics.RecordDecide(ctx, latencyMs, false)
		}
		if completion != nil {
			completion(nil, nil)
		}
		return
	}
	if resp.FeatureFlags == nil || resp.FeatureFlagPayloads == nil {
		c.logger.DecideMalformed("missing featureFlags or featureFlagPayloads")
		if c.metrics != nil {
			c.metrics.RecordDecide(ctx, latencyMs, false)
		}
		if completion != nil {
			completion(nil, nil)
		}
		return
	}
	if c.metrics != nil {
		c.metrics.RecordDecide(ctx, latencyMs, true)
	}

	c.applyResponse(resp)
	c.persist()
	c.broadcast()
	if completion != nil {
		flags, payloads := c.snapshot()
		completion(flags, payloads)
	}
}

// snapshot copies the cached maps so a completion can read them without
// racing later loads.
func (c *Cache) snapshot() (map[string]flag.Value, map[string]string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	flags := make(map[string]flag.Value, len(c.flags))
	for k, v := range c.flags {
		flags[k] = v
	}
	payloads := make(map[string]string, len(c.payloads))
	for k, v := range c.payloads {
		payloads[k] = v
	}
	return flags, payloads
}

func (c *Cache) applyResponse(resp *transport.DecideResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if resp.ErrorsWhileComputingFlags {
		for k, v := range resp.FeatureFlags {
			c.flags[k] = v
		}
		for k, v := range resp.FeatureFlagPayloads {
			c.payloads[k] = v
		}
		c.logger.FlagsMerged(len(resp.FeatureFlags), len(c.flags))
		return
	}

	c.flags = make(map[string]flag.Value, len(resp.FeatureFlags))
	for k, v := range resp.FeatureFlags {
		c.flags[k] = v
	}
	c.payloads = make(map[string]string, len(resp.FeatureFlagPayloads))
	for k, v := range resp.FeatureFlagPayloads {
		c.payloads[k] = v
	}
	c.logger.FlagsReplaced(len(resp.FeatureFlags))
}

func (c *Cache) persist() {
	c.mu.RLock()
	flagsOut := make(map[string]any, len(c.flags))
	for k, v := range c.flags {
		flagsOut[k] = v.Any()
	}
	payloadsOut := make(map[string]any, len(c.payloads))
	for k, v := range c.payloads {
		payloadsOut[k] = v
	}
	c.mu.RUnlock()

	if err := c.store.SetDict(kvstore.KeyEnabledFlags, flagsOut); err != nil {
		c.logger.QueueIOFailed("persist", string(kvstore.KeyEnabledFlags), err)
	}
	if err := c.store.SetDict(kvstore.KeyEnabledFlagPayloads, payloadsOut); err != nil {
		c.logger.QueueIOFailed("persist", string(kvstore.KeyEnabledFlagPayloads), err)
	}
}

func (c *Cache) broadcast() {
	c.subMu.Lock()
	fns := make([]Subscriber, 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()

	c.dispatcher(func() {
		for _, fn := range fns {
			fn()
		}
	})
}

// IsEnabled reports whether key is present with a truthy value: false
// iff absent or literal boolean false.
func (c *Cache) IsEnabled(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.flags[key]
	if !ok {
		return false
	}
	return v.Enabled()
}

// Get returns the raw stored value for key, or nil if absent.
func (c *Cache) Get(key string) any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.flags[key]
	if !ok {
		return nil
	}
	return v.Any()
}

// GetPayload returns the parsed payload for key, falling back to the raw
// stored string if it does not parse as JSON. Returns nil if absent.
func (c *Cache) GetPayload(key string) any {
	c.mu.RLock()
	stored, ok := c.payloads[key]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	return flag.ParsePayload(stored)
}
