// Package uploader drains a durable queue in batches to an abstract
// batch endpoint: a timer and a depth threshold trigger flushes, results
// are classified retryable/non-retryable, and consecutive retryable
// outcomes back off linearly (retry count times RetryDelay) up to
// MaxRetryDelay.
package uploader

import (
	"context"
	"sync"
	"time"

	"github.com/fluxmetric/sdkcore/internal/network"
	"github.com/fluxmetric/sdkcore/internal/obslog"
	"github.com/fluxmetric/sdkcore/internal/obsmetrics"
	"github.com/fluxmetric/sdkcore/internal/queue"
	"github.com/fluxmetric/sdkcore/internal/transport"
)

// DataMode gates flushes on the current connection type.
type DataMode int

const (
	DataModeAnyConnection DataMode = iota
	DataModeWiFiOnly
)

// Config is the uploader's enumerated set of construction-time inputs.
type Config struct {
	FlushIntervalSeconds int
	FlushAt              int
	MaxBatchSize         int
	DataMode             DataMode
	RetryDelay           time.Duration
	MaxRetryDelay        time.Duration
}

// DefaultConfig returns conservative defaults: flush every 30s or at 20
// queued records, at most 100 records per batch, any connection,
// starting at a 5s back-off capped at 2 minutes.
func DefaultConfig() Config {
	return Config{
		FlushIntervalSeconds: 30,
		FlushAt:              20,
		MaxBatchSize:         100,
		DataMode:             DataModeAnyConnection,
		RetryDelay:           5 * time.Second,
		MaxRetryDelay:        2 * time.Minute,
	}
}

// EventDecoder turns one raw record into a loggable name plus the bytes
// to hand to the batch endpoint. Records that fail to decode are dropped
// via queue.Delete and never reach the endpoint.
type EventDecoder func(record []byte) (transport.Event, error)

func defaultDecoder(record []byte) (transport.Event, error) {
	return transport.Event{Name: "", Body: record}, nil
}

// Uploader owns the flush loop. One instance per queue.
type Uploader struct {
	cfg      Config
	q        *queue.Queue
	endpoint transport.BatchEndpoint
	decode   EventDecoder
	logger   *obslog.Logger
	metrics  *obsmetrics.Metrics
	now      func() time.Time

	flushMu     sync.Mutex
	isFlushing  bool

	pausedMu    sync.Mutex // guards paused, pausedUntil, and retryCount together
	paused      bool
	pausedUntil time.Time
	retryCount  int

	timerMu   sync.Mutex
	stopCh    chan struct{}
	stoppedCh chan struct{}
	running   bool
}

// Option configures an Uploader at construction.
type Option func(*Uploader)

// WithLogger overrides the default global logger.
func WithLogger(l *obslog.Logger) Option { return func(u *Uploader) { u.logger = l } }

// WithMetrics attaches an obsmetrics.Metrics instance.
func WithMetrics(m *obsmetrics.Metrics) Option { return func(u *Uploader) { u.metrics = m } }

// WithDecoder overrides how a raw record is turned into a transport.Event.
func WithDecoder(d EventDecoder) Option { return func(u *Uploader) { u.decode = d } }

// WithClock overrides the time source; intended for tests.
func WithClock(now func() time.Time) Option { return func(u *Uploader) { u.now = now } }

// New constructs an Uploader over q, sending accepted batches to endpoint.
func New(q *queue.Queue, endpoint transport.BatchEndpoint, cfg Config, opts ...Option) *Uploader {
	u := &Uploader{
		cfg:      cfg,
		q:        q,
		endpoint: endpoint,
		decode:   defaultDecoder,
		logger:   obslog.Global(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Start installs the periodic timer. Calling Start on an already-running
// Uploader is a no-op.
func (u *Uploader) Start() {
	u.timerMu.Lock()
	defer u.timerMu.Unlock()
	if u.running {
		return
	}
	u.running = true
	u.stopCh = make(chan struct{})
	u.stoppedCh = make(chan struct{})
	go u.runTimer(u.stopCh, u.stoppedCh)
}

// Stop invalidates the timer; no further scheduled flushes occur. An
// in-flight flush is allowed to complete and apply its result.
func (u *Uploader) Stop() {
	u.timerMu.Lock()
	if !u.running {
		u.timerMu.Unlock()
		return
	}
	u.running = false
	stopCh, stoppedCh := u.stopCh, u.stoppedCh
	u.timerMu.Unlock()

	close(stopCh)
	<-stoppedCh
}

func (u *Uploader) runTimer(stopCh, stoppedCh chan struct{}) {
	defer close(stoppedCh)
	interval := time.Duration(u.cfg.FlushIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			u.Flush(context.Background())
		case <-stopCh:
			return
		}
	}
}

// AddTriggered schedules an immediate flush if depth has crossed FlushAt.
func (u *Uploader) AddTriggered(ctx context.Context, depth int) {
	if depth >= u.cfg.FlushAt {
		go u.Flush(ctx)
	}
}

// canFlush reports whether a flush may proceed: not paused, and any
// back-off window already elapsed.
func (u *Uploader) canFlush() bool {
	u.pausedMu.Lock()
	paused := u.paused
	pausedUntil := u.pausedUntil
	u.pausedMu.Unlock()

	if paused {
		return false
	}
	if !pausedUntil.IsZero() && u.now().Before(pausedUntil) {
		return false
	}
	return true
}

// Flush peeks up to MaxBatchSize records, drops any that fail to decode,
// and hands the rest to the batch endpoint as one batch. A concurrent
// Flush call while one is already in transit returns immediately.
func (u *Uploader) Flush(ctx context.Context) {
	if !u.canFlush() {
		u.logger.FlushSkipped("paused")
		return
	}

	u.flushMu.Lock()
	if u.isFlushing {
		u.flushMu.Unlock()
		return
	}
	u.isFlushing = true
	u.flushMu.Unlock()

	defer func() {
		u.flushMu.Lock()
		u.isFlushing = false
		u.flushMu.Unlock()
	}()

	records := u.q.Peek(u.cfg.MaxBatchSize)
	if len(records) == 0 {
		u.logger.FlushSkipped("empty")
		return
	}

	events := make([]transport.Event, 0, len(records))
	deserializeFailures := make([]int, 0)
	for i, r := range records {
		ev, err := u.decode(r)
		if err != nil {
			deserializeFailures = append(deserializeFailures, i)
			continue
		}
		events = append(events, ev)
	}
	if len(deserializeFailures) > 0 {
		u.q.Delete(deserializeFailures...)
	}
	if len(events) == 0 {
		return
	}

	u.logger.FlushStarted(len(events))
	start := time.Now()
	result := u.endpoint.Send(ctx, events)
	latencyMs := float64(time.Since(start).Microseconds()) / 1000.0

	retryable := result.StatusCode == -1 || (result.StatusCode >= 300 && result.StatusCode <= 399)

	if u.metrics != nil {
		u.metrics.RecordFlush(ctx, latencyMs, result.StatusCode, retryable)
	}

	if retryable {
		u.applyRetryBackoff(result.StatusCode, len(events))
		return
	}

	// 2xx or non-retryable 4xx/5xx: the batch is treated as processed.
	u.q.Pop(len(events))
	u.pausedMu.Lock()
	u.retryCount = 0
	u.pausedMu.Unlock()

	if result.StatusCode >= 200 && result.StatusCode < 300 {
		u.logger.FlushSucceeded(len(events))
	} else {
		u.logger.FlushGaveUp(result.StatusCode, len(events))
	}
}

func (u *Uploader) applyRetryBackoff(status int, batchSize int) {
	u.pausedMu.Lock()
	u.retryCount++
	delay := time.Duration(u.retryCount) * u.cfg.RetryDelay
	if delay > u.cfg.MaxRetryDelay {
		delay = u.cfg.MaxRetryDelay
	}
	u.pausedUntil = u.now().Add(delay)
	retryCount := u.retryCount
	u.pausedMu.Unlock()

	u.logger.FlushRetrying(status, retryCount, delay.String())
}

// SetPaused sets or clears the pause flag, independent of back-off state.
// The coordinator calls this on network-observer transitions.
func (u *Uploader) SetPaused(paused bool) {
	u.pausedMu.Lock()
	u.paused = paused
	u.pausedMu.Unlock()
}

// ApplyConnectionState applies the network-gating rule for the current
// data mode: wifi-only pauses on any non-wifi connection; a transition
// to wifi clears the pause and triggers an immediate flush.
func (u *Uploader) ApplyConnectionState(connType network.ConnectionType) {
	if u.cfg.DataMode == DataModeWiFiOnly && connType != network.ConnectionWiFi {
		u.SetPaused(true)
		return
	}
	u.SetPaused(false)
	if connType == network.ConnectionWiFi {
		go u.Flush(context.Background())
	}
}
