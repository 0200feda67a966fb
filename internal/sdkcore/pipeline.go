// Package sdkcore is the composition root wiring the durable queue, the
// typed key-value store, the flag cache, the uploader, and the
// coordinator into the single object a facade embeds. Everything outside
// this core (the capture/identify/group API, session identity,
// autocapture) lives above this package.
package sdkcore

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fluxmetric/sdkcore/internal/coordinator"
	"github.com/fluxmetric/sdkcore/internal/flagcache"
	"github.com/fluxmetric/sdkcore/internal/kvstore"
	"github.com/fluxmetric/sdkcore/internal/network"
	"github.com/fluxmetric/sdkcore/internal/obslog"
	"github.com/fluxmetric/sdkcore/internal/obsmetrics"
	"github.com/fluxmetric/sdkcore/internal/queue"
	"github.com/fluxmetric/sdkcore/internal/transport"
	"github.com/fluxmetric/sdkcore/internal/uploader"
)

// Config bundles construction-time options for every owned component.
type Config struct {
	RootDir      string
	QueueDirName string
	Uploader     uploader.Config
	Metrics      *obsmetrics.Config
	Trace        *obsmetrics.TraceConfig
}

// DefaultConfig returns a Config with an uploader tuned per
// uploader.DefaultConfig and observability disabled.
func DefaultConfig(rootDir string) Config {
	return Config{
		RootDir:      rootDir,
		QueueDirName: "queue",
		Uploader:     uploader.DefaultConfig(),
		Metrics:      obsmetrics.DefaultConfig(),
		Trace:        obsmetrics.DefaultTraceConfig(),
	}
}

// Pipeline is the assembled core: the durable event queue, the typed KV
// store, the flag cache, and the uploader/coordinator pair driving
// delivery.
type Pipeline struct {
	cfg         Config
	Queue       *queue.Queue
	Store       *kvstore.Store
	FlagCache   *flagcache.Cache
	Uploader    *uploader.Uploader
	Coordinator *coordinator.Coordinator
	Metrics     *obsmetrics.Metrics
	Tracer      *obsmetrics.Tracer
	logger      *obslog.Logger
}

// New assembles a Pipeline rooted at cfg.RootDir, wiring batchEndpoint
// and decideEndpoint as the abstract transport collaborators and
// observer as the abstract network collaborator.
func New(ctx context.Context, cfg Config, batchEndpoint transport.BatchEndpoint, decideEndpoint transport.DecideEndpoint, observer network.Observer) (*Pipeline, error) {
	logger := obslog.Global()

	store, err := kvstore.New(cfg.RootDir)
	if err != nil {
		return nil, fmt.Errorf("sdkcore: construct kvstore: %w", err)
	}

	queueDir, ok := store.GetString(kvstore.KeyQueueFolder)
	if !ok {
		queueDir = cfg.QueueDirName
		if err := store.SetString(kvstore.KeyQueueFolder, queueDir); err != nil {
			return nil, fmt.Errorf("sdkcore: persist queue folder: %w", err)
		}
	}

	q, err := queue.New(filepath.Join(cfg.RootDir, queueDir))
	if err != nil {
		return nil, fmt.Errorf("sdkcore: construct queue: %w", err)
	}

	metrics, err := obsmetrics.New(ctx, cfg.Metrics)
	if err != nil {
		return nil, fmt.Errorf("sdkcore: construct metrics: %w", err)
	}
	tracer, err := obsmetrics.NewTracer(ctx, cfg.Trace)
	if err != nil {
		return nil, fmt.Errorf("sdkcore: construct tracer: %w", err)
	}

	fc := flagcache.New(decideEndpoint, store, flagcache.WithLogger(logger), flagcache.WithMetrics(metrics))
	up := uploader.New(q, batchEndpoint, cfg.Uploader, uploader.WithLogger(logger), uploader.WithMetrics(metrics))
	coord := coordinator.New(observer, up, coordinator.WithLogger(logger))

	return &Pipeline{
		cfg:         cfg,
		Queue:       q,
		Store:       store,
		FlagCache:   fc,
		Uploader:    up,
		Coordinator: coord,
		Metrics:     metrics,
		Tracer:      tracer,
		logger:      logger,
	}, nil
}

// Start begins the uploader/coordinator lifecycle.
func (p *Pipeline) Start() {
	p.Coordinator.Start()
}

// Stop tears down the uploader/coordinator lifecycle and releases
// observability exporters. An in-flight flush is allowed to complete.
func (p *Pipeline) Stop(ctx context.Context) {
	p.Coordinator.Stop()
	if err := p.Metrics.Shutdown(ctx); err != nil {
		p.logger.QueueIOFailed("shutdown", "metrics", err)
	}
	if err := p.Tracer.Shutdown(ctx); err != nil {
		p.logger.QueueIOFailed("shutdown", "tracer", err)
	}
}

// Add appends a serialized record to the durable queue and triggers an
// immediate flush if the resulting depth has crossed the configured
// threshold. It is a no-op when the caller has opted out
// (kvstore.KeyOptOut is true).
func (p *Pipeline) Add(ctx context.Context, record []byte) {
	if optedOut, ok := p.Store.GetBool(kvstore.KeyOptOut); ok && optedOut {
		return
	}
	p.Queue.Add(record)
	p.Uploader.AddTriggered(ctx, p.Queue.Depth())
}

// OptOut persists the opt-out flag; subsequent Add calls become no-ops.
func (p *Pipeline) OptOut() error {
	return p.Store.SetBool(kvstore.KeyOptOut, true)
}

// OptIn clears the opt-out flag.
func (p *Pipeline) OptIn() error {
	return p.Store.SetBool(kvstore.KeyOptOut, false)
}

// LoadFlags refreshes the flag cache for the given identity and groups.
// completion may be nil; it receives the refreshed maps, or (nil, nil)
// when the decide call failed.
func (p *Pipeline) LoadFlags(ctx context.Context, distinctID, anonymousID string, groups map[string]string, completion flagcache.Completion) {
	p.FlagCache.Load(ctx, distinctID, anonymousID, groups, completion)
}
