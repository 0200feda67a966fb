package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/fluxmetric/sdkcore/internal/network"
	"github.com/fluxmetric/sdkcore/internal/queue"
	"github.com/fluxmetric/sdkcore/internal/transport"
	"github.com/fluxmetric/sdkcore/internal/uploader"
)

type fakeBatchEndpoint struct {
	calls   int
	results []transport.BatchResult
}

func (f *fakeBatchEndpoint) Send(ctx context.Context, batch []transport.Event) transport.BatchResult {
	idx := f.calls
	f.calls++
	if idx < len(f.results) {
		return f.results[idx]
	}
	return f.results[len(f.results)-1]
}

func TestUnreachablePausesUploader(t *testing.T) {
	q, err := queue.New(t.TempDir())
	if err != nil {
		t.Fatalf("queue.New() error = %v", err)
	}
	ep := &fakeBatchEndpoint{results: []transport.BatchResult{{StatusCode: 200}}}
	cfg := uploader.DefaultConfig()
	cfg.FlushIntervalSeconds = 3600
	up := uploader.New(q, ep, cfg)
	obs := network.NewManualObserver()
	c := New(obs, up)
	c.Start()
	defer c.Stop()

	obs.SimulateUnreachable()
	q.Add([]byte(`{"event":"a"}`))
	up.Flush(context.Background())

	if q.Depth() != 1 {
		t.Fatal("expected flush to be blocked after unreachable")
	}
}

func TestWiFiTransitionTriggersFlush(t *testing.T) {
	q, err := queue.New(t.TempDir())
	if err != nil {
		t.Fatalf("queue.New() error = %v", err)
	}
	q.Add([]byte(`{"event":"a"}`))

	ep := &fakeBatchEndpoint{results: []transport.BatchResult{{StatusCode: 200}}}
	cfg := uploader.DefaultConfig()
	cfg.FlushIntervalSeconds = 3600
	up := uploader.New(q, ep, cfg)
	obs := network.NewManualObserver()
	c := New(obs, up)
	c.Start()
	defer c.Stop()

	obs.SimulateReachable(network.ConnectionWiFi)

	deadline := time.Now().Add(1 * time.Second)
	for q.Depth() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if q.Depth() != 0 {
		t.Fatal("expected transition-to-wifi to trigger a flush that drains the queue")
	}
}

func TestStartStopIdempotent(t *testing.T) {
	q, err := queue.New(t.TempDir())
	if err != nil {
		t.Fatalf("queue.New() error = %v", err)
	}
	up := uploader.New(q, &fakeBatchEndpoint{results: []transport.BatchResult{{StatusCode: 200}}}, uploader.DefaultConfig())
	obs := network.NewManualObserver()
	c := New(obs, up)

	c.Start()
	c.Start()
	c.Stop()
	c.Stop()
}
