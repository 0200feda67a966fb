package sdkcore

import (
	"context"
	"testing"

	"github.com/fluxmetric/sdkcore/internal/flag"
	"github.com/fluxmetric/sdkcore/internal/network"
	"github.com/fluxmetric/sdkcore/internal/transport"
)

type fakeBatchEndpoint struct{}

func (fakeBatchEndpoint) Send(ctx context.Context, batch []transport.Event) transport.BatchResult {
	return transport.BatchResult{StatusCode: 200}
}

type fakeDecideEndpoint struct{}

func (fakeDecideEndpoint) Decide(ctx context.Context, req transport.DecideRequest) (*transport.DecideResponse, error) {
	return &transport.DecideResponse{
		FeatureFlags:        map[string]flag.Value{},
		FeatureFlagPayloads: map[string]string{},
	}, nil
}

func newPipeline(t *testing.T) *Pipeline {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	p, err := New(context.Background(), cfg, fakeBatchEndpoint{}, fakeDecideEndpoint{}, network.NewManualObserver())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

func TestAddRespectsOptOut(t *testing.T) {
	p := newPipeline(t)
	if err := p.OptOut(); err != nil {
		t.Fatalf("OptOut() error = %v", err)
	}
	p.Add(context.Background(), []byte(`{"event":"a"}`))
	if p.Queue.Depth() != 0 {
		t.Fatalf("Depth() = %d, want 0 while opted out", p.Queue.Depth())
	}
}

func TestAddQueuesWhenOptedIn(t *testing.T) {
	p := newPipeline(t)
	p.Add(context.Background(), []byte(`{"event":"a"}`))
	if p.Queue.Depth() != 1 {
		t.Fatalf("Depth() = %d, want 1", p.Queue.Depth())
	}
}

func TestOptInReversesOptOut(t *testing.T) {
	p := newPipeline(t)
	if err := p.OptOut(); err != nil {
		t.Fatalf("OptOut() error = %v", err)
	}
	if err := p.OptIn(); err != nil {
		t.Fatalf("OptIn() error = %v", err)
	}
	p.Add(context.Background(), []byte(`{"event":"a"}`))
	if p.Queue.Depth() != 1 {
		t.Fatalf("Depth() = %d, want 1 after opting back in", p.Queue.Depth())
	}
}

func TestStartStopLifecycle(t *testing.T) {
	p := newPipeline(t)
	p.Start()
	p.Stop(context.Background())
}
