package flagcache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fluxmetric/sdkcore/internal/flag"
	"github.com/fluxmetric/sdkcore/internal/kvstore"
	"github.com/fluxmetric/sdkcore/internal/transport"
)

type fakeDecideEndpoint struct {
	mu       sync.Mutex
	calls    int
	response *transport.DecideResponse
	err      error
	block    chan struct{}
}

func (f *fakeDecideEndpoint) Decide(ctx context.Context, req transport.DecideRequest) (*transport.DecideResponse, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

func newStore(t *testing.T) *kvstore.Store {
	t.Helper()
	s, err := kvstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("kvstore.New() error = %v", err)
	}
	return s
}

func TestLoadReplacesOnFullSuccess(t *testing.T) {
	ep := &fakeDecideEndpoint{response: &transport.DecideResponse{
		FeatureFlags:        map[string]flag.Value{"a": flag.NewValue([]byte(`true`))},
		FeatureFlagPayloads: map[string]string{"a": `"payload"`},
	}}
	c := New(ep, newStore(t))
	c.Load(context.Background(), "user-1", "anon-1", nil, nil)

	if !c.IsEnabled("a") {
		t.Fatal("expected flag a enabled")
	}
}

func TestLoadMergesOnPartialFailure(t *testing.T) {
	ep := &fakeDecideEndpoint{response: &transport.DecideResponse{
		FeatureFlags: map[string]flag.Value{
			"a": flag.NewValue([]byte(`true`)),
			"b": flag.NewValue([]byte(`false`)),
		},
		FeatureFlagPayloads: map[string]string{"a": "1"},
	}}
	c := New(ep, newStore(t))
	c.Load(context.Background(), "user-1", "anon-1", nil, nil)

	ep.response = &transport.DecideResponse{
		FeatureFlags: map[string]flag.Value{
			"b": flag.NewValue([]byte(`true`)),
			"c": flag.NewValue([]byte(`true`)),
		},
		FeatureFlagPayloads:       map[string]string{"b": "2"},
		ErrorsWhileComputingFlags: true,
	}
	c.Load(context.Background(), "user-1", "anon-1", nil, nil)

	if !c.IsEnabled("a") || !c.IsEnabled("b") || !c.IsEnabled("c") {
		t.Fatalf("expected a, b, and c enabled after merge: new values override colliding keys, old keys survive")
	}
}

func TestLoadReplaceDropsStaleKeys(t *testing.T) {
	ep := &fakeDecideEndpoint{response: &transport.DecideResponse{
		FeatureFlags:        map[string]flag.Value{"a": flag.NewValue([]byte(`true`))},
		FeatureFlagPayloads: map[string]string{},
	}}
	c := New(ep, newStore(t))
	c.Load(context.Background(), "u", "a", nil, nil)

	ep.response = &transport.DecideResponse{
		FeatureFlags:        map[string]flag.Value{"b": flag.NewValue([]byte(`true`))},
		FeatureFlagPayloads: map[string]string{},
	}
	c.Load(context.Background(), "u", "a", nil, nil)

	if c.IsEnabled("a") {
		t.Fatal("expected a dropped on wholesale replace")
	}
	if !c.IsEnabled("b") {
		t.Fatal("expected b present after replace")
	}
}

func TestMalformedResponseLeavesCacheUnchanged(t *testing.T) {
	ep := &fakeDecideEndpoint{response: &transport.DecideResponse{
		FeatureFlags:        map[string]flag.Value{"a": flag.NewValue([]byte(`true`))},
		FeatureFlagPayloads: map[string]string{},
	}}
	c := New(ep, newStore(t))
	c.Load(context.Background(), "u", "a", nil, nil)

	ep.response = &transport.DecideResponse{} // nil maps: malformed
	c.Load(context.Background(), "u", "a", nil, nil)

	if !c.IsEnabled("a") {
		t.Fatal("expected cache unchanged after malformed response")
	}
}

func TestTransportErrorLeavesCacheUnchanged(t *testing.T) {
	ep := &fakeDecideEndpoint{err: fmt.Errorf("boom")}
	c := New(ep, newStore(t))
	c.Load(context.Background(), "u", "a", nil, nil)

	if c.IsEnabled("a") {
		t.Fatal("expected no flags set after transport error")
	}
}

func TestIsEnabledFalseForAbsentAndExplicitFalse(t *testing.T) {
	ep := &fakeDecideEndpoint{response: &transport.DecideResponse{
		FeatureFlags:        map[string]flag.Value{"off": flag.NewValue([]byte(`false`))},
		FeatureFlagPayloads: map[string]string{},
	}}
	c := New(ep, newStore(t))
	c.Load(context.Background(), "u", "a", nil, nil)

	if c.IsEnabled("off") {
		t.Fatal("expected off disabled")
	}
	if c.IsEnabled("missing") {
		t.Fatal("expected missing disabled")
	}
}

func TestGetPayloadParsesJSON(t *testing.T) {
	ep := &fakeDecideEndpoint{response: &transport.DecideResponse{
		FeatureFlags:        map[string]flag.Value{"a": flag.NewValue([]byte(`true`))},
		FeatureFlagPayloads: map[string]string{"a": `{"x":1}`},
	}}
	c := New(ep, newStore(t))
	c.Load(context.Background(), "u", "a", nil, nil)

	payload, ok := c.GetPayload("a").(map[string]any)
	if !ok {
		t.Fatalf("GetPayload() = %#v, want map", c.GetPayload("a"))
	}
	if payload["x"] != float64(1) {
		t.Fatalf("payload[x] = %v, want 1", payload["x"])
	}
}

func TestConcurrentLoadSingleFlights(t *testing.T) {
	block := make(chan struct{})
	ep := &fakeDecideEndpoint{
		block: block,
		response: &transport.DecideResponse{
			FeatureFlags:        map[string]flag.Value{"a": flag.NewValue([]byte(`true`))},
			FeatureFlagPayloads: map[string]string{},
		},
	}
	c := New(ep, newStore(t))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.Load(context.Background(), "u", "a", nil, nil)
	}()

	time.Sleep(20 * time.Millisecond) // let the first Load set isLoading before the second fires
	loserNotified := false
	c.Load(context.Background(), "u", "a", nil, func(map[string]flag.Value, map[string]string) {
		loserNotified = true
	})
	close(block)
	wg.Wait()

	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.calls != 1 {
		t.Fatalf("endpoint called %d times, want 1 under single-flight", ep.calls)
	}
	if loserNotified {
		t.Fatal("the caller that lost the single-flight race must not receive a completion")
	}
}

func TestCompletionDeliversUpdatedMaps(t *testing.T) {
	ep := &fakeDecideEndpoint{response: &transport.DecideResponse{
		FeatureFlags:        map[string]flag.Value{"a": flag.NewValue([]byte(`true`))},
		FeatureFlagPayloads: map[string]string{"a": `"p"`},
	}}
	c := New(ep, newStore(t))

	var gotFlags map[string]flag.Value
	var gotPayloads map[string]string
	c.Load(context.Background(), "u", "a", nil, func(flags map[string]flag.Value, payloads map[string]string) {
		gotFlags, gotPayloads = flags, payloads
	})

	if len(gotFlags) != 1 || !gotFlags["a"].Enabled() {
		t.Fatalf("completion flags = %#v, want a=true", gotFlags)
	}
	if gotPayloads["a"] != `"p"` {
		t.Fatalf("completion payloads = %#v, want a=%q", gotPayloads, `"p"`)
	}
}

func TestCompletionNilPairOnFailure(t *testing.T) {
	ep := &fakeDecideEndpoint{err: fmt.Errorf("boom")}
	c := New(ep, newStore(t))

	called := false
	c.Load(context.Background(), "u", "a", nil, func(flags map[string]flag.Value, payloads map[string]string) {
		called = true
		if flags != nil || payloads != nil {
			t.Errorf("completion = (%v, %v), want (nil, nil) on transport failure", flags, payloads)
		}
	})
	if !called {
		t.Fatal("completion must fire with (nil, nil) on failure")
	}

	ep.err = nil
	ep.response = &transport.DecideResponse{} // nil maps: malformed
	called = false
	c.Load(context.Background(), "u", "a", nil, func(flags map[string]flag.Value, payloads map[string]string) {
		called = true
		if flags != nil || payloads != nil {
			t.Errorf("completion = (%v, %v), want (nil, nil) on malformed response", flags, payloads)
		}
	})
	if !called {
		t.Fatal("completion must fire with (nil, nil) on malformed response")
	}
}

func TestSubscribeNotifiedOnSuccessfulLoad(t *testing.T) {
	ep := &fakeDecideEndpoint{response: &transport.DecideResponse{
		FeatureFlags:        map[string]flag.Value{"a": flag.NewValue([]byte(`true`))},
		FeatureFlagPayloads: map[string]string{},
	}}
	c := New(ep, newStore(t))
	notified := 0
	c.Subscribe(func() { notified++ })

	c.Load(context.Background(), "u", "a", nil, nil)
	if notified != 1 {
		t.Fatalf("notified = %d, want 1", notified)
	}
}

func TestSubscribeNotNotifiedOnFailure(t *testing.T) {
	ep := &fakeDecideEndpoint{err: fmt.Errorf("boom")}
	c := New(ep, newStore(t))
	notified := 0
	c.Subscribe(func() { notified++ })

	c.Load(context.Background(), "u", "a", nil, nil)
	if notified != 0 {
		t.Fatalf("notified = %d, want 0 on failure", notified)
	}
}
