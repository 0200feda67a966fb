// Command sdkdemo exercises the sdkcore pipeline end to end against a
// local HTTP fixture server: it registers a distinct ID, queues a
// handful of events, loads feature flags, and prints the resulting
// cache state before shutting down cleanly.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fluxmetric/sdkcore/internal/deviceprops"
	flagval "github.com/fluxmetric/sdkcore/internal/flag"
	"github.com/fluxmetric/sdkcore/internal/kvstore"
	"github.com/fluxmetric/sdkcore/internal/network"
	"github.com/fluxmetric/sdkcore/internal/obslog"
	"github.com/fluxmetric/sdkcore/internal/sdkcore"
	"github.com/fluxmetric/sdkcore/internal/transport"
	"github.com/google/uuid"
)

func main() {
	dataDir := flag.String("data-dir", "", "Root directory for queue and KV files (default: a temp dir)")
	events := flag.Int("events", 5, "Number of demo events to queue")
	flagsEnabled := flag.Bool("demo-flag", true, "Whether the fixture decide endpoint reports demo-flag as enabled")
	flag.Parse()

	if *dataDir == "" {
		dir, err := os.MkdirTemp("", "sdkdemo-*")
		if err != nil {
			log.Fatalf("create data dir: %v", err)
		}
		*dataDir = dir
	}

	srv := httptest.NewServer(buildFixtureHandler(*flagsEnabled))
	defer srv.Close()

	batchEndpoint := transport.NewHTTPBatchEndpoint(srv.URL+"/batch", srv.Client(), nil)
	decideEndpoint := transport.NewHTTPDecideEndpoint(srv.URL+"/decide", srv.Client(), nil)
	observer := network.NewManualObserver()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := sdkcore.DefaultConfig(*dataDir)
	cfg.Uploader.FlushIntervalSeconds = 2
	cfg.Uploader.FlushAt = 3

	pipeline, err := sdkcore.New(ctx, cfg, batchEndpoint, decideEndpoint, observer)
	if err != nil {
		log.Fatalf("construct pipeline: %v", err)
	}
	pipeline.Start()
	defer pipeline.Stop(ctx)
	observer.Start()
	observer.SimulateReachable(network.ConnectionWiFi)

	distinctID, err := seedIdentity(pipeline)
	if err != nil {
		log.Fatalf("seed identity: %v", err)
	}
	fmt.Printf("distinct_id: %s\n", distinctID)

	props := deviceprops.Collect().AsMap()
	if err := pipeline.Store.SetDict(kvstore.KeyRegisteredProperties, props); err != nil {
		obslog.Global().QueueIOFailed("seed", "registeredProperties", err)
	}

	for i := 0; i < *events; i++ {
		body, _ := json.Marshal(map[string]any{
			"event":       "$demo_event",
			"distinct_id": distinctID,
			"properties":  props,
			"seq":         i,
		})
		pipeline.Add(ctx, body)
	}
	fmt.Printf("queued %d events, depth now %d\n", *events, pipeline.Queue.Depth())

	pipeline.LoadFlags(ctx, distinctID, distinctID, map[string]string{"company": "demo-co"}, func(flags map[string]flagval.Value, payloads map[string]string) {
		fmt.Printf("flags loaded: %d flags, %d payloads\n", len(flags), len(payloads))
	})
	fmt.Printf("demo-flag enabled: %v\n", pipeline.FlagCache.IsEnabled("demo-flag"))

	time.Sleep(3 * time.Second)
	fmt.Printf("queue depth after flush window: %d\n", pipeline.Queue.Depth())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-time.After(100 * time.Millisecond):
	}
}

func seedIdentity(p *sdkcore.Pipeline) (string, error) {
	if existing, ok := p.Store.GetString(kvstore.KeyDistinctID); ok {
		return existing, nil
	}
	id := uuid.NewString()
	if err := p.Store.SetString(kvstore.KeyDistinctID, id); err != nil {
		return "", err
	}
	return id, nil
}

func buildFixtureHandler(demoFlagEnabled bool) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/batch", func(w http.ResponseWriter, r *http.Request) {
		var bodies []json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&bodies); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		log.Printf("fixture: accepted batch of %d events", len(bodies))
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/decide", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		resp := map[string]any{
			"featureFlags":              map[string]any{"demo-flag": demoFlagEnabled},
			"featureFlagPayloads":       map[string]any{"demo-flag": `{"variant":"control"}`},
			"errorsWhileComputingFlags": false,
		}
		json.NewEncoder(w).Encode(resp)
	})
	return mux
}
