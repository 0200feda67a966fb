package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPBatchEndpointSend(t *testing.T) {
	var gotBodies []json.RawMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotBodies); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ep := NewHTTPBatchEndpoint(srv.URL, srv.Client(), nil)
	result := ep.Send(context.Background(), []Event{
		{Name: "$pageview", Body: []byte(`{"event":"$pageview"}`)},
		{Name: "$click", Body: []byte(`{"event":"$click"}`)},
	})

	if result.StatusCode != http.StatusOK {
		t.Fatalf("StatusCode = %d, want 200", result.StatusCode)
	}
	if len(gotBodies) != 2 {
		t.Fatalf("server saw %d bodies, want 2", len(gotBodies))
	}
}

func TestHTTPBatchEndpointTransportFailure(t *testing.T) {
	ep := NewHTTPBatchEndpoint("http://127.0.0.1:0", http.DefaultClient, nil)
	result := ep.Send(context.Background(), []Event{{Name: "x", Body: []byte(`{}`)}})
	if result.StatusCode != -1 {
		t.Fatalf("StatusCode = %d, want -1 for transport failure", result.StatusCode)
	}
}

func TestHTTPDecideEndpointDecide(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req DecideRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode decide request: %v", err)
		}
		if req.DistinctID != "user-1" {
			t.Fatalf("DistinctID = %q, want user-1", req.DistinctID)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"featureFlags":{"new-checkout":true},"featureFlagPayloads":{"new-checkout":"{}"},"errorsWhileComputingFlags":false}`))
	}))
	defer srv.Close()

	ep := NewHTTPDecideEndpoint(srv.URL, srv.Client(), nil)
	resp, err := ep.Decide(context.Background(), DecideRequest{DistinctID: "user-1"})
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if !resp.FeatureFlags["new-checkout"].Enabled() {
		t.Fatalf("expected new-checkout enabled")
	}
}

func TestHTTPDecideEndpointNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ep := NewHTTPDecideEndpoint(srv.URL, srv.Client(), nil)
	_, err := ep.Decide(context.Background(), DecideRequest{DistinctID: "user-1"})
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestHTTPDecideEndpointMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	ep := NewHTTPDecideEndpoint(srv.URL, srv.Client(), nil)
	_, err := ep.Decide(context.Background(), DecideRequest{DistinctID: "user-1"})
	if err == nil {
		t.Fatal("expected error for malformed decide body")
	}
}

func TestHTTPDecideEndpointOmittedFlags(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"errorsWhileComputingFlags":true}`))
	}))
	defer srv.Close()

	ep := NewHTTPDecideEndpoint(srv.URL, srv.Client(), nil)
	resp, err := ep.Decide(context.Background(), DecideRequest{DistinctID: "user-1"})
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if resp.FeatureFlags != nil {
		t.Fatalf("expected nil FeatureFlags when omitted from response, got %v", resp.FeatureFlags)
	}
}
