package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/fluxmetric/sdkcore/internal/obsmetrics"
	"go.opentelemetry.io/otel/trace"
)

const maxDecideResponseBytes = 256 * 1024

// HTTPBatchEndpoint posts a batch to a single URL as a JSON array of raw
// event bodies. It makes exactly one attempt per Send call; the uploader
// owns retry and back-off.
type HTTPBatchEndpoint struct {
	url    string
	client *http.Client
	tracer *obsmetrics.Tracer
}

// NewHTTPBatchEndpoint constructs an HTTPBatchEndpoint posting to url.
// A nil tracer disables trace-header propagation.
func NewHTTPBatchEndpoint(url string, client *http.Client, tracer *obsmetrics.Tracer) *HTTPBatchEndpoint {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPBatchEndpoint{url: url, client: client, tracer: tracer}
}

// Send implements BatchEndpoint.
func (e *HTTPBatchEndpoint) Send(ctx context.Context, batch []Event) BatchResult {
	bodies := make([]json.RawMessage, len(batch))
	for i, ev := range batch {
		bodies[i] = ev.Body
	}
	payload, err := json.Marshal(bodies)
	if err != nil {
		return BatchResult{StatusCode: -1}
	}

	if e.tracer != nil && e.tracer.Enabled() {
		var span trace.Span
		ctx, span = e.tracer.StartSpan(ctx, "batch.send")
		defer span.End()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(payload))
	if err != nil {
		return BatchResult{StatusCode: -1}
	}
	req.Header.Set("Content-Type", "application/json")
	if e.tracer != nil {
		e.tracer.InjectHeaders(ctx, req.Header)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return BatchResult{StatusCode: -1}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return BatchResult{StatusCode: resp.StatusCode}
}

// HTTPDecideEndpoint posts a DecideRequest to a single URL and decodes a
// DecideResponse.
type HTTPDecideEndpoint struct {
	url    string
	client *http.Client
	tracer *obsmetrics.Tracer
}

// NewHTTPDecideEndpoint constructs an HTTPDecideEndpoint posting to url.
func NewHTTPDecideEndpoint(url string, client *http.Client, tracer *obsmetrics.Tracer) *HTTPDecideEndpoint {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPDecideEndpoint{url: url, client: client, tracer: tracer}
}

// Decide implements DecideEndpoint. A transport-level error or non-2xx
// status is returned as an error; a 2xx response with a body that fails
// to decode at all is also an error. A 2xx response that decodes but
// omits featureFlags/featureFlagPayloads is returned successfully with
// nil maps, leaving malformed-payload classification to the flag cache.
func (e *HTTPDecideEndpoint) Decide(ctx context.Context, req DecideRequest) (*DecideResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal decide request: %w", err)
	}

	if e.tracer != nil && e.tracer.Enabled() {
		var span trace.Span
		ctx, span = e.tracer.StartSpan(ctx, "decide.send")
		defer span.End()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("transport: build decide request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.tracer != nil {
		e.tracer.InjectHeaders(ctx, httpReq.Header)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("transport: decide request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("transport: decide returned status %d", resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, maxDecideResponseBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("transport: read decide response: %w", err)
	}

	var out DecideResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("transport: decode decide response: %w", err)
	}
	return &out, nil
}
