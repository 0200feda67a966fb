// Package transport defines the abstract collaborators the core consumes
// for delivering batches and evaluating feature flags. It holds only the
// interfaces plus a concrete HTTP implementation; no retry or back-off
// policy lives here, that stays entirely in the uploader and flag cache.
package transport

import (
	"context"

	"github.com/fluxmetric/sdkcore/internal/flag"
)

// Event is one record handed to the batch endpoint: an opaque body plus a
// name surfaced only for logging.
type Event struct {
	Name string
	Body []byte
}

// BatchResult is the outcome of one batch send attempt. StatusCode is the
// HTTP status code, or -1 for a transport-level failure.
type BatchResult struct {
	StatusCode int
}

// BatchEndpoint accepts a batch of events and reports an HTTP-shaped
// result. Implementations must not retry internally: the uploader owns
// retry classification and back-off.
type BatchEndpoint interface {
	Send(ctx context.Context, batch []Event) BatchResult
}

// DecideRequest is the payload sent to the decide endpoint.
type DecideRequest struct {
	DistinctID  string            `json:"distinct_id"`
	AnonymousID string            `json:"anonymous_id"`
	Groups      map[string]string `json:"groups,omitempty"`
}

// DecideResponse is the decoded decide response. FeatureFlags and
// FeatureFlagPayloads are nil when the wire response omitted them
// entirely; the flag cache treats that as a malformed response, not as
// "no flags".
type DecideResponse struct {
	FeatureFlags              map[string]flag.Value `json:"featureFlags"`
	FeatureFlagPayloads       map[string]string      `json:"featureFlagPayloads"`
	ErrorsWhileComputingFlags bool                    `json:"errorsWhileComputingFlags"`
}

// DecideEndpoint evaluates feature flags for an identity. A non-nil error
// signals a transport-level failure; a non-error response with nil maps
// signals a malformed payload for the cache to classify.
type DecideEndpoint interface {
	Decide(ctx context.Context, req DecideRequest) (*DecideResponse, error)
}
