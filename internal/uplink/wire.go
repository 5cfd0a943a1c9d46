// SPDX-License-Identifier: MIT

// Package uplink implements the cursor-based batch uplink: a
// connectivity probe, cursor-protocol push to a remote metrics sink
// with too-old rejection handling, and one-way file reconciliation.
//
// The client shape (functional options over an *http.Client) follows
// the same pattern as other HTTP clients in this codebase, generalized
// from a stream-control API to a one-way telemetry push.
package uplink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang/snappy"

	"github.com/telemetryd/telemetryd/internal/store"
)

// WireSample is one reading converted to the remote sink's wire shape:
// stable label sets per sensor class, millisecond-resolution
// timestamps, batches no larger than the configured batch size.
type WireSample struct {
	TimestampMs int64              `json:"ts_ms"`
	SensorClass string             `json:"sensor_class"`
	Labels      map[string]string  `json:"labels"`
	Values      map[string]float64 `json:"values"`
}

// ToWire converts a batch of store readings to their wire representation.
func ToWire(readings []store.Reading) []WireSample {
	out := make([]WireSample, len(readings))
	for i, r := range readings {
		out[i] = WireSample{
			TimestampMs: r.Timestamp.UnixMilli(),
			SensorClass: r.SensorClass,
			Labels:      r.Labels,
			Values:      r.Values,
		}
	}
	return out
}

// PushResult reports what the remote sink accepted.
type PushResult struct {
	// AcceptedThroughID is the highest reading id the sink acknowledged.
	AcceptedThroughID int64
	// RejectedTooOld is the count of samples the sink refused as
	// outside its acceptance window.
	RejectedTooOld int
}

// Sink is the remote metrics sink the uplink pushes batches to.
type Sink interface {
	Push(ctx context.Context, batch []WireSample, ids []int64) (PushResult, error)
}

// HTTPSink is the concrete Sink: the batch as one Snappy-compressed
// JSON array, POSTed to the configured remote_write_url.
type HTTPSink struct {
	baseURL    string
	httpClient *http.Client
}

// SinkOption configures an HTTPSink.
type SinkOption func(*HTTPSink)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(c *http.Client) SinkOption {
	return func(s *HTTPSink) { s.httpClient = c }
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) SinkOption {
	return func(s *HTTPSink) { s.httpClient.Timeout = d }
}

// NewHTTPSink creates a Sink that POSTs to baseURL.
func NewHTTPSink(baseURL string, opts ...SinkOption) *HTTPSink {
	s := &HTTPSink{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// pushResponse is the sink's acknowledgement shape: the highest id it
// committed, plus the ids (if any) it rejected as too-old.
type pushResponse struct {
	AcceptedThroughID int64   `json:"accepted_through_id"`
	RejectedIDs       []int64 `json:"rejected_too_old_ids,omitempty"`
}

// Push implements Sink.
func (s *HTTPSink) Push(ctx context.Context, batch []WireSample, ids []int64) (PushResult, error) {
	body, err := json.Marshal(batch)
	if err != nil {
		return PushResult{}, fmt.Errorf("uplink: marshal batch: %w", err)
	}
	compressed := snappy.Encode(nil, body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL, bytes.NewReader(compressed))
	if err != nil {
		return PushResult{}, fmt.Errorf("uplink: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-telemetry-snappy")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return PushResult{}, fmt.Errorf("uplink: transport: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return PushResult{}, fmt.Errorf("uplink: read response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return PushResult{}, fmt.Errorf("uplink: sink returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return PushResult{}, fmt.Errorf("uplink: sink rejected batch: %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed pushResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return PushResult{}, fmt.Errorf("uplink: parse response: %w", err)
	}

	return PushResult{
		AcceptedThroughID: parsed.AcceptedThroughID,
		RejectedTooOld:    len(parsed.RejectedIDs),
	}, nil
}
