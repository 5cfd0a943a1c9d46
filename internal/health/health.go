// SPDX-License-Identifier: MIT

// Package health provides an HTTP health check endpoint for the
// telemetry daemon.
//
// The health check exposes overall status at /healthz as JSON,
// suitable for a systemd watchdog or fleet monitoring probe, plus a
// Prometheus-compatible /metrics endpoint with per-component uptime
// and restart counts and disk space gauges.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// ComponentInfo describes the health state of one supervised component
// (sampler, video, uplink, supervisor).
type ComponentInfo struct {
	Name     string        `json:"name"`
	State    string        `json:"state"`
	Uptime   time.Duration `json:"uptime_ns"`
	Healthy  bool          `json:"healthy"`
	Error    string        `json:"error,omitempty"`
	Restarts int           `json:"restarts,omitempty"`
}

// SystemInfo contains system-level health data included in the health
// response: disk headroom for the store/buffer filesystem.
type SystemInfo struct {
	DiskFreeBytes  uint64 `json:"disk_free_bytes"`
	DiskTotalBytes uint64 `json:"disk_total_bytes"`
	DiskLowWarning bool   `json:"disk_low_warning,omitempty"`
}

// StatusProvider returns the current health status of all components.
// The daemon implements this interface to supply live data.
type StatusProvider interface {
	Components() []ComponentInfo
}

// SystemInfoProvider returns system-level health data.
type SystemInfoProvider interface {
	SystemInfo() SystemInfo
}

// Response is the JSON body returned by the health endpoint.
type Response struct {
	Status     string          `json:"status"`
	Timestamp  time.Time       `json:"timestamp"`
	Components []ComponentInfo `json:"components"`
	System     *SystemInfo     `json:"system,omitempty"`
}

// Handler serves the /healthz and /metrics endpoints.
type Handler struct {
	provider    StatusProvider
	sysProvider SystemInfoProvider
}

// NewHandler creates a health check HTTP handler.
func NewHandler(provider StatusProvider) *Handler {
	return &Handler{provider: provider}
}

// WithSystemInfo attaches an optional system info provider to the handler.
// When set, disk space is included in /healthz responses and /metrics output.
func (h *Handler) WithSystemInfo(p SystemInfoProvider) *Handler {
	h.sysProvider = p
	return h
}

// ServeHTTP implements http.Handler, routing to /healthz and /metrics.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/metrics":
		h.serveMetrics(w, r)
	default:
		h.serveHealth(w, r)
	}
}

func (h *Handler) serveHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	resp := Response{
		Timestamp: time.Now(),
	}

	var components []ComponentInfo
	if h.provider != nil {
		components = h.provider.Components()
	}
	resp.Components = components

	healthy := len(components) > 0
	for _, c := range components {
		if !c.Healthy {
			healthy = false
			break
		}
	}

	if healthy {
		resp.Status = "healthy"
	} else {
		resp.Status = "unhealthy"
	}

	if h.sysProvider != nil {
		si := h.sysProvider.SystemInfo()
		resp.System = &si
		if si.DiskLowWarning {
			resp.Status = "degraded"
			healthy = false
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if healthy && resp.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// serveMetrics writes a Prometheus text-format metrics response. This
// implements a minimal subset of the exposition format without any
// external dependency.
func (h *Handler) serveMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var sb strings.Builder

	var components []ComponentInfo
	if h.provider != nil {
		components = h.provider.Components()
	}

	if len(components) > 0 {
		fmt.Fprintln(&sb, "# HELP telemetryd_component_healthy Is the component currently healthy (1=healthy, 0=not).")
		fmt.Fprintln(&sb, "# TYPE telemetryd_component_healthy gauge")
		for _, c := range components {
			v := 0
			if c.Healthy {
				v = 1
			}
			fmt.Fprintf(&sb, "telemetryd_component_healthy{component=%q} %d\n", c.Name, v)
		}

		fmt.Fprintln(&sb, "# HELP telemetryd_component_uptime_seconds Seconds since the component last started.")
		fmt.Fprintln(&sb, "# TYPE telemetryd_component_uptime_seconds gauge")
		for _, c := range components {
			fmt.Fprintf(&sb, "telemetryd_component_uptime_seconds{component=%q} %.3f\n", c.Name, c.Uptime.Seconds())
		}

		fmt.Fprintln(&sb, "# HELP telemetryd_component_restarts_total Total restarts for the component.")
		fmt.Fprintln(&sb, "# TYPE telemetryd_component_restarts_total counter")
		for _, c := range components {
			fmt.Fprintf(&sb, "telemetryd_component_restarts_total{component=%q} %d\n", c.Name, c.Restarts)
		}
	}

	if h.sysProvider != nil {
		si := h.sysProvider.SystemInfo()

		fmt.Fprintln(&sb, "# HELP telemetryd_disk_free_bytes Free bytes on the store/buffer filesystem.")
		fmt.Fprintln(&sb, "# TYPE telemetryd_disk_free_bytes gauge")
		fmt.Fprintf(&sb, "telemetryd_disk_free_bytes %d\n", si.DiskFreeBytes)

		fmt.Fprintln(&sb, "# HELP telemetryd_disk_total_bytes Total bytes on the store/buffer filesystem.")
		fmt.Fprintln(&sb, "# TYPE telemetryd_disk_total_bytes gauge")
		fmt.Fprintf(&sb, "telemetryd_disk_total_bytes %d\n", si.DiskTotalBytes)

		diskLow := 0
		if si.DiskLowWarning {
			diskLow = 1
		}
		fmt.Fprintln(&sb, "# HELP telemetryd_disk_low_warning 1 when free disk is below the configured threshold.")
		fmt.Fprintln(&sb, "# TYPE telemetryd_disk_low_warning gauge")
		fmt.Fprintf(&sb, "telemetryd_disk_low_warning %d\n", diskLow)
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(sb.String()))
}

// ListenAndServe starts the health check HTTP server on the given address.
// It shuts down gracefully when ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	return ListenAndServeReady(ctx, addr, handler, nil)
}

// ListenAndServeReady starts the health check HTTP server and signals
// readiness once bound, so callers can detect a port-in-use failure
// immediately instead of only on ctx cancellation.
func ListenAndServeReady(ctx context.Context, addr string, handler http.Handler, ready chan<- struct{}) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	if ready != nil {
		close(ready)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	return <-errCh
}
