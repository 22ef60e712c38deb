package handlers

import (
	"context"
	"net/http"
	"time"
)

const version = "0.1.0"

// Check represents the status of a health check.
type Check struct {
	Status  string `json:"status"`            // "pass" or "fail"
	Latency string `json:"latency,omitempty"` // e.g., "2ms"
	Message string `json:"message,omitempty"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status      string           `json:"status"` // "healthy", "degraded" or "unhealthy"
	Version     string           `json:"version"`
	Instance    string           `json:"instance,omitempty"`
	FlushWorker bool             `json:"flush_worker"`
	Checks      map[string]Check `json:"checks"`
	Timestamp   string           `json:"timestamp"`
}

// Health reports the archive and cache checks. A failing cache only
// degrades the service; a failing archive makes it unhealthy.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]Check)
	archiveOK, cacheOK := true, true

	archiveStart := time.Now()
	if err := h.blobs.Ping(ctx); err != nil {
		checks["archive"] = Check{Status: "fail", Message: "connection failed"}
		archiveOK = false
	} else {
		checks["archive"] = Check{Status: "pass", Latency: time.Since(archiveStart).String()}
	}

	if h.cache != nil {
		redisStart := time.Now()
		if err := h.cache.Ping(ctx); err != nil {
			checks["redis"] = Check{Status: "fail", Message: "connection failed"}
			cacheOK = false
		} else {
			checks["redis"] = Check{Status: "pass", Latency: time.Since(redisStart).String()}
		}
	} else {
		checks["redis"] = Check{Status: "fail", Message: "not configured"}
		cacheOK = false
	}

	status := "healthy"
	statusCode := http.StatusOK
	switch {
	case !archiveOK:
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	case !cacheOK:
		status = "degraded"
	}

	h.JSON(w, statusCode, HealthResponse{
		Status:      status,
		Version:     version,
		Instance:    h.instance,
		FlushWorker: h.realtime.FlushWorkerRunning(),
		Checks:      checks,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	})
}
