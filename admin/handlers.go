package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/maxpert/livesync/channel"
	"github.com/maxpert/livesync/engine"
	"github.com/maxpert/livesync/eventlog"
	"github.com/maxpert/livesync/poller"
	"github.com/maxpert/livesync/retry"
	"github.com/maxpert/livesync/telemetry"
	"github.com/rs/zerolog/log"
)

// Backend is the part of the sync engine exposed over HTTP.
type Backend interface {
	Status() engine.Status
	Channels() []channel.Info
	Channel(scopeKey string) (channel.Info, bool)
	Metrics() telemetry.MetricsSnapshot
	Events(after uint64, limit int) ([]eventlog.Entry, error)
	Poll(ctx context.Context) (poller.Result, error)
	DrainRetries(ctx context.Context) retry.DrainResult
}

// AdminHandlers serves the status API for one engine.
type AdminHandlers struct {
	backend Backend
}

// NewAdminHandlers creates a new AdminHandlers instance
func NewAdminHandlers(backend Backend) *AdminHandlers {
	return &AdminHandlers{backend: backend}
}

func (h *AdminHandlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, h.backend.Status(), false, "")
}

func (h *AdminHandlers) handleChannels(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, h.backend.Channels(), false, "")
}

func (h *AdminHandlers) handleChannel(w http.ResponseWriter, r *http.Request, scopeKey string) {
	info, ok := h.backend.Channel(scopeKey)
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("channel '%s' not found", scopeKey))
		return
	}
	writeJSONResponse(w, info, false, "")
}

func (h *AdminHandlers) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, h.backend.Metrics(), false, "")
}

// handleEvents pages through the local event log with ?from=<seq>&limit=<n>.
func (h *AdminHandlers) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	from, err := parseFrom(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := h.backend.Events(from, limit+1)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	hasMore := len(entries) > limit
	if hasMore {
		entries = entries[:limit]
	}
	lastKey := ""
	if len(entries) > 0 {
		lastKey = strconv.FormatUint(entries[len(entries)-1].Seq, 10)
	}
	writeJSONResponse(w, entries, hasMore, lastKey)
}

func (h *AdminHandlers) handlePoll(w http.ResponseWriter, r *http.Request) {
	res, err := h.backend.Poll(r.Context())
	if err != nil {
		writeErrorResponse(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSONResponse(w, map[string]interface{}{
		"channels": res.Channels,
		"records":  res.Records,
		"failures": res.Failures,
	}, false, "")
}

func (h *AdminHandlers) handleDrain(w http.ResponseWriter, r *http.Request) {
	res := h.backend.DrainRetries(r.Context())
	writeJSONResponse(w, map[string]interface{}{
		"succeeded": res.Succeeded,
		"dropped":   res.Dropped,
		"remaining": res.Remaining,
	}, false, "")
}

// writeJSONResponse writes a JSON response with optional pagination
func writeJSONResponse(w http.ResponseWriter, data interface{}, hasMore bool, lastKey string) {
	response := map[string]interface{}{
		"data": data,
	}

	if hasMore || lastKey != "" {
		response["has_more"] = hasMore
		if lastKey != "" {
			response["last_key"] = lastKey
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// parseLimit parses limit parameter with defaults
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 256, nil // default
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}

	if limit < 1 {
		return 0, fmt.Errorf("limit must be positive")
	}

	if limit > 1024 {
		return 0, fmt.Errorf("limit cannot exceed 1024")
	}

	return limit, nil
}

// parseFrom parses the exclusive starting sequence for pagination
func parseFrom(r *http.Request) (uint64, error) {
	fromStr := r.URL.Query().Get("from")
	if fromStr == "" {
		return 0, nil
	}
	from, err := strconv.ParseUint(fromStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid from parameter: %w", err)
	}
	return from, nil
}
