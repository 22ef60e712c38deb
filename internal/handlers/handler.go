package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"unicode"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatvault/internal/history"
	"github.com/eldtechnologies/chatvault/internal/realtime"
	"github.com/eldtechnologies/chatvault/internal/store"
)

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	history  *history.Service
	realtime *realtime.Service
	blobs    store.BlobStore
	cache    *store.RedisStore
	logger   zerolog.Logger
	instance string
}

// NewHandler creates a new Handler. instance identifies this process in
// health responses.
func NewHandler(hist *history.Service, rt *realtime.Service, blobs store.BlobStore, cache *store.RedisStore, logger zerolog.Logger, instance string) *Handler {
	return &Handler{
		history:  hist,
		realtime: rt,
		blobs:    blobs,
		cache:    cache,
		logger:   logger,
		instance: instance,
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}

// positiveIDParam parses a chi URL parameter as a positive int64.
func positiveIDParam(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// sanitizeName trims and limits name to 50 characters, removing control characters.
func sanitizeName(name string) string {
	name = strings.TrimSpace(name)

	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)

	if runes := []rune(name); len(runes) > 50 {
		name = string(runes[:50])
	}
	return name
}
