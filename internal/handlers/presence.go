package handlers

import (
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"
)

var userIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// PresenceRequest represents the heartbeat request.
type PresenceRequest struct {
	TrainerID int64 `json:"trainer_id"`
}

// PresenceResponse reports whether a user is online.
type PresenceResponse struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

// SetOnline records a presence heartbeat for a user.
func (h *Handler) SetOnline(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user")
	if !userIDRegex.MatchString(userID) {
		h.Error(w, http.StatusBadRequest, "invalid user id")
		return
	}

	var req PresenceRequest
	if err := decode(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TrainerID <= 0 {
		h.Error(w, http.StatusBadRequest, "trainer_id is required")
		return
	}

	if err := h.realtime.SetOnline(r.Context(), userID, req.TrainerID); err != nil {
		h.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to record presence")
		h.Error(w, http.StatusServiceUnavailable, "presence unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetOnline reports whether a user has a live presence heartbeat.
func (h *Handler) GetOnline(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user")
	if !userIDRegex.MatchString(userID) {
		h.Error(w, http.StatusBadRequest, "invalid user id")
		return
	}

	online, err := h.realtime.IsOnline(r.Context(), userID)
	if err != nil {
		h.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to read presence")
	}
	h.JSON(w, http.StatusOK, PresenceResponse{UserID: userID, Online: online})
}
