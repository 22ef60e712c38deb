package handlers

import (
	"net/http"

	"github.com/eldtechnologies/chatvault/internal/realtime"
)

// TypingRequest represents the set typing request.
type TypingRequest struct {
	Nickname string `json:"nickname"`
}

// TypingResponse lists the trainers typing in a room.
type TypingResponse struct {
	RoomID int64            `json:"room_id"`
	Typers []realtime.Typer `json:"typers"`
}

// SetTyping marks a trainer as typing.
func (h *Handler) SetTyping(w http.ResponseWriter, r *http.Request) {
	roomID, ok := positiveIDParam(r, "id")
	if !ok {
		h.Error(w, http.StatusBadRequest, "invalid room id")
		return
	}
	trainerID, ok := positiveIDParam(r, "trainer")
	if !ok {
		h.Error(w, http.StatusBadRequest, "invalid trainer id")
		return
	}

	var req TypingRequest
	if err := decode(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Nickname = sanitizeName(req.Nickname)
	if req.Nickname == "" {
		h.Error(w, http.StatusBadRequest, "nickname is required")
		return
	}

	if err := h.realtime.SetTyping(r.Context(), roomID, trainerID, req.Nickname); err != nil {
		h.logger.Warn().Err(err).Int64("room_id", roomID).Msg("failed to set typing")
		h.Error(w, http.StatusServiceUnavailable, "typing indicators unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearTyping removes a trainer's typing indicator.
func (h *Handler) ClearTyping(w http.ResponseWriter, r *http.Request) {
	roomID, ok := positiveIDParam(r, "id")
	if !ok {
		h.Error(w, http.StatusBadRequest, "invalid room id")
		return
	}
	trainerID, ok := positiveIDParam(r, "trainer")
	if !ok {
		h.Error(w, http.StatusBadRequest, "invalid trainer id")
		return
	}

	if err := h.realtime.ClearTyping(r.Context(), roomID, trainerID); err != nil {
		h.logger.Warn().Err(err).Int64("room_id", roomID).Msg("failed to clear typing")
		h.Error(w, http.StatusServiceUnavailable, "typing indicators unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetTyping lists the trainers currently typing in a room.
func (h *Handler) GetTyping(w http.ResponseWriter, r *http.Request) {
	roomID, ok := positiveIDParam(r, "id")
	if !ok {
		h.Error(w, http.StatusBadRequest, "invalid room id")
		return
	}

	typers, err := h.realtime.GetTypers(r.Context(), roomID)
	if err != nil {
		h.logger.Warn().Err(err).Int64("room_id", roomID).Msg("failed to read typers")
		typers = []realtime.Typer{}
	}
	h.JSON(w, http.StatusOK, TypingResponse{RoomID: roomID, Typers: typers})
}
