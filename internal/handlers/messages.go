package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"unicode/utf8"

	"github.com/eldtechnologies/chatvault/internal/history"
	"github.com/eldtechnologies/chatvault/internal/models"
	"github.com/eldtechnologies/chatvault/internal/store"
)

const maxContentRunes = 4000

// MessagesResponse is a page of room history.
type MessagesResponse struct {
	RoomID   int64                  `json:"room_id"`
	Messages []models.StoredMessage `json:"messages"`
	HasMore  bool                   `json:"has_more"`
}

// PostMessageRequest represents the send message request.
type PostMessageRequest struct {
	TrainerID int64  `json:"trainer_id"`
	Nickname  string `json:"nickname"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Content   string `json:"content,omitempty"`
	ImageURL  string `json:"image_url,omitempty"`
	ReplyToID *int64 `json:"reply_to_id,omitempty"`
}

// AdminMessageRequest represents a system message sent by an operator.
type AdminMessageRequest struct {
	Content    string `json:"content"`
	SenderName string `json:"sender_name,omitempty"`
}

// GetMessages returns the newest messages of a room, oldest first, or with
// ?before= a page of older messages, newest first.
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	roomID, ok := positiveIDParam(r, "id")
	if !ok {
		h.Error(w, http.StatusBadRequest, "invalid room id")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			h.Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	var (
		msgs []models.StoredMessage
		err  error
	)
	if raw := r.URL.Query().Get("before"); raw != "" {
		before, perr := models.ParseTimestamp(raw)
		if perr != nil {
			h.Error(w, http.StatusBadRequest, "before must be an RFC 3339 timestamp")
			return
		}
		msgs, err = h.history.Older(r.Context(), roomID, before, limit)
	} else {
		msgs, err = h.history.Recent(r.Context(), roomID, limit)
	}
	if err != nil {
		h.logger.Error().Err(err).Int64("room_id", roomID).Msg("failed to read messages")
		h.Error(w, http.StatusInternalServerError, "failed to read messages")
		return
	}

	h.JSON(w, http.StatusOK, MessagesResponse{
		RoomID:   roomID,
		Messages: msgs,
		HasMore:  len(msgs) == history.ClampLimit(limit),
	})
}

// PostMessage stores a trainer's message.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	roomID, ok := positiveIDParam(r, "id")
	if !ok {
		h.Error(w, http.StatusBadRequest, "invalid room id")
		return
	}

	var req PostMessageRequest
	if err := decode(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.TrainerID <= 0 {
		h.Error(w, http.StatusBadRequest, "trainer_id is required")
		return
	}
	req.Nickname = sanitizeName(req.Nickname)
	if req.Nickname == "" {
		h.Error(w, http.StatusBadRequest, "nickname is required")
		return
	}
	if utf8.RuneCountInString(req.Content) > maxContentRunes {
		h.Error(w, http.StatusBadRequest, "content too long")
		return
	}

	msg, err := h.history.Send(r.Context(), history.SendInput{
		RoomID:    roomID,
		TrainerID: req.TrainerID,
		Nickname:  req.Nickname,
		AvatarURL: req.AvatarURL,
		Content:   req.Content,
		ImageURL:  req.ImageURL,
		ReplyToID: req.ReplyToID,
	})
	if err != nil {
		h.sendError(w, roomID, err)
		return
	}

	h.JSON(w, http.StatusCreated, msg)
}

// PostAdminMessage stores a system message with sender id 0.
func (h *Handler) PostAdminMessage(w http.ResponseWriter, r *http.Request) {
	roomID, ok := positiveIDParam(r, "id")
	if !ok {
		h.Error(w, http.StatusBadRequest, "invalid room id")
		return
	}

	var req AdminMessageRequest
	if err := decode(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if utf8.RuneCountInString(req.Content) > maxContentRunes {
		h.Error(w, http.StatusBadRequest, "content too long")
		return
	}

	msg, err := h.history.SendAdmin(r.Context(), roomID, req.Content, sanitizeName(req.SenderName))
	if err != nil {
		h.sendError(w, roomID, err)
		return
	}

	h.JSON(w, http.StatusCreated, msg)
}

// GetIndex returns a room's day index.
func (h *Handler) GetIndex(w http.ResponseWriter, r *http.Request) {
	roomID, ok := positiveIDParam(r, "id")
	if !ok {
		h.Error(w, http.StatusBadRequest, "invalid room id")
		return
	}

	idx, err := h.history.Index(r.Context(), roomID)
	if err != nil {
		h.logger.Error().Err(err).Int64("room_id", roomID).Msg("failed to read room index")
		h.Error(w, http.StatusInternalServerError, "failed to read room index")
		return
	}
	if idx == nil {
		h.Error(w, http.StatusNotFound, "room has no archived messages")
		return
	}

	h.JSON(w, http.StatusOK, idx)
}

func (h *Handler) sendError(w http.ResponseWriter, roomID int64, err error) {
	switch {
	case errors.Is(err, models.ErrEmptyMessage):
		h.Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrBlobTooLarge):
		h.logger.Error().Err(err).Int64("room_id", roomID).Msg("archive bucket over size limit")
		h.Error(w, http.StatusInsufficientStorage, "archive storage limit reached")
	default:
		h.logger.Error().Err(err).Int64("room_id", roomID).Msg("failed to store message")
		h.Error(w, http.StatusInternalServerError, "failed to store message")
	}
}
