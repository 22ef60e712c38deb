package handlers

import (
	"net/http"
)

// FlushResponse reports the result of a manual flush.
type FlushResponse struct {
	Flushed        int  `json:"flushed"`
	CacheAvailable bool `json:"cache_available"`
}

// Flush drains every pending queue into the archive now.
func (h *Handler) Flush(w http.ResponseWriter, r *http.Request) {
	n := h.realtime.FlushAll(r.Context())
	h.logger.Info().Int("messages", n).Msg("manual flush")
	h.JSON(w, http.StatusOK, FlushResponse{
		Flushed:        n,
		CacheAvailable: h.realtime.Available(),
	})
}
