package chathttp

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/ephemeral-chat/rooms"
	"github.com/go-chi/chi/v5"
)

const maxCreateBody = 4 << 10

const statusActive = "active"

type createRoomRequest struct {
	ExpiryMinutes *int `json:"expiryMinutes"`
}

type roomResponse struct {
	RoomID           string    `json:"roomId"`
	Status           string    `json:"status"`
	ExpiresAt        time.Time `json:"expiresAt"`
	RemainingSeconds int64     `json:"remainingSeconds"`
	ActiveUsers      int       `json:"activeUsers"`
}

func (h *Handler) roomResponse(room rooms.Room) roomResponse {
	return roomResponse{
		RoomID:           room.ID,
		Status:           statusActive,
		ExpiresAt:        room.ExpiresAt,
		RemainingSeconds: room.RemainingSeconds(h.now()),
		ActiveUsers:      room.ActiveUsers,
	}
}

func (h *Handler) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCreateBody+1))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) > maxCreateBody {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	var req createRoomRequest
	if len(bytes.TrimSpace(body)) > 0 {
		ctype, err := contenttype.GetMediaType(r)
		if err != nil || !ctype.Matches(jsonMediaType) {
			writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
			h.log.WarnContext(ctx, "content_type.unsupported")
			return
		}
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	room, err := h.rooms.CreateRoom(ctx, req.ExpiryMinutes)
	if err != nil {
		h.writeRoomError(w, r, "room.create.failed", err)
		return
	}
	writeJSON(w, http.StatusOK, h.roomResponse(room))
}

func (h *Handler) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	room, err := h.rooms.GetRoom(r.Context(), chi.URLParam(r, "roomID"))
	if err != nil {
		h.writeRoomError(w, r, "room.get.failed", err)
		return
	}
	writeJSON(w, http.StatusOK, h.roomResponse(room))
}

func (h *Handler) writeRoomError(w http.ResponseWriter, r *http.Request, event string, err error) {
	switch {
	case errors.Is(err, rooms.ErrRoomNotFound):
		writeJSONError(w, http.StatusNotFound, "Room not found or expired")
	case errors.Is(err, rooms.ErrStoreUnavailable), errors.Is(err, rooms.ErrIDSpaceExhausted):
		h.log.WarnContext(r.Context(), event, slog.Any("err", err))
		w.Header().Set("Retry-After", strconv.Itoa(1))
		writeJSONError(w, http.StatusServiceUnavailable, "room service unavailable, retry")
	default:
		h.log.ErrorContext(r.Context(), event, slog.Any("err", err))
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}
