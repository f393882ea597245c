package api

import (
	"net/http"

	"github.com/whisper/roomchat/internal/chat"
)

type roomsResponse struct {
	Success bool         `json:"success"`
	Rooms   []*chat.Room `json:"rooms"`
}

// GET /rooms
func (h *Handler) listRooms(w http.ResponseWriter, r *http.Request, a chat.Actor) {
	rooms, err := h.svc.ListRooms(r.Context(), a)
	if err != nil {
		writeError(w, err)
		return
	}
	if rooms == nil {
		rooms = []*chat.Room{}
	}
	writeJSON(w, http.StatusOK, roomsResponse{Success: true, Rooms: rooms})
}

// POST /rooms
func (h *Handler) createRoom(w http.ResponseWriter, r *http.Request, a chat.Actor) {
	var in chat.NewRoom
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, err)
		return
	}

	room, err := h.svc.CreateRoom(r.Context(), a, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, struct {
		Success bool       `json:"success"`
		Message string     `json:"message"`
		Room    *chat.Room `json:"room"`
	}{true, "Room created successfully", room})
}

// GET /rooms/public
func (h *Handler) listPublicRooms(w http.ResponseWriter, r *http.Request, a chat.Actor) {
	rooms, err := h.svc.ListPublicRooms(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if rooms == nil {
		rooms = []*chat.Room{}
	}
	writeJSON(w, http.StatusOK, roomsResponse{Success: true, Rooms: rooms})
}

// POST /rooms/join
func (h *Handler) joinRoom(w http.ResponseWriter, r *http.Request, a chat.Actor) {
	var in struct {
		RoomID string `json:"roomId"`
	}
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, err)
		return
	}
	if in.RoomID == "" {
		writeError(w, &chat.ValidationError{Problems: []string{"Room ID is required"}})
		return
	}

	room, err := h.svc.JoinRoom(r.Context(), a, in.RoomID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success bool       `json:"success"`
		Room    *chat.Room `json:"room"`
	}{true, room})
}
