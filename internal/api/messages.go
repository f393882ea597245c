package api

import (
	"net/http"
	"strconv"

	"github.com/whisper/roomchat/internal/chat"
)

// GET /messages?roomId=&page=&limit=
func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request, a chat.Actor) {
	q := r.URL.Query()
	roomID := q.Get("roomId")
	if roomID == "" {
		writeError(w, &chat.ValidationError{Problems: []string{"Room ID is required"}})
		return
	}
	page := queryInt(q.Get("page"), 1)
	limit := queryInt(q.Get("limit"), chat.DefaultPageSize)

	p, err := h.svc.ListMessages(r.Context(), a, roomID, page, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// POST /messages
func (h *Handler) createMessage(w http.ResponseWriter, r *http.Request, a chat.Actor) {
	var in chat.NewMessage
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, err)
		return
	}

	m, err := h.svc.PostMessage(r.Context(), a, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, struct {
		Message *chat.Message `json:"message"`
	}{m})
}

// PUT /messages
func (h *Handler) editMessage(w http.ResponseWriter, r *http.Request, a chat.Actor) {
	var in struct {
		MessageID string `json:"messageId"`
		Content   string `json:"content"`
	}
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, err)
		return
	}
	if in.MessageID == "" {
		writeError(w, &chat.ValidationError{Problems: []string{"Message ID is required"}})
		return
	}

	m, err := h.svc.EditMessage(r.Context(), a, in.MessageID, in.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Message *chat.Message `json:"message"`
	}{m})
}

// DELETE /messages?messageId=
func (h *Handler) deleteMessage(w http.ResponseWriter, r *http.Request, a chat.Actor) {
	id := r.URL.Query().Get("messageId")
	if id == "" {
		writeError(w, &chat.ValidationError{Problems: []string{"Message ID is required"}})
		return
	}

	if _, err := h.svc.DeleteMessage(r.Context(), a, id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success bool `json:"success"`
	}{true})
}

// POST /messages/reactions
func (h *Handler) reactToMessage(w http.ResponseWriter, r *http.Request, a chat.Actor) {
	var in struct {
		RoomID    string      `json:"roomId"`
		MessageID string      `json:"messageId"`
		Emoji     string      `json:"emoji"`
		Action    chat.Action `json:"action"`
	}
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, err)
		return
	}

	m, err := h.svc.React(r.Context(), a, in.RoomID, in.MessageID, in.Emoji, in.Action)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Message *chat.Message `json:"message"`
	}{m})
}

// POST /messages/read
func (h *Handler) markRead(w http.ResponseWriter, r *http.Request, a chat.Actor) {
	var in struct {
		RoomID     string   `json:"roomId"`
		MessageIDs []string `json:"messageIds"`
	}
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, err)
		return
	}
	if in.RoomID == "" {
		writeError(w, &chat.ValidationError{Problems: []string{"Room ID is required"}})
		return
	}

	marked, err := h.svc.MarkRead(r.Context(), a, in.RoomID, in.MessageIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success    bool     `json:"success"`
		MessageIDs []string `json:"messageIds"`
	}{true, marked})
}

// queryInt parses a positive integer query value, falling back to def.
func queryInt(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}
