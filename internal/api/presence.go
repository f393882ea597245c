package api

import (
	"context"
	"net/http"
	"time"

	"github.com/whisper/roomchat/internal/chat"
	"github.com/whisper/roomchat/internal/live"
	"github.com/whisper/roomchat/internal/session"
)

// PresenceMirror reads the presence record shared by every server instance.
type PresenceMirror interface {
	GetPresence(ctx context.Context, userID string) (*session.Presence, error)
}

// Presence answers presence queries. Hub is required; Mirror is consulted
// when set so users connected to other instances are reported too.
type Presence struct {
	Hub    *live.Hub
	Mirror PresenceMirror
}

type userPresence struct {
	UserID   string     `json:"userId"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// GET /rooms/online?roomId=
func (h *Handler) roomOnline(w http.ResponseWriter, r *http.Request, a chat.Actor) {
	roomID := r.URL.Query().Get("roomId")
	if roomID == "" {
		writeError(w, &chat.ValidationError{Problems: []string{"Room ID is required"}})
		return
	}
	if _, err := h.svc.Authorize(r.Context(), a.UserID, roomID); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Success  bool     `json:"success"`
		RoomID   string   `json:"roomId"`
		Users    []string `json:"users"`
		Sessions int      `json:"sessions"`
	}{true, roomID, h.presence.Hub.OnlineUsers(roomID), len(h.presence.Hub.Subscribers(roomID))})
}

// GET /users/presence?userId=
func (h *Handler) userPresence(w http.ResponseWriter, r *http.Request, a chat.Actor) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, &chat.ValidationError{Problems: []string{"User ID is required"}})
		return
	}

	resp := userPresence{UserID: userID, Online: h.presence.Hub.IsOnline(userID)}
	if h.presence.Mirror != nil && !resp.Online {
		p, err := h.presence.Mirror.GetPresence(r.Context(), userID)
		if err != nil {
			writeError(w, err)
			return
		}
		resp.Online = p.Online
		if !p.Online && p.LastSeen > 0 {
			seen := time.Unix(p.LastSeen, 0).UTC()
			resp.LastSeen = &seen
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
