package api

import (
	"errors"
	"log"
	"net/http"

	"github.com/whisper/roomchat/internal/auth"
	"github.com/whisper/roomchat/internal/chat"
)

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps err to a status code and a {error} body. Unexpected errors
// are logged and reported without detail.
func writeError(w http.ResponseWriter, err error) {
	var verr *chat.ValidationError
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "Authentication required"})
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: verr.Error()})
	case errors.Is(err, chat.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorBody{Error: "Access denied to this room"})
	case errors.Is(err, chat.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "Not found"})
	case errors.Is(err, chat.ErrRateLimited):
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "Too many messages, slow down"})
	default:
		log.Printf("api: internal error: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Internal server error"})
	}
}
