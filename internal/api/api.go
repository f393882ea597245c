// Package api serves the REST surface of the chat service: message history
// and mutations, room listing, creation and joining. Every route except the
// health and metrics endpoints requires a bearer token.
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/whisper/roomchat/internal/auth"
	"github.com/whisper/roomchat/internal/chat"
	"github.com/whisper/roomchat/internal/metrics"
)

// SessionHeader names the header a client uses to tell the server which of
// its live sessions made a REST call, so that session is not sent the echo
// of its own change.
const SessionHeader = "X-Session-Id"

// TokenVerifier turns a bearer token into an identity.
type TokenVerifier interface {
	Verify(token string) (auth.Identity, error)
}

// HealthFunc reports the live connection count and process uptime.
type HealthFunc func() (connections int, uptime time.Duration)

// Handler serves the REST routes.
type Handler struct {
	svc      *chat.Service
	verifier TokenVerifier
	health   HealthFunc
	presence Presence
	mux      *http.ServeMux
}

// NewHandler builds the router. health may be nil; presence.Hub may not.
func NewHandler(svc *chat.Service, verifier TokenVerifier, health HealthFunc, presence Presence) *Handler {
	h := &Handler{
		svc:      svc,
		verifier: verifier,
		health:   health,
		presence: presence,
		mux:      http.NewServeMux(),
	}

	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.Handle("GET /metrics", metrics.Handler())

	h.route("GET /messages", h.listMessages)
	h.route("POST /messages", h.createMessage)
	h.route("PUT /messages", h.editMessage)
	h.route("DELETE /messages", h.deleteMessage)
	h.route("POST /messages/reactions", h.reactToMessage)
	h.route("POST /messages/read", h.markRead)

	h.route("GET /rooms", h.listRooms)
	h.route("POST /rooms", h.createRoom)
	h.route("GET /rooms/public", h.listPublicRooms)
	h.route("POST /rooms/join", h.joinRoom)
	h.route("GET /rooms/online", h.roomOnline)

	h.route("GET /users/presence", h.userPresence)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// route registers an authenticated, instrumented handler.
func (h *Handler) route(pattern string, fn func(http.ResponseWriter, *http.Request, chat.Actor)) {
	h.mux.Handle(pattern, instrument(pattern, h.requireAuth(fn)))
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

// requireAuth verifies the bearer token, records the user and hands the
// resulting actor to fn.
func (h *Handler) requireAuth(fn func(http.ResponseWriter, *http.Request, chat.Actor)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ident, err := h.verifier.Verify(auth.BearerToken(r.Header.Get("Authorization")))
		if err != nil {
			writeError(w, err)
			return
		}

		a := chat.Actor{
			UserID:    ident.UserID,
			Email:     ident.Email,
			Name:      ident.Name,
			SessionID: r.Header.Get(SessionHeader),
		}
		if err := h.svc.EnsureUser(r.Context(), a); err != nil {
			writeError(w, err)
			return
		}

		fn(w, r, a)
	})
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

func instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.HTTPDuration.WithLabelValues(route, strconv.Itoa(rec.code)).Observe(time.Since(start).Seconds())
	})
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

// handleHealth responds with the server's health status as JSON, including the
// current connection count and uptime.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{Status: "ok"}
	if h.health != nil {
		n, up := h.health()
		resp.Connections = n
		resp.Uptime = up.Round(time.Second).String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

// decodeBody decodes a JSON request body into v. Bodies are capped at 1 MiB.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return &chat.ValidationError{Problems: []string{"Invalid JSON body"}}
	}
	return nil
}
