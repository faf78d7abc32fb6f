// Package control exposes the session commands and the menu model of a node
// over a small JSON HTTP API. It is the surface a tray icon, a hotkey daemon
// or a shell script drives.
//
//	POST /v1/broadcast/start    start broadcasting
//	POST /v1/broadcast/stop     stop broadcasting
//	POST /v1/broadcast/toggle   start or stop
//	POST /v1/silence/toggle     toggle Silenced
//	POST /v1/chime              ask every listener to chime
//	GET  /v1/session            current [session.Snapshot]
//	GET  /v1/menu               current [session.Menu]
//	GET  /v1/peers              connected peers
//
// Command endpoints answer with the snapshot after the command. Illegal
// transitions map to 409, a missing microphone to 403 and anything else to
// 500.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MrWong99/chatterhouse/internal/observe"
	"github.com/MrWong99/chatterhouse/internal/session"
	"github.com/MrWong99/chatterhouse/pkg/mesh"
)

// Session is the part of [session.Machine] the API drives.
type Session interface {
	StartBroadcast(ctx context.Context) error
	StopBroadcast(ctx context.Context) error
	ToggleBroadcast(ctx context.Context) error
	ToggleSilence(ctx context.Context) error
	Chime(ctx context.Context) error
	Snapshot() session.Snapshot
}

// Handler serves the control API.
type Handler struct {
	sess Session
}

// New creates a [Handler] driving sess.
func New(sess Session) *Handler {
	return &Handler{sess: sess}
}

// Register adds the API routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/broadcast/start", h.command(h.sess.StartBroadcast))
	mux.HandleFunc("POST /v1/broadcast/stop", h.command(h.sess.StopBroadcast))
	mux.HandleFunc("POST /v1/broadcast/toggle", h.command(h.sess.ToggleBroadcast))
	mux.HandleFunc("POST /v1/silence/toggle", h.command(h.sess.ToggleSilence))
	mux.HandleFunc("POST /v1/chime", h.command(h.sess.Chime))
	mux.HandleFunc("GET /v1/session", h.handleSession)
	mux.HandleFunc("GET /v1/menu", h.handleMenu)
	mux.HandleFunc("GET /v1/peers", h.handlePeers)
}

type errorResponse struct {
	Error   string           `json:"error"`
	Session session.Snapshot `json:"session"`
}

func (h *Handler) command(fn func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(r.Context())
		snap := h.sess.Snapshot()
		if err != nil {
			status := statusFor(err)
			if status == http.StatusInternalServerError {
				observe.Logger(r.Context()).Error("control: command failed", "path", r.URL.Path, "err", err)
			}
			writeJSON(w, status, errorResponse{Error: err.Error(), Session: snap})
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrIllegalTransition):
		return http.StatusConflict
	case errors.Is(err, session.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) handleSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.sess.Snapshot())
}

func (h *Handler) handleMenu(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, session.RenderMenu(h.sess.Snapshot()))
}

func (h *Handler) handlePeers(w http.ResponseWriter, _ *http.Request) {
	peers := h.sess.Snapshot().Peers
	if peers == nil {
		peers = []mesh.Peer{}
	}
	writeJSON(w, http.StatusOK, peers)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
