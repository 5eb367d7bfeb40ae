package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

func (n *Node) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/ws", n.serveWs)
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Get("/sync/{userId}", n.getSnapshot)
		r.Get("/devices/{userId}", n.getDevices)
		r.Get("/health", n.getHealth)
	})
	r.Post("/admin/publish", n.adminPublish)
	return r
}

func writeJSON(log *zap.SugaredLogger, w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorw("write response", "error", err)
	}
}

func writeError(log *zap.SugaredLogger, w http.ResponseWriter, status int, msg string) {
	writeJSON(log, w, status, map[string]string{"error": msg})
}

// authorize checks the device token of an HTTP request when the hub has a
// secret. The device comes from the Device-ID header.
func (n *Node) authorize(r *http.Request, user string) bool {
	if n.cfg.Secret == "" {
		return true
	}
	q := r.URL.Query()
	return CheckTokenMD5(n.cfg.Secret, user, r.Header.Get("Device-ID"), q.Get("ts"), q.Get("token"))
}

// getSnapshot is the HTTP fallback for devices whose channel is down.
func (n *Node) getSnapshot(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "userId")
	log := zap.S().With("method", "snapshot", "user", user, "device", r.Header.Get("Device-ID"))
	if !n.authorize(r, user) {
		writeError(log, w, http.StatusUnauthorized, "invalid token")
		return
	}
	s, err := n.Snapshot(user)
	if err != nil {
		writeError(log, w, http.StatusServiceUnavailable, err.Error())
		return
	}
	log.Debugw("snapshot", "collections", len(s))
	writeJSON(log, w, http.StatusOK, s)
}

func (n *Node) getDevices(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "userId")
	log := zap.S().With("method", "devices", "user", user)
	if !n.authorize(r, user) {
		writeError(log, w, http.StatusUnauthorized, "invalid token")
		return
	}
	ds, err := n.registry.Devices(r.Context(), user)
	if err != nil {
		log.Errorw("list devices", "error", err)
		writeError(log, w, http.StatusInternalServerError, "registry unavailable")
		return
	}
	writeJSON(log, w, http.StatusOK, ds)
}

func (n *Node) getHealth(w http.ResponseWriter, r *http.Request) {
	users, devices := n.Online()
	writeJSON(zap.S(), w, http.StatusOK, map[string]interface{}{
		"users":   users,
		"devices": devices,
		"cluster": n.cluster != nil,
	})
}
