// Package api provides the read-only REST façade over hub data.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/agent-hub/internal/hub"
	"github.com/ashureev/agent-hub/internal/store"
	"github.com/go-chi/chi/v5"
)

// Handler serves dashboards and scripts that want hub data without
// opening a WebSocket session.
type Handler struct {
	repo store.Repository
	reg  *hub.Registry
}

// NewHandler creates a new REST handler.
func NewHandler(repo store.Repository, reg *hub.Registry) *Handler {
	return &Handler{repo: repo, reg: reg}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// RegisterRoutes registers the REST routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Route("/api", func(r chi.Router) {
		r.Get("/ais", h.ListProfiles)
		r.Get("/ais/{id}/brain-state", h.GetBrainState)
		r.Get("/online", h.Online)
		r.Get("/conversations", h.ListConversations)
		r.Get("/conversations/{id}/messages", h.ListMessages)
		r.Get("/insights", h.ListInsights)
	})
}

// Health returns the health status of the API and its dependencies.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := map[string]interface{}{
		"status": "healthy",
		"checks": map[string]string{"api": "ok"},
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		status["checks"].(map[string]string)["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		status["checks"].(map[string]string)["database"] = "ok"
		status["sessions"] = h.reg.Len()
	}

	JSON(w, statusCode, status)
}

// ListProfiles returns the profiles of currently-online agents along
// with their live session ids.
func (h *Handler) ListProfiles(w http.ResponseWriter, r *http.Request) {
	seen := make(map[int64]bool)
	out := make([]map[string]interface{}, 0)

	for _, sess := range h.reg.Snapshot() {
		if seen[sess.ProfileID] {
			continue
		}
		seen[sess.ProfileID] = true

		profile, err := h.repo.GetProfile(r.Context(), sess.ProfileID)
		if err != nil {
			slog.Warn("Failed to load profile", "profile_id", sess.ProfileID, "error", err)
			continue
		}
		if profile == nil {
			continue
		}
		out = append(out, map[string]interface{}{
			"profile":  profile,
			"sessions": h.reg.SessionsOf(sess.ProfileID),
		})
	}

	JSON(w, http.StatusOK, map[string]interface{}{"ais": out})
}

// GetBrainState returns the current brain state of a profile.
func (h *Handler) GetBrainState(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid profile id")
		return
	}

	bs, err := h.repo.GetBrainState(r.Context(), id)
	if err != nil {
		slog.Error("Failed to get brain state", "profile_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	if bs == nil {
		Error(w, http.StatusNotFound, "no brain state for profile")
		return
	}

	JSON(w, http.StatusOK, bs)
}

// Online returns the live-session projection.
func (h *Handler) Online(w http.ResponseWriter, r *http.Request) {
	sessions := h.reg.Snapshot()
	users := make([]map[string]interface{}, 0, len(sessions))
	for _, s := range sessions {
		users = append(users, map[string]interface{}{
			"id":         s.ProfileID,
			"name":       s.ProfileName,
			"session_id": s.ID,
			"state":      s.State(),
			"project":    s.Project,
		})
	}
	JSON(w, http.StatusOK, map[string]interface{}{"users": users})
}

// ListConversations returns all conversations, newest first.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.repo.ListConversations(r.Context())
	if err != nil {
		slog.Error("Failed to list conversations", "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"conversations": convs})
}

// ListMessages returns a page of a conversation's messages, oldest
// first. Query params: since_id, limit.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid conversation id")
		return
	}

	conv, err := h.repo.GetConversation(r.Context(), id)
	if err != nil {
		slog.Error("Failed to get conversation", "conversation_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	if conv == nil {
		Error(w, http.StatusNotFound, "conversation not found")
		return
	}

	sinceID, _ := strconv.ParseInt(r.URL.Query().Get("since_id"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	msgs, err := h.repo.ListMessages(r.Context(), id, sinceID, limit)
	if err != nil {
		slog.Error("Failed to list messages", "conversation_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"conversation": conv,
		"messages":     msgs,
	})
}

// ListInsights returns insights, newest first. Query params:
// profile_id, limit.
func (h *Handler) ListInsights(w http.ResponseWriter, r *http.Request) {
	profileID, _ := strconv.ParseInt(r.URL.Query().Get("profile_id"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	insights, err := h.repo.ListInsights(r.Context(), profileID, limit)
	if err != nil {
		slog.Error("Failed to list insights", "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"insights": insights})
}
