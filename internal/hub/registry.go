package hub

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Registry is the single in-memory index of live sessions.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	byProfile map[int64]map[string]struct{}
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions:  make(map[string]*Session),
		byProfile: make(map[int64]map[string]struct{}),
	}
}

// Exists reports whether a session id is currently live. Satisfies
// identity.LiveIndex.
func (r *Registry) Exists(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[sessionID]
	return ok
}

// Get returns the live session for an id, or nil.
func (r *Registry) Get(sessionID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sessionID]
}

// Register adds a session to the index. A session that was deregistered
// once never re-appears; registering it again is a no-op with a warning.
func (r *Registry) Register(s *Session) {
	if s.isDeregistered() {
		slog.Warn("Refusing to re-register deregistered session", "session_id", s.ID)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[s.ID] = s
	if _, ok := r.byProfile[s.ProfileID]; !ok {
		r.byProfile[s.ProfileID] = make(map[string]struct{})
	}
	r.byProfile[s.ProfileID][s.ID] = struct{}{}
	slog.Info("Session registered", "session_id", s.ID, "profile_id", s.ProfileID)
}

// Deregister removes a session from the index and shuts down its
// outbound side. Idempotent.
func (r *Registry) Deregister(sessionID string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
		if ids, exists := r.byProfile[s.ProfileID]; exists {
			delete(ids, sessionID)
			if len(ids) == 0 {
				delete(r.byProfile, s.ProfileID)
			}
		}
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	s.markDeregistered()
	s.CloseOutbound()
	slog.Info("Session deregistered", "session_id", sessionID, "profile_id", s.ProfileID)
}

// Touch sets last-activity for a session to now.
func (r *Registry) Touch(sessionID string) {
	if s := r.Get(sessionID); s != nil {
		s.Touch(time.Now())
	}
}

// Subscribe declares that a session wishes to receive relay events for
// a conversation.
func (r *Registry) Subscribe(sessionID string, convID int64) bool {
	s := r.Get(sessionID)
	if s == nil {
		return false
	}
	s.Subscribe(convID)
	return true
}

// Unsubscribe removes a session's subscription to a conversation.
func (r *Registry) Unsubscribe(sessionID string, convID int64) {
	if s := r.Get(sessionID); s != nil {
		s.Unsubscribe(convID)
	}
}

// Subscribers returns the live sessions subscribed to a conversation,
// copied under the lock and sorted by session id ascending so relay
// delivery order is deterministic.
func (r *Registry) Subscribers(convID int64) []*Session {
	r.mu.RLock()
	var out []*Session
	for _, s := range r.sessions {
		if s.SubscribedTo(convID) {
			out = append(out, s)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshot returns a copy of all live sessions, sorted by session id.
// Used by the liveness engine so no lock is held across I/O.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SessionsOf returns the live session ids of a profile, sorted.
func (r *Registry) SessionsOf(profileID int64) []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byProfile[profileID]))
	for id := range r.byProfile[profileID] {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
