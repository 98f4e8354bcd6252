// Package hub implements the presence and message relay subsystem: the
// session registry, the liveness engine, the relay dispatcher, and the
// per-connection protocol handler.
package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/ashureev/agent-hub/internal/domain"
)

var (
	// ErrSessionClosed is returned by Send after the session's outbound
	// channel has been shut down.
	ErrSessionClosed = errors.New("session closed")

	// ErrSendTimeout is returned by Send when the outbound channel
	// cannot accept a frame within the allotted time. The session is
	// marked suspect as a side effect.
	ErrSendTimeout = errors.New("send timeout")
)

// Session is one live connection of one profile. The registry owns the
// index; the session owns its own transient state behind a mutex with
// O(1) hold times.
type Session struct {
	ID          string
	ProfileID   int64
	ProfileName string
	Project     string
	Expertise   string
	StartedAt   time.Time

	out  chan []byte
	done chan struct{}

	mu            sync.Mutex
	lastActivity  time.Time
	state         domain.LivenessState
	challengedAt  time.Time
	sleepingSince time.Time
	suspect       bool
	deregistered  bool
	closeOnce     sync.Once
	subs          map[int64]struct{}
}

// NewSession creates a live session in the awake state.
func NewSession(id string, profile SessionProfile, outboundQueue int, now time.Time) *Session {
	return &Session{
		ID:           id,
		ProfileID:    profile.ID,
		ProfileName:  profile.Name,
		Project:      profile.Project,
		Expertise:    profile.Expertise,
		StartedAt:    now,
		out:          make(chan []byte, outboundQueue),
		done:         make(chan struct{}),
		lastActivity: now,
		state:        domain.StateAwake,
		subs:         make(map[int64]struct{}),
	}
}

// SessionProfile is the profile projection a session carries so the
// registry never holds pointers into store rows.
type SessionProfile struct {
	ID        int64
	Name      string
	Project   string
	Expertise string
}

// Touch sets last-activity to now and wakes the session. A dead
// session stays dead.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.After(s.lastActivity) {
		s.lastActivity = now
	}
	if s.state != domain.StateDead {
		s.state = domain.StateAwake
	}
}

// LastActivity returns the last-activity timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// State returns the current liveness state.
func (s *Session) State() domain.LivenessState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MarkChallenged transitions awake -> challenged. Returns false if the
// session is not awake.
func (s *Session) MarkChallenged(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != domain.StateAwake {
		return false
	}
	s.state = domain.StateChallenged
	s.challengedAt = now
	return true
}

// ChallengedAt returns when the session was last challenged.
func (s *Session) ChallengedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.challengedAt
}

// MarkSleeping transitions challenged -> sleeping. Returns false if the
// session is not challenged.
func (s *Session) MarkSleeping(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != domain.StateChallenged {
		return false
	}
	s.state = domain.StateSleeping
	s.sleepingSince = now
	return true
}

// SleepingSince returns when the session entered the sleeping state.
func (s *Session) SleepingSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sleepingSince
}

// MarkDead transitions the session to dead.
func (s *Session) MarkDead() {
	s.mu.Lock()
	s.state = domain.StateDead
	s.mu.Unlock()
	s.CloseOutbound()
}

// MarkSuspect flags the transport as suspect. The liveness engine
// transitions suspect sessions to dead on its next scan.
func (s *Session) MarkSuspect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suspect = true
}

// Suspect reports whether the transport has been flagged suspect.
func (s *Session) Suspect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspect
}

// Subscribe adds a conversation to the session's subscription set.
func (s *Session) Subscribe(convID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[convID] = struct{}{}
}

// Unsubscribe removes a conversation from the subscription set.
func (s *Session) Unsubscribe(convID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, convID)
}

// SubscribedTo reports whether the session subscribes to convID.
func (s *Session) SubscribedTo(convID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[convID]
	return ok
}

// Subscriptions returns a copy of the subscription set.
func (s *Session) Subscriptions() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.subs))
	for id := range s.subs {
		out = append(out, id)
	}
	return out
}

// Send schedules a serialized frame on the outbound channel, waiting at
// most timeout. On timeout the transport is marked suspect and the
// frame is dropped for this session.
func (s *Session) Send(payload []byte, timeout time.Duration) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s.out <- payload:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-timer.C:
		s.MarkSuspect()
		return ErrSendTimeout
	}
}

// Out exposes the outbound channel to the connection's writer
// goroutine. The writer is its only consumer.
func (s *Session) Out() <-chan []byte {
	return s.out
}

// Done is closed when the session's outbound side shuts down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// CloseOutbound shuts down the outbound side exactly once. Buffered
// frames already queued may still be drained by the writer.
func (s *Session) CloseOutbound() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

func (s *Session) markDeregistered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deregistered {
		return false
	}
	s.deregistered = true
	return true
}

func (s *Session) isDeregistered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deregistered
}

// LivenessRecord builds the durable breadcrumb for this session.
func (s *Session) LivenessRecord() *domain.LivenessRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := &domain.LivenessRecord{
		SessionID:    s.ID,
		ProfileID:    s.ProfileID,
		State:        s.state,
		LastActivity: s.lastActivity,
	}
	if !s.challengedAt.IsZero() {
		t := s.challengedAt
		rec.LastChallengeAt = &t
	}
	return rec
}
