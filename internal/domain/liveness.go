package domain

import (
	"time"
)

// LivenessState is the lifecycle position of a live session.
type LivenessState string

const (
	// StateAwake means last activity is within the stale threshold.
	StateAwake LivenessState = "awake"
	// StateChallenged means a liveness challenge has been sent and the
	// grace timer is running.
	StateChallenged LivenessState = "challenged"
	// StateSleeping means the challenge expired without a response. The
	// connection and subscriptions are retained; any inbound frame wakes
	// the session.
	StateSleeping LivenessState = "sleeping"
	// StateDead means the session has been evicted. Unread messages
	// remain in the store.
	StateDead LivenessState = "dead"
)

// LivenessRecord is a per-session durable breadcrumb. Written
// best-effort by the liveness engine; read back when a returning
// profile reconnects.
type LivenessRecord struct {
	SessionID       string        `json:"session_id"`
	ProfileID       int64         `json:"profile_id"`
	State           LivenessState `json:"state"`
	LastActivity    time.Time     `json:"last_activity"`
	LastChallengeAt *time.Time    `json:"last_challenge_at,omitempty"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// BrainState is a per-profile snapshot of what an agent was last doing,
// intended to survive across sessions. Last-write-wins for the current
// row; every put also appends a history row.
type BrainState struct {
	ProfileID   int64          `json:"profile_id"`
	CurrentTask string         `json:"current_task,omitempty"`
	LastThought string         `json:"last_thought,omitempty"`
	LastInsight string         `json:"last_insight,omitempty"`
	CycleCount  int64          `json:"cycle_count"`
	Progress    map[string]any `json:"progress,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}
