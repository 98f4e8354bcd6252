// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/ashureev/agent-hub/internal/domain"
)

// Repository defines the interface for persisting hub data. Backends
// translate the `?` positional placeholder convention used throughout;
// column mapping is driven by scan order, never by column-name lists.
type Repository interface {
	// UpsertProfile creates the profile if the id is unknown, otherwise
	// refreshes metadata fields that are non-empty in p. Returns the
	// stored row.
	UpsertProfile(ctx context.Context, p *domain.Profile) (*domain.Profile, error)

	// GetProfile retrieves a profile by id. Returns nil, nil when the
	// profile does not exist.
	GetProfile(ctx context.Context, id int64) (*domain.Profile, error)

	// CreateConversation creates a new named delivery scope.
	CreateConversation(ctx context.Context, title, project string) (*domain.Conversation, error)

	// GetConversation retrieves a conversation by id. Returns nil, nil
	// when it does not exist.
	GetConversation(ctx context.Context, id int64) (*domain.Conversation, error)

	// ListConversations returns all conversations, newest first.
	ListConversations(ctx context.Context) ([]*domain.Conversation, error)

	// AppendMessage persists a message. Fails with
	// domain.CodeUnknownConversation or domain.CodeUnknownProfile on
	// dangling references. The returned message carries the assigned id
	// and created_at.
	AppendMessage(ctx context.Context, m *domain.Message) (*domain.Message, error)

	// ListMessages returns messages of a conversation with id > sinceID,
	// ordered by id ascending, at most limit rows. limit <= 0 selects
	// the default page size; the hard cap always applies.
	ListMessages(ctx context.Context, convID, sinceID int64, limit int) ([]*domain.Message, error)

	// PutBrainState replaces the current brain state for a profile and
	// appends a history row, in one transaction.
	PutBrainState(ctx context.Context, bs *domain.BrainState) error

	// GetBrainState retrieves the current brain state for a profile.
	// Returns nil, nil when none has been stored.
	GetBrainState(ctx context.Context, profileID int64) (*domain.BrainState, error)

	// BrainStateHistoryCount returns the number of history rows for a
	// profile.
	BrainStateHistoryCount(ctx context.Context, profileID int64) (int64, error)

	// AddInsight persists a long-form insight record.
	AddInsight(ctx context.Context, in *domain.Insight) (*domain.Insight, error)

	// ListInsights returns insights, newest first. profileID == 0 means
	// all profiles.
	ListInsights(ctx context.Context, profileID int64, limit int) ([]*domain.Insight, error)

	// RecordLiveness upserts a per-session liveness breadcrumb.
	// Best-effort: callers log and continue on failure.
	RecordLiveness(ctx context.Context, rec *domain.LivenessRecord) error

	// GetLiveness retrieves the breadcrumb for a session id. Returns
	// nil, nil when unknown.
	GetLiveness(ctx context.Context, sessionID string) (*domain.LivenessRecord, error)

	// LastLivenessOf returns the most recent breadcrumb for a profile,
	// used when a returning profile reconnects. Returns nil, nil when
	// the profile has never been seen.
	LastLivenessOf(ctx context.Context, profileID int64) (*domain.LivenessRecord, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

const (
	// DefaultMessagePage is the page size used when callers pass
	// limit <= 0 to ListMessages.
	DefaultMessagePage = 100

	// MaxMessagePage caps replay after reconnect; callers page with
	// since_id for deeper history.
	MaxMessagePage = 500
)
