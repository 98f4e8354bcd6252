// Package identity resolves incoming agents to profiles and mints
// per-connection session identifiers.
package identity

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ashureev/agent-hub/internal/domain"
	"github.com/ashureev/agent-hub/internal/store"
)

// sessionAlphabet is readable: no 0/O, 1/l/I lookalikes.
const sessionAlphabet = "abcdefghjkmnpqrstuvwxyz23456789ABCDEFGHJKMNPQRSTUVWXYZ"

// SessionIDLength is the fixed length of minted session identifiers.
const SessionIDLength = 7

// maxMintAttempts bounds the collision redraw loop. Collisions are
// negligible at expected fleet sizes, so the loop is O(1) expected.
const maxMintAttempts = 16

// AuthRequest is the decoded first frame of a connection.
type AuthRequest struct {
	AIID      *int64 `json:"ai_id"`
	AIName    string `json:"ai_name"`
	Nickname  string `json:"ai_nickname"`
	Expertise string `json:"expertise"`
	Version   string `json:"version"`
	Project   string `json:"project"`
}

// LiveIndex is the subset of the session registry that identity needs:
// a way to test whether a candidate session id is already in use.
type LiveIndex interface {
	Exists(sessionID string) bool
}

// Authenticate turns an auth request into a (profile, session id) pair.
// Unknown profile ids are created with the provided metadata; known
// ones are refreshed only where the incoming fields are non-empty.
func Authenticate(ctx context.Context, repo store.Repository, live LiveIndex, req AuthRequest) (*domain.Profile, string, error) {
	if req.AIID == nil {
		// A first frame without any ai_id is not an auth frame at all.
		return nil, "", domain.E(domain.CodeAuthRequired, "first frame must carry ai_id")
	}
	if *req.AIID <= 0 {
		return nil, "", domain.E(domain.CodeMalformedAuth, "ai_id must be a positive integer")
	}

	name := req.AIName
	if name == "" {
		name = fmt.Sprintf("AI-%d", *req.AIID)
	}

	incoming := &domain.Profile{
		ID:        *req.AIID,
		Name:      name,
		Nickname:  req.Nickname,
		Project:   req.Project,
		Expertise: req.Expertise,
		Version:   req.Version,
	}

	profile, err := repo.UpsertProfile(ctx, incoming)
	if err != nil && domain.CodeOf(err) == domain.CodeProfileConflict {
		// Lost a create race once; a single retry resolves it because
		// the winner's row now exists.
		profile, err = repo.UpsertProfile(ctx, incoming)
	}
	if err != nil {
		return nil, "", err
	}

	sessionID, err := MintSessionID(live)
	if err != nil {
		return nil, "", err
	}

	if prev, err := repo.LastLivenessOf(ctx, profile.ID); err != nil {
		slog.Warn("Failed to read previous liveness", "profile_id", profile.ID, "error", err)
	} else if prev != nil {
		slog.Info("Returning profile reconnected",
			"profile_id", profile.ID,
			"previous_state", prev.State,
			"previous_activity", prev.LastActivity.Format(time.RFC3339))
	}

	return profile, sessionID, nil
}

// MintSessionID draws a seven-character identifier from the readable
// alphabet, redrawing on collision with any currently-live id.
func MintSessionID(live LiveIndex) (string, error) {
	for attempt := 0; attempt < maxMintAttempts; attempt++ {
		id, err := randomID(SessionIDLength)
		if err != nil {
			return "", fmt.Errorf("mint session id: %w", err)
		}
		if live == nil || !live.Exists(id) {
			return id, nil
		}
	}
	return "", domain.E(domain.CodeInternal, "session id space exhausted")
}

func randomID(length int) (string, error) {
	buf := make([]byte, length)
	alphabetSize := big.NewInt(int64(len(sessionAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", err
		}
		buf[i] = sessionAlphabet[n.Int64()]
	}
	return string(buf), nil
}
