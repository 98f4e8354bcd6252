package hub

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/agent-hub/internal/config"
	"github.com/ashureev/agent-hub/internal/domain"
	"github.com/ashureev/agent-hub/internal/store"
)

// Engine keeps the live set accurate without penalising quiet agents.
//
// State machine per session:
//
//	awake --stale_timeout--> challenged --grace_period--> sleeping --max_sleep--> dead
//
// Any inbound frame (observed by the protocol handler as a touch)
// returns a challenged or sleeping session to awake. A suspect
// transport goes straight to dead. The engine is the only component
// that transitions sessions besides the protocol handler's touch and
// disconnect paths.
type Engine struct {
	reg  *Registry
	repo store.Repository
	cfg  config.LivenessConfig

	// now is injectable so tests can drive the state machine with
	// virtual time.
	now func() time.Time
}

// noticeSendTimeout bounds challenge and sleeping notice delivery so a
// wedged transport cannot stall the scan.
const noticeSendTimeout = 5 * time.Second

// NewEngine creates a liveness engine over the registry.
func NewEngine(reg *Registry, repo store.Repository, cfg config.LivenessConfig) *Engine {
	return &Engine{reg: reg, repo: repo, cfg: cfg, now: time.Now}
}

// Run scans on every check interval until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.CheckInterval)
	defer ticker.Stop()
	slog.Info("Liveness engine started",
		"check_interval", e.cfg.CheckInterval,
		"stale_timeout", e.cfg.StaleTimeout,
		"grace_period", e.cfg.GracePeriod,
		"max_sleep_time", e.cfg.MaxSleepTime)

	for {
		select {
		case <-ticker.C:
			e.Scan(ctx)
		case <-ctx.Done():
			slog.Info("Liveness engine shutting down", "reason", ctx.Err())
			return
		}
	}
}

// Scan takes a registry snapshot and evaluates every session. Errors on
// one session never abort the scan.
func (e *Engine) Scan(ctx context.Context) {
	now := e.now()
	for _, sess := range e.reg.Snapshot() {
		e.evaluate(ctx, sess, now)
	}
}

func (e *Engine) evaluate(ctx context.Context, sess *Session, now time.Time) {
	if sess.Suspect() {
		e.evict(ctx, sess, "transport suspect")
		return
	}

	switch sess.State() {
	case domain.StateAwake:
		if now.Sub(sess.LastActivity()) >= e.cfg.StaleTimeout {
			e.challenge(ctx, sess, now)
		}
	case domain.StateChallenged:
		// A touch after the challenge moved the session back to awake
		// already; reaching here means the challenge went unanswered.
		if now.Sub(sess.ChallengedAt()) >= e.cfg.GracePeriod {
			e.sleep(ctx, sess, now)
		}
	case domain.StateSleeping:
		if now.Sub(sess.SleepingSince()) >= e.cfg.MaxSleepTime {
			e.evict(ctx, sess, "max sleep time exceeded")
		}
	case domain.StateDead:
		e.reg.Deregister(sess.ID)
	}
}

func (e *Engine) challenge(ctx context.Context, sess *Session, now time.Time) {
	if !sess.MarkChallenged(now) {
		return
	}

	payload := marshalFrame(map[string]any{
		"type":          FrameLivenessChallenge,
		"reason":        "no activity within stale timeout",
		"grace_seconds": int(e.cfg.GracePeriod.Seconds()),
	})
	if err := sess.Send(payload, noticeSendTimeout); err != nil {
		slog.Warn("Failed to deliver liveness challenge", "session_id", sess.ID, "error", err)
	}

	slog.Info("Session challenged", "session_id", sess.ID, "profile_id", sess.ProfileID)
	e.record(ctx, sess)
}

func (e *Engine) sleep(ctx context.Context, sess *Session, now time.Time) {
	if !sess.MarkSleeping(now) {
		return
	}

	payload := marshalFrame(map[string]any{
		"type":   FrameSleeping,
		"reason": "liveness challenge unanswered",
	})
	if err := sess.Send(payload, noticeSendTimeout); err != nil {
		slog.Warn("Failed to deliver sleeping notice", "session_id", sess.ID, "error", err)
	}

	slog.Info("Session sleeping", "session_id", sess.ID, "profile_id", sess.ProfileID)
	e.record(ctx, sess)
}

func (e *Engine) evict(ctx context.Context, sess *Session, reason string) {
	sess.MarkDead()
	e.reg.Deregister(sess.ID)
	slog.Info("Session evicted",
		"session_id", sess.ID,
		"profile_id", sess.ProfileID,
		"reason", reason)
	e.record(ctx, sess)
}

// record writes the durable breadcrumb. Best-effort: liveness records
// need not be transactional with anything.
func (e *Engine) record(ctx context.Context, sess *Session) {
	if e.repo == nil {
		return
	}
	recordCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := e.repo.RecordLiveness(recordCtx, sess.LivenessRecord()); err != nil {
		slog.Warn("Failed to record liveness", "session_id", sess.ID, "error", err)
	}
}
