package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/ashureev/agent-hub/internal/config"
	"github.com/ashureev/agent-hub/internal/domain"
	"github.com/ashureev/agent-hub/internal/identity"
	"github.com/ashureev/agent-hub/internal/store"
	"github.com/coder/websocket"
)

// authDeadline bounds how long an unauthenticated connection may sit
// before sending its auth frame.
const authDeadline = 30 * time.Second

// WSHandler handles agent WebSocket connections: one auth frame, then a
// request/response loop interleaved with relayed events on the
// outbound side.
type WSHandler struct {
	repo          store.Repository
	reg           *Registry
	relay         *Relay
	cfg           *config.Config
	allowedOrigin string
	isDev         bool
}

// NewWSHandler creates a new WebSocket protocol handler.
func NewWSHandler(repo store.Repository, reg *Registry, relay *Relay, cfg *config.Config) *WSHandler {
	return &WSHandler{
		repo:          repo,
		reg:           reg,
		relay:         relay,
		cfg:           cfg,
		allowedOrigin: cfg.FrontendURL,
		isDev:         cfg.IsDevelopment(),
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "ip", r.RemoteAddr)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess, err := h.authenticate(ctx, ws)
	if err != nil {
		slog.Info("Connection failed auth", "ip", r.RemoteAddr, "error", err)
		h.writeDirect(ws, errorFrame("", err))
		return
	}

	h.reg.Register(sess)
	defer h.closeSession(sess)

	// Writer goroutine: sole consumer of the outbound channel, so
	// request replies and relayed events never interleave mid-frame.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(ctx, ws, sess)
	}()

	h.send(sess, marshalFrame(map[string]any{
		"type":         FrameConnected,
		"ai_id":        sess.ProfileID,
		"ai_name":      sess.ProfileName,
		"session_id":   sess.ID,
		"ai_expertise": sess.Expertise,
		"ai_version":   h.profileVersion(ctx, sess.ProfileID),
	}))

	h.readLoop(ctx, ws, sess)

	cancel()
	<-writerDone
	slog.Info("Agent session ended", "session_id", sess.ID, "profile_id", sess.ProfileID)
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || h.allowedOrigin == "" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

// authenticate reads exactly one frame and resolves it to a registered
// session. Any non-auth first frame fails with AuthRequired.
func (h *WSHandler) authenticate(ctx context.Context, ws *websocket.Conn) (*Session, error) {
	authCtx, cancel := context.WithTimeout(ctx, authDeadline)
	defer cancel()

	_, data, err := ws.Read(authCtx)
	if err != nil {
		return nil, domain.Wrap(domain.CodeAuthRequired, "no auth frame received", err)
	}

	var req identity.AuthRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, domain.Wrap(domain.CodeMalformedAuth, "auth frame is not valid JSON", err)
	}

	profile, sessionID, err := identity.Authenticate(ctx, h.repo, h.reg, req)
	if err != nil {
		return nil, err
	}

	project := req.Project
	if project == "" {
		project = profile.Project
	}

	return NewSession(sessionID, SessionProfile{
		ID:        profile.ID,
		Name:      profile.Name,
		Project:   project,
		Expertise: profile.Expertise,
	}, h.cfg.Relay.OutboundQueue, time.Now()), nil
}

// readLoop processes inbound frames in arrival order until the
// transport closes. Any well-formed frame touches last-activity.
func (h *WSHandler) readLoop(ctx context.Context, ws *websocket.Conn, sess *Session) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "session_id", sess.ID)
			} else if ctx.Err() == nil {
				slog.Warn("WebSocket read error", "error", err, "session_id", sess.ID)
			}
			return
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			// Unparseable frames disconnect; everything else is a typed
			// error reply.
			slog.Warn("Unparseable frame, closing session", "session_id", sess.ID, "error", err)
			h.send(sess, errorFrame("", domain.E(domain.CodeValidationFailed, "frame is not valid JSON")))
			return
		}

		sess.Touch(time.Now())
		h.dispatch(ctx, sess, &req)
	}
}

//nolint:gocognit // Frame dispatch is a flat table over the protocol surface.
func (h *WSHandler) dispatch(ctx context.Context, sess *Session, req *Request) {
	switch req.Type {
	case FrameSendMessage:
		h.handleSendMessage(ctx, sess, req)

	case FrameSubscribe, FrameSubscribeConversation:
		h.reg.Subscribe(sess.ID, req.ConversationID)
		h.send(sess, marshalFrame(map[string]any{
			"type":            FrameSubscribed,
			"conversation_id": req.ConversationID,
		}))

	case FrameUnsubscribe:
		h.reg.Unsubscribe(sess.ID, req.ConversationID)
		h.send(sess, marshalFrame(map[string]any{
			"type":            FrameUnsubscribed,
			"conversation_id": req.ConversationID,
		}))

	case FrameGetOnlineUsers, FrameListOnlineAIs:
		h.send(sess, marshalFrame(map[string]any{
			"type":  FrameOnlineUsers,
			"users": h.onlineUsers(),
		}))

	case FrameWhoAmI:
		h.send(sess, marshalFrame(map[string]any{
			"type":             FrameIdentity,
			"id":               sess.ProfileID,
			"name":             sess.ProfileName,
			"session_id":       sess.ID,
			"sibling_sessions": h.siblings(sess),
		}))

	case FrameBrainStatePut:
		h.handleBrainStatePut(ctx, sess, req)

	case FrameBrainStateGet:
		h.handleBrainStateGet(ctx, sess, req)

	case FrameLivenessAck, FrameHeartbeat:
		// The touch in readLoop already reset last-activity and woke
		// the session. No reply required.

	case FrameCreateConversation:
		h.handleCreateConversation(ctx, sess, req)

	case FrameListConversations:
		h.handleListConversations(ctx, sess, req)

	case FrameGetMessages:
		h.handleGetMessages(ctx, sess, req)

	case FrameShareInsight:
		h.handleShareInsight(ctx, sess, req)

	default:
		if req.AIID != nil {
			// A second auth frame on an authenticated connection is an
			// error, not an idempotent re-auth. No profile write occurs.
			h.send(sess, errorFrame(req.RequestID,
				domain.E(domain.CodeAuthRequired, "connection is already authenticated")))
			return
		}
		h.send(sess, errorFrame(req.RequestID,
			domain.E(domain.CodeValidationFailed, "unknown frame type: "+req.Type)))
	}
}

func (h *WSHandler) handleSendMessage(ctx context.Context, sess *Session, req *Request) {
	kind := domain.MessageKind(req.MessageType)
	if kind == "" {
		kind = domain.KindMessage
	}
	if !kind.Valid() {
		h.send(sess, errorFrame(req.RequestID,
			domain.E(domain.CodeValidationFailed, "unknown message_type: "+req.MessageType)))
		return
	}
	if req.Content == "" {
		h.send(sess, errorFrame(req.RequestID,
			domain.E(domain.CodeValidationFailed, "content is required")))
		return
	}
	if utf8.RuneCountInString(req.Content) > domain.MaxMessageLength {
		h.send(sess, errorFrame(req.RequestID,
			domain.E(domain.CodeValidationFailed, "content exceeds maximum length")))
		return
	}
	if err := domain.ValidateMetadata(kind, req.Metadata); err != nil {
		h.send(sess, errorFrame(req.RequestID, err))
		return
	}

	msg, err := h.repo.AppendMessage(ctx, &domain.Message{
		ConversationID: req.ConversationID,
		SenderID:       sess.ProfileID,
		Kind:           kind,
		Content:        req.Content,
		Metadata:       req.Metadata,
	})
	if err != nil {
		h.send(sess, errorFrame(req.RequestID, err))
		return
	}

	// Sending implies interest in replies.
	sess.Subscribe(req.ConversationID)

	h.send(sess, marshalFrame(map[string]any{
		"type":       FrameMessageSent,
		"id":         msg.ID,
		"request_id": req.RequestID,
	}))

	// Only after commit: relay to live subscribers.
	h.relay.Dispatch(msg, sess.ProfileName)
}

func (h *WSHandler) handleBrainStatePut(ctx context.Context, sess *Session, req *Request) {
	err := h.repo.PutBrainState(ctx, &domain.BrainState{
		ProfileID:   sess.ProfileID,
		CurrentTask: req.CurrentTask,
		LastThought: req.LastThought,
		LastInsight: req.LastInsight,
		CycleCount:  req.CycleCount,
		Progress:    req.Progress,
	})
	if err != nil {
		h.send(sess, errorFrame(req.RequestID, err))
		return
	}
	h.send(sess, marshalFrame(map[string]any{
		"type":       FrameBrainStateSaved,
		"profile_id": sess.ProfileID,
	}))
}

func (h *WSHandler) handleBrainStateGet(ctx context.Context, sess *Session, req *Request) {
	profileID := req.ProfileID
	if profileID == 0 {
		profileID = sess.ProfileID
	}

	bs, err := h.repo.GetBrainState(ctx, profileID)
	if err != nil {
		h.send(sess, errorFrame(req.RequestID, err))
		return
	}
	h.send(sess, marshalFrame(map[string]any{
		"type":        FrameBrainState,
		"profile_id":  profileID,
		"brain_state": bs,
	}))
}

func (h *WSHandler) handleCreateConversation(ctx context.Context, sess *Session, req *Request) {
	if req.Title == "" {
		h.send(sess, errorFrame(req.RequestID,
			domain.E(domain.CodeValidationFailed, "title is required")))
		return
	}

	conv, err := h.repo.CreateConversation(ctx, req.Title, req.Project)
	if err != nil {
		h.send(sess, errorFrame(req.RequestID, err))
		return
	}

	sess.Subscribe(conv.ID)
	h.send(sess, marshalFrame(map[string]any{
		"type":         FrameConversationCreated,
		"conversation": conv,
	}))
}

func (h *WSHandler) handleListConversations(ctx context.Context, sess *Session, req *Request) {
	convs, err := h.repo.ListConversations(ctx)
	if err != nil {
		h.send(sess, errorFrame(req.RequestID, err))
		return
	}
	h.send(sess, marshalFrame(map[string]any{
		"type":          FrameConversations,
		"conversations": convs,
	}))
}

func (h *WSHandler) handleGetMessages(ctx context.Context, sess *Session, req *Request) {
	conv, err := h.repo.GetConversation(ctx, req.ConversationID)
	if err != nil {
		h.send(sess, errorFrame(req.RequestID, err))
		return
	}
	if conv == nil {
		h.send(sess, errorFrame(req.RequestID,
			domain.E(domain.CodeUnknownConversation, "conversation does not exist")))
		return
	}

	msgs, err := h.repo.ListMessages(ctx, req.ConversationID, req.SinceID, req.Limit)
	if err != nil {
		h.send(sess, errorFrame(req.RequestID, err))
		return
	}
	h.send(sess, marshalFrame(map[string]any{
		"type":            FrameMessages,
		"conversation_id": req.ConversationID,
		"messages":        msgs,
	}))
}

func (h *WSHandler) handleShareInsight(ctx context.Context, sess *Session, req *Request) {
	if req.Title == "" || req.Content == "" {
		h.send(sess, errorFrame(req.RequestID,
			domain.E(domain.CodeValidationFailed, "title and content are required")))
		return
	}

	in, err := h.repo.AddInsight(ctx, &domain.Insight{
		ProfileID:      sess.ProfileID,
		ConversationID: req.ConversationID,
		Title:          req.Title,
		Content:        req.Content,
		Tags:           req.Tags,
	})
	if err != nil {
		h.send(sess, errorFrame(req.RequestID, err))
		return
	}
	h.send(sess, marshalFrame(map[string]any{
		"type":    FrameInsightShared,
		"insight": in,
	}))
}

// onlineUsers builds the registry projection for get_online_users.
func (h *WSHandler) onlineUsers() []OnlineUser {
	sessions := h.reg.Snapshot()
	users := make([]OnlineUser, 0, len(sessions))
	for _, s := range sessions {
		if s.State() == domain.StateDead {
			continue
		}
		users = append(users, OnlineUser{
			ID:        s.ProfileID,
			Name:      s.ProfileName,
			SessionID: s.ID,
			Expertise: s.Expertise,
			Project:   s.Project,
		})
	}
	return users
}

// siblings lists the other live session ids of the same profile.
func (h *WSHandler) siblings(sess *Session) []string {
	siblings := make([]string, 0)
	for _, id := range h.reg.SessionsOf(sess.ProfileID) {
		if id != sess.ID {
			siblings = append(siblings, id)
		}
	}
	return siblings
}

func (h *WSHandler) profileVersion(ctx context.Context, profileID int64) string {
	p, err := h.repo.GetProfile(ctx, profileID)
	if err != nil || p == nil {
		return ""
	}
	return p.Version
}

// send queues a reply on the session's outbound channel.
func (h *WSHandler) send(sess *Session, payload []byte) {
	if err := sess.Send(payload, h.cfg.Relay.SendTimeout); err != nil {
		slog.Debug("Failed to queue reply", "session_id", sess.ID, "error", err)
	}
}

// writeDirect writes a frame on a connection that has no session yet
// (pre-auth errors).
func (h *WSHandler) writeDirect(ws *websocket.Conn, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, payload); err != nil {
		slog.Debug("Failed to write pre-auth frame", "error", err)
	}
}

// writeLoop drains the outbound channel to the transport.
func (h *WSHandler) writeLoop(ctx context.Context, ws *websocket.Conn, sess *Session) {
	for {
		select {
		case payload := <-sess.Out():
			if err := ws.Write(ctx, websocket.MessageText, payload); err != nil {
				sess.MarkSuspect()
				slog.Debug("Outbound write failed, transport suspect",
					"session_id", sess.ID, "error", err)
				return
			}
		case <-sess.Done():
			// Flush whatever is already buffered, then stop.
			for {
				select {
				case payload := <-sess.Out():
					if err := ws.Write(ctx, websocket.MessageText, payload); err != nil {
						return
					}
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// closeSession records the dead breadcrumb and removes the session.
// Runs on every disconnect path.
func (h *WSHandler) closeSession(sess *Session) {
	sess.MarkDead()
	h.reg.Deregister(sess.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.repo.RecordLiveness(ctx, sess.LivenessRecord()); err != nil {
		slog.Warn("Failed to record final liveness", "session_id", sess.ID, "error", err)
	}
}
