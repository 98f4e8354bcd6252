// Package client is the single agent-side library for talking to the
// hub: connect, send, subscribe, list online, disconnect. Scripts
// reduce to argument parsing plus one sequence of these calls.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/agent-hub/internal/hub"
	"github.com/coder/websocket"
)

// ErrClosed is returned from calls made after Disconnect or after the
// server closed the connection.
var ErrClosed = errors.New("client closed")

// defaultRequestTimeout bounds waiting for a reply to a request frame.
const defaultRequestTimeout = 30 * time.Second

// Event is a server-pushed frame: a relayed message, a liveness
// challenge, or a sleeping notice.
type Event struct {
	Type string
	// Message is set when Type == "new_message".
	Message *hub.NewMessageEvent
	// Raw is the undecoded frame for everything else.
	Raw json.RawMessage
}

// Options configures a connection.
type Options struct {
	AIID      int64
	AIName    string
	Nickname  string
	Expertise string
	Version   string
	Project   string

	// RequestTimeout bounds each request/reply exchange. Zero means
	// the default.
	RequestTimeout time.Duration

	// AutoAck answers liveness challenges automatically. Enabled by
	// default through Connect.
	AutoAck bool
}

// Client is one live hub session.
type Client struct {
	conn           *websocket.Conn
	sessionID      string
	profileID      int64
	profileName    string
	requestTimeout time.Duration
	autoAck        bool

	events  chan Event
	replies chan json.RawMessage
	done    chan struct{}
}

// Connect dials the hub, authenticates, and starts the read loop.
// wsURL is the full ws:// or wss:// endpoint.
func Connect(ctx context.Context, wsURL string, opts Options) (*Client, error) {
	if opts.AIID <= 0 {
		return nil, fmt.Errorf("ai id must be a positive integer")
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial hub: %w", err)
	}

	auth := map[string]any{
		"ai_id":       opts.AIID,
		"ai_name":     opts.AIName,
		"ai_nickname": opts.Nickname,
		"expertise":   opts.Expertise,
		"version":     opts.Version,
		"project":     opts.Project,
	}
	if err := writeJSON(ctx, conn, auth); err != nil {
		conn.Close(websocket.StatusInternalError, "auth write failed")
		return nil, fmt.Errorf("send auth frame: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "auth read failed")
		return nil, fmt.Errorf("read auth reply: %w", err)
	}

	var reply struct {
		Type      string `json:"type"`
		Error     string `json:"error"`
		Detail    string `json:"detail"`
		AIID      int64  `json:"ai_id"`
		AIName    string `json:"ai_name"`
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(data, &reply); err != nil {
		conn.Close(websocket.StatusInternalError, "bad auth reply")
		return nil, fmt.Errorf("decode auth reply: %w", err)
	}
	if reply.Type != hub.FrameConnected {
		conn.Close(websocket.StatusNormalClosure, "auth rejected")
		if reply.Detail != "" {
			return nil, fmt.Errorf("auth rejected: %s: %s", reply.Error, reply.Detail)
		}
		return nil, fmt.Errorf("auth rejected: %s", reply.Error)
	}

	c := &Client{
		conn:           conn,
		sessionID:      reply.SessionID,
		profileID:      reply.AIID,
		profileName:    reply.AIName,
		requestTimeout: opts.RequestTimeout,
		autoAck:        true,
		events:         make(chan Event, 64),
		replies:        make(chan json.RawMessage, 16),
		done:           make(chan struct{}),
	}
	go c.readLoop()

	return c, nil
}

// SessionID returns the server-minted session identifier.
func (c *Client) SessionID() string { return c.sessionID }

// ProfileID returns the authenticated profile id.
func (c *Client) ProfileID() int64 { return c.profileID }

// Events delivers server-pushed frames. The channel closes when the
// connection ends.
func (c *Client) Events() <-chan Event { return c.events }

// Send persists a message to a conversation and returns its id.
func (c *Client) Send(ctx context.Context, conversationID int64, messageType, content string, metadata map[string]any) (int64, error) {
	reply, err := c.request(ctx, map[string]any{
		"type":            hub.FrameSendMessage,
		"conversation_id": conversationID,
		"message_type":    messageType,
		"content":         content,
		"metadata":        metadata,
	})
	if err != nil {
		return 0, err
	}

	var ack struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(reply, &ack); err != nil {
		return 0, fmt.Errorf("decode message_sent: %w", err)
	}
	return ack.ID, nil
}

// Subscribe declares interest in a conversation's relay events.
func (c *Client) Subscribe(ctx context.Context, conversationID int64) error {
	_, err := c.request(ctx, map[string]any{
		"type":            hub.FrameSubscribeConversation,
		"conversation_id": conversationID,
	})
	return err
}

// OnlineUser mirrors the server's online_users projection.
type OnlineUser = hub.OnlineUser

// ListOnline returns the currently-online agents.
func (c *Client) ListOnline(ctx context.Context) ([]OnlineUser, error) {
	reply, err := c.request(ctx, map[string]any{"type": hub.FrameGetOnlineUsers})
	if err != nil {
		return nil, err
	}

	var out struct {
		Users []OnlineUser `json:"users"`
	}
	if err := json.Unmarshal(reply, &out); err != nil {
		return nil, fmt.Errorf("decode online_users: %w", err)
	}
	return out.Users, nil
}

// WhoAmI returns the session's own identity projection.
func (c *Client) WhoAmI(ctx context.Context) (id int64, name, sessionID string, siblings []string, err error) {
	reply, err := c.request(ctx, map[string]any{"type": hub.FrameWhoAmI})
	if err != nil {
		return 0, "", "", nil, err
	}

	var out struct {
		ID              int64    `json:"id"`
		Name            string   `json:"name"`
		SessionID       string   `json:"session_id"`
		SiblingSessions []string `json:"sibling_sessions"`
	}
	if err := json.Unmarshal(reply, &out); err != nil {
		return 0, "", "", nil, fmt.Errorf("decode identity: %w", err)
	}
	return out.ID, out.Name, out.SessionID, out.SiblingSessions, nil
}

// Heartbeat touches the session's last-activity without any other
// effect. No reply is expected.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.write(ctx, map[string]any{"type": hub.FrameHeartbeat})
}

// Disconnect closes the connection gracefully.
func (c *Client) Disconnect() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	return c.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

// request writes a frame and waits for the next reply frame. Replies
// and pushed events are classified by the read loop, so interleaved
// events do not confuse the pairing; requests themselves must not be
// issued concurrently from multiple goroutines.
func (c *Client) request(ctx context.Context, frame map[string]any) (json.RawMessage, error) {
	if err := c.write(ctx, frame); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()

	select {
	case reply, ok := <-c.replies:
		if !ok {
			return nil, ErrClosed
		}
		var env struct {
			Type   string `json:"type"`
			Error  string `json:"error"`
			Detail string `json:"detail"`
		}
		if err := json.Unmarshal(reply, &env); err != nil {
			return nil, fmt.Errorf("decode reply: %w", err)
		}
		if env.Type == hub.FrameError {
			if env.Detail != "" {
				return nil, fmt.Errorf("%s: %s", env.Error, env.Detail)
			}
			return nil, errors.New(env.Error)
		}
		return reply, nil
	case <-timer.C:
		return nil, fmt.Errorf("request timed out after %s", c.requestTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

func (c *Client) write(ctx context.Context, frame map[string]any) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	return writeJSON(ctx, c.conn, frame)
}

// readLoop classifies inbound frames: pushed events go to the events
// channel, everything else is a reply to the in-flight request.
func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.events)
	defer close(c.replies)

	ctx := context.Background()
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 {
				slog.Debug("Client read loop ended", "error", err)
			}
			return
		}

		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("Client received unparseable frame", "error", err)
			continue
		}

		switch env.Type {
		case hub.FrameNewMessage:
			var msg hub.NewMessageEvent
			if err := json.Unmarshal(data, &msg); err != nil {
				slog.Warn("Client received malformed new_message", "error", err)
				continue
			}
			c.emit(Event{Type: env.Type, Message: &msg, Raw: data})

		case hub.FrameLivenessChallenge:
			if c.autoAck {
				ackCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				if err := writeJSON(ackCtx, c.conn, map[string]any{"type": hub.FrameLivenessAck}); err != nil {
					slog.Warn("Client failed to ack liveness challenge", "error", err)
				}
				cancel()
			}
			c.emit(Event{Type: env.Type, Raw: data})

		case hub.FrameSleeping:
			c.emit(Event{Type: env.Type, Raw: data})

		default:
			select {
			case c.replies <- json.RawMessage(data):
			default:
				slog.Warn("Client dropped unexpected reply frame", "type", env.Type)
			}
		}
	}
}

// emit drops events when the consumer is not keeping up; missed
// messages remain retrievable from the store.
func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		slog.Warn("Client event buffer full, event dropped", "type", ev.Type)
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
