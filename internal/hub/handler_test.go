package hub_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/agent-hub/internal/client"
	"github.com/ashureev/agent-hub/internal/config"
	"github.com/ashureev/agent-hub/internal/domain"
	"github.com/ashureev/agent-hub/internal/hub"
	"github.com/ashureev/agent-hub/internal/store"
	"github.com/coder/websocket"
)

type testHub struct {
	repo  store.Repository
	reg   *hub.Registry
	srv   *httptest.Server
	wsURL string
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "hub.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	cfg := &config.Config{
		Host:   "127.0.0.1",
		Port:   "0",
		DBPath: "unused",
		Liveness: config.LivenessConfig{
			StaleTimeout:  15 * time.Minute,
			GracePeriod:   2 * time.Minute,
			MaxSleepTime:  60 * time.Minute,
			CheckInterval: time.Minute,
		},
		Relay: config.RelayConfig{
			SendTimeout:   time.Second,
			OutboundQueue: 64,
		},
	}

	reg := hub.NewRegistry()
	relay := hub.NewRelay(reg, cfg.Relay)
	srv := httptest.NewServer(hub.NewWSHandler(repo, reg, relay, cfg))
	t.Cleanup(func() {
		srv.Close()
		relay.Close()
		repo.Close()
	})

	return &testHub{
		repo:  repo,
		reg:   reg,
		srv:   srv,
		wsURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (h *testHub) conversation(t *testing.T, title string) int64 {
	t.Helper()
	conv, err := h.repo.CreateConversation(context.Background(), title, "hub")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return conv.ID
}

func (h *testHub) connect(t *testing.T, aiID int64, name string) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := client.Connect(ctx, h.wsURL, client.Options{
		AIID:           aiID,
		AIName:         name,
		RequestTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("connect as %s: %v", name, err)
	}
	t.Cleanup(func() { c.Disconnect() })
	return c
}

func waitForEvent(t *testing.T, c *client.Client, frameType string) client.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				t.Fatal("event channel closed")
			}
			if ev.Type == frameType {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event within deadline", frameType)
		}
	}
}

func TestTwoAgentMessageRelay(t *testing.T) {
	h := newTestHub(t)
	convID := h.conversation(t, "standup")
	ctx := context.Background()

	alice := h.connect(t, 2, "Alice")
	bob := h.connect(t, 3, "Bob")

	if err := bob.Subscribe(ctx, convID); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	msgID, err := alice.Send(ctx, convID, "message", "morning update", map[string]any{"topic": "standup"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msgID == 0 {
		t.Fatal("message id not assigned")
	}

	ev := waitForEvent(t, bob, hub.FrameNewMessage)
	if ev.Message == nil {
		t.Fatal("event carries no message")
	}
	if ev.Message.ID != msgID || ev.Message.SenderID != 2 || ev.Message.SenderName != "Alice" {
		t.Errorf("event = %+v", ev.Message)
	}
	if ev.Message.Content != "morning update" {
		t.Errorf("content = %q", ev.Message.Content)
	}

	// The sender's own session never receives its relayed copy.
	select {
	case ev := <-alice.Events():
		t.Errorf("sender received %s event", ev.Type)
	case <-time.After(200 * time.Millisecond):
	}

	// The message is durable and replayable.
	msgs, err := h.repo.ListMessages(ctx, convID, 0, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "morning update" {
		t.Errorf("stored messages = %+v", msgs)
	}
}

func TestSendToUnknownConversation(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	alice := h.connect(t, 2, "Alice")
	_, err := alice.Send(ctx, 999, "message", "into the void", nil)
	if err == nil {
		t.Fatal("send to missing conversation succeeded")
	}
	if !strings.Contains(err.Error(), string(domain.CodeUnknownConversation)) {
		t.Errorf("error = %v, want %s", err, domain.CodeUnknownConversation)
	}

	// The connection survives the error.
	if _, err := alice.ListOnline(ctx); err != nil {
		t.Fatalf("list online after error: %v", err)
	}
}

func TestSendMessageLengthCountsRunes(t *testing.T) {
	h := newTestHub(t)
	convID := h.conversation(t, "lengths")
	ctx := context.Background()

	alice := h.connect(t, 2, "Alice")

	// 4000 CJK runes are 12000 bytes; only the rune count is bounded.
	wide := strings.Repeat("界", 4000)
	if _, err := alice.Send(ctx, convID, "message", wide, nil); err != nil {
		t.Fatalf("multibyte content under the rune limit rejected: %v", err)
	}

	over := strings.Repeat("a", domain.MaxMessageLength+1)
	_, err := alice.Send(ctx, convID, "message", over, nil)
	if err == nil {
		t.Fatal("content over the rune limit accepted")
	}
	if !strings.Contains(err.Error(), string(domain.CodeValidationFailed)) {
		t.Errorf("error = %v, want %s", err, domain.CodeValidationFailed)
	}
}

func TestWhoAmIListsSiblings(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	first := h.connect(t, 2, "Alice")
	second := h.connect(t, 2, "Alice")

	id, name, sessionID, siblings, err := second.WhoAmI(ctx)
	if err != nil {
		t.Fatalf("who_am_i: %v", err)
	}
	if id != 2 || name != "Alice" {
		t.Errorf("identity = %d %q", id, name)
	}
	if sessionID != second.SessionID() {
		t.Errorf("session_id = %q, want %q", sessionID, second.SessionID())
	}
	if len(siblings) != 1 || siblings[0] != first.SessionID() {
		t.Errorf("siblings = %v, want [%s]", siblings, first.SessionID())
	}
}

func TestListOnlineSeesBothAgents(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	h.connect(t, 2, "Alice")
	bob := h.connect(t, 3, "Bob")

	users, err := bob.ListOnline(ctx)
	if err != nil {
		t.Fatalf("list online: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("online count = %d, want 2", len(users))
	}
	names := map[int64]string{}
	for _, u := range users {
		names[u.ID] = u.Name
	}
	if names[2] != "Alice" || names[3] != "Bob" {
		t.Errorf("online users = %v", names)
	}
}

// rawConn drives the wire protocol directly for frames the client
// library does not surface.
type rawConn struct {
	conn *websocket.Conn
	ctx  context.Context
}

func dialRaw(t *testing.T, wsURL string, aiID int64, name string) *rawConn {
	t.Helper()
	ctx := context.Background()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "test done") })

	rc := &rawConn{conn: conn, ctx: ctx}
	rc.write(t, map[string]any{"ai_id": aiID, "ai_name": name})
	if reply := rc.read(t); reply["type"] != hub.FrameConnected {
		t.Fatalf("auth reply = %v", reply)
	}
	return rc
}

func (rc *rawConn) write(t *testing.T, frame map[string]any) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	ctx, cancel := context.WithTimeout(rc.ctx, 5*time.Second)
	defer cancel()
	if err := rc.conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func (rc *rawConn) read(t *testing.T) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(rc.ctx, 5*time.Second)
	defer cancel()
	_, data, err := rc.conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal frame %q: %v", data, err)
	}
	return frame
}

func TestDuplicateAuthIsRejectedWithoutDisconnect(t *testing.T) {
	h := newTestHub(t)
	rc := dialRaw(t, h.wsURL, 2, "Alice")

	rc.write(t, map[string]any{"ai_id": 2, "ai_name": "Mallory"})
	reply := rc.read(t)
	if reply["type"] != hub.FrameError || reply["error"] != string(domain.CodeAuthRequired) {
		t.Fatalf("duplicate auth reply = %v", reply)
	}

	// No profile write happened.
	p, err := h.repo.GetProfile(context.Background(), 2)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if p.Name != "Alice" {
		t.Errorf("profile name = %q after duplicate auth", p.Name)
	}

	// The session is still serviceable.
	rc.write(t, map[string]any{"type": hub.FrameWhoAmI})
	if reply := rc.read(t); reply["type"] != hub.FrameIdentity {
		t.Errorf("who_am_i reply = %v", reply)
	}
}

func TestAuthRejectsBadFirstFrame(t *testing.T) {
	tests := []struct {
		name     string
		frame    map[string]any
		wantCode domain.ErrorCode
	}{
		{"zero id", map[string]any{"ai_id": 0, "ai_name": "Nobody"}, domain.CodeMalformedAuth},
		{"non-auth frame", map[string]any{"type": hub.FrameSendMessage, "content": "hi"}, domain.CodeAuthRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHub(t)
			ctx := context.Background()

			conn, _, err := websocket.Dial(ctx, h.wsURL, nil)
			if err != nil {
				t.Fatalf("dial: %v", err)
			}
			defer conn.Close(websocket.StatusNormalClosure, "test done")

			data, _ := json.Marshal(tt.frame)
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				t.Fatalf("write first frame: %v", err)
			}

			_, reply, err := conn.Read(ctx)
			if err != nil {
				t.Fatalf("read reply: %v", err)
			}
			var frame map[string]any
			if err := json.Unmarshal(reply, &frame); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if frame["type"] != hub.FrameError || frame["error"] != string(tt.wantCode) {
				t.Errorf("reply = %v, want error %s", frame, tt.wantCode)
			}
		})
	}
}

func TestBrainStateOverWire(t *testing.T) {
	h := newTestHub(t)
	rc := dialRaw(t, h.wsURL, 2, "Alice")

	rc.write(t, map[string]any{
		"type":         hub.FrameBrainStatePut,
		"current_task": "reviewing PR",
		"last_thought": "needs a test",
		"cycle_count":  3,
	})
	if reply := rc.read(t); reply["type"] != hub.FrameBrainStateSaved {
		t.Fatalf("put reply = %v", reply)
	}

	rc.write(t, map[string]any{"type": hub.FrameBrainStateGet})
	reply := rc.read(t)
	if reply["type"] != hub.FrameBrainState {
		t.Fatalf("get reply = %v", reply)
	}
	bs, ok := reply["brain_state"].(map[string]any)
	if !ok {
		t.Fatalf("brain_state = %v", reply["brain_state"])
	}
	if bs["current_task"] != "reviewing PR" || bs["cycle_count"] != float64(3) {
		t.Errorf("brain_state = %v", bs)
	}
}

func TestGetMessagesReplaysSinceID(t *testing.T) {
	h := newTestHub(t)
	convID := h.conversation(t, "history")
	ctx := context.Background()

	alice := h.connect(t, 2, "Alice")
	var ids []int64
	for _, content := range []string{"one", "two", "three"} {
		id, err := alice.Send(ctx, convID, "message", content, nil)
		if err != nil {
			t.Fatalf("send %q: %v", content, err)
		}
		ids = append(ids, id)
	}

	rc := dialRaw(t, h.wsURL, 3, "Bob")
	rc.write(t, map[string]any{
		"type":            hub.FrameGetMessages,
		"conversation_id": convID,
		"since_id":        ids[0],
	})
	reply := rc.read(t)
	if reply["type"] != hub.FrameMessages {
		t.Fatalf("reply = %v", reply)
	}
	msgs, ok := reply["messages"].([]any)
	if !ok || len(msgs) != 2 {
		t.Fatalf("messages = %v", reply["messages"])
	}

	rc.write(t, map[string]any{"type": hub.FrameGetMessages, "conversation_id": int64(999)})
	reply = rc.read(t)
	if reply["type"] != hub.FrameError || reply["error"] != string(domain.CodeUnknownConversation) {
		t.Errorf("missing conversation reply = %v", reply)
	}
}

func TestUnknownFrameTypeKeepsConnection(t *testing.T) {
	h := newTestHub(t)
	rc := dialRaw(t, h.wsURL, 2, "Alice")

	rc.write(t, map[string]any{"type": "do_a_flip"})
	reply := rc.read(t)
	if reply["type"] != hub.FrameError || reply["error"] != string(domain.CodeValidationFailed) {
		t.Fatalf("reply = %v", reply)
	}

	rc.write(t, map[string]any{"type": hub.FrameWhoAmI})
	if reply := rc.read(t); reply["type"] != hub.FrameIdentity {
		t.Errorf("who_am_i after unknown frame = %v", reply)
	}
}

func TestDisconnectFreesRegistrySlot(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	alice := h.connect(t, 2, "Alice")
	bob := h.connect(t, 3, "Bob")

	if err := alice.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		users, err := bob.ListOnline(ctx)
		if err != nil {
			t.Fatalf("list online: %v", err)
		}
		if len(users) == 1 && users[0].ID == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("departed agent still listed: %v", users)
		}
		time.Sleep(50 * time.Millisecond)
	}
}
