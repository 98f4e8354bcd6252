package hub

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/agent-hub/internal/config"
	"github.com/ashureev/agent-hub/internal/domain"
)

// Relay delivers persisted messages as events to live subscribers. It
// is invoked only after the insert transaction commits. Appends are
// processed serially per conversation, so recipients observe events in
// message-id order; across conversations there is no ordering.
type Relay struct {
	reg           *Registry
	sendTimeout   time.Duration
	includeSender bool

	// done signals shutdown to dispatchers and workers. Queue channels
	// are never closed: a dispatch racing Close must not send on a
	// closed channel.
	done chan struct{}

	mu     sync.Mutex
	queues map[int64]chan *NewMessageEvent
	closed bool
	wg     sync.WaitGroup
}

// NewRelay creates a relay over the given registry.
func NewRelay(reg *Registry, cfg config.RelayConfig) *Relay {
	return &Relay{
		reg:           reg,
		sendTimeout:   cfg.SendTimeout,
		includeSender: cfg.IncludeSender,
		done:          make(chan struct{}),
		queues:        make(map[int64]chan *NewMessageEvent),
	}
}

// Dispatch schedules a committed message for delivery. Non-blocking for
// the caller up to the per-conversation queue depth. Dispatches racing
// a shutdown are dropped; missed messages remain retrievable from the
// store.
func (r *Relay) Dispatch(msg *domain.Message, senderName string) {
	event := &NewMessageEvent{
		Type:           FrameNewMessage,
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		SenderName:     senderName,
		MessageType:    string(msg.Kind),
		Content:        msg.Content,
		Metadata:       msg.Metadata,
		CreatedAt:      msg.CreatedAt,
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		slog.Warn("Relay dispatch after close dropped", "message_id", msg.ID)
		return
	}
	queue, ok := r.queues[msg.ConversationID]
	if !ok {
		queue = make(chan *NewMessageEvent, 256)
		r.queues[msg.ConversationID] = queue
		r.wg.Add(1)
		go r.run(msg.ConversationID, queue)
	}
	r.mu.Unlock()

	select {
	case queue <- event:
	case <-r.done:
		slog.Warn("Relay dispatch during shutdown dropped", "message_id", msg.ID)
	}
}

// run is the single dispatch worker for one conversation.
func (r *Relay) run(convID int64, queue chan *NewMessageEvent) {
	defer r.wg.Done()
	for {
		select {
		case event := <-queue:
			r.deliver(convID, event)
		case <-r.done:
			// Deliver what is already buffered, then stop.
			for {
				select {
				case event := <-queue:
					r.deliver(convID, event)
				default:
					return
				}
			}
		}
	}
}

func (r *Relay) deliver(convID int64, event *NewMessageEvent) {
	payload := marshalFrame(event)

	for _, sess := range r.reg.Subscribers(convID) {
		if !r.includeSender && sess.ProfileID == event.SenderID {
			continue
		}
		if sess.State() == domain.StateDead {
			continue
		}

		if err := sess.Send(payload, r.sendTimeout); err != nil {
			// A failed recipient never blocks, retries, or mutates
			// delivery to others.
			if errors.Is(err, ErrSendTimeout) {
				slog.Warn("Relay send timed out, transport flagged suspect",
					"session_id", sess.ID, "message_id", event.ID)
			} else {
				slog.Debug("Relay send to closed session skipped",
					"session_id", sess.ID, "message_id", event.ID)
			}
		}
	}
}

// Close stops accepting dispatches and waits for the per-conversation
// workers to drain their queues.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	close(r.done)
	r.wg.Wait()
}
