// Package hub fans committed operations and presence changes out to the
// transport subscribers of each document. It is strictly in-process and
// retains nothing: a subscriber that misses events catches up through the
// sync read path.
package hub

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"coedit/internal/ledger"
	"coedit/internal/ot"
)

// EventType names the fan-out event kinds. The values double as the action
// header on outbound WebSocket frames.
type EventType string

const (
	EventOpCommitted EventType = "updateAction"
	EventUserJoined  EventType = "addUser"
	EventUserLeft    EventType = "removeUser"
)

// Event is one fan-out notification for a document.
type Event struct {
	Type  EventType
	DocID string

	// Action is set for EventOpCommitted.
	Action *ot.ActionInfo

	// Users is the full user list, set for EventUserJoined.
	Users []ledger.SessionRecord

	// SessionID is the departing session, set for EventUserLeft.
	SessionID string
}

// SubscriberFunc receives events for a subscribed document. Delivery runs on
// the publisher's goroutine; subscribers must hand off quickly.
type SubscriberFunc func(event Event) error

// Hub is an in-process publish/subscribe keyed by document id.
type Hub struct {
	// subscribers is a map of document id to a map of subscriber id to
	// subscriber.
	subscribers map[string]map[string]SubscriberFunc

	// mutex protects the subscribers map; it is taken for writing only on
	// connect and disconnect.
	mutex sync.RWMutex

	// closed indicates whether the hub has been closed.
	closed bool

	logger *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		subscribers: make(map[string]map[string]SubscriberFunc),
		logger:      logger,
	}
}

// Subscribe registers a subscriber for a document.
func (h *Hub) Subscribe(docID, subscriberID string, fn SubscriberFunc) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.closed {
		return fmt.Errorf("hub is closed")
	}
	if _, ok := h.subscribers[docID]; !ok {
		h.subscribers[docID] = make(map[string]SubscriberFunc)
	}
	h.subscribers[docID][subscriberID] = fn
	return nil
}

// Unsubscribe removes a subscriber from a document.
func (h *Hub) Unsubscribe(docID, subscriberID string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	subs, ok := h.subscribers[docID]
	if !ok {
		return
	}
	delete(subs, subscriberID)
	if len(subs) == 0 {
		delete(h.subscribers, docID)
	}
}

// PublishOp fans a committed operation out to the document's subscribers.
func (h *Hub) PublishOp(docID string, action ot.ActionInfo) {
	h.publish(Event{Type: EventOpCommitted, DocID: docID, Action: &action})
}

// PublishJoin fans the updated user list out after a session joins.
func (h *Hub) PublishJoin(docID string, users []ledger.SessionRecord) {
	h.publish(Event{Type: EventUserJoined, DocID: docID, Users: users})
}

// PublishLeave fans a departing session id out.
func (h *Hub) PublishLeave(docID string, sessionID string) {
	h.publish(Event{Type: EventUserLeft, DocID: docID, SessionID: sessionID})
}

// publish delivers to every subscriber of the event's document, continuing
// past individual subscriber errors.
func (h *Hub) publish(event Event) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if h.closed {
		return
	}
	for id, fn := range h.subscribers[event.DocID] {
		if err := fn(event); err != nil {
			h.logger.Warn("Failed to deliver event to subscriber",
				zap.String("document_id", event.DocID),
				zap.String("subscriber_id", id),
				zap.String("event_type", string(event.Type)),
				zap.Error(err))
		}
	}
}

// Close stops delivery and drops all subscribers.
func (h *Hub) Close() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.closed = true
	h.subscribers = make(map[string]map[string]SubscriberFunc)
}
