// ABOUTME: In-memory fan-out event broadcaster for engine events
// ABOUTME: Each subscriber has an ordered queue; only token events are ever dropped

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber, and
	// the number of token events queued behind it before tokens are dropped.
	subscriberBufferSize = 64

	// AllChats subscribes to events of every chat.
	AllChats = "*"
)

// droppable reports whether an event may be skipped for a slow subscriber.
// Only tokens may; the final email carries the full text.
func droppable(t EventType) bool {
	return t == EventToken
}

// subscription queues events in publish order and forwards them to ch.
type subscription struct {
	key  string
	ch   chan *Event
	wake chan struct{}
	done chan struct{} // closed when the subscription ends
	stop sync.Once

	mu     sync.Mutex
	queue  []*Event
	tokens int // token events in queue
}

func newSubscription(key string) *subscription {
	return &subscription{
		key:  key,
		ch:   make(chan *Event, subscriberBufferSize),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// push queues event without blocking. It reports false when event was a
// token dropped because the subscriber already has a full token backlog.
func (s *subscription) push(event *Event) bool {
	s.mu.Lock()
	if droppable(event.Type) {
		if s.tokens >= subscriberBufferSize {
			s.mu.Unlock()
			return false
		}
		s.tokens++
	}
	s.queue = append(s.queue, event)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *subscription) pop() (*Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return nil, false
	}
	event := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	if droppable(event.Type) {
		s.tokens--
	}
	return event, true
}

// forward moves queued events to ch until the subscription ends, then
// closes ch. Events still queued at that point are discarded.
func (s *subscription) forward() {
	defer close(s.ch)
	for {
		event, ok := s.pop()
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		select {
		case s.ch <- event:
		case <-s.done:
			return
		}
	}
}

func (s *subscription) end() {
	s.stop.Do(func() { close(s.done) })
}

// EventBroadcaster provides in-memory pub/sub for engine events.
// Subscribers register for a chat id, or AllChats, and receive events as
// they are published.
type EventBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]*subscription // key -> subID -> sub
	bySubID     map[string]*subscription
	closed      bool
	logger      *slog.Logger
}

// NewEventBroadcaster creates a broadcaster. Pass nil logger for default.
func NewEventBroadcaster(logger *slog.Logger) *EventBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBroadcaster{
		subscribers: make(map[string]map[string]*subscription),
		bySubID:     make(map[string]*subscription),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for events on key (a chat id or
// AllChats). Returns a channel that receives events and a subscription ID
// for later unsubscription. The subscription is automatically cleaned up
// when ctx is cancelled. Subscribing to a closed broadcaster returns a
// closed channel.
func (b *EventBroadcaster) Subscribe(ctx context.Context, key string) (<-chan *Event, string) {
	subID := uuid.New().String()
	sub := newSubscription(key)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, subID
	}
	if _, ok := b.subscribers[key]; !ok {
		b.subscribers[key] = make(map[string]*subscription)
	}
	b.subscribers[key][subID] = sub
	b.bySubID[subID] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "key", key, "sub_id", subID)

	go sub.forward()
	go func() {
		select {
		case <-ctx.Done():
			b.Unsubscribe(subID)
		case <-sub.done:
		}
	}()

	return sub.ch, subID
}

// Publish queues an event for subscribers of its chat and for AllChats
// subscribers. It never blocks. Token events are dropped for a subscriber
// that already has a full token backlog; every other event is kept.
func (b *EventBroadcaster) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers[event.ChatID] {
		b.push(sub, event)
	}
	if event.ChatID != AllChats {
		for _, sub := range b.subscribers[AllChats] {
			b.push(sub, event)
		}
	}
}

func (b *EventBroadcaster) push(sub *subscription, event *Event) {
	if !sub.push(event) {
		b.logger.Debug("dropped event for slow subscriber",
			"chat_id", event.ChatID,
			"type", event.Type)
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *EventBroadcaster) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.bySubID[subID]
	if !ok {
		return
	}
	delete(b.bySubID, subID)

	subs := b.subscribers[sub.key]
	delete(subs, subID)
	if len(subs) == 0 {
		delete(b.subscribers, sub.key)
	}
	sub.end()

	b.logger.Debug("subscriber removed", "key", sub.key, "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *EventBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for subID, sub := range b.bySubID {
		sub.end()
		delete(b.bySubID, subID)
	}
	clear(b.subscribers)

	b.logger.Debug("broadcaster closed")
}
