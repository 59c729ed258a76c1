// ABOUTME: Event types published by the engine to hosts
// ABOUTME: Every event names its chat and whether that chat was active at publish time

package conversation

import (
	"time"

	"github.com/2389/muse/internal/email"
	"github.com/2389/muse/internal/intent"
	"github.com/2389/muse/internal/session"
	"github.com/2389/muse/internal/transport"
)

// EventType identifies what an Event reports.
type EventType string

const (
	EventToken        EventType = "token"
	EventEmail        EventType = "email"
	EventError        EventType = "error"
	EventChatCreated  EventType = "chat_created"
	EventChatSwitched EventType = "chat_switched"
	EventChatDeleted  EventType = "chat_deleted"
	EventEvaluation   EventType = "evaluation"
)

// Event is one engine notification.
type Event struct {
	Type   EventType
	ChatID string
	// Active reports whether ChatID was the active chat when the event was
	// published. Results of a background chat arrive with Active false.
	Active bool
	Time   time.Time

	// EventToken
	Token       string
	Accumulated string
	Partial     *email.Email

	// EventEmail
	Email      *email.Email
	Intent     intent.Intent
	EmailCount int
	Cost       float64

	// EventError
	Role    session.Role
	Message string
	Err     error

	// EventChatCreated
	Title string

	// EventEvaluation; Cost carries the chat's total after the call.
	Evaluation *transport.Evaluation
}
