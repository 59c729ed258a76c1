// ABOUTME: Chat and Turn types with deep-copy helpers and title derivation
// ABOUTME: A turn carries an email only when both subject and body are set

package session

import (
	"errors"
	"strings"
	"time"

	"github.com/2389/muse/internal/email"
)

var (
	// ErrChatNotFound is returned when no chat has the requested id.
	ErrChatNotFound = errors.New("chat not found")

	// ErrNegativeCost is returned when a cost delta is below zero.
	ErrNegativeCost = errors.New("cost delta must not be negative")

	// ErrInvalidCost is returned when a cost delta is NaN or infinite.
	ErrInvalidCost = errors.New("cost delta must be a finite number")

	// ErrPartialEmail is returned for a turn with only one of subject/body.
	ErrPartialEmail = errors.New("turn must carry both email subject and body or neither")

	// ErrInvalidRole is returned for a turn whose role is not user or assistant.
	ErrInvalidRole = errors.New("turn role must be user or assistant")
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry of a chat's conversation history.
type Turn struct {
	Role         Role    `json:"role"`
	Content      string  `json:"content"`
	EmailSubject *string `json:"emailSubject,omitempty"`
	EmailBody    *string `json:"emailBody,omitempty"`
}

// UserTurn returns a turn for a user message.
func UserTurn(message string) Turn {
	return Turn{Role: RoleUser, Content: message}
}

// EmailTurn returns an assistant turn carrying e.
func EmailTurn(e email.Email) Turn {
	subject, body := e.Subject, e.Body
	return Turn{
		Role:         RoleAssistant,
		Content:      email.Format(subject, body),
		EmailSubject: &subject,
		EmailBody:    &body,
	}
}

// HasEmail reports whether the turn produced an email.
func (t Turn) HasEmail() bool {
	return t.EmailSubject != nil && t.EmailBody != nil
}

// Email returns the email carried by the turn.
func (t Turn) Email() (email.Email, bool) {
	if !t.HasEmail() {
		return email.Email{}, false
	}
	return email.Email{Subject: *t.EmailSubject, Body: *t.EmailBody}, true
}

func (t Turn) validate() error {
	if t.Role != RoleUser && t.Role != RoleAssistant {
		return ErrInvalidRole
	}
	if (t.EmailSubject == nil) != (t.EmailBody == nil) {
		return ErrPartialEmail
	}
	return nil
}

func (t Turn) clone() Turn {
	c := t
	if t.EmailSubject != nil {
		s := *t.EmailSubject
		c.EmailSubject = &s
	}
	if t.EmailBody != nil {
		b := *t.EmailBody
		c.EmailBody = &b
	}
	return c
}

// Chat is one conversation: its history, the latest email and running cost.
type Chat struct {
	ID                  string       `json:"id"`
	Title               string       `json:"title"`
	CreatedAt           time.Time    `json:"createdAt"`
	ConversationHistory []Turn       `json:"conversationHistory"`
	CurrentEmail        *email.Email `json:"currentEmail,omitempty"`
	Cost                float64      `json:"cost"`
	EmailCount          int          `json:"emailCount"`
}

// Clone returns a deep copy.
func (c *Chat) Clone() *Chat {
	if c == nil {
		return nil
	}
	out := *c
	out.ConversationHistory = make([]Turn, len(c.ConversationHistory))
	for i, t := range c.ConversationHistory {
		out.ConversationHistory[i] = t.clone()
	}
	out.CurrentEmail = c.CurrentEmail.Clone()
	return &out
}

// countEmails counts the email-carrying turns of history.
func countEmails(history []Turn) int {
	n := 0
	for _, t := range history {
		if t.EmailSubject != nil {
			n++
		}
	}
	return n
}

const (
	titleMaxRunes = 40
	defaultTitle  = "New email"
)

// Title derives a chat title from its first message.
func Title(firstMessage string) string {
	title := strings.Join(strings.Fields(firstMessage), " ")
	if title == "" {
		return defaultTitle
	}
	runes := []rune(title)
	if len(runes) > titleMaxRunes {
		return strings.TrimSpace(string(runes[:titleMaxRunes])) + "..."
	}
	return title
}
