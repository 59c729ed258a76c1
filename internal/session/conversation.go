// ABOUTME: Conversation is a read-through view of one chat held by a Store
// ABOUTME: Every accessor reads the Store so the view never goes stale

package session

import "github.com/2389/muse/internal/email"

// Conversation is the working view of one chat. A view over a deleted chat
// reports an empty history, no email and zero cost.
type Conversation struct {
	store  *Store
	chatID string
}

// ChatID returns the id of the chat this view reads.
func (c *Conversation) ChatID() string {
	return c.chatID
}

// Exists reports whether the chat is still in the store.
func (c *Conversation) Exists() bool {
	return c.store.with(c.chatID, func(*Chat) {})
}

// History returns a copy of the conversation history.
func (c *Conversation) History() []Turn {
	var out []Turn
	c.store.with(c.chatID, func(chat *Chat) {
		out = make([]Turn, len(chat.ConversationHistory))
		for i, t := range chat.ConversationHistory {
			out[i] = t.clone()
		}
	})
	return out
}

// CurrentEmail returns a copy of the latest email, or nil.
func (c *Conversation) CurrentEmail() *email.Email {
	var out *email.Email
	c.store.with(c.chatID, func(chat *Chat) {
		out = chat.CurrentEmail.Clone()
	})
	return out
}

// HasActiveEmail reports whether the chat has an email to refine.
func (c *Conversation) HasActiveEmail() bool {
	has := false
	c.store.with(c.chatID, func(chat *Chat) {
		has = chat.CurrentEmail != nil
	})
	return has
}

// Cost returns the chat's accumulated cost.
func (c *Conversation) Cost() float64 {
	var cost float64
	c.store.with(c.chatID, func(chat *Chat) {
		cost = chat.Cost
	})
	return cost
}

// EmailCount returns how many emails the chat has produced.
func (c *Conversation) EmailCount() int {
	var n int
	c.store.with(c.chatID, func(chat *Chat) {
		n = chat.EmailCount
	})
	return n
}
