// ABOUTME: Wire types for generate/refine requests, model catalog, and history items
// ABOUTME: JSON field names follow the generation service's API

package transport

import (
	"github.com/2389/muse/internal/email"
	"github.com/2389/muse/internal/intent"
	"github.com/2389/muse/internal/stream"
)

// Mode selects how the service replies.
type Mode string

const (
	ModeBatch  Mode = "batch"
	ModeStream Mode = "stream"
)

// HistoryMessage is one prior turn sent as request context.
type HistoryMessage struct {
	Role         string  `json:"role"`
	Content      string  `json:"content"`
	EmailSubject *string `json:"email_subject,omitempty"`
	EmailBody    *string `json:"email_body,omitempty"`
}

// GenerateRequest asks the service for a new email.
type GenerateRequest struct {
	Purpose intent.Purpose   `json:"purpose"`
	Details string           `json:"details"`
	Length  intent.Length    `json:"length"`
	Tone    intent.Tone      `json:"tone"`
	Model   string           `json:"model,omitempty"`
	History []HistoryMessage `json:"history"`
}

// RefineRequest asks the service to amend an existing email.
type RefineRequest struct {
	OriginalSubject string           `json:"original_subject"`
	OriginalBody    string           `json:"original_body"`
	Feedback        string           `json:"feedback"`
	Model           string           `json:"model,omitempty"`
	History         []HistoryMessage `json:"history"`
}

// Reply is the result of a generate or refine call. Exactly one field is set,
// depending on the client mode.
type Reply struct {
	Email  *email.Email
	Stream *stream.Stream
}

// Model is one entry of the model catalog.
type Model struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Provider string `json:"provider,omitempty"`
}

// Catalog is the service's model list and its default model id.
type Catalog struct {
	Models  []Model `json:"models"`
	Default string  `json:"default"`
	Source  string  `json:"source,omitempty"`
}

// Lookup returns the model with the given id.
func (c *Catalog) Lookup(id string) (Model, bool) {
	if c == nil {
		return Model{}, false
	}
	for _, m := range c.Models {
		if m.ID == id {
			return m, true
		}
	}
	return Model{}, false
}
