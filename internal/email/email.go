// ABOUTME: Email artifact produced by generation/refinement and its usage accounting
// ABOUTME: Parse extracts subject/body from raw generated text; Format renders the canonical form

package email

import (
	"strings"
)

// Usage reports token consumption and cost for one service call.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost"`
}

// Email is the structured subject/body result of a generation or refinement.
type Email struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
	Usage   *Usage `json:"usage,omitempty"`
}

// Cost returns the reported usage cost, or zero when the service sent none.
func (e *Email) Cost() float64 {
	if e == nil || e.Usage == nil {
		return 0
	}
	return e.Usage.Cost
}

// Clone returns a deep copy.
func (e *Email) Clone() *Email {
	if e == nil {
		return nil
	}
	c := *e
	if e.Usage != nil {
		u := *e.Usage
		c.Usage = &u
	}
	return &c
}

const subjectPrefix = "subject:"

// Parse extracts the subject and body from raw generated text.
func Parse(raw string) Email {
	firstLine, rest, hasRest := strings.Cut(raw, "\n")
	firstLine = strings.TrimSuffix(firstLine, "\r")

	// Strict form: "Subject: x" then a blank line.
	if strings.HasPrefix(firstLine, "Subject: ") && hasRest {
		blank, body, _ := strings.Cut(rest, "\n")
		if strings.TrimSpace(blank) == "" {
			return Email{
				Subject: strings.TrimSpace(firstLine[len("Subject: "):]),
				Body:    body,
			}
		}
	}

	// Loose form: any-case "subject:" prefix on the first line. The subject
	// is trimmed as in the strict form.
	if strings.HasPrefix(strings.ToLower(firstLine), subjectPrefix) {
		return Email{
			Subject: strings.TrimSpace(firstLine[len(subjectPrefix):]),
			Body:    trimLeadingBlankLines(rest),
		}
	}

	return Email{Body: raw}
}

// trimLeadingBlankLines drops whole lines at the start of s that contain
// only whitespace.
func trimLeadingBlankLines(s string) string {
	for s != "" {
		line, rest, found := strings.Cut(s, "\n")
		if strings.TrimSpace(line) != "" {
			return s
		}
		if !found {
			return ""
		}
		s = rest
	}
	return s
}

// Format renders subject and body the way the service expects assistant
// emails to appear in conversation history.
func Format(subject, body string) string {
	return "Subject: " + subject + "\n\n" + body
}
