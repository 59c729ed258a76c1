// ABOUTME: Error taxonomy for service calls: ServiceError and TransportError
// ABOUTME: Extracts human-readable detail from error bodies with a generic fallback

package transport

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ServiceError is a non-success or malformed response from the service. Its
// Message is meant to be shown to the user verbatim.
type ServiceError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *ServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("service error (status %d): %s", e.StatusCode, e.Message)
	}
	return "service error: " + e.Message
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// TransportError is a network or stream failure.
type TransportError struct {
	Op  string // "generate", "refine", "evaluate", "models", "health", "stream"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error [%s]: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// UserMessage is the generic text shown for transport failures.
const UserMessage = "Could not reach the email service. Please try again."

// errorBody covers the error shapes the service produces: {"detail": "..."},
// validation errors {"detail": [{"msg": "..."}]} and {"error": "..."}.
type errorBody struct {
	Detail json.RawMessage `json:"detail"`
	Error  string          `json:"error"`
}

type validationIssue struct {
	Msg string `json:"msg"`
}

// detailMessage extracts the human-readable message from an error body.
func detailMessage(body []byte, fallback string) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return fallback
	}

	if len(eb.Detail) > 0 {
		var s string
		if err := json.Unmarshal(eb.Detail, &s); err == nil && s != "" {
			return s
		}
		var issues []validationIssue
		if err := json.Unmarshal(eb.Detail, &issues); err == nil {
			msgs := make([]string, 0, len(issues))
			for _, issue := range issues {
				if issue.Msg != "" {
					msgs = append(msgs, issue.Msg)
				}
			}
			if len(msgs) > 0 {
				return strings.Join(msgs, "; ")
			}
		}
	}

	if eb.Error != "" {
		return eb.Error
	}
	return fallback
}
