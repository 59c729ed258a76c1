// ABOUTME: Sentinel errors of the engine and their user-facing messages
// ABOUTME: UserMessage maps transport, storage and engine failures to display text

package conversation

import (
	"errors"

	"github.com/2389/muse/internal/session"
	"github.com/2389/muse/internal/transport"
)

var (
	// ErrBusy is returned when the chat already has a request in flight.
	ErrBusy = errors.New("chat has a request in flight")

	// ErrEmptyMessage is returned for a blank submission.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrUnknownModel is returned when selecting a model not in the catalog.
	ErrUnknownModel = errors.New("unknown model")

	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("engine is closed")

	// ErrNoEmail is returned by Evaluate when the active chat has no email.
	ErrNoEmail = errors.New("no email to evaluate")

	// ErrEmptyReply is returned when a stream completes without any text.
	ErrEmptyReply = errors.New("the email service returned an empty response")
)

// UserMessage returns the text a host should show for a failed submission.
func UserMessage(err error) string {
	var svcErr *transport.ServiceError
	var tErr *transport.TransportError
	var storageErr *session.StorageError

	switch {
	case err == nil:
		return ""
	case transport.IsCanceled(err):
		return "Request canceled."
	case errors.As(err, &svcErr):
		return svcErr.Message
	case errors.As(err, &tErr):
		return transport.UserMessage
	case errors.As(err, &storageErr):
		return "Could not save the conversation. Your last email was not kept."
	case errors.Is(err, session.ErrChatNotFound):
		return "That chat no longer exists."
	case errors.Is(err, ErrNoEmail):
		return "No email to evaluate."
	case errors.Is(err, ErrEmptyReply):
		return "The email service returned an empty response. Please try again."
	default:
		return err.Error()
	}
}
