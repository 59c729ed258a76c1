// Package conversation provides the composition engine that chat hosts
// drive.
//
// # Overview
//
// The conversation package sits between a host (the CLI REPL, a test, any
// embedding UI) and the email service client. It owns the rules that turn a
// typed message into a service call and a recorded round.
//
// # Service
//
// The Service coordinates engine operations:
//
//	svc := conversation.New(sessions, client, logger)
//	defer svc.Close()
//
// Key operations:
//
//   - Submit(ctx, sub): Route a message to generate or refine and record the reply
//   - Evaluate(ctx): Score the active chat's current email
//   - Cancel(chatID): Abort the chat's in-flight request
//   - LoadModels(ctx) / SelectModel(id): Fetch the catalog once, pick a model
//   - SwitchChat(id) / DeleteChat(ctx, id) / StartNewConversation()
//
// # Submissions
//
// When a message arrives:
//
//  1. Resolve the active chat, creating one when none is active
//  2. Reject with ErrBusy if that chat already has a request in flight
//  3. Classify the message as a generation or a refinement
//  4. Send it with the chat's prior history as context
//  5. Record the user message and the email in one session write
//
// A failed request records nothing; the failure is published instead.
//
// # Event Broadcasting
//
// The service broadcasts events for real-time updates:
//
//	ch, subID := svc.Subscribe(ctx)
//
// Events include:
//   - Token: A streamed fragment and the text so far
//   - Email: A recorded email
//   - Error: A failed request, with a message fit for display
//   - Evaluation: Quality scores of the current email
//   - ChatCreated, ChatSwitched, ChatDeleted
//
// Publishing never blocks. Tokens may be dropped for a subscriber that falls
// far behind; every other event is delivered in order.
//
// Each event carries its chat id and whether that chat was active when the
// event was published, so hosts can ignore or badge background results.
package conversation
