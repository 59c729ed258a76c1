// ABOUTME: Evaluate scores the active chat's current email through the service
// ABOUTME: The call takes the chat's request slot and adds its cost to the chat

package conversation

import (
	"context"
	"time"

	"github.com/2389/muse/internal/intent"
	"github.com/2389/muse/internal/session"
	"github.com/2389/muse/internal/transport"
)

// Evaluate scores the current email of the active chat. It fails with
// ErrNoEmail when there is none, and ErrBusy while the chat has a request in
// flight. The evaluation is published as an EventEvaluation; failures are
// published as an EventError.
func (s *Service) Evaluate(ctx context.Context) (*transport.Evaluation, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	chatID := s.sessions.ActiveChatID()
	current := s.sessions.Conversation(chatID).CurrentEmail()
	if chatID == "" || current == nil {
		s.mu.Unlock()
		return nil, ErrNoEmail
	}
	if _, busy := s.inflight[chatID]; busy {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	reqCtx, release := s.trackLocked(ctx, chatID)
	tone := s.defaultTone
	s.mu.Unlock()
	defer release()

	original := originalRequest(s.sessions.Conversation(chatID).History())
	req := transport.EvaluateRequest{
		Subject:         current.Subject,
		Body:            current.Body,
		Purpose:         intent.DetectPurpose(original),
		Tone:            tone,
		Length:          intent.DetectLength(original),
		OriginalRequest: original,
		Model:           s.resolveModel(""),
	}

	s.logger.Debug("evaluating", "chat_id", chatID, "purpose", req.Purpose, "model", req.Model)

	eval, err := s.client.Evaluate(reqCtx, req)
	if err != nil {
		if transport.IsCanceled(err) {
			s.logger.Info("evaluation canceled", "chat_id", chatID)
		} else {
			s.logger.Warn("evaluation failed", "chat_id", chatID, "error", err)
		}
		s.publishError(chatID, "", err)
		return nil, err
	}

	if cost := eval.Cost(); cost > 0 {
		persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		if err := s.sessions.AccumulateCost(persistCtx, chatID, cost); err != nil {
			s.logger.Warn("recording evaluation cost", "chat_id", chatID, "error", err)
		}
	}

	s.events.Publish(&Event{
		Type:       EventEvaluation,
		ChatID:     chatID,
		Active:     s.isActive(chatID),
		Time:       time.Now(),
		Cost:       s.sessions.Conversation(chatID).Cost(),
		Evaluation: eval,
	})

	s.logger.Info("email evaluated",
		"chat_id", chatID,
		"overall_score", eval.OverallScore,
		"pass", eval.PassThreshold)

	return eval, nil
}

// originalRequest returns the last user message that precedes the newest
// email turn.
func originalRequest(history []session.Turn) string {
	seenEmail := false
	for i := len(history) - 1; i >= 0; i-- {
		t := history[i]
		if t.HasEmail() {
			seenEmail = true
			continue
		}
		if seenEmail && t.Role == session.RoleUser {
			return t.Content
		}
	}
	return ""
}
