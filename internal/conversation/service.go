// ABOUTME: Service is the composition engine joining session state, intent and transport
// ABOUTME: One request per chat at a time; results persist first, then publish to subscribers

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/muse/internal/email"
	"github.com/2389/muse/internal/intent"
	"github.com/2389/muse/internal/session"
	"github.com/2389/muse/internal/stream"
	"github.com/2389/muse/internal/transport"
)

// persistTimeout bounds a session write after the reply has arrived.
const persistTimeout = 5 * time.Second

// Transport defines what the service needs from the email service client
type Transport interface {
	Generate(ctx context.Context, req transport.GenerateRequest) (*transport.Reply, error)
	Refine(ctx context.Context, req transport.RefineRequest) (*transport.Reply, error)
	Evaluate(ctx context.Context, req transport.EvaluateRequest) (*transport.Evaluation, error)
	Models(ctx context.Context) (*transport.Catalog, error)
}

// Service is the engine behind a chat host: it routes each message to a
// generation or a refinement, tracks in-flight requests per chat, and
// records successful rounds in the session store.
type Service struct {
	sessions *session.Store
	client   Transport
	events   *EventBroadcaster
	logger   *slog.Logger

	mu          sync.Mutex
	inflight    map[string]context.CancelFunc // chatID -> cancel
	catalog     *transport.Catalog
	model       string
	defaultTone intent.Tone
	closed      bool
	wg          sync.WaitGroup
}

// New creates a new Service
func New(sessions *session.Store, client Transport, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		sessions:    sessions,
		client:      client,
		events:      NewEventBroadcaster(logger),
		logger:      logger.With("component", "conversation"),
		inflight:    make(map[string]context.CancelFunc),
		defaultTone: intent.ToneProfessional,
	}
}

// SetDefaultTone sets the tone used when a submission names none.
func (s *Service) SetDefaultTone(tone intent.Tone) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tone != "" {
		s.defaultTone = tone
	}
}

// Submission is one user message handed to the engine.
type Submission struct {
	Message string

	// Intent forces generation or refinement. Empty means classify the
	// message. Refine without a current email is treated as Generate.
	Intent intent.Intent

	// Optional overrides for generation. Empty fields fall back to the
	// default tone, the detected purpose and length, and the selected model.
	Tone    intent.Tone
	Purpose intent.Purpose
	Length  intent.Length
	Model   string
}

// Result is a recorded round.
type Result struct {
	ChatID string
	Intent intent.Intent
	Email  email.Email
	Chat   *session.Chat
	Active bool
}

// Submit sends message to the active chat, creating a chat when none is
// active. It blocks until the reply is recorded or the request fails. A
// failed request is published as an EventError and leaves the chat history
// unchanged.
func (s *Service) Submit(ctx context.Context, sub Submission) (*Result, error) {
	message := strings.TrimSpace(sub.Message)
	if message == "" {
		return nil, ErrEmptyMessage
	}

	chatID, created, reqCtx, release, err := s.begin(ctx, message)
	switch {
	case errors.Is(err, errCreateChat):
		return nil, s.fail("", intent.Generate, err)
	case err != nil:
		return nil, err
	}
	defer release()

	if created != nil {
		s.events.Publish(&Event{
			Type:   EventChatCreated,
			ChatID: created.ID,
			Active: true,
			Time:   time.Now(),
			Title:  created.Title,
		})
	}

	conv := s.sessions.Conversation(chatID)
	current := conv.CurrentEmail()

	kind := sub.Intent
	if kind == "" {
		kind = intent.Classify(message, current != nil)
	}
	if kind == intent.Refine && current == nil {
		kind = intent.Generate
	}

	history := toHistory(conv.History())
	model := s.resolveModel(sub.Model)

	s.logger.Debug("dispatching",
		"chat_id", chatID,
		"intent", kind,
		"model", model,
		"history_len", len(history))

	var reply *transport.Reply
	switch kind {
	case intent.Refine:
		reply, err = s.client.Refine(reqCtx, transport.RefineRequest{
			OriginalSubject: current.Subject,
			OriginalBody:    current.Body,
			Feedback:        message,
			Model:           model,
			History:         history,
		})
	default:
		kind = intent.Generate
		reply, err = s.client.Generate(reqCtx, s.generateRequest(message, sub, model, history))
	}
	if err != nil {
		return nil, s.fail(chatID, kind, err)
	}

	result, err := s.consume(reqCtx, chatID, reply)
	if err != nil {
		return nil, s.fail(chatID, kind, err)
	}

	// The reply is in hand; persist even if the caller gives up now.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	chat, err := s.sessions.RecordRound(persistCtx, chatID, message, result)
	if err != nil {
		return nil, s.fail(chatID, kind, err)
	}

	active := s.isActive(chatID)
	s.events.Publish(&Event{
		Type:       EventEmail,
		ChatID:     chatID,
		Active:     active,
		Time:       time.Now(),
		Email:      result.Clone(),
		Intent:     kind,
		EmailCount: chat.EmailCount,
		Cost:       chat.Cost,
	})

	s.logger.Info("email recorded",
		"chat_id", chatID,
		"intent", kind,
		"email_count", chat.EmailCount,
		"cost", chat.Cost,
		"active", active)

	return &Result{
		ChatID: chatID,
		Intent: kind,
		Email:  result,
		Chat:   chat,
		Active: active,
	}, nil
}

// errCreateChat marks a begin failure that happened while opening a chat.
var errCreateChat = errors.New("creating chat")

// begin resolves the target chat and marks it busy. created is set when a
// new chat was opened for this submission. The returned release func must be
// called when the request ends.
func (s *Service) begin(ctx context.Context, message string) (chatID string, created *session.Chat, reqCtx context.Context, release func(), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", nil, nil, nil, ErrClosed
	}

	chatID = s.sessions.ActiveChatID()
	if chatID != "" {
		if _, busy := s.inflight[chatID]; busy {
			s.logger.Debug("submission rejected, chat busy", "chat_id", chatID)
			return "", nil, nil, nil, ErrBusy
		}
	} else {
		created, err = s.sessions.CreateChat(ctx, message)
		if err != nil {
			return "", nil, nil, nil, fmt.Errorf("%w: %w", errCreateChat, err)
		}
		chatID = created.ID
	}

	reqCtx, release = s.trackLocked(ctx, chatID)
	return chatID, created, reqCtx, release, nil
}

// trackLocked marks chatID busy with a cancelable request context. s.mu must
// be held.
func (s *Service) trackLocked(ctx context.Context, chatID string) (context.Context, func()) {
	reqCtx, cancel := context.WithCancel(ctx)
	s.inflight[chatID] = cancel
	s.wg.Add(1)

	return reqCtx, func() {
		s.mu.Lock()
		delete(s.inflight, chatID)
		s.mu.Unlock()
		cancel()
		s.wg.Done()
	}
}

func (s *Service) generateRequest(message string, sub Submission, model string, history []transport.HistoryMessage) transport.GenerateRequest {
	purpose := sub.Purpose
	if purpose == "" {
		purpose = intent.DetectPurpose(message)
	}
	length := sub.Length
	if length == "" {
		length = intent.DetectLength(message)
	}
	tone := sub.Tone
	if tone == "" {
		s.mu.Lock()
		tone = s.defaultTone
		s.mu.Unlock()
	}
	return transport.GenerateRequest{
		Purpose: purpose,
		Details: message,
		Length:  length,
		Tone:    tone,
		Model:   model,
		History: history,
	}
}

// consume turns a reply into an email, publishing tokens as a stream
// arrives.
func (s *Service) consume(ctx context.Context, chatID string, reply *transport.Reply) (email.Email, error) {
	if reply.Email != nil {
		return *reply.Email, nil
	}
	if reply.Stream == nil {
		return email.Email{}, ErrEmptyReply
	}

	st := reply.Stream
	defer st.Close()

	for st.Next() {
		accumulated := st.Text()
		partial := email.Parse(accumulated)
		s.events.Publish(&Event{
			Type:        EventToken,
			ChatID:      chatID,
			Active:      s.isActive(chatID),
			Time:        time.Now(),
			Token:       st.Token(),
			Accumulated: accumulated,
			Partial:     &partial,
		})
	}

	if err := st.Err(); err != nil {
		if ctx.Err() != nil {
			return email.Email{}, ctx.Err()
		}
		return email.Email{}, &transport.TransportError{Op: "stream", Err: err}
	}
	if st.State() == stream.Failed {
		return email.Email{}, &transport.ServiceError{Message: st.Reason()}
	}
	if ctx.Err() != nil {
		return email.Email{}, ctx.Err()
	}

	text := st.Text()
	if strings.TrimSpace(text) == "" {
		return email.Email{}, ErrEmptyReply
	}
	return email.Parse(text), nil
}

// fail publishes err for chatID and returns it.
func (s *Service) fail(chatID string, kind intent.Intent, err error) error {
	switch {
	case transport.IsCanceled(err):
		s.logger.Info("request canceled", "chat_id", chatID, "intent", kind)
	case errors.Is(err, session.ErrChatNotFound):
		s.logger.Info("chat deleted before the reply was recorded", "chat_id", chatID)
	default:
		s.logger.Warn("request failed", "chat_id", chatID, "intent", kind, "error", err)
	}
	s.publishError(chatID, kind, err)
	return err
}

func (s *Service) publishError(chatID string, kind intent.Intent, err error) {
	s.events.Publish(&Event{
		Type:    EventError,
		ChatID:  chatID,
		Active:  s.isActive(chatID),
		Time:    time.Now(),
		Intent:  kind,
		Role:    session.RoleAssistant,
		Message: UserMessage(err),
		Err:     err,
	})
}

func (s *Service) isActive(chatID string) bool {
	return s.sessions.ActiveChatID() == chatID
}

func toHistory(turns []session.Turn) []transport.HistoryMessage {
	out := make([]transport.HistoryMessage, 0, len(turns))
	for _, t := range turns {
		out = append(out, transport.HistoryMessage{
			Role:         string(t.Role),
			Content:      t.Content,
			EmailSubject: t.EmailSubject,
			EmailBody:    t.EmailBody,
		})
	}
	return out
}

// Cancel aborts the in-flight request of chatID. It reports whether there
// was one.
func (s *Service) Cancel(chatID string) bool {
	s.mu.Lock()
	cancel, ok := s.inflight[chatID]
	s.mu.Unlock()

	if ok {
		cancel()
		s.logger.Debug("cancel requested", "chat_id", chatID)
	}
	return ok
}

// Busy reports whether chatID has a request in flight.
func (s *Service) Busy(chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[chatID]
	return ok
}

// Subscribe registers for events of every chat.
func (s *Service) Subscribe(ctx context.Context) (<-chan *Event, string) {
	return s.events.Subscribe(ctx, AllChats)
}

// SubscribeChat registers for events of one chat.
func (s *Service) SubscribeChat(ctx context.Context, chatID string) (<-chan *Event, string) {
	return s.events.Subscribe(ctx, chatID)
}

// Unsubscribe removes a subscription.
func (s *Service) Unsubscribe(subID string) {
	s.events.Unsubscribe(subID)
}

// SwitchChat makes chatID active. An in-flight request of the previous chat
// keeps running.
func (s *Service) SwitchChat(chatID string) (*session.Conversation, error) {
	conv, err := s.sessions.SwitchChat(chatID)
	if err != nil {
		return nil, err
	}
	s.events.Publish(&Event{Type: EventChatSwitched, ChatID: chatID, Active: true, Time: time.Now()})
	return conv, nil
}

// DeleteChat removes chatID, canceling its in-flight request.
func (s *Service) DeleteChat(ctx context.Context, chatID string) error {
	wasActive := s.isActive(chatID)
	if err := s.sessions.DeleteChat(ctx, chatID); err != nil {
		return err
	}
	s.Cancel(chatID)
	s.events.Publish(&Event{Type: EventChatDeleted, ChatID: chatID, Active: wasActive, Time: time.Now()})
	return nil
}

// StartNewConversation clears the active chat; the next message opens a new
// one.
func (s *Service) StartNewConversation() {
	s.sessions.StartNewConversation()
}

// Chats returns copies of all chats, newest first.
func (s *Service) Chats() []*session.Chat {
	return s.sessions.Chats()
}

// Working returns the view over the active chat, or nil.
func (s *Service) Working() *session.Conversation {
	return s.sessions.Working()
}

// Sessions returns the underlying session store.
func (s *Service) Sessions() *session.Store {
	return s.sessions
}

// Close rejects new submissions, waits for in-flight ones and closes all
// subscriptions.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.wg.Wait()
	s.events.Close()
}

// CancelAll aborts every in-flight request.
func (s *Service) CancelAll() {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.inflight))
	for _, cancel := range s.inflight {
		cancels = append(cancels, cancel)
	}
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}
