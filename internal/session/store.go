// ABOUTME: SessionStore owning all chats and the active-chat key
// ABOUTME: Persists the whole chat list as one JSON record per mutation

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/muse/internal/email"
	"github.com/2389/muse/internal/store"
)

// DefaultKey is the backend key the chat list is stored under.
const DefaultKey = "muse.chats"

// StorageError is a backend failure while persisting or clearing the record.
type StorageError struct {
	Op  string // "clear", "write"
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("session storage error [%s]: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Option configures a Store.
type Option func(*Store)

// WithKey overrides the backend key.
func WithKey(key string) Option {
	return func(s *Store) {
		if key != "" {
			s.key = key
		}
	}
}

// WithClock overrides the time source used for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store owns the chats of one session. It is safe for concurrent use.
type Store struct {
	backend store.Store
	key     string
	now     func() time.Time
	logger  *slog.Logger

	mu       sync.RWMutex
	chats    []*Chat // newest first
	activeID string
}

// Open starts an empty session on backend, deleting any record a previous
// process left under the key.
func Open(ctx context.Context, backend store.Store, logger *slog.Logger, opts ...Option) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		backend: backend,
		key:     DefaultKey,
		now:     time.Now,
		logger:  logger.With("component", "session"),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := backend.Delete(ctx, s.key); err != nil {
		return nil, &StorageError{Op: "clear", Err: err}
	}
	s.logger.Debug("session cleared", "key", s.key)
	return s, nil
}

// Key returns the backend key the record is stored under.
func (s *Store) Key() string {
	return s.key
}

// commit persists next and, on success, makes it the current chat list.
// Callers hold s.mu.
func (s *Store) commit(ctx context.Context, next []*Chat) error {
	data, err := json.Marshal(next)
	if err != nil {
		return &StorageError{Op: "write", Err: fmt.Errorf("encoding chats: %w", err)}
	}
	if err := s.backend.Put(ctx, s.key, data); err != nil {
		s.logger.Error("failed to persist session", "error", err)
		return &StorageError{Op: "write", Err: err}
	}
	s.chats = next
	return nil
}

func (s *Store) indexOf(id string) int {
	for i, c := range s.chats {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// update applies fn to a copy of chat id and commits the result.
// Callers hold s.mu.
func (s *Store) update(ctx context.Context, id string, fn func(*Chat) error) (*Chat, error) {
	i := s.indexOf(id)
	if i < 0 {
		return nil, ErrChatNotFound
	}
	chat := s.chats[i].Clone()
	if err := fn(chat); err != nil {
		return nil, err
	}

	next := make([]*Chat, len(s.chats))
	copy(next, s.chats)
	next[i] = chat
	if err := s.commit(ctx, next); err != nil {
		return nil, err
	}
	return chat.Clone(), nil
}

// CreateChat adds a chat titled after firstMessage at the front of the list
// and makes it active.
func (s *Store) CreateChat(ctx context.Context, firstMessage string) (*Chat, error) {
	chat := &Chat{
		ID:                  uuid.NewString(),
		Title:               Title(firstMessage),
		CreatedAt:           s.now().UTC(),
		ConversationHistory: []Turn{},
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]*Chat, 0, len(s.chats)+1)
	next = append(next, chat)
	next = append(next, s.chats...)
	if err := s.commit(ctx, next); err != nil {
		return nil, err
	}
	s.activeID = chat.ID

	s.logger.Info("chat created", "chat_id", chat.ID, "title", chat.Title)
	return chat.Clone(), nil
}

// AppendTurn appends turn to the chat's history. An email-carrying turn
// becomes the chat's current email.
func (s *Store) AppendTurn(ctx context.Context, chatID string, turn Turn) error {
	if err := turn.validate(); err != nil {
		return err
	}
	turn = turn.clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.update(ctx, chatID, func(c *Chat) error {
		c.ConversationHistory = append(c.ConversationHistory, turn)
		if e, ok := turn.Email(); ok {
			c.CurrentEmail = &e
		}
		c.EmailCount = countEmails(c.ConversationHistory)
		return nil
	})
	return err
}

// RecordRound appends a user message and the email it produced, makes the
// email current and adds its usage cost, all in one write.
func (s *Store) RecordRound(ctx context.Context, chatID, userMessage string, e email.Email) (*Chat, error) {
	delta := e.Cost()
	if err := checkDelta(delta); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	chat, err := s.update(ctx, chatID, func(c *Chat) error {
		c.ConversationHistory = append(c.ConversationHistory, UserTurn(userMessage), EmailTurn(e))
		c.CurrentEmail = e.Clone()
		c.EmailCount = countEmails(c.ConversationHistory)
		c.Cost += delta
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("round recorded",
		"chat_id", chatID,
		"email_count", chat.EmailCount,
		"cost", chat.Cost)
	return chat, nil
}

// AccumulateCost adds delta to the chat's running cost.
func (s *Store) AccumulateCost(ctx context.Context, chatID string, delta float64) error {
	if err := checkDelta(delta); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.update(ctx, chatID, func(c *Chat) error {
		c.Cost += delta
		return nil
	})
	return err
}

func checkDelta(delta float64) error {
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		return ErrInvalidCost
	}
	if delta < 0 {
		return ErrNegativeCost
	}
	return nil
}

// SwitchChat makes id the active chat and returns its working view. No stored
// data changes.
func (s *Store) SwitchChat(id string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexOf(id) < 0 {
		return nil, ErrChatNotFound
	}
	s.activeID = id
	return &Conversation{store: s, chatID: id}, nil
}

// DeleteChat removes a chat. Deleting the active chat leaves no chat active.
func (s *Store) DeleteChat(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return ErrChatNotFound
	}

	next := make([]*Chat, 0, len(s.chats)-1)
	next = append(next, s.chats[:i]...)
	next = append(next, s.chats[i+1:]...)
	if err := s.commit(ctx, next); err != nil {
		return err
	}
	if s.activeID == id {
		s.activeID = ""
	}

	s.logger.Info("chat deleted", "chat_id", id)
	return nil
}

// StartNewConversation clears the active chat so the next generation creates
// a new one.
func (s *Store) StartNewConversation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeID = ""
}

// Chats returns copies of all chats, newest first.
func (s *Store) Chats() []*Chat {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Chat, len(s.chats))
	for i, c := range s.chats {
		out[i] = c.Clone()
	}
	return out
}

// Chat returns a copy of the chat with the given id.
func (s *Store) Chat(id string) (*Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := s.indexOf(id)
	if i < 0 {
		return nil, ErrChatNotFound
	}
	return s.chats[i].Clone(), nil
}

// ActiveChatID returns the active chat id, or "" when none is active.
func (s *Store) ActiveChatID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeID
}

// Active returns a copy of the active chat.
func (s *Store) Active() (*Chat, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.activeID == "" {
		return nil, false
	}
	i := s.indexOf(s.activeID)
	if i < 0 {
		return nil, false
	}
	return s.chats[i].Clone(), true
}

// Working returns the view over the active chat, or nil when none is active.
func (s *Store) Working() *Conversation {
	id := s.ActiveChatID()
	if id == "" {
		return nil
	}
	return &Conversation{store: s, chatID: id}
}

// Conversation returns a view over chat id, whether or not it exists.
func (s *Store) Conversation(id string) *Conversation {
	return &Conversation{store: s, chatID: id}
}

// Load reads the persisted record back from the backend.
func (s *Store) Load(ctx context.Context) ([]*Chat, error) {
	return ReadRecord(ctx, s.backend, s.key)
}

// ReadRecord decodes the chat list stored under key without opening a
// session, so the record of another running process can be inspected. A
// missing key yields an empty list.
func ReadRecord(ctx context.Context, backend store.Store, key string) ([]*Chat, error) {
	data, err := backend.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return []*Chat{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading session record: %w", err)
	}

	var chats []*Chat
	if err := json.Unmarshal(data, &chats); err != nil {
		return nil, fmt.Errorf("decoding session record: %w", err)
	}
	return chats, nil
}

// with runs fn against chat id under the read lock.
func (s *Store) with(id string, fn func(*Chat)) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := s.indexOf(id)
	if i < 0 {
		return false
	}
	fn(s.chats[i])
	return true
}
