package conversation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/muse/internal/fakeservice"
	"github.com/2389/muse/internal/intent"
	"github.com/2389/muse/internal/session"
	"github.com/2389/muse/internal/store"
	"github.com/2389/muse/internal/transport"
)

const testCost = 0.0025

// countingTransport wraps a real client and counts catalog fetches.
type countingTransport struct {
	*transport.Client
	modelCalls atomic.Int32
}

func (c *countingTransport) Models(ctx context.Context) (*transport.Catalog, error) {
	c.modelCalls.Add(1)
	return c.Client.Models(ctx)
}

type testEngine struct {
	svc      *Service
	fake     *fakeservice.Handler
	sessions *session.Store
	backend  *store.MemoryStore
	client   *countingTransport
}

func newTestEngine(t *testing.T, mode transport.Mode, opts fakeservice.Options) *testEngine {
	t.Helper()

	if opts.Cost == 0 {
		opts.Cost = testCost
	}
	fake := fakeservice.New(opts)
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	httpTransport := &http.Transport{}
	t.Cleanup(httpTransport.CloseIdleConnections)

	client := transport.NewClient(srv.URL, mode)
	client.SetHTTPClient(&http.Client{Transport: httpTransport})

	backend := store.NewMemoryStore()
	sessions, err := session.Open(context.Background(), backend, nil)
	require.NoError(t, err)

	counting := &countingTransport{Client: client}
	svc := New(sessions, counting, nil)
	t.Cleanup(svc.Close)

	return &testEngine{svc: svc, fake: fake, sessions: sessions, backend: backend, client: counting}
}

// collect drains events of a subscription until the predicate matches.
func waitFor(t *testing.T, ch <-chan *Event, match func(*Event) bool) *Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatal("event channel closed")
			}
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatal("timed out waiting for event")
			return nil
		}
	}
}

func ofType(typ EventType) func(*Event) bool {
	return func(ev *Event) bool { return ev.Type == typ }
}

func waitBusy(t *testing.T, svc *Service, chatID string) {
	t.Helper()
	require.Eventually(t, func() bool { return svc.Busy(chatID) }, 2*time.Second, 5*time.Millisecond)
}

// runAsync submits in a goroutine and returns a channel with the outcome.
func runAsync(svc *Service, sub Submission) <-chan error {
	done := make(chan error, 1)
	go func() {
		_, err := svc.Submit(context.Background(), sub)
		done <- err
	}()
	return done
}

func awaitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("submission did not finish")
		return nil
	}
}

func TestSubmitCreatesChatAndRecordsEmail(t *testing.T) {
	e := newTestEngine(t, transport.ModeBatch, fakeservice.Options{})
	events, _ := e.svc.Subscribe(t.Context())

	res, err := e.svc.Submit(t.Context(), Submission{Message: "write a follow up email about the quarterly meeting"})
	require.NoError(t, err)

	assert.Equal(t, intent.Generate, res.Intent)
	assert.True(t, res.Active)
	assert.Equal(t, e.sessions.ActiveChatID(), res.ChatID)
	assert.Equal(t, "Follow up: write a follow up email about", res.Email.Subject)
	assert.Equal(t, 1, res.Chat.EmailCount)
	assert.InDelta(t, testCost, res.Chat.Cost, 1e-12)
	assert.Len(t, res.Chat.ConversationHistory, 2)
	assert.Equal(t, "write a follow up email about the quarte...", res.Chat.Title)

	reqs := e.fake.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "follow_up", reqs[0].Purpose)
	assert.Equal(t, "medium", reqs[0].Length)
	assert.Equal(t, "professional", reqs[0].Tone)
	assert.Empty(t, reqs[0].History, "first round has no prior history")

	created := waitFor(t, events, ofType(EventChatCreated))
	assert.Equal(t, res.ChatID, created.ChatID)
	emailEv := waitFor(t, events, ofType(EventEmail))
	assert.Equal(t, res.ChatID, emailEv.ChatID)
	assert.True(t, emailEv.Active)
	assert.Equal(t, 1, emailEv.EmailCount)
}

func TestSubmitRefinesCurrentEmail(t *testing.T) {
	e := newTestEngine(t, transport.ModeBatch, fakeservice.Options{})
	ctx := t.Context()

	first, err := e.svc.Submit(ctx, Submission{Message: "write a follow up email about the quarterly meeting"})
	require.NoError(t, err)

	second, err := e.svc.Submit(ctx, Submission{Message: "make it shorter"})
	require.NoError(t, err)
	assert.Equal(t, intent.Refine, second.Intent)
	assert.Equal(t, first.ChatID, second.ChatID)
	assert.Equal(t, 2, second.Chat.EmailCount)
	assert.InDelta(t, 2*testCost, second.Chat.Cost, 1e-12)
	assert.Equal(t, first.Email.Subject, second.Email.Subject)
	assert.Contains(t, second.Email.Body, "(Revised: make it shorter)")

	reqs := e.fake.Requests()
	require.Len(t, reqs, 2)
	refine := reqs[1]
	assert.True(t, refine.IsRefine())
	assert.Equal(t, first.Email.Subject, refine.OriginalSubject)
	assert.Equal(t, first.Email.Body, refine.OriginalBody)
	assert.Equal(t, "make it shorter", refine.Feedback)

	require.Len(t, refine.History, 2, "history holds only the prior round")
	assert.Equal(t, "user", refine.History[0].Role)
	assert.Nil(t, refine.History[0].EmailSubject)
	assert.Equal(t, "assistant", refine.History[1].Role)
	require.NotNil(t, refine.History[1].EmailSubject)
	assert.Equal(t, first.Email.Subject, *refine.History[1].EmailSubject)
}

func TestSubmitGenerateWithActiveEmail(t *testing.T) {
	e := newTestEngine(t, transport.ModeBatch, fakeservice.Options{})
	ctx := t.Context()

	first, err := e.svc.Submit(ctx, Submission{Message: "write a follow up email about the quarterly meeting"})
	require.NoError(t, err)

	// No refinement vocabulary: a new email in the same chat.
	second, err := e.svc.Submit(ctx, Submission{Message: "now draft a thank you note for the Hendersons"})
	require.NoError(t, err)
	assert.Equal(t, intent.Generate, second.Intent)
	assert.Equal(t, first.ChatID, second.ChatID)
	assert.Equal(t, 2, second.Chat.EmailCount)
	assert.Equal(t, "relationship_builder", e.fake.Requests()[1].Purpose)
	assert.Len(t, e.fake.Requests()[1].History, 2)
}

func TestSubmitEmptyMessage(t *testing.T) {
	e := newTestEngine(t, transport.ModeBatch, fakeservice.Options{})

	_, err := e.svc.Submit(t.Context(), Submission{Message: "  \n "})
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Empty(t, e.svc.Chats(), "no chat is created for an empty message")
}

func TestExplicitIntent(t *testing.T) {
	e := newTestEngine(t, transport.ModeBatch, fakeservice.Options{})
	ctx := t.Context()

	res, err := e.svc.Submit(ctx, Submission{Message: "make it warmer please", Intent: intent.Refine})
	require.NoError(t, err)
	assert.Equal(t, intent.Generate, res.Intent, "refine without an email degrades to generate")

	res, err = e.svc.Submit(ctx, Submission{Message: "make it a brand new email", Intent: intent.Generate})
	require.NoError(t, err)
	assert.Equal(t, intent.Generate, res.Intent)
	assert.False(t, e.fake.Requests()[1].IsRefine())
}

func TestGenerateOverrides(t *testing.T) {
	e := newTestEngine(t, transport.ModeBatch, fakeservice.Options{})
	ctx := t.Context()
	e.svc.SetDefaultTone(intent.ToneFriendly)

	_, err := e.svc.Submit(ctx, Submission{Message: "write about the new fund"})
	require.NoError(t, err)
	e.svc.StartNewConversation()
	_, err = e.svc.Submit(ctx, Submission{
		Message: "write about the new fund",
		Tone:    intent.ToneCasual,
		Purpose: intent.PurposeEducationalContent,
		Length:  intent.LengthLong,
		Model:   "custom/model",
	})
	require.NoError(t, err)

	reqs := e.fake.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "friendly", reqs[0].Tone)
	assert.Equal(t, "other", reqs[0].Purpose)
	assert.Equal(t, "casual", reqs[1].Tone)
	assert.Equal(t, "educational_content", reqs[1].Purpose)
	assert.Equal(t, "long", reqs[1].Length)
	assert.Equal(t, "custom/model", reqs[1].Model)
	assert.Len(t, e.svc.Chats(), 2)
}

func TestFailedRoundRecordsNothing(t *testing.T) {
	e := newTestEngine(t, transport.ModeBatch, fakeservice.Options{})
	ctx := t.Context()
	events, _ := e.svc.Subscribe(ctx)

	first, err := e.svc.Submit(ctx, Submission{Message: "write a follow up email about the quarterly meeting"})
	require.NoError(t, err)

	e.fake.FailNext(http.StatusInternalServerError, "model unavailable")
	_, err = e.svc.Submit(ctx, Submission{Message: "make it shorter"})

	var svcErr *transport.ServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, "model unavailable", svcErr.Message)

	errEv := waitFor(t, events, ofType(EventError))
	assert.Equal(t, first.ChatID, errEv.ChatID)
	assert.Equal(t, session.RoleAssistant, errEv.Role)
	assert.Equal(t, "model unavailable", errEv.Message)
	assert.Equal(t, intent.Refine, errEv.Intent)

	conv := e.sessions.Conversation(first.ChatID)
	assert.Len(t, conv.History(), 2, "failed round appends nothing")
	assert.Equal(t, 1, conv.EmailCount())
	assert.InDelta(t, testCost, conv.Cost(), 1e-12)
	assert.False(t, e.svc.Busy(first.ChatID), "busy flag cleared after failure")

	// The chat keeps working after a failure.
	_, err = e.svc.Submit(ctx, Submission{Message: "make it shorter"})
	require.NoError(t, err)
	assert.Equal(t, 2, conv.EmailCount())
}

func TestFailedFirstRoundKeepsEmptyChat(t *testing.T) {
	e := newTestEngine(t, transport.ModeBatch, fakeservice.Options{})

	e.fake.FailNext(http.StatusBadGateway, "")
	_, err := e.svc.Submit(t.Context(), Submission{Message: "write a follow up email"})
	var svcErr *transport.ServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, "Failed to generate email", svcErr.Message)

	chats := e.svc.Chats()
	require.Len(t, chats, 1)
	assert.Empty(t, chats[0].ConversationHistory)
	assert.Zero(t, chats[0].EmailCount)
	assert.False(t, e.svc.Working().HasActiveEmail())
}

func TestValidationErrorMessage(t *testing.T) {
	e := newTestEngine(t, transport.ModeBatch, fakeservice.Options{})
	ctx := t.Context()

	_, err := e.svc.Submit(ctx, Submission{Message: "write a follow up email about the quarterly meeting"})
	require.NoError(t, err)

	// "fix" is a refinement term but too short for the service.
	_, err = e.svc.Submit(ctx, Submission{Message: "fix"})
	assert.Equal(t, "String should have at least 5 characters", UserMessage(err))
}

func TestTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	sessions, err := session.Open(context.Background(), store.NewMemoryStore(), nil)
	require.NoError(t, err)
	svc := New(sessions, transport.NewClient(url, transport.ModeBatch), nil)
	defer svc.Close()
	events, _ := svc.Subscribe(t.Context())

	_, err = svc.Submit(t.Context(), Submission{Message: "write a follow up email"})
	var tErr *transport.TransportError
	require.ErrorAs(t, err, &tErr)

	errEv := waitFor(t, events, ofType(EventError))
	assert.Equal(t, transport.UserMessage, errEv.Message)
}

func TestBusyChatRejectsSecondSubmission(t *testing.T) {
	e := newTestEngine(t, transport.ModeBatch, fakeservice.Options{})
	ctx := t.Context()

	first, err := e.svc.Submit(ctx, Submission{Message: "write a follow up email about the quarterly meeting"})
	require.NoError(t, err)

	release := e.fake.Hold()
	defer release()

	done := runAsync(e.svc, Submission{Message: "make it shorter"})
	waitBusy(t, e.svc, first.ChatID)

	_, err = e.svc.Submit(ctx, Submission{Message: "make it more formal"})
	assert.ErrorIs(t, err, ErrBusy)

	release()
	require.NoError(t, awaitErr(t, done))

	assert.Len(t, e.fake.Requests(), 2, "busy submission never reached the service")
	assert.Equal(t, 2, e.sessions.Conversation(first.ChatID).EmailCount())
}

func TestDifferentChatsRunConcurrently(t *testing.T) {
	e := newTestEngine(t, transport.ModeBatch, fakeservice.Options{})
	ctx := t.Context()

	a, err := e.svc.Submit(ctx, Submission{Message: "write a follow up email about the quarterly meeting"})
	require.NoError(t, err)

	release := e.fake.Hold()
	defer release()

	doneA := runAsync(e.svc, Submission{Message: "make it shorter"})
	waitBusy(t, e.svc, a.ChatID)

	e.svc.StartNewConversation()
	doneB := runAsync(e.svc, Submission{Message: "draft a welcome email"})
	require.Eventually(t, func() bool { return len(e.fake.Requests()) == 3 }, 2*time.Second, 5*time.Millisecond)

	release()
	require.NoError(t, awaitErr(t, doneA))
	require.NoError(t, awaitErr(t, doneB))
	assert.Len(t, e.svc.Chats(), 2)
}

func TestCancelInFlight(t *testing.T) {
	e := newTestEngine(t, transport.ModeBatch, fakeservice.Options{})
	ctx := t.Context()
	events, _ := e.svc.Subscribe(ctx)

	first, err := e.svc.Submit(ctx, Submission{Message: "write a follow up email about the quarterly meeting"})
	require.NoError(t, err)

	release := e.fake.Hold()
	defer release()

	done := runAsync(e.svc, Submission{Message: "make it shorter"})
	waitBusy(t, e.svc, first.ChatID)

	assert.True(t, e.svc.Cancel(first.ChatID))
	err = awaitErr(t, done)
	require.Error(t, err)
	assert.True(t, transport.IsCanceled(err))

	errEv := waitFor(t, events, ofType(EventError))
	assert.Equal(t, "Request canceled.", errEv.Message)

	assert.Len(t, e.sessions.Conversation(first.ChatID).History(), 2)
	assert.False(t, e.svc.Busy(first.ChatID))
	assert.False(t, e.svc.Cancel(first.ChatID), "nothing left to cancel")
}

func TestSwitchDoesNotCancelAndResultPersistsToOrigin(t *testing.T) {
	e := newTestEngine(t, transport.ModeBatch, fakeservice.Options{})
	ctx := t.Context()

	a, err := e.svc.Submit(ctx, Submission{Message: "write a follow up email about the quarterly meeting"})
	require.NoError(t, err)
	e.svc.StartNewConversation()
	b, err := e.svc.Submit(ctx, Submission{Message: "draft a welcome email"})
	require.NoError(t, err)
	require.NotEqual(t, a.ChatID, b.ChatID)

	_, err = e.svc.SwitchChat(a.ChatID)
	require.NoError(t, err)

	events, _ := e.svc.SubscribeChat(ctx, a.ChatID)
	release := e.fake.Hold()
	defer release()

	done := make(chan *Result, 1)
	go func() {
		res, err := e.svc.Submit(context.Background(), Submission{Message: "make it shorter"})
		assert.NoError(t, err)
		done <- res
	}()
	waitBusy(t, e.svc, a.ChatID)

	_, err = e.svc.SwitchChat(b.ChatID)
	require.NoError(t, err)
	assert.True(t, e.svc.Busy(a.ChatID), "switching does not cancel")

	release()
	var res *Result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("submission did not finish")
	}
	require.NotNil(t, res)
	assert.Equal(t, a.ChatID, res.ChatID)
	assert.False(t, res.Active)

	emailEv := waitFor(t, events, ofType(EventEmail))
	assert.False(t, emailEv.Active, "background result is flagged inactive")

	assert.Equal(t, 2, e.sessions.Conversation(a.ChatID).EmailCount())
	assert.Equal(t, 1, e.sessions.Conversation(b.ChatID).EmailCount())
	assert.Equal(t, b.ChatID, e.sessions.ActiveChatID())
}

func TestSwitchAndDeleteEvents(t *testing.T) {
	e := newTestEngine(t, transport.ModeBatch, fakeservice.Options{})
	ctx := t.Context()
	events, _ := e.svc.Subscribe(ctx)

	a, err := e.svc.Submit(ctx, Submission{Message: "write a follow up email about the quarterly meeting"})
	require.NoError(t, err)

	_, err = e.svc.SwitchChat("missing")
	assert.ErrorIs(t, err, session.ErrChatNotFound)

	conv, err := e.svc.SwitchChat(a.ChatID)
	require.NoError(t, err)
	assert.True(t, conv.HasActiveEmail())
	switched := waitFor(t, events, ofType(EventChatSwitched))
	assert.Equal(t, a.ChatID, switched.ChatID)

	require.NoError(t, e.svc.DeleteChat(ctx, a.ChatID))
	deleted := waitFor(t, events, ofType(EventChatDeleted))
	assert.Equal(t, a.ChatID, deleted.ChatID)
	assert.True(t, deleted.Active)
	assert.Nil(t, e.svc.Working())
	assert.ErrorIs(t, e.svc.DeleteChat(ctx, a.ChatID), session.ErrChatNotFound)
}

func TestDeleteChatCancelsInFlight(t *testing.T) {
	e := newTestEngine(t, transport.ModeBatch, fakeservice.Options{})
	ctx := t.Context()

	a, err := e.svc.Submit(ctx, Submission{Message: "write a follow up email about the quarterly meeting"})
	require.NoError(t, err)

	release := e.fake.Hold()
	defer release()
	done := runAsync(e.svc, Submission{Message: "make it shorter"})
	waitBusy(t, e.svc, a.ChatID)

	require.NoError(t, e.svc.DeleteChat(ctx, a.ChatID))
	err = awaitErr(t, done)
	require.Error(t, err)
	assert.Empty(t, e.svc.Chats())
}

func TestStreamingSubmit(t *testing.T) {
	e := newTestEngine(t, transport.ModeStream, fakeservice.Options{
		FragmentSize: 2,
		Compose:      func(fakeservice.Request) string { return "Subject: Weekly market update" },
	})
	ctx := t.Context()
	events, _ := e.svc.Subscribe(ctx)

	res, err := e.svc.Submit(ctx, Submission{Message: "write a newsletter"})
	require.NoError(t, err)
	assert.Equal(t, "Weekly market update", res.Email.Subject)
	assert.Empty(t, res.Email.Body)
	assert.Zero(t, res.Chat.Cost, "streamed replies carry no usage")
	assert.Equal(t, 1, res.Chat.EmailCount)
	assert.Equal(t, "/api/generate-email/stream", e.fake.Requests()[0].Path)

	var tokens []string
	var last *Event
	for {
		ev := waitFor(t, events, func(ev *Event) bool { return ev.Type == EventToken || ev.Type == EventEmail })
		if ev.Type == EventEmail {
			break
		}
		tokens = append(tokens, ev.Token)
		last = ev
	}
	assert.Equal(t, []string{"Subject: ", "Weekly ", "market ", "update"}, tokens)
	require.NotNil(t, last)
	assert.Equal(t, "Subject: Weekly market update", last.Accumulated)
	require.NotNil(t, last.Partial)
	assert.Equal(t, "Weekly market update", last.Partial.Subject)
}

func TestStreamingLongReplyDeliversEmail(t *testing.T) {
	e := newTestEngine(t, transport.ModeStream, fakeservice.Options{
		Compose: func(fakeservice.Request) string { return "Subject: " + strings.Repeat("word ", 300) },
	})
	events, _ := e.svc.Subscribe(t.Context())

	// Nothing reads events until the submission has returned.
	_, err := e.svc.Submit(t.Context(), Submission{Message: "write a long newsletter"})
	require.NoError(t, err)

	ev := waitFor(t, events, ofType(EventEmail))
	require.NotNil(t, ev.Email)
	assert.Equal(t, strings.TrimSpace(strings.Repeat("word ", 300)), ev.Email.Subject)
	assert.Equal(t, 1, ev.EmailCount)
}

// Newlines inside a streamed chunk end its data line, so multi-line replies
// keep only the first line of each chunk.
func TestStreamingMultilineReplyIsFlattened(t *testing.T) {
	e := newTestEngine(t, transport.ModeStream, fakeservice.Options{
		Compose: func(fakeservice.Request) string { return "Subject: Hello there\n\nBody line one\nline two" },
	})
	events, _ := e.svc.Subscribe(t.Context())

	res, err := e.svc.Submit(t.Context(), Submission{Message: "write a hello note"})
	require.NoError(t, err)
	assert.Equal(t, "Hello thereline onetwo", res.Email.Subject)
	assert.Empty(t, res.Email.Body)

	var tokens []string
	for {
		ev := waitFor(t, events, func(ev *Event) bool { return ev.Type == EventToken || ev.Type == EventEmail })
		if ev.Type == EventEmail {
			break
		}
		tokens = append(tokens, ev.Token)
	}
	assert.Equal(t, []string{"Subject: ", "Hello ", "there", "line ", "one", "two"}, tokens)
}

func TestStreamingFailure(t *testing.T) {
	e := newTestEngine(t, transport.ModeStream, fakeservice.Options{})
	ctx := t.Context()
	events, _ := e.svc.Subscribe(ctx)

	e.fake.FailNextStream("upstream model timed out")
	_, err := e.svc.Submit(ctx, Submission{Message: "write a follow up email"})

	var svcErr *transport.ServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, "upstream model timed out", svcErr.Message)

	errEv := waitFor(t, events, ofType(EventError))
	assert.Equal(t, "upstream model timed out", errEv.Message)

	chats := e.svc.Chats()
	require.Len(t, chats, 1)
	assert.Empty(t, chats[0].ConversationHistory)
}

func TestStreamingWithoutDoneCompletes(t *testing.T) {
	e := newTestEngine(t, transport.ModeStream, fakeservice.Options{
		OmitDone: true,
		Compose:  func(fakeservice.Request) string { return "no subject here" },
	})

	res, err := e.svc.Submit(t.Context(), Submission{Message: "write a follow up email"})
	require.NoError(t, err)
	assert.Empty(t, res.Email.Subject)
	assert.Equal(t, "no subject here", res.Email.Body)
}

func TestStreamingEmptyReply(t *testing.T) {
	e := newTestEngine(t, transport.ModeStream, fakeservice.Options{
		Compose: func(fakeservice.Request) string { return "" },
	})

	_, err := e.svc.Submit(t.Context(), Submission{Message: "write a follow up email"})
	assert.ErrorIs(t, err, ErrEmptyReply)
	assert.Zero(t, e.svc.Working().EmailCount())
}

func TestLoadModelsAndSelect(t *testing.T) {
	e := newTestEngine(t, transport.ModeBatch, fakeservice.Options{})
	ctx := t.Context()

	assert.Nil(t, e.svc.Models())
	assert.Empty(t, e.svc.DefaultModel())

	require.NoError(t, e.svc.LoadModels(ctx))
	require.NoError(t, e.svc.LoadModels(ctx))
	assert.Equal(t, int32(1), e.client.modelCalls.Load(), "catalog is fetched once")

	assert.Len(t, e.svc.Models(), len(fakeservice.DefaultModels))
	assert.Equal(t, fakeservice.DefaultModels[0].ID, e.svc.DefaultModel())
	assert.Equal(t, fakeservice.DefaultModels[0].ID, e.svc.SelectedModel())

	err := e.svc.SelectModel("nope/model")
	assert.ErrorIs(t, err, ErrUnknownModel)
	assert.Equal(t, fakeservice.DefaultModels[0].ID, e.svc.SelectedModel())

	require.NoError(t, e.svc.SelectModel(fakeservice.DefaultModels[1].ID))
	_, err = e.svc.Submit(ctx, Submission{Message: "write a follow up email"})
	require.NoError(t, err)
	assert.Equal(t, fakeservice.DefaultModels[1].ID, e.fake.Requests()[0].Model)
}

func TestPreselectedModelSurvivesCatalog(t *testing.T) {
	e := newTestEngine(t, transport.ModeBatch, fakeservice.Options{})

	require.NoError(t, e.svc.SelectModel("meta-llama/llama-3.1-8b-instruct"))
	require.NoError(t, e.svc.LoadModels(t.Context()))
	assert.Equal(t, "meta-llama/llama-3.1-8b-instruct", e.svc.SelectedModel())
}

func TestCloseWaitsForInFlight(t *testing.T) {
	e := newTestEngine(t, transport.ModeBatch, fakeservice.Options{})

	release := e.fake.Hold()
	done := runAsync(e.svc, Submission{Message: "write a follow up email"})
	require.Eventually(t, func() bool { return len(e.fake.Requests()) == 1 }, 2*time.Second, 5*time.Millisecond)

	closed := make(chan struct{})
	go func() {
		e.svc.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a submission was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	require.NoError(t, awaitErr(t, done))
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}

	_, err := e.svc.Submit(t.Context(), Submission{Message: "write another"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStorageFailureIsPublished(t *testing.T) {
	e := newTestEngine(t, transport.ModeBatch, fakeservice.Options{})
	ctx := t.Context()

	a, err := e.svc.Submit(ctx, Submission{Message: "write a follow up email about the quarterly meeting"})
	require.NoError(t, err)

	events, _ := e.svc.Subscribe(ctx)
	e.backend.SetPutError(errors.New("quota exceeded"))

	_, err = e.svc.Submit(ctx, Submission{Message: "make it shorter"})
	var storageErr *session.StorageError
	require.ErrorAs(t, err, &storageErr)

	errEv := waitFor(t, events, ofType(EventError))
	assert.Contains(t, errEv.Message, "Could not save")
	assert.Equal(t, 1, e.sessions.Conversation(a.ChatID).EmailCount())
}

func TestCreateChatFailureIsPublished(t *testing.T) {
	e := newTestEngine(t, transport.ModeBatch, fakeservice.Options{})
	ctx := t.Context()

	events, _ := e.svc.Subscribe(ctx)
	e.backend.SetPutError(errors.New("disk full"))

	_, err := e.svc.Submit(ctx, Submission{Message: "write a thank you note"})
	var storageErr *session.StorageError
	require.ErrorAs(t, err, &storageErr)

	errEv := waitFor(t, events, ofType(EventError))
	assert.Empty(t, errEv.ChatID)
	assert.True(t, errEv.Active)
	assert.Empty(t, e.svc.Chats())
}

func TestUserMessage(t *testing.T) {
	assert.Empty(t, UserMessage(nil))
	assert.Equal(t, "boom", UserMessage(&transport.ServiceError{StatusCode: 500, Message: "boom"}))
	assert.Equal(t, transport.UserMessage, UserMessage(&transport.TransportError{Op: "generate", Err: errors.New("refused")}))
	assert.Equal(t, "Request canceled.", UserMessage(context.Canceled))
	assert.Equal(t, "That chat no longer exists.", UserMessage(session.ErrChatNotFound))
	assert.Equal(t, "No email to evaluate.", UserMessage(ErrNoEmail))
	assert.Equal(t, "other", UserMessage(errors.New("other")))
}

func TestEvaluateScoresCurrentEmail(t *testing.T) {
	e := newTestEngine(t, transport.ModeBatch, fakeservice.Options{})
	ctx := t.Context()

	_, err := e.svc.Evaluate(ctx)
	require.ErrorIs(t, err, ErrNoEmail)

	const message = "write a follow up email about the quarterly meeting"
	res, err := e.svc.Submit(ctx, Submission{Message: message})
	require.NoError(t, err)
	_, err = e.svc.Submit(ctx, Submission{Message: "make it shorter please"})
	require.NoError(t, err)

	events, _ := e.svc.Subscribe(ctx)
	eval, err := e.svc.Evaluate(ctx)
	require.NoError(t, err)
	assert.True(t, eval.PassThreshold)
	assert.Len(t, eval.Metrics(), 10)

	reqs := e.fake.Requests()
	require.Len(t, reqs, 3)
	got := reqs[2]
	assert.True(t, got.IsEvaluate())
	assert.Equal(t, "make it shorter please", got.OriginalRequest)
	current := e.svc.Working().CurrentEmail()
	require.NotNil(t, current)
	assert.Equal(t, current.Subject, got.Subject)
	assert.Equal(t, current.Body, got.Body)
	assert.Equal(t, string(intent.ToneProfessional), got.Tone)

	ev := waitFor(t, events, ofType(EventEvaluation))
	assert.Equal(t, res.ChatID, ev.ChatID)
	assert.True(t, ev.Active)
	assert.Same(t, eval, ev.Evaluation)
	assert.InDelta(t, 3*testCost, ev.Cost, 1e-9)
	assert.InDelta(t, 3*testCost, e.sessions.Conversation(res.ChatID).Cost(), 1e-9)
	assert.Equal(t, 2, e.sessions.Conversation(res.ChatID).EmailCount(), "evaluation adds no email")
}

func TestEvaluateFailureIsPublished(t *testing.T) {
	e := newTestEngine(t, transport.ModeBatch, fakeservice.Options{})
	ctx := t.Context()

	res, err := e.svc.Submit(ctx, Submission{Message: "write a follow up email"})
	require.NoError(t, err)

	events, _ := e.svc.Subscribe(ctx)
	e.fake.FailNext(http.StatusServiceUnavailable, "evaluator unavailable")

	_, err = e.svc.Evaluate(ctx)
	var svcErr *transport.ServiceError
	require.ErrorAs(t, err, &svcErr)

	errEv := waitFor(t, events, ofType(EventError))
	assert.Equal(t, "evaluator unavailable", errEv.Message)
	assert.Equal(t, res.ChatID, errEv.ChatID)
	assert.InDelta(t, testCost, e.sessions.Conversation(res.ChatID).Cost(), 1e-9)
	assert.False(t, e.svc.Busy(res.ChatID))
}

func TestEvaluateBusyChat(t *testing.T) {
	e := newTestEngine(t, transport.ModeBatch, fakeservice.Options{})
	ctx := t.Context()

	res, err := e.svc.Submit(ctx, Submission{Message: "write a follow up email"})
	require.NoError(t, err)

	release := e.fake.Hold()
	done := runAsync(e.svc, Submission{Message: "make it shorter please"})
	waitBusy(t, e.svc, res.ChatID)

	_, err = e.svc.Evaluate(ctx)
	assert.ErrorIs(t, err, ErrBusy)

	release()
	require.NoError(t, awaitErr(t, done))
}

func TestOriginalRequest(t *testing.T) {
	subject, body := "S", "B"
	emailTurn := session.Turn{Role: session.RoleAssistant, Content: "x", EmailSubject: &subject, EmailBody: &body}

	assert.Empty(t, originalRequest(nil))
	assert.Equal(t, "first", originalRequest([]session.Turn{session.UserTurn("first"), emailTurn}))
	assert.Equal(t, "second", originalRequest([]session.Turn{
		session.UserTurn("first"), emailTurn, session.UserTurn("second"), emailTurn,
	}))
	assert.Empty(t, originalRequest([]session.Turn{session.UserTurn("dangling")}))
}
