// ABOUTME: Interactive chat REPL: reads lines, submits them to the engine, renders events
// ABOUTME: Submissions run in the background so /switch and /cancel work mid-request

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/muse/internal/conversation"
	"github.com/2389/muse/internal/email"
	"github.com/2389/muse/internal/intent"
	"github.com/2389/muse/internal/session"
	"github.com/2389/muse/internal/transport"
)

var (
	subjectColor = color.New(color.Bold, color.FgCyan)
	noticeColor  = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed)
	dimColor     = color.New(color.FgHiBlack)
)

func newChatCmd(a *app) *cobra.Command {
	var tone string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive email composition session",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			svc, cleanup, err := a.newEngine(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			if tone != "" {
				t, err := intent.ParseTone(tone)
				if err != nil {
					return err
				}
				svc.SetDefaultTone(t)
			}

			if err := svc.LoadModels(ctx); err != nil {
				a.logger.Warn("model catalog unavailable", "error", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprint(out, banner)
			fmt.Fprintf(out, "Connected to %s (%s mode)\n", a.cfg.Service.BaseURL, a.cfg.Service.Mode)
			fmt.Fprintln(out, "Describe the email you want. /help for commands. Ctrl+C to quit.")
			fmt.Fprintln(out)

			r := newREPL(svc, out, transport.Mode(a.cfg.Service.Mode) == transport.ModeStream, a.logger)
			if err := r.run(ctx, cmd.InOrStdin()); err != nil {
				return err
			}
			fmt.Fprintln(out, "\nGoodbye!")
			return nil
		},
	}

	cmd.Flags().StringVar(&tone, "tone", "", "Default tone: professional, formal, friendly or casual")
	return cmd
}

// repl drives one interactive chat session.
type repl struct {
	svc       *conversation.Service
	streaming bool
	logger    *slog.Logger

	mu  sync.Mutex // guards out and streamed
	out io.Writer
	// streamed records chats whose reply tokens are on screen.
	streamed map[string]bool

	wg sync.WaitGroup
}

func newREPL(svc *conversation.Service, out io.Writer, streaming bool, logger *slog.Logger) *repl {
	if logger == nil {
		logger = slog.Default()
	}
	return &repl{
		svc:       svc,
		streaming: streaming,
		logger:    logger.With("component", "repl"),
		out:       out,
		streamed:  make(map[string]bool),
	}
}

func (r *repl) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

// run reads lines from in until EOF, /quit or ctx is done. In-flight
// requests are canceled on the way out.
func (r *repl) run(ctx context.Context, in io.Reader) error {
	evCtx, stopEvents := context.WithCancel(context.Background())
	events, _ := r.svc.Subscribe(evCtx)
	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		for ev := range events {
			r.render(ev)
		}
	}()

	defer func() {
		r.svc.CancelAll()
		r.wg.Wait()
		stopEvents()
		<-rendered
	}()

	// stop releases the reader once run returns. A read already blocked on
	// in still waits for its next line or EOF.
	stop := make(chan struct{})
	defer close(stop)

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			readErr <- err
			return
		}
		readErr <- io.EOF
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case line := <-lines:
			if quit := r.handleLine(ctx, line); quit {
				return nil
			}
		}
	}
}

// handleLine runs one input line. It reports whether the session should end.
func (r *repl) handleLine(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		r.submit(ctx, conversation.Submission{Message: line})
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit", "/exit", "/q":
		return true
	case "/help":
		r.printHelp()
	case "/new":
		r.svc.StartNewConversation()
		r.printf("Started a new conversation. Your next message opens a new chat.\n")
	case "/chats":
		r.listChats()
	case "/switch":
		r.switchChat(arg)
	case "/delete":
		r.deleteChat(ctx, arg)
	case "/models":
		r.listModels()
	case "/model":
		r.selectModel(arg)
	case "/cost":
		r.showCost()
	case "/cancel":
		r.cancel()
	case "/tone":
		r.setTone(arg)
	case "/generate":
		r.submit(ctx, conversation.Submission{Message: arg, Intent: intent.Generate})
	case "/refine":
		r.submit(ctx, conversation.Submission{Message: arg, Intent: intent.Refine})
	case "/evaluate":
		r.evaluate(ctx)
	default:
		r.printf("Unknown command %s. Type /help for commands.\n", cmd)
	}
	return false
}

// submit runs a submission without blocking the input loop. Failures were
// already published as events; a busy chat is ignored.
func (r *repl) submit(ctx context.Context, sub conversation.Submission) {
	if strings.TrimSpace(sub.Message) == "" {
		r.printf("Nothing to send.\n")
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_, err := r.svc.Submit(ctx, sub)
		switch {
		case err == nil:
		case errors.Is(err, conversation.ErrBusy):
			r.logger.Debug("ignored message while chat is busy")
		case errors.Is(err, conversation.ErrClosed):
			r.printf("%s\n", errorColor.Sprint("[error] session is closed"))
		}
	}()
}

// evaluate scores the current email in the background. The result arrives
// as an event.
func (r *repl) evaluate(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_, err := r.svc.Evaluate(ctx)
		switch {
		case err == nil:
		case errors.Is(err, conversation.ErrNoEmail):
			r.printf("No email to evaluate.\n")
		case errors.Is(err, conversation.ErrBusy):
			r.printf("The active chat is busy. Try again when the reply arrives.\n")
		case errors.Is(err, conversation.ErrClosed):
			r.printf("%s\n", errorColor.Sprint("[error] session is closed"))
		}
	}()
}

func (r *repl) render(ev *conversation.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Type {
	case conversation.EventToken:
		if !ev.Active {
			return
		}
		if !r.streamed[ev.ChatID] {
			r.streamed[ev.ChatID] = true
			fmt.Fprintln(r.out)
		}
		fmt.Fprint(r.out, ev.Token)

	case conversation.EventEmail:
		streamed := r.streamed[ev.ChatID]
		delete(r.streamed, ev.ChatID)
		if !ev.Active {
			noticeColor.Fprintf(r.out, "\n[%s] email ready: %s (switch to view)\n", shortID(ev.ChatID), ev.Email.Subject)
			return
		}
		if streamed {
			fmt.Fprintln(r.out)
		} else {
			writeEmail(r.out, *ev.Email)
		}
		dimColor.Fprintf(r.out, "(email #%d · chat cost $%.4f)\n\n", ev.EmailCount, ev.Cost)

	case conversation.EventError:
		delete(r.streamed, ev.ChatID)
		if !ev.Active {
			noticeColor.Fprintf(r.out, "\n[%s] %s\n", shortID(ev.ChatID), ev.Message)
			return
		}
		errorColor.Fprintf(r.out, "\n[error] %s\n\n", ev.Message)

	case conversation.EventEvaluation:
		eval := ev.Evaluation
		if !ev.Active {
			noticeColor.Fprintf(r.out, "\n[%s] evaluation ready: %.1f/10\n", shortID(ev.ChatID), eval.OverallScore)
			return
		}
		writeEvaluation(r.out, eval)
		dimColor.Fprintf(r.out, "(chat cost $%.4f)\n\n", ev.Cost)

	case conversation.EventChatCreated:
		dimColor.Fprintf(r.out, "(new chat %s: %s)\n", shortID(ev.ChatID), ev.Title)

	case conversation.EventChatDeleted:
		delete(r.streamed, ev.ChatID)
	}
}

func writeEmail(w io.Writer, e email.Email) {
	fmt.Fprintln(w)
	subjectColor.Fprintf(w, "Subject: %s\n", e.Subject)
	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.TrimRight(e.Body, "\n"))
	fmt.Fprintln(w)
}

func writeEvaluation(w io.Writer, eval *transport.Evaluation) {
	verdict := "pass"
	if !eval.PassThreshold {
		verdict = "fail"
	}
	fmt.Fprintln(w)
	subjectColor.Fprintf(w, "Quality: %.1f/10 (%s)\n", eval.OverallScore, verdict)
	for _, m := range eval.Metrics() {
		fmt.Fprintf(w, "  %-20s %2d  %s\n", m.Name, m.Score, m.Justification)
	}
	for _, s := range eval.Strengths {
		fmt.Fprintf(w, "  + %s\n", s)
	}
	for _, s := range eval.ImprovementsNeeded {
		fmt.Fprintf(w, "  - %s\n", s)
	}
	if eval.RewriteRecommended {
		noticeColor.Fprintln(w, "A rewrite is recommended.")
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (r *repl) printHelp() {
	r.printf(`Commands:
  /new              Start a new conversation
  /chats            List chats
  /switch <id>      Switch to a chat (id prefix)
  /delete <id>      Delete a chat (id prefix)
  /models           List available models
  /model <id>       Select the model for new requests
  /cost             Show the cost of the active chat
  /cancel           Cancel the active chat's request
  /tone <tone>      Set the default tone
  /generate <text>  Draft a new email even when one is active
  /refine <text>    Refine the current email
  /evaluate         Score the current email
  /help             Show this help
  /quit             Exit
`)
}

func (r *repl) listChats() {
	chats := r.svc.Chats()
	if len(chats) == 0 {
		r.printf("No chats yet.\n")
		return
	}
	active := r.svc.Sessions().ActiveChatID()

	var b strings.Builder
	for _, c := range chats {
		marker := "  "
		if c.ID == active {
			marker = "* "
		}
		busy := ""
		if r.svc.Busy(c.ID) {
			busy = noticeColor.Sprint(" [working]")
		}
		fmt.Fprintf(&b, "%s%s  %s  (%d emails, $%.4f)%s\n", marker, shortID(c.ID), c.Title, c.EmailCount, c.Cost, busy)
	}
	r.printf("%s", b.String())
}

// findChat resolves an id prefix to exactly one chat.
func (r *repl) findChat(prefix string) (*session.Chat, error) {
	if prefix == "" {
		return nil, errors.New("a chat id is required")
	}
	var match *session.Chat
	for _, c := range r.svc.Chats() {
		if !strings.HasPrefix(c.ID, prefix) {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("chat id %q is ambiguous", prefix)
		}
		match = c
	}
	if match == nil {
		return nil, fmt.Errorf("no chat matches %q", prefix)
	}
	return match, nil
}

func (r *repl) switchChat(prefix string) {
	chat, err := r.findChat(prefix)
	if err != nil {
		r.printf("%s\n", errorColor.Sprintf("[error] %v", err))
		return
	}
	conv, err := r.svc.SwitchChat(chat.ID)
	if err != nil {
		r.printf("%s\n", errorColor.Sprintf("[error] %s", conversation.UserMessage(err)))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, "Switched to %s: %s\n", shortID(chat.ID), chat.Title)
	if e := conv.CurrentEmail(); e != nil {
		writeEmail(r.out, *e)
	}
	if r.svc.Busy(chat.ID) {
		noticeColor.Fprintln(r.out, "(a request is still running for this chat)")
	}
}

func (r *repl) deleteChat(ctx context.Context, prefix string) {
	chat, err := r.findChat(prefix)
	if err != nil {
		r.printf("%s\n", errorColor.Sprintf("[error] %v", err))
		return
	}
	if err := r.svc.DeleteChat(ctx, chat.ID); err != nil {
		r.printf("%s\n", errorColor.Sprintf("[error] %s", conversation.UserMessage(err)))
		return
	}
	r.printf("Deleted %s: %s\n", shortID(chat.ID), chat.Title)
}

func (r *repl) listModels() {
	models := r.svc.Models()
	if models == nil {
		r.printf("Model catalog is not loaded.\n")
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	printCatalog(r.out, &transport.Catalog{Models: models, Default: r.svc.DefaultModel()}, r.svc.SelectedModel())
}

func (r *repl) selectModel(id string) {
	if id == "" {
		r.printf("Current model: %s\n", r.svc.SelectedModel())
		return
	}
	if err := r.svc.SelectModel(id); err != nil {
		r.printf("%s\n", errorColor.Sprintf("[error] %v", err))
		return
	}
	r.printf("Using model %s\n", id)
}

func (r *repl) showCost() {
	conv := r.svc.Working()
	if conv == nil {
		r.printf("No active chat.\n")
		return
	}
	r.printf("%d emails, $%.4f\n", conv.EmailCount(), conv.Cost())
}

func (r *repl) cancel() {
	id := r.svc.Sessions().ActiveChatID()
	if id == "" || !r.svc.Cancel(id) {
		r.printf("Nothing to cancel.\n")
	}
}

func (r *repl) setTone(s string) {
	tone, err := intent.ParseTone(s)
	if err != nil {
		r.printf("%s\n", errorColor.Sprintf("[error] %v", err))
		return
	}
	r.svc.SetDefaultTone(tone)
	r.printf("Default tone set to %s\n", tone)
}
