// ABOUTME: Fake email service HTTP handler with generate/refine in batch and stream form
// ABOUTME: Also scores emails, and supports fragment control, failure injection and gating

package fakeservice

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"
)

// Model is a catalog entry served by /api/models.
type Model struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Provider string `json:"provider,omitempty"`
}

// DefaultModels mirrors the model list the real service exposes in its UI.
var DefaultModels = []Model{
	{ID: "openai/gpt-4o", Name: "OpenAI"},
	{ID: "meta-llama/llama-3.1-8b-instruct", Name: "Bedrock"},
}

// Options configures the fake.
type Options struct {
	// FragmentSize splits every streamed write into chunks of this many
	// bytes. Zero writes each data line whole.
	FragmentSize int
	// Cost is reported as usage cost on batch replies.
	Cost float64
	// Models served by /api/models; DefaultModels when nil.
	Models []Model
	// DefaultModel served by /api/models; the first model when empty.
	DefaultModel string
	// OmitDone ends streams without the completion line.
	OmitDone bool
	// TokenDelay pauses between streamed data lines.
	TokenDelay time.Duration
	// Compose overrides the generated raw text for a request.
	Compose func(r Request) string
	Logger  *slog.Logger
}

// Request is a recorded call to a generate, refine or evaluate endpoint.
type Request struct {
	Path   string
	Stream bool

	Purpose string           `json:"purpose"`
	Details string           `json:"details"`
	Length  string           `json:"length"`
	Tone    string           `json:"tone"`
	Model   string           `json:"model"`
	History []HistoryMessage `json:"history"`

	OriginalSubject string `json:"original_subject"`
	OriginalBody    string `json:"original_body"`
	Feedback        string `json:"feedback"`

	Subject         string `json:"subject"`
	Body            string `json:"body"`
	OriginalRequest string `json:"original_request"`

	Authorization string
}

// IsRefine reports whether this was a refinement call.
func (r Request) IsRefine() bool {
	return strings.HasPrefix(r.Path, "/api/refine-email")
}

// IsEvaluate reports whether this was a scoring call.
func (r Request) IsEvaluate() bool {
	return r.Path == "/api/evaluate-email"
}

// HistoryMessage mirrors the service's chat history item.
type HistoryMessage struct {
	Role         string  `json:"role"`
	Content      string  `json:"content"`
	EmailSubject *string `json:"email_subject,omitempty"`
	EmailBody    *string `json:"email_body,omitempty"`
}

type failure struct {
	status int
	detail string
	stream bool
}

// Handler serves the fake API.
type Handler struct {
	opts   Options
	mux    *http.ServeMux
	logger *slog.Logger

	mu       sync.Mutex
	requests []Request
	failures []failure
	gate     chan struct{}
}

// New creates a fake service handler.
func New(opts Options) *Handler {
	if opts.Models == nil {
		opts.Models = DefaultModels
	}
	if opts.DefaultModel == "" && len(opts.Models) > 0 {
		opts.DefaultModel = opts.Models[0].ID
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		opts:   opts,
		mux:    http.NewServeMux(),
		logger: logger.With("component", "fakeservice"),
	}
	h.mux.HandleFunc("POST /api/generate-email", h.handleEmail)
	h.mux.HandleFunc("POST /api/generate-email/stream", h.handleEmail)
	h.mux.HandleFunc("POST /api/generate-email/quality", h.handleEmail)
	h.mux.HandleFunc("POST /api/refine-email", h.handleEmail)
	h.mux.HandleFunc("POST /api/refine-email/stream", h.handleEmail)
	h.mux.HandleFunc("POST /api/evaluate-email", h.handleEvaluate)
	h.mux.HandleFunc("GET /api/models", h.handleModels)
	h.mux.HandleFunc("GET /api/models/all", h.handleAllModels)
	h.mux.HandleFunc("GET /api/health", h.handleHealth)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// FailNext makes the next generate, refine or evaluate call return an HTTP error. An empty
// detail sends an error body without one.
func (h *Handler) FailNext(status int, detail string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = append(h.failures, failure{status: status, detail: detail})
}

// FailNextStream makes the next streamed call emit an error line after the
// first token.
func (h *Handler) FailNextStream(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = append(h.failures, failure{detail: reason, stream: true})
}

// Hold blocks generate, refine and evaluate calls until the returned release func is called.
func (h *Handler) Hold() (release func()) {
	gate := make(chan struct{})
	h.mu.Lock()
	h.gate = gate
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			if h.gate == gate {
				h.gate = nil
			}
			h.mu.Unlock()
			close(gate)
		})
	}
}

// Requests returns the recorded calls in arrival order.
func (h *Handler) Requests() []Request {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Request(nil), h.requests...)
}

// receive decodes and records a request, waits on any gate and applies a
// pending HTTP failure. It reports false once a response has been written.
func (h *Handler) receive(w http.ResponseWriter, r *http.Request) (Request, *failure, bool) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON body")
		return req, nil, false
	}
	req.Path = r.URL.Path
	req.Stream = strings.HasSuffix(r.URL.Path, "/stream")
	req.Authorization = r.Header.Get("Authorization")

	h.mu.Lock()
	h.requests = append(h.requests, req)
	gate := h.gate
	var fail *failure
	if len(h.failures) > 0 {
		fail = &h.failures[0]
		h.failures = h.failures[1:]
	}
	h.mu.Unlock()

	h.logger.Debug("request received", "path", req.Path, "model", req.Model)

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return req, nil, false
		}
	}

	if fail != nil && !fail.stream {
		writeDetail(w, fail.status, fail.detail)
		return req, nil, false
	}
	return req, fail, true
}

func (h *Handler) handleEmail(w http.ResponseWriter, r *http.Request) {
	req, fail, ok := h.receive(w, r)
	if !ok {
		return
	}

	if typ, msg := validate(req); msg != "" {
		writeValidation(w, typ, msg)
		return
	}

	raw := h.compose(req)
	if req.Stream {
		reason := ""
		if fail != nil {
			reason = fail.detail
		}
		h.writeStream(w, r, raw, reason)
		return
	}

	e := parseRaw(raw)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"subject": e.subject,
		"body":    e.body,
		"usage":   h.usage(req.Details+req.Feedback+req.OriginalBody, raw),
	})
}

func (h *Handler) usage(prompt, completion string) map[string]any {
	p, c := estimateTokens(prompt), estimateTokens(completion)
	return map[string]any{
		"prompt_tokens":     p,
		"completion_tokens": c,
		"total_tokens":      p + c,
		"cost":              h.opts.Cost,
	}
}

type score struct {
	Score         int    `json:"score"`
	Justification string `json:"justification"`
	Suggestions   string `json:"suggestions,omitempty"`
}

// handleEvaluate scores an email with fixed rules: personalization depends on
// the {{client_name}} placeholder and structure on a non-empty subject.
func (h *Handler) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	req, _, ok := h.receive(w, r)
	if !ok {
		return
	}

	base := score{Score: 8, Justification: "Meets expectations."}
	personal := score{Score: 9, Justification: "Greets the client by name."}
	if !strings.Contains(req.Body, "{{client_name}}") {
		personal = score{Score: 4, Justification: "No client placeholder.", Suggestions: "Address the client with {{client_name}}."}
	}
	structure := score{Score: 9, Justification: "Subject line and body present."}
	if strings.TrimSpace(req.Subject) == "" {
		structure = score{Score: 3, Justification: "Missing subject line.", Suggestions: "Add a subject line."}
	}

	metrics := map[string]score{
		"compliance":             base,
		"tone_consistency":       base,
		"length_accuracy":        base,
		"structure_completeness": structure,
		"purpose_alignment":      base,
		"clarity":                base,
		"professionalism":        base,
		"personalization":        personal,
		"risk_balance":           base,
		"disclaimer_accuracy":    base,
	}
	total := 0
	for _, m := range metrics {
		total += m.Score
	}
	overall := float64(total) / float64(len(metrics))

	var strengths, improvements []string
	for _, name := range []string{"structure_completeness", "personalization"} {
		if m := metrics[name]; m.Suggestions != "" {
			improvements = append(improvements, m.Suggestions)
		} else {
			strengths = append(strengths, m.Justification)
		}
	}

	resp := map[string]any{
		"overall_score":       overall,
		"pass_threshold":      overall >= 7,
		"strengths":           strengths,
		"improvements_needed": improvements,
		"rewrite_recommended": overall < 6 || metrics["compliance"].Score < 6 || metrics["purpose_alignment"].Score < 5,
		"usage":               h.usage(req.Subject+req.Body+req.OriginalRequest, ""),
	}
	for name, m := range metrics {
		resp[name] = m
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

const maxDetails = 2000

// validate returns the error type and message of the first failed field rule.
func validate(req Request) (string, string) {
	if req.IsRefine() {
		if len(req.Feedback) < 5 {
			return "string_too_short", "String should have at least 5 characters"
		}
		return "", ""
	}
	if len(req.Details) < 3 {
		return "string_too_short", "String should have at least 3 characters"
	}
	if len(req.Details) > maxDetails {
		return "string_too_long", fmt.Sprintf("String should have at most %d characters", maxDetails)
	}
	return "", ""
}

func (h *Handler) compose(req Request) string {
	if h.opts.Compose != nil {
		return h.opts.Compose(req)
	}
	if req.IsRefine() {
		return fmt.Sprintf("Subject: %s\n\n%s\n\n(Revised: %s)", req.OriginalSubject, req.OriginalBody, req.Feedback)
	}
	return fmt.Sprintf("Subject: %s\n\nHi {{client_name}},\n\n%s\n\nBest regards,\n{{advisor_name}}",
		subjectFor(req), req.Details)
}

func subjectFor(req Request) string {
	words := strings.Fields(req.Details)
	if len(words) > 6 {
		words = words[:6]
	}
	label := strings.ReplaceAll(req.Purpose, "_", " ")
	if label == "" {
		label = "note"
	}
	runes := []rune(label)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes) + ": " + strings.Join(words, " ")
}

// writeStream emits raw as data lines, one per space-delimited chunk. A chunk
// containing newlines is written as is, so the reader keeps only the text
// before its first newline; multi-line compositions arrive flattened.
func (h *Handler) writeStream(w http.ResponseWriter, r *http.Request, raw, failReason string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	emit := func(s string) {
		size := h.opts.FragmentSize
		if size <= 0 {
			size = len(s)
		}
		for len(s) > 0 {
			n := min(size, len(s))
			_, _ = w.Write([]byte(s[:n]))
			if flusher != nil {
				flusher.Flush()
			}
			s = s[n:]
		}
	}

	for i, chunk := range strings.SplitAfter(raw, " ") {
		if chunk == "" {
			continue
		}
		if failReason != "" && i == 1 {
			emit("data: [ERROR] " + failReason + "\n\n")
			return
		}
		emit("data: " + chunk + "\n\n")
		if h.opts.TokenDelay > 0 {
			select {
			case <-time.After(h.opts.TokenDelay):
			case <-r.Context().Done():
				return
			}
		}
	}
	if failReason != "" {
		emit("data: [ERROR] " + failReason + "\n\n")
		return
	}
	if !h.opts.OmitDone {
		emit("data: [DONE]\n\n")
	}
}

func (h *Handler) handleModels(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"models":  h.opts.Models,
		"default": h.opts.DefaultModel,
	})
}

// handleAllModels serves the catalog with provider details, as the service's
// OpenRouter listing does.
func (h *Handler) handleAllModels(w http.ResponseWriter, _ *http.Request) {
	models := make([]Model, len(h.opts.Models))
	for i, m := range h.opts.Models {
		if m.Provider == "" {
			m.Provider, _, _ = strings.Cut(m.ID, "/")
		}
		models[i] = m
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"models":  models,
		"default": h.opts.DefaultModel,
		"source":  "openrouter",
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy", "service": "fake-muse"})
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if detail == "" {
		_, _ = w.Write([]byte(`{}`))
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

func writeValidation(w http.ResponseWriter, typ, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnprocessableEntity)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"detail": []map[string]any{{"type": typ, "msg": msg}},
	})
}

type rawEmail struct{ subject, body string }

// parseRaw splits composed text the way the real service does before replying.
func parseRaw(raw string) rawEmail {
	first, rest, _ := strings.Cut(raw, "\n")
	if s, ok := strings.CutPrefix(first, "Subject:"); ok {
		return rawEmail{subject: strings.TrimSpace(s), body: strings.TrimLeft(rest, "\n")}
	}
	return rawEmail{body: raw}
}

func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}
