// ABOUTME: HTTP client for the email service: generate, refine, models and health endpoints
// ABOUTME: Returns batch emails or token streams depending on the mode fixed at construction

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/2389/muse/internal/email"
	"github.com/2389/muse/internal/stream"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// Client talks to the email generation service.
type Client struct {
	baseURL string
	mode    Mode
	token   string
	quality bool
	client  *http.Client
	logger  *slog.Logger
}

// NewClient creates a client for the service at baseURL. The mode applies to
// every generate and refine call made through this client.
func NewClient(baseURL string, mode Mode) *Client {
	if mode == "" {
		mode = ModeBatch
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		mode:    mode,
		client:  &http.Client{},
		logger:  slog.Default().With("component", "transport"),
	}
}

// SetToken configures a bearer token sent with every request.
func (c *Client) SetToken(token string) {
	c.token = token
}

// SetQuality routes batch generation through the service's quality
// pipeline, which evaluates and polishes the draft before replying. The
// pipeline has no streaming form, so streaming clients ignore it.
func (c *Client) SetQuality(on bool) {
	c.quality = on
}

// SetTimeout bounds each request, including reading a batch body. Streams are
// bounded by the caller's context instead.
func (c *Client) SetTimeout(d time.Duration) {
	c.client.Timeout = d
}

// SetHTTPClient replaces the underlying HTTP client.
func (c *Client) SetHTTPClient(hc *http.Client) {
	c.client = hc
}

// SetLogger replaces the client logger.
func (c *Client) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	c.logger = logger.With("component", "transport")
}

// Mode returns the reply mode this client was built with.
func (c *Client) Mode() Mode {
	return c.mode
}

// Generate requests a new email.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (*Reply, error) {
	if req.History == nil {
		req.History = []HistoryMessage{}
	}
	path := "/api/generate-email"
	if c.quality {
		if c.mode == ModeBatch {
			path += "/quality"
		} else {
			c.logger.Debug("quality pipeline unavailable for streaming, using plain generation")
		}
	}
	return c.call(ctx, "generate", path, req, "Failed to generate email")
}

// Refine requests an amended version of an existing email.
func (c *Client) Refine(ctx context.Context, req RefineRequest) (*Reply, error) {
	if req.History == nil {
		req.History = []HistoryMessage{}
	}
	return c.call(ctx, "refine", "/api/refine-email", req, "Failed to refine email")
}

func (c *Client) call(ctx context.Context, op, path string, payload any, fallback string) (*Reply, error) {
	streaming := c.mode == ModeStream
	if streaming {
		path += "/stream"
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s request: %w", op, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if streaming {
		httpReq.Header.Set("Accept", "text/event-stream")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}
	c.authorize(httpReq)

	c.logger.Debug("sending request", "op", op, "path", path, "mode", c.mode)

	client := c.client
	if streaming && client.Timeout != 0 {
		// A client timeout would cut long streams mid-body.
		clone := *client
		clone.Timeout = 0
		client = &clone
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, c.errorResponse(op, resp, fallback)
	}

	if streaming {
		return &Reply{Stream: stream.New(resp.Body)}, nil
	}

	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("reading response: %w", err)}
	}

	var result email.Email
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, &ServiceError{
			StatusCode: resp.StatusCode,
			Message:    "The email service returned an unreadable response.",
			Err:        err,
		}
	}
	if result.Usage != nil && result.Usage.Cost < 0 {
		result.Usage.Cost = 0
	}

	c.logger.Debug("received email",
		"op", op,
		"subject_length", len(result.Subject),
		"body_length", len(result.Body),
		"cost", result.Cost())

	return &Reply{Email: &result}, nil
}

// errorResponse converts a non-success response into a ServiceError.
func (c *Client) errorResponse(op string, resp *http.Response, fallback string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := detailMessage(body, fallback)

	c.logger.Warn("service returned error",
		"op", op,
		"status", resp.StatusCode,
		"detail", msg)

	return &ServiceError{StatusCode: resp.StatusCode, Message: msg}
}

// Models fetches the curated model catalog.
func (c *Client) Models(ctx context.Context) (*Catalog, error) {
	return c.catalog(ctx, "models", "/api/models")
}

// AllModels fetches every model the service's upstream provider offers.
// Source reports whether the list is live or the service's fallback.
func (c *Client) AllModels(ctx context.Context) (*Catalog, error) {
	return c.catalog(ctx, "models", "/api/models/all")
}

func (c *Client) catalog(ctx context.Context, op, path string) (*Catalog, error) {
	resp, err := c.get(ctx, op, path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.errorResponse(op, resp, "Failed to load models")
	}

	var catalog Catalog
	if err := json.NewDecoder(resp.Body).Decode(&catalog); err != nil {
		return nil, &ServiceError{
			StatusCode: resp.StatusCode,
			Message:    "The email service returned an unreadable model list.",
			Err:        err,
		}
	}

	// Drop entries without an id; a missing name falls back to the id.
	models := make([]Model, 0, len(catalog.Models))
	for _, m := range catalog.Models {
		if m.ID == "" {
			continue
		}
		if m.Name == "" {
			m.Name = m.ID
		}
		models = append(models, Model{ID: m.ID, Name: m.Name, Provider: m.Provider})
	}
	catalog.Models = models

	return &catalog, nil
}

// Health checks that the service is up.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.get(ctx, "health", "/api/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.errorResponse("health", resp, fmt.Sprintf("unhealthy: status %d", resp.StatusCode))
	}
	return nil
}

func (c *Client) get(ctx context.Context, op, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	return resp, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// IsCanceled reports whether err stems from a canceled or expired context.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
