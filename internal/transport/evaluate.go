// ABOUTME: Quality evaluation of a finished email against the service's ten metrics
// ABOUTME: Scores are 1-10 per metric plus a weighted overall score and a 7.0 pass flag

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/2389/muse/internal/email"
	"github.com/2389/muse/internal/intent"
)

// EvaluateRequest asks the service to score an email.
type EvaluateRequest struct {
	Subject         string         `json:"subject"`
	Body            string         `json:"body"`
	Purpose         intent.Purpose `json:"purpose"`
	Tone            intent.Tone    `json:"tone"`
	Length          intent.Length  `json:"length"`
	OriginalRequest string         `json:"original_request"`
	Model           string         `json:"model,omitempty"`
}

// MetricScore is one metric's result.
type MetricScore struct {
	Score         int    `json:"score"`
	Justification string `json:"justification"`
	Suggestions   string `json:"suggestions,omitempty"`
}

// Metric is a named MetricScore.
type Metric struct {
	Name string
	MetricScore
}

// Evaluation is the service's verdict on an email.
type Evaluation struct {
	Compliance            MetricScore `json:"compliance"`
	ToneConsistency       MetricScore `json:"tone_consistency"`
	LengthAccuracy        MetricScore `json:"length_accuracy"`
	StructureCompleteness MetricScore `json:"structure_completeness"`
	PurposeAlignment      MetricScore `json:"purpose_alignment"`
	Clarity               MetricScore `json:"clarity"`
	Professionalism       MetricScore `json:"professionalism"`
	Personalization       MetricScore `json:"personalization"`
	RiskBalance           MetricScore `json:"risk_balance"`
	DisclaimerAccuracy    MetricScore `json:"disclaimer_accuracy"`

	OverallScore       float64  `json:"overall_score"`
	PassThreshold      bool     `json:"pass_threshold"`
	Strengths          []string `json:"strengths"`
	ImprovementsNeeded []string `json:"improvements_needed"`
	RewriteRecommended bool     `json:"rewrite_recommended"`

	Usage *email.Usage `json:"usage,omitempty"`
}

// Metrics returns the ten metrics in the service's display order.
func (e *Evaluation) Metrics() []Metric {
	return []Metric{
		{"Compliance", e.Compliance},
		{"Tone consistency", e.ToneConsistency},
		{"Length accuracy", e.LengthAccuracy},
		{"Structure", e.StructureCompleteness},
		{"Purpose alignment", e.PurposeAlignment},
		{"Clarity", e.Clarity},
		{"Professionalism", e.Professionalism},
		{"Personalization", e.Personalization},
		{"Risk balance", e.RiskBalance},
		{"Disclaimer accuracy", e.DisclaimerAccuracy},
	}
}

// Cost returns the usage cost of the evaluation call.
func (e *Evaluation) Cost() float64 {
	if e == nil || e.Usage == nil {
		return 0
	}
	return e.Usage.Cost
}

// Evaluate scores an email. It always uses a plain JSON request, whatever
// the client mode.
func (c *Client) Evaluate(ctx context.Context, req EvaluateRequest) (*Evaluation, error) {
	const op = "evaluate"

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s request: %w", op, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/evaluate-email", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	c.authorize(httpReq)

	c.logger.Debug("sending request", "op", op, "purpose", req.Purpose, "model", req.Model)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.errorResponse(op, resp, "Failed to evaluate email")
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("reading response: %w", err)}
	}

	var eval Evaluation
	if err := json.Unmarshal(data, &eval); err != nil {
		return nil, &ServiceError{
			StatusCode: resp.StatusCode,
			Message:    "The email service returned an unreadable evaluation.",
			Err:        err,
		}
	}
	if eval.Usage != nil && eval.Usage.Cost < 0 {
		eval.Usage.Cost = 0
	}

	c.logger.Debug("received evaluation",
		"overall_score", eval.OverallScore,
		"pass", eval.PassThreshold,
		"rewrite_recommended", eval.RewriteRecommended)

	return &eval, nil
}
