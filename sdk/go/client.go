package carelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Careline HTTP API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// Workflow represents the API workflow model (partial).
type Workflow struct {
	WorkflowID       string      `json:"workflow_id"`
	Status           string      `json:"status"`
	TriggerType      string      `json:"trigger_type"`
	TargetRole       string      `json:"target_role"`
	RiskEvent        *RiskEvent  `json:"risk_event,omitempty"`
	ActionCard       *ActionCard `json:"action_card,omitempty"`
	ValidationPassed bool        `json:"validation_passed"`
	ValidationErrors []string    `json:"validation_errors,omitempty"`
	FinalOutput      *Message    `json:"final_output,omitempty"`
	CreatedAt        string      `json:"created_at"`
	CompletedAt      *string     `json:"completed_at,omitempty"`
}

type RiskEvent struct {
	EventID        string   `json:"event_id"`
	EventType      string   `json:"event_type"`
	Severity       string   `json:"severity"`
	MetricName     string   `json:"metric_name"`
	CurrentValue   float64  `json:"current_value"`
	ThresholdValue float64  `json:"threshold_value"`
	AffectedUnits  []string `json:"affected_units,omitempty"`
	Description    string   `json:"description,omitempty"`
}

type ActionCard struct {
	CardID     string   `json:"card_id"`
	Title      string   `json:"title"`
	Summary    string   `json:"summary,omitempty"`
	Reasoning  string   `json:"reasoning"`
	ActionType string   `json:"action_type"`
	Urgency    string   `json:"urgency"`
	Steps      []string `json:"steps"`
}

type Message struct {
	Role        string `json:"role"`
	Subject     string `json:"subject"`
	Body        string `json:"body"`
	DeliveredAt string `json:"delivered_at"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	WorkflowID string         `json:"workflow_id"`
	Agent      string         `json:"agent"`
	Action     string         `json:"action"`
	Payload    map[string]any `json:"payload_json"`
}

type Feedback struct {
	FeedbackID   string `json:"feedback_id"`
	WorkflowID   string `json:"workflow_id"`
	FeedbackType string `json:"feedback_type"`
	Comments     string `json:"comments,omitempty"`
	UserRole     string `json:"user_role"`
	CreatedAt    string `json:"created_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// StartWorkflow runs a workflow through the full pipeline.
func (c *Client) StartWorkflow(ctx context.Context, triggerType, targetRole string) (Workflow, error) {
	body := map[string]any{
		"trigger_type": triggerType,
		"target_role":  targetRole,
	}
	var resp Workflow
	err := c.do(ctx, http.MethodPost, "v0/workflows", body, &resp)
	return resp, err
}

// GetWorkflow fetches a workflow by id.
func (c *Client) GetWorkflow(ctx context.Context, workflowID string) (Workflow, error) {
	var resp Workflow
	err := c.do(ctx, http.MethodGet, "v0/workflows/"+url.PathEscape(workflowID), nil, &resp)
	return resp, err
}

// ListWorkflows returns workflow summaries, optionally filtered by status.
func (c *Client) ListWorkflows(ctx context.Context, status string, limit int) ([]Workflow, error) {
	endpoint := "v0/workflows"
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp struct {
		Workflows []Workflow `json:"workflows"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Workflows, err
}

// RejectWorkflow records a human rejection on a non-terminal workflow.
func (c *Client) RejectWorkflow(ctx context.Context, workflowID, reason, role string) (Workflow, error) {
	body := map[string]any{
		"reason": reason,
		"role":   role,
	}
	var resp Workflow
	endpoint := fmt.Sprintf("v0/workflows/%s/reject", url.PathEscape(workflowID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// SubmitFeedback records thumbs up or down feedback on a workflow.
func (c *Client) SubmitFeedback(ctx context.Context, workflowID, feedbackType, comments, userRole string) (Feedback, error) {
	body := map[string]any{
		"feedback_type": feedbackType,
		"comments":      comments,
		"user_role":     userRole,
	}
	var resp Feedback
	endpoint := fmt.Sprintf("v0/workflows/%s/feedback", url.PathEscape(workflowID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// AuditTrail returns the audit log for a workflow.
func (c *Client) AuditTrail(ctx context.Context, workflowID string) ([]Event, error) {
	var resp struct {
		Events []Event `json:"events"`
	}
	endpoint := fmt.Sprintf("v0/workflows/%s/audit", url.PathEscape(workflowID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Events, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
