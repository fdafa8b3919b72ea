package server

import "careline/internal/domain"

type StartWorkflowRequest struct {
	TriggerType string `json:"trigger_type" enum:"auto,manual" example:"manual"`
	TargetRole  string `json:"target_role" enum:"nurse,physician,admin" example:"physician"`
}

type RejectWorkflowRequest struct {
	Reason string `json:"reason" example:"plan conflicts with current staffing"`
	Role   string `json:"role,omitempty" example:"physician"`
}

type FeedbackRequest struct {
	FeedbackType string `json:"feedback_type" enum:"thumbs_up,thumbs_down"`
	Comments     string `json:"comments,omitempty"`
	UserRole     string `json:"user_role" example:"nurse"`
}

type AddDocumentRequest struct {
	Title   string `json:"title" example:"Sepsis Bundle Protocol"`
	Content string `json:"content"`
	Source  string `json:"source,omitempty"`
	DocType string `json:"doc_type,omitempty" enum:"sop,guideline,policy,note"`
}

type WorkflowListResponse struct {
	Workflows []domain.WorkflowSummary `json:"workflows"`
	Count     int                      `json:"count"`
}

type SearchResponse struct {
	Query   string               `json:"query"`
	Mode    string               `json:"mode"`
	Results []domain.ScoredChunk `json:"results"`
}

type AuditResponse struct {
	WorkflowID string         `json:"workflow_id"`
	Events     []domain.Event `json:"events"`
}

type MetricsResponse struct {
	Categories []domain.MetricSummary `json:"categories"`
}
