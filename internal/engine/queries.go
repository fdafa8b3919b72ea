package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"careline/internal/domain"
	"careline/internal/events"
	"careline/internal/metrics"
	"careline/internal/repo"
)

// GetWorkflow returns the full record including agent history.
func (e *Engine) GetWorkflow(ctx context.Context, workflowID string) (domain.WorkflowRecord, error) {
	return e.Repo.GetWorkflow(ctx, workflowID)
}

// ListWorkflows returns list-view summaries, newest first.
func (e *Engine) ListWorkflows(ctx context.Context, q repo.ListWorkflowsQuery) ([]domain.WorkflowSummary, error) {
	return e.Repo.ListWorkflows(ctx, q)
}

// Reject records a human rejection. Valid on any non-terminal workflow; a
// workflow already completed, failed, or rejected returns ErrTerminal. A
// rejection landing between validation and delivery stops the notification
// from going out.
func (e *Engine) Reject(ctx context.Context, workflowID, reason, reviewerRole string) (domain.WorkflowRecord, error) {
	if strings.TrimSpace(reason) == "" {
		return domain.WorkflowRecord{}, fmt.Errorf("rejection reason is required")
	}
	rec, ok, err := e.update(ctx, workflowID, func(r *domain.WorkflowRecord) domain.AgentStep {
		r.Status = domain.StatusRejected
		r.ValidationPassed = false
		return domain.AgentStep{Agent: "reviewer", Action: "workflow_rejected", Details: map[string]any{
			"reason": reason,
			"role":   reviewerRole,
		}}
	})
	if err != nil {
		return rec, err
	}
	if !ok {
		return rec, ErrTerminal
	}
	e.recordOutcome(ctx, workflowID, domain.StatusRejected)
	return rec, nil
}

// SubmitFeedback stores reviewer feedback on a workflow and mirrors it into
// the workflow_quality metric (thumbs up scores 1, thumbs down 0).
func (e *Engine) SubmitFeedback(ctx context.Context, workflowID, feedbackType, comments, userRole string) (domain.FeedbackRecord, error) {
	if feedbackType != "thumbs_up" && feedbackType != "thumbs_down" {
		return domain.FeedbackRecord{}, fmt.Errorf("feedback type must be thumbs_up or thumbs_down, got %q", feedbackType)
	}
	if _, err := e.Repo.GetWorkflow(ctx, workflowID); err != nil {
		return domain.FeedbackRecord{}, err
	}
	fb := domain.FeedbackRecord{
		FeedbackID:   uuid.NewString(),
		WorkflowID:   workflowID,
		FeedbackType: feedbackType,
		Comments:     comments,
		UserRole:     userRole,
		CreatedAt:    e.Now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.FeedbackRecord{}, fmt.Errorf("begin feedback: %w", err)
	}
	defer tx.Rollback()
	if err := e.Repo.InsertFeedback(ctx, tx, fb); err != nil {
		return domain.FeedbackRecord{}, err
	}
	err = e.Events.Append(ctx, tx, workflowID, "reviewer", "feedback_submitted", events.EventPayload{
		"feedback_type": feedbackType,
		"user_role":     userRole,
	})
	if err != nil {
		return domain.FeedbackRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.FeedbackRecord{}, err
	}
	value := 0.0
	if feedbackType == "thumbs_up" {
		value = 1
	}
	_ = e.Metrics.Record(ctx, metrics.CategoryWorkflowQuality, "feedback", value, map[string]any{
		"workflow_id": workflowID,
	})
	return fb, nil
}

// AuditTrail returns the append-only event log for one workflow.
func (e *Engine) AuditTrail(ctx context.Context, workflowID string) ([]domain.Event, error) {
	if _, err := e.Repo.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	return e.Repo.EventsForWorkflow(ctx, workflowID)
}

// MetricsSummary aggregates recorded metrics per category.
func (e *Engine) MetricsSummary(ctx context.Context) ([]domain.MetricSummary, error) {
	return e.Metrics.Summary(ctx)
}
