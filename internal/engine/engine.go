package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"careline/internal/config"
	"careline/internal/domain"
	"careline/internal/events"
	"careline/internal/guardrail"
	"careline/internal/metrics"
	"careline/internal/notify"
	"careline/internal/planner"
	"careline/internal/repo"
)

// ErrTerminal is returned when an operation targets a workflow that has
// already reached a terminal status.
var ErrTerminal = errors.New("workflow is in a terminal status")

// RiskDetector is the monitoring agent surface the orchestrator drives.
type RiskDetector interface {
	Detect(ctx context.Context) (*domain.RiskEvent, error)
}

// EvidenceSearcher is the retrieval agent surface.
type EvidenceSearcher interface {
	Search(ctx context.Context, query string) ([]domain.ScoredChunk, error)
}

// PlanGenerator is the planning agent surface.
type PlanGenerator interface {
	Generate(ctx context.Context, event domain.RiskEvent, evidence []domain.ScoredChunk) (domain.ActionCard, error)
}

// Engine orchestrates the monitor, retrieval, planning, guardrail, and
// notification agents over one workspace database. It is the only writer of
// workflow records; every persisted transition carries its agent history
// entry and audit row in the same transaction.
type Engine struct {
	DB        *sql.DB
	Repo      *repo.Repo
	Events    events.Writer
	Metrics   metrics.Writer
	Config    *config.Config
	Now       func() time.Time
	Monitor   RiskDetector
	Retriever EvidenceSearcher
	Planner   PlanGenerator
	Guardrail *guardrail.Validator
	Notifier  *notify.Formatter

	locks workflowLocks
}

// workflowLocks serializes transitions per workflow id so a concurrent
// reject and a running pipeline never interleave a persist.
type workflowLocks struct {
	stripes [16]sync.Mutex
}

func (l *workflowLocks) get(workflowID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(workflowID))
	return &l.stripes[h.Sum32()%uint32(len(l.stripes))]
}

var validRoles = map[string]bool{
	notify.RoleNurse:     true,
	notify.RolePhysician: true,
	notify.RoleAdmin:     true,
}

// StartWorkflow creates a workflow and runs it through the full pipeline.
// The returned record is the terminal state; pipeline failures are recorded
// on the workflow, not returned as errors. Only infrastructure problems
// (database, malformed state) surface as an error.
func (e *Engine) StartWorkflow(ctx context.Context, triggerType, targetRole string) (domain.WorkflowRecord, error) {
	if triggerType != "auto" && triggerType != "manual" {
		return domain.WorkflowRecord{}, fmt.Errorf("trigger type must be auto or manual, got %q", triggerType)
	}
	if !validRoles[targetRole] {
		return domain.WorkflowRecord{}, fmt.Errorf("target role must be nurse, physician or admin, got %q", targetRole)
	}

	// The scan begins in the same call, so the record is born monitoring.
	// StatusPending is reserved for records created ahead of a run.
	rec := domain.WorkflowRecord{
		WorkflowID:   uuid.NewString(),
		Status:       domain.StatusMonitoring,
		TriggerType:  triggerType,
		TargetRole:   targetRole,
		AgentHistory: []domain.AgentStep{},
		CreatedAt:    e.Now().UTC().Format(time.RFC3339),
	}
	if err := e.create(ctx, rec); err != nil {
		return domain.WorkflowRecord{}, err
	}
	return e.run(ctx, rec.WorkflowID)
}

func (e *Engine) create(ctx context.Context, rec domain.WorkflowRecord) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create workflow: %w", err)
	}
	defer tx.Rollback()
	if err := e.Repo.InsertWorkflow(ctx, tx, rec); err != nil {
		return err
	}
	err = e.Events.Append(ctx, tx, rec.WorkflowID, "orchestrator", "workflow_created", events.EventPayload{
		"trigger_type": rec.TriggerType,
		"target_role":  rec.TargetRole,
	})
	if err != nil {
		return err
	}
	return tx.Commit()
}

// run drives the state machine. Each stage persists before the next begins,
// so a crash leaves the workflow parked at its last completed stage.
func (e *Engine) run(ctx context.Context, workflowID string) (domain.WorkflowRecord, error) {
	// Monitoring.
	riskEvent, err := e.detect(ctx, workflowID)
	if err != nil {
		return e.fail(ctx, workflowID, "monitor", err)
	}
	if riskEvent == nil {
		rec, _, err := e.update(ctx, workflowID, func(r *domain.WorkflowRecord) domain.AgentStep {
			r.Status = domain.StatusCompleted
			return domain.AgentStep{Agent: "monitor", Action: "no_risk_detected"}
		})
		return rec, err
	}
	rec, ok, err := e.update(ctx, workflowID, func(r *domain.WorkflowRecord) domain.AgentStep {
		r.RiskEvent = riskEvent
		r.Status = domain.StatusRetrieving
		return domain.AgentStep{Agent: "monitor", Action: "risk_detected", Details: map[string]any{
			"event_type": riskEvent.EventType,
			"severity":   riskEvent.Severity,
			"metric":     riskEvent.MetricName,
			"value":      riskEvent.CurrentValue,
		}}
	})
	if err != nil || !ok {
		return rec, err
	}

	// Retrieval.
	evidence, err := e.Retriever.Search(ctx, evidenceQuery(*riskEvent))
	if err != nil {
		return e.fail(ctx, workflowID, "retrieval", err)
	}
	e.recordRetrievalQuality(ctx, evidence)
	rec, ok, err = e.update(ctx, workflowID, func(r *domain.WorkflowRecord) domain.AgentStep {
		r.Status = domain.StatusPlanning
		details := map[string]any{"results": len(evidence)}
		if len(evidence) == 0 {
			details["note"] = "no reference material met the confidence threshold"
		} else {
			details["top_score"] = evidence[0].Score
		}
		return domain.AgentStep{Agent: "retrieval", Action: "evidence_collected", Details: details}
	})
	if err != nil || !ok {
		return rec, err
	}

	// Planning.
	card, err := e.generate(ctx, workflowID, *riskEvent, evidence)
	if err != nil {
		return e.fail(ctx, workflowID, "planner", err)
	}
	rec, ok, err = e.update(ctx, workflowID, func(r *domain.WorkflowRecord) domain.AgentStep {
		r.ActionCard = &card
		r.Status = domain.StatusValidating
		return domain.AgentStep{Agent: "planner", Action: "plan_generated", Details: map[string]any{
			"card_id":   card.CardID,
			"urgency":   card.Urgency,
			"steps":     len(card.Steps),
			"citations": len(card.CitedSources),
		}}
	})
	if err != nil || !ok {
		return rec, err
	}

	// Validation.
	passed, violations := e.Guardrail.Validate(card, *riskEvent, evidence)
	if !passed {
		rec, _, err = e.update(ctx, workflowID, func(r *domain.WorkflowRecord) domain.AgentStep {
			r.ValidationPassed = false
			r.ValidationErrors = violations
			r.Status = domain.StatusRejected
			return domain.AgentStep{Agent: "guardrail", Action: "validation_failed", Details: map[string]any{
				"violations": violations,
			}}
		})
		e.recordOutcome(ctx, workflowID, domain.StatusRejected)
		return rec, err
	}
	rec, ok, err = e.update(ctx, workflowID, func(r *domain.WorkflowRecord) domain.AgentStep {
		r.ValidationPassed = true
		r.ValidationErrors = nil
		r.Status = domain.StatusNotifying
		return domain.AgentStep{Agent: "guardrail", Action: "validation_passed"}
	})
	// ok is false when a reviewer rejected the workflow between validation
	// and delivery. Nothing is sent in that case.
	if err != nil || !ok {
		return rec, err
	}

	// Notification.
	msg, err := e.Notifier.Format(card, *riskEvent, rec.TargetRole)
	if err != nil {
		return e.fail(ctx, workflowID, "notifier", err)
	}
	rec, ok, err = e.update(ctx, workflowID, func(r *domain.WorkflowRecord) domain.AgentStep {
		r.FinalOutput = &msg
		r.Status = domain.StatusCompleted
		return domain.AgentStep{Agent: "notifier", Action: "message_delivered", Details: map[string]any{
			"role":    msg.Role,
			"subject": msg.Subject,
		}}
	})
	if err != nil {
		return rec, err
	}
	if ok {
		e.recordOutcome(ctx, workflowID, domain.StatusCompleted)
	}
	return rec, nil
}

// detect runs the monitor, retrying transient provider failures up to the
// configured count. Each retry is recorded on the workflow. Each attempt
// gets its own provider timeout so a stalled forecast feed cannot hold the
// workflow open.
func (e *Engine) detect(ctx context.Context, workflowID string) (*domain.RiskEvent, error) {
	retries := e.Config.Workflow.ProviderRetries
	for attempt := 0; ; attempt++ {
		riskEvent, err := e.detectOnce(ctx)
		if err == nil {
			return riskEvent, nil
		}
		if attempt >= retries {
			return nil, err
		}
		_, ok, uerr := e.update(ctx, workflowID, func(r *domain.WorkflowRecord) domain.AgentStep {
			return domain.AgentStep{Agent: "monitor", Action: "retrying", Details: map[string]any{
				"attempt": attempt + 1,
				"error":   err.Error(),
			}}
		})
		if uerr != nil {
			return nil, uerr
		}
		if !ok {
			return nil, ErrTerminal
		}
	}
}

func (e *Engine) detectOnce(ctx context.Context) (*domain.RiskEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, e.Config.MonitorTimeout())
	defer cancel()
	return e.Monitor.Detect(ctx)
}

// generate runs the planner. Only *planner.ProviderError is retried;
// unusable output is final.
func (e *Engine) generate(ctx context.Context, workflowID string, riskEvent domain.RiskEvent, evidence []domain.ScoredChunk) (domain.ActionCard, error) {
	retries := e.Config.Workflow.ProviderRetries
	for attempt := 0; ; attempt++ {
		card, err := e.Planner.Generate(ctx, riskEvent, evidence)
		if err == nil {
			return card, nil
		}
		var provErr *planner.ProviderError
		if !errors.As(err, &provErr) || attempt >= retries {
			return domain.ActionCard{}, err
		}
		_, ok, uerr := e.update(ctx, workflowID, func(r *domain.WorkflowRecord) domain.AgentStep {
			return domain.AgentStep{Agent: "planner", Action: "retrying", Details: map[string]any{
				"attempt": attempt + 1,
				"error":   err.Error(),
			}}
		})
		if uerr != nil {
			return domain.ActionCard{}, uerr
		}
		if !ok {
			return domain.ActionCard{}, ErrTerminal
		}
	}
}

func (e *Engine) fail(ctx context.Context, workflowID, agent string, cause error) (domain.WorkflowRecord, error) {
	if errors.Is(cause, ErrTerminal) {
		rec, err := e.Repo.GetWorkflow(ctx, workflowID)
		return rec, err
	}
	rec, _, err := e.update(ctx, workflowID, func(r *domain.WorkflowRecord) domain.AgentStep {
		r.Status = domain.StatusFailed
		return domain.AgentStep{Agent: agent, Action: "failed", Details: map[string]any{
			"error": cause.Error(),
		}}
	})
	e.recordOutcome(ctx, workflowID, domain.StatusFailed)
	return rec, err
}

// update loads the workflow fresh under its lock, applies mutate, stamps the
// history step, and persists record plus audit row in one transaction. It
// reports ok=false without mutating when the workflow is already terminal.
func (e *Engine) update(ctx context.Context, workflowID string, mutate func(*domain.WorkflowRecord) domain.AgentStep) (domain.WorkflowRecord, bool, error) {
	mu := e.locks.get(workflowID)
	mu.Lock()
	defer mu.Unlock()

	rec, err := e.Repo.GetWorkflow(ctx, workflowID)
	if err != nil {
		return rec, false, err
	}
	if domain.Terminal(rec.Status) {
		return rec, false, nil
	}
	step := mutate(&rec)
	step.Timestamp = e.Now().UTC().Format(time.RFC3339)
	rec.AgentHistory = append(rec.AgentHistory, step)
	if domain.Terminal(rec.Status) && rec.CompletedAt == nil {
		done := e.Now().UTC().Format(time.RFC3339)
		rec.CompletedAt = &done
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return rec, false, fmt.Errorf("begin workflow update: %w", err)
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateWorkflow(ctx, tx, rec); err != nil {
		return rec, false, err
	}
	if err := e.Events.Append(ctx, tx, workflowID, step.Agent, step.Action, events.EventPayload(step.Details)); err != nil {
		return rec, false, err
	}
	if err := tx.Commit(); err != nil {
		return rec, false, err
	}
	return rec, true, nil
}

func evidenceQuery(riskEvent domain.RiskEvent) string {
	parts := []string{riskEvent.Description, strings.ReplaceAll(riskEvent.MetricName, "_", " ")}
	if len(riskEvent.AffectedUnits) > 0 {
		parts = append(parts, strings.Join(riskEvent.AffectedUnits, " "))
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

func (e *Engine) recordRetrievalQuality(ctx context.Context, evidence []domain.ScoredChunk) {
	var avg float64
	for _, chunk := range evidence {
		avg += chunk.Score
	}
	if len(evidence) > 0 {
		avg /= float64(len(evidence))
	}
	// Metrics are best effort; a failed write never fails the workflow.
	_ = e.Metrics.Record(ctx, metrics.CategoryRAGQuality, "retrieval_confidence", avg, map[string]any{
		"results": len(evidence),
	})
}

func (e *Engine) recordOutcome(ctx context.Context, workflowID, status string) {
	value := 0.0
	if status == domain.StatusCompleted {
		value = 1
	}
	_ = e.Metrics.Record(ctx, metrics.CategoryAgentSuccess, "workflow_outcome", value, map[string]any{
		"workflow_id": workflowID,
		"status":      status,
	})
}
