package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"careline/internal/domain"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Repo wraps the workspace database with typed queries. Mutating workflow
// methods take the transaction they must run in so the orchestrator can
// commit a step's record, history, and audit row atomically.
type Repo struct {
	DB *sql.DB
}

func New(db *sql.DB) *Repo {
	return &Repo{DB: db}
}

const workflowColumns = `workflow_id, status, trigger_type, target_role,
	risk_event_json, action_card_json, validation_passed, validation_errors_json,
	final_output_json, agent_history_json, created_at, completed_at`

func (r *Repo) InsertWorkflow(ctx context.Context, tx *sql.Tx, rec domain.WorkflowRecord) error {
	cols, err := workflowJSON(rec)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflows (`+workflowColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.WorkflowID, rec.Status, rec.TriggerType, rec.TargetRole,
		cols.riskEvent, cols.actionCard, boolToInt(rec.ValidationPassed), cols.validationErrors,
		cols.finalOutput, cols.agentHistory, rec.CreatedAt, rec.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	return nil
}

func (r *Repo) UpdateWorkflow(ctx context.Context, tx *sql.Tx, rec domain.WorkflowRecord) error {
	cols, err := workflowJSON(rec)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE workflows SET
			status = ?, risk_event_json = ?, action_card_json = ?,
			validation_passed = ?, validation_errors_json = ?,
			final_output_json = ?, agent_history_json = ?, completed_at = ?
		WHERE workflow_id = ?`,
		rec.Status, cols.riskEvent, cols.actionCard,
		boolToInt(rec.ValidationPassed), cols.validationErrors,
		cols.finalOutput, cols.agentHistory, rec.CompletedAt,
		rec.WorkflowID)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repo) GetWorkflow(ctx context.Context, workflowID string) (domain.WorkflowRecord, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT `+workflowColumns+` FROM workflows WHERE workflow_id = ?`, workflowID)
	return scanWorkflow(row)
}

// ListWorkflowsQuery filters the workflow list.
type ListWorkflowsQuery struct {
	Status      string
	TriggerType string
	Limit       int
	Offset      int
}

func (r *Repo) ListWorkflows(ctx context.Context, q ListWorkflowsQuery) ([]domain.WorkflowSummary, error) {
	if q.Limit <= 0 || q.Limit > 200 {
		q.Limit = 50
	}
	where := "1=1"
	args := []any{}
	if q.Status != "" {
		where += " AND status = ?"
		args = append(args, q.Status)
	}
	if q.TriggerType != "" {
		where += " AND trigger_type = ?"
		args = append(args, q.TriggerType)
	}
	args = append(args, q.Limit, q.Offset)
	rows, err := r.DB.QueryContext(ctx, `
		SELECT workflow_id, status, trigger_type, target_role,
			risk_event_json, created_at, completed_at
		FROM workflows WHERE `+where+`
		ORDER BY created_at DESC, workflow_id DESC
		LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []domain.WorkflowSummary
	for rows.Next() {
		var s domain.WorkflowSummary
		var riskJSON, completedAt sql.NullString
		if err := rows.Scan(&s.WorkflowID, &s.Status, &s.TriggerType, &s.TargetRole,
			&riskJSON, &s.CreatedAt, &completedAt); err != nil {
			return nil, err
		}
		if completedAt.Valid {
			s.CompletedAt = &completedAt.String
		}
		if riskJSON.Valid && riskJSON.String != "" {
			var ev domain.RiskEvent
			if err := json.Unmarshal([]byte(riskJSON.String), &ev); err == nil {
				s.RiskEventType = ev.EventType
				s.Severity = ev.Severity
			}
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type workflowJSONCols struct {
	riskEvent        sql.NullString
	actionCard       sql.NullString
	validationErrors string
	finalOutput      sql.NullString
	agentHistory     string
}

func workflowJSON(rec domain.WorkflowRecord) (workflowJSONCols, error) {
	var cols workflowJSONCols
	var err error
	if cols.riskEvent, err = marshalNullable(rec.RiskEvent); err != nil {
		return cols, err
	}
	if cols.actionCard, err = marshalNullable(rec.ActionCard); err != nil {
		return cols, err
	}
	if cols.finalOutput, err = marshalNullable(rec.FinalOutput); err != nil {
		return cols, err
	}
	validationErrors := rec.ValidationErrors
	if validationErrors == nil {
		validationErrors = []string{}
	}
	b, err := json.Marshal(validationErrors)
	if err != nil {
		return cols, err
	}
	cols.validationErrors = string(b)
	history := rec.AgentHistory
	if history == nil {
		history = []domain.AgentStep{}
	}
	if b, err = json.Marshal(history); err != nil {
		return cols, err
	}
	cols.agentHistory = string(b)
	return cols, nil
}

func marshalNullable(v any) (sql.NullString, error) {
	switch x := v.(type) {
	case *domain.RiskEvent:
		if x == nil {
			return sql.NullString{}, nil
		}
	case *domain.ActionCard:
		if x == nil {
			return sql.NullString{}, nil
		}
	case *domain.Message:
		if x == nil {
			return sql.NullString{}, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (domain.WorkflowRecord, error) {
	var rec domain.WorkflowRecord
	var riskJSON, cardJSON, outputJSON, completedAt sql.NullString
	var errorsJSON, historyJSON string
	var passed int
	err := row.Scan(&rec.WorkflowID, &rec.Status, &rec.TriggerType, &rec.TargetRole,
		&riskJSON, &cardJSON, &passed, &errorsJSON,
		&outputJSON, &historyJSON, &rec.CreatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, fmt.Errorf("scan workflow: %w", err)
	}
	rec.ValidationPassed = passed != 0
	if completedAt.Valid {
		rec.CompletedAt = &completedAt.String
	}
	if riskJSON.Valid && riskJSON.String != "" {
		rec.RiskEvent = &domain.RiskEvent{}
		if err := json.Unmarshal([]byte(riskJSON.String), rec.RiskEvent); err != nil {
			return rec, fmt.Errorf("decode risk event: %w", err)
		}
	}
	if cardJSON.Valid && cardJSON.String != "" {
		rec.ActionCard = &domain.ActionCard{}
		if err := json.Unmarshal([]byte(cardJSON.String), rec.ActionCard); err != nil {
			return rec, fmt.Errorf("decode action card: %w", err)
		}
	}
	if outputJSON.Valid && outputJSON.String != "" {
		rec.FinalOutput = &domain.Message{}
		if err := json.Unmarshal([]byte(outputJSON.String), rec.FinalOutput); err != nil {
			return rec, fmt.Errorf("decode final output: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(errorsJSON), &rec.ValidationErrors); err != nil {
		return rec, fmt.Errorf("decode validation errors: %w", err)
	}
	if err := json.Unmarshal([]byte(historyJSON), &rec.AgentHistory); err != nil {
		return rec, fmt.Errorf("decode agent history: %w", err)
	}
	return rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
