package repo

import (
	"context"
	"database/sql"
	"fmt"

	"careline/internal/domain"
)

// EventsForWorkflow returns the full audit trail of one workflow in
// insertion order.
func (r *Repo) EventsForWorkflow(ctx context.Context, workflowID string) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, ts, workflow_id, agent, action, payload_json
		FROM events WHERE workflow_id = ? ORDER BY id`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("events for workflow: %w", err)
	}
	return scanEvents(rows)
}

// EventsAfter returns up to limit events with id greater than cursor, oldest
// first. Webhook delivery walks the log with this.
func (r *Repo) EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, ts, workflow_id, agent, action, payload_json
		FROM events WHERE id > ? ORDER BY id LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("events after: %w", err)
	}
	return scanEvents(rows)
}

// LatestEventID returns the highest event id, or zero for an empty log.
func (r *Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT coalesce(max(id), 0) FROM events`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("latest event id: %w", err)
	}
	return id, nil
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var ev domain.Event
		if err := rows.Scan(&ev.ID, &ev.TS, &ev.WorkflowID, &ev.Agent, &ev.Action, &ev.Payload); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
