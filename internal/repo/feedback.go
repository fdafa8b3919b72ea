package repo

import (
	"context"
	"database/sql"
	"fmt"

	"careline/internal/domain"
)

func (r *Repo) InsertFeedback(ctx context.Context, tx *sql.Tx, fb domain.FeedbackRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO feedback (feedback_id, workflow_id, feedback_type, comments, user_role, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		fb.FeedbackID, fb.WorkflowID, fb.FeedbackType, fb.Comments, fb.UserRole, fb.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert feedback: %w", err)
	}
	return nil
}

func (r *Repo) ListFeedback(ctx context.Context, workflowID string) ([]domain.FeedbackRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT feedback_id, workflow_id, feedback_type, coalesce(comments, ''), user_role, created_at
		FROM feedback WHERE workflow_id = ? ORDER BY created_at`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	defer rows.Close()
	var out []domain.FeedbackRecord
	for rows.Next() {
		var fb domain.FeedbackRecord
		if err := rows.Scan(&fb.FeedbackID, &fb.WorkflowID, &fb.FeedbackType, &fb.Comments, &fb.UserRole, &fb.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, fb)
	}
	return out, rows.Err()
}
