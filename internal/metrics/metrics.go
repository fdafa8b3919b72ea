package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"careline/internal/domain"
)

// Metric categories tracked by the core.
const (
	CategoryRAGQuality      = "rag_quality"
	CategoryAgentSuccess    = "agent_success"
	CategoryWorkflowQuality = "workflow_quality"
)

// Writer records counters and observations. Write-only from the engine's
// perspective; Summary exists for the reporting surface.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) Record(ctx context.Context, category, name string, value float64, metadata map[string]any) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal metric metadata: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO metrics(category,metric_name,value,metadata_json,created_at) VALUES (?,?,?,?,?)`,
		category, name, value, string(data), now().UTC().Format(time.RFC3339))
	return err
}

// Summary aggregates all recorded metrics per category.
func (w Writer) Summary(ctx context.Context) ([]domain.MetricSummary, error) {
	rows, err := w.DB.QueryContext(ctx, `SELECT category, COUNT(*), AVG(value), MIN(value), MAX(value) FROM metrics GROUP BY category ORDER BY category`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MetricSummary
	for rows.Next() {
		var s domain.MetricSummary
		if err := rows.Scan(&s.Category, &s.Count, &s.Avg, &s.Min, &s.Max); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
