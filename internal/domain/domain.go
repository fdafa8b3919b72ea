package domain

// Workflow statuses. The orchestrator is the only writer.
const (
	StatusPending    = "pending"
	StatusMonitoring = "monitoring"
	StatusRetrieving = "retrieving"
	StatusPlanning   = "planning"
	StatusValidating = "validating"
	StatusNotifying  = "notifying"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusRejected   = "rejected"
)

// Terminal reports whether a workflow status admits no further transitions.
func Terminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusRejected
}

type RiskEvent struct {
	EventID           string   `json:"event_id"`
	EventType         string   `json:"event_type"`
	Severity          string   `json:"severity" enum:"low,medium,high,critical"`
	DetectedAt        string   `json:"detected_at" format:"date-time"`
	MetricName        string   `json:"metric_name"`
	CurrentValue      float64  `json:"current_value"`
	ThresholdValue    float64  `json:"threshold_value"`
	Unit              string   `json:"unit,omitempty"`
	AffectedUnits     []string `json:"affected_units,omitempty"`
	RelatedPatientIDs []string `json:"related_patient_ids,omitempty"`
	Description       string   `json:"description,omitempty"`
}

type CitedSource struct {
	SourceID       string  `json:"source_id"`
	SourceTitle    string  `json:"source_title"`
	RelevanceScore float64 `json:"relevance_score"`
}

type ActionCard struct {
	CardID       string        `json:"card_id"`
	Title        string        `json:"title"`
	Summary      string        `json:"summary,omitempty"`
	Reasoning    string        `json:"reasoning"`
	ActionType   string        `json:"action_type" enum:"transfer,discharge,escalate,alert,consult"`
	Urgency      string        `json:"urgency" enum:"low,medium,high,critical"`
	Steps        []string      `json:"steps"`
	CitedSources []CitedSource `json:"cited_sources,omitempty"`
	GeneratedAt  string        `json:"generated_at" format:"date-time"`
}

// Message is the role-formatted rendering of a validated action card.
type Message struct {
	Role        string `json:"role" enum:"nurse,physician,admin"`
	Subject     string `json:"subject"`
	Body        string `json:"body"`
	DeliveredAt string `json:"delivered_at" format:"date-time"`
}

// AgentStep is one append-only entry in a workflow's agent history.
type AgentStep struct {
	Agent     string         `json:"agent_name"`
	Action    string         `json:"action"`
	Timestamp string         `json:"timestamp" format:"date-time"`
	Details   map[string]any `json:"details,omitempty"`
}

type WorkflowRecord struct {
	WorkflowID       string      `json:"workflow_id"`
	Status           string      `json:"status" enum:"pending,monitoring,retrieving,planning,validating,notifying,completed,failed,rejected"`
	TriggerType      string      `json:"trigger_type" enum:"auto,manual"`
	TargetRole       string      `json:"target_role" enum:"nurse,physician,admin"`
	RiskEvent        *RiskEvent  `json:"risk_event,omitempty"`
	ActionCard       *ActionCard `json:"action_card,omitempty"`
	ValidationPassed bool        `json:"validation_passed"`
	ValidationErrors []string    `json:"validation_errors,omitempty"`
	FinalOutput      *Message    `json:"final_output,omitempty"`
	AgentHistory     []AgentStep `json:"agent_history"`
	CreatedAt        string      `json:"created_at" format:"date-time"`
	CompletedAt      *string     `json:"completed_at,omitempty" format:"date-time"`
}

// WorkflowSummary is the list-view projection of a WorkflowRecord.
type WorkflowSummary struct {
	WorkflowID    string  `json:"workflow_id"`
	Status        string  `json:"status"`
	TriggerType   string  `json:"trigger_type"`
	TargetRole    string  `json:"target_role"`
	RiskEventType string  `json:"risk_event_type,omitempty"`
	Severity      string  `json:"severity,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	CompletedAt   *string `json:"completed_at,omitempty" format:"date-time"`
}

type FeedbackRecord struct {
	FeedbackID   string `json:"feedback_id"`
	WorkflowID   string `json:"workflow_id"`
	FeedbackType string `json:"feedback_type" enum:"thumbs_up,thumbs_down"`
	Comments     string `json:"comments,omitempty"`
	UserRole     string `json:"user_role"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

// Event is an append-only audit row keyed by workflow.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	WorkflowID string `json:"workflow_id"`
	Agent      string `json:"agent"`
	Action     string `json:"action"`
	Payload    string `json:"payload_json"`
}

type MetricEntry struct {
	ID        int64   `json:"id"`
	Category  string  `json:"category"`
	Name      string  `json:"metric_name"`
	Value     float64 `json:"value"`
	Metadata  string  `json:"metadata_json,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

// MetricSummary aggregates entries of one category.
type MetricSummary struct {
	Category string  `json:"category"`
	Count    int     `json:"count"`
	Avg      float64 `json:"avg"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
}

type Document struct {
	DocID      string `json:"doc_id"`
	Title      string `json:"title"`
	Content    string `json:"content,omitempty"`
	Source     string `json:"source,omitempty"`
	DocType    string `json:"doc_type" enum:"sop,guideline,policy,note"`
	ChunkCount int    `json:"chunk_count"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// Chunk is the unit of retrieval and citation.
type Chunk struct {
	ChunkID   string    `json:"chunk_id"`
	DocID     string    `json:"doc_id"`
	Title     string    `json:"title"`
	Position  int       `json:"position"`
	Content   string    `json:"content"`
	Embedding []float32 `json:"-"`
}

// ScoredChunk is a retrieval hit with a combined relevance score in [0,1].
type ScoredChunk struct {
	Chunk
	Score     float64 `json:"score"`
	MatchType string  `json:"match_type" enum:"dense,keyword,hybrid"`
}
