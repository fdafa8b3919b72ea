package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"careline/internal/config"
	"careline/internal/db"
	"careline/internal/domain"
	"careline/internal/events"
	"careline/internal/guardrail"
	"careline/internal/metrics"
	"careline/internal/migrate"
	"careline/internal/notify"
	"careline/internal/planner"
	"careline/internal/repo"
)

var testTime = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func testEvent() *domain.RiskEvent {
	return &domain.RiskEvent{
		EventID:        "ev-1",
		EventType:      "icu_occupancy_critical",
		Severity:       "critical",
		DetectedAt:     testTime.Format(time.RFC3339),
		MetricName:     "icu_occupancy",
		CurrentValue:   93,
		ThresholdValue: 90,
		Unit:           "%",
		AffectedUnits:  []string{"ICU-A"},
		Description:    "ICU occupancy at 93.0% exceeds critical threshold 90.0%",
	}
}

func testEvidence() []domain.ScoredChunk {
	return []domain.ScoredChunk{
		{
			Chunk: domain.Chunk{
				ChunkID: "chunk-1",
				DocID:   "doc-1",
				Title:   "ICU Capacity Management SOP",
				Content: "When ICU occupancy exceeds 90 percent, activate the surge plan.",
			},
			Score:     0.82,
			MatchType: "hybrid",
		},
	}
}

func testCard() domain.ActionCard {
	return domain.ActionCard{
		CardID:     "card-1",
		Title:      "Activate ICU surge plan",
		Summary:    "Open overflow capacity and review step-down candidates.",
		Reasoning:  "Occupancy exceeds the critical threshold, per excerpt 1.",
		ActionType: "escalate",
		Urgency:    "critical",
		Steps: []string{
			"Notify the bed management coordinator and on-call intensivist",
			"Review all ICU patients for step-down eligibility",
		},
		CitedSources: []domain.CitedSource{
			{SourceID: "chunk-1", SourceTitle: "ICU Capacity Management SOP", RelevanceScore: 0.82},
		},
		GeneratedAt: testTime.Format(time.RFC3339),
	}
}

type stubMonitor struct {
	mu    sync.Mutex
	event *domain.RiskEvent
	errs  []error
	calls int
}

func (s *stubMonitor) Detect(context.Context) (*domain.RiskEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return nil, err
	}
	return s.event, nil
}

type stubRetriever struct {
	evidence []domain.ScoredChunk
	err      error
}

func (s *stubRetriever) Search(context.Context, string) ([]domain.ScoredChunk, error) {
	return s.evidence, s.err
}

type stubPlanner struct {
	mu    sync.Mutex
	card  domain.ActionCard
	errs  []error
	calls int
}

func (s *stubPlanner) Generate(context.Context, domain.RiskEvent, []domain.ScoredChunk) (domain.ActionCard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return domain.ActionCard{}, err
	}
	return s.card, nil
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	now := func() time.Time { return testTime }
	return &Engine{
		DB:        conn,
		Repo:      repo.New(conn),
		Events:    events.Writer{DB: conn, Now: now},
		Metrics:   metrics.Writer{DB: conn, Now: now},
		Config:    cfg,
		Now:       now,
		Monitor:   &stubMonitor{event: testEvent()},
		Retriever: &stubRetriever{evidence: testEvidence()},
		Planner:   &stubPlanner{card: testCard()},
		Guardrail: guardrail.New(cfg.Guardrail),
		Notifier:  notify.New(now),
	}
}

func TestStartWorkflowCompletes(t *testing.T) {
	e := newTestEngine(t)
	rec, err := e.StartWorkflow(context.Background(), "manual", "physician")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if rec.Status != domain.StatusCompleted {
		t.Fatalf("status = %s, want completed", rec.Status)
	}
	if !rec.ValidationPassed {
		t.Error("validation_passed should be true")
	}
	if rec.FinalOutput == nil {
		t.Fatal("final output missing")
	}
	if rec.FinalOutput.Role != "physician" {
		t.Errorf("final output role = %s, want physician", rec.FinalOutput.Role)
	}
	if rec.CompletedAt == nil {
		t.Error("completed_at missing")
	}
	if rec.RiskEvent == nil || rec.RiskEvent.EventType != "icu_occupancy_critical" {
		t.Errorf("risk event not persisted: %+v", rec.RiskEvent)
	}

	wantActions := []string{
		"risk_detected", "evidence_collected",
		"plan_generated", "validation_passed", "message_delivered",
	}
	if len(rec.AgentHistory) != len(wantActions) {
		t.Fatalf("history has %d steps, want %d: %+v", len(rec.AgentHistory), len(wantActions), rec.AgentHistory)
	}
	for i, want := range wantActions {
		if rec.AgentHistory[i].Action != want {
			t.Errorf("history[%d].action = %s, want %s", i, rec.AgentHistory[i].Action, want)
		}
	}

	trail, err := e.AuditTrail(context.Background(), rec.WorkflowID)
	if err != nil {
		t.Fatalf("AuditTrail: %v", err)
	}
	// workflow_created plus one row per history step.
	if len(trail) != len(wantActions)+1 {
		t.Errorf("audit trail has %d rows, want %d", len(trail), len(wantActions)+1)
	}
	if trail[0].Action != "workflow_created" {
		t.Errorf("first audit action = %s, want workflow_created", trail[0].Action)
	}
}

func TestStartWorkflowNoRisk(t *testing.T) {
	e := newTestEngine(t)
	e.Monitor = &stubMonitor{event: nil}
	rec, err := e.StartWorkflow(context.Background(), "auto", "nurse")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if rec.Status != domain.StatusCompleted {
		t.Fatalf("status = %s, want completed", rec.Status)
	}
	if rec.RiskEvent != nil {
		t.Error("no risk event expected")
	}
	if rec.FinalOutput != nil {
		t.Error("no notification expected for a clear scan")
	}
	// A clear scan is a single history entry.
	if len(rec.AgentHistory) != 1 {
		t.Fatalf("history has %d steps, want 1: %+v", len(rec.AgentHistory), rec.AgentHistory)
	}
	if rec.AgentHistory[0].Action != "no_risk_detected" {
		t.Errorf("history action = %s, want no_risk_detected", rec.AgentHistory[0].Action)
	}
}

func TestStartWorkflowFormatsForTargetRole(t *testing.T) {
	e := newTestEngine(t)
	rec, err := e.StartWorkflow(context.Background(), "manual", "nurse")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if rec.FinalOutput == nil {
		t.Fatal("final output missing")
	}
	if !strings.Contains(rec.FinalOutput.Body, "PRIORITY:") {
		t.Errorf("nurse notification should be a checklist, got:\n%s", rec.FinalOutput.Body)
	}
	if strings.Contains(rec.FinalOutput.Body, "SITUATION") {
		t.Errorf("nurse notification should not use the physician format, got:\n%s", rec.FinalOutput.Body)
	}
}

func TestStartWorkflowRejectsInvalidInput(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.StartWorkflow(context.Background(), "scheduled", "nurse"); err == nil {
		t.Error("expected error for unknown trigger type")
	}
	if _, err := e.StartWorkflow(context.Background(), "manual", "janitor"); err == nil {
		t.Error("expected error for unknown target role")
	}
}

func TestMonitorProviderErrorRetriedOnce(t *testing.T) {
	e := newTestEngine(t)
	mon := &stubMonitor{event: testEvent(), errs: []error{errors.New("forecast provider: connection refused")}}
	e.Monitor = mon
	rec, err := e.StartWorkflow(context.Background(), "auto", "admin")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if rec.Status != domain.StatusCompleted {
		t.Fatalf("status = %s, want completed after retry", rec.Status)
	}
	if mon.calls != 2 {
		t.Errorf("monitor called %d times, want 2", mon.calls)
	}
	found := false
	for _, step := range rec.AgentHistory {
		if step.Agent == "monitor" && step.Action == "retrying" {
			found = true
		}
	}
	if !found {
		t.Error("retry step missing from agent history")
	}
}

type deadlineMonitor struct {
	deadline time.Time
	set      bool
}

func (m *deadlineMonitor) Detect(ctx context.Context) (*domain.RiskEvent, error) {
	m.deadline, m.set = ctx.Deadline()
	return nil, nil
}

func TestMonitorDetectBoundedByProviderTimeout(t *testing.T) {
	e := newTestEngine(t)
	mon := &deadlineMonitor{}
	e.Monitor = mon
	if _, err := e.StartWorkflow(context.Background(), "auto", "admin"); err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if !mon.set {
		t.Fatal("monitor context has no deadline")
	}
	if remaining := time.Until(mon.deadline); remaining > e.Config.MonitorTimeout() {
		t.Errorf("monitor deadline %v away, want at most %v", remaining, e.Config.MonitorTimeout())
	}
}

func TestMonitorProviderErrorExhaustsRetries(t *testing.T) {
	e := newTestEngine(t)
	e.Monitor = &stubMonitor{errs: []error{errors.New("boom"), errors.New("boom")}}
	rec, err := e.StartWorkflow(context.Background(), "auto", "admin")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if rec.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", rec.Status)
	}
	if rec.CompletedAt == nil {
		t.Error("completed_at missing on failed workflow")
	}
}

func TestGenerationErrorFailsWithoutRetry(t *testing.T) {
	e := newTestEngine(t)
	pl := &stubPlanner{errs: []error{&planner.GenerationError{Reason: "no JSON object in model output"}}}
	e.Planner = pl
	rec, err := e.StartWorkflow(context.Background(), "manual", "physician")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if rec.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", rec.Status)
	}
	if pl.calls != 1 {
		t.Errorf("planner called %d times, want 1 (generation errors are final)", pl.calls)
	}
}

func TestPlannerProviderErrorRetriedOnce(t *testing.T) {
	e := newTestEngine(t)
	pl := &stubPlanner{
		card: testCard(),
		errs: []error{&planner.ProviderError{Err: errors.New("connection reset")}},
	}
	e.Planner = pl
	rec, err := e.StartWorkflow(context.Background(), "manual", "physician")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if rec.Status != domain.StatusCompleted {
		t.Fatalf("status = %s, want completed after retry", rec.Status)
	}
	if pl.calls != 2 {
		t.Errorf("planner called %d times, want 2", pl.calls)
	}
}

func TestGuardrailViolationsRejectWorkflow(t *testing.T) {
	e := newTestEngine(t)
	bad := testCard()
	bad.Urgency = "low"
	bad.CitedSources = nil
	bad.Steps = append(bad.Steps, "Disable monitoring for the affected beds")
	e.Planner = &stubPlanner{card: bad}

	rec, err := e.StartWorkflow(context.Background(), "manual", "nurse")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if rec.Status != domain.StatusRejected {
		t.Fatalf("status = %s, want rejected", rec.Status)
	}
	if rec.ValidationPassed {
		t.Error("validation_passed should be false")
	}
	// All violations are reported, not just the first.
	if len(rec.ValidationErrors) < 3 {
		t.Errorf("expected at least 3 violations, got %v", rec.ValidationErrors)
	}
	if rec.FinalOutput != nil {
		t.Error("rejected workflow must not deliver a notification")
	}
}

func TestRejectWorkflow(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	rec := domain.WorkflowRecord{
		WorkflowID:   "wf-parked",
		Status:       domain.StatusValidating,
		TriggerType:  "manual",
		TargetRole:   "physician",
		AgentHistory: []domain.AgentStep{},
		CreatedAt:    testTime.Format(time.RFC3339),
	}
	if err := e.create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	rejected, err := e.Reject(ctx, "wf-parked", "plan conflicts with current staffing", "physician")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if rejected.Status != domain.StatusRejected {
		t.Fatalf("status = %s, want rejected", rejected.Status)
	}
	if rejected.CompletedAt == nil {
		t.Error("completed_at missing on rejected workflow")
	}

	if _, err := e.Reject(ctx, "wf-parked", "again", "physician"); !errors.Is(err, ErrTerminal) {
		t.Errorf("second reject err = %v, want ErrTerminal", err)
	}
	if _, err := e.Reject(ctx, "wf-parked", "", "physician"); err == nil {
		t.Error("expected error for empty reason")
	}
	if _, err := e.Reject(ctx, "no-such-workflow", "reason", "physician"); !errors.Is(err, repo.ErrNotFound) {
		t.Errorf("unknown workflow err = %v, want ErrNotFound", err)
	}
}

func TestSubmitFeedback(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	rec, err := e.StartWorkflow(ctx, "manual", "nurse")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	fb, err := e.SubmitFeedback(ctx, rec.WorkflowID, "thumbs_up", "clear and actionable", "nurse")
	if err != nil {
		t.Fatalf("SubmitFeedback: %v", err)
	}
	if fb.FeedbackID == "" {
		t.Error("feedback id missing")
	}

	if _, err := e.SubmitFeedback(ctx, rec.WorkflowID, "shrug", "", "nurse"); err == nil {
		t.Error("expected error for unknown feedback type")
	}
	if _, err := e.SubmitFeedback(ctx, "no-such-workflow", "thumbs_down", "", "nurse"); !errors.Is(err, repo.ErrNotFound) {
		t.Errorf("unknown workflow err = %v, want ErrNotFound", err)
	}

	summaries, err := e.MetricsSummary(ctx)
	if err != nil {
		t.Fatalf("MetricsSummary: %v", err)
	}
	categories := map[string]domain.MetricSummary{}
	for _, s := range summaries {
		categories[s.Category] = s
	}
	wq, ok := categories[metrics.CategoryWorkflowQuality]
	if !ok {
		t.Fatal("workflow_quality metric missing")
	}
	if wq.Count != 1 || wq.Avg != 1 {
		t.Errorf("workflow_quality = %+v, want count 1 avg 1", wq)
	}
	if _, ok := categories[metrics.CategoryRAGQuality]; !ok {
		t.Error("rag_quality metric missing after a run")
	}
	if _, ok := categories[metrics.CategoryAgentSuccess]; !ok {
		t.Error("agent_success metric missing after a run")
	}
}

func TestTerminalRecordIsStableAcrossReads(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	rec, err := e.StartWorkflow(ctx, "manual", "physician")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	first, err := e.GetWorkflow(ctx, rec.WorkflowID)
	if err != nil {
		t.Fatalf("GetWorkflow: %v", err)
	}
	second, err := e.GetWorkflow(ctx, rec.WorkflowID)
	if err != nil {
		t.Fatalf("GetWorkflow: %v", err)
	}
	a, err := json.Marshal(first)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	b, err := json.Marshal(second)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Errorf("terminal record changed between reads:\n%s\n%s", a, b)
	}
}

func TestConcurrentRunsDoNotInterleave(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	const runs = 4
	records := make([]domain.WorkflowRecord, runs)
	errs := make([]error, runs)
	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			records[i], errs[i] = e.StartWorkflow(ctx, "auto", "nurse")
		}(i)
	}
	wg.Wait()

	wantActions := []string{
		"risk_detected", "evidence_collected",
		"plan_generated", "validation_passed", "message_delivered",
	}
	seen := map[string]bool{}
	for i, rec := range records {
		if errs[i] != nil {
			t.Fatalf("run %d: %v", i, errs[i])
		}
		if seen[rec.WorkflowID] {
			t.Fatalf("duplicate workflow id %s", rec.WorkflowID)
		}
		seen[rec.WorkflowID] = true
		if rec.Status != domain.StatusCompleted {
			t.Errorf("run %d status = %s, want completed", i, rec.Status)
		}
		if len(rec.AgentHistory) != len(wantActions) {
			t.Fatalf("run %d history has %d steps, want %d", i, len(rec.AgentHistory), len(wantActions))
		}
		for j, want := range wantActions {
			if rec.AgentHistory[j].Action != want {
				t.Errorf("run %d history[%d].action = %s, want %s", i, j, rec.AgentHistory[j].Action, want)
			}
		}
	}
}

func TestListWorkflowsFilters(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.StartWorkflow(ctx, "manual", "nurse"); err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	e.Monitor = &stubMonitor{errs: []error{errors.New("boom"), errors.New("boom")}}
	if _, err := e.StartWorkflow(ctx, "auto", "admin"); err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	all, err := e.ListWorkflows(ctx, repo.ListWorkflowsQuery{})
	if err != nil {
		t.Fatalf("ListWorkflows: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d workflows, want 2", len(all))
	}

	failed, err := e.ListWorkflows(ctx, repo.ListWorkflowsQuery{Status: domain.StatusFailed})
	if err != nil {
		t.Fatalf("ListWorkflows failed filter: %v", err)
	}
	if len(failed) != 1 || failed[0].TriggerType != "auto" {
		t.Errorf("failed filter = %+v, want the auto-triggered failure", failed)
	}

	completed, err := e.ListWorkflows(ctx, repo.ListWorkflowsQuery{Status: domain.StatusCompleted})
	if err != nil {
		t.Fatalf("ListWorkflows completed filter: %v", err)
	}
	if len(completed) != 1 || completed[0].Severity != "critical" {
		t.Errorf("completed filter = %+v, want one critical workflow", completed)
	}
}
