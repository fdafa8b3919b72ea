package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"careline/internal/config"
	"careline/internal/db"
	"careline/internal/domain"
	"careline/internal/engine"
	"careline/internal/events"
	"careline/internal/forecast"
	"careline/internal/guardrail"
	"careline/internal/knowledge"
	"careline/internal/metrics"
	"careline/internal/migrate"
	"careline/internal/monitor"
	"careline/internal/notify"
	"careline/internal/repo"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

// testPlanner returns a fixed, guardrail-clean card citing the first piece
// of retrieved evidence.
type testPlanner struct{}

func (testPlanner) Generate(_ context.Context, _ domain.RiskEvent, evidence []domain.ScoredChunk) (domain.ActionCard, error) {
	card := domain.ActionCard{
		CardID:     "card-test",
		Title:      "Activate capacity response",
		Summary:    "Open overflow capacity and review step-down candidates.",
		Reasoning:  "The monitored metric exceeds its configured threshold.",
		ActionType: "escalate",
		Urgency:    "critical",
		Steps: []string{
			"Notify the bed management coordinator",
			"Review patients for step-down eligibility",
		},
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if len(evidence) > 0 {
		card.CitedSources = []domain.CitedSource{{
			SourceID:       evidence[0].ChunkID,
			SourceTitle:    evidence[0].Title,
			RelevanceScore: evidence[0].Score,
		}}
	}
	return card, nil
}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	// Keyword matching keeps retrieval deterministic without a model host.
	cfg.Retrieval.Mode = "keyword"
	cfg.Retrieval.ConfidenceThreshold = 0.1
	r := repo.New(conn)
	now := time.Now

	retriever := &knowledge.Retriever{
		Store:       r,
		Embedder:    knowledge.HashEmbedder{},
		Chunker:     knowledge.NewChunker(),
		TopK:        cfg.Retrieval.TopK,
		Threshold:   cfg.Retrieval.ConfidenceThreshold,
		DenseWeight: cfg.Retrieval.DenseWeight,
		Mode:        cfg.Retrieval.Mode,
		Now:         now,
	}
	if err := retriever.Seed(context.Background()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	mon := monitor.New(forecast.NewSimulatedProvider(now), cfg)
	eng := &engine.Engine{
		DB:        conn,
		Repo:      r,
		Events:    events.Writer{DB: conn, Now: now},
		Metrics:   metrics.Writer{DB: conn, Now: now},
		Config:    cfg,
		Now:       now,
		Monitor:   mon,
		Retriever: retriever,
		Planner:   testPlanner{},
		Guardrail: guardrail.New(cfg.Guardrail),
		Notifier:  notify.New(now),
	}

	handler, err := New(Config{Engine: eng, Retriever: retriever, Monitor: mon, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestWorkflowLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflows", map[string]any{
		"trigger_type": "manual",
		"target_role":  "physician",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start workflow status %d: %s", res.StatusCode, string(data))
	}
	var rec domain.WorkflowRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("unmarshal workflow: %v", err)
	}
	if !domainTerminal(rec.Status) {
		t.Fatalf("workflow not terminal: %s", rec.Status)
	}

	getRes, getBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/workflows/"+rec.WorkflowID, nil)
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get workflow status %d: %s", getRes.StatusCode, string(getBody))
	}

	listRes, listBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/workflows?limit=10", nil)
	if listRes.StatusCode != http.StatusOK {
		t.Fatalf("list workflows status %d: %s", listRes.StatusCode, string(listBody))
	}
	var list WorkflowListResponse
	if err := json.Unmarshal(listBody, &list); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if list.Count != 1 {
		t.Fatalf("list count = %d, want 1", list.Count)
	}

	auditRes, auditBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/workflows/"+rec.WorkflowID+"/audit", nil)
	if auditRes.StatusCode != http.StatusOK {
		t.Fatalf("audit status %d: %s", auditRes.StatusCode, string(auditBody))
	}
	var trail AuditResponse
	if err := json.Unmarshal(auditBody, &trail); err != nil {
		t.Fatalf("unmarshal audit: %v", err)
	}
	if len(trail.Events) == 0 {
		t.Fatal("audit trail empty")
	}
	if trail.Events[0].Action != "workflow_created" {
		t.Errorf("first event = %s, want workflow_created", trail.Events[0].Action)
	}

	fbRes, fbBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflows/"+rec.WorkflowID+"/feedback", map[string]any{
		"feedback_type": "thumbs_up",
		"user_role":     "physician",
	})
	if fbRes.StatusCode != http.StatusCreated {
		t.Fatalf("feedback status %d: %s", fbRes.StatusCode, string(fbBody))
	}

	metRes, metBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/metrics/summary", nil)
	if metRes.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d: %s", metRes.StatusCode, string(metBody))
	}
	var summary MetricsResponse
	if err := json.Unmarshal(metBody, &summary); err != nil {
		t.Fatalf("unmarshal metrics: %v", err)
	}
	if len(summary.Categories) == 0 {
		t.Error("metrics summary empty after a run with feedback")
	}
}

func domainTerminal(status string) bool {
	return status == domain.StatusCompleted || status == domain.StatusFailed || status == domain.StatusRejected
}

func TestRejectConflictsOnTerminalWorkflow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflows", map[string]any{
		"trigger_type": "auto",
		"target_role":  "nurse",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start workflow status %d: %s", res.StatusCode, string(data))
	}
	var rec domain.WorkflowRecord
	_ = json.Unmarshal(data, &rec)

	rejRes, rejBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflows/"+rec.WorkflowID+"/reject", map[string]any{
		"reason": "too late",
	})
	if rejRes.StatusCode != http.StatusConflict {
		t.Fatalf("reject on terminal workflow status %d, want 409: %s", rejRes.StatusCode, string(rejBody))
	}
}

func TestWorkflowNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/workflows/nope", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want 404: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Errorf("error code = %s, want not_found", envelope.Error.Code)
	}
}

func TestKnowledgeBaseEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/kb/stats", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("kb stats status %d: %s", res.StatusCode, string(data))
	}
	var stats map[string]any
	if err := json.Unmarshal(data, &stats); err != nil {
		t.Fatalf("unmarshal stats: %v", err)
	}
	if docs, _ := stats["documents"].(float64); docs != 3 {
		t.Errorf("seeded documents = %v, want 3", stats["documents"])
	}

	addRes, addBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/kb/documents", map[string]any{
		"title":    "Ward Handover Checklist",
		"content":  "Handover must cover diagnosis, outstanding tasks, escalation triggers, and discharge readiness for every patient on the ward.",
		"doc_type": "policy",
	})
	if addRes.StatusCode != http.StatusCreated {
		t.Fatalf("kb add status %d: %s", addRes.StatusCode, string(addBody))
	}
	var doc domain.Document
	if err := json.Unmarshal(addBody, &doc); err != nil {
		t.Fatalf("unmarshal document: %v", err)
	}
	if doc.DocID == "" || doc.ChunkCount == 0 {
		t.Errorf("document not persisted properly: %+v", doc)
	}

	searchRes, searchBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/kb/search?q=sepsis+lactate+antibiotics", nil)
	if searchRes.StatusCode != http.StatusOK {
		t.Fatalf("kb search status %d: %s", searchRes.StatusCode, string(searchBody))
	}
	var found SearchResponse
	if err := json.Unmarshal(searchBody, &found); err != nil {
		t.Fatalf("unmarshal search: %v", err)
	}
	if len(found.Results) == 0 {
		t.Error("expected results for a seeded protocol query")
	}
}

func TestMonitorStatusEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/monitor/status", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("monitor status %d: %s", res.StatusCode, string(data))
	}
	var status map[string]any
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if _, ok := status["checks"]; !ok {
		t.Errorf("monitor status missing checks: %v", status)
	}
}

func TestHealth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}
