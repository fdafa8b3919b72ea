package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"careline/internal/config"
	"careline/internal/db"
	"careline/internal/engine"
	"careline/internal/events"
	"careline/internal/forecast"
	"careline/internal/guardrail"
	"careline/internal/knowledge"
	"careline/internal/metrics"
	"careline/internal/migrate"
	"careline/internal/monitor"
	"careline/internal/notify"
	"careline/internal/planner"
	"careline/internal/repo"
)

// App wires the workspace database, configuration, and agents into a ready
// engine. It is built once per process.
type App struct {
	DB        *sql.DB
	Config    *config.Config
	Repo      *repo.Repo
	Engine    *engine.Engine
	Monitor   monitor.Monitor
	Retriever *knowledge.Retriever
}

// New opens the workspace, applies migrations, seeds the knowledge base, and
// constructs the engine. Workspace "" means the current directory.
func New(ctx context.Context, workspace string) (*App, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	r := repo.New(conn)
	now := time.Now

	retriever := &knowledge.Retriever{
		Store: r,
		Embedder: knowledge.NewFallbackEmbedder(
			knowledge.NewOllamaEmbedder(cfg.Planner.BaseURL, cfg.Planner.Model, cfg.PlannerTimeout()),
		),
		Chunker:     knowledge.NewChunker(),
		TopK:        cfg.Retrieval.TopK,
		Threshold:   cfg.Retrieval.ConfidenceThreshold,
		DenseWeight: cfg.Retrieval.DenseWeight,
		Mode:        cfg.Retrieval.Mode,
		Now:         now,
	}
	if err := retriever.Seed(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("seed knowledge base: %w", err)
	}

	mon := monitor.New(forecast.NewSimulatedProvider(now), cfg)
	gen := &planner.Generator{
		Backend: planner.NewOllamaBackend(cfg.Planner.BaseURL, cfg.Planner.Model, cfg.PlannerTimeout()),
		Timeout: cfg.PlannerTimeout(),
		Now:     now,
	}

	eng := &engine.Engine{
		DB:        conn,
		Repo:      r,
		Events:    events.Writer{DB: conn, Now: now},
		Metrics:   metrics.Writer{DB: conn, Now: now},
		Config:    cfg,
		Now:       now,
		Monitor:   mon,
		Retriever: retriever,
		Planner:   gen,
		Guardrail: guardrail.New(cfg.Guardrail),
		Notifier:  notify.New(now),
	}

	return &App{
		DB:        conn,
		Config:    cfg,
		Repo:      r,
		Engine:    eng,
		Monitor:   mon,
		Retriever: retriever,
	}, nil
}

// Close releases the workspace database.
func (a *App) Close() error {
	return a.DB.Close()
}
