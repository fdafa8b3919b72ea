package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"careline/internal/app"
	"careline/internal/config"
	"careline/internal/db"
	"careline/internal/domain"
	"careline/internal/repo"
	"careline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cl",
	Short: "Careline CLI",
	Long: `Careline runs clinical-operations workflows: a monitor watches capacity
and patient-risk signals, retrieval grounds each detected risk in the
knowledge base, a planner drafts an action card, a guardrail validates it
against safety policy, and a notifier formats the result for its recipient.

- Workspace: the .careline directory holding the database and careline.yml.
- Workflow: one pass through the pipeline; every step is persisted and audited.
- Knowledge base: chunked clinical reference documents used for grounding.
- Reject: a human can stop any workflow that has not reached a terminal state.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CARELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(feedbackCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(metricsCmd())
	rootCmd.AddCommand(kbCmd())
	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Short: "Run and inspect workflows"}
	wf.AddCommand(workflowRunCmd())
	wf.AddCommand(workflowShowCmd())
	wf.AddCommand(workflowListCmd())
	wf.AddCommand(workflowRejectCmd())
	return wf
}

func workflowRunCmd() *cobra.Command {
	var trigger, role string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a workflow through the full pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rec, err := a.Engine.StartWorkflow(ctx, trigger, role)
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().StringVar(&trigger, "trigger", "manual", "trigger type (auto, manual)")
	cmd.Flags().StringVar(&role, "role", "physician", "target role (nurse, physician, admin)")
	return cmd
}

func workflowShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <workflow-id>",
		Short: "Show a workflow with its agent history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rec, err := a.Engine.GetWorkflow(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	return cmd
}

func workflowListCmd() *cobra.Command {
	var status, trigger string
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListWorkflows(ctx, repo.ListWorkflowsQuery{
					Status:      status,
					TriggerType: trigger,
					Limit:       limit,
					Offset:      offset,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Trigger", "Role", "Event", "Severity", "Created"})
				for _, wf := range items {
					tw.AppendRow(table.Row{wf.WorkflowID, wf.Status, wf.TriggerType, wf.TargetRole, wf.RiskEventType, wf.Severity, wf.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&trigger, "trigger", "", "trigger type filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")
	return cmd
}

func workflowRejectCmd() *cobra.Command {
	var reason, role string
	cmd := &cobra.Command{
		Use:   "reject <workflow-id>",
		Short: "Reject a non-terminal workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reason == "" {
				return fmt.Errorf("--reason required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rec, err := a.Engine.Reject(ctx, args[0], reason, role)
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	cmd.Flags().StringVar(&role, "role", "", "reviewer role")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func feedbackCmd() *cobra.Command {
	fb := &cobra.Command{Use: "feedback", Short: "Submit workflow feedback"}
	fb.AddCommand(feedbackSubmitCmd())
	return fb
}

func feedbackSubmitCmd() *cobra.Command {
	var fbType, comments, role string
	cmd := &cobra.Command{
		Use:   "submit <workflow-id>",
		Short: "Submit feedback on a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				fb, err := a.Engine.SubmitFeedback(ctx, args[0], fbType, comments, role)
				if err != nil {
					return err
				}
				return printJSONOrTable(fb)
			})
		},
	}
	cmd.Flags().StringVar(&fbType, "type", "", "feedback type (thumbs_up, thumbs_down)")
	cmd.Flags().StringVar(&comments, "comments", "", "free-form comments")
	cmd.Flags().StringVar(&role, "role", "", "your role")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit <workflow-id>",
		Short: "Show a workflow's audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Engine.AuditTrail(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Agent", "Action"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Agent, evt.Action})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func metricsCmd() *cobra.Command {
	m := &cobra.Command{Use: "metrics", Short: "Evaluation metrics"}
	m.AddCommand(&cobra.Command{
		Use:   "summary",
		Short: "Summarize recorded metrics per category",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.MetricsSummary(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Category", "Count", "Avg", "Min", "Max"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.Category, s.Count, fmt.Sprintf("%.3f", s.Avg), s.Min, s.Max})
				}
				tw.Render()
				return nil
			})
		},
	})
	return m
}

func kbCmd() *cobra.Command {
	kb := &cobra.Command{Use: "kb", Short: "Manage the knowledge base"}
	kb.AddCommand(kbAddCmd())
	kb.AddCommand(kbSearchCmd())
	kb.AddCommand(kbListCmd())
	kb.AddCommand(kbStatsCmd())
	return kb
}

func kbAddCmd() *cobra.Command {
	var title, file, source, docType string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a document",
		RunE: func(cmd *cobra.Command, args []string) error {
			if title == "" {
				return fmt.Errorf("--title required")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				doc, err := a.Retriever.AddDocument(ctx, domain.Document{
					Title:   title,
					Content: string(data),
					Source:  source,
					DocType: docType,
				})
				if err != nil {
					return err
				}
				doc.Content = ""
				return printJSONOrTable(doc)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "document title")
	cmd.Flags().StringVar(&file, "file", "", "path to document text")
	cmd.Flags().StringVar(&source, "source", "", "document source")
	cmd.Flags().StringVar(&docType, "type", "note", "document type (sop, guideline, policy, note)")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func kbSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the knowledge base",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				results, err := a.Retriever.Search(ctx, query)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(results)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Score", "Title", "Chunk"})
				for _, hit := range results {
					excerpt := hit.Content
					if len(excerpt) > 80 {
						excerpt = excerpt[:77] + "..."
					}
					tw.AppendRow(table.Row{fmt.Sprintf("%.3f", hit.Score), hit.Title, excerpt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func kbListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				docs, err := a.Repo.ListDocuments(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(docs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Type", "Chunks", "Added"})
				for _, doc := range docs {
					tw.AppendRow(table.Row{doc.DocID, doc.Title, doc.DocType, doc.ChunkCount, doc.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func kbStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Knowledge base statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				stats, err := a.Retriever.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(stats)
			})
		},
	}
	return cmd
}

func monitorCmd() *cobra.Command {
	mon := &cobra.Command{Use: "monitor", Short: "Inspect the risk monitor"}
	mon.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show current monitored signals against thresholds",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				status, err := a.Monitor.Status(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(status)
			})
		},
	})
	mon.AddCommand(&cobra.Command{
		Use:   "scan",
		Short: "Run a detection pass without starting a workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				event, err := a.Monitor.Detect(ctx)
				if err != nil {
					return err
				}
				if event == nil {
					fmt.Println("no risk detected")
					return nil
				}
				return printJSONOrTable(event)
			})
		},
	})
	return mon
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(c)
			}
			data, err := c.ToYAML()
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default config to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			data, err := config.Default().ToYAML()
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	})
	return cfg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				handler, err := server.New(server.Config{
					Engine:    a.Engine,
					Retriever: a.Retriever,
					Monitor:   a.Monitor,
					BasePath:  basePath,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Careline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.New(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
