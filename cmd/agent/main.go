package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/cloudwego/eino/callbacks"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/dataqueryagent/server/internal/config"
	errx "github.com/dataqueryagent/server/internal/core/error"
	"github.com/dataqueryagent/server/internal/llm"
	"github.com/dataqueryagent/server/internal/llm/observers"
	"github.com/dataqueryagent/server/internal/memory"
	"github.com/dataqueryagent/server/internal/session"
	"github.com/dataqueryagent/server/internal/warehouse"
	"github.com/dataqueryagent/server/internal/workflow"
	logx "github.com/dataqueryagent/server/pkg/logger"
)

func main() {
	// Load .env file for local runs
	if err := godotenv.Load(".env"); err != nil {
		log.Printf("Warning: Could not load .env file: %v", err)
	}

	var cfg config.Config
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("Failed to process environment config: %v", err)
	}

	logx.Init(logx.LoggerOpts{Environment: cfg.Env()})
	callbacks.AppendGlobalHandlers(observers.NewAllCallbacks())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := warehouse.NewClickHouseConn(ctx, cfg.Warehouse)
	if err != nil {
		log.Fatalf("Failed to connect to warehouse: %v", err)
	}
	defer conn.Close()
	wh := warehouse.NewAdapter(conn, cfg.Warehouse, cfg.Workflow.DeadlineWarehouse)

	store, cleanup, err := newMemoryStore(cfg)
	if err != nil {
		log.Fatalf("Failed to initialise memory store: %v", err)
	}
	defer cleanup()

	models, err := llm.NewChatModels(ctx, llm.ChatModelConfig{
		APIKey:   cfg.APIKey,
		BaseURL:  cfg.BaseURL,
		Analysis: cfg.Analysis,
		Report:   cfg.Report,
	})
	if err != nil {
		log.Fatalf("Failed to create chat models: %v", err)
	}

	budget := llm.NewBudget(cfg.Workflow.TokenBudgetSession)
	adapter := llm.NewAdapterFromModels(models, budget, cfg.Workflow.DeadlineLLM,
		cfg.Analysis.MaxTokens, cfg.Report.MaxTokens, cfg.Workflow.MaxQueries)

	driver := session.NewDriver(workflow.GraphConfig{
		Warehouse:          wh,
		LLM:                adapter,
		Memory:             store,
		IO:                 session.NewTerminalIO(os.Stdin, os.Stdout),
		Workflow:           cfg.Workflow,
		ReportTokenReserve: cfg.Report.MaxTokens,
	}, cfg.Workflow.DeadlineSession)

	state, err := driver.Run(ctx, session.NewSessionInput(cfg.ProjectID))
	if err != nil {
		logx.Error().Err(err).Msg("session terminated with error")
	}

	fmt.Println("─────────────────────────────────────────────")
	if state.AnalysisReport != "" {
		fmt.Println(state.AnalysisReport)
	}
	if state.ErrorMessage != "" {
		fmt.Printf("[%s] %s\n", state.ErrorCode, state.ErrorMessage)
	}
	logx.Info().
		Str("session_id", state.SessionID).
		Int("queries", len(state.GeneratedQueries)).
		Int("spilled", len(state.MemoryKeys)).
		Int("tokens_used", budget.Used()).
		Float64("cost_usd", budget.TotalCostUSD()).
		Msg("session finished")
}

// newMemoryStore picks Redis when configured, the in-process store otherwise.
func newMemoryStore(cfg config.Config) (memory.Store, func(), error) {
	if cfg.Redis.URL == "" {
		store := memory.NewInMemoryStore(cfg.Workflow.MemoryTTL)
		return store, store.Stop, nil
	}

	rdb, err := cfg.Redis.New()
	if err != nil {
		return nil, nil, errx.WrapRedis(err)
	}
	store := memory.NewRedisStore(rdb, cfg.Workflow.MemoryTTL, cfg.Workflow.DeadlineMemory)
	return store, func() { rdb.Close() }, nil
}
