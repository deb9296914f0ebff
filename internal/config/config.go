package config

import (
	"time"

	"github.com/dataqueryagent/server/internal/core"
	pkgredis "github.com/dataqueryagent/server/pkg/redis"
)

// ================ Config ================

// WarehouseConfig configures the ClickHouse connection and its retry policy.
type WarehouseConfig struct {
	Addr     string `envconfig:"WAREHOUSE_ADDR" default:"localhost:9000"`
	Username string `envconfig:"WAREHOUSE_USERNAME" default:"default"`
	Password string `envconfig:"WAREHOUSE_PASSWORD"`
	Secure   bool   `envconfig:"WAREHOUSE_SECURE" default:"false"`

	MaxTransportRetries int           `envconfig:"WAREHOUSE_MAX_TRANSPORT_RETRIES" default:"3"`
	RetryBaseInterval   time.Duration `envconfig:"WAREHOUSE_RETRY_BASE_INTERVAL" default:"250ms"`
	RetryMaxInterval    time.Duration `envconfig:"WAREHOUSE_RETRY_MAX_INTERVAL" default:"2s"`
}

// AnalysisModelConfig configures the model used for structured JSON calls
// (safety filter, SQL synthesis, SQL repair).
type AnalysisModelConfig struct {
	Model       string  `envconfig:"ANALYSIS_MODEL" default:"gemini-2.5-flash"`
	MaxTokens   int     `envconfig:"ANALYSIS_MAX_TOKENS" default:"4000"`
	Temperature float32 `envconfig:"ANALYSIS_TEMPERATURE" default:"0.1"`
}

// ReportModelConfig configures the model used for free-form report composition.
type ReportModelConfig struct {
	Model       string  `envconfig:"REPORT_MODEL" default:"gemini-2.5-flash"`
	MaxTokens   int     `envconfig:"REPORT_MAX_TOKENS" default:"8000"`
	Temperature float32 `envconfig:"REPORT_TEMPERATURE" default:"0.4"`
}

// WorkflowConfig carries every tunable of the analysis state machine.
// It is constructed once at startup and threaded by value; there is no
// process-wide mutable state.
type WorkflowConfig struct {
	MaxRetriesGen  int `envconfig:"MAX_RETRIES_GEN" default:"2"`
	MaxRetriesExec int `envconfig:"MAX_RETRIES_EXEC" default:"2"`

	MaxQueries     int `envconfig:"MAX_QUERIES" default:"5"`
	SampleRowLimit int `envconfig:"SAMPLE_ROW_LIMIT" default:"10"`
	ExecRowCap     int `envconfig:"EXEC_ROW_CAP" default:"10000"`

	InlineRowLimit  int `envconfig:"INLINE_ROW_LIMIT" default:"100"`
	InlineByteLimit int `envconfig:"INLINE_BYTE_LIMIT" default:"131072"`

	TokenBudgetSession int `envconfig:"TOKEN_BUDGET_SESSION" default:"200000"`

	SelectAttempts int `envconfig:"SELECT_ATTEMPTS" default:"3"`

	DeadlineWarehouse time.Duration `envconfig:"DEADLINE_WAREHOUSE" default:"120s"`
	DeadlineLLM       time.Duration `envconfig:"DEADLINE_LLM" default:"60s"`
	DeadlineMemory    time.Duration `envconfig:"DEADLINE_MEMORY" default:"10s"`
	DeadlineSession   time.Duration `envconfig:"DEADLINE_SESSION" default:"600s"`

	MemoryTTL time.Duration `envconfig:"MEMORY_TTL" default:"24h"`
}

// Config is the root configuration for the agent process.
type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	ProjectID   string `envconfig:"PROJECT_ID" required:"true"`

	// LLM provider
	APIKey  string `envconfig:"GEMINI_API_KEY" required:"true"`
	BaseURL string `envconfig:"GEMINI_BASE_URL"`

	Warehouse WarehouseConfig
	Redis     pkgredis.Config
	Analysis  AnalysisModelConfig
	Report    ReportModelConfig
	Workflow  WorkflowConfig
}

// Env returns the parsed deployment environment.
func (c Config) Env() core.Environment {
	return core.ParseEnvironment(c.Environment)
}
