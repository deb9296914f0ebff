package workflow

import (
	"context"

	"github.com/dataqueryagent/server/internal/llm"
	"github.com/dataqueryagent/server/internal/memory"
	"github.com/dataqueryagent/server/internal/warehouse"
)

// Warehouse is the read-only query surface the workflow depends on.
// *warehouse.Adapter satisfies it; tests inject fakes.
type Warehouse interface {
	ListDatasets(ctx context.Context, projectID string) ([]string, error)
	ListTables(ctx context.Context, dataset string) ([]string, error)
	GetSchema(ctx context.Context, dataset, table string) ([]warehouse.Field, error)
	DryRun(ctx context.Context, sql string) (warehouse.DryRunResult, error)
	SampleExecute(ctx context.Context, sql string, limit int) (warehouse.QueryResult, error)
	Execute(ctx context.Context, sql string, maxRows int) (warehouse.QueryResult, error)
}

// LLM is the typed model surface the workflow depends on.
// *llm.Adapter satisfies it; tests inject fakes.
type LLM interface {
	ClassifySafety(ctx context.Context, userTask, dataset string, tables []string) (llm.SafetyVerdict, error)
	SynthesizeQueries(ctx context.Context, filteredTask string, schemas map[string][]warehouse.Field, priorError string) ([]string, error)
	RepairQuery(ctx context.Context, sql, execError string, schemas map[string][]warehouse.Field) (string, error)
	ComposeReport(ctx context.Context, filteredTask, perQuerySummaries string) (string, error)
	Budget() *llm.Budget
}

// Memory is the external store for spilled results.
type Memory = memory.Store

// UserIO collects the two user interactions the workflow needs and surfaces
// progress text. The presentation layer (terminal, HTTP, chat bot) is
// external.
type UserIO interface {
	// SelectDataset prompts for a dataset choice and returns the raw reply
	// (a 1-based index or a dataset name). Validation happens in the node.
	SelectDataset(ctx context.Context, datasets []string) (string, error)

	// AskTask collects the free-form analytical task.
	AskTask(ctx context.Context) (string, error)

	// Notify surfaces progress or error text to the user.
	Notify(ctx context.Context, text string) error
}
