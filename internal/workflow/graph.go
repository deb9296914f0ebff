package workflow

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/compose"

	"github.com/dataqueryagent/server/internal/config"
	errx "github.com/dataqueryagent/server/internal/core/error"
	logx "github.com/dataqueryagent/server/pkg/logger"
)

// defaultReportTokenReserve keeps room in the token budget for the report
// call when spilling inline results.
const defaultReportTokenReserve = 8000

// GraphConfig holds everything needed to compose the analysis graph.
type GraphConfig struct {
	Warehouse Warehouse
	LLM       LLM
	Memory    Memory
	IO        UserIO

	Workflow config.WorkflowConfig

	// ReportTokenReserve is the budget slice kept free for the report call.
	ReportTokenReserve int

	// Emit, when set, receives a StepEvent after every node transition.
	Emit func(StepEvent)
}

// nodeDeps carries the collaborators into node constructors.
type nodeDeps struct {
	wh            Warehouse
	llm           LLM
	mem           Memory
	io            UserIO
	cfg           config.WorkflowConfig
	reportReserve int
}

// GraphBuilder handles the construction of the analysis workflow graph.
type GraphBuilder struct {
	config *GraphConfig
	deps   *nodeDeps
	graph  *compose.Graph[WorkflowInput, *AnalysisState]
}

// BuildGraph constructs and compiles the workflow graph around the given
// state record. The state is owned by the caller so partial results survive
// an aborted invoke.
func BuildGraph(ctx context.Context, cfg *GraphConfig, state *AnalysisState) (compose.Runnable[WorkflowInput, *AnalysisState], error) {
	if cfg == nil {
		return nil, fmt.Errorf("graph config is nil")
	}
	if cfg.Warehouse == nil || cfg.LLM == nil || cfg.Memory == nil || cfg.IO == nil {
		return nil, fmt.Errorf("graph collaborators are not properly initialized")
	}
	if state == nil {
		return nil, fmt.Errorf("state is nil")
	}

	reserve := cfg.ReportTokenReserve
	if reserve <= 0 {
		reserve = defaultReportTokenReserve
	}

	builder := &GraphBuilder{
		config: cfg,
		deps: &nodeDeps{
			wh:            cfg.Warehouse,
			llm:           cfg.LLM,
			mem:           cfg.Memory,
			io:            cfg.IO,
			cfg:           cfg.Workflow,
			reportReserve: reserve,
		},
		graph: compose.NewGraph[WorkflowInput, *AnalysisState](
			compose.WithGenLocalState(func(ctx context.Context) *AnalysisState {
				return state
			}),
		),
	}

	builder.addNodes()
	builder.addEdges()

	if err := builder.addBranches(); err != nil {
		return nil, err
	}

	return builder.compile(ctx)
}

// addNodes adds all processing nodes to the graph.
func (b *GraphBuilder) addNodes() {
	emit := b.config.Emit
	d := b.deps

	b.graph.AddLambdaNode(NodeWelcome, d.NewWelcomeNode(),
		compose.WithStatePreHandler(NewWelcomePreHandler()),
		compose.WithStatePostHandler(NewStepPostHandler(NodeWelcome, emit)),
	)

	stepNodes := []struct {
		name   string
		lambda *compose.Lambda
	}{
		{NodeSelectDataset, d.NewSelectDatasetNode()},
		{NodeShowTables, d.NewShowTablesNode()},
		{NodeGetTask, d.NewGetTaskNode()},
		{NodeFilterTask, d.NewFilterTaskNode()},
		{NodeReadSchemas, d.NewReadSchemasNode()},
		{NodeGenerateQueries, d.NewGenerateQueriesNode()},
		{NodeGenerateQueriesRetry, d.NewGenerateQueriesRetryNode()},
		{NodeTestQueries, d.NewTestQueriesNode()},
		{NodeExecuteQueries, d.NewExecuteQueriesNode()},
		{NodeExecuteQueriesRetry, d.NewExecuteQueriesRetryNode()},
		{NodeGenerateReport, d.NewGenerateReportNode()},
		{NodeError, d.NewErrorNode()},
	}
	for _, n := range stepNodes {
		b.graph.AddLambdaNode(n.name, n.lambda,
			compose.WithStatePreHandler(NewStepPreHandler(n.name)),
			compose.WithStatePostHandler(NewStepPostHandler(n.name, emit)),
		)
	}

	b.graph.AddLambdaNode(NodeFinalize, d.NewFinalizeNode())
}

// addEdges creates the unconditional connections.
func (b *GraphBuilder) addEdges() {
	edges := [][2]string{
		{compose.START, NodeWelcome},
		{NodeError, NodeFinalize},
		{NodeFinalize, compose.END},
	}

	for _, edge := range edges {
		b.graph.AddEdge(edge[0], edge[1])
	}
}

// successOrError routes to successNode unless the outcome failed.
func successOrError(successNode string) func(context.Context, StepOutcome) (string, error) {
	return func(ctx context.Context, out StepOutcome) (string, error) {
		if out.Failed {
			return NodeError, nil
		}
		return successNode, nil
	}
}

// datasetRetryCondition routes an empty-dataset failure back to dataset
// selection while re-ask budget remains, mirroring the bounded retry_dataset
// loop; other failures go to the error sink.
func (b *GraphBuilder) datasetRetryCondition() func(context.Context, StepOutcome) (string, error) {
	attempts := b.config.Workflow.SelectAttempts
	if attempts <= 0 {
		attempts = 3
	}
	return func(ctx context.Context, out StepOutcome) (string, error) {
		if !out.Failed {
			return NodeGetTask, nil
		}

		next := NodeError
		err := compose.ProcessState(ctx, func(_ context.Context, s *AnalysisState) error {
			if s.ErrorCode == errx.CodeDatasetNotFound && s.RetryCountDataset < attempts {
				next = NodeSelectDataset
			}
			return nil
		})
		if err != nil {
			return NodeError, nil
		}
		logx.Debug().Str("next", next).Msg("routing empty-dataset failure")
		return next, nil
	}
}

// genRetryable classifies generation-phase failures that a reprompt can fix.
func genRetryable(code errx.Code) bool {
	switch code {
	case errx.CodeUnsafeSQL, errx.CodeSQLSyntax, errx.CodeSQLSemantic, errx.CodeDeadline:
		return true
	}
	return false
}

// execRetryable classifies execution-phase failures that a repair can fix.
func execRetryable(code errx.Code) bool {
	switch code {
	case errx.CodeSQLSyntax, errx.CodeSQLSemantic, errx.CodeUnsafeSQL, errx.CodeDeadline:
		return true
	}
	return false
}

// genRetryCondition routes a generation-phase failure to the retry node
// while budget remains, to the error sink otherwise.
func (b *GraphBuilder) genRetryCondition(successNode string) func(context.Context, StepOutcome) (string, error) {
	maxRetries := b.config.Workflow.MaxRetriesGen
	return func(ctx context.Context, out StepOutcome) (string, error) {
		if !out.Failed {
			return successNode, nil
		}

		next := NodeError
		err := compose.ProcessState(ctx, func(_ context.Context, s *AnalysisState) error {
			if genRetryable(s.ErrorCode) && s.RetryCountGen < maxRetries {
				next = NodeGenerateQueriesRetry
			}
			return nil
		})
		if err != nil {
			return NodeError, nil
		}
		logx.Debug().Str("next", next).Msg("routing generation failure")
		return next, nil
	}
}

// execRetryCondition routes an execution-phase failure to the repair node
// while budget remains, to the error sink otherwise.
func (b *GraphBuilder) execRetryCondition() func(context.Context, StepOutcome) (string, error) {
	maxRetries := b.config.Workflow.MaxRetriesExec
	return func(ctx context.Context, out StepOutcome) (string, error) {
		if !out.Failed {
			return NodeGenerateReport, nil
		}

		next := NodeError
		err := compose.ProcessState(ctx, func(_ context.Context, s *AnalysisState) error {
			if execRetryable(s.ErrorCode) && s.RetryCountExec < maxRetries {
				next = NodeExecuteQueriesRetry
			}
			return nil
		})
		if err != nil {
			return NodeError, nil
		}
		logx.Debug().Str("next", next).Msg("routing execution failure")
		return next, nil
	}
}

// addBranches creates the conditional routing, including the local retry
// edges: generation failures loop through regeneration, execution failures
// through repair, independently counted.
func (b *GraphBuilder) addBranches() error {
	branches := []struct {
		from      string
		condition func(context.Context, StepOutcome) (string, error)
		targets   map[string]bool
	}{
		{NodeWelcome, successOrError(NodeSelectDataset),
			map[string]bool{NodeSelectDataset: true, NodeError: true}},
		{NodeSelectDataset, successOrError(NodeShowTables),
			map[string]bool{NodeShowTables: true, NodeError: true}},
		{NodeShowTables, b.datasetRetryCondition(),
			map[string]bool{NodeGetTask: true, NodeSelectDataset: true, NodeError: true}},
		{NodeGetTask, successOrError(NodeFilterTask),
			map[string]bool{NodeFilterTask: true, NodeError: true}},
		{NodeFilterTask, successOrError(NodeReadSchemas),
			map[string]bool{NodeReadSchemas: true, NodeError: true}},
		{NodeReadSchemas, successOrError(NodeGenerateQueries),
			map[string]bool{NodeGenerateQueries: true, NodeError: true}},
		{NodeGenerateQueries, b.genRetryCondition(NodeTestQueries),
			map[string]bool{NodeTestQueries: true, NodeGenerateQueriesRetry: true, NodeError: true}},
		{NodeGenerateQueriesRetry, successOrError(NodeTestQueries),
			map[string]bool{NodeTestQueries: true, NodeError: true}},
		{NodeTestQueries, b.genRetryCondition(NodeExecuteQueries),
			map[string]bool{NodeExecuteQueries: true, NodeGenerateQueriesRetry: true, NodeError: true}},
		{NodeExecuteQueries, b.execRetryCondition(),
			map[string]bool{NodeGenerateReport: true, NodeExecuteQueriesRetry: true, NodeError: true}},
		{NodeExecuteQueriesRetry, successOrError(NodeGenerateReport),
			map[string]bool{NodeGenerateReport: true, NodeError: true}},
		{NodeGenerateReport, successOrError(NodeFinalize),
			map[string]bool{NodeFinalize: true, NodeError: true}},
	}

	for _, br := range branches {
		branch := compose.NewGraphBranch(br.condition, br.targets)
		if err := b.graph.AddBranch(br.from, branch); err != nil {
			logx.Error().Err(err).Str("from", br.from).Msg("error adding branch")
			return fmt.Errorf("error adding branch from %s: %w", br.from, err)
		}
	}
	return nil
}

// compile finalizes and compiles the graph.
func (b *GraphBuilder) compile(ctx context.Context) (compose.Runnable[WorkflowInput, *AnalysisState], error) {
	// the longest path revisits the test and retry nodes per retry budget
	// and the selection pair per empty-dataset retry
	maxSteps := 20 + 2*(b.config.Workflow.MaxRetriesGen+b.config.Workflow.MaxRetriesExec+b.config.Workflow.SelectAttempts)

	runnable, err := b.graph.Compile(ctx, compose.WithMaxRunSteps(maxSteps))
	if err != nil {
		logx.Error().Err(err).Msg("error compiling workflow graph")
		return nil, fmt.Errorf("error compiling workflow graph: %w", err)
	}

	logx.Debug().Msg("workflow graph compiled")
	return runnable, nil
}
