package workflow

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataqueryagent/server/internal/config"
	errx "github.com/dataqueryagent/server/internal/core/error"
	"github.com/dataqueryagent/server/internal/llm"
	"github.com/dataqueryagent/server/internal/memory"
	"github.com/dataqueryagent/server/internal/warehouse"
)

// ================ fakes ================

type fakeWarehouse struct {
	datasets []string
	tables   []string
	// tablesByDataset, when set, overrides tables per dataset
	tablesByDataset map[string][]string
	schemas         map[string][]warehouse.Field

	schemaErr error
	sampleFn  func(sql string) (warehouse.QueryResult, error)
	execFn    func(sql string, call int) (warehouse.QueryResult, error)

	submittedSQL   []string
	getSchemaCalls int
	sampleCalls    int
	execCalls      int
}

func (f *fakeWarehouse) ListDatasets(ctx context.Context, projectID string) ([]string, error) {
	return f.datasets, nil
}

func (f *fakeWarehouse) ListTables(ctx context.Context, dataset string) ([]string, error) {
	if f.tablesByDataset != nil {
		return f.tablesByDataset[dataset], nil
	}
	return f.tables, nil
}

func (f *fakeWarehouse) GetSchema(ctx context.Context, dataset, table string) ([]warehouse.Field, error) {
	f.getSchemaCalls++
	if f.schemaErr != nil {
		return nil, f.schemaErr
	}
	fields, ok := f.schemas[table]
	if !ok {
		return nil, errx.TableNotFound(nil, table)
	}
	return fields, nil
}

func (f *fakeWarehouse) DryRun(ctx context.Context, sql string) (warehouse.DryRunResult, error) {
	if err := warehouse.EnsureReadOnly(sql); err != nil {
		return warehouse.DryRunResult{}, err
	}
	f.submittedSQL = append(f.submittedSQL, sql)
	return warehouse.DryRunResult{Valid: true, RowsEstimate: 1}, nil
}

func (f *fakeWarehouse) SampleExecute(ctx context.Context, sql string, limit int) (warehouse.QueryResult, error) {
	if err := warehouse.EnsureReadOnly(sql); err != nil {
		return warehouse.QueryResult{}, err
	}
	f.sampleCalls++
	f.submittedSQL = append(f.submittedSQL, sql)
	if f.sampleFn != nil {
		return f.sampleFn(sql)
	}
	return warehouse.QueryResult{
		Rows:     genRows(1),
		RowCount: 1,
		Schema:   amountSchema(),
	}, nil
}

func (f *fakeWarehouse) Execute(ctx context.Context, sql string, maxRows int) (warehouse.QueryResult, error) {
	if err := warehouse.EnsureReadOnly(sql); err != nil {
		return warehouse.QueryResult{}, err
	}
	f.execCalls++
	f.submittedSQL = append(f.submittedSQL, sql)
	if f.execFn != nil {
		return f.execFn(sql, f.execCalls)
	}
	return warehouse.QueryResult{
		Rows:     []warehouse.Row{{"total": 1234.5}},
		RowCount: 1,
		Schema:   []warehouse.Field{{Name: "total", Type: "Float64", Mode: warehouse.ModeRequired}},
	}, nil
}

type fakeLLM struct {
	budget *llm.Budget

	verdict    llm.SafetyVerdict
	verdictErr error
	synthFn    func(task, priorError string, call int) ([]string, error)
	repairFn   func(sql, errText string, call int) (string, error)
	reportFn   func(task, summaries string, call int) (string, error)

	synthCalls    int
	repairCalls   int
	reportCalls   int
	lastSummaries string
}

func (f *fakeLLM) ClassifySafety(ctx context.Context, userTask, dataset string, tables []string) (llm.SafetyVerdict, error) {
	if f.verdictErr != nil {
		return llm.SafetyVerdict{}, f.verdictErr
	}
	return f.verdict, nil
}

func (f *fakeLLM) SynthesizeQueries(ctx context.Context, filteredTask string, schemas map[string][]warehouse.Field, priorError string) ([]string, error) {
	f.synthCalls++
	if f.synthFn != nil {
		return f.synthFn(filteredTask, priorError, f.synthCalls)
	}
	return []string{happyQuery}, nil
}

func (f *fakeLLM) RepairQuery(ctx context.Context, sql, execError string, schemas map[string][]warehouse.Field) (string, error) {
	f.repairCalls++
	if f.repairFn != nil {
		return f.repairFn(sql, execError, f.repairCalls)
	}
	return sql, nil
}

func (f *fakeLLM) ComposeReport(ctx context.Context, filteredTask, perQuerySummaries string) (string, error) {
	f.reportCalls++
	f.lastSummaries = perQuerySummaries
	if f.reportFn != nil {
		return f.reportFn(filteredTask, perQuerySummaries, f.reportCalls)
	}
	return "## Analysis\nTotal revenue over the last 7 days was 1234.5.", nil
}

func (f *fakeLLM) Budget() *llm.Budget { return f.budget }

type scriptedIO struct {
	selections []string
	task       string
	notices    []string
}

func (s *scriptedIO) SelectDataset(ctx context.Context, datasets []string) (string, error) {
	if len(s.selections) == 0 {
		return "", fmt.Errorf("scripted io exhausted")
	}
	sel := s.selections[0]
	s.selections = s.selections[1:]
	return sel, nil
}

func (s *scriptedIO) AskTask(ctx context.Context) (string, error) {
	return s.task, nil
}

func (s *scriptedIO) Notify(ctx context.Context, text string) error {
	s.notices = append(s.notices, text)
	return nil
}

// ================ fixtures ================

const happyQuery = "SELECT sum(amount) AS total FROM sales.orders WHERE ts > now() - INTERVAL 7 DAY"

func amountSchema() []warehouse.Field {
	return []warehouse.Field{
		{Name: "order_id", Type: "Int64", Mode: warehouse.ModeRequired},
		{Name: "amount", Type: "Float64", Mode: warehouse.ModeRequired},
		{Name: "ts", Type: "DateTime", Mode: warehouse.ModeRequired},
	}
}

func genRows(n int) []warehouse.Row {
	rows := make([]warehouse.Row, n)
	for i := range rows {
		rows[i] = warehouse.Row{"order_id": int64(i), "amount": float64(i) * 1.5}
	}
	return rows
}

func testWorkflowConfig() config.WorkflowConfig {
	return config.WorkflowConfig{
		MaxRetriesGen:      2,
		MaxRetriesExec:     2,
		MaxQueries:         5,
		SampleRowLimit:     10,
		ExecRowCap:         10000,
		InlineRowLimit:     100,
		InlineByteLimit:    128 * 1024,
		TokenBudgetSession: 200_000,
		SelectAttempts:     3,
		DeadlineWarehouse:  time.Minute,
		DeadlineLLM:        time.Minute,
		DeadlineMemory:     10 * time.Second,
		DeadlineSession:    10 * time.Minute,
		MemoryTTL:          time.Hour,
	}
}

type harness struct {
	wh  *fakeWarehouse
	llm *fakeLLM
	mem *memory.InMemoryStore
	io  *scriptedIO
	cfg *GraphConfig
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	wh := &fakeWarehouse{
		datasets: []string{"sales", "ops"},
		tables:   []string{"orders"},
		schemas:  map[string][]warehouse.Field{"orders": amountSchema()},
	}
	fl := &fakeLLM{
		budget: llm.NewBudget(200_000),
		verdict: llm.SafetyVerdict{
			Verdict:      llm.VerdictAccept,
			FilteredTask: "total revenue over the last 7 days",
		},
	}
	mem := memory.NewInMemoryStore(time.Hour)
	t.Cleanup(mem.Stop)
	io := &scriptedIO{selections: []string{"1"}, task: "total revenue last 7 days"}

	return &harness{
		wh:  wh,
		llm: fl,
		mem: mem,
		io:  io,
		cfg: &GraphConfig{
			Warehouse:          wh,
			LLM:                fl,
			Memory:             mem,
			IO:                 io,
			Workflow:           testWorkflowConfig(),
			ReportTokenReserve: 8000,
		},
	}
}

func (h *harness) run(t *testing.T, ctx context.Context) (*AnalysisState, error) {
	t.Helper()

	state := &AnalysisState{}
	runnable, err := BuildGraph(ctx, h.cfg, state)
	require.NoError(t, err)

	final, err := runnable.Invoke(ctx, WorkflowInput{SessionID: "sess-test", ProjectID: "proj-1"})
	if err != nil {
		return state, err
	}
	return final, nil
}

func assertAllSubmittedSQLReadOnly(t *testing.T, wh *fakeWarehouse) {
	t.Helper()
	for _, sql := range wh.submittedSQL {
		assert.NoError(t, warehouse.EnsureReadOnly(sql), "submitted sql must be read-only: %s", sql)
	}
}

// ================ scenarios ================

func TestHappyPathSingleQuery(t *testing.T) {
	h := newHarness(t)

	state, err := h.run(t, context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"sales", "ops"}, state.AvailableDatasets)
	assert.Equal(t, "sales", state.SelectedDataset)
	assert.Equal(t, []string{"orders"}, state.TablesInDataset)
	assert.Contains(t, state.TableSchemas, "orders")
	assert.Equal(t, "total revenue last 7 days", state.UserTask)
	assert.Equal(t, "total revenue over the last 7 days", state.FilteredTask)

	require.Len(t, state.GeneratedQueries, 1)
	assert.Contains(t, state.GeneratedQueries[0], "amount")

	require.Len(t, state.TestResults, 1)
	assert.True(t, state.TestResults[0].OK)
	assert.LessOrEqual(t, state.TestResults[0].RowCount, 10)

	require.Len(t, state.QueryResults, 1)
	res := state.QueryResults[0]
	assert.True(t, res.OK())
	assert.NotNil(t, res.Rows)
	assert.Empty(t, res.MemoryKey)
	assert.Equal(t, 1, res.RowCount)

	assert.Contains(t, state.AnalysisReport, "1234.5")
	assert.Zero(t, state.RetryCountGen)
	assert.Zero(t, state.RetryCountExec)
	assert.Empty(t, state.MemoryKeys)

	assertAllSubmittedSQLReadOnly(t, h.wh)
}

func TestUnsafeTaskRejected(t *testing.T) {
	h := newHarness(t)
	h.io.task = "delete rows older than 2020"
	h.llm.verdict = llm.SafetyVerdict{
		Verdict:         llm.VerdictReject,
		RejectionReason: "the task implies deleting rows",
	}

	state, err := h.run(t, context.Background())
	require.NoError(t, err)

	assert.True(t, state.TaskRejected)
	assert.Equal(t, errx.CodeUnsafeTask, state.ErrorCode)
	assert.Empty(t, state.FilteredTask)
	assert.Empty(t, state.AnalysisReport)

	// no warehouse call after filter_task
	assert.Zero(t, h.wh.getSchemaCalls)
	assert.Zero(t, h.wh.sampleCalls)
	assert.Zero(t, h.wh.execCalls)
	assert.Zero(t, h.llm.synthCalls)
}

func TestGenerationRetryThenSuccess(t *testing.T) {
	h := newHarness(t)
	badQuery := "SELECT sum(revenue) FROM sales.orders"

	h.llm.synthFn = func(task, priorError string, call int) ([]string, error) {
		if call == 1 {
			return []string{badQuery}, nil
		}
		// the reprompt carries the prior error
		if !strings.Contains(priorError, "revenue") {
			return nil, fmt.Errorf("expected prior error in reprompt, got %q", priorError)
		}
		return []string{happyQuery}, nil
	}
	h.wh.sampleFn = func(sql string) (warehouse.QueryResult, error) {
		if strings.Contains(sql, "revenue") {
			return warehouse.QueryResult{}, errx.SQLSemantic(fmt.Errorf("unknown column revenue"))
		}
		return warehouse.QueryResult{Rows: genRows(1), RowCount: 1, Schema: amountSchema()}, nil
	}

	state, err := h.run(t, context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, state.RetryCountGen)
	assert.Zero(t, state.RetryCountExec)
	assert.Equal(t, []string{happyQuery}, state.GeneratedQueries)
	assert.NotEmpty(t, state.AnalysisReport)
	assert.Equal(t, 2, h.llm.synthCalls)

	assertAllSubmittedSQLReadOnly(t, h.wh)
}

func TestGenerationRetriesExhausted(t *testing.T) {
	h := newHarness(t)
	h.wh.sampleFn = func(sql string) (warehouse.QueryResult, error) {
		return warehouse.QueryResult{}, errx.SQLSemantic(fmt.Errorf("unknown column"))
	}

	state, err := h.run(t, context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, state.RetryCountGen)
	assert.Equal(t, 3, h.llm.synthCalls) // initial + two retries
	assert.NotEmpty(t, state.ErrorMessage)
	assert.Empty(t, state.QueryResults)
}

func TestExecutionRetriesExhausted(t *testing.T) {
	h := newHarness(t)
	h.wh.execFn = func(sql string, call int) (warehouse.QueryResult, error) {
		return warehouse.QueryResult{}, errx.SQLSemantic(fmt.Errorf("memory limit exceeded for aggregation"))
	}

	state, err := h.run(t, context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, state.RetryCountExec)
	assert.Equal(t, 2, h.llm.repairCalls)
	assert.Equal(t, 3, h.wh.execCalls) // initial + one per retry
	assert.Contains(t, state.ErrorMessage, "memory limit exceeded")

	// every query accounted for even when failed
	require.Len(t, state.QueryResults, len(state.GeneratedQueries))
	assert.False(t, state.QueryResults[0].OK())

	// no successful results: the partial report notes the failure without an LLM call
	assert.Zero(t, h.llm.reportCalls)
	assert.Contains(t, state.AnalysisReport, "Partial analysis")
	assert.Contains(t, state.AnalysisReport, string(errx.CodeSQLSemantic))
}

func TestExecutionRetryThenSuccess(t *testing.T) {
	h := newHarness(t)
	repaired := "SELECT sum(amount) AS total FROM sales.orders"

	h.wh.execFn = func(sql string, call int) (warehouse.QueryResult, error) {
		if sql == repaired {
			return warehouse.QueryResult{
				Rows:     []warehouse.Row{{"total": 42.0}},
				RowCount: 1,
				Schema:   []warehouse.Field{{Name: "total", Type: "Float64"}},
			}, nil
		}
		return warehouse.QueryResult{}, errx.SQLSemantic(fmt.Errorf("aggregation too deep"))
	}
	h.llm.repairFn = func(sql, errText string, call int) (string, error) {
		if !strings.Contains(errText, "aggregation too deep") {
			return "", fmt.Errorf("repair prompt missing server error")
		}
		return repaired, nil
	}

	state, err := h.run(t, context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, state.RetryCountExec)
	assert.Zero(t, state.RetryCountGen)
	require.Len(t, state.QueryResults, 1)
	assert.True(t, state.QueryResults[0].OK())
	assert.Equal(t, repaired, state.GeneratedQueries[0])
	assert.NotEmpty(t, state.AnalysisReport)
}

func TestSpillToMemory(t *testing.T) {
	h := newHarness(t)
	h.wh.execFn = func(sql string, call int) (warehouse.QueryResult, error) {
		return warehouse.QueryResult{Rows: genRows(5000), RowCount: 5000, Schema: amountSchema()}, nil
	}

	state, err := h.run(t, context.Background())
	require.NoError(t, err)

	require.Len(t, state.QueryResults, 1)
	res := state.QueryResults[0]
	assert.Nil(t, res.Rows)
	assert.NotEmpty(t, res.MemoryKey)
	assert.Equal(t, 5000, res.RowCount)
	require.Len(t, state.MemoryKeys, 1)

	// the report prompt receives a summary, not raw rows
	assert.Contains(t, h.llm.lastSummaries, "spilled to memory")
	assert.Contains(t, h.llm.lastSummaries, "rows: 5000")
	assert.NotContains(t, h.llm.lastSummaries, `"order_id":4999`)

	// the spilled payload round-trips from the store
	entry, err := h.mem.Get(context.Background(), res.MemoryKey)
	require.NoError(t, err)
	assert.Equal(t, 5000, entry.RowCount)
	assert.Len(t, entry.Payload, 5000)
}

func TestInlineBoundary(t *testing.T) {
	tests := []struct {
		name      string
		rows      int
		wantSpill bool
	}{
		{name: "at inline limit stays inline", rows: 100, wantSpill: false},
		{name: "one over inline limit spills", rows: 101, wantSpill: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.wh.execFn = func(sql string, call int) (warehouse.QueryResult, error) {
				return warehouse.QueryResult{Rows: genRows(tt.rows), RowCount: tt.rows, Schema: amountSchema()}, nil
			}

			state, err := h.run(t, context.Background())
			require.NoError(t, err)

			require.Len(t, state.QueryResults, 1)
			res := state.QueryResults[0]
			if tt.wantSpill {
				assert.Nil(t, res.Rows)
				assert.NotEmpty(t, res.MemoryKey)
				assert.Len(t, state.MemoryKeys, 1)
			} else {
				assert.Len(t, res.Rows, tt.rows)
				assert.Empty(t, res.MemoryKey)
				assert.Empty(t, state.MemoryKeys)
			}
		})
	}
}

func TestBudgetExhaustedBeforeReport(t *testing.T) {
	h := newHarness(t)
	h.llm.reportFn = func(task, summaries string, call int) (string, error) {
		return "", errx.BudgetExhausted(100, 9000)
	}

	state, err := h.run(t, context.Background())
	require.NoError(t, err)

	assert.Equal(t, errx.CodeBudgetExhausted, state.ErrorCode)
	// the refused call is the only report attempt; the degraded summary is
	// composed without a further LLM call
	assert.Equal(t, 1, h.llm.reportCalls)
	assert.Contains(t, state.AnalysisReport, "Partial analysis")
	assert.Contains(t, state.AnalysisReport, "rows")
}

func TestCancellationMidExecute(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.llm.synthFn = func(task, priorError string, call int) ([]string, error) {
		return []string{
			"SELECT sum(amount) AS total FROM sales.orders",
			"SELECT count() AS n FROM sales.orders",
		}, nil
	}
	h.wh.execFn = func(sql string, call int) (warehouse.QueryResult, error) {
		if call == 2 {
			cancel()
			return warehouse.QueryResult{}, ctx.Err()
		}
		return warehouse.QueryResult{Rows: genRows(1), RowCount: 1, Schema: amountSchema()}, nil
	}

	state, err := h.run(t, ctx)
	require.Error(t, err)
	assert.Contains(t, strings.ToLower(err.Error()), "cancel")

	// execution stopped mid-batch with partial results recorded
	assert.NotEmpty(t, state.QueryResults)
	assert.Empty(t, state.AnalysisReport)
}

func TestTableNotFoundSurfacesFromReadSchemas(t *testing.T) {
	h := newHarness(t)
	h.wh.schemaErr = errx.TableNotFound(nil, "orders")

	state, err := h.run(t, context.Background())
	require.NoError(t, err)

	assert.Equal(t, errx.CodeTableNotFound, state.ErrorCode)
	assert.Empty(t, state.TableSchemas)
	assert.Zero(t, h.llm.synthCalls)
}

func TestSelectDatasetReasksBounded(t *testing.T) {
	h := newHarness(t)
	h.io.selections = []string{"9", "nope", "2"}

	state, err := h.run(t, context.Background())
	require.NoError(t, err)

	assert.Equal(t, "ops", state.SelectedDataset)
	reasks := 0
	for _, n := range h.io.notices {
		if strings.Contains(n, "try again") {
			reasks++
		}
	}
	assert.Equal(t, 2, reasks)
}

func TestEmptyDatasetRetriesSelection(t *testing.T) {
	h := newHarness(t)
	h.wh.tablesByDataset = map[string][]string{
		"sales": {},
		"ops":   {"orders"},
	}
	h.io.selections = []string{"1", "2"}

	state, err := h.run(t, context.Background())
	require.NoError(t, err)

	assert.Equal(t, "ops", state.SelectedDataset)
	assert.Equal(t, 1, state.RetryCountDataset)
	assert.NotEmpty(t, state.AnalysisReport)

	emptyNotices := 0
	for _, n := range h.io.notices {
		if strings.Contains(n, "has no tables") {
			emptyNotices++
		}
	}
	assert.Equal(t, 1, emptyNotices)
}

func TestEmptyDatasetRetriesExhausted(t *testing.T) {
	h := newHarness(t)
	h.wh.tablesByDataset = map[string][]string{
		"sales": {},
		"ops":   {},
	}
	h.io.selections = []string{"1", "2", "1"}

	state, err := h.run(t, context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, state.RetryCountDataset)
	assert.Equal(t, errx.CodeDatasetNotFound, state.ErrorCode)
	assert.Empty(t, state.AnalysisReport)
	assert.Zero(t, h.llm.synthCalls)
}

func TestQualifyTableNames(t *testing.T) {
	tables := []string{"orders", "customers"}

	tests := []struct {
		name string
		sql  string
		want string
	}{
		{
			name: "bare table is qualified",
			sql:  "SELECT count() FROM orders",
			want: "SELECT count() FROM `sales.orders`",
		},
		{
			name: "backticked bare table is qualified",
			sql:  "SELECT count() FROM `orders`",
			want: "SELECT count() FROM `sales.orders`",
		},
		{
			name: "join side is qualified",
			sql:  "SELECT * FROM orders o JOIN customers c ON o.customer_id = c.customer_id",
			want: "SELECT * FROM `sales.orders` o JOIN `sales.customers` c ON o.customer_id = c.customer_id",
		},
		{
			name: "already qualified is untouched",
			sql:  "SELECT count() FROM sales.orders",
			want: "SELECT count() FROM sales.orders",
		},
		{
			name: "lowercase keyword",
			sql:  "select count() from orders",
			want: "select count() from `sales.orders`",
		},
		{
			name: "similarly named table is untouched",
			sql:  "SELECT count() FROM orders_archive",
			want: "SELECT count() FROM orders_archive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, qualifyTableNames(tt.sql, "sales", tables))
		})
	}
}

func TestSelectDatasetExhaustsAttempts(t *testing.T) {
	h := newHarness(t)
	h.io.selections = []string{"0", "7", "neither"}

	state, err := h.run(t, context.Background())
	require.NoError(t, err)

	assert.Empty(t, state.SelectedDataset)
	assert.Equal(t, errx.CodeDatasetNotFound, state.ErrorCode)
}

func TestDeterministicReplay(t *testing.T) {
	run := func() *AnalysisState {
		h := newHarness(t)
		state, err := h.run(t, context.Background())
		require.NoError(t, err)
		return state
	}

	first := run()
	second := run()

	assert.Equal(t, first.GeneratedQueries, second.GeneratedQueries)
	assert.Equal(t, first.TestResults, second.TestResults)
	assert.Equal(t, first.QueryResults, second.QueryResults)
}
