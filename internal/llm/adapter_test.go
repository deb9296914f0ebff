package llm

import (
	"context"
	"fmt"
	"testing"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errx "github.com/dataqueryagent/server/internal/core/error"
	"github.com/dataqueryagent/server/internal/warehouse"
)

// scriptedModel replays canned replies and records the prompts it saw.
type scriptedModel struct {
	replies []string
	calls   [][]*schema.Message
}

func (m *scriptedModel) Generate(_ context.Context, input []*schema.Message, _ ...einomodel.Option) (*schema.Message, error) {
	m.calls = append(m.calls, input)
	if len(m.replies) == 0 {
		return nil, fmt.Errorf("scripted model exhausted")
	}
	reply := m.replies[0]
	m.replies = m.replies[1:]
	out := schema.AssistantMessage(reply, nil)
	out.ResponseMeta = &schema.ResponseMeta{
		Usage: &schema.TokenUsage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
	}
	return out, nil
}

func (m *scriptedModel) Stream(context.Context, []*schema.Message, ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, fmt.Errorf("streaming not supported")
}

func newTestAdapter(model *scriptedModel, budgetTokens int) *Adapter {
	return NewAdapter(AdapterConfig{
		Analysis:          model,
		AnalysisModelName: "gemini-2.5-flash",
		AnalysisMaxTokens: 400,
		Report:            model,
		ReportModelName:   "gemini-2.5-flash",
		ReportMaxTokens:   400,
		Budget:            NewBudget(budgetTokens),
		Deadline:          time.Minute,
		MaxQueries:        5,
	})
}

func testSchemas() map[string][]warehouse.Field {
	return map[string][]warehouse.Field{
		"orders": {
			{Name: "order_id", Type: "Int64", Mode: warehouse.ModeRequired},
			{Name: "amount", Type: "Float64", Mode: warehouse.ModeRequired},
		},
	}
}

func TestClassifySafetyAccept(t *testing.T) {
	model := &scriptedModel{replies: []string{
		`{"verdict": "accept", "filtered_task": "total revenue over the last 7 days"}`,
	}}
	a := newTestAdapter(model, 100_000)

	verdict, err := a.ClassifySafety(context.Background(), "total revenue last 7 days", "sales", []string{"orders"})
	require.NoError(t, err)
	assert.Equal(t, VerdictAccept, verdict.Verdict)
	assert.Equal(t, "total revenue over the last 7 days", verdict.FilteredTask)

	require.Len(t, model.calls, 1)
	system := model.calls[0][0].Content
	assert.Contains(t, system, "sales")
	assert.Contains(t, system, "orders")
}

func TestClassifySafetyReject(t *testing.T) {
	model := &scriptedModel{replies: []string{
		`{"verdict": "reject", "rejection_reason": "the task implies deleting rows"}`,
	}}
	a := newTestAdapter(model, 100_000)

	verdict, err := a.ClassifySafety(context.Background(), "delete rows older than 2020", "sales", []string{"orders"})
	require.NoError(t, err)
	assert.Equal(t, VerdictReject, verdict.Verdict)
	assert.NotEmpty(t, verdict.RejectionReason)
}

func TestStructuredCallRepromptsOnceOnParseFailure(t *testing.T) {
	model := &scriptedModel{replies: []string{
		"Sure! The queries are: SELECT 1",
		`{"queries": ["SELECT sum(amount) AS total FROM sales.orders"]}`,
	}}
	a := newTestAdapter(model, 100_000)

	queries, err := a.SynthesizeQueries(context.Background(), "total revenue", testSchemas(), "")
	require.NoError(t, err)
	require.Len(t, queries, 1)

	require.Len(t, model.calls, 2)
	retryPrompt := model.calls[1][len(model.calls[1])-1].Content
	assert.Contains(t, retryPrompt, "Respond only with JSON")
}

func TestStructuredCallFailsAfterSecondParseFailure(t *testing.T) {
	model := &scriptedModel{replies: []string{
		"not json",
		"still not json",
	}}
	a := newTestAdapter(model, 100_000)

	_, err := a.SynthesizeQueries(context.Background(), "total revenue", testSchemas(), "")
	require.Error(t, err)
	assert.Equal(t, errx.CodeMalformedOutput, errx.CodeOf(err))
	assert.Len(t, model.calls, 2)
}

func TestSynthesizeQueriesCapsBatchSize(t *testing.T) {
	model := &scriptedModel{replies: []string{
		`{"queries": ["SELECT 1", "SELECT 2", "SELECT 3", "SELECT 4", "SELECT 5", "SELECT 6", "SELECT 7"]}`,
	}}
	a := newTestAdapter(model, 100_000)

	queries, err := a.SynthesizeQueries(context.Background(), "everything", testSchemas(), "")
	require.NoError(t, err)
	assert.Len(t, queries, 5)
}

func TestSynthesizeQueriesIncludesPriorError(t *testing.T) {
	model := &scriptedModel{replies: []string{
		`{"queries": ["SELECT sum(amount) FROM sales.orders"]}`,
	}}
	a := newTestAdapter(model, 100_000)

	_, err := a.SynthesizeQueries(context.Background(), "total revenue", testSchemas(), "unknown column revenue")
	require.NoError(t, err)

	user := model.calls[0][1].Content
	assert.Contains(t, user, "unknown column revenue")
	assert.Contains(t, user, "read-only")
}

func TestRepairQuery(t *testing.T) {
	model := &scriptedModel{replies: []string{
		`{"sql": "SELECT sum(amount) AS total FROM sales.orders"}`,
	}}
	a := newTestAdapter(model, 100_000)

	sql, err := a.RepairQuery(context.Background(), "SELECT sum(revenue) FROM sales.orders", "unknown column revenue", testSchemas())
	require.NoError(t, err)
	assert.Equal(t, "SELECT sum(amount) AS total FROM sales.orders", sql)
}

func TestBudgetRefusalPreventsModelCall(t *testing.T) {
	model := &scriptedModel{replies: []string{`{"queries": ["SELECT 1"]}`}}
	a := newTestAdapter(model, 10) // far below any call estimate

	_, err := a.SynthesizeQueries(context.Background(), "total revenue", testSchemas(), "")
	require.Error(t, err)
	assert.Equal(t, errx.CodeBudgetExhausted, errx.CodeOf(err))
	// the refused call never reached the provider
	assert.Empty(t, model.calls)
}

func TestComposeReport(t *testing.T) {
	model := &scriptedModel{replies: []string{
		"## Revenue\nTotal revenue over the last 7 days was 1234.50.",
	}}
	a := newTestAdapter(model, 100_000)

	report, err := a.ComposeReport(context.Background(), "total revenue last 7 days", "### Query 1\nrows (1): [{\"total\": 1234.5}]")
	require.NoError(t, err)
	assert.Contains(t, report, "1234.50")
}
