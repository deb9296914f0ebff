package llm

import (
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errx "github.com/dataqueryagent/server/internal/core/error"
)

func TestBudgetReserveRefusesOverBudgetCalls(t *testing.T) {
	b := NewBudget(1000)

	require.NoError(t, b.Reserve(1000))

	err := b.Reserve(1001)
	require.Error(t, err)
	assert.Equal(t, errx.CodeBudgetExhausted, errx.CodeOf(err))
}

func TestBudgetRecordConsumesActualUsage(t *testing.T) {
	b := NewBudget(1000)

	b.Record(&schema.TokenUsage{PromptTokens: 300, CompletionTokens: 100, TotalTokens: 400}, "gemini-2.5-flash", 900)
	assert.Equal(t, 400, b.Used())
	assert.Equal(t, 600, b.Remaining())

	// once consumed, a call estimated above the remainder is refused
	err := b.Reserve(601)
	require.Error(t, err)
	assert.Equal(t, errx.CodeBudgetExhausted, errx.CodeOf(err))
	require.NoError(t, b.Reserve(600))
}

func TestBudgetRecordFallsBackToEstimate(t *testing.T) {
	b := NewBudget(1000)

	b.Record(nil, "gemini-2.5-flash", 250)
	assert.Equal(t, 250, b.Used())
}

func TestBudgetAccumulatesCost(t *testing.T) {
	b := NewBudget(1_000_000)

	b.Record(&schema.TokenUsage{PromptTokens: 1_000_000, CompletionTokens: 1_000_000, TotalTokens: 2_000_000}, "gemini-2.5-flash", 0)
	assert.InDelta(t, 0.30+2.50, b.TotalCostUSD(), 1e-9)

	// unknown models charge nothing
	b.Record(&schema.TokenUsage{PromptTokens: 1_000_000, CompletionTokens: 0, TotalTokens: 1_000_000}, "mystery-model", 0)
	assert.InDelta(t, 0.30+2.50, b.TotalCostUSD(), 1e-9)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 2, EstimateTokens("abcd"))
	assert.Equal(t, 26, EstimateTokens(string(make([]byte, 100))))
}
