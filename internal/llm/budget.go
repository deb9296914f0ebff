package llm

import (
	"sync"

	"github.com/cloudwego/eino/schema"

	errx "github.com/dataqueryagent/server/internal/core/error"
	logx "github.com/dataqueryagent/server/pkg/logger"
)

// estCharsPerToken is the coarse prompt-size heuristic used before a call is
// made; actual usage reported by the provider replaces the estimate afterwards.
const estCharsPerToken = 4

// Budget is the per-session token ledger. Every LLM call must reserve its
// estimated prompt+completion tokens first; a call whose estimate exceeds the
// remaining budget is refused with BUDGET_EXHAUSTED and never sent.
type Budget struct {
	mu    sync.Mutex
	total int
	used  int

	totalCostUSD float64
}

// NewBudget creates a ledger with the given session-wide token cap.
func NewBudget(total int) *Budget {
	return &Budget{total: total}
}

// Reserve refuses the call when estimated tokens exceed the remaining budget.
// It does not consume tokens; Record does, with actual usage.
func (b *Budget) Reserve(estimated int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining := b.total - b.used
	if estimated > remaining {
		logx.Warn().
			Int("estimated", estimated).
			Int("remaining", remaining).
			Msg("refusing LLM call over token budget")
		return errx.BudgetExhausted(remaining, estimated)
	}
	return nil
}

// Record consumes actual usage reported by the provider and accumulates USD
// cost. When the provider omits usage the estimate is charged instead.
func (b *Budget) Record(usage *schema.TokenUsage, modelName string, fallbackEstimate int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if usage == nil {
		b.used += fallbackEstimate
		return
	}
	b.used += usage.TotalTokens

	pricing := ResolvePricing(modelName)
	inC, outC, totalC := ComputeCost(usage, pricing)
	b.totalCostUSD += totalC

	logx.Debug().
		Str("model", modelName).
		Int("prompt_tokens", usage.PromptTokens).
		Int("completion_tokens", usage.CompletionTokens).
		Int("total_tokens", usage.TotalTokens).
		Int("budget_used", b.used).
		Int("budget_total", b.total).
		Float64("input_cost_usd", inC).
		Float64("output_cost_usd", outC).
		Float64("total_cost_usd", totalC).
		Msg("LLM usage")
}

// Remaining reports the unconsumed token budget.
func (b *Budget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total - b.used
}

// Used reports consumed tokens.
func (b *Budget) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// TotalCostUSD reports the accumulated provider cost for the session.
func (b *Budget) TotalCostUSD() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalCostUSD
}

// EstimateTokens is the prompt-size heuristic for budgeting and spill
// decisions: roughly four characters per token.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(text)/estCharsPerToken + 1
}

// estimateMessagesTokens estimates the prompt cost of a message list,
// including a small per-message framing overhead.
func estimateMessagesTokens(msgs []*schema.Message) int {
	total := 0
	for _, m := range msgs {
		if m == nil {
			continue
		}
		total += EstimateTokens(m.Content) + 4
	}
	return total
}
