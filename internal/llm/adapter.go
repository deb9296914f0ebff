package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	errx "github.com/dataqueryagent/server/internal/core/error"
	"github.com/dataqueryagent/server/internal/prompts"
	"github.com/dataqueryagent/server/internal/warehouse"
	logx "github.com/dataqueryagent/server/pkg/logger"
)

// Safety verdicts.
const (
	VerdictAccept = "accept"
	VerdictReject = "reject"
)

// SafetyVerdict is the TASK_SAFETY_FILTER output.
type SafetyVerdict struct {
	Verdict         string `json:"verdict"`
	FilteredTask    string `json:"filtered_task,omitempty"`
	RejectionReason string `json:"rejection_reason,omitempty"`
}

type queriesReply struct {
	Queries []string `json:"queries"`
}

type repairReply struct {
	SQL string `json:"sql"`
}

// AdapterConfig wires the adapter. The chat models are interfaces so tests
// can inject deterministic fakes.
type AdapterConfig struct {
	Analysis          einomodel.BaseChatModel
	AnalysisModelName string
	AnalysisMaxTokens int

	Report          einomodel.BaseChatModel
	ReportModelName string
	ReportMaxTokens int

	Budget     *Budget
	Deadline   time.Duration
	MaxQueries int
}

// Adapter is the typed request/response wrapper over the chat models. Every
// call reserves against the session token budget first and records actual
// usage afterwards.
type Adapter struct {
	cfg AdapterConfig
}

// NewAdapter creates the LLM adapter.
func NewAdapter(cfg AdapterConfig) *Adapter {
	return &Adapter{cfg: cfg}
}

// NewAdapterFromModels is the production constructor over Gemini chat models.
func NewAdapterFromModels(models *ChatModels, budget *Budget, deadline time.Duration, analysisMaxTokens, reportMaxTokens, maxQueries int) *Adapter {
	return NewAdapter(AdapterConfig{
		Analysis:          models.Analysis,
		AnalysisModelName: models.AnalysisModelName,
		AnalysisMaxTokens: analysisMaxTokens,
		Report:            models.Report,
		ReportModelName:   models.ReportModelName,
		ReportMaxTokens:   reportMaxTokens,
		Budget:            budget,
		Deadline:          deadline,
		MaxQueries:        maxQueries,
	})
}

// Budget exposes the session ledger for budget-aware callers.
func (a *Adapter) Budget() *Budget {
	return a.cfg.Budget
}

func (a *Adapter) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.cfg.Deadline <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.cfg.Deadline)
}

// generate performs one budget-gated model call.
func (a *Adapter) generate(ctx context.Context, m einomodel.BaseChatModel, modelName string, maxTokens int, msgs []*schema.Message) (*schema.Message, error) {
	estimate := estimateMessagesTokens(msgs) + maxTokens
	if err := a.cfg.Budget.Reserve(estimate); err != nil {
		return nil, err
	}

	ctx, cancel := a.withDeadline(ctx)
	defer cancel()

	out, err := m.Generate(ctx, msgs)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, errx.Deadline(err, "llm")
		}
		if errors.Is(err, context.Canceled) {
			return nil, errx.Cancelled()
		}
		return nil, fmt.Errorf("llm generate: %w", err)
	}
	if out == nil {
		return nil, errx.MalformedOutput(fmt.Errorf("nil model reply"))
	}

	var usage *schema.TokenUsage
	if out.ResponseMeta != nil {
		usage = out.ResponseMeta.Usage
	}
	a.cfg.Budget.Record(usage, modelName, estimate)
	return out, nil
}

// structuredCall runs an analysis-model call whose reply must parse into out.
// A parse failure triggers one stricter "JSON only" reprompt; a second
// failure is LLM_MALFORMED_OUTPUT.
func (a *Adapter) structuredCall(ctx context.Context, promptName, schemaHint string, msgs []*schema.Message, out any) error {
	reply, err := a.generate(ctx, a.cfg.Analysis, a.cfg.AnalysisModelName, a.cfg.AnalysisMaxTokens, msgs)
	if err != nil {
		return err
	}

	perr := decodeJSON(reply.Content, out)
	if perr == nil {
		return nil
	}
	logx.Warn().Err(perr).Str("prompt", promptName).Msg("model reply failed schema parse, reprompting")

	retryMsgs := append(append([]*schema.Message{}, msgs...),
		reply,
		schema.UserMessage("Your previous reply could not be parsed. Respond only with JSON matching this schema, no prose, no code fences: "+schemaHint),
	)
	reply, err = a.generate(ctx, a.cfg.Analysis, a.cfg.AnalysisModelName, a.cfg.AnalysisMaxTokens, retryMsgs)
	if err != nil {
		return err
	}
	if perr := decodeJSON(reply.Content, out); perr != nil {
		return errx.MalformedOutput(perr)
	}
	return nil
}

// ClassifySafety applies TASK_SAFETY_FILTER to a raw user task.
func (a *Adapter) ClassifySafety(ctx context.Context, userTask, dataset string, tables []string) (SafetyVerdict, error) {
	system, err := prompts.RenderSafetyFilterSystem(ctx, dataset, tables)
	if err != nil {
		return SafetyVerdict{}, err
	}

	var verdict SafetyVerdict
	msgs := []*schema.Message{
		schema.SystemMessage(system),
		schema.UserMessage(userTask),
	}
	hint := `{"verdict": "accept"|"reject", "filtered_task"?: string, "rejection_reason"?: string}`
	if err := a.structuredCall(ctx, prompts.TaskSafetyFilter, hint, msgs, &verdict); err != nil {
		return SafetyVerdict{}, err
	}

	switch verdict.Verdict {
	case VerdictAccept:
		if strings.TrimSpace(verdict.FilteredTask) == "" {
			return SafetyVerdict{}, errx.MalformedOutput(fmt.Errorf("accept verdict without filtered_task"))
		}
	case VerdictReject:
		if strings.TrimSpace(verdict.RejectionReason) == "" {
			verdict.RejectionReason = "the task cannot be served read-only"
		}
	default:
		return SafetyVerdict{}, errx.MalformedOutput(fmt.Errorf("unknown verdict %q", verdict.Verdict))
	}
	return verdict, nil
}

// SynthesizeQueries applies INTENT_ANALYSIS_AND_SQL. priorError, when
// non-empty, is included so a regeneration can avoid the previous failure.
func (a *Adapter) SynthesizeQueries(ctx context.Context, filteredTask string, schemas map[string][]warehouse.Field, priorError string) ([]string, error) {
	system, err := prompts.RenderQuerySynthesisSystem(ctx, schemas, a.cfg.MaxQueries)
	if err != nil {
		return nil, err
	}

	var user strings.Builder
	user.WriteString("Task: ")
	user.WriteString(filteredTask)
	if priorError != "" {
		user.WriteString("\n\nA previous attempt failed; avoid repeating it. Error:\n")
		user.WriteString(priorError)
		user.WriteString("\nRemember: read-only SELECT statements only.")
	}

	var reply queriesReply
	msgs := []*schema.Message{
		schema.SystemMessage(system),
		schema.UserMessage(user.String()),
	}
	if err := a.structuredCall(ctx, prompts.IntentAnalysisAndSQL, `{"queries": [string, ...]}`, msgs, &reply); err != nil {
		return nil, err
	}

	queries := make([]string, 0, len(reply.Queries))
	for _, q := range reply.Queries {
		if strings.TrimSpace(q) == "" {
			continue
		}
		queries = append(queries, strings.TrimSpace(q))
	}
	if len(queries) == 0 {
		return nil, errx.MalformedOutput(fmt.Errorf("model returned no queries"))
	}
	if len(queries) > a.cfg.MaxQueries {
		queries = queries[:a.cfg.MaxQueries]
	}
	return queries, nil
}

// RepairQuery applies ERROR_ANALYSIS_AND_REPAIR to one failed statement.
func (a *Adapter) RepairQuery(ctx context.Context, sql, execError string, schemas map[string][]warehouse.Field) (string, error) {
	system, err := prompts.RenderRepairSystem(ctx, schemas)
	if err != nil {
		return "", err
	}

	user := fmt.Sprintf("Failed query:\n%s\n\nServer error:\n%s", sql, execError)
	var reply repairReply
	msgs := []*schema.Message{
		schema.SystemMessage(system),
		schema.UserMessage(user),
	}
	if err := a.structuredCall(ctx, prompts.ErrorAnalysisRepair, `{"sql": string}`, msgs, &reply); err != nil {
		return "", err
	}
	if strings.TrimSpace(reply.SQL) == "" {
		return "", errx.MalformedOutput(fmt.Errorf("model returned empty sql"))
	}
	return strings.TrimSpace(reply.SQL), nil
}

// ComposeReport applies ANALYSIS_REPORT over the per-query summaries.
func (a *Adapter) ComposeReport(ctx context.Context, filteredTask, perQuerySummaries string) (string, error) {
	system, err := prompts.RenderReportSystem(ctx)
	if err != nil {
		return "", err
	}

	user := fmt.Sprintf("Task: %s\n\nQuery results:\n%s", filteredTask, perQuerySummaries)
	msgs := []*schema.Message{
		schema.SystemMessage(system),
		schema.UserMessage(user),
	}
	reply, err := a.generate(ctx, a.cfg.Report, a.cfg.ReportModelName, a.cfg.ReportMaxTokens, msgs)
	if err != nil {
		return "", err
	}
	report := strings.TrimSpace(reply.Content)
	if report == "" {
		return "", errx.MalformedOutput(fmt.Errorf("model returned empty report"))
	}
	return report, nil
}
