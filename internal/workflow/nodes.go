package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	errx "github.com/dataqueryagent/server/internal/core/error"
	"github.com/dataqueryagent/server/internal/llm"
	"github.com/dataqueryagent/server/internal/warehouse"
	logx "github.com/dataqueryagent/server/pkg/logger"
)

// promptOverheadTokens pads the report prompt estimate for the system
// template and framing around the per-query section.
const promptOverheadTokens = 1000

// okStep produces the success outcome for a node.
func okStep(step string) StepOutcome {
	return StepOutcome{Step: step}
}

// selectAttempts bounds both the selection re-ask loop and the
// empty-dataset retry edge.
func (d *nodeDeps) selectAttempts() int {
	if d.cfg.SelectAttempts <= 0 {
		return 3
	}
	return d.cfg.SelectAttempts
}

// ================ state handlers ================

// NewStepPreHandler observes cancellation at the node boundary and records
// the current step. A cancelled context stops the machine before the node
// body runs, so state is never mutated after a cancel is observed.
func NewStepPreHandler(step string) func(context.Context, StepOutcome, *AnalysisState) (StepOutcome, error) {
	return func(ctx context.Context, in StepOutcome, s *AnalysisState) (StepOutcome, error) {
		if err := ctx.Err(); err != nil {
			return in, errx.Cancelled()
		}
		s.CurrentStep = step
		return in, nil
	}
}

// NewStepPostHandler emits a step event with a state snapshot after the node
// body completes.
func NewStepPostHandler(step string, emit func(StepEvent)) func(context.Context, StepOutcome, *AnalysisState) (StepOutcome, error) {
	return func(ctx context.Context, out StepOutcome, s *AnalysisState) (StepOutcome, error) {
		if emit != nil {
			emit(StepEvent{Step: step, State: s.Clone()})
		}
		return out, nil
	}
}

// NewWelcomePreHandler is the WorkflowInput-typed variant for the entry node.
func NewWelcomePreHandler() func(context.Context, WorkflowInput, *AnalysisState) (WorkflowInput, error) {
	return func(ctx context.Context, in WorkflowInput, s *AnalysisState) (WorkflowInput, error) {
		if err := ctx.Err(); err != nil {
			return in, errx.Cancelled()
		}
		s.CurrentStep = NodeWelcome
		return in, nil
	}
}

// ================ nodes ================

// NewWelcomeNode initializes the session and enumerates accessible datasets.
func (d *nodeDeps) NewWelcomeNode() *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, in WorkflowInput) (StepOutcome, error) {
		var out StepOutcome
		err := compose.ProcessState(ctx, func(_ context.Context, s *AnalysisState) error {
			s.SessionID = in.SessionID
			if s.SessionID == "" {
				s.SessionID = uuid.NewString()
			}
			s.ProjectID = in.ProjectID

			datasets, err := d.wh.ListDatasets(ctx, s.ProjectID)
			if err != nil {
				out = s.recordFailure(NodeWelcome, err)
				return nil
			}
			if len(datasets) == 0 {
				out = s.recordFailure(NodeWelcome, errx.DatasetNotFound(nil, "<any>"))
				return nil
			}
			s.AvailableDatasets = datasets

			var b strings.Builder
			b.WriteString("Welcome to the data analysis agent.\n\nAvailable datasets:\n")
			for i, ds := range datasets {
				fmt.Fprintf(&b, "  %d. %s\n", i+1, ds)
			}
			if err := d.io.Notify(ctx, b.String()); err != nil {
				out = s.recordFailure(NodeWelcome, err)
				return nil
			}
			out = okStep(NodeWelcome)
			return nil
		})
		return out, err
	})
}

// NewSelectDatasetNode prompts for a dataset, validating the reply against
// the enumerated list with a bounded number of re-asks.
func (d *nodeDeps) NewSelectDatasetNode() *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, _ StepOutcome) (StepOutcome, error) {
		var out StepOutcome
		err := compose.ProcessState(ctx, func(_ context.Context, s *AnalysisState) error {
			attempts := d.selectAttempts()
			for attempt := 0; attempt < attempts; attempt++ {
				raw, err := d.io.SelectDataset(ctx, s.AvailableDatasets)
				if err != nil {
					out = s.recordFailure(NodeSelectDataset, err)
					return nil
				}
				if ds, found := matchDataset(raw, s.AvailableDatasets); found {
					s.SelectedDataset = ds
					out = okStep(NodeSelectDataset)
					return nil
				}
				if err := d.io.Notify(ctx, fmt.Sprintf("%q is not one of the listed datasets, try again", strings.TrimSpace(raw))); err != nil {
					out = s.recordFailure(NodeSelectDataset, err)
					return nil
				}
			}
			out = s.recordFailure(NodeSelectDataset, errx.DatasetNotFound(nil, "selection"))
			return nil
		})
		return out, err
	})
}

// matchDataset resolves a raw user reply to a dataset: a 1-based index or a
// case-insensitive name.
func matchDataset(raw string, datasets []string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if idx, err := strconv.Atoi(raw); err == nil {
		if idx >= 1 && idx <= len(datasets) {
			return datasets[idx-1], true
		}
		return "", false
	}
	for _, ds := range datasets {
		if strings.EqualFold(ds, raw) {
			return ds, true
		}
	}
	return "", false
}

// NewShowTablesNode enumerates the tables of the selected dataset. An empty
// dataset is recoverable: the user is sent back to pick another dataset,
// bounded the same way the selection re-ask loop is.
func (d *nodeDeps) NewShowTablesNode() *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, _ StepOutcome) (StepOutcome, error) {
		var out StepOutcome
		err := compose.ProcessState(ctx, func(_ context.Context, s *AnalysisState) error {
			tables, err := d.wh.ListTables(ctx, s.SelectedDataset)
			if err != nil {
				out = s.recordFailure(NodeShowTables, err)
				return nil
			}
			if len(tables) == 0 {
				s.RetryCountDataset++
				empty := s.SelectedDataset
				out = s.recordFailure(NodeShowTables, errx.DatasetNotFound(nil, empty+" (no tables)"))
				if s.RetryCountDataset < d.selectAttempts() {
					s.SelectedDataset = ""
					if err := d.io.Notify(ctx, fmt.Sprintf("Dataset %s has no tables, pick another", empty)); err != nil {
						out = s.recordFailure(NodeShowTables, err)
					}
				}
				return nil
			}
			s.TablesInDataset = tables

			if err := d.io.Notify(ctx, fmt.Sprintf("Dataset %s tables: %s", s.SelectedDataset, strings.Join(tables, ", "))); err != nil {
				out = s.recordFailure(NodeShowTables, err)
				return nil
			}
			out = okStep(NodeShowTables)
			return nil
		})
		return out, err
	})
}

// NewGetTaskNode collects the free-form analytical task.
func (d *nodeDeps) NewGetTaskNode() *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, _ StepOutcome) (StepOutcome, error) {
		var out StepOutcome
		err := compose.ProcessState(ctx, func(_ context.Context, s *AnalysisState) error {
			task, err := d.io.AskTask(ctx)
			if err != nil {
				out = s.recordFailure(NodeGetTask, err)
				return nil
			}
			task = strings.TrimSpace(task)
			if task == "" {
				out = s.recordFailure(NodeGetTask, errx.UnsafeTask("empty task"))
				return nil
			}
			s.UserTask = task
			s.appendMessage(schema.UserMessage(task))
			out = okStep(NodeGetTask)
			return nil
		})
		return out, err
	})
}

// NewFilterTaskNode classifies task safety. A rejection is terminal.
func (d *nodeDeps) NewFilterTaskNode() *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, _ StepOutcome) (StepOutcome, error) {
		var out StepOutcome
		err := compose.ProcessState(ctx, func(_ context.Context, s *AnalysisState) error {
			verdict, err := d.llm.ClassifySafety(ctx, s.UserTask, s.SelectedDataset, s.TablesInDataset)
			if err != nil {
				out = s.recordFailure(NodeFilterTask, err)
				return nil
			}
			if verdict.Verdict == llm.VerdictReject {
				s.TaskRejected = true
				s.RejectionReason = verdict.RejectionReason
				out = s.recordFailure(NodeFilterTask, errx.UnsafeTask(verdict.RejectionReason))
				return nil
			}
			s.FilteredTask = verdict.FilteredTask
			s.appendMessage(schema.AssistantMessage("Interpreting task as: "+verdict.FilteredTask, nil))
			out = okStep(NodeFilterTask)
			return nil
		})
		return out, err
	})
}

// NewReadSchemasNode reads the schema of every table in the dataset. A
// missing table is surfaced as TABLE_NOT_FOUND rather than silently omitted.
func (d *nodeDeps) NewReadSchemasNode() *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, _ StepOutcome) (StepOutcome, error) {
		var out StepOutcome
		err := compose.ProcessState(ctx, func(_ context.Context, s *AnalysisState) error {
			schemas := make(map[string][]warehouse.Field, len(s.TablesInDataset))
			for _, table := range s.TablesInDataset {
				fields, err := d.wh.GetSchema(ctx, s.SelectedDataset, table)
				if err != nil {
					out = s.recordFailure(NodeReadSchemas, err)
					return nil
				}
				schemas[table] = fields
			}
			s.TableSchemas = schemas
			out = okStep(NodeReadSchemas)
			return nil
		})
		return out, err
	})
}

// checkQueriesSafety re-applies the read-only parse to every produced SQL
// before anything is sent, even in sample mode.
func checkQueriesSafety(queries []string) error {
	for _, q := range queries {
		if err := warehouse.EnsureReadOnly(q); err != nil {
			return err
		}
	}
	return nil
}

// qualifyTableNames rewrites bare FROM/JOIN table references as
// `dataset.table`, the fully-qualified format the warehouse expects. Already
// qualified references are left untouched.
func qualifyTableNames(sql, dataset string, tables []string) string {
	for _, table := range tables {
		name := regexp.QuoteMeta(table)
		re := regexp.MustCompile(`(?i)\b(FROM|JOIN)\s+(` + "`" + name + "`" + `|` + name + `\b)`)
		sql = re.ReplaceAllStringFunc(sql, func(m string) string {
			kw := m[:strings.IndexAny(m, " \t\n")]
			return kw + " `" + dataset + "." + table + "`"
		})
	}
	return sql
}

// qualifyAll applies qualifyTableNames across a generated batch.
func qualifyAll(queries []string, dataset string, tables []string) []string {
	out := make([]string, len(queries))
	for i, q := range queries {
		out[i] = qualifyTableNames(q, dataset, tables)
	}
	return out
}

// NewGenerateQueriesNode synthesizes SQL from the filtered task and resets
// the generation retry counter.
func (d *nodeDeps) NewGenerateQueriesNode() *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, _ StepOutcome) (StepOutcome, error) {
		var out StepOutcome
		err := compose.ProcessState(ctx, func(_ context.Context, s *AnalysisState) error {
			s.RetryCountGen = 0

			queries, err := d.llm.SynthesizeQueries(ctx, s.FilteredTask, s.TableSchemas, "")
			if err != nil {
				out = s.recordFailure(NodeGenerateQueries, err)
				return nil
			}
			queries = qualifyAll(queries, s.SelectedDataset, s.TablesInDataset)
			if err := checkQueriesSafety(queries); err != nil {
				s.GeneratedQueries = queries
				out = s.recordFailure(NodeGenerateQueries, err)
				return nil
			}
			s.GeneratedQueries = queries
			s.appendMessage(schema.AssistantMessage("Generated queries:\n"+strings.Join(queries, "\n"), nil))
			out = okStep(NodeGenerateQueries)
			return nil
		})
		return out, err
	})
}

// NewGenerateQueriesRetryNode regenerates the query batch with the prior
// error in the reprompt. The counter lives in state, not in the call stack.
func (d *nodeDeps) NewGenerateQueriesRetryNode() *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, _ StepOutcome) (StepOutcome, error) {
		var out StepOutcome
		err := compose.ProcessState(ctx, func(_ context.Context, s *AnalysisState) error {
			s.RetryCountGen++
			logx.Debug().
				Str("session_id", s.SessionID).
				Int("retry_count_gen", s.RetryCountGen).
				Msg("regenerating queries")

			queries, err := d.llm.SynthesizeQueries(ctx, s.FilteredTask, s.TableSchemas, s.LastError)
			if err != nil {
				out = s.recordFailure(NodeGenerateQueriesRetry, err)
				return nil
			}
			queries = qualifyAll(queries, s.SelectedDataset, s.TablesInDataset)
			if err := checkQueriesSafety(queries); err != nil {
				s.GeneratedQueries = queries
				out = s.recordFailure(NodeGenerateQueriesRetry, err)
				return nil
			}
			s.GeneratedQueries = queries
			s.TestResults = nil
			out = okStep(NodeGenerateQueriesRetry)
			return nil
		})
		return out, err
	})
}

// NewTestQueriesNode validates every query on a dry run plus a small sample
// before any full execution begins.
func (d *nodeDeps) NewTestQueriesNode() *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, _ StepOutcome) (StepOutcome, error) {
		var out StepOutcome
		err := compose.ProcessState(ctx, func(_ context.Context, s *AnalysisState) error {
			results := make([]TestResult, 0, len(s.GeneratedQueries))
			var failures []string

			for i, q := range s.GeneratedQueries {
				tr := TestResult{QueryIdx: i}

				if dry, err := d.wh.DryRun(ctx, q); err != nil {
					tr.Err = err.Error()
				} else if !dry.Valid {
					tr.Err = dry.Err
				} else if sample, err := d.wh.SampleExecute(ctx, q, d.cfg.SampleRowLimit); err != nil {
					tr.Err = err.Error()
				} else {
					tr.OK = true
					tr.RowCount = sample.RowCount
					tr.SampleRows = sample.Rows
				}

				if !tr.OK {
					failures = append(failures, fmt.Sprintf("query %d: %s\nsql: %s", i+1, tr.Err, q))
				}
				results = append(results, tr)
			}
			s.TestResults = results

			if len(failures) > 0 {
				out = s.recordFailure(NodeTestQueries, errx.SQLSemantic(fmt.Errorf("%s", strings.Join(failures, "\n"))))
				return nil
			}
			out = okStep(NodeTestQueries)
			return nil
		})
		return out, err
	})
}

// executeOne runs one query to completion and stores it inline or spilled.
func (d *nodeDeps) executeOne(ctx context.Context, s *AnalysisState, idx, attempt int) QueryOutcome {
	res, err := d.wh.Execute(ctx, s.GeneratedQueries[idx], d.cfg.ExecRowCap)
	if err != nil {
		return QueryOutcome{QueryIdx: idx, Err: err.Error()}
	}

	outcome := QueryOutcome{
		QueryIdx:  idx,
		RowCount:  res.RowCount,
		Truncated: res.Truncated,
		Schema:    res.Schema,
		Summary:   Summarize(res.Rows, res.Schema, res.RowCount, res.Truncated),
	}

	if d.shouldSpill(res) {
		key, perr := d.mem.Put(ctx, s.SessionID, idx, attempt, res.Rows, res.Schema)
		if perr != nil {
			return QueryOutcome{QueryIdx: idx, Err: perr.Error()}
		}
		outcome.MemoryKey = key
		s.MemoryKeys = append(s.MemoryKeys, key)
		return outcome
	}

	outcome.Rows = res.Rows
	return outcome
}

// shouldSpill applies the inline row and byte limits.
func (d *nodeDeps) shouldSpill(res warehouse.QueryResult) bool {
	if res.RowCount > d.cfg.InlineRowLimit {
		return true
	}
	b, err := json.Marshal(res.Rows)
	if err != nil {
		return true
	}
	return len(b) > d.cfg.InlineByteLimit
}

// spillResult moves an already-inlined outcome to the memory store.
func (d *nodeDeps) spillResult(ctx context.Context, s *AnalysisState, idx, attempt int) error {
	res := &s.QueryResults[idx]
	key, err := d.mem.Put(ctx, s.SessionID, res.QueryIdx, attempt, res.Rows, res.Schema)
	if err != nil {
		return err
	}
	res.MemoryKey = key
	res.Rows = nil
	s.MemoryKeys = append(s.MemoryKeys, key)
	return nil
}

// enforcePromptBudget spills additional inline results, largest first, until
// the report prompt fits into the remaining token budget.
func (d *nodeDeps) enforcePromptBudget(ctx context.Context, s *AnalysisState, attempt int) {
	for {
		estimate := llm.EstimateTokens(RenderQuerySummaries(s)) + promptOverheadTokens
		allowed := d.llm.Budget().Remaining() - d.reportReserve
		if estimate <= allowed {
			return
		}

		largest, largestRows := -1, 0
		for i, r := range s.QueryResults {
			if r.OK() && r.MemoryKey == "" && len(r.Rows) > largestRows {
				largest, largestRows = i, len(r.Rows)
			}
		}
		if largest < 0 {
			return
		}
		if err := d.spillResult(ctx, s, largest, attempt); err != nil {
			logx.Warn().Err(err).Int("query_idx", largest).Msg("budget spill failed")
			return
		}
		logx.Debug().
			Int("query_idx", largest).
			Int("rows", largestRows).
			Msg("spilled result to fit report prompt budget")
	}
}

// aggregateExecFailures records the combined failure of an execution pass,
// preferring a retryable code so routing can repair what is repairable.
func aggregateExecFailures(s *AnalysisState, step string) StepOutcome {
	var firstErr, retryableErr string
	for _, r := range s.QueryResults {
		if r.OK() {
			continue
		}
		if firstErr == "" {
			firstErr = r.Err
		}
		if retryableErr == "" && execRetryableText(r.Err) {
			retryableErr = r.Err
		}
	}

	msg := retryableErr
	code := errx.CodeSQLSemantic
	if msg == "" {
		msg = firstErr
		code = errx.CodeWarehouseUnavailable
	}
	s.ErrorCode = code
	s.ErrorMessage = msg
	s.LastError = msg
	return StepOutcome{Step: step, Failed: true, Reason: msg}
}

// execRetryableText classifies an execution error string as repairable.
// Outcome errors are carried as strings inside QueryOutcome, so the class
// markers the taxonomy embeds in messages are matched here.
func execRetryableText(errText string) bool {
	for _, code := range []errx.Code{errx.CodeSQLSyntax, errx.CodeSQLSemantic, errx.CodeUnsafeSQL, errx.CodeDeadline} {
		if strings.Contains(errText, string(code)) {
			return true
		}
	}
	return false
}

// NewExecuteQueriesNode executes the validated batch, spilling oversized
// results and resetting the execution retry counter.
func (d *nodeDeps) NewExecuteQueriesNode() *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, _ StepOutcome) (StepOutcome, error) {
		var out StepOutcome
		err := compose.ProcessState(ctx, func(_ context.Context, s *AnalysisState) error {
			s.RetryCountExec = 0

			results := make([]QueryOutcome, len(s.GeneratedQueries))
			failed := false
			for i := range s.GeneratedQueries {
				if err := ctx.Err(); err != nil {
					s.QueryResults = results[:i]
					return errx.Cancelled()
				}
				results[i] = d.executeOne(ctx, s, i, 0)
				if !results[i].OK() {
					failed = true
				}
			}
			s.QueryResults = results

			if failed {
				out = aggregateExecFailures(s, NodeExecuteQueries)
				return nil
			}
			d.enforcePromptBudget(ctx, s, 0)
			out = okStep(NodeExecuteQueries)
			return nil
		})
		return out, err
	})
}

// NewExecuteQueriesRetryNode repairs and re-executes only the failed
// queries. Retries are sequential and bounded by the exec retry budget; the
// node exits to the report when everything recovered, to the error sink
// after the final retry.
func (d *nodeDeps) NewExecuteQueriesRetryNode() *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, _ StepOutcome) (StepOutcome, error) {
		var out StepOutcome
		err := compose.ProcessState(ctx, func(_ context.Context, s *AnalysisState) error {
			for s.RetryCountExec < d.cfg.MaxRetriesExec {
				if err := ctx.Err(); err != nil {
					return errx.Cancelled()
				}
				s.RetryCountExec++
				attempt := s.RetryCountExec
				logx.Debug().
					Str("session_id", s.SessionID).
					Int("retry_count_exec", attempt).
					Msg("repairing failed queries")

				stillFailing := false
				for i := range s.QueryResults {
					if s.QueryResults[i].OK() {
						continue
					}
					repaired, err := d.llm.RepairQuery(ctx, s.GeneratedQueries[i], s.QueryResults[i].Err, s.TableSchemas)
					if err != nil {
						out = s.recordFailure(NodeExecuteQueriesRetry, err)
						return nil
					}
					if err := warehouse.EnsureReadOnly(repaired); err != nil {
						s.QueryResults[i] = QueryOutcome{QueryIdx: i, Err: err.Error()}
						stillFailing = true
						continue
					}
					s.GeneratedQueries[i] = repaired
					s.QueryResults[i] = d.executeOne(ctx, s, i, attempt)
					if !s.QueryResults[i].OK() {
						stillFailing = true
					}
				}

				if !stillFailing {
					d.enforcePromptBudget(ctx, s, s.RetryCountExec)
					out = okStep(NodeExecuteQueriesRetry)
					return nil
				}
			}
			out = aggregateExecFailures(s, NodeExecuteQueriesRetry)
			return nil
		})
		return out, err
	})
}

// NewGenerateReportNode composes the final analysis report from per-query
// summaries.
func (d *nodeDeps) NewGenerateReportNode() *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, _ StepOutcome) (StepOutcome, error) {
		var out StepOutcome
		err := compose.ProcessState(ctx, func(_ context.Context, s *AnalysisState) error {
			summaries := RenderQuerySummaries(s)
			report, err := d.llm.ComposeReport(ctx, s.FilteredTask, summaries)
			if err != nil {
				out = s.recordFailure(NodeGenerateReport, err)
				return nil
			}
			s.AnalysisReport = report
			s.appendMessage(schema.AssistantMessage(report, nil))
			out = okStep(NodeGenerateReport)
			return nil
		})
		return out, err
	})
}

// NewErrorNode is the terminal sink: it surfaces the error category and a
// human-readable message, and still attempts a report over whatever partial
// results exist. When the budget is exhausted the degraded summary is
// composed without a final LLM call.
func (d *nodeDeps) NewErrorNode() *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, _ StepOutcome) (StepOutcome, error) {
		var out StepOutcome
		err := compose.ProcessState(ctx, func(_ context.Context, s *AnalysisState) error {
			if s.ErrorMessage == "" {
				s.ErrorMessage = errx.SystemErrorMessage
				s.ErrorCode = errx.CodeInternal
			}

			notice := fmt.Sprintf("[%s] %s", s.ErrorCode, s.ErrorMessage)
			if err := d.io.Notify(ctx, notice); err != nil {
				logx.Warn().Err(err).Msg("failed to surface error notice")
			}

			if s.AnalysisReport == "" && len(s.GeneratedQueries) > 0 {
				s.AnalysisReport = d.partialReport(ctx, s)
			}
			out = StepOutcome{Step: NodeError, Failed: true, Reason: s.ErrorMessage}
			return nil
		})
		return out, err
	})
}

// partialReport composes a report over partial context, degrading to a
// plain summary when nothing succeeded, the budget ran out, or the model
// refuses.
func (d *nodeDeps) partialReport(ctx context.Context, s *AnalysisState) string {
	summaries := RenderQuerySummaries(s)

	if s.SucceededResults() > 0 &&
		s.ErrorCode != errx.CodeBudgetExhausted && s.ErrorCode != errx.CodeCancelled {
		if report, err := d.llm.ComposeReport(ctx, s.FilteredTask, summaries); err == nil {
			return report + fmt.Sprintf("\n\n> Session ended early: [%s] %s", s.ErrorCode, s.ErrorMessage)
		}
	}

	var b strings.Builder
	b.WriteString("## Partial analysis\n\n")
	fmt.Fprintf(&b, "The session ended early: [%s] %s\n\n", s.ErrorCode, s.ErrorMessage)
	b.WriteString(summaries)
	return b.String()
}

// NewFinalizeNode hands the owning state record back to the driver.
func (d *nodeDeps) NewFinalizeNode() *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, _ StepOutcome) (*AnalysisState, error) {
		var final *AnalysisState
		err := compose.ProcessState(ctx, func(_ context.Context, s *AnalysisState) error {
			final = s
			return nil
		})
		return final, err
	})
}
