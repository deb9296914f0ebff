package workflow

import (
	"github.com/cloudwego/eino/schema"

	errx "github.com/dataqueryagent/server/internal/core/error"
	"github.com/dataqueryagent/server/internal/warehouse"
)

// Node names. The workflow is a fixed graph over these nodes; retry behavior
// lives in the edges and counters, not in call-stack recursion.
const (
	NodeWelcome              = "welcome"
	NodeSelectDataset        = "select_dataset"
	NodeShowTables           = "show_tables"
	NodeGetTask              = "get_task"
	NodeFilterTask           = "filter_task"
	NodeReadSchemas          = "read_schemas"
	NodeGenerateQueries      = "generate_queries"
	NodeGenerateQueriesRetry = "generate_queries_retry"
	NodeTestQueries          = "test_queries"
	NodeExecuteQueries       = "execute_queries"
	NodeExecuteQueriesRetry  = "execute_queries_retry"
	NodeGenerateReport       = "generate_report"
	NodeError                = "error"
	NodeFinalize             = "finalize"
)

// WorkflowInput starts a session.
type WorkflowInput struct {
	SessionID string `json:"session_id"`
	ProjectID string `json:"project_id"`
}

// StepOutcome is the value piped along graph edges. The interesting data
// lives in AnalysisState; the outcome only carries routing information.
type StepOutcome struct {
	Step   string
	Failed bool
	Reason string
}

// TestResult is the outcome of one sampled validation run.
type TestResult struct {
	QueryIdx   int             `json:"query_idx"`
	OK         bool            `json:"ok"`
	RowCount   int             `json:"row_count"`
	SampleRows []warehouse.Row `json:"sample_rows,omitempty"`
	Err        string          `json:"error,omitempty"`
}

// QueryOutcome is the outcome of one full execution. Exactly one of Rows or
// MemoryKey is set on success; Err is set on failure.
type QueryOutcome struct {
	QueryIdx  int               `json:"query_idx"`
	Rows      []warehouse.Row   `json:"rows,omitempty"`
	MemoryKey string            `json:"memory_key,omitempty"`
	RowCount  int               `json:"row_count"`
	Truncated bool              `json:"truncated,omitempty"`
	Schema    []warehouse.Field `json:"schema,omitempty"`
	Summary   *ResultSummary    `json:"summary,omitempty"`
	Err       string            `json:"error,omitempty"`
}

// OK reports whether the execution succeeded.
func (q QueryOutcome) OK() bool {
	return q.Err == ""
}

// AnalysisState is the single mutable record threaded through every node.
// It is registered as Eino graph local state; all access happens inside
// state handlers or compose.ProcessState, which serialize access, so no
// mutex is needed within a session.
type AnalysisState struct {
	SessionID string
	ProjectID string

	AvailableDatasets []string
	SelectedDataset   string
	TablesInDataset   []string
	TableSchemas      map[string][]warehouse.Field

	UserTask        string
	FilteredTask    string
	TaskRejected    bool
	RejectionReason string

	GeneratedQueries []string
	TestResults      []TestResult
	QueryResults     []QueryOutcome
	MemoryKeys       []string

	AnalysisReport string

	ErrorMessage string
	ErrorCode    errx.Code

	RetryCountGen     int
	RetryCountExec    int
	RetryCountDataset int

	CurrentStep string
	Messages    []*schema.Message
	// LastError keeps the most recent recoverable error detail for reprompts.
	LastError string
}

// appendMessage records a role-tagged turn of the session transcript.
func (s *AnalysisState) appendMessage(msg *schema.Message) {
	if msg == nil {
		return
	}
	s.Messages = append(s.Messages, msg)
}

// recordFailure stores a failure and produces the failed outcome that routes
// along the node's failure edge.
func (s *AnalysisState) recordFailure(step string, err error) StepOutcome {
	s.ErrorCode = errx.CodeOf(err)
	s.ErrorMessage = errx.UserMessage(err)
	s.LastError = err.Error()
	return StepOutcome{Step: step, Failed: true, Reason: s.ErrorMessage}
}

// SucceededResults counts executions that completed.
func (s *AnalysisState) SucceededResults() int {
	n := 0
	for _, r := range s.QueryResults {
		if r.OK() {
			n++
		}
	}
	return n
}

// Clone takes a snapshot for step events: top-level slices and the schema
// map are copied so the receiver can hold it across node transitions.
func (s *AnalysisState) Clone() *AnalysisState {
	if s == nil {
		return nil
	}
	cp := *s
	cp.AvailableDatasets = append([]string(nil), s.AvailableDatasets...)
	cp.TablesInDataset = append([]string(nil), s.TablesInDataset...)
	cp.GeneratedQueries = append([]string(nil), s.GeneratedQueries...)
	cp.TestResults = append([]TestResult(nil), s.TestResults...)
	cp.QueryResults = append([]QueryOutcome(nil), s.QueryResults...)
	cp.MemoryKeys = append([]string(nil), s.MemoryKeys...)
	cp.Messages = append([]*schema.Message(nil), s.Messages...)
	if s.TableSchemas != nil {
		cp.TableSchemas = make(map[string][]warehouse.Field, len(s.TableSchemas))
		for k, v := range s.TableSchemas {
			cp.TableSchemas[k] = v
		}
	}
	return &cp
}

// StepEvent is yielded after each node transition in streaming mode.
type StepEvent struct {
	Step  string
	State *AnalysisState
}
