// Package prompts is the versioned catalog of the four prompt templates the
// LLM adapter depends on. The set is deliberately closed: new analytical
// behaviors belong in new workflow nodes, not in new prompts.
package prompts

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/dataqueryagent/server/internal/warehouse"
)

// Template names.
const (
	TaskSafetyFilter     = "TASK_SAFETY_FILTER"
	IntentAnalysisAndSQL = "INTENT_ANALYSIS_AND_SQL"
	ErrorAnalysisRepair  = "ERROR_ANALYSIS_AND_REPAIR"
	AnalysisReport       = "ANALYSIS_REPORT"
)

// Template versions. Bump when a template's contract changes.
const (
	TaskSafetyFilterVersion     = "v1"
	IntentAnalysisAndSQLVersion = "v1"
	ErrorAnalysisRepairVersion  = "v1"
	AnalysisReportVersion       = "v1"
)

// renderSystem pushes content through the Eino prompt component so prompt
// callbacks fire, and returns the final system prompt string.
func renderSystem(ctx context.Context, content string) (string, error) {
	tpl := prompt.FromMessages(
		schema.FString,
		schema.MessagesPlaceholder("system_messages", false),
	)
	msgs, err := tpl.Format(ctx, map[string]any{
		"system_messages": []*schema.Message{schema.SystemMessage(content)},
	})
	if err != nil {
		return "", fmt.Errorf("prompt callbacks: %w", err)
	}
	if len(msgs) == 0 || msgs[0] == nil {
		return "", fmt.Errorf("prompt callbacks: empty result")
	}
	return msgs[0].Content, nil
}

// FormatSchemas renders table schemas in the compact form the SQL templates
// expect, in deterministic table order.
func FormatSchemas(schemas map[string][]warehouse.Field) string {
	tables := make([]string, 0, len(schemas))
	for t := range schemas {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	var b strings.Builder
	for _, t := range tables {
		b.WriteString("table ")
		b.WriteString(t)
		b.WriteString(":\n")
		for _, f := range schemas[t] {
			b.WriteString("  - ")
			b.WriteString(f.Name)
			b.WriteString(" ")
			b.WriteString(f.Type)
			b.WriteString(" ")
			b.WriteString(f.Mode)
			if f.Description != "" {
				b.WriteString("  # ")
				b.WriteString(f.Description)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}
