package prompts

import (
	"context"
	_ "embed"
	"strings"
)

//go:embed template/safety_filter.txt
var safetyFilterPrompt string

// RenderSafetyFilterSystem renders the TASK_SAFETY_FILTER system prompt for
// the selected dataset and its tables.
func RenderSafetyFilterSystem(ctx context.Context, dataset string, tables []string) (string, error) {
	// replace known tokens only so JSON braces in the template survive
	content := strings.NewReplacer(
		"{dataset}", dataset,
		"{tables}", strings.Join(tables, ", "),
	).Replace(safetyFilterPrompt)

	return renderSystem(ctx, content)
}
