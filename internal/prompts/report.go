package prompts

import (
	"context"
	_ "embed"
)

//go:embed template/report.txt
var reportPrompt string

// RenderReportSystem renders the ANALYSIS_REPORT system prompt.
func RenderReportSystem(ctx context.Context) (string, error) {
	return renderSystem(ctx, reportPrompt)
}
