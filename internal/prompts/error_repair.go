package prompts

import (
	"context"
	_ "embed"
	"strings"

	"github.com/dataqueryagent/server/internal/warehouse"
)

//go:embed template/error_repair.txt
var errorRepairPrompt string

// RenderRepairSystem renders the ERROR_ANALYSIS_AND_REPAIR system prompt.
func RenderRepairSystem(ctx context.Context, schemas map[string][]warehouse.Field) (string, error) {
	content := strings.NewReplacer(
		"{schemas}", FormatSchemas(schemas),
	).Replace(errorRepairPrompt)

	return renderSystem(ctx, content)
}
