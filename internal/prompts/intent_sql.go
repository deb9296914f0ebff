package prompts

import (
	"context"
	_ "embed"
	"strconv"
	"strings"

	"github.com/dataqueryagent/server/internal/warehouse"
)

//go:embed template/intent_sql.txt
var intentSQLPrompt string

// RenderQuerySynthesisSystem renders the INTENT_ANALYSIS_AND_SQL system
// prompt with the table schemas and the query count cap.
func RenderQuerySynthesisSystem(ctx context.Context, schemas map[string][]warehouse.Field, maxQueries int) (string, error) {
	content := strings.NewReplacer(
		"{max_queries}", strconv.Itoa(maxQueries),
		"{schemas}", FormatSchemas(schemas),
	).Replace(intentSQLPrompt)

	return renderSystem(ctx, content)
}
