package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// extractJSON trims markdown fences and surrounding prose down to the
// outermost JSON object in a model reply.
func extractJSON(content string) (string, error) {
	s := strings.TrimSpace(content)

	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return "", fmt.Errorf("no JSON object in model reply")
	}
	return s[start : end+1], nil
}

// decodeJSON strictly parses a model reply into out. Unknown fields and
// trailing content fail the parse, which triggers the stricter reprompt.
func decodeJSON(content string, out any) error {
	raw, err := extractJSON(content)
	if err != nil {
		return err
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode model reply: %w", err)
	}
	if dec.More() {
		return fmt.Errorf("trailing content after JSON object")
	}
	return nil
}
