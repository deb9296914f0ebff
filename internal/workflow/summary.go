package workflow

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/dataqueryagent/server/internal/warehouse"
)

const (
	topKValues       = 5
	summarySampleCap = 5
	renderSampleCap  = 3
)

// NumericStats are descriptive statistics for one numeric column.
type NumericStats struct {
	Name  string  `json:"name"`
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
}

// ValueCount is one categorical value and its frequency.
type ValueCount struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// CategoricalTop lists the most frequent values of one categorical column.
type CategoricalTop struct {
	Name string       `json:"name"`
	Top  []ValueCount `json:"top"`
}

// ResultSummary is the compact stand-in for a result set in the report
// prompt: row count, schema, numeric statistics and categorical top values.
// Spilled results contribute only their summary to the prompt window.
type ResultSummary struct {
	RowCount    int               `json:"row_count"`
	Truncated   bool              `json:"truncated,omitempty"`
	Schema      []warehouse.Field `json:"schema"`
	Numeric     []NumericStats    `json:"numeric,omitempty"`
	Categorical []CategoricalTop  `json:"categorical,omitempty"`
	// Sample keeps the first few rows so a spilled result still shows the
	// report prompt what the data looks like.
	Sample []warehouse.Row `json:"sample,omitempty"`
}

// Summarize computes a ResultSummary over the retrieved rows. rowCount may
// exceed len(rows) when the server truncated the result.
func Summarize(rows []warehouse.Row, schema []warehouse.Field, rowCount int, truncated bool) *ResultSummary {
	s := &ResultSummary{
		RowCount:  rowCount,
		Truncated: truncated,
		Schema:    schema,
	}
	if len(rows) > summarySampleCap {
		s.Sample = rows[:summarySampleCap]
	} else {
		s.Sample = rows
	}

	for _, f := range schema {
		nums := make([]float64, 0, len(rows))
		counts := make(map[string]int)
		numeric := true

		for _, r := range rows {
			v, ok := r[f.Name]
			if !ok || v == nil {
				continue
			}
			if n, isNum := toFloat(v); isNum && numeric {
				nums = append(nums, n)
				continue
			}
			numeric = false
			counts[fmt.Sprint(v)]++
		}

		if numeric && len(nums) > 0 {
			s.Numeric = append(s.Numeric, numericStats(f.Name, nums))
			continue
		}
		if len(counts) > 0 {
			s.Categorical = append(s.Categorical, CategoricalTop{
				Name: f.Name,
				Top:  topValues(counts, topKValues),
			})
		}
	}
	return s
}

func numericStats(name string, nums []float64) NumericStats {
	min, max, sum := math.Inf(1), math.Inf(-1), 0.0
	for _, n := range nums {
		if n < min {
			min = n
		}
		if n > max {
			max = n
		}
		sum += n
	}
	return NumericStats{
		Name:  name,
		Count: len(nums),
		Min:   min,
		Max:   max,
		Mean:  sum / float64(len(nums)),
	}
}

func topValues(counts map[string]int, k int) []ValueCount {
	all := make([]ValueCount, 0, len(counts))
	for v, c := range counts {
		all = append(all, ValueCount{Value: v, Count: c})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Count != all[j].Count {
			return all[i].Count > all[j].Count
		}
		return all[i].Value < all[j].Value
	})
	if len(all) > k {
		all = all[:k]
	}
	return all
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// Render produces the summary text the report prompt receives in place of
// raw rows.
func (s *ResultSummary) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "rows: %d", s.RowCount)
	if s.Truncated {
		b.WriteString(" (truncated preview)")
	}
	b.WriteString("\ncolumns:")
	for _, f := range s.Schema {
		fmt.Fprintf(&b, " %s(%s)", f.Name, f.Type)
	}
	b.WriteString("\n")
	for _, n := range s.Numeric {
		fmt.Fprintf(&b, "%s: min=%g max=%g mean=%g over %d values\n", n.Name, n.Min, n.Max, n.Mean, n.Count)
	}
	for _, c := range s.Categorical {
		fmt.Fprintf(&b, "%s top values:", c.Name)
		for _, v := range c.Top {
			fmt.Fprintf(&b, " %s(%d)", v.Value, v.Count)
		}
		b.WriteString("\n")
	}
	if len(s.Sample) > 0 {
		b.WriteString("sample rows:\n")
		for i, r := range s.Sample {
			if i == renderSampleCap {
				break
			}
			if j, err := json.Marshal(r); err == nil {
				fmt.Fprintf(&b, "  %s\n", j)
			}
		}
	}
	return b.String()
}

// RenderQuerySummaries renders the per-query section of the report prompt:
// inline rows for results kept inline (with a preview note when truncated),
// summaries for spilled ones, error notes for failures.
func RenderQuerySummaries(state *AnalysisState) string {
	var b strings.Builder
	for i, q := range state.GeneratedQueries {
		fmt.Fprintf(&b, "### Query %d\n```sql\n%s\n```\n", i+1, q)

		if i >= len(state.QueryResults) {
			b.WriteString("not executed\n\n")
			continue
		}
		res := state.QueryResults[i]
		switch {
		case !res.OK():
			fmt.Fprintf(&b, "failed: %s\n\n", res.Err)
		case res.MemoryKey != "":
			fmt.Fprintf(&b, "result spilled to memory (key %s), summary:\n%s\n", res.MemoryKey, res.Summary.Render())
		default:
			rows, err := json.Marshal(res.Rows)
			if err != nil {
				fmt.Fprintf(&b, "summary:\n%s\n", res.Summary.Render())
				break
			}
			fmt.Fprintf(&b, "rows (%d):\n%s\n", res.RowCount, rows)
			if res.Truncated {
				b.WriteString("note: server truncated the result, treat as preview\n")
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}
