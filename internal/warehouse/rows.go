package warehouse

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// scanRows drains a driver result set into rows keyed by column name.
// maxRows <= 0 means unbounded. When the server returns more than maxRows
// rows the scan stops and truncated is reported.
func scanRows(rows driver.Rows, maxRows int) ([]Row, []Field, bool, error) {
	defer rows.Close()

	cols := rows.Columns()
	types := rows.ColumnTypes()
	schema := make([]Field, len(cols))
	for i, ct := range types {
		schema[i] = Field{
			Name: cols[i],
			Type: ct.DatabaseTypeName(),
			Mode: fieldMode(ct),
		}
	}

	var out []Row
	truncated := false
	for rows.Next() {
		if maxRows > 0 && len(out) >= maxRows {
			truncated = true
			break
		}
		ptrs := make([]any, len(types))
		for i, ct := range types {
			ptrs[i] = reflect.New(ct.ScanType()).Interface()
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, false, fmt.Errorf("scan row %d: %w", len(out), err)
		}
		row := make(Row, len(cols))
		for i, name := range cols {
			row[name] = reflect.ValueOf(ptrs[i]).Elem().Interface()
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, false, err
	}
	return out, schema, truncated, nil
}

func fieldMode(ct driver.ColumnType) string {
	if strings.HasPrefix(ct.DatabaseTypeName(), "Array(") {
		return ModeRepeated
	}
	if ct.Nullable() {
		return ModeNullable
	}
	return ModeRequired
}
