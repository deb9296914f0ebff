package warehouse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errx "github.com/dataqueryagent/server/internal/core/error"
)

func TestEnsureReadOnly(t *testing.T) {
	tests := []struct {
		name    string
		sql     string
		wantErr bool
	}{
		{
			name: "plain select",
			sql:  "SELECT order_id, amount FROM sales.orders WHERE ts > now() - INTERVAL 7 DAY",
		},
		{
			name: "with select",
			sql:  "WITH daily AS (SELECT toDate(ts) d, sum(amount) total FROM sales.orders GROUP BY d) SELECT * FROM daily",
		},
		{
			name: "lowercase select",
			sql:  "select 1",
		},
		{
			name: "trailing semicolon",
			sql:  "SELECT 1;",
		},
		{
			name: "keyword inside string literal",
			sql:  "SELECT * FROM sales.orders WHERE note = 'please DELETE me'",
		},
		{
			name: "keyword inside line comment",
			sql:  "SELECT 1 -- DROP TABLE sales.orders\nFROM system.one",
		},
		{
			name: "keyword inside block comment",
			sql:  "SELECT /* TRUNCATE */ 1",
		},
		{
			name: "keyword inside quoted identifier",
			sql:  `SELECT "insert" FROM sales.weird`,
		},
		{
			name: "escaped quote in literal",
			sql:  "SELECT * FROM sales.orders WHERE note = 'it''s fine'",
		},
		{
			name:    "insert",
			sql:     "INSERT INTO sales.orders VALUES (1, 2.0)",
			wantErr: true,
		},
		{
			name:    "delete",
			sql:     "DELETE FROM sales.orders WHERE ts < '2020-01-01'",
			wantErr: true,
		},
		{
			name:    "drop disguised by leading select",
			sql:     "SELECT 1; DROP TABLE sales.orders",
			wantErr: true,
		},
		{
			name:    "multiple statements",
			sql:     "SELECT 1; SELECT 2",
			wantErr: true,
		},
		{
			name:    "top level create",
			sql:     "CREATE TABLE t (x Int64) ENGINE = Memory",
			wantErr: true,
		},
		{
			name:    "truncate",
			sql:     "TRUNCATE TABLE sales.orders",
			wantErr: true,
		},
		{
			name:    "grant",
			sql:     "GRANT SELECT ON sales.* TO analyst",
			wantErr: true,
		},
		{
			name:    "empty",
			sql:     "   ",
			wantErr: true,
		},
		{
			name:    "unterminated literal",
			sql:     "SELECT 'oops",
			wantErr: true,
		},
		{
			name:    "unbalanced parens",
			sql:     "SELECT count( FROM sales.orders",
			wantErr: true,
		},
		{
			name:    "show statement",
			sql:     "SHOW TABLES",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := EnsureReadOnly(tt.sql)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, errx.CodeUnsafeSQL, errx.CodeOf(err))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestWithRowLimit(t *testing.T) {
	tests := []struct {
		name     string
		sql      string
		limit    int
		want     string
		wantErr  bool
		wantCode errx.Code
	}{
		{
			name:  "injects missing limit",
			sql:   "SELECT * FROM sales.orders",
			limit: 10,
			want:  "SELECT * FROM sales.orders LIMIT 10",
		},
		{
			name:  "strips trailing semicolon before injecting",
			sql:   "SELECT * FROM sales.orders;",
			limit: 10,
			want:  "SELECT * FROM sales.orders LIMIT 10",
		},
		{
			name:  "keeps equal limit",
			sql:   "SELECT * FROM sales.orders LIMIT 10",
			limit: 10,
			want:  "SELECT * FROM sales.orders LIMIT 10",
		},
		{
			name:  "caps larger limit",
			sql:   "SELECT * FROM sales.orders LIMIT 5000",
			limit: 10,
			want:  "SELECT * FROM sales.orders LIMIT 10",
		},
		{
			name:     "rejects smaller limit",
			sql:      "SELECT * FROM sales.orders LIMIT 3",
			limit:    10,
			wantErr:  true,
			wantCode: errx.CodeSQLSemantic,
		},
		{
			name:  "ignores limit in subquery",
			sql:   "SELECT * FROM (SELECT * FROM sales.orders LIMIT 3)",
			limit: 10,
			want:  "SELECT * FROM (SELECT * FROM sales.orders LIMIT 3) LIMIT 10",
		},
		{
			name:     "dangling limit",
			sql:      "SELECT * FROM sales.orders LIMIT",
			limit:    10,
			wantErr:  true,
			wantCode: errx.CodeUnsafeSQL,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := withRowLimit(tt.sql, tt.limit)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.wantCode, errx.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
