package warehouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dataqueryagent/server/internal/config"
	errx "github.com/dataqueryagent/server/internal/core/error"
	logx "github.com/dataqueryagent/server/pkg/logger"
)

// systemDatabases are namespaces hidden from dataset enumeration.
var systemDatabases = map[string]struct{}{
	"system":             {},
	"INFORMATION_SCHEMA": {},
	"information_schema": {},
}

// Adapter exposes the read-only warehouse operations the workflow depends on.
// Every SQL argument passes the read-only safety parse before any network
// call. Transient transport errors are retried with exponential backoff;
// authentication failures are never retried.
type Adapter struct {
	q        Querier
	cfg      config.WarehouseConfig
	deadline time.Duration
}

// NewAdapter creates a warehouse adapter over an open connection.
func NewAdapter(q Querier, cfg config.WarehouseConfig, deadline time.Duration) *Adapter {
	return &Adapter{q: q, cfg: cfg, deadline: deadline}
}

// withDeadline bounds an adapter call with the configured warehouse deadline.
func (a *Adapter) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.deadline <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.deadline)
}

// query runs sql with transient-error retry and scans the full result.
func (a *Adapter) query(ctx context.Context, sql string, maxRows int, args ...any) ([]Row, []Field, bool, error) {
	ctx, cancel := a.withDeadline(ctx)
	defer cancel()

	var (
		rows      []Row
		schema    []Field
		truncated bool
	)

	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(a.cfg.RetryBaseInterval),
		backoff.WithMultiplier(2.0),
		backoff.WithMaxInterval(a.cfg.RetryMaxInterval),
		backoff.WithRandomizationFactor(0),
	)

	attempt := 0
	op := func() error {
		attempt++
		res, err := a.q.Query(ctx, sql, args...)
		if err == nil {
			rows, schema, truncated, err = scanRows(res, maxRows)
		}
		if err == nil {
			return nil
		}
		if isAuthError(err) || !isTransient(err) || attempt > a.cfg.MaxTransportRetries {
			return backoff.Permanent(err)
		}
		logx.Warn().Err(err).Int("attempt", attempt).Msg("transient warehouse error, retrying")
		return err
	}

	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, nil, false, WarehouseError(err)
	}
	return rows, schema, truncated, nil
}

// ListDatasets enumerates the databases visible to the connection, excluding
// system namespaces. projectID is only logged; it does not scope the list.
func (a *Adapter) ListDatasets(ctx context.Context, projectID string) ([]string, error) {
	rows, _, _, err := a.query(ctx, "SELECT name FROM system.databases ORDER BY name", 0)
	if err != nil {
		return nil, err
	}

	datasets := make([]string, 0, len(rows))
	for _, r := range rows {
		name := fmt.Sprint(r["name"])
		if _, hidden := systemDatabases[name]; hidden {
			continue
		}
		datasets = append(datasets, name)
	}
	logx.Debug().Str("project_id", projectID).Int("datasets", len(datasets)).Msg("listed datasets")
	return datasets, nil
}

// ListTables enumerates the tables of a dataset in name order.
func (a *Adapter) ListTables(ctx context.Context, dataset string) ([]string, error) {
	exists, _, _, err := a.query(ctx, "SELECT count() AS n FROM system.databases WHERE name = ?", 0, dataset)
	if err != nil {
		return nil, err
	}
	if len(exists) == 0 || fmt.Sprint(exists[0]["n"]) == "0" {
		return nil, errx.DatasetNotFound(nil, dataset)
	}

	rows, _, _, err := a.query(ctx, "SELECT name FROM system.tables WHERE database = ? ORDER BY name", 0, dataset)
	if err != nil {
		return nil, err
	}
	tables := make([]string, 0, len(rows))
	for _, r := range rows {
		tables = append(tables, fmt.Sprint(r["name"]))
	}
	return tables, nil
}

// GetSchema reads the ordered field descriptors of a table.
func (a *Adapter) GetSchema(ctx context.Context, dataset, table string) ([]Field, error) {
	rows, _, _, err := a.query(ctx,
		"SELECT name, type, comment FROM system.columns WHERE database = ? AND table = ? ORDER BY position",
		0, dataset, table)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errx.TableNotFound(nil, table)
	}

	fields := make([]Field, 0, len(rows))
	for _, r := range rows {
		typ := fmt.Sprint(r["type"])
		f := Field{
			Name: fmt.Sprint(r["name"]),
			Type: typ,
			Mode: ModeRequired,
		}
		if c, ok := r["comment"]; ok && c != nil {
			f.Description = fmt.Sprint(c)
		}
		if strings.HasPrefix(typ, "Array(") {
			f.Mode = ModeRepeated
		} else if strings.HasPrefix(typ, "Nullable(") {
			f.Mode = ModeNullable
		}
		fields = append(fields, f)
	}
	return fields, nil
}

// DryRun validates sql server-side without touching data, using the
// planner's estimate of parts and rows to be read.
func (a *Adapter) DryRun(ctx context.Context, sql string) (DryRunResult, error) {
	if err := EnsureReadOnly(sql); err != nil {
		return DryRunResult{}, err
	}

	rows, _, _, err := a.query(ctx, "EXPLAIN ESTIMATE "+sql, 0)
	if err != nil {
		if errx.HasCode(err, errx.CodeSQLSyntax) || errx.HasCode(err, errx.CodeSQLSemantic) {
			return DryRunResult{Valid: false, Err: err.Error()}, nil
		}
		return DryRunResult{}, err
	}

	var rowsEstimate, marks int64
	for _, r := range rows {
		rowsEstimate += toInt64(r["rows"])
		marks += toInt64(r["marks"])
	}
	return DryRunResult{
		Valid:        true,
		RowsEstimate: rowsEstimate,
		// granule-based coarse estimate: one mark covers 8192 rows
		BytesEstimate: marks * 8192,
	}, nil
}

// SampleExecute runs sql capped at limit rows for self-validation. A missing
// LIMIT is injected; a smaller existing LIMIT rejects the query.
func (a *Adapter) SampleExecute(ctx context.Context, sql string, limit int) (QueryResult, error) {
	if err := EnsureReadOnly(sql); err != nil {
		return QueryResult{}, err
	}
	limited, err := withRowLimit(sql, limit)
	if err != nil {
		return QueryResult{}, err
	}

	rows, schema, _, err := a.query(ctx, limited, limit)
	if err != nil {
		return QueryResult{}, err
	}
	return QueryResult{Rows: rows, RowCount: len(rows), Schema: schema}, nil
}

// Execute runs sql retrieving at most maxRows rows. Truncated results must
// be treated as a preview by the caller.
func (a *Adapter) Execute(ctx context.Context, sql string, maxRows int) (QueryResult, error) {
	if err := EnsureReadOnly(sql); err != nil {
		return QueryResult{}, err
	}

	rows, schema, truncated, err := a.query(ctx, sql, maxRows)
	if err != nil {
		return QueryResult{}, err
	}
	return QueryResult{Rows: rows, RowCount: len(rows), Truncated: truncated, Schema: schema}, nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case uint64:
		return int64(n)
	case int:
		return int64(n)
	case uint32:
		return int64(n)
	case int32:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
