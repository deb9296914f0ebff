package warehouse

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/dataqueryagent/server/internal/config"
	logx "github.com/dataqueryagent/server/pkg/logger"
)

const (
	defaultDialTimeout      = 10 * time.Second
	defaultMaxExecutionTime = 60
)

// Querier is the minimal query surface the adapter needs from the warehouse
// driver. *clickhouse driver connections satisfy it; tests inject fakes.
type Querier interface {
	Query(ctx context.Context, query string, args ...any) (driver.Rows, error)
	Ping(ctx context.Context) error
}

// NewClickHouseConn opens a native-protocol ClickHouse connection from config
// and verifies it with a ping.
func NewClickHouseConn(ctx context.Context, cfg config.WarehouseConfig) (driver.Conn, error) {
	opts := &clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": defaultMaxExecutionTime,
		},
		DialTimeout: defaultDialTimeout,
	}
	if cfg.Secure {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		logx.Error().Err(err).Str("addr", cfg.Addr).Msg("failed to open clickhouse connection")
		return nil, WarehouseError(err)
	}
	if err := conn.Ping(ctx); err != nil {
		logx.Error().Err(err).Str("addr", cfg.Addr).Msg("clickhouse ping failed")
		return nil, WarehouseError(err)
	}

	logx.Debug().Str("addr", cfg.Addr).Msg("connected to clickhouse")
	return conn, nil
}

// MustNewClickHouseConn is NewClickHouseConn that panics on failure.
func MustNewClickHouseConn(ctx context.Context, cfg config.WarehouseConfig) driver.Conn {
	conn, err := NewClickHouseConn(ctx, cfg)
	if err != nil {
		panic(fmt.Sprintf("clickhouse: %v", err))
	}
	return conn
}
