package warehouse

import (
	"context"
	"errors"

	"github.com/ClickHouse/clickhouse-go/v2"

	errx "github.com/dataqueryagent/server/internal/core/error"
)

// ClickHouse server error codes the adapter cares about.
const (
	chNotFoundColumn    = 10
	chIllegalTypeOfArg  = 43
	chUnknownFunction   = 46
	chUnknownIdentifier = 47
	chTypeMismatch      = 53
	chUnknownTable      = 60
	chSyntaxError       = 62
	chUnknownDatabase   = 81
	chUnknownUser       = 192
	chWrongPassword     = 193
	chAccessDenied      = 497
	chAuthFailed        = 516
)

func chException(err error) (*clickhouse.Exception, bool) {
	var ex *clickhouse.Exception
	if errors.As(err, &ex) {
		return ex, true
	}
	return nil, false
}

func isAuthError(err error) bool {
	ex, ok := chException(err)
	if !ok {
		return false
	}
	switch ex.Code {
	case chUnknownUser, chWrongPassword, chAccessDenied, chAuthFailed:
		return true
	}
	return false
}

// isTransient reports whether the error is a transport-level failure worth
// retrying. Server exceptions and auth failures are never transient.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if _, ok := chException(err); ok {
		return false
	}
	return true
}

// WarehouseError maps a driver error onto the workflow taxonomy.
func WarehouseError(err error) error {
	if err == nil {
		return nil
	}
	var ae *errx.AppError
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errx.Deadline(err, "warehouse")
	}
	if ex, ok := chException(err); ok {
		switch ex.Code {
		case chSyntaxError:
			return errx.SQLSyntax(err)
		case chNotFoundColumn, chIllegalTypeOfArg, chUnknownFunction,
			chUnknownIdentifier, chTypeMismatch, chUnknownTable, chUnknownDatabase:
			return errx.SQLSemantic(err)
		}
		if isAuthError(err) {
			return errx.WarehouseUnavailable(err)
		}
		return errx.SQLSemantic(err)
	}
	return errx.WarehouseUnavailable(err)
}
