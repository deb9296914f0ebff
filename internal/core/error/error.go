package errx

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	// SystemErrorMessage is a user-facing fallback when internal errors occur.
	SystemErrorMessage = "internal server error"
	// RedisErrorMessage describes Redis related failures.
	RedisErrorMessage = "redis operation failed"
	// RedisNotFoundMessage describes a missing Redis key.
	RedisNotFoundMessage = "redis key not found"
)

// Code identifies an error class in the analysis workflow taxonomy.
type Code string

const (
	CodeWarehouseUnavailable Code = "WAREHOUSE_UNAVAILABLE"
	CodeDatasetNotFound      Code = "DATASET_NOT_FOUND"
	CodeTableNotFound        Code = "TABLE_NOT_FOUND"
	CodeUnsafeTask           Code = "UNSAFE_TASK"
	CodeUnsafeSQL            Code = "UNSAFE_SQL"
	CodeMalformedOutput      Code = "LLM_MALFORMED_OUTPUT"
	CodeSQLSyntax            Code = "SQL_SYNTAX"
	CodeSQLSemantic          Code = "SQL_SEMANTIC"
	CodeBudgetExhausted      Code = "BUDGET_EXHAUSTED"
	CodeDeadline             Code = "DEADLINE"
	CodeCancelled            Code = "CANCELLED"
	CodeMemoryUnavailable    Code = "MEMORY_UNAVAILABLE"
	CodeInternal             Code = "INTERNAL"
)

// AppError wraps an underlying error with a taxonomy code, an HTTP-style
// status and a safe user-facing message. Raw stack traces never surface.
type AppError struct {
	Err     error
	Code    Code
	Status  int
	Message string
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the provided information.
func New(err error, code Code, status int, message string) *AppError {
	return &AppError{
		Err:     err,
		Code:    code,
		Status:  status,
		Message: message,
	}
}

// Is reports whether the target matches by code or by the underlying error.
func (e *AppError) Is(target error) bool {
	if t, ok := target.(*AppError); ok {
		return t.Code == e.Code
	}
	return errors.Is(e.Err, target)
}

// As allows casting to AppError or the wrapped error in a chain.
func (e *AppError) As(target any) bool {
	if errors.As(e.Err, target) {
		return true
	}
	if t, ok := target.(**AppError); ok {
		*t = e
		return true
	}
	return false
}

// CodeOf extracts the taxonomy code from an error chain.
// Errors outside the taxonomy report CodeInternal.
func CodeOf(err error) Code {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// HasCode reports whether the error chain carries the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// UserMessage returns the safe user-facing message for an error chain.
func UserMessage(err error) string {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Message
	}
	return SystemErrorMessage
}

// ================ taxonomy constructors ================

// WarehouseUnavailable marks transient transport or auth failures against the warehouse.
func WarehouseUnavailable(err error) *AppError {
	return New(err, CodeWarehouseUnavailable, http.StatusBadGateway, "warehouse is unavailable")
}

// DatasetNotFound marks a dataset selection that does not exist.
func DatasetNotFound(err error, dataset string) *AppError {
	return New(err, CodeDatasetNotFound, http.StatusNotFound, fmt.Sprintf("dataset %q not found", dataset))
}

// TableNotFound marks a table reference that does not exist in the selected dataset.
func TableNotFound(err error, table string) *AppError {
	return New(err, CodeTableNotFound, http.StatusNotFound, fmt.Sprintf("table %q not found", table))
}

// UnsafeTask marks a task the safety filter rejected.
func UnsafeTask(reason string) *AppError {
	return New(nil, CodeUnsafeTask, http.StatusForbidden, fmt.Sprintf("task rejected: %s", reason))
}

// UnsafeSQL marks SQL that failed the read-only safety parse.
func UnsafeSQL(err error, snippet string) *AppError {
	return New(err, CodeUnsafeSQL, http.StatusForbidden, fmt.Sprintf("unsafe sql rejected: %s", snippet))
}

// MalformedOutput marks LLM output that failed schema parsing after the
// stricter reprompt, or that parsed but failed the per-call validation.
func MalformedOutput(err error) *AppError {
	return New(err, CodeMalformedOutput, http.StatusBadGateway, "model returned malformed output")
}

// SQLSyntax marks a syntax error reported by the warehouse.
func SQLSyntax(err error) *AppError {
	return New(err, CodeSQLSyntax, http.StatusBadRequest, "sql syntax error")
}

// SQLSemantic marks a semantic error (unknown column, type mismatch) reported by the warehouse.
func SQLSemantic(err error) *AppError {
	return New(err, CodeSQLSemantic, http.StatusBadRequest, "sql semantic error")
}

// BudgetExhausted marks a refused LLM call that would exceed the session token budget.
func BudgetExhausted(remaining, estimated int) *AppError {
	return New(nil, CodeBudgetExhausted, http.StatusTooManyRequests,
		fmt.Sprintf("token budget exhausted: %d remaining, %d estimated", remaining, estimated))
}

// Deadline marks an adapter call that exceeded its deadline.
func Deadline(err error, op string) *AppError {
	return New(err, CodeDeadline, http.StatusGatewayTimeout, fmt.Sprintf("%s deadline exceeded", op))
}

// Cancelled marks a session interrupted by an external cancel signal.
func Cancelled() *AppError {
	return New(nil, CodeCancelled, http.StatusRequestTimeout, "cancelled")
}
