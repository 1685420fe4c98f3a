package federation

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel error kinds. Callers classify with errors.Is; PoolTimeout and
// QueryTimeout are retryable, the rest are not.
var (
	ErrNotInitialized        = errors.New("federation: engine not initialized")
	ErrPoolTimeout           = errors.New("federation: connection pool timeout")
	ErrQueryTimeout          = errors.New("federation: query execution timeout")
	ErrAttachment            = errors.New("federation: data source attachment failed")
	ErrCatalog               = errors.New("federation: catalog error")
	ErrSyntax                = errors.New("federation: sql syntax error")
	ErrPermission            = errors.New("federation: permission denied")
	ErrUnsupportedSourceType = errors.New("federation: unsupported data source type")
	ErrUnknown               = errors.New("federation: query execution failed")
)

// Retryable reports whether the caller may usefully retry the operation.
func Retryable(err error) bool {
	return errors.Is(err, ErrPoolTimeout) || errors.Is(err, ErrQueryTimeout)
}

// classifyExecError folds a driver error into the error taxonomy. DuckDB
// reports its error class as a message prefix ("Catalog Error: ...",
// "Parser Error: ..."), which is the only classification signal the driver
// exposes over database/sql.
func classifyExecError(err error, timeout bool) error {
	if err == nil {
		return nil
	}
	if timeout || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrQueryTimeout, err.Error())
	}
	message := err.Error()
	switch {
	case containsErrorClass(message, "Catalog Error"), containsErrorClass(message, "Binder Error"):
		return fmt.Errorf("%w: %s", ErrCatalog, message)
	case containsErrorClass(message, "Parser Error"), containsErrorClass(message, "Syntax Error"):
		return fmt.Errorf("%w: %s", ErrSyntax, message)
	case containsErrorClass(message, "Permission Error"), containsErrorClass(message, "read-only"):
		return fmt.Errorf("%w: %s", ErrPermission, message)
	default:
		return fmt.Errorf("%w: %s", ErrUnknown, message)
	}
}

func containsErrorClass(message, class string) bool {
	return strings.Contains(strings.ToLower(message), strings.ToLower(class))
}

// ErrorKind names the taxonomy bucket for metrics and API mapping.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrNotInitialized):
		return "not_initialized"
	case errors.Is(err, ErrPoolTimeout):
		return "pool_timeout"
	case errors.Is(err, ErrQueryTimeout):
		return "query_timeout"
	case errors.Is(err, ErrAttachment):
		return "attachment"
	case errors.Is(err, ErrCatalog):
		return "catalog"
	case errors.Is(err, ErrSyntax):
		return "syntax"
	case errors.Is(err, ErrPermission):
		return "permission"
	case errors.Is(err, ErrUnsupportedSourceType):
		return "unsupported_source_type"
	default:
		return "unknown"
	}
}
