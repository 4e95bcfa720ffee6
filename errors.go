package naturalquery

import (
	"errors"
	"fmt"
)

// ErrNaturalQuery is the root of every error returned by this package.
// errors.Is(err, ErrNaturalQuery) reports whether err originated here.
var ErrNaturalQuery = errors.New("naturalquery")

var (
	ErrInvalidTable       = &BuilderError{msg: "table name must be a non-empty string"}
	ErrEmptyColumn        = &BuilderError{msg: "all column names must be non-empty strings"}
	ErrTableRequired      = &BuilderError{msg: "table name is required to build the query"}
	ErrOddPairs           = &BuilderError{msg: "values expect an even number of args (column,value,...)"}
	ErrPairKey            = &BuilderError{msg: "value column must be a non-empty string"}
	ErrUnknownKind        = &BuilderError{msg: "unknown statement kind"}
	ErrUnknownStyle       = &BuilderError{msg: "unknown placeholder style"}
	ErrPoolNotInitialized = errors.New("naturalquery: pool not initialized; call Connect first")
)

// BuilderError reports structurally invalid input to a Builder or a Build
// attempted without a table. It is raised synchronously and leaves the
// builder state as it was before the failing call.
type BuilderError struct {
	msg  string
	base *BuilderError
	err  error
}

func (e *BuilderError) Error() string {
	if e.err != nil {
		return "naturalquery: " + e.msg + ": " + e.err.Error()
	}
	return "naturalquery: " + e.msg
}

// Is matches the package root and the sentinel the error was derived from.
func (e *BuilderError) Is(target error) bool {
	if target == ErrNaturalQuery {
		return true
	}
	return e.base != nil && target == error(e.base)
}

func (e *BuilderError) Unwrap() error { return e.err }

// detail derives a builder error from a sentinel with extra context.
func (e *BuilderError) detail(format string, args ...any) *BuilderError {
	return &BuilderError{msg: e.msg + " (" + fmt.Sprintf(format, args...) + ")", base: e}
}

// ConnectionError reports a failure to open or verify the connection pool.
type ConnectionError struct {
	Driver string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("naturalquery: connect (driver %q): %v", e.Driver, e.Err)
}

func (e *ConnectionError) Is(target error) bool { return target == ErrNaturalQuery }

func (e *ConnectionError) Unwrap() error { return e.Err }

// ExecutionError wraps a failure while running a statement, together with
// the statement text that caused it.
type ExecutionError struct {
	Op    string // "execute" or "fetch"
	Query string
	Err   error
}

func (e *ExecutionError) Error() string {
	if e.Query == "" {
		return fmt.Sprintf("naturalquery: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("naturalquery: %s %q: %v", e.Op, e.Query, e.Err)
}

func (e *ExecutionError) Is(target error) bool { return target == ErrNaturalQuery }

func (e *ExecutionError) Unwrap() error { return e.Err }
