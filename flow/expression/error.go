package expression

import "fmt"

// Code classifies why an expression was rejected or failed to evaluate.
type Code string

const (
	// Rejections from the safety validator, raised before evaluation.
	CodeForbidden         Code = "FORBIDDEN"
	CodeTraversal         Code = "PATH_TRAVERSAL"
	CodeTooLong           Code = "TOO_LONG"
	CodeTooDeep           Code = "TOO_DEEP"
	CodeUnbalanced        Code = "UNBALANCED"
	CodeTooManyStatements Code = "TOO_MANY_STATEMENTS"

	// Failures during compilation or evaluation.
	CodeCompile  Code = "COMPILE"
	CodeRuntime  Code = "RUNTIME"
	CodeTimeout  Code = "TIMEOUT"
	CodeCanceled Code = "CANCELED"
	CodeTooLarge Code = "RESULT_TOO_LARGE"
)

// Error is the failure type for the evaluator. Expr is truncated for
// readability; Cause carries the underlying engine error when one exists.
type Error struct {
	Code    Code
	Expr    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	expr := e.Expr
	if len(expr) > 120 {
		expr = expr[:117] + "..."
	}
	if expr == "" {
		return fmt.Sprintf("expression [%s]: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("expression [%s] %q: %s", e.Code, expr, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(code Code, src, format string, args ...any) *Error {
	return &Error{Code: code, Expr: src, Message: fmt.Sprintf(format, args...)}
}
