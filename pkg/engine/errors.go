package engine

import (
	"errors"
	"fmt"

	"github.com/tablekit/tablekit/pkg/validate"
)

// ErrNotFound reports a single-row read miss.
var ErrNotFound = errors.New("not found")

// BadRequest carries a field-path-keyed error tree for validation
// failures and malformed filter parameters. Complexity marks the
// distinguished budget-exceeded variant, which is recoverable for the
// caller but aborts all further work on the request.
type BadRequest struct {
	Fields     validate.Errors
	Complexity bool
}

func (e *BadRequest) Error() string {
	if e.Complexity {
		return "complexity limit reached"
	}
	return e.Fields.Error()
}

// Unauthorized reports a policy or tenancy violation: reading or
// writing a row outside the caller's scope, or a batch moving rows out
// of scope.
type Unauthorized struct {
	Reason string
}

func (e *Unauthorized) Error() string {
	if e.Reason == "" {
		return "unauthorized"
	}
	return "unauthorized: " + e.Reason
}

// ConfigError is a startup-time misconfiguration: duplicate
// registration, unknown table, ambiguous relation, a paranoid table
// missing its delete-marker column. It fails initialization and never
// reaches request handling.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return "config: " + e.Message
}

func configErrorf(format string, args ...any) error {
	return &ConfigError{Message: fmt.Sprintf(format, args...)}
}

func badRequest(fields validate.Errors) error {
	return &BadRequest{Fields: fields}
}

func badRequestField(field, message string) error {
	return &BadRequest{Fields: validate.Errors{field: message}}
}

func complexityLimit() error {
	return &BadRequest{Complexity: true, Fields: validate.Errors{"_": "complexity limit reached"}}
}

// IsComplexityLimit reports whether err is the complexity-budget variant.
func IsComplexityLimit(err error) bool {
	var br *BadRequest
	return errors.As(err, &br) && br.Complexity
}

// Status maps an engine error to its stable status-like code.
func Status(err error) int {
	var br *BadRequest
	var ua *Unauthorized
	switch {
	case err == nil:
		return 200
	case errors.As(err, &br):
		return 400
	case errors.As(err, &ua):
		return 401
	case errors.Is(err, ErrNotFound):
		return 404
	default:
		return 500
	}
}
