package rpc

import (
	"fmt"

	"github.com/adred-codev/relay/wire"
)

// Wire error codes surfaced in the error envelope code field.
const (
	CodeParse            = "parse"
	CodeMethodNotFound   = "method-not-found"
	CodeMethodForbidden  = "method-forbidden"
	CodeSchemaValidation = "schema-validation"
	CodeRateLimit        = "rate-limit-exceeded"
	CodeInternal         = "internal-error"
)

const internalErrorMessage = "internal server error"

// PublicError is a handler error whose message is forwarded verbatim to the
// caller. Any other handler error is reported as a generic internal error
// with the detail kept server-side.
type PublicError struct {
	Message string
}

func (e *PublicError) Error() string { return e.Message }

// Public builds a PublicError with fmt.Sprintf semantics.
func Public(format string, args ...any) *PublicError {
	return &PublicError{Message: fmt.Sprintf(format, args...)}
}

// CallError is the client-side view of an error envelope, returned by
// Server.Call when the invoked method replies with an error.
type CallError struct {
	Code    string
	Message string
	Method  string
	Errors  []wire.FieldError
}

func (e *CallError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("rpc: %s: %s", e.Code, e.Message)
	}
	return "rpc: " + e.Message
}

func callErrorFromEnvelope(env *wire.Envelope) *CallError {
	return &CallError{
		Code:    env.Code,
		Message: env.Message,
		Method:  env.Method,
		Errors:  env.Errors,
	}
}
