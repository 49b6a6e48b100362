package wire

import (
	"fmt"

	"github.com/google/uuid"
)

// EnvelopeType discriminates the five recognized wire shapes.
type EnvelopeType string

const (
	TypeMethod EnvelopeType = "method"
	TypeResult EnvelopeType = "result"
	TypeEvent  EnvelopeType = "event"
	TypeError  EnvelopeType = "error"
	TypeSetup  EnvelopeType = "setup"
)

// FieldError carries one schema validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Envelope is the wire-level record framing a method call, result, event,
// error or identity setup. Fields not meaningful for a given Type are zero
// and omitted on encode.
type Envelope struct {
	Type    EnvelopeType
	UUID    string
	Method  string
	Params  any
	Void    bool
	Event   string
	Channel string
	Result  any
	Code    string
	Message string
	Stack   string
	Errors  []FieldError
}

// NewMethodCall builds a method envelope with a fresh correlation id.
func NewMethodCall(method string, params any, void bool) *Envelope {
	return &Envelope{
		Type:   TypeMethod,
		UUID:   uuid.NewString(),
		Method: method,
		Params: params,
		Void:   void,
	}
}

// NewResult builds the result envelope correlating a method call.
func NewResult(correlationID, method string, result any) *Envelope {
	return &Envelope{
		Type:   TypeResult,
		UUID:   correlationID,
		Method: method,
		Result: result,
	}
}

// NewEvent builds an event envelope with a fresh id.
func NewEvent(event, channel string, params any) *Envelope {
	return &Envelope{
		Type:    TypeEvent,
		UUID:    uuid.NewString(),
		Event:   event,
		Channel: channel,
		Params:  params,
	}
}

// NewError builds an error envelope. The correlation id may be empty for
// errors not tied to a call (e.g. parse failures).
func NewError(correlationID, code, message string) *Envelope {
	return &Envelope{
		Type:    TypeError,
		UUID:    correlationID,
		Code:    code,
		Message: message,
	}
}

// Encode serializes the envelope through the presentation codec, so rich
// typed values inside params and results survive the transport.
func (e *Envelope) Encode() ([]byte, error) {
	if e.Type == "" {
		return nil, fmt.Errorf("wire: envelope missing type")
	}
	obj := map[string]any{"type": string(e.Type)}
	if e.UUID != "" {
		obj["uuid"] = e.UUID
	}
	switch e.Type {
	case TypeMethod:
		obj["method"] = e.Method
		if e.Params != nil {
			obj["params"] = e.Params
		}
		if e.Void {
			obj["void"] = true
		}
	case TypeResult:
		obj["method"] = e.Method
		obj["result"] = e.Result
	case TypeEvent:
		obj["event"] = e.Event
		if e.Channel != "" {
			obj["channel"] = e.Channel
		}
		if e.Params != nil {
			obj["params"] = e.Params
		}
	case TypeError:
		obj["message"] = e.Message
		if e.Code != "" {
			obj["code"] = e.Code
		}
		if e.Method != "" {
			obj["method"] = e.Method
		}
		if e.Stack != "" {
			obj["stack"] = e.Stack
		}
		if len(e.Errors) > 0 {
			list := make([]any, len(e.Errors))
			for i, fe := range e.Errors {
				list[i] = map[string]any{"field": fe.Field, "message": fe.Message}
			}
			obj["errors"] = list
		}
	case TypeSetup:
		// uuid only
	default:
		return nil, fmt.Errorf("wire: unknown envelope type %q", e.Type)
	}
	return Marshal(obj)
}

// ParseEnvelope decodes wire bytes into an Envelope. Malformed input or a
// missing/unknown type yields a *ParseError.
func ParseEnvelope(b []byte) (*Envelope, error) {
	raw, err := Unmarshal(b)
	if err != nil {
		return nil, err
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, &ParseError{Err: fmt.Errorf("envelope is not an object")}
	}
	typ, _ := obj["type"].(string)
	env := &Envelope{Type: EnvelopeType(typ)}
	switch env.Type {
	case TypeMethod, TypeResult, TypeEvent, TypeError, TypeSetup:
	default:
		return nil, &ParseError{Err: fmt.Errorf("unknown envelope type %q", typ)}
	}

	env.UUID, _ = obj["uuid"].(string)
	env.Method, _ = obj["method"].(string)
	env.Event, _ = obj["event"].(string)
	env.Channel, _ = obj["channel"].(string)
	env.Code, _ = obj["code"].(string)
	env.Message, _ = obj["message"].(string)
	env.Stack, _ = obj["stack"].(string)
	env.Params = obj["params"]
	env.Result = obj["result"]
	env.Void, _ = obj["void"].(bool)

	if list, ok := obj["errors"].([]any); ok {
		for _, item := range list {
			fe, ok := item.(map[string]any)
			if !ok {
				continue
			}
			field, _ := fe["field"].(string)
			message, _ := fe["message"].(string)
			env.Errors = append(env.Errors, FieldError{Field: field, Message: message})
		}
	}

	if env.Type == TypeMethod && env.Method == "" {
		return nil, &ParseError{Err: fmt.Errorf("method envelope missing method name")}
	}
	if env.Type == TypeSetup && env.UUID == "" {
		return nil, &ParseError{Err: fmt.Errorf("setup envelope missing uuid")}
	}
	return env, nil
}
