package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/adred-codev/relay/internal/monitoring"
	"github.com/adred-codev/relay/wire"
)

// Handler is a method implementation. It runs inside a request-scoped
// ambient store exposing ExecutionID and CallerContext, and may return a
// *PublicError to surface its message verbatim to the caller.
type Handler func(ctx context.Context, caller *ClientNode, params any) (any, error)

// Middleware runs before the handler in registration order. Returning a
// map merges it into the current params; returning any other non-nil value
// replaces params entirely; returning an error aborts the pipeline.
type Middleware func(ctx context.Context, caller *ClientNode, params any) (any, error)

// MethodOptions carries registration options.
type MethodOptions struct {
	// Protected methods reject unauthenticated callers before invocation.
	Protected bool

	// Middleware pipeline, run in order.
	Middleware []Middleware

	// Schema is an optional JSON Schema document validated against params
	// before the middleware pipeline runs.
	Schema string
}

// Method is a named handler with its dispatch configuration.
type Method struct {
	Name       string
	Protected  bool
	handler    Handler
	middleware []Middleware
	schema     *jsonschema.Schema
}

// AddMethod registers a method under a dotted name. Names are canonical in a
// flat map; nested registration (see Namespace) is sugar over dot-joined
// keys. Registration is safe to perform concurrently with dispatch.
func (s *Server) AddMethod(name string, handler Handler, opts *MethodOptions) error {
	if name == "" || handler == nil {
		return fmt.Errorf("rpc: method registration requires a name and a handler")
	}
	if opts == nil {
		opts = &MethodOptions{}
	}

	m := &Method{
		Name:       name,
		Protected:  opts.Protected,
		handler:    handler,
		middleware: opts.Middleware,
	}
	if opts.Schema != "" {
		schema, err := jsonschema.CompileString(name+".schema.json", opts.Schema)
		if err != nil {
			return fmt.Errorf("rpc: compile schema for %q: %w", name, err)
		}
		m.schema = schema
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.methods[name]; exists {
		return fmt.Errorf("rpc: method %q already registered", name)
	}
	s.methods[name] = m
	return nil
}

// Namespace returns a registrar that prefixes method names with the given
// segment. It is a view over the flat method map, never a separate store.
type Namespace struct {
	server *Server
	prefix string
}

// Namespace creates a dotted-name registrar rooted at prefix.
func (s *Server) Namespace(prefix string) *Namespace {
	return &Namespace{server: s, prefix: prefix}
}

// AddMethod registers prefix.name on the underlying server.
func (n *Namespace) AddMethod(name string, handler Handler, opts *MethodOptions) error {
	return n.server.AddMethod(n.prefix+"."+name, handler, opts)
}

// Namespace nests a further segment.
func (n *Namespace) Namespace(prefix string) *Namespace {
	return &Namespace{server: n.server, prefix: n.prefix + "." + prefix}
}

func (s *Server) method(name string) (*Method, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.methods[name]
	return m, ok
}

// MethodNames returns the sorted names of all registered methods.
func (s *Server) MethodNames() []string {
	s.mu.RLock()
	names := make([]string, 0, len(s.methods))
	for name := range s.methods {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return names
}

// dispatchMethod runs the full dispatch pipeline for an inbound method
// envelope and returns the reply envelope, or nil when the call is void or
// the void path swallows a failure.
func (s *Server) dispatchMethod(ctx context.Context, c *ClientNode, env *wire.Envelope) *wire.Envelope {
	monitoring.MessagesReceived.Inc()

	// 1. Rate limit. Void calls that trip the limiter are dropped silently.
	if !c.limiter.Allow() {
		monitoring.RateLimited.Inc()
		monitoring.MethodCalls.WithLabelValues(CodeRateLimit).Inc()
		s.logger.Warn().Str("client_id", c.ID()).Str("method", env.Method).
			Msg("Method call rate limited")
		if env.Void {
			return nil
		}
		reply := wire.NewError(env.UUID, CodeRateLimit, "too many calls, slow down")
		reply.Method = env.Method
		return reply
	}

	// 2. Lookup.
	m, ok := s.method(env.Method)
	if !ok {
		monitoring.MethodCalls.WithLabelValues(CodeMethodNotFound).Inc()
		reply := wire.NewError(env.UUID, CodeMethodNotFound, fmt.Sprintf("method %q not found", env.Method))
		reply.Method = env.Method
		return s.voidFiltered(env, reply)
	}

	// 3. Protection gate.
	if m.Protected && !c.Authenticated() {
		monitoring.MethodCalls.WithLabelValues(CodeMethodForbidden).Inc()
		reply := wire.NewError(env.UUID, CodeMethodForbidden, fmt.Sprintf("method %q requires authentication", env.Method))
		reply.Method = env.Method
		return s.voidFiltered(env, reply)
	}

	// 4. Schema validation.
	if m.schema != nil {
		if fieldErrs, err := validateParams(m.schema, env.Params); err != nil {
			monitoring.MethodCalls.WithLabelValues(CodeSchemaValidation).Inc()
			reply := wire.NewError(env.UUID, CodeSchemaValidation, "params failed schema validation")
			reply.Method = env.Method
			reply.Errors = fieldErrs
			return s.voidFiltered(env, reply)
		}
	}

	// Request-scoped ambient store: fresh execution id plus the caller's
	// context as of dispatch time, independent per in-flight call.
	callCtx := withCallScope(ctx, uuid.NewString(), c.Context())

	// 5. Middleware pipeline.
	params := env.Params
	for _, mw := range m.middleware {
		out, err := mw(callCtx, c, params)
		if err != nil {
			return s.voidFiltered(env, s.handlerErrorReply(env, err))
		}
		params = mergeMiddlewareResult(params, out)
	}

	// 6-7. Handler invocation with panic containment.
	result, err := s.invokeHandler(callCtx, m, c, params)
	if err != nil {
		return s.voidFiltered(env, s.handlerErrorReply(env, err))
	}

	monitoring.MethodCalls.WithLabelValues("ok").Inc()
	if env.Void {
		return nil
	}
	return wire.NewResult(env.UUID, env.Method, result)
}

func (s *Server) invokeHandler(ctx context.Context, m *Method, c *ClientNode, params any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("method", m.Name).Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("Handler panic recovered")
			err = fmt.Errorf("rpc: handler panic: %v", r)
		}
	}()
	return m.handler(ctx, c, params)
}

// voidFiltered drops error replies for void calls after they were logged.
func (s *Server) voidFiltered(env *wire.Envelope, reply *wire.Envelope) *wire.Envelope {
	if env.Void {
		return nil
	}
	return reply
}

// handlerErrorReply translates a handler or middleware error into an error
// envelope: public errors forward their message verbatim, everything else
// becomes a generic internal error with the detail logged server-side.
func (s *Server) handlerErrorReply(env *wire.Envelope, err error) *wire.Envelope {
	var pub *PublicError
	if errors.As(err, &pub) {
		monitoring.MethodCalls.WithLabelValues("public").Inc()
		reply := wire.NewError(env.UUID, "", pub.Message)
		reply.Method = env.Method
		return reply
	}

	monitoring.MethodCalls.WithLabelValues(CodeInternal).Inc()
	s.logger.Error().Err(err).Str("method", env.Method).
		Str("stack_trace", string(debug.Stack())).
		Msg("Handler error")
	reply := wire.NewError(env.UUID, CodeInternal, internalErrorMessage)
	reply.Method = env.Method
	return reply
}

// mergeMiddlewareResult applies the middleware return-value convention:
// nil keeps params, a map merges into map params, anything else replaces
// params entirely.
func mergeMiddlewareResult(params, out any) any {
	if out == nil {
		return params
	}
	outMap, outIsMap := out.(map[string]any)
	if !outIsMap {
		return out
	}
	current, curIsMap := params.(map[string]any)
	if !curIsMap {
		return outMap
	}
	merged := make(map[string]any, len(current)+len(outMap))
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range outMap {
		merged[k] = v
	}
	return merged
}

// validateParams re-encodes params into plain JSON values and runs the
// compiled schema. It returns the flattened field-level failures.
func validateParams(schema *jsonschema.Schema, params any) ([]wire.FieldError, error) {
	encoded, err := wire.Marshal(params)
	if err != nil {
		return []wire.FieldError{{Field: "", Message: err.Error()}}, err
	}
	var plain any
	if err := json.Unmarshal(encoded, &plain); err != nil {
		return []wire.FieldError{{Field: "", Message: err.Error()}}, err
	}

	if err := schema.Validate(plain); err != nil {
		ve, ok := err.(*jsonschema.ValidationError)
		if !ok {
			return []wire.FieldError{{Field: "", Message: err.Error()}}, err
		}
		return collectFieldErrors(ve, nil), err
	}
	return nil, nil
}

func collectFieldErrors(ve *jsonschema.ValidationError, acc []wire.FieldError) []wire.FieldError {
	if len(ve.Causes) == 0 {
		return append(acc, wire.FieldError{
			Field:   ve.InstanceLocation,
			Message: ve.Message,
		})
	}
	for _, cause := range ve.Causes {
		acc = collectFieldErrors(cause, acc)
	}
	return acc
}
