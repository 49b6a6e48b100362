package rpc

import (
	"context"
)

// Request-scoped ambient state. Handlers and middleware (and anything they
// call) can read the execution id and the caller's auth context without
// threading them explicitly. Each in-flight call gets an independent scope.

type ctxKey int

const (
	ctxKeyExecutionID ctxKey = iota
	ctxKeyCallerContext
)

func withCallScope(ctx context.Context, executionID string, callerCtx map[string]any) context.Context {
	ctx = context.WithValue(ctx, ctxKeyExecutionID, executionID)
	return context.WithValue(ctx, ctxKeyCallerContext, callerCtx)
}

// ExecutionID returns the unique id of the in-flight call, or empty outside
// a dispatch scope.
func ExecutionID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyExecutionID).(string)
	return id
}

// CallerContext returns the authenticated context of the calling node as it
// was when the call started, or nil outside a dispatch scope.
func CallerContext(ctx context.Context) map[string]any {
	m, _ := ctx.Value(ctxKeyCallerContext).(map[string]any)
	return m
}
