package rpc

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/relay/wire"
)

func sumHandler(ctx context.Context, c *ClientNode, params any) (any, error) {
	p := params.(map[string]any)
	return p["a"].(float64) + p["b"].(float64), nil
}

func dispatch(s *Server, c *ClientNode, method string, params any) *wire.Envelope {
	return s.dispatchMethod(context.Background(), c, wire.NewMethodCall(method, params, false))
}

func dispatchVoid(s *Server, c *ClientNode, method string, params any) *wire.Envelope {
	return s.dispatchMethod(context.Background(), c, wire.NewMethodCall(method, params, true))
}

func TestDispatchResult(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, Config{})
	require.NoError(t, s.AddMethod("math.sum", sumHandler, nil))

	env := wire.NewMethodCall("math.sum", map[string]any{"a": 2.0, "b": 3.0}, false)
	reply := s.dispatchMethod(context.Background(), newCaller(s), env)

	require.NotNil(t, reply)
	assert.Equal(t, wire.TypeResult, reply.Type)
	assert.Equal(t, env.UUID, reply.UUID, "reply correlates via the call uuid")
	assert.Equal(t, "math.sum", reply.Method)
	assert.Equal(t, 5.0, reply.Result)
}

func TestDispatchMethodNotFound(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, Config{})
	reply := dispatch(s, newCaller(s), "missing", nil)

	require.NotNil(t, reply)
	assert.Equal(t, wire.TypeError, reply.Type)
	assert.Equal(t, CodeMethodNotFound, reply.Code)
}

func TestDispatchVoidSwallowsReplies(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, Config{})
	require.NoError(t, s.AddMethod("noop", func(ctx context.Context, c *ClientNode, params any) (any, error) {
		return "ignored", nil
	}, nil))

	assert.Nil(t, dispatchVoid(s, newCaller(s), "noop", nil))
	assert.Nil(t, dispatchVoid(s, newCaller(s), "missing", nil), "void failures are silent")
}

func TestDispatchProtectedMethod(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, Config{})
	require.NoError(t, s.AddMethod("secret", func(ctx context.Context, c *ClientNode, params any) (any, error) {
		return "ok", nil
	}, &MethodOptions{Protected: true}))

	c := newCaller(s)
	reply := dispatch(s, c, "secret", nil)
	require.NotNil(t, reply)
	assert.Equal(t, CodeMethodForbidden, reply.Code)

	authenticate(t, c, "42")
	reply = dispatch(s, c, "secret", nil)
	require.NotNil(t, reply)
	assert.Equal(t, wire.TypeResult, reply.Type)
	assert.Equal(t, "ok", reply.Result)
}

func TestDispatchSchemaValidation(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, Config{})
	require.NoError(t, s.AddMethod("typed", sumHandler, &MethodOptions{
		Schema: `{
			"type": "object",
			"properties": {
				"a": {"type": "number"},
				"b": {"type": "number"}
			},
			"required": ["a", "b"]
		}`,
	}))

	c := newCaller(s)
	reply := dispatch(s, c, "typed", map[string]any{"a": "nope"})
	require.NotNil(t, reply)
	assert.Equal(t, CodeSchemaValidation, reply.Code)
	assert.NotEmpty(t, reply.Errors, "field-level failures are attached")

	reply = dispatch(s, c, "typed", map[string]any{"a": 1.0, "b": 2.0})
	require.NotNil(t, reply)
	assert.Equal(t, 3.0, reply.Result)
}

func TestDispatchSchemaCompileFailure(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, Config{})
	err := s.AddMethod("bad", sumHandler, &MethodOptions{Schema: `{"type": 12}`})
	assert.Error(t, err)
}

func TestMiddlewareMergesMapResults(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, Config{})
	stamp := func(ctx context.Context, c *ClientNode, params any) (any, error) {
		return map[string]any{"world": "!"}, nil
	}
	require.NoError(t, s.AddMethod("greet", func(ctx context.Context, c *ClientNode, params any) (any, error) {
		return params, nil
	}, &MethodOptions{Middleware: []Middleware{stamp}}))

	reply := dispatch(s, newCaller(s), "greet", map[string]any{"hello": "world"})
	require.NotNil(t, reply)
	result := reply.Result.(map[string]any)
	assert.Equal(t, "world", result["hello"])
	assert.Equal(t, "!", result["world"])
}

func TestMiddlewareReplaceAndKeep(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, Config{})
	replace := func(ctx context.Context, c *ClientNode, params any) (any, error) {
		return "replaced", nil
	}
	keep := func(ctx context.Context, c *ClientNode, params any) (any, error) {
		return nil, nil
	}
	require.NoError(t, s.AddMethod("shape", func(ctx context.Context, c *ClientNode, params any) (any, error) {
		return params, nil
	}, &MethodOptions{Middleware: []Middleware{replace, keep}}))

	reply := dispatch(s, newCaller(s), "shape", map[string]any{"x": 1.0})
	require.NotNil(t, reply)
	assert.Equal(t, "replaced", reply.Result, "non-map output replaces params; nil keeps them")
}

func TestMiddlewareErrorAbortsPipeline(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, Config{})
	reached := false
	deny := func(ctx context.Context, c *ClientNode, params any) (any, error) {
		return nil, Public("denied by policy")
	}
	require.NoError(t, s.AddMethod("gated", func(ctx context.Context, c *ClientNode, params any) (any, error) {
		reached = true
		return nil, nil
	}, &MethodOptions{Middleware: []Middleware{deny}}))

	reply := dispatch(s, newCaller(s), "gated", nil)
	require.NotNil(t, reply)
	assert.Equal(t, wire.TypeError, reply.Type)
	assert.Equal(t, "denied by policy", reply.Message)
	assert.False(t, reached, "handler must not run after a middleware error")
}

func TestPublicErrorForwardedVerbatim(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, Config{})
	require.NoError(t, s.AddMethod("balance.withdraw", func(ctx context.Context, c *ClientNode, params any) (any, error) {
		return nil, Public("insufficient funds: missing %d credits", 25)
	}, nil))

	reply := dispatch(s, newCaller(s), "balance.withdraw", nil)
	require.NotNil(t, reply)
	assert.Equal(t, wire.TypeError, reply.Type)
	assert.Equal(t, "insufficient funds: missing 25 credits", reply.Message)
	assert.Empty(t, reply.Code)
}

func TestInternalErrorIsMasked(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, Config{})
	require.NoError(t, s.AddMethod("broken", func(ctx context.Context, c *ClientNode, params any) (any, error) {
		return nil, errors.New("pq: connection refused on 10.0.0.7")
	}, nil))

	reply := dispatch(s, newCaller(s), "broken", nil)
	require.NotNil(t, reply)
	assert.Equal(t, CodeInternal, reply.Code)
	assert.Equal(t, "internal server error", reply.Message)
	assert.NotContains(t, reply.Message, "10.0.0.7")
}

func TestHandlerPanicIsContained(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, Config{})
	require.NoError(t, s.AddMethod("explode", func(ctx context.Context, c *ClientNode, params any) (any, error) {
		panic("boom")
	}, nil))

	reply := dispatch(s, newCaller(s), "explode", nil)
	require.NotNil(t, reply)
	assert.Equal(t, CodeInternal, reply.Code)

	// The dispatcher survives; the next call works.
	require.NoError(t, s.AddMethod("after", func(ctx context.Context, c *ClientNode, params any) (any, error) {
		return "alive", nil
	}, nil))
	reply = dispatch(s, newCaller(s), "after", nil)
	require.NotNil(t, reply)
	assert.Equal(t, "alive", reply.Result)
}

func TestDispatchRateLimit(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, Config{
		RateLimit: RateLimitConfig{Enabled: true, Max: 2, Interval: time.Minute},
	})
	require.NoError(t, s.AddMethod("ping", func(ctx context.Context, c *ClientNode, params any) (any, error) {
		return "pong", nil
	}, nil))

	c := s.newClientNode("")
	c.synthetic = true
	require.NotNil(t, c.limiter)

	assert.Equal(t, wire.TypeResult, dispatch(s, c, "ping", nil).Type)
	assert.Equal(t, wire.TypeResult, dispatch(s, c, "ping", nil).Type)

	reply := dispatch(s, c, "ping", nil)
	require.NotNil(t, reply)
	assert.Equal(t, CodeRateLimit, reply.Code)

	assert.Nil(t, dispatchVoid(s, c, "ping", nil), "limited void calls drop silently")
}

func TestRequestScopeInsideHandler(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, Config{})
	var seenExec string
	var seenCaller map[string]any
	require.NoError(t, s.AddMethod("whoami", func(ctx context.Context, c *ClientNode, params any) (any, error) {
		seenExec = ExecutionID(ctx)
		seenCaller = CallerContext(ctx)
		return nil, nil
	}, nil))

	c := newCaller(s)
	authenticate(t, c, "42")
	dispatch(s, c, "whoami", nil)

	assert.NotEmpty(t, seenExec)
	require.NotNil(t, seenCaller)
	assert.Equal(t, "42", fmt.Sprint(seenCaller["user"].(map[string]any)["id"]))

	// Execution ids are fresh per call.
	first := seenExec
	dispatch(s, c, "whoami", nil)
	assert.NotEqual(t, first, seenExec)
}

func TestNamespaceRegistersDottedNames(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, Config{})
	users := s.Namespace("users")
	require.NoError(t, users.AddMethod("get", sumHandler, nil))
	require.NoError(t, users.Namespace("admin").AddMethod("ban", sumHandler, nil))

	_, ok := s.method("users.get")
	assert.True(t, ok)
	_, ok = s.method("users.admin.ban")
	assert.True(t, ok)

	assert.Error(t, s.AddMethod("users.get", sumHandler, nil), "namespaces share the flat map")
}

func TestAddMethodValidation(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, Config{})
	assert.Error(t, s.AddMethod("", sumHandler, nil))
	assert.Error(t, s.AddMethod("nohandler", nil, nil))
	require.NoError(t, s.AddMethod("once", sumHandler, nil))
	assert.Error(t, s.AddMethod("once", sumHandler, nil))
}
