package rpc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallInvokesThroughDispatch(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, Config{})
	require.NoError(t, s.AddMethod("math.sum", sumHandler, nil))

	result, err := s.Call(context.Background(), "math.sum", map[string]any{"a": 2.0, "b": 3.0})
	require.NoError(t, err)
	assert.Equal(t, 5.0, result)
}

func TestCallReturnsCallError(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, Config{})
	_, err := s.Call(context.Background(), "missing", nil)

	var ce *CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CodeMethodNotFound, ce.Code)
}

func TestCallIsAuthenticated(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, Config{})
	require.NoError(t, s.AddMethod("secret", func(ctx context.Context, c *ClientNode, params any) (any, error) {
		return c.UserID(), nil
	}, &MethodOptions{Protected: true}))

	result, err := s.Call(context.Background(), "secret", nil)
	require.NoError(t, err)
	assert.Equal(t, "server", result)
}

func TestCallPublicError(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, Config{})
	require.NoError(t, s.AddMethod("deny", func(ctx context.Context, c *ClientNode, params any) (any, error) {
		return nil, Public("not today")
	}, nil))

	_, err := s.Call(context.Background(), "deny", nil)
	var ce *CallError
	require.ErrorAs(t, err, &ce)
	assert.Empty(t, ce.Code)
	assert.Equal(t, "not today", ce.Message)
}

func TestInitAuthenticatesNode(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, Config{AllowedContextKeys: []string{"user"}})
	s.SetAuth(func(ctx context.Context, token string) (map[string]any, bool) {
		if token != "good-token" {
			return nil, false
		}
		return map[string]any{
			"user":   map[string]any{"id": "42", "name": "ada"},
			"secret": "do-not-forward",
		}, true
	})

	c := newCaller(s)
	reply := dispatch(s, c, "rpc:init", map[string]any{"token": "bad"})
	require.NotNil(t, reply)
	assert.Equal(t, "authentication failed", reply.Message)
	assert.False(t, c.Authenticated())

	reply = dispatch(s, c, "rpc:init", map[string]any{"token": "good-token"})
	require.NotNil(t, reply)
	assert.True(t, c.Authenticated())
	assert.Equal(t, "42", c.UserID())

	result := reply.Result.(map[string]any)
	assert.Contains(t, result, "user")
	assert.NotContains(t, result, "secret", "reply is filtered to the allow-list")
}

func TestInitRequiresConfiguredAuth(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, Config{})
	reply := dispatch(s, newCaller(s), "rpc:init", map[string]any{"token": "x"})
	require.NotNil(t, reply)
	assert.Equal(t, "authentication is not configured", reply.Message)
}

func TestInitRejectsContextWithoutUserID(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, Config{})
	s.SetAuth(func(ctx context.Context, token string) (map[string]any, bool) {
		return map[string]any{"user": map[string]any{}}, true
	})

	c := newCaller(s)
	reply := dispatch(s, c, "rpc:init", map[string]any{"token": "x"})
	require.NotNil(t, reply)
	assert.Equal(t, CodeInternal, reply.Code)
	assert.False(t, c.Authenticated())
}

func TestLogoutClearsContext(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, Config{})
	c := newCaller(s)
	authenticate(t, c, "42")

	reply := dispatch(s, c, "rpc:logout", nil)
	require.NotNil(t, reply)
	assert.Equal(t, true, reply.Result)
	assert.False(t, c.Authenticated())
	assert.Empty(t, c.UserID())
	assert.Nil(t, c.Context())
}

func TestBuiltinSubscribeUnsubscribe(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, Config{})
	require.NoError(t, s.AddEvent("news", nil))
	c := newSinkNode(t, s, "c")

	reply := dispatch(s, c, "rpc:on", map[string]any{"event": "news", "channel": "room"})
	require.NotNil(t, reply)
	assert.Equal(t, true, reply.Result)
	assert.Len(t, s.Channel("room").Subscribers("news"), 1)

	reply = dispatch(s, c, "rpc:off", map[string]any{"event": "news", "channel": "room"})
	require.NotNil(t, reply)
	assert.Equal(t, true, reply.Result)
	_, ok := s.lookupChannel("room")
	assert.False(t, ok)

	reply = dispatch(s, c, "rpc:on", map[string]any{"event": "ghost"})
	require.NotNil(t, reply)
	assert.Contains(t, reply.Message, "not found")
}

func TestListMethodsIncludesBuiltins(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, Config{})
	require.NoError(t, s.AddMethod("custom", sumHandler, nil))

	reply := dispatch(s, newCaller(s), "rpc:list-methods", nil)
	require.NotNil(t, reply)
	names := reply.Result.([]string)
	assert.Contains(t, names, "rpc:init")
	assert.Contains(t, names, "rpc:on")
	assert.Contains(t, names, "custom")
}

func TestGlobalInstanceLifecycle(t *testing.T) {
	s, err := NewServer(Config{GlobalInstance: true})
	require.NoError(t, err)
	assert.Same(t, s, Instance())

	require.NoError(t, s.Close())
	assert.Nil(t, Instance())
}

func TestDuplicateIdentityClosesPreviousNode(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, Config{})
	first := newSinkNode(t, s, "node-1")
	second := newSinkNode(t, s, "node-1")

	assert.True(t, first.Closed())
	assert.False(t, second.Closed())
	got, ok := s.Node("node-1")
	require.True(t, ok)
	assert.Same(t, second, got)
}

func TestAssignIdentityTakeover(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, Config{})
	holder := newSinkNode(t, s, "shared")
	fresh := newSinkNode(t, s, "fresh")

	s.assignIdentity(fresh, "shared")

	assert.Equal(t, "shared", fresh.ID())
	assert.True(t, holder.Closed())
	_, ok := s.Node("fresh")
	assert.False(t, ok)
	got, ok := s.Node("shared")
	require.True(t, ok)
	assert.Same(t, fresh, got)
}

func TestAssignIdentityHappensAtMostOnce(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, Config{})
	c := newSinkNode(t, s, "orig")

	s.assignIdentity(c, "first")
	require.Equal(t, "first", c.ID())

	s.assignIdentity(c, "second")
	assert.Equal(t, "first", c.ID(), "a second reassignment is ignored")
	_, ok := s.Node("second")
	assert.False(t, ok)
	got, ok := s.Node("first")
	require.True(t, ok)
	assert.Same(t, c, got)
}

func TestCloseDisconnectsAllNodes(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, Config{})
	a := newSinkNode(t, s, "a")
	b := newSinkNode(t, s, "b")

	require.NoError(t, s.Close())
	assert.True(t, a.Closed())
	assert.True(t, b.Closed())
	assert.Equal(t, 0, s.NodeCount())
	require.NoError(t, s.Close(), "close is idempotent")
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()

	_, err := NewServer(Config{Port: -1})
	assert.Error(t, err)
	_, err = NewServer(Config{LogLevel: "verbose"})
	assert.Error(t, err)
	_, err = NewServer(Config{MemUsedPercent: 120})
	assert.Error(t, err)
}
