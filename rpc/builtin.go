package rpc

import (
	"context"
	"fmt"
)

// registerBuiltins installs the reserved rpc: methods every server exposes.
func (s *Server) registerBuiltins() error {
	builtins := []struct {
		name    string
		handler Handler
		opts    *MethodOptions
	}{
		{"rpc:init", s.builtinInit, nil},
		{"rpc:logout", s.builtinLogout, nil},
		{"rpc:on", s.builtinOn, nil},
		{"rpc:off", s.builtinOff, nil},
		{"rpc:list-methods", s.builtinListMethods, nil},
	}
	for _, b := range builtins {
		if err := s.AddMethod(b.name, b.handler, b.opts); err != nil {
			return fmt.Errorf("rpc: register builtin: %w", err)
		}
	}
	return nil
}

// builtinInit authenticates the caller with the installed auth function and,
// on success, installs the auth context on the node. The reply is the auth
// context filtered to the configured allow-list.
func (s *Server) builtinInit(ctx context.Context, c *ClientNode, params any) (any, error) {
	fn := s.auth()
	if fn == nil {
		return nil, Public("authentication is not configured")
	}
	token := paramString(params, "token")
	if token == "" {
		return nil, Public("authentication requires a token")
	}
	authCtx, ok := fn(ctx, token)
	if !ok {
		return nil, Public("authentication failed")
	}
	if err := c.SetContext(authCtx); err != nil {
		return nil, err
	}
	c.log().Info().Str("user_id", c.UserID()).Msg("Client authenticated")
	return s.filterContext(authCtx), nil
}

// builtinLogout clears the caller's auth context.
func (s *Server) builtinLogout(ctx context.Context, c *ClientNode, params any) (any, error) {
	c.ClearContext()
	return true, nil
}

// builtinOn subscribes the caller to an event on a channel.
func (s *Server) builtinOn(ctx context.Context, c *ClientNode, params any) (any, error) {
	event := paramString(params, "event")
	if event == "" {
		return nil, Public("subscription requires an event name")
	}
	channel := paramString(params, "channel")
	if err := s.subscribe(c, event, channel); err != nil {
		return nil, err
	}
	return true, nil
}

// builtinOff removes the caller's subscription to an event on a channel.
func (s *Server) builtinOff(ctx context.Context, c *ClientNode, params any) (any, error) {
	event := paramString(params, "event")
	if event == "" {
		return nil, Public("unsubscription requires an event name")
	}
	channel := paramString(params, "channel")
	if err := s.unsubscribe(c, event, channel); err != nil {
		return nil, err
	}
	return true, nil
}

// builtinListMethods returns the sorted names of all registered methods.
func (s *Server) builtinListMethods(ctx context.Context, c *ClientNode, params any) (any, error) {
	return s.MethodNames(), nil
}

// filterContext projects the auth context onto the configured key allow-list.
// With no allow-list configured the full context is returned.
func (s *Server) filterContext(authCtx map[string]any) map[string]any {
	allowed := s.cfg.AllowedContextKeys
	if len(allowed) == 0 {
		return authCtx
	}
	filtered := make(map[string]any, len(allowed))
	for _, key := range allowed {
		if v, ok := authCtx[key]; ok {
			filtered[key] = v
		}
	}
	return filtered
}

func paramString(params any, key string) string {
	m, ok := params.(map[string]any)
	if !ok {
		return ""
	}
	v, ok := m[key].(string)
	if !ok {
		return ""
	}
	return v
}
