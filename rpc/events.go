package rpc

import (
	"fmt"

	"github.com/adred-codev/relay/wire"
)

// SubscribePredicate decides whether a node may subscribe to an event on a
// given channel.
type SubscribePredicate func(c *ClientNode, channel string) bool

// EventOptions carries event declaration options.
type EventOptions struct {
	// Protected events reject unauthenticated subscribers.
	Protected bool

	// UserScoped events may only be subscribed on the channel whose name
	// equals the subscriber's stringified user identifier.
	UserScoped bool

	// ShouldSubscribe, when set, overrides the built-in predicates.
	ShouldSubscribe SubscribePredicate

	// Cluster routes emissions through the external broker so clients on
	// every instance receive them.
	Cluster bool
}

// Event is a named publishable signal with its subscription policy.
type Event struct {
	Name            string
	Protected       bool
	UserScoped      bool
	Cluster         bool
	shouldSubscribe SubscribePredicate
}

// canSubscribe resolves the subscription predicate: the explicit hook if
// provided, else the user-scoping rule, else allow.
func (e *Event) canSubscribe(c *ClientNode, channel string) bool {
	if e.shouldSubscribe != nil {
		return e.shouldSubscribe(c, channel)
	}
	if e.UserScoped {
		return c.Authenticated() && channel == c.UserID()
	}
	return true
}

// AddEvent declares an event before its first emission. Cluster-flagged
// events additionally subscribe the broker adapter to the event's topic.
func (s *Server) AddEvent(name string, opts *EventOptions) error {
	if name == "" {
		return fmt.Errorf("rpc: event registration requires a name")
	}
	if opts == nil {
		opts = &EventOptions{}
	}
	ev := &Event{
		Name:            name,
		Protected:       opts.Protected,
		UserScoped:      opts.UserScoped,
		Cluster:         opts.Cluster,
		shouldSubscribe: opts.ShouldSubscribe,
	}

	s.mu.Lock()
	if _, exists := s.events[name]; exists {
		s.mu.Unlock()
		return fmt.Errorf("rpc: event %q already registered", name)
	}
	s.events[name] = ev
	s.mu.Unlock()

	if ev.Cluster && s.broker != nil {
		if err := s.subscribeCluster(name); err != nil {
			return fmt.Errorf("rpc: subscribe cluster topic for %q: %w", name, err)
		}
	}
	return nil
}

func (s *Server) event(name string) (*Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[name]
	return ev, ok
}

// Channel returns the channel with the given name, creating it on first
// reference. An empty name resolves to the default channel.
func (s *Server) Channel(name string) *Channel {
	if name == "" {
		name = DefaultChannel
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[name]
	if !ok {
		ch = newChannel(name)
		s.channels[name] = ch
	}
	return ch
}

func (s *Server) lookupChannel(name string) (*Channel, bool) {
	if name == "" {
		name = DefaultChannel
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[name]
	return ch, ok
}

// pruneChannel garbage-collects a channel once it has zero subscribers
// across all events. The default channel is never pruned.
func (s *Server) pruneChannel(name string) {
	if name == DefaultChannel {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channels[name]; ok && ch.Empty() {
		delete(s.channels, name)
	}
}

// subscribe runs the full subscribe pipeline for a node: event resolution,
// protection, predicate evaluation, the optional channel-authorization hook,
// then the subscriber-set insert.
func (s *Server) subscribe(c *ClientNode, event, channel string) error {
	ev, ok := s.event(event)
	if !ok {
		return Public("event %q not found", event)
	}
	if ev.Protected && !c.Authenticated() {
		return Public("event %q requires authentication", event)
	}
	if channel == "" {
		channel = DefaultChannel
	}
	if !ev.canSubscribe(c, channel) {
		return Public("subscription to %q on channel %q not allowed", event, channel)
	}
	if authz := s.channelAuth(); authz != nil && !authz(c, channel) {
		return Public("channel %q not authorized", channel)
	}
	if c.Closed() {
		return ErrNodeClosed
	}
	ch := s.Channel(channel)
	ch.Subscribe(c, event)
	// The node may have closed between the insert and the disconnect sweep;
	// re-check so no dead subscriber survives in the set.
	if c.Closed() {
		ch.Unsubscribe(c, event)
		s.pruneChannel(ch.Name())
		return ErrNodeClosed
	}
	return nil
}

// unsubscribe removes the node from the (channel, event) subscriber set.
func (s *Server) unsubscribe(c *ClientNode, event, channel string) error {
	if _, ok := s.event(event); !ok {
		return Public("event %q not found", event)
	}
	if channel == "" {
		channel = DefaultChannel
	}
	ch, ok := s.lookupChannel(channel)
	if !ok {
		return nil
	}
	ch.Unsubscribe(c, event)
	s.pruneChannel(ch.Name())
	return nil
}

// Emit publishes an event to the subscribers of (channel, event). The
// payload is encoded exactly once. A cluster-flagged event is additionally
// published to the broker tagged with this server's origin id; the broker
// echo back to this instance is dropped, so local subscribers observe each
// emit exactly once. A broker publish failure is logged and degrades the
// emit to local-only delivery.
func (s *Server) Emit(event, channel string, params any) error {
	ev, ok := s.event(event)
	if !ok {
		return fmt.Errorf("rpc: emit of undeclared event %q", event)
	}
	if channel == "" {
		channel = DefaultChannel
	}

	env := wire.NewEvent(event, channel, params)
	payload, err := env.Encode()
	if err != nil {
		return fmt.Errorf("rpc: encode event %q: %w", event, err)
	}

	if ev.Cluster && s.broker != nil {
		if err := s.publishCluster(event, channel, payload); err != nil {
			s.logger.Error().Err(err).Str("event", event).Str("channel", channel).
				Msg("Broker publish failed")
		}
	}

	s.propagateLocal(event, channel, payload)
	return nil
}

func (s *Server) propagateLocal(event, channel string, payload []byte) {
	ch, ok := s.lookupChannel(channel)
	if !ok {
		return
	}
	ch.Propagate(event, payload)
}

// SetChannelAuthorization installs the channel-subscribe authorization hook.
func (s *Server) SetChannelAuthorization(fn ChannelAuthFunc) {
	s.hookMu.Lock()
	s.channelAuthFn = fn
	s.hookMu.Unlock()
}

func (s *Server) channelAuth() ChannelAuthFunc {
	s.hookMu.RLock()
	defer s.hookMu.RUnlock()
	if s.channelAuthFn != nil {
		return s.channelAuthFn
	}
	return s.cfg.ChannelAuthorization
}
