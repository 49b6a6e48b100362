package rpc

import (
	"sync"
	"sync/atomic"

	"github.com/adred-codev/relay/internal/monitoring"
)

// Channel is a named bucket of subscribers keyed by event name. Fan-out
// iterates an immutable copy-on-write snapshot per event, so Propagate never
// observes a partially mutated set and takes no lock on the hot path.
type Channel struct {
	name string

	mu     sync.Mutex
	events map[string]*atomic.Value // event name → []*ClientNode snapshot
}

func newChannel(name string) *Channel {
	return &Channel{
		name:   name,
		events: make(map[string]*atomic.Value),
	}
}

// Name returns the channel name.
func (ch *Channel) Name() string { return ch.name }

// Subscribe adds the node to the subscriber set of event. Adding an existing
// subscriber is a no-op.
func (ch *Channel) Subscribe(node *ClientNode, event string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	slot := ch.events[event]
	if slot == nil {
		slot = &atomic.Value{}
		ch.events[event] = slot
	}

	var current []*ClientNode
	if v := slot.Load(); v != nil {
		current = v.([]*ClientNode)
	}
	for _, existing := range current {
		if existing == node {
			return
		}
	}

	next := make([]*ClientNode, len(current)+1)
	copy(next, current)
	next[len(current)] = node
	slot.Store(next)
}

// Unsubscribe removes the node from the subscriber set of event.
func (ch *Channel) Unsubscribe(node *ClientNode, event string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.removeLocked(node, event)
}

// RemoveNode strips the node from every event set, called on disconnect.
func (ch *Channel) RemoveNode(node *ClientNode) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for event := range ch.events {
		ch.removeLocked(node, event)
	}
}

func (ch *Channel) removeLocked(node *ClientNode, event string) {
	slot, ok := ch.events[event]
	if !ok {
		return
	}
	v := slot.Load()
	if v == nil {
		return
	}
	current := v.([]*ClientNode)
	for i, existing := range current {
		if existing != node {
			continue
		}
		next := make([]*ClientNode, len(current)-1)
		copy(next, current[:i])
		copy(next[i:], current[i+1:])
		if len(next) == 0 {
			delete(ch.events, event)
		} else {
			slot.Store(next)
		}
		return
	}
}

// Subscribers returns the current snapshot for an event. The slice is
// immutable and safe to iterate without holding any lock.
func (ch *Channel) Subscribers(event string) []*ClientNode {
	ch.mu.Lock()
	slot, ok := ch.events[event]
	ch.mu.Unlock()
	if !ok {
		return nil
	}
	v := slot.Load()
	if v == nil {
		return nil
	}
	return v.([]*ClientNode)
}

// Empty reports whether the channel has zero subscribers across all events.
func (ch *Channel) Empty() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.events) == 0
}

// Propagate sends the pre-encoded event payload to every subscriber of the
// event. Encoding happened once at emit time; subscribers receive the same
// bytes. Delivery to a closed node is silently dropped.
func (ch *Channel) Propagate(event string, payload []byte) {
	for _, node := range ch.Subscribers(event) {
		if err := node.SendRaw(payload); err == nil {
			monitoring.EventsPropagated.Inc()
		}
	}
}
