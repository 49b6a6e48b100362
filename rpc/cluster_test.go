package rpc

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memBroker is a synchronous in-process fabric connecting several servers in
// one test binary.
type memBroker struct {
	mu       sync.Mutex
	handlers map[string][]func([]byte)
	ready    chan struct{}
	failPub  bool
}

func newMemBroker() *memBroker {
	ready := make(chan struct{})
	close(ready)
	return &memBroker{
		handlers: make(map[string][]func([]byte)),
		ready:    ready,
	}
}

func (b *memBroker) Publish(topic string, data []byte) error {
	b.mu.Lock()
	if b.failPub {
		b.mu.Unlock()
		return errors.New("broker unavailable")
	}
	handlers := append([]func([]byte){}, b.handlers[topic]...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(data)
	}
	return nil
}

func (b *memBroker) Subscribe(topic string, handler func(data []byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
	return nil
}

func (b *memBroker) Ready() <-chan struct{} { return b.ready }
func (b *memBroker) Close() error           { return nil }

func newClusterServer(t *testing.T, broker Broker) *Server {
	t.Helper()
	s, err := NewServerWithBroker(Config{BrokerPrefix: "relay"}, broker)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestClusterEmitReachesEveryInstanceExactlyOnce(t *testing.T) {
	t.Parallel()

	broker := newMemBroker()
	a := newClusterServer(t, broker)
	b := newClusterServer(t, broker)

	require.NoError(t, a.AddEvent("news", &EventOptions{Cluster: true}))
	require.NoError(t, b.AddEvent("news", &EventOptions{Cluster: true}))

	subA := newSinkNode(t, a, "sub-a")
	subB := newSinkNode(t, b, "sub-b")
	require.NoError(t, a.subscribe(subA, "news", "room"))
	require.NoError(t, b.subscribe(subB, "news", "room"))

	require.NoError(t, a.Emit("news", "room", map[string]any{"n": 1.0}))

	// The emitting instance delivers locally; the echo through the broker is
	// suppressed by origin id, so each subscriber sees exactly one frame.
	envA := recvFrame(t, subA)
	assert.Equal(t, "news", envA.Event)
	expectNoFrame(t, subA, 50*time.Millisecond)

	envB := recvFrame(t, subB)
	assert.Equal(t, "news", envB.Event)
	assert.Equal(t, "room", envB.Channel)
	assert.Equal(t, 1.0, envB.Params.(map[string]any)["n"])
	expectNoFrame(t, subB, 50*time.Millisecond)
}

func TestClusterPayloadEncodedOnce(t *testing.T) {
	t.Parallel()

	broker := newMemBroker()
	a := newClusterServer(t, broker)
	b := newClusterServer(t, broker)
	require.NoError(t, a.AddEvent("raw", &EventOptions{Cluster: true}))
	require.NoError(t, b.AddEvent("raw", &EventOptions{Cluster: true}))

	subA := newSinkNode(t, a, "sub-a")
	subB := newSinkNode(t, b, "sub-b")
	require.NoError(t, a.subscribe(subA, "raw", ""))
	require.NoError(t, b.subscribe(subB, "raw", ""))

	require.NoError(t, a.Emit("raw", "", map[string]any{"k": "v"}))

	var frameA, frameB []byte
	select {
	case frameA = <-subA.send:
	case <-time.After(time.Second):
		t.Fatal("no local frame")
	}
	select {
	case frameB = <-subB.send:
	case <-time.After(time.Second):
		t.Fatal("no remote frame")
	}
	assert.Equal(t, frameA, frameB, "remote instances relay the emitter's bytes")
}

func TestNonClusterEventStaysLocal(t *testing.T) {
	t.Parallel()

	broker := newMemBroker()
	a := newClusterServer(t, broker)
	b := newClusterServer(t, broker)
	require.NoError(t, a.AddEvent("local", nil))
	require.NoError(t, b.AddEvent("local", nil))

	subB := newSinkNode(t, b, "sub-b")
	require.NoError(t, b.subscribe(subB, "local", ""))

	require.NoError(t, a.Emit("local", "", nil))
	expectNoFrame(t, subB, 50*time.Millisecond)
}

func TestBrokerFailureDegradesToLocalDelivery(t *testing.T) {
	t.Parallel()

	broker := newMemBroker()
	broker.failPub = true
	a := newClusterServer(t, broker)
	require.NoError(t, a.AddEvent("news", &EventOptions{Cluster: true}))

	sub := newSinkNode(t, a, "sub")
	require.NoError(t, a.subscribe(sub, "news", ""))

	require.NoError(t, a.Emit("news", "", nil), "publish failure must not fail the emit")
	env := recvFrame(t, sub)
	assert.Equal(t, "news", env.Event)
}

func TestMalformedClusterMessageIsDropped(t *testing.T) {
	t.Parallel()

	broker := newMemBroker()
	a := newClusterServer(t, broker)
	require.NoError(t, a.AddEvent("news", &EventOptions{Cluster: true}))

	sub := newSinkNode(t, a, "sub")
	require.NoError(t, a.subscribe(sub, "news", ""))

	broker.Publish(a.topic("news"), []byte("not json"))
	expectNoFrame(t, sub, 50*time.Millisecond)
}

func TestOriginIDsAreUnique(t *testing.T) {
	t.Parallel()

	broker := newMemBroker()
	a := newClusterServer(t, broker)
	b := newClusterServer(t, broker)
	assert.NotEqual(t, a.OriginID(), b.OriginID())
}
