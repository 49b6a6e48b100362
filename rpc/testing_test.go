package rpc

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/adred-codev/relay/wire"
)

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	s, err := NewServer(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// newCaller builds a dispatch-only node that never touches a transport.
func newCaller(s *Server) *ClientNode {
	c := s.newClientNode("")
	c.synthetic = true
	return c
}

// newSinkNode builds a registered node whose outbound frames land in its send
// queue, readable by recvFrame. The pipe peer is never read; the write pump
// stays off.
func newSinkNode(t *testing.T, s *Server, id string) *ClientNode {
	t.Helper()
	conn, peer := net.Pipe()
	t.Cleanup(func() {
		conn.Close()
		peer.Close()
	})
	c := s.newClientNode(id)
	c.conn = conn
	s.registerNode(c)
	return c
}

func recvFrame(t *testing.T, c *ClientNode) *wire.Envelope {
	t.Helper()
	select {
	case payload := <-c.send:
		env, err := wire.ParseEnvelope(payload)
		require.NoError(t, err)
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return nil
	}
}

func expectNoFrame(t *testing.T, c *ClientNode, wait time.Duration) {
	t.Helper()
	select {
	case payload := <-c.send:
		t.Fatalf("unexpected outbound frame: %s", payload)
	case <-time.After(wait):
	}
}

func authenticate(t *testing.T, c *ClientNode, userID string) {
	t.Helper()
	require.NoError(t, c.SetContext(map[string]any{
		"user": map[string]any{"id": userID},
	}))
}
