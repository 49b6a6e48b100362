package rpc

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adred-codev/relay/internal/limits"
	"github.com/adred-codev/relay/internal/monitoring"
	"github.com/adred-codev/relay/wire"
)

// Outbound frames go through a bounded send queue drained by a batching
// write pump. A node whose queue stays full for three consecutive sends is
// disconnected as too slow.
const (
	sendQueueSize = 256
	slowSendLimit = 3
	writeWait     = 5 * time.Second
)

// ErrNodeClosed is returned by send operations after the node closed.
// Callers delivering replies treat it as a silent drop.
var ErrNodeClosed = fmt.Errorf("rpc: client node closed")

// ssePush is the one-way push handle backing a ClientNode attached over the
// server-sent-events transport.
type ssePush struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	done    chan struct{}
}

// ClientNode is the server-side session object for one transport connection.
// It owns the transport handles, the auth context, the rate limiter and the
// keep-alive monitor.
type ClientNode struct {
	server *Server

	// logger is guarded by mu: setID rebinds it while the write pump and
	// the keep-alive callbacks read it. Access via log().
	logger zerolog.Logger

	mu            sync.RWMutex
	id            string
	idReassigned  bool
	authenticated bool
	authContext   map[string]any
	userID        string

	conn net.Conn // duplex socket, nil for SSE and synthetic nodes
	sse  *ssePush // one-way push handle, nil unless SSE

	send      chan []byte
	closeOnce sync.Once
	closedC   chan struct{}
	sendFails int32
	seq       atomic.Int64 // per-node SSE frame sequence

	limiter   *limits.CallLimiter
	keepAlive *keepAlive

	// Tracking metadata, derived once from the connecting request.
	RemoteAddr string
	UserAgent  string
	Headers    http.Header

	// Meta is a client-supplied opaque mapping.
	Meta map[string]any

	connectedAt time.Time
	synthetic   bool
}

func (s *Server) newClientNode(id string) *ClientNode {
	if id == "" {
		id = uuid.NewString()
	}
	c := &ClientNode{
		server:      s,
		id:          id,
		send:        make(chan []byte, sendQueueSize),
		closedC:     make(chan struct{}),
		connectedAt: time.Now(),
	}
	c.logger = s.logger.With().Str("client_id", id).Logger()
	if s.cfg.RateLimit.Enabled {
		c.limiter = limits.NewCallLimiter(s.cfg.RateLimit.Max, s.cfg.RateLimit.Interval)
	}
	return c
}

// trackRequest derives the tracking properties from the connecting request:
// X-Forwarded-For if present, else the peer address, plus the user agent and
// the full header map.
func (c *ClientNode) trackRequest(r *http.Request) {
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		parts := strings.Split(forwarded, ",")
		c.RemoteAddr = strings.TrimSpace(parts[0])
	} else if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		c.RemoteAddr = host
	} else {
		c.RemoteAddr = r.RemoteAddr
	}
	c.UserAgent = r.Header.Get("User-Agent")
	c.Headers = r.Header.Clone()
}

// ID returns the node identity. It is stable except for a single reassignment
// via an explicit setup message.
func (c *ClientNode) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

func (c *ClientNode) setID(id string) {
	c.mu.Lock()
	c.id = id
	c.logger = c.server.logger.With().Str("client_id", id).Logger()
	c.mu.Unlock()
}

func (c *ClientNode) log() *zerolog.Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l := c.logger
	return &l
}

// claimReassign consumes the node's single identity reassignment. It returns
// false once a reassignment has already happened.
func (c *ClientNode) claimReassign() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idReassigned {
		return false
	}
	c.idReassigned = true
	return true
}

// Authenticated reports whether the node carries an auth context.
func (c *ClientNode) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

// UserID returns the stringified identifier of the authenticated user, or
// empty when unauthenticated.
func (c *ClientNode) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// Context returns the auth context mapping. The returned map must not be
// mutated by callers.
func (c *ClientNode) Context() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authContext
}

// SetContext installs the auth context after successful authentication. The
// context must include a user object with a non-empty identifier; its absence
// is a fatal error for the call that sets the context.
func (c *ClientNode) SetContext(authCtx map[string]any) error {
	userID, err := extractUserID(authCtx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.authenticated = true
	c.authContext = authCtx
	c.userID = userID
	c.mu.Unlock()
	return nil
}

// ClearContext drops the auth context, returning the node to the
// unauthenticated state.
func (c *ClientNode) ClearContext() {
	c.mu.Lock()
	c.authenticated = false
	c.authContext = nil
	c.userID = ""
	c.mu.Unlock()
}

func extractUserID(authCtx map[string]any) (string, error) {
	user, ok := authCtx["user"].(map[string]any)
	if !ok {
		return "", fmt.Errorf("rpc: auth context missing user object")
	}
	id := user["id"]
	if id == nil {
		return "", fmt.Errorf("rpc: auth context user missing identifier")
	}
	s := fmt.Sprint(id)
	if s == "" {
		return "", fmt.Errorf("rpc: auth context user identifier is empty")
	}
	return s, nil
}

// Send encodes and sends an envelope to this node.
func (c *ClientNode) Send(env *wire.Envelope) error {
	payload, err := env.Encode()
	if err != nil {
		return err
	}
	return c.SendRaw(payload)
}

// SendEvent delivers an event envelope directly to this node, bypassing
// channel fan-out.
func (c *ClientNode) SendEvent(event string, params any) error {
	return c.Send(wire.NewEvent(event, "", params))
}

// SendResult replies to a method call.
func (c *ClientNode) SendResult(correlationID, method string, result any) error {
	return c.Send(wire.NewResult(correlationID, method, result))
}

// SendError replies with an error envelope.
func (c *ClientNode) SendError(env *wire.Envelope) error {
	return c.Send(env)
}

// SendRaw routes pre-encoded bytes to the duplex socket if present, else to
// the one-way push handle. Sends to a closed node return ErrNodeClosed.
func (c *ClientNode) SendRaw(payload []byte) error {
	select {
	case <-c.closedC:
		return ErrNodeClosed
	default:
	}

	if c.sse != nil {
		return c.writeSSE(payload)
	}
	if c.conn == nil {
		// Synthetic server-side node; replies are consumed in-process.
		return nil
	}

	select {
	case c.send <- payload:
		atomic.StoreInt32(&c.sendFails, 0)
		return nil
	default:
		fails := atomic.AddInt32(&c.sendFails, 1)
		if fails >= slowSendLimit {
			c.log().Warn().Int32("consecutive_failures", fails).
				Msg("Disconnecting slow client")
			c.Close()
			return ErrNodeClosed
		}
		c.log().Warn().Msg("Send queue full, dropping frame")
		return fmt.Errorf("rpc: send queue full")
	}
}

// writeSSE frames one payload as a server-sent event: a monotonically
// increasing per-node id line, then the payload with embedded newlines
// re-prefixed as data lines.
func (c *ClientNode) writeSSE(payload []byte) error {
	seq := c.seq.Add(1)
	frame := formatSSEFrame(seq, payload)

	c.sse.mu.Lock()
	defer c.sse.mu.Unlock()
	select {
	case <-c.sse.done:
		return ErrNodeClosed
	default:
	}
	if _, err := c.sse.w.Write(frame); err != nil {
		return err
	}
	c.sse.flusher.Flush()
	monitoring.MessagesSent.Inc()
	return nil
}

func formatSSEFrame(seq int64, payload []byte) []byte {
	data := strings.ReplaceAll(string(payload), "\n", "\ndata: ")
	return []byte(fmt.Sprintf("id: %d\ndata: %s\n\n", seq, data))
}

// writePump drains the send queue onto the duplex socket, batching queued
// frames behind one buffered flush.
func (c *ClientNode) writePump() {
	writer := bufio.NewWriter(c.conn)
	defer c.Close()

	for {
		select {
		case <-c.closedC:
			return
		case payload, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(writer, ws.OpText, payload); err != nil {
				c.log().Debug().Err(err).Msg("Failed to write frame")
				return
			}
			monitoring.MessagesSent.Inc()

			n := len(c.send)
			for i := 0; i < n; i++ {
				payload = <-c.send
				if err := wsutil.WriteServerMessage(writer, ws.OpText, payload); err != nil {
					c.log().Debug().Err(err).Msg("Failed to write frame")
					return
				}
				monitoring.MessagesSent.Inc()
			}
			if err := writer.Flush(); err != nil {
				c.log().Debug().Err(err).Msg("Failed to flush writer")
				return
			}
		}
	}
}

// Close tears the node down. It is idempotent: it stops the keep-alive
// monitor, ends any push handle, closes the duplex socket and asks the
// server to remove the node and prune empty channels.
func (c *ClientNode) Close() {
	c.closeOnce.Do(func() {
		close(c.closedC)
		if c.keepAlive != nil {
			c.keepAlive.Stop()
		}
		if c.sse != nil {
			c.sse.mu.Lock()
			select {
			case <-c.sse.done:
			default:
				close(c.sse.done)
			}
			c.sse.mu.Unlock()
		}
		if c.conn != nil {
			c.conn.Close()
		}
		if c.server != nil && !c.synthetic {
			c.server.removeNode(c)
		}
	})
}

// Closed reports whether the node has been torn down.
func (c *ClientNode) Closed() bool {
	select {
	case <-c.closedC:
		return true
	default:
		return false
	}
}
