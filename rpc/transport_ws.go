package rpc

import (
	"context"
	"net/http"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/adred-codev/relay/internal/monitoring"
	"github.com/adred-codev/relay/wire"
)

// frameQueueSize bounds the inbound frames waiting behind a busy handler.
const frameQueueSize = 64

// handleWebSocket upgrades the request to the duplex transport and runs the
// connection lifecycle: admission checks, node registration, keep-alive
// monitoring and the read/write pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.admitConnection(w, r) {
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		monitoring.ConnectionsRejected.Inc()
		s.logger.Debug().Err(err).Msg("Upgrade failed")
		return
	}

	c := s.newClientNode("")
	c.conn = conn
	c.trackRequest(r)

	c.keepAlive = newKeepAlive(s.cfg.KeepAliveInterval,
		func() {
			c.SendEvent(KeepAliveEvent, nil)
		},
		func() {
			monitoring.KeepAliveDisconnects.Inc()
			c.log().Info().Msg("Keep-alive timeout, closing node")
			c.Close()
		})

	s.registerNode(c)
	c.keepAlive.start()

	frames := make(chan []byte, frameQueueSize)
	go c.writePump()
	go s.dispatchPump(c, frames)
	go s.readPump(c, frames)

	c.log().Debug().Str("remote_addr", c.RemoteAddr).Msg("Client connected")
}

// admitConnection runs the shared admission checks: shutdown state, origin
// allow-list and the resource guard.
func (s *Server) admitConnection(w http.ResponseWriter, r *http.Request) bool {
	if !s.acceptConnections.Load() {
		monitoring.ConnectionsRejected.Inc()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return false
	}
	if !s.originAllowed(r) {
		monitoring.ConnectionsRejected.Inc()
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return false
	}
	if s.guard != nil {
		if ok, reason := s.guard.ShouldAccept(); !ok {
			monitoring.ConnectionsRejected.Inc()
			s.logger.Warn().Str("reason", reason).Msg("Connection rejected by resource guard")
			http.Error(w, "server overloaded", http.StatusServiceUnavailable)
			return false
		}
	}
	return true
}

// originAllowed enforces the configured origin allow-list. An empty list
// admits every origin; "*" is a wildcard entry.
func (s *Server) originAllowed(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients send no Origin header.
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// readPump consumes inbound frames until the connection drops. Every inbound
// frame refreshes the keep-alive monitor before the frame is queued, so a
// long-running handler never starves liveness detection: keep-alive answers
// keep arriving on the socket and keep being read while the dispatch pump
// works.
func (s *Server) readPump(c *ClientNode, frames chan<- []byte) {
	defer c.Close()
	for {
		data, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			c.log().Debug().Err(err).Msg("Read loop ended")
			return
		}
		if c.keepAlive != nil {
			c.keepAlive.Touch()
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}
		select {
		case frames <- data:
		case <-c.closedC:
			return
		}
	}
}

// dispatchPump serializes frame handling per node: frames are processed in
// arrival order and each reply is sent before the next frame is taken, which
// keeps result envelopes in call order on one connection.
func (s *Server) dispatchPump(c *ClientNode, frames <-chan []byte) {
	for {
		select {
		case data := <-frames:
			s.handleFrame(c, data)
		case <-c.closedC:
			return
		}
	}
}

// handleFrame parses one inbound frame and routes it by envelope type.
// Malformed frames produce a parse-error envelope with no correlation id;
// the connection stays open.
func (s *Server) handleFrame(c *ClientNode, data []byte) {
	env, err := wire.ParseEnvelope(data)
	if err != nil {
		c.log().Debug().Err(err).Msg("Dropping malformed frame")
		c.Send(wire.NewError("", CodeParse, "malformed message"))
		return
	}

	switch env.Type {
	case wire.TypeMethod:
		reply := s.dispatchMethod(context.Background(), c, env)
		if reply != nil {
			c.Send(reply)
		}
	case wire.TypeSetup:
		s.assignIdentity(c, env.UUID)
	case wire.TypeEvent:
		// Keep-alive probe replies arrive as event frames; Touch already
		// counted them.
		c.log().Debug().Str("event", env.Event).Msg("Inbound event frame")
	default:
		c.log().Debug().Str("type", string(env.Type)).Msg("Ignoring inbound frame")
	}
}
