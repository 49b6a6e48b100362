package rpc

import (
	"io"
	"net/http"
	"strings"

	"github.com/adred-codev/relay/wire"
)

const maxRPCBodyBytes = 1 << 20

// handleSSE attaches a one-way push stream for clients that cannot hold a
// duplex socket. The stream carries the same encoded envelopes the duplex
// transport does, framed as server-sent events. Calls travel separately over
// the POST endpoint, correlated by the client identity header.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.admitConnection(w, r) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	c := s.newClientNode(r.Header.Get(HeaderClientID))
	c.sse = &ssePush{w: w, flusher: flusher, done: make(chan struct{})}
	c.trackRequest(r)

	if token := bearerToken(r); token != "" {
		fn := s.auth()
		if fn == nil {
			http.Error(w, "authentication not configured", http.StatusUnauthorized)
			return
		}
		authCtx, ok := fn(r.Context(), token)
		if !ok {
			http.Error(w, "authentication failed", http.StatusUnauthorized)
			return
		}
		if err := c.SetContext(authCtx); err != nil {
			http.Error(w, "authentication failed", http.StatusUnauthorized)
			return
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.registerNode(c)
	c.log().Debug().Str("remote_addr", c.RemoteAddr).Msg("Stream attached")

	select {
	case <-r.Context().Done():
	case <-c.closedC:
	}
	c.Close()
}

// handleRPC services one method call per request for clients on the one-way
// transport. The request body is one method envelope; the response body is
// the reply envelope, or empty for void calls.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.acceptConnections.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRPCBodyBytes))
	if err != nil {
		writeEnvelope(w, http.StatusBadRequest, wire.NewError("", CodeParse, "unreadable request body"))
		return
	}

	env, err := wire.ParseEnvelope(body)
	if err != nil {
		writeEnvelope(w, http.StatusBadRequest, wire.NewError("", CodeParse, "malformed message"))
		return
	}
	if env.Type != wire.TypeMethod {
		writeEnvelope(w, http.StatusBadRequest, wire.NewError(env.UUID, CodeParse, "expected a method envelope"))
		return
	}

	c, err := s.callerForRequest(r)
	if err != nil {
		writeEnvelope(w, http.StatusUnauthorized, wire.NewError(env.UUID, CodeMethodForbidden, "authentication failed"))
		return
	}

	reply := s.dispatchMethod(r.Context(), c, env)
	if reply == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeEnvelope(w, http.StatusOK, reply)
}

// callerForRequest resolves the calling node for a one-shot request: the
// registered stream node matching the identity header when present, else an
// ephemeral node authenticated from the bearer header.
func (s *Server) callerForRequest(r *http.Request) (*ClientNode, error) {
	if id := r.Header.Get(HeaderClientID); id != "" {
		if c, ok := s.Node(id); ok {
			return c, nil
		}
	}

	c := s.newClientNode(r.Header.Get(HeaderClientID))
	c.synthetic = true
	c.trackRequest(r)
	if s.cfg.RateLimit.Enabled {
		key := r.Header.Get(HeaderClientID)
		if key == "" {
			key = c.RemoteAddr
		}
		c.limiter = s.limiterFor(key)
	}
	if token := bearerToken(r); token != "" {
		fn := s.auth()
		if fn == nil {
			return nil, Public("authentication is not configured")
		}
		authCtx, ok := fn(r.Context(), token)
		if !ok {
			return nil, Public("authentication failed")
		}
		if err := c.SetContext(authCtx); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func writeEnvelope(w http.ResponseWriter, status int, env *wire.Envelope) {
	payload, err := env.Encode()
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(payload)
}
