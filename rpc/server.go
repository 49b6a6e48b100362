// Package rpc implements the bidirectional RPC and event-distribution
// server: per-connection client nodes over a duplex WebSocket transport with
// an SSE fallback, a method dispatcher with middleware, schema validation and
// auth gating, channel-scoped event fan-out, and cluster-wide propagation
// through an external broker.
package rpc

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/adred-codev/relay/internal/limits"
	"github.com/adred-codev/relay/internal/monitoring"
	"github.com/adred-codev/relay/wire"
)

// AuthFunc authenticates a token presented via rpc:init or the bearer header
// on the one-way transport. It returns the auth context and true on success,
// or false to reject. The context must contain a user object with a
// non-empty identifier.
type AuthFunc func(ctx context.Context, token string) (map[string]any, bool)

// ChannelAuthFunc gates channel subscriptions per (node, channel).
type ChannelAuthFunc func(c *ClientNode, channel string) bool

// Server is the orchestrator owning the registries, the connected client
// nodes and both transport listeners.
type Server struct {
	cfg      Config
	logger   zerolog.Logger
	originID string

	mu       sync.RWMutex
	methods  map[string]*Method
	events   map[string]*Event
	channels map[string]*Channel
	clients  map[string]*ClientNode

	hookMu        sync.RWMutex
	authFn        AuthFunc
	channelAuthFn ChannelAuthFunc

	broker Broker
	guard  *limits.ResourceGuard

	// limMu guards get-or-create on ephemeralLimiters, the shared rate-limit
	// state for one-shot POST callers without a registered stream node.
	limMu             sync.Mutex
	ephemeralLimiters *lru.Cache[string, *limits.CallLimiter]

	httpServer *http.Server
	listener   net.Listener

	acceptConnections atomic.Bool
	closed            atomic.Bool
	ready             chan struct{}
	readyOnce         sync.Once
	wg                sync.WaitGroup
}

// ephemeralLimiterCap bounds the rate-limit table for one-shot callers.
const ephemeralLimiterCap = 4096

var (
	globalMu     sync.RWMutex
	globalServer *Server
)

// Instance returns the process-wide server published by a Config with
// GlobalInstance set, or nil. Prefer passing the server handle explicitly.
func Instance() *Server {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalServer
}

// NewServer builds a server from the configuration, connects the cluster
// broker when configured and registers the built-in methods.
func NewServer(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("rpc: invalid config: %w", err)
	}
	cfg = cfg.withDefaults()

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		originID: uuid.NewString(),
		methods:  make(map[string]*Method),
		events:   make(map[string]*Event),
		channels: map[string]*Channel{DefaultChannel: newChannel(DefaultChannel)},
		clients:  make(map[string]*ClientNode),
		ready:    make(chan struct{}),
	}
	s.acceptConnections.Store(true)

	if cfg.RateLimit.Enabled {
		cache, err := lru.New[string, *limits.CallLimiter](ephemeralLimiterCap)
		if err != nil {
			return nil, fmt.Errorf("rpc: limiter cache: %w", err)
		}
		s.ephemeralLimiters = cache
	}

	if cfg.MaxGoroutines > 0 || cfg.MemUsedPercent > 0 {
		s.guard = limits.NewResourceGuard(limits.ResourceGuardConfig{
			MaxGoroutines:  cfg.MaxGoroutines,
			MemUsedPercent: cfg.MemUsedPercent,
		}, logger)
	}

	if cfg.BrokerURL != "" {
		broker, err := NewNATSBroker(cfg.BrokerURL, logger)
		if err != nil {
			return nil, err
		}
		s.broker = broker
	}

	if err := s.registerBuiltins(); err != nil {
		return nil, err
	}

	if cfg.GlobalInstance {
		globalMu.Lock()
		globalServer = s
		globalMu.Unlock()
	}

	s.logger.Info().
		Str("addr", cfg.addr()).
		Str("origin_id", s.originID).
		Bool("cluster", s.broker != nil).
		Msg("Server initialized")
	return s, nil
}

// NewServerWithBroker builds a server wired to a caller-supplied broker
// instead of the configured NATS URL. Used by cluster tests and embedders
// with their own fabric.
func NewServerWithBroker(cfg Config, broker Broker) (*Server, error) {
	cfg.BrokerURL = ""
	s, err := NewServer(cfg)
	if err != nil {
		return nil, err
	}
	s.broker = broker
	return s, nil
}

// OriginID returns this instance's unique identifier used for broker loop
// suppression.
func (s *Server) OriginID() string { return s.originID }

// SetAuth installs the authentication function consulted by rpc:init and
// the bearer header on the one-way transport.
func (s *Server) SetAuth(fn AuthFunc) {
	s.hookMu.Lock()
	s.authFn = fn
	s.hookMu.Unlock()
}

func (s *Server) auth() AuthFunc {
	s.hookMu.RLock()
	defer s.hookMu.RUnlock()
	return s.authFn
}

// Handler returns the HTTP handler serving all transports. Useful for tests
// and for embedding the server under an existing mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(WSPath, s.handleWebSocket)
	mux.HandleFunc(SSEPath, s.handleSSE)
	mux.HandleFunc(RPCPath, s.handleRPC)
	mux.HandleFunc(HealthPath, s.handleHealth)
	mux.Handle(MetricsPath, monitoring.Handler())

	if listener := s.cfg.RequestListener; listener != nil {
		inner := mux
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			listener(r)
			inner.ServeHTTP(w, r)
		})
	}
	return mux
}

// Start binds the listener and begins serving both transports. Readiness is
// signalled via Ready once the listener is bound and the broker subscriber
// (when configured) reports ready.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.addr())
	if err != nil {
		return fmt.Errorf("rpc: listen: %w", err)
	}
	s.listener = listener
	s.httpServer = &http.Server{Handler: s.Handler()}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Serve loop error")
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if s.broker != nil {
			<-s.broker.Ready()
		}
		s.readyOnce.Do(func() { close(s.ready) })
		s.logger.Info().Str("addr", listener.Addr().String()).Msg("Server ready")
	}()

	return nil
}

// Ready is closed once both the transport listener and the broker
// subscriber have reported ready.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound listener address, or empty before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.closed.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// registerNode stores a node under its identity. A live node already holding
// the same identity is closed; the new connection wins.
func (s *Server) registerNode(c *ClientNode) {
	id := c.ID()
	s.mu.Lock()
	old := s.clients[id]
	s.clients[id] = c
	s.mu.Unlock()

	if old != nil && old != c {
		s.logger.Info().Str("client_id", id).Msg("Duplicate identity, closing previous node")
		old.Close()
	}
	monitoring.ConnectionsTotal.Inc()
	monitoring.ConnectionsCurrent.Inc()
}

// assignIdentity reassigns a node's identity on an explicit setup message,
// closing any prior node sharing the new identity. A node's identity may be
// reassigned at most once; further setup messages are ignored.
func (s *Server) assignIdentity(c *ClientNode, newID string) {
	if newID == "" || newID == c.ID() {
		return
	}
	if !c.claimReassign() {
		c.log().Warn().Str("requested_id", newID).
			Msg("Ignoring repeated identity reassignment")
		return
	}
	s.mu.Lock()
	if s.clients[c.ID()] == c {
		delete(s.clients, c.ID())
	}
	old := s.clients[newID]
	s.clients[newID] = c
	s.mu.Unlock()

	c.setID(newID)
	if old != nil && old != c {
		s.logger.Info().Str("client_id", newID).Msg("Identity takeover, closing previous node")
		old.Close()
	}
}

// removeNode deletes the node from the client map and strips it from every
// channel, pruning channels left empty.
func (s *Server) removeNode(c *ClientNode) {
	s.mu.Lock()
	if s.clients[c.ID()] == c {
		delete(s.clients, c.ID())
	}
	chans := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		chans = append(chans, ch)
	}
	s.mu.Unlock()

	for _, ch := range chans {
		ch.RemoveNode(c)
		s.pruneChannel(ch.Name())
	}
	monitoring.ConnectionsCurrent.Dec()
}

// limiterFor returns the shared token bucket for an ephemeral caller key, so
// repeated one-shot requests from the same client identity (or address) draw
// from one bucket instead of getting a fresh one per request.
func (s *Server) limiterFor(key string) *limits.CallLimiter {
	s.limMu.Lock()
	defer s.limMu.Unlock()
	if l, ok := s.ephemeralLimiters.Get(key); ok {
		return l
	}
	l := limits.NewCallLimiter(s.cfg.RateLimit.Max, s.cfg.RateLimit.Interval)
	s.ephemeralLimiters.Add(key, l)
	return l
}

// Node returns the connected node with the given identity.
func (s *Server) Node(id string) (*ClientNode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[id]
	return c, ok
}

// NodeCount returns the number of connected nodes.
func (s *Server) NodeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Call invokes a registered method in-process through the full dispatch
// pipeline using a synthetic server-side node. The synthetic node is
// authenticated and not rate limited.
func (s *Server) Call(ctx context.Context, method string, params any) (any, error) {
	c := s.newClientNode("")
	c.synthetic = true
	c.mu.Lock()
	c.authenticated = true
	c.authContext = map[string]any{"user": map[string]any{"id": "server"}}
	c.userID = "server"
	c.limiter = nil
	c.mu.Unlock()

	env := wire.NewMethodCall(method, params, false)
	reply := s.dispatchMethod(ctx, c, env)
	if reply == nil {
		return nil, nil
	}
	switch reply.Type {
	case wire.TypeResult:
		return reply.Result, nil
	case wire.TypeError:
		return nil, callErrorFromEnvelope(reply)
	default:
		return nil, fmt.Errorf("rpc: unexpected reply type %q", reply.Type)
	}
}

// Close stops accepting connections, closes every client node, clears the
// registries, closes the broker adapter and finally the transport listener.
// Idempotent.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.acceptConnections.Store(false)
	s.logger.Info().Msg("Shutting down")

	s.mu.Lock()
	nodes := make([]*ClientNode, 0, len(s.clients))
	for _, c := range s.clients {
		nodes = append(nodes, c)
	}
	s.mu.Unlock()
	for _, c := range nodes {
		c.Close()
	}

	s.mu.Lock()
	s.methods = make(map[string]*Method)
	s.events = make(map[string]*Event)
	s.channels = map[string]*Channel{DefaultChannel: newChannel(DefaultChannel)}
	s.clients = make(map[string]*ClientNode)
	s.mu.Unlock()

	if s.broker != nil {
		if err := s.broker.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Broker close failed")
		}
	}
	if s.httpServer != nil {
		s.httpServer.Close()
	}

	globalMu.Lock()
	if globalServer == s {
		globalServer = nil
	}
	globalMu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("Shutdown complete")
	return nil
}
