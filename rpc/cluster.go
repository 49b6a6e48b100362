package rpc

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/relay/internal/monitoring"
)

// Broker is the external publish/subscribe fabric used for cluster-wide
// event fan-out. NATSBroker is the production implementation; tests use an
// in-memory one.
type Broker interface {
	Publish(topic string, data []byte) error
	Subscribe(topic string, handler func(data []byte)) error
	// Ready is closed once the broker connection is established.
	Ready() <-chan struct{}
	Close() error
}

// clusterMessage is the payload published per cluster emit. Payload carries
// the pre-encoded event envelope; OriginID identifies the emitting server
// for loop suppression.
type clusterMessage struct {
	Channel  string `json:"channel"`
	Payload  []byte `json:"payload"`
	OriginID string `json:"originId"`
}

func (s *Server) topic(event string) string {
	return s.cfg.BrokerPrefix + ":" + event
}

// publishCluster publishes one cluster emit to the broker, exactly once per
// emit call, tagged with this server's origin id.
func (s *Server) publishCluster(event, channel string, payload []byte) error {
	msg := clusterMessage{
		Channel:  channel,
		Payload:  payload,
		OriginID: s.originID,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("rpc: marshal cluster message: %w", err)
	}
	if err := s.broker.Publish(s.topic(event), data); err != nil {
		return err
	}
	monitoring.BrokerPublished.Inc()
	return nil
}

// subscribeCluster attaches the broker adapter to an event's topic. Inbound
// messages tagged with the local origin id are dropped (loop suppression);
// everything else is fanned out locally.
func (s *Server) subscribeCluster(event string) error {
	return s.broker.Subscribe(s.topic(event), func(data []byte) {
		var msg clusterMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn().Err(err).Str("event", event).
				Msg("Dropping malformed cluster message")
			return
		}
		if msg.OriginID == s.originID {
			monitoring.BrokerLoopDropped.Inc()
			return
		}
		monitoring.BrokerReceived.Inc()
		s.propagateLocal(event, msg.Channel, msg.Payload)
	})
}

// NATSBroker adapts a NATS connection to the Broker interface. Connection
// and reconnection are asynchronous; Ready is closed on first connect.
type NATSBroker struct {
	conn   *nats.Conn
	logger zerolog.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription

	ready     chan struct{}
	readyOnce sync.Once
}

// NewNATSBroker connects to the broker at url. The connection retries
// forever in the background; readiness is signalled via Ready.
func NewNATSBroker(url string, logger zerolog.Logger) (*NATSBroker, error) {
	b := &NATSBroker{
		logger: logger.With().Str("component", "nats_broker").Logger(),
		subs:   make(map[string]*nats.Subscription),
		ready:  make(chan struct{}),
	}

	opts := []nats.Option{
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.ConnectHandler(func(conn *nats.Conn) {
			b.logger.Info().Str("url", conn.ConnectedUrl()).Msg("Connected to broker")
			b.readyOnce.Do(func() { close(b.ready) })
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.logger.Warn().Err(err).Msg("Disconnected from broker")
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			b.logger.Info().Str("url", conn.ConnectedUrl()).Msg("Reconnected to broker")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			b.logger.Error().Err(err).Msg("Broker error")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("rpc: connect to broker: %w", err)
	}
	b.conn = conn
	return b, nil
}

// Publish is fire-and-forget; delivery failures surface through the error
// handler and never fail the triggering emit.
func (b *NATSBroker) Publish(topic string, data []byte) error {
	if err := b.conn.Publish(topic, data); err != nil {
		return fmt.Errorf("rpc: publish to %s: %w", topic, err)
	}
	return nil
}

func (b *NATSBroker) Subscribe(topic string, handler func(data []byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.subs[topic]; exists {
		return nil
	}
	sub, err := b.conn.Subscribe(topic, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("rpc: subscribe to %s: %w", topic, err)
	}
	b.subs[topic] = sub
	b.logger.Info().Str("topic", topic).Msg("Subscribed to broker topic")
	return nil
}

func (b *NATSBroker) Ready() <-chan struct{} { return b.ready }

func (b *NATSBroker) Close() error {
	b.mu.Lock()
	for topic, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn().Err(err).Str("topic", topic).Msg("Unsubscribe failed")
		}
	}
	b.subs = make(map[string]*nats.Subscription)
	b.mu.Unlock()

	b.conn.Close()
	b.logger.Info().Msg("Broker connection closed")
	return nil
}
