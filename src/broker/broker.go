// Package broker routes frames from client connections to application
// handlers and subscribers.
package broker

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/orchestra-mcp/broker/config"
	"github.com/orchestra-mcp/broker/src/destination"
	"github.com/orchestra-mcp/broker/src/pipeline"
	"github.com/orchestra-mcp/broker/src/registry"
	"github.com/orchestra-mcp/broker/src/types"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/rs/zerolog"
)

// MessageBridge publishes messages to other broker instances.
// Defined here to avoid circular imports with the bridge package.
type MessageBridge interface {
	Publish(destination string, payload json.RawMessage) error
	Available() bool
}

// Broker owns the registries and both pipelines of one routing core.
type Broker struct {
	cfg        *config.BrokerConfig
	matcher    *destination.Matcher
	translator *destination.Translator
	sessions   *registry.Sessions
	subs       *registry.Subscriptions
	inbound    *pipeline.Pool
	outbound   *pipeline.Pool
	metrics    gometrics.Registry

	mu        sync.RWMutex
	clients   map[string]*Client
	handlers  map[string]types.MessageHandler
	patterns  []patternHandler
	onConnect []func(string)
	onDisconn []func(string)
	bridge    MessageBridge
	stopped   bool

	logger   zerolog.Logger
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Broker from a validated configuration.
func New(cfg *config.BrokerConfig, logger zerolog.Logger) (*Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid broker config: %w", err)
	}
	matcher, err := destination.NewMatcher(cfg.Prefixes)
	if err != nil {
		return nil, err
	}

	reg := gometrics.NewRegistry()
	sessions := registry.NewSessions(logger)
	b := &Broker{
		cfg:        cfg,
		matcher:    matcher,
		translator: destination.NewTranslator(matcher, sessions),
		sessions:   sessions,
		subs:       registry.NewSubscriptions(logger),
		inbound:    pipeline.New("inbound", cfg.Inbound, reg, logger),
		outbound:   pipeline.New("outbound", cfg.Outbound, reg, logger),
		metrics:    reg,
		clients:    make(map[string]*Client),
		handlers:   make(map[string]types.MessageHandler),
		logger:     logger.With().Str("component", "broker").Logger(),
		done:       make(chan struct{}),
	}
	return b, nil
}

// SetBridge attaches a cross-instance message bridge.
// When set, local publishes are also forwarded to other instances.
func (b *Broker) SetBridge(br MessageBridge) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bridge = br
}

// Start launches both pipelines and, when configured, the heartbeat loop.
func (b *Broker) Start() {
	b.inbound.Start()
	b.outbound.Start()

	if interval := b.cfg.HeartbeatInterval(); interval > 0 {
		b.wg.Add(1)
		go b.heartbeatLoop(interval)
	}
	b.logger.Info().
		Int("inbound_workers", b.cfg.Inbound.Workers).
		Int("outbound_workers", b.cfg.Outbound.Workers).
		Msg("broker started")
}

// Stop disconnects every client and stops both pipelines.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.stopped = true
		b.mu.Unlock()

		close(b.done)
		b.wg.Wait()

		for _, c := range b.snapshotClients() {
			b.Disconnect(c.ID)
		}
		b.inbound.Stop()
		b.outbound.Stop()
		b.logger.Info().Msg("broker stopped")
	})
}

// Connect registers a live connection and its session. An empty principal
// makes the session anonymous. The returned Client runs the read loop for
// transports that hand frames to the broker through a types.Conn.
func (b *Broker) Connect(connID, principal string, conn types.Conn) (*Client, error) {
	if connID == "" {
		return nil, fmt.Errorf("%w: empty connection id", types.ErrInvalidFrame)
	}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil, types.ErrClosed
	}
	if _, ok := b.clients[connID]; ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", types.ErrDuplicateConnection, connID)
	}
	if limit := b.cfg.MaxConnections; limit > 0 && len(b.clients) >= limit {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: connection limit %d reached", types.ErrOverloaded, limit)
	}
	if _, err := b.sessions.Register(connID, principal); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	c := newClient(connID, principal, conn, b)
	b.clients[connID] = c
	callbacks := append([]func(string){}, b.onConnect...)
	b.mu.Unlock()

	b.logger.Info().Str("client_id", connID).Str("principal", principal).Msg("client connected")

	b.reply(c, types.Frame{
		Command:   types.CommandConnected,
		Session:   connID,
		Timestamp: time.Now(),
	})
	for _, cb := range callbacks {
		cb(connID)
	}
	return c, nil
}

// Disconnect removes the connection, its session and all of its
// subscriptions before returning. Queued outbound jobs for it become
// no-ops. Calling it for an unknown connection does nothing.
func (b *Broker) Disconnect(connID string) {
	b.mu.Lock()
	c, ok := b.clients[connID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.clients, connID)
	purged := b.subs.PurgeConnection(connID)
	b.sessions.Remove(connID)
	callbacks := append([]func(string){}, b.onDisconn...)
	b.mu.Unlock()

	c.Close()
	b.logger.Info().
		Str("client_id", connID).
		Int("subscriptions", purged).
		Msg("client disconnected")

	for _, cb := range callbacks {
		cb(connID)
	}
}

func (b *Broker) client(connID string) (*Client, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.clients[connID]
	return c, ok
}

func (b *Broker) snapshotClients() []*Client {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Client, 0, len(b.clients))
	for _, c := range b.clients {
		out = append(out, c)
	}
	return out
}
