package broker

import (
	"fmt"
	"path"
	"strings"

	"github.com/orchestra-mcp/broker/src/destination"
	"github.com/orchestra-mcp/broker/src/pipeline"
	"github.com/orchestra-mcp/broker/src/registry"
	"github.com/orchestra-mcp/broker/src/types"
	gometrics "github.com/rcrowley/go-metrics"
)

type patternHandler struct {
	pattern string
	handler types.MessageHandler
}

// RegisterHandler registers a handler for an application destination.
// The pattern is either an exact destination or a path.Match glob such as
// "/app/chat.*". Exact matches win over patterns; patterns are tried in
// registration order.
func (b *Broker) RegisterHandler(pattern string, handler types.MessageHandler) error {
	d, err := b.matcher.Classify(pattern)
	if err != nil {
		return err
	}
	if d.Kind != destination.Application {
		return fmt.Errorf("%w: handler pattern %s is not an application destination", types.ErrInvalidDestination, pattern)
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return fmt.Errorf("%w: bad pattern %s: %v", types.ErrInvalidDestination, pattern, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if strings.ContainsAny(pattern, "*?[") {
		b.patterns = append(b.patterns, patternHandler{pattern: pattern, handler: handler})
	} else {
		b.handlers[pattern] = handler
	}
	b.logger.Debug().Str("pattern", pattern).Msg("handler registered")
	return nil
}

func (b *Broker) handlerFor(dest string) (types.MessageHandler, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if h, ok := b.handlers[dest]; ok {
		return h, true
	}
	for _, p := range b.patterns {
		if ok, _ := path.Match(p.pattern, dest); ok {
			return p.handler, true
		}
	}
	return nil, false
}

// OnConnection registers a callback for new connections.
func (b *Broker) OnConnection(cb func(string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onConnect = append(b.onConnect, cb)
}

// OnDisconnection registers a callback for disconnections.
func (b *Broker) OnDisconnection(cb func(string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDisconn = append(b.onDisconn, cb)
}

// ConnectedClients returns a list of connected client IDs.
func (b *Broker) ConnectedClients() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.clients))
	for id := range b.clients {
		ids = append(ids, id)
	}
	return ids
}

// ClientInfo returns info for a connected client, or nil.
func (b *Broker) ClientInfo(clientID string) *types.ClientInfo {
	c, ok := b.client(clientID)
	if !ok {
		return nil
	}
	info := c.Info()
	return &info
}

// Destinations returns subscribed destinations with their subscriber counts.
func (b *Broker) Destinations() map[string]int {
	return b.subs.Destinations()
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Attribute reads a session-scoped value of a connection.
func (b *Broker) Attribute(connID, key string) (any, bool) {
	return b.sessions.Attribute(connID, key)
}

// SetAttribute stores a session-scoped value of a connection.
func (b *Broker) SetAttribute(connID, key string, value any) error {
	return b.sessions.SetAttribute(connID, key, value)
}

// Stats describes the broker's pipelines and registries.
type Stats struct {
	Clients      int            `json:"clients"`
	Sessions     int            `json:"sessions"`
	Destinations int            `json:"destinations"`
	Inbound      pipeline.Stats `json:"inbound"`
	Outbound     pipeline.Stats `json:"outbound"`
}

// Stats returns a snapshot of broker statistics.
func (b *Broker) Stats() Stats {
	return Stats{
		Clients:      b.ClientCount(),
		Sessions:     b.sessions.Count(),
		Destinations: len(b.subs.Destinations()),
		Inbound:      b.inbound.Stats(),
		Outbound:     b.outbound.Stats(),
	}
}

// Metrics returns the registry holding the pipeline counters.
func (b *Broker) Metrics() gometrics.Registry { return b.metrics }

// Sessions returns the session registry.
func (b *Broker) Sessions() *registry.Sessions { return b.sessions }

// Subscriptions returns the subscription registry.
func (b *Broker) Subscriptions() *registry.Subscriptions { return b.subs }

// Matcher returns the destination matcher.
func (b *Broker) Matcher() *destination.Matcher { return b.matcher }
