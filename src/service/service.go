// Package service is the application-facing API of the broker.
package service

import (
	"encoding/json"
	"fmt"

	"github.com/orchestra-mcp/broker/src/broker"
	"github.com/orchestra-mcp/broker/src/types"
	"github.com/rs/zerolog"
)

// Service provides the high-level publish/subscribe API.
type Service struct {
	broker *broker.Broker
	logger zerolog.Logger
}

// New creates a new service backed by the given broker.
func New(b *broker.Broker, logger zerolog.Logger) *Service {
	return &Service{broker: b, logger: logger}
}

// Broker returns the underlying broker.
func (s *Service) Broker() *broker.Broker { return s.broker }

// RegisterHandler registers a message handler for an application
// destination or destination pattern.
func (s *Service) RegisterHandler(pattern string, handler types.MessageHandler) error {
	if err := s.broker.RegisterHandler(pattern, handler); err != nil {
		return err
	}
	s.logger.Debug().Str("pattern", pattern).Msg("handler registered")
	return nil
}

// Publish sends data to all subscribers of a destination and returns the
// number of deliveries queued. Values other than json.RawMessage and
// []byte are JSON encoded.
func (s *Service) Publish(destination string, data any) (int, error) {
	payload, err := encode(data)
	if err != nil {
		return 0, err
	}
	return s.broker.Publish(destination, payload)
}

// SendToUser publishes data to every session of principal that subscribed
// to the user destination built from dest, such as "/queue/notify".
func (s *Service) SendToUser(principal, dest string, data any) (int, error) {
	if principal == "" {
		return 0, fmt.Errorf("%w: empty principal", types.ErrInvalidDestination)
	}
	return s.Publish(s.broker.Matcher().UserDestination(principal, dest), data)
}

// Subscribe registers a subscription on behalf of a connected client.
func (s *Service) Subscribe(clientID, subID, destination string) error {
	if err := s.broker.Subscribe(clientID, subID, destination); err != nil {
		return err
	}
	s.logger.Debug().
		Str("client_id", clientID).
		Str("subscription", subID).
		Str("destination", destination).
		Msg("subscribed")
	return nil
}

// Unsubscribe removes a subscription on behalf of a connected client.
func (s *Service) Unsubscribe(clientID, subID string) error {
	if err := s.broker.Unsubscribe(clientID, subID); err != nil {
		return err
	}
	s.logger.Debug().
		Str("client_id", clientID).
		Str("subscription", subID).
		Msg("unsubscribed")
	return nil
}

// Disconnect closes a client connection and drops its subscriptions.
func (s *Service) Disconnect(clientID string) {
	s.broker.Disconnect(clientID)
}

// OnConnection registers a callback for new connections.
func (s *Service) OnConnection(cb func(clientID string)) {
	s.broker.OnConnection(cb)
}

// OnDisconnection registers a callback for disconnections.
func (s *Service) OnDisconnection(cb func(clientID string)) {
	s.broker.OnDisconnection(cb)
}

// GetConnectedClients returns IDs of all connected clients.
func (s *Service) GetConnectedClients() []string {
	return s.broker.ConnectedClients()
}

// GetDestinations returns subscribed destinations with subscriber counts.
func (s *Service) GetDestinations() map[string]int {
	return s.broker.Destinations()
}

// GetClientInfo returns info for a connected client, or error.
func (s *Service) GetClientInfo(clientID string) (*types.ClientInfo, error) {
	info := s.broker.ClientInfo(clientID)
	if info == nil {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownConnection, clientID)
	}
	return info, nil
}

// Stats returns broker statistics.
func (s *Service) Stats() broker.Stats {
	return s.broker.Stats()
}

func encode(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, fmt.Errorf("%w: payload is not valid JSON", types.ErrInvalidFrame)
		}
		return v, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidFrame, err)
	}
	return b, nil
}
