// Package registry holds the session and subscription state shared by all
// connections of one broker.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/orchestra-mcp/broker/src/types"
	"github.com/rs/zerolog"
)

// Session is the application-level identity bound to one connection.
type Session struct {
	ID           string
	ConnectionID string
	Principal    string
	CreatedAt    time.Time
	attributes   map[string]any
}

// Sessions maps session ids to sessions and principals to their session ids.
type Sessions struct {
	mu          sync.RWMutex
	byID        map[string]*Session
	byPrincipal map[string]map[string]struct{}
	logger      zerolog.Logger
}

// NewSessions creates an empty session registry.
func NewSessions(logger zerolog.Logger) *Sessions {
	return &Sessions{
		byID:        make(map[string]*Session),
		byPrincipal: make(map[string]map[string]struct{}),
		logger:      logger.With().Str("component", "sessions").Logger(),
	}
}

// Register creates the session for connID. The session id is the connection
// id. An empty principal registers an anonymous session that no user
// destination can reach.
func (r *Sessions) Register(connID, principal string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[connID]; ok {
		return "", fmt.Errorf("%w: %s", types.ErrDuplicateConnection, connID)
	}
	r.byID[connID] = &Session{
		ID:           connID,
		ConnectionID: connID,
		Principal:    principal,
		CreatedAt:    time.Now(),
		attributes:   make(map[string]any),
	}
	if principal != "" {
		if r.byPrincipal[principal] == nil {
			r.byPrincipal[principal] = make(map[string]struct{})
		}
		r.byPrincipal[principal][connID] = struct{}{}
	}

	r.logger.Debug().Str("session_id", connID).Str("principal", principal).Msg("session registered")
	return connID, nil
}

// SessionsFor returns the live session ids of principal.
func (r *Sessions) SessionsFor(principal string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byPrincipal[principal]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// Get returns a copy of the session without its attributes.
func (r *Sessions) Get(sessionID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.byID[sessionID]
	if !ok {
		return Session{}, false
	}
	cp := *s
	cp.attributes = nil
	return cp, true
}

// Attribute reads a session-scoped value.
func (r *Sessions) Attribute(sessionID, key string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.byID[sessionID]
	if !ok {
		return nil, false
	}
	v, ok := s.attributes[key]
	return v, ok
}

// SetAttribute stores a session-scoped value.
func (r *Sessions) SetAttribute(sessionID, key string, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrUnknownConnection, sessionID)
	}
	s.attributes[key] = value
	return nil
}

// Remove deletes a session. Removing an unknown session is a no-op.
func (r *Sessions) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[sessionID]
	if !ok {
		return
	}
	delete(r.byID, sessionID)
	if set := r.byPrincipal[s.Principal]; set != nil {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(r.byPrincipal, s.Principal)
		}
	}
	r.logger.Debug().Str("session_id", sessionID).Msg("session removed")
}

// Count returns the number of live sessions.
func (r *Sessions) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
