package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/orchestra-mcp/broker/src/types"
	"github.com/rs/zerolog"
)

// Subscriber identifies one subscription of one connection.
type Subscriber struct {
	ConnectionID   string
	SubscriptionID string
}

// Subscriptions indexes subscriptions by connection and by destination.
// Both indexes change under the same lock.
type Subscriptions struct {
	mu     sync.RWMutex
	byConn map[string]map[string]string // connID -> subID -> destination
	byDest map[string]map[Subscriber]struct{}
	logger zerolog.Logger
}

// NewSubscriptions creates an empty subscription registry.
func NewSubscriptions(logger zerolog.Logger) *Subscriptions {
	return &Subscriptions{
		byConn: make(map[string]map[string]string),
		byDest: make(map[string]map[Subscriber]struct{}),
		logger: logger.With().Str("component", "subscriptions").Logger(),
	}
}

// Subscribe registers subID of connID on destination.
func (r *Subscriptions) Subscribe(connID, subID, destination string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.byConn[connID]
	if _, ok := subs[subID]; ok {
		return fmt.Errorf("%w: %q on %s", types.ErrDuplicateSubscriptionID, subID, connID)
	}
	if subs == nil {
		subs = make(map[string]string)
		r.byConn[connID] = subs
	}
	subs[subID] = destination

	if r.byDest[destination] == nil {
		r.byDest[destination] = make(map[Subscriber]struct{})
	}
	r.byDest[destination][Subscriber{ConnectionID: connID, SubscriptionID: subID}] = struct{}{}

	r.logger.Debug().
		Str("client_id", connID).
		Str("subscription_id", subID).
		Str("destination", destination).
		Msg("subscribed")
	return nil
}

// Unsubscribe removes subID of connID and returns the destination it was on.
func (r *Subscriptions) Unsubscribe(connID, subID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	destination, ok := r.byConn[connID][subID]
	if !ok {
		return "", fmt.Errorf("%w: %q on %s", types.ErrSubscriptionNotFound, subID, connID)
	}
	r.remove(connID, subID, destination)

	r.logger.Debug().
		Str("client_id", connID).
		Str("subscription_id", subID).
		Str("destination", destination).
		Msg("unsubscribed")
	return destination, nil
}

// SubscribersOf returns a snapshot of the subscribers of destination,
// ordered by connection then subscription id.
func (r *Subscriptions) SubscribersOf(destination string) []Subscriber {
	r.mu.RLock()
	set := r.byDest[destination]
	out := make([]Subscriber, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectionID != out[j].ConnectionID {
			return out[i].ConnectionID < out[j].ConnectionID
		}
		return out[i].SubscriptionID < out[j].SubscriptionID
	})
	return out
}

// PurgeConnection removes every subscription of connID and returns how many there were.
func (r *Subscriptions) PurgeConnection(connID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.byConn[connID]
	n := len(subs)
	for subID, destination := range subs {
		r.remove(connID, subID, destination)
	}
	delete(r.byConn, connID)
	return n
}

// ForConnection returns a copy of the subscriptions of connID (subID -> destination).
func (r *Subscriptions) ForConnection(connID string) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := r.byConn[connID]
	out := make(map[string]string, len(subs))
	for id, d := range subs {
		out[id] = d
	}
	return out
}

// Destinations returns destination names with their subscriber counts.
func (r *Subscriptions) Destinations() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]int, len(r.byDest))
	for d, subs := range r.byDest {
		result[d] = len(subs)
	}
	return result
}

// remove must be called with mu held.
func (r *Subscriptions) remove(connID, subID, destination string) {
	if subs := r.byConn[connID]; subs != nil {
		delete(subs, subID)
		if len(subs) == 0 {
			delete(r.byConn, connID)
		}
	}
	if set := r.byDest[destination]; set != nil {
		delete(set, Subscriber{ConnectionID: connID, SubscriptionID: subID})
		if len(set) == 0 {
			delete(r.byDest, destination)
		}
	}
}
