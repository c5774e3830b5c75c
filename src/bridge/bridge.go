// Package bridge relays publishes between broker instances.
package bridge

import "encoding/json"

// Bridge defines the interface for cross-instance publish relaying.
type Bridge interface {
	// Publish sends a publish to all other instances via the bridge.
	Publish(destination string, payload json.RawMessage) error

	// Start begins listening for publishes from other instances.
	Start() error

	// Stop shuts down the bridge connection.
	Stop() error

	// Available reports whether the bridge is connected and operational.
	Available() bool
}

// LocalPublisher is implemented by the broker to receive relayed publishes.
// Relayed publishes must not be forwarded to the bridge again.
type LocalPublisher interface {
	PublishLocal(destination string, payload json.RawMessage)
}
