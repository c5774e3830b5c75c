package providers

import (
	"github.com/orchestra-mcp/broker/src/bridge"
	"github.com/orchestra-mcp/broker/src/broker"
	"github.com/orchestra-mcp/broker/src/types"
)

// Compile-time interface assertions.
var (
	_ types.Conn            = (*wsConn)(nil)
	_ bridge.Bridge         = (*bridge.RedisBridge)(nil)
	_ broker.MessageBridge  = (*bridge.RedisBridge)(nil)
	_ bridge.LocalPublisher = (*broker.Broker)(nil)
)
