package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/ratelimit"
	"github.com/orchestra-mcp/broker/src/destination"
	"github.com/orchestra-mcp/broker/src/types"
)

var errSendTimeLimit = errors.New("send time limit exceeded")

// Client is the broker's handle on one live connection.
type Client struct {
	ID          string
	Principal   string
	conn        types.Conn
	broker      *Broker
	connectedAt time.Time
	lastSeen    atomic.Int64
	limiter     *ratelimit.Bucket

	writeMu sync.Mutex
	mu      sync.Mutex
	closed  bool
	done    chan struct{}
}

func newClient(id, principal string, conn types.Conn, b *Broker) *Client {
	c := &Client{
		ID:          id,
		Principal:   principal,
		conn:        conn,
		broker:      b,
		connectedAt: time.Now(),
		done:        make(chan struct{}),
	}
	if rate := b.cfg.InboundRateLimit; rate > 0 {
		burst := int64(b.cfg.InboundRateBurst)
		if burst <= 0 {
			burst = int64(rate)
		}
		c.limiter = ratelimit.NewBucketWithRate(float64(rate), burst)
	}
	c.touch()
	return c
}

// Info returns metadata about this client. User subscriptions are listed
// under the translated destination the client receives MESSAGE frames on.
func (c *Client) Info() types.ClientInfo {
	subs := c.broker.subs.ForConnection(c.ID)
	for id, key := range subs {
		if concrete, ok := destination.FromSessionKey(key); ok {
			subs[id] = concrete
		}
	}
	return types.ClientInfo{
		ID:            c.ID,
		Principal:     c.Principal,
		ConnectedAt:   c.connectedAt,
		LastSeen:      c.LastSeen(),
		Subscriptions: subs,
	}
}

// LastSeen is the time the client last sent a frame.
func (c *Client) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

func (c *Client) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// allow takes one token from the client's inbound rate limit.
func (c *Client) allow() bool {
	return c.limiter == nil || c.limiter.TakeAvailable(1) > 0
}

// ReadPump reads frames from the connection and hands them to the broker
// until the connection fails, then disconnects the client. Reads that fail
// with types.ErrInvalidFrame are reported to the client and skipped.
func (c *Client) ReadPump() {
	defer c.broker.Disconnect(c.ID)

	for {
		var frame types.Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if errors.Is(err, types.ErrInvalidFrame) {
				c.broker.reply(c, types.ErrorFrame(err, ""))
				continue
			}
			if !c.isClosed() {
				c.broker.logger.Debug().Err(err).Str("client_id", c.ID).Msg("read failed")
			}
			return
		}
		c.touch()
		if err := c.broker.HandleFrame(c.ID, frame); err != nil {
			if errors.Is(err, types.ErrUnknownConnection) {
				return
			}
			c.broker.reply(c, types.ErrorFrame(err, frame.Receipt))
		}
	}
}

// write sends one frame, giving up after limit. A write that exceeds the
// limit closes the underlying connection.
func (c *Client) write(ctx context.Context, frame types.Frame, limit time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.isClosed() {
		return types.ErrClosed
	}

	errCh := make(chan error, 1)
	go func() { errCh <- c.conn.WriteJSON(frame) }()

	timer := time.NewTimer(limit)
	defer timer.Stop()

	select {
	case err := <-errCh:
		return err
	case <-timer.C:
		c.Close()
		return errSendTimeLimit
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection. It does not touch the registries; use
// Broker.Disconnect for a full teardown.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
		_ = c.conn.Close()
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
