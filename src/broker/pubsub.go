package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/orchestra-mcp/broker/src/destination"
	"github.com/orchestra-mcp/broker/src/pipeline"
	"github.com/orchestra-mcp/broker/src/registry"
	"github.com/orchestra-mcp/broker/src/types"
)

// Publish fans payload out to every subscriber of dest and returns the
// number of outbound jobs queued. Delivery is asynchronous and not awaited.
// The publish is also forwarded to the bridge when one is attached.
func (b *Broker) Publish(dest string, payload json.RawMessage) (int, error) {
	n, err := b.publish(dest, payload)
	if err != nil {
		return 0, err
	}
	b.publishToBridge(dest, payload)
	return n, nil
}

// PublishLocal delivers a message from the bridge to local subscribers only.
// It does not re-publish to the bridge, preventing loops.
func (b *Broker) PublishLocal(dest string, payload json.RawMessage) {
	if _, err := b.publish(dest, payload); err != nil {
		b.logger.Warn().Err(err).Str("destination", dest).Msg("relayed publish rejected")
	}
}

func (b *Broker) publish(dest string, payload json.RawMessage) (int, error) {
	d, err := b.matcher.Routable(dest)
	if err != nil {
		return 0, err
	}

	var targets []string
	scoped := false
	switch d.Kind {
	case destination.Application:
		return 0, fmt.Errorf("%w: %s destinations only accept client messages", types.ErrInvalidDestination, d.Kind)
	case destination.User:
		if targets, err = b.translator.Translate(dest); err != nil {
			return 0, err
		}
		if len(targets) == 0 {
			b.logger.Debug().Str("destination", dest).Msg("no live sessions, message dropped")
			return 0, nil
		}
		scoped = true
	default:
		targets = []string{dest}
	}

	msgID := uuid.NewString()
	now := time.Now()
	queued := 0
	for _, target := range targets {
		key := target
		if scoped {
			key = destination.SessionKey(target)
		}
		for _, s := range b.subs.SubscribersOf(key) {
			frame := types.Frame{
				Command:      types.CommandMessage,
				Destination:  target,
				Subscription: s.SubscriptionID,
				MessageID:    msgID,
				Payload:      payload,
				Timestamp:    now,
			}
			if b.enqueueDelivery(s, frame) {
				queued++
			}
		}
	}
	return queued, nil
}

// enqueueDelivery queues one MESSAGE frame for one subscriber. Failures are
// logged and never reach the publisher.
func (b *Broker) enqueueDelivery(s registry.Subscriber, frame types.Frame) bool {
	c, ok := b.client(s.ConnectionID)
	if !ok {
		return false
	}
	err := b.outbound.Submit(pipeline.Job{
		Key: c.ID,
		Run: func(ctx context.Context) error {
			return b.deliver(ctx, c, frame)
		},
	})
	if err != nil {
		b.logger.Warn().Err(err).
			Str("client_id", c.ID).
			Str("destination", frame.Destination).
			Msg("outbound delivery not queued")
		return false
	}
	return true
}

// reply queues a CONNECTED, RECEIPT or ERROR frame for one client. Replies
// count against outbound capacity like any delivery.
func (b *Broker) reply(c *Client, frame types.Frame) {
	b.submitOutbound(c, frame, false)
}

// keepalive queues a HEARTBEAT frame ahead of capacity checks.
func (b *Broker) keepalive(c *Client, now time.Time) {
	b.submitOutbound(c, types.Frame{Command: types.CommandHeartbeat, Timestamp: now}, true)
}

func (b *Broker) submitOutbound(c *Client, frame types.Frame, urgent bool) {
	err := b.outbound.Submit(pipeline.Job{
		Key:    c.ID,
		Urgent: urgent,
		Run: func(ctx context.Context) error {
			return b.deliver(ctx, c, frame)
		},
	})
	if err != nil {
		b.logger.Debug().Err(err).Str("client_id", c.ID).Str("command", string(frame.Command)).Msg("reply not queued")
	}
}

// deliver writes a frame to a client. Frames for closed clients are
// skipped. A client that cannot take a frame within the send time limit
// is disconnected.
func (b *Broker) deliver(ctx context.Context, c *Client, frame types.Frame) error {
	if c.isClosed() {
		return nil
	}
	err := c.write(ctx, frame, b.cfg.SendTimeLimit())
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errSendTimeLimit), isTimeout(err):
		b.logger.Warn().
			Str("client_id", c.ID).
			Dur("limit", b.cfg.SendTimeLimit()).
			Msg("send time limit exceeded, closing connection")
		b.Disconnect(c.ID)
	case errors.Is(err, types.ErrClosed), errors.Is(err, context.Canceled):
		return nil
	default:
		b.logger.Warn().Err(err).
			Str("client_id", c.ID).
			Str("command", string(frame.Command)).
			Msg("delivery failed")
	}
	return fmt.Errorf("%w: %s: %v", types.ErrDeliveryFailed, c.ID, err)
}

// isTimeout reports whether err is a transport write deadline firing.
func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// publishToBridge forwards a publish to the bridge if one is attached.
func (b *Broker) publishToBridge(dest string, payload json.RawMessage) {
	b.mu.RLock()
	br := b.bridge
	b.mu.RUnlock()

	if br == nil || !br.Available() {
		return
	}
	if err := br.Publish(dest, payload); err != nil {
		b.logger.Error().Err(err).Msg("bridge publish failed")
	}
}
