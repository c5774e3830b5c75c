package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/orchestra-mcp/broker/src/destination"
	"github.com/orchestra-mcp/broker/src/pipeline"
	"github.com/orchestra-mcp/broker/src/types"
)

// Subscribe registers subID of connID on dest. Destination problems are
// returned at once; a duplicate id is reported to the client as an ERROR
// frame once earlier frames from the same connection have been processed.
func (b *Broker) Subscribe(connID, subID, dest string) error {
	return b.HandleFrame(connID, types.Frame{
		Command:      types.CommandSubscribe,
		Subscription: subID,
		Destination:  dest,
	})
}

// Unsubscribe removes subID of connID.
func (b *Broker) Unsubscribe(connID, subID string) error {
	return b.HandleFrame(connID, types.Frame{
		Command:      types.CommandUnsubscribe,
		Subscription: subID,
	})
}

// Send delivers a client message to an application handler or publishes it
// to a broker destination. Unroutable destinations and a full inbound queue
// are rejected synchronously.
func (b *Broker) Send(connID, dest string, payload json.RawMessage) error {
	return b.HandleFrame(connID, types.Frame{
		Command:     types.CommandSend,
		Destination: dest,
		Payload:     payload,
	})
}

// HandleFrame validates a client frame and queues it on the inbound
// pipeline. Frames of one connection are processed in the order received.
func (b *Broker) HandleFrame(connID string, frame types.Frame) error {
	c, ok := b.client(connID)
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrUnknownConnection, connID)
	}

	if frame.Command == types.CommandHeartbeat {
		return b.inbound.Submit(pipeline.Job{
			Key:    connID,
			Urgent: true,
			Run: func(context.Context) error {
				c.touch()
				return nil
			},
		})
	}

	if !c.allow() {
		return fmt.Errorf("%w: rate limit exceeded for %s", types.ErrOverloaded, connID)
	}

	run, err := b.prepare(c, frame)
	if err != nil {
		return err
	}

	err = b.inbound.Submit(pipeline.Job{
		Key: connID,
		Run: func(ctx context.Context) error {
			return b.process(ctx, c, frame, run)
		},
	})
	if errors.Is(err, types.ErrOverloaded) {
		b.logger.Warn().Str("client_id", connID).Str("command", string(frame.Command)).Msg("inbound queue full, frame rejected")
	}
	return err
}

type inboundFunc func(ctx context.Context) error

// prepare performs the synchronous checks for a frame and returns the work
// to run on the inbound pipeline.
func (b *Broker) prepare(c *Client, frame types.Frame) (inboundFunc, error) {
	switch frame.Command {
	case types.CommandSubscribe:
		if frame.Subscription == "" {
			return nil, fmt.Errorf("%w: SUBSCRIBE without subscription id", types.ErrInvalidFrame)
		}
		target, err := b.subscriptionTarget(c, frame.Destination)
		if err != nil {
			return nil, err
		}
		return func(context.Context) error {
			return b.applySubscribe(c, frame.Subscription, target)
		}, nil

	case types.CommandUnsubscribe:
		if frame.Subscription == "" {
			return nil, fmt.Errorf("%w: UNSUBSCRIBE without subscription id", types.ErrInvalidFrame)
		}
		return func(context.Context) error {
			_, err := b.subs.Unsubscribe(c.ID, frame.Subscription)
			return err
		}, nil

	case types.CommandSend:
		d, err := b.matcher.Routable(frame.Destination)
		if err != nil {
			return nil, err
		}
		if d.Kind == destination.Application {
			h, ok := b.handlerFor(d.Raw)
			if !ok {
				return nil, fmt.Errorf("%w: no handler for %s", types.ErrDestinationNotFound, d.Raw)
			}
			return func(context.Context) error {
				return b.applyHandler(c, frame, h)
			}, nil
		}
		return func(context.Context) error {
			_, err := b.Publish(frame.Destination, frame.Payload)
			return err
		}, nil

	case types.CommandDisconnect:
		return func(ctx context.Context) error {
			if frame.Receipt != "" {
				_ = b.deliver(ctx, c, receiptFrame(frame.Receipt))
			}
			b.Disconnect(c.ID)
			return nil
		}, nil
	}
	return nil, fmt.Errorf("%w: unknown command %q", types.ErrInvalidFrame, frame.Command)
}

// process runs an inbound job and reports its outcome to the originating
// connection only.
func (b *Broker) process(ctx context.Context, c *Client, frame types.Frame, run inboundFunc) error {
	err := run(ctx)
	if err != nil {
		if !errors.Is(err, types.ErrUnknownConnection) {
			b.reply(c, types.ErrorFrame(err, frame.Receipt))
		}
		return err
	}
	if frame.Receipt != "" && frame.Command != types.CommandDisconnect {
		b.reply(c, receiptFrame(frame.Receipt))
	}
	return nil
}

// subscriptionTarget returns the destination a subscription is indexed
// under. User destinations are rewritten for the subscribing session and
// indexed under a session key no client can name.
func (b *Broker) subscriptionTarget(c *Client, raw string) (string, error) {
	d, err := b.matcher.Routable(raw)
	if err != nil {
		return "", err
	}
	switch d.Kind {
	case destination.Topic, destination.Queue:
		return raw, nil
	case destination.User:
		concrete, err := b.translator.ForSession(d, c.Principal, c.ID)
		if err != nil {
			return "", err
		}
		return destination.SessionKey(concrete), nil
	default:
		return "", fmt.Errorf("%w: %s destinations are not subscribable", types.ErrInvalidDestination, d.Kind)
	}
}

// applySubscribe holds mu so that a concurrent Disconnect cannot leave a
// subscription behind for a closed connection.
func (b *Broker) applySubscribe(c *Client, subID, target string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.clients[c.ID] != c {
		return fmt.Errorf("%w: %s", types.ErrUnknownConnection, c.ID)
	}
	return b.subs.Subscribe(c.ID, subID, target)
}

func (b *Broker) applyHandler(c *Client, frame types.Frame, h types.MessageHandler) error {
	msg := types.Message{
		ClientID:    c.ID,
		Principal:   c.Principal,
		Destination: frame.Destination,
		Payload:     frame.Payload,
		Timestamp:   time.Now(),
	}
	if err := h(c.ID, msg); err != nil {
		b.logger.Error().Err(err).Str("destination", frame.Destination).Str("client_id", c.ID).Msg("handler error")
		return err
	}
	return nil
}

func receiptFrame(receipt string) types.Frame {
	return types.Frame{
		Command:   types.CommandReceipt,
		ReceiptID: receipt,
		Timestamp: time.Now(),
	}
}
