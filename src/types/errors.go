package types

import (
	"errors"
	"time"
)

var (
	ErrInvalidDestination      = errors.New("broker: invalid destination")
	ErrDestinationNotFound     = errors.New("broker: destination not found")
	ErrDuplicateSubscriptionID = errors.New("broker: duplicate subscription id")
	ErrSubscriptionNotFound    = errors.New("broker: subscription not found")
	ErrSessionUnreachable      = errors.New("broker: session unreachable")
	ErrOverloaded              = errors.New("broker: overloaded")
	ErrDeliveryFailed          = errors.New("broker: delivery failed")
	ErrUnknownConnection       = errors.New("broker: unknown connection")
	ErrDuplicateConnection     = errors.New("broker: duplicate connection")
	ErrInvalidFrame            = errors.New("broker: invalid frame")
	ErrClosed                  = errors.New("broker: closed")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrInvalidDestination, "invalid_destination"},
	{ErrDestinationNotFound, "destination_not_found"},
	{ErrDuplicateSubscriptionID, "duplicate_subscription_id"},
	{ErrSubscriptionNotFound, "subscription_not_found"},
	{ErrSessionUnreachable, "session_unreachable"},
	{ErrOverloaded, "overloaded"},
	{ErrDeliveryFailed, "delivery_failed"},
	{ErrUnknownConnection, "unknown_connection"},
	{ErrDuplicateConnection, "duplicate_connection"},
	{ErrInvalidFrame, "invalid_frame"},
	{ErrClosed, "closed"},
}

// ErrorCode maps an error to a stable machine-readable code.
func ErrorCode(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return "internal_error"
}

// ErrorFrame builds the ERROR frame reported to the client whose request caused err.
func ErrorFrame(err error, receipt string) Frame {
	return Frame{
		Command:   CommandError,
		Code:      ErrorCode(err),
		Message:   err.Error(),
		ReceiptID: receipt,
		Timestamp: time.Now(),
	}
}
