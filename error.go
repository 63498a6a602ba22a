// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package ima

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInvalidBatch            = errors.New("invalid batch")
	ErrPayloadTooLarge         = errors.New("payload too large")
	ErrUnknownChannel          = errors.New("unknown channel")
	ErrChannelDisconnected     = errors.New("channel disconnected")
	ErrCounterMismatch         = errors.New("counter mismatch")
	ErrStaleCounter            = fmt.Errorf("%w: stale starting counter", ErrCounterMismatch)
	ErrCounterAhead            = fmt.Errorf("%w: starting counter ahead of incoming counter", ErrCounterMismatch)
	ErrInvalidSignature        = errors.New("invalid signature")
	ErrInsufficientWeight      = errors.New("insufficient weight")
	ErrInvalidQuorum           = errors.New("invalid quorum")
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrUnauthorized            = errors.New("unauthorized")
	ErrUnauthorizedDestination = errors.New("destination not authorized for sender")
	ErrDeliveryFailed          = errors.New("delivery failed")
)

// Class groups errors by how a relay must react to them.
type Class uint8

const (
	// ClassNone is the class of a nil error.
	ClassNone Class = iota
	// ClassStale means the range was already relayed by someone else.
	ClassStale
	// ClassFunding means the destination wallet needs a top-up.
	ClassFunding
	// ClassProtocol means the batch was rejected and must not be retried blindly.
	ClassProtocol
	// ClassTransient covers network failures, timeouts and unknown errors.
	ClassTransient
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassStale:
		return "stale"
	case ClassFunding:
		return "funding"
	case ClassProtocol:
		return "protocol"
	case ClassTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Classify maps a dispatch error onto its Class.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrStaleCounter):
		return ClassStale
	case errors.Is(err, ErrInsufficientFunds):
		return ClassFunding
	case errors.Is(err, ErrCounterAhead),
		errors.Is(err, ErrInvalidSignature),
		errors.Is(err, ErrInsufficientWeight),
		errors.Is(err, ErrInvalidQuorum),
		errors.Is(err, ErrChannelDisconnected),
		errors.Is(err, ErrUnknownChannel),
		errors.Is(err, ErrInvalidBatch),
		errors.Is(err, ErrPayloadTooLarge),
		errors.Is(err, ErrUnauthorized):
		return ClassProtocol
	case errors.Is(err, context.Canceled):
		return ClassNone
	default:
		return ClassTransient
	}
}

// Error is a rejection carrying a numeric code, as reported by remote chains.
type Error struct {
	Code    int32
	Message string
}

// Rejection codes reported by a destination chain.
const (
	CodeUnknown int32 = iota
	CodeStaleCounter
	CodeCounterAhead
	CodeInvalidSignature
	CodeInsufficientFunds
	CodeDisconnected
	CodeInvalidBatch
	CodeInsufficientWeight
	CodeUnauthorized
)

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("ima error %d: %s", e.Code, e.Message)
}

// Unwrap maps the code back onto the matching sentinel so that errors.Is works
// across a remote boundary.
func (e *Error) Unwrap() error {
	switch e.Code {
	case CodeStaleCounter:
		return ErrStaleCounter
	case CodeCounterAhead:
		return ErrCounterAhead
	case CodeInvalidSignature:
		return ErrInvalidSignature
	case CodeInsufficientFunds:
		return ErrInsufficientFunds
	case CodeDisconnected:
		return ErrChannelDisconnected
	case CodeInvalidBatch:
		return ErrInvalidBatch
	case CodeInsufficientWeight:
		return ErrInsufficientWeight
	case CodeUnauthorized:
		return ErrUnauthorized
	default:
		return nil
	}
}
