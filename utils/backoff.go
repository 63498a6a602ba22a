// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package utils

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/luxfi/log"
)

// DefaultRPCTimeout bounds a single call to a chain endpoint
const DefaultRPCTimeout = 5 * time.Second

// WithRetriesTimeout runs operation with exponential backoff until it
// succeeds, returns a backoff.Permanent error, ctx is done or timeout elapses.
func WithRetriesTimeout(
	ctx context.Context,
	logger log.Logger,
	operation backoff.Operation,
	timeout time.Duration,
	description string,
) error {
	expBackOff := backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(timeout),
	)
	return retry(ctx, logger, operation, expBackOff, description)
}

// WithMaxRetries runs operation at most maxRetries+1 times, waiting an
// exponentially growing interval starting at initialInterval between tries.
func WithMaxRetries(
	ctx context.Context,
	logger log.Logger,
	operation backoff.Operation,
	maxRetries uint64,
	initialInterval time.Duration,
	description string,
) error {
	expBackOff := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(initialInterval),
		backoff.WithMaxElapsedTime(0),
	)
	return retry(ctx, logger, operation, backoff.WithMaxRetries(expBackOff, maxRetries), description)
}

func retry(
	ctx context.Context,
	logger log.Logger,
	operation backoff.Operation,
	b backoff.BackOff,
	description string,
) error {
	notify := func(err error, next time.Duration) {
		logger.Warn("operation failed, retrying",
			log.String("operation", description),
			log.Stringer("retryIn", next),
			log.Err(err),
		)
	}
	return backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify)
}
