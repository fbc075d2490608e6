// Copyright (C) 2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package utils

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/luxfi/log"
)

// WithRetriesTimeout uses an exponential backoff to run the operation until it
// succeeds or timeout limit has been reached. Errors wrapped with
// backoff.Permanent stop the retries immediately.
func WithRetriesTimeout(
	logger log.Logger,
	operation backoff.Operation,
	timeout time.Duration,
) error {
	expBackOff := backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(timeout),
	)
	notify := func(err error, duration time.Duration) {
		logger.Warn("operation failed, retrying...",
			log.Err(err),
			log.Stringer("backoff", duration),
		)
	}
	return backoff.RetryNotify(operation, expBackOff, notify)
}

// WithMaxRetries runs the operation at most maxRetries+1 times, waiting
// interval between attempts.
func WithMaxRetries(
	logger log.Logger,
	operation backoff.Operation,
	maxRetries uint64,
	interval time.Duration,
) error {
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), maxRetries)
	notify := func(err error, _ time.Duration) {
		logger.Debug("attempt failed", log.Err(err))
	}
	return backoff.RetryNotify(operation, policy, notify)
}
