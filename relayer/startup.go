// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package relayer

import (
	"context"
	"errors"
	"time"

	"github.com/luxfi/ima/utils"
	"github.com/luxfi/log"
	"golang.org/x/sync/errgroup"
)

var errNotConnected = errors.New("channel not connected on both sides")

// WaitForChannels blocks until every channel is reachable and connected on
// both chains, or returns an error once timeout elapses.
func WaitForChannels(
	ctx context.Context,
	logger log.Logger,
	relayers []*ChannelRelayer,
	timeout time.Duration,
) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, r := range relayers {
		eg.Go(func() error {
			logger.Info("Checking channel connection", log.Stringer("channel", r.Key()))
			checkConnected := func() error {
				connected, err := r.isConnected(ctx)
				if err != nil {
					return err
				}
				if !connected {
					r.connected.Invalidate(r.key.Source)
					r.connected.Invalidate(r.key.Destination)
					return errNotConnected
				}
				return nil
			}
			if err := utils.WithRetriesTimeout(ctx, logger, checkConnected, timeout, "connect channel"); err != nil {
				logger.Error("Channel did not connect",
					log.Stringer("channel", r.Key()),
					log.Err(err),
				)
				return err
			}
			logger.Info("Channel connected", log.Stringer("channel", r.Key()))
			return nil
		})
	}
	return eg.Wait()
}
