// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

// Package admission decides whether a signed batch may be dispatched. A batch
// is admitted whole or not at all.
package admission

import (
	"fmt"

	"github.com/luxfi/ids"
	"github.com/luxfi/ima"
	"github.com/luxfi/ima/channel"
)

// ChannelReader is the read side of a channel.Store
type ChannelReader interface {
	Get(peer ids.ID) (channel.Channel, error)
}

// Gate admits batches from peer chains
type Gate struct {
	channels ChannelReader
	verifier ima.Verifier
}

func New(channels ChannelReader, verifier ima.Verifier) *Gate {
	return &Gate{
		channels: channels,
		verifier: verifier,
	}
}

// Admit returns nil if batch may be dispatched on the channel from src.
//
// Checks run in order: the batch is well formed, the channel is known and
// connected, the batch starts at the channel's incoming counter, and the
// signature verifies against the peer's validator key. The counter check is
// the replay protection: a batch that was already processed starts below the
// incoming counter.
func (g *Gate) Admit(src ids.ID, batch *ima.MessageBatch) error {
	if batch == nil {
		return fmt.Errorf("%w: nil batch", ima.ErrInvalidBatch)
	}
	if batch.SourceChainID != src {
		return fmt.Errorf("%w: batch from %s submitted for %s", ima.ErrInvalidBatch, batch.SourceChainID, src)
	}
	if err := batch.Verify(); err != nil {
		return err
	}

	c, err := g.channels.Get(src)
	if err != nil {
		return err
	}
	if !c.Connected() {
		return fmt.Errorf("%w: %s is %s", ima.ErrChannelDisconnected, src, c.State)
	}
	if err := channel.CheckStartingCounter(c.IncomingCounter, batch.StartingCounter); err != nil {
		return err
	}
	if len(batch.Signature) == 0 || !g.verifier.Verify(c.ValidatorKey, batch.Digest(), batch.Signature) {
		return fmt.Errorf("%w: batch %d..%d from %s", ima.ErrInvalidSignature, batch.StartingCounter, batch.EndCounter(), src)
	}
	return nil
}
