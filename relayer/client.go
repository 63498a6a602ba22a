// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package relayer

import (
	"context"

	"github.com/holiman/uint256"
	"github.com/luxfi/ids"
	"github.com/luxfi/ima"
)

// Client is the relayer's view of one chain. A chain is the source of the
// channel to its peer and the destination of the channel back.
type Client interface {
	ChainID() ids.ID

	// OutgoingCounter is the number of messages posted to peer
	OutgoingCounter(ctx context.Context, peer ids.ID) (uint64, error)
	// IncomingCounter is the number of messages from peer processed
	IncomingCounter(ctx context.Context, peer ids.ID) (uint64, error)
	IsConnected(ctx context.Context, peer ids.ID) (bool, error)
	// OutgoingMessages returns the messages posted to peer in [from, to)
	OutgoingMessages(ctx context.Context, peer ids.ID, from, to uint64) ([]*ima.OutgoingMessage, error)

	// Submit delivers a signed batch. Rejections are reported as errors that
	// ima.Classify understands.
	Submit(ctx context.Context, batch *ima.MessageBatch) error
}

// DryRunner is implemented by clients that can check a batch without
// submitting it.
type DryRunner interface {
	DryRun(ctx context.Context, batch *ima.MessageBatch) error
}

// BalanceReader is implemented by clients that expose the wallet paying for
// dispatch on their chain.
type BalanceReader interface {
	WalletBalance(ctx context.Context) (*uint256.Int, error)
}
