// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package ledger

import (
	"context"

	"github.com/holiman/uint256"
	"github.com/luxfi/ids"
	"github.com/luxfi/ima"
	"github.com/luxfi/ima/channel"
	"github.com/luxfi/ima/relayer"
)

var (
	_ relayer.Client        = (*Client)(nil)
	_ relayer.DryRunner     = (*Client)(nil)
	_ relayer.BalanceReader = (*Client)(nil)
)

// Client serves a Ledger to the relayer in-process
type Client struct {
	ledger *Ledger
}

func NewClient(l *Ledger) *Client {
	return &Client{ledger: l}
}

func (c *Client) ChainID() ids.ID {
	return c.ledger.ChainID()
}

func (c *Client) OutgoingCounter(ctx context.Context, peer ids.ID) (uint64, error) {
	ch, err := c.channel(ctx, peer)
	if err != nil {
		return 0, err
	}
	return ch.OutgoingCounter, nil
}

func (c *Client) IncomingCounter(ctx context.Context, peer ids.ID) (uint64, error) {
	ch, err := c.channel(ctx, peer)
	if err != nil {
		return 0, err
	}
	return ch.IncomingCounter, nil
}

func (c *Client) IsConnected(ctx context.Context, peer ids.ID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return c.ledger.IsConnected(peer), nil
}

func (c *Client) OutgoingMessages(ctx context.Context, peer ids.ID, from, to uint64) ([]*ima.OutgoingMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.ledger.OutgoingMessages(peer, from, to), nil
}

func (c *Client) Submit(ctx context.Context, batch *ima.MessageBatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.ledger.Dispatch(batch.SourceChainID, batch)
	return err
}

func (c *Client) DryRun(ctx context.Context, batch *ima.MessageBatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.ledger.Simulate(batch.SourceChainID, batch)
}

func (c *Client) WalletBalance(ctx context.Context) (*uint256.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.ledger.BalanceOf(c.ledger.ChainID()), nil
}

func (c *Client) channel(ctx context.Context, peer ids.ID) (channel.Channel, error) {
	if err := ctx.Err(); err != nil {
		return channel.Channel{}, err
	}
	return c.ledger.Channel(peer)
}
