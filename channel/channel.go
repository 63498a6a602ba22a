// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

// Package channel stores the per-peer counters and connection state of one
// chain's side of every directed channel.
package channel

import (
	"bytes"

	"github.com/luxfi/ids"
)

// State is the lifecycle state of a channel
type State uint8

const (
	Unconnected State = iota
	Connected
	Disconnected
)

func (s State) String() string {
	switch s {
	case Unconnected:
		return "unconnected"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Channel is the local record of the channel pair between this chain and a peer.
// OutgoingCounter counts messages posted from the local chain to the peer and
// IncomingCounter counts messages from the peer processed locally.
type Channel struct {
	LocalChainID    ids.ID
	PeerChainID     ids.ID
	OutgoingCounter uint64
	IncomingCounter uint64
	State           State
	// ValidatorKey is the peer chain's current validator public key, in the
	// encoding expected by the configured ima.Verifier.
	ValidatorKey []byte
}

// Connected reports whether batches may currently be admitted.
func (c Channel) Connected() bool {
	return c.State == Connected
}

// Equal compares two channel records
func (c Channel) Equal(other Channel) bool {
	return c.LocalChainID == other.LocalChainID &&
		c.PeerChainID == other.PeerChainID &&
		c.OutgoingCounter == other.OutgoingCounter &&
		c.IncomingCounter == other.IncomingCounter &&
		c.State == other.State &&
		bytes.Equal(c.ValidatorKey, other.ValidatorKey)
}
