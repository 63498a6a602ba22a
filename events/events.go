// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

// Package events defines the audit events a ledger emits and an in-memory
// journal that records and fans them out.
package events

import (
	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/ids"
)

// Kind identifies an event type
type Kind uint8

const (
	KindMessagePosted Kind = iota
	KindMessageDelivered
	KindMessageFailed
	KindBatchProcessed
	KindPeerConnected
	KindPeerDisconnected
	KindDestinationRegistered
	KindDestinationRevoked
	KindSenderRegistered
	KindSenderRemoved
	KindDeposited
	KindWithdrawn
	KindCharged
)

func (k Kind) String() string {
	switch k {
	case KindMessagePosted:
		return "message_posted"
	case KindMessageDelivered:
		return "message_delivered"
	case KindMessageFailed:
		return "message_failed"
	case KindBatchProcessed:
		return "batch_processed"
	case KindPeerConnected:
		return "peer_connected"
	case KindPeerDisconnected:
		return "peer_disconnected"
	case KindDestinationRegistered:
		return "destination_registered"
	case KindDestinationRevoked:
		return "destination_revoked"
	case KindSenderRegistered:
		return "sender_registered"
	case KindSenderRemoved:
		return "sender_removed"
	case KindDeposited:
		return "deposited"
	case KindWithdrawn:
		return "withdrawn"
	case KindCharged:
		return "charged"
	default:
		return "unknown"
	}
}

// Event is anything a ledger records for audit
type Event interface {
	Kind() Kind
}

// MessagePosted is emitted when the outgoing log assigns a counter
type MessagePosted struct {
	Source              ids.ID
	Destination         ids.ID
	Counter             uint64
	Sender              common.Address
	DestinationContract common.Address
	Payload             []byte
}

// MessageDelivered is emitted when a destination contract accepted a call
type MessageDelivered struct {
	Source              ids.ID
	Counter             uint64
	Sender              common.Address
	DestinationContract common.Address
}

// MessageFailed is emitted when a message was processed without effect
type MessageFailed struct {
	Source              ids.ID
	Counter             uint64
	Sender              common.Address
	DestinationContract common.Address
	Reason              string
}

// BatchProcessed is emitted once per dispatched batch
type BatchProcessed struct {
	Source          ids.ID
	StartingCounter uint64
	Count           int
	Delivered       int
	Failed          int
}

type PeerConnected struct {
	Peer         ids.ID
	Counterparts []common.Address
}

type PeerDisconnected struct {
	Peer ids.ID
}

type DestinationRegistered struct {
	SourceChain         ids.ID
	SourceContract      common.Address
	DestinationContract common.Address
}

type DestinationRevoked struct {
	SourceChain         ids.ID
	SourceContract      common.Address
	DestinationContract common.Address
}

type SenderRegistered struct {
	DestinationChain ids.ID
	Sender           common.Address
}

type SenderRemoved struct {
	DestinationChain ids.ID
	Sender           common.Address
}

// Deposited credits a chain wallet, or a user pool when User is set
type Deposited struct {
	Chain  ids.ID
	User   *common.Address
	Amount *uint256.Int
}

// Withdrawn debits a chain wallet, or a user pool when User is set
type Withdrawn struct {
	Chain  ids.ID
	User   *common.Address
	Amount *uint256.Int
}

// Charged records the relay cost debited for a batch
type Charged struct {
	Chain  ids.ID
	Amount *uint256.Int
	Users  map[common.Address]*uint256.Int
}

func (MessagePosted) Kind() Kind         { return KindMessagePosted }
func (MessageDelivered) Kind() Kind      { return KindMessageDelivered }
func (MessageFailed) Kind() Kind         { return KindMessageFailed }
func (BatchProcessed) Kind() Kind        { return KindBatchProcessed }
func (PeerConnected) Kind() Kind         { return KindPeerConnected }
func (PeerDisconnected) Kind() Kind      { return KindPeerDisconnected }
func (DestinationRegistered) Kind() Kind { return KindDestinationRegistered }
func (DestinationRevoked) Kind() Kind    { return KindDestinationRevoked }
func (SenderRegistered) Kind() Kind      { return KindSenderRegistered }
func (SenderRemoved) Kind() Kind         { return KindSenderRemoved }
func (Deposited) Kind() Kind             { return KindDeposited }
func (Withdrawn) Kind() Kind             { return KindWithdrawn }
func (Charged) Kind() Kind               { return KindCharged }
