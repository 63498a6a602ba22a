// Copyright (C) 2019-2025, Lux Partners Limited. All rights reserved.
// See the file LICENSE for licensing terms.

package ima

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/luxfi/geth/common"
	"github.com/luxfi/ids"
)

const (
	CodecVersion   = 0
	MaxPayloadSize = 64 * KiB
	MaxBatchSize   = 64
)

// OutgoingMessage is one entry of a source chain's outgoing log.
type OutgoingMessage struct {
	Counter     uint64         `serialize:"true"`
	Sender      common.Address `serialize:"true"`
	Destination common.Address `serialize:"true"`
	Payload     []byte         `serialize:"true"`
}

// Verify checks the message bounds
func (m *OutgoingMessage) Verify() error {
	if len(m.Payload) > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes exceeds maximum %d", ErrPayloadTooLarge, len(m.Payload), MaxPayloadSize)
	}
	return nil
}

// Equal returns true if both messages carry the same counter, endpoints and payload.
func (m *OutgoingMessage) Equal(other *OutgoingMessage) bool {
	if m == nil || other == nil {
		return m == other
	}
	return m.Counter == other.Counter &&
		m.Sender == other.Sender &&
		m.Destination == other.Destination &&
		bytes.Equal(m.Payload, other.Payload)
}

// MessageBatch is a signed, contiguous run of outgoing messages submitted to
// a destination chain in a single dispatch.
type MessageBatch struct {
	SourceChainID   ids.ID             `serialize:"true"`
	StartingCounter uint64             `serialize:"true"`
	Messages        []*OutgoingMessage `serialize:"true"`
	Signature       []byte             `serialize:"true"`
}

// NewMessageBatch creates an unsigned batch and checks that it is well formed
func NewMessageBatch(sourceChainID ids.ID, startingCounter uint64, messages []*OutgoingMessage) (*MessageBatch, error) {
	batch := &MessageBatch{
		SourceChainID:   sourceChainID,
		StartingCounter: startingCounter,
		Messages:        messages,
	}
	if err := batch.Verify(); err != nil {
		return nil, err
	}
	return batch, nil
}

// Verify checks that the batch is non-empty, bounded and that counters run
// contiguously from StartingCounter.
func (b *MessageBatch) Verify() error {
	if len(b.Messages) == 0 {
		return fmt.Errorf("%w: empty batch", ErrInvalidBatch)
	}
	if len(b.Messages) > MaxBatchSize {
		return fmt.Errorf("%w: %d messages exceeds maximum %d", ErrInvalidBatch, len(b.Messages), MaxBatchSize)
	}
	if _, err := AddUint64(b.StartingCounter, uint64(len(b.Messages))); err != nil {
		return fmt.Errorf("%w: counter range overflows", ErrInvalidBatch)
	}
	for i, msg := range b.Messages {
		if msg == nil {
			return fmt.Errorf("%w: nil message at index %d", ErrInvalidBatch, i)
		}
		if want := b.StartingCounter + uint64(i); msg.Counter != want {
			return fmt.Errorf("%w: message %d has counter %d, expected %d", ErrInvalidBatch, i, msg.Counter, want)
		}
		if err := msg.Verify(); err != nil {
			return err
		}
	}
	return nil
}

// EndCounter returns the first counter after the batch.
func (b *MessageBatch) EndCounter() uint64 {
	return b.StartingCounter + uint64(len(b.Messages))
}

// Digest returns the canonical digest the validators sign.
func (b *MessageBatch) Digest() common.Hash {
	return BatchDigest(b.SourceChainID, b.StartingCounter, b.Messages)
}

// Bytes returns the RLP encoding of the batch
func (b *MessageBatch) Bytes() []byte {
	out, _ := Codec.Marshal(CodecVersion, b)
	return out
}

// Unsigned returns a copy of the batch without its signature.
func (b *MessageBatch) Unsigned() *MessageBatch {
	return &MessageBatch{
		SourceChainID:   b.SourceChainID,
		StartingCounter: b.StartingCounter,
		Messages:        b.Messages,
	}
}

// ParseBatch decodes and verifies a batch
func ParseBatch(raw []byte) (*MessageBatch, error) {
	batch := &MessageBatch{}
	if _, err := Codec.Unmarshal(raw, batch); err != nil {
		return nil, fmt.Errorf("failed to unmarshal batch: %w", err)
	}
	if err := batch.Verify(); err != nil {
		return nil, err
	}
	return batch, nil
}

// BatchDigest chains keccak256 over the source chain, the starting counter and
// every message:
//
//	h = keccak(sourceChainID || uint256(startingCounter))
//	h = keccak(h || pad32(sender) || pad32(destination) || payload)
func BatchDigest(sourceChainID ids.ID, startingCounter uint64, messages []*OutgoingMessage) common.Hash {
	counter := common.LeftPadBytes(new(big.Int).SetUint64(startingCounter).Bytes(), 32)
	h := common.Keccak256Hash(sourceChainID[:], counter)
	for _, msg := range messages {
		h = common.Keccak256Hash(
			h[:],
			common.LeftPadBytes(msg.Sender[:], 32),
			common.LeftPadBytes(msg.Destination[:], 32),
			msg.Payload,
		)
	}
	return h
}
