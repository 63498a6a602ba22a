// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

// Package signer produces the validator signatures that admit a batch on its
// destination. A LocalNode signs only what its own chain's log holds; the
// Aggregator collects node signatures until a quorum of weight has signed.
package signer

import (
	"context"
	"errors"
	"fmt"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/ids"
	"github.com/luxfi/ima"
	"github.com/luxfi/ima/cache"
	"github.com/luxfi/log"
)

const defaultSignedDigestCacheSize = 1024

var (
	_ Node    = (*LocalNode)(nil)
	_ Service = (*ThresholdSigner)(nil)

	errWrongSourceChain = errors.New("batch is not from this chain")
	errMessageMismatch  = errors.New("batch does not match the outgoing log")
)

// Service turns a batch read from a source chain into the signature its
// destination verifies.
type Service interface {
	SignBatch(ctx context.Context, destination ids.ID, batch *ima.MessageBatch) ([]byte, error)
}

// Node is one validator of a source chain
type Node interface {
	Sign(ctx context.Context, destination ids.ID, batch *ima.MessageBatch) (*bls.Signature, error)
	PublicKey() *bls.PublicKey
}

// MessageReader reads a chain's outgoing log
type MessageReader interface {
	OutgoingMessages(ctx context.Context, peer ids.ID, from, to uint64) ([]*ima.OutgoingMessage, error)
}

// LocalNode signs batches with a local BLS key after checking every message
// against the outgoing log of its own chain.
type LocalNode struct {
	logger  log.Logger
	chainID ids.ID
	signer  ima.Signer
	log     MessageReader
	// digest -> signature; a digest binds the whole batch so a hit needs no
	// second look at the log
	signed *cache.LRUCache[common.Hash, *bls.Signature]
}

func NewLocalNode(logger log.Logger, chainID ids.ID, sk *bls.SecretKey, reader MessageReader) *LocalNode {
	return &LocalNode{
		logger:  logger,
		chainID: chainID,
		signer:  ima.NewSigner(sk),
		log:     reader,
		signed:  cache.NewLRUCache[common.Hash, *bls.Signature](defaultSignedDigestCacheSize),
	}
}

func (n *LocalNode) PublicKey() *bls.PublicKey {
	return n.signer.PublicKey()
}

// Sign signs the batch digest if and only if the batch is exactly the range
// [StartingCounter, EndCounter) of the log toward destination.
func (n *LocalNode) Sign(ctx context.Context, destination ids.ID, batch *ima.MessageBatch) (*bls.Signature, error) {
	if batch == nil {
		return nil, ima.ErrInvalidBatch
	}
	if batch.SourceChainID != n.chainID {
		return nil, fmt.Errorf("%w: source %s, node %s", errWrongSourceChain, batch.SourceChainID, n.chainID)
	}
	if err := batch.Verify(); err != nil {
		return nil, err
	}

	return n.signed.Get(batch.Digest(), func(digest common.Hash) (*bls.Signature, error) {
		if err := n.checkLog(ctx, destination, batch); err != nil {
			n.logger.Warn("Refusing to sign batch",
				log.Stringer("destination", destination),
				log.Uint64("startingCounter", batch.StartingCounter),
				log.Err(err),
			)
			return nil, err
		}
		return n.signer.Sign(digest)
	}, false)
}

func (n *LocalNode) checkLog(ctx context.Context, destination ids.ID, batch *ima.MessageBatch) error {
	logged, err := n.log.OutgoingMessages(ctx, destination, batch.StartingCounter, batch.EndCounter())
	if err != nil {
		return fmt.Errorf("failed to read outgoing log: %w", err)
	}
	if len(logged) != len(batch.Messages) {
		return fmt.Errorf("%w: log holds %d of %d messages", errMessageMismatch, len(logged), len(batch.Messages))
	}
	for i, m := range batch.Messages {
		if !m.Equal(logged[i]) {
			return fmt.Errorf("%w: message %d differs", errMessageMismatch, m.Counter)
		}
	}
	return nil
}

// ThresholdSigner serves chains whose validator key is a single threshold
// BLS key. The signature is the raw BLS signature of the node.
type ThresholdSigner struct {
	node Node
}

func NewThresholdSigner(node Node) *ThresholdSigner {
	return &ThresholdSigner{node: node}
}

func (s *ThresholdSigner) SignBatch(ctx context.Context, destination ids.ID, batch *ima.MessageBatch) ([]byte, error) {
	sig, err := s.node.Sign(ctx, destination, batch)
	if err != nil {
		return nil, err
	}
	return bls.SignatureToBytes(sig), nil
}

// ValidatorKey is the channel validator key of a threshold signer
func (s *ThresholdSigner) ValidatorKey() []byte {
	return bls.PublicKeyToCompressedBytes(s.node.PublicKey())
}
