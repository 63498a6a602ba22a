// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package signer

import (
	"sync"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/common/lru"
)

type SignatureBytes [bls.SignatureLen]byte

// SignatureCache keeps the validator signatures collected for recent batch
// digests so that a retried aggregation only asks the missing validators.
type SignatureCache struct {
	mu sync.Mutex
	// digest -> compressed public key -> signature
	signatures *lru.Cache[common.Hash, map[string]SignatureBytes]
}

func NewSignatureCache(size int) *SignatureCache {
	return &SignatureCache{
		signatures: lru.NewCache[common.Hash, map[string]SignatureBytes](size),
	}
}

// Get returns a copy of the signatures cached for digest
func (c *SignatureCache) Get(digest common.Hash) map[string]SignatureBytes {
	c.mu.Lock()
	defer c.mu.Unlock()

	sigs, ok := c.signatures.Get(digest)
	if !ok {
		return nil
	}
	out := make(map[string]SignatureBytes, len(sigs))
	for pk, sig := range sigs {
		out[pk] = sig
	}
	return out
}

// Add caches one signature. The signatures per digest are bounded by the
// validator set size.
func (c *SignatureCache) Add(digest common.Hash, pk string, sig SignatureBytes) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sigs, ok := c.signatures.Get(digest)
	if !ok {
		sigs = make(map[string]SignatureBytes)
	}
	sigs[pk] = sig
	c.signatures.Add(digest, sigs)
}
