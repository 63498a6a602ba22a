// Copyright (C) 2019-2025, Lux Partners Limited. All rights reserved.
// See the file LICENSE for licensing terms.

package ima

import (
	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/geth/common"
)

var _ Signer = (*signer)(nil)

// Signer signs batch digests with one BLS key
type Signer interface {
	Sign(digest common.Hash) (*bls.Signature, error)
	PublicKey() *bls.PublicKey
}

// NewSigner creates a new batch digest signer
func NewSigner(sk *bls.SecretKey) Signer {
	return &signer{
		sk: sk,
		pk: sk.PublicKey(),
	}
}

type signer struct {
	sk *bls.SecretKey
	pk *bls.PublicKey
}

func (s *signer) Sign(digest common.Hash) (*bls.Signature, error) {
	return s.sk.Sign(digest[:])
}

func (s *signer) PublicKey() *bls.PublicKey {
	return s.pk
}
