// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ima

import (
	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/geth/common"
)

const (
	DefaultQuorumNumerator   = 67
	DefaultQuorumDenominator = 100
)

var (
	_ Verifier = ThresholdVerifier{}
	_ Verifier = (*QuorumVerifier)(nil)
	_ Verifier = VerifierFunc(nil)
)

// Verifier checks an aggregate signature over a batch digest against the
// source chain's validator key.
type Verifier interface {
	Verify(publicKey []byte, digest common.Hash, signature []byte) bool
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(publicKey []byte, digest common.Hash, signature []byte) bool

func (f VerifierFunc) Verify(publicKey []byte, digest common.Hash, signature []byte) bool {
	return f(publicKey, digest, signature)
}

// ThresholdVerifier verifies signatures made by a single (threshold) BLS key.
// The validator key is the compressed public key and the signature is the raw
// BLS signature.
type ThresholdVerifier struct{}

func (ThresholdVerifier) Verify(publicKey []byte, digest common.Hash, signature []byte) bool {
	pk, err := bls.PublicKeyFromCompressedBytes(publicKey)
	if err != nil {
		return false
	}
	sig, err := bls.SignatureFromBytes(signature)
	if err != nil {
		return false
	}
	return bls.Verify(pk, sig, digest[:])
}

// QuorumVerifier verifies BitSetSignatures against a validator set encoded by
// CanonicalValidatorSet.Bytes, requiring QuorumNum/QuorumDen of the weight.
type QuorumVerifier struct {
	QuorumNum uint64
	QuorumDen uint64
}

// NewQuorumVerifier returns a verifier with the default 67% quorum
func NewQuorumVerifier() *QuorumVerifier {
	return &QuorumVerifier{
		QuorumNum: DefaultQuorumNumerator,
		QuorumDen: DefaultQuorumDenominator,
	}
}

func (q *QuorumVerifier) Verify(publicKey []byte, digest common.Hash, signature []byte) bool {
	return q.Check(publicKey, digest, signature) == nil
}

// Check is Verify with the failure reason attached.
func (q *QuorumVerifier) Check(publicKey []byte, digest common.Hash, signature []byte) error {
	vdrSet, err := ParseValidatorSet(publicKey)
	if err != nil {
		return err
	}
	sig, err := ParseBitSetSignature(signature)
	if err != nil {
		return err
	}
	signedWeight, err := sig.GetSignedWeight(vdrSet.Validators())
	if err != nil {
		return err
	}
	if err := VerifyWeight(signedWeight, vdrSet.TotalWeight(), q.QuorumNum, q.QuorumDen); err != nil {
		return err
	}
	return sig.Verify(digest[:], vdrSet.Validators())
}
