// Copyright (C) 2019-2025, Lux Partners Limited. All rights reserved.
// See the file LICENSE for licensing terms.

package ima

import (
	"errors"
	"fmt"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/math/set"
)

var errNoSigners = errors.New("no signers")

// BitSetSignature is an aggregate signature together with a bitset naming the
// canonical validator indices that contributed to it.
type BitSetSignature struct {
	Signers   []byte                 `serialize:"true"`
	Signature [bls.SignatureLen]byte `serialize:"true"`
}

// NewBitSetSignature creates a new bit set signature
func NewBitSetSignature(signers set.Bits, signature *bls.Signature) *BitSetSignature {
	s := &BitSetSignature{
		Signers: signers.Bytes(),
	}
	copy(s.Signature[:], bls.SignatureToBytes(signature))
	return s
}

// ParseBitSetSignature decodes a signature produced by Bytes
func ParseBitSetSignature(b []byte) (*BitSetSignature, error) {
	s := &BitSetSignature{}
	if _, err := Codec.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	return s, nil
}

// Bytes returns the RLP encoding of the signature
func (s *BitSetSignature) Bytes() []byte {
	b, _ := Codec.Marshal(CodecVersion, s)
	return b
}

func (s *BitSetSignature) signerBits(numValidators int) (set.Bits, error) {
	signers := set.BitsFromBytes(s.Signers)
	if signers.Len() == 0 {
		return signers, errNoSigners
	}
	if signers.BitLen() > numValidators {
		return signers, fmt.Errorf("bit set length %d exceeds validator count %d", signers.BitLen(), numValidators)
	}
	return signers, nil
}

// GetSignedWeight returns the total weight of validators that signed
func (s *BitSetSignature) GetSignedWeight(validators []*Validator) (uint64, error) {
	signers, err := s.signerBits(len(validators))
	if err != nil {
		return 0, err
	}

	var weight uint64
	for i, v := range validators {
		if !signers.Contains(i) {
			continue
		}
		weight, err = AddUint64(weight, v.Weight)
		if err != nil {
			return 0, fmt.Errorf("weight overflow: %w", err)
		}
	}
	return weight, nil
}

// Verify checks the aggregate signature over msg against the aggregated public
// keys of the signers.
func (s *BitSetSignature) Verify(msg []byte, validators []*Validator) error {
	signers, err := s.signerBits(len(validators))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	pks := make([]*bls.PublicKey, 0, signers.Len())
	for i, v := range validators {
		if signers.Contains(i) {
			pks = append(pks, v.PublicKey)
		}
	}

	aggPK, err := bls.AggregatePublicKeys(pks)
	if err != nil {
		return fmt.Errorf("failed to aggregate public keys: %w", err)
	}
	sig, err := bls.SignatureFromBytes(s.Signature[:])
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	if !bls.Verify(aggPK, sig, msg) {
		return ErrInvalidSignature
	}
	return nil
}
