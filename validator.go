// Copyright (C) 2019-2025, Lux Partners Limited. All rights reserved.
// See the file LICENSE for licensing terms.

package ima

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/luxfi/crypto/bls"
)

var (
	errEmptyValidatorSet = errors.New("empty validator set")
	errZeroWeight        = errors.New("validator has zero weight")
)

// Validator is one member of a chain's signing committee
type Validator struct {
	PublicKey      *bls.PublicKey
	PublicKeyBytes []byte
	Weight         uint64
}

// NewValidator creates a validator from a BLS public key
func NewValidator(publicKey *bls.PublicKey, weight uint64) *Validator {
	return &Validator{
		PublicKey:      publicKey,
		PublicKeyBytes: bls.PublicKeyToCompressedBytes(publicKey),
		Weight:         weight,
	}
}

// Less returns true if this validator is less than the other
func (v *Validator) Less(other *Validator) bool {
	return bytes.Compare(v.PublicKeyBytes, other.PublicKeyBytes) < 0
}

// CanonicalValidatorSet is a validator set sorted by public key. Signer
// bitsets index into this order.
type CanonicalValidatorSet struct {
	validators  []*Validator
	totalWeight uint64
}

// NewCanonicalValidatorSet sorts validators by public key. Duplicate keys and
// zero weights are rejected.
func NewCanonicalValidatorSet(validators []*Validator) (*CanonicalValidatorSet, error) {
	if len(validators) == 0 {
		return nil, errEmptyValidatorSet
	}

	seen := make(map[string]struct{}, len(validators))
	var totalWeight uint64
	for i, v := range validators {
		switch {
		case v == nil:
			return nil, fmt.Errorf("nil validator at index %d", i)
		case v.Weight == 0:
			return nil, fmt.Errorf("%w: index %d", errZeroWeight, i)
		case v.PublicKey == nil || len(v.PublicKeyBytes) == 0:
			return nil, fmt.Errorf("validator at index %d has no public key", i)
		}

		key := string(v.PublicKeyBytes)
		if _, ok := seen[key]; ok {
			return nil, fmt.Errorf("duplicate validator public key: %x", v.PublicKeyBytes)
		}
		seen[key] = struct{}{}

		newWeight, err := AddUint64(totalWeight, v.Weight)
		if err != nil {
			return nil, fmt.Errorf("total weight overflow: %w", err)
		}
		totalWeight = newWeight
	}

	sorted := make([]*Validator, len(validators))
	copy(sorted, validators)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Less(sorted[j])
	})

	return &CanonicalValidatorSet{
		validators:  sorted,
		totalWeight: totalWeight,
	}, nil
}

// Validators returns the validators in canonical order
func (c *CanonicalValidatorSet) Validators() []*Validator {
	return c.validators
}

// TotalWeight returns the total weight of all validators
func (c *CanonicalValidatorSet) TotalWeight() uint64 {
	return c.totalWeight
}

// Len returns the number of validators
func (c *CanonicalValidatorSet) Len() int {
	return len(c.validators)
}

// IndexOf returns the canonical index of the given public key, or -1.
func (c *CanonicalValidatorSet) IndexOf(publicKeyBytes []byte) int {
	for i, v := range c.validators {
		if bytes.Equal(v.PublicKeyBytes, publicKeyBytes) {
			return i
		}
	}
	return -1
}

type encodedValidator struct {
	PublicKey []byte
	Weight    uint64
}

// Bytes encodes the set as the opaque validator key stored on a channel.
func (c *CanonicalValidatorSet) Bytes() []byte {
	encoded := make([]encodedValidator, len(c.validators))
	for i, v := range c.validators {
		encoded[i] = encodedValidator{
			PublicKey: v.PublicKeyBytes,
			Weight:    v.Weight,
		}
	}
	b, _ := Codec.Marshal(CodecVersion, encoded)
	return b
}

// ParseValidatorSet decodes a validator key produced by Bytes.
func ParseValidatorSet(b []byte) (*CanonicalValidatorSet, error) {
	var encoded []encodedValidator
	if _, err := Codec.Unmarshal(b, &encoded); err != nil {
		return nil, fmt.Errorf("failed to unmarshal validator set: %w", err)
	}
	validators := make([]*Validator, len(encoded))
	for i, e := range encoded {
		pk, err := bls.PublicKeyFromCompressedBytes(e.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key %d: %w", i, err)
		}
		validators[i] = &Validator{
			PublicKey:      pk,
			PublicKeyBytes: e.PublicKey,
			Weight:         e.Weight,
		}
	}
	return NewCanonicalValidatorSet(validators)
}

// VerifyWeight verifies that the signed weight meets the quorum threshold
func VerifyWeight(signedWeight, totalWeight, quorumNum, quorumDen uint64) error {
	if quorumDen == 0 || quorumNum == 0 || quorumNum > quorumDen {
		return fmt.Errorf("%w: %d/%d", ErrInvalidQuorum, quorumNum, quorumDen)
	}
	if signedWeight == 0 {
		return fmt.Errorf("%w: signed weight is 0", ErrInsufficientWeight)
	}

	// signedWeight / totalWeight >= quorumNum / quorumDen
	if err := CheckMulDoesNotOverflow(quorumNum, totalWeight); err != nil {
		return fmt.Errorf("%w: quorumNum * totalWeight overflows", err)
	}
	if err := CheckMulDoesNotOverflow(quorumDen, signedWeight); err != nil {
		return fmt.Errorf("%w: quorumDen * signedWeight overflows", err)
	}

	if quorumNum*totalWeight > quorumDen*signedWeight {
		return fmt.Errorf("%w: signed weight %d / total weight %d < quorum %d / %d",
			ErrInsufficientWeight, signedWeight, totalWeight, quorumNum, quorumDen)
	}
	return nil
}
