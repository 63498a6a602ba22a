// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package signer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/luxfi/crypto"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/core/types"
)

var errMissingKey = errors.New("account private key not set")

// Signer signs the transactions a relayer account sends to a chain
type Signer interface {
	SignTx(tx *types.Transaction, evmChainID *big.Int) (*types.Transaction, error)
	Address() common.Address
}

// TxSigner holds the account key in memory
type TxSigner struct {
	pk   *ecdsa.PrivateKey
	addr common.Address
}

// NewTxSigner parses a hex encoded secp256k1 key, with or without the 0x
// prefix.
func NewTxSigner(pkHex string) (*TxSigner, error) {
	pkHex = strings.TrimPrefix(strings.TrimSpace(pkHex), "0x")
	if pkHex == "" {
		return nil, errMissingKey
	}
	pk, err := crypto.HexToECDSA(pkHex)
	if err != nil {
		return nil, fmt.Errorf("failed to parse account private key: %w", err)
	}
	return NewTxSignerFromKey(pk), nil
}

func NewTxSignerFromKey(pk *ecdsa.PrivateKey) *TxSigner {
	return &TxSigner{
		pk:   pk,
		addr: common.PubkeyToAddress(pk.PublicKey),
	}
}

func (s *TxSigner) SignTx(tx *types.Transaction, evmChainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(evmChainID), s.pk)
}

func (s *TxSigner) Address() common.Address {
	return s.addr
}
