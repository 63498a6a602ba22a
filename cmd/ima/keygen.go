// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"fmt"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/geth/common/hexutil"
	"github.com/spf13/cobra"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a validator BLS key",
	Long: `Generate a BLS secret key for the signer-key field of a chain config and
print it with its compressed public key.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		sk, err := bls.NewSecretKey()
		if err != nil {
			return fmt.Errorf("failed to generate key: %w", err)
		}
		cmd.Printf("Secret key: %s\n", hexutil.Encode(bls.SecretKeyToBytes(sk)))
		cmd.Printf("Public key: %s\n", hexutil.Encode(bls.PublicKeyToCompressedBytes(sk.PublicKey())))
		return nil
	},
}
