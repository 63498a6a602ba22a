// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"fmt"
	"os"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/common/hexutil"
	"github.com/luxfi/ids"
	"github.com/luxfi/ima"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// batchFile is a batch as written by hand. YAML is a superset of JSON so
// either format is accepted.
type batchFile struct {
	SourceChainID   string        `yaml:"source-chain-id"`
	StartingCounter uint64        `yaml:"starting-counter"`
	Messages        []messageFile `yaml:"messages"`
}

type messageFile struct {
	Sender      string `yaml:"sender"`
	Destination string `yaml:"destination"`
	// 0x prefixed hex
	Payload string `yaml:"payload"`
}

func parseBatchFile(raw []byte) (*ima.MessageBatch, error) {
	var f batchFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to parse batch file: %w", err)
	}
	sourceChainID, err := ids.FromString(f.SourceChainID)
	if err != nil {
		return nil, fmt.Errorf("invalid source chain id %q: %w", f.SourceChainID, err)
	}

	msgs := make([]*ima.OutgoingMessage, 0, len(f.Messages))
	for i, m := range f.Messages {
		if !common.IsHexAddress(m.Sender) {
			return nil, fmt.Errorf("message %d: invalid sender %q", i, m.Sender)
		}
		if !common.IsHexAddress(m.Destination) {
			return nil, fmt.Errorf("message %d: invalid destination %q", i, m.Destination)
		}
		var payload []byte
		if m.Payload != "" {
			payload, err = hexutil.Decode(m.Payload)
			if err != nil {
				return nil, fmt.Errorf("message %d: invalid payload: %w", i, err)
			}
		}
		msgs = append(msgs, &ima.OutgoingMessage{
			Counter:     f.StartingCounter + uint64(i),
			Sender:      common.HexToAddress(m.Sender),
			Destination: common.HexToAddress(m.Destination),
			Payload:     payload,
		})
	}
	return ima.NewMessageBatch(sourceChainID, f.StartingCounter, msgs)
}

var digestCmd = &cobra.Command{
	Use:   "digest <batch-file>",
	Short: "Print the digest validators sign for a batch",
	Long: `Print the digest of the batch described by a YAML or JSON file. With
--signer-key the digest is also signed with the given BLS key.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		batch, err := parseBatchFile(raw)
		if err != nil {
			return err
		}
		digest := batch.Digest()
		cmd.Printf("Digest: %s\n", digest.Hex())

		signerKey, _ := cmd.Flags().GetString("signer-key")
		if signerKey == "" {
			return nil
		}
		skBytes, err := hexutil.Decode(signerKey)
		if err != nil {
			return fmt.Errorf("invalid signer key: %w", err)
		}
		sk, err := bls.SecretKeyFromBytes(skBytes)
		if err != nil {
			return fmt.Errorf("invalid signer key: %w", err)
		}
		sig, err := ima.NewSigner(sk).Sign(digest)
		if err != nil {
			return err
		}
		cmd.Printf("Signature: %s\n", hexutil.Encode(bls.SignatureToBytes(sig)))
		return nil
	},
}

func init() {
	digestCmd.Flags().String("signer-key", "", "Hex encoded BLS secret key to sign the digest with")
}
