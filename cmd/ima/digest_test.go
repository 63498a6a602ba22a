// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"fmt"
	"testing"

	"github.com/luxfi/geth/common"
	"github.com/luxfi/ids"
	"github.com/luxfi/ima"
	"github.com/stretchr/testify/require"
)

func TestParseBatchFile(t *testing.T) {
	require := require.New(t)

	src := ids.GenerateTestID()
	sender := common.HexToAddress("0x0000000000000000000000000000000000000aaa")
	dst := common.HexToAddress("0x0000000000000000000000000000000000000bbb")

	yamlFile := fmt.Sprintf(`
source-chain-id: %s
starting-counter: 7
messages:
  - sender: %s
    destination: %s
    payload: "0x0102"
  - sender: %s
    destination: %s
`, src, sender.Hex(), dst.Hex(), sender.Hex(), dst.Hex())

	batch, err := parseBatchFile([]byte(yamlFile))
	require.NoError(err)
	require.Equal(src, batch.SourceChainID)
	require.Equal(uint64(7), batch.StartingCounter)
	require.Len(batch.Messages, 2)
	require.Equal(uint64(8), batch.Messages[1].Counter)
	require.Equal([]byte{1, 2}, batch.Messages[0].Payload)
	require.Empty(batch.Messages[1].Payload)

	expected := ima.BatchDigest(src, 7, batch.Messages)
	require.Equal(expected, batch.Digest())

	jsonFile := fmt.Sprintf(
		`{"source-chain-id": %q, "starting-counter": 7, "messages": [{"sender": %q, "destination": %q, "payload": "0x0102"}, {"sender": %q, "destination": %q}]}`,
		src, sender.Hex(), dst.Hex(), sender.Hex(), dst.Hex(),
	)
	fromJSON, err := parseBatchFile([]byte(jsonFile))
	require.NoError(err)
	require.Equal(batch.Digest(), fromJSON.Digest())
}

func TestParseBatchFileErrors(t *testing.T) {
	src := ids.GenerateTestID()
	addr := "0x0000000000000000000000000000000000000aaa"

	tests := []struct {
		name string
		file string
	}{
		{
			name: "bad chain id",
			file: "source-chain-id: nope\nmessages: []\n",
		},
		{
			name: "empty batch",
			file: fmt.Sprintf("source-chain-id: %s\nmessages: []\n", src),
		},
		{
			name: "bad sender",
			file: fmt.Sprintf("source-chain-id: %s\nmessages:\n  - sender: 0x12\n    destination: %s\n", src, addr),
		},
		{
			name: "bad payload",
			file: fmt.Sprintf("source-chain-id: %s\nmessages:\n  - sender: %s\n    destination: %s\n    payload: zz\n", src, addr, addr),
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := parseBatchFile([]byte(test.file))
			require.Error(t, err)
		})
	}
}
