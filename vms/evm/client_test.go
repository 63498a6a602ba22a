// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package evm

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/luxfi/crypto"
	ethereum "github.com/luxfi/geth"
	"github.com/luxfi/geth/accounts/abi"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/common/hexutil"
	"github.com/luxfi/geth/core/types"
	"github.com/luxfi/ids"
	"github.com/luxfi/ima"
	"github.com/luxfi/ima/vms/evm/signer"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"
)

var (
	chainID    = ids.ID{'l'}
	peerID     = ids.ID{'p'}
	proxyAddr  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	senderAddr = common.HexToAddress("0x0000000000000000000000000000000000000001")
	targetAddr = common.HexToAddress("0x0000000000000000000000000000000000000002")
)

type revertError struct {
	msg  string
	data string
}

func (e *revertError) Error() string          { return e.msg }
func (e *revertError) ErrorData() interface{} { return e.data }

func customRevert(t *testing.T, proxy *MessageProxy, name string, args ...interface{}) error {
	t.Helper()

	abiErr, ok := proxy.abi.Errors[name]
	require.True(t, ok)
	packed, err := abiErr.Inputs.Pack(args...)
	require.NoError(t, err)
	data := append(append([]byte{}, abiErr.ID[:4]...), packed...)
	return &revertError{msg: "execution reverted", data: hexutil.Encode(data)}
}

func reasonRevert(t *testing.T, reason string) error {
	t.Helper()

	stringType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: stringType}}.Pack(reason)
	require.NoError(t, err)
	data := append(common.Keccak256([]byte("Error(string)"))[:4], packed...)
	return &revertError{msg: "execution reverted", data: hexutil.Encode(data)}
}

type block struct {
	number uint64
	logs   []types.Log
}

// mockEthClient serves a message proxy holding fixed counters and logs
type mockEthClient struct {
	t     *testing.T
	proxy *MessageProxy

	mu           sync.Mutex
	counters     map[string]uint64
	connected    bool
	blocks       []block
	filterCalls  int
	estimateErr  error
	callErr      error
	receipt      *types.Receipt
	sent         []*types.Transaction
	nonceQueries int
}

func newMockEthClient(t *testing.T, proxy *MessageProxy) *mockEthClient {
	return &mockEthClient{
		t:         t,
		proxy:     proxy,
		counters:  map[string]uint64{},
		connected: true,
		receipt: &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(1000),
			GasUsed:     21000,
		},
	}
}

// post appends an OutgoingMessage log at block number
func (m *mockEthClient) post(number uint64, peer ids.ID, msg *ima.OutgoingMessage) {
	event := m.proxy.abi.Events[outgoingMessageEvent]
	data, err := event.Inputs.NonIndexed().Pack(msg.Destination, msg.Payload)
	require.NoError(m.t, err)

	l := types.Log{
		Address: m.proxy.Address(),
		Topics: []common.Hash{
			event.ID,
			common.Hash(peer),
			counterTopic(msg.Counter),
			common.BytesToHash(msg.Sender.Bytes()),
		},
		Data:        data,
		BlockNumber: number,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks = append(m.blocks, block{number: number, logs: []types.Log{l}})
}

func (*mockEthClient) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(1337), nil
}

func (m *mockEthClient) BlockNumber(context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest uint64
	for _, b := range m.blocks {
		latest = max(latest, b.number)
	}
	return latest, nil
}

func (*mockEthClient) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(100), BaseFee: big.NewInt(10_000_000_000)}, nil
}

func (m *mockEthClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nonceQueries++
	return 7, nil
}

func (*mockEthClient) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return big.NewInt(5_000), nil
}

func (*mockEthClient) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}

func (m *mockEthClient) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if m.estimateErr != nil {
		return 0, m.estimateErr
	}
	return 100_000, nil
}

func (m *mockEthClient) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	method, err := m.proxy.abi.MethodById(msg.Data[:4])
	require.NoError(m.t, err)

	m.mu.Lock()
	defer m.mu.Unlock()
	switch method.Name {
	case isConnectedMethod:
		return method.Outputs.Pack(m.connected)
	case outgoingCounterMethod, incomingCounterMethod:
		return method.Outputs.Pack(new(big.Int).SetUint64(m.counters[method.Name]))
	default:
		return nil, m.callErr
	}
}

func (m *mockEthClient) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.filterCalls++
	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	var logs []types.Log
	for _, b := range m.blocks {
		if b.number < from || b.number > to {
			continue
		}
		for _, l := range b.logs {
			if matchTopics(l.Topics, q.Topics) {
				logs = append(logs, l)
			}
		}
	}
	return logs, nil
}

func matchTopics(topics []common.Hash, filter [][]common.Hash) bool {
	for i, alternatives := range filter {
		if len(alternatives) == 0 {
			continue
		}
		if i >= len(topics) {
			return false
		}
		match := false
		for _, want := range alternatives {
			if topics[i] == want {
				match = true
			}
		}
		if !match {
			return false
		}
	}
	return true
}

func (m *mockEthClient) SendTransaction(_ context.Context, tx *types.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, tx)
	return nil
}

func (m *mockEthClient) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return m.receipt, nil
}

func newTestClient(t *testing.T) (*Client, *mockEthClient) {
	t.Helper()

	proxy, err := NewMessageProxy(proxyAddr)
	require.NoError(t, err)
	eth := newMockEthClient(t, proxy)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	client, err := NewClientWithEth(
		context.Background(),
		log.NewNoOpLogger(),
		ClientConfig{ChainID: chainID, MessageProxyAddress: proxyAddr},
		eth,
		signer.NewTxSignerFromKey(key),
	)
	require.NoError(t, err)
	return client, eth
}

func testBatch(t *testing.T, start uint64, n int) *ima.MessageBatch {
	t.Helper()

	msgs := make([]*ima.OutgoingMessage, n)
	for i := range msgs {
		msgs[i] = &ima.OutgoingMessage{
			Counter:     start + uint64(i),
			Sender:      senderAddr,
			Destination: targetAddr,
			Payload:     []byte{byte(i)},
		}
	}
	batch, err := ima.NewMessageBatch(peerID, start, msgs)
	require.NoError(t, err)
	batch.Signature = []byte{0x01, 0x02}
	return batch
}

func TestParseOutgoingMessage(t *testing.T) {
	require := require.New(t)

	proxy, err := NewMessageProxy(proxyAddr)
	require.NoError(err)
	eth := newMockEthClient(t, proxy)

	want := &ima.OutgoingMessage{Counter: 3, Sender: senderAddr, Destination: targetAddr, Payload: []byte("hello")}
	eth.post(10, peerID, want)

	peer, got, err := proxy.ParseOutgoingMessage(eth.blocks[0].logs[0])
	require.NoError(err)
	require.Equal(peerID, peer)
	require.True(want.Equal(got))

	_, _, err = proxy.ParseOutgoingMessage(types.Log{Topics: []common.Hash{{0x01}}})
	require.ErrorIs(err, errNotOutgoingLog)

	_, err = NewMessageProxy(common.Address{})
	require.Error(err)
}

func TestDecodeRevert(t *testing.T) {
	proxy, err := NewMessageProxy(proxyAddr)
	require.NoError(t, err)

	unrelated := errors.New("connection refused")
	tests := []struct {
		name  string
		err   error
		class ima.Class
	}{
		{
			name:  "stale counter",
			err:   customRevert(t, proxy, "StaleCounter", big.NewInt(4)),
			class: ima.ClassStale,
		},
		{
			name:  "counter ahead",
			err:   customRevert(t, proxy, "CounterAhead", big.NewInt(1)),
			class: ima.ClassProtocol,
		},
		{
			name:  "insufficient funds",
			err:   customRevert(t, proxy, "InsufficientFunds"),
			class: ima.ClassFunding,
		},
		{
			name:  "disconnected",
			err:   customRevert(t, proxy, "ChainNotConnected", [32]byte(peerID)),
			class: ima.ClassProtocol,
		},
		{
			name:  "revert reason",
			err:   reasonRevert(t, "Signature is not verified"),
			class: ima.ClassProtocol,
		},
		{
			name:  "wallet reason",
			err:   reasonRevert(t, "Schain wallet has not enough funds"),
			class: ima.ClassFunding,
		},
		{
			name:  "unknown reason",
			err:   reasonRevert(t, "something else"),
			class: ima.ClassTransient,
		},
		{
			name:  "reason in message",
			err:   errors.New("execution reverted: Starting counter is not equal to incoming message counter"),
			class: ima.ClassStale,
		},
		{
			name:  "transport failure",
			err:   unrelated,
			class: ima.ClassTransient,
		},
		{
			name:  "nil",
			class: ima.ClassNone,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.class, ima.Classify(proxy.DecodeRevert(tt.err)))
		})
	}
	require.Equal(t, unrelated, proxy.DecodeRevert(unrelated))
}

func TestClientReads(t *testing.T) {
	require := require.New(t)

	client, eth := newTestClient(t)
	eth.counters[outgoingCounterMethod] = 9
	eth.counters[incomingCounterMethod] = 4

	require.Equal(chainID, client.ChainID())

	outgoing, err := client.OutgoingCounter(context.Background(), peerID)
	require.NoError(err)
	require.Equal(uint64(9), outgoing)

	incoming, err := client.IncomingCounter(context.Background(), peerID)
	require.NoError(err)
	require.Equal(uint64(4), incoming)

	connected, err := client.IsConnected(context.Background(), peerID)
	require.NoError(err)
	require.True(connected)

	balance, err := client.WalletBalance(context.Background())
	require.NoError(err)
	require.Equal(uint64(5_000), balance.Uint64())
}

func TestOutgoingMessages(t *testing.T) {
	require := require.New(t)

	client, eth := newTestClient(t)
	batch := testBatch(t, 0, 5)
	for i, msg := range batch.Messages {
		// spread over several request windows
		eth.post(uint64(i)*MaxBlocksPerRequest+1, peerID, msg)
	}
	// another peer's message with a colliding counter
	eth.post(2, ids.ID{'o'}, &ima.OutgoingMessage{Counter: 1, Sender: senderAddr, Payload: []byte("other")})

	msgs, err := client.OutgoingMessages(context.Background(), peerID, 1, 4)
	require.NoError(err)
	require.Len(msgs, 3)
	for i, msg := range msgs {
		require.True(batch.Messages[i+1].Equal(msg))
	}

	// served from the cache
	calls := eth.filterCalls
	msgs, err = client.OutgoingMessages(context.Background(), peerID, 2, 4)
	require.NoError(err)
	require.Len(msgs, 2)
	require.Equal(calls, eth.filterCalls)

	// the scan resumes from the block of the highest message found
	msgs, err = client.OutgoingMessages(context.Background(), peerID, 4, 5)
	require.NoError(err)
	require.Len(msgs, 1)
	require.Equal(calls+2, eth.filterCalls)

	_, err = client.OutgoingMessages(context.Background(), peerID, 5, 6)
	require.ErrorIs(err, errMessageNotFound)

	msgs, err = client.OutgoingMessages(context.Background(), peerID, 3, 3)
	require.NoError(err)
	require.Empty(msgs)
}

func TestSubmit(t *testing.T) {
	require := require.New(t)

	client, eth := newTestClient(t)
	batch := testBatch(t, 2, 3)

	require.NoError(client.DryRun(context.Background(), batch))
	require.NoError(client.Submit(context.Background(), batch))
	require.NoError(client.Submit(context.Background(), batch))

	require.Len(eth.sent, 2)
	require.Equal(1, eth.nonceQueries)

	tx := eth.sent[0]
	require.Equal(uint64(7), tx.Nonce())
	require.Equal(uint64(8), eth.sent[1].Nonce())
	require.Equal(proxyAddr, *tx.To())
	require.Equal(uint64(120_000), tx.Gas())
	require.Zero(big.NewInt(2_000_000_000).Cmp(tx.GasTipCap()))
	require.Zero(big.NewInt(32_000_000_000).Cmp(tx.GasFeeCap()))

	input, err := client.proxy.PackPostIncomingMessages(batch)
	require.NoError(err)
	require.Equal(input, tx.Data())
}

func TestSubmitRejections(t *testing.T) {
	t.Run("estimate reverts", func(t *testing.T) {
		require := require.New(t)

		client, eth := newTestClient(t)
		eth.estimateErr = customRevert(t, client.proxy, "StaleCounter", big.NewInt(5))

		err := client.Submit(context.Background(), testBatch(t, 2, 1))
		require.ErrorIs(err, ima.ErrStaleCounter)
		require.Empty(eth.sent)
	})

	t.Run("transaction reverts", func(t *testing.T) {
		require := require.New(t)

		client, eth := newTestClient(t)
		eth.receipt = &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(9)}
		eth.callErr = customRevert(t, client.proxy, "InsufficientFunds")

		err := client.Submit(context.Background(), testBatch(t, 0, 1))
		require.Equal(ima.ClassFunding, ima.Classify(err))
		require.Len(eth.sent, 1)
	})

	t.Run("transaction reverts without reason", func(t *testing.T) {
		require := require.New(t)

		client, eth := newTestClient(t)
		eth.receipt = &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(9)}

		err := client.Submit(context.Background(), testBatch(t, 0, 1))
		require.ErrorIs(err, ima.ErrDeliveryFailed)
	})

	t.Run("dry run", func(t *testing.T) {
		require := require.New(t)

		client, eth := newTestClient(t)
		eth.callErr = customRevert(t, client.proxy, "InvalidSignature")

		err := client.DryRun(context.Background(), testBatch(t, 0, 1))
		require.ErrorIs(err, ima.ErrInvalidSignature)
	})

	t.Run("read only", func(t *testing.T) {
		require := require.New(t)

		proxy, err := NewMessageProxy(proxyAddr)
		require.NoError(err)
		client, err := NewClientWithEth(
			context.Background(),
			log.NewNoOpLogger(),
			ClientConfig{ChainID: chainID, MessageProxyAddress: proxyAddr},
			newMockEthClient(t, proxy),
			nil,
		)
		require.NoError(err)
		require.ErrorIs(client.Submit(context.Background(), testBatch(t, 0, 1)), errNoAccount)
	})
}
