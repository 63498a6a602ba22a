// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/holiman/uint256"
	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/ids"
	"github.com/luxfi/ima"
	"github.com/luxfi/ima/access"
	"github.com/luxfi/ima/dispatch"
	"github.com/luxfi/ima/events"
	"github.com/luxfi/ima/funding"
	"github.com/stretchr/testify/require"
)

var (
	admin     = common.HexToAddress("0xad")
	sender    = common.HexToAddress("0x5e")
	receiver  = common.HexToAddress("0x4e")
	mainnetID = ids.ID{'m'}
	schainID  = ids.ID{'s'}
)

type chain struct {
	*Ledger
	signer ima.Signer
}

func newChain(t *testing.T, id ids.ID) *chain {
	t.Helper()

	sk, err := bls.NewSecretKey()
	require.NoError(t, err)
	return &chain{
		Ledger: New(Config{
			ChainID:  id,
			Admin:    admin,
			Verifier: ima.ThresholdVerifier{},
			Funding: funding.Config{
				Schedule: funding.Schedule{HeaderGas: 100, MessageGas: 10, GasPrice: uint256.NewInt(1)},
			},
		}),
		signer: ima.NewSigner(sk),
	}
}

func (c *chain) key() []byte {
	return bls.PublicKeyToCompressedBytes(c.signer.PublicKey())
}

// newBridge returns a connected mainnet/schain pair where sender on mainnet
// may reach receiver on the schain.
func newBridge(t *testing.T) (*chain, *chain, *[]dispatch.Call) {
	t.Helper()
	require := require.New(t)

	mainnet := newChain(t, mainnetID)
	schain := newChain(t, schainID)
	require.NoError(mainnet.Connect(admin, schainID, nil, schain.key()))
	require.NoError(schain.Connect(admin, mainnetID, []common.Address{sender}, mainnet.key()))
	require.NoError(mainnet.RegisterSender(admin, schainID, sender))
	require.NoError(schain.RegisterDestination(admin, mainnetID, sender, receiver))

	calls := &[]dispatch.Call{}
	schain.Deploy(receiver, ReceiverFunc(func(_ Tx, call dispatch.Call) error {
		*calls = append(*calls, call)
		if string(call.Payload) == "revert" {
			return errors.New("reverted")
		}
		return nil
	}))
	return mainnet, schain, calls
}

// signedBatch packages the messages src posted to dst in [from, to).
func signedBatch(t *testing.T, src *chain, dst ids.ID, from, to uint64) *ima.MessageBatch {
	t.Helper()

	batch, err := ima.NewMessageBatch(src.ChainID(), from, src.OutgoingMessages(dst, from, to))
	require.NoError(t, err)
	sig, err := src.signer.Sign(batch.Digest())
	require.NoError(t, err)
	batch.Signature = bls.SignatureToBytes(sig)
	return batch
}

func incoming(t *testing.T, c *chain, peer ids.ID) uint64 {
	ch, err := c.Channel(peer)
	require.NoError(t, err)
	return ch.IncomingCounter
}

func TestSequentialRelay(t *testing.T) {
	require := require.New(t)

	mainnet, schain, calls := newBridge(t)
	require.NoError(schain.Deposit(schainID, uint256.NewInt(1000)))

	for i := uint64(0); i < 3; i++ {
		counter, err := mainnet.Post(sender, schainID, receiver, []byte{byte(i)})
		require.NoError(err)
		require.Equal(i, counter)
	}

	batch := signedBatch(t, mainnet, schainID, 0, 3)
	report, err := schain.Dispatch(mainnetID, batch)
	require.NoError(err)
	require.Equal(3, report.Delivered())
	require.Equal(uint64(3), incoming(t, schain, mainnetID))
	require.Len(*calls, 3)

	_, err = schain.Dispatch(mainnetID, batch)
	require.ErrorIs(err, ima.ErrStaleCounter)
	require.Equal(uint64(3), incoming(t, schain, mainnetID))
	require.Len(*calls, 3)
}

func TestUnauthorizedMessageDoesNotStallBatch(t *testing.T) {
	require := require.New(t)

	mainnet, schain, calls := newBridge(t)
	require.NoError(schain.Deposit(schainID, uint256.NewInt(1000)))

	_, err := mainnet.Post(sender, schainID, common.HexToAddress("0xbad"), []byte("a"))
	require.NoError(err)
	_, err = mainnet.Post(sender, schainID, receiver, []byte("b"))
	require.NoError(err)

	offset := schain.Events().Len()
	report, err := schain.Dispatch(mainnetID, signedBatch(t, mainnet, schainID, 0, 2))
	require.NoError(err)
	require.Equal(uint64(2), incoming(t, schain, mainnetID))

	recorded := schain.Events().Since(offset)
	failures := events.Filter[events.MessageFailed](recorded)
	require.Len(failures, 1)
	require.Equal(uint64(0), failures[0].Counter)
	require.Len(events.Filter[events.MessageDelivered](recorded), 1)
	require.Equal(1, report.Delivered())
	require.Len(*calls, 1)
	require.Equal([]byte("b"), (*calls)[0].Payload)
}

func TestUnfundedDispatchThenDeposit(t *testing.T) {
	require := require.New(t)

	mainnet, schain, calls := newBridge(t)
	_, err := mainnet.Post(sender, schainID, receiver, []byte("a"))
	require.NoError(err)
	batch := signedBatch(t, mainnet, schainID, 0, 1)

	offset := schain.Events().Len()
	_, err = schain.Dispatch(mainnetID, batch)
	require.ErrorIs(err, ima.ErrInsufficientFunds)
	require.Zero(incoming(t, schain, mainnetID))
	require.Empty(schain.Events().Since(offset))
	require.Empty(*calls)

	require.NoError(schain.Deposit(schainID, uint256.NewInt(110)))
	_, err = schain.Dispatch(mainnetID, batch)
	require.NoError(err)
	require.Equal(uint64(1), incoming(t, schain, mainnetID))
	require.True(schain.BalanceOf(schainID).IsZero())
}

func TestDisconnectAndReconnect(t *testing.T) {
	require := require.New(t)

	mainnet, schain, _ := newBridge(t)
	require.NoError(schain.Deposit(schainID, uint256.NewInt(1000)))

	for i := 0; i < 3; i++ {
		_, err := mainnet.Post(sender, schainID, receiver, []byte{byte(i)})
		require.NoError(err)
	}
	_, err := schain.Dispatch(mainnetID, signedBatch(t, mainnet, schainID, 0, 2))
	require.NoError(err)

	require.NoError(schain.Disconnect(admin, mainnetID))
	batch := signedBatch(t, mainnet, schainID, 2, 3)
	_, err = schain.Dispatch(mainnetID, batch)
	require.ErrorIs(err, ima.ErrChannelDisconnected)

	require.NoError(schain.Connect(admin, mainnetID, []common.Address{sender}, mainnet.key()))
	require.Equal(uint64(2), incoming(t, schain, mainnetID))
	_, err = schain.Dispatch(mainnetID, batch)
	require.NoError(err)
	require.Equal(uint64(3), incoming(t, schain, mainnetID))
}

func TestCounterpartsScopeSenders(t *testing.T) {
	require := require.New(t)

	mainnet, schain, calls := newBridge(t)
	require.NoError(schain.Deposit(schainID, uint256.NewInt(1000)))

	// Registered on both sides, but not a trusted counterpart of the schain.
	rogue := common.HexToAddress("0x40")
	require.NoError(mainnet.RegisterSender(admin, schainID, rogue))
	require.NoError(schain.RegisterDestination(admin, mainnetID, rogue, receiver))

	_, err := mainnet.Post(rogue, schainID, receiver, nil)
	require.NoError(err)
	report, err := schain.Dispatch(mainnetID, signedBatch(t, mainnet, schainID, 0, 1))
	require.NoError(err)
	require.ErrorIs(report.Results[0].Err, ima.ErrUnauthorizedDestination)
	require.Empty(*calls)
}

func TestReceiverReply(t *testing.T) {
	require := require.New(t)

	mainnet, schain, _ := newBridge(t)
	require.NoError(schain.Deposit(schainID, uint256.NewInt(1000)))
	schain.Deploy(receiver, ReceiverFunc(func(tx Tx, call dispatch.Call) error {
		require.Equal(schainID, tx.ChainID())
		_, err := tx.Reply(append([]byte("ack:"), call.Payload...))
		return err
	}))

	_, err := mainnet.Post(sender, schainID, receiver, []byte("ping"))
	require.NoError(err)
	_, err = schain.Dispatch(mainnetID, signedBatch(t, mainnet, schainID, 0, 1))
	require.NoError(err)

	reply, ok := schain.OutgoingMessage(mainnetID, 0)
	require.True(ok)
	require.Equal(receiver, reply.Sender)
	require.Equal(sender, reply.Destination)
	require.Equal([]byte("ack:ping"), reply.Payload)

	// The reply travels back and reaches sender once mainnet authorizes it.
	var got []byte
	mainnet.Deploy(sender, ReceiverFunc(func(_ Tx, call dispatch.Call) error {
		got = call.Payload
		return nil
	}))
	require.NoError(mainnet.RegisterDestination(admin, schainID, receiver, sender))
	require.NoError(mainnet.Deposit(mainnetID, uint256.NewInt(1000)))
	_, err = mainnet.Dispatch(schainID, signedBatch(t, schain, mainnetID, 0, 1))
	require.NoError(err)
	require.Equal([]byte("ack:ping"), got)
}

func TestFailedCallDropsItsPosts(t *testing.T) {
	require := require.New(t)

	mainnet, schain, _ := newBridge(t)
	require.NoError(schain.Deposit(schainID, uint256.NewInt(1000)))
	require.NoError(schain.RegisterSender(admin, mainnetID, receiver))
	schain.Deploy(receiver, ReceiverFunc(func(tx Tx, call dispatch.Call) error {
		counter, err := tx.Reply(append([]byte("ack:"), call.Payload...))
		require.NoError(err)
		_, err = tx.Post(receiver, mainnetID, sender, []byte("note"))
		require.NoError(err)
		switch string(call.Payload) {
		case "revert":
			return errors.New("reverted")
		case "trap":
			panic("out of gas")
		}
		// Staged posts are numbered as if every earlier one committed.
		require.Equal(uint64(len(schain.OutgoingMessages(mainnetID, 0, 100))), counter)
		return nil
	}))

	for _, payload := range []string{"revert", "ok", "trap", "done"} {
		_, err := mainnet.Post(sender, schainID, receiver, []byte(payload))
		require.NoError(err)
	}
	report, err := schain.Dispatch(mainnetID, signedBatch(t, mainnet, schainID, 0, 4))
	require.NoError(err)
	require.Len(report.Failed(), 2)

	msgs := schain.OutgoingMessages(mainnetID, 0, 100)
	require.Len(msgs, 4)
	for i, want := range []string{"ack:ok", "note", "ack:done", "note"} {
		require.Equal(uint64(i), msgs[i].Counter)
		require.Equal([]byte(want), msgs[i].Payload)
	}
	ch, err := schain.Channel(mainnetID)
	require.NoError(err)
	require.Equal(uint64(4), ch.OutgoingCounter)
	require.Len(events.Filter[events.MessagePosted](schain.Events().Since(0)), 4)
}

func TestMissingContractFailsOnlyItsMessage(t *testing.T) {
	require := require.New(t)

	mainnet, schain, calls := newBridge(t)
	require.NoError(schain.Deposit(schainID, uint256.NewInt(1000)))
	empty := common.HexToAddress("0xe0")
	require.NoError(schain.RegisterDestination(admin, mainnetID, sender, empty))

	_, err := mainnet.Post(sender, schainID, empty, nil)
	require.NoError(err)
	_, err = mainnet.Post(sender, schainID, receiver, []byte("revert"))
	require.NoError(err)
	_, err = mainnet.Post(sender, schainID, receiver, []byte("ok"))
	require.NoError(err)

	report, err := schain.Dispatch(mainnetID, signedBatch(t, mainnet, schainID, 0, 3))
	require.NoError(err)
	require.Len(report.Failed(), 2)
	require.ErrorIs(report.Results[0].Err, ima.ErrDeliveryFailed)
	require.ErrorIs(report.Results[1].Err, ima.ErrDeliveryFailed)
	require.True(report.Results[2].Delivered())
	require.Len(*calls, 2)
}

func TestPrivilegedOperations(t *testing.T) {
	require := require.New(t)

	c := newChain(t, schainID)
	operator := common.HexToAddress("0x0b")

	require.ErrorIs(c.Connect(operator, mainnetID, nil, []byte{1}), ima.ErrUnauthorized)
	require.NoError(c.Grant(admin, operator, access.GovernanceRole...))
	require.NoError(c.Connect(operator, mainnetID, nil, []byte{1}))

	require.NoError(c.Deposit(schainID, uint256.NewInt(10)))
	require.ErrorIs(c.Withdraw(operator, schainID, uint256.NewInt(1)), ima.ErrUnauthorized)
	require.NoError(c.Grant(admin, operator, access.OperatorRole...))
	require.NoError(c.Withdraw(operator, schainID, uint256.NewInt(1)))
	require.Equal(uint64(9), c.BalanceOf(schainID).Uint64())

	require.NoError(c.Revoke(admin, operator, access.OpDisconnect))
	require.ErrorIs(c.Disconnect(operator, mainnetID), ima.ErrUnauthorized)
}

func TestClient(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	mainnet, schain, _ := newBridge(t)
	src, dst := NewClient(mainnet.Ledger), NewClient(schain.Ledger)
	require.Equal(mainnetID, src.ChainID())

	_, err := mainnet.Post(sender, schainID, receiver, []byte("a"))
	require.NoError(err)

	out, err := src.OutgoingCounter(ctx, schainID)
	require.NoError(err)
	require.Equal(uint64(1), out)
	in, err := dst.IncomingCounter(ctx, mainnetID)
	require.NoError(err)
	require.Zero(in)
	connected, err := dst.IsConnected(ctx, mainnetID)
	require.NoError(err)
	require.True(connected)

	msgs, err := src.OutgoingMessages(ctx, schainID, 0, 1)
	require.NoError(err)
	require.Len(msgs, 1)

	batch := signedBatch(t, mainnet, schainID, 0, 1)
	require.ErrorIs(dst.DryRun(ctx, batch), ima.ErrInsufficientFunds)
	require.NoError(schain.Deposit(schainID, uint256.NewInt(500)))
	require.NoError(dst.DryRun(ctx, batch))
	require.NoError(dst.Submit(ctx, batch))
	require.ErrorIs(dst.Submit(ctx, batch), ima.ErrStaleCounter)

	balance, err := dst.WalletBalance(ctx)
	require.NoError(err)
	require.Equal(uint64(390), balance.Uint64())

	_, err = src.IncomingCounter(ctx, ids.ID{9})
	require.ErrorIs(err, ima.ErrUnknownChannel)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = src.OutgoingCounter(cancelled, schainID)
	require.ErrorIs(err, context.Canceled)
}
