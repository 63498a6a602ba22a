// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package dispatch

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"
	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/ids"
	"github.com/luxfi/ima"
	"github.com/luxfi/ima/access"
	"github.com/luxfi/ima/admission"
	"github.com/luxfi/ima/channel"
	"github.com/luxfi/ima/events"
	"github.com/luxfi/ima/funding"
	"github.com/luxfi/ima/registry"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"
)

var (
	admin      = common.HexToAddress("0xad")
	sender     = common.HexToAddress("0x5e")
	receiver   = common.HexToAddress("0x4e")
	unknownDst = common.HexToAddress("0xbad")
	local      = ids.ID{1}
	peer       = ids.ID{2}
)

type harness struct {
	engine   *Engine
	store    *channel.MemoryStore
	registry *registry.Registry
	funding  *funding.Ledger
	journal  *events.Journal
	signer   ima.Signer
	calls    []Call
}

func newHarness(t *testing.T, perUser bool, users UserResolver) *harness {
	t.Helper()

	sk, err := bls.NewSecretKey()
	require.NoError(t, err)
	h := &harness{
		store:   channel.NewMemoryStore(local),
		journal: events.NewJournal(),
		signer:  ima.NewSigner(sk),
	}
	_, err = h.store.Create(peer)
	require.NoError(t, err)
	require.NoError(t, h.store.SetValidatorKey(peer, bls.PublicKeyToCompressedBytes(h.signer.PublicKey())))
	require.NoError(t, h.store.SetState(peer, channel.Connected))

	acl := access.NewController(admin)
	h.registry = registry.New(acl, h.journal)
	require.NoError(t, h.registry.RegisterDestination(admin, peer, sender, receiver))

	schedule := funding.Schedule{HeaderGas: 10, MessageGas: 1, GasPrice: uint256.NewInt(1)}
	h.funding = funding.New(funding.Config{Schedule: schedule, PerUser: perUser}, acl, h.journal)

	h.engine = New(Config{
		LocalChainID: local,
		Gate:         admission.New(h.store, ima.ThresholdVerifier{}),
		Registry:     h.registry,
		Funding:      h.funding,
		Counters:     h.store,
		Executor: ExecutorFunc(func(call Call) error {
			h.calls = append(h.calls, call)
			switch string(call.Payload) {
			case "revert":
				return errors.New("reverted")
			case "trap":
				panic("out of gas")
			}
			return nil
		}),
		Emitter: h.journal,
		Users:   users,
		Log:     log.NewNoOpLogger(),
	})
	return h
}

func (h *harness) batch(t *testing.T, start uint64, msgs ...*ima.OutgoingMessage) *ima.MessageBatch {
	t.Helper()

	for i, m := range msgs {
		m.Counter = start + uint64(i)
	}
	batch, err := ima.NewMessageBatch(peer, start, msgs)
	require.NoError(t, err)
	sig, err := h.signer.Sign(batch.Digest())
	require.NoError(t, err)
	batch.Signature = bls.SignatureToBytes(sig)
	return batch
}

func (h *harness) incoming(t *testing.T) uint64 {
	c, err := h.store.Get(peer)
	require.NoError(t, err)
	return c.IncomingCounter
}

func msg(dst common.Address, payload string) *ima.OutgoingMessage {
	return &ima.OutgoingMessage{Sender: sender, Destination: dst, Payload: []byte(payload)}
}

func TestDispatchAdvancesByBatchLength(t *testing.T) {
	require := require.New(t)

	h := newHarness(t, false, nil)
	require.NoError(h.funding.Deposit(local, uint256.NewInt(1000)))

	report, err := h.engine.Dispatch(peer, h.batch(t, 0, msg(receiver, "a"), msg(receiver, "b"), msg(receiver, "c")))
	require.NoError(err)
	require.Equal(uint64(3), h.incoming(t))
	require.Equal(3, report.Delivered())
	require.Empty(report.Failed())
	require.Equal(uint64(13), report.Charged.Uint64())
	require.Equal(uint64(1000-13), h.funding.BalanceOf(local).Uint64())

	require.Len(h.calls, 3)
	require.Equal(Call{SourceChainID: peer, Counter: 2, Sender: sender, Destination: receiver, Payload: []byte("c")}, h.calls[2])

	processed := events.Filter[events.BatchProcessed](h.journal.Since(0))
	require.Len(processed, 1)
	require.Equal(3, processed[0].Delivered)
}

func TestDispatchRejectsReplay(t *testing.T) {
	require := require.New(t)

	h := newHarness(t, false, nil)
	require.NoError(h.funding.Deposit(local, uint256.NewInt(1000)))

	batch := h.batch(t, 0, msg(receiver, "a"), msg(receiver, "b"))
	_, err := h.engine.Dispatch(peer, batch)
	require.NoError(err)

	offset := h.journal.Len()
	balance := h.funding.BalanceOf(local)

	_, err = h.engine.Dispatch(peer, batch)
	require.ErrorIs(err, ima.ErrStaleCounter)

	// Overlapping range, validly signed.
	_, err = h.engine.Dispatch(peer, h.batch(t, 1, msg(receiver, "b"), msg(receiver, "c")))
	require.ErrorIs(err, ima.ErrStaleCounter)

	require.Equal(uint64(2), h.incoming(t))
	require.Equal(balance, h.funding.BalanceOf(local))
	require.Empty(h.journal.Since(offset))
	require.Len(h.calls, 2)
}

func TestDispatchIsolatesUnauthorizedDestination(t *testing.T) {
	require := require.New(t)

	h := newHarness(t, false, nil)
	require.NoError(h.funding.Deposit(local, uint256.NewInt(1000)))
	offset := h.journal.Len()

	report, err := h.engine.Dispatch(peer, h.batch(t, 0, msg(unknownDst, "a"), msg(receiver, "b")))
	require.NoError(err)
	require.Equal(uint64(2), h.incoming(t))

	failed := report.Failed()
	require.Len(failed, 1)
	require.Equal(0, failed[0].Index)
	require.ErrorIs(failed[0].Err, ima.ErrUnauthorizedDestination)
	require.Equal(1, report.Delivered())

	recorded := h.journal.Since(offset)
	failures := events.Filter[events.MessageFailed](recorded)
	require.Len(failures, 1)
	require.Equal(uint64(0), failures[0].Counter)
	delivered := events.Filter[events.MessageDelivered](recorded)
	require.Len(delivered, 1)
	require.Equal(uint64(1), delivered[0].Counter)

	require.Len(h.calls, 1)
	require.Equal([]byte("b"), h.calls[0].Payload)
}

func TestDispatchCapturesDestinationFailures(t *testing.T) {
	require := require.New(t)

	h := newHarness(t, false, nil)
	require.NoError(h.funding.Deposit(local, uint256.NewInt(1000)))

	report, err := h.engine.Dispatch(peer, h.batch(t, 0,
		msg(receiver, "revert"),
		msg(receiver, "trap"),
		msg(receiver, "ok"),
	))
	require.NoError(err)
	require.Equal(uint64(3), h.incoming(t))
	require.Len(h.calls, 3)

	failed := report.Failed()
	require.Len(failed, 2)
	for _, res := range failed {
		require.ErrorIs(res.Err, ima.ErrDeliveryFailed)
	}
	require.ErrorContains(failed[1].Err, "out of gas")
	require.True(report.Results[2].Delivered())
}

func TestDispatchZeroBalanceIsAtomic(t *testing.T) {
	require := require.New(t)

	h := newHarness(t, false, nil)
	offset := h.journal.Len()
	batch := h.batch(t, 0, msg(receiver, "a"), msg(receiver, "b"))

	_, err := h.engine.Dispatch(peer, batch)
	require.ErrorIs(err, ima.ErrInsufficientFunds)
	require.Equal(ima.ClassFunding, ima.Classify(err))
	require.Zero(h.incoming(t))
	require.Empty(h.journal.Since(offset))
	require.Empty(h.calls)

	// Below the batch cost is no better than zero.
	require.NoError(h.funding.Deposit(local, uint256.NewInt(11)))
	_, err = h.engine.Dispatch(peer, batch)
	require.ErrorIs(err, ima.ErrInsufficientFunds)

	require.NoError(h.funding.Deposit(local, uint256.NewInt(1)))
	_, err = h.engine.Dispatch(peer, batch)
	require.NoError(err)
	require.Equal(uint64(2), h.incoming(t))
	require.True(h.funding.BalanceOf(local).IsZero())
}

func TestDispatchDisconnected(t *testing.T) {
	require := require.New(t)

	h := newHarness(t, false, nil)
	require.NoError(h.funding.Deposit(local, uint256.NewInt(1000)))

	require.NoError(h.store.SetState(peer, channel.Disconnected))
	batch := h.batch(t, 0, msg(receiver, "a"))
	_, err := h.engine.Dispatch(peer, batch)
	require.ErrorIs(err, ima.ErrChannelDisconnected)
	require.Zero(h.incoming(t))

	require.NoError(h.store.SetState(peer, channel.Connected))
	_, err = h.engine.Dispatch(peer, batch)
	require.NoError(err)
	require.Equal(uint64(1), h.incoming(t))
}

func TestSimulate(t *testing.T) {
	require := require.New(t)

	h := newHarness(t, false, nil)
	batch := h.batch(t, 0, msg(receiver, "a"))
	require.ErrorIs(h.engine.Simulate(peer, batch), ima.ErrInsufficientFunds)

	require.NoError(h.funding.Deposit(local, uint256.NewInt(1000)))
	offset := h.journal.Len()
	require.NoError(h.engine.Simulate(peer, batch))
	require.Zero(h.incoming(t))
	require.Empty(h.calls)
	require.Empty(h.journal.Since(offset))
	require.Equal(uint64(1000), h.funding.BalanceOf(local).Uint64())
}

func TestDispatchChargesUsers(t *testing.T) {
	require := require.New(t)

	user := common.HexToAddress("0x05e4")
	users := func(m *ima.OutgoingMessage) (common.Address, bool) {
		if len(m.Payload) > 0 && m.Payload[0] == 'u' {
			return user, true
		}
		return common.Address{}, false
	}
	h := newHarness(t, true, users)
	require.NoError(h.funding.Deposit(local, uint256.NewInt(100)))

	batch := h.batch(t, 0, msg(receiver, "u1"), msg(receiver, "u2"), msg(receiver, "x"))
	_, err := h.engine.Dispatch(peer, batch)
	require.ErrorIs(err, ima.ErrInsufficientFunds)
	require.Zero(h.incoming(t))

	require.NoError(h.funding.DepositUser(local, user, uint256.NewInt(5)))
	report, err := h.engine.Dispatch(peer, batch)
	require.NoError(err)
	require.Equal(uint64(13), report.Charged.Uint64())
	require.Equal(uint64(3), h.funding.UserBalanceOf(local, user).Uint64())
	require.Equal(uint64(89), h.funding.BalanceOf(local).Uint64())
}

type failingAdvancer struct{}

func (failingAdvancer) AdvanceIncoming(ids.ID, uint64, uint64) (uint64, error) {
	return 0, ima.ErrStaleCounter
}

func TestDispatchRefundsWhenAdvanceFails(t *testing.T) {
	require := require.New(t)

	h := newHarness(t, false, nil)
	require.NoError(h.funding.Deposit(local, uint256.NewInt(100)))
	h.engine.counters = failingAdvancer{}

	_, err := h.engine.Dispatch(peer, h.batch(t, 0, msg(receiver, "a"), msg(receiver, "b")))
	require.ErrorIs(err, ima.ErrStaleCounter)
	require.Equal(uint256.NewInt(100), h.funding.BalanceOf(local))
	require.Empty(h.calls)
	require.Zero(h.incoming(t))
}
