// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package peers

import (
	"testing"

	"github.com/luxfi/geth/common"
	"github.com/luxfi/ids"
	"github.com/luxfi/ima"
	"github.com/luxfi/ima/access"
	"github.com/luxfi/ima/channel"
	"github.com/luxfi/ima/events"
	"github.com/luxfi/ima/registry"
	"github.com/stretchr/testify/require"
)

var (
	governance = common.HexToAddress("0x60")
	local      = ids.ID{1}
	peerA      = ids.ID{2}
	peerB      = ids.ID{3}
	key        = []byte{0xbe, 0xef}
)

func newTestManager(t *testing.T) (*Manager, *channel.MemoryStore, *registry.Registry, *events.Journal) {
	t.Helper()

	c := access.NewController(governance)
	j := events.NewJournal()
	store := channel.NewMemoryStore(local)
	reg := registry.New(c, j)
	return New(store, reg, c, j), store, reg, j
}

func TestConnectLifecycle(t *testing.T) {
	require := require.New(t)

	m, store, reg, j := newTestManager(t)
	require.Equal(channel.Unconnected, m.State(peerA))

	counterpart := common.HexToAddress("0xc0")
	require.NoError(m.Connect(governance, peerA, []common.Address{counterpart}, key))
	require.True(m.IsConnected(peerA))
	require.Equal([]common.Address{counterpart}, reg.Counterparts(peerA))

	c, err := store.Get(peerA)
	require.NoError(err)
	require.Equal(key, c.ValidatorKey)

	require.ErrorIs(m.Connect(governance, peerA, nil, key), ErrAlreadyConnected)

	require.NoError(m.Disconnect(governance, peerA))
	require.Equal(channel.Disconnected, m.State(peerA))
	require.ErrorIs(m.Disconnect(governance, peerA), ErrNotConnected)

	require.Len(events.Filter[events.PeerConnected](j.Since(0)), 1)
	require.Len(events.Filter[events.PeerDisconnected](j.Since(0)), 1)
}

func TestReconnectKeepsCounters(t *testing.T) {
	require := require.New(t)

	m, store, _, _ := newTestManager(t)
	require.NoError(m.Connect(governance, peerA, nil, key))

	_, err := store.AllocateOutgoing(peerA)
	require.NoError(err)
	_, err = store.AdvanceIncoming(peerA, 0, 4)
	require.NoError(err)

	require.NoError(m.Disconnect(governance, peerA))
	require.NoError(m.Connect(governance, peerA, nil, []byte{0x01}))

	c, err := store.Get(peerA)
	require.NoError(err)
	require.True(c.Connected())
	require.Equal(uint64(1), c.OutgoingCounter)
	require.Equal(uint64(4), c.IncomingCounter)
	require.Equal([]byte{0x01}, c.ValidatorKey)
}

func TestDisconnectIsolatesPeer(t *testing.T) {
	require := require.New(t)

	m, _, _, _ := newTestManager(t)
	require.NoError(m.Connect(governance, peerA, nil, key))
	require.NoError(m.Connect(governance, peerB, nil, key))

	require.NoError(m.Disconnect(governance, peerA))
	require.False(m.IsConnected(peerA))
	require.True(m.IsConnected(peerB))
}

func TestLifecycleRequiresCapability(t *testing.T) {
	require := require.New(t)

	m, _, _, _ := newTestManager(t)
	stranger := common.HexToAddress("0x5a")

	require.ErrorIs(m.Connect(stranger, peerA, nil, key), ima.ErrUnauthorized)
	require.Equal(channel.Unconnected, m.State(peerA))

	require.NoError(m.Connect(governance, peerA, nil, key))
	require.ErrorIs(m.Disconnect(stranger, peerA), ima.ErrUnauthorized)
	require.True(m.IsConnected(peerA))

	require.ErrorIs(m.Connect(governance, peerB, nil, nil), errNoValidatorKey)
	require.ErrorIs(m.Disconnect(governance, ids.ID{9}), ima.ErrUnknownChannel)
}
