// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package outgoing

import (
	"sync"
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
	admin    = common.HexToAddress("0xad")
	sender   = common.HexToAddress("0x5e")
	receiver = common.HexToAddress("0x4e")
	local    = ids.ID{1}
	peer     = ids.ID{2}
)

func newTestLog(t *testing.T) (*Log, *channel.MemoryStore, *events.Journal) {
	t.Helper()

	c := access.NewController(admin)
	j := events.NewJournal()
	reg := registry.New(c, j)
	require.NoError(t, reg.RegisterSender(admin, peer, sender))

	store := channel.NewMemoryStore(local)
	_, err := store.Create(peer)
	require.NoError(t, err)
	require.NoError(t, store.SetState(peer, channel.Connected))
	return New(local, store, reg, j), store, j
}

func TestPostAssignsSequentialCounters(t *testing.T) {
	require := require.New(t)

	l, store, j := newTestLog(t)
	for i := uint64(0); i < 3; i++ {
		counter, err := l.Post(sender, peer, receiver, []byte{byte(i)})
		require.NoError(err)
		require.Equal(i, counter)
	}

	c, err := store.Get(peer)
	require.NoError(err)
	require.Equal(uint64(3), c.OutgoingCounter)
	require.Equal(uint64(3), l.Len(peer))

	posted := events.Filter[events.MessagePosted](j.Since(0))
	require.Len(posted, 3)
	require.Equal(local, posted[2].Source)
	require.Equal(peer, posted[2].Destination)
	require.Equal(uint64(2), posted[2].Counter)
	require.Equal(receiver, posted[2].DestinationContract)

	msg, ok := l.Message(peer, 1)
	require.True(ok)
	require.Equal([]byte{1}, msg.Payload)
	_, ok = l.Message(peer, 3)
	require.False(ok)
}

func TestConcurrentPostsHaveNoGaps(t *testing.T) {
	require := require.New(t)

	l, _, _ := newTestLog(t)
	const n = 50

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		counters = make(map[uint64]struct{}, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			counter, err := l.Post(sender, peer, receiver, nil)
			if err != nil {
				return
			}
			mu.Lock()
			counters[counter] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(counters, n)
	for i := uint64(0); i < n; i++ {
		require.Contains(counters, i)
	}
	for i, m := range l.Messages(peer, 0, n) {
		require.Equal(uint64(i), m.Counter)
	}
}

func TestPostRejects(t *testing.T) {
	require := require.New(t)

	l, store, _ := newTestLog(t)

	_, err := l.Post(receiver, peer, receiver, nil)
	require.ErrorIs(err, ima.ErrUnauthorized)

	_, err = l.Post(sender, peer, receiver, make([]byte, ima.MaxPayloadSize+1))
	require.ErrorIs(err, ima.ErrPayloadTooLarge)

	_, err = l.PostInternal(sender, ids.ID{9}, receiver, nil)
	require.ErrorIs(err, ima.ErrUnknownChannel)

	require.NoError(store.SetState(peer, channel.Disconnected))
	_, err = l.Post(sender, peer, receiver, nil)
	require.ErrorIs(err, ima.ErrChannelDisconnected)
	require.Zero(l.Len(peer))
}

func TestMessagesRange(t *testing.T) {
	require := require.New(t)

	l, _, _ := newTestLog(t)
	for i := 0; i < 5; i++ {
		_, err := l.Post(sender, peer, receiver, []byte{byte(i)})
		require.NoError(err)
	}

	require.Len(l.Messages(peer, 1, 3), 2)
	require.Len(l.Messages(peer, 3, 100), 2)
	require.Empty(l.Messages(peer, 5, 10))
	require.Empty(l.Messages(peer, 3, 1))

	// Returned records are copies.
	msgs := l.Messages(peer, 0, 1)
	msgs[0].Payload[0] = 0xff
	again, _ := l.Message(peer, 0)
	require.Equal([]byte{0}, again.Payload)
}

func TestStagedPosts(t *testing.T) {
	require := require.New(t)

	l, store, j := newTestLog(t)
	_, err := l.Post(sender, peer, receiver, []byte{0})
	require.NoError(err)

	// Dropped without Commit.
	dropped := l.Stage()
	counter, err := dropped.PostInternal(receiver, peer, sender, []byte{1})
	require.NoError(err)
	require.Equal(uint64(1), counter)
	require.Equal(uint64(1), l.Len(peer))

	staged := l.Stage()
	_, err = staged.Post(receiver, peer, sender, nil)
	require.ErrorIs(err, ima.ErrUnauthorized)
	_, err = staged.Post(sender, peer, receiver, make([]byte, ima.MaxPayloadSize+1))
	require.ErrorIs(err, ima.ErrPayloadTooLarge)
	for i := uint64(1); i < 3; i++ {
		counter, err := staged.Post(sender, peer, receiver, []byte{byte(i)})
		require.NoError(err)
		require.Equal(i, counter)
	}
	require.Equal(2, staged.Len())
	require.Equal(uint64(1), l.Len(peer))
	require.Len(events.Filter[events.MessagePosted](j.Since(0)), 1)

	require.NoError(staged.Commit())
	require.Zero(staged.Len())
	require.Equal(uint64(3), l.Len(peer))
	for i, m := range l.Messages(peer, 0, 3) {
		require.Equal(uint64(i), m.Counter)
		require.Equal([]byte{byte(i)}, m.Payload)
	}
	c, err := store.Get(peer)
	require.NoError(err)
	require.Equal(uint64(3), c.OutgoingCounter)
	require.Len(events.Filter[events.MessagePosted](j.Since(0)), 3)
}
