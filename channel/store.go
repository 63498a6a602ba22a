// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package channel

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/luxfi/ids"
	"github.com/luxfi/ima"
)

var _ Store = (*MemoryStore)(nil)

// Store holds the channel records of one chain.
type Store interface {
	// Get returns the record for peer, or ima.ErrUnknownChannel.
	Get(peer ids.ID) (Channel, error)
	// List returns every record ordered by peer id.
	List() []Channel
	// Create adds an Unconnected record for peer. Existing records are returned untouched.
	Create(peer ids.ID) (Channel, error)
	SetState(peer ids.ID, state State) error
	SetValidatorKey(peer ids.ID, key []byte) error
	// AllocateOutgoing returns the next outgoing counter and advances it.
	AllocateOutgoing(peer ids.ID) (uint64, error)
	// AdvanceIncoming moves the incoming counter from [from] to [from]+n. It
	// fails unless [from] equals the current incoming counter.
	AdvanceIncoming(peer ids.ID, from uint64, n uint64) (uint64, error)
}

// MemoryStore is an in-memory Store
type MemoryStore struct {
	mu       sync.RWMutex
	local    ids.ID
	channels map[ids.ID]*Channel
}

// NewMemoryStore creates a store for the channels of chain local
func NewMemoryStore(local ids.ID) *MemoryStore {
	return &MemoryStore{
		local:    local,
		channels: make(map[ids.ID]*Channel),
	}
}

func (s *MemoryStore) Get(peer ids.ID) (Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.channels[peer]
	if !ok {
		return Channel{}, fmt.Errorf("%w: %s", ima.ErrUnknownChannel, peer)
	}
	return copyChannel(c), nil
}

func (s *MemoryStore) List() []Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Channel, 0, len(s.channels))
	for _, c := range s.channels {
		out = append(out, copyChannel(c))
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].PeerChainID[:], out[j].PeerChainID[:]) < 0
	})
	return out
}

func (s *MemoryStore) Create(peer ids.ID) (Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if peer == s.local {
		return Channel{}, fmt.Errorf("cannot open a channel from %s to itself", peer)
	}
	if c, ok := s.channels[peer]; ok {
		return copyChannel(c), nil
	}
	c := &Channel{
		LocalChainID: s.local,
		PeerChainID:  peer,
		State:        Unconnected,
	}
	s.channels[peer] = c
	return copyChannel(c), nil
}

func (s *MemoryStore) SetState(peer ids.ID, state State) error {
	return s.update(peer, func(c *Channel) error {
		c.State = state
		return nil
	})
}

func (s *MemoryStore) SetValidatorKey(peer ids.ID, key []byte) error {
	return s.update(peer, func(c *Channel) error {
		c.ValidatorKey = append([]byte(nil), key...)
		return nil
	})
}

func (s *MemoryStore) AllocateOutgoing(peer ids.ID) (uint64, error) {
	var counter uint64
	err := s.update(peer, func(c *Channel) error {
		next, err := ima.AddUint64(c.OutgoingCounter, 1)
		if err != nil {
			return fmt.Errorf("outgoing counter exhausted: %w", err)
		}
		counter = c.OutgoingCounter
		c.OutgoingCounter = next
		return nil
	})
	return counter, err
}

func (s *MemoryStore) AdvanceIncoming(peer ids.ID, from uint64, n uint64) (uint64, error) {
	var counter uint64
	err := s.update(peer, func(c *Channel) error {
		if err := CheckStartingCounter(c.IncomingCounter, from); err != nil {
			return err
		}
		next, err := ima.AddUint64(c.IncomingCounter, n)
		if err != nil {
			return fmt.Errorf("incoming counter exhausted: %w", err)
		}
		c.IncomingCounter = next
		counter = next
		return nil
	})
	return counter, err
}

func (s *MemoryStore) update(peer ids.ID, f func(c *Channel) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.channels[peer]
	if !ok {
		return fmt.Errorf("%w: %s", ima.ErrUnknownChannel, peer)
	}
	return f(c)
}

// CheckStartingCounter returns nil if a batch starting at [start] continues a
// channel whose incoming counter is [incoming].
func CheckStartingCounter(incoming, start uint64) error {
	switch {
	case start < incoming:
		return fmt.Errorf("%w: got %d, incoming counter is %d", ima.ErrStaleCounter, start, incoming)
	case start > incoming:
		return fmt.Errorf("%w: got %d, incoming counter is %d", ima.ErrCounterAhead, start, incoming)
	default:
		return nil
	}
}

func copyChannel(c *Channel) Channel {
	out := *c
	out.ValidatorKey = append([]byte(nil), c.ValidatorKey...)
	return out
}
