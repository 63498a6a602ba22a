// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

// Package registry tracks which contracts may send messages and which
// destination contracts each remote sender may reach.
package registry

import (
	"sync"

	"github.com/luxfi/geth/common"
	"github.com/luxfi/ids"
	"github.com/luxfi/ima/access"
	"github.com/luxfi/ima/events"
	"github.com/luxfi/math/set"
)

type senderKey struct {
	chain    ids.ID
	contract common.Address
}

// Registry is the authorization registry of one chain
type Registry struct {
	mu      sync.RWMutex
	access  access.Checker
	emitter events.Emitter

	// (source chain, source contract) -> permitted local destination contracts
	destinations map[senderKey]set.Set[common.Address]
	// destination chain -> local contracts allowed to post to it
	senders map[ids.ID]set.Set[common.Address]
	// peer chain -> trusted counterpart contracts on that chain
	counterparts map[ids.ID]set.Set[common.Address]
}

func New(checker access.Checker, emitter events.Emitter) *Registry {
	return &Registry{
		access:       checker,
		emitter:      emitter,
		destinations: make(map[senderKey]set.Set[common.Address]),
		senders:      make(map[ids.ID]set.Set[common.Address]),
		counterparts: make(map[ids.ID]set.Set[common.Address]),
	}
}

// RegisterDestination permits messages from (srcChain, srcContract) to call dst.
func (r *Registry) RegisterDestination(caller common.Address, srcChain ids.ID, srcContract, dst common.Address) error {
	if err := r.access.Check(caller, access.OpRegisterDestination); err != nil {
		return err
	}

	r.mu.Lock()
	key := senderKey{chain: srcChain, contract: srcContract}
	dsts, ok := r.destinations[key]
	if !ok {
		dsts = set.NewSet[common.Address]()
	}
	dsts.Add(dst)
	r.destinations[key] = dsts
	r.mu.Unlock()

	r.emitter.Emit(events.DestinationRegistered{
		SourceChain:         srcChain,
		SourceContract:      srcContract,
		DestinationContract: dst,
	})
	return nil
}

// Revoke withdraws a permission granted by RegisterDestination.
func (r *Registry) Revoke(caller common.Address, srcChain ids.ID, srcContract, dst common.Address) error {
	if err := r.access.Check(caller, access.OpRevokeDestination); err != nil {
		return err
	}

	r.mu.Lock()
	key := senderKey{chain: srcChain, contract: srcContract}
	dsts, ok := r.destinations[key]
	if ok {
		dsts.Remove(dst)
		if dsts.Len() == 0 {
			delete(r.destinations, key)
		}
	}
	r.mu.Unlock()

	if ok {
		r.emitter.Emit(events.DestinationRevoked{
			SourceChain:         srcChain,
			SourceContract:      srcContract,
			DestinationContract: dst,
		})
	}
	return nil
}

// IsAuthorized reports whether a message from (srcChain, srcContract) may call
// dst. When the peer has registered counterparts, the sender must be one of
// them.
func (r *Registry) IsAuthorized(srcChain ids.ID, srcContract, dst common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if trusted, ok := r.counterparts[srcChain]; ok && trusted.Len() > 0 && !trusted.Contains(srcContract) {
		return false
	}
	return r.destinations[senderKey{chain: srcChain, contract: srcContract}].Contains(dst)
}

// Destinations lists the destinations (srcChain, srcContract) may call
func (r *Registry) Destinations(srcChain ids.ID, srcContract common.Address) []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.destinations[senderKey{chain: srcChain, contract: srcContract}].List()
}

// RegisterSender allows sender to post messages to dstChain.
func (r *Registry) RegisterSender(caller common.Address, dstChain ids.ID, sender common.Address) error {
	if err := r.access.Check(caller, access.OpRegisterSender); err != nil {
		return err
	}

	r.mu.Lock()
	senders, ok := r.senders[dstChain]
	if !ok {
		senders = set.NewSet[common.Address]()
	}
	senders.Add(sender)
	r.senders[dstChain] = senders
	r.mu.Unlock()

	r.emitter.Emit(events.SenderRegistered{DestinationChain: dstChain, Sender: sender})
	return nil
}

// RemoveSender undoes RegisterSender
func (r *Registry) RemoveSender(caller common.Address, dstChain ids.ID, sender common.Address) error {
	if err := r.access.Check(caller, access.OpRegisterSender); err != nil {
		return err
	}

	r.mu.Lock()
	senders, ok := r.senders[dstChain]
	if ok {
		senders.Remove(sender)
		r.senders[dstChain] = senders
	}
	r.mu.Unlock()

	if ok {
		r.emitter.Emit(events.SenderRemoved{DestinationChain: dstChain, Sender: sender})
	}
	return nil
}

// IsSender reports whether sender may post to dstChain
func (r *Registry) IsSender(dstChain ids.ID, sender common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.senders[dstChain].Contains(sender)
}

// SetCounterparts replaces the trusted contracts of peer. It is called by the
// peer lifecycle manager, which performs its own capability check.
func (r *Registry) SetCounterparts(peer ids.ID, contracts []common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(contracts) == 0 {
		delete(r.counterparts, peer)
		return
	}
	r.counterparts[peer] = set.Of(contracts...)
}

// Counterparts lists the trusted contracts of peer
func (r *Registry) Counterparts(peer ids.ID) []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counterparts[peer].List()
}
