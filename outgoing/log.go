// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

// Package outgoing is the append-only log of messages posted from the local
// chain. Each message receives the next outgoing counter of its channel.
package outgoing

import (
	"fmt"
	"sync"

	"github.com/luxfi/geth/common"
	"github.com/luxfi/ids"
	"github.com/luxfi/ima"
	"github.com/luxfi/ima/channel"
	"github.com/luxfi/ima/events"
)

// SenderRegistry answers whether a contract may post to a destination chain
type SenderRegistry interface {
	IsSender(dstChain ids.ID, sender common.Address) bool
}

// Log is the outgoing message log of one chain
type Log struct {
	mu       sync.RWMutex
	local    ids.ID
	store    channel.Store
	senders  SenderRegistry
	emitter  events.Emitter
	messages map[ids.ID][]*ima.OutgoingMessage
}

func New(local ids.ID, store channel.Store, senders SenderRegistry, emitter events.Emitter) *Log {
	return &Log{
		local:    local,
		store:    store,
		senders:  senders,
		emitter:  emitter,
		messages: make(map[ids.ID][]*ima.OutgoingMessage),
	}
}

// Post appends a message from sender to dstContract on dstChain and returns
// its counter. sender must be registered for dstChain.
func (l *Log) Post(sender common.Address, dstChain ids.ID, dstContract common.Address, payload []byte) (uint64, error) {
	if !l.senders.IsSender(dstChain, sender) {
		return 0, fmt.Errorf("%w: %s may not post to %s", ima.ErrUnauthorized, sender, dstChain)
	}
	return l.PostInternal(sender, dstChain, dstContract, payload)
}

// PostInternal appends a message without the sender check. It serves trusted
// callers such as receivers replying from inside a dispatch.
func (l *Log) PostInternal(sender common.Address, dstChain ids.ID, dstContract common.Address, payload []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.check(dstChain, payload); err != nil {
		return 0, err
	}
	counter, err := l.store.AllocateOutgoing(dstChain)
	if err != nil {
		return 0, err
	}

	msg := &ima.OutgoingMessage{
		Counter:     counter,
		Sender:      sender,
		Destination: dstContract,
		Payload:     append([]byte(nil), payload...),
	}
	l.messages[dstChain] = append(l.messages[dstChain], msg)

	l.emitter.Emit(events.MessagePosted{
		Source:              l.local,
		Destination:         dstChain,
		Counter:             counter,
		Sender:              sender,
		DestinationContract: dstContract,
		Payload:             msg.Payload,
	})
	return counter, nil
}

// check validates a post to dstChain and returns the channel. l.mu must be
// held.
func (l *Log) check(dstChain ids.ID, payload []byte) (channel.Channel, error) {
	if len(payload) > ima.MaxPayloadSize {
		return channel.Channel{}, fmt.Errorf("%w: %d bytes", ima.ErrPayloadTooLarge, len(payload))
	}
	c, err := l.store.Get(dstChain)
	if err != nil {
		return channel.Channel{}, err
	}
	if !c.Connected() {
		return channel.Channel{}, fmt.Errorf("%w: %s", ima.ErrChannelDisconnected, dstChain)
	}

	// The log and the channel's outgoing counter advance together.
	if have := uint64(len(l.messages[dstChain])); have != c.OutgoingCounter {
		return channel.Channel{}, fmt.Errorf("outgoing log to %s holds %d messages, counter is %d", dstChain, have, c.OutgoingCounter)
	}
	return c, nil
}

// Staged buffers posts until Commit. Each post is validated and given the
// counter it will receive on commit, so nothing else may post to the log
// while a Staged is open.
type Staged struct {
	log     *Log
	posts   []stagedPost
	pending map[ids.ID]uint64
}

type stagedPost struct {
	sender      common.Address
	dstChain    ids.ID
	dstContract common.Address
	payload     []byte
}

// Stage opens a buffer of posts. Dropping it without Commit discards them.
func (l *Log) Stage() *Staged {
	return &Staged{
		log:     l,
		pending: make(map[ids.ID]uint64),
	}
}

// Post stages a message with the same sender check as Log.Post
func (s *Staged) Post(sender common.Address, dstChain ids.ID, dstContract common.Address, payload []byte) (uint64, error) {
	if !s.log.senders.IsSender(dstChain, sender) {
		return 0, fmt.Errorf("%w: %s may not post to %s", ima.ErrUnauthorized, sender, dstChain)
	}
	return s.PostInternal(sender, dstChain, dstContract, payload)
}

// PostInternal stages a message without the sender check
func (s *Staged) PostInternal(sender common.Address, dstChain ids.ID, dstContract common.Address, payload []byte) (uint64, error) {
	s.log.mu.RLock()
	c, err := s.log.check(dstChain, payload)
	s.log.mu.RUnlock()
	if err != nil {
		return 0, err
	}

	counter, err := ima.AddUint64(c.OutgoingCounter, s.pending[dstChain])
	if err != nil {
		return 0, fmt.Errorf("outgoing counter to %s exhausted: %w", dstChain, err)
	}
	s.pending[dstChain]++
	s.posts = append(s.posts, stagedPost{
		sender:      sender,
		dstChain:    dstChain,
		dstContract: dstContract,
		payload:     append([]byte(nil), payload...),
	})
	return counter, nil
}

// Len returns the number of staged posts
func (s *Staged) Len() int {
	return len(s.posts)
}

// Commit appends the staged posts to the log in order
func (s *Staged) Commit() error {
	for _, p := range s.posts {
		if _, err := s.log.PostInternal(p.sender, p.dstChain, p.dstContract, p.payload); err != nil {
			return err
		}
	}
	s.posts = nil
	clear(s.pending)
	return nil
}

// Messages returns the messages to dstChain with counters in [from, to). The
// range is clipped to the messages posted so far.
func (l *Log) Messages(dstChain ids.ID, from, to uint64) []*ima.OutgoingMessage {
	l.mu.RLock()
	defer l.mu.RUnlock()

	msgs := l.messages[dstChain]
	if to > uint64(len(msgs)) {
		to = uint64(len(msgs))
	}
	if from >= to {
		return nil
	}
	out := make([]*ima.OutgoingMessage, 0, to-from)
	for _, m := range msgs[from:to] {
		out = append(out, copyMessage(m))
	}
	return out
}

// Message returns the message to dstChain with the given counter
func (l *Log) Message(dstChain ids.ID, counter uint64) (*ima.OutgoingMessage, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	msgs := l.messages[dstChain]
	if counter >= uint64(len(msgs)) {
		return nil, false
	}
	return copyMessage(msgs[counter]), true
}

// Len returns the number of messages posted to dstChain
func (l *Log) Len(dstChain ids.ID) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.messages[dstChain]))
}

func copyMessage(m *ima.OutgoingMessage) *ima.OutgoingMessage {
	out := *m
	out.Payload = append([]byte(nil), m.Payload...)
	return &out
}
