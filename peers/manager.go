// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

// Package peers connects and disconnects peer chains. Disconnecting is the
// kill-switch for one channel pair: admission stops for that peer while every
// other channel and the counters of the disconnected one are left untouched.
package peers

import (
	"errors"
	"fmt"

	"github.com/luxfi/geth/common"
	"github.com/luxfi/ids"
	"github.com/luxfi/ima/access"
	"github.com/luxfi/ima/channel"
	"github.com/luxfi/ima/events"
)

var (
	ErrAlreadyConnected = errors.New("peer already connected")
	ErrNotConnected     = errors.New("peer not connected")
	errNoValidatorKey   = errors.New("validator key required")
)

// CounterpartRegistry receives the trusted contracts of a peer on connect
type CounterpartRegistry interface {
	SetCounterparts(peer ids.ID, contracts []common.Address)
}

// Manager drives the Unconnected -> Connected -> Disconnected lifecycle
type Manager struct {
	store        channel.Store
	counterparts CounterpartRegistry
	access       access.Checker
	emitter      events.Emitter
}

func New(store channel.Store, counterparts CounterpartRegistry, checker access.Checker, emitter events.Emitter) *Manager {
	return &Manager{
		store:        store,
		counterparts: counterparts,
		access:       checker,
		emitter:      emitter,
	}
}

// Connect moves the channel with peer to Connected, creating it on first
// connect. Reconnecting a Disconnected channel keeps both counters.
// validatorKey replaces the stored key of the peer.
func (m *Manager) Connect(caller common.Address, peer ids.ID, counterparts []common.Address, validatorKey []byte) error {
	if err := m.access.Check(caller, access.OpConnect); err != nil {
		return err
	}
	if len(validatorKey) == 0 {
		return errNoValidatorKey
	}

	c, err := m.store.Create(peer)
	if err != nil {
		return err
	}
	if c.Connected() {
		return fmt.Errorf("%w: %s", ErrAlreadyConnected, peer)
	}
	if err := m.store.SetValidatorKey(peer, validatorKey); err != nil {
		return err
	}
	m.counterparts.SetCounterparts(peer, counterparts)
	if err := m.store.SetState(peer, channel.Connected); err != nil {
		return err
	}

	m.emitter.Emit(events.PeerConnected{
		Peer:         peer,
		Counterparts: append([]common.Address(nil), counterparts...),
	})
	return nil
}

// Disconnect moves a Connected channel to Disconnected
func (m *Manager) Disconnect(caller common.Address, peer ids.ID) error {
	if err := m.access.Check(caller, access.OpDisconnect); err != nil {
		return err
	}

	c, err := m.store.Get(peer)
	if err != nil {
		return err
	}
	if !c.Connected() {
		return fmt.Errorf("%w: %s is %s", ErrNotConnected, peer, c.State)
	}
	if err := m.store.SetState(peer, channel.Disconnected); err != nil {
		return err
	}

	m.emitter.Emit(events.PeerDisconnected{Peer: peer})
	return nil
}

// State returns the lifecycle state of the channel with peer. Unknown peers
// are Unconnected.
func (m *Manager) State(peer ids.ID) channel.State {
	c, err := m.store.Get(peer)
	if err != nil {
		return channel.Unconnected
	}
	return c.State
}

func (m *Manager) IsConnected(peer ids.ID) bool {
	return m.State(peer) == channel.Connected
}
