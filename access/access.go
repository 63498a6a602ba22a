// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

// Package access implements capability checks for privileged ledger
// operations. Each principal holds an explicit set of permitted operations.
package access

import (
	"fmt"
	"sync"

	"github.com/luxfi/geth/common"
	"github.com/luxfi/ima"
	"github.com/luxfi/math/set"
)

// Operation is a privileged ledger operation
type Operation uint8

const (
	OpGrant Operation = iota
	OpRegisterDestination
	OpRevokeDestination
	OpRegisterSender
	OpConnect
	OpDisconnect
	OpWithdraw
)

func (o Operation) String() string {
	switch o {
	case OpGrant:
		return "grant"
	case OpRegisterDestination:
		return "register_destination"
	case OpRevokeDestination:
		return "revoke_destination"
	case OpRegisterSender:
		return "register_sender"
	case OpConnect:
		return "connect"
	case OpDisconnect:
		return "disconnect"
	case OpWithdraw:
		return "withdraw"
	default:
		return "unknown"
	}
}

// Roles bundle the operations usually granted together.
var (
	RegistrarRole  = []Operation{OpRegisterDestination, OpRevokeDestination, OpRegisterSender}
	GovernanceRole = []Operation{OpConnect, OpDisconnect}
	OperatorRole   = []Operation{OpWithdraw}
)

// Checker answers whether a principal may perform an operation
type Checker interface {
	Check(principal common.Address, op Operation) error
}

var _ Checker = (*Controller)(nil)

// Controller maps principals to their permitted operations
type Controller struct {
	mu     sync.RWMutex
	grants map[common.Address]set.Set[Operation]
}

// NewController creates a controller where admin may grant any operation,
// including OpGrant itself.
func NewController(admin common.Address) *Controller {
	c := &Controller{
		grants: make(map[common.Address]set.Set[Operation]),
	}
	c.grants[admin] = set.Of(
		OpGrant,
		OpRegisterDestination,
		OpRevokeDestination,
		OpRegisterSender,
		OpConnect,
		OpDisconnect,
		OpWithdraw,
	)
	return c
}

// Check returns ima.ErrUnauthorized if principal lacks op.
func (c *Controller) Check(principal common.Address, op Operation) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if ops, ok := c.grants[principal]; ok && ops.Contains(op) {
		return nil
	}
	return fmt.Errorf("%w: %s may not %s", ima.ErrUnauthorized, principal, op)
}

// Grant gives principal the listed operations. caller must hold OpGrant.
func (c *Controller) Grant(caller, principal common.Address, ops ...Operation) error {
	if err := c.Check(caller, OpGrant); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	granted, ok := c.grants[principal]
	if !ok {
		granted = set.NewSet[Operation](len(ops))
	}
	granted.Add(ops...)
	c.grants[principal] = granted
	return nil
}

// Revoke removes the listed operations from principal. caller must hold OpGrant.
func (c *Controller) Revoke(caller, principal common.Address, ops ...Operation) error {
	if err := c.Check(caller, OpGrant); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	granted, ok := c.grants[principal]
	if !ok {
		return nil
	}
	for _, op := range ops {
		granted.Remove(op)
	}
	if granted.Len() == 0 {
		delete(c.grants, principal)
	}
	return nil
}

// Operations lists the operations held by principal
func (c *Controller) Operations(principal common.Address) []Operation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.grants[principal].List()
}
