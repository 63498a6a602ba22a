// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

// Package ledger is the message proxy of one chain. It wires the channel
// store, outgoing log, registry, peer manager, funding ledger and dispatch
// engine together and runs every state change as one serialized transaction.
package ledger

import (
	"fmt"
	"sync"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/ids"
	"github.com/luxfi/ima"
	"github.com/luxfi/ima/access"
	"github.com/luxfi/ima/admission"
	"github.com/luxfi/ima/channel"
	"github.com/luxfi/ima/dispatch"
	"github.com/luxfi/ima/events"
	"github.com/luxfi/ima/funding"
	"github.com/luxfi/ima/outgoing"
	"github.com/luxfi/ima/peers"
	"github.com/luxfi/ima/registry"
	"github.com/luxfi/log"
)

// Tx is handed to receivers while a batch is dispatched.
type Tx interface {
	// ChainID is the chain executing the call
	ChainID() ids.ID
	// Post sends a message on behalf of sender, which must be a registered
	// sender for dstChain.
	Post(sender common.Address, dstChain ids.ID, dstContract common.Address, payload []byte) (uint64, error)
	// Reply sends a message from the called contract back to the sender of
	// the call being executed.
	Reply(payload []byte) (uint64, error)
}

// Receiver is a contract deployed on the ledger that accepts calls
type Receiver interface {
	Receive(tx Tx, call dispatch.Call) error
}

// ReceiverFunc adapts a function to the Receiver interface
type ReceiverFunc func(tx Tx, call dispatch.Call) error

func (f ReceiverFunc) Receive(tx Tx, call dispatch.Call) error {
	return f(tx, call)
}

type Config struct {
	ChainID ids.ID
	// Admin holds every privileged operation and may grant them
	Admin    common.Address
	Verifier ima.Verifier
	Funding  funding.Config
	// Users resolves the end user of a message for per-user funding
	Users dispatch.UserResolver
	Log   log.Logger
}

// Ledger is one chain's side of every channel
type Ledger struct {
	// mu serializes transactions
	mu sync.Mutex

	chainID  ids.ID
	log      log.Logger
	journal  *events.Journal
	access   *access.Controller
	channels *channel.MemoryStore
	registry *registry.Registry
	outgoing *outgoing.Log
	funding  *funding.Ledger
	peers    *peers.Manager
	engine   *dispatch.Engine

	contractsLock sync.RWMutex
	contracts     map[common.Address]Receiver

	// call is the call being executed and staged holds its posts. Both are
	// set only inside Dispatch.
	call   *dispatch.Call
	staged *outgoing.Staged
}

func New(cfg Config) *Ledger {
	verifier := cfg.Verifier
	if verifier == nil {
		verifier = ima.NewQuorumVerifier()
	}
	logger := cfg.Log
	if logger == nil {
		logger = log.NewNoOpLogger()
	}

	l := &Ledger{
		chainID:   cfg.ChainID,
		log:       logger,
		journal:   events.NewJournal(),
		access:    access.NewController(cfg.Admin),
		channels:  channel.NewMemoryStore(cfg.ChainID),
		contracts: make(map[common.Address]Receiver),
	}
	l.registry = registry.New(l.access, l.journal)
	l.outgoing = outgoing.New(cfg.ChainID, l.channels, l.registry, l.journal)
	l.funding = funding.New(cfg.Funding, l.access, l.journal)
	l.peers = peers.New(l.channels, l.registry, l.access, l.journal)
	l.engine = dispatch.New(dispatch.Config{
		LocalChainID: cfg.ChainID,
		Gate:         admission.New(l.channels, verifier),
		Registry:     l.registry,
		Funding:      l.funding,
		Counters:     l.channels,
		Executor:     dispatch.ExecutorFunc(l.execute),
		Emitter:      l.journal,
		Users:        cfg.Users,
		Log:          logger,
	})
	return l
}

func (l *Ledger) ChainID() ids.ID {
	return l.chainID
}

// Events returns the audit journal
func (l *Ledger) Events() *events.Journal {
	return l.journal
}

// Deploy places a receiver at addr, replacing any previous one.
func (l *Ledger) Deploy(addr common.Address, r Receiver) {
	l.contractsLock.Lock()
	defer l.contractsLock.Unlock()
	l.contracts[addr] = r
}

func (l *Ledger) Grant(caller, principal common.Address, ops ...access.Operation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.access.Grant(caller, principal, ops...)
}

func (l *Ledger) Revoke(caller, principal common.Address, ops ...access.Operation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.access.Revoke(caller, principal, ops...)
}

// Post appends a message to the outgoing log
func (l *Ledger) Post(sender common.Address, dstChain ids.ID, dstContract common.Address, payload []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.outgoing.Post(sender, dstChain, dstContract, payload)
}

// Dispatch processes a signed batch from src
func (l *Ledger) Dispatch(src ids.ID, batch *ima.MessageBatch) (*dispatch.Report, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	report, err := l.engine.Dispatch(src, batch)
	if err != nil {
		return nil, err
	}
	l.log.Debug("dispatched batch",
		log.Stringer("source", src),
		log.Uint64("startingCounter", batch.StartingCounter),
		log.Int("delivered", report.Delivered()),
		log.Int("failed", len(report.Failed())),
	)
	return report, nil
}

// Simulate reports whether Dispatch would accept batch, without changing state
func (l *Ledger) Simulate(src ids.ID, batch *ima.MessageBatch) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.engine.Simulate(src, batch)
}

func (l *Ledger) Connect(caller common.Address, peer ids.ID, counterparts []common.Address, validatorKey []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peers.Connect(caller, peer, counterparts, validatorKey)
}

func (l *Ledger) Disconnect(caller common.Address, peer ids.ID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peers.Disconnect(caller, peer)
}

func (l *Ledger) IsConnected(peer ids.ID) bool {
	return l.peers.IsConnected(peer)
}

func (l *Ledger) RegisterDestination(caller common.Address, srcChain ids.ID, srcContract, dst common.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.registry.RegisterDestination(caller, srcChain, srcContract, dst)
}

func (l *Ledger) RevokeDestination(caller common.Address, srcChain ids.ID, srcContract, dst common.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.registry.Revoke(caller, srcChain, srcContract, dst)
}

func (l *Ledger) IsAuthorized(srcChain ids.ID, srcContract, dst common.Address) bool {
	return l.registry.IsAuthorized(srcChain, srcContract, dst)
}

func (l *Ledger) RegisterSender(caller common.Address, dstChain ids.ID, sender common.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.registry.RegisterSender(caller, dstChain, sender)
}

func (l *Ledger) RemoveSender(caller common.Address, dstChain ids.ID, sender common.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.registry.RemoveSender(caller, dstChain, sender)
}

func (l *Ledger) Deposit(chain ids.ID, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.funding.Deposit(chain, amount)
}

func (l *Ledger) DepositUser(chain ids.ID, user common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.funding.DepositUser(chain, user, amount)
}

func (l *Ledger) Withdraw(caller common.Address, chain ids.ID, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.funding.Withdraw(caller, chain, amount)
}

func (l *Ledger) WithdrawUser(caller common.Address, chain ids.ID, user common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.funding.WithdrawUser(caller, chain, user, amount)
}

func (l *Ledger) BalanceOf(chain ids.ID) *uint256.Int {
	return l.funding.BalanceOf(chain)
}

func (l *Ledger) UserBalanceOf(chain ids.ID, user common.Address) *uint256.Int {
	return l.funding.UserBalanceOf(chain, user)
}

// Channel returns the local record of the channel with peer
func (l *Ledger) Channel(peer ids.ID) (channel.Channel, error) {
	return l.channels.Get(peer)
}

func (l *Ledger) Channels() []channel.Channel {
	return l.channels.List()
}

// OutgoingMessages returns the messages posted to peer in [from, to)
func (l *Ledger) OutgoingMessages(peer ids.ID, from, to uint64) []*ima.OutgoingMessage {
	return l.outgoing.Messages(peer, from, to)
}

func (l *Ledger) OutgoingMessage(peer ids.ID, counter uint64) (*ima.OutgoingMessage, bool) {
	return l.outgoing.Message(peer, counter)
}

// execute runs inside Dispatch, with mu held.
func (l *Ledger) execute(call dispatch.Call) error {
	l.contractsLock.RLock()
	r, ok := l.contracts[call.Destination]
	l.contractsLock.RUnlock()
	if !ok {
		return fmt.Errorf("no contract deployed at %s", call.Destination)
	}

	// Posts made by a failing call are dropped with it.
	l.call = &call
	l.staged = l.outgoing.Stage()
	defer func() {
		l.call = nil
		l.staged = nil
	}()
	if err := r.Receive((*tx)(l), call); err != nil {
		return err
	}
	return l.staged.Commit()
}

// tx exposes the outgoing log to receivers without taking mu again.
type tx Ledger

func (t *tx) ChainID() ids.ID {
	return t.chainID
}

func (t *tx) Post(sender common.Address, dstChain ids.ID, dstContract common.Address, payload []byte) (uint64, error) {
	if t.staged == nil {
		return 0, fmt.Errorf("post outside of a dispatched call")
	}
	return t.staged.Post(sender, dstChain, dstContract, payload)
}

func (t *tx) Reply(payload []byte) (uint64, error) {
	if t.call == nil {
		return 0, fmt.Errorf("reply outside of a dispatched call")
	}
	return t.staged.PostInternal(t.call.Destination, t.call.SourceChainID, t.call.Sender, payload)
}
