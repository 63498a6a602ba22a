// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

// Package dispatch executes admitted batches. Admission and funding failures
// abort the whole batch before any state changes. Once past them every message
// is attempted exactly once and its outcome recorded, so a failing message
// never blocks the channel.
package dispatch

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/ids"
	"github.com/luxfi/ima"
	"github.com/luxfi/ima/events"
	"github.com/luxfi/ima/funding"
	"github.com/luxfi/log"
)

// Call is what a destination contract receives for one message
type Call struct {
	SourceChainID ids.ID
	Counter       uint64
	Sender        common.Address
	Destination   common.Address
	Payload       []byte
}

// Executor delivers a call to its destination contract. A returned error or a
// panic marks only that message as failed.
type Executor interface {
	Execute(call Call) error
}

// ExecutorFunc adapts a function to the Executor interface
type ExecutorFunc func(call Call) error

func (f ExecutorFunc) Execute(call Call) error {
	return f(call)
}

// Admitter is satisfied by admission.Gate
type Admitter interface {
	Admit(src ids.ID, batch *ima.MessageBatch) error
}

// Authorizer is satisfied by registry.Registry
type Authorizer interface {
	IsAuthorized(srcChain ids.ID, srcContract, dst common.Address) bool
}

// Funder is satisfied by funding.Ledger
type Funder interface {
	Quote(chain ids.ID, n int, users map[common.Address]int) (*funding.Quote, error)
	Charge(q *funding.Quote) error
	Refund(q *funding.Quote) error
}

// CounterAdvancer is satisfied by channel.Store
type CounterAdvancer interface {
	AdvanceIncoming(peer ids.ID, from uint64, n uint64) (uint64, error)
}

// UserResolver names the end user a message is relayed for, if any. It is
// consulted only when the funder charges per user.
type UserResolver func(msg *ima.OutgoingMessage) (common.Address, bool)

// Result is the outcome of one message
type Result struct {
	Index   int
	Counter uint64
	Err     error
}

func (r Result) Delivered() bool {
	return r.Err == nil
}

// Report summarizes a dispatched batch
type Report struct {
	SourceChainID   ids.ID
	StartingCounter uint64
	Results         []Result
	Charged         *uint256.Int
}

// Delivered returns the number of messages the destination accepted
func (r *Report) Delivered() int {
	n := 0
	for _, res := range r.Results {
		if res.Delivered() {
			n++
		}
	}
	return n
}

// Failed returns the results of messages that had no effect
func (r *Report) Failed() []Result {
	var failed []Result
	for _, res := range r.Results {
		if !res.Delivered() {
			failed = append(failed, res)
		}
	}
	return failed
}

type Config struct {
	// LocalChainID keys the wallet that pays for dispatch
	LocalChainID ids.ID
	Gate         Admitter
	Registry     Authorizer
	Funding      Funder
	Counters     CounterAdvancer
	Executor     Executor
	Emitter      events.Emitter
	// Users is optional
	Users UserResolver
	Log   log.Logger
}

// Engine is the dispatch engine of one chain. Callers serialize Dispatch with
// every other state change of the chain.
type Engine struct {
	local    ids.ID
	gate     Admitter
	registry Authorizer
	funding  Funder
	counters CounterAdvancer
	executor Executor
	emitter  events.Emitter
	users    UserResolver
	log      log.Logger
}

func New(cfg Config) *Engine {
	emitter := cfg.Emitter
	if emitter == nil {
		emitter = events.Discard
	}
	return &Engine{
		local:    cfg.LocalChainID,
		gate:     cfg.Gate,
		registry: cfg.Registry,
		funding:  cfg.Funding,
		counters: cfg.Counters,
		executor: cfg.Executor,
		emitter:  emitter,
		users:    cfg.Users,
		log:      cfg.Log,
	}
}

// Simulate runs admission and the funding check without changing state. It
// returns the error Dispatch would abort with.
func (e *Engine) Simulate(src ids.ID, batch *ima.MessageBatch) error {
	_, err := e.prepare(src, batch)
	return err
}

// Dispatch admits batch, charges for it, advances the incoming counter by the
// batch length and attempts every message in order.
func (e *Engine) Dispatch(src ids.ID, batch *ima.MessageBatch) (*Report, error) {
	quote, err := e.prepare(src, batch)
	if err != nil {
		return nil, err
	}

	if err := e.funding.Charge(quote); err != nil {
		return nil, err
	}
	if _, err := e.counters.AdvanceIncoming(src, batch.StartingCounter, uint64(len(batch.Messages))); err != nil {
		if refundErr := e.funding.Refund(quote); refundErr != nil {
			return nil, fmt.Errorf("failed to refund charge: %w (advance failed: %w)", refundErr, err)
		}
		return nil, err
	}

	report := &Report{
		SourceChainID:   src,
		StartingCounter: batch.StartingCounter,
		Results:         make([]Result, len(batch.Messages)),
		Charged:         quote.Total(),
	}
	for i, msg := range batch.Messages {
		res := Result{
			Index:   i,
			Counter: msg.Counter,
			Err:     e.deliver(src, msg),
		}
		report.Results[i] = res
		e.emitOutcome(src, msg, res)
	}

	e.emitter.Emit(events.BatchProcessed{
		Source:          src,
		StartingCounter: batch.StartingCounter,
		Count:           len(batch.Messages),
		Delivered:       report.Delivered(),
		Failed:          len(batch.Messages) - report.Delivered(),
	})
	return report, nil
}

func (e *Engine) prepare(src ids.ID, batch *ima.MessageBatch) (*funding.Quote, error) {
	if err := e.gate.Admit(src, batch); err != nil {
		return nil, err
	}
	return e.funding.Quote(e.local, len(batch.Messages), e.implicatedUsers(batch))
}

func (e *Engine) implicatedUsers(batch *ima.MessageBatch) map[common.Address]int {
	if e.users == nil {
		return nil
	}
	users := make(map[common.Address]int)
	for _, msg := range batch.Messages {
		if user, ok := e.users(msg); ok {
			users[user]++
		}
	}
	return users
}

func (e *Engine) deliver(src ids.ID, msg *ima.OutgoingMessage) error {
	if !e.registry.IsAuthorized(src, msg.Sender, msg.Destination) {
		return fmt.Errorf("%w: %s may not call %s", ima.ErrUnauthorizedDestination, msg.Sender, msg.Destination)
	}
	if err := e.execute(Call{
		SourceChainID: src,
		Counter:       msg.Counter,
		Sender:        msg.Sender,
		Destination:   msg.Destination,
		Payload:       msg.Payload,
	}); err != nil {
		return fmt.Errorf("%w: %w", ima.ErrDeliveryFailed, err)
	}
	return nil
}

func (e *Engine) execute(call Call) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("destination trapped: %v", r)
		}
	}()
	return e.executor.Execute(call)
}

func (e *Engine) emitOutcome(src ids.ID, msg *ima.OutgoingMessage, res Result) {
	if res.Delivered() {
		e.emitter.Emit(events.MessageDelivered{
			Source:              src,
			Counter:             msg.Counter,
			Sender:              msg.Sender,
			DestinationContract: msg.Destination,
		})
		return
	}

	if e.log != nil {
		e.log.Debug(
			"message failed",
			log.Stringer("source", src),
			log.Uint64("counter", msg.Counter),
			log.Err(res.Err),
		)
	}
	e.emitter.Emit(events.MessageFailed{
		Source:              src,
		Counter:             msg.Counter,
		Sender:              msg.Sender,
		DestinationContract: msg.Destination,
		Reason:              res.Err.Error(),
	})
}
