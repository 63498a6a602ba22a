// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

// Package funding holds the prepaid balances that gate dispatch: one wallet per
// chain and, optionally, one community pool account per (chain, user).
package funding

import (
	"errors"
	"fmt"
	"sync"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/ids"
	"github.com/luxfi/ima"
	"github.com/luxfi/ima/access"
	"github.com/luxfi/ima/events"
)

var (
	errZeroAmount = errors.New("amount must be positive")

	ErrBalanceOverflow = errors.New("balance would overflow")
)

// Schedule prices a batch the way the relay pays for it: a fixed header cost
// plus a per-message cost, both in gas, times the gas price.
type Schedule struct {
	HeaderGas  uint64
	MessageGas uint64
	GasPrice   *uint256.Int
}

// DefaultSchedule mirrors typical mainnet relay costs
func DefaultSchedule() Schedule {
	return Schedule{
		HeaderGas:  92251,
		MessageGas: 9000,
		GasPrice:   uint256.NewInt(1),
	}
}

func (s Schedule) price() *uint256.Int {
	if s.GasPrice == nil {
		return new(uint256.Int)
	}
	return s.GasPrice
}

// HeaderCost is the fixed part of a batch cost
func (s Schedule) HeaderCost() *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(s.HeaderGas), s.price())
}

// MessageCost is the cost of one message
func (s Schedule) MessageCost() *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(s.MessageGas), s.price())
}

// BatchCost is HeaderCost + n*MessageCost
func (s Schedule) BatchCost(n int) *uint256.Int {
	perMessage := new(uint256.Int).Mul(s.MessageCost(), uint256.NewInt(uint64(n)))
	return perMessage.Add(perMessage, s.HeaderCost())
}

// Quote is the charge a batch would incur. It is computed without touching any
// balance and applied with Charge.
type Quote struct {
	Chain ids.ID
	// Wallet is the amount debited from the chain wallet
	Wallet *uint256.Int
	// Users is the amount debited from each implicated user's pool
	Users map[common.Address]*uint256.Int
}

// Total returns the whole charge
func (q *Quote) Total() *uint256.Int {
	total := new(uint256.Int).Set(q.Wallet)
	for _, amount := range q.Users {
		total.Add(total, amount)
	}
	return total
}

type poolKey struct {
	chain ids.ID
	user  common.Address
}

// Config of a funding ledger
type Config struct {
	Schedule Schedule
	// PerUser enables community pool accounting
	PerUser bool
}

// Ledger is the funding ledger of one chain
type Ledger struct {
	mu       sync.RWMutex
	access   access.Checker
	emitter  events.Emitter
	schedule Schedule
	perUser  bool
	wallets  map[ids.ID]*uint256.Int
	pools    map[poolKey]*uint256.Int
}

func New(cfg Config, checker access.Checker, emitter events.Emitter) *Ledger {
	return &Ledger{
		access:   checker,
		emitter:  emitter,
		schedule: cfg.Schedule,
		perUser:  cfg.PerUser,
		wallets:  make(map[ids.ID]*uint256.Int),
		pools:    make(map[poolKey]*uint256.Int),
	}
}

// PerUser reports whether community pool accounting is enabled
func (l *Ledger) PerUser() bool {
	return l.perUser
}

// Schedule returns the cost schedule
func (l *Ledger) Schedule() Schedule {
	return l.schedule
}

// Deposit credits the wallet of chain. Anyone may deposit.
func (l *Ledger) Deposit(chain ids.ID, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return errZeroAmount
	}

	l.mu.Lock()
	err := credit(l.wallets, chain, amount)
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("wallet of %s: %w", chain, err)
	}

	l.emitter.Emit(events.Deposited{Chain: chain, Amount: amount.Clone()})
	return nil
}

// DepositUser credits the community pool account of user on chain.
func (l *Ledger) DepositUser(chain ids.ID, user common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return errZeroAmount
	}

	l.mu.Lock()
	err := credit(l.pools, poolKey{chain: chain, user: user}, amount)
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("pool of %s on %s: %w", user, chain, err)
	}

	u := user
	l.emitter.Emit(events.Deposited{Chain: chain, User: &u, Amount: amount.Clone()})
	return nil
}

// Withdraw debits the wallet of chain. caller must hold access.OpWithdraw.
func (l *Ledger) Withdraw(caller common.Address, chain ids.ID, amount *uint256.Int) error {
	if err := l.access.Check(caller, access.OpWithdraw); err != nil {
		return err
	}
	if amount == nil || amount.IsZero() {
		return errZeroAmount
	}

	l.mu.Lock()
	err := debit(l.wallets, chain, amount)
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("wallet of %s: %w", chain, err)
	}

	l.emitter.Emit(events.Withdrawn{Chain: chain, Amount: amount.Clone()})
	return nil
}

// WithdrawUser debits a community pool account. A user may always withdraw
// its own balance; anyone else needs access.OpWithdraw.
func (l *Ledger) WithdrawUser(caller common.Address, chain ids.ID, user common.Address, amount *uint256.Int) error {
	if caller != user {
		if err := l.access.Check(caller, access.OpWithdraw); err != nil {
			return err
		}
	}
	if amount == nil || amount.IsZero() {
		return errZeroAmount
	}

	l.mu.Lock()
	err := debit(l.pools, poolKey{chain: chain, user: user}, amount)
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("pool of %s on %s: %w", user, chain, err)
	}

	u := user
	l.emitter.Emit(events.Withdrawn{Chain: chain, User: &u, Amount: amount.Clone()})
	return nil
}

// BalanceOf returns the wallet balance of chain
func (l *Ledger) BalanceOf(chain ids.ID) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return balance(l.wallets, chain)
}

// UserBalanceOf returns the community pool balance of user on chain
func (l *Ledger) UserBalanceOf(chain ids.ID, user common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return balance(l.pools, poolKey{chain: chain, user: user})
}

// Quote prices a batch of n messages for chain. users maps every implicated
// user to the number of its messages and is ignored unless per-user
// accounting is enabled.
//
// The wallet pays the header and every message without an implicated user;
// each user pays for its own messages. Every account that is charged must be
// non-zero and cover its share, otherwise ima.ErrInsufficientFunds is
// returned and nothing is charged.
func (l *Ledger) Quote(chain ids.ID, n int, users map[common.Address]int) (*Quote, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.quote(chain, n, users)
}

func (l *Ledger) quote(chain ids.ID, n int, users map[common.Address]int) (*Quote, error) {
	q := &Quote{
		Chain: chain,
		Users: make(map[common.Address]*uint256.Int),
	}

	walletMessages := n
	if l.perUser {
		for user, count := range users {
			if count <= 0 {
				continue
			}
			walletMessages -= count
			owed := new(uint256.Int).Mul(l.schedule.MessageCost(), uint256.NewInt(uint64(count)))
			available := balance(l.pools, poolKey{chain: chain, user: user})
			if available.IsZero() || available.Lt(owed) {
				return nil, fmt.Errorf("%w: pool of %s holds %s, needs %s", ima.ErrInsufficientFunds, user, available, owed)
			}
			q.Users[user] = owed
		}
		if walletMessages < 0 {
			walletMessages = 0
		}
	}

	q.Wallet = l.schedule.BatchCost(walletMessages)
	available := balance(l.wallets, chain)
	if available.IsZero() || available.Lt(q.Wallet) {
		return nil, fmt.Errorf("%w: wallet of %s holds %s, needs %s", ima.ErrInsufficientFunds, chain, available, q.Wallet)
	}
	return q, nil
}

// Charge applies a quote. Balances are re-checked so that a stale quote can
// never drive an account negative.
func (l *Ledger) Charge(q *Quote) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if available := balance(l.wallets, q.Chain); available.Lt(q.Wallet) {
		return fmt.Errorf("%w: wallet of %s holds %s, needs %s", ima.ErrInsufficientFunds, q.Chain, available, q.Wallet)
	}
	for user, owed := range q.Users {
		if available := balance(l.pools, poolKey{chain: q.Chain, user: user}); available.Lt(owed) {
			return fmt.Errorf("%w: pool of %s holds %s, needs %s", ima.ErrInsufficientFunds, user, available, owed)
		}
	}

	if !q.Wallet.IsZero() {
		_ = debit(l.wallets, q.Chain, q.Wallet)
	}
	users := make(map[common.Address]*uint256.Int, len(q.Users))
	for user, owed := range q.Users {
		_ = debit(l.pools, poolKey{chain: q.Chain, user: user}, owed)
		users[user] = owed.Clone()
	}

	l.emitter.Emit(events.Charged{Chain: q.Chain, Amount: q.Wallet.Clone(), Users: users})
	return nil
}

// Refund credits back a quote applied by Charge. Nothing is credited if any
// account would overflow.
func (l *Ledger) Refund(q *Quote) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if overflows(l.wallets, q.Chain, q.Wallet) {
		return fmt.Errorf("wallet of %s: %w", q.Chain, ErrBalanceOverflow)
	}
	for user, owed := range q.Users {
		if overflows(l.pools, poolKey{chain: q.Chain, user: user}, owed) {
			return fmt.Errorf("pool of %s on %s: %w", user, q.Chain, ErrBalanceOverflow)
		}
	}

	if !q.Wallet.IsZero() {
		_ = credit(l.wallets, q.Chain, q.Wallet)
	}
	for user, owed := range q.Users {
		_ = credit(l.pools, poolKey{chain: q.Chain, user: user}, owed)
	}
	return nil
}

func balance[K comparable](accounts map[K]*uint256.Int, key K) *uint256.Int {
	if b, ok := accounts[key]; ok {
		return b.Clone()
	}
	return new(uint256.Int)
}

func credit[K comparable](accounts map[K]*uint256.Int, key K, amount *uint256.Int) error {
	b, ok := accounts[key]
	if !ok {
		b = new(uint256.Int)
	}
	sum, overflow := new(uint256.Int).AddOverflow(b, amount)
	if overflow {
		return fmt.Errorf("%w: %s + %s", ErrBalanceOverflow, b, amount)
	}
	accounts[key] = sum
	return nil
}

func overflows[K comparable](accounts map[K]*uint256.Int, key K, amount *uint256.Int) bool {
	_, overflow := new(uint256.Int).AddOverflow(balance(accounts, key), amount)
	return overflow
}

func debit[K comparable](accounts map[K]*uint256.Int, key K, amount *uint256.Int) error {
	b, ok := accounts[key]
	if !ok || b.Lt(amount) {
		return fmt.Errorf("%w: balance below %s", ima.ErrInsufficientFunds, amount)
	}
	b.Sub(b, amount)
	return nil
}
