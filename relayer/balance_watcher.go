// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package relayer

import (
	"context"
	"sync"

	"github.com/holiman/uint256"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/robfig/cron/v3"
)

const DefaultBalanceCheckSchedule = "@every 1m"

type watchedWallet struct {
	chainID ids.ID
	reader  BalanceReader
}

// BalanceWatcher warns when a wallet paying for dispatch falls below a
// threshold. Dispatch on a chain with an empty wallet aborts every batch.
type BalanceWatcher struct {
	logger    log.Logger
	metrics   *RelayerMetrics
	threshold *uint256.Int
	schedule  string

	lock    sync.Mutex
	wallets []watchedWallet
	cron    *cron.Cron
}

func NewBalanceWatcher(
	logger log.Logger,
	metrics *RelayerMetrics,
	threshold *uint256.Int,
	schedule string,
) *BalanceWatcher {
	if schedule == "" {
		schedule = DefaultBalanceCheckSchedule
	}
	if threshold == nil {
		threshold = new(uint256.Int)
	}
	return &BalanceWatcher{
		logger:    logger,
		metrics:   metrics,
		threshold: threshold,
		schedule:  schedule,
	}
}

// Watch adds the wallet of chainID
func (w *BalanceWatcher) Watch(chainID ids.ID, reader BalanceReader) {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.wallets = append(w.wallets, watchedWallet{chainID: chainID, reader: reader})
}

// Check reads every watched wallet and returns the chains whose balance is
// below the threshold
func (w *BalanceWatcher) Check(ctx context.Context) []ids.ID {
	w.lock.Lock()
	wallets := append([]watchedWallet(nil), w.wallets...)
	w.lock.Unlock()

	var low []ids.ID
	for _, wallet := range wallets {
		balance, err := wallet.reader.WalletBalance(ctx)
		if err != nil {
			w.logger.Warn("Failed to read wallet balance",
				log.Stringer("chainID", wallet.chainID),
				log.Err(err),
			)
			continue
		}
		w.metrics.balance(wallet.chainID, balance)
		if balance.Lt(w.threshold) {
			w.logger.Warn("Wallet balance below threshold",
				log.Stringer("chainID", wallet.chainID),
				log.Stringer("balance", balance),
				log.Stringer("threshold", w.threshold),
			)
			low = append(low, wallet.chainID)
		}
	}
	return low
}

// Start runs Check on the configured cron schedule until Stop
func (w *BalanceWatcher) Start(ctx context.Context) error {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.cron != nil {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(w.schedule, func() { w.Check(ctx) }); err != nil {
		return err
	}
	c.Start()
	w.cron = c

	w.logger.Info("Balance watcher started",
		log.String("schedule", w.schedule),
		log.Stringer("threshold", w.threshold),
	)
	return nil
}

// Stop waits for a running check to finish or ctx to be done
func (w *BalanceWatcher) Stop(ctx context.Context) error {
	w.lock.Lock()
	c := w.cron
	w.cron = nil
	w.lock.Unlock()
	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
