// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package relayer

import (
	"context"
	"slices"
	"sync"

	"github.com/luxfi/ima/database"
	"github.com/luxfi/log"
	"github.com/luxfi/math/set"
)

const DefaultTransferErrorCapacity = 20

// TransferErrors keeps the most recent relay failures and the set of failing
// categories of each channel. A success clears its categories. Every entry is
// also persisted so that operators can inspect failures after a restart.
type TransferErrors struct {
	logger   log.Logger
	db       database.Database
	capacity int

	lock    sync.Mutex
	recent  []database.TransferError
	failing map[database.ChannelKey]set.Set[string]
}

func NewTransferErrors(logger log.Logger, db database.Database, capacity int) *TransferErrors {
	if capacity <= 0 {
		capacity = DefaultTransferErrorCapacity
	}
	return &TransferErrors{
		logger:   logger,
		db:       db,
		capacity: capacity,
		failing:  make(map[database.ChannelKey]set.Set[string]),
	}
}

// Record journals a failed relay of the batch starting at startingCounter
func (t *TransferErrors) Record(
	ctx context.Context,
	key database.ChannelKey,
	category string,
	startingCounter uint64,
	err error,
) database.TransferError {
	entry := database.NewTransferError(key, category, startingCounter, err)

	t.lock.Lock()
	t.recent = append(t.recent, entry)
	if len(t.recent) > t.capacity {
		t.recent = slices.Clone(t.recent[len(t.recent)-t.capacity:])
	}
	categories, ok := t.failing[key]
	if !ok {
		categories = set.NewSet[string]()
		t.failing[key] = categories
	}
	categories.Add(category)
	t.lock.Unlock()

	if t.db != nil {
		if dbErr := t.db.AddTransferError(ctx, entry); dbErr != nil {
			t.logger.Warn("Failed to persist transfer error",
				log.Stringer("channel", key),
				log.Err(dbErr),
			)
		}
	}
	return entry
}

// Success clears the listed categories of key, or all of them when none are
// listed.
func (t *TransferErrors) Success(key database.ChannelKey, categories ...string) {
	t.lock.Lock()
	defer t.lock.Unlock()

	failing, ok := t.failing[key]
	if !ok {
		return
	}
	if len(categories) == 0 {
		delete(t.failing, key)
		return
	}
	for _, category := range categories {
		failing.Remove(category)
	}
	if failing.Len() == 0 {
		delete(t.failing, key)
	}
}

// Failing returns the failing categories as "channel/category", sorted
func (t *TransferErrors) Failing() []string {
	t.lock.Lock()
	defer t.lock.Unlock()

	out := []string{}
	for key, categories := range t.failing {
		for category := range categories {
			out = append(out, key.String()+"/"+category)
		}
	}
	slices.Sort(out)
	return out
}

// FailingCategories returns the failing categories of key, sorted
func (t *TransferErrors) FailingCategories(key database.ChannelKey) []string {
	t.lock.Lock()
	defer t.lock.Unlock()

	out := t.failing[key].List()
	slices.Sort(out)
	return out
}

// Recent returns the journaled errors, newest first
func (t *TransferErrors) Recent() []database.TransferError {
	t.lock.Lock()
	defer t.lock.Unlock()

	out := slices.Clone(t.recent)
	slices.Reverse(out)
	return out
}
