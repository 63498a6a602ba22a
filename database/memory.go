// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package database

import (
	"context"
	"sync"
)

var _ Database = (*Memory)(nil)

// Memory keeps relayer state for the life of the process
type Memory struct {
	lock        sync.RWMutex
	checkpoints map[ChannelKey]uint64
	errors      map[string][]TransferError
}

func NewMemory() *Memory {
	return &Memory{
		checkpoints: make(map[ChannelKey]uint64),
		errors:      make(map[string][]TransferError),
	}
}

func (m *Memory) GetCheckpoint(_ context.Context, key ChannelKey) (uint64, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	counter, ok := m.checkpoints[key]
	if !ok {
		return 0, ErrNotFound
	}
	return counter, nil
}

func (m *Memory) PutCheckpoint(_ context.Context, key ChannelKey, counter uint64) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.checkpoints[key] = counter
	return nil
}

func (m *Memory) AddTransferError(_ context.Context, e TransferError) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.errors[e.Channel] = append(m.errors[e.Channel], e)
	return nil
}

func (m *Memory) RecentTransferErrors(_ context.Context, key ChannelKey, limit int) ([]TransferError, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	all := m.errors[key.String()]
	out := make([]TransferError, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (*Memory) Close() error {
	return nil
}
