// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package checkpoint

import (
	"container/heap"
	"context"
	"fmt"
	"sync"

	"github.com/luxfi/ima/database"
	"github.com/luxfi/ima/utils"
	"github.com/luxfi/log"
)

// Manager tracks the next counter to relay on one channel. Batches may finish
// out of order, so end counters are staged in a heap and the committed counter
// only moves across contiguous ranges. Writes to the database happen on
// Flush, usually driven by a ticker.
type Manager struct {
	logger    log.Logger
	db        database.Database
	key       database.ChannelKey
	lock      sync.Mutex
	committed uint64
	// batch start -> batch end
	pending map[uint64]uint64
	starts  *utils.UInt64Heap
	dirty   bool
}

// New loads the stored checkpoint of key. The committed counter starts at the
// larger of the stored value and startingCounter.
func New(
	ctx context.Context,
	logger log.Logger,
	db database.Database,
	key database.ChannelKey,
	startingCounter uint64,
) (*Manager, error) {
	stored, err := db.GetCheckpoint(ctx, key)
	if err != nil && !database.IsNotFound(err) {
		logger.Error("Failed to read checkpoint",
			log.Stringer("channel", key),
			log.Err(err),
		)
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	h := &utils.UInt64Heap{}
	heap.Init(h)
	committed := max(stored, startingCounter)
	logger.Info("Creating checkpoint manager",
		log.Stringer("channel", key),
		log.Uint64("committed", committed),
	)
	return &Manager{
		logger:    logger,
		db:        db,
		key:       key,
		committed: committed,
		pending:   make(map[uint64]uint64),
		starts:    h,
		dirty:     stored != committed,
	}, nil
}

// Committed is the next counter not known to be relayed
func (m *Manager) Committed() uint64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.committed
}

// Stage records that [start, end) was relayed. The committed counter advances
// once every range below start is staged too.
func (m *Manager) Stage(start, end uint64) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if end <= m.committed {
		m.logger.Debug("Staged range already committed",
			log.Stringer("channel", m.key),
			log.Uint64("end", end),
			log.Uint64("committed", m.committed),
		)
		return
	}
	if prev, ok := m.pending[start]; ok {
		m.pending[start] = max(prev, end)
	} else {
		m.pending[start] = end
		heap.Push(m.starts, start)
	}

	for m.starts.Len() > 0 && m.starts.Peek() <= m.committed {
		start := heap.Pop(m.starts).(uint64)
		if end := m.pending[start]; end > m.committed {
			m.committed = end
			m.dirty = true
		}
		delete(m.pending, start)
	}
}

// Advance moves the committed counter to counter when it is ahead, e.g. when
// another relayer delivered the range.
func (m *Manager) Advance(counter uint64) {
	m.Stage(m.Committed(), counter)
}

// Flush writes the committed counter if it changed since the last write.
func (m *Manager) Flush(ctx context.Context) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if !m.dirty {
		return nil
	}
	if err := m.db.PutCheckpoint(ctx, m.key, m.committed); err != nil {
		m.logger.Error("Failed to write checkpoint",
			log.Stringer("channel", m.key),
			log.Err(err),
		)
		return err
	}
	m.dirty = false
	return nil
}
