// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package checkpoint

import (
	"context"
	"testing"

	"github.com/luxfi/ids"
	"github.com/luxfi/ima/database"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"
)

var key = database.NewChannelKey(ids.ID{1}, ids.ID{2})

func TestStageOutOfOrder(t *testing.T) {
	type stage struct {
		start, end uint64
	}
	tests := []struct {
		name      string
		stages    []stage
		committed uint64
	}{
		{
			name:      "in order",
			stages:    []stage{{0, 2}, {2, 5}},
			committed: 5,
		},
		{
			name:      "gap holds back",
			stages:    []stage{{0, 2}, {4, 6}},
			committed: 2,
		},
		{
			name:      "gap filled",
			stages:    []stage{{4, 6}, {2, 4}, {0, 2}},
			committed: 6,
		},
		{
			name:      "already committed",
			stages:    []stage{{0, 3}, {0, 2}},
			committed: 3,
		},
		{
			name:      "overlapping ranges",
			stages:    []stage{{0, 3}, {1, 5}},
			committed: 5,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := New(context.Background(), log.NewNoOpLogger(), database.NewMemory(), key, 0)
			require.NoError(t, err)
			for _, s := range tt.stages {
				m.Stage(s.start, s.end)
			}
			require.Equal(t, tt.committed, m.Committed())
		})
	}
}

func TestFlush(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	db := database.NewMemory()
	m, err := New(ctx, log.NewNoOpLogger(), db, key, 0)
	require.NoError(err)

	// Nothing staged, nothing written.
	require.NoError(m.Flush(ctx))
	_, err = db.GetCheckpoint(ctx, key)
	require.True(database.IsNotFound(err))

	m.Stage(0, 3)
	m.Advance(8)
	require.NoError(m.Flush(ctx))
	stored, err := db.GetCheckpoint(ctx, key)
	require.NoError(err)
	require.Equal(uint64(8), stored)

	// A restarted manager resumes from the stored counter.
	restarted, err := New(ctx, log.NewNoOpLogger(), db, key, 2)
	require.NoError(err)
	require.Equal(uint64(8), restarted.Committed())

	ahead, err := New(ctx, log.NewNoOpLogger(), db, key, 10)
	require.NoError(err)
	require.Equal(uint64(10), ahead.Committed())
}
