// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package relayer

import (
	"context"
	"fmt"
	"testing"

	"github.com/luxfi/ids"
	"github.com/luxfi/ima/database"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"
)

func TestTransferErrors(t *testing.T) {
	require := require.New(t)

	db := database.NewMemory()
	errs := NewTransferErrors(log.NewNoOpLogger(), db, 3)
	a := database.NewChannelKey(ids.ID{1}, ids.ID{2})
	b := database.NewChannelKey(ids.ID{2}, ids.ID{1})

	for i := 0; i < 5; i++ {
		errs.Record(context.Background(), a, "transient", uint64(i), fmt.Errorf("failure %d", i))
	}
	errs.Record(context.Background(), b, "funding", 0, fmt.Errorf("empty wallet"))

	recent := errs.Recent()
	require.Len(recent, 3)
	require.Equal("empty wallet", recent[0].Message)
	require.Equal(b.String(), recent[0].Channel)
	require.Equal(uint64(4), recent[1].StartingCounter)
	require.Equal(uint64(3), recent[2].StartingCounter)
	errs.Record(context.Background(), a, "sign", 5, fmt.Errorf("no quorum"))
	require.ElementsMatch([]string{a.String() + "/sign", a.String() + "/transient", b.String() + "/funding"}, errs.Failing())
	require.Equal([]string{"sign", "transient"}, errs.FailingCategories(a))

	// A success clears only its own category.
	errs.Success(a, "sign")
	require.Equal([]string{"transient"}, errs.FailingCategories(a))
	require.Equal([]string{"funding"}, errs.FailingCategories(b))

	errs.Success(a)
	require.Empty(errs.FailingCategories(a))
	require.Equal([]string{b.String() + "/funding"}, errs.Failing())

	// Every entry is persisted, not only the ones kept in memory.
	stored, err := db.RecentTransferErrors(context.Background(), a, 10)
	require.NoError(err)
	require.Len(stored, 6)
}
