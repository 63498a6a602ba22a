// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package database

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

func newMockPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgres(sqlx.NewDb(db, "postgres")), mock
}

func TestMigrationSource(t *testing.T) {
	require := require.New(t)

	src, err := migrationSource()
	require.NoError(err)
	defer src.Close()

	first, err := src.First()
	require.NoError(err)
	require.Equal(uint(1), first)

	up, name, err := src.ReadUp(first)
	require.NoError(err)
	defer up.Close()
	require.Equal("relayer_state", name)
	stmts, err := io.ReadAll(up)
	require.NoError(err)
	require.Contains(string(stmts), "CREATE TABLE IF NOT EXISTS ima_checkpoints")
	require.Contains(string(stmts), "CREATE TABLE IF NOT EXISTS ima_transfer_errors")

	_, err = src.Next(first)
	require.ErrorIs(err, fs.ErrNotExist)
}

func TestPostgresCheckpoint(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	p, mock := newMockPostgres(t)
	query := regexp.QuoteMeta(`SELECT counter FROM ima_checkpoints WHERE channel = $1`)

	mock.ExpectQuery(query).
		WithArgs(testKey.String()).
		WillReturnRows(sqlmock.NewRows([]string{"counter"}))
	_, err := p.GetCheckpoint(ctx, testKey)
	require.ErrorIs(err, ErrNotFound)

	mock.ExpectExec("INSERT INTO ima_checkpoints").
		WithArgs(testKey.String(), int64(12)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(p.PutCheckpoint(ctx, testKey, 12))

	mock.ExpectQuery(query).
		WithArgs(testKey.String()).
		WillReturnRows(sqlmock.NewRows([]string{"counter"}).AddRow(int64(12)))
	counter, err := p.GetCheckpoint(ctx, testKey)
	require.NoError(err)
	require.Equal(uint64(12), counter)

	mock.ExpectQuery(query).
		WithArgs(testKey.String()).
		WillReturnError(errors.New("connection reset"))
	_, err = p.GetCheckpoint(ctx, testKey)
	require.ErrorContains(err, "connection reset")
	require.False(IsNotFound(err))

	require.NoError(mock.ExpectationsWereMet())
}

func TestPostgresTransferErrors(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	p, mock := newMockPostgres(t)
	e := NewTransferError(testKey, "funding", 4, errors.New("wallet empty"))

	mock.ExpectExec("INSERT INTO ima_transfer_errors").
		WithArgs(sqlmock.AnyArg(), testKey.String(), "funding", "wallet empty", int64(4), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(p.AddTransferError(ctx, e))

	id := uuid.New()
	created := time.Now().UTC()
	mock.ExpectQuery("SELECT id, channel, category, message, starting_counter, created_at").
		WithArgs(testKey.String(), 5).
		WillReturnRows(sqlmock.NewRows([]string{"id", "channel", "category", "message", "starting_counter", "created_at"}).
			AddRow(id.String(), testKey.String(), "funding", "wallet empty", int64(4), created))
	recent, err := p.RecentTransferErrors(ctx, testKey, 5)
	require.NoError(err)
	require.Len(recent, 1)
	require.Equal(id, recent[0].ID)
	require.Equal(uint64(4), recent[0].StartingCounter)
	require.Equal("funding", recent[0].Category)

	require.NoError(mock.ExpectationsWereMet())
}
