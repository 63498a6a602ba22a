// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

var _ Database = (*Postgres)(nil)

//go:embed migrations/*.sql
var migrations embed.FS

// Postgres stores relayer state in PostgreSQL
type Postgres struct {
	db *sqlx.DB
}

// OpenPostgres applies the pending migrations and connects to dsn. dsn must
// be a postgres:// URL.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if err := Migrate(dsn); err != nil {
		return nil, err
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return NewPostgres(db), nil
}

// NewPostgres wraps an open connection
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

func migrationSource() (source.Driver, error) {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}
	return src, nil
}

// Migrate brings the relayer tables at dsn up to date
func Migrate(dsn string) error {
	src, err := migrationSource()
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to migrate relayer tables: %w", err)
	}
	return nil
}

func (p *Postgres) GetCheckpoint(ctx context.Context, key ChannelKey) (uint64, error) {
	var counter uint64
	err := p.db.GetContext(ctx, &counter, `SELECT counter FROM ima_checkpoints WHERE channel = $1`, key.String())
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read checkpoint of %s: %w", key, err)
	}
	return counter, nil
}

func (p *Postgres) PutCheckpoint(ctx context.Context, key ChannelKey, counter uint64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ima_checkpoints (channel, counter, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (channel) DO UPDATE SET counter = EXCLUDED.counter, updated_at = EXCLUDED.updated_at
	`, key.String(), int64(counter))
	if err != nil {
		return fmt.Errorf("failed to write checkpoint of %s: %w", key, err)
	}
	return nil
}

func (p *Postgres) AddTransferError(ctx context.Context, e TransferError) error {
	_, err := p.db.NamedExecContext(ctx, `
		INSERT INTO ima_transfer_errors (id, channel, category, message, starting_counter, created_at)
		VALUES (:id, :channel, :category, :message, :starting_counter, :created_at)
	`, e)
	if err != nil {
		return fmt.Errorf("failed to record transfer error: %w", err)
	}
	return nil
}

func (p *Postgres) RecentTransferErrors(ctx context.Context, key ChannelKey, limit int) ([]TransferError, error) {
	var out []TransferError
	err := p.db.SelectContext(ctx, &out, `
		SELECT id, channel, category, message, starting_counter, created_at
		FROM ima_transfer_errors
		WHERE channel = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, key.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read transfer errors of %s: %w", key, err)
	}
	return out, nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
