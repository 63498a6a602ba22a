// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

// Package database persists relayer bookkeeping: the highest counter relayed
// on each channel and a journal of transfer errors.
package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
)

const (
	MemoryStorage   = "memory"
	PostgresStorage = "postgres"
	RedisStorage    = "redis"
)

var (
	ErrNotFound           = errors.New("not found")
	errUnknownStorageType = errors.New("unknown storage type")
)

// ChannelKey identifies one directed channel served by the relayer
type ChannelKey struct {
	Source      ids.ID
	Destination ids.ID
}

func NewChannelKey(source, destination ids.ID) ChannelKey {
	return ChannelKey{Source: source, Destination: destination}
}

func (k ChannelKey) String() string {
	return fmt.Sprintf("%s-%s", k.Source, k.Destination)
}

// ParseChannelKey is the inverse of ChannelKey.String
func ParseChannelKey(s string) (ChannelKey, error) {
	src, dst, ok := strings.Cut(s, "-")
	if !ok {
		return ChannelKey{}, fmt.Errorf("invalid channel key %q", s)
	}
	source, err := ids.FromString(src)
	if err != nil {
		return ChannelKey{}, fmt.Errorf("invalid source in channel key %q: %w", s, err)
	}
	destination, err := ids.FromString(dst)
	if err != nil {
		return ChannelKey{}, fmt.Errorf("invalid destination in channel key %q: %w", s, err)
	}
	return NewChannelKey(source, destination), nil
}

// ID is a fixed-size digest of the key, used where storage keys are bounded.
func (k ChannelKey) ID() string {
	return common.Keccak256Hash(k.Source[:], k.Destination[:]).Hex()
}

// TransferError is one failed relay attempt
type TransferError struct {
	ID              uuid.UUID `db:"id" json:"id"`
	Channel         string    `db:"channel" json:"channel"`
	Category        string    `db:"category" json:"category"`
	Message         string    `db:"message" json:"message"`
	StartingCounter uint64    `db:"starting_counter" json:"startingCounter"`
	CreatedAt       time.Time `db:"created_at" json:"createdAt"`
}

// NewTransferError stamps a new journal entry for key
func NewTransferError(key ChannelKey, category string, startingCounter uint64, err error) TransferError {
	return TransferError{
		ID:              uuid.New(),
		Channel:         key.String(),
		Category:        category,
		Message:         err.Error(),
		StartingCounter: startingCounter,
		CreatedAt:       time.Now().UTC(),
	}
}

// Database stores relayer state. Implementations are safe for concurrent use.
type Database interface {
	// GetCheckpoint returns the next counter to relay on key, or ErrNotFound.
	GetCheckpoint(ctx context.Context, key ChannelKey) (uint64, error)
	PutCheckpoint(ctx context.Context, key ChannelKey, counter uint64) error

	AddTransferError(ctx context.Context, e TransferError) error
	// RecentTransferErrors returns at most limit entries of key, newest first.
	RecentTransferErrors(ctx context.Context, key ChannelKey, limit int) ([]TransferError, error)

	Close() error
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// New opens the storage named by storageType. url is the postgres DSN or the
// redis URL and is ignored for memory storage.
func New(ctx context.Context, logger log.Logger, storageType string, url string) (Database, error) {
	switch storageType {
	case "", MemoryStorage:
		logger.Info("Using in-memory relayer database")
		return NewMemory(), nil
	case PostgresStorage:
		logger.Info("Connecting to postgres relayer database")
		return OpenPostgres(ctx, url)
	case RedisStorage:
		logger.Info("Connecting to redis relayer database")
		return OpenRedis(ctx, url)
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownStorageType, storageType)
	}
}
