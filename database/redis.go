// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"
)

var _ Database = (*Redis)(nil)

// MaxStoredTransferErrors bounds the redis journal of each channel
const MaxStoredTransferErrors = 1000

// Redis stores relayer state in redis
type Redis struct {
	client *redis.Client
}

// OpenRedis connects to url, e.g. redis://localhost:6379/0
func OpenRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedis(client), nil
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func checkpointKey(key ChannelKey) string {
	return "ima:checkpoint:" + key.ID()
}

func transferErrorsKey(key ChannelKey) string {
	return "ima:transfer-errors:" + key.ID()
}

func (r *Redis) GetCheckpoint(ctx context.Context, key ChannelKey) (uint64, error) {
	raw, err := r.client.Get(ctx, checkpointKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read checkpoint of %s: %w", key, err)
	}
	counter, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt checkpoint of %s: %w", key, err)
	}
	return counter, nil
}

func (r *Redis) PutCheckpoint(ctx context.Context, key ChannelKey, counter uint64) error {
	if err := r.client.Set(ctx, checkpointKey(key), strconv.FormatUint(counter, 10), 0).Err(); err != nil {
		return fmt.Errorf("failed to write checkpoint of %s: %w", key, err)
	}
	return nil
}

func (r *Redis) AddTransferError(ctx context.Context, e TransferError) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	// Channel holds the String form; the list is keyed by the digest form.
	key, err := ParseChannelKey(e.Channel)
	if err != nil {
		return err
	}
	listKey := transferErrorsKey(key)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, listKey, raw)
		pipe.LTrim(ctx, listKey, 0, MaxStoredTransferErrors-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record transfer error: %w", err)
	}
	return nil
}

func (r *Redis) RecentTransferErrors(ctx context.Context, key ChannelKey, limit int) ([]TransferError, error) {
	if limit <= 0 {
		return nil, nil
	}
	raws, err := r.client.LRange(ctx, transferErrorsKey(key), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read transfer errors of %s: %w", key, err)
	}
	out := make([]TransferError, 0, len(raws))
	for _, raw := range raws {
		var e TransferError
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("corrupt transfer error of %s: %w", key, err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
