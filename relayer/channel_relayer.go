// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package relayer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/luxfi/ids"
	"github.com/luxfi/ima"
	"github.com/luxfi/ima/cache"
	"github.com/luxfi/ima/database"
	"github.com/luxfi/ima/relayer/checkpoint"
	"github.com/luxfi/ima/signer"
	"github.com/luxfi/ima/utils"
	"github.com/luxfi/log"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"
)

const (
	DefaultBatchSize          = 4
	DefaultMaxBatchesPerLoop  = 8
	DefaultPollInterval       = 10 * time.Second
	DefaultSubmitTimeout      = 30 * time.Second
	DefaultMaxRetries         = 5
	DefaultRetryInterval      = time.Second
	DefaultFundingBackoff     = time.Minute
	DefaultProtocolBackoff    = time.Minute
	DefaultConnectionCacheTTL = 30 * time.Second
	DefaultCheckpointInterval = 10 * time.Second

	signCategory = "sign"
)

var (
	errChannelPaused = errors.New("channel paused")
	errEmptyRange    = errors.New("source returned no messages for a pending range")
)

// ChannelConfig bounds the work of one channel loop
type ChannelConfig struct {
	// BatchSize is the number of messages per submitted batch
	BatchSize int
	// MaxBatchesPerLoop bounds the batches submitted per iteration
	MaxBatchesPerLoop int
	// MaxMessagesPerLoop bounds the messages per iteration; zero means no bound
	MaxMessagesPerLoop int

	PollInterval    time.Duration
	SubmitTimeout   time.Duration
	MaxRetries      uint64
	RetryInterval   time.Duration
	FundingBackoff  time.Duration
	ProtocolBackoff time.Duration
	// ConnectionCacheTTL bounds how stale a connection status may be
	ConnectionCacheTTL time.Duration
	CheckpointInterval time.Duration
}

// DefaultChannelConfig returns the bounds used when a field is left zero
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		BatchSize:          DefaultBatchSize,
		MaxBatchesPerLoop:  DefaultMaxBatchesPerLoop,
		PollInterval:       DefaultPollInterval,
		SubmitTimeout:      DefaultSubmitTimeout,
		MaxRetries:         DefaultMaxRetries,
		RetryInterval:      DefaultRetryInterval,
		FundingBackoff:     DefaultFundingBackoff,
		ProtocolBackoff:    DefaultProtocolBackoff,
		ConnectionCacheTTL: DefaultConnectionCacheTTL,
		CheckpointInterval: DefaultCheckpointInterval,
	}
}

func (c ChannelConfig) withDefaults() ChannelConfig {
	d := DefaultChannelConfig()
	if c.BatchSize <= 0 || c.BatchSize > ima.MaxBatchSize {
		c.BatchSize = d.BatchSize
	}
	if c.MaxBatchesPerLoop <= 0 {
		c.MaxBatchesPerLoop = d.MaxBatchesPerLoop
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = d.SubmitTimeout
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = d.RetryInterval
	}
	if c.FundingBackoff <= 0 {
		c.FundingBackoff = d.FundingBackoff
	}
	if c.ProtocolBackoff <= 0 {
		c.ProtocolBackoff = d.ProtocolBackoff
	}
	if c.ConnectionCacheTTL <= 0 {
		c.ConnectionCacheTTL = d.ConnectionCacheTTL
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = d.CheckpointInterval
	}
	return c
}

// ChannelParams are the collaborators of a ChannelRelayer. Limiter, Frame
// and Errors are optional.
type ChannelParams struct {
	Source      Client
	Destination Client
	Signer      signer.Service
	Database    database.Database
	Metrics     *RelayerMetrics
	Errors      *TransferErrors
	// Limiter is shared by every channel submitting to the same destination
	Limiter *rate.Limiter
	Frame   TimeFrame
}

// ChannelRelayer ferries the messages of one source chain toward one
// destination chain. Batches on a channel are relayed strictly in order.
type ChannelRelayer struct {
	logger      log.Logger
	cfg         ChannelConfig
	key         database.ChannelKey
	source      Client
	destination Client
	signer      signer.Service
	checkpoint  *checkpoint.Manager
	metrics     *RelayerMetrics
	errors      *TransferErrors
	limiter     *rate.Limiter
	frame       TimeFrame
	// chain id -> whether that side reports the channel connected
	connected *cache.TTLCache[ids.ID, bool]
	healthy   *atomic.Bool
	now       func() time.Time
}

func NewChannelRelayer(
	ctx context.Context,
	logger log.Logger,
	cfg ChannelConfig,
	params ChannelParams,
) (*ChannelRelayer, error) {
	cfg = cfg.withDefaults()
	key := database.NewChannelKey(params.Source.ChainID(), params.Destination.ChainID())

	incoming, err := params.Destination.IncomingCounter(ctx, key.Source)
	if err != nil && !errors.Is(err, ima.ErrUnknownChannel) {
		return nil, fmt.Errorf("failed to read incoming counter: %w", err)
	}
	db := params.Database
	if db == nil {
		db = database.NewMemory()
	}
	cp, err := checkpoint.New(ctx, logger, db, key, incoming)
	if err != nil {
		return nil, err
	}
	errs := params.Errors
	if errs == nil {
		errs = NewTransferErrors(logger, db, DefaultTransferErrorCapacity)
	}
	if err := params.Frame.Validate(); err != nil {
		return nil, err
	}

	return &ChannelRelayer{
		logger:      logger,
		cfg:         cfg,
		key:         key,
		source:      params.Source,
		destination: params.Destination,
		signer:      params.Signer,
		checkpoint:  cp,
		metrics:     params.Metrics,
		errors:      errs,
		limiter:     params.Limiter,
		frame:       params.Frame,
		connected:   cache.NewTTLCache[ids.ID, bool](cfg.ConnectionCacheTTL),
		healthy:     atomic.NewBool(true),
		now:         time.Now,
	}, nil
}

func (r *ChannelRelayer) Key() database.ChannelKey {
	return r.key
}

// Healthy is false after an iteration failed and true again once one succeeds
func (r *ChannelRelayer) Healthy() bool {
	return r.healthy.Load()
}

// Committed is the next counter not known to be delivered
func (r *ChannelRelayer) Committed() uint64 {
	return r.checkpoint.Committed()
}

// Run relays until ctx is done
func (r *ChannelRelayer) Run(ctx context.Context) error {
	r.logger.Info("Starting channel relayer", log.Stringer("channel", r.key))

	timer := time.NewTimer(0)
	defer timer.Stop()
	flushTicker := time.NewTicker(r.cfg.CheckpointInterval)
	defer flushTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), r.cfg.SubmitTimeout)
			_ = r.checkpoint.Flush(flushCtx)
			cancel()
			r.logger.Info("Stopping channel relayer", log.Stringer("channel", r.key))
			return nil
		case <-flushTicker.C:
			_ = r.checkpoint.Flush(ctx)
		case <-timer.C:
			_, err := r.RelayOnce(ctx)
			timer.Reset(r.nextWait(err))
		}
	}
}

func (r *ChannelRelayer) nextWait(err error) time.Duration {
	switch {
	case err == nil, errors.Is(err, errChannelPaused):
		return r.cfg.PollInterval
	}
	switch ima.Classify(err) {
	case ima.ClassFunding:
		return r.cfg.FundingBackoff
	case ima.ClassProtocol:
		return r.cfg.ProtocolBackoff
	default:
		return r.cfg.PollInterval
	}
}

// RelayOnce runs one iteration: it relays the pending range
// [incoming, outgoing), bounded by the loop limits, and returns the number of
// messages delivered.
func (r *ChannelRelayer) RelayOnce(ctx context.Context) (int, error) {
	if !r.frame.Active(r.now()) {
		r.logger.Debug("Outside of this node's time frame", log.Stringer("channel", r.key))
		return 0, nil
	}

	n, err := r.relayPending(ctx)
	switch {
	case err == nil:
		r.healthy.Store(true)
	case errors.Is(err, errChannelPaused):
		r.logger.Debug("Channel paused", log.Stringer("channel", r.key))
	case ctx.Err() != nil:
		return n, ctx.Err()
	default:
		r.healthy.Store(false)
	}
	return n, err
}

func (r *ChannelRelayer) relayPending(ctx context.Context) (int, error) {
	connected, err := r.isConnected(ctx)
	if err != nil {
		return 0, err
	}
	if !connected {
		return 0, errChannelPaused
	}

	outgoing, err := r.source.OutgoingCounter(ctx, r.key.Destination)
	if err != nil {
		return 0, fmt.Errorf("failed to read outgoing counter: %w", err)
	}
	incoming, err := r.destination.IncomingCounter(ctx, r.key.Source)
	if err != nil {
		return 0, fmt.Errorf("failed to read incoming counter: %w", err)
	}
	r.checkpoint.Advance(incoming)
	if incoming >= outgoing {
		r.metrics.pending(r.key, 0)
		return 0, nil
	}
	r.metrics.pending(r.key, outgoing-incoming)

	end := outgoing
	if maxMsgs := r.cfg.MaxMessagesPerLoop; maxMsgs > 0 {
		end = min(end, incoming+uint64(maxMsgs))
	}

	var relayed int
	start := incoming
	for i := 0; i < r.cfg.MaxBatchesPerLoop && start < end; i++ {
		batchEnd := min(end, start+uint64(r.cfg.BatchSize))
		delivered, err := r.relayBatch(ctx, start, batchEnd)
		if err != nil {
			return relayed, err
		}
		if !delivered {
			// Someone else moved the destination; re-read next iteration.
			break
		}
		relayed += int(batchEnd - start)
		start = batchEnd
	}
	return relayed, nil
}

func (r *ChannelRelayer) isConnected(ctx context.Context) (bool, error) {
	sourceSide, err := r.connected.Get(r.key.Source, func(ids.ID) (bool, error) {
		return r.source.IsConnected(ctx, r.key.Destination)
	}, false)
	if err != nil {
		return false, fmt.Errorf("failed to read source connection state: %w", err)
	}
	destinationSide, err := r.connected.Get(r.key.Destination, func(ids.ID) (bool, error) {
		return r.destination.IsConnected(ctx, r.key.Source)
	}, false)
	if err != nil {
		return false, fmt.Errorf("failed to read destination connection state: %w", err)
	}
	return sourceSide && destinationSide, nil
}

// relayBatch relays [start, end). It reports false when the range turned out
// to be delivered by someone else.
func (r *ChannelRelayer) relayBatch(ctx context.Context, start, end uint64) (bool, error) {
	msgs, err := r.source.OutgoingMessages(ctx, r.key.Destination, start, end)
	if err != nil {
		return false, fmt.Errorf("failed to read outgoing messages: %w", err)
	}
	if len(msgs) == 0 {
		return false, errEmptyRange
	}
	batch, err := ima.NewMessageBatch(r.key.Source, start, msgs)
	if err != nil {
		return false, err
	}

	signStart := time.Now()
	sig, err := r.signer.SignBatch(ctx, r.key.Destination, batch)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		r.logger.Error("Failed to sign batch",
			log.Stringer("channel", r.key),
			log.Uint64("startingCounter", start),
			log.Err(err),
		)
		r.metrics.failed(r.key, signCategory)
		r.errors.Record(ctx, r.key, signCategory, start, err)
		return false, fmt.Errorf("failed to sign batch: %w", err)
	}
	r.metrics.signLatency(r.key, time.Since(signStart).Milliseconds())
	r.errors.Success(r.key, signCategory)
	batch.Signature = sig

	attempts := 0
	operation := func() error {
		if attempts > 0 {
			if err := r.recheckDestination(ctx, start); err != nil {
				if errors.Is(err, ima.ErrStaleCounter) || errors.Is(err, ima.ErrCounterAhead) {
					return backoff.Permanent(err)
				}
				return err
			}
		}
		attempts++

		err := r.submit(ctx, batch)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if ima.Classify(err) == ima.ClassTransient {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	err = utils.WithMaxRetries(ctx, r.logger, operation, r.cfg.MaxRetries, r.cfg.RetryInterval, "submit batch")
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	class := ima.Classify(err)
	switch class {
	case ima.ClassNone:
		r.checkpoint.Stage(start, end)
		r.errors.Success(r.key)
		r.metrics.relayed(r.key, len(msgs))
		r.logger.Info("Relayed batch",
			log.Stringer("channel", r.key),
			log.Uint64("startingCounter", start),
			log.Int("messages", len(msgs)),
		)
		return true, nil
	case ima.ClassStale:
		incoming, readErr := r.destination.IncomingCounter(ctx, r.key.Source)
		if readErr == nil {
			r.checkpoint.Advance(incoming)
		}
		r.logger.Info("Batch already relayed",
			log.Stringer("channel", r.key),
			log.Uint64("startingCounter", start),
			log.Err(err),
		)
		return false, nil
	case ima.ClassFunding:
		r.logger.Error("Destination wallet cannot pay for the batch",
			log.Stringer("channel", r.key),
			log.Uint64("startingCounter", start),
			log.Err(err),
		)
	case ima.ClassProtocol:
		r.logger.Error("Destination rejected the batch",
			log.Stringer("channel", r.key),
			log.Uint64("startingCounter", start),
			log.Err(err),
		)
	default:
		r.logger.Error("Failed to submit batch",
			log.Stringer("channel", r.key),
			log.Uint64("startingCounter", start),
			log.Int("attempts", attempts),
			log.Err(err),
		)
	}
	if errors.Is(err, ima.ErrChannelDisconnected) {
		r.connected.Invalidate(r.key.Source)
		r.connected.Invalidate(r.key.Destination)
	}
	r.metrics.failed(r.key, class.String())
	r.errors.Record(ctx, r.key, class.String(), start, err)
	return false, err
}

// recheckDestination re-reads the destination counter before a retry so that
// a batch that landed despite a timeout is never resubmitted.
func (r *ChannelRelayer) recheckDestination(ctx context.Context, start uint64) error {
	incoming, err := r.destination.IncomingCounter(ctx, r.key.Source)
	if err != nil {
		return fmt.Errorf("failed to re-read incoming counter: %w", err)
	}
	switch {
	case incoming > start:
		return fmt.Errorf("%w: destination at %d", ima.ErrStaleCounter, incoming)
	case incoming < start:
		return fmt.Errorf("%w: destination at %d, batch at %d", ima.ErrCounterAhead, incoming, start)
	default:
		return nil
	}
}

func (r *ChannelRelayer) submit(ctx context.Context, batch *ima.MessageBatch) error {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.SubmitTimeout)
	defer cancel()

	if dryRunner, ok := r.destination.(DryRunner); ok {
		if err := dryRunner.DryRun(ctx, batch); err != nil {
			return fmt.Errorf("dry run failed: %w", err)
		}
	}
	return r.destination.Submit(ctx, batch)
}
