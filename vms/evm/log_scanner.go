// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package evm

import (
	"context"
	"errors"
	"math/big"
	"sync"

	ethereum "github.com/luxfi/geth"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/core/types"
	"github.com/luxfi/ids"
	"github.com/luxfi/ima"
	"github.com/luxfi/ima/utils"
	"github.com/luxfi/log"
)

// MaxBlocksPerRequest bounds the block range of a single eth_getLogs request
const MaxBlocksPerRequest = 200

var (
	errMessageNotFound    = errors.New("outgoing message not found")
	errFailedToFilterLogs = errors.New("failed to filter logs")
)

// scanHint is the block of the highest message found toward a peer. Messages
// are posted in counter order, so later counters are never in earlier blocks.
type scanHint struct {
	counter uint64
	block   uint64
}

// logScanner finds OutgoingMessage logs by counter
type logScanner struct {
	logger     log.Logger
	chainID    ids.ID
	client     EthClient
	proxy      *MessageProxy
	startBlock uint64

	lock  sync.Mutex
	hints map[ids.ID]scanHint
}

func newLogScanner(
	logger log.Logger,
	chainID ids.ID,
	client EthClient,
	proxy *MessageProxy,
	startBlock uint64,
) *logScanner {
	return &logScanner{
		logger:     logger,
		chainID:    chainID,
		client:     client,
		proxy:      proxy,
		startBlock: startBlock,
		hints:      make(map[ids.ID]scanHint),
	}
}

// scan returns the messages toward peer with counters in [from, to) found up
// to the latest block. Limits the number of blocks retrieved in a single
// eth_getLogs request to MaxBlocksPerRequest and stops early once every
// counter is found.
func (s *logScanner) scan(ctx context.Context, peer ids.ID, from, to uint64) ([]*ima.OutgoingMessage, error) {
	// Grab the latest block before filtering so the range is fixed
	var latest uint64
	err := utils.WithRetriesTimeout(ctx, s.logger, func() (err error) {
		cctx, cancel := context.WithTimeout(ctx, utils.DefaultRPCTimeout)
		defer cancel()
		latest, err = s.client.BlockNumber(cctx)
		return err
	}, utils.DefaultRPCTimeout, "get latest block")
	if err != nil {
		s.logger.Error("Failed to get latest block",
			log.Stringer("chainID", s.chainID),
			log.Err(err),
		)
		return nil, err
	}

	counters := make([]uint64, 0, to-from)
	for c := from; c < to; c++ {
		counters = append(counters, c)
	}
	topics := s.proxy.OutgoingMessageTopics(peer, counters)

	fromBlock := s.startBlock
	s.lock.Lock()
	if hint, ok := s.hints[peer]; ok && hint.counter < from && hint.block > fromBlock {
		fromBlock = hint.block
	}
	s.lock.Unlock()

	found := make(map[uint64]*ima.OutgoingMessage, len(counters))
	for ; fromBlock <= latest && len(found) < len(counters); fromBlock += MaxBlocksPerRequest {
		toBlock := min(fromBlock+MaxBlocksPerRequest-1, latest)
		logs, err := s.filterLogs(ctx, topics, fromBlock, toBlock)
		if err != nil {
			return nil, err
		}
		for _, l := range logs {
			dst, msg, err := s.proxy.ParseOutgoingMessage(l)
			if err != nil {
				s.logger.Warn("Skipping malformed log",
					log.Stringer("chainID", s.chainID),
					log.String("txID", l.TxHash.Hex()),
					log.Err(err),
				)
				continue
			}
			if dst != peer || msg.Counter < from || msg.Counter >= to {
				continue
			}
			found[msg.Counter] = msg
			s.observe(peer, msg.Counter, l.BlockNumber)
		}
	}

	msgs := make([]*ima.OutgoingMessage, 0, len(found))
	for _, c := range counters {
		if msg, ok := found[c]; ok {
			msgs = append(msgs, msg)
		}
	}
	s.logger.Debug("Scanned outgoing messages",
		log.Stringer("chainID", s.chainID),
		log.Stringer("peer", peer),
		log.Uint64("from", from),
		log.Uint64("to", to),
		log.Int("found", len(msgs)),
	)
	return msgs, nil
}

func (s *logScanner) observe(peer ids.ID, counter, block uint64) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if hint, ok := s.hints[peer]; !ok || counter > hint.counter {
		s.hints[peer] = scanHint{counter: counter, block: block}
	}
}

func (s *logScanner) filterLogs(ctx context.Context, topics [][]common.Hash, fromBlock, toBlock uint64) ([]types.Log, error) {
	var logs []types.Log
	operation := func() (err error) {
		cctx, cancel := context.WithTimeout(ctx, utils.DefaultRPCTimeout)
		defer cancel()
		logs, err = s.client.FilterLogs(cctx, ethereum.FilterQuery{
			Addresses: []common.Address{s.proxy.Address()},
			Topics:    topics,
			FromBlock: new(big.Int).SetUint64(fromBlock),
			ToBlock:   new(big.Int).SetUint64(toBlock),
		})
		return err
	}
	if err := utils.WithRetriesTimeout(ctx, s.logger, operation, utils.DefaultRPCTimeout, "filter logs"); err != nil {
		s.logger.Error("Failed to get filter logs by block range",
			log.Stringer("chainID", s.chainID),
			log.Uint64("fromBlock", fromBlock),
			log.Uint64("toBlock", toBlock),
			log.Err(err),
		)
		return nil, errFailedToFilterLogs
	}
	return logs, nil
}
