// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/holiman/uint256"
	ethereum "github.com/luxfi/geth"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/core/types"
	"github.com/luxfi/geth/ethclient"
	"github.com/luxfi/ids"
	"github.com/luxfi/ima"
	"github.com/luxfi/ima/cache"
	"github.com/luxfi/ima/relayer"
	"github.com/luxfi/ima/utils"
	"github.com/luxfi/ima/vms/evm/signer"
	"github.com/luxfi/log"
)

const (
	// If the max base fee is not explicitly set, use 3x the current base fee estimate
	defaultBaseFeeFactor          = 3
	defaultTxInclusionTimeout     = 30 * time.Second
	defaultMessageCacheSize       = 4096
	defaultGasLimitBufferPercent  = 20
	defaultMaxPriorityFeePerGasGW = 10
)

var (
	_ relayer.Client        = (*Client)(nil)
	_ relayer.DryRunner     = (*Client)(nil)
	_ relayer.BalanceReader = (*Client)(nil)

	errNoAccount = errors.New("no relayer account configured")
)

// EthClient is the subset of ethclient.Client the relayer uses
type EthClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type ClientConfig struct {
	ChainID             ids.ID
	RPCEndpoint         string
	MessageProxyAddress common.Address
	// First block scanned for OutgoingMessage logs
	StartBlock uint64
	// Zero derives the max base fee from the latest header
	MaxBaseFee           *big.Int
	MaxPriorityFeePerGas *big.Int
	GasLimitBufferPct    uint64
	TxInclusionTimeout   time.Duration
	MessageCacheSize     int
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.TxInclusionTimeout == 0 {
		c.TxInclusionTimeout = defaultTxInclusionTimeout
	}
	if c.MessageCacheSize == 0 {
		c.MessageCacheSize = defaultMessageCacheSize
	}
	if c.GasLimitBufferPct == 0 {
		c.GasLimitBufferPct = defaultGasLimitBufferPercent
	}
	if c.MaxBaseFee == nil {
		c.MaxBaseFee = new(big.Int)
	}
	if c.MaxPriorityFeePerGas == nil || c.MaxPriorityFeePerGas.Sign() == 0 {
		c.MaxPriorityFeePerGas = new(big.Int).Mul(big.NewInt(defaultMaxPriorityFeePerGasGW), big.NewInt(1e9))
	}
	return c
}

type messageKey struct {
	peer    ids.ID
	counter uint64
}

// Client serves a message proxy on an EVM chain to the relayer. It reads the
// outgoing log from OutgoingMessage events and delivers batches through
// postIncomingMessages.
type Client struct {
	logger     log.Logger
	cfg        ClientConfig
	eth        EthClient
	proxy      *MessageProxy
	signer     signer.Signer
	evmChainID *big.Int

	// Held until a transaction is sent so that nonces go out in order
	nonceLock  sync.Mutex
	nonce      uint64
	nonceValid bool

	messages *cache.FIFOCache[messageKey, *ima.OutgoingMessage]
	scanner  *logScanner
}

// NewClient dials cfg.RPCEndpoint. sgnr may be nil for chains that are only
// relayed from.
func NewClient(ctx context.Context, logger log.Logger, cfg ClientConfig, sgnr signer.Signer) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, cfg.RPCEndpoint)
	if err != nil {
		logger.Error("Failed to dial rpc endpoint",
			log.Stringer("chainID", cfg.ChainID),
			log.Err(err),
		)
		return nil, err
	}
	return NewClientWithEth(ctx, logger, cfg, eth, sgnr)
}

func NewClientWithEth(ctx context.Context, logger log.Logger, cfg ClientConfig, eth EthClient, sgnr signer.Signer) (*Client, error) {
	cfg = cfg.withDefaults()
	proxy, err := NewMessageProxy(cfg.MessageProxyAddress)
	if err != nil {
		return nil, err
	}

	evmChainID, err := eth.ChainID(ctx)
	if err != nil {
		logger.Error("Failed to get chain ID from endpoint",
			log.Stringer("chainID", cfg.ChainID),
			log.Err(err),
		)
		return nil, err
	}

	c := &Client{
		logger:     logger,
		cfg:        cfg,
		eth:        eth,
		proxy:      proxy,
		signer:     sgnr,
		evmChainID: evmChainID,
		messages:   cache.NewFIFOCache[messageKey, *ima.OutgoingMessage](cfg.MessageCacheSize),
	}
	c.scanner = newLogScanner(logger, cfg.ChainID, eth, proxy, cfg.StartBlock)

	var account string
	if sgnr != nil {
		account = sgnr.Address().Hex()
	}
	logger.Info("Initialized EVM client",
		log.Stringer("chainID", cfg.ChainID),
		log.String("evmChainID", evmChainID.String()),
		log.String("messageProxy", proxy.Address().Hex()),
		log.String("account", account),
	)
	return c, nil
}

func (c *Client) ChainID() ids.ID {
	return c.cfg.ChainID
}

func (c *Client) OutgoingCounter(ctx context.Context, peer ids.ID) (uint64, error) {
	return c.counter(ctx, outgoingCounterMethod, peer)
}

func (c *Client) IncomingCounter(ctx context.Context, peer ids.ID) (uint64, error) {
	return c.counter(ctx, incomingCounterMethod, peer)
}

func (c *Client) counter(ctx context.Context, method string, peer ids.ID) (uint64, error) {
	input, err := c.proxy.PackCounter(method, peer)
	if err != nil {
		return 0, err
	}
	output, err := c.call(ctx, input)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", method, err)
	}
	return c.proxy.UnpackCounter(method, output)
}

func (c *Client) IsConnected(ctx context.Context, peer ids.ID) (bool, error) {
	input, err := c.proxy.PackIsConnected(peer)
	if err != nil {
		return false, err
	}
	output, err := c.call(ctx, input)
	if err != nil {
		return false, fmt.Errorf("%s: %w", isConnectedMethod, err)
	}
	return c.proxy.UnpackIsConnected(output)
}

func (c *Client) call(ctx context.Context, input []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, utils.DefaultRPCTimeout)
	defer cancel()

	to := c.proxy.Address()
	return c.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, nil)
}

// OutgoingMessages returns the messages posted to peer in [from, to). A
// message missing from the cache triggers one log scan for the rest of the
// range.
func (c *Client) OutgoingMessages(ctx context.Context, peer ids.ID, from, to uint64) ([]*ima.OutgoingMessage, error) {
	if from >= to {
		return nil, nil
	}
	msgs := make([]*ima.OutgoingMessage, 0, to-from)
	for counter := from; counter < to; counter++ {
		msg, err := c.messages.Get(messageKey{peer: peer, counter: counter}, func(key messageKey) (*ima.OutgoingMessage, error) {
			found, err := c.scanner.scan(ctx, peer, key.counter, to)
			if err != nil {
				return nil, err
			}
			for _, m := range found {
				if m.Counter != key.counter {
					c.messages.Put(messageKey{peer: peer, counter: m.Counter}, m)
				}
			}
			for _, m := range found {
				if m.Counter == key.counter {
					return m, nil
				}
			}
			return nil, fmt.Errorf("%w: counter %d toward %s", errMessageNotFound, key.counter, peer)
		})
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Submit delivers batch and waits for its receipt. Reverts are decoded into
// *ima.Error so that ima.Classify can route them.
func (c *Client) Submit(ctx context.Context, batch *ima.MessageBatch) error {
	if c.signer == nil {
		return errNoAccount
	}
	msg, err := c.postIncomingCall(batch)
	if err != nil {
		return err
	}

	gasLimit, err := c.eth.EstimateGas(ctx, msg)
	if err != nil {
		return c.proxy.DecodeRevert(err)
	}
	gasLimit += gasLimit * c.cfg.GasLimitBufferPct / 100

	gasTipCap, gasFeeCap, err := c.fees(ctx)
	if err != nil {
		return err
	}

	signedTx, err := c.send(ctx, msg, gasLimit, gasTipCap, gasFeeCap)
	if err != nil {
		return err
	}

	receipt, err := c.waitForReceipt(ctx, signedTx.Hash())
	if err != nil {
		return err
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		c.logger.Info("Delivered batch",
			log.Stringer("chainID", c.cfg.ChainID),
			log.Stringer("sourceChainID", batch.SourceChainID),
			log.Uint64("startingCounter", batch.StartingCounter),
			log.Int("messages", len(batch.Messages)),
			log.String("txID", signedTx.Hash().Hex()),
			log.Uint64("gasUsed", receipt.GasUsed),
		)
		return nil
	}

	// Replay the call against the block it reverted in to recover the reason
	if _, err := c.eth.CallContract(ctx, msg, receipt.BlockNumber); err != nil {
		return c.proxy.DecodeRevert(err)
	}
	return fmt.Errorf("%w: transaction %s reverted", ima.ErrDeliveryFailed, signedTx.Hash().Hex())
}

// DryRun executes the delivery of batch as a call against the latest state
func (c *Client) DryRun(ctx context.Context, batch *ima.MessageBatch) error {
	if c.signer == nil {
		return errNoAccount
	}
	msg, err := c.postIncomingCall(batch)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, utils.DefaultRPCTimeout)
	defer cancel()

	_, err = c.eth.CallContract(ctx, msg, nil)
	return c.proxy.DecodeRevert(err)
}

// WalletBalance is the native balance of the relayer account paying for
// deliveries.
func (c *Client) WalletBalance(ctx context.Context) (*uint256.Int, error) {
	if c.signer == nil {
		return nil, errNoAccount
	}
	ctx, cancel := context.WithTimeout(ctx, utils.DefaultRPCTimeout)
	defer cancel()

	balance, err := c.eth.BalanceAt(ctx, c.signer.Address(), nil)
	if err != nil {
		return nil, err
	}
	b, overflow := uint256.FromBig(balance)
	if overflow {
		return nil, fmt.Errorf("balance %s overflows 256 bits", balance)
	}
	return b, nil
}

func (c *Client) postIncomingCall(batch *ima.MessageBatch) (ethereum.CallMsg, error) {
	input, err := c.proxy.PackPostIncomingMessages(batch)
	if err != nil {
		return ethereum.CallMsg{}, fmt.Errorf("%w: %w", ima.ErrInvalidBatch, err)
	}
	to := c.proxy.Address()
	return ethereum.CallMsg{
		From:  c.signer.Address(),
		To:    &to,
		Value: new(big.Int),
		Data:  input,
	}, nil
}

// fees returns the tip cap and fee cap. The tip is the network suggestion
// capped at MaxPriorityFeePerGas. Without a configured max base fee the
// latest base fee is multiplied by defaultBaseFeeFactor.
func (c *Client) fees(ctx context.Context) (*big.Int, *big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, utils.DefaultRPCTimeout)
	defer cancel()

	maxBaseFee := c.cfg.MaxBaseFee
	if maxBaseFee.Sign() == 0 {
		head, err := c.eth.HeaderByNumber(ctx, nil)
		if err != nil {
			c.logger.Error("Failed to get latest header", log.Err(err))
			return nil, nil, err
		}
		baseFee := head.BaseFee
		if baseFee == nil {
			baseFee = new(big.Int)
		}
		maxBaseFee = new(big.Int).Mul(baseFee, big.NewInt(defaultBaseFeeFactor))
	}

	gasTipCap, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		c.logger.Error("Failed to get gas tip cap", log.Err(err))
		return nil, nil, err
	}
	if gasTipCap.Cmp(c.cfg.MaxPriorityFeePerGas) > 0 {
		gasTipCap = c.cfg.MaxPriorityFeePerGas
	}
	return gasTipCap, new(big.Int).Add(maxBaseFee, gasTipCap), nil
}

func (c *Client) send(
	ctx context.Context,
	msg ethereum.CallMsg,
	gasLimit uint64,
	gasTipCap, gasFeeCap *big.Int,
) (*types.Transaction, error) {
	c.nonceLock.Lock()
	defer c.nonceLock.Unlock()

	if !c.nonceValid {
		nonce, err := c.eth.PendingNonceAt(ctx, c.signer.Address())
		if err != nil {
			c.logger.Error("Failed to get pending nonce", log.Err(err))
			return nil, err
		}
		c.nonce = nonce
		c.nonceValid = true
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.evmChainID,
		Nonce:     c.nonce,
		To:        msg.To,
		Value:     msg.Value,
		Gas:       gasLimit,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Data:      msg.Data,
	})
	signedTx, err := c.signer.SignTx(tx, c.evmChainID)
	if err != nil {
		c.logger.Error("Failed to sign transaction", log.Err(err))
		return nil, err
	}

	sendCtx, cancel := context.WithTimeout(ctx, utils.DefaultRPCTimeout)
	defer cancel()
	if err := c.eth.SendTransaction(sendCtx, signedTx); err != nil {
		// The pool may hold a different view of the account, so resync
		c.nonceValid = false
		c.logger.Error("Failed to send transaction",
			log.String("txID", signedTx.Hash().Hex()),
			log.Uint64("nonce", c.nonce),
			log.Err(err),
		)
		return nil, err
	}
	c.logger.Debug("Sent transaction",
		log.String("txID", signedTx.Hash().Hex()),
		log.Uint64("nonce", c.nonce),
		log.Uint64("gasLimit", gasLimit),
		log.String("gasTipCap", gasTipCap.String()),
		log.String("gasFeeCap", gasFeeCap.String()),
	)
	c.nonce++
	return signedTx, nil
}

func (c *Client) waitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	operation := func() (err error) {
		callCtx, cancel := context.WithTimeout(ctx, utils.DefaultRPCTimeout)
		defer cancel()
		receipt, err = c.eth.TransactionReceipt(callCtx, txHash)
		return err
	}
	err := utils.WithRetriesTimeout(ctx, c.logger, operation, c.cfg.TxInclusionTimeout, "wait for receipt")
	if err != nil {
		c.logger.Error("Failed to get transaction receipt",
			log.String("txID", txHash.Hex()),
			log.Err(err),
		)
		return nil, err
	}
	return receipt, nil
}
