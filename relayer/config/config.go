// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"time"

	"github.com/holiman/uint256"
	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/common/hexutil"
	"github.com/luxfi/ids"
	"github.com/luxfi/ima"
	"github.com/luxfi/ima/database"
	"github.com/luxfi/ima/relayer"
	"github.com/luxfi/ima/signer"
	"github.com/luxfi/log"
	"github.com/luxfi/math/set"
	"github.com/robfig/cron/v3"
)

const (
	defaultLogLevel                        = "info"
	defaultAPIPort                         = uint16(8080)
	defaultMetricsPort                     = uint16(9090)
	defaultInitialConnectionTimeoutSeconds = uint64(1800)
	// 0.1 of the native token
	defaultLowBalanceThreshold = "100000000000000000"
)

var (
	errNoChannels             = errors.New("no channels configured")
	errDuplicateChain         = errors.New("duplicate chain")
	errDuplicateChannel       = errors.New("duplicate channel")
	errUnknownChain           = errors.New("unknown chain")
	errSelfChannel            = errors.New("channel source and destination are the same chain")
	errMissingSigner          = errors.New("chain has no signer")
	errMissingAccount         = errors.New("destination chain has no account private key")
	errInvalidLowBalance      = errors.New("invalid low balance threshold")
	errInvalidStorage         = errors.New("invalid storage configuration")
	errInvalidBalanceSchedule = errors.New("invalid balance check schedule")
)

// SignerConfig is a validator node reached over its signing API
type SignerConfig struct {
	URL    string `mapstructure:"url" json:"url"`
	Weight uint64 `mapstructure:"weight" json:"weight"`
}

func (s *SignerConfig) Validate() error {
	if _, err := url.ParseRequestURI(s.URL); err != nil {
		return fmt.Errorf("invalid signer url %q: %w", s.URL, err)
	}
	if s.Weight == 0 {
		return fmt.Errorf("signer %s has zero weight", s.URL)
	}
	return nil
}

// ChainConfig describes one chain and the validators signing the messages it
// posts.
type ChainConfig struct {
	ChainID             string `mapstructure:"chain-id" json:"chain-id"`
	RPCEndpoint         string `mapstructure:"rpc-endpoint" json:"rpc-endpoint"`
	MessageProxyAddress string `mapstructure:"message-proxy-address" json:"message-proxy-address"`
	StartBlock          uint64 `mapstructure:"start-block" json:"start-block"`

	// Pays for deliveries to this chain
	AccountPrivateKey         string `mapstructure:"account-private-key" json:"account-private-key"`
	MaxBaseFee                uint64 `mapstructure:"max-base-fee" json:"max-base-fee"`
	MaxPriorityFeePerGas      uint64 `mapstructure:"max-priority-fee-per-gas" json:"max-priority-fee-per-gas"`
	TxInclusionTimeoutSeconds uint64 `mapstructure:"tx-inclusion-timeout-seconds" json:"tx-inclusion-timeout-seconds"`

	// Hex encoded BLS secret key of the validator node run by this process
	SignerKey    string          `mapstructure:"signer-key" json:"signer-key"`
	SignerWeight uint64          `mapstructure:"signer-weight" json:"signer-weight"`
	Signers      []*SignerConfig `mapstructure:"signers" json:"signers"`
	QuorumNum    uint64          `mapstructure:"quorum-num" json:"quorum-num"`
	QuorumDen    uint64          `mapstructure:"quorum-den" json:"quorum-den"`

	// Fields populated by Validate
	chainID      ids.ID
	proxyAddress common.Address
	signerKey    *bls.SecretKey
}

func (c *ChainConfig) Validate() error {
	chainID, err := ids.FromString(c.ChainID)
	if err != nil {
		return fmt.Errorf("invalid chain id %q: %w", c.ChainID, err)
	}
	c.chainID = chainID

	if _, err := url.ParseRequestURI(c.RPCEndpoint); err != nil {
		return fmt.Errorf("chain %s: invalid rpc endpoint: %w", c.ChainID, err)
	}
	if !common.IsHexAddress(c.MessageProxyAddress) {
		return fmt.Errorf("chain %s: invalid message proxy address %q", c.ChainID, c.MessageProxyAddress)
	}
	c.proxyAddress = common.HexToAddress(c.MessageProxyAddress)

	if c.SignerKey != "" {
		skBytes, err := hexutil.Decode(c.SignerKey)
		if err != nil {
			return fmt.Errorf("chain %s: invalid signer key: %w", c.ChainID, err)
		}
		c.signerKey, err = bls.SecretKeyFromBytes(skBytes)
		if err != nil {
			return fmt.Errorf("chain %s: invalid signer key: %w", c.ChainID, err)
		}
		if c.SignerWeight == 0 {
			c.SignerWeight = 1
		}
	}
	for _, s := range c.Signers {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("chain %s: %w", c.ChainID, err)
		}
	}

	if c.QuorumNum == 0 && c.QuorumDen == 0 {
		c.QuorumNum = ima.DefaultQuorumNumerator
		c.QuorumDen = ima.DefaultQuorumDenominator
	}
	if c.QuorumDen == 0 || c.QuorumNum == 0 || c.QuorumNum > c.QuorumDen {
		return fmt.Errorf("chain %s: invalid quorum %d/%d", c.ChainID, c.QuorumNum, c.QuorumDen)
	}
	return nil
}

func (c *ChainConfig) GetChainID() ids.ID {
	return c.chainID
}

func (c *ChainConfig) GetMessageProxyAddress() common.Address {
	return c.proxyAddress
}

// GetSignerKey is nil unless this process runs a validator node of the chain
func (c *ChainConfig) GetSignerKey() *bls.SecretKey {
	return c.signerKey
}

// HasSigner reports whether messages posted on the chain can be signed
func (c *ChainConfig) HasSigner() bool {
	return c.SignerKey != "" || len(c.Signers) > 0
}

func (c *ChainConfig) AggregatorConfig(cacheSize int, timeout time.Duration) signer.AggregatorConfig {
	return signer.AggregatorConfig{
		QuorumNum: c.QuorumNum,
		QuorumDen: c.QuorumDen,
		Timeout:   timeout,
		CacheSize: cacheSize,
	}
}

func (c *ChainConfig) FeeCaps() (*big.Int, *big.Int) {
	return new(big.Int).SetUint64(c.MaxBaseFee), new(big.Int).SetUint64(c.MaxPriorityFeePerGas)
}

// ChannelConfig names a directed channel served by the relayer
type ChannelConfig struct {
	Source      string `mapstructure:"source" json:"source"`
	Destination string `mapstructure:"destination" json:"destination"`
}

// Config is the relayer configuration
type Config struct {
	LogLevel    string `mapstructure:"log-level" json:"log-level"`
	APIPort     uint16 `mapstructure:"api-port" json:"api-port"`
	MetricsPort uint16 `mapstructure:"metrics-port" json:"metrics-port"`
	StorageType string `mapstructure:"storage-type" json:"storage-type"`
	StorageURL  string `mapstructure:"storage-url" json:"storage-url"`

	Chains   []*ChainConfig   `mapstructure:"chains" json:"chains"`
	Channels []*ChannelConfig `mapstructure:"channels" json:"channels"`

	BatchSize                 int     `mapstructure:"batch-size" json:"batch-size"`
	MaxBatchesPerLoop         int     `mapstructure:"max-batches-per-loop" json:"max-batches-per-loop"`
	MaxMessagesPerLoop        int     `mapstructure:"max-messages-per-loop" json:"max-messages-per-loop"`
	PollIntervalSeconds       uint64  `mapstructure:"poll-interval-seconds" json:"poll-interval-seconds"`
	SubmitTimeoutSeconds      uint64  `mapstructure:"submit-timeout-seconds" json:"submit-timeout-seconds"`
	MaxRetries                uint64  `mapstructure:"max-retries" json:"max-retries"`
	RetryIntervalMilliseconds uint64  `mapstructure:"retry-interval-ms" json:"retry-interval-ms"`
	FundingBackoffSeconds     uint64  `mapstructure:"funding-backoff-seconds" json:"funding-backoff-seconds"`
	ProtocolBackoffSeconds    uint64  `mapstructure:"protocol-backoff-seconds" json:"protocol-backoff-seconds"`
	ConnectionCacheTTLSeconds uint64  `mapstructure:"connection-cache-ttl-seconds" json:"connection-cache-ttl-seconds"`
	CheckpointIntervalSeconds uint64  `mapstructure:"checkpoint-interval-seconds" json:"checkpoint-interval-seconds"`
	SubmitsPerSecond          float64 `mapstructure:"submits-per-second" json:"submits-per-second"`
	SubmitBurst               int     `mapstructure:"submit-burst" json:"submit-burst"`

	FrameSeconds    uint64 `mapstructure:"frame-seconds" json:"frame-seconds"`
	NodeCount       uint64 `mapstructure:"node-count" json:"node-count"`
	NodeIndex       uint64 `mapstructure:"node-index" json:"node-index"`
	FrameGapSeconds uint64 `mapstructure:"frame-gap-seconds" json:"frame-gap-seconds"`

	// Wei, base 10
	LowBalanceThreshold  string `mapstructure:"low-balance-threshold" json:"low-balance-threshold"`
	BalanceCheckSchedule string `mapstructure:"balance-check-schedule" json:"balance-check-schedule"`

	SignatureCacheSize              int    `mapstructure:"signature-cache-size" json:"signature-cache-size"`
	SignatureTimeoutSeconds         uint64 `mapstructure:"signature-timeout-seconds" json:"signature-timeout-seconds"`
	InitialConnectionTimeoutSeconds uint64 `mapstructure:"initial-connection-timeout-seconds" json:"initial-connection-timeout-seconds"`
	TransferErrorCapacity           int    `mapstructure:"transfer-error-capacity" json:"transfer-error-capacity"`

	// Fields populated by Validate
	lowBalance *uint256.Int
}

// Validate checks the configuration and populates the parsed fields of
// every chain.
func (c *Config) Validate() error {
	if _, err := log.ToLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}

	switch c.StorageType {
	case "", database.MemoryStorage:
	case database.PostgresStorage, database.RedisStorage:
		if c.StorageURL == "" {
			return fmt.Errorf("%w: %s storage requires %s", errInvalidStorage, c.StorageType, StorageURLKey)
		}
	default:
		return fmt.Errorf("%w: unknown storage type %q", errInvalidStorage, c.StorageType)
	}

	chains := make(map[ids.ID]*ChainConfig, len(c.Chains))
	for _, chain := range c.Chains {
		if err := chain.Validate(); err != nil {
			return err
		}
		if _, ok := chains[chain.chainID]; ok {
			return fmt.Errorf("%w: %s", errDuplicateChain, chain.ChainID)
		}
		chains[chain.chainID] = chain
	}

	if len(c.Channels) == 0 {
		return errNoChannels
	}
	seen := set.NewSet[database.ChannelKey](len(c.Channels))
	for _, ch := range c.Channels {
		src, err := c.lookup(chains, ch.Source)
		if err != nil {
			return err
		}
		dst, err := c.lookup(chains, ch.Destination)
		if err != nil {
			return err
		}
		if src.chainID == dst.chainID {
			return fmt.Errorf("%w: %s", errSelfChannel, ch.Source)
		}
		key := database.NewChannelKey(src.chainID, dst.chainID)
		if seen.Contains(key) {
			return fmt.Errorf("%w: %s", errDuplicateChannel, key)
		}
		seen.Add(key)

		if !src.HasSigner() {
			return fmt.Errorf("%w: %s", errMissingSigner, src.ChainID)
		}
		if dst.AccountPrivateKey == "" {
			return fmt.Errorf("%w: %s", errMissingAccount, dst.ChainID)
		}
	}

	if err := c.TimeFrame().Validate(); err != nil {
		return err
	}

	threshold, err := uint256.FromDecimal(c.LowBalanceThreshold)
	if err != nil {
		return fmt.Errorf("%w: %w", errInvalidLowBalance, err)
	}
	c.lowBalance = threshold

	if c.BalanceCheckSchedule != "" {
		if _, err := cron.ParseStandard(c.BalanceCheckSchedule); err != nil {
			return fmt.Errorf("%w: %w", errInvalidBalanceSchedule, err)
		}
	}
	return nil
}

func (*Config) lookup(chains map[ids.ID]*ChainConfig, chainID string) (*ChainConfig, error) {
	id, err := ids.FromString(chainID)
	if err != nil {
		return nil, fmt.Errorf("invalid channel chain id %q: %w", chainID, err)
	}
	chain, ok := chains[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnknownChain, chainID)
	}
	return chain, nil
}

// Chain returns the validated configuration of chainID
func (c *Config) Chain(chainID ids.ID) (*ChainConfig, bool) {
	for _, chain := range c.Chains {
		if chain.chainID == chainID {
			return chain, true
		}
	}
	return nil, false
}

// ChannelKeys lists the configured channels. Only valid after Validate.
func (c *Config) ChannelKeys() []database.ChannelKey {
	keys := make([]database.ChannelKey, 0, len(c.Channels))
	for _, ch := range c.Channels {
		src, _ := ids.FromString(ch.Source)
		dst, _ := ids.FromString(ch.Destination)
		keys = append(keys, database.NewChannelKey(src, dst))
	}
	return keys
}

func (c *Config) ChannelRelayerConfig() relayer.ChannelConfig {
	return relayer.ChannelConfig{
		BatchSize:          c.BatchSize,
		MaxBatchesPerLoop:  c.MaxBatchesPerLoop,
		MaxMessagesPerLoop: c.MaxMessagesPerLoop,
		PollInterval:       time.Duration(c.PollIntervalSeconds) * time.Second,
		SubmitTimeout:      time.Duration(c.SubmitTimeoutSeconds) * time.Second,
		MaxRetries:         c.MaxRetries,
		RetryInterval:      time.Duration(c.RetryIntervalMilliseconds) * time.Millisecond,
		FundingBackoff:     time.Duration(c.FundingBackoffSeconds) * time.Second,
		ProtocolBackoff:    time.Duration(c.ProtocolBackoffSeconds) * time.Second,
		ConnectionCacheTTL: time.Duration(c.ConnectionCacheTTLSeconds) * time.Second,
		CheckpointInterval: time.Duration(c.CheckpointIntervalSeconds) * time.Second,
	}
}

func (c *Config) TimeFrame() relayer.TimeFrame {
	return relayer.TimeFrame{
		FrameSeconds: c.FrameSeconds,
		NodeCount:    c.NodeCount,
		NodeIndex:    c.NodeIndex,
		GapSeconds:   c.FrameGapSeconds,
	}
}

// LowBalance is the wallet balance below which the relayer warns. Only valid
// after Validate.
func (c *Config) LowBalance() *uint256.Int {
	return c.lowBalance
}

func (c *Config) SignatureTimeout() time.Duration {
	return time.Duration(c.SignatureTimeoutSeconds) * time.Second
}

func (c *Config) InitialConnectionTimeout() time.Duration {
	return time.Duration(c.InitialConnectionTimeoutSeconds) * time.Second
}
