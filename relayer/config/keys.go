// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package config

const (
	// Command line option keys
	ConfigFileKey = "config-file"
	EnvFileKey    = "env-file"
	VersionKey    = "version"
	HelpKey       = "help"

	// Environment variable keys
	ConfigFileEnvKey = "CONFIG_FILE"

	// Top-level configuration keys
	LogLevelKey                        = "log-level"
	APIPortKey                         = "api-port"
	MetricsPortKey                     = "metrics-port"
	StorageTypeKey                     = "storage-type"
	StorageURLKey                      = "storage-url"
	ChainsKey                          = "chains"
	ChannelsKey                        = "channels"
	BatchSizeKey                       = "batch-size"
	MaxBatchesPerLoopKey               = "max-batches-per-loop"
	MaxMessagesPerLoopKey              = "max-messages-per-loop"
	PollIntervalSecondsKey             = "poll-interval-seconds"
	SubmitTimeoutSecondsKey            = "submit-timeout-seconds"
	MaxRetriesKey                      = "max-retries"
	RetryIntervalMillisecondsKey       = "retry-interval-ms"
	FundingBackoffSecondsKey           = "funding-backoff-seconds"
	ProtocolBackoffSecondsKey          = "protocol-backoff-seconds"
	ConnectionCacheTTLSecondsKey       = "connection-cache-ttl-seconds"
	CheckpointIntervalSecondsKey       = "checkpoint-interval-seconds"
	SubmitsPerSecondKey                = "submits-per-second"
	SubmitBurstKey                     = "submit-burst"
	FrameSecondsKey                    = "frame-seconds"
	NodeCountKey                       = "node-count"
	NodeIndexKey                       = "node-index"
	FrameGapSecondsKey                 = "frame-gap-seconds"
	LowBalanceThresholdKey             = "low-balance-threshold"
	BalanceCheckScheduleKey            = "balance-check-schedule"
	SignatureCacheSizeKey              = "signature-cache-size"
	SignatureTimeoutSecondsKey         = "signature-timeout-seconds"
	InitialConnectionTimeoutSecondsKey = "initial-connection-timeout-seconds"
	TransferErrorCapacityKey           = "transfer-error-capacity"
)
