// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/luxfi/ima/relayer"
	"github.com/luxfi/ima/signer"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const usageText = `
Usage:
ima relay --config-file path-to-config            Starts the relayer with the given config file
ima relay --env-file path-to-env                  Loads environment variables from a dotenv file first
ima relay --version                               Display ima version
ima relay --help                                  Display ima usage and exit
`

func DisplayUsageText() {
	fmt.Fprint(os.Stderr, usageText)
}

// BuildFlagSet declares the command line flags of the relayer
func BuildFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("ima-relayer", pflag.ContinueOnError)
	fs.String(ConfigFileKey, "", "Specifies the relayer config file")
	fs.String(EnvFileKey, "", "Specifies a dotenv file loaded into the environment")
	fs.BoolP(VersionKey, "", false, "Display relayer version")
	fs.BoolP(HelpKey, "", false, "Display relayer usage")
	return fs
}

func NewConfig(v *viper.Viper) (Config, error) {
	cfg, err := BuildConfig(v)
	if err != nil {
		return cfg, err
	}
	if err = cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("failed to validate configuration: %w", err)
	}
	return cfg, nil
}

// Build the viper instance. The config file must be provided via the command line flag or environment variable.
// All config keys may be provided via config file or environment variable.
func BuildViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.AutomaticEnv()
	// Map flag names to env var names. Flags are capitalized, and hyphens are replaced with underscores.
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}

	// Variables already in the environment take precedence over the file
	if envFile := v.GetString(EnvFileKey); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	// Verify required flags are set
	if !v.IsSet(ConfigFileKey) {
		DisplayUsageText()
		return nil, fmt.Errorf("config file not set")
	}

	filename := v.GetString(ConfigFileKey)
	v.SetConfigFile(filename)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	return v, nil
}

func SetDefaultConfigValues(v *viper.Viper) {
	v.SetDefault(LogLevelKey, defaultLogLevel)
	v.SetDefault(APIPortKey, defaultAPIPort)
	v.SetDefault(MetricsPortKey, defaultMetricsPort)
	v.SetDefault(BatchSizeKey, relayer.DefaultBatchSize)
	v.SetDefault(MaxBatchesPerLoopKey, relayer.DefaultMaxBatchesPerLoop)
	v.SetDefault(PollIntervalSecondsKey, uint64(relayer.DefaultPollInterval.Seconds()))
	v.SetDefault(SubmitTimeoutSecondsKey, uint64(relayer.DefaultSubmitTimeout.Seconds()))
	v.SetDefault(MaxRetriesKey, relayer.DefaultMaxRetries)
	v.SetDefault(RetryIntervalMillisecondsKey, uint64(relayer.DefaultRetryInterval.Milliseconds()))
	v.SetDefault(FundingBackoffSecondsKey, uint64(relayer.DefaultFundingBackoff.Seconds()))
	v.SetDefault(ProtocolBackoffSecondsKey, uint64(relayer.DefaultProtocolBackoff.Seconds()))
	v.SetDefault(ConnectionCacheTTLSecondsKey, uint64(relayer.DefaultConnectionCacheTTL.Seconds()))
	v.SetDefault(CheckpointIntervalSecondsKey, uint64(relayer.DefaultCheckpointInterval.Seconds()))
	v.SetDefault(LowBalanceThresholdKey, defaultLowBalanceThreshold)
	v.SetDefault(BalanceCheckScheduleKey, relayer.DefaultBalanceCheckSchedule)
	v.SetDefault(SignatureCacheSizeKey, signer.DefaultSignatureCacheSize)
	v.SetDefault(SignatureTimeoutSecondsKey, uint64(signer.DefaultSignatureRequestTimeout.Seconds()))
	v.SetDefault(InitialConnectionTimeoutSecondsKey, defaultInitialConnectionTimeoutSeconds)
	v.SetDefault(TransferErrorCapacityKey, relayer.DefaultTransferErrorCapacity)
}

// BuildConfig constructs the relayer config using Viper.
// The following precedence order is used. Each item takes precedence over the item below it:
//  1. Flags
//  2. Environment variables
//  3. Config file
//
// Returns the Config
func BuildConfig(v *viper.Viper) (Config, error) {
	// Set default values
	SetDefaultConfigValues(v)

	// Build the config from Viper
	var cfg Config

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to unmarshal viper config: %w", err)
	}
	return cfg, nil
}
