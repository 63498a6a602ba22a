// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/luxfi/ids"
	"github.com/luxfi/ima"
	"github.com/luxfi/ima/database"
	"github.com/luxfi/ima/relayer"
	"github.com/luxfi/ima/relayer/config"
	"github.com/luxfi/ima/signer"
	"github.com/luxfi/ima/utils"
	"github.com/luxfi/ima/vms/evm"
	evmsigner "github.com/luxfi/ima/vms/evm/signer"
	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const signerAPIPrefix = "/signer/"

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the relayer",
	Long: `Run the relayer over the channels of the config file. Every key of the
config file may also be given as an environment variable.`,
	// Flags are parsed by the relayer config
	DisableFlagParsing: true,
	RunE: func(_ *cobra.Command, args []string) error {
		cfg, done, err := buildConfig(args)
		if err != nil || done {
			return err
		}
		return runRelayer(cfg)
	},
}

// buildConfig parses the flags and builds the config. done is set when a
// flag was served without running the relayer.
func buildConfig(args []string) (cfg config.Config, done bool, err error) {
	fs := config.BuildFlagSet()
	if err := fs.Parse(args); err != nil {
		config.DisplayUsageText()
		return cfg, false, fmt.Errorf("couldn't parse flags: %w", err)
	}
	// If the version flag is set, display the version then exit
	displayVersion, err := fs.GetBool(config.VersionKey)
	if err != nil {
		return cfg, false, fmt.Errorf("error reading %s flag value: %w", config.VersionKey, err)
	}
	if displayVersion {
		fmt.Printf("%s\n", version)
		return cfg, true, nil
	}
	// If the help flag is set, output the usage text then exit
	help, err := fs.GetBool(config.HelpKey)
	if err != nil {
		return cfg, false, fmt.Errorf("error reading %s flag value: %w", config.HelpKey, err)
	}
	if help {
		config.DisplayUsageText()
		return cfg, true, nil
	}

	v, err := config.BuildViper(fs)
	if err != nil {
		return cfg, false, fmt.Errorf("couldn't configure flags: %w", err)
	}
	cfg, err = config.NewConfig(v)
	if err != nil {
		return cfg, false, fmt.Errorf("couldn't build config: %w", err)
	}
	return cfg, false, nil
}

// newHTTPClient is used for remote signers
func newHTTPClient() *http.Client {
	// Set the timeout conservatively to catch any potential cases where the context is not used
	// and the request hangs indefinitely.
	maxConns := 10_000
	return &http.Client{
		Timeout: 2 * utils.DefaultRPCTimeout,
		Transport: &http.Transport{
			MaxConnsPerHost:     maxConns,
			MaxIdleConns:        maxConns,
			MaxIdleConnsPerHost: maxConns,
			IdleConnTimeout:     0, // Unlimited since handled by context and timeout on the client level.
		},
	}
}

func runRelayer(cfg config.Config) error {
	logLevel, err := log.ToLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("error reading log level from config: %w", err)
	}
	logger := log.NewLogger(
		"ima-relayer",
		*log.NewWrappedCore(
			logLevel,
			os.Stdout,
			log.JSON.ConsoleEncoder(),
		),
	)
	logger.Info("Initializing ima-relayer", log.String("version", version))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.New(ctx, logger, cfg.StorageType, cfg.StorageURL)
	if err != nil {
		logger.Error("Failed to create database", log.Err(err))
		return err
	}
	defer db.Close()

	registry := prometheus.NewRegistry()
	relayerMetrics := relayer.NewRelayerMetrics(registry)
	aggregatorMetrics := signer.NewAggregatorMetrics(registry)

	logger.Info("Initializing chain clients")
	clients, err := createClients(ctx, logger, &cfg)
	if err != nil {
		logger.Error("Failed to create chain clients", log.Err(err))
		return err
	}

	logger.Info("Initializing signers")
	services, localNodes, err := createSigners(ctx, logger, &cfg, clients, aggregatorMetrics)
	if err != nil {
		logger.Error("Failed to create signers", log.Err(err))
		return err
	}

	transferErrors := relayer.NewTransferErrors(logger, db, cfg.TransferErrorCapacity)
	relayers, err := createChannelRelayers(ctx, logger, &cfg, clients, services, db, relayerMetrics, transferErrors)
	if err != nil {
		logger.Error("Failed to create channel relayers", log.Err(err))
		return err
	}

	if err := relayer.WaitForChannels(ctx, logger, relayers, cfg.InitialConnectionTimeout()); err != nil {
		logger.Error("Failed to connect channels", log.Err(err))
		return err
	}

	watcher := relayer.NewBalanceWatcher(logger, relayerMetrics, cfg.LowBalance(), cfg.BalanceCheckSchedule)
	watched := make(map[ids.ID]struct{})
	for _, key := range cfg.ChannelKeys() {
		if _, ok := watched[key.Destination]; ok {
			continue
		}
		watched[key.Destination] = struct{}{}
		watcher.Watch(key.Destination, clients[key.Destination])
	}

	agent := relayer.NewAgent(logger, relayers, watcher, transferErrors)

	router := chi.NewRouter()
	router.Handle("/health", agent.HealthHandler())
	router.Handle("/transfer-errors", agent.TransferErrorsHandler())
	for chainID, node := range localNodes {
		router.Mount(signerAPIPrefix+chainID.String(), signer.NewAPIHandler(logger, node))
	}

	errGroup, ctx := errgroup.WithContext(ctx)
	errGroup.Go(func() error {
		return agent.Run(ctx)
	})
	errGroup.Go(func() error {
		return serve(ctx, logger, "api", cfg.APIPort, router)
	})
	errGroup.Go(func() error {
		return serve(ctx, logger, "metrics", cfg.MetricsPort, metricsHandler(registry))
	})

	logger.Info("Initialization complete")
	err = errGroup.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		logger.Error("Relayer exiting.", log.Err(err))
		return err
	}
	logger.Info("Relayer exiting.")
	return nil
}

func createClients(ctx context.Context, logger log.Logger, cfg *config.Config) (map[ids.ID]*evm.Client, error) {
	clients := make(map[ids.ID]*evm.Client, len(cfg.Chains))
	for _, chain := range cfg.Chains {
		var txSigner evmsigner.Signer
		if chain.AccountPrivateKey != "" {
			s, err := evmsigner.NewTxSigner(chain.AccountPrivateKey)
			if err != nil {
				return nil, fmt.Errorf("chain %s: %w", chain.ChainID, err)
			}
			txSigner = s
		}
		maxBaseFee, maxPriorityFee := chain.FeeCaps()
		client, err := evm.NewClient(ctx, logger, evm.ClientConfig{
			ChainID:              chain.GetChainID(),
			RPCEndpoint:          chain.RPCEndpoint,
			MessageProxyAddress:  chain.GetMessageProxyAddress(),
			StartBlock:           chain.StartBlock,
			MaxBaseFee:           maxBaseFee,
			MaxPriorityFeePerGas: maxPriorityFee,
			TxInclusionTimeout:   time.Duration(chain.TxInclusionTimeoutSeconds) * time.Second,
		}, txSigner)
		if err != nil {
			logger.Error(
				"Failed to connect to node via RPC",
				log.String("chainID", chain.ChainID),
				log.Err(err),
			)
			return nil, err
		}
		clients[chain.GetChainID()] = client
	}
	return clients, nil
}

// createSigners builds the signing service of every chain with a signer. A
// chain whose only validator is local signs with a ThresholdSigner; otherwise
// the local and remote nodes are aggregated.
func createSigners(
	ctx context.Context,
	logger log.Logger,
	cfg *config.Config,
	clients map[ids.ID]*evm.Client,
	metrics *signer.AggregatorMetrics,
) (map[ids.ID]signer.Service, map[ids.ID]*signer.LocalNode, error) {
	services := make(map[ids.ID]signer.Service)
	localNodes := make(map[ids.ID]*signer.LocalNode)
	httpClient := newHTTPClient()

	for _, chain := range cfg.Chains {
		if !chain.HasSigner() {
			continue
		}
		chainID := chain.GetChainID()

		var (
			nodes      []signer.Node
			validators []*ima.Validator
		)
		if sk := chain.GetSignerKey(); sk != nil {
			local := signer.NewLocalNode(logger, chainID, sk, clients[chainID])
			localNodes[chainID] = local
			nodes = append(nodes, local)
			validators = append(validators, ima.NewValidator(local.PublicKey(), chain.SignerWeight))
		}
		for _, s := range chain.Signers {
			remote, err := signer.NewRemoteNode(ctx, s.URL, httpClient)
			if err != nil {
				logger.Error(
					"Failed to reach remote signer",
					log.String("chainID", chain.ChainID),
					log.String("url", s.URL),
					log.Err(err),
				)
				return nil, nil, err
			}
			nodes = append(nodes, remote)
			validators = append(validators, ima.NewValidator(remote.PublicKey(), s.Weight))
		}

		if len(chain.Signers) == 0 {
			services[chainID] = signer.NewThresholdSigner(localNodes[chainID])
			continue
		}
		validatorSet, err := ima.NewCanonicalValidatorSet(validators)
		if err != nil {
			return nil, nil, fmt.Errorf("chain %s: %w", chain.ChainID, err)
		}
		aggregator, err := signer.NewAggregator(
			logger,
			validatorSet,
			nodes,
			chain.AggregatorConfig(cfg.SignatureCacheSize, cfg.SignatureTimeout()),
			metrics,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("chain %s: %w", chain.ChainID, err)
		}
		services[chainID] = aggregator
		logger.Info(
			"Created signature aggregator",
			log.String("chainID", chain.ChainID),
			log.Int("validators", len(validators)),
		)
	}
	return services, localNodes, nil
}

func createChannelRelayers(
	ctx context.Context,
	logger log.Logger,
	cfg *config.Config,
	clients map[ids.ID]*evm.Client,
	services map[ids.ID]signer.Service,
	db database.Database,
	metrics *relayer.RelayerMetrics,
	transferErrors *relayer.TransferErrors,
) ([]*relayer.ChannelRelayer, error) {
	// Channels into the same destination share one submission budget
	limiters := make(map[ids.ID]*rate.Limiter)
	if cfg.SubmitsPerSecond > 0 {
		for _, key := range cfg.ChannelKeys() {
			if _, ok := limiters[key.Destination]; !ok {
				limiters[key.Destination] = rate.NewLimiter(rate.Limit(cfg.SubmitsPerSecond), max(cfg.SubmitBurst, 1))
			}
		}
	}

	channelCfg := cfg.ChannelRelayerConfig()
	relayers := make([]*relayer.ChannelRelayer, 0, len(cfg.Channels))
	for _, key := range cfg.ChannelKeys() {
		r, err := relayer.NewChannelRelayer(ctx, logger, channelCfg, relayer.ChannelParams{
			Source:      clients[key.Source],
			Destination: clients[key.Destination],
			Signer:      services[key.Source],
			Database:    db,
			Metrics:     metrics,
			Errors:      transferErrors,
			Limiter:     limiters[key.Destination],
			Frame:       cfg.TimeFrame(),
		})
		if err != nil {
			logger.Error(
				"Failed to create channel relayer",
				log.Stringer("channel", key),
				log.Err(err),
			)
			return nil, err
		}
		relayers = append(relayers, r)
		logger.Info(
			"Created channel relayer",
			log.Stringer("channel", key),
			log.Stringer("sourceChainID", key.Source),
			log.Stringer("destinationChainID", key.Destination),
		)
	}
	return relayers, nil
}
