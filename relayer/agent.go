// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package relayer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alexliesenfeld/health"
	"github.com/luxfi/ima/database"
	"github.com/luxfi/log"
	"golang.org/x/sync/errgroup"
)

const healthCheckName = "ima-relayer-health"

// Agent runs one ChannelRelayer per configured channel. Channels never wait on
// each other; a failing channel only marks itself unhealthy.
type Agent struct {
	logger   log.Logger
	relayers []*ChannelRelayer
	watcher  *BalanceWatcher
	errors   *TransferErrors
}

// NewAgent creates an agent. watcher and errors may be nil.
func NewAgent(logger log.Logger, relayers []*ChannelRelayer, watcher *BalanceWatcher, errors *TransferErrors) *Agent {
	return &Agent{
		logger:   logger,
		relayers: relayers,
		watcher:  watcher,
		errors:   errors,
	}
}

func (a *Agent) Relayers() []*ChannelRelayer {
	return a.relayers
}

// Run blocks until ctx is done or a channel loop returns an error
func (a *Agent) Run(ctx context.Context) error {
	if a.watcher != nil {
		if err := a.watcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to start balance watcher: %w", err)
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = a.watcher.Stop(stopCtx)
		}()
	}

	eg, ctx := errgroup.WithContext(ctx)
	for _, r := range a.relayers {
		eg.Go(func() error {
			return r.Run(ctx)
		})
	}
	a.logger.Info("Relay agent started")
	err := eg.Wait()
	a.logger.Info("Relay agent stopped")
	return err
}

// HealthCheck fails while any channel is unhealthy
func (a *Agent) HealthCheck(context.Context) error {
	var unhealthy []string
	for _, r := range a.relayers {
		if !r.Healthy() {
			unhealthy = append(unhealthy, r.Key().String())
		}
	}
	if len(unhealthy) > 0 {
		return fmt.Errorf("channels unhealthy: %s", strings.Join(unhealthy, ", "))
	}
	return nil
}

// HealthHandler serves HealthCheck
func (a *Agent) HealthHandler() http.Handler {
	checker := health.NewChecker(
		health.WithDisabledCache(),
		health.WithCheck(health.Check{
			Name:  healthCheckName,
			Check: a.HealthCheck,
		}),
	)
	return health.NewHandler(checker)
}

type TransferErrorsResponse struct {
	Failing []string                 `json:"failing"`
	Recent  []database.TransferError `json:"recent"`
}

// TransferErrorsHandler serves the journaled transfer errors as JSON
func (a *Agent) TransferErrorsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		resp := TransferErrorsResponse{
			Failing: []string{},
			Recent:  []database.TransferError{},
		}
		if a.errors != nil {
			resp.Failing = a.errors.Failing()
			resp.Recent = a.errors.Recent()
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			a.logger.Error("Error writing response", log.Err(err))
		}
	})
}
