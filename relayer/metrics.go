// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package relayer

import (
	"math/big"

	"github.com/holiman/uint256"
	"github.com/luxfi/ids"
	"github.com/luxfi/ima/database"
	"github.com/prometheus/client_golang/prometheus"
)

// RelayerMetrics is safe to use when nil
type RelayerMetrics struct {
	relayedMessageCount *prometheus.CounterVec
	failedRelayCount    *prometheus.CounterVec
	signBatchLatencyMS  *prometheus.GaugeVec
	pendingMessages     *prometheus.GaugeVec
	walletBalance       *prometheus.GaugeVec
}

func NewRelayerMetrics(registerer prometheus.Registerer) *RelayerMetrics {
	m := RelayerMetrics{
		relayedMessageCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relayed_message_count",
				Help: "Number of messages that relayed successfully",
			},
			[]string{"source_chain_id", "destination_chain_id"},
		),
		failedRelayCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "failed_relay_count",
				Help: "Number of batches that failed to relay",
			},
			[]string{"source_chain_id", "destination_chain_id", "failure_reason"},
		),
		signBatchLatencyMS: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sign_batch_latency_ms",
				Help: "Latency of signing a batch in milliseconds",
			},
			[]string{"source_chain_id", "destination_chain_id"},
		),
		pendingMessages: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pending_messages",
				Help: "Number of messages posted but not yet processed by the destination",
			},
			[]string{"source_chain_id", "destination_chain_id"},
		),
		walletBalance: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wallet_balance",
				Help: "Balance of the wallet paying for dispatch on a chain",
			},
			[]string{"chain_id"},
		),
	}

	registerer.MustRegister(m.relayedMessageCount)
	registerer.MustRegister(m.failedRelayCount)
	registerer.MustRegister(m.signBatchLatencyMS)
	registerer.MustRegister(m.pendingMessages)
	registerer.MustRegister(m.walletBalance)

	return &m
}

func (m *RelayerMetrics) relayed(key database.ChannelKey, n int) {
	if m == nil {
		return
	}
	m.relayedMessageCount.
		WithLabelValues(key.Source.String(), key.Destination.String()).
		Add(float64(n))
}

func (m *RelayerMetrics) failed(key database.ChannelKey, reason string) {
	if m == nil {
		return
	}
	m.failedRelayCount.
		WithLabelValues(key.Source.String(), key.Destination.String(), reason).
		Inc()
}

func (m *RelayerMetrics) signLatency(key database.ChannelKey, ms int64) {
	if m == nil {
		return
	}
	m.signBatchLatencyMS.
		WithLabelValues(key.Source.String(), key.Destination.String()).
		Set(float64(ms))
}

func (m *RelayerMetrics) pending(key database.ChannelKey, n uint64) {
	if m == nil {
		return
	}
	m.pendingMessages.
		WithLabelValues(key.Source.String(), key.Destination.String()).
		Set(float64(n))
}

func (m *RelayerMetrics) balance(chainID ids.ID, balance *uint256.Int) {
	if m == nil {
		return
	}
	f, _ := new(big.Float).SetInt(balance.ToBig()).Float64()
	m.walletBalance.WithLabelValues(chainID.String()).Set(f)
}
