// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package signer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/ids"
	"github.com/luxfi/ima"
	"github.com/luxfi/log"
	"github.com/luxfi/math/set"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const (
	// Maximum amount of time to wait for a quorum of node signatures
	DefaultSignatureRequestTimeout = 5 * time.Second
	DefaultSignatureCacheSize      = 1024
)

var (
	_ Service = (*Aggregator)(nil)

	errNotEnoughSignatures = errors.New("failed to collect a threshold of signatures")
)

type AggregatorConfig struct {
	QuorumNum uint64
	QuorumDen uint64
	// Timeout bounds one round of signature requests
	Timeout   time.Duration
	CacheSize int
}

// DefaultAggregatorConfig requires the same quorum as ima.NewQuorumVerifier
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		QuorumNum: ima.DefaultQuorumNumerator,
		QuorumDen: ima.DefaultQuorumDenominator,
		Timeout:   DefaultSignatureRequestTimeout,
		CacheSize: DefaultSignatureCacheSize,
	}
}

// Aggregator collects node signatures over a batch digest until the signers
// hold a quorum of the validator set weight, then aggregates them into an
// ima.BitSetSignature.
type Aggregator struct {
	logger     log.Logger
	validators *ima.CanonicalValidatorSet
	nodes      map[string]Node
	cfg        AggregatorConfig
	cache      *SignatureCache
	metrics    *AggregatorMetrics
}

// NewAggregator creates an aggregator over the nodes of validators. Nodes
// whose key is not in the set are rejected.
func NewAggregator(
	logger log.Logger,
	validators *ima.CanonicalValidatorSet,
	nodes []Node,
	cfg AggregatorConfig,
	metrics *AggregatorMetrics,
) (*Aggregator, error) {
	if cfg.QuorumDen == 0 || cfg.QuorumNum == 0 || cfg.QuorumNum > cfg.QuorumDen {
		return nil, fmt.Errorf("%w: %d/%d", ima.ErrInvalidQuorum, cfg.QuorumNum, cfg.QuorumDen)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultSignatureRequestTimeout
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = DefaultSignatureCacheSize
	}

	byKey := make(map[string]Node, len(nodes))
	for _, node := range nodes {
		pk := bls.PublicKeyToCompressedBytes(node.PublicKey())
		if validators.IndexOf(pk) < 0 {
			return nil, fmt.Errorf("node %x is not a validator", pk)
		}
		byKey[string(pk)] = node
	}
	return &Aggregator{
		logger:     logger,
		validators: validators,
		nodes:      byKey,
		cfg:        cfg,
		cache:      NewSignatureCache(cfg.CacheSize),
		metrics:    metrics,
	}, nil
}

// ValidatorKey is the channel validator key the aggregated signatures verify
// against
func (a *Aggregator) ValidatorKey() []byte {
	return a.validators.Bytes()
}

type nodeResponse struct {
	index int
	sig   *bls.Signature
	err   error
}

func (a *Aggregator) SignBatch(ctx context.Context, destination ids.ID, batch *ima.MessageBatch) ([]byte, error) {
	startTime := time.Now()
	digest := batch.Digest()
	vdrs := a.validators.Validators()

	sigs := make(map[int]*bls.Signature, len(vdrs))
	var signedWeight uint64
	for pk, sigBytes := range a.cache.Get(digest) {
		index := a.validators.IndexOf([]byte(pk))
		if index < 0 {
			continue
		}
		sig, err := bls.SignatureFromBytes(sigBytes[:])
		if err != nil {
			continue
		}
		sigs[index] = sig
		signedWeight += vdrs[index].Weight
	}
	a.metrics.cachedSignatures(len(sigs))

	if !a.hasQuorum(signedWeight) {
		ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()

		responses := make(chan nodeResponse, len(vdrs))
		eg, egCtx := errgroup.WithContext(ctx)
		for i, vdr := range vdrs {
			if _, ok := sigs[i]; ok {
				continue
			}
			node, ok := a.nodes[string(vdr.PublicKeyBytes)]
			if !ok {
				continue
			}
			eg.Go(func() error {
				sig, err := node.Sign(egCtx, destination, batch)
				responses <- nodeResponse{index: i, sig: sig, err: err}
				return nil
			})
		}
		go func() {
			_ = eg.Wait()
			close(responses)
		}()

		for resp := range responses {
			vdr := vdrs[resp.index]
			if resp.err != nil {
				a.metrics.requestFailed()
				a.logger.Debug("Node failed to sign batch",
					log.Int("validatorIndex", resp.index),
					log.Err(resp.err),
				)
				continue
			}
			if !bls.Verify(vdr.PublicKey, resp.sig, digest[:]) {
				a.metrics.invalidSignature()
				a.logger.Warn("Node returned an invalid signature",
					log.Int("validatorIndex", resp.index),
					log.Stringer("digest", digest),
				)
				continue
			}

			var sigBytes SignatureBytes
			copy(sigBytes[:], bls.SignatureToBytes(resp.sig))
			a.cache.Add(digest, string(vdr.PublicKeyBytes), sigBytes)

			sigs[resp.index] = resp.sig
			signedWeight += vdr.Weight
			if a.hasQuorum(signedWeight) {
				cancel()
				break
			}
		}
	}

	if !a.hasQuorum(signedWeight) {
		a.metrics.aggregationFailed()
		return nil, fmt.Errorf("%w: signed weight %d of %d",
			errNotEnoughSignatures, signedWeight, a.validators.TotalWeight())
	}

	signers := set.NewBits()
	collected := make([]*bls.Signature, 0, len(sigs))
	for i := range vdrs {
		sig, ok := sigs[i]
		if !ok {
			continue
		}
		signers.Add(i)
		collected = append(collected, sig)
	}
	aggSig, err := bls.AggregateSignatures(collected)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate signatures: %w", err)
	}

	a.metrics.aggregated(time.Since(startTime))
	a.logger.Debug("Aggregated batch signature",
		log.Stringer("sourceChainID", batch.SourceChainID),
		log.Uint64("startingCounter", batch.StartingCounter),
		log.Int("signers", len(collected)),
		log.Uint64("signedWeight", signedWeight),
	)
	return ima.NewBitSetSignature(signers, aggSig).Bytes(), nil
}

func (a *Aggregator) hasQuorum(signedWeight uint64) bool {
	return ima.VerifyWeight(signedWeight, a.validators.TotalWeight(), a.cfg.QuorumNum, a.cfg.QuorumDen) == nil
}

// AggregatorMetrics is safe to use when nil
type AggregatorMetrics struct {
	signatureRequestFailures prometheus.Counter
	invalidSignatures        prometheus.Counter
	aggregationFailures      prometheus.Counter
	cachedSignatureHits      prometheus.Counter
	aggregationLatencyMS     prometheus.Gauge
}

func NewAggregatorMetrics(registerer prometheus.Registerer) *AggregatorMetrics {
	m := &AggregatorMetrics{
		signatureRequestFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signature_request_failures",
			Help: "Number of node signature requests that failed",
		}),
		invalidSignatures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "invalid_signatures",
			Help: "Number of node signatures that did not verify",
		}),
		aggregationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aggregation_failures",
			Help: "Number of batches that did not reach a signing quorum",
		}),
		cachedSignatureHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cached_signature_hits",
			Help: "Number of node signatures served from the cache",
		}),
		aggregationLatencyMS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aggregation_latency_ms",
			Help: "Latency of the last successful aggregation in milliseconds",
		}),
	}
	registerer.MustRegister(
		m.signatureRequestFailures,
		m.invalidSignatures,
		m.aggregationFailures,
		m.cachedSignatureHits,
		m.aggregationLatencyMS,
	)
	return m
}

func (m *AggregatorMetrics) requestFailed() {
	if m != nil {
		m.signatureRequestFailures.Inc()
	}
}

func (m *AggregatorMetrics) invalidSignature() {
	if m != nil {
		m.invalidSignatures.Inc()
	}
}

func (m *AggregatorMetrics) aggregationFailed() {
	if m != nil {
		m.aggregationFailures.Inc()
	}
}

func (m *AggregatorMetrics) cachedSignatures(n int) {
	if m != nil {
		m.cachedSignatureHits.Add(float64(n))
	}
}

func (m *AggregatorMetrics) aggregated(d time.Duration) {
	if m != nil {
		m.aggregationLatencyMS.Set(float64(d.Milliseconds()))
	}
}
