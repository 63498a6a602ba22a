// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/geth/common/hexutil"
	"github.com/luxfi/ids"
	"github.com/luxfi/ima"
	"github.com/luxfi/log"
)

const (
	SignBatchPath = "/sign-batch"
	PublicKeyPath = "/public-key"
)

var _ Node = (*RemoteNode)(nil)

type SignBatchRequest struct {
	// Destination is the chain the batch is relayed to
	Destination string `json:"destination"`
	// hex encoding of the unsigned batch, "0x" prefixed
	Batch string `json:"batch"`
}

type SignBatchResponse struct {
	// hex encoding of the BLS signature
	Signature string `json:"signature"`
}

type PublicKeyResponse struct {
	// hex encoding of the compressed BLS public key
	PublicKey string `json:"public-key"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// NewAPIHandler serves node over HTTP so that aggregators on other hosts can
// reach it through a RemoteNode.
func NewAPIHandler(logger log.Logger, node Node) http.Handler {
	r := chi.NewRouter()
	r.Post(SignBatchPath, func(w http.ResponseWriter, r *http.Request) {
		var req SignBatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			msg := "Could not decode request body"
			logger.Warn(msg, log.Err(err))
			writeJSONError(logger, w, http.StatusBadRequest, msg)
			return
		}
		destination, err := ids.FromString(req.Destination)
		if err != nil {
			msg := "Could not parse destination"
			logger.Warn(msg, log.String("destination", req.Destination), log.Err(err))
			writeJSONError(logger, w, http.StatusBadRequest, msg)
			return
		}
		raw, err := hexutil.Decode(req.Batch)
		if err != nil {
			msg := "Could not decode batch"
			logger.Warn(msg, log.Err(err))
			writeJSONError(logger, w, http.StatusBadRequest, msg)
			return
		}
		batch, err := ima.ParseBatch(raw)
		if err != nil {
			msg := "Error parsing batch"
			logger.Warn(msg, log.Err(err))
			writeJSONError(logger, w, http.StatusBadRequest, msg)
			return
		}

		sig, err := node.Sign(r.Context(), destination, batch)
		if err != nil {
			writeJSONError(logger, w, http.StatusUnprocessableEntity, fmt.Sprintf("failed to sign batch: %s", err))
			return
		}
		writeJSON(logger, w, SignBatchResponse{
			Signature: hexutil.Encode(bls.SignatureToBytes(sig)),
		})
	})
	r.Get(PublicKeyPath, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(logger, w, PublicKeyResponse{
			PublicKey: hexutil.Encode(bls.PublicKeyToCompressedBytes(node.PublicKey())),
		})
	})
	return r
}

func writeJSON(logger log.Logger, w http.ResponseWriter, v any) {
	resp, err := json.Marshal(v)
	if err != nil {
		msg := "Failed to marshal response"
		logger.Error(msg, log.Err(err))
		writeJSONError(logger, w, http.StatusInternalServerError, msg)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(resp); err != nil {
		logger.Error("Error writing response", log.Err(err))
	}
}

func writeJSONError(logger log.Logger, w http.ResponseWriter, httpStatusCode int, errorMsg string) {
	resp, err := json.Marshal(ErrorResponse{Error: errorMsg})
	if err != nil {
		msg := "Error marshalling JSON error response"
		logger.Error(msg, log.Err(err))
		resp = []byte(msg)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatusCode)

	if _, err := w.Write(resp); err != nil {
		logger.Error("Error writing error response", log.Err(err))
	}
}

// RemoteNode is a Node served by NewAPIHandler on another host
type RemoteNode struct {
	baseURL string
	client  *http.Client
	pk      *bls.PublicKey
}

// NewRemoteNode fetches the public key of the node at baseURL
func NewRemoteNode(ctx context.Context, baseURL string, client *http.Client) (*RemoteNode, error) {
	if client == nil {
		client = http.DefaultClient
	}
	n := &RemoteNode{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
	}

	var resp PublicKeyResponse
	if err := n.do(ctx, http.MethodGet, PublicKeyPath, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get public key: %w", err)
	}
	pkBytes, err := hexutil.Decode(resp.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode public key: %w", err)
	}
	n.pk, err = bls.PublicKeyFromCompressedBytes(pkBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return n, nil
}

func (n *RemoteNode) PublicKey() *bls.PublicKey {
	return n.pk
}

func (n *RemoteNode) Sign(ctx context.Context, destination ids.ID, batch *ima.MessageBatch) (*bls.Signature, error) {
	req := SignBatchRequest{
		Destination: destination.String(),
		Batch:       hexutil.Encode(batch.Unsigned().Bytes()),
	}
	var resp SignBatchResponse
	if err := n.do(ctx, http.MethodPost, SignBatchPath, req, &resp); err != nil {
		return nil, fmt.Errorf("failed to sign remotely: %w", err)
	}
	sigBytes, err := hexutil.Decode(resp.Signature)
	if err != nil {
		return nil, err
	}
	return bls.SignatureFromBytes(sigBytes)
}

func (n *RemoteNode) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, n.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			return fmt.Errorf("unexpected status %s", resp.Status)
		}
		return fmt.Errorf("%s: %s", resp.Status, e.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
