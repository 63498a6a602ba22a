// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package evm

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/luxfi/geth/accounts/abi"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/common/hexutil"
	"github.com/luxfi/geth/core/types"
	"github.com/luxfi/ids"
	"github.com/luxfi/ima"
)

const (
	outgoingCounterMethod = "getOutgoingMessagesCounter"
	incomingCounterMethod = "getIncomingMessagesCounter"
	isConnectedMethod     = "isConnectedChain"
	postIncomingMethod    = "postIncomingMessages"
	outgoingMessageEvent  = "OutgoingMessage"
)

//go:embed abi/message_proxy.json
var messageProxyABIJSON string

var (
	errUnexpectedOutput = errors.New("unexpected call output")
	errNotOutgoingLog   = errors.New("log is not an OutgoingMessage event")
)

// revert reasons reported by message proxies that predate custom errors
var revertReasons = []struct {
	reason string
	code   int32
}{
	{"starting counter is not equal", ima.CodeStaleCounter},
	{"signature is not verified", ima.CodeInvalidSignature},
	{"not enough funds", ima.CodeInsufficientFunds},
	{"not enough money", ima.CodeInsufficientFunds},
	{"balance is too low", ima.CodeInsufficientFunds},
	{"chain is not connected", ima.CodeDisconnected},
	{"unconnected chain", ima.CodeDisconnected},
	{"destination chain is not initialized", ima.CodeDisconnected},
}

var customErrorCodes = map[string]int32{
	"StaleCounter":       ima.CodeStaleCounter,
	"CounterAhead":       ima.CodeCounterAhead,
	"InvalidSignature":   ima.CodeInvalidSignature,
	"InsufficientWeight": ima.CodeInsufficientWeight,
	"InsufficientFunds":  ima.CodeInsufficientFunds,
	"ChainNotConnected":  ima.CodeDisconnected,
	"InvalidBatch":       ima.CodeInvalidBatch,
}

type incomingMessage struct {
	Sender              common.Address `abi:"sender"`
	DestinationContract common.Address `abi:"destinationContract"`
	Data                []byte         `abi:"data"`
}

type outgoingMessageData struct {
	DstContract common.Address `abi:"dstContract"`
	Data        []byte         `abi:"data"`
}

// MessageProxy encodes calls to and decodes logs of the message proxy
// contract deployed on an EVM chain. Chains are identified on chain by the 32
// bytes of their ids.ID.
type MessageProxy struct {
	address common.Address
	abi     abi.ABI
}

func NewMessageProxy(address common.Address) (*MessageProxy, error) {
	if address == (common.Address{}) {
		return nil, errors.New("message proxy address is empty")
	}
	a, err := abi.JSON(strings.NewReader(messageProxyABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse ABI: %w", err)
	}
	return &MessageProxy{address: address, abi: a}, nil
}

func (p *MessageProxy) Address() common.Address {
	return p.address
}

func (p *MessageProxy) PackCounter(method string, peer ids.ID) ([]byte, error) {
	return p.abi.Pack(method, [32]byte(peer))
}

func (p *MessageProxy) UnpackCounter(method string, output []byte) (uint64, error) {
	values, err := p.abi.Unpack(method, output)
	if err != nil {
		return 0, err
	}
	if len(values) != 1 {
		return 0, fmt.Errorf("%w: %d values", errUnexpectedOutput, len(values))
	}
	counter, ok := values[0].(*big.Int)
	if !ok || !counter.IsUint64() {
		return 0, fmt.Errorf("%w: %v", errUnexpectedOutput, values[0])
	}
	return counter.Uint64(), nil
}

func (p *MessageProxy) PackIsConnected(peer ids.ID) ([]byte, error) {
	return p.abi.Pack(isConnectedMethod, [32]byte(peer))
}

func (p *MessageProxy) UnpackIsConnected(output []byte) (bool, error) {
	values, err := p.abi.Unpack(isConnectedMethod, output)
	if err != nil {
		return false, err
	}
	if len(values) != 1 {
		return false, fmt.Errorf("%w: %d values", errUnexpectedOutput, len(values))
	}
	connected, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("%w: %v", errUnexpectedOutput, values[0])
	}
	return connected, nil
}

// PackPostIncomingMessages encodes the delivery of a signed batch
func (p *MessageProxy) PackPostIncomingMessages(batch *ima.MessageBatch) ([]byte, error) {
	msgs := make([]incomingMessage, len(batch.Messages))
	for i, m := range batch.Messages {
		msgs[i] = incomingMessage{
			Sender:              m.Sender,
			DestinationContract: m.Destination,
			Data:                m.Payload,
		}
	}
	return p.abi.Pack(
		postIncomingMethod,
		[32]byte(batch.SourceChainID),
		new(big.Int).SetUint64(batch.StartingCounter),
		msgs,
		batch.Signature,
	)
}

// OutgoingMessageTopics filters OutgoingMessage logs toward peer carrying one
// of counters.
func (p *MessageProxy) OutgoingMessageTopics(peer ids.ID, counters []uint64) [][]common.Hash {
	counterTopics := make([]common.Hash, len(counters))
	for i, c := range counters {
		counterTopics[i] = counterTopic(c)
	}
	return [][]common.Hash{
		{p.abi.Events[outgoingMessageEvent].ID},
		{common.Hash(peer)},
		counterTopics,
	}
}

// ParseOutgoingMessage decodes an OutgoingMessage log into the peer it was
// posted to and the message.
func (p *MessageProxy) ParseOutgoingMessage(l types.Log) (ids.ID, *ima.OutgoingMessage, error) {
	event := p.abi.Events[outgoingMessageEvent]
	if len(l.Topics) != 4 || l.Topics[0] != event.ID {
		return ids.ID{}, nil, errNotOutgoingLog
	}
	counter := new(big.Int).SetBytes(l.Topics[2].Bytes())
	if !counter.IsUint64() {
		return ids.ID{}, nil, fmt.Errorf("%w: counter %s", errNotOutgoingLog, counter)
	}

	var data outgoingMessageData
	if err := p.abi.UnpackIntoInterface(&data, outgoingMessageEvent, l.Data); err != nil {
		return ids.ID{}, nil, fmt.Errorf("failed to unpack %s: %w", outgoingMessageEvent, err)
	}
	return ids.ID(l.Topics[1]), &ima.OutgoingMessage{
		Counter:     counter.Uint64(),
		Sender:      common.BytesToAddress(l.Topics[3].Bytes()),
		Destination: data.DstContract,
		Payload:     data.Data,
	}, nil
}

// DecodeRevert turns a failed call or estimate into an *ima.Error when the
// revert is one the relayer knows how to react to. Other errors are returned
// unchanged.
func (p *MessageProxy) DecodeRevert(err error) error {
	if err == nil {
		return nil
	}
	var de dataError
	if errors.As(err, &de) {
		if data, ok := revertData(de.ErrorData()); ok {
			if rejection := p.decodeRevertData(data); rejection != nil {
				return rejection
			}
		}
	}
	if code, ok := matchRevertReason(err.Error()); ok {
		return &ima.Error{Code: code, Message: err.Error()}
	}
	return err
}

func (p *MessageProxy) decodeRevertData(data []byte) error {
	if len(data) < 4 {
		return nil
	}
	for name, abiErr := range p.abi.Errors {
		if !bytes.Equal(data[:4], abiErr.ID[:4]) {
			continue
		}
		code, ok := customErrorCodes[name]
		if !ok {
			return nil
		}
		return &ima.Error{Code: code, Message: name}
	}
	reason, err := abi.UnpackRevert(data)
	if err != nil {
		return nil
	}
	code, ok := matchRevertReason(reason)
	if !ok {
		return &ima.Error{Code: ima.CodeUnknown, Message: reason}
	}
	return &ima.Error{Code: code, Message: reason}
}

// dataError is implemented by rpc errors carrying revert data
type dataError interface {
	error
	ErrorData() interface{}
}

func revertData(v interface{}) ([]byte, bool) {
	switch data := v.(type) {
	case string:
		b, err := hexutil.Decode(data)
		return b, err == nil
	case []byte:
		return data, true
	default:
		return nil, false
	}
}

func matchRevertReason(reason string) (int32, bool) {
	reason = strings.ToLower(reason)
	for _, r := range revertReasons {
		if strings.Contains(reason, r.reason) {
			return r.code, true
		}
	}
	return ima.CodeUnknown, false
}

func counterTopic(counter uint64) common.Hash {
	return common.BigToHash(new(big.Int).SetUint64(counter))
}
