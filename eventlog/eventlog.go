// Copyright (C) 2019-2025, Lux Partners Limited. All rights reserved.
// See the file LICENSE for licensing terms.

// Package eventlog records ledger events as EVM logs for off-chain
// observers.
package eventlog

import (
	"errors"
	"fmt"
	"sync"

	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/core/types"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/donations/ledger"
	"github.com/luxfi/donations/precompile"
)

var (
	_ ledger.EventSink = (*Log)(nil)

	errUnknownEvent = errors.New("unknown event")
	errMissingTopic = errors.New("missing topic")
)

// Log is an append-only, in-memory EVM log of ledger events
type Log struct {
	log     log.Logger
	address common.Address

	mu   sync.RWMutex
	logs []*types.Log
}

// New creates an empty log whose entries are attributed to address
func New(logger log.Logger, address common.Address) *Log {
	return &Log{
		log:     logger,
		address: address,
	}
}

// Emit encodes and appends events. Events of one call share a transaction
// index.
func (l *Log) Emit(events ...ledger.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var txIndex uint
	if n := len(l.logs); n != 0 {
		txIndex = l.logs[n-1].TxIndex + 1
	}
	for _, event := range events {
		entry, err := Encode(l.address, event)
		if err != nil {
			l.log.Error("dropping event",
				log.String("event", event.EventName()),
				log.Err(err),
			)
			continue
		}
		entry.TxIndex = txIndex
		entry.Index = uint(len(l.logs))
		l.logs = append(l.logs, entry)
	}
}

// Logs returns every entry in emission order
func (l *Log) Logs() []*types.Log {
	return l.Since(0)
}

// Since returns the entries with Index >= index
func (l *Log) Since(index uint) []*types.Log {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if index >= uint(len(l.logs)) {
		return nil
	}
	logs := make([]*types.Log, len(l.logs)-int(index))
	copy(logs, l.logs[index:])
	return logs
}

// FilterDonor returns the DonationMade entries of donor with Index >= since
func (l *Log) FilterDonor(donor common.Address, since uint) []*types.Log {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if since >= uint(len(l.logs)) {
		return nil
	}
	topic0 := precompile.ABI.Events[ledger.DonationMade{}.EventName()].ID
	topic1 := common.BytesToHash(donor.Bytes())

	var logs []*types.Log
	for _, entry := range l.logs[since:] {
		if len(entry.Topics) == 2 && entry.Topics[0] == topic0 && entry.Topics[1] == topic1 {
			logs = append(logs, entry)
		}
	}
	return logs
}

// Len returns the number of entries
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.logs)
}

// Encode converts event into an EVM log emitted by address
func Encode(address common.Address, event ledger.Event) (*types.Log, error) {
	abiEvent, ok := precompile.ABI.Events[event.EventName()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnknownEvent, event.EventName())
	}

	var (
		topics = []common.Hash{abiEvent.ID}
		data   []byte
		err    error
	)
	switch e := event.(type) {
	case ledger.DonationMade:
		topics = append(topics, common.BytesToHash(e.Donor.Bytes()))
		data, err = abiEvent.Inputs.NonIndexed().Pack([32]byte(e.DonationHash), [32]byte(e.AmountCommitment))
	case ledger.TotalDonationsUpdated:
		data, err = abiEvent.Inputs.NonIndexed().Pack([32]byte(e.TotalCommitment))
	default:
		return nil, fmt.Errorf("%w: %T", errUnknownEvent, event)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", abiEvent.Name, err)
	}

	return &types.Log{
		Address: address,
		Topics:  topics,
		Data:    data,
	}, nil
}

// Decode parses an entry produced by Encode
func Decode(entry *types.Log) (ledger.Event, error) {
	if len(entry.Topics) == 0 {
		return nil, errMissingTopic
	}
	abiEvent, err := precompile.ABI.EventByID(entry.Topics[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUnknownEvent, err)
	}
	values, err := abiEvent.Inputs.NonIndexed().Unpack(entry.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", abiEvent.Name, err)
	}

	switch abiEvent.Name {
	case ledger.DonationMade{}.EventName():
		if len(entry.Topics) != 2 {
			return nil, fmt.Errorf("%w: donor", errMissingTopic)
		}
		return ledger.DonationMade{
			Donor:            common.BytesToAddress(entry.Topics[1].Bytes()),
			DonationHash:     ids.ID(values[0].([32]byte)),
			AmountCommitment: common.Hash(values[1].([32]byte)),
		}, nil
	case ledger.TotalDonationsUpdated{}.EventName():
		return ledger.TotalDonationsUpdated{
			TotalCommitment: common.Hash(values[0].([32]byte)),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", errUnknownEvent, abiEvent.Name)
	}
}
