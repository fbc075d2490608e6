// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package ledger

import (
	"github.com/luxfi/geth/common"
	"github.com/luxfi/ids"
)

// Event is an audit event emitted by the ledger. Events never carry
// plaintext amounts.
type Event interface {
	EventName() string
}

// DonationMade is emitted once per recorded donation
type DonationMade struct {
	Donor            common.Address
	DonationHash     ids.ID
	AmountCommitment common.Hash
}

func (DonationMade) EventName() string { return "DonationMade" }

// TotalDonationsUpdated is emitted whenever donate replaces the total handle
type TotalDonationsUpdated struct {
	TotalCommitment common.Hash
}

func (TotalDonationsUpdated) EventName() string { return "TotalDonationsUpdated" }

// EventSink receives the events of one committed operation, in order
type EventSink interface {
	Emit(events ...Event)
}

// NoOpSink discards events
type NoOpSink struct{}

func (NoOpSink) Emit(...Event) {}
