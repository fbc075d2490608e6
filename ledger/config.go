// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/luxfi/geth/common"
)

// AggregateMode selects how donate updates the encrypted total and count
type AggregateMode uint8

const (
	// AggregateLatest replaces the total with the latest donation's amount
	// and the count with an encryption of 1. It reproduces the deployed
	// contract's behavior and is not a running sum.
	AggregateLatest AggregateMode = iota
	// AggregateCumulative homomorphically adds each donation to the total
	// and 1 to the count.
	AggregateCumulative
)

var errUnknownAggregateMode = errors.New("unknown aggregate mode")

func (m AggregateMode) String() string {
	switch m {
	case AggregateLatest:
		return "latest"
	case AggregateCumulative:
		return "cumulative"
	default:
		return "unknown"
	}
}

// ParseAggregateMode parses the configuration spelling of a mode
func ParseAggregateMode(s string) (AggregateMode, error) {
	switch s {
	case "latest", "":
		return AggregateLatest, nil
	case "cumulative":
		return AggregateCumulative, nil
	default:
		return 0, fmt.Errorf("%w: %q", errUnknownAggregateMode, s)
	}
}

// Clock returns the current block time
type Clock func() time.Time

// Config configures a Ledger
type Config struct {
	// Owner is the deployer; it alone may read the total and reset
	Owner common.Address
	// Contract is the ledger's own identity in the ACL and in input proofs
	Contract      common.Address
	AggregateMode AggregateMode
	// Clock defaults to time.Now
	Clock Clock
}
