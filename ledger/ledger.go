// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

// Package ledger records donations whose amounts stay encrypted. The ledger
// holds only ciphertext handles; all arithmetic happens in the coprocessor
// and every handle it keeps or returns is covered by an ACL grant.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/geth/common"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/donations"
	"github.com/luxfi/donations/acl"
	"github.com/luxfi/donations/crypto/fhe"
	"github.com/luxfi/donations/metrics"
)

// State tracks lazy initialization of the aggregates
type State uint8

const (
	StateUninitialized State = iota
	StateInitialized
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	default:
		return "unknown"
	}
}

// DonationRecord is one immutable donation
type DonationRecord struct {
	Amount       fhe.Euint64
	Timestamp    fhe.Euint32
	DonationHash ids.ID
}

// state is the committed ledger state. Operations build a successor state
// and swap it in only once every coprocessor call has succeeded.
type state struct {
	status   State
	total    fhe.Euint64
	count    fhe.Euint32
	perDonor map[common.Address][]DonationRecord
}

// Ledger is the confidential donations ledger
type Ledger struct {
	log         log.Logger
	owner       common.Address
	contract    common.Address
	mode        AggregateMode
	clock       Clock
	coprocessor fhe.Coprocessor
	verifier    fhe.ProofVerifier
	acl         *acl.ACL
	events      EventSink
	metrics     *metrics.LedgerMetrics

	mu    sync.RWMutex
	state state
}

// New creates an uninitialized ledger. events and m may be nil.
func New(
	logger log.Logger,
	cfg Config,
	coprocessor fhe.Coprocessor,
	verifier fhe.ProofVerifier,
	a *acl.ACL,
	events EventSink,
	m *metrics.LedgerMetrics,
) *Ledger {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	if events == nil {
		events = NoOpSink{}
	}
	return &Ledger{
		log:         logger,
		owner:       cfg.Owner,
		contract:    cfg.Contract,
		mode:        cfg.AggregateMode,
		clock:       clock,
		coprocessor: coprocessor,
		verifier:    verifier,
		acl:         a,
		events:      events,
		metrics:     m,
		state: state{
			perDonor: make(map[common.Address][]DonationRecord),
		},
	}
}

// Donate records a donation of the encrypted amount external, validated by
// proof for donor. Either every effect of the call is committed or none is.
func (l *Ledger) Donate(ctx context.Context, donor common.Address, external fhe.Handle, proof []byte) (ids.ID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	donationHash, err := l.donate(ctx, donor, external, proof)
	if err != nil {
		l.metrics.IncFailedOperation("donate", donations.Reason(err))
		l.log.Debug("donation rejected",
			log.Stringer("donor", donor),
			log.Err(err),
		)
		return ids.Empty, err
	}

	l.metrics.IncDonations()
	l.log.Info("donation recorded",
		log.Stringer("donor", donor),
		log.Stringer("donationHash", donationHash),
		log.Stringer("mode", l.mode),
	)
	return donationHash, nil
}

func (l *Ledger) donate(ctx context.Context, donor common.Address, external fhe.Handle, proof []byte) (ids.ID, error) {
	grants := l.acl.Begin()
	defer grants.Discard()

	total, count := l.state.total, l.state.count
	if l.state.status == StateUninitialized {
		var err error
		total, count, err = l.zero(ctx, grants)
		if err != nil {
			return ids.Empty, fmt.Errorf("failed to initialize aggregates: %w", err)
		}
	}

	if len(proof) == 0 {
		return ids.Empty, donations.ErrEmptyProof
	}

	internal, err := l.verifier.FromExternal(ctx, fhe.ExternalInput{
		Handle:   external,
		Proof:    proof,
		Contract: l.contract,
		User:     donor,
	})
	if err != nil {
		return ids.Empty, err
	}
	amount, err := l.coprocessor.Widen(ctx, internal)
	if err != nil {
		return ids.Empty, fmt.Errorf("failed to widen amount: %w", err)
	}

	now := uint64(l.clock().Unix())
	timestamp, err := fhe.TrivialEncrypt32(ctx, l.coprocessor, uint32(now))
	if err != nil {
		return ids.Empty, fmt.Errorf("failed to encrypt timestamp: %w", err)
	}

	total, count, err = l.aggregate(ctx, total, count, amount)
	if err != nil {
		return ids.Empty, fmt.Errorf("failed to update aggregates: %w", err)
	}

	record := DonationRecord{
		Amount:       amount,
		Timestamp:    timestamp,
		DonationHash: DonationHash(donor, now, external, proof),
	}

	grants.GrantSelf(amount.Handle())
	grants.Grant(amount.Handle(), donor)
	grants.GrantSelf(timestamp.Handle())
	grants.Grant(timestamp.Handle(), donor)
	grants.GrantSelf(total.Handle())
	grants.GrantSelf(count.Handle())
	grants.Grant(total.Handle(), l.owner)
	grants.Grant(count.Handle(), l.owner)

	// commit
	l.state.perDonor[donor] = append(l.state.perDonor[donor], record)
	l.state.total = total
	l.state.count = count
	l.state.status = StateInitialized
	grants.Commit()
	l.events.Emit(
		DonationMade{
			Donor:            donor,
			DonationHash:     record.DonationHash,
			AmountCommitment: AmountCommitment(external, proof),
		},
		TotalDonationsUpdated{
			TotalCommitment: TotalCommitment(total),
		},
	)
	return record.DonationHash, nil
}

func (l *Ledger) aggregate(ctx context.Context, total fhe.Euint64, count fhe.Euint32, amount fhe.Euint64) (fhe.Euint64, fhe.Euint32, error) {
	one, err := fhe.TrivialEncrypt32(ctx, l.coprocessor, 1)
	if err != nil {
		return fhe.Euint64{}, fhe.Euint32{}, err
	}

	switch l.mode {
	case AggregateCumulative:
		total, err = fhe.Add64(ctx, l.coprocessor, total, amount)
		if err != nil {
			return fhe.Euint64{}, fhe.Euint32{}, err
		}
		count, err = fhe.Add32(ctx, l.coprocessor, count, one)
		if err != nil {
			return fhe.Euint64{}, fhe.Euint32{}, err
		}
		return total, count, nil
	default:
		return amount, one, nil
	}
}

// zero encrypts fresh zero aggregates and stages their self grants
func (l *Ledger) zero(ctx context.Context, grants *acl.Batch) (fhe.Euint64, fhe.Euint32, error) {
	total, err := fhe.TrivialEncrypt64(ctx, l.coprocessor, 0)
	if err != nil {
		return fhe.Euint64{}, fhe.Euint32{}, err
	}
	count, err := fhe.TrivialEncrypt32(ctx, l.coprocessor, 0)
	if err != nil {
		return fhe.Euint64{}, fhe.Euint32{}, err
	}
	grants.GrantSelf(total.Handle())
	grants.GrantSelf(count.Handle())
	return total, count, nil
}

// Total returns the encrypted total. Only the owner may read it.
func (l *Ledger) Total(caller common.Address) (fhe.Euint64, error) {
	if caller != l.owner {
		l.metrics.IncFailedOperation("total", donations.Reason(donations.ErrUnauthorized))
		return fhe.Euint64{}, fmt.Errorf("%w: %s is not the owner", donations.ErrUnauthorized, caller)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.state.total, nil
}

// Count returns the encrypted donation count
func (l *Ledger) Count() fhe.Euint32 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.state.count
}

// DonorDonationCount returns how many donations donor has made
func (l *Ledger) DonorDonationCount(donor common.Address) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.state.perDonor[donor])
}

// Donation returns the index-th donation of donor
func (l *Ledger) Donation(donor common.Address, index uint64) (DonationRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	records := l.state.perDonor[donor]
	if index >= uint64(len(records)) {
		return DonationRecord{}, fmt.Errorf("%w: index %d, donor %s has %d", donations.ErrIndexOutOfRange, index, donor, len(records))
	}
	return records[index], nil
}

// FirstDonation returns the earliest donation of donor, if any
func (l *Ledger) FirstDonation(donor common.Address) (DonationRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	records := l.state.perDonor[donor]
	if len(records) == 0 {
		return DonationRecord{}, false
	}
	return records[0], true
}

// Owner returns the deployer
func (l *Ledger) Owner() common.Address {
	return l.owner
}

// Contract returns the ledger's ACL identity
func (l *Ledger) Contract() common.Address {
	return l.contract
}

// Mode returns the configured aggregate policy
func (l *Ledger) Mode() AggregateMode {
	return l.mode
}

// Status returns the initialization state
func (l *Ledger) Status() State {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.state.status
}

// Initialized reports whether the aggregates have been initialized
func (l *Ledger) Initialized() bool {
	return l.Status() == StateInitialized
}

// Reset discards the caller's own donations, sets the aggregates back to
// encrypted zero and returns the ledger to StateUninitialized. Owner only.
// Other donors' records are kept.
func (l *Ledger) Reset(ctx context.Context, caller common.Address) error {
	if caller != l.owner {
		l.metrics.IncFailedOperation("reset", donations.Reason(donations.ErrUnauthorized))
		return fmt.Errorf("%w: %s is not the owner", donations.ErrUnauthorized, caller)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	grants := l.acl.Begin()
	defer grants.Discard()

	total, count, err := l.zero(ctx, grants)
	if err != nil {
		l.metrics.IncFailedOperation("reset", donations.Reason(err))
		return fmt.Errorf("failed to reset aggregates: %w", err)
	}
	grants.Grant(total.Handle(), l.owner)
	grants.Grant(count.Handle(), l.owner)

	discarded := len(l.state.perDonor[caller])
	delete(l.state.perDonor, caller)
	l.state.total = total
	l.state.count = count
	l.state.status = StateUninitialized
	grants.Commit()

	l.metrics.IncResets()
	l.log.Warn("ledger reset",
		log.Stringer("owner", caller),
		log.Int("discarded", discarded),
	)
	return nil
}

// DonationHash is the public commitment identifying a donation
func DonationHash(donor common.Address, timestamp uint64, external fhe.Handle, proof []byte) ids.ID {
	return ids.ID(donations.ComputeHash256(
		donor.Bytes(),
		donations.PackUint64(timestamp),
		external[:],
		proof,
	))
}

// AmountCommitment commits to an external amount without revealing it
func AmountCommitment(external fhe.Handle, proof []byte) common.Hash {
	return donations.ComputeHash256(external[:], proof)
}

// TotalCommitment commits to the total handle
func TotalCommitment(total fhe.Euint64) common.Hash {
	h := total.Handle()
	return donations.ComputeHash256(h[:])
}
