// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

// Package verifier answers threshold questions about recorded donations
// without revealing their amounts.
package verifier

import (
	"context"
	"fmt"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/log"

	"github.com/luxfi/donations"
	"github.com/luxfi/donations/acl"
	"github.com/luxfi/donations/crypto/fhe"
	"github.com/luxfi/donations/ledger"
	"github.com/luxfi/donations/metrics"
)

// Records is the read side of the ledger
type Records interface {
	Donation(donor common.Address, index uint64) (ledger.DonationRecord, error)
	FirstDonation(donor common.Address) (ledger.DonationRecord, bool)
	Contract() common.Address
}

var _ Records = (*ledger.Ledger)(nil)

// Service proves donation thresholds
type Service struct {
	log         log.Logger
	records     Records
	coprocessor fhe.Coprocessor
	proofs      fhe.ProofVerifier
	acl         *acl.ACL
	kms         *bls.PublicKey
	metrics     *metrics.LedgerMetrics
}

// New creates a Service. Decryptions are accepted only when attested by kms.
func New(
	logger log.Logger,
	records Records,
	coprocessor fhe.Coprocessor,
	proofs fhe.ProofVerifier,
	a *acl.ACL,
	kms *bls.PublicKey,
	m *metrics.LedgerMetrics,
) *Service {
	return &Service{
		log:         logger,
		records:     records,
		coprocessor: coprocessor,
		proofs:      proofs,
		acl:         a,
		kms:         kms,
		metrics:     m,
	}
}

// ProveThreshold reports whether the index-th donation of donor is at least
// the encrypted threshold supplied by caller. The comparison result is
// granted to the ledger and to caller, then decrypted synchronously.
func (s *Service) ProveThreshold(
	ctx context.Context,
	caller common.Address,
	donor common.Address,
	index uint64,
	threshold fhe.Handle,
	proof []byte,
) (bool, error) {
	record, err := s.records.Donation(donor, index)
	if err != nil {
		s.metrics.IncFailedOperation("proveThreshold", donations.Reason(err))
		return false, err
	}

	results, err := s.compare(ctx, caller, []fhe.Euint64{record.Amount}, []fhe.Handle{threshold}, [][]byte{proof})
	if err != nil {
		s.metrics.IncFailedOperation("proveThreshold", donations.Reason(err))
		return false, err
	}
	s.log.Debug("threshold proved",
		log.Stringer("caller", caller),
		log.Stringer("donor", donor),
	)
	return results[0], nil
}

// BatchVerify compares the first donation of each donor with the matching
// threshold. Donors without donations yield false. Later donations are not
// considered.
func (s *Service) BatchVerify(
	ctx context.Context,
	caller common.Address,
	donors []common.Address,
	thresholds []fhe.Handle,
	proofs [][]byte,
) ([]bool, error) {
	if len(donors) != len(thresholds) || len(donors) != len(proofs) {
		s.metrics.IncFailedOperation("batchVerify", donations.Reason(donations.ErrArityMismatch))
		return nil, fmt.Errorf("%w: %d donors, %d thresholds, %d proofs",
			donations.ErrArityMismatch, len(donors), len(thresholds), len(proofs))
	}

	var (
		positions  []int
		amounts    []fhe.Euint64
		candidates []fhe.Handle
		candProofs [][]byte
	)
	for i, donor := range donors {
		record, ok := s.records.FirstDonation(donor)
		if !ok {
			continue
		}
		positions = append(positions, i)
		amounts = append(amounts, record.Amount)
		candidates = append(candidates, thresholds[i])
		candProofs = append(candProofs, proofs[i])
	}

	results := make([]bool, len(donors))
	if len(positions) == 0 {
		return results, nil
	}
	compared, err := s.compare(ctx, caller, amounts, candidates, candProofs)
	if err != nil {
		s.metrics.IncFailedOperation("batchVerify", donations.Reason(err))
		return nil, err
	}
	for j, i := range positions {
		results[i] = compared[j]
	}
	return results, nil
}

// compare imports every threshold and computes every comparison before any
// grant is committed, so a bad input aborts the call without side effects.
func (s *Service) compare(
	ctx context.Context,
	caller common.Address,
	amounts []fhe.Euint64,
	thresholds []fhe.Handle,
	proofs [][]byte,
) ([]bool, error) {
	contract := s.records.Contract()
	grants := s.acl.Begin()
	defer grants.Discard()

	handles := make([]fhe.Ebool, len(amounts))
	for i, amount := range amounts {
		in, err := s.proofs.FromExternal(ctx, fhe.ExternalInput{
			Handle:   thresholds[i],
			Proof:    proofs[i],
			Contract: contract,
			User:     caller,
		})
		if err != nil {
			return nil, err
		}
		threshold, err := s.coprocessor.Widen(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("failed to widen threshold: %w", err)
		}
		result, err := s.coprocessor.CompareGE(ctx, amount.Handle(), threshold.Handle())
		if err != nil {
			return nil, fmt.Errorf("failed to compare: %w", err)
		}
		grants.GrantSelf(result.Handle())
		grants.Grant(result.Handle(), caller)
		handles[i] = result
	}
	// the ledger must hold a grant before it can decrypt
	grants.Commit()

	results := make([]bool, len(handles))
	for i, h := range handles {
		d, err := s.coprocessor.Decrypt(ctx, h.Handle(), contract)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt comparison: %w", err)
		}
		if err := s.verifyAttestation(h.Handle(), d); err != nil {
			return nil, err
		}
		results[i] = d.Bool()
		s.metrics.IncThresholdProof(results[i])
	}
	return results, nil
}

func (s *Service) verifyAttestation(handle fhe.Handle, d *fhe.Decryption) error {
	if d.Handle != handle || d.Value == nil {
		return fmt.Errorf("%w: decryption is for %s", donations.ErrInvalidAttestation, d.Handle)
	}
	sig, err := bls.SignatureFromBytes(d.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", donations.ErrInvalidAttestation, err)
	}
	if !bls.Verify(s.kms, sig, fhe.AttestationDigest(handle, d.Value)) {
		return fmt.Errorf("%w: signature does not match kms key", donations.ErrInvalidAttestation)
	}
	return nil
}
