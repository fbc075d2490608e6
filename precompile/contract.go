// Copyright (C) 2019-2025, Lux Partners Limited. All rights reserved.
// See the file LICENSE for licensing terms.

// Package precompile exposes the donations ledger as an ABI-encoded
// contract with a gas schedule and read-only enforcement.
package precompile

import (
	"context"
	"fmt"
	"math/big"

	"github.com/luxfi/geth/accounts/abi"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/log"

	"github.com/luxfi/donations"
	"github.com/luxfi/donations/crypto/fhe"
	"github.com/luxfi/donations/ledger"
	"github.com/luxfi/donations/verifier"
)

// SelectorLen is the length of a function selector
const SelectorLen = 4

type runFunc func(ctx context.Context, caller common.Address, args []interface{}) ([]interface{}, error)

type function struct {
	method abi.Method
	gas    uint64
	// itemGas is charged per element of the first array argument
	itemGas uint64
	write   bool
	run     runFunc
}

// Contract dispatches ABI calls to the ledger and verification service
type Contract struct {
	log       log.Logger
	ledger    *ledger.Ledger
	verifier  *verifier.Service
	functions map[[SelectorLen]byte]*function
}

// New creates the contract surface over l and v
func New(logger log.Logger, l *ledger.Ledger, v *verifier.Service) *Contract {
	c := &Contract{
		log:       logger,
		ledger:    l,
		verifier:  v,
		functions: make(map[[SelectorLen]byte]*function),
	}
	c.register("donate", DonateGas, 0, true, c.donate)
	c.register("getTotalDonations", GetTotalDonationsGas, 0, false, c.getTotalDonations)
	c.register("getDonationCount", GetDonationCountGas, 0, false, c.getDonationCount)
	c.register("getDonorDonationCount", GetDonorDonationCountGas, 0, false, c.getDonorDonationCount)
	c.register("getDonation", GetDonationGas, 0, false, c.getDonation)
	c.register("owner", OwnerGas, 0, false, c.owner)
	c.register("proveDonationThreshold", ProveDonationThresholdGas, 0, true, c.proveDonationThreshold)
	c.register("batchVerifyDonations", BatchVerifyDonationsGas, BatchVerifyDonationsItemGas, true, c.batchVerifyDonations)
	c.register("resetDonations", ResetDonationsGas, 0, true, c.resetDonations)
	return c
}

func (c *Contract) register(name string, gas, itemGas uint64, write bool, run runFunc) {
	method, ok := ABI.Methods[name]
	if !ok {
		panic(fmt.Sprintf("method %q missing from ABI", name))
	}
	var selector [SelectorLen]byte
	copy(selector[:], method.ID)
	c.functions[selector] = &function{
		method:  method,
		gas:     gas,
		itemGas: itemGas,
		write:   write,
		run:     run,
	}
}

// Address returns the ledger's contract identity
func (c *Contract) Address() common.Address {
	return c.ledger.Contract()
}

// IsWrite reports whether the call encoded in input mutates state
func (c *Contract) IsWrite(input []byte) bool {
	fn, err := c.lookup(input)
	return err == nil && fn.write
}

func (c *Contract) lookup(input []byte) (*function, error) {
	if len(input) < SelectorLen {
		return nil, fmt.Errorf("%w: input too short", donations.ErrUnknownSelector)
	}
	var selector [SelectorLen]byte
	copy(selector[:], input[:SelectorLen])
	fn, ok := c.functions[selector]
	if !ok {
		return nil, fmt.Errorf("%w: 0x%x", donations.ErrUnknownSelector, selector)
	}
	return fn, nil
}

// Run executes the call encoded in input on behalf of caller
func (c *Contract) Run(
	ctx context.Context,
	caller common.Address,
	input []byte,
	suppliedGas uint64,
	readOnly bool,
) (ret []byte, remainingGas uint64, err error) {
	fn, err := c.lookup(input)
	if err != nil {
		return nil, suppliedGas, err
	}
	if suppliedGas < fn.gas {
		return nil, 0, fmt.Errorf("%w: %s needs %d, have %d", donations.ErrOutOfGas, fn.method.Name, fn.gas, suppliedGas)
	}
	remainingGas = suppliedGas - fn.gas

	if readOnly && fn.write {
		return nil, remainingGas, fmt.Errorf("%w: %s", donations.ErrWriteProtection, fn.method.Name)
	}

	args, err := fn.method.Inputs.Unpack(input[SelectorLen:])
	if err != nil {
		return nil, remainingGas, fmt.Errorf("failed to unpack %s input: %w", fn.method.Name, err)
	}

	if fn.itemGas != 0 {
		items, err := arrayLen(args[0])
		if err != nil {
			return nil, remainingGas, err
		}
		cost := fn.itemGas * items
		if items != 0 && cost/items != fn.itemGas || remainingGas < cost {
			return nil, 0, fmt.Errorf("%w: %s needs %d per item", donations.ErrOutOfGas, fn.method.Name, fn.itemGas)
		}
		remainingGas -= cost
	}

	out, err := fn.run(ctx, caller, args)
	if err != nil {
		return nil, remainingGas, err
	}
	ret, err = fn.method.Outputs.Pack(out...)
	if err != nil {
		return nil, remainingGas, fmt.Errorf("failed to pack %s output: %w", fn.method.Name, err)
	}
	return ret, remainingGas, nil
}

func arrayLen(arg interface{}) (uint64, error) {
	donors, ok := arg.([]common.Address)
	if !ok {
		return 0, fmt.Errorf("unexpected argument type %T", arg)
	}
	return uint64(len(donors)), nil
}

func (c *Contract) donate(ctx context.Context, caller common.Address, args []interface{}) ([]interface{}, error) {
	handle := args[0].([32]byte)
	proof := args[1].([]byte)

	donationHash, err := c.ledger.Donate(ctx, caller, fhe.Handle(handle), proof)
	if err != nil {
		return nil, err
	}
	return []interface{}{[32]byte(donationHash)}, nil
}

func (c *Contract) getTotalDonations(_ context.Context, caller common.Address, _ []interface{}) ([]interface{}, error) {
	total, err := c.ledger.Total(caller)
	if err != nil {
		return nil, err
	}
	return []interface{}{[32]byte(total.Handle())}, nil
}

func (c *Contract) getDonationCount(context.Context, common.Address, []interface{}) ([]interface{}, error) {
	return []interface{}{[32]byte(c.ledger.Count().Handle())}, nil
}

func (c *Contract) getDonorDonationCount(_ context.Context, _ common.Address, args []interface{}) ([]interface{}, error) {
	donor := args[0].(common.Address)
	return []interface{}{big.NewInt(int64(c.ledger.DonorDonationCount(donor)))}, nil
}

func (c *Contract) getDonation(_ context.Context, _ common.Address, args []interface{}) ([]interface{}, error) {
	donor := args[0].(common.Address)
	index, err := toIndex(args[1].(*big.Int))
	if err != nil {
		return nil, err
	}
	record, err := c.ledger.Donation(donor, index)
	if err != nil {
		return nil, err
	}
	return []interface{}{
		[32]byte(record.Amount.Handle()),
		[32]byte(record.Timestamp.Handle()),
		[32]byte(record.DonationHash),
	}, nil
}

func (c *Contract) owner(context.Context, common.Address, []interface{}) ([]interface{}, error) {
	return []interface{}{c.ledger.Owner()}, nil
}

func (c *Contract) proveDonationThreshold(ctx context.Context, caller common.Address, args []interface{}) ([]interface{}, error) {
	donor := args[0].(common.Address)
	index, err := toIndex(args[1].(*big.Int))
	if err != nil {
		return nil, err
	}
	threshold := args[2].([32]byte)
	proof := args[3].([]byte)

	ok, err := c.verifier.ProveThreshold(ctx, caller, donor, index, fhe.Handle(threshold), proof)
	if err != nil {
		return nil, err
	}
	return []interface{}{ok}, nil
}

func (c *Contract) batchVerifyDonations(ctx context.Context, caller common.Address, args []interface{}) ([]interface{}, error) {
	donors := args[0].([]common.Address)
	rawThresholds := args[1].([][32]byte)
	proofs := args[2].([][]byte)

	thresholds := make([]fhe.Handle, len(rawThresholds))
	for i, t := range rawThresholds {
		thresholds[i] = fhe.Handle(t)
	}
	results, err := c.verifier.BatchVerify(ctx, caller, donors, thresholds, proofs)
	if err != nil {
		return nil, err
	}
	return []interface{}{results}, nil
}

func (c *Contract) resetDonations(ctx context.Context, caller common.Address, _ []interface{}) ([]interface{}, error) {
	return nil, c.ledger.Reset(ctx, caller)
}

// toIndex narrows an ABI uint256 index. Indices beyond uint64 can never
// address a record.
func toIndex(v *big.Int) (uint64, error) {
	if !v.IsUint64() {
		return 0, fmt.Errorf("%w: index %s", donations.ErrIndexOutOfRange, v)
	}
	return v.Uint64(), nil
}
