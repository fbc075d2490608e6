// Copyright (C) 2019-2025, Lux Partners Limited. All rights reserved.
// See the file LICENSE for licensing terms.

package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/luxfi/geth/common"

	"github.com/luxfi/donations/api"
	"github.com/luxfi/donations/coprocessor"
	"github.com/luxfi/donations/crypto/fhe"
)

var errEmptyInput = errors.New("no values added to input")

// EncryptedInput is a set of external handles and the proof covering them
type EncryptedInput struct {
	Handles []fhe.Handle
	Proof   []byte
}

type inputValue struct {
	t     fhe.Type
	value uint64
}

// InputBuilder collects plaintext values to encrypt for use by one user in
// one contract. A proof produced for one (contract, user) pair is rejected
// for any other.
type InputBuilder struct {
	client   *Client
	contract common.Address
	user     common.Address
	values   []inputValue
}

// Add32 appends a 32-bit value
func (b *InputBuilder) Add32(v uint32) *InputBuilder {
	b.values = append(b.values, inputValue{t: fhe.TypeUint32, value: uint64(v)})
	return b
}

// Add64 appends a 64-bit value
func (b *InputBuilder) Add64(v uint64) *InputBuilder {
	b.values = append(b.values, inputValue{t: fhe.TypeUint64, value: v})
	return b
}

// Encrypt seals every value under the network key and has the coprocessor
// admit them. Handles are returned in the order values were added.
func (b *InputBuilder) Encrypt(ctx context.Context) (*EncryptedInput, error) {
	if len(b.values) == 0 {
		return nil, errEmptyInput
	}
	keys, err := b.client.Keys(ctx)
	if err != nil {
		return nil, err
	}

	ciphertexts := make([][]byte, len(b.values))
	for i, v := range b.values {
		if ciphertexts[i], err = coprocessor.Seal(keys.Network, v.t, v.value); err != nil {
			return nil, fmt.Errorf("failed to seal value %d: %w", i, err)
		}
	}

	var resp coprocessor.InputResponse
	err = b.client.do(ctx, "POST", api.InputPath, &coprocessor.InputRequest{
		Contract:    b.contract,
		User:        b.user,
		Ciphertexts: ciphertexts,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Handles) != len(b.values) {
		return nil, fmt.Errorf("coprocessor returned %d handles for %d values", len(resp.Handles), len(b.values))
	}
	return &EncryptedInput{
		Handles: resp.Handles,
		Proof:   resp.Proof,
	}, nil
}
