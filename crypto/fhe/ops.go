// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package fhe

import (
	"context"
)

// TrivialEncrypt32 encrypts a public constant as an Euint32
func TrivialEncrypt32(ctx context.Context, c Coprocessor, value uint32) (Euint32, error) {
	h, err := c.EncryptConstant(ctx, uint64(value), TypeUint32)
	if err != nil {
		return Euint32{}, err
	}
	return AsEuint32(h)
}

// TrivialEncrypt64 encrypts a public constant as an Euint64
func TrivialEncrypt64(ctx context.Context, c Coprocessor, value uint64) (Euint64, error) {
	h, err := c.EncryptConstant(ctx, value, TypeUint64)
	if err != nil {
		return Euint64{}, err
	}
	return AsEuint64(h)
}

// Add32 adds two Euint32 values
func Add32(ctx context.Context, c Coprocessor, a, b Euint32) (Euint32, error) {
	h, err := c.Add(ctx, a.h, b.h)
	if err != nil {
		return Euint32{}, err
	}
	return AsEuint32(h)
}

// Add64 adds two Euint64 values
func Add64(ctx context.Context, c Coprocessor, a, b Euint64) (Euint64, error) {
	h, err := c.Add(ctx, a.h, b.h)
	if err != nil {
		return Euint64{}, err
	}
	return AsEuint64(h)
}
