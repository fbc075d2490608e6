// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

// Package fhe defines opaque ciphertext handles and the narrow coprocessor
// interface the donation ledger computes through. Handles never convert to
// plaintext except through Coprocessor.Decrypt.
package fhe

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"

	"github.com/luxfi/donations"
)

// Type is the bit-width tag embedded in every handle
type Type uint8

const (
	TypeBool   Type = 0
	TypeUint32 Type = 4
	TypeUint64 Type = 5
)

// HandleVersion is the layout version stored in the last handle byte
const HandleVersion = 0

const (
	typeByte    = 30
	versionByte = 31
)

func (t Type) String() string {
	switch t {
	case TypeBool:
		return "ebool"
	case TypeUint32:
		return "euint32"
	case TypeUint64:
		return "euint64"
	default:
		return "unknown"
	}
}

// Bits returns the plaintext width of t
func (t Type) Bits() uint {
	switch t {
	case TypeBool:
		return 1
	case TypeUint32:
		return 32
	case TypeUint64:
		return 64
	default:
		return 0
	}
}

// Valid reports whether t is a supported ciphertext type
func (t Type) Valid() bool {
	return t.Bits() != 0
}

// Handle references a value held under encryption by the coprocessor.
//
// Layout: bytes [0, 30) digest, byte 30 type, byte 31 version.
type Handle common.Hash

// NewHandle stamps t and the layout version onto digest
func NewHandle(digest common.Hash, t Type) Handle {
	h := Handle(digest)
	h[typeByte] = byte(t)
	h[versionByte] = HandleVersion
	return h
}

// Type returns the width tag of the handle
func (h Handle) Type() Type {
	return Type(h[typeByte])
}

// IsZero reports whether h is the uninitialized handle
func (h Handle) IsZero() bool {
	return h == Handle{}
}

// Hash returns h as an EVM word
func (h Handle) Hash() common.Hash {
	return common.Hash(h)
}

func (h Handle) String() string {
	return common.Hash(h).Hex()
}

// MarshalText encodes h as 0x-prefixed hex
func (h Handle) MarshalText() ([]byte, error) {
	return common.Hash(h).MarshalText()
}

// UnmarshalText parses a 0x-prefixed hex handle
func (h *Handle) UnmarshalText(input []byte) error {
	return (*common.Hash)(h).UnmarshalText(input)
}

// Euint32 is a handle to an encrypted 32-bit unsigned integer
type Euint32 struct{ h Handle }

// Euint64 is a handle to an encrypted 64-bit unsigned integer
type Euint64 struct{ h Handle }

// Ebool is a handle to an encrypted boolean
type Ebool struct{ h Handle }

// AsEuint32 types h, failing if its tag is not TypeUint32
func AsEuint32(h Handle) (Euint32, error) {
	if h.Type() != TypeUint32 {
		return Euint32{}, fmt.Errorf("%w: expected %s, got %s", donations.ErrTypeMismatch, TypeUint32, h.Type())
	}
	return Euint32{h: h}, nil
}

// AsEuint64 types h, failing if its tag is not TypeUint64
func AsEuint64(h Handle) (Euint64, error) {
	if h.Type() != TypeUint64 {
		return Euint64{}, fmt.Errorf("%w: expected %s, got %s", donations.ErrTypeMismatch, TypeUint64, h.Type())
	}
	return Euint64{h: h}, nil
}

// AsEbool types h, failing if its tag is not TypeBool
func AsEbool(h Handle) (Ebool, error) {
	if h.Type() != TypeBool {
		return Ebool{}, fmt.Errorf("%w: expected %s, got %s", donations.ErrTypeMismatch, TypeBool, h.Type())
	}
	return Ebool{h: h}, nil
}

func (e Euint32) Handle() Handle { return e.h }
func (e Euint64) Handle() Handle { return e.h }
func (e Ebool) Handle() Handle   { return e.h }

func (e Euint32) IsZero() bool { return e.h.IsZero() }
func (e Euint64) IsZero() bool { return e.h.IsZero() }
func (e Ebool) IsZero() bool   { return e.h.IsZero() }

// ExternalInput is a caller-supplied ciphertext handle plus its validity
// proof, bound to the contract and user it was produced for.
type ExternalInput struct {
	Handle   Handle
	Proof    []byte
	Contract common.Address
	User     common.Address
}

// Decryption is a plaintext released by the coprocessor together with the
// KMS attestation over (handle, value).
type Decryption struct {
	Handle    Handle       `json:"handle"`
	Value     *uint256.Int `json:"value"`
	Signature []byte       `json:"signature"`
}

// Bool interprets the decrypted value as a boolean
func (d *Decryption) Bool() bool {
	return !d.Value.IsZero()
}

// ProofVerifier validates external inputs and imports them as internal
// handles. Replaying a proof for another handle, contract or user fails with
// ErrInvalidProof.
type ProofVerifier interface {
	FromExternal(ctx context.Context, input ExternalInput) (Euint32, error)
}

// Coprocessor is the homomorphic surface the ledger computes through. All
// operations except Decrypt are free of access-control side effects.
type Coprocessor interface {
	// EncryptConstant trivially encrypts value at width t
	EncryptConstant(ctx context.Context, value uint64, t Type) (Handle, error)

	// Widen casts a 32-bit ciphertext to 64 bits
	Widen(ctx context.Context, v Euint32) (Euint64, error)

	// Add returns a+b wrapped at the operands' width
	Add(ctx context.Context, a, b Handle) (Handle, error)

	// CompareGE returns an encrypted a >= b
	CompareGE(ctx context.Context, a, b Handle) (Ebool, error)

	// Decrypt releases the plaintext of handle to requester if the ACL allows it
	Decrypt(ctx context.Context, handle Handle, requester common.Address) (*Decryption, error)
}

// AttestationDigest is the message the KMS signs when releasing a plaintext
func AttestationDigest(handle Handle, value *uint256.Int) []byte {
	word := value.Bytes32()
	return donations.ComputeHash256(handle[:], word[:]).Bytes()
}
