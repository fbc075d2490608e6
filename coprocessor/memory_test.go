// Copyright (C) 2019-2025, Lux Partners Limited. All rights reserved.
// See the file LICENSE for licensing terms.

package coprocessor

import (
	"context"
	"crypto/rand"
	"math"
	"testing"

	"github.com/holiman/uint256"
	"github.com/luxfi/crypto"
	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/crypto/ecies"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/donations"
	"github.com/luxfi/donations/acl"
	"github.com/luxfi/donations/crypto/fhe"
)

func generateTestAddress() common.Address {
	var addr common.Address
	rand.Read(addr[:])
	return addr
}

func newTestMemory(t *testing.T) (*Memory, *acl.ACL) {
	a := acl.New(generateTestAddress())
	m, err := NewMemory(log.NewNoOpLogger(), a, Keys{})
	require.NoError(t, err)
	return m, a
}

func sealInput(t *testing.T, m *Memory, contract, user common.Address, values ...uint64) *InputResponse {
	req := &InputRequest{Contract: contract, User: user}
	for _, v := range values {
		ct, err := Seal(m.NetworkKey(), fhe.TypeUint32, v)
		require.NoError(t, err)
		req.Ciphertexts = append(req.Ciphertexts, ct)
	}
	resp, err := m.VerifyInput(context.Background(), req)
	require.NoError(t, err)
	return resp
}

func TestFromExternal(t *testing.T) {
	m, _ := newTestMemory(t)
	contract := generateTestAddress()
	user := generateTestAddress()
	resp := sealInput(t, m, contract, user, 10, 20)

	other := sealInput(t, m, contract, user, 30)

	tests := []struct {
		name        string
		input       fhe.ExternalInput
		expectedErr error
	}{
		{
			name:  "valid",
			input: fhe.ExternalInput{Handle: resp.Handles[1], Proof: resp.Proof, Contract: contract, User: user},
		},
		{
			name:        "empty proof",
			input:       fhe.ExternalInput{Handle: resp.Handles[0], Contract: contract, User: user},
			expectedErr: donations.ErrInvalidProof,
		},
		{
			name:        "malformed proof",
			input:       fhe.ExternalInput{Handle: resp.Handles[0], Proof: []byte{0x01, 0x02}, Contract: contract, User: user},
			expectedErr: donations.ErrInvalidProof,
		},
		{
			name:        "replayed for another user",
			input:       fhe.ExternalInput{Handle: resp.Handles[0], Proof: resp.Proof, Contract: contract, User: generateTestAddress()},
			expectedErr: donations.ErrInvalidProof,
		},
		{
			name:        "replayed for another contract",
			input:       fhe.ExternalInput{Handle: resp.Handles[0], Proof: resp.Proof, Contract: generateTestAddress(), User: user},
			expectedErr: donations.ErrInvalidProof,
		},
		{
			name:        "replayed for another value",
			input:       fhe.ExternalInput{Handle: other.Handles[0], Proof: resp.Proof, Contract: contract, User: user},
			expectedErr: donations.ErrInvalidProof,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require := require.New(t)

			v, err := m.FromExternal(context.Background(), tt.input)
			require.ErrorIs(err, tt.expectedErr)
			if tt.expectedErr != nil {
				return
			}
			plaintext, ok := m.Plaintext(v.Handle())
			require.True(ok)
			require.Equal(uint64(20), plaintext.Uint64())
		})
	}
}

func TestFromExternalRejectsForeignVerifier(t *testing.T) {
	require := require.New(t)

	m, _ := newTestMemory(t)
	contract := generateTestAddress()
	user := generateTestAddress()
	resp := sealInput(t, m, contract, user, 7)

	rogue, err := crypto.GenerateKey()
	require.NoError(err)
	forged, err := SignInput(rogue, contract, user, []common.Hash{resp.Handles[0].Hash()})
	require.NoError(err)

	_, err = m.FromExternal(context.Background(), fhe.ExternalInput{
		Handle:   resp.Handles[0],
		Proof:    forged.Bytes(),
		Contract: contract,
		User:     user,
	})
	require.ErrorIs(err, donations.ErrInvalidProof)
}

func TestVerifyInputRejectsGarbage(t *testing.T) {
	require := require.New(t)

	m, _ := newTestMemory(t)
	_, err := m.VerifyInput(context.Background(), &InputRequest{
		Ciphertexts: [][]byte{{0xde, 0xad}},
	})
	require.ErrorIs(err, donations.ErrInvalidProof)

	_, err = m.VerifyInput(context.Background(), &InputRequest{})
	require.ErrorIs(err, donations.ErrInvalidProof)
}

func TestSealRange(t *testing.T) {
	require := require.New(t)

	m, _ := newTestMemory(t)
	_, err := Seal(m.NetworkKey(), fhe.TypeUint32, math.MaxUint32+1)
	require.Error(err)

	_, err = Seal(m.NetworkKey(), fhe.Type(9), 1)
	require.ErrorIs(err, donations.ErrTypeMismatch)

	_, err = Seal(m.NetworkKey(), fhe.TypeUint64, math.MaxUint64)
	require.NoError(err)
}

// sealUnchecked seals a value without the width check Seal performs
func sealUnchecked(t *testing.T, m *Memory, typ fhe.Type, value uint64) []byte {
	plaintext, err := donations.Codec.Marshal(donations.CodecVersion, &sealed{Type: uint8(typ), Value: value})
	require.NoError(t, err)
	ct, err := ecies.Encrypt(rand.Reader, ecies.ImportECDSAPublic(m.NetworkKey()), plaintext, nil, nil)
	require.NoError(t, err)
	return ct
}

func TestVerifyInputWidth(t *testing.T) {
	tests := []struct {
		name        string
		typ         fhe.Type
		value       uint64
		expectedErr error
	}{
		{name: "uint32 max", typ: fhe.TypeUint32, value: math.MaxUint32},
		{name: "uint32 overflow", typ: fhe.TypeUint32, value: 1 << 40, expectedErr: donations.ErrInvalidProof},
		{name: "bool true", typ: fhe.TypeBool, value: 1},
		{name: "bool overflow", typ: fhe.TypeBool, value: 2, expectedErr: donations.ErrInvalidProof},
		{name: "uint64 max", typ: fhe.TypeUint64, value: math.MaxUint64},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require := require.New(t)

			m, _ := newTestMemory(t)
			resp, err := m.VerifyInput(context.Background(), &InputRequest{
				Contract:    generateTestAddress(),
				User:        generateTestAddress(),
				Ciphertexts: [][]byte{sealUnchecked(t, m, tt.typ, tt.value)},
			})
			require.ErrorIs(err, tt.expectedErr)
			if tt.expectedErr != nil {
				require.Zero(m.Len())
				return
			}
			plaintext, ok := m.Plaintext(resp.Handles[0])
			require.True(ok)
			require.Equal(tt.value, plaintext.Uint64())
		})
	}
}

func TestArithmetic(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	m, _ := newTestMemory(t)

	max32, err := fhe.TrivialEncrypt32(ctx, m, math.MaxUint32)
	require.NoError(err)
	one32, err := fhe.TrivialEncrypt32(ctx, m, 1)
	require.NoError(err)

	wrapped, err := fhe.Add32(ctx, m, max32, one32)
	require.NoError(err)
	v, _ := m.Plaintext(wrapped.Handle())
	require.Zero(v.Uint64())

	wide, err := m.Widen(ctx, max32)
	require.NoError(err)
	one64, err := fhe.TrivialEncrypt64(ctx, m, 1)
	require.NoError(err)
	sum, err := fhe.Add64(ctx, m, wide, one64)
	require.NoError(err)
	v, _ = m.Plaintext(sum.Handle())
	require.Equal(uint64(math.MaxUint32)+1, v.Uint64())

	_, err = m.Add(ctx, max32.Handle(), one64.Handle())
	require.ErrorIs(err, donations.ErrTypeMismatch)

	_, err = m.CompareGE(ctx, max32.Handle(), one64.Handle())
	require.ErrorIs(err, donations.ErrTypeMismatch)

	_, err = m.Add(ctx, max32.Handle(), fhe.NewHandle(common.Hash{0x01}, fhe.TypeUint32))
	require.ErrorIs(err, donations.ErrUnknownHandle)

	// identical constants still get distinct handles
	again, err := fhe.TrivialEncrypt32(ctx, m, 1)
	require.NoError(err)
	require.NotEqual(one32.Handle(), again.Handle())
}

func TestCompareGE(t *testing.T) {
	tests := []struct {
		a, b     uint64
		expected bool
	}{
		{a: 10, b: 5, expected: true},
		{a: 10, b: 10, expected: true},
		{a: 10, b: 11, expected: false},
		{a: 0, b: 0, expected: true},
	}

	for _, tt := range tests {
		require := require.New(t)
		ctx := context.Background()

		m, _ := newTestMemory(t)
		a, err := fhe.TrivialEncrypt64(ctx, m, tt.a)
		require.NoError(err)
		b, err := fhe.TrivialEncrypt64(ctx, m, tt.b)
		require.NoError(err)

		result, err := m.CompareGE(ctx, a.Handle(), b.Handle())
		require.NoError(err)
		require.Equal(fhe.TypeBool, result.Handle().Type())

		v, _ := m.Plaintext(result.Handle())
		require.Equal(tt.expected, !v.IsZero())
	}
}

func TestDecrypt(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	m, a := newTestMemory(t)
	h, err := m.EncryptConstant(ctx, 42, fhe.TypeUint64)
	require.NoError(err)

	reader := generateTestAddress()
	_, err = m.Decrypt(ctx, h, reader)
	require.ErrorIs(err, donations.ErrAccessDenied)

	a.Grant(h, reader)
	d, err := m.Decrypt(ctx, h, reader)
	require.NoError(err)
	require.Equal(uint256.NewInt(42), d.Value)
	require.Equal(h, d.Handle)

	sig, err := bls.SignatureFromBytes(d.Signature)
	require.NoError(err)
	require.True(bls.Verify(m.KMSPublicKey(), sig, fhe.AttestationDigest(h, d.Value)))
	require.False(bls.Verify(m.KMSPublicKey(), sig, fhe.AttestationDigest(h, uint256.NewInt(43))))

	// grants are per pair
	_, err = m.Decrypt(ctx, h, generateTestAddress())
	require.ErrorIs(err, donations.ErrAccessDenied)
}

func TestUserDecrypt(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	m, a := newTestMemory(t)
	h, err := m.EncryptConstant(ctx, 5, fhe.TypeUint64)
	require.NoError(err)

	key, err := crypto.GenerateKey()
	require.NoError(err)
	user := common.PubkeyToAddress(key.PublicKey)
	a.Grant(h, user)

	sig, err := crypto.Sign(DecryptDigest(h, user), key)
	require.NoError(err)

	d, err := m.UserDecrypt(ctx, &DecryptRequest{Handle: h, User: user, Signature: sig})
	require.NoError(err)
	require.Equal(uint64(5), d.Value.Uint64())

	// a signature by someone else does not unlock the user's grant
	impostor, err := crypto.GenerateKey()
	require.NoError(err)
	sig, err = crypto.Sign(DecryptDigest(h, user), impostor)
	require.NoError(err)
	_, err = m.UserDecrypt(ctx, &DecryptRequest{Handle: h, User: user, Signature: sig})
	require.ErrorIs(err, donations.ErrBadSignature)
}
