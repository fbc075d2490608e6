// Copyright (C) 2019-2025, Lux Partners Limited. All rights reserved.
// See the file LICENSE for licensing terms.

// Package coprocessor provides an in-memory FHE coprocessor. It keeps the
// plaintext behind every handle, which makes it a dev backend and a test
// double, never a confidential deployment.
package coprocessor

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"

	"github.com/holiman/uint256"
	"github.com/luxfi/crypto"
	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/log"

	"github.com/luxfi/donations"
	"github.com/luxfi/donations/acl"
	"github.com/luxfi/donations/crypto/fhe"
)

var (
	_ fhe.Coprocessor   = (*Memory)(nil)
	_ fhe.ProofVerifier = (*Memory)(nil)
	_ InputVerifier     = (*Memory)(nil)

	errNoACL = errors.New("no access control configured")
)

// Keys is the key material of a coprocessor deployment. Nil keys are
// generated by NewMemory.
type Keys struct {
	// Network opens sealed client inputs
	Network *ecdsa.PrivateKey
	// InputVerifier signs input proofs
	InputVerifier *ecdsa.PrivateKey
	// KMS signs decryption attestations
	KMS *bls.SecretKey
}

// DecryptRequest is a user's signed request to decrypt a handle
type DecryptRequest struct {
	Handle    fhe.Handle     `json:"handle"`
	User      common.Address `json:"user"`
	Signature []byte         `json:"signature"`
}

// Memory is an in-memory coprocessor
type Memory struct {
	log  log.Logger
	keys Keys
	acl  acl.Checker

	mu     sync.RWMutex
	values map[fhe.Handle]*uint256.Int
	nonce  uint64
}

// NewMemory creates a coprocessor whose decryptions are gated by checker
func NewMemory(logger log.Logger, checker acl.Checker, keys Keys) (*Memory, error) {
	var err error
	if keys.Network == nil {
		if keys.Network, err = crypto.GenerateKey(); err != nil {
			return nil, fmt.Errorf("failed to generate network key: %w", err)
		}
	}
	if keys.InputVerifier == nil {
		if keys.InputVerifier, err = crypto.GenerateKey(); err != nil {
			return nil, fmt.Errorf("failed to generate input verifier key: %w", err)
		}
	}
	if keys.KMS == nil {
		if keys.KMS, err = bls.NewSecretKey(); err != nil {
			return nil, fmt.Errorf("failed to generate kms key: %w", err)
		}
	}
	return &Memory{
		log:    logger,
		keys:   keys,
		acl:    checker,
		values: make(map[fhe.Handle]*uint256.Int),
	}, nil
}

// NetworkKey returns the public key clients seal inputs to
func (m *Memory) NetworkKey() *ecdsa.PublicKey {
	return &m.keys.Network.PublicKey
}

// InputVerifierAddress returns the address input proofs must recover to
func (m *Memory) InputVerifierAddress() common.Address {
	return common.PubkeyToAddress(m.keys.InputVerifier.PublicKey)
}

// KMSPublicKey returns the key decryption attestations verify against
func (m *Memory) KMSPublicKey() *bls.PublicKey {
	return m.keys.KMS.PublicKey()
}

// VerifyInput opens each sealed value, registers it under an external
// handle and signs a proof binding the handles to contract and user.
func (m *Memory) VerifyInput(_ context.Context, req *InputRequest) (*InputResponse, error) {
	if len(req.Ciphertexts) == 0 {
		return nil, fmt.Errorf("%w: no ciphertexts", donations.ErrInvalidProof)
	}

	handles := make([]fhe.Handle, len(req.Ciphertexts))
	words := make([]common.Hash, len(req.Ciphertexts))
	values := make([]*uint256.Int, len(req.Ciphertexts))
	for i, ct := range req.Ciphertexts {
		s, err := unseal(m.keys.Network, ct)
		if err != nil {
			return nil, fmt.Errorf("%w: input %d: %v", donations.ErrInvalidProof, i, err)
		}
		handles[i] = externalHandle(req, i, fhe.Type(s.Type))
		words[i] = handles[i].Hash()
		values[i] = uint256.NewInt(s.Value)
	}

	proof, err := SignInput(m.keys.InputVerifier, req.Contract, req.User, words)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	for i, h := range handles {
		m.values[h] = values[i]
	}
	m.mu.Unlock()

	m.log.Debug("verified input",
		log.Stringer("contract", req.Contract),
		log.Stringer("user", req.User),
		log.Int("count", len(handles)),
	)
	return &InputResponse{
		Handles: handles,
		Proof:   proof.Bytes(),
	}, nil
}

// FromExternal validates input against its proof and imports it
func (m *Memory) FromExternal(_ context.Context, input fhe.ExternalInput) (fhe.Euint32, error) {
	if len(input.Proof) == 0 {
		return fhe.Euint32{}, fmt.Errorf("%w: empty proof", donations.ErrInvalidProof)
	}
	proof, err := ParseInputProof(input.Proof)
	if err != nil {
		return fhe.Euint32{}, err
	}
	if !proof.Contains(input.Handle) {
		return fhe.Euint32{}, fmt.Errorf("%w: handle %s not covered", donations.ErrInvalidProof, input.Handle)
	}

	digest := InputDigest(input.Contract, input.User, proof.Handles)
	verifier := m.InputVerifierAddress()
	valid := false
	for _, sig := range proof.Signatures {
		signer, err := recoverSigner(digest, sig)
		if err == nil && signer == verifier {
			valid = true
			break
		}
	}
	if !valid {
		return fhe.Euint32{}, fmt.Errorf("%w: not signed for contract %s and user %s", donations.ErrInvalidProof, input.Contract, input.User)
	}

	if _, err := m.value(input.Handle); err != nil {
		return fhe.Euint32{}, fmt.Errorf("%w: %v", donations.ErrInvalidProof, err)
	}
	return fhe.AsEuint32(input.Handle)
}

// EncryptConstant trivially encrypts value at width t
func (m *Memory) EncryptConstant(_ context.Context, value uint64, t fhe.Type) (fhe.Handle, error) {
	if !t.Valid() {
		return fhe.Handle{}, fmt.Errorf("%w: %s", donations.ErrTypeMismatch, t)
	}
	return m.store(t, wrap(uint256.NewInt(value), t), []byte("trivial")), nil
}

// Widen casts a 32-bit ciphertext to 64 bits
func (m *Memory) Widen(_ context.Context, v fhe.Euint32) (fhe.Euint64, error) {
	value, err := m.value(v.Handle())
	if err != nil {
		return fhe.Euint64{}, err
	}
	h := m.store(fhe.TypeUint64, value, []byte("cast"), v.Handle().Hash().Bytes())
	return fhe.AsEuint64(h)
}

// Add returns a+b wrapped at the operands' width
func (m *Memory) Add(_ context.Context, a, b fhe.Handle) (fhe.Handle, error) {
	if a.Type() != b.Type() {
		return fhe.Handle{}, fmt.Errorf("%w: %s + %s", donations.ErrTypeMismatch, a.Type(), b.Type())
	}
	x, err := m.value(a)
	if err != nil {
		return fhe.Handle{}, err
	}
	y, err := m.value(b)
	if err != nil {
		return fhe.Handle{}, err
	}
	sum := new(uint256.Int).Add(x, y)
	return m.store(a.Type(), wrap(sum, a.Type()), []byte("add"), a[:], b[:]), nil
}

// CompareGE returns an encrypted a >= b
func (m *Memory) CompareGE(_ context.Context, a, b fhe.Handle) (fhe.Ebool, error) {
	if a.Type() != b.Type() {
		return fhe.Ebool{}, fmt.Errorf("%w: %s >= %s", donations.ErrTypeMismatch, a.Type(), b.Type())
	}
	x, err := m.value(a)
	if err != nil {
		return fhe.Ebool{}, err
	}
	y, err := m.value(b)
	if err != nil {
		return fhe.Ebool{}, err
	}
	result := new(uint256.Int)
	if !x.Lt(y) {
		result.SetOne()
	}
	return fhe.AsEbool(m.store(fhe.TypeBool, result, []byte("ge"), a[:], b[:]))
}

// Decrypt releases the plaintext of handle to requester if the ACL allows it
func (m *Memory) Decrypt(_ context.Context, handle fhe.Handle, requester common.Address) (*fhe.Decryption, error) {
	if m.acl == nil {
		return nil, errNoACL
	}
	if !m.acl.CanDecrypt(handle, requester) {
		return nil, fmt.Errorf("%w: %s on %s", donations.ErrAccessDenied, requester, handle)
	}
	value, err := m.value(handle)
	if err != nil {
		return nil, err
	}

	sig, err := m.keys.KMS.Sign(fhe.AttestationDigest(handle, value))
	if err != nil {
		return nil, fmt.Errorf("failed to sign attestation: %w", err)
	}
	return &fhe.Decryption{
		Handle:    handle,
		Value:     value,
		Signature: bls.SignatureToBytes(sig),
	}, nil
}

// UserDecrypt serves a decryption request signed by the requesting user
func (m *Memory) UserDecrypt(ctx context.Context, req *DecryptRequest) (*fhe.Decryption, error) {
	signer, err := recoverSigner(DecryptDigest(req.Handle, req.User), req.Signature)
	if err != nil || signer != req.User {
		return nil, fmt.Errorf("%w: decryption request for %s", donations.ErrBadSignature, req.User)
	}
	return m.Decrypt(ctx, req.Handle, req.User)
}

// Plaintext exposes the value behind handle. It bypasses the ACL and exists
// for tests and local inspection only.
func (m *Memory) Plaintext(handle fhe.Handle) (*uint256.Int, bool) {
	v, err := m.value(handle)
	return v, err == nil
}

// Len returns the number of ciphertexts held
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.values)
}

func (m *Memory) value(h fhe.Handle) (*uint256.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.values[h]
	if !ok {
		return nil, fmt.Errorf("%w: %s", donations.ErrUnknownHandle, h)
	}
	return new(uint256.Int).Set(v), nil
}

// store registers value under a fresh handle derived from the operation
func (m *Memory) store(t fhe.Type, value *uint256.Int, op []byte, operands ...[]byte) fhe.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nonce++
	parts := append([][]byte{op, donations.PackUint64(m.nonce)}, operands...)
	h := fhe.NewHandle(donations.ComputeHash256(parts...), t)
	m.values[h] = value
	return h
}

// wrap reduces v modulo 2^bits(t)
func wrap(v *uint256.Int, t fhe.Type) *uint256.Int {
	bits := t.Bits()
	if bits >= 256 {
		return v
	}
	mask := new(uint256.Int).Lsh(uint256.NewInt(1), bits)
	mask.SubUint64(mask, 1)
	return v.And(v, mask)
}
