// Copyright (C) 2019-2025, Lux Partners Limited. All rights reserved.
// See the file LICENSE for licensing terms.

package coprocessor

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/luxfi/crypto"
	"github.com/luxfi/geth/common"

	"github.com/luxfi/donations"
	"github.com/luxfi/donations/crypto/fhe"
)

var (
	inputDomain   = []byte("donations.input.v0")
	decryptDomain = []byte("donations.decrypt.v0")

	errNoSignatures = errors.New("proof carries no signatures")
)

// InputProof is the validity proof attached to a batch of external
// handles: the input verifier's signatures over the handles, bound to the
// contract and user the input was produced for.
type InputProof struct {
	Handles    []common.Hash `serialize:"true"`
	Signatures [][]byte      `serialize:"true"`
}

// Bytes returns the wire encoding of the proof
func (p *InputProof) Bytes() []byte {
	b, _ := donations.Codec.Marshal(donations.CodecVersion, p)
	return b
}

// ParseInputProof decodes a proof from its wire encoding
func ParseInputProof(b []byte) (*InputProof, error) {
	p := &InputProof{}
	if _, err := donations.Codec.Unmarshal(b, p); err != nil {
		return nil, fmt.Errorf("%w: %v", donations.ErrInvalidProof, err)
	}
	if len(p.Signatures) == 0 {
		return nil, fmt.Errorf("%w: %v", donations.ErrInvalidProof, errNoSignatures)
	}
	return p, nil
}

// Contains reports whether handle is covered by the proof
func (p *InputProof) Contains(handle fhe.Handle) bool {
	for _, h := range p.Handles {
		if h == handle.Hash() {
			return true
		}
	}
	return false
}

// InputDigest is the message an input verifier signs for a batch of handles
func InputDigest(contract, user common.Address, handles []common.Hash) []byte {
	parts := make([][]byte, 0, len(handles)+3)
	parts = append(parts, inputDomain, contract.Bytes(), user.Bytes())
	for _, h := range handles {
		parts = append(parts, h.Bytes())
	}
	return donations.ComputeHash256(parts...).Bytes()
}

// SignInput produces an InputProof for handles with the verifier key
func SignInput(key *ecdsa.PrivateKey, contract, user common.Address, handles []common.Hash) (*InputProof, error) {
	sig, err := crypto.Sign(InputDigest(contract, user, handles), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign input: %w", err)
	}
	return &InputProof{
		Handles:    handles,
		Signatures: [][]byte{sig},
	}, nil
}

// DecryptDigest is the message a user signs to request decryption of handle
func DecryptDigest(handle fhe.Handle, user common.Address) []byte {
	return donations.ComputeHash256(decryptDomain, handle[:], user.Bytes()).Bytes()
}

// recoverSigner returns the address that produced sig over digest
func recoverSigner(digest, sig []byte) (common.Address, error) {
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, err
	}
	return common.PubkeyToAddress(*pub), nil
}
