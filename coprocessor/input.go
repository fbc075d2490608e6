// Copyright (C) 2019-2025, Lux Partners Limited. All rights reserved.
// See the file LICENSE for licensing terms.

package coprocessor

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"

	"github.com/luxfi/crypto/ecies"
	"github.com/luxfi/geth/common"

	"github.com/luxfi/donations"
	"github.com/luxfi/donations/crypto/fhe"
)

// sealed is the plaintext carried inside an ECIES ciphertext
type sealed struct {
	Type  uint8  `serialize:"true"`
	Value uint64 `serialize:"true"`
}

// InputRequest asks the coprocessor to admit sealed values for use by user
// in contract.
type InputRequest struct {
	Contract    common.Address `json:"contract"`
	User        common.Address `json:"user"`
	Ciphertexts [][]byte       `json:"ciphertexts"`
}

// InputResponse carries the external handles, in request order, and the
// proof covering all of them.
type InputResponse struct {
	Handles []fhe.Handle `json:"handles"`
	Proof   []byte       `json:"proof"`
}

// InputVerifier admits sealed client inputs
type InputVerifier interface {
	VerifyInput(ctx context.Context, req *InputRequest) (*InputResponse, error)
}

// Seal encrypts value at width t under the network key
func Seal(networkKey *ecdsa.PublicKey, t fhe.Type, value uint64) ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: cannot seal %s", donations.ErrTypeMismatch, t)
	}
	if !fits(t, value) {
		return nil, fmt.Errorf("value %d does not fit in %s", value, t)
	}
	plaintext, err := donations.Codec.Marshal(donations.CodecVersion, &sealed{
		Type:  uint8(t),
		Value: value,
	})
	if err != nil {
		return nil, err
	}
	return ecies.Encrypt(rand.Reader, ecies.ImportECDSAPublic(networkKey), plaintext, nil, nil)
}

func unseal(networkKey *ecdsa.PrivateKey, ciphertext []byte) (*sealed, error) {
	plaintext, err := ecies.ImportECDSA(networkKey).Decrypt(ciphertext, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open ciphertext: %w", err)
	}
	s := &sealed{}
	if _, err := donations.Codec.Unmarshal(plaintext, s); err != nil {
		return nil, fmt.Errorf("malformed ciphertext: %w", err)
	}
	if !fhe.Type(s.Type).Valid() {
		return nil, fmt.Errorf("%w: sealed type %d", donations.ErrTypeMismatch, s.Type)
	}
	if !fits(fhe.Type(s.Type), s.Value) {
		return nil, fmt.Errorf("sealed value %d overflows %s", s.Value, fhe.Type(s.Type))
	}
	return s, nil
}

// fits reports whether value is representable at the width of t
func fits(t fhe.Type, value uint64) bool {
	return value>>t.Bits() == 0
}

// externalHandle derives the handle of the index-th ciphertext of a request
func externalHandle(req *InputRequest, index int, t fhe.Type) fhe.Handle {
	digest := donations.ComputeHash256(
		req.Ciphertexts[index],
		donations.PackUint64(uint64(index)),
		req.Contract.Bytes(),
		req.User.Bytes(),
	)
	return fhe.NewHandle(digest, t)
}
