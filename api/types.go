// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package api

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/luxfi/crypto"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/common/hexutil"
	"github.com/luxfi/geth/core/types"

	"github.com/luxfi/donations"
	"github.com/luxfi/donations/crypto/fhe"
)

const (
	CallPath    = "/call"
	NoncePath   = "/nonce/"
	LogsPath    = "/logs"
	KeyPath     = "/coprocessor/key"
	InputPath   = "/coprocessor/input"
	DecryptPath = "/coprocessor/decrypt"
	HealthPath  = "/health"
)

// CallRequest is a signed contract call
type CallRequest struct {
	From      common.Address `json:"from"`
	Data      hexutil.Bytes  `json:"data"`
	Nonce     uint64         `json:"nonce"`
	ReadOnly  bool           `json:"readOnly"`
	Signature hexutil.Bytes  `json:"signature"`
}

// CallResponse carries either the ABI-encoded result or the error the call
// reverted with.
type CallResponse struct {
	Result  hexutil.Bytes    `json:"result,omitempty"`
	GasUsed uint64           `json:"gasUsed"`
	Error   *donations.Error `json:"error,omitempty"`
}

// NonceResponse is the next nonce a write call from Address must carry
type NonceResponse struct {
	Address common.Address `json:"address"`
	Nonce   uint64         `json:"nonce"`
}

// KeyResponse describes the key material a client needs to build inputs
// and check attestations.
type KeyResponse struct {
	// NetworkKey is the uncompressed secp256k1 key inputs are sealed to
	NetworkKey    hexutil.Bytes  `json:"networkKey"`
	InputVerifier common.Address `json:"inputVerifier"`
	// KMSPublicKey is the compressed BLS key attestations verify against
	KMSPublicKey hexutil.Bytes  `json:"kmsPublicKey"`
	Contract     common.Address `json:"contract"`
}

// DecryptResponse is a plaintext released to the requesting user
type DecryptResponse struct {
	Handle      fhe.Handle    `json:"handle"`
	Value       *uint256.Int  `json:"value"`
	Attestation hexutil.Bytes `json:"attestation"`
}

// LogsResponse lists event log entries
type LogsResponse struct {
	Logs []*types.Log `json:"logs"`
}

// ErrorResponse is returned by endpoints other than /call on failure
type ErrorResponse struct {
	Error *donations.Error `json:"error"`
}

// CallDigest is the message a caller signs to authorize a call
func CallDigest(contract, from common.Address, nonce uint64, readOnly bool, data []byte) []byte {
	flag := []byte{0}
	if readOnly {
		flag[0] = 1
	}
	return donations.ComputeHash256(
		contract.Bytes(),
		from.Bytes(),
		binary.BigEndian.AppendUint64(nil, nonce),
		flag,
		data,
	).Bytes()
}

// SignCall builds a call request from key's address
func SignCall(key *ecdsa.PrivateKey, contract common.Address, nonce uint64, readOnly bool, data []byte) (*CallRequest, error) {
	from := common.PubkeyToAddress(key.PublicKey)
	sig, err := crypto.Sign(CallDigest(contract, from, nonce, readOnly, data), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign call: %w", err)
	}
	return &CallRequest{
		From:      from,
		Data:      data,
		Nonce:     nonce,
		ReadOnly:  readOnly,
		Signature: sig,
	}, nil
}

// recoverCaller checks that req is signed by req.From for contract and
// returns the signed digest.
func recoverCaller(contract common.Address, req *CallRequest) (common.Hash, error) {
	digest := CallDigest(contract, req.From, req.Nonce, req.ReadOnly, req.Data)
	if len(req.Signature) != crypto.SignatureLength {
		return common.Hash{}, fmt.Errorf("%w: signature length %d", donations.ErrBadSignature, len(req.Signature))
	}
	pub, err := crypto.SigToPub(digest, req.Signature)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", donations.ErrBadSignature, err)
	}
	if signer := common.PubkeyToAddress(*pub); signer != req.From {
		return common.Hash{}, fmt.Errorf("%w: signed by %s, not %s", donations.ErrBadSignature, signer, req.From)
	}
	return common.BytesToHash(digest), nil
}
