// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package api serves the donations contract and its coprocessor over HTTP
// for local development.
package api

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/luxfi/crypto"
	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/core/types"
	"github.com/luxfi/log"

	"github.com/luxfi/donations"
	"github.com/luxfi/donations/cache"
	"github.com/luxfi/donations/coprocessor"
	"github.com/luxfi/donations/crypto/fhe"
	"github.com/luxfi/donations/metrics"
)

const (
	DefaultCallGasLimit     = uint64(30_000_000)
	DefaultReceiptCacheSize = 1024

	maxRequestBytes = 1 << 20
)

var errNoKeyMaterial = errors.New("coprocessor key material unavailable")

// Contract is the call surface served at /call
type Contract interface {
	Address() common.Address
	Run(ctx context.Context, caller common.Address, input []byte, suppliedGas uint64, readOnly bool) ([]byte, uint64, error)
}

// Coprocessor is the input and decryption surface served under /coprocessor
type Coprocessor interface {
	coprocessor.InputVerifier
	UserDecrypt(ctx context.Context, req *coprocessor.DecryptRequest) (*fhe.Decryption, error)
	NetworkKey() *ecdsa.PublicKey
	InputVerifierAddress() common.Address
	KMSPublicKey() *bls.PublicKey
}

// Events is the event log served at /logs
type Events interface {
	Since(index uint) []*types.Log
	FilterDonor(donor common.Address, since uint) []*types.Log
}

// Server routes HTTP requests to the contract and coprocessor. Write calls
// are serialized and ordered by per-sender nonces. A retried write call
// returns the receipt of its first execution.
type Server struct {
	log         log.Logger
	contract    Contract
	coprocessor Coprocessor
	events      Events
	metrics     *metrics.APIMetrics
	gasLimit    uint64

	receipts *cache.FIFOCache[common.Hash, *CallResponse]

	mu     sync.Mutex
	nonces map[common.Address]uint64
}

// NewServer creates a server. A nil metrics records nothing.
func NewServer(
	logger log.Logger,
	contract Contract,
	coprocessor Coprocessor,
	events Events,
	metrics *metrics.APIMetrics,
	gasLimit uint64,
	receiptCacheSize int,
) *Server {
	return &Server{
		log:         logger,
		contract:    contract,
		coprocessor: coprocessor,
		events:      events,
		metrics:     metrics,
		gasLimit:    gasLimit,
		receipts:    cache.NewFIFOCache[common.Hash, *CallResponse](receiptCacheSize),
		nonces:      make(map[common.Address]uint64),
	}
}

// Handler returns the routes of s
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST "+CallPath, s.observe("call", s.handleCall))
	mux.Handle("GET "+NoncePath+"{address}", s.observe("nonce", s.handleNonce))
	mux.Handle("GET "+LogsPath, s.observe("logs", s.handleLogs))
	mux.Handle("GET "+KeyPath, s.observe("key", s.handleKey))
	mux.Handle("POST "+InputPath, s.observe("input", s.handleInput))
	mux.Handle("POST "+DecryptPath, s.observe("decrypt", s.handleDecrypt))
	mux.Handle(HealthPath, newHealthHandler(s.healthCheck))
	return mux
}

// Nonce returns the next write nonce of sender
func (s *Server) Nonce(sender common.Address) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.nonces[sender]
}

func (s *Server) observe(method string, handler http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		handler(w, r)
		s.metrics.Observe(method, start)
	})
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	var req CallRequest
	if err := s.decode(r, &req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	digest, err := recoverCaller(s.contract.Address(), &req)
	if err != nil {
		s.log.Warn("rejecting call", log.Stringer("from", req.From), log.Err(err))
		s.writeJSONError(w, StatusCode(err), err)
		return
	}

	if req.ReadOnly {
		s.writeReceipt(w, s.execute(r.Context(), &req))
		return
	}

	// The write runs to completion even if this client goes away.
	ctx := context.WithoutCancel(r.Context())
	receipt, err := s.receipts.Get(digest, func(common.Hash) (*CallResponse, error) {
		return s.executeWrite(ctx, &req)
	})
	if err != nil {
		s.log.Warn("rejecting call", log.Stringer("from", req.From), log.Err(err))
		s.writeJSONError(w, StatusCode(err), err)
		return
	}
	s.writeReceipt(w, receipt)
}

// executeWrite consumes the sender's nonce and runs the call. A reverted
// call still consumes its nonce.
func (s *Server) executeWrite(ctx context.Context, req *CallRequest) (*CallResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.nonces[req.From]
	if req.Nonce != next {
		return nil, fmt.Errorf("%w: expected %d, got %d", donations.ErrBadNonce, next, req.Nonce)
	}
	s.nonces[req.From] = next + 1
	return s.execute(ctx, req), nil
}

func (s *Server) execute(ctx context.Context, req *CallRequest) *CallResponse {
	ret, remaining, err := s.contract.Run(ctx, req.From, req.Data, s.gasLimit, req.ReadOnly)
	receipt := &CallResponse{GasUsed: s.gasLimit - remaining}
	if err != nil {
		s.log.Debug("call reverted",
			log.Stringer("from", req.From),
			log.Err(err),
		)
		receipt.Error = donations.WrapError(err)
		return receipt
	}
	receipt.Result = ret
	return receipt
}

func (s *Server) handleNonce(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("address")
	if !common.IsHexAddress(raw) {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Errorf("invalid address %q", raw))
		return
	}
	address := common.HexToAddress(raw)
	s.writeJSON(w, http.StatusOK, &NonceResponse{
		Address: address,
		Nonce:   s.Nonce(address),
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var since uint64
	if raw := query.Get("since"); raw != "" {
		var err error
		if since, err = strconv.ParseUint(raw, 10, 64); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, fmt.Errorf("invalid since %q: %w", raw, err))
			return
		}
	}

	donor := query.Get("donor")
	if donor == "" {
		s.writeJSON(w, http.StatusOK, &LogsResponse{Logs: s.events.Since(uint(since))})
		return
	}
	if !common.IsHexAddress(donor) {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Errorf("invalid donor %q", donor))
		return
	}
	s.writeJSON(w, http.StatusOK, &LogsResponse{Logs: s.events.FilterDonor(common.HexToAddress(donor), uint(since))})
}

func (s *Server) handleKey(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, &KeyResponse{
		NetworkKey:    crypto.FromECDSAPub(s.coprocessor.NetworkKey()),
		InputVerifier: s.coprocessor.InputVerifierAddress(),
		KMSPublicKey:  bls.PublicKeyToCompressedBytes(s.coprocessor.KMSPublicKey()),
		Contract:      s.contract.Address(),
	})
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	var req coprocessor.InputRequest
	if err := s.decode(r, &req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.coprocessor.VerifyInput(r.Context(), &req)
	if err != nil {
		s.log.Warn("rejecting input", log.Stringer("user", req.User), log.Err(err))
		s.writeJSONError(w, StatusCode(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDecrypt(w http.ResponseWriter, r *http.Request) {
	var req coprocessor.DecryptRequest
	if err := s.decode(r, &req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	d, err := s.coprocessor.UserDecrypt(r.Context(), &req)
	if err != nil {
		s.log.Debug("rejecting decryption",
			log.Stringer("user", req.User),
			log.Stringer("handle", req.Handle),
			log.Err(err),
		)
		s.writeJSONError(w, StatusCode(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, &DecryptResponse{
		Handle:      d.Handle,
		Value:       d.Value,
		Attestation: d.Signature,
	})
}

func (s *Server) healthCheck(context.Context) error {
	if s.coprocessor.NetworkKey() == nil || s.coprocessor.KMSPublicKey() == nil {
		return errNoKeyMaterial
	}
	return nil
}

func (s *Server) decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(v); err != nil {
		return fmt.Errorf("could not decode request body: %w", err)
	}
	return nil
}

func (s *Server) writeReceipt(w http.ResponseWriter, receipt *CallResponse) {
	status := http.StatusOK
	if receipt.Error != nil {
		status = StatusCode(receipt.Error)
	}
	s.writeJSON(w, status, receipt)
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, &ErrorResponse{Error: donations.WrapError(err)})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	resp, err := json.Marshal(v)
	if err != nil {
		msg := "Error marshalling JSON response"
		s.log.Error(msg, log.Err(err))
		resp = []byte(msg)
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if _, err := w.Write(resp); err != nil {
		s.log.Error("Error writing response", log.Err(err))
	}
}

// StatusCode maps err onto the HTTP status reported for it
func StatusCode(err error) int {
	switch donations.CodeOf(err) {
	case donations.CodeBadSignature:
		return http.StatusUnauthorized
	case donations.CodeUnauthorized, donations.CodeAccessDenied:
		return http.StatusForbidden
	case donations.CodeIndexOutOfRange, donations.CodeUnknownHandle:
		return http.StatusNotFound
	case donations.CodeBadNonce:
		return http.StatusConflict
	case donations.CodeInvalidProof,
		donations.CodeEmptyProof,
		donations.CodeArityMismatch,
		donations.CodeTypeMismatch,
		donations.CodeWriteProtection,
		donations.CodeOutOfGas,
		donations.CodeUnknownSelector:
		return http.StatusBadRequest
	case donations.CodeInvalidAttestation:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
