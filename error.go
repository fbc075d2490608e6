// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package donations

import (
	"errors"
	"fmt"
)

// Ledger and coprocessor error taxonomy. Every failure aborts the whole
// operation; none of these are retried by the ledger.
var (
	ErrInvalidProof       = errors.New("invalid input proof")
	ErrEmptyProof         = errors.New("empty input proof")
	ErrUnauthorized       = errors.New("unauthorized caller")
	ErrAccessDenied       = errors.New("decryption access denied")
	ErrIndexOutOfRange    = errors.New("donation index out of range")
	ErrArityMismatch      = errors.New("batch input length mismatch")
	ErrTypeMismatch       = errors.New("ciphertext type mismatch")
	ErrUnknownHandle      = errors.New("unknown ciphertext handle")
	ErrInvalidAttestation = errors.New("invalid decryption attestation")
	ErrWriteProtection    = errors.New("write protection")
	ErrOutOfGas           = errors.New("out of gas")
	ErrUnknownSelector    = errors.New("unknown function selector")
	ErrBadNonce           = errors.New("bad nonce")
	ErrBadSignature       = errors.New("bad signature")
)

// Error codes carried on the wire.
const (
	CodeUnknown int32 = iota
	CodeInvalidProof
	CodeEmptyProof
	CodeUnauthorized
	CodeAccessDenied
	CodeIndexOutOfRange
	CodeArityMismatch
	CodeTypeMismatch
	CodeUnknownHandle
	CodeInvalidAttestation
	CodeWriteProtection
	CodeOutOfGas
	CodeUnknownSelector
	CodeBadNonce
	CodeBadSignature
)

var codes = []struct {
	code int32
	err  error
}{
	{CodeInvalidProof, ErrInvalidProof},
	{CodeEmptyProof, ErrEmptyProof},
	{CodeUnauthorized, ErrUnauthorized},
	{CodeAccessDenied, ErrAccessDenied},
	{CodeIndexOutOfRange, ErrIndexOutOfRange},
	{CodeArityMismatch, ErrArityMismatch},
	{CodeTypeMismatch, ErrTypeMismatch},
	{CodeUnknownHandle, ErrUnknownHandle},
	{CodeInvalidAttestation, ErrInvalidAttestation},
	{CodeWriteProtection, ErrWriteProtection},
	{CodeOutOfGas, ErrOutOfGas},
	{CodeUnknownSelector, ErrUnknownSelector},
	{CodeBadNonce, ErrBadNonce},
	{CodeBadSignature, ErrBadSignature},
}

// Error represents a ledger error as it crosses a process boundary
type Error struct {
	Code    int32  `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("donations error %d: %s", e.Code, e.Message)
}

// Unwrap maps the wire code back to its sentinel so errors.Is works on
// errors decoded from a remote node.
func (e *Error) Unwrap() error {
	return Sentinel(e.Code)
}

// CodeOf returns the wire code for err, or CodeUnknown.
func CodeOf(err error) int32 {
	var wireErr *Error
	if errors.As(err, &wireErr) {
		return wireErr.Code
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeUnknown
}

// Sentinel returns the sentinel error for code, or nil if the code is unknown.
func Sentinel(code int32) error {
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}

// WrapError converts err into its wire form.
func WrapError(err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    CodeOf(err),
		Message: err.Error(),
	}
}

// Reason returns a low-cardinality label for err, suitable for metrics.
func Reason(err error) string {
	if sentinel := Sentinel(CodeOf(err)); sentinel != nil {
		return sentinel.Error()
	}
	return "internal"
}
