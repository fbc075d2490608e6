// Copyright (C) 2019-2025, Lux Partners Limited. All rights reserved.
// See the file LICENSE for licensing terms.

package donations

import (
	"encoding/binary"
	"strings"

	"github.com/luxfi/geth/common"
)

// WordLen is the width of an ABI-packed uint256 word
const WordLen = 32

// ComputeHash256 computes the keccak256 hash of the concatenated inputs
func ComputeHash256(data ...[]byte) common.Hash {
	return common.Keccak256Hash(data...)
}

// PackUint64 left-pads v into a 32 byte big-endian word, matching
// abi.encodePacked(uint256(v)).
func PackUint64(v uint64) []byte {
	word := make([]byte, WordLen)
	binary.BigEndian.PutUint64(word[WordLen-8:], v)
	return word
}

// SanitizeHexString strips an optional 0x prefix
func SanitizeHexString(hexStr string) string {
	return strings.TrimPrefix(strings.TrimPrefix(hexStr, "0x"), "0X")
}
