// Copyright (C) 2019-2025, Lux Partners Limited. All rights reserved.
// See the file LICENSE for licensing terms.

package precompile

import (
	"strings"

	"github.com/luxfi/geth/accounts/abi"
	"github.com/luxfi/geth/common"
)

// Gas costs for ledger operations. batchVerifyDonations is charged
// BatchVerifyDonationsGas plus BatchVerifyDonationsItemGas per donor.
const (
	DonateGas                   = 250_000
	GetTotalDonationsGas        = 5_000
	GetDonationCountGas         = 5_000
	GetDonorDonationCountGas    = 2_600
	GetDonationGas              = 7_800
	OwnerGas                    = 2_600
	ProveDonationThresholdGas   = 300_000
	BatchVerifyDonationsGas     = 20_000
	BatchVerifyDonationsItemGas = 280_000
	ResetDonationsGas           = 50_000
)

// DonationsContract is the default address of the ledger contract
var DonationsContract = common.HexToAddress("0x0300000000000000000000000000000000000010")

// DonationsABI is the ABI of the ledger contract
const DonationsABI = `[
	{
		"inputs": [
			{"internalType": "externalEuint32", "name": "encryptedAmount", "type": "bytes32"},
			{"internalType": "bytes", "name": "inputProof", "type": "bytes"}
		],
		"name": "donate",
		"outputs": [{"internalType": "bytes32", "name": "donationHash", "type": "bytes32"}],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "getTotalDonations",
		"outputs": [{"internalType": "euint64", "name": "", "type": "bytes32"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "getDonationCount",
		"outputs": [{"internalType": "euint32", "name": "", "type": "bytes32"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "address", "name": "donor", "type": "address"}],
		"name": "getDonorDonationCount",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "address", "name": "donor", "type": "address"},
			{"internalType": "uint256", "name": "index", "type": "uint256"}
		],
		"name": "getDonation",
		"outputs": [
			{"internalType": "euint64", "name": "amount", "type": "bytes32"},
			{"internalType": "euint32", "name": "timestamp", "type": "bytes32"},
			{"internalType": "bytes32", "name": "donationHash", "type": "bytes32"}
		],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "owner",
		"outputs": [{"internalType": "address", "name": "", "type": "address"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "address", "name": "donor", "type": "address"},
			{"internalType": "uint256", "name": "donationIndex", "type": "uint256"},
			{"internalType": "externalEuint32", "name": "encryptedThreshold", "type": "bytes32"},
			{"internalType": "bytes", "name": "inputProof", "type": "bytes"}
		],
		"name": "proveDonationThreshold",
		"outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "address[]", "name": "donors", "type": "address[]"},
			{"internalType": "externalEuint32[]", "name": "encryptedThresholds", "type": "bytes32[]"},
			{"internalType": "bytes[]", "name": "inputProofs", "type": "bytes[]"}
		],
		"name": "batchVerifyDonations",
		"outputs": [{"internalType": "bool[]", "name": "", "type": "bool[]"}],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "resetDonations",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "address", "name": "donor", "type": "address"},
			{"indexed": false, "internalType": "bytes32", "name": "donationHash", "type": "bytes32"},
			{"indexed": false, "internalType": "bytes32", "name": "amountCommitment", "type": "bytes32"}
		],
		"name": "DonationMade",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": false, "internalType": "bytes32", "name": "totalCommitment", "type": "bytes32"}
		],
		"name": "TotalDonationsUpdated",
		"type": "event"
	}
]`

// ABI is the parsed DonationsABI
var ABI = mustParseABI(DonationsABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
