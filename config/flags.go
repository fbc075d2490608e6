// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

func BuildFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("donationd", pflag.ContinueOnError)
	fs.String(ConfigFileKey, "", "Specifies the JSON config file")
	fs.Bool(VersionKey, false, "Display version and exit")
	fs.Bool(HelpKey, false, "Display help and exit")

	fs.String(LogLevelKey, defaultLogLevel, "Log level")
	fs.Uint16(APIPortKey, defaultAPIPort, "Port the API server listens on")
	fs.Uint16(MetricsPortKey, defaultMetricsPort, "Port the metrics server listens on")
	fs.String(AggregateModeKey, defaultAggregateMode, "How donations update the encrypted total: latest or cumulative")
	fs.String(OwnerAddressKey, "", "Ledger owner address")
	fs.String(ContractAddressKey, "", "Ledger contract address")
	fs.String(NetworkKeyKey, "", "Hex secp256k1 key that opens sealed inputs; generated when empty")
	fs.String(InputVerifierKeyKey, "", "Hex secp256k1 key that signs input proofs; generated when empty")
	fs.Uint64(ReceiptCacheSizeKey, DefaultReceiptCacheSize, "Number of write receipts kept for idempotent retries")
	return fs
}

// DisplayUsageText prints the usage text to stdout
func DisplayUsageText() {
	fmt.Fprintf(os.Stdout, "Usage: donationd [options]\n\nOptions:\n%s", BuildFlagSet().FlagUsages())
}
