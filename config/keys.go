// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

const (
	// Command line option keys
	ConfigFileKey = "config-file"
	VersionKey    = "version"
	HelpKey       = "help"

	// Environment variable prefix, e.g. DONATIONS_API_PORT
	EnvPrefix = "donations"

	// Top-level configuration keys
	LogLevelKey         = "log-level"
	APIPortKey          = "api-port"
	MetricsPortKey      = "metrics-port"
	AggregateModeKey    = "aggregate-mode"
	OwnerAddressKey     = "owner-address"
	ContractAddressKey  = "contract-address"
	NetworkKeyKey       = "network-key"
	InputVerifierKeyKey = "input-verifier-key"
	ReceiptCacheSizeKey = "receipt-cache-size"
)
