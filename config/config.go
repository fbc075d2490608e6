// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/luxfi/crypto"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/log"

	"github.com/luxfi/donations"
	"github.com/luxfi/donations/ledger"
	"github.com/luxfi/donations/precompile"
)

const (
	defaultLogLevel         = "info"
	defaultAPIPort          = uint16(8080)
	defaultMetricsPort      = uint16(8081)
	defaultAggregateMode    = "latest"
	DefaultReceiptCacheSize = uint64(1024)
)

var (
	errMissingOwner     = errors.New("owner address not set")
	errInvalidAddress   = errors.New("invalid address")
	errInvalidLogLevel  = errors.New("invalid log level")
	errPortCollision    = errors.New("api and metrics ports must differ")
	errInvalidCacheSize = errors.New("receipt cache size must be positive")
)

// Config is the dev node configuration
type Config struct {
	LogLevel         string `mapstructure:"log-level" json:"log-level"`
	APIPort          uint16 `mapstructure:"api-port" json:"api-port"`
	MetricsPort      uint16 `mapstructure:"metrics-port" json:"metrics-port"`
	AggregateMode    string `mapstructure:"aggregate-mode" json:"aggregate-mode"`
	OwnerAddress     string `mapstructure:"owner-address" json:"owner-address"`
	ContractAddress  string `mapstructure:"contract-address" json:"contract-address"`
	NetworkKey       string `mapstructure:"network-key" json:"network-key"`
	InputVerifierKey string `mapstructure:"input-verifier-key" json:"input-verifier-key"`
	ReceiptCacheSize uint64 `mapstructure:"receipt-cache-size" json:"receipt-cache-size"`

	// Initialized by Validate
	logLevel         log.Level
	owner            common.Address
	contract         common.Address
	aggregateMode    ledger.AggregateMode
	networkKey       *ecdsa.PrivateKey
	inputVerifierKey *ecdsa.PrivateKey
}

// Validate checks the configuration and parses its typed fields
func (c *Config) Validate() error {
	level, err := log.ToLevel(c.LogLevel)
	if err != nil {
		return fmt.Errorf("%w: %q", errInvalidLogLevel, c.LogLevel)
	}
	c.logLevel = level

	if c.APIPort == c.MetricsPort {
		return errPortCollision
	}
	if c.ReceiptCacheSize == 0 {
		return errInvalidCacheSize
	}

	mode, err := ledger.ParseAggregateMode(c.AggregateMode)
	if err != nil {
		return err
	}
	c.aggregateMode = mode

	if c.OwnerAddress == "" {
		return errMissingOwner
	}
	if c.owner, err = parseAddress(c.OwnerAddress); err != nil {
		return fmt.Errorf("invalid %s: %w", OwnerAddressKey, err)
	}

	c.contract = precompile.DonationsContract
	if c.ContractAddress != "" {
		if c.contract, err = parseAddress(c.ContractAddress); err != nil {
			return fmt.Errorf("invalid %s: %w", ContractAddressKey, err)
		}
	}

	if c.networkKey, err = parseKey(c.NetworkKey); err != nil {
		return fmt.Errorf("invalid %s: %w", NetworkKeyKey, err)
	}
	if c.inputVerifierKey, err = parseKey(c.InputVerifierKey); err != nil {
		return fmt.Errorf("invalid %s: %w", InputVerifierKeyKey, err)
	}
	return nil
}

// GetLogLevel returns the parsed log level
func (c *Config) GetLogLevel() log.Level {
	return c.logLevel
}

// Owner returns the validated owner address
func (c *Config) Owner() common.Address {
	return c.owner
}

// Contract returns the validated contract address
func (c *Config) Contract() common.Address {
	return c.contract
}

// GetAggregateMode returns the validated aggregate mode
func (c *Config) GetAggregateMode() ledger.AggregateMode {
	return c.aggregateMode
}

// GetNetworkKey returns the configured network key, or nil to generate one
func (c *Config) GetNetworkKey() *ecdsa.PrivateKey {
	return c.networkKey
}

// GetInputVerifierKey returns the configured input verifier key, or nil to
// generate one
func (c *Config) GetInputVerifierKey() *ecdsa.PrivateKey {
	return c.inputVerifierKey
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", errInvalidAddress, s)
	}
	return common.HexToAddress(s), nil
}

func parseKey(s string) (*ecdsa.PrivateKey, error) {
	if s == "" {
		return nil, nil
	}
	return crypto.HexToECDSA(donations.SanitizeHexString(s))
}
