// Copyright (C) 2025, Lux Industries, Inc.
// See the file LICENSE for licensing terms.

package main

import (
	"fmt"
	"os"

	"github.com/luxfi/donations/cmd/plugin"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	rootCmd := plugin.NewDonationsCmd()
	rootCmd.Use = "donatecli"
	rootCmd.Version = fmt.Sprintf("%s (built %s)", version, buildDate)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
