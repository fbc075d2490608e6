// Copyright (C) 2025, Lux Industries, Inc.
// See the file LICENSE for licensing terms.

// Package plugin provides the donations commands for the Lux CLI
package plugin

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/luxfi/crypto"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/log"
	"github.com/spf13/cobra"

	"github.com/luxfi/donations"
	"github.com/luxfi/donations/client"
	"github.com/luxfi/donations/crypto/fhe"
	"github.com/luxfi/donations/ledger"
)

const (
	defaultNode    = "http://localhost:8080"
	defaultTimeout = 30 * time.Second

	// KeyEnv may hold the account key instead of --key
	KeyEnv = "DONATIONS_KEY"
)

var errMissingKey = errors.New("no account key: pass --key or set " + KeyEnv)

type options struct {
	node    string
	key     string
	timeout time.Duration
}

// NewDonationsCmd creates the donations command tree
func NewDonationsCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "donations",
		Short: "Confidential donations ledger operations",
		Long: `Donate encrypted amounts, inspect the ledger and prove donation
thresholds against a donations node.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.node, "node", "n", defaultNode, "Donations node URL")
	cmd.PersistentFlags().StringVarP(&opts.key, "key", "k", "", "Hex secp256k1 account key (default $"+KeyEnv+")")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", defaultTimeout, "Request timeout")

	cmd.AddCommand(newKeygenCmd())
	cmd.AddCommand(newDonateCmd(opts))
	cmd.AddCommand(newOwnerCmd(opts))
	cmd.AddCommand(newTotalCmd(opts))
	cmd.AddCommand(newCountCmd(opts))
	cmd.AddCommand(newDonorCountCmd(opts))
	cmd.AddCommand(newDonationCmd(opts))
	cmd.AddCommand(newProveCmd(opts))
	cmd.AddCommand(newBatchVerifyCmd(opts))
	cmd.AddCommand(newResetCmd(opts))
	cmd.AddCommand(newDecryptCmd(opts))
	cmd.AddCommand(newEventsCmd(opts))

	return cmd
}

func (o *options) client() (*client.Client, error) {
	raw := o.key
	if raw == "" {
		raw = os.Getenv(KeyEnv)
	}
	if raw == "" {
		return nil, errMissingKey
	}
	key, err := crypto.HexToECDSA(donations.SanitizeHexString(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid account key: %w", err)
	}
	return client.New(log.NewNoOpLogger(), client.Config{
		URL:          o.node,
		Key:          key,
		RetryTimeout: o.timeout,
	})
}

// run builds a client and runs fn with a context bounded by the timeout
func (o *options) run(cmd *cobra.Command, fn func(ctx context.Context, c *client.Client, out io.Writer) error) error {
	c, err := o.client()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
	defer cancel()
	return fn(ctx, c, cmd.OutOrStdout())
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an account key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			printKey(cmd.OutOrStdout(), key)
			return nil
		},
	}
}

func printKey(out io.Writer, key *ecdsa.PrivateKey) {
	fmt.Fprintf(out, "Address: %s\n", common.PubkeyToAddress(key.PublicKey))
	fmt.Fprintf(out, "Key: %x\n", crypto.FromECDSA(key))
}

func newDonateCmd(opts *options) *cobra.Command {
	var amount uint32

	cmd := &cobra.Command{
		Use:   "donate",
		Short: "Donate an encrypted amount",
		Long: `Encrypt an amount under the node's network key and donate it.

Example:
  donatecli donate --amount 25`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *client.Client, out io.Writer) error {
				donationHash, err := c.Donate(ctx, amount)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Donation hash: %s\n", common.Hash(donationHash).Hex())
				return nil
			})
		},
	}

	cmd.Flags().Uint32VarP(&amount, "amount", "a", 0, "Amount to donate")
	_ = cmd.MarkFlagRequired("amount")

	return cmd
}

func newOwnerCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "owner",
		Short: "Show the ledger owner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *client.Client, out io.Writer) error {
				owner, err := c.Owner(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, owner.Hex())
				return nil
			})
		},
	}
}

func newTotalCmd(opts *options) *cobra.Command {
	var decrypt bool

	cmd := &cobra.Command{
		Use:   "total",
		Short: "Show the encrypted total (owner only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *client.Client, out io.Writer) error {
				total, err := c.Total(ctx)
				if err != nil {
					return err
				}
				return printHandle(ctx, c, out, "Total", total, decrypt)
			})
		},
	}

	cmd.Flags().BoolVarP(&decrypt, "decrypt", "d", false, "Decrypt the total")
	return cmd
}

func newCountCmd(opts *options) *cobra.Command {
	var decrypt bool

	cmd := &cobra.Command{
		Use:   "count",
		Short: "Show the encrypted donation count",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *client.Client, out io.Writer) error {
				count, err := c.Count(ctx)
				if err != nil {
					return err
				}
				return printHandle(ctx, c, out, "Count", count, decrypt)
			})
		},
	}

	cmd.Flags().BoolVarP(&decrypt, "decrypt", "d", false, "Decrypt the count")
	return cmd
}

func newDonorCountCmd(opts *options) *cobra.Command {
	var donor string

	cmd := &cobra.Command{
		Use:   "donor-count",
		Short: "Show how many donations a donor made",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *client.Client, out io.Writer) error {
				addr, err := parseAddress(donor, c)
				if err != nil {
					return err
				}
				count, err := c.DonorDonationCount(ctx, addr)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, count)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&donor, "donor", "", "Donor address (default: own account)")
	return cmd
}

func newDonationCmd(opts *options) *cobra.Command {
	var (
		donor   string
		index   uint64
		decrypt bool
	)

	cmd := &cobra.Command{
		Use:   "donation",
		Short: "Show one donation record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *client.Client, out io.Writer) error {
				addr, err := parseAddress(donor, c)
				if err != nil {
					return err
				}
				d, err := c.Donation(ctx, addr, index)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Donation hash: %s\n", common.Hash(d.DonationHash).Hex())
				if err := printHandle(ctx, c, out, "Amount", d.Amount, decrypt); err != nil {
					return err
				}
				return printHandle(ctx, c, out, "Timestamp", d.Timestamp, decrypt)
			})
		},
	}

	cmd.Flags().StringVar(&donor, "donor", "", "Donor address (default: own account)")
	cmd.Flags().Uint64VarP(&index, "index", "i", 0, "Donation index")
	cmd.Flags().BoolVarP(&decrypt, "decrypt", "d", false, "Decrypt the amount and timestamp")
	return cmd
}

func newProveCmd(opts *options) *cobra.Command {
	var (
		donor     string
		index     uint64
		threshold uint32
	)

	cmd := &cobra.Command{
		Use:   "prove",
		Short: "Check a donation against a threshold",
		Long: `Check whether a donation is at least an encrypted threshold without
revealing the amount.

Example:
  donatecli prove --donor 0x... --index 0 --threshold 100`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *client.Client, out io.Writer) error {
				addr, err := parseAddress(donor, c)
				if err != nil {
					return err
				}
				ok, err := c.ProveThreshold(ctx, addr, index, threshold)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, ok)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&donor, "donor", "", "Donor address")
	cmd.Flags().Uint64VarP(&index, "index", "i", 0, "Donation index")
	cmd.Flags().Uint32VarP(&threshold, "threshold", "t", 0, "Threshold amount")
	_ = cmd.MarkFlagRequired("donor")
	_ = cmd.MarkFlagRequired("threshold")
	return cmd
}

func newBatchVerifyCmd(opts *options) *cobra.Command {
	var (
		donors     []string
		thresholds []uint
	)

	cmd := &cobra.Command{
		Use:   "batch-verify",
		Short: "Check each donor's first donation against a threshold",
		Long: `Check the first donation of each donor against the threshold at the
same position. Donors without donations report false.

Example:
  donatecli batch-verify --donor 0xA,0xB --threshold 10,20`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *client.Client, out io.Writer) error {
				addrs := make([]common.Address, len(donors))
				for i, d := range donors {
					if !common.IsHexAddress(d) {
						return fmt.Errorf("invalid donor address %q", d)
					}
					addrs[i] = common.HexToAddress(d)
				}
				values := make([]uint32, len(thresholds))
				for i, t := range thresholds {
					if uint(uint32(t)) != t {
						return fmt.Errorf("threshold %d does not fit in 32 bits", t)
					}
					values[i] = uint32(t)
				}
				results, err := c.BatchVerify(ctx, addrs, values)
				if err != nil {
					return err
				}
				for i, ok := range results {
					fmt.Fprintf(out, "%s\t%t\n", addrs[i].Hex(), ok)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVar(&donors, "donor", nil, "Donor addresses")
	cmd.Flags().UintSliceVar(&thresholds, "threshold", nil, "Thresholds, one per donor")
	return cmd
}

func newResetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Reset the ledger (owner only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *client.Client, out io.Writer) error {
				if err := c.Reset(ctx); err != nil {
					return err
				}
				fmt.Fprintln(out, "Ledger reset")
				return nil
			})
		},
	}
}

func newDecryptCmd(opts *options) *cobra.Command {
	var handle string

	cmd := &cobra.Command{
		Use:   "decrypt",
		Short: "Decrypt a handle the account has been granted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *client.Client, out io.Writer) error {
				var h fhe.Handle
				if err := h.UnmarshalText([]byte(handle)); err != nil {
					return fmt.Errorf("invalid handle: %w", err)
				}
				value, err := c.Decrypt(ctx, h)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, value.Dec())
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&handle, "handle", "", "Ciphertext handle (0x-prefixed hex)")
	_ = cmd.MarkFlagRequired("handle")
	return cmd
}

func newEventsCmd(opts *options) *cobra.Command {
	var donor string

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List a donor's donation events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *client.Client, out io.Writer) error {
				addr, err := parseAddress(donor, c)
				if err != nil {
					return err
				}
				events, err := c.Events(ctx, addr)
				if err != nil {
					return err
				}
				for _, event := range events {
					if e, ok := event.(ledger.DonationMade); ok {
						fmt.Fprintf(out, "%s\t%s\t%s\n", e.EventName(), common.Hash(e.DonationHash).Hex(), e.AmountCommitment.Hex())
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&donor, "donor", "", "Donor address (default: own account)")
	return cmd
}

// parseAddress returns raw as an address, or the client's own address if
// raw is empty
func parseAddress(raw string, c *client.Client) (common.Address, error) {
	if raw == "" {
		return c.Address(), nil
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid address %q", raw)
	}
	return common.HexToAddress(raw), nil
}

func printHandle(ctx context.Context, c *client.Client, out io.Writer, label string, h fhe.Handle, decrypt bool) error {
	if !decrypt {
		fmt.Fprintf(out, "%s: %s (%s)\n", label, h, h.Type())
		return nil
	}
	value, err := c.Decrypt(ctx, h)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: %s\n", label, value.Dec())
	return nil
}
