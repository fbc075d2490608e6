// Copyright (C) 2019-2025, Lux Partners Limited. All rights reserved.
// See the file LICENSE for licensing terms.

// Package client talks to a donations node over HTTP on behalf of one
// account: it builds encrypted inputs, signs calls and decrypts results the
// account has been granted.
package client

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/holiman/uint256"
	"github.com/luxfi/crypto"
	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/donations"
	"github.com/luxfi/donations/api"
	"github.com/luxfi/donations/cache"
	"github.com/luxfi/donations/coprocessor"
	"github.com/luxfi/donations/crypto/fhe"
	"github.com/luxfi/donations/eventlog"
	"github.com/luxfi/donations/ledger"
	"github.com/luxfi/donations/precompile"
	"github.com/luxfi/donations/utils"
)

const (
	DefaultRetryTimeout        = 10 * time.Second
	DefaultKeyTTL              = time.Minute
	DefaultDecryptionCacheSize = 1024

	keysCacheKey = "keys"
)

var errUnexpectedStatus = errors.New("unexpected response status")

// Config configures a Client. Zero values select the defaults.
type Config struct {
	URL string
	// Key signs calls and decryption requests
	Key                 *ecdsa.PrivateKey
	HTTPClient          *http.Client
	RetryTimeout        time.Duration
	KeyTTL              time.Duration
	DecryptionCacheSize int
}

// NodeKeys is the key material published by a node
type NodeKeys struct {
	Network       *ecdsa.PublicKey
	InputVerifier common.Address
	KMS           *bls.PublicKey
	Contract      common.Address
}

// Donation is one donor record as seen through the contract
type Donation struct {
	Amount       fhe.Handle
	Timestamp    fhe.Handle
	DonationHash ids.ID
}

type decryptionKey struct {
	handle fhe.Handle
	user   common.Address
}

// Client is safe for concurrent use. Write calls from one Client are
// serialized so their nonces stay in order.
type Client struct {
	log          log.Logger
	url          string
	http         *http.Client
	key          *ecdsa.PrivateKey
	address      common.Address
	retryTimeout time.Duration

	keys        *cache.TTLCache[string, *NodeKeys]
	decryptions *cache.LRUCache[decryptionKey, *uint256.Int]

	writeLock sync.Mutex
}

func New(logger log.Logger, cfg Config) (*Client, error) {
	if cfg.Key == nil {
		return nil, errors.New("client key not set")
	}
	if cfg.URL == "" {
		return nil, errors.New("node url not set")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.RetryTimeout == 0 {
		cfg.RetryTimeout = DefaultRetryTimeout
	}
	if cfg.KeyTTL == 0 {
		cfg.KeyTTL = DefaultKeyTTL
	}
	if cfg.DecryptionCacheSize == 0 {
		cfg.DecryptionCacheSize = DefaultDecryptionCacheSize
	}
	return &Client{
		log:          logger,
		url:          strings.TrimSuffix(cfg.URL, "/"),
		http:         cfg.HTTPClient,
		key:          cfg.Key,
		address:      common.PubkeyToAddress(cfg.Key.PublicKey),
		retryTimeout: cfg.RetryTimeout,
		keys:         cache.NewTTLCache[string, *NodeKeys](cfg.KeyTTL),
		decryptions:  cache.NewLRUCache[decryptionKey, *uint256.Int](cfg.DecryptionCacheSize),
	}, nil
}

// Address returns the account the client acts for
func (c *Client) Address() common.Address {
	return c.address
}

// Keys returns the node's key material, refreshed once per key TTL
func (c *Client) Keys(ctx context.Context) (*NodeKeys, error) {
	return c.keys.Get(keysCacheKey, func(string) (*NodeKeys, error) {
		var resp api.KeyResponse
		if err := c.do(ctx, "GET", api.KeyPath, nil, &resp); err != nil {
			return nil, err
		}
		network, err := crypto.UnmarshalPubkey(resp.NetworkKey)
		if err != nil {
			return nil, fmt.Errorf("invalid network key: %w", err)
		}
		kms, err := bls.PublicKeyFromCompressedBytes(resp.KMSPublicKey)
		if err != nil {
			return nil, fmt.Errorf("invalid kms key: %w", err)
		}
		return &NodeKeys{
			Network:       network,
			InputVerifier: resp.InputVerifier,
			KMS:           kms,
			Contract:      resp.Contract,
		}, nil
	}, false)
}

// NewInput starts an encrypted input for this client's account in the
// node's contract.
func (c *Client) NewInput(ctx context.Context) (*InputBuilder, error) {
	keys, err := c.Keys(ctx)
	if err != nil {
		return nil, err
	}
	return c.NewInputFor(keys.Contract, c.address), nil
}

// NewInputFor starts an encrypted input bound to contract and user
func (c *Client) NewInputFor(contract, user common.Address) *InputBuilder {
	return &InputBuilder{
		client:   c,
		contract: contract,
		user:     user,
	}
}

// Donate encrypts amount and donates it
func (c *Client) Donate(ctx context.Context, amount uint32) (ids.ID, error) {
	builder, err := c.NewInput(ctx)
	if err != nil {
		return ids.Empty, err
	}
	input, err := builder.Add32(amount).Encrypt(ctx)
	if err != nil {
		return ids.Empty, err
	}
	return c.DonateInput(ctx, input.Handles[0], input.Proof)
}

// DonateInput donates a previously encrypted amount
func (c *Client) DonateInput(ctx context.Context, handle fhe.Handle, proof []byte) (ids.ID, error) {
	out, err := c.write(ctx, "donate", [32]byte(handle), proof)
	if err != nil {
		return ids.Empty, err
	}
	return ids.ID(out[0].([32]byte)), nil
}

// Total returns the encrypted total. Only the owner may read it.
func (c *Client) Total(ctx context.Context) (fhe.Handle, error) {
	out, err := c.read(ctx, "getTotalDonations")
	if err != nil {
		return fhe.Handle{}, err
	}
	return fhe.Handle(out[0].([32]byte)), nil
}

// Count returns the encrypted donation count
func (c *Client) Count(ctx context.Context) (fhe.Handle, error) {
	out, err := c.read(ctx, "getDonationCount")
	if err != nil {
		return fhe.Handle{}, err
	}
	return fhe.Handle(out[0].([32]byte)), nil
}

func (c *Client) DonorDonationCount(ctx context.Context, donor common.Address) (uint64, error) {
	out, err := c.read(ctx, "getDonorDonationCount", donor)
	if err != nil {
		return 0, err
	}
	return out[0].(*big.Int).Uint64(), nil
}

func (c *Client) Donation(ctx context.Context, donor common.Address, index uint64) (*Donation, error) {
	out, err := c.read(ctx, "getDonation", donor, new(big.Int).SetUint64(index))
	if err != nil {
		return nil, err
	}
	return &Donation{
		Amount:       fhe.Handle(out[0].([32]byte)),
		Timestamp:    fhe.Handle(out[1].([32]byte)),
		DonationHash: ids.ID(out[2].([32]byte)),
	}, nil
}

func (c *Client) Owner(ctx context.Context) (common.Address, error) {
	out, err := c.read(ctx, "owner")
	if err != nil {
		return common.Address{}, err
	}
	return out[0].(common.Address), nil
}

// ProveThreshold reports whether donor's donation at index is at least
// threshold. The threshold is encrypted for this client's account.
func (c *Client) ProveThreshold(ctx context.Context, donor common.Address, index uint64, threshold uint32) (bool, error) {
	builder, err := c.NewInput(ctx)
	if err != nil {
		return false, err
	}
	input, err := builder.Add32(threshold).Encrypt(ctx)
	if err != nil {
		return false, err
	}
	out, err := c.write(ctx, "proveDonationThreshold", donor, new(big.Int).SetUint64(index), [32]byte(input.Handles[0]), input.Proof)
	if err != nil {
		return false, err
	}
	return out[0].(bool), nil
}

// BatchVerify checks the first donation of each donor against the
// threshold at the same position. All thresholds share one proof.
func (c *Client) BatchVerify(ctx context.Context, donors []common.Address, thresholds []uint32) ([]bool, error) {
	handles := [][32]byte{}
	proofs := [][]byte{}
	if len(thresholds) != 0 {
		builder, err := c.NewInput(ctx)
		if err != nil {
			return nil, err
		}
		for _, t := range thresholds {
			builder.Add32(t)
		}
		input, err := builder.Encrypt(ctx)
		if err != nil {
			return nil, err
		}
		for _, h := range input.Handles {
			handles = append(handles, [32]byte(h))
		}
		// one proof per donor, so the arity check sees the caller's lengths
		for range donors {
			proofs = append(proofs, input.Proof)
		}
	}
	out, err := c.write(ctx, "batchVerifyDonations", donors, handles, proofs)
	if err != nil {
		return nil, err
	}
	return out[0].([]bool), nil
}

// Reset clears the ledger. Only the owner may reset.
func (c *Client) Reset(ctx context.Context) error {
	_, err := c.write(ctx, "resetDonations")
	return err
}

// Decrypt returns the plaintext behind handle if this client's account has
// been granted it. Plaintexts are cached and checked against the KMS key.
func (c *Client) Decrypt(ctx context.Context, handle fhe.Handle) (*uint256.Int, error) {
	key := decryptionKey{handle: handle, user: c.address}
	value, err := c.decryptions.Get(key, func(k decryptionKey) (*uint256.Int, error) {
		return c.decrypt(ctx, k.handle)
	}, false)
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).Set(value), nil
}

func (c *Client) decrypt(ctx context.Context, handle fhe.Handle) (*uint256.Int, error) {
	keys, err := c.Keys(ctx)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(coprocessor.DecryptDigest(handle, c.address), c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign decryption request: %w", err)
	}

	var resp api.DecryptResponse
	err = c.do(ctx, "POST", api.DecryptPath, &coprocessor.DecryptRequest{
		Handle:    handle,
		User:      c.address,
		Signature: sig,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Value == nil || resp.Handle != handle {
		return nil, fmt.Errorf("%w: response for %s", donations.ErrInvalidAttestation, resp.Handle)
	}
	attestation, err := bls.SignatureFromBytes(resp.Attestation)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", donations.ErrInvalidAttestation, err)
	}
	if !bls.Verify(keys.KMS, attestation, fhe.AttestationDigest(handle, resp.Value)) {
		return nil, fmt.Errorf("%w: %s", donations.ErrInvalidAttestation, handle)
	}
	return resp.Value, nil
}

// Events returns the events recorded for donor
func (c *Client) Events(ctx context.Context, donor common.Address) ([]ledger.Event, error) {
	var resp api.LogsResponse
	if err := c.do(ctx, "GET", api.LogsPath+"?donor="+donor.Hex(), nil, &resp); err != nil {
		return nil, err
	}
	events := make([]ledger.Event, 0, len(resp.Logs))
	for _, entry := range resp.Logs {
		event, err := eventlog.Decode(entry)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

func (c *Client) read(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	return c.call(ctx, 0, true, method, args...)
}

// write fetches the account's nonce and sends a signed write call. Retries
// resend the same signed call, which the node answers from its receipt.
func (c *Client) write(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	var nonce api.NonceResponse
	if err := c.do(ctx, "GET", api.NoncePath+c.address.Hex(), nil, &nonce); err != nil {
		return nil, err
	}
	return c.call(ctx, nonce.Nonce, false, method, args...)
}

func (c *Client) call(ctx context.Context, nonce uint64, readOnly bool, method string, args ...interface{}) ([]interface{}, error) {
	keys, err := c.Keys(ctx)
	if err != nil {
		return nil, err
	}
	data, err := precompile.ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}
	req, err := api.SignCall(c.key, keys.Contract, nonce, readOnly, data)
	if err != nil {
		return nil, err
	}

	var resp api.CallResponse
	if err := c.do(ctx, "POST", api.CallPath, req, &resp); err != nil {
		return nil, err
	}
	out, err := precompile.ABI.Unpack(method, resp.Result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	return out, nil
}

// do sends one request, retrying transport failures and unavailable
// responses. Errors reported by the node are returned as *donations.Error
// without retrying.
func (c *Client) do(ctx context.Context, httpMethod, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, httpMethod, c.url+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusOK {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
			}
			return nil
		}

		var errResp api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil && errResp.Error != nil {
			return backoff.Permanent(errResp.Error)
		}
		err = fmt.Errorf("%w: %s %s: %d", errUnexpectedStatus, httpMethod, path, resp.StatusCode)
		if resp.StatusCode >= http.StatusInternalServerError {
			return err
		}
		return backoff.Permanent(err)
	}
	return utils.WithRetriesTimeout(c.log, operation, c.retryTimeout)
}
