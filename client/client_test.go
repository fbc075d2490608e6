// Copyright (C) 2019-2025, Lux Partners Limited. All rights reserved.
// See the file LICENSE for licensing terms.

package client

import (
	"context"
	"crypto/ecdsa"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/luxfi/crypto"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/donations"
	"github.com/luxfi/donations/acl"
	"github.com/luxfi/donations/api"
	"github.com/luxfi/donations/coprocessor"
	"github.com/luxfi/donations/crypto/fhe"
	"github.com/luxfi/donations/eventlog"
	"github.com/luxfi/donations/ledger"
	"github.com/luxfi/donations/precompile"
	"github.com/luxfi/donations/verifier"
)

type testNode struct {
	url      string
	memory   *coprocessor.Memory
	owner    *ecdsa.PrivateKey
	requests *atomic.Int32
}

func newTestNode(t *testing.T, mode ledger.AggregateMode) *testNode {
	owner, err := crypto.GenerateKey()
	require.NoError(t, err)

	contract := precompile.DonationsContract
	a := acl.New(contract)
	m, err := coprocessor.NewMemory(log.NewNoOpLogger(), a, coprocessor.Keys{})
	require.NoError(t, err)
	events := eventlog.New(log.NewNoOpLogger(), contract)
	l := ledger.New(
		log.NewNoOpLogger(),
		ledger.Config{
			Owner:         common.PubkeyToAddress(owner.PublicKey),
			Contract:      contract,
			AggregateMode: mode,
		},
		m, m, a, events, nil,
	)
	v := verifier.New(log.NewNoOpLogger(), l, m, m, a, m.KMSPublicKey(), nil)
	server := api.NewServer(
		log.NewNoOpLogger(),
		precompile.New(log.NewNoOpLogger(), l, v),
		m,
		events,
		nil,
		api.DefaultCallGasLimit,
		api.DefaultReceiptCacheSize,
	)

	requests := new(atomic.Int32)
	handler := server.Handler()
	httpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(httpServer.Close)

	return &testNode{
		url:      httpServer.URL,
		memory:   m,
		owner:    owner,
		requests: requests,
	}
}

func (n *testNode) client(t *testing.T, key *ecdsa.PrivateKey) *Client {
	if key == nil {
		var err error
		key, err = crypto.GenerateKey()
		require.NoError(t, err)
	}
	c, err := New(log.NewNoOpLogger(), Config{
		URL:          n.url,
		Key:          key,
		RetryTimeout: time.Second,
	})
	require.NoError(t, err)
	return c
}

func TestDonationFlow(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	node := newTestNode(t, ledger.AggregateCumulative)
	owner := node.client(t, node.owner)
	alice := node.client(t, nil)
	bob := node.client(t, nil)

	ownerAddr, err := alice.Owner(ctx)
	require.NoError(err)
	require.Equal(owner.Address(), ownerAddr)

	hashA, err := alice.Donate(ctx, 10)
	require.NoError(err)
	_, err = bob.Donate(ctx, 5)
	require.NoError(err)

	count, err := alice.DonorDonationCount(ctx, alice.Address())
	require.NoError(err)
	require.Equal(uint64(1), count)

	donation, err := alice.Donation(ctx, alice.Address(), 0)
	require.NoError(err)
	require.Equal(hashA, donation.DonationHash)
	require.Equal(fhe.TypeUint64, donation.Amount.Type())

	amount, err := alice.Decrypt(ctx, donation.Amount)
	require.NoError(err)
	require.Equal(uint64(10), amount.Uint64())

	_, err = bob.Decrypt(ctx, donation.Amount)
	require.ErrorIs(err, donations.ErrAccessDenied)

	_, err = alice.Total(ctx)
	require.ErrorIs(err, donations.ErrUnauthorized)

	total, err := owner.Total(ctx)
	require.NoError(err)
	value, err := owner.Decrypt(ctx, total)
	require.NoError(err)
	require.Equal(uint64(15), value.Uint64())

	countHandle, err := owner.Count(ctx)
	require.NoError(err)
	value, err = owner.Decrypt(ctx, countHandle)
	require.NoError(err)
	require.Equal(uint64(2), value.Uint64())

	events, err := alice.Events(ctx, alice.Address())
	require.NoError(err)
	require.Len(events, 1)
	require.Equal(hashA, events[0].(ledger.DonationMade).DonationHash)
}

func TestThresholds(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	node := newTestNode(t, ledger.AggregateLatest)
	donor := node.client(t, nil)
	checker := node.client(t, nil)

	_, err := donor.Donate(ctx, 100)
	require.NoError(err)

	ok, err := checker.ProveThreshold(ctx, donor.Address(), 0, 100)
	require.NoError(err)
	require.True(ok)

	ok, err = checker.ProveThreshold(ctx, donor.Address(), 0, 101)
	require.NoError(err)
	require.False(ok)

	_, err = checker.ProveThreshold(ctx, donor.Address(), 1, 1)
	require.ErrorIs(err, donations.ErrIndexOutOfRange)

	results, err := checker.BatchVerify(ctx,
		[]common.Address{donor.Address(), checker.Address(), donor.Address()},
		[]uint32{50, 1, 200},
	)
	require.NoError(err)
	require.Equal([]bool{true, false, false}, results)

	_, err = checker.BatchVerify(ctx, []common.Address{donor.Address()}, []uint32{1, 2})
	require.ErrorIs(err, donations.ErrArityMismatch)
}

func TestReset(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	node := newTestNode(t, ledger.AggregateLatest)
	owner := node.client(t, node.owner)
	donor := node.client(t, nil)

	require.ErrorIs(donor.Reset(ctx), donations.ErrUnauthorized)

	_, err := owner.Donate(ctx, 1)
	require.NoError(err)
	require.NoError(owner.Reset(ctx))
	_, err = owner.Donate(ctx, 2)
	require.NoError(err)

	count, err := owner.DonorDonationCount(ctx, owner.Address())
	require.NoError(err)
	require.Equal(uint64(1), count)
}

func TestDecryptIsCached(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	node := newTestNode(t, ledger.AggregateLatest)
	donor := node.client(t, nil)

	_, err := donor.Donate(ctx, 7)
	require.NoError(err)
	donation, err := donor.Donation(ctx, donor.Address(), 0)
	require.NoError(err)

	_, err = donor.Decrypt(ctx, donation.Amount)
	require.NoError(err)
	before := node.requests.Load()
	value, err := donor.Decrypt(ctx, donation.Amount)
	require.NoError(err)
	require.Equal(uint64(7), value.Uint64())
	require.Equal(before, node.requests.Load())
}

func TestInputBuilder(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	node := newTestNode(t, ledger.AggregateLatest)
	c := node.client(t, nil)

	builder, err := c.NewInput(ctx)
	require.NoError(err)
	_, err = builder.Encrypt(ctx)
	require.ErrorIs(err, errEmptyInput)

	input, err := builder.Add32(1).Add64(1 << 40).Encrypt(ctx)
	require.NoError(err)
	require.Len(input.Handles, 2)
	require.Equal(fhe.TypeUint32, input.Handles[0].Type())
	require.Equal(fhe.TypeUint64, input.Handles[1].Type())

	v, ok := node.memory.Plaintext(input.Handles[1])
	require.True(ok)
	require.Equal(uint64(1<<40), v.Uint64())

	// a proof made for another user is rejected
	other := node.client(t, nil)
	foreign, err := other.NewInputFor(precompile.DonationsContract, other.Address()).Add32(3).Encrypt(ctx)
	require.NoError(err)
	_, err = c.DonateInput(ctx, foreign.Handles[0], foreign.Proof)
	require.ErrorIs(err, donations.ErrInvalidProof)
}

func TestRetriesUnavailableNode(t *testing.T) {
	require := require.New(t)

	node := newTestNode(t, ledger.AggregateLatest)
	var failures atomic.Int32
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failures.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		proxy, err := http.NewRequestWithContext(r.Context(), r.Method, node.url+r.URL.RequestURI(), r.Body)
		require.NoError(err)
		resp, err := http.DefaultClient.Do(proxy)
		require.NoError(err)
		defer resp.Body.Close()
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(readAll(t, resp))
	}))
	t.Cleanup(flaky.Close)

	key, err := crypto.GenerateKey()
	require.NoError(err)
	c, err := New(log.NewNoOpLogger(), Config{URL: flaky.URL, Key: key, RetryTimeout: 5 * time.Second})
	require.NoError(err)

	owner, err := c.Owner(context.Background())
	require.NoError(err)
	require.Equal(common.PubkeyToAddress(node.owner.PublicKey), owner)
	require.Greater(failures.Load(), int32(2))
}

func TestNewValidatesConfig(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	_, err = New(log.NewNoOpLogger(), Config{URL: "http://localhost"})
	require.Error(t, err)
	_, err = New(log.NewNoOpLogger(), Config{Key: key})
	require.Error(t, err)
}

func readAll(t *testing.T, resp *http.Response) []byte {
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return body
}
