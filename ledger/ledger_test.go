// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package ledger

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/luxfi/geth/common"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/donations"
	"github.com/luxfi/donations/acl"
	"github.com/luxfi/donations/coprocessor"
	"github.com/luxfi/donations/crypto/fhe"
)

var errInjected = errors.New("injected coprocessor failure")

// failingCoprocessor fails every call after the first budget calls
type failingCoprocessor struct {
	*coprocessor.Memory
	budget int
	calls  int
}

func (f *failingCoprocessor) tick() error {
	f.calls++
	if f.calls > f.budget {
		return errInjected
	}
	return nil
}

func (f *failingCoprocessor) EncryptConstant(ctx context.Context, value uint64, t fhe.Type) (fhe.Handle, error) {
	if err := f.tick(); err != nil {
		return fhe.Handle{}, err
	}
	return f.Memory.EncryptConstant(ctx, value, t)
}

func (f *failingCoprocessor) Widen(ctx context.Context, v fhe.Euint32) (fhe.Euint64, error) {
	if err := f.tick(); err != nil {
		return fhe.Euint64{}, err
	}
	return f.Memory.Widen(ctx, v)
}

func (f *failingCoprocessor) Add(ctx context.Context, a, b fhe.Handle) (fhe.Handle, error) {
	if err := f.tick(); err != nil {
		return fhe.Handle{}, err
	}
	return f.Memory.Add(ctx, a, b)
}

type recordingSink struct {
	events []Event
}

func (r *recordingSink) Emit(events ...Event) {
	r.events = append(r.events, events...)
}

type testEnv struct {
	ledger      *Ledger
	memory      *coprocessor.Memory
	acl         *acl.ACL
	sink        *recordingSink
	owner       common.Address
	contract    common.Address
	now         time.Time
	coprocessor fhe.Coprocessor
}

func generateTestAddress() common.Address {
	var addr common.Address
	rand.Read(addr[:])
	return addr
}

func newTestEnv(t *testing.T, mode AggregateMode) *testEnv {
	return newTestEnvWith(t, mode, nil)
}

// newTestEnvWith builds a ledger over wrap(memory) when wrap is non-nil
func newTestEnvWith(t *testing.T, mode AggregateMode, wrap func(*coprocessor.Memory) fhe.Coprocessor) *testEnv {
	env := &testEnv{
		owner:    generateTestAddress(),
		contract: generateTestAddress(),
		sink:     &recordingSink{},
		now:      time.Unix(1_700_000_000, 0),
	}
	env.acl = acl.New(env.contract)

	m, err := coprocessor.NewMemory(log.NewNoOpLogger(), env.acl, coprocessor.Keys{})
	require.NoError(t, err)
	env.memory = m
	env.coprocessor = m
	if wrap != nil {
		env.coprocessor = wrap(m)
	}

	env.ledger = New(
		log.NewNoOpLogger(),
		Config{
			Owner:         env.owner,
			Contract:      env.contract,
			AggregateMode: mode,
			Clock:         func() time.Time { return env.now },
		},
		env.coprocessor,
		m,
		env.acl,
		env.sink,
		nil,
	)
	return env
}

// input seals amount for donor and returns the external handle and proof
func (e *testEnv) input(t *testing.T, donor common.Address, amount uint64) (fhe.Handle, []byte) {
	ct, err := coprocessor.Seal(e.memory.NetworkKey(), fhe.TypeUint32, amount)
	require.NoError(t, err)
	resp, err := e.memory.VerifyInput(context.Background(), &coprocessor.InputRequest{
		Contract:    e.contract,
		User:        donor,
		Ciphertexts: [][]byte{ct},
	})
	require.NoError(t, err)
	return resp.Handles[0], resp.Proof
}

func (e *testEnv) donate(t *testing.T, donor common.Address, amount uint64) ids.ID {
	handle, proof := e.input(t, donor, amount)
	donationHash, err := e.ledger.Donate(context.Background(), donor, handle, proof)
	require.NoError(t, err)
	return donationHash
}

// decrypt reads handle as principal, going through the ACL
func (e *testEnv) decrypt(t *testing.T, handle fhe.Handle, principal common.Address) uint64 {
	d, err := e.memory.Decrypt(context.Background(), handle, principal)
	require.NoError(t, err)
	return d.Value.Uint64()
}

func TestDonateAppendsOneRecord(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t, AggregateCumulative)
	donor := generateTestAddress()

	require.Zero(env.ledger.DonorDonationCount(donor))
	require.False(env.ledger.Initialized())

	for i := 1; i <= 3; i++ {
		env.donate(t, donor, uint64(i*10))
		require.Equal(i, env.ledger.DonorDonationCount(donor))
	}
	require.True(env.ledger.Initialized())
	require.Equal(StateInitialized, env.ledger.Status())

	// records are index-stable and carry the donor's grants
	for i := 0; i < 3; i++ {
		record, err := env.ledger.Donation(donor, uint64(i))
		require.NoError(err)
		require.Equal(uint64((i+1)*10), env.decrypt(t, record.Amount.Handle(), donor))
		require.Equal(uint64(env.now.Unix()), env.decrypt(t, record.Timestamp.Handle(), donor))
		require.Equal(uint64((i+1)*10), env.decrypt(t, record.Amount.Handle(), env.contract))
	}

	_, err := env.ledger.Donation(donor, 3)
	require.ErrorIs(err, donations.ErrIndexOutOfRange)
	_, err = env.ledger.Donation(generateTestAddress(), 0)
	require.ErrorIs(err, donations.ErrIndexOutOfRange)

	first, ok := env.ledger.FirstDonation(donor)
	require.True(ok)
	require.Equal(uint64(10), env.decrypt(t, first.Amount.Handle(), donor))
	_, ok = env.ledger.FirstDonation(generateTestAddress())
	require.False(ok)
}

func TestDonationHashIsDeterministic(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t, AggregateLatest)
	donor := generateTestAddress()
	handle, proof := env.input(t, donor, 42)

	first, err := env.ledger.Donate(context.Background(), donor, handle, proof)
	require.NoError(err)
	second, err := env.ledger.Donate(context.Background(), donor, handle, proof)
	require.NoError(err)

	require.Equal(first, second)
	require.Equal(DonationHash(donor, uint64(env.now.Unix()), handle, proof), first)

	env.now = env.now.Add(time.Second)
	third, err := env.ledger.Donate(context.Background(), donor, handle, proof)
	require.NoError(err)
	require.NotEqual(first, third)
	require.Equal(3, env.ledger.DonorDonationCount(donor))
}

func TestAggregateModes(t *testing.T) {
	tests := []struct {
		mode          AggregateMode
		expectedTotal uint64
		expectedCount uint64
	}{
		{
			mode:          AggregateCumulative,
			expectedTotal: 15,
			expectedCount: 2,
		},
		{
			mode:          AggregateLatest,
			expectedTotal: 5,
			expectedCount: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			require := require.New(t)

			env := newTestEnv(t, tt.mode)
			env.donate(t, generateTestAddress(), 10)
			env.donate(t, generateTestAddress(), 5)

			total, err := env.ledger.Total(env.owner)
			require.NoError(err)
			require.Equal(tt.expectedTotal, env.decrypt(t, total.Handle(), env.owner))
			require.Equal(tt.expectedCount, env.decrypt(t, env.ledger.Count().Handle(), env.owner))
			require.Equal(tt.mode, env.ledger.Mode())
		})
	}
}

func TestConcurrentDonations(t *testing.T) {
	const (
		donors   = 8
		perDonor = 4
		amount   = 3
		expected = donors * perDonor
	)
	require := require.New(t)

	env := newTestEnv(t, AggregateCumulative)

	type input struct {
		donor  common.Address
		handle fhe.Handle
		proof  []byte
	}
	var inputs []input
	addrs := make([]common.Address, donors)
	for i := range addrs {
		addrs[i] = generateTestAddress()
		for range perDonor {
			handle, proof := env.input(t, addrs[i], amount)
			inputs = append(inputs, input{donor: addrs[i], handle: handle, proof: proof})
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(inputs))
	for _, in := range inputs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.ledger.Donate(context.Background(), in.donor, in.handle, in.proof)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(err)
	}

	total, err := env.ledger.Total(env.owner)
	require.NoError(err)
	require.Equal(uint64(expected*amount), env.decrypt(t, total.Handle(), env.owner))
	require.Equal(uint64(expected), env.decrypt(t, env.ledger.Count().Handle(), env.owner))
	for _, donor := range addrs {
		require.Equal(perDonor, env.ledger.DonorDonationCount(donor))
	}
	require.Len(env.sink.events, 2*expected)
}

func TestLazyInitializationHappensOnce(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t, AggregateCumulative)
	require.True(env.ledger.Count().IsZero())

	env.donate(t, generateTestAddress(), 1)
	first := env.memory.Len()
	env.donate(t, generateTestAddress(), 1)

	// the second donation allocates an input, a widened amount, a
	// timestamp, a constant one and two sums, but no fresh zeros
	require.Equal(first+6, env.memory.Len())
	require.Equal(uint64(2), env.decrypt(t, env.ledger.Count().Handle(), env.owner))
}

func TestTotalIsOwnerOnly(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t, AggregateCumulative)
	donor := generateTestAddress()
	env.donate(t, donor, 7)

	_, err := env.ledger.Total(donor)
	require.ErrorIs(err, donations.ErrUnauthorized)

	total, err := env.ledger.Total(env.owner)
	require.NoError(err)
	require.False(total.IsZero())

	// the donor may not decrypt the aggregate
	_, err = env.memory.Decrypt(context.Background(), total.Handle(), donor)
	require.ErrorIs(err, donations.ErrAccessDenied)
}

func TestDonateRejectsBadProofs(t *testing.T) {
	env := newTestEnv(t, AggregateCumulative)
	donor := generateTestAddress()
	handle, proof := env.input(t, donor, 10)

	tests := []struct {
		name        string
		donor       common.Address
		handle      fhe.Handle
		proof       []byte
		expectedErr error
	}{
		{
			name:        "empty proof",
			donor:       donor,
			handle:      handle,
			expectedErr: donations.ErrEmptyProof,
		},
		{
			name:        "proof for another donor",
			donor:       generateTestAddress(),
			handle:      handle,
			proof:       proof,
			expectedErr: donations.ErrInvalidProof,
		},
		{
			name:        "garbage proof",
			donor:       donor,
			handle:      handle,
			proof:       []byte{0xff},
			expectedErr: donations.ErrInvalidProof,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require := require.New(t)

			grants := env.acl.Len()
			_, err := env.ledger.Donate(context.Background(), tt.donor, tt.handle, tt.proof)
			require.ErrorIs(err, tt.expectedErr)

			require.Zero(env.ledger.DonorDonationCount(tt.donor))
			require.False(env.ledger.Initialized())
			require.Equal(grants, env.acl.Len())
			require.Empty(env.sink.events)
		})
	}
}

func TestDonateRollsBackOnCoprocessorFailure(t *testing.T) {
	// an initialized donate makes five coprocessor calls; fail each in turn
	for budget := 0; budget < 5; budget++ {
		require := require.New(t)

		var failing *failingCoprocessor
		env := newTestEnvWith(t, AggregateCumulative, func(m *coprocessor.Memory) fhe.Coprocessor {
			failing = &failingCoprocessor{Memory: m, budget: 1 << 30}
			return failing
		})
		donor := generateTestAddress()
		env.donate(t, donor, 10)

		totalBefore, err := env.ledger.Total(env.owner)
		require.NoError(err)
		countBefore := env.ledger.Count()
		grantsBefore := env.acl.Len()
		eventsBefore := len(env.sink.events)

		handle, proof := env.input(t, donor, 5)
		failing.calls = 0
		failing.budget = budget
		_, err = env.ledger.Donate(context.Background(), donor, handle, proof)
		require.ErrorIs(err, errInjected)

		totalAfter, err := env.ledger.Total(env.owner)
		require.NoError(err)
		require.Equal(totalBefore, totalAfter)
		require.Equal(countBefore, env.ledger.Count())
		require.Equal(1, env.ledger.DonorDonationCount(donor))
		require.Equal(grantsBefore, env.acl.Len())
		require.Len(env.sink.events, eventsBefore)
		require.Equal(uint64(10), env.decrypt(t, totalAfter.Handle(), env.owner))
	}
}

func TestDonateRollsBackFirstInitialization(t *testing.T) {
	require := require.New(t)

	var failing *failingCoprocessor
	env := newTestEnvWith(t, AggregateLatest, func(m *coprocessor.Memory) fhe.Coprocessor {
		failing = &failingCoprocessor{Memory: m, budget: 1}
		return failing
	})
	donor := generateTestAddress()
	handle, proof := env.input(t, donor, 5)

	_, err := env.ledger.Donate(context.Background(), donor, handle, proof)
	require.ErrorIs(err, errInjected)
	require.False(env.ledger.Initialized())
	require.Zero(env.acl.Len())
	require.Empty(env.sink.events)
}

func TestDonateGrants(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t, AggregateCumulative)
	donor := generateTestAddress()
	stranger := generateTestAddress()
	env.donate(t, donor, 3)

	record, err := env.ledger.Donation(donor, 0)
	require.NoError(err)
	total, err := env.ledger.Total(env.owner)
	require.NoError(err)
	count := env.ledger.Count()

	tests := []struct {
		handle    fhe.Handle
		principal common.Address
		allowed   bool
	}{
		{record.Amount.Handle(), donor, true},
		{record.Amount.Handle(), env.contract, true},
		{record.Amount.Handle(), env.owner, false},
		{record.Amount.Handle(), stranger, false},
		{record.Timestamp.Handle(), donor, true},
		{record.Timestamp.Handle(), env.contract, true},
		{record.Timestamp.Handle(), stranger, false},
		{total.Handle(), env.owner, true},
		{total.Handle(), env.contract, true},
		{total.Handle(), donor, false},
		{total.Handle(), stranger, false},
		{count.Handle(), env.owner, true},
		{count.Handle(), env.contract, true},
		{count.Handle(), donor, false},
	}
	for _, tt := range tests {
		_, err := env.memory.Decrypt(context.Background(), tt.handle, tt.principal)
		if tt.allowed {
			require.NoError(err)
			continue
		}
		require.ErrorIs(err, donations.ErrAccessDenied)
	}
}

func TestDonateEvents(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t, AggregateLatest)
	donor := generateTestAddress()
	handle, proof := env.input(t, donor, 9)

	donationHash, err := env.ledger.Donate(context.Background(), donor, handle, proof)
	require.NoError(err)

	total, err := env.ledger.Total(env.owner)
	require.NoError(err)

	require.Equal([]Event{
		DonationMade{
			Donor:            donor,
			DonationHash:     donationHash,
			AmountCommitment: AmountCommitment(handle, proof),
		},
		TotalDonationsUpdated{
			TotalCommitment: TotalCommitment(total),
		},
	}, env.sink.events)
}

func TestResetThenDonate(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	env := newTestEnv(t, AggregateCumulative)
	other := generateTestAddress()
	env.donate(t, env.owner, 10)
	env.donate(t, env.owner, 20)
	env.donate(t, other, 30)

	require.ErrorIs(env.ledger.Reset(ctx, other), donations.ErrUnauthorized)
	require.Equal(2, env.ledger.DonorDonationCount(env.owner))

	require.NoError(env.ledger.Reset(ctx, env.owner))
	require.False(env.ledger.Initialized())
	require.Zero(env.ledger.DonorDonationCount(env.owner))
	require.Equal(1, env.ledger.DonorDonationCount(other))

	total, err := env.ledger.Total(env.owner)
	require.NoError(err)
	require.Zero(env.decrypt(t, total.Handle(), env.owner))
	require.Zero(env.decrypt(t, env.ledger.Count().Handle(), env.owner))

	env.donate(t, env.owner, 4)
	require.Equal(1, env.ledger.DonorDonationCount(env.owner))
	record, err := env.ledger.Donation(env.owner, 0)
	require.NoError(err)
	require.Equal(uint64(4), env.decrypt(t, record.Amount.Handle(), env.owner))

	total, err = env.ledger.Total(env.owner)
	require.NoError(err)
	require.Equal(uint64(4), env.decrypt(t, total.Handle(), env.owner))
	require.Equal(uint64(1), env.decrypt(t, env.ledger.Count().Handle(), env.owner))
}

func TestParseAggregateMode(t *testing.T) {
	tests := []struct {
		input       string
		expected    AggregateMode
		expectedErr error
	}{
		{"latest", AggregateLatest, nil},
		{"", AggregateLatest, nil},
		{"cumulative", AggregateCumulative, nil},
		{"sum", 0, errUnknownAggregateMode},
	}

	for _, tt := range tests {
		mode, err := ParseAggregateMode(tt.input)
		require.ErrorIs(t, err, tt.expectedErr)
		require.Equal(t, tt.expected, mode)
	}
}
