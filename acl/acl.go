// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

// Package acl tracks which principals may request decryption of which
// ciphertext handle. Grants are monotonic: there is no revocation.
package acl

import (
	"sync"

	"github.com/luxfi/geth/common"
	"github.com/luxfi/math/set"

	"github.com/luxfi/donations/crypto/fhe"
)

// Status tags an audit entry. Only StatusActive exists today; a revocation
// would be recorded as a new entry with another status, never a deletion.
type Status uint8

const (
	StatusActive Status = iota
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	default:
		return "unknown"
	}
}

// Entry is one line of the append-only grant journal
type Entry struct {
	Handle    fhe.Handle
	Principal common.Address
	Status    Status
}

// Checker answers decryption authorization queries
type Checker interface {
	CanDecrypt(handle fhe.Handle, principal common.Address) bool
}

var _ Checker = (*ACL)(nil)

// ACL is the monotonic (handle, principal) grant relation
type ACL struct {
	self    common.Address
	grants  map[fhe.Handle]set.Set[common.Address]
	journal []Entry
	mu      sync.RWMutex
}

// New creates an ACL whose GrantSelf grants to self, the contract identity
func New(self common.Address) *ACL {
	return &ACL{
		self:   self,
		grants: make(map[fhe.Handle]set.Set[common.Address]),
	}
}

// Self returns the contract identity
func (a *ACL) Self() common.Address {
	return a.self
}

// Grant authorizes principal to decrypt handle. Idempotent.
func (a *ACL) Grant(handle fhe.Handle, principal common.Address) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.grantLocked(handle, principal)
}

// GrantSelf authorizes the contract itself on handle, which is required
// before handle is reused in a later operation or returned from a view.
func (a *ACL) GrantSelf(handle fhe.Handle) {
	a.Grant(handle, a.self)
}

func (a *ACL) grantLocked(handle fhe.Handle, principal common.Address) {
	principals := a.grants[handle]
	if principals.Contains(principal) {
		return
	}
	if principals == nil {
		principals = set.NewSet[common.Address](1)
	}
	principals.Add(principal)
	a.grants[handle] = principals
	a.journal = append(a.journal, Entry{
		Handle:    handle,
		Principal: principal,
		Status:    StatusActive,
	})
}

// CanDecrypt is a pure lookup of the exact (handle, principal) pair
func (a *ACL) CanDecrypt(handle fhe.Handle, principal common.Address) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return a.grants[handle].Contains(principal)
}

// Principals returns every principal granted on handle
func (a *ACL) Principals(handle fhe.Handle) []common.Address {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return a.grants[handle].List()
}

// Len returns the number of distinct grants
func (a *ACL) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return len(a.journal)
}

// Journal returns a copy of the grant journal in grant order
func (a *ACL) Journal() []Entry {
	a.mu.RLock()
	defer a.mu.RUnlock()

	entries := make([]Entry, len(a.journal))
	copy(entries, a.journal)
	return entries
}

// Begin starts a batch of grants that become visible only on Commit
func (a *ACL) Begin() *Batch {
	return &Batch{acl: a}
}

type pendingGrant struct {
	handle    fhe.Handle
	principal common.Address
}

// Batch stages grants for a single operation so that an aborted operation
// leaves no stray grants behind.
type Batch struct {
	acl     *ACL
	pending []pendingGrant
	done    bool
}

// Grant stages a grant of handle to principal
func (b *Batch) Grant(handle fhe.Handle, principal common.Address) {
	b.pending = append(b.pending, pendingGrant{handle: handle, principal: principal})
}

// GrantSelf stages a grant of handle to the contract identity
func (b *Batch) GrantSelf(handle fhe.Handle) {
	b.Grant(handle, b.acl.self)
}

// Len returns the number of staged grants
func (b *Batch) Len() int {
	return len(b.pending)
}

// Commit applies every staged grant atomically. Committing twice is a no-op.
func (b *Batch) Commit() {
	if b.done {
		return
	}
	b.done = true

	b.acl.mu.Lock()
	defer b.acl.mu.Unlock()

	for _, g := range b.pending {
		b.acl.grantLocked(g.handle, g.principal)
	}
	b.pending = nil
}

// Discard drops every staged grant
func (b *Batch) Discard() {
	b.done = true
	b.pending = nil
}
