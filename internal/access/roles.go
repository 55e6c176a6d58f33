// Package access keeps the role table consulted at the top of every
// privileged operation.
package access

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"prize-vault/internal/vaulterr"
)

// Role names a privilege.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleGuardian Role = "guardian"
	RoleAgent    Role = "agent"
	RoleOracle   Role = "oracle"
)

// Roles is a concurrency-safe role table. Admins implicitly hold every role.
type Roles struct {
	mu      sync.RWMutex
	holders map[Role]map[common.Address]struct{}
}

// NewRoles seeds the table with an initial admin.
func NewRoles(admin common.Address) *Roles {
	r := &Roles{holders: make(map[Role]map[common.Address]struct{})}
	if admin != (common.Address{}) {
		r.grant(RoleAdmin, admin)
	}
	return r
}

// Grant adds role to addr. Only admins may grant.
func (r *Roles) Grant(caller common.Address, role Role, addr common.Address) error {
	if err := r.Require(caller, RoleAdmin); err != nil {
		return err
	}
	if addr == (common.Address{}) {
		return vaulterr.Validation("access.Grant", vaulterr.ErrNullAddress)
	}
	r.mu.Lock()
	r.grant(role, addr)
	r.mu.Unlock()
	return nil
}

// Revoke removes role from addr. Only admins may revoke.
func (r *Roles) Revoke(caller common.Address, role Role, addr common.Address) error {
	if err := r.Require(caller, RoleAdmin); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.holders[role], addr)
	r.mu.Unlock()
	return nil
}

func (r *Roles) grant(role Role, addr common.Address) {
	set, ok := r.holders[role]
	if !ok {
		set = make(map[common.Address]struct{})
		r.holders[role] = set
	}
	set[addr] = struct{}{}
}

// Has reports whether addr holds role directly or through admin.
func (r *Roles) Has(addr common.Address, role Role) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.holders[RoleAdmin][addr]; ok {
		return true
	}
	_, ok := r.holders[role][addr]
	return ok
}

// Require returns an authorization error unless addr holds role.
func (r *Roles) Require(addr common.Address, role Role) error {
	if r.Has(addr, role) {
		return nil
	}
	return vaulterr.Authorization("access.Require",
		fmt.Errorf("%w: %s lacks role %s", vaulterr.ErrUnauthorized, addr.Hex(), role))
}
