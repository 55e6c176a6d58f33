// Package ledger tracks balances and approvals of the single fungible deposit
// asset. Every transfer is checked; nothing fails silently.
package ledger

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"prize-vault/internal/vaulterr"
)

// Token is the fungible-token surface the rest of the protocol depends on.
type Token interface {
	Asset() common.Address
	BalanceOf(owner common.Address) *uint256.Int
	Allowance(owner, spender common.Address) *uint256.Int
	Approve(owner, spender common.Address, amount *uint256.Int) error
	Transfer(from, to common.Address, amount *uint256.Int) error
	TransferFrom(spender, from, to common.Address, amount *uint256.Int) error
}

type allowanceKey struct {
	owner   common.Address
	spender common.Address
}

// Ledger is an in-memory Token implementation.
type Ledger struct {
	mu         sync.RWMutex
	asset      common.Address
	symbol     string
	decimals   int32
	balances   map[common.Address]*uint256.Int
	allowances map[allowanceKey]*uint256.Int
	supply     *uint256.Int
}

// New constructs an empty ledger for asset.
func New(asset common.Address, symbol string, decimals int32) *Ledger {
	return &Ledger{
		asset:      asset,
		symbol:     symbol,
		decimals:   decimals,
		balances:   make(map[common.Address]*uint256.Int),
		allowances: make(map[allowanceKey]*uint256.Int),
		supply:     new(uint256.Int),
	}
}

func (l *Ledger) Asset() common.Address { return l.asset }
func (l *Ledger) Symbol() string        { return l.symbol }
func (l *Ledger) Decimals() int32       { return l.decimals }

// BalanceOf returns a copy of owner's balance.
func (l *Ledger) BalanceOf(owner common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balanceLocked(owner).Clone()
}

// Allowance returns a copy of the amount spender may move from owner.
func (l *Ledger) Allowance(owner, spender common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if a, ok := l.allowances[allowanceKey{owner, spender}]; ok {
		return a.Clone()
	}
	return new(uint256.Int)
}

// TotalSupply returns the outstanding supply.
func (l *Ledger) TotalSupply() *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.supply.Clone()
}

// Credit mints amount to owner. Used for genesis funding and simulations.
func (l *Ledger) Credit(owner common.Address, amount *uint256.Int) error {
	const op = "ledger.Credit"
	if owner == (common.Address{}) {
		return vaulterr.Validation(op, vaulterr.ErrNullAddress)
	}
	if amount == nil || amount.IsZero() {
		return vaulterr.Validation(op, vaulterr.ErrZeroAmount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	supply, overflow := new(uint256.Int).AddOverflow(l.supply, amount)
	if overflow {
		return vaulterr.Validation(op, vaulterr.ErrOverflow)
	}
	l.supply = supply
	l.balances[owner] = new(uint256.Int).Add(l.balanceLocked(owner), amount)
	return nil
}

// Burn destroys amount held by owner.
func (l *Ledger) Burn(owner common.Address, amount *uint256.Int) error {
	const op = "ledger.Burn"
	if amount == nil || amount.IsZero() {
		return vaulterr.Validation(op, vaulterr.ErrZeroAmount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	bal := l.balanceLocked(owner)
	if bal.Lt(amount) {
		return vaulterr.Liquidity(op, fmt.Errorf("%w: have %s, need %s", vaulterr.ErrInsufficientFunds, bal.Dec(), amount.Dec()))
	}
	l.balances[owner] = new(uint256.Int).Sub(bal, amount)
	l.supply = new(uint256.Int).Sub(l.supply, amount)
	return nil
}

// Approve sets the allowance spender may move from owner.
func (l *Ledger) Approve(owner, spender common.Address, amount *uint256.Int) error {
	if owner == (common.Address{}) || spender == (common.Address{}) {
		return vaulterr.Validation("ledger.Approve", vaulterr.ErrNullAddress)
	}
	if amount == nil {
		amount = new(uint256.Int)
	}
	l.mu.Lock()
	l.allowances[allowanceKey{owner, spender}] = amount.Clone()
	l.mu.Unlock()
	return nil
}

// Transfer moves amount from one account to another.
func (l *Ledger) Transfer(from, to common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transferLocked("ledger.Transfer", from, to, amount)
}

// TransferFrom moves amount on behalf of from, consuming spender's allowance.
func (l *Ledger) TransferFrom(spender, from, to common.Address, amount *uint256.Int) error {
	const op = "ledger.TransferFrom"
	l.mu.Lock()
	defer l.mu.Unlock()

	if spender != from {
		key := allowanceKey{from, spender}
		allowed, ok := l.allowances[key]
		if !ok || allowed.Lt(amountOrZero(amount)) {
			return vaulterr.Authorization(op, vaulterr.ErrAllowance)
		}
		if err := l.transferLocked(op, from, to, amount); err != nil {
			return err
		}
		l.allowances[key] = new(uint256.Int).Sub(allowed, amount)
		return nil
	}
	return l.transferLocked(op, from, to, amount)
}

func (l *Ledger) transferLocked(op string, from, to common.Address, amount *uint256.Int) error {
	if to == (common.Address{}) || from == (common.Address{}) {
		return vaulterr.Validation(op, vaulterr.ErrNullAddress)
	}
	if amount == nil || amount.IsZero() {
		return vaulterr.Validation(op, vaulterr.ErrZeroAmount)
	}
	bal := l.balanceLocked(from)
	if bal.Lt(amount) {
		return vaulterr.Liquidity(op, fmt.Errorf("%w: %s has %s, need %s", vaulterr.ErrInsufficientFunds, from.Hex(), bal.Dec(), amount.Dec()))
	}
	l.balances[from] = new(uint256.Int).Sub(bal, amount)
	l.balances[to] = new(uint256.Int).Add(l.balanceLocked(to), amount)
	return nil
}

func (l *Ledger) balanceLocked(owner common.Address) *uint256.Int {
	if b, ok := l.balances[owner]; ok {
		return b
	}
	return new(uint256.Int)
}

func amountOrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}

var _ Token = (*Ledger)(nil)
