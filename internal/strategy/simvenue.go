package strategy

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"prize-vault/internal/amount"
	"prize-vault/internal/ledger"
)

type simPosition struct {
	deposited *uint256.Int
	accrued   *uint256.Int
}

// SimVenue is an in-memory yield source used by the simulator and tests. It
// satisfies LendingMarket, LiquidityPool, StakingPool and PrizeSavings so any
// adapter variant can run against it.
type SimVenue struct {
	mu        sync.Mutex
	name      string
	address   common.Address
	ledger    *ledger.Ledger
	positions map[common.Address]*simPosition
	failing   error
}

// NewSimVenue creates a venue holding funds at address on l.
func NewSimVenue(name string, address common.Address, l *ledger.Ledger) *SimVenue {
	return &SimVenue{
		name:      name,
		address:   address,
		ledger:    l,
		positions: make(map[common.Address]*simPosition),
	}
}

func (v *SimVenue) Name() string            { return v.name }
func (v *SimVenue) Address() common.Address { return v.address }

// SetFailing makes every subsequent call return err (nil restores).
func (v *SimVenue) SetFailing(err error) {
	v.mu.Lock()
	v.failing = err
	v.mu.Unlock()
}

// Accrue credits yield to account's position, minting the backing funds.
func (v *SimVenue) Accrue(account common.Address, amt *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.ledger.Credit(v.address, amt); err != nil {
		return err
	}
	p := v.positionLocked(account)
	p.accrued = new(uint256.Int).Add(p.accrued, amt)
	return nil
}

// Slash destroys part of account's principal, modelling a venue loss.
func (v *SimVenue) Slash(account common.Address, amt *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	p := v.positionLocked(account)
	loss := amount.Min(p.deposited, amt)
	if loss.IsZero() {
		return nil
	}
	if err := v.ledger.Burn(v.address, loss); err != nil {
		return err
	}
	p.deposited = new(uint256.Int).Sub(p.deposited, loss)
	return nil
}

func (v *SimVenue) positionLocked(account common.Address) *simPosition {
	p, ok := v.positions[account]
	if !ok {
		p = &simPosition{deposited: amount.Zero(), accrued: amount.Zero()}
		v.positions[account] = p
	}
	return p
}

func (v *SimVenue) enter(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if v.failing != nil {
		return fmt.Errorf("%s: %w", v.name, v.failing)
	}
	return nil
}

func (v *SimVenue) deposit(ctx context.Context, from common.Address, amt *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.enter(ctx); err != nil {
		return err
	}
	if err := v.ledger.Transfer(from, v.address, amt); err != nil {
		return err
	}
	p := v.positionLocked(from)
	p.deposited = new(uint256.Int).Add(p.deposited, amt)
	return nil
}

// withdraw pays out of accrued yield first, then principal.
func (v *SimVenue) withdraw(ctx context.Context, to common.Address, amt *uint256.Int, principalOnly bool) (*uint256.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.enter(ctx); err != nil {
		return nil, err
	}
	p := v.positionLocked(to)
	available := p.deposited.Clone()
	if !principalOnly {
		available.Add(available, p.accrued)
	}
	if available.Lt(amt) {
		return nil, fmt.Errorf("%s: withdraw %s exceeds position %s", v.name, amt.Dec(), available.Dec())
	}
	if err := v.ledger.Transfer(v.address, to, amt); err != nil {
		return nil, err
	}
	rest := amt.Clone()
	if !principalOnly {
		fromYield := amount.Min(p.accrued, rest)
		p.accrued = new(uint256.Int).Sub(p.accrued, fromYield)
		rest.Sub(rest, fromYield)
	}
	p.deposited = new(uint256.Int).Sub(p.deposited, rest)
	return amt.Clone(), nil
}

func (v *SimVenue) claim(ctx context.Context, to common.Address) (*uint256.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.enter(ctx); err != nil {
		return nil, err
	}
	p := v.positionLocked(to)
	if p.accrued.IsZero() {
		return amount.Zero(), nil
	}
	claimed := p.accrued.Clone()
	if err := v.ledger.Transfer(v.address, to, claimed); err != nil {
		return nil, err
	}
	p.accrued = amount.Zero()
	return claimed, nil
}

func (v *SimVenue) read(ctx context.Context, account common.Address, f func(*simPosition) *uint256.Int) (*uint256.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.enter(ctx); err != nil {
		return nil, err
	}
	return f(v.positionLocked(account)).Clone(), nil
}

func principal(p *simPosition) *uint256.Int { return p.deposited }
func accrued(p *simPosition) *uint256.Int   { return p.accrued }
func total(p *simPosition) *uint256.Int     { return amount.Sum(p.deposited, p.accrued) }

// lending

func (v *SimVenue) Supply(ctx context.Context, from common.Address, amt *uint256.Int) error {
	return v.deposit(ctx, from, amt)
}

func (v *SimVenue) Withdraw(ctx context.Context, to common.Address, amt *uint256.Int) (*uint256.Int, error) {
	return v.withdraw(ctx, to, amt, false)
}

func (v *SimVenue) BalanceOf(ctx context.Context, account common.Address) (*uint256.Int, error) {
	return v.read(ctx, account, total)
}

// liquidity pool; LP tokens are issued 1:1 with principal

func (v *SimVenue) AddLiquidity(ctx context.Context, from common.Address, amt *uint256.Int) (*uint256.Int, error) {
	if err := v.deposit(ctx, from, amt); err != nil {
		return nil, err
	}
	return amt.Clone(), nil
}

func (v *SimVenue) RemoveLiquidity(ctx context.Context, to common.Address, lp *uint256.Int) (*uint256.Int, error) {
	return v.withdraw(ctx, to, lp, true)
}

func (v *SimVenue) CollectFees(ctx context.Context, to common.Address) (*uint256.Int, error) {
	return v.claim(ctx, to)
}

func (v *SimVenue) PendingFees(ctx context.Context, account common.Address) (*uint256.Int, error) {
	return v.read(ctx, account, accrued)
}

func (v *SimVenue) PositionValue(ctx context.Context, account common.Address) (*uint256.Int, error) {
	return v.read(ctx, account, principal)
}

// staking

func (v *SimVenue) Stake(ctx context.Context, from common.Address, amt *uint256.Int) error {
	return v.deposit(ctx, from, amt)
}

func (v *SimVenue) Unstake(ctx context.Context, to common.Address, amt *uint256.Int) (*uint256.Int, error) {
	return v.withdraw(ctx, to, amt, true)
}

func (v *SimVenue) ClaimRewards(ctx context.Context, to common.Address) (*uint256.Int, error) {
	return v.claim(ctx, to)
}

func (v *SimVenue) PendingRewards(ctx context.Context, account common.Address) (*uint256.Int, error) {
	return v.read(ctx, account, accrued)
}

func (v *SimVenue) Staked(ctx context.Context, account common.Address) (*uint256.Int, error) {
	return v.read(ctx, account, principal)
}

// prize savings

func (v *SimVenue) Deposit(ctx context.Context, from common.Address, amt *uint256.Int) error {
	return v.deposit(ctx, from, amt)
}

func (v *SimVenue) ClaimPrizes(ctx context.Context, to common.Address) (*uint256.Int, error) {
	return v.claim(ctx, to)
}

func (v *SimVenue) PendingPrizes(ctx context.Context, account common.Address) (*uint256.Int, error) {
	return v.read(ctx, account, accrued)
}

func (v *SimVenue) Deposited(ctx context.Context, account common.Address) (*uint256.Int, error) {
	return v.read(ctx, account, principal)
}

var (
	_ LendingMarket = (*SimVenue)(nil)
	_ LiquidityPool = (*SimVenue)(nil)
	_ StakingPool   = (*SimVenue)(nil)
	_ PrizeSavings  = (*SimVenue)(nil)
)

// NewSimAdapter builds an adapter of kind against an in-memory venue.
func NewSimAdapter(kind Kind, cfg Config, token ledger.Token, venue *SimVenue, logger zerolog.Logger) (Adapter, error) {
	switch kind {
	case KindLending:
		return NewLending(cfg, token, venue, logger), nil
	case KindDEX:
		return NewDEX(cfg, token, venue, logger), nil
	case KindStaking:
		return NewStaking(cfg, token, venue, logger), nil
	case KindLottery:
		return NewLottery(cfg, token, venue, logger), nil
	}
	return nil, fmt.Errorf("unknown strategy kind %q", kind)
}
