package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"prize-vault/internal/amount"
	"prize-vault/internal/emergency"
	"prize-vault/internal/vaulterr"
)

var (
	ErrDepositsDisabled    = errors.New("deposits disabled")
	ErrWithdrawalsDisabled = errors.New("withdrawals disabled")
	ErrZeroShares          = errors.New("amount converts to zero shares")
	ErrInsolvent           = errors.New("pool has shares outstanding but no assets")
)

type rounding int

const (
	floor rounding = iota
	ceil
)

func mulDiv(x, y, d *uint256.Int, r rounding) (*uint256.Int, error) {
	if r == ceil {
		return amount.MulDivUp(x, y, d)
	}
	return amount.MulDiv(x, y, d)
}

// toShares converts assets with shares = assets * totalShares / totalAssets.
// An empty pool converts 1:1.
func (p *Pool) toShares(assets, totalAssets *uint256.Int, r rounding) (*uint256.Int, error) {
	if p.totalShares.IsZero() {
		return assets.Clone(), nil
	}
	if totalAssets.IsZero() {
		return nil, ErrInsolvent
	}
	return mulDiv(assets, p.totalShares, totalAssets, r)
}

// toAssets converts shares with assets = shares * totalAssets / totalShares.
func (p *Pool) toAssets(shares, totalAssets *uint256.Int, r rounding) (*uint256.Int, error) {
	if p.totalShares.IsZero() {
		return shares.Clone(), nil
	}
	return mulDiv(shares, totalAssets, p.totalShares, r)
}

func (p *Pool) preview(ctx context.Context, op string, v *uint256.Int, fn func(v, totalAssets *uint256.Int) (*uint256.Int, error)) (*uint256.Int, error) {
	ctx, release, err := p.enter(ctx, op)
	if err != nil {
		return nil, err
	}
	defer release()
	out, err := fn(amount.OrZero(v), p.totalAssetsLocked(ctx))
	if err != nil {
		return nil, vaulterr.State(op, err)
	}
	return out, nil
}

// ConvertToShares rounds down.
func (p *Pool) ConvertToShares(ctx context.Context, assets *uint256.Int) (*uint256.Int, error) {
	return p.preview(ctx, "vault.ConvertToShares", assets, func(v, ta *uint256.Int) (*uint256.Int, error) { return p.toShares(v, ta, floor) })
}

// ConvertToAssets rounds down.
func (p *Pool) ConvertToAssets(ctx context.Context, shares *uint256.Int) (*uint256.Int, error) {
	return p.preview(ctx, "vault.ConvertToAssets", shares, func(v, ta *uint256.Int) (*uint256.Int, error) { return p.toAssets(v, ta, floor) })
}

// PreviewDeposit returns the shares a deposit would mint, rounded down.
func (p *Pool) PreviewDeposit(ctx context.Context, assets *uint256.Int) (*uint256.Int, error) {
	return p.ConvertToShares(ctx, assets)
}

// PreviewMint returns the assets needed to mint shares, rounded up.
func (p *Pool) PreviewMint(ctx context.Context, shares *uint256.Int) (*uint256.Int, error) {
	return p.preview(ctx, "vault.PreviewMint", shares, func(v, ta *uint256.Int) (*uint256.Int, error) { return p.toAssets(v, ta, ceil) })
}

// PreviewWithdraw returns the shares burned to withdraw assets, rounded up.
func (p *Pool) PreviewWithdraw(ctx context.Context, assets *uint256.Int) (*uint256.Int, error) {
	return p.preview(ctx, "vault.PreviewWithdraw", assets, func(v, ta *uint256.Int) (*uint256.Int, error) { return p.toShares(v, ta, ceil) })
}

// PreviewRedeem returns the assets paid for shares, rounded down.
func (p *Pool) PreviewRedeem(ctx context.Context, shares *uint256.Int) (*uint256.Int, error) {
	return p.ConvertToAssets(ctx, shares)
}

// MaxWithdraw is owner's redeemable assets bounded by liquid cash.
func (p *Pool) MaxWithdraw(ctx context.Context, owner common.Address) (*uint256.Int, error) {
	ctx, release, err := p.enter(ctx, "vault.MaxWithdraw")
	if err != nil {
		return nil, err
	}
	defer release()
	assets, err := p.toAssets(p.sharesLocked(owner), p.totalAssetsLocked(ctx), floor)
	if err != nil {
		return nil, vaulterr.State("vault.MaxWithdraw", err)
	}
	return amount.Min(assets, p.cashLocked()), nil
}

func (p *Pool) checkDeposit(op string, receiver common.Address, v *uint256.Int) error {
	if v == nil || v.IsZero() {
		return vaulterr.Validation(op, vaulterr.ErrZeroAmount)
	}
	if receiver == (common.Address{}) {
		return vaulterr.Validation(op, vaulterr.ErrNullAddress)
	}
	if !p.depositsEnabled {
		return vaulterr.State(op, ErrDepositsDisabled)
	}
	return p.deps.Gate.Check(p.opts.Name, emergency.CapDeposits, op)
}

// Deposit pulls assets from caller and mints shares to receiver, rounding
// shares down.
func (p *Pool) Deposit(ctx context.Context, caller common.Address, assets *uint256.Int, receiver common.Address) (*uint256.Int, error) {
	const op = "vault.Deposit"
	ctx, release, err := p.enterMutating(ctx, op)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := p.checkDeposit(op, receiver, assets); err != nil {
		return nil, err
	}
	shares, err := p.toShares(assets, p.totalAssetsLocked(ctx), floor)
	if err != nil {
		return nil, vaulterr.State(op, err)
	}
	if shares.IsZero() {
		return nil, vaulterr.Validation(op, ErrZeroShares)
	}
	if err := p.settleDepositLocked(op, caller, receiver, assets, shares); err != nil {
		return nil, err
	}
	return shares, nil
}

// Mint mints exactly shares to receiver, pulling the assets rounded up.
func (p *Pool) Mint(ctx context.Context, caller common.Address, shares *uint256.Int, receiver common.Address) (*uint256.Int, error) {
	const op = "vault.Mint"
	ctx, release, err := p.enterMutating(ctx, op)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := p.checkDeposit(op, receiver, shares); err != nil {
		return nil, err
	}
	assets, err := p.toAssets(shares, p.totalAssetsLocked(ctx), ceil)
	if err != nil {
		return nil, vaulterr.State(op, err)
	}
	if assets.IsZero() {
		return nil, vaulterr.Validation(op, vaulterr.ErrZeroAmount)
	}
	if err := p.settleDepositLocked(op, caller, receiver, assets, shares); err != nil {
		return nil, err
	}
	return assets, nil
}

func (p *Pool) settleDepositLocked(op string, caller, receiver common.Address, assets, shares *uint256.Int) error {
	if err := p.deps.Token.TransferFrom(p.opts.Address, caller, p.opts.Address, assets); err != nil {
		return fmt.Errorf("%s: pull assets: %w", op, err)
	}
	p.shares[receiver] = new(uint256.Int).Add(p.sharesLocked(receiver), shares)
	p.totalShares = new(uint256.Int).Add(p.totalShares, shares)

	p.logger.Info().
		Str("caller", caller.Hex()).
		Str("receiver", receiver.Hex()).
		Str("assets", assets.Dec()).
		Str("shares", shares.Dec()).
		Msg("deposit")

	p.notify("deposit", func() error { return p.deps.Lottery.OnDeposit(receiver, assets) })
	return nil
}

func (p *Pool) checkWithdraw(op string, receiver common.Address, v *uint256.Int) error {
	if v == nil || v.IsZero() {
		return vaulterr.Validation(op, vaulterr.ErrZeroAmount)
	}
	if receiver == (common.Address{}) {
		return vaulterr.Validation(op, vaulterr.ErrNullAddress)
	}
	if !p.withdrawalsEnabled {
		return vaulterr.State(op, ErrWithdrawalsDisabled)
	}
	return p.deps.Gate.Check(p.opts.Name, emergency.CapWithdrawals, op)
}

// Withdraw burns the shares needed for assets, rounded up, and pays receiver
// from liquid cash. It never recalls capital from strategies.
func (p *Pool) Withdraw(ctx context.Context, caller common.Address, assets *uint256.Int, receiver, owner common.Address) (*uint256.Int, error) {
	const op = "vault.Withdraw"
	ctx, release, err := p.enterMutating(ctx, op)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := p.checkWithdraw(op, receiver, assets); err != nil {
		return nil, err
	}
	shares, err := p.toShares(assets, p.totalAssetsLocked(ctx), ceil)
	if err != nil {
		return nil, vaulterr.State(op, err)
	}
	if err := p.settleWithdrawLocked(op, caller, receiver, owner, assets, shares); err != nil {
		return nil, err
	}
	return shares, nil
}

// Redeem burns shares and pays the assets, rounded down.
func (p *Pool) Redeem(ctx context.Context, caller common.Address, shares *uint256.Int, receiver, owner common.Address) (*uint256.Int, error) {
	const op = "vault.Redeem"
	ctx, release, err := p.enterMutating(ctx, op)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := p.checkWithdraw(op, receiver, shares); err != nil {
		return nil, err
	}
	assets, err := p.toAssets(shares, p.totalAssetsLocked(ctx), floor)
	if err != nil {
		return nil, vaulterr.State(op, err)
	}
	if assets.IsZero() {
		return nil, vaulterr.Validation(op, vaulterr.ErrZeroAmount)
	}
	if err := p.settleWithdrawLocked(op, caller, receiver, owner, assets, shares); err != nil {
		return nil, err
	}
	return assets, nil
}

func (p *Pool) settleWithdrawLocked(op string, caller, receiver, owner common.Address, assets, shares *uint256.Int) error {
	held := p.sharesLocked(owner)
	if held.Lt(shares) {
		return vaulterr.Validation(op, fmt.Errorf("%w: owner has %s shares, needs %s", vaulterr.ErrInsufficientFunds, held.Dec(), shares.Dec()))
	}
	if caller != owner {
		allowed := p.allowanceLocked(owner, caller)
		if allowed.Lt(shares) {
			return vaulterr.Authorization(op, fmt.Errorf("%w: %s may spend %s shares of %s, needs %s", vaulterr.ErrAllowance, caller.Hex(), allowed.Dec(), owner.Hex(), shares.Dec()))
		}
	}
	if cash := p.cashLocked(); cash.Lt(assets) {
		return vaulterr.Liquidity(op, fmt.Errorf("%w: cash %s, requested %s", vaulterr.ErrInsufficientCash, cash.Dec(), assets.Dec()))
	}
	if err := p.deps.Token.Transfer(p.opts.Address, receiver, assets); err != nil {
		return fmt.Errorf("%s: pay receiver: %w", op, err)
	}

	if caller != owner {
		p.allowances[owner][caller] = new(uint256.Int).Sub(p.allowanceLocked(owner, caller), shares)
	}
	p.shares[owner] = new(uint256.Int).Sub(held, shares)
	p.totalShares = new(uint256.Int).Sub(p.totalShares, shares)

	p.logger.Info().
		Str("caller", caller.Hex()).
		Str("owner", owner.Hex()).
		Str("receiver", receiver.Hex()).
		Str("assets", assets.Dec()).
		Str("shares", shares.Dec()).
		Msg("withdraw")

	p.notify("withdraw", func() error { return p.deps.Lottery.OnWithdraw(owner, shares, held) })
	return nil
}

// ApproveShares lets spender withdraw up to shares on owner's behalf.
func (p *Pool) ApproveShares(owner, spender common.Address, shares *uint256.Int) error {
	if owner == (common.Address{}) || spender == (common.Address{}) {
		return vaulterr.Validation("vault.ApproveShares", vaulterr.ErrNullAddress)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.allowances[owner] == nil {
		p.allowances[owner] = make(map[common.Address]*uint256.Int)
	}
	p.allowances[owner][spender] = amount.OrZero(shares).Clone()
	return nil
}

// ShareAllowance returns what spender may still spend of owner's shares.
func (p *Pool) ShareAllowance(owner, spender common.Address) *uint256.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allowanceLocked(owner, spender).Clone()
}

func (p *Pool) allowanceLocked(owner, spender common.Address) *uint256.Int {
	if m, ok := p.allowances[owner]; ok {
		if a, ok := m[spender]; ok {
			return a
		}
	}
	return amount.Zero()
}
