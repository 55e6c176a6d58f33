package strategy

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"prize-vault/internal/amount"
	"prize-vault/internal/ledger"
	"prize-vault/internal/vaulterr"
)

// LendingMarket is a supply-side money market whose balance grows with interest.
type LendingMarket interface {
	Supply(ctx context.Context, from common.Address, amount *uint256.Int) error
	Withdraw(ctx context.Context, to common.Address, amount *uint256.Int) (*uint256.Int, error)
	BalanceOf(ctx context.Context, account common.Address) (*uint256.Int, error)
}

// Lending deploys into a LendingMarket. Yield is the balance above principal.
type Lending struct {
	base
	market LendingMarket
}

// NewLending constructs a lending adapter.
func NewLending(cfg Config, token ledger.Token, market LendingMarket, logger zerolog.Logger) *Lending {
	return &Lending{base: newBase(cfg, KindLending, token, logger), market: market}
}

func (a *Lending) Execute(ctx context.Context, amt *uint256.Int, _ []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkExecute(amt); err != nil {
		return err
	}
	if err := a.pull(amt); err != nil {
		return err
	}
	if err := a.market.Supply(ctx, a.cfg.Address, amt); err != nil {
		// undo the pull so the pool's cash is unchanged
		if _, sweepErr := a.sweep(); sweepErr != nil {
			a.logger.Error().Err(sweepErr).Msg("failed to return pulled funds after supply failure")
		}
		return vaulterr.External(a.op("Execute"), err)
	}
	a.addPrincipal(amt)
	return nil
}

func (a *Lending) Harvest(ctx context.Context, _ []byte) (*uint256.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	bal, err := a.market.BalanceOf(ctx, a.cfg.Address)
	if err != nil {
		return nil, vaulterr.External(a.op("Harvest"), err)
	}
	yield := amount.SubFloor(bal, a.principal)
	if !a.harvestable(yield) {
		return amount.Zero(), nil
	}
	if _, err := a.market.Withdraw(ctx, a.cfg.Address, yield); err != nil {
		return nil, vaulterr.External(a.op("Harvest"), err)
	}
	moved, err := a.sweep()
	if err != nil {
		return nil, vaulterr.External(a.op("Harvest"), err)
	}
	return moved, nil
}

func (a *Lending) EmergencyExit(ctx context.Context, _ []byte) (ExitReport, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	report := ExitReport{Adapter: a.cfg.Name, Recovered: amount.Zero()}
	step(&report, "withdraw_all", func() error {
		bal, err := a.market.BalanceOf(ctx, a.cfg.Address)
		if err != nil || bal.IsZero() {
			return err
		}
		_, err = a.market.Withdraw(ctx, a.cfg.Address, bal)
		return err
	})
	step(&report, "sweep", func() error {
		moved, err := a.sweep()
		if err != nil {
			return err
		}
		report.Recovered = moved
		a.subPrincipal(moved)
		return nil
	})
	return report, nil
}

func (a *Lending) Balance(ctx context.Context) (*uint256.Int, error) {
	bal, err := a.market.BalanceOf(ctx, a.cfg.Address)
	if err != nil {
		return nil, vaulterr.External(a.op("Balance"), err)
	}
	return a.managed(bal), nil
}

var _ Adapter = (*Lending)(nil)
