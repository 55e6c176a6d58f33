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

// LiquidityPool is a DEX pool paying trading fees to liquidity providers.
type LiquidityPool interface {
	AddLiquidity(ctx context.Context, from common.Address, amount *uint256.Int) (*uint256.Int, error)
	RemoveLiquidity(ctx context.Context, to common.Address, lp *uint256.Int) (*uint256.Int, error)
	CollectFees(ctx context.Context, to common.Address) (*uint256.Int, error)
	PendingFees(ctx context.Context, account common.Address) (*uint256.Int, error)
	PositionValue(ctx context.Context, account common.Address) (*uint256.Int, error)
}

// DEX provides liquidity and harvests accumulated trading fees.
type DEX struct {
	base
	pool     LiquidityPool
	lpTokens *uint256.Int
}

// NewDEX constructs a DEX-liquidity adapter.
func NewDEX(cfg Config, token ledger.Token, pool LiquidityPool, logger zerolog.Logger) *DEX {
	return &DEX{base: newBase(cfg, KindDEX, token, logger), pool: pool, lpTokens: amount.Zero()}
}

func (a *DEX) Execute(ctx context.Context, amt *uint256.Int, _ []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkExecute(amt); err != nil {
		return err
	}
	if err := a.pull(amt); err != nil {
		return err
	}
	lp, err := a.pool.AddLiquidity(ctx, a.cfg.Address, amt)
	if err != nil {
		if _, sweepErr := a.sweep(); sweepErr != nil {
			a.logger.Error().Err(sweepErr).Msg("failed to return pulled funds after add-liquidity failure")
		}
		return vaulterr.External(a.op("Execute"), err)
	}
	a.lpTokens = new(uint256.Int).Add(a.lpTokens, lp)
	a.addPrincipal(amt)
	return nil
}

func (a *DEX) Harvest(ctx context.Context, _ []byte) (*uint256.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	pending, err := a.pool.PendingFees(ctx, a.cfg.Address)
	if err != nil {
		return nil, vaulterr.External(a.op("Harvest"), err)
	}
	if !a.harvestable(pending) {
		return amount.Zero(), nil
	}
	if _, err := a.pool.CollectFees(ctx, a.cfg.Address); err != nil {
		return nil, vaulterr.External(a.op("Harvest"), err)
	}
	moved, err := a.sweep()
	if err != nil {
		return nil, vaulterr.External(a.op("Harvest"), err)
	}
	return moved, nil
}

func (a *DEX) EmergencyExit(ctx context.Context, _ []byte) (ExitReport, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	report := ExitReport{Adapter: a.cfg.Name, Recovered: amount.Zero()}
	step(&report, "collect_fees", func() error {
		_, err := a.pool.CollectFees(ctx, a.cfg.Address)
		return err
	})
	step(&report, "remove_liquidity", func() error {
		if a.lpTokens.IsZero() {
			return nil
		}
		// a slashed position is worth less than the LP tokens minted for it
		value, err := a.pool.PositionValue(ctx, a.cfg.Address)
		if err != nil {
			return err
		}
		if _, err := a.pool.RemoveLiquidity(ctx, a.cfg.Address, amount.Min(a.lpTokens, value)); err != nil {
			return err
		}
		a.lpTokens = amount.Zero()
		return nil
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

func (a *DEX) Balance(ctx context.Context) (*uint256.Int, error) {
	value, err := a.pool.PositionValue(ctx, a.cfg.Address)
	if err != nil {
		return nil, vaulterr.External(a.op("Balance"), err)
	}
	return a.managed(value), nil
}

var _ Adapter = (*DEX)(nil)
