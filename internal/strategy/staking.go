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

// StakingPool pays rewards on staked principal.
type StakingPool interface {
	Stake(ctx context.Context, from common.Address, amount *uint256.Int) error
	Unstake(ctx context.Context, to common.Address, amount *uint256.Int) (*uint256.Int, error)
	ClaimRewards(ctx context.Context, to common.Address) (*uint256.Int, error)
	PendingRewards(ctx context.Context, account common.Address) (*uint256.Int, error)
	Staked(ctx context.Context, account common.Address) (*uint256.Int, error)
}

// Staking stakes pool capital and harvests rewards.
type Staking struct {
	base
	pool StakingPool
}

// NewStaking constructs a staking adapter.
func NewStaking(cfg Config, token ledger.Token, pool StakingPool, logger zerolog.Logger) *Staking {
	return &Staking{base: newBase(cfg, KindStaking, token, logger), pool: pool}
}

func (a *Staking) Execute(ctx context.Context, amt *uint256.Int, _ []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkExecute(amt); err != nil {
		return err
	}
	if err := a.pull(amt); err != nil {
		return err
	}
	if err := a.pool.Stake(ctx, a.cfg.Address, amt); err != nil {
		if _, sweepErr := a.sweep(); sweepErr != nil {
			a.logger.Error().Err(sweepErr).Msg("failed to return pulled funds after stake failure")
		}
		return vaulterr.External(a.op("Execute"), err)
	}
	a.addPrincipal(amt)
	return nil
}

func (a *Staking) Harvest(ctx context.Context, _ []byte) (*uint256.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	pending, err := a.pool.PendingRewards(ctx, a.cfg.Address)
	if err != nil {
		return nil, vaulterr.External(a.op("Harvest"), err)
	}
	if !a.harvestable(pending) {
		return amount.Zero(), nil
	}
	if _, err := a.pool.ClaimRewards(ctx, a.cfg.Address); err != nil {
		return nil, vaulterr.External(a.op("Harvest"), err)
	}
	moved, err := a.sweep()
	if err != nil {
		return nil, vaulterr.External(a.op("Harvest"), err)
	}
	return moved, nil
}

func (a *Staking) EmergencyExit(ctx context.Context, _ []byte) (ExitReport, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	report := ExitReport{Adapter: a.cfg.Name, Recovered: amount.Zero()}
	step(&report, "claim_rewards", func() error {
		_, err := a.pool.ClaimRewards(ctx, a.cfg.Address)
		return err
	})
	step(&report, "unstake_all", func() error {
		staked, err := a.pool.Staked(ctx, a.cfg.Address)
		if err != nil || staked.IsZero() {
			return err
		}
		_, err = a.pool.Unstake(ctx, a.cfg.Address, staked)
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

func (a *Staking) Balance(ctx context.Context) (*uint256.Int, error) {
	staked, err := a.pool.Staked(ctx, a.cfg.Address)
	if err != nil {
		return nil, vaulterr.External(a.op("Balance"), err)
	}
	return a.managed(staked), nil
}

var _ Adapter = (*Staking)(nil)
