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

// PrizeSavings is an external no-loss prize pool. Deposits stay redeemable
// and any prizes won accrue to the depositor.
type PrizeSavings interface {
	Deposit(ctx context.Context, from common.Address, amount *uint256.Int) error
	Withdraw(ctx context.Context, to common.Address, amount *uint256.Int) (*uint256.Int, error)
	ClaimPrizes(ctx context.Context, to common.Address) (*uint256.Int, error)
	PendingPrizes(ctx context.Context, account common.Address) (*uint256.Int, error)
	Deposited(ctx context.Context, account common.Address) (*uint256.Int, error)
}

// Lottery treats a prize-savings pool as a yield strategy; prizes won are the yield.
type Lottery struct {
	base
	savings PrizeSavings
}

// NewLottery constructs a lottery-as-strategy adapter.
func NewLottery(cfg Config, token ledger.Token, savings PrizeSavings, logger zerolog.Logger) *Lottery {
	return &Lottery{base: newBase(cfg, KindLottery, token, logger), savings: savings}
}

func (a *Lottery) Execute(ctx context.Context, amt *uint256.Int, _ []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkExecute(amt); err != nil {
		return err
	}
	if err := a.pull(amt); err != nil {
		return err
	}
	if err := a.savings.Deposit(ctx, a.cfg.Address, amt); err != nil {
		if _, sweepErr := a.sweep(); sweepErr != nil {
			a.logger.Error().Err(sweepErr).Msg("failed to return pulled funds after deposit failure")
		}
		return vaulterr.External(a.op("Execute"), err)
	}
	a.addPrincipal(amt)
	return nil
}

func (a *Lottery) Harvest(ctx context.Context, _ []byte) (*uint256.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	pending, err := a.savings.PendingPrizes(ctx, a.cfg.Address)
	if err != nil {
		return nil, vaulterr.External(a.op("Harvest"), err)
	}
	if !a.harvestable(pending) {
		return amount.Zero(), nil
	}
	if _, err := a.savings.ClaimPrizes(ctx, a.cfg.Address); err != nil {
		return nil, vaulterr.External(a.op("Harvest"), err)
	}
	moved, err := a.sweep()
	if err != nil {
		return nil, vaulterr.External(a.op("Harvest"), err)
	}
	return moved, nil
}

func (a *Lottery) EmergencyExit(ctx context.Context, _ []byte) (ExitReport, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	report := ExitReport{Adapter: a.cfg.Name, Recovered: amount.Zero()}
	step(&report, "claim_prizes", func() error {
		_, err := a.savings.ClaimPrizes(ctx, a.cfg.Address)
		return err
	})
	step(&report, "withdraw_all", func() error {
		dep, err := a.savings.Deposited(ctx, a.cfg.Address)
		if err != nil || dep.IsZero() {
			return err
		}
		_, err = a.savings.Withdraw(ctx, a.cfg.Address, dep)
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

func (a *Lottery) Balance(ctx context.Context) (*uint256.Int, error) {
	dep, err := a.savings.Deposited(ctx, a.cfg.Address)
	if err != nil {
		return nil, vaulterr.External(a.op("Balance"), err)
	}
	return a.managed(dep), nil
}

var _ Adapter = (*Lottery)(nil)
