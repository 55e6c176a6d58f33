package vault

import (
	"context"

	"github.com/holiman/uint256"

	"prize-vault/internal/amount"
)

// Status is a point-in-time view of the pool.
type Status struct {
	Name               string
	TotalAssets        *uint256.Int
	Cash               *uint256.Int
	Deployed           *uint256.Int
	InFlight           *uint256.Int
	TotalShares        *uint256.Int
	SharePriceWad      *uint256.Int // assets per 1e18 shares
	DepositsEnabled    bool
	WithdrawalsEnabled bool
	Adapters           []AdapterInfo
	PendingBridge      int
}

// Status refreshes adapter balances and returns the pool snapshot.
func (p *Pool) Status(ctx context.Context) (Status, error) {
	ctx, release, err := p.enter(ctx, "vault.Status")
	if err != nil {
		return Status{}, err
	}
	defer release()

	cash := p.cashLocked()
	deployed := p.refreshBalancesLocked(ctx)
	inFlight := p.inFlightLocked()
	total := amount.Sum(cash, deployed, inFlight)

	price := amount.Wad()
	if !p.totalShares.IsZero() {
		price = amount.MustMulDiv(total, amount.Wad(), p.totalShares)
	}

	st := Status{
		Name:               p.opts.Name,
		TotalAssets:        total,
		Cash:               cash,
		Deployed:           deployed,
		InFlight:           inFlight,
		TotalShares:        p.totalShares.Clone(),
		SharePriceWad:      price,
		DepositsEnabled:    p.depositsEnabled,
		WithdrawalsEnabled: p.withdrawalsEnabled,
		PendingBridge:      len(p.pendingBridge),
	}
	for _, e := range p.adapters {
		st.Adapters = append(st.Adapters, AdapterInfo{
			Key:      e.key,
			Name:     e.adapter.Name(),
			Kind:     e.adapter.Kind(),
			ChainID:  e.chainID,
			Deployed: e.deployed.Clone(),
			Balance:  e.last.Clone(),
			Stale:    e.stale,
		})
	}
	return st, nil
}
