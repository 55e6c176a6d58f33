// Package vault implements the pool: ERC-4626 style share accounting over a
// single asset, plus deployment of idle cash into strategy adapters.
package vault

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"prize-vault/internal/access"
	"prize-vault/internal/amount"
	"prize-vault/internal/bridge"
	"prize-vault/internal/emergency"
	"prize-vault/internal/ledger"
	"prize-vault/internal/strategy"
	"prize-vault/internal/vaulterr"
)

// Lottery receives weight updates and harvested yield.
type Lottery interface {
	Address() common.Address
	OnDeposit(addr common.Address, amt *uint256.Int) error
	// OnWithdraw reports burned of the held shares redeemed by addr.
	OnWithdraw(addr common.Address, burned, held *uint256.Int) error
	OnYieldHarvested(ctx context.Context, amt *uint256.Int) error
}

// Bridge is the cross-chain surface the pool needs.
type Bridge interface {
	bridge.Bridge
	// Address is the escrow account the pool approves before sending.
	Address() common.Address
	Complete(id string) (bridge.Transfer, error)
	InFlight() *uint256.Int
}

// DeploymentRecorder tracks capital per strategy and chain.
type DeploymentRecorder interface {
	RecordDeployment(key common.Hash, amt *uint256.Int) error
	RecordWithdrawal(key common.Hash, amt *uint256.Int) error
}

// Options configures a Pool.
type Options struct {
	Name    string
	Address common.Address
	// LocalChain is the chain the pool lives on; allocations elsewhere go
	// through the bridge.
	LocalChain  uint64
	CallTimeout time.Duration
	// BalanceConcurrency bounds parallel adapter balance reads.
	BalanceConcurrency int
	Clock              clockwork.Clock
}

// Deps are the collaborators a Pool is wired to. Bridge and Recorder are optional.
type Deps struct {
	Token    ledger.Token
	Roles    *access.Roles
	Gate     emergency.Gate
	Lottery  Lottery
	Bridge   Bridge
	Recorder DeploymentRecorder
}

type adapterEntry struct {
	key     common.Hash
	adapter strategy.Adapter
	chainID uint64
	// deployed is principal sent to the adapter and not yet recalled.
	deployed *uint256.Int
	last     *uint256.Int
	stale    bool
}

// Pool is the vault. Every mutating entry point takes mu for its whole
// duration. Nested calls are rejected instead of deadlocking: either ctx is
// marked by this pool, or the pool is inside an outbound call.
type Pool struct {
	mu   sync.Mutex
	opts Options
	deps Deps

	// mutating is set while a state-changing operation holds mu.
	mutating atomic.Bool
	// callouts counts adapter, bridge and lottery calls made by that operation.
	callouts atomic.Int32

	shares      map[common.Address]*uint256.Int
	allowances  map[common.Address]map[common.Address]*uint256.Int
	totalShares *uint256.Int

	depositsEnabled    bool
	withdrawalsEnabled bool

	adapters      []*adapterEntry
	byKey         map[common.Hash]*adapterEntry
	pendingBridge map[string]common.Hash

	clock  clockwork.Clock
	logger zerolog.Logger
}

// New constructs a Pool with deposits and withdrawals enabled.
func New(opts Options, deps Deps, logger zerolog.Logger) (*Pool, error) {
	if opts.Address == (common.Address{}) {
		return nil, vaulterr.Validation("vault.New", vaulterr.ErrNullAddress)
	}
	if deps.Token == nil || deps.Roles == nil || deps.Gate == nil || deps.Lottery == nil {
		return nil, vaulterr.Validation("vault.New", fmt.Errorf("token, roles, gate and lottery are required"))
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.BalanceConcurrency <= 0 {
		opts.BalanceConcurrency = 8
	}
	if opts.Name == "" {
		opts.Name = "main"
	}
	return &Pool{
		opts:               opts,
		deps:               deps,
		shares:             make(map[common.Address]*uint256.Int),
		allowances:         make(map[common.Address]map[common.Address]*uint256.Int),
		totalShares:        amount.Zero(),
		depositsEnabled:    true,
		withdrawalsEnabled: true,
		byKey:              make(map[common.Hash]*adapterEntry),
		pendingBridge:      make(map[string]common.Hash),
		clock:              opts.Clock,
		logger:             logger.With().Str("component", "vault").Str("pool", opts.Name).Logger(),
	}, nil
}

func (p *Pool) Name() string            { return p.opts.Name }
func (p *Pool) Address() common.Address { return p.opts.Address }
func (p *Pool) Asset() common.Address   { return p.deps.Token.Asset() }

type guardKey struct{}

// enter serialises the call and marks ctx. A ctx already marked by this
// pool means a nested call from inside an operation and is rejected.
func (p *Pool) enter(ctx context.Context, op string) (context.Context, func(), error) {
	if owner, _ := ctx.Value(guardKey{}).(*Pool); owner == p {
		return nil, nil, vaulterr.State(op, vaulterr.ErrReentrant)
	}
	p.mu.Lock()
	return context.WithValue(ctx, guardKey{}, p), p.mu.Unlock, nil
}

// enterMutating is enter for state-changing operations. A call arriving
// while the pool is waiting on an outbound call is treated as nested even
// when it carries a fresh ctx.
func (p *Pool) enterMutating(ctx context.Context, op string) (context.Context, func(), error) {
	if p.callouts.Load() > 0 {
		return nil, nil, vaulterr.State(op, vaulterr.ErrReentrant)
	}
	ctx, release, err := p.enter(ctx, op)
	if err != nil {
		return nil, nil, err
	}
	p.mutating.Store(true)
	return ctx, func() {
		p.mutating.Store(false)
		release()
	}, nil
}

// lockMutating takes mu for admin setters that do not carry a ctx.
func (p *Pool) lockMutating(op string) error {
	if p.callouts.Load() > 0 {
		return vaulterr.State(op, vaulterr.ErrReentrant)
	}
	p.mu.Lock()
	return nil
}

// guarded runs an adapter call with the pool's timeout.
func (p *Pool) guarded(ctx context.Context, fn func(ctx context.Context) error) error {
	defer p.callingOut()()
	return strategy.Guarded(ctx, p.opts.CallTimeout, fn)
}

// callingOut marks an outbound call when a mutating operation is running and
// returns the matching unmark.
func (p *Pool) callingOut() func() {
	if !p.mutating.Load() {
		return func() {}
	}
	p.callouts.Add(1)
	return func() { p.callouts.Add(-1) }
}

// notify runs a best-effort cross-component call. Failures and panics are
// logged and never propagate.
func (p *Pool) notify(what string, fn func() error) {
	defer p.callingOut()()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn()
	}()
	if err != nil {
		p.logger.Error().Err(err).Str("notification", what).Msg("lottery notification failed")
	}
}

func (p *Pool) cashLocked() *uint256.Int {
	return p.deps.Token.BalanceOf(p.opts.Address)
}

func (p *Pool) inFlightLocked() *uint256.Int {
	if p.deps.Bridge == nil {
		return amount.Zero()
	}
	return p.deps.Bridge.InFlight()
}

// refreshBalancesLocked reads every adapter balance concurrently. An adapter
// that fails or times out keeps its last known balance and is marked stale.
func (p *Pool) refreshBalancesLocked(ctx context.Context) *uint256.Int {
	type result struct {
		bal *uint256.Int
		err error
	}
	results := make([]result, len(p.adapters))

	var g errgroup.Group
	g.SetLimit(p.opts.BalanceConcurrency)
	for i, e := range p.adapters {
		g.Go(func() error {
			var bal *uint256.Int
			err := p.guarded(ctx, func(ctx context.Context) error {
				b, err := e.adapter.Balance(ctx)
				bal = b
				return err
			})
			if err == nil && bal == nil {
				err = fmt.Errorf("adapter returned no balance")
			}
			results[i] = result{bal: bal, err: err}
			return nil
		})
	}
	_ = g.Wait()

	total := amount.Zero()
	for i, e := range p.adapters {
		r := results[i]
		if r.err != nil {
			if !e.stale {
				p.logger.Warn().Err(r.err).Str("adapter", e.adapter.Name()).Str("last_known", e.last.Dec()).Msg("adapter balance unavailable, using last known")
			}
			e.stale = true
		} else {
			e.last = r.bal.Clone()
			e.stale = false
		}
		total.Add(total, e.last)
	}
	return total
}

// totalAssetsLocked is cash + deployed (last known on failure) + in flight.
func (p *Pool) totalAssetsLocked(ctx context.Context) *uint256.Int {
	return amount.Sum(p.cashLocked(), p.refreshBalancesLocked(ctx), p.inFlightLocked())
}

// TotalAssets returns the assets under management.
func (p *Pool) TotalAssets(ctx context.Context) (*uint256.Int, error) {
	ctx, release, err := p.enter(ctx, "vault.TotalAssets")
	if err != nil {
		return nil, err
	}
	defer release()
	return p.totalAssetsLocked(ctx), nil
}

// TotalShares returns shares outstanding.
func (p *Pool) TotalShares() *uint256.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalShares.Clone()
}

// SharesOf returns owner's share balance.
func (p *Pool) SharesOf(owner common.Address) *uint256.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sharesLocked(owner).Clone()
}

func (p *Pool) sharesLocked(owner common.Address) *uint256.Int {
	if s, ok := p.shares[owner]; ok {
		return s
	}
	return amount.Zero()
}

// SetDepositsEnabled toggles the pool-level deposit flag. Admin only.
func (p *Pool) SetDepositsEnabled(caller common.Address, enabled bool) error {
	if err := p.deps.Roles.Require(caller, access.RoleAdmin); err != nil {
		return err
	}
	if err := p.lockMutating("vault.SetDepositsEnabled"); err != nil {
		return err
	}
	p.depositsEnabled = enabled
	p.mu.Unlock()
	return nil
}

// SetWithdrawalsEnabled toggles the pool-level withdrawal flag. Admin only.
func (p *Pool) SetWithdrawalsEnabled(caller common.Address, enabled bool) error {
	if err := p.deps.Roles.Require(caller, access.RoleAdmin); err != nil {
		return err
	}
	if err := p.lockMutating("vault.SetWithdrawalsEnabled"); err != nil {
		return err
	}
	p.withdrawalsEnabled = enabled
	p.mu.Unlock()
	return nil
}
