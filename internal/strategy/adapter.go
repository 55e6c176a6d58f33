// Package strategy contains the adapters that deploy pool capital into
// external yield sources. Every adapter exposes the same capability set so the
// pool and allocator stay protocol-agnostic.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"prize-vault/internal/amount"
	"prize-vault/internal/ledger"
	"prize-vault/internal/vaulterr"
)

// Kind names the adapter variant.
type Kind string

const (
	KindLending Kind = "lending"
	KindDEX     Kind = "dex"
	KindStaking Kind = "staking"
	KindLottery Kind = "lottery"
)

// ParseKind validates a kind string.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindLending, KindDEX, KindStaking, KindLottery:
		return k, nil
	}
	return "", fmt.Errorf("unknown strategy kind %q", s)
}

var (
	ErrPaused          = errors.New("adapter paused")
	ErrDeploymentCap   = errors.New("amount exceeds max single deployment")
	ErrAdapterTimeout  = errors.New("adapter call timed out")
	ErrAdapterReverted = errors.New("adapter call reverted")
)

// Adapter is the fixed capability set every protocol integration implements.
type Adapter interface {
	Name() string
	Kind() Kind
	Address() common.Address
	// Execute pulls amount from the pool and deploys it.
	Execute(ctx context.Context, amount *uint256.Int, data []byte) error
	// Harvest returns yield to the pool and reports how much moved. Yield
	// below the minimum harvest threshold is left accumulating.
	Harvest(ctx context.Context, data []byte) (*uint256.Int, error)
	// EmergencyExit attempts to return all managed capital. Sub-steps are
	// isolated; the report lists each outcome.
	EmergencyExit(ctx context.Context, data []byte) (ExitReport, error)
	// Balance is the principal value currently managed for the pool.
	Balance(ctx context.Context) (*uint256.Int, error)
}

// StepResult is the outcome of one emergency-exit sub-step.
type StepResult struct {
	Step string
	Err  error
}

// ExitReport summarises an emergency exit.
type ExitReport struct {
	Adapter   string
	Recovered *uint256.Int
	Steps     []StepResult
}

// Failed counts failed sub-steps.
func (r ExitReport) Failed() int {
	n := 0
	for _, s := range r.Steps {
		if s.Err != nil {
			n++
		}
	}
	return n
}

// Config holds the knobs shared by every adapter.
type Config struct {
	Name          string
	Address       common.Address
	Pool          common.Address
	MaxDeployment *uint256.Int
	MinHarvest    *uint256.Int
}

// base carries pool wiring, pause state and principal tracking.
type base struct {
	mu        sync.Mutex
	cfg       Config
	kind      Kind
	token     ledger.Token
	paused    bool
	principal *uint256.Int
	logger    zerolog.Logger
}

func newBase(cfg Config, kind Kind, token ledger.Token, logger zerolog.Logger) base {
	return base{
		cfg:       cfg,
		kind:      kind,
		token:     token,
		principal: new(uint256.Int),
		logger:    logger.With().Str("component", "adapter").Str("adapter", cfg.Name).Str("kind", string(kind)).Logger(),
	}
}

func (b *base) Name() string            { return b.cfg.Name }
func (b *base) Kind() Kind              { return b.kind }
func (b *base) Address() common.Address { return b.cfg.Address }

// SetPaused blocks or unblocks new deployments.
func (b *base) SetPaused(paused bool) {
	b.mu.Lock()
	b.paused = paused
	b.mu.Unlock()
}

// Principal returns the capital deployed and not yet returned.
func (b *base) Principal() *uint256.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.principal.Clone()
}

func (b *base) op(name string) string { return "adapter." + b.cfg.Name + "." + name }

// checkExecute validates a deployment; callers hold b.mu.
func (b *base) checkExecute(amt *uint256.Int) error {
	if b.paused {
		return vaulterr.State(b.op("Execute"), ErrPaused)
	}
	if amt == nil || amt.IsZero() {
		return vaulterr.Validation(b.op("Execute"), vaulterr.ErrZeroAmount)
	}
	if b.cfg.MaxDeployment != nil && !b.cfg.MaxDeployment.IsZero() && amt.Gt(b.cfg.MaxDeployment) {
		return vaulterr.Validation(b.op("Execute"), fmt.Errorf("%w: %s > %s", ErrDeploymentCap, amt.Dec(), b.cfg.MaxDeployment.Dec()))
	}
	return nil
}

// pull moves amt from the pool to the adapter using the pool's approval.
func (b *base) pull(amt *uint256.Int) error {
	if err := b.token.TransferFrom(b.cfg.Address, b.cfg.Pool, b.cfg.Address, amt); err != nil {
		return vaulterr.External(b.op("pull"), err)
	}
	return nil
}

// sweep returns everything the adapter holds to the pool.
func (b *base) sweep() (*uint256.Int, error) {
	held := b.token.BalanceOf(b.cfg.Address)
	if held.IsZero() {
		return held, nil
	}
	if err := b.token.Transfer(b.cfg.Address, b.cfg.Pool, held); err != nil {
		return nil, err
	}
	return held, nil
}

func (b *base) harvestable(pending *uint256.Int) bool {
	if pending == nil || pending.IsZero() {
		return false
	}
	if b.cfg.MinHarvest == nil {
		return true
	}
	return !pending.Lt(b.cfg.MinHarvest)
}

// managed reports min(principal, value): unrealised yield is excluded and
// losses are reflected.
func (b *base) managed(value *uint256.Int) *uint256.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return amount.Min(b.principal, value)
}

func (b *base) addPrincipal(v *uint256.Int) {
	b.principal = new(uint256.Int).Add(b.principal, v)
}

func (b *base) subPrincipal(v *uint256.Int) {
	b.principal = amount.SubFloor(b.principal, v)
}

// step runs one isolated emergency-exit sub-step.
func step(report *ExitReport, name string, fn func() error) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: %v", ErrAdapterReverted, r)
			}
		}()
		return fn()
	}()
	report.Steps = append(report.Steps, StepResult{Step: name, Err: err})
}

// Guarded runs fn with a deadline and converts panics into errors, so a hang
// or revert in one adapter cannot block a loop over many.
func Guarded(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%w: %v", ErrAdapterReverted, r)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrAdapterTimeout, ctx.Err())
	}
}
