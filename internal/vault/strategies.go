package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"prize-vault/internal/access"
	"prize-vault/internal/allocator"
	"prize-vault/internal/amount"
	"prize-vault/internal/emergency"
	"prize-vault/internal/strategy"
	"prize-vault/internal/vaulterr"
)

var (
	ErrUnknownAdapter   = errors.New("no adapter for strategy")
	ErrDuplicateAdapter = errors.New("adapter already attached")
	ErrNoBridge         = errors.New("cross-chain allocation without a bridge")
	ErrUnknownBridgeID  = errors.New("bridge request not initiated by this pool")
)

// AdapterInfo describes an attached adapter.
type AdapterInfo struct {
	Key      common.Hash
	Name     string
	Kind     strategy.Kind
	ChainID  uint64
	Deployed *uint256.Int
	Balance  *uint256.Int
	Stale    bool
}

// AddAdapter attaches adapter under the registry key. Admin only.
func (p *Pool) AddAdapter(caller common.Address, key common.Hash, adapter strategy.Adapter, chainID uint64) error {
	const op = "vault.AddAdapter"
	if err := p.deps.Roles.Require(caller, access.RoleAdmin); err != nil {
		return err
	}
	if adapter == nil {
		return vaulterr.Validation(op, fmt.Errorf("nil adapter"))
	}
	if err := p.lockMutating(op); err != nil {
		return err
	}
	defer p.mu.Unlock()
	if _, ok := p.byKey[key]; ok {
		return vaulterr.Validation(op, fmt.Errorf("%w: %s", ErrDuplicateAdapter, key.Hex()))
	}
	e := &adapterEntry{key: key, adapter: adapter, chainID: chainID, deployed: amount.Zero(), last: amount.Zero()}
	p.adapters = append(p.adapters, e)
	p.byKey[key] = e
	p.logger.Info().Str("adapter", adapter.Name()).Str("kind", string(adapter.Kind())).Uint64("chain_id", chainID).Msg("adapter attached")
	return nil
}

// Adapters lists attached adapters with their last known balances.
func (p *Pool) Adapters() []AdapterInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]AdapterInfo, 0, len(p.adapters))
	for _, e := range p.adapters {
		out = append(out, AdapterInfo{
			Key:      e.key,
			Name:     e.adapter.Name(),
			Kind:     e.adapter.Kind(),
			ChainID:  e.chainID,
			Deployed: e.deployed.Clone(),
			Balance:  e.last.Clone(),
			Stale:    e.stale,
		})
	}
	return out
}

// AllocationResult is the outcome of one plan line.
type AllocationResult struct {
	Key      common.Hash
	Name     string
	Amount   *uint256.Int
	Deployed bool
	BridgeID string
	Err      error
}

// AllocationReport summarises Allocate.
type AllocationReport struct {
	Results  []AllocationResult
	Deployed *uint256.Int
	Bridged  *uint256.Int
}

// Failed counts plan lines that did not go through.
func (r AllocationReport) Failed() int {
	n := 0
	for _, res := range r.Results {
		if res.Err != nil {
			n++
		}
	}
	return n
}

// Allocate deploys idle cash following an allocator plan. Each line is
// isolated: a failing adapter leaves its amount as cash and the rest proceed.
// Lines on another chain are sent through the bridge and deployed when the
// transfer completes.
func (p *Pool) Allocate(ctx context.Context, caller common.Address, plan []allocator.Allocation) (AllocationReport, error) {
	const op = "vault.Allocate"
	report := AllocationReport{Deployed: amount.Zero(), Bridged: amount.Zero()}
	if err := p.deps.Roles.Require(caller, access.RoleAgent); err != nil {
		return report, err
	}
	ctx, release, err := p.enterMutating(ctx, op)
	if err != nil {
		return report, err
	}
	defer release()
	if err := p.deps.Gate.Check(p.opts.Name, emergency.CapStrategyOps, op); err != nil {
		return report, err
	}

	for _, a := range plan {
		res := AllocationResult{Key: a.Key, Name: a.Name, Amount: amount.OrZero(a.Amount).Clone()}
		res.BridgeID, res.Err = p.allocateOneLocked(ctx, op, a)
		if res.Err != nil {
			p.logger.Warn().Err(res.Err).Str("strategy", a.Name).Str("amount", res.Amount.Dec()).Msg("allocation failed")
		} else if res.BridgeID != "" {
			report.Bridged.Add(report.Bridged, res.Amount)
		} else {
			res.Deployed = true
			report.Deployed.Add(report.Deployed, res.Amount)
		}
		report.Results = append(report.Results, res)
	}

	p.logger.Info().
		Int("lines", len(plan)).
		Int("failed", report.Failed()).
		Str("deployed", report.Deployed.Dec()).
		Str("bridged", report.Bridged.Dec()).
		Msg("allocation applied")
	return report, nil
}

func (p *Pool) allocateOneLocked(ctx context.Context, op string, a allocator.Allocation) (string, error) {
	if a.Amount == nil || a.Amount.IsZero() {
		return "", vaulterr.Validation(op, vaulterr.ErrZeroAmount)
	}
	e, ok := p.byKey[a.Key]
	if !ok {
		return "", vaulterr.Validation(op, fmt.Errorf("%w: %s", ErrUnknownAdapter, a.Name))
	}
	if cash := p.cashLocked(); cash.Lt(a.Amount) {
		return "", vaulterr.Liquidity(op, fmt.Errorf("%w: cash %s, allocation %s", vaulterr.ErrInsufficientCash, cash.Dec(), a.Amount.Dec()))
	}
	if e.chainID != p.opts.LocalChain {
		return p.bridgeLocked(ctx, op, e, a.Amount)
	}
	if err := p.deployLocked(ctx, e, a.Amount); err != nil {
		return "", err
	}
	p.record(e.key, a.Amount, true)
	return "", nil
}

// deployLocked approves the adapter and runs Execute under the call guard.
// The approval is cleared whatever the outcome.
func (p *Pool) deployLocked(ctx context.Context, e *adapterEntry, amt *uint256.Int) error {
	spender := e.adapter.Address()
	if err := p.deps.Token.Approve(p.opts.Address, spender, amt); err != nil {
		return err
	}
	defer func() {
		if err := p.deps.Token.Approve(p.opts.Address, spender, amount.Zero()); err != nil {
			p.logger.Error().Err(err).Str("adapter", e.adapter.Name()).Msg("failed to clear adapter approval")
		}
	}()

	err := p.guarded(ctx, func(ctx context.Context) error {
		return e.adapter.Execute(ctx, amt, e.key.Bytes())
	})
	if err != nil {
		return vaulterr.External("vault.deploy", fmt.Errorf("%s: %w", e.adapter.Name(), err))
	}
	e.deployed = new(uint256.Int).Add(e.deployed, amt)
	e.last = new(uint256.Int).Add(e.last, amt)
	return nil
}

func (p *Pool) bridgeLocked(ctx context.Context, op string, e *adapterEntry, amt *uint256.Int) (string, error) {
	if p.deps.Bridge == nil {
		return "", vaulterr.Validation(op, fmt.Errorf("%w: chain %d", ErrNoBridge, e.chainID))
	}
	if err := p.deps.Gate.Check(p.opts.Name, emergency.CapBridging, op); err != nil {
		return "", err
	}
	escrow := p.deps.Bridge.Address()
	if err := p.deps.Token.Approve(p.opts.Address, escrow, amt); err != nil {
		return "", err
	}
	unmark := p.callingOut()
	id, err := p.deps.Bridge.BridgeToken(ctx, e.chainID, p.deps.Token.Asset(), amt, p.opts.Address, e.key.Bytes())
	unmark()
	if clearErr := p.deps.Token.Approve(p.opts.Address, escrow, amount.Zero()); clearErr != nil {
		p.logger.Error().Err(clearErr).Msg("failed to clear bridge approval")
	}
	if err != nil {
		return "", vaulterr.External(op, fmt.Errorf("bridge to chain %d: %w", e.chainID, err))
	}
	p.pendingBridge[id] = e.key
	p.record(e.key, amt, true)
	p.logger.Info().Str("request_id", id).Uint64("dst_chain", e.chainID).Str("amount", amt.Dec()).Msg("allocation bridged")
	return id, nil
}

// record updates the deployment recorder; failures only affect reporting.
func (p *Pool) record(key common.Hash, amt *uint256.Int, deployed bool) {
	if p.deps.Recorder == nil || amt.IsZero() {
		return
	}
	var err error
	if deployed {
		err = p.deps.Recorder.RecordDeployment(key, amt)
	} else {
		err = p.deps.Recorder.RecordWithdrawal(key, amt)
	}
	if err != nil {
		p.logger.Warn().Err(err).Str("strategy", key.Hex()).Msg("deployment record not updated")
	}
}

// CompleteBridgeTransfer is the inbound completion callback. It releases the
// escrow to the pool and deploys into the destination adapter. When strategy
// operations are restricted the funds stay as cash.
func (p *Pool) CompleteBridgeTransfer(ctx context.Context, caller common.Address, requestID string) error {
	const op = "vault.CompleteBridgeTransfer"
	if err := p.deps.Roles.Require(caller, access.RoleAgent); err != nil {
		return err
	}
	ctx, release, err := p.enterMutating(ctx, op)
	if err != nil {
		return err
	}
	defer release()

	key, ok := p.pendingBridge[requestID]
	if !ok || p.deps.Bridge == nil {
		return vaulterr.Validation(op, fmt.Errorf("%w: %s", ErrUnknownBridgeID, requestID))
	}
	t, err := p.deps.Bridge.Complete(requestID)
	if err != nil {
		return err
	}
	delete(p.pendingBridge, requestID)

	e := p.byKey[key]
	if err := p.deps.Gate.Check(p.opts.Name, emergency.CapStrategyOps, op); err != nil {
		p.record(key, t.Amount, false)
		p.logger.Warn().Err(err).Str("request_id", requestID).Msg("bridged funds held as cash")
		return nil
	}
	if err := p.deployLocked(ctx, e, t.Amount); err != nil {
		p.record(key, t.Amount, false)
		return err
	}
	p.logger.Info().Str("request_id", requestID).Str("adapter", e.adapter.Name()).Str("amount", t.Amount.Dec()).Msg("bridged allocation deployed")
	return nil
}

// PendingBridgeTransfers lists request IDs awaiting completion.
func (p *Pool) PendingBridgeTransfers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.pendingBridge))
	for id := range p.pendingBridge {
		out = append(out, id)
	}
	return out
}

// HarvestResult is one adapter's harvest outcome.
type HarvestResult struct {
	Adapter string
	Amount  *uint256.Int
	Err     error
}

// HarvestReport summarises Harvest.
type HarvestReport struct {
	Results   []HarvestResult
	Collected *uint256.Int
	// Forwarded is what reached the prize pool.
	Forwarded *uint256.Int
}

// Harvest collects yield from every adapter and forwards it to the lottery
// prize pool. A failing or hanging adapter is skipped.
func (p *Pool) Harvest(ctx context.Context, caller common.Address) (HarvestReport, error) {
	const op = "vault.Harvest"
	report := HarvestReport{Collected: amount.Zero(), Forwarded: amount.Zero()}
	if err := p.deps.Roles.Require(caller, access.RoleAgent); err != nil {
		return report, err
	}
	ctx, release, err := p.enterMutating(ctx, op)
	if err != nil {
		return report, err
	}
	defer release()
	if err := p.deps.Gate.Check(p.opts.Name, emergency.CapStrategyOps, op); err != nil {
		return report, err
	}

	for _, e := range p.adapters {
		var got *uint256.Int
		err := p.guarded(ctx, func(ctx context.Context) error {
			v, err := e.adapter.Harvest(ctx, nil)
			got = v
			return err
		})
		res := HarvestResult{Adapter: e.adapter.Name(), Amount: amount.OrZero(got).Clone(), Err: err}
		if err != nil {
			res.Amount = amount.Zero()
			p.logger.Warn().Err(err).Str("adapter", e.adapter.Name()).Msg("harvest failed")
		}
		report.Collected.Add(report.Collected, res.Amount)
		report.Results = append(report.Results, res)
	}

	if err := p.forwardYieldLocked(ctx, report.Collected); err != nil {
		return report, vaulterr.External(op, err)
	}
	report.Forwarded = report.Collected.Clone()
	p.logger.Info().Str("collected", report.Collected.Dec()).Int("adapters", len(p.adapters)).Msg("harvest complete")
	return report, nil
}

// forwardYieldLocked moves yield from cash to the lottery and notifies it.
func (p *Pool) forwardYieldLocked(ctx context.Context, amt *uint256.Int) error {
	if amt.IsZero() {
		return nil
	}
	if err := p.deps.Token.Transfer(p.opts.Address, p.deps.Lottery.Address(), amt); err != nil {
		return fmt.Errorf("forward yield to prize pool: %w", err)
	}
	p.notify("yield", func() error { return p.deps.Lottery.OnYieldHarvested(ctx, amt) })
	return nil
}

// EmergencyExit recalls everything from one adapter. Allowed at every
// emergency level. Recovered value above the recalled principal is yield and
// goes to the prize pool.
func (p *Pool) EmergencyExit(ctx context.Context, caller common.Address, key common.Hash) (strategy.ExitReport, error) {
	const op = "vault.EmergencyExit"
	if err := p.deps.Roles.Require(caller, access.RoleGuardian); err != nil {
		return strategy.ExitReport{}, err
	}
	ctx, release, err := p.enterMutating(ctx, op)
	if err != nil {
		return strategy.ExitReport{}, err
	}
	defer release()

	e, ok := p.byKey[key]
	if !ok {
		return strategy.ExitReport{}, vaulterr.Validation(op, fmt.Errorf("%w: %s", ErrUnknownAdapter, key.Hex()))
	}
	return p.exitLocked(ctx, e), nil
}

// EmergencyExitAll recalls every adapter; one failing exit does not stop the rest.
func (p *Pool) EmergencyExitAll(ctx context.Context, caller common.Address) ([]strategy.ExitReport, error) {
	const op = "vault.EmergencyExitAll"
	if err := p.deps.Roles.Require(caller, access.RoleGuardian); err != nil {
		return nil, err
	}
	ctx, release, err := p.enterMutating(ctx, op)
	if err != nil {
		return nil, err
	}
	defer release()

	reports := make([]strategy.ExitReport, 0, len(p.adapters))
	for _, e := range p.adapters {
		reports = append(reports, p.exitLocked(ctx, e))
	}
	return reports, nil
}

// Recall withdraws everything from the given adapters so the cash can be
// redeployed. Unlike EmergencyExit it is an ordinary strategy operation:
// agent only, and blocked while StrategyOps is restricted.
func (p *Pool) Recall(ctx context.Context, caller common.Address, keys []common.Hash) ([]strategy.ExitReport, error) {
	const op = "vault.Recall"
	if err := p.deps.Roles.Require(caller, access.RoleAgent); err != nil {
		return nil, err
	}
	if err := p.deps.Gate.Check(p.opts.Name, emergency.CapStrategyOps, op); err != nil {
		return nil, err
	}
	ctx, release, err := p.enterMutating(ctx, op)
	if err != nil {
		return nil, err
	}
	defer release()

	reports := make([]strategy.ExitReport, 0, len(keys))
	for _, key := range keys {
		e, ok := p.byKey[key]
		if !ok {
			return reports, vaulterr.Validation(op, fmt.Errorf("%w: %s", ErrUnknownAdapter, key.Hex()))
		}
		reports = append(reports, p.exitLocked(ctx, e))
	}
	return reports, nil
}

func (p *Pool) exitLocked(ctx context.Context, e *adapterEntry) strategy.ExitReport {
	before := p.cashLocked()
	var report strategy.ExitReport
	err := p.guarded(ctx, func(ctx context.Context) error {
		r, err := e.adapter.EmergencyExit(ctx, nil)
		report = r
		return err
	})
	if report.Adapter == "" {
		report.Adapter = e.adapter.Name()
	}
	if err != nil {
		report.Steps = append(report.Steps, strategy.StepResult{Step: "exit", Err: err})
	}

	recovered := amount.SubFloor(p.cashLocked(), before)
	report.Recovered = recovered
	prior := e.deployed
	principal := amount.Min(recovered, prior)
	excess := new(uint256.Int).Sub(recovered, principal)

	var bal *uint256.Int
	balErr := p.guarded(ctx, func(ctx context.Context) error {
		b, err := e.adapter.Balance(ctx)
		bal = b
		return err
	})
	if balErr == nil && bal != nil {
		e.last = bal.Clone()
		e.stale = false
		e.deployed = bal.Clone()
	} else {
		e.deployed = amount.SubFloor(e.deployed, principal)
		e.last = amount.Min(e.last, e.deployed)
		e.stale = true
	}
	p.record(e.key, amount.SubFloor(prior, e.deployed), false)

	if !excess.IsZero() {
		if err := p.forwardYieldLocked(ctx, excess); err != nil {
			p.logger.Error().Err(err).Str("adapter", e.adapter.Name()).Msg("exit surplus kept as cash")
		}
	}

	ev := p.logger.Warn()
	if report.Failed() > 0 {
		ev = p.logger.Error()
	}
	ev.Str("adapter", e.adapter.Name()).
		Str("recovered", recovered.Dec()).
		Str("surplus", excess.Dec()).
		Int("failed_steps", report.Failed()).
		Msg("emergency exit")
	return report
}
