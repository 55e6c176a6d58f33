// Package lottery accumulates harvested yield into a prize pool, keeps the
// participant weight table and runs the weighted-random draw.
package lottery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"prize-vault/internal/access"
	"prize-vault/internal/amount"
	"prize-vault/internal/emergency"
	"prize-vault/internal/ledger"
	"prize-vault/internal/randomness"
	"prize-vault/internal/vaulterr"
)

// State is the draw lifecycle stage.
type State string

const (
	StateAccumulating State = "ACCUMULATING"
	StateDrawReady    State = "DRAW_READY"
	StateDrawing      State = "DRAWING"
)

var (
	ErrNotReady          = errors.New("draw conditions not met")
	ErrDrawPending       = errors.New("a draw is already awaiting randomness")
	ErrNoPendingDraw     = errors.New("no draw awaiting randomness")
	ErrUnknownRequest    = errors.New("unknown or already fulfilled randomness request")
	ErrFeesExceedTotal   = errors.New("lottery fees exceed 100%")
	ErrFulfillmentWindow = errors.New("fulfillment timeout has not elapsed")
)

// Treasury is the ledger surface the engine pays from.
type Treasury interface {
	ledger.Token
	Burn(owner common.Address, amount *uint256.Int) error
}

// Config holds draw parameters.
type Config struct {
	Pool               string
	Address            common.Address
	Interval           time.Duration
	MinPrize           *uint256.Int
	DevFeeBps          uint64
	CarryFeeBps        uint64
	BurnFeeBps         uint64
	DevAddress         common.Address
	AutoDraw           bool
	GasLimit           uint64
	FulfillmentTimeout time.Duration
}

// Validate checks fee bounds and addresses.
func (c Config) Validate() error {
	const op = "lottery.Config"
	if c.DevFeeBps+c.CarryFeeBps+c.BurnFeeBps > amount.BasisPoints {
		return vaulterr.Validation(op, fmt.Errorf("%w: dev=%d carry=%d burn=%d", ErrFeesExceedTotal, c.DevFeeBps, c.CarryFeeBps, c.BurnFeeBps))
	}
	if c.DevFeeBps > 0 && c.DevAddress == (common.Address{}) {
		return vaulterr.Validation(op, fmt.Errorf("dev fee set without dev address: %w", vaulterr.ErrNullAddress))
	}
	if c.Address == (common.Address{}) {
		return vaulterr.Validation(op, vaulterr.ErrNullAddress)
	}
	if c.Interval < 0 {
		return vaulterr.Validation(op, errors.New("interval must not be negative"))
	}
	return nil
}

// Participant is the lottery's view of a depositor.
type Participant struct {
	Address     common.Address
	Amount      *uint256.Int
	DepositedAt time.Time
	RewardsWon  *uint256.Int
	Active      bool
}

func (p Participant) clone() Participant {
	p.Amount = amount.OrZero(p.Amount).Clone()
	p.RewardsWon = amount.OrZero(p.RewardsWon).Clone()
	return p
}

type pendingDraw struct {
	drawID      uint64
	requestID   string
	requestedAt time.Time
	snapshot    []Entry
}

// Engine is the LotteryEngine. All mutations are serialised by mu.
type Engine struct {
	mu           sync.Mutex
	cfg          Config
	clock        clockwork.Clock
	token        Treasury
	rng          randomness.Source
	gate         emergency.Gate
	roles        *access.Roles
	participants []common.Address
	index        map[common.Address]int
	positions    map[common.Address]*Participant
	totalWeight  *uint256.Int
	prizePool    *uint256.Int
	totalYield   *uint256.Int
	lastDrawAt   time.Time
	pending      *pendingDraw
	draws        []DrawRecord
	nextID       uint64
	logger       zerolog.Logger
}

// NewEngine validates cfg and constructs an Engine. The draw interval is
// measured from construction.
func NewEngine(cfg Config, token Treasury, rng randomness.Source, gate emergency.Gate, roles *access.Roles, clock clockwork.Clock, logger zerolog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	cfg.MinPrize = amount.OrZero(cfg.MinPrize).Clone()
	return &Engine{
		cfg:         cfg,
		clock:       clock,
		token:       token,
		rng:         rng,
		gate:        gate,
		roles:       roles,
		index:       make(map[common.Address]int),
		positions:   make(map[common.Address]*Participant),
		totalWeight: amount.Zero(),
		prizePool:   amount.Zero(),
		totalYield:  amount.Zero(),
		lastDrawAt:  clock.Now(),
		nextID:      1,
		logger:      logger.With().Str("component", "lottery").Str("pool", cfg.Pool).Logger(),
	}, nil
}

// Address is the ledger account holding the prize pool.
func (e *Engine) Address() common.Address { return e.cfg.Address }

// Config returns the draw parameters.
func (e *Engine) Config() Config { return e.cfg }

// OnDeposit increases addr's weight, appending new participants to the list.
func (e *Engine) OnDeposit(addr common.Address, amt *uint256.Int) error {
	if addr == (common.Address{}) {
		return vaulterr.Validation("lottery.OnDeposit", vaulterr.ErrNullAddress)
	}
	if amt == nil || amt.IsZero() {
		return vaulterr.Validation("lottery.OnDeposit", vaulterr.ErrZeroAmount)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.positions[addr]
	if !ok {
		p = &Participant{Address: addr, Amount: amount.Zero(), RewardsWon: amount.Zero()}
		e.positions[addr] = p
	}
	if !p.Active {
		p.Active = true
		p.DepositedAt = e.clock.Now()
		e.index[addr] = len(e.participants)
		e.participants = append(e.participants, addr)
	}
	p.Amount = new(uint256.Int).Add(p.Amount, amt)
	e.totalWeight = new(uint256.Int).Add(e.totalWeight, amt)
	return nil
}

// OnWithdraw shrinks addr's weight by the fraction burned/held of its pool
// shares, so a holder redeeming every share leaves the draw whatever the
// assets paid out were. A participant whose weight reaches zero is removed by
// swapping the last entry into its slot, which reorders the list.
func (e *Engine) OnWithdraw(addr common.Address, burned, held *uint256.Int) error {
	if burned == nil || burned.IsZero() || held == nil || held.IsZero() {
		return vaulterr.Validation("lottery.OnWithdraw", vaulterr.ErrZeroAmount)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.positions[addr]
	if !ok || !p.Active {
		return vaulterr.Validation("lottery.OnWithdraw", fmt.Errorf("%s is not a participant", addr.Hex()))
	}
	taken := p.Amount
	if burned.Lt(held) {
		taken = amount.MustMulDiv(p.Amount, burned, held)
	}
	p.Amount = new(uint256.Int).Sub(p.Amount, taken)
	e.totalWeight = new(uint256.Int).Sub(e.totalWeight, taken)
	if p.Amount.IsZero() {
		e.removeLocked(addr)
		p.Active = false
	}
	return nil
}

func (e *Engine) removeLocked(addr common.Address) {
	i := e.index[addr]
	last := len(e.participants) - 1
	if i != last {
		moved := e.participants[last]
		e.participants[i] = moved
		e.index[moved] = i
	}
	e.participants = e.participants[:last]
	delete(e.index, addr)
}

// OnYieldHarvested adds amt, already transferred to the engine's address,
// to the prize pool. In auto mode a ready draw is requested immediately.
func (e *Engine) OnYieldHarvested(ctx context.Context, amt *uint256.Int) error {
	if amt == nil || amt.IsZero() {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prizePool = new(uint256.Int).Add(e.prizePool, amt)
	e.totalYield = new(uint256.Int).Add(e.totalYield, amt)

	if e.cfg.AutoDraw && e.readyLocked() == nil {
		if _, _, err := e.requestLocked(ctx); err != nil {
			e.logger.Warn().Err(err).Msg("automatic draw request failed")
		}
	}
	return nil
}

// State reports the lifecycle stage.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked()
}

func (e *Engine) stateLocked() State {
	if e.pending != nil {
		return StateDrawing
	}
	if e.readyLocked() == nil {
		return StateDrawReady
	}
	return StateAccumulating
}

func (e *Engine) readyLocked() error {
	switch {
	case e.pending != nil:
		return ErrDrawPending
	case e.clock.Since(e.lastDrawAt) < e.cfg.Interval:
		return fmt.Errorf("%w: next draw at %s", ErrNotReady, e.lastDrawAt.Add(e.cfg.Interval).UTC().Format(time.RFC3339))
	case e.prizePool.IsZero() || e.prizePool.Lt(e.cfg.MinPrize):
		return fmt.Errorf("%w: prize pool %s below minimum %s", ErrNotReady, e.prizePool.Dec(), e.cfg.MinPrize.Dec())
	case len(e.participants) == 0:
		return fmt.Errorf("%w: no participants", ErrNotReady)
	}
	return nil
}

// RequestDraw snapshots the weight table and asks the randomness source for
// a value. Agent role.
func (e *Engine) RequestDraw(ctx context.Context, caller common.Address) (uint64, string, error) {
	const op = "lottery.RequestDraw"
	if err := e.roles.Require(caller, access.RoleAgent); err != nil {
		return 0, "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pending != nil {
		return 0, "", vaulterr.State(op, ErrDrawPending)
	}
	if err := e.readyLocked(); err != nil {
		return 0, "", vaulterr.State(op, err)
	}
	return e.requestLocked(ctx)
}

func (e *Engine) requestLocked(ctx context.Context) (uint64, string, error) {
	const op = "lottery.RequestDraw"
	if err := e.gate.Check(e.cfg.Pool, emergency.CapDraws, op); err != nil {
		return 0, "", err
	}
	requestID, err := e.rng.RequestRandomness(ctx, e.cfg.GasLimit)
	if err != nil {
		return 0, "", vaulterr.External(op, err)
	}
	snapshot := make([]Entry, 0, len(e.participants))
	for _, addr := range e.participants {
		snapshot = append(snapshot, Entry{Address: addr, Weight: e.positions[addr].Amount.Clone()})
	}
	e.pending = &pendingDraw{
		drawID:      e.nextID,
		requestID:   requestID,
		requestedAt: e.clock.Now(),
		snapshot:    snapshot,
	}
	e.nextID++
	e.logger.Info().
		Uint64("draw_id", e.pending.drawID).
		Str("request_id", requestID).
		Int("participants", len(snapshot)).
		Str("prize_pool", e.prizePool.Dec()).
		Msg("draw requested")
	return e.pending.drawID, requestID, nil
}

// FulfillRandomness completes the pending draw. Unknown or already completed
// request IDs are rejected without side effects.
func (e *Engine) FulfillRandomness(ctx context.Context, requestID string, value *uint256.Int) error {
	_, err := e.Fulfill(ctx, requestID, value)
	return err
}

// Fulfill is FulfillRandomness returning the completed record.
func (e *Engine) Fulfill(_ context.Context, requestID string, value *uint256.Int) (DrawRecord, error) {
	const op = "lottery.Fulfill"
	if value == nil {
		return DrawRecord{}, vaulterr.Validation(op, errors.New("random value is required"))
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pending == nil || e.pending.requestID != requestID {
		return DrawRecord{}, vaulterr.Replay(op, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID))
	}
	if err := e.gate.Check(e.cfg.Pool, emergency.CapDraws, op); err != nil {
		return DrawRecord{}, err
	}

	pd := e.pending
	sel, err := SelectWinner(value, pd.snapshot)
	if err != nil {
		return DrawRecord{}, vaulterr.State(op, err)
	}
	if sel.Fallback {
		e.logger.Error().Uint64("draw_id", pd.drawID).Str("winning_number", sel.WinningNumber.Dec()).Msg("cumulative walk selected nobody, falling back to first participant")
	}

	gross := e.prizePool.Clone()
	held := e.token.BalanceOf(e.cfg.Address)
	if held.Lt(gross) {
		return DrawRecord{}, vaulterr.Liquidity(op, fmt.Errorf("%w: prize pool %s, held %s", vaulterr.ErrInsufficientFunds, gross.Dec(), held.Dec()))
	}
	devFee := amount.ApplyBps(gross, e.cfg.DevFeeBps)
	carry := amount.ApplyBps(gross, e.cfg.CarryFeeBps)
	burn := amount.ApplyBps(gross, e.cfg.BurnFeeBps)
	// fees sum to at most 100% of gross, validated at config time
	prize := amount.SubFloor(gross, amount.Sum(devFee, carry, burn))

	if !prize.IsZero() {
		if err := e.token.Transfer(e.cfg.Address, sel.Winner, prize); err != nil {
			return DrawRecord{}, vaulterr.External(op, fmt.Errorf("pay winner: %w", err))
		}
	}
	if !devFee.IsZero() {
		if err := e.token.Transfer(e.cfg.Address, e.cfg.DevAddress, devFee); err != nil {
			e.logger.Error().Err(err).Str("dev_fee", devFee.Dec()).Msg("dev fee transfer failed, carrying it forward")
			carry.Add(carry, devFee)
			devFee = amount.Zero()
		}
	}
	if !burn.IsZero() {
		if err := e.token.Burn(e.cfg.Address, burn); err != nil {
			e.logger.Error().Err(err).Str("burn_fee", burn.Dec()).Msg("burn failed, carrying it forward")
			carry.Add(carry, burn)
			burn = amount.Zero()
		}
	}

	now := e.clock.Now()
	rec := DrawRecord{
		ID:               pd.drawID,
		RequestID:        pd.requestID,
		RequestedAt:      pd.requestedAt,
		CompletedAt:      now,
		Winner:           sel.Winner,
		Prize:            prize,
		Gross:            gross,
		DevFee:           devFee,
		CarryFee:         carry,
		BurnFee:          burn,
		ParticipantCount: len(pd.snapshot),
		TotalWeight:      sel.TotalWeight,
		Seed:             value.Clone(),
		WinningNumber:    sel.WinningNumber,
		SnapshotDigest:   Digest(pd.snapshot),
		Snapshot:         pd.snapshot,
		Fallback:         sel.Fallback,
		Completed:        true,
	}
	e.draws = append(e.draws, rec)
	e.prizePool = carry.Clone()
	e.lastDrawAt = now
	e.pending = nil
	if p, ok := e.positions[sel.Winner]; ok {
		p.RewardsWon = new(uint256.Int).Add(p.RewardsWon, prize)
	}

	e.logger.Info().
		Uint64("draw_id", rec.ID).
		Str("winner", rec.Winner.Hex()).
		Str("prize", prize.Dec()).
		Str("carry", carry.Dec()).
		Str("winning_number", rec.WinningNumber.Dec()).
		Msg("draw completed")
	return rec, nil
}

// CancelDraw abandons a draw whose randomness never arrived. Admin only, and
// only after the fulfillment timeout.
func (e *Engine) CancelDraw(caller common.Address) error {
	const op = "lottery.CancelDraw"
	if err := e.roles.Require(caller, access.RoleAdmin); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil {
		return vaulterr.State(op, ErrNoPendingDraw)
	}
	if e.clock.Since(e.pending.requestedAt) < e.cfg.FulfillmentTimeout {
		return vaulterr.State(op, ErrFulfillmentWindow)
	}
	e.logger.Warn().Uint64("draw_id", e.pending.drawID).Str("request_id", e.pending.requestID).Msg("pending draw cancelled")
	e.pending = nil
	return nil
}

// Pending returns the request ID of the in-flight draw, if any.
func (e *Engine) Pending() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil {
		return "", false
	}
	return e.pending.requestID, true
}

// Participants returns the weight table in current list order.
func (e *Engine) Participants() []Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Entry, 0, len(e.participants))
	for _, addr := range e.participants {
		out = append(out, Entry{Address: addr, Weight: e.positions[addr].Amount.Clone()})
	}
	return out
}

// Draws returns completed draws, oldest first.
func (e *Engine) Draws() []DrawRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]DrawRecord(nil), e.draws...)
}

// Info is the getLotteryInfo view.
type Info struct {
	State        State
	PrizePool    *uint256.Int
	TotalYield   *uint256.Int
	Participants int
	TotalWeight  *uint256.Int
	LastDrawAt   time.Time
	NextDrawAt   time.Time
	DrawCount    int
	PendingID    string
	MinPrize     *uint256.Int
	AutoDraw     bool
}

// Info summarises the lottery.
func (e *Engine) Info() Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	info := Info{
		State:        e.stateLocked(),
		PrizePool:    e.prizePool.Clone(),
		TotalYield:   e.totalYield.Clone(),
		Participants: len(e.participants),
		TotalWeight:  e.totalWeight.Clone(),
		LastDrawAt:   e.lastDrawAt,
		NextDrawAt:   e.lastDrawAt.Add(e.cfg.Interval),
		DrawCount:    len(e.draws),
		MinPrize:     e.cfg.MinPrize.Clone(),
		AutoDraw:     e.cfg.AutoDraw,
	}
	if e.pending != nil {
		info.PendingID = e.pending.requestID
	}
	return info
}

// UserInfo is the getUserLotteryInfo view.
type UserInfo struct {
	Participant
	// ChanceBps is the current probability of winning, in bps.
	ChanceBps uint64
}

// UserInfo returns addr's position; unknown addresses get a zero record.
func (e *Engine) UserInfo(addr common.Address) UserInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.positions[addr]
	if !ok {
		return UserInfo{Participant: Participant{Address: addr, Amount: amount.Zero(), RewardsWon: amount.Zero()}}
	}
	info := UserInfo{Participant: p.clone()}
	if p.Active && !e.totalWeight.IsZero() {
		info.ChanceBps = amount.MustMulDiv(p.Amount, uint256.NewInt(amount.BasisPoints), e.totalWeight).Uint64()
	}
	return info
}
