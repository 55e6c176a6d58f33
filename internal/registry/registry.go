// Package registry catalogs the yield strategies the pool may deploy into and
// picks the best one for a given amount and risk budget. It holds no funds.
package registry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"prize-vault/internal/access"
	"prize-vault/internal/amount"
	"prize-vault/internal/vaulterr"
)

var (
	ErrDuplicateStrategy = errors.New("strategy already registered")
	ErrUnknownStrategy   = errors.New("unknown strategy")
	ErrUnknownChain      = errors.New("chain not configured")
	ErrDuplicateChain    = errors.New("chain already configured")
	ErrAPYOutOfRange     = errors.New("apy out of range")
)

// Chain is a network the protocol can deploy on.
type Chain struct {
	ID       uint64
	Name     string
	Deployed *uint256.Int
}

// Strategy is one registered yield source.
type Strategy struct {
	Key         common.Hash
	Name        string
	Protocol    string
	Kind        string
	ChainID     uint64
	Adapter     common.Address
	APY         uint64 // bps
	Risk        uint64 // bps, 0-10000
	TVL         *uint256.Int
	MaxCapacity *uint256.Int // zero means unlimited
	MinDeposit  *uint256.Int
	Deployed    *uint256.Int
	Active      bool
	UpdatedAt   time.Time
	Seq         int
}

// Available returns the remaining capacity; nil when unlimited.
func (s Strategy) Available() *uint256.Int {
	if s.MaxCapacity == nil || s.MaxCapacity.IsZero() {
		return nil
	}
	return amount.SubFloor(s.MaxCapacity, amount.OrZero(s.Deployed))
}

// Fits reports whether amt respects min deposit and remaining capacity.
func (s Strategy) Fits(amt *uint256.Int) bool {
	if s.MinDeposit != nil && amt.Lt(s.MinDeposit) {
		return false
	}
	if avail := s.Available(); avail != nil && amt.Gt(avail) {
		return false
	}
	return true
}

func (s Strategy) clone() Strategy {
	s.TVL = amount.OrZero(s.TVL).Clone()
	s.MaxCapacity = amount.OrZero(s.MaxCapacity).Clone()
	s.MinDeposit = amount.OrZero(s.MinDeposit).Clone()
	s.Deployed = amount.OrZero(s.Deployed).Clone()
	return s
}

// Key derives the strategy key from (name, chain).
func Key(name string, chainID uint64) common.Hash {
	var chain [8]byte
	binary.BigEndian.PutUint64(chain[:], chainID)
	return crypto.Keccak256Hash([]byte(strings.ToLower(strings.TrimSpace(name))), chain[:])
}

// Options tunes selection.
type Options struct {
	Clock clockwork.Clock
	// Freshness bounds how old metrics may be before the strategy is skipped.
	Freshness time.Duration
	// SameChainBps multiplies scores on the preferred chain.
	SameChainBps uint64
	// DiversificationBps multiplies scores on chains holding less than their
	// even share of deployed capital.
	DiversificationBps uint64
}

// Registry is the strategy catalog.
type Registry struct {
	mu         sync.RWMutex
	roles      *access.Roles
	opts       Options
	clock      clockwork.Clock
	chains     map[uint64]*Chain
	chainOrder []uint64
	strategies map[common.Hash]*Strategy
	order      []common.Hash
	logger     zerolog.Logger
}

// New constructs an empty registry.
func New(roles *access.Roles, opts Options, logger zerolog.Logger) *Registry {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.SameChainBps == 0 {
		opts.SameChainBps = 11_000
	}
	if opts.DiversificationBps == 0 {
		opts.DiversificationBps = 10_500
	}
	return &Registry{
		roles:      roles,
		opts:       opts,
		clock:      opts.Clock,
		chains:     make(map[uint64]*Chain),
		strategies: make(map[common.Hash]*Strategy),
		logger:     logger.With().Str("component", "registry").Logger(),
	}
}

// RegisterChain configures a chain. Admin only.
func (r *Registry) RegisterChain(caller common.Address, id uint64, name string) error {
	const op = "registry.RegisterChain"
	if err := r.roles.Require(caller, access.RoleAdmin); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.chains[id]; ok {
		return vaulterr.Validation(op, fmt.Errorf("%w: %d", ErrDuplicateChain, id))
	}
	r.chains[id] = &Chain{ID: id, Name: name, Deployed: amount.Zero()}
	r.chainOrder = append(r.chainOrder, id)
	return nil
}

// RegisterStrategy adds s keyed by (name, chain). Admin only.
func (r *Registry) RegisterStrategy(caller common.Address, s Strategy) (common.Hash, error) {
	const op = "registry.RegisterStrategy"
	if err := r.roles.Require(caller, access.RoleAdmin); err != nil {
		return common.Hash{}, err
	}
	if strings.TrimSpace(s.Name) == "" {
		return common.Hash{}, vaulterr.Validation(op, errors.New("strategy name is required"))
	}
	if s.Risk > amount.BasisPoints {
		return common.Hash{}, vaulterr.Validation(op, fmt.Errorf("risk %d exceeds %d", s.Risk, amount.BasisPoints))
	}
	if s.APY > amount.MaxAPYBps {
		return common.Hash{}, vaulterr.Validation(op, fmt.Errorf("%w: %d", ErrAPYOutOfRange, s.APY))
	}
	if s.Adapter == (common.Address{}) {
		return common.Hash{}, vaulterr.Validation(op, vaulterr.ErrNullAddress)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.chains[s.ChainID]; !ok {
		return common.Hash{}, vaulterr.Validation(op, fmt.Errorf("%w: %d", ErrUnknownChain, s.ChainID))
	}
	key := Key(s.Name, s.ChainID)
	if _, ok := r.strategies[key]; ok {
		return common.Hash{}, vaulterr.Validation(op, fmt.Errorf("%w: %s on chain %d", ErrDuplicateStrategy, s.Name, s.ChainID))
	}
	s = s.clone()
	s.Key = key
	s.Seq = len(r.order)
	s.UpdatedAt = r.clock.Now()
	r.strategies[key] = &s
	r.order = append(r.order, key)

	r.logger.Info().Str("strategy", s.Name).Uint64("chain", s.ChainID).Uint64("apy_bps", s.APY).Uint64("risk_bps", s.Risk).Msg("strategy registered")
	return key, nil
}

// UpdateStrategyMetrics refreshes APY, risk and TVL. Agent or oracle role.
func (r *Registry) UpdateStrategyMetrics(caller common.Address, key common.Hash, apy, risk uint64, tvl *uint256.Int) error {
	const op = "registry.UpdateStrategyMetrics"
	if !r.roles.Has(caller, access.RoleAgent) && !r.roles.Has(caller, access.RoleOracle) {
		return vaulterr.Authorization(op, vaulterr.ErrUnauthorized)
	}
	if risk > amount.BasisPoints {
		return vaulterr.Validation(op, fmt.Errorf("risk %d exceeds %d", risk, amount.BasisPoints))
	}
	if apy > amount.MaxAPYBps {
		return vaulterr.Validation(op, fmt.Errorf("%w: %d", ErrAPYOutOfRange, apy))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.strategies[key]
	if !ok {
		return vaulterr.Validation(op, fmt.Errorf("%w: %s", ErrUnknownStrategy, key.Hex()))
	}
	s.APY = apy
	s.Risk = risk
	if tvl != nil {
		s.TVL = tvl.Clone()
	}
	s.UpdatedAt = r.clock.Now()
	return nil
}

// SetActive enables or disables a strategy. Admin or guardian.
func (r *Registry) SetActive(caller common.Address, key common.Hash, active bool) error {
	const op = "registry.SetActive"
	if !r.roles.Has(caller, access.RoleAdmin) && !r.roles.Has(caller, access.RoleGuardian) {
		return vaulterr.Authorization(op, vaulterr.ErrUnauthorized)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.strategies[key]
	if !ok {
		return vaulterr.Validation(op, fmt.Errorf("%w: %s", ErrUnknownStrategy, key.Hex()))
	}
	s.Active = active
	return nil
}

// RecordDeployment adds amt to the strategy and its chain.
func (r *Registry) RecordDeployment(key common.Hash, amt *uint256.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.strategies[key]
	if !ok {
		return vaulterr.Validation("registry.RecordDeployment", fmt.Errorf("%w: %s", ErrUnknownStrategy, key.Hex()))
	}
	s.Deployed = new(uint256.Int).Add(s.Deployed, amt)
	c := r.chains[s.ChainID]
	c.Deployed = new(uint256.Int).Add(c.Deployed, amt)
	return nil
}

// RecordWithdrawal removes amt, flooring at zero.
func (r *Registry) RecordWithdrawal(key common.Hash, amt *uint256.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.strategies[key]
	if !ok {
		return vaulterr.Validation("registry.RecordWithdrawal", fmt.Errorf("%w: %s", ErrUnknownStrategy, key.Hex()))
	}
	taken := amount.Min(s.Deployed, amt)
	s.Deployed = new(uint256.Int).Sub(s.Deployed, taken)
	c := r.chains[s.ChainID]
	c.Deployed = amount.SubFloor(c.Deployed, taken)
	return nil
}

// Get returns a copy of the strategy.
func (r *Registry) Get(key common.Hash) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[key]
	if !ok {
		return Strategy{}, false
	}
	return s.clone(), true
}

// Strategies lists every strategy in registration order.
func (r *Registry) Strategies() []Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Strategy, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.strategies[key].clone())
	}
	return out
}

// Chains lists configured chains in registration order.
func (r *Registry) Chains() []Chain {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Chain, 0, len(r.chainOrder))
	for _, id := range r.chainOrder {
		c := *r.chains[id]
		c.Deployed = c.Deployed.Clone()
		out = append(out, c)
	}
	return out
}

// ChainDeployed returns the capital recorded on chain.
func (r *Registry) ChainDeployed(chainID uint64) *uint256.Int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.chains[chainID]; ok {
		return c.Deployed.Clone()
	}
	return amount.Zero()
}

// Fresh reports whether s's metrics are inside the freshness window.
func (r *Registry) Fresh(s Strategy) bool {
	if r.opts.Freshness <= 0 {
		return true
	}
	return r.clock.Since(s.UpdatedAt) <= r.opts.Freshness
}

// Selection is the result of GetOptimalStrategy.
type Selection struct {
	Strategy       Strategy
	ExpectedReturn *uint256.Int // annual, in asset units
	Risk           uint64
	RequiresBridge bool
	Score          uint64
}

// Found reports whether a strategy qualified.
func (s Selection) Found() bool { return s.Strategy.Key != (common.Hash{}) }

// GetOptimalStrategy scores every qualifying strategy by APY*(10000-risk)/10000,
// boosts the preferred chain and under-utilised chains, and returns the best.
// Ties go to the earliest registered strategy. A zero Selection means none
// qualified.
func (r *Registry) GetOptimalStrategy(amt *uint256.Int, maxRisk uint64, crossChainAllowed bool, preferredChain uint64) Selection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	underUsed := r.underUtilisedLocked()
	var best Selection
	for _, key := range r.order {
		s := r.strategies[key]
		if !s.Active || s.Risk > maxRisk || !s.Fits(amt) || !r.Fresh(*s) {
			continue
		}
		sameChain := s.ChainID == preferredChain
		if !sameChain && !crossChainAllowed {
			continue
		}
		score := s.APY * (amount.BasisPoints - s.Risk) / amount.BasisPoints
		if sameChain {
			score = score * r.opts.SameChainBps / amount.BasisPoints
		}
		if underUsed[s.ChainID] {
			score = score * r.opts.DiversificationBps / amount.BasisPoints
		}
		if best.Found() && score <= best.Score {
			continue
		}
		best = Selection{
			Strategy:       s.clone(),
			ExpectedReturn: amount.ApplyBps(amt, s.APY),
			Risk:           s.Risk,
			RequiresBridge: !sameChain,
			Score:          score,
		}
	}
	return best
}

// underUtilisedLocked marks chains holding less than an even share of the
// deployed total. Nothing qualifies until capital is deployed somewhere.
func (r *Registry) underUtilisedLocked() map[uint64]bool {
	out := make(map[uint64]bool, len(r.chains))
	if len(r.chains) < 2 {
		return out
	}
	total := amount.Zero()
	for _, c := range r.chains {
		total.Add(total, c.Deployed)
	}
	if total.IsZero() {
		return out
	}
	even := new(uint256.Int).Div(total, uint256.NewInt(uint64(len(r.chains))))
	for id, c := range r.chains {
		if c.Deployed.Lt(even) {
			out[id] = true
		}
	}
	return out
}

// ByScore sorts strategies by risk-adjusted score, highest first. Used for display.
func ByScore(list []Strategy) {
	sort.SliceStable(list, func(i, j int) bool {
		si := list[i].APY * (amount.BasisPoints - list[i].Risk)
		sj := list[j].APY * (amount.BasisPoints - list[j].Risk)
		return si > sj
	})
}
