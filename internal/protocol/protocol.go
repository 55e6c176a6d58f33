// Package protocol wires the ledger, pool, registry, oracle, allocator,
// lottery and emergency controller into one deployment.
package protocol

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"prize-vault/internal/access"
	"prize-vault/internal/allocator"
	"prize-vault/internal/amount"
	"prize-vault/internal/bridge"
	"prize-vault/internal/catalog"
	"prize-vault/internal/config"
	"prize-vault/internal/emergency"
	"prize-vault/internal/ledger"
	"prize-vault/internal/lottery"
	"prize-vault/internal/randomness"
	"prize-vault/internal/registry"
	"prize-vault/internal/risk"
	"prize-vault/internal/strategy"
	"prize-vault/internal/vault"
)

// Protocol is one in-process deployment. Mutations go through the
// components; Protocol itself only holds wiring and policy.
type Protocol struct {
	Ledger    *ledger.Ledger
	Roles     *access.Roles
	Emergency *emergency.Controller
	Registry  *registry.Registry
	Oracle    *risk.Oracle
	Allocator *allocator.Allocator
	Lottery   *lottery.Engine
	RNG       *randomness.LocalSource
	Escrow    *bridge.Escrow
	Pool      *vault.Pool

	admin    common.Address
	operator common.Address
	policy   Policy
	venues   map[common.Hash]*strategy.SimVenue
	vaults   map[common.Hash]common.Address

	mu        sync.Mutex
	incidents map[string]string // protocol -> open incident id

	clock  clockwork.Clock
	logger zerolog.Logger
}

// Policy holds the deployment-level knobs the keeper applies.
type Policy struct {
	Decimals         int32
	LocalChain       uint64
	MaxRiskTolerance uint64
	CrossChain       bool
	ReserveBps       uint64
	MinDeploy        *uint256.Int
	AutoTrigger      bool
	AutoLevel        emergency.Level
}

// New builds a deployment from configuration and a catalog.
func New(cfg *config.Config, cat *catalog.Catalog, clock clockwork.Clock, logger zerolog.Logger) (*Protocol, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	vc := cfg.Vault
	decimals := vc.AssetDecimals

	minDeploy, err := amount.FromDecimal(vc.MinDeploy, decimals)
	if err != nil {
		return nil, fmt.Errorf("vault.min_deploy: %w", err)
	}
	minPrize, err := amount.FromDecimal(cfg.Lottery.MinPrize, decimals)
	if err != nil {
		return nil, fmt.Errorf("lottery.min_prize: %w", err)
	}
	autoLevel, err := emergency.ParseLevel(cfg.Emergency.AutoLevel)
	if err != nil {
		return nil, fmt.Errorf("emergency.auto_level: %w", err)
	}

	admin := common.HexToAddress(vc.Admin)
	operator := common.HexToAddress(vc.Operator)
	poolAddr := common.HexToAddress(vc.Address)

	roles := access.NewRoles(admin)
	for _, role := range []access.Role{access.RoleAgent, access.RoleOracle, access.RoleGuardian} {
		if err := roles.Grant(admin, role, operator); err != nil {
			return nil, err
		}
	}
	for _, g := range vc.Guardians {
		if err := roles.Grant(admin, access.RoleGuardian, common.HexToAddress(g)); err != nil {
			return nil, err
		}
	}

	tok := ledger.New(common.HexToAddress(vc.AssetAddress), vc.AssetSymbol, decimals)
	ctrl := emergency.NewController(roles, emergency.Options{Cooldown: cfg.Emergency.Cooldown, Clock: clock}, logger)
	reg := registry.New(roles, registry.Options{
		Clock:              clock,
		Freshness:          cfg.Registry.Freshness,
		SameChainBps:       cfg.Registry.SameChainBps,
		DiversificationBps: cfg.Registry.DiversificationBps,
	}, logger)
	oracle := risk.NewOracle(roles, risk.Options{
		Clock:              clock,
		Validity:           cfg.Risk.Validity,
		EmergencyThreshold: cfg.Risk.EmergencyThreshold,
		HistorySize:        cfg.Risk.HistorySize,
	}, logger)
	alloc := allocator.New(allocator.Config{
		MinYieldBps:            cfg.Allocator.MinYieldBps,
		MaxSingleAllocationBps: cfg.Allocator.MaxSingleAllocationBps,
		RebalanceThresholdBps:  cfg.Allocator.RebalanceThresholdBps,
		Freshness:              cfg.Allocator.Freshness,
		LiquidityBonusBps:      cfg.Allocator.LiquidityBonusBps,
		LiquidityDepthMultiple: cfg.Allocator.LiquidityDepthMultiple,
		BaseGas:                cfg.Allocator.BaseGas,
		GasPerAllocation:       cfg.Allocator.GasPerAllocation,
	}, clock, logger)

	seed := cfg.Lottery.RandomnessSeed
	if seed == "" {
		seed = uuid.NewString()
	}
	rng := randomness.NewLocalSource([]byte(seed), cfg.Lottery.RandomnessDelay, clock, logger)

	var devAddr common.Address
	if cfg.Lottery.DevAddress != "" {
		devAddr = common.HexToAddress(cfg.Lottery.DevAddress)
	}
	engine, err := lottery.NewEngine(lottery.Config{
		Pool:               vc.Name,
		Address:            common.HexToAddress(cfg.Lottery.Address),
		Interval:           cfg.Lottery.Interval,
		MinPrize:           minPrize,
		DevFeeBps:          cfg.Lottery.DevFeeBps,
		CarryFeeBps:        cfg.Lottery.CarryFeeBps,
		BurnFeeBps:         cfg.Lottery.BurnFeeBps,
		DevAddress:         devAddr,
		AutoDraw:           cfg.Lottery.AutoDraw,
		GasLimit:           cfg.Lottery.GasLimit,
		FulfillmentTimeout: cfg.Lottery.FulfillmentTimeout,
	}, tok, rng, ctrl, roles, clock, logger)
	if err != nil {
		return nil, err
	}

	var (
		escrow *bridge.Escrow
		br     vault.Bridge
	)
	if vc.CrossChain {
		escrow = bridge.NewEscrow(tok, common.HexToAddress(vc.EscrowAddress), poolAddr, clock, logger)
		br = escrow
	}

	pool, err := vault.New(vault.Options{
		Name:               vc.Name,
		Address:            poolAddr,
		LocalChain:         vc.LocalChainID,
		CallTimeout:        vc.CallTimeout,
		BalanceConcurrency: vc.BalanceConcurrency,
		Clock:              clock,
	}, vault.Deps{
		Token:    tok,
		Roles:    roles,
		Gate:     ctrl,
		Lottery:  engine,
		Bridge:   br,
		Recorder: reg,
	}, logger)
	if err != nil {
		return nil, err
	}

	p := &Protocol{
		Ledger:    tok,
		Roles:     roles,
		Emergency: ctrl,
		Registry:  reg,
		Oracle:    oracle,
		Allocator: alloc,
		Lottery:   engine,
		RNG:       rng,
		Escrow:    escrow,
		Pool:      pool,
		admin:     admin,
		operator:  operator,
		policy: Policy{
			Decimals:         decimals,
			LocalChain:       vc.LocalChainID,
			MaxRiskTolerance: vc.MaxRiskTolerance,
			CrossChain:       vc.CrossChain,
			ReserveBps:       vc.ReserveBps,
			MinDeploy:        minDeploy,
			AutoTrigger:      cfg.Emergency.AutoTrigger,
			AutoLevel:        autoLevel,
		},
		venues:    make(map[common.Hash]*strategy.SimVenue),
		vaults:    make(map[common.Hash]common.Address),
		incidents: make(map[string]string),
		clock:     clock,
		logger:    logger.With().Str("component", "protocol").Logger(),
	}
	if cat != nil {
		if err := p.seed(cat); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// seed registers chains and strategies and attaches a simulated venue
// behind every adapter.
func (p *Protocol) seed(cat *catalog.Catalog) error {
	localSeen := false
	for _, ch := range cat.Chains {
		if err := p.Registry.RegisterChain(p.admin, ch.ID, ch.Name); err != nil {
			return err
		}
		localSeen = localSeen || ch.ID == p.policy.LocalChain
	}
	if !localSeen {
		return fmt.Errorf("catalog does not include local chain %d", p.policy.LocalChain)
	}
	for _, s := range cat.Strategies {
		if err := p.attach(s); err != nil {
			return fmt.Errorf("strategy %s: %w", s.Name, err)
		}
	}
	return nil
}

func (p *Protocol) attach(s catalog.Strategy) error {
	kind, err := strategy.ParseKind(s.Kind)
	if err != nil {
		return err
	}
	amounts := make(map[string]*uint256.Int, 5)
	for field, raw := range map[string]string{
		"tvl": s.TVL, "max_capacity": s.MaxCapacity, "min_deposit": s.MinDeposit,
		"max_deployment": s.MaxDeployment, "min_harvest": s.MinHarvest,
	} {
		d, err := catalog.ParseAmount(raw)
		if err != nil {
			return err
		}
		if amounts[field], err = amount.FromDecimal(d, p.policy.Decimals); err != nil {
			return err
		}
	}
	protocolName := s.Protocol
	if protocolName == "" {
		protocolName = s.Name
	}
	adapterAddr := common.HexToAddress(s.Adapter)
	key, err := p.Registry.RegisterStrategy(p.admin, registry.Strategy{
		Name:        s.Name,
		Protocol:    protocolName,
		Kind:        string(kind),
		ChainID:     s.ChainID,
		Adapter:     adapterAddr,
		APY:         s.APYBps,
		Risk:        s.RiskBps,
		TVL:         amounts["tvl"],
		MaxCapacity: amounts["max_capacity"],
		MinDeposit:  amounts["min_deposit"],
		Active:      !s.Inactive,
	})
	if err != nil {
		return err
	}
	venue := strategy.NewSimVenue(s.Name, VenueAddress(s.Name, s.ChainID), p.Ledger)
	var maxDeploy *uint256.Int
	if !amounts["max_deployment"].IsZero() {
		maxDeploy = amounts["max_deployment"]
	}
	adapter, err := strategy.NewSimAdapter(kind, strategy.Config{
		Name:          s.Name,
		Address:       adapterAddr,
		Pool:          p.Pool.Address(),
		MaxDeployment: maxDeploy,
		MinHarvest:    amounts["min_harvest"],
	}, p.Ledger, venue, p.logger)
	if err != nil {
		return err
	}
	if err := p.Pool.AddAdapter(p.admin, key, adapter, s.ChainID); err != nil {
		return err
	}
	p.venues[key] = venue
	if s.Vault != "" {
		p.vaults[key] = common.HexToAddress(s.Vault)
	}
	return nil
}

// VenueAddress is the ledger account of the simulated venue behind a strategy.
func VenueAddress(name string, chainID uint64) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte(fmt.Sprintf("venue:%s:%d", strings.ToLower(name), chainID))))
}

// Admin returns the admin identity.
func (p *Protocol) Admin() common.Address { return p.admin }

// Operator returns the keeper identity.
func (p *Protocol) Operator() common.Address { return p.operator }

// Policy returns the deployment knobs.
func (p *Protocol) Policy() Policy { return p.policy }

// Venue returns the simulated venue behind key.
func (p *Protocol) Venue(key common.Hash) (*strategy.SimVenue, bool) {
	v, ok := p.venues[key]
	return v, ok
}

// SampledVaults maps strategies to the ERC-4626 contracts that price them.
func (p *Protocol) SampledVaults() map[common.Hash]common.Address {
	out := make(map[common.Hash]common.Address, len(p.vaults))
	for k, v := range p.vaults {
		out[k] = v
	}
	return out
}

// Fund credits who with human-unit amount of the asset and approves the
// pool to pull it. Used by the simulator.
func (p *Protocol) Fund(who common.Address, human decimal.Decimal) (*uint256.Int, error) {
	amt, err := amount.FromDecimal(human, p.policy.Decimals)
	if err != nil {
		return nil, err
	}
	if err := p.Ledger.Credit(who, amt); err != nil {
		return nil, err
	}
	allowance := new(uint256.Int).Add(p.Ledger.Allowance(who, p.Pool.Address()), amt)
	if err := p.Ledger.Approve(who, p.Pool.Address(), allowance); err != nil {
		return nil, err
	}
	return amt, nil
}

// Deposit funds who and deposits into the pool on their behalf.
func (p *Protocol) Deposit(ctx context.Context, who common.Address, human decimal.Decimal) (*uint256.Int, error) {
	amt, err := p.Fund(who, human)
	if err != nil {
		return nil, err
	}
	return p.Pool.Deposit(ctx, who, amt, who)
}

// Human renders base units in asset units.
func (p *Protocol) Human(v *uint256.Int) decimal.Decimal {
	return amount.ToDecimal(v, p.policy.Decimals)
}
