// Package catalog loads the chains and strategies a deployment starts with.
package catalog

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"prize-vault/internal/strategy"
)

// Chain is a network entry.
type Chain struct {
	ID   uint64 `yaml:"id"`
	Name string `yaml:"name"`
}

// Strategy is a strategy entry. Amounts are human units of the vault asset.
type Strategy struct {
	Name          string `yaml:"name"`
	Protocol      string `yaml:"protocol"`
	Kind          string `yaml:"kind"`
	ChainID       uint64 `yaml:"chain_id"`
	Adapter       string `yaml:"adapter"`
	APYBps        uint64 `yaml:"apy_bps"`
	RiskBps       uint64 `yaml:"risk_bps"`
	TVL           string `yaml:"tvl"`
	MaxCapacity   string `yaml:"max_capacity"`
	MinDeposit    string `yaml:"min_deposit"`
	MaxDeployment string `yaml:"max_deployment"`
	MinHarvest    string `yaml:"min_harvest"`
	// Vault is an optional ERC-4626 contract whose share price is sampled
	// to refresh APYBps.
	Vault    string `yaml:"vault"`
	Inactive bool   `yaml:"inactive"`
}

// Catalog is the whole file.
type Catalog struct {
	Chains     []Chain    `yaml:"chains"`
	Strategies []Strategy `yaml:"strategies"`
}

// Load reads and validates path.
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(raw)
}

// Parse decodes YAML bytes and validates them.
func Parse(raw []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks references and value ranges.
func (c *Catalog) Validate() error {
	chains := make(map[uint64]bool, len(c.Chains))
	for _, ch := range c.Chains {
		if ch.ID == 0 {
			return fmt.Errorf("catalog: chain %q has no id", ch.Name)
		}
		if chains[ch.ID] {
			return fmt.Errorf("catalog: duplicate chain %d", ch.ID)
		}
		chains[ch.ID] = true
	}
	seen := make(map[string]bool, len(c.Strategies))
	for _, s := range c.Strategies {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("catalog: strategy without name")
		}
		id := fmt.Sprintf("%s@%d", s.Name, s.ChainID)
		if seen[id] {
			return fmt.Errorf("catalog: duplicate strategy %s", id)
		}
		seen[id] = true
		if !chains[s.ChainID] {
			return fmt.Errorf("catalog: strategy %s references unknown chain %d", s.Name, s.ChainID)
		}
		if _, err := strategy.ParseKind(s.Kind); err != nil {
			return fmt.Errorf("catalog: strategy %s: %w", s.Name, err)
		}
		if !common.IsHexAddress(s.Adapter) {
			return fmt.Errorf("catalog: strategy %s: invalid adapter address %q", s.Name, s.Adapter)
		}
		if s.Vault != "" && !common.IsHexAddress(s.Vault) {
			return fmt.Errorf("catalog: strategy %s: invalid vault address %q", s.Name, s.Vault)
		}
		if s.RiskBps > 10000 {
			return fmt.Errorf("catalog: strategy %s: risk %d exceeds 10000", s.Name, s.RiskBps)
		}
		for field, v := range map[string]string{
			"tvl": s.TVL, "max_capacity": s.MaxCapacity, "min_deposit": s.MinDeposit,
			"max_deployment": s.MaxDeployment, "min_harvest": s.MinHarvest,
		} {
			if _, err := ParseAmount(v); err != nil {
				return fmt.Errorf("catalog: strategy %s: %s: %w", s.Name, field, err)
			}
		}
	}
	return nil
}

// ParseAmount reads a human amount; empty means zero.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative amount %s", s)
	}
	return d, nil
}
