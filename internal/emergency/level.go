package emergency

import (
	"fmt"
	"strings"
)

// Level is a graduated severity. Each level restricts a superset of the
// capabilities restricted by the level below it.
type Level uint8

const (
	LevelNone Level = iota
	LevelLow
	LevelMedium
	LevelHigh
	LevelCritical
)

var levelNames = [...]string{"NONE", "LOW", "MEDIUM", "HIGH", "CRITICAL"}

func (l Level) String() string {
	if int(l) < len(levelNames) {
		return levelNames[l]
	}
	return fmt.Sprintf("LEVEL(%d)", uint8(l))
}

// ParseLevel accepts the upper- or lower-case level name.
func ParseLevel(s string) (Level, error) {
	for i, name := range levelNames {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return Level(i), nil
		}
	}
	return LevelNone, fmt.Errorf("unknown emergency level %q", s)
}

// Valid reports whether l is one of the defined levels.
func (l Level) Valid() bool { return l <= LevelCritical }

// Capability is an operation class the controller can restrict.
type Capability uint8

const (
	CapDeposits Capability = iota
	CapWithdrawals
	CapStrategyOps
	CapBridging
	CapDraws
)

// AllCapabilities lists capabilities in a stable order.
var AllCapabilities = []Capability{CapDeposits, CapWithdrawals, CapStrategyOps, CapBridging, CapDraws}

func (c Capability) String() string {
	switch c {
	case CapDeposits:
		return "deposits"
	case CapWithdrawals:
		return "withdrawals"
	case CapStrategyOps:
		return "strategy_ops"
	case CapBridging:
		return "bridging"
	case CapDraws:
		return "draws"
	default:
		return fmt.Sprintf("capability(%d)", uint8(c))
	}
}

// Restricts reports whether level l blocks capability c.
//
//	LOW      bridging
//	MEDIUM   + strategy ops
//	HIGH     + deposits, draws
//	CRITICAL + withdrawals
func (l Level) Restricts(c Capability) bool {
	switch c {
	case CapBridging:
		return l >= LevelLow
	case CapStrategyOps:
		return l >= LevelMedium
	case CapDeposits, CapDraws:
		return l >= LevelHigh
	case CapWithdrawals:
		return l >= LevelCritical
	default:
		return false
	}
}

// Restrictions returns every capability blocked at level l.
func (l Level) Restrictions() []Capability {
	out := make([]Capability, 0, len(AllCapabilities))
	for _, c := range AllCapabilities {
		if l.Restricts(c) {
			out = append(out, c)
		}
	}
	return out
}
