// Package emergency implements the cross-cutting restriction state machine
// every mutating entry point consults before proceeding.
package emergency

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"prize-vault/internal/access"
	"prize-vault/internal/vaulterr"
)

var (
	ErrCooldown        = errors.New("guardian cooldown active")
	ErrUnknownIncident = errors.New("unknown incident")
	ErrInvalidLevel    = errors.New("invalid emergency level")
)

// Gate is the handle components receive to consult the emergency state.
type Gate interface {
	Check(pool string, c Capability, op string) error
}

// Incident is one trigger event. Level of a pool is the max over open incidents.
type Incident struct {
	ID         string
	Pool       string
	Level      Level
	Reason     string
	Guardian   common.Address
	OpenedAt   time.Time
	ResolvedAt *time.Time
}

// Open reports whether the incident is unresolved.
func (i Incident) Open() bool { return i.ResolvedAt == nil }

// State is a read-only snapshot of a monitored pool.
type State struct {
	Pool            string
	Level           Level
	Paused          map[Capability]bool
	ActiveIncidents int
	Incidents       []Incident
}

// Restricted reports whether c is blocked either by level or by a pause flag.
func (s State) Restricted(c Capability) bool {
	return s.Level.Restricts(c) || s.Paused[c]
}

type poolState struct {
	incidents map[string]*Incident
	order     []string
	paused    map[Capability]bool
}

// Options configures a Controller.
type Options struct {
	Cooldown time.Duration
	Clock    clockwork.Clock
}

// Controller tracks incidents and capability pauses per pool.
type Controller struct {
	mu       sync.Mutex
	roles    *access.Roles
	clock    clockwork.Clock
	cooldown time.Duration
	limiters map[common.Address]*rate.Limiter
	pools    map[string]*poolState
	logger   zerolog.Logger
}

// NewController constructs a controller backed by the role table.
func NewController(roles *access.Roles, opts Options, logger zerolog.Logger) *Controller {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Controller{
		roles:    roles,
		clock:    clock,
		cooldown: opts.Cooldown,
		limiters: make(map[common.Address]*rate.Limiter),
		pools:    make(map[string]*poolState),
		logger:   logger.With().Str("component", "emergency").Logger(),
	}
}

// TriggerEmergency opens an incident at level for pool.
func (c *Controller) TriggerEmergency(guardian common.Address, pool string, level Level, reason string) (Incident, error) {
	const op = "emergency.Trigger"
	if err := c.roles.Require(guardian, access.RoleGuardian); err != nil {
		return Incident{}, err
	}
	if !level.Valid() || level == LevelNone {
		return Incident{}, vaulterr.Validation(op, fmt.Errorf("%w: %s", ErrInvalidLevel, level))
	}
	pool = strings.TrimSpace(pool)
	if pool == "" {
		return Incident{}, vaulterr.Validation(op, errors.New("pool identifier required"))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if !c.allowLocked(guardian, now) {
		return Incident{}, vaulterr.RateLimited(op, fmt.Errorf("%w: %s", ErrCooldown, guardian.Hex()))
	}

	ps := c.poolLocked(pool)
	inc := &Incident{
		ID:       uuid.NewString(),
		Pool:     pool,
		Level:    level,
		Reason:   reason,
		Guardian: guardian,
		OpenedAt: now,
	}
	ps.incidents[inc.ID] = inc
	ps.order = append(ps.order, inc.ID)

	c.logger.Warn().
		Str("pool", pool).
		Str("incident", inc.ID).
		Str("level", level.String()).
		Str("effective_level", ps.levelLocked().String()).
		Str("reason", reason).
		Msg("emergency triggered")
	return *inc, nil
}

// ResolveIncident closes one incident. The pool's level drops only to the max
// of the incidents that remain open.
func (c *Controller) ResolveIncident(guardian common.Address, pool, incidentID string) error {
	const op = "emergency.Resolve"
	if err := c.roles.Require(guardian, access.RoleGuardian); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ps, ok := c.pools[pool]
	if !ok {
		return vaulterr.Validation(op, fmt.Errorf("%w: %s", ErrUnknownIncident, incidentID))
	}
	inc, ok := ps.incidents[incidentID]
	if !ok || !inc.Open() {
		return vaulterr.Validation(op, fmt.Errorf("%w: %s", ErrUnknownIncident, incidentID))
	}
	now := c.clock.Now()
	inc.ResolvedAt = &now

	c.logger.Info().
		Str("pool", pool).
		Str("incident", incidentID).
		Str("effective_level", ps.levelLocked().String()).
		Int("active_incidents", ps.activeLocked()).
		Msg("emergency incident resolved")
	return nil
}

// SetCapabilityPaused toggles an individual capability flag for pool.
func (c *Controller) SetCapabilityPaused(guardian common.Address, pool string, capability Capability, paused bool) error {
	if err := c.roles.Require(guardian, access.RoleGuardian); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.poolLocked(pool).paused[capability] = paused
	c.logger.Info().Str("pool", pool).Str("capability", capability.String()).Bool("paused", paused).Msg("capability flag updated")
	return nil
}

// Level returns the effective level of pool.
func (c *Controller) Level(pool string) Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ps, ok := c.pools[pool]; ok {
		return ps.levelLocked()
	}
	return LevelNone
}

// State snapshots pool.
func (c *Controller) State(pool string) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := State{Pool: pool, Paused: make(map[Capability]bool)}
	ps, ok := c.pools[pool]
	if !ok {
		return st
	}
	st.Level = ps.levelLocked()
	st.ActiveIncidents = ps.activeLocked()
	for k, v := range ps.paused {
		st.Paused[k] = v
	}
	for _, id := range ps.order {
		st.Incidents = append(st.Incidents, *ps.incidents[id])
	}
	return st
}

// Pools lists monitored pools in lexical order.
func (c *Controller) Pools() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.pools))
	for p := range c.pools {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Check implements Gate.
func (c *Controller) Check(pool string, capability Capability, op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ps, ok := c.pools[pool]
	if !ok {
		return nil
	}
	level := ps.levelLocked()
	if level.Restricts(capability) {
		return &vaulterr.RestrictedError{Op: op, Capability: capability.String(), Level: level.String()}
	}
	if ps.paused[capability] {
		return &vaulterr.RestrictedError{Op: op, Capability: capability.String()}
	}
	return nil
}

func (c *Controller) allowLocked(guardian common.Address, now time.Time) bool {
	if c.cooldown <= 0 {
		return true
	}
	lim, ok := c.limiters[guardian]
	if !ok {
		lim = rate.NewLimiter(rate.Every(c.cooldown), 1)
		c.limiters[guardian] = lim
	}
	return lim.AllowN(now, 1)
}

func (c *Controller) poolLocked(pool string) *poolState {
	ps, ok := c.pools[pool]
	if !ok {
		ps = &poolState{incidents: make(map[string]*Incident), paused: make(map[Capability]bool)}
		c.pools[pool] = ps
	}
	return ps
}

func (p *poolState) levelLocked() Level {
	level := LevelNone
	for _, inc := range p.incidents {
		if inc.Open() && inc.Level > level {
			level = inc.Level
		}
	}
	return level
}

func (p *poolState) activeLocked() int {
	n := 0
	for _, inc := range p.incidents {
		if inc.Open() {
			n++
		}
	}
	return n
}

var _ Gate = (*Controller)(nil)
