// Package risk stores externally supplied risk assessments per protocol and
// derives levels, recommendations and emergency flags from them.
package risk

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
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"prize-vault/internal/access"
	"prize-vault/internal/amount"
	"prize-vault/internal/vaulterr"
)

const (
	// DefaultScore is reported for missing or expired assessments.
	DefaultScore = 5000
	// Hysteresis is how far below the threshold a score must fall to clear
	// an emergency flag.
	Hysteresis = 500

	// DefaultHistorySize is how many readings per protocol feed Trend.
	DefaultHistorySize = 256

	LevelUnknown = "UNKNOWN"
)

var (
	ErrScoreRange    = errors.New("score out of range")
	ErrDuplicateHash = errors.New("assessment data hash already processed")
	ErrEmptyHash     = errors.New("assessment data hash is required")
)

// Assessment is one risk reading for a protocol.
type Assessment struct {
	Protocol   string
	Score      uint64
	Confidence uint64
	Level      string
	DataHash   common.Hash
	Timestamp  time.Time
	Expiry     time.Time
	Valid      bool
}

// Options configures an Oracle.
type Options struct {
	Clock              clockwork.Clock
	Validity           time.Duration
	EmergencyThreshold uint64
	// HistorySize bounds the readings kept per protocol for trends.
	HistorySize int
}

// Oracle keeps the latest assessment per protocol and a bounded history.
type Oracle struct {
	mu          sync.RWMutex
	roles       *access.Roles
	clock       clockwork.Clock
	validity    time.Duration
	threshold   uint64
	historySize int
	assessments map[string]Assessment
	history     map[string][]Assessment
	seen        map[common.Hash]struct{}
	flagged     map[string]bool
	logger      zerolog.Logger
}

// NewOracle constructs an Oracle.
func NewOracle(roles *access.Roles, opts Options, logger zerolog.Logger) *Oracle {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Validity <= 0 {
		opts.Validity = 24 * time.Hour
	}
	if opts.EmergencyThreshold == 0 {
		opts.EmergencyThreshold = 8000
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	return &Oracle{
		roles:       roles,
		clock:       opts.Clock,
		validity:    opts.Validity,
		threshold:   opts.EmergencyThreshold,
		historySize: opts.HistorySize,
		assessments: make(map[string]Assessment),
		history:     make(map[string][]Assessment),
		seen:        make(map[common.Hash]struct{}),
		flagged:     make(map[string]bool),
		logger:      logger.With().Str("component", "risk").Logger(),
	}
}

// DataHash derives the content hash a submission carries.
func DataHash(protocol string, score, confidence uint64, observedAt time.Time, payload []byte) common.Hash {
	var buf [24]byte
	binary.BigEndian.PutUint64(buf[0:8], score)
	binary.BigEndian.PutUint64(buf[8:16], confidence)
	binary.BigEndian.PutUint64(buf[16:24], uint64(observedAt.UnixNano()))
	return crypto.Keccak256Hash([]byte(normalize(protocol)), buf[:], payload)
}

func normalize(protocol string) string { return strings.ToLower(strings.TrimSpace(protocol)) }

// UpdateRiskAssessment stores a new assessment. Oracle role.
func (o *Oracle) UpdateRiskAssessment(caller common.Address, protocol string, score, confidence uint64, dataHash common.Hash) (Assessment, error) {
	const op = "risk.UpdateRiskAssessment"
	if err := o.roles.Require(caller, access.RoleOracle); err != nil {
		return Assessment{}, err
	}
	protocol = normalize(protocol)
	if protocol == "" {
		return Assessment{}, vaulterr.Validation(op, errors.New("protocol is required"))
	}
	if score > amount.BasisPoints || confidence > amount.BasisPoints {
		return Assessment{}, vaulterr.Validation(op, fmt.Errorf("%w: score=%d confidence=%d", ErrScoreRange, score, confidence))
	}
	if dataHash == (common.Hash{}) {
		return Assessment{}, vaulterr.Validation(op, ErrEmptyHash)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, dup := o.seen[dataHash]; dup {
		return Assessment{}, vaulterr.Replay(op, fmt.Errorf("%w: %s", ErrDuplicateHash, dataHash.Hex()))
	}
	now := o.clock.Now()
	a := Assessment{
		Protocol:   protocol,
		Score:      score,
		Confidence: confidence,
		Level:      ClassifyLevel(score),
		DataHash:   dataHash,
		Timestamp:  now,
		Expiry:     now.Add(o.validity),
		Valid:      true,
	}
	o.seen[dataHash] = struct{}{}
	o.assessments[protocol] = a
	h := append(o.history[protocol], a)
	if len(h) > o.historySize {
		h = append([]Assessment(nil), h[len(h)-o.historySize:]...)
	}
	o.history[protocol] = h
	o.updateFlagLocked(protocol, score)
	return a, nil
}

func (o *Oracle) updateFlagLocked(protocol string, score uint64) {
	was := o.flagged[protocol]
	switch {
	case score > o.threshold:
		o.flagged[protocol] = true
	case was && score+Hysteresis <= o.threshold:
		delete(o.flagged, protocol)
	}
	if now := o.flagged[protocol]; now != was {
		o.logger.Warn().Str("protocol", protocol).Uint64("score", score).Bool("emergency", now).Msg("risk emergency flag changed")
	}
}

// GetRiskAssessment returns the stored assessment while unexpired, otherwise
// the conservative default with Valid=false.
func (o *Oracle) GetRiskAssessment(protocol string) Assessment {
	protocol = normalize(protocol)
	o.mu.RLock()
	a, ok := o.assessments[protocol]
	o.mu.RUnlock()
	if !ok || o.clock.Now().After(a.Expiry) {
		return Assessment{Protocol: protocol, Score: DefaultScore, Level: LevelUnknown, Valid: false}
	}
	return a
}

// IsEmergency reports whether protocol is currently flagged.
func (o *Oracle) IsEmergency(protocol string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.flagged[normalize(protocol)]
}

// Flagged lists flagged protocols, sorted.
func (o *Oracle) Flagged() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]string, 0, len(o.flagged))
	for p := range o.flagged {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Threshold returns the emergency threshold.
func (o *Oracle) Threshold() uint64 { return o.threshold }

// Assessments returns the latest assessment of every protocol, sorted by protocol.
func (o *Oracle) Assessments() []Assessment {
	o.mu.RLock()
	names := make([]string, 0, len(o.assessments))
	for p := range o.assessments {
		names = append(names, p)
	}
	o.mu.RUnlock()
	sort.Strings(names)
	out := make([]Assessment, 0, len(names))
	for _, p := range names {
		out = append(out, o.GetRiskAssessment(p))
	}
	return out
}
