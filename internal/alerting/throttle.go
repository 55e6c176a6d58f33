package alerting

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Throttle 在冷却期内丢弃同一 DedupKey 的重复告警，并扇出到多个渠道。
type Throttle struct {
	mu       sync.Mutex
	targets  []Notifier
	cooldown time.Duration
	clock    clockwork.Clock
	last     map[string]time.Time
	logger   zerolog.Logger
}

// NewThrottle wraps targets. A zero cooldown sends everything.
func NewThrottle(cooldown time.Duration, clock clockwork.Clock, logger zerolog.Logger, targets ...Notifier) *Throttle {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Throttle{
		targets:  targets,
		cooldown: cooldown,
		clock:    clock,
		last:     make(map[string]time.Time),
		logger:   logger.With().Str("component", "alert_throttle").Logger(),
	}
}

// Notify 发送到全部渠道；任一渠道成功即记录冷却起点。
func (t *Throttle) Notify(ctx context.Context, note Notification) error {
	if len(t.targets) == 0 {
		return nil
	}
	key := note.DedupKey()
	now := t.clock.Now()

	t.mu.Lock()
	if last, ok := t.last[key]; ok && t.cooldown > 0 && now.Sub(last) < t.cooldown {
		t.mu.Unlock()
		t.logger.Debug().Str("key", key).Msg("告警处于冷却期，跳过")
		return nil
	}
	t.mu.Unlock()

	var errs []error
	sent := false
	for _, target := range t.targets {
		if err := target.Notify(ctx, note); err != nil {
			errs = append(errs, err)
			continue
		}
		sent = true
	}
	if sent {
		t.mu.Lock()
		t.last[key] = now
		t.mu.Unlock()
	}
	return errors.Join(errs...)
}

var _ Notifier = (*Throttle)(nil)
