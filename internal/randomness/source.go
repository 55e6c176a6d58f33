// Package randomness models an asynchronous randomness oracle: a request
// returns an ID immediately and the value is delivered later by callback.
package randomness

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

var ErrUnknownRequest = errors.New("unknown randomness request")

// Source accepts randomness requests. Implementations must not invoke the
// consumer from inside RequestRandomness.
type Source interface {
	RequestRandomness(ctx context.Context, gasLimit uint64) (string, error)
}

// Consumer receives fulfilled randomness and must validate the request ID
// against its own pending record.
type Consumer interface {
	FulfillRandomness(ctx context.Context, requestID string, value *uint256.Int) error
}

// Request is a pending request held by LocalSource.
type Request struct {
	ID          string
	GasLimit    uint64
	RequestedAt time.Time
	Value       *uint256.Int
}

// LocalSource derives each value as keccak256(seed || requestID), so draws
// are reproducible from the seed. Values are delivered by Deliver, typically
// from the keeper tick.
type LocalSource struct {
	mu      sync.Mutex
	seed    []byte
	clock   clockwork.Clock
	delay   time.Duration
	pending []*Request
	forced  []*uint256.Int
	logger  zerolog.Logger
}

// NewLocalSource builds a source. Requests become deliverable after delay.
func NewLocalSource(seed []byte, delay time.Duration, clock clockwork.Clock, logger zerolog.Logger) *LocalSource {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &LocalSource{
		seed:   append([]byte(nil), seed...),
		clock:  clock,
		delay:  delay,
		logger: logger.With().Str("component", "randomness").Logger(),
	}
}

// Force queues a value returned by the next request instead of the derived one.
func (s *LocalSource) Force(v *uint256.Int) {
	s.mu.Lock()
	s.forced = append(s.forced, v.Clone())
	s.mu.Unlock()
}

func (s *LocalSource) RequestRandomness(ctx context.Context, gasLimit uint64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()

	value := new(uint256.Int).SetBytes(crypto.Keccak256(s.seed, []byte(id)))
	if len(s.forced) > 0 {
		value = s.forced[0]
		s.forced = s.forced[1:]
	}
	s.pending = append(s.pending, &Request{ID: id, GasLimit: gasLimit, RequestedAt: s.clock.Now(), Value: value})
	s.logger.Debug().Str("request_id", id).Uint64("gas_limit", gasLimit).Msg("randomness requested")
	return id, nil
}

// Pending lists undelivered requests.
func (s *LocalSource) Pending() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, 0, len(s.pending))
	for _, r := range s.pending {
		out = append(out, *r)
	}
	return out
}

// Deliver hands every ripe request to consumer. A request the consumer
// rejects as retryable stays queued; any other outcome removes it.
func (s *LocalSource) Deliver(ctx context.Context, consumer Consumer, retryable func(error) bool) (int, error) {
	s.mu.Lock()
	now := s.clock.Now()
	var ripe []*Request
	for _, r := range s.pending {
		if now.Sub(r.RequestedAt) >= s.delay {
			ripe = append(ripe, r)
		}
	}
	s.mu.Unlock()

	delivered := 0
	var errs []error
	for _, r := range ripe {
		err := consumer.FulfillRandomness(ctx, r.ID, r.Value)
		if err != nil && retryable != nil && retryable(err) {
			errs = append(errs, err)
			continue
		}
		if err != nil {
			s.logger.Warn().Err(err).Str("request_id", r.ID).Msg("randomness fulfillment rejected, dropping request")
			errs = append(errs, err)
		} else {
			delivered++
		}
		s.remove(r.ID)
	}
	return delivered, errors.Join(errs...)
}

func (s *LocalSource) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.pending {
		if r.ID == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

var _ Source = (*LocalSource)(nil)
