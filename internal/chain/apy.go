package chain

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var secondsPerYear = decimal.NewFromInt(int64(365 * 24 * time.Hour / time.Second))

// APYEstimator turns successive share-price samples into simple annualised
// yield. A new estimate is produced only once Window has elapsed since the
// anchor sample; the anchor then moves forward.
type APYEstimator struct {
	mu      sync.Mutex
	window  time.Duration
	anchors map[common.Hash]Sample
}

// NewAPYEstimator builds an estimator with the given minimum window.
func NewAPYEstimator(window time.Duration) *APYEstimator {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &APYEstimator{window: window, anchors: make(map[common.Hash]Sample)}
}

// Observe records s for key and returns the APY in bps when a full window
// has passed. A falling share price reports zero.
func (e *APYEstimator) Observe(key common.Hash, s Sample) (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	anchor, ok := e.anchors[key]
	if !ok || !anchor.Price.IsPositive() || anchor.Vault != s.Vault {
		e.anchors[key] = s
		return 0, false
	}
	elapsed := s.At.Sub(anchor.At)
	if elapsed < e.window {
		return 0, false
	}
	e.anchors[key] = s

	growth := s.Price.Sub(anchor.Price).Div(anchor.Price)
	if !growth.IsPositive() {
		return 0, true
	}
	seconds := decimal.NewFromInt(int64(elapsed / time.Second))
	bps := growth.Mul(secondsPerYear).Div(seconds).Mul(decimal.NewFromInt(10000)).Round(0)
	return uint64(bps.IntPart()), true
}
