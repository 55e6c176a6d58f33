package risk

import (
	"math"
	"time"
)

// Trend directions.
const (
	TrendIncreasing = "INCREASING"
	TrendDecreasing = "DECREASING"
	TrendStable     = "STABLE"
	TrendNoData     = "NO_DATA"
)

// Point is one historical reading.
type Point struct {
	Timestamp time.Time
	Score     uint64
}

// Trend summarises a protocol's readings inside a window.
type Trend struct {
	Protocol string
	Window   time.Duration
	Current  uint64
	Average  uint64
	// Volatility is the population standard deviation of the scores, in bps.
	Volatility uint64
	Direction  string
	// Magnitude is |last - first| in bps.
	Magnitude uint64
	Points    []Point
}

// History returns protocol's stored readings, oldest first.
func (o *Oracle) History(protocol string) []Assessment {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]Assessment(nil), o.history[normalize(protocol)]...)
}

// Trend analyses the readings taken within window of now. A non-positive
// window covers the whole stored history.
func (o *Oracle) Trend(protocol string, window time.Duration) Trend {
	protocol = normalize(protocol)
	t := Trend{Protocol: protocol, Window: window, Direction: TrendNoData}

	var from time.Time
	if window > 0 {
		from = o.clock.Now().Add(-window)
	}
	for _, a := range o.History(protocol) {
		if a.Timestamp.Before(from) {
			continue
		}
		t.Points = append(t.Points, Point{Timestamp: a.Timestamp, Score: a.Score})
	}
	if len(t.Points) == 0 {
		return t
	}

	var sum float64
	for _, p := range t.Points {
		sum += float64(p.Score)
	}
	mean := sum / float64(len(t.Points))
	var sq float64
	for _, p := range t.Points {
		d := float64(p.Score) - mean
		sq += d * d
	}

	first, last := t.Points[0].Score, t.Points[len(t.Points)-1].Score
	t.Current = last
	t.Average = uint64(math.Round(mean))
	t.Volatility = uint64(math.Round(math.Sqrt(sq / float64(len(t.Points)))))
	switch {
	case last > first:
		t.Direction, t.Magnitude = TrendIncreasing, last-first
	case last < first:
		t.Direction, t.Magnitude = TrendDecreasing, first-last
	default:
		t.Direction = TrendStable
	}
	return t
}
