// Package metrics holds the Prometheus collectors of the keeper and API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"prize-vault/internal/amount"
	"prize-vault/internal/protocol"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "prizevault_build_info",
			Help: "Build information of the prize vault keeper",
		},
		[]string{"version", "commit", "date"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prizevault_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "prizevault_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	PoolAssets = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "prizevault_pool_assets",
			Help: "Pool assets in asset units, by bucket",
		},
		[]string{"pool", "bucket"}, // "total", "cash", "deployed", "in_flight"
	)

	PoolSharePrice = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "prizevault_pool_share_price",
			Help: "Assets per share",
		},
		[]string{"pool"},
	)

	AdapterBalance = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "prizevault_adapter_balance",
			Help: "Last known managed balance per adapter, in asset units",
		},
		[]string{"pool", "adapter"},
	)

	AdapterStale = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "prizevault_adapter_stale",
			Help: "1 when the adapter's last balance read failed",
		},
		[]string{"pool", "adapter"},
	)

	PrizePool = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "prizevault_lottery_prize_pool",
			Help: "Accumulated prize pool in asset units",
		},
		[]string{"pool"},
	)

	Participants = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "prizevault_lottery_participants",
			Help: "Active lottery participants",
		},
		[]string{"pool"},
	)

	DrawsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prizevault_lottery_draws_total",
			Help: "Completed lottery draws",
		},
		[]string{"pool", "fallback"},
	)

	EmergencyLevel = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "prizevault_emergency_level",
			Help: "Current emergency level (0=NONE .. 4=CRITICAL)",
		},
		[]string{"pool"},
	)

	APY = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "prizevault_apy_bps",
			Help: "Current and optimal amount-weighted APY in bps",
		},
		[]string{"pool", "kind"}, // "current", "optimal"
	)

	HarvestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prizevault_harvested_total",
			Help: "Yield forwarded to the prize pool, in asset units",
		},
		[]string{"pool"},
	)

	KeeperStepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prizevault_keeper_steps_total",
			Help: "Keeper steps by outcome",
		},
		[]string{"step", "status"},
	)

	KeeperStepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "prizevault_keeper_step_duration_seconds",
			Help:    "Duration of keeper steps in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"step"},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// RecordStep records one keeper step.
func RecordStep(step string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	KeeperStepsTotal.WithLabelValues(step, status).Inc()
	KeeperStepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordStatus publishes a protocol snapshot.
func RecordStatus(st protocol.ProtocolStatus, decimals int32) {
	pool := st.Pool.Name
	set := func(bucket string, f float64) { PoolAssets.WithLabelValues(pool, bucket).Set(f) }
	set("total", amount.ToDecimal(st.Pool.TotalAssets, decimals).InexactFloat64())
	set("cash", amount.ToDecimal(st.Pool.Cash, decimals).InexactFloat64())
	set("deployed", amount.ToDecimal(st.Pool.Deployed, decimals).InexactFloat64())
	set("in_flight", amount.ToDecimal(st.Pool.InFlight, decimals).InexactFloat64())
	PoolSharePrice.WithLabelValues(pool).Set(amount.ToDecimal(st.Pool.SharePriceWad, 18).InexactFloat64())

	for _, a := range st.Pool.Adapters {
		AdapterBalance.WithLabelValues(pool, a.Name).Set(amount.ToDecimal(a.Balance, decimals).InexactFloat64())
		stale := 0.0
		if a.Stale {
			stale = 1
		}
		AdapterStale.WithLabelValues(pool, a.Name).Set(stale)
	}

	PrizePool.WithLabelValues(pool).Set(amount.ToDecimal(st.Lottery.PrizePool, decimals).InexactFloat64())
	Participants.WithLabelValues(pool).Set(float64(st.Lottery.Participants))
	EmergencyLevel.WithLabelValues(pool).Set(float64(st.Emergency.Level))
	APY.WithLabelValues(pool, "current").Set(float64(st.CurrentAPY))
	APY.WithLabelValues(pool, "optimal").Set(float64(st.OptimalAPY))
}
