package metrics

import (
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// API
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Count of HTTP requests."},
		[]string{"handler", "method", "code"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms..~10s
		},
		[]string{"handler", "method"},
	)
	EnqueueTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "api_enqueue_total", Help: "Enqueue results."},
		[]string{"result"}, // accepted | duplicate | invalid | error
	)

	// Engine
	ClaimTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "engine_claim_total", Help: "Claim attempts."},
		[]string{"result"}, // ok | empty | error
	)
	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "engine_dispatch_total", Help: "Per-message dispatch outcomes."},
		[]string{"result"}, // sent | expired | no_channel | codec_error
	)
	TransportSendTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "transport_send_total", Help: "Per-recipient transport hand-offs."},
		[]string{"outcome"}, // ok | error
	)
	StateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "engine_state_transitions_total", Help: "Applied recipient state transitions."},
		[]string{"state"},
	)
	LimitWaits = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "engine_rate_limit_waits_total", Help: "Times the dispatch loop slept on the rate limit."},
	)
	PendingBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "engine_pending_backlog", Help: "Messages currently awaiting dispatch."},
	)
)

var registerOnce sync.Once

// Register default + our collectors. Safe to call from every Router build.
func MustRegister() {
	registerOnce.Do(register)
}

func register() {
	prometheus.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		HTTPRequests, HTTPDuration, EnqueueTotal,
		ClaimTotal, DispatchTotal, TransportSendTotal,
		StateTransitions, LimitWaits, PendingBacklog,
	)
}

// Export a tiny pgxpool stats exporter
type PGXPoolStats struct {
	pool *pgxpool.Pool

	conns          prometheus.Gauge
	idle           prometheus.Gauge
	acquireCount   prometheus.Counter
	acquireLatency prometheus.Counter
}

func NewPGXPoolStats(pool *pgxpool.Pool) *PGXPoolStats {
	m := &PGXPoolStats{
		pool: pool,
		conns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_conns", Help: "Total connections in pool.",
		}),
		idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_idle_conns", Help: "Idle connections in pool.",
		}),
		acquireCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "db_pool_acquires_total", Help: "Total pool acquires.",
		}),
		acquireLatency: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "db_pool_acquire_seconds_total", Help: "Sum of acquire latencies.",
		}),
	}
	prometheus.MustRegister(m.conns, m.idle, m.acquireCount, m.acquireLatency)

	return m
}

func (m *PGXPoolStats) Start(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	for {
		select {
		case <-stop:
			t.Stop()
			return
		case <-t.C:
			s := m.pool.Stat()
			m.conns.Set(float64(s.TotalConns()))
			m.idle.Set(float64(s.IdleConns()))
			m.acquireCount.Add(float64(s.AcquireCount()))
			m.acquireLatency.Add(s.AcquireDuration().Seconds())
		}
	}
}
