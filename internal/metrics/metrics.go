// Package metrics provides lightweight, lock-minimal performance counters
// for the AICF-Core store engine.
//
// Counters use sync/atomic so hot paths (append, query, redaction) incur no
// mutex contention. Latency statistics use a single mutex per dimension;
// they are updated at most once per operation. A Prometheus registry mirrors
// a subset of the same counters for stores that want to expose them to a
// scrape endpoint; nothing in this package opens a network listener itself.
package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all runtime counters for one store handle.
// Use New() — the zero value has no Prometheus registry wired up.
type Metrics struct {
	// Write-path counters.
	WritesTotal          atomic.Int64
	WritesFailed         atomic.Int64
	RecordsAppended      atomic.Int64
	ConcurrentModRetries atomic.Int64
	RateLimited          atomic.Int64
	LockTimeouts         atomic.Int64
	StaleLocksStolen     atomic.Int64

	// Read-path counters.
	QueriesTotal    atomic.Int64
	RecordsStreamed atomic.Int64
	ReadsCancelled  atomic.Int64

	// PII counters.
	PIIRedactions atomic.Int64
	PIIFlagged    atomic.Int64

	// Lifecycle counters.
	LifecycleSweeps       atomic.Int64
	RecordsCompressed     atomic.Int64
	RecordsPurged         atomic.Int64
	ConsolidationsEmitted atomic.Int64

	// Index counters.
	IndexRebuilds atomic.Int64

	// Latency statistics (mutex-guarded because they accumulate floats).
	appendMu   sync.Mutex
	appendStat latencyStats

	queryMu   sync.Mutex
	queryStat latencyStats

	sweepMu   sync.Mutex
	sweepStat latencyStats

	startTime time.Time
	reg       *prometheus.Registry
	gauges    promGauges
}

// promGauges mirrors a subset of the atomic counters above as Prometheus
// collectors. Kept as a distinct struct so New()'s wiring stays readable.
type promGauges struct {
	writesTotal   prometheus.Counter
	writesFailed  prometheus.Counter
	piiRedactions prometheus.Counter
	rateLimited   prometheus.Counter
	appendLatency prometheus.Histogram
}

// New returns a Metrics with the start time recorded and its own Prometheus
// registry (not the global default registry, so multiple store handles in
// one process never collide on metric names).
func New() *Metrics {
	m := &Metrics{startTime: time.Now(), reg: prometheus.NewRegistry()}
	m.gauges = promGauges{
		writesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aicf_writes_total", Help: "Total write operations attempted.",
		}),
		writesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aicf_writes_failed_total", Help: "Write operations that terminated in FAILED.",
		}),
		piiRedactions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aicf_pii_redactions_total", Help: "PII matches redacted across all modes.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aicf_rate_limited_total", Help: "Writes rejected by the token-bucket limiter.",
		}),
		appendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "aicf_append_latency_ms",
			Help:    "Append-path latency in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 16),
		}),
	}
	m.reg.MustRegister(m.gauges.writesTotal, m.gauges.writesFailed, m.gauges.piiRedactions,
		m.gauges.rateLimited, m.gauges.appendLatency)
	return m
}

// Registry returns the Prometheus registry backing this Metrics instance,
// for callers that want to wire their own /metrics scrape endpoint.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// RecordWrite updates write-path counters for one completed append attempt.
func (m *Metrics) RecordWrite(ok bool) {
	m.WritesTotal.Add(1)
	m.gauges.writesTotal.Inc()
	if !ok {
		m.WritesFailed.Add(1)
		m.gauges.writesFailed.Inc()
	}
}

// RecordPIIRedaction increments the redaction counter by n matches.
func (m *Metrics) RecordPIIRedaction(n int) {
	if n <= 0 {
		return
	}
	m.PIIRedactions.Add(int64(n))
	m.gauges.piiRedactions.Add(float64(n))
}

// RecordRateLimited records one write rejected by the token bucket.
func (m *Metrics) RecordRateLimited() {
	m.RateLimited.Add(1)
	m.gauges.rateLimited.Inc()
}

// RecordAppendLatency records the duration of one append_locked call.
func (m *Metrics) RecordAppendLatency(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000.0
	m.appendMu.Lock()
	m.appendStat.record(ms)
	m.appendMu.Unlock()
	m.gauges.appendLatency.Observe(ms)
}

// RecordQueryLatency records the duration of one query-layer call.
func (m *Metrics) RecordQueryLatency(d time.Duration) {
	m.queryMu.Lock()
	m.queryStat.record(float64(d.Microseconds()) / 1000.0)
	m.queryMu.Unlock()
}

// RecordSweepLatency records the duration of one lifecycle sweep.
func (m *Metrics) RecordSweepLatency(d time.Duration) {
	m.sweepMu.Lock()
	m.sweepStat.record(float64(d.Microseconds()) / 1000.0)
	m.sweepMu.Unlock()
}

// Snapshot returns a point-in-time copy of all metrics, safe for JSON encoding.
func (m *Metrics) Snapshot() Snapshot {
	m.appendMu.Lock()
	appendLat := m.appendStat.snapshot()
	m.appendMu.Unlock()

	m.queryMu.Lock()
	queryLat := m.queryStat.snapshot()
	m.queryMu.Unlock()

	m.sweepMu.Lock()
	sweepLat := m.sweepStat.snapshot()
	m.sweepMu.Unlock()

	return Snapshot{
		Writes: WriteSnapshot{
			Total:                m.WritesTotal.Load(),
			Failed:               m.WritesFailed.Load(),
			RecordsAppended:      m.RecordsAppended.Load(),
			ConcurrentModRetries: m.ConcurrentModRetries.Load(),
			RateLimited:          m.RateLimited.Load(),
			LockTimeouts:         m.LockTimeouts.Load(),
			StaleLocksStolen:     m.StaleLocksStolen.Load(),
		},
		Reads: ReadSnapshot{
			Queries:         m.QueriesTotal.Load(),
			RecordsStreamed: m.RecordsStreamed.Load(),
			Cancelled:       m.ReadsCancelled.Load(),
		},
		PII: PIISnapshot{
			Redactions: m.PIIRedactions.Load(),
			Flagged:    m.PIIFlagged.Load(),
		},
		Lifecycle: LifecycleSnapshot{
			Sweeps:       m.LifecycleSweeps.Load(),
			Compressed:   m.RecordsCompressed.Load(),
			Purged:       m.RecordsPurged.Load(),
			Consolidated: m.ConsolidationsEmitted.Load(),
		},
		IndexRebuilds: m.IndexRebuilds.Load(),
		Latency: LatencyGroup{
			AppendMs: appendLat,
			QueryMs:  queryLat,
			SweepMs:  sweepLat,
		},
		UptimeSecs: time.Since(m.startTime).Seconds(),
	}
}

// --- JSON-serialisable snapshot types ---

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Writes        WriteSnapshot     `json:"writes"`
	Reads         ReadSnapshot      `json:"reads"`
	PII           PIISnapshot       `json:"pii"`
	Lifecycle     LifecycleSnapshot `json:"lifecycle"`
	IndexRebuilds int64             `json:"indexRebuilds"`
	Latency       LatencyGroup      `json:"latency"`
	UptimeSecs    float64           `json:"uptimeSecs"`
}

// WriteSnapshot holds write-path counters.
type WriteSnapshot struct {
	Total                int64 `json:"total"`
	Failed               int64 `json:"failed"`
	RecordsAppended      int64 `json:"recordsAppended"`
	ConcurrentModRetries int64 `json:"concurrentModRetries"`
	RateLimited          int64 `json:"rateLimited"`
	LockTimeouts         int64 `json:"lockTimeouts"`
	StaleLocksStolen     int64 `json:"staleLocksStolen"`
}

// ReadSnapshot holds read-path counters.
type ReadSnapshot struct {
	Queries         int64 `json:"queries"`
	RecordsStreamed int64 `json:"recordsStreamed"`
	Cancelled       int64 `json:"cancelled"`
}

// PIISnapshot holds PII redaction counters.
type PIISnapshot struct {
	Redactions int64 `json:"redactions"`
	Flagged    int64 `json:"flagged"`
}

// LifecycleSnapshot holds lifecycle engine counters.
type LifecycleSnapshot struct {
	Sweeps       int64 `json:"sweeps"`
	Compressed   int64 `json:"compressed"`
	Purged       int64 `json:"purged"`
	Consolidated int64 `json:"consolidated"`
}

// LatencyGroup groups the three latency dimensions tracked by the engine.
type LatencyGroup struct {
	AppendMs LatencySnapshot `json:"appendMs"`
	QueryMs  LatencySnapshot `json:"queryMs"`
	SweepMs  LatencySnapshot `json:"sweepMs"`
}

// LatencySnapshot is a min/mean/max summary for one latency dimension.
type LatencySnapshot struct {
	Count  int64   `json:"count"`
	MinMs  float64 `json:"minMs"`
	MeanMs float64 `json:"meanMs"`
	MaxMs  float64 `json:"maxMs"`
}

// --- internal accumulator ---

type latencyStats struct {
	count int64
	sum   float64
	min   float64
	max   float64
}

func (s *latencyStats) record(ms float64) {
	s.count++
	s.sum += ms
	if s.count == 1 || ms < s.min {
		s.min = ms
	}
	if ms > s.max {
		s.max = ms
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func (s *latencyStats) snapshot() LatencySnapshot {
	if s.count == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count:  s.count,
		MinMs:  round2(s.min),
		MeanMs: round2(s.sum / float64(s.count)),
		MaxMs:  round2(s.max),
	}
}
