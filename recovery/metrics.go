package recovery

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrorRecord counts failures of one category.
type ErrorRecord struct {
	Category       Category
	Count          int64
	LastOccurredAt time.Time
}

// Snapshot is a read-only copy of the manager's counters.
type Snapshot struct {
	Errors    map[Category]ErrorRecord
	Successes int64
	Failures  int64
	CacheHits int64
	// SuccessRatio is Successes/(Successes+Failures), or zero when no
	// operation has completed.
	SuccessRatio float64
}

type metrics struct {
	mu        sync.Mutex
	errors    map[Category]ErrorRecord
	successes int64
	failures  int64
	cacheHits int64

	errorsTotal *prometheus.CounterVec
	operations  *prometheus.CounterVec
	queueDepth  *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		errors: make(map[Category]ErrorRecord),
		errorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sessionkeeper_recovery_errors_total",
			Help: "Failed attempts by error category.",
		}, []string{"category"}),
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sessionkeeper_recovery_operations_total",
			Help: "Completed operations by outcome.",
		}, []string{"outcome"}),
		queueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sessionkeeper_recovery_queue_depth",
			Help: "Entries waiting in the retry queue by category.",
		}, []string{"category"}),
	}
}

func (m *metrics) recordError(c Category) {
	m.mu.Lock()
	r := m.errors[c]
	r.Category = c
	r.Count++
	r.LastOccurredAt = time.Now()
	m.errors[c] = r
	m.mu.Unlock()
	m.errorsTotal.WithLabelValues(string(c)).Inc()
}

func (m *metrics) recordOutcome(ok bool) {
	m.mu.Lock()
	if ok {
		m.successes++
	} else {
		m.failures++
	}
	m.mu.Unlock()
	if ok {
		m.operations.WithLabelValues("success").Inc()
	} else {
		m.operations.WithLabelValues("failure").Inc()
	}
}

func (m *metrics) recordCacheHit() {
	m.mu.Lock()
	m.cacheHits++
	m.mu.Unlock()
	m.operations.WithLabelValues("cached").Inc()
}

func (m *metrics) setQueueDepth(c Category, n int) {
	m.queueDepth.WithLabelValues(string(c)).Set(float64(n))
}

func (m *metrics) snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		Errors:    make(map[Category]ErrorRecord, len(m.errors)),
		Successes: m.successes,
		Failures:  m.failures,
		CacheHits: m.cacheHits,
	}
	for k, v := range m.errors {
		s.Errors[k] = v
	}
	if total := m.successes + m.failures; total > 0 {
		s.SuccessRatio = float64(m.successes) / float64(total)
	}
	return s
}

// reset clears the in-memory counters. Prometheus counters are monotonic
// and are left alone.
func (m *metrics) reset() {
	m.mu.Lock()
	m.errors = make(map[Category]ErrorRecord)
	m.successes, m.failures, m.cacheHits = 0, 0, 0
	m.mu.Unlock()
}
