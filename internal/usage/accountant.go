package usage

import (
	"sync"
	"time"

	"github.com/xwatch/xwatch-bot/internal/models"
)

// CallKind classifies an upstream call for accounting
type CallKind string

const (
	KindProfile     CallKind = "profile"
	KindIncremental CallKind = "incremental"
	KindFallback    CallKind = "fallback"
)

// Reasons a call was avoided
const (
	ReasonCache   = "cache"
	ReasonSkipped = "skipped"
)

// Pricing is the upstream cost model in USD
type Pricing struct {
	PerRequest    float64
	Per1KItems    float64
	Per1KProfiles float64
}

// Accountant counts upstream calls made and avoided
type Accountant struct {
	mu       sync.Mutex
	pricing  Pricing
	metrics  *Metrics
	since    time.Time
	calls    map[CallKind]int64
	avoided  map[string]int64
	items    int64
	profiles int64
	now      func() time.Time
}

// NewAccountant creates an accountant. metrics may be nil.
func NewAccountant(pricing Pricing, metrics *Metrics) *Accountant {
	a := &Accountant{
		pricing: pricing,
		metrics: metrics,
		now:     time.Now,
	}
	a.reset()
	return a
}

// Metrics returns the Prometheus collectors backing this accountant
func (a *Accountant) Metrics() *Metrics {
	return a.metrics
}

// RecordCall counts one upstream call and the items or profiles it returned
func (a *Accountant) RecordCall(kind CallKind, returned int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.calls[kind]++
	if kind == KindProfile {
		a.profiles += int64(returned)
	} else {
		a.items += int64(returned)
	}

	if a.metrics != nil {
		a.metrics.calls.WithLabelValues(string(kind)).Inc()
		if kind != KindProfile {
			a.metrics.items.Add(float64(returned))
		}
	}
}

// RecordCacheHit counts a call answered from the cache
func (a *Accountant) RecordCacheHit() {
	a.recordAvoided(ReasonCache, 1)
}

// RecordSkipped counts accounts that were not due for polling
func (a *Accountant) RecordSkipped(n int) {
	if n <= 0 {
		return
	}
	a.recordAvoided(ReasonSkipped, n)
}

func (a *Accountant) recordAvoided(reason string, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.avoided[reason] += int64(n)
	if a.metrics != nil {
		a.metrics.avoided.WithLabelValues(reason).Add(float64(n))
	}
}

// Report returns cumulative usage with cost and savings estimates
func (a *Accountant) Report() models.UsageReport {
	a.mu.Lock()
	defer a.mu.Unlock()

	report := models.UsageReport{
		GeneratedAt:     a.now(),
		Since:           a.since,
		CallsMade:       make(map[string]int64, len(a.calls)),
		CallsAvoided:    make(map[string]int64, len(a.avoided)),
		FallbackCalls:   a.calls[KindFallback],
		ItemsFetched:    a.items,
		ProfilesFetched: a.profiles,
	}

	for kind, n := range a.calls {
		report.CallsMade[string(kind)] = n
		report.TotalCalls += n
	}
	for reason, n := range a.avoided {
		report.CallsAvoided[reason] = n
		report.TotalAvoided += n
	}

	report.EstimatedCost = float64(report.TotalCalls)*a.pricing.PerRequest +
		float64(a.items)/1000*a.pricing.Per1KItems +
		float64(a.profiles)/1000*a.pricing.Per1KProfiles
	report.EstimatedSavings = float64(report.TotalAvoided) * a.pricing.PerRequest

	if total := report.TotalCalls + report.TotalAvoided; total > 0 {
		report.SavingsRatio = float64(report.TotalAvoided) / float64(total)
	}

	return report
}

// Reset zeroes the counters. Prometheus counters are left untouched.
func (a *Accountant) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reset()
}

func (a *Accountant) reset() {
	a.since = a.now()
	a.calls = make(map[CallKind]int64)
	a.avoided = make(map[string]int64)
	a.items = 0
	a.profiles = 0
}
