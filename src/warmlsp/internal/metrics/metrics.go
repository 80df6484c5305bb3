// Package metrics keeps process-wide operation counters and latency samples for the status query,
// and mirrors every update to a tally scope.
package metrics

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	tally "github.com/uber-go/tally/v4"
	"go.uber.org/fx"
)

const (
	_callsSuffix  = ".calls"
	_errorsSuffix = ".errors"
	_tagOperation = "operation"

	// _maxSamples bounds the samples kept per histogram; percentiles are computed over the most recent ones.
	_maxSamples = 4096
)

// Module is the Fx module for this package.
var Module = fx.Options(
	fx.Provide(NewScope),
	fx.Provide(New),
)

// Registry holds counters and duration histograms keyed by name.
type Registry struct {
	scope tally.Scope
	clock func() time.Time

	counters   sync.Map // name -> *atomic.Int64
	histograms sync.Map // name -> *histogram
}

type histogram struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	count   int64
	max     time.Duration
}

// Snapshot is a point-in-time copy of the registry.
type Snapshot struct {
	Counters   map[string]int64            `json:"counters"`
	Histograms map[string]HistogramSummary `json:"histograms"`
}

// HistogramSummary describes one histogram.
type HistogramSummary struct {
	Count int64   `json:"count"`
	P50Ms float64 `json:"p50Ms"`
	P95Ms float64 `json:"p95Ms"`
	MaxMs float64 `json:"maxMs"`
}

// New creates an empty Registry reporting to scope.
func New(scope tally.Scope) *Registry {
	return &Registry{
		scope: scope.SubScope("operations"),
		clock: time.Now,
	}
}

// Begin counts a call of op and returns a function that records its duration, and an error if err is non-nil.
func (r *Registry) Begin(op string) func(err error) {
	r.Inc(op + _callsSuffix)
	tagged := r.scope.Tagged(map[string]string{_tagOperation: op})
	tagged.Counter("calls").Inc(1)
	start := r.clock()

	return func(err error) {
		d := r.clock().Sub(start)
		r.observe(op, d)
		tagged.Timer("latency").Record(d)
		if err != nil {
			r.Inc(op + _errorsSuffix)
			tagged.Counter("errors").Inc(1)
		}
	}
}

// Inc increments the named counter by one.
func (r *Registry) Inc(name string) {
	v, _ := r.counters.LoadOrStore(name, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

func (r *Registry) observe(name string, d time.Duration) {
	v, _ := r.histograms.LoadOrStore(name, &histogram{})
	h := v.(*histogram)

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.samples) < _maxSamples {
		h.samples = append(h.samples, d)
	} else {
		h.samples[h.next] = d
		h.next = (h.next + 1) % _maxSamples
	}
	h.count++
	if d > h.max {
		h.max = d
	}
}

// Counter returns the current value of a counter, zero if it was never incremented.
func (r *Registry) Counter(name string) int64 {
	v, ok := r.counters.Load(name)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

// Snapshot copies every counter and summarizes every histogram.
// Histogram samples are copied under their lock and sorted outside it.
func (r *Registry) Snapshot() Snapshot {
	s := Snapshot{
		Counters:   make(map[string]int64),
		Histograms: make(map[string]HistogramSummary),
	}
	r.counters.Range(func(k, v any) bool {
		s.Counters[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	r.histograms.Range(func(k, v any) bool {
		h := v.(*histogram)
		h.mu.Lock()
		samples := append([]time.Duration(nil), h.samples...)
		count, longest := h.count, h.max
		h.mu.Unlock()

		sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
		s.Histograms[k.(string)] = HistogramSummary{
			Count: count,
			P50Ms: millis(percentile(samples, 0.50)),
			P95Ms: millis(percentile(samples, 0.95)),
			MaxMs: millis(longest),
		}
		return true
	})
	return s
}

// percentile uses the nearest-rank method on sorted samples.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
