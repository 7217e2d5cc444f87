// Package sourcehealth tracks upstream provider failures in memory and
// decides the order in which the work store probes sources.
//
// The tracker never retries anything itself; it is a read-only oracle for the
// work store. Failing sources are ordered first so recovery is detected
// promptly; healthy sources keep their registration order and are never
// blocked, since all fetches run concurrently and the ordering only controls
// the deterministic result accumulation.
package sourcehealth

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"go.pulse.build/go/now"
	"go.pulse.build/go/sklog"
)

const (
	// DefaultBaseRetryDelay is the backoff delay after the first failure.
	DefaultBaseRetryDelay = 30 * time.Second

	// DefaultMaxRetryDelay caps the backoff delay.
	DefaultMaxRetryDelay = 300 * time.Second

	// DefaultBackoffMultiplier is the per-failure backoff growth factor.
	DefaultBackoffMultiplier = 2.0

	// DefaultRecordExpiry is how long a failure record lives without a new
	// failure before the source is assumed recovered.
	DefaultRecordExpiry = time.Hour
)

// Options configures a Tracker. The zero value of any field is replaced with
// the corresponding default.
type Options struct {
	BaseRetryDelay    time.Duration
	MaxRetryDelay     time.Duration
	BackoffMultiplier float64
	RecordExpiry      time.Duration
}

func (o Options) withDefaults() Options {
	if o.BaseRetryDelay <= 0 {
		o.BaseRetryDelay = DefaultBaseRetryDelay
	}
	if o.MaxRetryDelay <= 0 {
		o.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if o.BackoffMultiplier <= 0 {
		o.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if o.RecordExpiry <= 0 {
		o.RecordExpiry = DefaultRecordExpiry
	}
	return o
}

// Record describes the failure state of one source.
type Record struct {
	Source       string
	Error        string
	Timestamp    time.Time
	FailureCount int
}

// Tracker is the in-memory failure table. It is safe for concurrent use.
type Tracker struct {
	opts    Options
	mtx     sync.Mutex
	records map[string]*Record
}

// NewTracker returns an empty Tracker.
func NewTracker(opts Options) *Tracker {
	return &Tracker{
		opts:    opts.withDefaults(),
		records: map[string]*Record{},
	}
}

// RecordFailure creates or updates the failure record for source, refreshing
// the timestamp and error message and incrementing the failure count.
func (t *Tracker) RecordFailure(ctx context.Context, source string, err error) {
	ts := now.Now(ctx)
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if rec, ok := t.records[source]; ok {
		rec.FailureCount++
		rec.Timestamp = ts
		rec.Error = err.Error()
		sklog.Warningf("Source %s failed %d times in a row: %s", source, rec.FailureCount, err)
		return
	}
	t.records[source] = &Record{
		Source:       source,
		Error:        err.Error(),
		Timestamp:    ts,
		FailureCount: 1,
	}
	sklog.Warningf("Source %s failed: %s", source, err)
}

// RecordSuccess removes any failure record for source. The return value is a
// one-shot recovery signal: true iff a record existed.
func (t *Tracker) RecordSuccess(ctx context.Context, source string) bool {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if _, ok := t.records[source]; !ok {
		return false
	}
	delete(t.records, source)
	sklog.Infof("Source %s recovered", source)
	return true
}

// cleanupExpired drops records older than the record expiry. Long-idle
// failures are assumed recovered. Callers must hold t.mtx.
func (t *Tracker) cleanupExpired(ts time.Time) {
	for source, rec := range t.records {
		if ts.Sub(rec.Timestamp) > t.opts.RecordExpiry {
			delete(t.records, source)
		}
	}
}

// PrioritySources returns a reordered copy of sourceList: failing sources
// first, most-failing first, then healthy sources in their original relative
// order.
func (t *Tracker) PrioritySources(ctx context.Context, sourceList []string) []string {
	ts := now.Now(ctx)
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.cleanupExpired(ts)

	ret := make([]string, len(sourceList))
	copy(ret, sourceList)
	failures := func(source string) int {
		if rec, ok := t.records[source]; ok {
			return rec.FailureCount
		}
		return 0
	}
	sort.SliceStable(ret, func(i, j int) bool {
		return failures(ret[i]) > failures(ret[j])
	})
	return ret
}

// retryDelayLocked computes the backoff delay for the given failure count.
func (t *Tracker) retryDelayLocked(failureCount int) time.Duration {
	delay := time.Duration(float64(t.opts.BaseRetryDelay) * math.Pow(t.opts.BackoffMultiplier, float64(failureCount-1)))
	if delay > t.opts.MaxRetryDelay || delay <= 0 {
		return t.opts.MaxRetryDelay
	}
	return delay
}

// RetryDelay returns the current backoff delay for source, or zero if the
// source is healthy. Advisory; the work store does not gate fetches on it.
func (t *Tracker) RetryDelay(ctx context.Context, source string) time.Duration {
	ts := now.Now(ctx)
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.cleanupExpired(ts)
	rec, ok := t.records[source]
	if !ok {
		return 0
	}
	return t.retryDelayLocked(rec.FailureCount)
}

// ShouldRetry returns true if source has no failure record, or if its backoff
// delay has elapsed since the last failure.
func (t *Tracker) ShouldRetry(ctx context.Context, source string) bool {
	ts := now.Now(ctx)
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.cleanupExpired(ts)
	rec, ok := t.records[source]
	if !ok {
		return true
	}
	return ts.Sub(rec.Timestamp) >= t.retryDelayLocked(rec.FailureCount)
}

// GetFailedSources returns the currently failing sources, most-failing first.
func (t *Tracker) GetFailedSources(ctx context.Context) []string {
	ts := now.Now(ctx)
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.cleanupExpired(ts)
	ret := make([]string, 0, len(t.records))
	for source := range t.records {
		ret = append(ret, source)
	}
	sort.Slice(ret, func(i, j int) bool {
		if t.records[ret[i]].FailureCount != t.records[ret[j]].FailureCount {
			return t.records[ret[i]].FailureCount > t.records[ret[j]].FailureCount
		}
		return ret[i] < ret[j]
	})
	return ret
}

// GetRecord returns a copy of the failure record for source, if any.
func (t *Tracker) GetRecord(ctx context.Context, source string) (Record, bool) {
	ts := now.Now(ctx)
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.cleanupExpired(ts)
	rec, ok := t.records[source]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}
