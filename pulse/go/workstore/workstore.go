// Package workstore is the orchestrator that serves unified code review and
// work item reads on top of the cache, the source registry and the source
// health tracker.
//
// Reads follow a stale-while-revalidate protocol: a fresh cache row is served
// directly, a stale row is served immediately while a background refresh is
// spawned, and a miss falls through to a live concurrent fetch across all
// registered sources. Partial upstream failure is the standard case and is
// reported through FetchResult, never as an error: no failure of any kind
// propagates past the read API.
package workstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.pulse.build/go/metrics2"
	"go.pulse.build/go/sklog"
	"go.pulse.build/pulse/go/cache"
	"go.pulse.build/pulse/go/sourcehealth"
	"go.pulse.build/pulse/go/sources"
	"go.pulse.build/pulse/go/types"
)

const (
	// DefaultReviewTTL is the cache TTL for code review rows.
	DefaultReviewTTL = 300 * time.Second

	// DefaultBackgroundTimeout bounds every background refresh.
	DefaultBackgroundTimeout = 30 * time.Second
)

// Options configures a Store. The zero value of any field is replaced with
// the corresponding default.
type Options struct {
	// ReviewTTL is the cache TTL for code review rows.
	ReviewTTL time.Duration

	// WorkItemTTL is the cache TTL for work item rows. Defaults to twice
	// ReviewTTL; work items churn more slowly than reviews.
	WorkItemTTL time.Duration

	// BackgroundTimeout bounds every background refresh. On expiry the
	// refresh is cancelled; the caller already returned stale data.
	BackgroundTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.ReviewTTL <= 0 {
		o.ReviewTTL = DefaultReviewTTL
	}
	if o.WorkItemTTL <= 0 {
		o.WorkItemTTL = 2 * o.ReviewTTL
	}
	if o.BackgroundTimeout <= 0 {
		o.BackgroundTimeout = DefaultBackgroundTimeout
	}
	return o
}

// Store composes the registry, the cache and the health tracker into the read
// API the dashboard consumes. It is safe for concurrent use.
type Store struct {
	registry *sources.Registry
	cache    cache.Cache
	health   *sourcehealth.Tracker
	opts     Options

	refreshCounter    *metrics2.Counter
	fetchErrCounter   *metrics2.Counter
	cachedReadCounter *metrics2.Counter

	// mtx guards inflight. The task WaitGroup keeps spawned refreshes
	// reachable until they complete, and lets Wait drain them.
	mtx      sync.Mutex
	inflight map[string]bool
	tasks    sync.WaitGroup
}

// New returns a Store serving reads from the given cache and sources.
func New(registry *sources.Registry, c cache.Cache, health *sourcehealth.Tracker, opts Options) *Store {
	return &Store{
		registry:          registry,
		cache:             c,
		health:            health,
		opts:              opts.withDefaults(),
		refreshCounter:    metrics2.GetCounter("pulse_workstore_refresh_spawned"),
		fetchErrCounter:   metrics2.GetCounter("pulse_workstore_fetch_errors"),
		cachedReadCounter: metrics2.GetCounter("pulse_workstore_cached_reads"),
		inflight:          map[string]bool{},
	}
}

// GetCodeReviews returns the code reviews for the given subsection, serving
// from the cache when possible. forceRefresh bypasses the cache entirely.
func (s *Store) GetCodeReviews(ctx context.Context, subsection cache.Subsection, forceRefresh bool) *types.FetchResult[types.CodeReview] {
	if subsection != cache.SubsectionAssigned && subsection != cache.SubsectionOpened {
		sklog.Warningf("Unknown code review subsection %q", subsection)
		return &types.FetchResult[types.CodeReview]{Errors: map[string]string{}}
	}
	if forceRefresh {
		return s.fetchCodeReviews(ctx, subsection)
	}

	var data []types.CodeReview
	errs := map[string]string{}
	anyCached := false
	anyFresh := false
	for _, tag := range providerTags(s.registry.CodeReviewSources()) {
		key, err := cache.MakeKey(cache.CodeReviews, tag, subsection)
		if err != nil {
			sklog.Warningf("Skipping source with invalid tag %q: %s", tag, err)
			continue
		}
		payload, ok := s.cache.Get(ctx, key, true)
		if !ok {
			continue
		}
		reviews, err := types.DecodeCodeReviews(payload)
		if err != nil {
			sklog.Errorf("Failed to decode cached reviews for %s: %s", key, err)
			continue
		}
		anyCached = true
		data = append(data, reviews...)
		if info, ok := s.cache.GetInfo(ctx, key); ok {
			if info.LastError != "" {
				errs[tag] = info.LastError
			}
			if info.IsValid {
				anyFresh = true
			}
		}
	}
	if !anyCached {
		return s.fetchCodeReviews(ctx, subsection)
	}
	s.cachedReadCounter.Inc(1)
	if !anyFresh {
		s.spawnRefresh(ctx, cache.CodeReviews, subsection)
	}
	return &types.FetchResult[types.CodeReview]{
		Data:          data,
		Fresh:         false,
		FailedSources: sortedKeys(errs),
		Errors:        errs,
	}
}

// GetWorkItems returns the work items from all registered sources, serving
// from the cache when possible. forceRefresh bypasses the cache entirely.
func (s *Store) GetWorkItems(ctx context.Context, forceRefresh bool) *types.FetchResult[types.WorkItem] {
	if forceRefresh {
		return s.fetchWorkItems(ctx)
	}

	var data []types.WorkItem
	errs := map[string]string{}
	anyCached := false
	anyFresh := false
	for _, tag := range workItemTags(s.registry.WorkItemSources()) {
		key, err := cache.MakeKey(cache.WorkItems, tag, cache.SubsectionNone)
		if err != nil {
			sklog.Warningf("Skipping source with invalid tag %q: %s", tag, err)
			continue
		}
		payload, ok := s.cache.Get(ctx, key, true)
		if !ok {
			continue
		}
		items, err := types.DecodeWorkItems(payload)
		if err != nil {
			sklog.Errorf("Failed to decode cached work items for %s: %s", key, err)
			continue
		}
		anyCached = true
		data = append(data, items...)
		if info, ok := s.cache.GetInfo(ctx, key); ok {
			if info.LastError != "" {
				errs[tag] = info.LastError
			}
			if info.IsValid {
				anyFresh = true
			}
		}
	}
	if !anyCached {
		return s.fetchWorkItems(ctx)
	}
	s.cachedReadCounter.Inc(1)
	if !anyFresh {
		s.spawnRefresh(ctx, cache.WorkItems, cache.SubsectionNone)
	}
	return &types.FetchResult[types.WorkItem]{
		Data:          data,
		Fresh:         false,
		FailedSources: sortedKeys(errs),
		Errors:        errs,
	}
}

// outcome is the result of one source's fetch goroutine.
type outcome[T any] struct {
	entries []T
	err     error
	skipped bool
}

// fetchAll runs fetch for every tag concurrently and returns the outcomes in
// tag order. Accumulation order is deterministic regardless of completion
// order.
func fetchAll[T any](tags []string, fetch func(tag string) ([]T, error, bool)) []outcome[T] {
	outcomes := make([]outcome[T], len(tags))
	var wg sync.WaitGroup
	for i, tag := range tags {
		wg.Add(1)
		go func(i int, tag string) {
			defer wg.Done()
			entries, err, skipped := fetch(tag)
			outcomes[i] = outcome[T]{
				entries: entries,
				err:     err,
				skipped: skipped,
			}
		}(i, tag)
	}
	wg.Wait()
	return outcomes
}

// fetchCodeReviews is the full fetch path for code reviews: a concurrent
// fan-out over all registered sources in health priority order.
func (s *Store) fetchCodeReviews(ctx context.Context, subsection cache.Subsection) *types.FetchResult[types.CodeReview] {
	bySource := map[string]sources.CodeReviewSource{}
	tags := make([]string, 0, len(s.registry.CodeReviewSources()))
	for _, src := range s.registry.CodeReviewSources() {
		if _, ok := bySource[src.SourceType()]; !ok {
			tags = append(tags, src.SourceType())
		}
		bySource[src.SourceType()] = src
	}
	tags = s.health.PrioritySources(ctx, tags)

	outcomes := fetchAll(tags, func(tag string) ([]types.CodeReview, error, bool) {
		src := bySource[tag]
		if !src.IsAvailable(ctx) {
			sklog.Debugf("Source %s is not available; skipping", tag)
			return nil, nil, true
		}
		if !src.CheckAuth(ctx) {
			sklog.Debugf("Source %s is not authenticated; skipping", tag)
			return nil, nil, true
		}
		var reviews []types.CodeReview
		var err error
		switch subsection {
		case cache.SubsectionAssigned:
			reviews, err = src.FetchAssigned(ctx)
		case cache.SubsectionOpened:
			reviews, err = src.FetchAuthored(ctx)
		}
		return reviews, err, false
	})

	ret := &types.FetchResult[types.CodeReview]{
		Fresh:  true,
		Errors: map[string]string{},
	}
	for i, tag := range tags {
		o := outcomes[i]
		if o.skipped {
			continue
		}
		key, err := cache.MakeKey(cache.CodeReviews, tag, subsection)
		if err != nil {
			sklog.Warningf("Skipping source with invalid tag %q: %s", tag, err)
			continue
		}
		if o.err != nil {
			s.fetchErrCounter.Inc(1)
			s.health.RecordFailure(ctx, tag, o.err)
			s.cache.RecordError(ctx, key, o.err.Error())
			ret.FailedSources = append(ret.FailedSources, tag)
			ret.Errors[tag] = o.err.Error()
			continue
		}
		s.health.RecordSuccess(ctx, tag)
		// Empty results are not cached, so a legitimately empty source is
		// refetched on the next cycle rather than pinning an empty row.
		if len(o.entries) > 0 {
			if payload, err := types.EncodeCodeReviews(o.entries); err != nil {
				sklog.Errorf("Failed to encode reviews for %s: %s", key, err)
			} else {
				s.cache.Set(ctx, key, payload, s.opts.ReviewTTL, cache.CodeReviews, tag, subsection)
			}
		}
		ret.Data = append(ret.Data, o.entries...)
	}
	return ret
}

// fetchWorkItems is the full fetch path for work items.
func (s *Store) fetchWorkItems(ctx context.Context) *types.FetchResult[types.WorkItem] {
	bySource := map[string]sources.WorkItemSource{}
	tags := make([]string, 0, len(s.registry.WorkItemSources()))
	for _, src := range s.registry.WorkItemSources() {
		if _, ok := bySource[src.SourceType()]; !ok {
			tags = append(tags, src.SourceType())
		}
		bySource[src.SourceType()] = src
	}
	tags = s.health.PrioritySources(ctx, tags)

	outcomes := fetchAll(tags, func(tag string) ([]types.WorkItem, error, bool) {
		src := bySource[tag]
		if !src.IsAvailable(ctx) {
			sklog.Debugf("Source %s is not available; skipping", tag)
			return nil, nil, true
		}
		if !src.CheckAuth(ctx) {
			sklog.Debugf("Source %s is not authenticated; skipping", tag)
			return nil, nil, true
		}
		items, err := src.FetchItems(ctx)
		return items, err, false
	})

	ret := &types.FetchResult[types.WorkItem]{
		Fresh:  true,
		Errors: map[string]string{},
	}
	for i, tag := range tags {
		o := outcomes[i]
		if o.skipped {
			continue
		}
		key, err := cache.MakeKey(cache.WorkItems, tag, cache.SubsectionNone)
		if err != nil {
			sklog.Warningf("Skipping source with invalid tag %q: %s", tag, err)
			continue
		}
		if o.err != nil {
			s.fetchErrCounter.Inc(1)
			s.health.RecordFailure(ctx, tag, o.err)
			s.cache.RecordError(ctx, key, o.err.Error())
			ret.FailedSources = append(ret.FailedSources, tag)
			ret.Errors[tag] = o.err.Error()
			continue
		}
		s.health.RecordSuccess(ctx, tag)
		if len(o.entries) > 0 {
			if payload, err := types.EncodeWorkItems(o.entries); err != nil {
				sklog.Errorf("Failed to encode work items for %s: %s", key, err)
			} else {
				s.cache.Set(ctx, key, payload, s.opts.WorkItemTTL, cache.WorkItems, tag, cache.SubsectionNone)
			}
		}
		ret.Data = append(ret.Data, o.entries...)
	}
	return ret
}

// spawnRefresh starts a background refresh for (dataType, subsection) unless
// one is already inflight. The refresh runs detached from the caller's
// cancellation but under its own hard timeout.
func (s *Store) spawnRefresh(ctx context.Context, dataType cache.DataType, subsection cache.Subsection) {
	taskKey := string(dataType)
	if subsection != cache.SubsectionNone {
		taskKey += ":" + string(subsection)
	}
	s.mtx.Lock()
	if s.inflight[taskKey] {
		s.mtx.Unlock()
		return
	}
	s.inflight[taskKey] = true
	s.tasks.Add(1)
	s.mtx.Unlock()

	s.refreshCounter.Inc(1)
	bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.BackgroundTimeout)
	go func() {
		defer func() {
			cancel()
			s.mtx.Lock()
			delete(s.inflight, taskKey)
			s.mtx.Unlock()
			s.tasks.Done()
		}()
		sklog.Debugf("Background refresh started for %s", taskKey)
		var failed []string
		switch dataType {
		case cache.CodeReviews:
			failed = s.fetchCodeReviews(bgCtx, subsection).FailedSources
		case cache.WorkItems:
			failed = s.fetchWorkItems(bgCtx).FailedSources
		}
		if err := bgCtx.Err(); err != nil {
			sklog.Warningf("Background refresh for %s timed out: %s", taskKey, err)
			return
		}
		if len(failed) > 0 {
			sklog.Warningf("Background refresh for %s finished with failed sources: %v", taskKey, failed)
			return
		}
		sklog.Debugf("Background refresh finished for %s", taskKey)
	}()
}

// Wait blocks until all inflight background refreshes have completed. Used on
// shutdown and by tests.
func (s *Store) Wait() {
	s.tasks.Wait()
}

// Invalidate deletes the cache rows matching the given dimensions. An empty
// dataType or provider matches everything on that dimension.
func (s *Store) Invalidate(ctx context.Context, dataType cache.DataType, provider string) {
	s.cache.Invalidate(ctx, dataType, provider)
}

// IsFresh reports freshness of the cached data for dataType. With a provider,
// it is true iff at least one of the provider's rows exists and every existing
// row is fresh. Without one, it is true iff any registered provider has at
// least one fresh row.
func (s *Store) IsFresh(ctx context.Context, dataType cache.DataType, provider string) bool {
	subsections := subsectionsFor(dataType)
	if subsections == nil {
		sklog.Warningf("Unknown data type %q", dataType)
		return false
	}
	if provider != "" {
		found := false
		for _, sub := range subsections {
			key, err := cache.MakeKey(dataType, provider, sub)
			if err != nil {
				return false
			}
			info, ok := s.cache.GetInfo(ctx, key)
			if !ok {
				continue
			}
			found = true
			if !info.IsValid {
				return false
			}
		}
		return found
	}
	for _, tag := range s.registeredTags(dataType) {
		for _, sub := range subsections {
			key, err := cache.MakeKey(dataType, tag, sub)
			if err != nil {
				continue
			}
			if s.cache.IsFresh(ctx, key) {
				return true
			}
		}
	}
	return false
}

// Stats summarizes the cache contents for diagnostics.
func (s *Store) Stats(ctx context.Context) cache.Stats {
	return s.cache.GetStats(ctx)
}

// subsectionsFor returns the sub-keys that exist for dataType, or nil if the
// data type is unknown.
func subsectionsFor(dataType cache.DataType) []cache.Subsection {
	switch dataType {
	case cache.CodeReviews:
		return []cache.Subsection{cache.SubsectionAssigned, cache.SubsectionOpened}
	case cache.WorkItems:
		return []cache.Subsection{cache.SubsectionNone}
	default:
		return nil
	}
}

// registeredTags returns the provider tags registered for dataType.
func (s *Store) registeredTags(dataType cache.DataType) []string {
	switch dataType {
	case cache.CodeReviews:
		return providerTags(s.registry.CodeReviewSources())
	case cache.WorkItems:
		return workItemTags(s.registry.WorkItemSources())
	default:
		return nil
	}
}

func providerTags(srcs []sources.CodeReviewSource) []string {
	ret := make([]string, 0, len(srcs))
	seen := map[string]bool{}
	for _, src := range srcs {
		if seen[src.SourceType()] {
			continue
		}
		seen[src.SourceType()] = true
		ret = append(ret, src.SourceType())
	}
	return ret
}

func workItemTags(srcs []sources.WorkItemSource) []string {
	ret := make([]string, 0, len(srcs))
	seen := map[string]bool{}
	for _, src := range srcs {
		if seen[src.SourceType()] {
			continue
		}
		seen[src.SourceType()] = true
		ret = append(ret, src.SourceType())
	}
	return ret
}

func sortedKeys(m map[string]string) []string {
	ret := make([]string, 0, len(m))
	for k := range m {
		ret = append(ret, k)
	}
	sort.Strings(ret)
	return ret
}
