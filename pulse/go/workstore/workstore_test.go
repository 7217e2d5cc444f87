package workstore

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.pulse.build/go/now"
	"go.pulse.build/pulse/go/cache"
	"go.pulse.build/pulse/go/cache/sqlcachestore"
	"go.pulse.build/pulse/go/sourcehealth"
	"go.pulse.build/pulse/go/sources"
	"go.pulse.build/pulse/go/types"
)

var baseTime = time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC)

// fakeReviewSource is a configurable in-memory CodeReviewSource.
type fakeReviewSource struct {
	tag         string
	unavailable bool
	unauthed    bool
	err         error
	reviews     []types.CodeReview

	// block, when non-nil, makes every fetch wait until it is closed.
	block chan struct{}
	calls atomic.Int64
}

func (f *fakeReviewSource) SourceType() string                   { return f.tag }
func (f *fakeReviewSource) IsAvailable(ctx context.Context) bool { return !f.unavailable }
func (f *fakeReviewSource) CheckAuth(ctx context.Context) bool   { return !f.unauthed }

func (f *fakeReviewSource) fetch() ([]types.CodeReview, error) {
	f.calls.Add(1)
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.reviews, nil
}

func (f *fakeReviewSource) FetchAssigned(ctx context.Context) ([]types.CodeReview, error) {
	return f.fetch()
}
func (f *fakeReviewSource) FetchAuthored(ctx context.Context) ([]types.CodeReview, error) {
	return f.fetch()
}
func (f *fakeReviewSource) FetchPendingReview(ctx context.Context) ([]types.CodeReview, error) {
	return nil, nil
}

// fakeItemSource is a configurable in-memory WorkItemSource.
type fakeItemSource struct {
	tag   string
	err   error
	items []types.WorkItem
}

func (f *fakeItemSource) SourceType() string                   { return f.tag }
func (f *fakeItemSource) IsAvailable(ctx context.Context) bool { return true }
func (f *fakeItemSource) CheckAuth(ctx context.Context) bool   { return true }
func (f *fakeItemSource) FetchItems(ctx context.Context) ([]types.WorkItem, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.items, nil
}

func review(tag, id string) types.CodeReview {
	return types.CodeReview{
		ID:          id,
		Key:         "!1",
		Title:       "Fix the frobnicator",
		State:       types.ReviewStateOpen,
		Author:      "alice",
		URL:         "https://example.com/" + id,
		AdapterType: tag,
		AdapterIcon: "X",
	}
}

func newTestSetup(t *testing.T) (*now.TimeTravelCtx, *sources.Registry, cache.Cache, *sourcehealth.Tracker) {
	ctx := now.TimeTravelingContext(baseTime)
	c, err := sqlcachestore.New(ctx, filepath.Join(t.TempDir(), "cache.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, c.Close())
	})
	return ctx, sources.NewRegistry(), c, sourcehealth.NewTracker(sourcehealth.Options{})
}

func TestGetCodeReviews_ColdStartFetchesLive(t *testing.T) {
	ctx, registry, c, health := newTestSetup(t)
	registry.RegisterCodeReviewSource(&fakeReviewSource{
		tag:     "gitlab",
		reviews: []types.CodeReview{review("gitlab", "gitlab-1")},
	})
	store := New(registry, c, health, Options{})

	res := store.GetCodeReviews(ctx, cache.SubsectionAssigned, false)
	require.True(t, res.Fresh)
	require.Len(t, res.Data, 1)
	require.Equal(t, "gitlab-1", res.Data[0].ID)
	require.Empty(t, res.FailedSources)
	require.Empty(t, res.Errors)

	require.True(t, store.IsFresh(ctx, cache.CodeReviews, "gitlab"))
}

func TestGetCodeReviews_StaleServesAndRefreshes(t *testing.T) {
	ctx, registry, c, health := newTestSetup(t)
	src := &fakeReviewSource{
		tag:     "gitlab",
		reviews: []types.CodeReview{review("gitlab", "new")},
	}
	registry.RegisterCodeReviewSource(src)
	store := New(registry, c, health, Options{})

	// Seed a row that will be an hour past its TTL at read time.
	key, err := cache.MakeKey(cache.CodeReviews, "gitlab", cache.SubsectionAssigned)
	require.NoError(t, err)
	payload, err := types.EncodeCodeReviews([]types.CodeReview{review("gitlab", "old")})
	require.NoError(t, err)
	c.Set(ctx, key, payload, 300*time.Second, cache.CodeReviews, "gitlab", cache.SubsectionAssigned)
	ctx.SetTime(baseTime.Add(time.Hour))

	// The stale payload is served immediately.
	res := store.GetCodeReviews(ctx, cache.SubsectionAssigned, false)
	require.False(t, res.Fresh)
	require.Len(t, res.Data, 1)
	require.Equal(t, "old", res.Data[0].ID)
	require.Empty(t, res.FailedSources)

	// The spawned refresh lands the new payload.
	store.Wait()
	require.True(t, store.IsFresh(ctx, cache.CodeReviews, "gitlab"))
	res = store.GetCodeReviews(ctx, cache.SubsectionAssigned, false)
	require.False(t, res.Fresh)
	require.Len(t, res.Data, 1)
	require.Equal(t, "new", res.Data[0].ID)
}

func TestGetCodeReviews_PartialFailure(t *testing.T) {
	ctx, registry, c, health := newTestSetup(t)
	registry.RegisterCodeReviewSource(&fakeReviewSource{
		tag: "gitlab",
		err: errors.New("timeout"),
	})
	registry.RegisterCodeReviewSource(&fakeReviewSource{
		tag:     "github",
		reviews: []types.CodeReview{review("github", "github-1")},
	})
	store := New(registry, c, health, Options{})

	res := store.GetCodeReviews(ctx, cache.SubsectionAssigned, true)
	require.True(t, res.Fresh)
	require.Len(t, res.Data, 1)
	require.Equal(t, "github-1", res.Data[0].ID)
	require.Equal(t, []string{"gitlab"}, res.FailedSources)
	require.Equal(t, "timeout", res.Errors["gitlab"])

	require.Equal(t, []string{"gitlab"}, health.GetFailedSources(ctx))
	_, failing := health.GetRecord(ctx, "github")
	require.False(t, failing)
}

func TestGetCodeReviews_FailingSourcesProbedFirstButAccumulationStaysDeterministic(t *testing.T) {
	ctx, registry, c, health := newTestSetup(t)
	registry.RegisterCodeReviewSource(&fakeReviewSource{
		tag:     "gitlab",
		reviews: []types.CodeReview{review("gitlab", "gitlab-1")},
	})
	registry.RegisterCodeReviewSource(&fakeReviewSource{
		tag:     "github",
		reviews: []types.CodeReview{review("github", "github-1")},
	})
	store := New(registry, c, health, Options{})

	// A prior github failure moves github to the front of the priority
	// order, so its entries accumulate first on the next fetch.
	health.RecordFailure(ctx, "github", errors.New("boom"))
	res := store.GetCodeReviews(ctx, cache.SubsectionAssigned, true)
	require.True(t, res.Fresh)
	require.Len(t, res.Data, 2)
	require.Equal(t, "github-1", res.Data[0].ID)
	require.Equal(t, "gitlab-1", res.Data[1].ID)
	require.Empty(t, res.FailedSources)
}

func TestGetCodeReviews_EmptyResultNotCached(t *testing.T) {
	ctx, registry, c, health := newTestSetup(t)
	registry.RegisterCodeReviewSource(&fakeReviewSource{tag: "gitlab"})
	store := New(registry, c, health, Options{})

	res := store.GetCodeReviews(ctx, cache.SubsectionAssigned, true)
	require.True(t, res.Fresh)
	require.Empty(t, res.Data)
	require.Empty(t, res.FailedSources)

	key, err := cache.MakeKey(cache.CodeReviews, "gitlab", cache.SubsectionAssigned)
	require.NoError(t, err)
	_, ok := c.GetInfo(ctx, key)
	require.False(t, ok)
	require.Empty(t, health.GetFailedSources(ctx))
}

func TestGetCodeReviews_CachedErrorAnnotationSurfaced(t *testing.T) {
	ctx, registry, c, health := newTestSetup(t)
	registry.RegisterCodeReviewSource(&fakeReviewSource{tag: "gitlab"})
	store := New(registry, c, health, Options{})

	key, err := cache.MakeKey(cache.CodeReviews, "gitlab", cache.SubsectionAssigned)
	require.NoError(t, err)
	payload, err := types.EncodeCodeReviews([]types.CodeReview{review("gitlab", "gitlab-1")})
	require.NoError(t, err)
	c.Set(ctx, key, payload, 300*time.Second, cache.CodeReviews, "gitlab", cache.SubsectionAssigned)
	c.RecordError(ctx, key, "rate limited")

	// The payload is still served, with the source marked failed.
	res := store.GetCodeReviews(ctx, cache.SubsectionAssigned, false)
	require.False(t, res.Fresh)
	require.Len(t, res.Data, 1)
	require.Equal(t, []string{"gitlab"}, res.FailedSources)
	require.Equal(t, "rate limited", res.Errors["gitlab"])
}

func TestGetCodeReviews_UnavailableAndUnauthenticatedSourcesSkippedQuietly(t *testing.T) {
	ctx, registry, c, health := newTestSetup(t)
	registry.RegisterCodeReviewSource(&fakeReviewSource{tag: "gitlab", unavailable: true})
	registry.RegisterCodeReviewSource(&fakeReviewSource{tag: "github", unauthed: true})
	store := New(registry, c, health, Options{})

	res := store.GetCodeReviews(ctx, cache.SubsectionAssigned, true)
	require.True(t, res.Fresh)
	require.Empty(t, res.Data)
	require.Empty(t, res.FailedSources)
	require.Empty(t, health.GetFailedSources(ctx))
}

func TestGetCodeReviews_UnknownSubsection(t *testing.T) {
	ctx, registry, c, health := newTestSetup(t)
	src := &fakeReviewSource{tag: "gitlab"}
	registry.RegisterCodeReviewSource(src)
	store := New(registry, c, health, Options{})

	res := store.GetCodeReviews(ctx, cache.Subsection("merged"), false)
	require.Empty(t, res.Data)
	require.Empty(t, res.FailedSources)
	require.EqualValues(t, 0, src.calls.Load())
}

func TestGetCodeReviews_RefreshDeduplicated(t *testing.T) {
	ctx, registry, c, health := newTestSetup(t)
	src := &fakeReviewSource{
		tag:     "gitlab",
		reviews: []types.CodeReview{review("gitlab", "new")},
		block:   make(chan struct{}),
	}
	registry.RegisterCodeReviewSource(src)
	store := New(registry, c, health, Options{})

	key, err := cache.MakeKey(cache.CodeReviews, "gitlab", cache.SubsectionAssigned)
	require.NoError(t, err)
	payload, err := types.EncodeCodeReviews([]types.CodeReview{review("gitlab", "old")})
	require.NoError(t, err)
	c.Set(ctx, key, payload, 300*time.Second, cache.CodeReviews, "gitlab", cache.SubsectionAssigned)
	ctx.SetTime(baseTime.Add(time.Hour))

	// Both reads observe a stale cache while the first refresh is still
	// blocked upstream; only one refresh may be inflight per key.
	store.GetCodeReviews(ctx, cache.SubsectionAssigned, false)
	store.GetCodeReviews(ctx, cache.SubsectionAssigned, false)
	close(src.block)
	store.Wait()
	require.EqualValues(t, 1, src.calls.Load())
}

func TestGetWorkItems_FetchAndCachedRead(t *testing.T) {
	ctx, registry, c, health := newTestSetup(t)
	registry.RegisterWorkItemSource(&fakeItemSource{
		tag: "jira",
		items: []types.WorkItem{
			types.JiraIssue{ID: "PROJ-1", Project: "PROJ", Summary: "Investigate flake", Status: "In Progress", URL: "https://example.com/PROJ-1"},
		},
	})
	registry.RegisterWorkItemSource(&fakeItemSource{
		tag: "todoist",
		items: []types.WorkItem{
			types.TodoistTask{ID: "t1", Content: "Water the plants", Priority: 2, URL: "https://example.com/t1"},
		},
	})
	store := New(registry, c, health, Options{})

	res := store.GetWorkItems(ctx, true)
	require.True(t, res.Fresh)
	require.Len(t, res.Data, 2)
	require.Equal(t, types.KindJira, res.Data[0].Kind())
	require.Equal(t, types.KindTodoist, res.Data[1].Kind())
	require.Empty(t, res.FailedSources)

	// The second, non-forced read is served from the cache.
	res = store.GetWorkItems(ctx, false)
	require.False(t, res.Fresh)
	require.Len(t, res.Data, 2)
	require.Equal(t, "PROJ-1", res.Data[0].Common().ID)
	require.Equal(t, "t1", res.Data[1].Common().ID)

	require.True(t, store.IsFresh(ctx, cache.WorkItems, "jira"))
	require.True(t, store.IsFresh(ctx, cache.WorkItems, ""))
}

func TestGetWorkItems_PartialFailure(t *testing.T) {
	ctx, registry, c, health := newTestSetup(t)
	registry.RegisterWorkItemSource(&fakeItemSource{tag: "jira", err: errors.New("503")})
	registry.RegisterWorkItemSource(&fakeItemSource{
		tag: "todoist",
		items: []types.WorkItem{
			types.TodoistTask{ID: "t1", Content: "Water the plants"},
		},
	})
	store := New(registry, c, health, Options{})

	res := store.GetWorkItems(ctx, true)
	require.True(t, res.Fresh)
	require.Len(t, res.Data, 1)
	require.Equal(t, []string{"jira"}, res.FailedSources)
	require.Equal(t, "503", res.Errors["jira"])
}

func TestInvalidate_ScopedToDataType(t *testing.T) {
	ctx, registry, c, health := newTestSetup(t)
	store := New(registry, c, health, Options{})

	reviewKey, err := cache.MakeKey(cache.CodeReviews, "gitlab", cache.SubsectionAssigned)
	require.NoError(t, err)
	itemKey, err := cache.MakeKey(cache.WorkItems, "jira", cache.SubsectionNone)
	require.NoError(t, err)
	c.Set(ctx, reviewKey, []byte(`[]`), time.Minute, cache.CodeReviews, "gitlab", cache.SubsectionAssigned)
	c.Set(ctx, itemKey, []byte(`[]`), time.Minute, cache.WorkItems, "jira", cache.SubsectionNone)

	store.Invalidate(ctx, cache.CodeReviews, "")
	_, ok := c.GetInfo(ctx, reviewKey)
	require.False(t, ok)
	_, ok = c.GetInfo(ctx, itemKey)
	require.True(t, ok)
}

func TestIsFresh(t *testing.T) {
	ctx, registry, c, health := newTestSetup(t)
	registry.RegisterCodeReviewSource(&fakeReviewSource{tag: "gitlab"})
	registry.RegisterCodeReviewSource(&fakeReviewSource{tag: "github"})
	store := New(registry, c, health, Options{})

	require.False(t, store.IsFresh(ctx, cache.CodeReviews, "gitlab"))
	require.False(t, store.IsFresh(ctx, cache.CodeReviews, ""))

	assigned, err := cache.MakeKey(cache.CodeReviews, "gitlab", cache.SubsectionAssigned)
	require.NoError(t, err)
	c.Set(ctx, assigned, []byte(`[]`), 300*time.Second, cache.CodeReviews, "gitlab", cache.SubsectionAssigned)

	// One existing fresh sub-key is enough on both forms.
	require.True(t, store.IsFresh(ctx, cache.CodeReviews, "gitlab"))
	require.True(t, store.IsFresh(ctx, cache.CodeReviews, ""))
	require.False(t, store.IsFresh(ctx, cache.CodeReviews, "github"))

	opened, err := cache.MakeKey(cache.CodeReviews, "gitlab", cache.SubsectionOpened)
	require.NoError(t, err)
	c.Set(ctx, opened, []byte(`[]`), 300*time.Second, cache.CodeReviews, "gitlab", cache.SubsectionOpened)
	require.True(t, store.IsFresh(ctx, cache.CodeReviews, "gitlab"))

	// A stale sub-key next to a fresh one makes the provider not fresh,
	// while the any-provider form still is.
	ctx.SetTime(baseTime.Add(200 * time.Second))
	c.Set(ctx, assigned, []byte(`[]`), 300*time.Second, cache.CodeReviews, "gitlab", cache.SubsectionAssigned)
	ctx.SetTime(baseTime.Add(400 * time.Second))
	require.False(t, store.IsFresh(ctx, cache.CodeReviews, "gitlab"))
	require.True(t, store.IsFresh(ctx, cache.CodeReviews, ""))

	require.False(t, store.IsFresh(ctx, cache.WorkItems, "jira"))
	require.False(t, store.IsFresh(ctx, cache.DataType("bogus"), ""))
}
