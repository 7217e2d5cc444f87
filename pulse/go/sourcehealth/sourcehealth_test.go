package sourcehealth

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.pulse.build/go/now"
)

var baseTime = time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC)

func TestRecordFailure_CountsAndRefreshes(t *testing.T) {
	ctx := now.TimeTravelingContext(baseTime)
	tracker := NewTracker(Options{})

	tracker.RecordFailure(ctx, "gitlab", errors.New("e1"))
	rec, ok := tracker.GetRecord(ctx, "gitlab")
	require.True(t, ok)
	require.Equal(t, 1, rec.FailureCount)
	require.Equal(t, "e1", rec.Error)
	require.Equal(t, baseTime, rec.Timestamp)

	ctx.Advance(time.Minute)
	tracker.RecordFailure(ctx, "gitlab", errors.New("e2"))
	rec, ok = tracker.GetRecord(ctx, "gitlab")
	require.True(t, ok)
	require.Equal(t, 2, rec.FailureCount)
	require.Equal(t, "e2", rec.Error)
	require.Equal(t, baseTime.Add(time.Minute), rec.Timestamp)
}

func TestRecordSuccess_IsOneShotRecoverySignal(t *testing.T) {
	ctx := now.TimeTravelingContext(baseTime)
	tracker := NewTracker(Options{})

	require.False(t, tracker.RecordSuccess(ctx, "gitlab"))
	tracker.RecordFailure(ctx, "gitlab", errors.New("boom"))
	require.True(t, tracker.RecordSuccess(ctx, "gitlab"))
	require.False(t, tracker.RecordSuccess(ctx, "gitlab"))
}

func TestPrioritySources_FailingFirstMostFailingFirst(t *testing.T) {
	ctx := now.TimeTravelingContext(baseTime)
	tracker := NewTracker(Options{})

	// All healthy: registration order preserved.
	require.Equal(t, []string{"a", "b", "c"}, tracker.PrioritySources(ctx, []string{"a", "b", "c"}))

	tracker.RecordFailure(ctx, "b", errors.New("x"))
	tracker.RecordFailure(ctx, "c", errors.New("x"))
	tracker.RecordFailure(ctx, "c", errors.New("x"))
	require.Equal(t, []string{"c", "b", "a"}, tracker.PrioritySources(ctx, []string{"a", "b", "c"}))

	// Recovery restores registration order.
	tracker.RecordSuccess(ctx, "b")
	tracker.RecordSuccess(ctx, "c")
	require.Equal(t, []string{"a", "b", "c"}, tracker.PrioritySources(ctx, []string{"a", "b", "c"}))
}

func TestPrioritySources_HealthyRelativeOrderStable(t *testing.T) {
	ctx := now.TimeTravelingContext(baseTime)
	tracker := NewTracker(Options{})
	tracker.RecordFailure(ctx, "d", errors.New("x"))
	require.Equal(t, []string{"d", "a", "b", "c"}, tracker.PrioritySources(ctx, []string{"a", "b", "c", "d"}))
}

func TestRetryDelay_GrowsExponentiallyAndClamps(t *testing.T) {
	ctx := now.TimeTravelingContext(baseTime)
	tracker := NewTracker(Options{})

	require.Equal(t, time.Duration(0), tracker.RetryDelay(ctx, "gitlab"))

	expected := []time.Duration{
		30 * time.Second,  // 1 failure
		60 * time.Second,  // 2
		120 * time.Second, // 3
		240 * time.Second, // 4
		300 * time.Second, // 5, clamped
		300 * time.Second, // 6, clamped
	}
	prev := time.Duration(0)
	for i, want := range expected {
		tracker.RecordFailure(ctx, "gitlab", errors.New("x"))
		got := tracker.RetryDelay(ctx, "gitlab")
		require.Equal(t, want, got, "after %d failures", i+1)
		require.GreaterOrEqual(t, got, prev)
		prev = got
	}
}

func TestShouldRetry_RespectsBackoffWindow(t *testing.T) {
	ctx := now.TimeTravelingContext(baseTime)
	tracker := NewTracker(Options{})

	require.True(t, tracker.ShouldRetry(ctx, "gitlab"))

	tracker.RecordFailure(ctx, "gitlab", errors.New("x"))
	require.False(t, tracker.ShouldRetry(ctx, "gitlab"))

	ctx.SetTime(baseTime.Add(29 * time.Second))
	require.False(t, tracker.ShouldRetry(ctx, "gitlab"))

	ctx.SetTime(baseTime.Add(30 * time.Second))
	require.True(t, tracker.ShouldRetry(ctx, "gitlab"))
}

func TestRecords_ExpireAfterRecordExpiry(t *testing.T) {
	ctx := now.TimeTravelingContext(baseTime)
	tracker := NewTracker(Options{})

	tracker.RecordFailure(ctx, "gitlab", errors.New("x"))
	require.Equal(t, []string{"gitlab"}, tracker.GetFailedSources(ctx))

	ctx.SetTime(baseTime.Add(time.Hour + time.Second))
	require.Empty(t, tracker.GetFailedSources(ctx))
	require.True(t, tracker.ShouldRetry(ctx, "gitlab"))
	require.Equal(t, []string{"a", "gitlab"}, tracker.PrioritySources(ctx, []string{"a", "gitlab"}))
}

func TestGetFailedSources_MostFailingFirst(t *testing.T) {
	ctx := now.TimeTravelingContext(baseTime)
	tracker := NewTracker(Options{})

	tracker.RecordFailure(ctx, "jira", errors.New("x"))
	tracker.RecordFailure(ctx, "gitlab", errors.New("x"))
	tracker.RecordFailure(ctx, "gitlab", errors.New("x"))
	require.Equal(t, []string{"gitlab", "jira"}, tracker.GetFailedSources(ctx))
}
