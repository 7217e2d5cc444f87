// Package now provides a function to return the current time that is
// also easily overridden for testing.
package now

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type contextKeyType string

// ContextKey is used by tests to make the time deterministic. The value
// stored under this key may be either a time.Time or a NowProvider.
//
//	ctx = context.WithValue(ctx, now.ContextKey, time.Unix(0, 12).UTC())
const ContextKey contextKeyType = "overwriteNow"

// NowProvider is a function that returns a time.Time, evaluated on every call
// to Now with a context carrying it. A NowProvider must be threadsafe if the
// context is shared across goroutines. Tests that need the time to move
// should use TimeTravelCtx instead of a bare NowProvider.
type NowProvider func() time.Time

// Now returns the current time, or the overridden time from the context.
func Now(ctx context.Context) time.Time {
	if ts := ctx.Value(ContextKey); ts != nil {
		switch v := ts.(type) {
		case NowProvider:
			return v()
		case time.Time:
			return v
		default:
			panic(fmt.Sprintf("Unknown value for ContextKey: %v", v))
		}
	}
	return time.Now()
}

// TimeTravelCtx is a context.Context whose apparent time, as seen through
// now.Now, can be moved by the test:
//
//	ctx := now.TimeTravelingContext(start)
//	first := doSomething(ctx)
//	ctx.SetTime(start.Add(2 * time.Minute))
//	second := doSomething(ctx)
type TimeTravelCtx struct {
	context.Context

	mutex sync.RWMutex
	ts    time.Time
}

// TimeTravelingContext returns a *TimeTravelCtx based on context.Background
// that reports the given time until SetTime is called.
func TimeTravelingContext(start time.Time) *TimeTravelCtx {
	t := &TimeTravelCtx{
		ts: start,
	}
	t.Context = context.WithValue(context.Background(), ContextKey, NowProvider(t.now))
	return t
}

// now is a threadsafe NowProvider.
func (t *TimeTravelCtx) now() time.Time {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.ts
}

// SetTime updates the time reported by the embedded context's NowProvider.
// It is threadsafe.
func (t *TimeTravelCtx) SetTime(newTime time.Time) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.ts = newTime
}

// Advance moves the reported time forward by d and returns the new time.
// It is threadsafe.
func (t *TimeTravelCtx) Advance(d time.Duration) time.Time {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.ts = t.ts.Add(d)
	return t.ts
}

// WithContext replaces the embedded context with one derived from the passed
// in context, preserving the time override.
func (t *TimeTravelCtx) WithContext(ctx context.Context) *TimeTravelCtx {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.Context = context.WithValue(ctx, ContextKey, NowProvider(t.now))
	return t
}
