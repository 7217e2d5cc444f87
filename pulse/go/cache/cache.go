// Package cache defines the durable TTL cache interface the work store reads
// and writes, and the structured fingerprint used as the cache key.
//
// Every operation traps its own backend failures: reads report a miss and
// writes log and swallow, so a cache fault never propagates to the caller.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"go.pulse.build/go/skerr"
)

// DataType identifies what a cache entry holds.
type DataType string

const (
	CodeReviews = DataType("code_reviews")
	WorkItems   = DataType("work_items")
)

// Subsection is a named cut of a data type. Code reviews have "assigned" and
// "opened"; work items have none.
type Subsection string

const (
	SubsectionNone     = Subsection("")
	SubsectionAssigned = Subsection("assigned")
	SubsectionOpened   = Subsection("opened")
)

// providerRE constrains provider tags in cache keys.
var providerRE = regexp.MustCompile(`^[a-z0-9]+$`)

// MakeKey builds the fingerprint "<data_type>:<provider>[:<subsection>]".
func MakeKey(dataType DataType, provider string, subsection Subsection) (string, error) {
	switch dataType {
	case CodeReviews, WorkItems:
	default:
		return "", skerr.Fmt("invalid data type %q", dataType)
	}
	if !providerRE.MatchString(provider) {
		return "", skerr.Fmt("invalid provider %q", provider)
	}
	switch subsection {
	case SubsectionNone:
		return fmt.Sprintf("%s:%s", dataType, provider), nil
	case SubsectionAssigned, SubsectionOpened:
		return fmt.Sprintf("%s:%s:%s", dataType, provider, subsection), nil
	default:
		return "", skerr.Fmt("invalid subsection %q", subsection)
	}
}

// Info is the metadata of one cache entry, as reported by GetInfo.
type Info struct {
	DataType   DataType
	Provider   string
	CachedAt   time.Time
	TTL        time.Duration
	ExpiresAt  time.Time
	IsValid    bool
	FetchCount int
	LastError  string
}

// Stats summarizes the cache contents for diagnostics.
type Stats struct {
	// Rows maps each data type to its row count.
	Rows map[DataType]int
	// OldestCachedAt is the zero time when the cache is empty.
	OldestCachedAt time.Time
}

// Cache is a durable TTL cache of serialized payloads keyed by fingerprint.
type Cache interface {
	// Get returns the payload for key. A row past its TTL is only returned
	// when acceptStale is true. Backend or payload faults report a miss.
	Get(ctx context.Context, key string, acceptStale bool) (json.RawMessage, bool)

	// Set atomically replaces the row for key, resetting its fetch counter.
	Set(ctx context.Context, key string, payload json.RawMessage, ttl time.Duration, dataType DataType, provider string, subsection Subsection)

	// Invalidate deletes the rows matching the given dimensions. An empty
	// dataType or provider matches everything on that dimension.
	Invalidate(ctx context.Context, dataType DataType, provider string)

	// IsFresh returns true iff a row for key exists and is within its TTL.
	IsFresh(ctx context.Context, key string) bool

	// RecordError annotates the row for key with an error message without
	// touching its payload or timestamps. Missing rows are a no-op.
	RecordError(ctx context.Context, key string, errMsg string)

	// GetInfo returns the metadata for key, if the row exists.
	GetInfo(ctx context.Context, key string) (Info, bool)

	// GetStats summarizes the cache contents.
	GetStats(ctx context.Context) Stats
}
