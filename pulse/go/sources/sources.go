// Package sources defines the interfaces every upstream provider adapter must
// implement, and the Registry that holds the configured adapters.
//
// Adapters must return normalized values and must not cache internally; the
// work store owns all caching. Adapters must be safe for concurrent
// invocation from different fetch goroutines.
package sources

import (
	"context"

	"go.pulse.build/pulse/go/types"
)

// CodeReviewSource fetches merge/pull requests from one provider.
type CodeReviewSource interface {
	// SourceType returns the stable provider tag, e.g. "gitlab".
	SourceType() string

	// IsAvailable returns true if the host tool or credentials needed by
	// this source are present.
	IsAvailable(ctx context.Context) bool

	// CheckAuth returns true if the source's credentials are valid.
	CheckAuth(ctx context.Context) bool

	// FetchAssigned returns the reviews assigned to the current user.
	FetchAssigned(ctx context.Context) ([]types.CodeReview, error)

	// FetchAuthored returns the reviews opened by the current user.
	FetchAuthored(ctx context.Context) ([]types.CodeReview, error)

	// FetchPendingReview returns the reviews awaiting the current user's
	// review. No read path dispatches to it yet; it is reserved for a
	// future subsection.
	FetchPendingReview(ctx context.Context) ([]types.CodeReview, error)
}

// WorkItemSource fetches issues or tasks from one provider.
type WorkItemSource interface {
	// SourceType returns the stable provider tag, e.g. "jira".
	SourceType() string

	// IsAvailable returns true if the host tool or credentials needed by
	// this source are present.
	IsAvailable(ctx context.Context) bool

	// CheckAuth returns true if the source's credentials are valid.
	CheckAuth(ctx context.Context) bool

	// FetchItems returns the current user's work items.
	FetchItems(ctx context.Context) ([]types.WorkItem, error)
}

// Registry holds the configured sources in registration order. It is written
// once during startup and read-only afterwards, so it needs no locking.
// Duplicate provider tags are permitted but discouraged; the work store
// indexes sources by tag and would serve the last registration.
type Registry struct {
	codeReviewSources []CodeReviewSource
	workItemSources   []WorkItemSource
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// RegisterCodeReviewSource appends s to the code-review source list.
func (r *Registry) RegisterCodeReviewSource(s CodeReviewSource) {
	r.codeReviewSources = append(r.codeReviewSources, s)
}

// RegisterWorkItemSource appends s to the work-item source list.
func (r *Registry) RegisterWorkItemSource(s WorkItemSource) {
	r.workItemSources = append(r.workItemSources, s)
}

// CodeReviewSources returns a snapshot of the code-review source list.
func (r *Registry) CodeReviewSources() []CodeReviewSource {
	ret := make([]CodeReviewSource, len(r.codeReviewSources))
	copy(ret, r.codeReviewSources)
	return ret
}

// WorkItemSources returns a snapshot of the work-item source list.
func (r *Registry) WorkItemSources() []WorkItemSource {
	ret := make([]WorkItemSource, len(r.workItemSources))
	copy(ret, r.workItemSources)
	return ret
}
