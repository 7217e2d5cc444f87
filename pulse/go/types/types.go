// Package types holds the normalized value types produced by source adapters
// and served by the work store: CodeReview for merge/pull requests, and the
// polymorphic WorkItem variants for issues and tasks.
package types

import (
	"time"

	"go.pulse.build/go/skerr"
)

// ReviewState is the normalized state of a code review.
type ReviewState string

const (
	ReviewStateOpen   = ReviewState("open")
	ReviewStateClosed = ReviewState("closed")
	ReviewStateMerged = ReviewState("merged")
)

// AllReviewStates is the set of valid ReviewState values.
var AllReviewStates = []ReviewState{ReviewStateOpen, ReviewStateClosed, ReviewStateMerged}

// CodeReview is an immutable record of one merge or pull request pending
// review action. ID is unique within AdapterType.
type CodeReview struct {
	// ID is the provider-unique identifier.
	ID string `json:"id"`
	// Key is the human label, e.g. "!123" or "#45".
	Key          string      `json:"key"`
	Title        string      `json:"title"`
	State        ReviewState `json:"state"`
	Author       string      `json:"author"`
	SourceBranch string      `json:"source_branch"`
	URL          string      `json:"url"`
	CreatedAt    time.Time   `json:"created_at"`
	Draft        bool        `json:"draft"`
	// AdapterType is the tag of the source that produced this review, e.g. "gitlab".
	AdapterType string `json:"adapter_type"`
	// AdapterIcon is a display hint for the UI.
	AdapterIcon string `json:"adapter_icon"`
}

// Validate returns an error if the CodeReview violates its invariants.
func (c CodeReview) Validate() error {
	if c.Title == "" {
		return skerr.Fmt("code review %q has an empty title", c.ID)
	}
	switch c.State {
	case ReviewStateOpen, ReviewStateClosed, ReviewStateMerged:
	default:
		return skerr.Fmt("code review %q has invalid state %q", c.ID, c.State)
	}
	return nil
}

// Kind discriminates the WorkItem variants on the wire.
type Kind string

const (
	KindJira    = Kind("jira")
	KindTodoist = Kind("todoist")
	KindGitHub  = Kind("github")
	KindAzure   = Kind("azure")
)

// Common is the capability projection shared by every WorkItem variant.
// Priority is 0 when the provider reports none; higher values are more
// urgent. DueDate is an ISO date string, empty when unset.
type Common struct {
	ID       string
	Title    string
	Status   string
	Priority int
	URL      string
	Assignee string
	DueDate  string
}

// WorkItem is an issue, ticket, or task tracked in a project-management tool.
// Each variant carries its provider-native fields and projects them onto the
// Common shape. ID is unique per Kind.
type WorkItem interface {
	// Kind returns the variant discriminator carried in the serialized form.
	Kind() Kind

	// Common projects the variant onto the shared capability set.
	Common() Common

	// IsOpen reports whether the item still needs action.
	IsOpen() bool
}

// ValidateWorkItem checks the invariants shared by all WorkItem variants.
func ValidateWorkItem(item WorkItem) error {
	c := item.Common()
	if c.Title == "" {
		return skerr.Fmt("%s work item %q has an empty title", item.Kind(), c.ID)
	}
	return nil
}
