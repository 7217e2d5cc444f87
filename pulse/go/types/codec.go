package types

import (
	"encoding/json"

	"go.pulse.build/go/skerr"
)

// FetchResult is what the work store returns for every read. Partial failure
// is the standard case: Data and FailedSources may both be non-empty.
type FetchResult[T any] struct {
	// Data holds the successful sources' entries in priority order, each
	// source's internal order preserved.
	Data []T

	// Fresh is true when the data came from a live fetch, false when it was
	// served from the cache (fresh or stale).
	Fresh bool

	// FailedSources lists the provider tags whose fetch failed, or whose
	// cached row carries an error annotation.
	FailedSources []string

	// Errors maps failed provider tags to their error messages.
	Errors map[string]string
}

// EncodeCodeReviews serializes reviews as a JSON array.
func EncodeCodeReviews(reviews []CodeReview) ([]byte, error) {
	b, err := json.Marshal(reviews)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return b, nil
}

// DecodeCodeReviews is the inverse of EncodeCodeReviews.
func DecodeCodeReviews(b []byte) ([]CodeReview, error) {
	var ret []CodeReview
	if err := json.Unmarshal(b, &ret); err != nil {
		return nil, skerr.Wrap(err)
	}
	return ret, nil
}

// kindTag is used to peek at the discriminator of a serialized WorkItem.
type kindTag struct {
	Kind Kind `json:"kind"`
}

// EncodeWorkItems serializes items as a JSON array of objects, each carrying
// its variant's fields plus a "kind" discriminator.
func EncodeWorkItems(items []WorkItem) ([]byte, error) {
	raw := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		var b []byte
		var err error
		switch v := item.(type) {
		case JiraIssue:
			b, err = json.Marshal(struct {
				Kind Kind `json:"kind"`
				JiraIssue
			}{v.Kind(), v})
		case TodoistTask:
			b, err = json.Marshal(struct {
				Kind Kind `json:"kind"`
				TodoistTask
			}{v.Kind(), v})
		case GitHubIssue:
			b, err = json.Marshal(struct {
				Kind Kind `json:"kind"`
				GitHubIssue
			}{v.Kind(), v})
		case AzureWorkItem:
			b, err = json.Marshal(struct {
				Kind Kind `json:"kind"`
				AzureWorkItem
			}{v.Kind(), v})
		default:
			return nil, skerr.Fmt("cannot encode work item of unknown kind %q", item.Kind())
		}
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		raw = append(raw, b)
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return b, nil
}

// DecodeWorkItems is the inverse of EncodeWorkItems, dispatching each element
// on its "kind" discriminator.
func DecodeWorkItems(b []byte) ([]WorkItem, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, skerr.Wrap(err)
	}
	ret := make([]WorkItem, 0, len(raw))
	for _, r := range raw {
		var tag kindTag
		if err := json.Unmarshal(r, &tag); err != nil {
			return nil, skerr.Wrap(err)
		}
		var item WorkItem
		switch tag.Kind {
		case KindJira:
			var v JiraIssue
			if err := json.Unmarshal(r, &v); err != nil {
				return nil, skerr.Wrap(err)
			}
			item = v
		case KindTodoist:
			var v TodoistTask
			if err := json.Unmarshal(r, &v); err != nil {
				return nil, skerr.Wrap(err)
			}
			item = v
		case KindGitHub:
			var v GitHubIssue
			if err := json.Unmarshal(r, &v); err != nil {
				return nil, skerr.Wrap(err)
			}
			item = v
		case KindAzure:
			var v AzureWorkItem
			if err := json.Unmarshal(r, &v); err != nil {
				return nil, skerr.Wrap(err)
			}
			item = v
		default:
			return nil, skerr.Fmt("cannot decode work item of unknown kind %q", tag.Kind)
		}
		ret = append(ret, item)
	}
	return ret, nil
}
