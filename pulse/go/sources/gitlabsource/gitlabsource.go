// Package gitlabsource implements the code review source interface on top of
// the glab CLI.
//
// All subprocess invocations go through a weighted semaphore capping them at
// three at a time; the work store's concurrent fetch would otherwise saturate
// subprocess creation. Transient CLI failures are retried with exponential
// backoff before being reported upstream.
package gitlabsource

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.pulse.build/go/executil"
	"go.pulse.build/go/skerr"
	"go.pulse.build/go/sklog"
	"go.pulse.build/pulse/go/sources"
	"go.pulse.build/pulse/go/types"
	"golang.org/x/sync/semaphore"
)

const (
	// SourceType is the provider tag of this adapter.
	SourceType = "gitlab"

	// maxConcurrentSubprocesses caps concurrent glab invocations.
	maxConcurrentSubprocesses = 3

	// maxRetries is how many times a failed glab invocation is retried.
	maxRetries = 2
)

// Source shells out to glab. Safe for concurrent use.
type Source struct {
	glabPath string
	sem      *semaphore.Weighted

	// retryBase is the initial backoff interval, shortened in tests.
	retryBase time.Duration
}

// New returns a Source invoking the given glab binary, resolved through PATH
// when not an absolute path.
func New(glabPath string) *Source {
	return &Source{
		glabPath:  glabPath,
		sem:       semaphore.NewWeighted(maxConcurrentSubprocesses),
		retryBase: 500 * time.Millisecond,
	}
}

// SourceType implements sources.CodeReviewSource.
func (s *Source) SourceType() string {
	return SourceType
}

// IsAvailable implements sources.CodeReviewSource. True if the glab binary
// can be found.
func (s *Source) IsAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath(s.glabPath); err != nil {
		sklog.Debugf("glab binary %q not found: %s", s.glabPath, err)
		return false
	}
	return true
}

// CheckAuth implements sources.CodeReviewSource. True if glab reports a valid
// login.
func (s *Source) CheckAuth(ctx context.Context) bool {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return false
	}
	defer s.sem.Release(1)
	if err := executil.CommandContext(ctx, s.glabPath, "auth", "status").Run(); err != nil {
		sklog.Debugf("glab auth status failed: %s", err)
		return false
	}
	return true
}

// FetchAssigned implements sources.CodeReviewSource.
func (s *Source) FetchAssigned(ctx context.Context) ([]types.CodeReview, error) {
	return s.fetchMergeRequests(ctx, "--assignee=@me")
}

// FetchAuthored implements sources.CodeReviewSource.
func (s *Source) FetchAuthored(ctx context.Context) ([]types.CodeReview, error) {
	return s.fetchMergeRequests(ctx, "--author=@me")
}

// FetchPendingReview implements sources.CodeReviewSource.
func (s *Source) FetchPendingReview(ctx context.Context) ([]types.CodeReview, error) {
	return s.fetchMergeRequests(ctx, "--reviewer=@me")
}

// mergeRequest is the subset of glab's merge request JSON we consume.
type mergeRequest struct {
	IID    int64  `json:"iid"`
	Title  string `json:"title"`
	State  string `json:"state"`
	Author struct {
		Username string `json:"username"`
	} `json:"author"`
	SourceBranch string    `json:"source_branch"`
	WebURL       string    `json:"web_url"`
	CreatedAt    time.Time `json:"created_at"`
	Draft        bool      `json:"draft"`
}

func (m mergeRequest) toCodeReview() types.CodeReview {
	state := types.ReviewState(m.State)
	// glab reports "opened" where we normalize to "open".
	if m.State == "opened" {
		state = types.ReviewStateOpen
	}
	return types.CodeReview{
		ID:           fmt.Sprintf("gitlab-%d", m.IID),
		Key:          fmt.Sprintf("!%d", m.IID),
		Title:        m.Title,
		State:        state,
		Author:       m.Author.Username,
		SourceBranch: m.SourceBranch,
		URL:          m.WebURL,
		CreatedAt:    m.CreatedAt,
		Draft:        m.Draft,
		AdapterType:  SourceType,
		AdapterIcon:  "🦊",
	}
}

func (s *Source) fetchMergeRequests(ctx context.Context, filter string) ([]types.CodeReview, error) {
	out, err := s.run(ctx, "mr", "list", filter, "--output", "json")
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	var mrs []mergeRequest
	if err := json.Unmarshal(out, &mrs); err != nil {
		return nil, skerr.Wrapf(err, "parsing glab merge request output")
	}
	ret := make([]types.CodeReview, 0, len(mrs))
	for _, mr := range mrs {
		ret = append(ret, mr.toCodeReview())
	}
	return ret, nil
}

// run invokes glab with the given arguments under the subprocess semaphore,
// retrying failures with exponential backoff, and returns its stdout.
func (s *Source) run(ctx context.Context, args ...string) ([]byte, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, skerr.Wrap(err)
	}
	defer s.sem.Release(1)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.retryBase
	var out []byte
	err := backoff.Retry(func() error {
		b, err := executil.CommandContext(ctx, s.glabPath, args...).Output()
		if err != nil {
			return skerr.Wrapf(err, "running %s %s", s.glabPath, strings.Join(args, " "))
		}
		out = b
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx))
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return out, nil
}

// Assert that Source implements sources.CodeReviewSource.
var _ sources.CodeReviewSource = (*Source)(nil)
