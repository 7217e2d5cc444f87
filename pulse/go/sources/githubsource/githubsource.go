// Package githubsource implements both source interfaces against the GitHub
// REST API: pull requests as code reviews and issues as work items.
package githubsource

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v30/github"
	"go.pulse.build/go/skerr"
	"go.pulse.build/go/sklog"
	"go.pulse.build/pulse/go/sources"
	"go.pulse.build/pulse/go/types"
	"golang.org/x/oauth2"
)

const (
	// SourceType is the provider tag of this adapter.
	SourceType = "github"

	// searchPageSize is the page size for search queries.
	searchPageSize = 100

	// maxSearchPages caps pagination; a dashboard view past this many
	// entries is not useful.
	maxSearchPages = 5
)

// Source talks to the GitHub API as one user. Safe for concurrent use.
type Source struct {
	client *github.Client
	login  string
}

// New returns a Source fetching the given user's reviews and issues over the
// provided HTTP client, which must already carry credentials.
func New(httpClient *http.Client, login string) *Source {
	return &Source{
		client: github.NewClient(httpClient),
		login:  login,
	}
}

// NewFromToken is a convenience wrapper around New using a static OAuth2
// token.
func NewFromToken(ctx context.Context, token, login string) *Source {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return New(oauth2.NewClient(ctx, ts), login)
}

// SourceType implements sources.CodeReviewSource and sources.WorkItemSource.
func (s *Source) SourceType() string {
	return SourceType
}

// IsAvailable implements sources.CodeReviewSource and sources.WorkItemSource.
func (s *Source) IsAvailable(ctx context.Context) bool {
	return s.login != ""
}

// CheckAuth implements sources.CodeReviewSource and sources.WorkItemSource.
// True if the credentials resolve to a user.
func (s *Source) CheckAuth(ctx context.Context) bool {
	if _, _, err := s.client.Users.Get(ctx, ""); err != nil {
		sklog.Debugf("GitHub auth check failed: %s", err)
		return false
	}
	return true
}

// FetchAssigned implements sources.CodeReviewSource.
func (s *Source) FetchAssigned(ctx context.Context) ([]types.CodeReview, error) {
	return s.searchPullRequests(ctx, fmt.Sprintf("is:pr is:open assignee:%s", s.login))
}

// FetchAuthored implements sources.CodeReviewSource.
func (s *Source) FetchAuthored(ctx context.Context) ([]types.CodeReview, error) {
	return s.searchPullRequests(ctx, fmt.Sprintf("is:pr is:open author:%s", s.login))
}

// FetchPendingReview implements sources.CodeReviewSource.
func (s *Source) FetchPendingReview(ctx context.Context) ([]types.CodeReview, error) {
	return s.searchPullRequests(ctx, fmt.Sprintf("is:pr is:open review-requested:%s", s.login))
}

// FetchItems implements sources.WorkItemSource.
func (s *Source) FetchItems(ctx context.Context) ([]types.WorkItem, error) {
	issues, err := s.search(ctx, fmt.Sprintf("is:issue is:open assignee:%s", s.login))
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	ret := make([]types.WorkItem, 0, len(issues))
	for _, issue := range issues {
		ret = append(ret, issueToWorkItem(issue))
	}
	return ret, nil
}

func (s *Source) searchPullRequests(ctx context.Context, query string) ([]types.CodeReview, error) {
	issues, err := s.search(ctx, query)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	ret := make([]types.CodeReview, 0, len(issues))
	for _, issue := range issues {
		ret = append(ret, pullRequestToCodeReview(issue))
	}
	return ret, nil
}

// search runs an issue search query and paginates through the results.
func (s *Source) search(ctx context.Context, query string) ([]*github.Issue, error) {
	opts := &github.SearchOptions{
		Sort:        "updated",
		ListOptions: github.ListOptions{PerPage: searchPageSize},
	}
	var ret []*github.Issue
	for page := 0; page < maxSearchPages; page++ {
		res, resp, err := s.client.Search.Issues(ctx, query, opts)
		if err != nil {
			return nil, skerr.Wrapf(err, "searching GitHub for %q", query)
		}
		ret = append(ret, res.Issues...)
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return ret, nil
}

// repoFromURL extracts "owner/repo" from an API repository URL like
// "https://api.github.com/repos/owner/repo".
func repoFromURL(url string) string {
	if _, repo, ok := strings.Cut(url, "/repos/"); ok {
		return repo
	}
	return ""
}

func pullRequestToCodeReview(issue *github.Issue) types.CodeReview {
	repo := repoFromURL(issue.GetRepositoryURL())
	state := types.ReviewStateClosed
	if issue.GetState() == "open" {
		state = types.ReviewStateOpen
	}
	return types.CodeReview{
		ID:          fmt.Sprintf("github-%s#%d", repo, issue.GetNumber()),
		Key:         fmt.Sprintf("#%d", issue.GetNumber()),
		Title:       issue.GetTitle(),
		State:       state,
		Author:      issue.GetUser().GetLogin(),
		URL:         issue.GetHTMLURL(),
		CreatedAt:   issue.GetCreatedAt(),
		AdapterType: SourceType,
		AdapterIcon: "🐙",
	}
}

func issueToWorkItem(issue *github.Issue) types.GitHubIssue {
	repo := repoFromURL(issue.GetRepositoryURL())
	return types.GitHubIssue{
		ID:       fmt.Sprintf("github-%s#%d", repo, issue.GetNumber()),
		Repo:     repo,
		Number:   issue.GetNumber(),
		Title:    issue.GetTitle(),
		State:    issue.GetState(),
		URL:      issue.GetHTMLURL(),
		Assignee: issue.GetAssignee().GetLogin(),
	}
}

// Assert that Source implements both source interfaces.
var _ sources.CodeReviewSource = (*Source)(nil)
var _ sources.WorkItemSource = (*Source)(nil)
