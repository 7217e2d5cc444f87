package types

import "strings"

// JiraIssue is a work item tracked in Jira.
type JiraIssue struct {
	// ID is the issue key, e.g. "PROJ-123".
	ID       string `json:"id"`
	Project  string `json:"project"`
	Summary  string `json:"summary"`
	Status   string `json:"status"`
	Priority int    `json:"priority"`
	URL      string `json:"url"`
	Assignee string `json:"assignee"`
	DueDate  string `json:"due_date"`
}

func (j JiraIssue) Kind() Kind {
	return KindJira
}

func (j JiraIssue) Common() Common {
	return Common{
		ID:       j.ID,
		Title:    j.Summary,
		Status:   j.Status,
		Priority: j.Priority,
		URL:      j.URL,
		Assignee: j.Assignee,
		DueDate:  j.DueDate,
	}
}

func (j JiraIssue) IsOpen() bool {
	switch strings.ToLower(j.Status) {
	case "done", "closed", "resolved", "cancelled":
		return false
	}
	return true
}

// TodoistTask is a task tracked in Todoist.
type TodoistTask struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	ProjectID string `json:"project_id"`
	Completed bool   `json:"completed"`
	// Priority is Todoist's native 1-4 scale, 4 being the most urgent.
	Priority int    `json:"priority"`
	URL      string `json:"url"`
	DueDate  string `json:"due_date"`
}

func (t TodoistTask) Kind() Kind {
	return KindTodoist
}

func (t TodoistTask) Common() Common {
	status := "active"
	if t.Completed {
		status = "completed"
	}
	return Common{
		ID:       t.ID,
		Title:    t.Content,
		Status:   status,
		Priority: t.Priority,
		URL:      t.URL,
		DueDate:  t.DueDate,
	}
}

func (t TodoistTask) IsOpen() bool {
	return !t.Completed
}

// GitHubIssue is an issue tracked on GitHub.
type GitHubIssue struct {
	ID     string `json:"id"`
	Repo   string `json:"repo"`
	Number int    `json:"number"`
	Title  string `json:"title"`
	// State is GitHub's native state, "open" or "closed".
	State    string `json:"state"`
	URL      string `json:"url"`
	Assignee string `json:"assignee"`
}

func (g GitHubIssue) Kind() Kind {
	return KindGitHub
}

func (g GitHubIssue) Common() Common {
	return Common{
		ID:       g.ID,
		Title:    g.Title,
		Status:   g.State,
		URL:      g.URL,
		Assignee: g.Assignee,
	}
}

func (g GitHubIssue) IsOpen() bool {
	return g.State == "open"
}

// AzureWorkItem is a work item tracked in Azure DevOps.
type AzureWorkItem struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	// WorkItemType is e.g. "Bug" or "User Story".
	WorkItemType string `json:"work_item_type"`
	State        string `json:"state"`
	Priority     int    `json:"priority"`
	URL          string `json:"url"`
	AssignedTo   string `json:"assigned_to"`
	DueDate      string `json:"due_date"`
}

func (a AzureWorkItem) Kind() Kind {
	return KindAzure
}

func (a AzureWorkItem) Common() Common {
	return Common{
		ID:       a.ID,
		Title:    a.Title,
		Status:   a.State,
		Priority: a.Priority,
		URL:      a.URL,
		Assignee: a.AssignedTo,
		DueDate:  a.DueDate,
	}
}

func (a AzureWorkItem) IsOpen() bool {
	switch a.State {
	case "Done", "Closed", "Removed", "Completed":
		return false
	}
	return true
}
