package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultMatter  ResultType = "matter"
	ResultComment ResultType = "comment"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type        ResultType `json:"type"`
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Snippet     string     `json:"snippet"`
	DisplayCode string     `json:"displayCode,omitempty"`
	MatterID    string     `json:"matterId,omitempty"`
	TeamID      string     `json:"teamId"`
	Status      string     `json:"status,omitempty"`
}

// Query describes a search request. OrgID is mandatory: results never
// cross an organization boundary.
type Query struct {
	Text         string
	OrgID        string
	FilterType   ResultType // empty = all types
	FilterTeamID string
	Limit        int
	Offset       int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// MatterRecord is the data we index for a matter.
type MatterRecord struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	DisplayCode string `json:"displayCode"`
	Status      string `json:"status"`
	TeamID      string `json:"teamId"`
	OrgID       string `json:"orgId"`
}

// CommentRecord is the data we index for a matter comment.
type CommentRecord struct {
	ID       string `json:"id"`
	Body     string `json:"body"`
	MatterID string `json:"matterId"`
	TeamID   string `json:"teamId"`
	OrgID    string `json:"orgId"`
}
