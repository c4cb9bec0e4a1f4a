package store

import "time"

// Resource kinds gated by billing plans.
const (
	KindMembers = "members"
	KindTeams   = "teams"
	KindMatters = "matters"
	KindStorage = "storage"
)

type Organization struct {
	ID             string
	Name           string
	PlanKey        string
	PlanValidUntil *time.Time
	Usage          map[string]int64
	CreatedAt      time.Time
}

type Team struct {
	ID            string
	OrgID         string
	Name          string
	WorkspaceCode string
	NextShortID   int64
	CreatedAt     time.Time
}

// Matter is a unit of work. ShortID is assigned at creation and is part
// of the matter's permanent identity; it is unique per team and never
// reassigned. DisplayCode is the human-readable form, e.g. "ENG-42".
type Matter struct {
	ID          string
	OrgID       string
	TeamID      string
	ShortID     int64
	DisplayCode string
	Title       string
	Status      string
	CreatedBy   string
	CreatedAt   time.Time
	DeletedAt   *time.Time
}

type Comment struct {
	ID        string
	MatterID  string
	AuthorID  string
	Body      string
	CreatedAt time.Time
}

type User struct {
	ID          string
	DisplayName string
	Email       string
}

type Membership struct {
	OrgID  string
	UserID string
	Role   string
}
