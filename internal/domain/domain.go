package domain

// Role names recognized by the permission rules.
const (
	RoleAdmin = "Admin"
	RoleUser  = "User"
)

// Task statuses. NotStarted and InProgress are driven automatically by the
// assignment count; the remaining statuses are set manually by admins.
const (
	StatusNotStarted  = "NotStarted"
	StatusInProgress  = "InProgress"
	StatusUnderReview = "UnderReview"
	StatusCompleted   = "Completed"
	StatusArchived    = "Archived"
)

const (
	PriorityLow      = "Low"
	PriorityMedium   = "Medium"
	PriorityHigh     = "High"
	PriorityCritical = "Critical"
)

func ValidStatus(s string) bool {
	switch s {
	case StatusNotStarted, StatusInProgress, StatusUnderReview, StatusCompleted, StatusArchived:
		return true
	}
	return false
}

func ValidPriority(p string) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

type Task struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Status      string       `json:"status" enum:"NotStarted,InProgress,UnderReview,Completed,Archived"`
	Priority    string       `json:"priority" enum:"Low,Medium,High,Critical"`
	Progress    int          `json:"progress" minimum:"0" maximum:"100"`
	DueDate     *string      `json:"due_date,omitempty" format:"date-time"`
	CreatorID   string       `json:"creator_id"`
	CreatedAt   string       `json:"created_at" format:"date-time"`
	Assignments []Assignment `json:"assignments,omitempty"`
}

// AssigneeIDs returns the user ids in the task's assignment set.
func (t Task) AssigneeIDs() []string {
	ids := make([]string, 0, len(t.Assignments))
	for _, a := range t.Assignments {
		ids = append(ids, a.UserID)
	}
	return ids
}

type Assignment struct {
	TaskID     string `json:"task_id"`
	UserID     string `json:"user_id"`
	AssignedAt string `json:"assigned_at" format:"date-time"`
}

type User struct {
	ID           string   `json:"id"`
	DisplayName  string   `json:"display_name"`
	Email        string   `json:"email"`
	PasswordHash string   `json:"-"`
	Roles        []string `json:"roles"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
}

// Identity is the authenticated view of a user as carried by a session
// token: id, presentation name, and role set. Immutable once issued.
type Identity struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	Email       string   `json:"email,omitempty"`
	Roles       []string `json:"roles"`
}

func (i Identity) HasRole(role string) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
