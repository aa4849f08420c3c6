package thought

import "time"

// ContextKind names a category of user context offered to the provider.
type ContextKind string

const (
	KindGoal    ContextKind = "goal"
	KindProject ContextKind = "project"
	KindPerson  ContextKind = "person"
	KindTask    ContextKind = "task"
	KindMood    ContextKind = "mood"
)

// ContextKinds lists every kind in prompt order.
var ContextKinds = []ContextKind{KindGoal, KindProject, KindPerson, KindTask, KindMood}

// Valid reports whether k is a known kind.
func (k ContextKind) Valid() bool {
	for _, known := range ContextKinds {
		if k == known {
			return true
		}
	}
	return false
}

type ContextItem struct {
	ID        string      `json:"id"`
	UserID    string      `json:"user_id"`
	Kind      ContextKind `json:"kind"`
	Title     string      `json:"title"`
	Detail    string      `json:"detail,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// Context is the bounded read-only snapshot handed to the provider.
type Context struct {
	Goals    []ContextItem `json:"goals"`
	Projects []ContextItem `json:"projects"`
	People   []ContextItem `json:"people"`
	Tasks    []ContextItem `json:"tasks"`
	Moods    []ContextItem `json:"moods"`
}

// Set stores items under their kind.
func (c *Context) Set(kind ContextKind, items []ContextItem) {
	switch kind {
	case KindGoal:
		c.Goals = items
	case KindProject:
		c.Projects = items
	case KindPerson:
		c.People = items
	case KindTask:
		c.Tasks = items
	case KindMood:
		c.Moods = items
	}
}
